// Package configstore defines the abstraction a supervisor uses to load
// a distributed unit's static definition: its computing elements, the
// outputs it publishes, and the full running ids of the inputs it
// receives from outside. internal/configstore/yamlfile and
// internal/configstore/inmemory are the two concrete readers.
package configstore

import (
	"time"

	"ias/internal/ident"
)

// CEConfig is one computing element's configuration as read from the
// config store, matching topology.CEDef field for field so a DU can be
// built directly from it.
type CEConfig struct {
	ID                  string            `yaml:"id"`
	OutputID            string            `yaml:"outputId"`
	OutputFullRunningID string            `yaml:"outputFullRunningId"`
	Inputs              []string          `yaml:"inputs"`
	TFName              string            `yaml:"tf"`
	TFParams            map[string]string `yaml:"tfParams"`
}

// DUDefinition is the complete static configuration of one distributed
// unit: its computing elements, which of their outputs are published
// externally, and the full running ids of the inputs it does not
// itself produce.
type DUDefinition struct {
	ID                  ident.ID
	CEs                 []CEConfig
	PublishedOutputs    []string
	ExternalInputs      map[string]string // local input id -> full running id
	AutoRefreshInterval time.Duration
	ThrottleMinInterval time.Duration
}

// Reader looks up a DU's static definition by its identifier.
type Reader interface {
	DUDefinition(id ident.ID) (DUDefinition, error)
}

// BusConfig is the bus connection information the config store's
// document-level section carries, per spec.md §6's "bus URL" field of
// the configuration store's contract.
type BusConfig struct {
	Brokers        []string
	ValuesTopic    string
	HeartbeatTopic string
}

// SupervisorReader extends Reader with the supervisor-level section of
// the document: which DUs a named supervisor hosts, and how it reaches
// the bus. Both concrete readers implement it; callers that only need
// per-DU lookups (e.g. tests) can keep depending on the narrower Reader.
type SupervisorReader interface {
	Reader
	HostedDUIDs(supervisorLocalID string) ([]string, error)
	BusConfig() BusConfig
}
