// Package yamlfile implements configstore.Reader over a single flat
// YAML document, the jcdb format selected by the supervisor's
// -j/--jcdb flag. It is structurally grounded on the teacher's
// internal/config/config.go: read the whole file once at construction,
// apply defaults, validate before returning, and reject at load time
// rather than at lookup time.
package yamlfile

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"ias/internal/apperr"
	"ias/internal/configstore"
	"ias/internal/ident"
)

// defaultAutoRefresh and defaultThrottle mirror the teacher's
// applyDefaults pattern: fill in reasonable values for anything the
// document leaves unset rather than failing closed.
const (
	defaultAutoRefresh = 10 * time.Second
	defaultThrottleMs  = 100
)

type document struct {
	DistributedUnits map[string]duDoc         `yaml:"distributedUnits"`
	Supervisors      map[string]supervisorDoc `yaml:"supervisors"`
	Bus              busDoc                   `yaml:"bus"`
}

type duDoc struct {
	CEs                []configstore.CEConfig `yaml:"ces"`
	PublishedOutputs   []string               `yaml:"publishedOutputs"`
	ExternalInputs     map[string]string      `yaml:"externalInputs"`
	AutoRefreshSeconds int                    `yaml:"autoRefreshSeconds"`
	ThrottleMinMillis  int                    `yaml:"throttleMinMillis"`
}

type supervisorDoc struct {
	HostedDUs []string `yaml:"hostedDus"`
}

type busDoc struct {
	Brokers        []string `yaml:"brokers"`
	ValuesTopic    string   `yaml:"valuesTopic"`
	HeartbeatTopic string   `yaml:"heartbeatTopic"`
}

// Store is a configstore.SupervisorReader backed by an in-memory parse
// of a YAML file, loaded once at construction.
type Store struct {
	dus         map[string]configstore.DUDefinition
	supervisors map[string][]string
	bus         configstore.BusConfig
}

// Load reads and validates path, returning a ready-to-use Store. It
// fails closed: any parse or validation error is returned, never
// silently defaulted away, matching config.ValidateConfig's
// fail-before-start posture.
func Load(path string) (*Store, error) {
	const op = "Load"
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apperr.New(apperr.CodeConfigNotFound, "configstore/yamlfile", op, "reading "+path).Wrap(err)
	}

	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, apperr.New(apperr.CodeConfigInvalid, "configstore/yamlfile", op, "parsing "+path).Wrap(err)
	}

	s := &Store{
		dus:         make(map[string]configstore.DUDefinition, len(doc.DistributedUnits)),
		supervisors: make(map[string][]string, len(doc.Supervisors)),
		bus: configstore.BusConfig{
			Brokers:        doc.Bus.Brokers,
			ValuesTopic:    doc.Bus.ValuesTopic,
			HeartbeatTopic: doc.Bus.HeartbeatTopic,
		},
	}
	for supervisorID, raw := range doc.Supervisors {
		s.supervisors[supervisorID] = raw.HostedDUs
	}
	for localID, raw := range doc.DistributedUnits {
		id, err := ident.New(localID, ident.DASU, nil)
		if err != nil {
			return nil, apperr.New(apperr.CodeConfigInvalid, "configstore/yamlfile", op,
				fmt.Sprintf("distributed unit id %q", localID)).Wrap(err)
		}

		applyDefaults(&raw)
		if err := validate(localID, raw); err != nil {
			return nil, err
		}

		s.dus[localID] = configstore.DUDefinition{
			ID:                  id,
			CEs:                 raw.CEs,
			PublishedOutputs:    raw.PublishedOutputs,
			ExternalInputs:      raw.ExternalInputs,
			AutoRefreshInterval: time.Duration(raw.AutoRefreshSeconds) * time.Second,
			ThrottleMinInterval: time.Duration(raw.ThrottleMinMillis) * time.Millisecond,
		}
	}
	return s, nil
}

func applyDefaults(d *duDoc) {
	if d.AutoRefreshSeconds == 0 {
		d.AutoRefreshSeconds = int(defaultAutoRefresh / time.Second)
	}
	if d.ThrottleMinMillis == 0 {
		d.ThrottleMinMillis = defaultThrottleMs
	}
	if d.ExternalInputs == nil {
		d.ExternalInputs = map[string]string{}
	}
}

func validate(localID string, d duDoc) error {
	const op = "validate"
	if len(d.CEs) == 0 {
		return apperr.New(apperr.CodeConfigInvalid, "configstore/yamlfile", op,
			fmt.Sprintf("distributed unit %q has no computing elements", localID))
	}
	for _, ce := range d.CEs {
		if ce.ID == "" || ce.TFName == "" {
			return apperr.New(apperr.CodeConfigInvalid, "configstore/yamlfile", op,
				fmt.Sprintf("distributed unit %q: CE missing id or tf", localID))
		}
	}
	return nil
}

// DUDefinition implements configstore.Reader.
func (s *Store) DUDefinition(id ident.ID) (configstore.DUDefinition, error) {
	const op = "DUDefinition"
	def, ok := s.dus[id.Local()]
	if !ok {
		return configstore.DUDefinition{}, apperr.New(apperr.CodeConfigNotFound, "configstore/yamlfile", op,
			"no definition for distributed unit "+id.Local())
	}
	return def, nil
}

// HostedDUIDs implements configstore.SupervisorReader.
func (s *Store) HostedDUIDs(supervisorLocalID string) ([]string, error) {
	const op = "HostedDUIDs"
	ids, ok := s.supervisors[supervisorLocalID]
	if !ok {
		return nil, apperr.New(apperr.CodeConfigNotFound, "configstore/yamlfile", op,
			"no supervisor section for "+supervisorLocalID)
	}
	return ids, nil
}

// BusConfig implements configstore.SupervisorReader.
func (s *Store) BusConfig() configstore.BusConfig { return s.bus }

var _ configstore.SupervisorReader = (*Store)(nil)
