// Package inmemory implements configstore.Reader over a pre-built map,
// used by the supervisor's default (non-jcdb) CLI path and by tests
// that want a DU definition without touching the filesystem.
package inmemory

import (
	"sync"

	"ias/internal/apperr"
	"ias/internal/configstore"
	"ias/internal/ident"
)

// Store is a mutable, concurrency-safe map of DU definitions keyed by
// the DU identifier's local id. It implements configstore.SupervisorReader
// so it can back the CLI's default (non-jcdb) path as well as tests.
type Store struct {
	mu          sync.RWMutex
	dus         map[string]configstore.DUDefinition
	supervisors map[string][]string
	bus         configstore.BusConfig
}

// New builds a Store pre-populated with defs. Every supervisor section
// defaults to hosting all of defs, and the bus defaults to the
// in-process memory transport (no brokers).
func New(defs map[string]configstore.DUDefinition) *Store {
	dus := make(map[string]configstore.DUDefinition, len(defs))
	hosted := make([]string, 0, len(defs))
	for k, v := range defs {
		dus[k] = v
		hosted = append(hosted, k)
	}
	return &Store{dus: dus, supervisors: map[string][]string{"default": hosted}}
}

// Put adds or replaces a DU definition and appends it to the "default"
// supervisor's hosted set if not already present.
func (s *Store) Put(def configstore.DUDefinition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	localID := def.ID.Local()
	s.dus[localID] = def
	for _, id := range s.supervisors["default"] {
		if id == localID {
			return
		}
	}
	s.supervisors["default"] = append(s.supervisors["default"], localID)
}

// SetHostedDUIDs overrides which DUs a named supervisor hosts.
func (s *Store) SetHostedDUIDs(supervisorLocalID string, duIDs []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.supervisors == nil {
		s.supervisors = make(map[string][]string)
	}
	s.supervisors[supervisorLocalID] = duIDs
}

// SetBusConfig overrides the bus connection info this store reports.
func (s *Store) SetBusConfig(cfg configstore.BusConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bus = cfg
}

// DUDefinition implements configstore.Reader.
func (s *Store) DUDefinition(id ident.ID) (configstore.DUDefinition, error) {
	const op = "DUDefinition"
	s.mu.RLock()
	defer s.mu.RUnlock()
	def, ok := s.dus[id.Local()]
	if !ok {
		return configstore.DUDefinition{}, apperr.New(apperr.CodeConfigNotFound, "configstore/inmemory", op,
			"no definition for distributed unit "+id.Local())
	}
	return def, nil
}

// HostedDUIDs implements configstore.SupervisorReader.
func (s *Store) HostedDUIDs(supervisorLocalID string) ([]string, error) {
	const op = "HostedDUIDs"
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids, ok := s.supervisors[supervisorLocalID]
	if !ok {
		return nil, apperr.New(apperr.CodeConfigNotFound, "configstore/inmemory", op,
			"no supervisor section for "+supervisorLocalID)
	}
	return ids, nil
}

// BusConfig implements configstore.SupervisorReader.
func (s *Store) BusConfig() configstore.BusConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bus
}

var _ configstore.SupervisorReader = (*Store)(nil)
