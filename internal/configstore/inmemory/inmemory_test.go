package inmemory

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ias/internal/configstore"
	"ias/internal/ident"
)

func TestStore_PutThenLookup(t *testing.T) {
	id, err := ident.New("dasu1", ident.DASU, nil)
	require.NoError(t, err)

	s := New(nil)
	s.Put(configstore.DUDefinition{ID: id, CEs: []configstore.CEConfig{{ID: "ce1", TFName: "threshold"}}})

	def, err := s.DUDefinition(id)
	require.NoError(t, err)
	assert.Equal(t, "dasu1", def.ID.Local())
}

func TestStore_UnknownIDFails(t *testing.T) {
	id, err := ident.New("missing", ident.DASU, nil)
	require.NoError(t, err)

	s := New(nil)
	_, err = s.DUDefinition(id)
	assert.Error(t, err)
}

func TestNew_DefaultSupervisorHostsEverySeededDU(t *testing.T) {
	id, err := ident.New("dasu1", ident.DASU, nil)
	require.NoError(t, err)
	seed := map[string]configstore.DUDefinition{"dasu1": {ID: id}}

	s := New(seed)
	ids, err := s.HostedDUIDs("default")
	require.NoError(t, err)
	assert.Equal(t, []string{"dasu1"}, ids)
}

func TestSetHostedDUIDsAndSetBusConfig_Override(t *testing.T) {
	s := New(nil)
	s.SetHostedDUIDs("sup1", []string{"dasu1", "dasu2"})
	ids, err := s.HostedDUIDs("sup1")
	require.NoError(t, err)
	assert.Equal(t, []string{"dasu1", "dasu2"}, ids)

	s.SetBusConfig(configstore.BusConfig{Brokers: []string{"b1:9092"}, ValuesTopic: "t"})
	assert.Equal(t, []string{"b1:9092"}, s.BusConfig().Brokers)
}

func TestNew_SeedsFromInitialMap(t *testing.T) {
	id, err := ident.New("dasu1", ident.DASU, nil)
	require.NoError(t, err)
	seed := map[string]configstore.DUDefinition{"dasu1": {ID: id}}

	s := New(seed)
	def, err := s.DUDefinition(id)
	require.NoError(t, err)
	assert.Equal(t, id, def.ID)
}
