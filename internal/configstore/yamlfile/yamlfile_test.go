package yamlfile

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ias/internal/apperr"
	"ias/internal/ident"
)

func writeDoc(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "jcdb.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoad_AppliesDefaultsAndParsesDefinition(t *testing.T) {
	path := writeDoc(t, `
distributedUnits:
  dasu1:
    ces:
      - id: ce1
        outputId: out1
        outputFullRunningId: full-out1
        inputs: [in-a, in-b]
        tf: threshold
        tfParams:
          threshold: "1"
    publishedOutputs: [ce1]
    externalInputs:
      in-a: full-in-a
      in-b: full-in-b
`)

	store, err := Load(path)
	require.NoError(t, err)

	id, err := ident.New("dasu1", ident.DASU, nil)
	require.NoError(t, err)

	def, err := store.DUDefinition(id)
	require.NoError(t, err)
	assert.Equal(t, "dasu1", def.ID.Local())
	require.Len(t, def.CEs, 1)
	assert.Equal(t, "threshold", def.CEs[0].TFName)
	assert.Equal(t, 10*time.Second, def.AutoRefreshInterval)
	assert.Equal(t, 100*time.Millisecond, def.ThrottleMinInterval)
}

func TestLoad_RejectsDistributedUnitWithNoComputingElements(t *testing.T) {
	path := writeDoc(t, `
distributedUnits:
  dasu1:
    publishedOutputs: []
`)
	_, err := Load(path)
	require.Error(t, err)
	code, ok := apperr.CodeOf(err)
	require.True(t, ok)
	assert.Equal(t, apperr.CodeConfigInvalid, code)
}

func TestLoad_RejectsCEMissingTF(t *testing.T) {
	path := writeDoc(t, `
distributedUnits:
  dasu1:
    ces:
      - id: ce1
        outputId: out1
        outputFullRunningId: full-out1
        inputs: [in-a]
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoad_RejectsMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	code, ok := apperr.CodeOf(err)
	require.True(t, ok)
	assert.Equal(t, apperr.CodeConfigNotFound, code)
}

func TestHostedDUIDsAndBusConfig_ParseSupervisorAndBusSections(t *testing.T) {
	path := writeDoc(t, `
distributedUnits:
  dasu1:
    ces:
      - id: ce1
        outputId: out1
        outputFullRunningId: full-out1
        inputs: [in-a]
        tf: threshold
supervisors:
  sup1:
    hostedDus: [dasu1]
bus:
  brokers: [broker1:9092, broker2:9092]
  valuesTopic: ias-values
  heartbeatTopic: ias-heartbeats
`)
	store, err := Load(path)
	require.NoError(t, err)

	ids, err := store.HostedDUIDs("sup1")
	require.NoError(t, err)
	assert.Equal(t, []string{"dasu1"}, ids)

	_, err = store.HostedDUIDs("unknown")
	assert.Error(t, err)

	cfg := store.BusConfig()
	assert.Equal(t, []string{"broker1:9092", "broker2:9092"}, cfg.Brokers)
	assert.Equal(t, "ias-values", cfg.ValuesTopic)
	assert.Equal(t, "ias-heartbeats", cfg.HeartbeatTopic)
}

func TestDUDefinition_UnknownIDFails(t *testing.T) {
	path := writeDoc(t, `
distributedUnits:
  dasu1:
    ces:
      - id: ce1
        outputId: out1
        outputFullRunningId: full-out1
        inputs: [in-a]
        tf: threshold
`)
	store, err := Load(path)
	require.NoError(t, err)

	id, err := ident.New("unknown", ident.DASU, nil)
	require.NoError(t, err)
	_, err = store.DUDefinition(id)
	assert.Error(t, err)
}
