package ident

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustNew(t *testing.T, local string, kind Kind, parent *ID) ID {
	t.Helper()
	id, err := New(local, kind, parent)
	require.NoError(t, err)
	return id
}

func TestNew_RejectsEmptyLocal(t *testing.T) {
	_, err := New("", MonitoredSystem, nil)
	assert.Error(t, err)
}

func TestNew_RejectsSeparatorInLocal(t *testing.T) {
	_, err := New("bad"+Separator+"id", MonitoredSystem, nil)
	assert.Error(t, err)
}

func TestNew_RejectsWrongParentKind(t *testing.T) {
	sys := mustNew(t, "sys1", MonitoredSystem, nil)
	_, err := New("conv1", Converter, &sys) // Converter needs a Plugin parent
	assert.Error(t, err)
}

func TestNew_RejectsMissingParentWhenRequired(t *testing.T) {
	_, err := New("plg1", Plugin, nil)
	assert.Error(t, err)
}

func TestNew_RejectsUnexpectedParentOnRoot(t *testing.T) {
	sys := mustNew(t, "sys1", MonitoredSystem, nil)
	_, err := New("sys2", MonitoredSystem, &sys)
	assert.Error(t, err)
}

func TestChain_AcceptsFullHierarchy(t *testing.T) {
	sys := mustNew(t, "sys1", MonitoredSystem, nil)
	plg := mustNew(t, "plg1", Plugin, &sys)
	conv := mustNew(t, "conv1", Converter, &plg)
	iasio := mustNew(t, "temp1", IASIO, &conv)

	assert.Equal(t, "sys1.plg1.conv1.temp1", iasio.RunningID())
}

func TestFullRunningID_ContainsEveryAncestorInOrder(t *testing.T) {
	supv := mustNew(t, "supv1", Supervisor, nil)
	dasu := mustNew(t, "dasu1", DASU, &supv)
	asce := mustNew(t, "asce1", ASCE, &dasu)
	iasio := mustNew(t, "out1", IASIO, &asce)

	full := iasio.FullRunningID()
	assert.Equal(t, "(supv1:SUPERVISOR)@(dasu1:DASU)@(asce1:ASCE)@(out1:IASIO)", full)
}

func TestRunningID_NeverEmpty(t *testing.T) {
	id := mustNew(t, "only", Client, nil)
	assert.NotEmpty(t, id.RunningID())
}

func TestGetAncestorOfKind(t *testing.T) {
	supv := mustNew(t, "supv1", Supervisor, nil)
	dasu := mustNew(t, "dasu1", DASU, &supv)
	asce := mustNew(t, "asce1", ASCE, &dasu)

	found, ok := asce.GetAncestorOfKind(Supervisor)
	require.True(t, ok)
	assert.Equal(t, "supv1", found.Local())

	_, ok = asce.GetAncestorOfKind(Plugin)
	assert.False(t, ok)
}

func TestEqual(t *testing.T) {
	sys := mustNew(t, "sys1", MonitoredSystem, nil)
	a := mustNew(t, "plg1", Plugin, &sys)
	b := mustNew(t, "plg1", Plugin, &sys)
	c := mustNew(t, "plg2", Plugin, &sys)

	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))
}

func TestIASIO_AcceptsCEParent(t *testing.T) {
	supv := mustNew(t, "supv1", Supervisor, nil)
	dasu := mustNew(t, "dasu1", DASU, &supv)
	asce := mustNew(t, "asce1", ASCE, &dasu)
	_, err := New("out1", IASIO, &asce)
	assert.NoError(t, err)
}
