package du

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ias/internal/bus/memory"
	"ias/internal/topology"
	"ias/internal/wire"

	_ "ias/internal/tf" // registers threshold/multiplicity/average
)

func pluginValue(fullRunningID string, typ wire.ValueType, payload interface{}) wire.Value {
	now := time.Now()
	return wire.Value{
		FullRunningID: fullRunningID,
		Type:          typ,
		Payload:       payload,
		Validity:      wire.Reliable,
		Timestamps:    wire.Timestamps{PluginProduction: &now},
	}
}

func singleCEDefs() []topology.CEDef {
	return []topology.CEDef{
		{
			ID:                  "ce1",
			OutputID:            "ce1-out",
			OutputFullRunningID: "full-ce1-out",
			Inputs:              []string{"in-a", "in-b"},
			TFName:              "multiplicity",
			TFParams:            map[string]string{"threshold": "1", "priority": string(wire.SetHigh)},
		},
	}
}

func newTestDU(t *testing.T, opts ...Option) (*DU, *memory.Bus) {
	t.Helper()
	topo, err := topology.Build(singleCEDefs(), map[string]bool{"ce1-out": true})
	require.NoError(t, err)

	b := memory.New(logrus.StandardLogger())
	idMap := map[string]string{"in-a": "full-in-a", "in-b": "full-in-b"}

	d, err := New("dasu1", topo, map[string]bool{"ce1-out": true}, idMap, b, opts...)
	require.NoError(t, err)
	return d, b
}

func TestDU_PropagatesExternalInputsToPublishedOutput(t *testing.T) {
	d, b := newTestDU(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, d.Start(ctx))
	defer d.Close()

	received := make(chan wire.Value, 4)
	require.NoError(t, b.Subscribe(ctx, []string{"full-ce1-out"}, func(values []wire.Value) {
		for _, v := range values {
			received <- v
		}
	}))

	require.NoError(t, b.Publish(ctx, pluginValue("full-in-a", wire.Alarm, wire.Cleared)))
	require.NoError(t, b.Publish(ctx, pluginValue("full-in-b", wire.Alarm, wire.Cleared)))

	select {
	case v := <-received:
		assert.Equal(t, wire.Cleared, v.Payload)
		assert.Equal(t, []string{"full-in-a", "full-in-b"}, v.Dependents)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for published output")
	}
}

func TestDU_DoesNotRepublishUnchangedOutput(t *testing.T) {
	d, b := newTestDU(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, d.Start(ctx))
	defer d.Close()

	received := make(chan wire.Value, 8)
	require.NoError(t, b.Subscribe(ctx, []string{"full-ce1-out"}, func(values []wire.Value) {
		for _, v := range values {
			received <- v
		}
	}))

	require.NoError(t, b.Publish(ctx, pluginValue("full-in-a", wire.Alarm, wire.Cleared)))
	require.NoError(t, b.Publish(ctx, pluginValue("full-in-b", wire.Alarm, wire.Cleared)))
	select {
	case <-received:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for first publish")
	}

	// Re-sending the same value for in-a must not cause a second publish:
	// the CE's output does not change.
	require.NoError(t, b.Publish(ctx, pluginValue("full-in-a", wire.Alarm, wire.Cleared)))
	select {
	case v := <-received:
		t.Fatalf("unexpected republish: %+v", v)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestDU_ThrottlesBurstsIntoOnePublish(t *testing.T) {
	d, b := newTestDU(t, WithThrottle(200*time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, d.Start(ctx))
	defer d.Close()

	received := make(chan wire.Value, 8)
	require.NoError(t, b.Subscribe(ctx, []string{"full-ce1-out"}, func(values []wire.Value) {
		for _, v := range values {
			received <- v
		}
	}))

	require.NoError(t, b.Publish(ctx, pluginValue("full-in-a", wire.Alarm, wire.Cleared)))
	require.NoError(t, b.Publish(ctx, pluginValue("full-in-b", wire.Alarm, wire.Cleared)))

	select {
	case <-received:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for throttled publish")
	}

	select {
	case v := <-received:
		t.Fatalf("expected the burst to coalesce into a single publish, got second: %+v", v)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestDU_AutoRefreshRepublishesUnconditionally(t *testing.T) {
	d, b := newTestDU(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, d.Start(ctx))
	defer d.Close()

	received := make(chan wire.Value, 8)
	require.NoError(t, b.Subscribe(ctx, []string{"full-ce1-out"}, func(values []wire.Value) {
		for _, v := range values {
			received <- v
		}
	}))

	require.NoError(t, b.Publish(ctx, pluginValue("full-in-a", wire.Alarm, wire.Cleared)))
	require.NoError(t, b.Publish(ctx, pluginValue("full-in-b", wire.Alarm, wire.Cleared)))
	select {
	case <-received:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for initial publish")
	}

	d.EnableAutoRefresh(50 * time.Millisecond)

	select {
	case v := <-received:
		assert.Equal(t, wire.Cleared, v.Payload)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for auto-refresh publish")
	}
}

func TestDU_RejectsMissingExternalInputMapping(t *testing.T) {
	topo, err := topology.Build(singleCEDefs(), map[string]bool{"ce1-out": true})
	require.NoError(t, err)
	b := memory.New(logrus.StandardLogger())
	_, err = New("dasu1", topo, map[string]bool{"ce1-out": true}, map[string]string{"in-a": "full-in-a"}, b)
	assert.Error(t, err)
}
