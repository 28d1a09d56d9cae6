package du

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ias/internal/bus/memory"
	"ias/internal/ce"
	"ias/internal/topology"
	"ias/internal/wire"
)

// thresholdParams builds a zero-hysteresis four-band config over the
// bounds lo and hi: a value at or beyond either bound sets the alarm,
// and it clears once the value is strictly back inside (lo, hi).
func thresholdParams(lo, hi float64) map[string]string {
	return map[string]string{
		"high_on": strconv.FormatFloat(hi, 'g', -1, 64), "high_off": strconv.FormatFloat(hi, 'g', -1, 64),
		"low_on": strconv.FormatFloat(lo, 'g', -1, 64), "low_off": strconv.FormatFloat(lo, 'g', -1, 64),
		"alarm_set_priority": string(wire.SetHigh),
	}
}

func thresholdCEDefs() []topology.CEDef {
	return []topology.CEDef{
		{
			ID:                  "ce1",
			OutputID:            "alarm",
			OutputFullRunningID: "full-alarm",
			Inputs:              []string{"temperature"},
			TFName:              "threshold",
			TFParams:            thresholdParams(-10, 10),
		},
	}
}

func newThresholdDU(t *testing.T, opts ...Option) (*DU, *memory.Bus) {
	t.Helper()
	topo, err := topology.Build(thresholdCEDefs(), map[string]bool{"alarm": true})
	require.NoError(t, err)
	b := memory.New(logrus.StandardLogger())
	d, err := New("dasu1", topo, map[string]bool{"alarm": true},
		map[string]string{"temperature": "full-temperature"}, b, opts...)
	require.NoError(t, err)
	return d, b
}

func subscribeAlarm(t *testing.T, ctx context.Context, b *memory.Bus) <-chan wire.Value {
	t.Helper()
	out := make(chan wire.Value, 16)
	require.NoError(t, b.Subscribe(ctx, []string{"full-alarm"}, func(values []wire.Value) {
		for _, v := range values {
			out <- v
		}
	}))
	return out
}

func pushTemperature(t *testing.T, ctx context.Context, b *memory.Bus, value float64) {
	t.Helper()
	require.NoError(t, b.Publish(ctx, pluginValue("full-temperature", wire.Double, value)))
}

// S1: push {Temperature: 0} then {Temperature: 100}; expect a CLEARED
// publish followed by a SET publish, with no publish in between.
func TestScenarioS1_ThresholdCrossing(t *testing.T) {
	d, b := newThresholdDU(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, d.Start(ctx))
	defer d.Close()

	out := subscribeAlarm(t, ctx, b)

	pushTemperature(t, ctx, b, 0)
	select {
	case v := <-out:
		assert.Equal(t, wire.Cleared, v.Payload)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for first publish")
	}

	pushTemperature(t, ctx, b, 100)
	select {
	case v := <-out:
		assert.Equal(t, wire.SetHigh, v.Payload)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for second publish")
	}

	select {
	case v := <-out:
		t.Fatalf("unexpected extra publish between the two inputs: %+v", v)
	case <-time.After(100 * time.Millisecond):
	}
}

// S2: with auto-refresh at 1s (here scaled down for test speed), a
// single input produces repeated re-publications carrying the same
// payload but updated timestamps.
func TestScenarioS2_AutoRefreshRepublishesWithUpdatedTimestamps(t *testing.T) {
	d, b := newThresholdDU(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, d.Start(ctx))
	defer d.Close()

	out := subscribeAlarm(t, ctx, b)
	pushTemperature(t, ctx, b, 0)

	var first wire.Value
	select {
	case first = <-out:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for initial publish")
	}

	d.EnableAutoRefresh(40 * time.Millisecond)

	seen := 0
	deadline := time.After(time.Second)
	for seen < 3 {
		select {
		case v := <-out:
			assert.Equal(t, first.Payload, v.Payload)
			assert.Equal(t, wire.Reliable, v.Validity)
			seen++
		case <-deadline:
			t.Fatalf("only saw %d auto-refresh publishes before timing out", seen)
		}
	}
}

// S3: a multi-level topology with an averaging TF over all four raw
// inputs feeding a threshold CE, alongside four independent threshold
// CEs on the raw inputs directly, all fanning into a level-2
// multiplicity CE.
func TestScenarioS3_MultiLevelTopologyPropagation(t *testing.T) {
	defs := []topology.CEDef{
		{ID: "avg1", OutputID: "avg1-out", OutputFullRunningID: "full-avg1", Inputs: []string{"t1", "t2", "t3", "t4"}, TFName: "average"},
		{ID: "thr1", OutputID: "thr1-out", OutputFullRunningID: "full-thr1", Inputs: []string{"avg1-out"}, TFName: "threshold", TFParams: thresholdParams(0, 50)},
		{ID: "thr2", OutputID: "thr2-out", OutputFullRunningID: "full-thr2", Inputs: []string{"t1"}, TFName: "threshold", TFParams: thresholdParams(0, 50)},
		{ID: "thr3", OutputID: "thr3-out", OutputFullRunningID: "full-thr3", Inputs: []string{"t2"}, TFName: "threshold", TFParams: thresholdParams(0, 50)},
		{ID: "thr4", OutputID: "thr4-out", OutputFullRunningID: "full-thr4", Inputs: []string{"t3"}, TFName: "threshold", TFParams: thresholdParams(0, 50)},
		{ID: "thr5", OutputID: "thr5-out", OutputFullRunningID: "full-thr5", Inputs: []string{"t4"}, TFName: "threshold", TFParams: thresholdParams(0, 50)},
		{
			ID: "mult", OutputID: "alarm", OutputFullRunningID: "full-alarm",
			Inputs:   []string{"thr1-out", "thr2-out", "thr3-out", "thr4-out", "thr5-out"},
			TFName:   "multiplicity",
			TFParams: map[string]string{"threshold": "2", "priority": string(wire.SetHigh)},
		},
	}
	published := map[string]bool{"alarm": true}
	topo, err := topology.Build(defs, published)
	require.NoError(t, err)

	b := memory.New(logrus.StandardLogger())
	idMap := map[string]string{"t1": "full-t1", "t2": "full-t2", "t3": "full-t3", "t4": "full-t4"}
	d, err := New("dasu1", topo, published, idMap, b)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, d.Start(ctx))
	defer d.Close()

	out := subscribeAlarm(t, ctx, b)

	require.NoError(t, b.Publish(ctx, pluginValue("full-t1", wire.Double, 5.0)))
	require.NoError(t, b.Publish(ctx, pluginValue("full-t2", wire.Double, 6.0)))
	require.NoError(t, b.Publish(ctx, pluginValue("full-t3", wire.Double, 7.0)))
	require.NoError(t, b.Publish(ctx, pluginValue("full-t4", wire.Double, 8.0)))

	select {
	case v := <-out:
		assert.Equal(t, wire.Cleared, v.Payload)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for cleared output")
	}

	require.NoError(t, b.Publish(ctx, pluginValue("full-t1", wire.Double, 100.0)))
	require.NoError(t, b.Publish(ctx, pluginValue("full-t2", wire.Double, 100.0)))
	require.NoError(t, b.Publish(ctx, pluginValue("full-t3", wire.Double, 100.0)))

	select {
	case v := <-out:
		assert.Equal(t, wire.SetHigh, v.Payload)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for set output")
	}
}

// S4: a CE whose TF evaluates successfully on its first update but
// fails type-checking on a later one moves to TFBroken and freezes its
// last published output; the CE does not re-invoke the TF afterward.
func TestScenarioS4_BrokenTFFreezesOutput(t *testing.T) {
	d, b := newThresholdDU(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, d.Start(ctx))
	defer d.Close()

	out := subscribeAlarm(t, ctx, b)

	pushTemperature(t, ctx, b, 0)
	select {
	case v := <-out:
		assert.Equal(t, wire.Cleared, v.Payload)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for initial publish")
	}

	require.NoError(t, b.Publish(ctx, pluginValue("full-temperature", wire.String, "not-a-number")))

	target := d.CE("ce1")
	require.NotNil(t, target)
	require.Eventually(t, func() bool {
		return target.State() == ce.StateTFBroken
	}, time.Second, 10*time.Millisecond, "CE did not move to TF_BROKEN after a type-mismatched input")

	frozen, hasOutput := target.Output()
	require.True(t, hasOutput)
	assert.Equal(t, wire.Cleared, frozen.Payload)

	select {
	case v := <-out:
		t.Fatalf("broken TF must not publish again: %+v", v)
	case <-time.After(200 * time.Millisecond):
	}

	pushTemperature(t, ctx, b, 100)
	select {
	case v := <-out:
		t.Fatalf("broken TF must not resume publishing on further updates: %+v", v)
	case <-time.After(200 * time.Millisecond):
	}
}

// S5: with auto-refresh enabled and an age threshold shorter than the
// gap between inputs, the DU keeps republishing its last output but
// its validity flips to UNRELIABLE once the output outlives the
// threshold, without any new input arriving.
func TestScenarioS5_StaleOutputDowngradesToUnreliable(t *testing.T) {
	d, b := newThresholdDU(t, WithAgeThreshold(80*time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, d.Start(ctx))
	defer d.Close()

	out := subscribeAlarm(t, ctx, b)
	pushTemperature(t, ctx, b, 0)

	select {
	case v := <-out:
		assert.Equal(t, wire.Reliable, v.Validity)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for initial publish")
	}

	d.EnableAutoRefresh(30 * time.Millisecond)

	deadline := time.After(time.Second)
	for {
		select {
		case v := <-out:
			if v.Validity == wire.Unreliable {
				return
			}
		case <-deadline:
			t.Fatal("output never downgraded to UNRELIABLE after outliving the age threshold")
		}
	}
}

// S6: a burst of 1000 values for the same input within a short window
// must coalesce to at most two published outputs (the throttled one
// plus, possibly, one already in flight when the burst starts).
func TestScenarioS6_BurstCoalescesUnderThrottle(t *testing.T) {
	d, b := newThresholdDU(t, WithThrottle(250*time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, d.Start(ctx))
	defer d.Close()

	out := subscribeAlarm(t, ctx, b)

	for i := 0; i < 1000; i++ {
		pushTemperature(t, ctx, b, 100.0)
	}

	count := 0
	deadline := time.After(500 * time.Millisecond)
loop:
	for {
		select {
		case <-out:
			count++
		case <-deadline:
			break loop
		}
	}
	assert.LessOrEqual(t, count, 2)
}
