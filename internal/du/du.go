// Package du implements the Distributed Unit: the host for a set of
// computing elements wired together by a Topology, responsible for
// receiving external input values from the bus, propagating change
// through the topology's evaluation levels, and publishing the
// resulting outputs back onto the bus — throttled so a burst of
// upstream changes collapses into one evaluation pass.
package du

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"ias/internal/apperr"
	"ias/internal/bus"
	"ias/internal/ce"
	"ias/internal/metrics"
	"ias/internal/statssink"
	"ias/internal/tf"
	"ias/internal/topology"
	"ias/internal/wire"
)

var tracer = otel.Tracer("ias/du")

// Option configures a DU at construction time.
type Option func(*DU)

// WithThrottle sets the minimum interval between two publish passes.
// Input bursts arriving faster than this are coalesced into a single
// evaluation once the interval elapses.
func WithThrottle(min time.Duration) Option {
	return func(d *DU) { d.throttleMinInterval = min }
}

// WithStatsSink overrides the default no-op stats sink.
func WithStatsSink(s statssink.Sink) Option {
	return func(d *DU) { d.stats = s }
}

// WithLogger overrides the default logrus.StandardLogger.
func WithLogger(l *logrus.Logger) Option {
	return func(d *DU) { d.logger = l }
}

// WithAgeThreshold sets the age past which a value's validity is
// downgraded to Unreliable: each CE applies it to its inputs before
// combining their validities, and every auto-refresh republish applies
// it to the output being resent. Zero (the default) disables the check,
// matching the no-supervisor / direct-construction case where no
// auto_send_period is defined.
func WithAgeThreshold(threshold time.Duration) Option {
	return func(d *DU) { d.ageThreshold = threshold }
}

// noopSink discards every call; used when no stats sink is configured.
type noopSink struct{}

func (noopSink) RecordInputsReceived(int)  {}
func (noopSink) RecordCEsEvaluated(int)    {}
func (noopSink) RecordValuesPublished(int) {}
func (noopSink) RecordThrottled()          {}
func (noopSink) Snapshot() statssink.Stats { return statssink.Stats{} }

// DU is a distributed unit. Construct with New, call Start once to
// begin receiving from the bus, and Close to release resources.
type DU struct {
	id   string
	topo *topology.Topology
	bus  bus.PubSub

	ces              map[string]*ce.CE
	publishedOutputs map[string]bool

	fullRunningIDToLocal map[string]string
	localToFullRunningID map[string]string

	throttleMinInterval time.Duration
	ageThreshold        time.Duration
	stats               statssink.Sink
	logger              *logrus.Logger

	mu             sync.Mutex
	inputCache     map[string]wire.Value
	pendingChanges map[string]bool
	lastPublish    time.Time
	pendingTimer   *time.Timer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a DU from a validated Topology. idToFullRunningID must map
// every external (non-CE-produced) input id topo declares to its wire
// full running id; CE outputs take theirs from OutputFullRunningID.
func New(id string, topo *topology.Topology, publishedOutputs map[string]bool, idToFullRunningID map[string]string, b bus.PubSub, opts ...Option) (*DU, error) {
	const op = "New"
	if id == "" {
		return nil, apperr.New(apperr.CodeConfigInvalid, "du", op, "id must not be empty")
	}

	d := &DU{
		id:                   id,
		topo:                 topo,
		bus:                  b,
		ces:                  make(map[string]*ce.CE),
		publishedOutputs:     publishedOutputs,
		fullRunningIDToLocal: make(map[string]string),
		localToFullRunningID: make(map[string]string),
		inputCache:           make(map[string]wire.Value),
		pendingChanges:       make(map[string]bool),
		stats:                noopSink{},
		logger:               logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(d)
	}

	for _, ceID := range topo.CEIDs() {
		def, _ := topo.Def(ceID)
		transferFunction, err := tf.Lookup(def.TFName)
		if err != nil {
			return nil, apperr.New(apperr.CodeConfigTFNotFound, "du", op, "CE "+ceID).Wrap(err)
		}
		c, err := ce.New(def.ID, def.OutputFullRunningID, def.Inputs, transferFunction, def.TFParams,
			ce.WithValidityTimeFrame(d.ageThreshold))
		if err != nil {
			return nil, err
		}
		d.ces[ceID] = c
		d.localToFullRunningID[def.OutputID] = def.OutputFullRunningID
		d.fullRunningIDToLocal[def.OutputFullRunningID] = def.OutputID
	}

	for _, extID := range topo.DASUInputs() {
		full, ok := idToFullRunningID[extID]
		if !ok {
			return nil, apperr.New(apperr.CodeConfigMissingOutput, "du", op,
				"no full running id supplied for external input "+extID)
		}
		d.localToFullRunningID[extID] = full
		d.fullRunningIDToLocal[full] = extID
	}

	return d, nil
}

// Start subscribes to the DU's external inputs on b and begins
// receiving. Start must be called at most once.
func (d *DU) Start(ctx context.Context) error {
	const op = "Start"
	d.ctx, d.cancel = context.WithCancel(ctx)

	topics := make([]string, 0, len(d.topo.DASUInputs()))
	for _, id := range d.topo.DASUInputs() {
		topics = append(topics, d.localToFullRunningID[id])
	}
	if len(topics) == 0 {
		return nil
	}
	if err := d.bus.Subscribe(d.ctx, topics, d.InputsReceived); err != nil {
		metrics.BusSubscribeErrorsTotal.WithLabelValues("du", d.id).Inc()
		return apperr.New(apperr.CodeBusSubscribeFailed, "du", op, "subscribing DU "+d.id+" inputs").Wrap(err)
	}
	return nil
}

// EnableAutoRefresh starts a background loop that republishes every
// currently published output, unconditionally, every interval — so a
// consumer applying a staleness timeout never sees a value go stale
// just because its inputs stopped changing.
func (d *DU) EnableAutoRefresh(interval time.Duration) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-d.ctx.Done():
				return
			case <-ticker.C:
				d.refreshPublish()
			}
		}
	}()
}

// InputsReceived applies a batch of newly arrived input values. It is
// the bus.Handler passed to Subscribe; the bus calls it on its own
// delivery goroutine.
func (d *DU) InputsReceived(values []wire.Value) {
	d.mu.Lock()
	for _, v := range values {
		id, ok := d.fullRunningIDToLocal[v.FullRunningID]
		if !ok {
			continue
		}
		d.inputCache[id] = v
		d.pendingChanges[id] = true
	}
	n := len(values)
	sinceLast := time.Since(d.lastPublish)
	throttle := d.throttleMinInterval > 0 && sinceLast < d.throttleMinInterval
	if throttle && d.pendingTimer == nil {
		delay := d.throttleMinInterval - sinceLast
		d.pendingTimer = time.AfterFunc(delay, func() {
			d.mu.Lock()
			d.pendingTimer = nil
			d.mu.Unlock()
			d.updateAndPublish()
		})
	}
	d.mu.Unlock()

	d.stats.RecordInputsReceived(n)
	if throttle {
		d.stats.RecordThrottled()
		return
	}
	d.updateAndPublish()
}

// updateAndPublish runs one full propagation pass: every CE whose
// inputs changed since the last pass is re-evaluated in topological
// order, and every changed, published output is sent to the bus.
func (d *DU) updateAndPublish() {
	ctx, span := tracer.Start(d.ctx, "update_and_publish", trace.WithAttributes(
		attribute.String("du.id", d.id),
	))
	defer span.End()

	start := time.Now()
	d.mu.Lock()
	changed := d.pendingChanges
	d.pendingChanges = make(map[string]bool)

	evaluated := 0
	var toPublish []wire.Value
	for _, level := range d.topo.Levels() {
		for _, ceID := range level {
			def, _ := d.topo.Def(ceID)
			c := d.ces[ceID]

			touched := false
			for _, inID := range def.Inputs {
				if !changed[inID] {
					continue
				}
				v, ok := d.inputCache[inID]
				if !ok {
					continue
				}
				touched = true
				if _, err := c.Update(inID, v); err != nil {
					d.logger.WithError(err).WithFields(logrus.Fields{"du_id": d.id, "ce_id": ceID}).
						Warn("CE evaluation failed")
				}
			}
			if !touched {
				continue
			}
			evaluated++

			out, ok := c.Output()
			if !ok {
				continue
			}
			prev, existed := d.inputCache[def.OutputID]
			if existed && valuesEqual(prev, out) {
				continue
			}
			d.inputCache[def.OutputID] = out
			changed[def.OutputID] = true

			if d.publishedOutputs[def.OutputID] {
				toPublish = append(toPublish, out.WithDependents(d.dependentsOf(def)))
			}
		}
	}
	d.lastPublish = time.Now()
	d.mu.Unlock()

	published := 0
	for _, v := range toPublish {
		if err := d.bus.Publish(ctx, v); err != nil {
			metrics.BusPublishErrorsTotal.WithLabelValues("du", v.FullRunningID).Inc()
			d.logger.WithError(err).WithField("du_id", d.id).Warn("publish failed")
			continue
		}
		published++
	}

	span.SetAttributes(attribute.Int("du.ces_evaluated", evaluated), attribute.Int("du.values_published", published))
	d.stats.RecordCEsEvaluated(evaluated)
	d.stats.RecordValuesPublished(published)
	metrics.DUPropagationDuration.WithLabelValues(d.id).Observe(time.Since(start).Seconds())
}

// refreshPublish republishes the current value of every published
// output unconditionally. Each republished copy carries a fresh DASU
// production timestamp, while its validity is recomputed against the
// age threshold from the cached output's original production time, so
// a refresh carries liveness without hiding staleness.
func (d *DU) refreshPublish() {
	d.mu.Lock()
	var toPublish []wire.Value
	now := time.Now()
	for outID := range d.publishedOutputs {
		v, ok := d.inputCache[outID]
		if !ok {
			continue
		}
		if produced, ok := v.Timestamps.Production(); ok {
			v.Validity = wire.EffectiveValidity(v.Validity, produced, now, d.ageThreshold)
		}
		v.Timestamps.DASUProduction = &now
		toPublish = append(toPublish, v)
	}
	d.mu.Unlock()

	for _, v := range toPublish {
		if err := d.bus.Publish(d.ctx, v); err != nil {
			metrics.BusPublishErrorsTotal.WithLabelValues("du", v.FullRunningID).Inc()
		}
	}
	d.stats.RecordValuesPublished(len(toPublish))
}

// dependentsOf returns the full running ids of the CE's direct inputs,
// the set of values that most recently contributed to its output.
func (d *DU) dependentsOf(def topology.CEDef) []string {
	deps := make([]string, 0, len(def.Inputs))
	for _, in := range def.Inputs {
		if full, ok := d.localToFullRunningID[in]; ok {
			deps = append(deps, full)
		}
	}
	return deps
}

// Close cancels background work, waits for it to finish, and closes
// every CE. Close does not close the bus: the bus is typically shared
// with other DUs owned by the same supervisor.
func (d *DU) Close() error {
	if d.cancel != nil {
		d.cancel()
	}
	d.mu.Lock()
	if d.pendingTimer != nil {
		d.pendingTimer.Stop()
	}
	d.mu.Unlock()
	d.wg.Wait()

	var firstErr error
	for _, c := range d.ces {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Stats returns the current statistics snapshot.
func (d *DU) Stats() statssink.Stats { return d.stats.Snapshot() }

// CE returns the named computing element, or nil if this DU has none
// by that id. Exposed for tests and for a supervisor's diagnostics.
func (d *DU) CE(id string) *ce.CE { return d.ces[id] }

func valuesEqual(a, b wire.Value) bool {
	if a.Type != b.Type || a.Validity != b.Validity {
		return false
	}
	switch pa := a.Payload.(type) {
	case []float64:
		pb, ok := b.Payload.([]float64)
		if !ok || len(pa) != len(pb) {
			return false
		}
		for i := range pa {
			if pa[i] != pb[i] {
				return false
			}
		}
		return true
	default:
		return a.Payload == b.Payload
	}
}
