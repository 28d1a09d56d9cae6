// Package ce implements the Computing Element: the unit that holds a
// transfer function, a set of named inputs, and produces one output
// value whenever enough inputs have changed to warrant re-evaluation.
package ce

import (
	"sort"
	"sync"
	"time"

	"ias/internal/apperr"
	"ias/internal/metrics"
	"ias/internal/tf"
	"ias/internal/wire"
)

// State is the computing element's lifecycle/health state machine:
//
//	Initializing -> InputsUndefined -> Healthy <-> Slow -> TFBroken
//	     *        -> Closing -> Closed
type State string

const (
	StateInitializing    State = "INITIALIZING"
	StateInputsUndefined State = "INPUTS_UNDEFINED"
	StateHealthy         State = "HEALTHY"
	StateSlow            State = "SLOW"
	StateTFBroken        State = "TF_BROKEN"
	StateClosing         State = "CLOSING"
	StateClosed          State = "CLOSED"
)

// Default timing-health thresholds, overridable via Option.
const (
	defaultSlowThreshold      = 100 * time.Millisecond
	defaultMaxConsecutiveSlow = 5
)

// Option configures a CE at construction time.
type Option func(*CE)

// WithSlowThreshold sets the evaluation duration above which an
// evaluation counts as slow.
func WithSlowThreshold(d time.Duration) Option {
	return func(c *CE) { c.slowThreshold = d }
}

// WithMaxConsecutiveSlow sets how many consecutive slow evaluations are
// tolerated before the CE gives up on recovering on its own and moves
// from Slow to TFBroken.
func WithMaxConsecutiveSlow(n int) Option {
	return func(c *CE) { c.maxConsecutiveSlow = n }
}

// WithValidityTimeFrame sets the age past which an input's validity is
// downgraded to Unreliable before it is folded into the output's
// combined validity, regardless of the tag the input arrived with. Zero
// (the default) disables the check.
func WithValidityTimeFrame(d time.Duration) Option {
	return func(c *CE) { c.validityTimeFrame = d }
}

// CE is a single computing element. All exported methods are safe for
// concurrent use; the owning distributed unit still serializes updates
// through a single level at a time per the evaluation order, but
// State/Output/LastError may be called concurrently by a supervisor's
// liveness check.
type CE struct {
	id                  string
	outputFullRunningID string
	acceptedInputIDs    map[string]bool
	transferFunction    tf.TransferFunction

	mu                 sync.RWMutex
	state              State
	inputs             map[string]wire.Value
	output             wire.Value
	hasOutput          bool
	lastErr            error
	lastEvalDuration   time.Duration
	consecutiveSlow    int
	slowThreshold      time.Duration
	maxConsecutiveSlow int
	validityTimeFrame  time.Duration
}

// New constructs a CE. transferFunction must already be looked up from
// the registry by the caller (internal/tf.Lookup); New calls its
// Initialize with tfParams. A failure there is isolated to this CE: New
// still returns a usable CE, already in StateTFBroken, rather than a
// fatal error, matching the error handling design's per-CE isolation.
func New(id, outputFullRunningID string, acceptedInputIDs []string, transferFunction tf.TransferFunction, tfParams map[string]string, opts ...Option) (*CE, error) {
	const op = "New"
	if id == "" {
		return nil, apperr.New(apperr.CodeConfigInvalid, "ce", op, "id must not be empty")
	}
	if transferFunction == nil {
		return nil, apperr.New(apperr.CodeConfigInvalid, "ce", op, "transfer function must not be nil")
	}

	c := &CE{
		id:                  id,
		outputFullRunningID: outputFullRunningID,
		acceptedInputIDs:    make(map[string]bool, len(acceptedInputIDs)),
		transferFunction:    transferFunction,
		inputs:              make(map[string]wire.Value, len(acceptedInputIDs)),
		state:               StateInitializing,
		slowThreshold:       defaultSlowThreshold,
		maxConsecutiveSlow:  defaultMaxConsecutiveSlow,
	}
	for _, id := range acceptedInputIDs {
		c.acceptedInputIDs[id] = true
	}
	for _, opt := range opts {
		opt(c)
	}

	if err := transferFunction.Initialize(tfParams); err != nil {
		c.state = StateTFBroken
		c.lastErr = apperr.New(apperr.CodeTFInitFailed, "ce", op, "transfer function initialize failed for CE "+id).Wrap(err)
		return c, nil
	}
	c.state = StateInputsUndefined
	return c, nil
}

// ID returns the CE's id.
func (c *CE) ID() string { return c.id }

// State returns the CE's current lifecycle state.
func (c *CE) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// LastError returns the last error recorded by Update or construction,
// if any.
func (c *CE) LastError() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastErr
}

// Output returns the last value this CE produced and whether one has
// been produced yet.
func (c *CE) Output() (wire.Value, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.output, c.hasOutput
}

// Update records a new value for one of this CE's accepted inputs and,
// if every accepted input now has a value, re-evaluates the transfer
// function. changed reports whether the output value actually changed
// (caller uses this to decide whether to propagate downstream).
//
// Once a CE has entered TFBroken it stays there: Update returns the
// recorded error without touching inputs or re-invoking the transfer
// function, and Output keeps returning whatever was last produced.
//
// Update never blocks and performs no I/O: the transfer function's Eval
// is assumed to be pure computation, per the no-suspension-point
// invariant on the evaluation hot path.
func (c *CE) Update(inputID string, v wire.Value) (changed bool, err error) {
	const op = "Update"
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateClosing || c.state == StateClosed {
		return false, nil
	}
	if c.state == StateTFBroken {
		return false, c.lastErr
	}
	if !c.acceptedInputIDs[inputID] {
		c.lastErr = apperr.New(apperr.CodeContractViolation, "ce", op,
			"received update for input "+inputID+" not accepted by CE "+c.id)
		return false, c.lastErr
	}

	c.inputs[inputID] = v
	if len(c.inputs) < len(c.acceptedInputIDs) {
		c.state = StateInputsUndefined
		return false, nil
	}

	return c.evaluate()
}

// evaluate runs the transfer function over the current input set. The
// caller must hold c.mu.
func (c *CE) evaluate() (bool, error) {
	const op = "evaluate"
	start := time.Now()
	out, err := c.transferFunction.Eval(c.inputs)
	elapsed := time.Since(start)
	c.lastEvalDuration = elapsed
	metrics.CEEvalDuration.WithLabelValues(c.id).Observe(elapsed.Seconds())

	if err != nil {
		c.state = StateTFBroken
		c.lastErr = apperr.New(apperr.CodeTFEvalFailed, "ce", op, "transfer function eval failed for CE "+c.id).Wrap(err)
		return false, c.lastErr
	}

	c.trackTiming(elapsed)

	considered := out.ValidityConstraint
	for _, id := range considered {
		if _, ok := c.inputs[id]; !ok {
			c.state = StateTFBroken
			c.lastErr = apperr.New(apperr.CodeValidityConstraintUnknown, "ce", op,
				"transfer function for CE "+c.id+" returned unknown validity-constraint input "+id)
			return false, c.lastErr
		}
	}

	validity := wire.MinAll(c.inputValidities(considered))
	newOutput := wire.Value{
		FullRunningID: c.outputFullRunningID,
		Type:          out.Type,
		Payload:       out.Payload,
		Properties:    out.Properties,
		Mode:          wire.Operational,
		Validity:      validity,
		Timestamps:    wire.Timestamps{DASUProduction: timePtr(time.Now())},
	}

	changed := !c.hasOutput || !valuesEqual(c.output, newOutput)
	c.output = newOutput
	c.hasOutput = true
	if c.state != StateTFBroken {
		c.lastErr = nil
	}
	return changed, nil
}

// trackTiming updates the consecutive-slow counter and the health
// state it drives. The caller must hold c.mu.
func (c *CE) trackTiming(elapsed time.Duration) {
	if elapsed <= c.slowThreshold {
		c.consecutiveSlow = 0
		if c.state != StateTFBroken {
			c.state = StateHealthy
		}
		return
	}

	c.consecutiveSlow++
	if c.consecutiveSlow >= c.maxConsecutiveSlow {
		c.state = StateTFBroken
		c.lastErr = apperr.New(apperr.CodeTFSlowSustained, "ce", "trackTiming",
			"CE "+c.id+" exceeded max consecutive slow evaluations")
		return
	}
	c.state = StateSlow
}

// Close transitions the CE through Closing to Closed and shuts down its
// transfer function. Close is idempotent.
func (c *CE) Close() error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return nil
	}
	c.state = StateClosing
	c.mu.Unlock()

	err := c.transferFunction.Shutdown()

	c.mu.Lock()
	c.state = StateClosed
	c.mu.Unlock()
	return err
}

// inputValidities returns the validity of each input named in ids (or
// every current input, if ids is empty), downgraded to Unreliable if
// its production timestamp is older than c.validityTimeFrame. The
// caller must hold c.mu and must have already verified every id in ids
// is present in c.inputs.
func (c *CE) inputValidities(ids []string) []wire.Validity {
	if len(ids) == 0 {
		ids = make([]string, 0, len(c.inputs))
		for id := range c.inputs {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	now := time.Now()
	out := make([]wire.Validity, 0, len(ids))
	for _, id := range ids {
		in := c.inputs[id]
		tag := in.Validity
		if produced, ok := in.Timestamps.Production(); ok {
			tag = wire.EffectiveValidity(tag, produced, now, c.validityTimeFrame)
		}
		out = append(out, tag)
	}
	return out
}

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

func timePtr(t time.Time) *time.Time { return &t }
