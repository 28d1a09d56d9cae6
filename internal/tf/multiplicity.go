package tf

import (
	"strconv"

	"ias/internal/apperr"
	"ias/internal/wire"
)

func init() {
	Register("multiplicity", func() TransferFunction { return &multiplicityTF{} })
}

// multiplicityTF raises its configured alarm priority when at least
// threshold of its ALARM inputs are set, and clears otherwise. All
// inputs must be ALARM-typed.
type multiplicityTF struct {
	threshold int
	priority  wire.AlarmPriority
}

func (m *multiplicityTF) Initialize(params map[string]string) error {
	const op = "multiplicity.Initialize"
	raw, ok := params["threshold"]
	if !ok || raw == "" {
		return apperr.New(apperr.CodeTFInitFailed, "tf.multiplicity", op, "threshold is required")
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return apperr.New(apperr.CodeTFInitFailed, "tf.multiplicity", op, "threshold must be a positive integer")
	}
	m.threshold = n

	priorityRaw, ok := params["priority"]
	if !ok || priorityRaw == "" {
		return apperr.New(apperr.CodeTFInitFailed, "tf.multiplicity", op, "priority is required")
	}
	m.priority = wire.AlarmPriority(priorityRaw)
	return nil
}

func (m *multiplicityTF) Eval(inputs map[string]wire.Value) (Output, error) {
	const op = "multiplicity.Eval"
	setCount := 0
	for _, id := range sortedInputIDs(inputs) {
		prio, ok := inputs[id].Payload.(wire.AlarmPriority)
		if !ok {
			return Output{}, apperr.New(apperr.CodeTypeMismatch, "tf.multiplicity", op, "all inputs must be ALARM")
		}
		if prio.IsSet() {
			setCount++
		}
	}

	if setCount >= m.threshold {
		return Output{Type: wire.Alarm, Payload: m.priority}, nil
	}
	return Output{Type: wire.Alarm, Payload: wire.Cleared}, nil
}

func (m *multiplicityTF) Shutdown() error { return nil }
