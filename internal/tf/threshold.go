package tf

import (
	"strconv"

	"ias/internal/apperr"
	"ias/internal/wire"
)

func init() {
	Register("threshold", func() TransferFunction { return &thresholdTF{} })
}

// thresholdTF raises an alarm on its single numeric input against a
// four-band hysteresis window: highOn/highOff guard the upper side,
// lowOn/lowOff the lower side. The alarm sets when the value reaches
// either outer bound (>= highOn or <= lowOn). Once set, it stays set
// while the value lies between an outer and an inner bound, and clears
// only once the value is strictly inside (lowOff, highOff).
type thresholdTF struct {
	highOn, highOff, lowOn, lowOff float64
	priority                       wire.AlarmPriority
	set                            bool
}

func (t *thresholdTF) Initialize(params map[string]string) error {
	const op = "threshold.Initialize"
	var err error
	if t.highOn, err = parseFloatParam(params, "high_on", 0); err != nil {
		return apperr.New(apperr.CodeTFInitFailed, "tf.threshold", op, "high_on").Wrap(err)
	}
	if t.highOff, err = parseFloatParam(params, "high_off", 0); err != nil {
		return apperr.New(apperr.CodeTFInitFailed, "tf.threshold", op, "high_off").Wrap(err)
	}
	if t.lowOn, err = parseFloatParam(params, "low_on", 0); err != nil {
		return apperr.New(apperr.CodeTFInitFailed, "tf.threshold", op, "low_on").Wrap(err)
	}
	if t.lowOff, err = parseFloatParam(params, "low_off", 0); err != nil {
		return apperr.New(apperr.CodeTFInitFailed, "tf.threshold", op, "low_off").Wrap(err)
	}
	if t.highOn < t.highOff {
		return apperr.New(apperr.CodeTFInitFailed, "tf.threshold", op, "high_on must be >= high_off")
	}
	if t.lowOff < t.lowOn {
		return apperr.New(apperr.CodeTFInitFailed, "tf.threshold", op, "low_off must be >= low_on")
	}
	if t.lowOff > t.highOff {
		return apperr.New(apperr.CodeTFInitFailed, "tf.threshold", op, "low_off must be <= high_off")
	}

	raw, ok := params["alarm_set_priority"]
	if !ok || raw == "" {
		return apperr.New(apperr.CodeTFInitFailed, "tf.threshold", op, "alarm_set_priority is required")
	}
	t.priority = wire.AlarmPriority(raw)
	return nil
}

func (t *thresholdTF) Eval(inputs map[string]wire.Value) (Output, error) {
	const op = "threshold.Eval"
	if len(inputs) != 1 {
		return Output{}, apperr.New(apperr.CodeContractViolation, "tf.threshold", op, "expects exactly one input")
	}
	var in wire.Value
	for _, v := range inputs {
		in = v
	}
	value, ok := in.Float64()
	if !ok {
		return Output{}, apperr.New(apperr.CodeTypeMismatch, "tf.threshold", op, "input must be numeric")
	}

	switch {
	case value >= t.highOn || value <= t.lowOn:
		t.set = true
	case t.set && value > t.lowOff && value < t.highOff:
		t.set = false
	}

	priority := wire.Cleared
	if t.set {
		priority = t.priority
	}
	return Output{
		Type:       wire.Alarm,
		Payload:    priority,
		Properties: map[string]string{"actualValue": strconv.FormatFloat(value, 'g', -1, 64)},
	}, nil
}

func (t *thresholdTF) Shutdown() error { return nil }

func parseFloatParam(params map[string]string, key string, def float64) (float64, error) {
	raw, ok := params[key]
	if !ok || raw == "" {
		return def, nil
	}
	return strconv.ParseFloat(raw, 64)
}
