package tf

import (
	"ias/internal/apperr"
	"ias/internal/wire"
)

func init() {
	Register("average", func() TransferFunction { return &averageTF{} })
}

// averageTF is a stateless spatial mean: it takes however many numeric
// inputs the owning CE has and outputs their arithmetic mean as a
// DOUBLE. It requires no configuration.
type averageTF struct{}

func (a *averageTF) Initialize(params map[string]string) error { return nil }

func (a *averageTF) Eval(inputs map[string]wire.Value) (Output, error) {
	const op = "average.Eval"
	if len(inputs) == 0 {
		return Output{}, apperr.New(apperr.CodeContractViolation, "tf.average", op, "expects at least one input")
	}

	var sum float64
	for _, id := range sortedInputIDs(inputs) {
		value, ok := inputs[id].Float64()
		if !ok {
			return Output{}, apperr.New(apperr.CodeTypeMismatch, "tf.average", op, "input "+id+" must be numeric")
		}
		sum += value
	}
	mean := sum / float64(len(inputs))
	return Output{Type: wire.Double, Payload: mean}, nil
}

func (a *averageTF) Shutdown() error { return nil }
