// Package tf implements the transfer functions that turn a computing
// element's inputs into its output, and the named-constructor registry
// that replaces dynamic class loading: a transfer function is looked up
// by the name recorded in configuration, not loaded from a class path.
package tf

import (
	"fmt"
	"sort"
	"sync"

	"ias/internal/apperr"
	"ias/internal/wire"
)

// Output is the payload half of what a transfer function produces. The
// caller (a computing element) attaches identity, mode, timestamps and
// combines input validity to build the final wire.Value.
//
// ValidityConstraint, if non-empty, restricts which inputs the CE folds
// into the output's combined validity to this subset of input ids
// instead of all of them; an id outside the CE's accepted inputs is a
// validity-constraint mismatch and breaks the CE. Properties carries
// diagnostic string properties (e.g. "actualValue") through to the
// final wire.Value.
type Output struct {
	Type               wire.ValueType
	Payload            interface{}
	ValidityConstraint []string
	Properties         map[string]string
}

// TransferFunction evaluates a computing element's output from its
// current inputs. Initialize runs once at CE construction with the
// parameters from configuration; Eval runs on every input change;
// Shutdown runs once when the owning CE closes.
//
// Implementations that hold state across Eval calls (a sliding window,
// a hysteresis latch) must be safe to use from a single goroutine only:
// the owning computing element never calls Eval concurrently with
// itself.
type TransferFunction interface {
	Initialize(params map[string]string) error
	Eval(inputs map[string]wire.Value) (Output, error)
	Shutdown() error
}

// Constructor builds a fresh, unconfigured TransferFunction instance.
// A fresh instance per CE is required because implementations hold
// per-CE state.
type Constructor func() TransferFunction

var (
	mu       sync.RWMutex
	registry = map[string]Constructor{}
)

// Register adds name to the registry. Register is normally called from
// an init() function of the package implementing the transfer function.
// Registering the same name twice panics: it indicates a programming
// error, not a runtime condition.
func Register(name string, ctor Constructor) {
	mu.Lock()
	defer mu.Unlock()
	if _, exists := registry[name]; exists {
		panic(fmt.Sprintf("tf: constructor already registered for %q", name))
	}
	registry[name] = ctor
}

// Lookup returns a fresh TransferFunction instance for name.
func Lookup(name string) (TransferFunction, error) {
	mu.RLock()
	ctor, ok := registry[name]
	mu.RUnlock()
	if !ok {
		return nil, apperr.New(apperr.CodeConfigTFNotFound, "tf", "Lookup", "no transfer function registered for "+name)
	}
	return ctor(), nil
}

// Names returns the sorted list of registered transfer function names,
// used for diagnostics and startup logging.
func Names() []string {
	mu.RLock()
	defer mu.RUnlock()
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// sortedInputIDs returns the keys of inputs sorted, so transfer
// functions that fold over inputs (multiplicity, average) produce a
// deterministic result independent of map iteration order.
func sortedInputIDs(inputs map[string]wire.Value) []string {
	ids := make([]string, 0, len(inputs))
	for id := range inputs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
