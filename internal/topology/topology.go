// Package topology builds and validates the dependency graph of a
// distributed unit's computing elements: which CE produces which
// output, which CEs consume which inputs, and the evaluation order
// that respects those dependencies.
package topology

import (
	"fmt"
	"sort"

	"ias/internal/apperr"
)

// CEDef is one computing element's static definition as read from
// configuration: its accepted inputs, its output, and the transfer
// function that computes the output from the inputs.
type CEDef struct {
	ID                  string
	OutputID             string
	OutputFullRunningID string
	Inputs              []string
	TFName              string
	TFParams            map[string]string
}

// Topology is the validated, immutable dependency graph of a DU's
// computing elements, built once at DU construction.
type Topology struct {
	defs map[string]CEDef

	outputOwner    map[string]string   // output id -> producing CE id
	inputsOfCE     map[string][]string // CE id -> accepted input ids (as given)
	cesOfInput     map[string][]string // input id -> CE ids that consume it
	duInputs       []string            // input ids with no producing CE (external inputs)
	levels         [][]string          // evaluation order, CEs grouped by dependency depth
}

// Build validates defs and constructs a Topology. publishedOutputs is the set
// of CE output ids the owning DU publishes externally; any other CE
// output that no CE consumes is an orphan.
func Build(defs []CEDef, publishedOutputs map[string]bool) (*Topology, error) {
	const op = "Build"
	t := &Topology{
		defs:        make(map[string]CEDef, len(defs)),
		outputOwner: make(map[string]string, len(defs)),
		inputsOfCE:  make(map[string][]string, len(defs)),
		cesOfInput:  make(map[string][]string),
	}

	for _, d := range defs {
		if _, dup := t.defs[d.ID]; dup {
			return nil, apperr.New(apperr.CodeConfigInvalid, "topology", op, fmt.Sprintf("duplicate CE id %q", d.ID))
		}
		t.defs[d.ID] = d
		if owner, dup := t.outputOwner[d.OutputID]; dup {
			return nil, apperr.New(apperr.CodeConfigDuplicateOutput, "topology", op,
				fmt.Sprintf("output %q produced by both %q and %q", d.OutputID, owner, d.ID))
		}
		t.outputOwner[d.OutputID] = d.ID
		t.inputsOfCE[d.ID] = append([]string(nil), d.Inputs...)
	}

	for _, d := range defs {
		for _, in := range d.Inputs {
			t.cesOfInput[in] = append(t.cesOfInput[in], d.ID)
		}
	}

	externalSeen := map[string]bool{}
	for _, d := range defs {
		for _, in := range d.Inputs {
			if _, produced := t.outputOwner[in]; produced {
				continue
			}
			if !externalSeen[in] {
				externalSeen[in] = true
				t.duInputs = append(t.duInputs, in)
			}
		}
	}
	sort.Strings(t.duInputs)

	for outputID, ceID := range t.outputOwner {
		if publishedOutputs[outputID] {
			continue
		}
		if len(t.cesOfInput[outputID]) == 0 {
			return nil, apperr.New(apperr.CodeConfigOrphanOutput, "topology", op,
				fmt.Sprintf("output %q of CE %q is neither published nor consumed", outputID, ceID))
		}
	}

	levels, err := computeLevels(t.defs, t.outputOwner)
	if err != nil {
		return nil, err
	}
	t.levels = levels

	return t, nil
}

// computeLevels performs a Kahn topological sort over the CE
// dependency graph (edge producer -> consumer), grouping CEs with no
// remaining unresolved dependency into the same level so they can be
// evaluated concurrently. A non-empty remainder after the sort
// terminates (cycle detected, CONFIG_CYCLIC_TOPOLOGY).
func computeLevels(defs map[string]CEDef, outputOwner map[string]string) ([][]string, error) {
	const op = "computeLevels"
	remaining := map[string][]string{} // CE id -> unresolved producer CE ids it depends on
	for id, d := range defs {
		var deps []string
		for _, in := range d.Inputs {
			if producer, ok := outputOwner[in]; ok {
				deps = append(deps, producer)
			}
		}
		remaining[id] = deps
	}

	var levels [][]string
	done := map[string]bool{}
	for len(done) < len(defs) {
		var level []string
		for id, deps := range remaining {
			if done[id] {
				continue
			}
			ready := true
			for _, dep := range deps {
				if !done[dep] {
					ready = false
					break
				}
			}
			if ready {
				level = append(level, id)
			}
		}
		if len(level) == 0 {
			var stuck []string
			for id := range remaining {
				if !done[id] {
					stuck = append(stuck, id)
				}
			}
			sort.Strings(stuck)
			return nil, apperr.New(apperr.CodeConfigCyclicTopology, "topology", op,
				fmt.Sprintf("cycle detected among CEs: %v", stuck))
		}
		sort.Strings(level)
		for _, id := range level {
			done[id] = true
		}
		levels = append(levels, level)
	}
	return levels, nil
}

// Levels returns the CE ids grouped by evaluation order: every CE in
// level N depends only on CEs in levels < N.
func (t *Topology) Levels() [][]string {
	out := make([][]string, len(t.levels))
	for i, level := range t.levels {
		out[i] = append([]string(nil), level...)
	}
	return out
}

// DASUInputs returns the sorted set of input ids with no producing CE
// within this DU: values the DU must receive from the bus.
func (t *Topology) DASUInputs() []string {
	return append([]string(nil), t.duInputs...)
}

// InputsOfCE returns the accepted input ids of the named CE.
func (t *Topology) InputsOfCE(ceID string) []string {
	return append([]string(nil), t.inputsOfCE[ceID]...)
}

// CEsOfInput returns the CE ids that consume the given input id.
func (t *Topology) CEsOfInput(inputID string) []string {
	return append([]string(nil), t.cesOfInput[inputID]...)
}

// CEProducingOutput returns the CE id that produces the given output
// id, if any.
func (t *Topology) CEProducingOutput(outputID string) (string, bool) {
	id, ok := t.outputOwner[outputID]
	return id, ok
}

// Def returns the static definition of a CE.
func (t *Topology) Def(ceID string) (CEDef, bool) {
	d, ok := t.defs[ceID]
	return d, ok
}

// CEIDs returns every CE id in the topology, sorted.
func (t *Topology) CEIDs() []string {
	ids := make([]string, 0, len(t.defs))
	for id := range t.defs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
