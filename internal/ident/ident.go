// Package ident implements the hierarchical identifiers that name every
// addressable thing in the evaluation graph: monitored systems, plugins,
// converters, monitor points (IASIOs), computing elements (ASCEs),
// distributed units (DASUs), supervisors and clients.
//
// Identifiers are immutable once constructed: every validation rule in
// this package runs at construction time, so a constructed Identifier
// can never be invalid.
package ident

import (
	"fmt"
	"strings"

	"ias/internal/apperr"
)

// Separator joins ancestor local ids into a running id. It is forbidden
// inside any local id.
const Separator = "."

// Kind is the closed set of identifier kinds.
type Kind string

const (
	MonitoredSystem Kind = "MONITORED_SYSTEM"
	Plugin          Kind = "PLUGIN"
	Converter       Kind = "CONVERTER"
	IASIO           Kind = "IASIO"
	ASCE            Kind = "ASCE" // Computing Element
	DASU            Kind = "DASU" // Distributed Unit
	Supervisor      Kind = "SUPERVISOR"
	Client          Kind = "CLIENT"
)

// allowedParentKinds maps a kind to the set of kinds its parent may have.
// A nil entry means the kind has no parent (it is a root).
var allowedParentKinds = map[Kind]map[Kind]bool{
	MonitoredSystem: nil,
	Plugin:          {MonitoredSystem: true},
	Converter:       {Plugin: true},
	IASIO:           {Converter: true, ASCE: true},
	ASCE:            {DASU: true},
	DASU:            {Supervisor: true},
	Supervisor:      nil,
	Client:          nil,
}

// ID is an immutable hierarchical identifier: a local id, a kind, and an
// optional parent.
type ID struct {
	local  string
	kind   Kind
	parent *ID
}

// New constructs an ID, validating local id, kind and parent-kind
// compatibility. All failure modes are reported here; there is no way
// to produce an invalid ID afterwards.
func New(local string, kind Kind, parent *ID) (ID, error) {
	const op = "New"
	if local == "" {
		return ID{}, apperr.New(apperr.CodeConfigInvalid, "ident", op, "local id must not be empty")
	}
	if strings.Contains(local, Separator) {
		return ID{}, apperr.New(apperr.CodeConfigInvalid, "ident", op,
			fmt.Sprintf("local id %q must not contain separator %q", local, Separator))
	}

	allowed, hasParentRule := allowedParentKinds[kind]
	switch {
	case allowed == nil && hasParentRule:
		if parent != nil {
			return ID{}, apperr.New(apperr.CodeConfigInvalid, "ident", op,
				fmt.Sprintf("kind %s must not have a parent", kind))
		}
	case allowed != nil:
		if parent == nil {
			return ID{}, apperr.New(apperr.CodeConfigInvalid, "ident", op,
				fmt.Sprintf("kind %s requires a parent", kind))
		}
		if !allowed[parent.kind] {
			return ID{}, apperr.New(apperr.CodeConfigInvalid, "ident", op,
				fmt.Sprintf("kind %s cannot have parent of kind %s", kind, parent.kind))
		}
	default:
		return ID{}, apperr.New(apperr.CodeConfigInvalid, "ident", op, fmt.Sprintf("unknown kind %q", kind))
	}

	return ID{local: local, kind: kind, parent: parent}, nil
}

// Local returns the leaf local id.
func (i ID) Local() string { return i.local }

// Kind returns the leaf kind.
func (i ID) Kind() Kind { return i.kind }

// Parent returns the parent ID and whether one exists.
func (i ID) Parent() (ID, bool) {
	if i.parent == nil {
		return ID{}, false
	}
	return *i.parent, true
}

// RunningID returns the root-to-leaf concatenation of local ids, joined
// by Separator. It is never empty.
func (i ID) RunningID() string {
	chain := i.chain()
	parts := make([]string, len(chain))
	for idx, a := range chain {
		parts[idx] = a.local
	}
	return strings.Join(parts, Separator)
}

// FullRunningID returns a self-describing encoding of the ancestor
// chain, root first: "(local:KIND)@(local:KIND)@...".
func (i ID) FullRunningID() string {
	chain := i.chain()
	parts := make([]string, len(chain))
	for idx, a := range chain {
		parts[idx] = fmt.Sprintf("(%s:%s)", a.local, a.kind)
	}
	return strings.Join(parts, "@")
}

// GetAncestorOfKind walks the parent chain looking for the first
// ancestor (including itself) of the given kind.
func (i ID) GetAncestorOfKind(kind Kind) (ID, bool) {
	cur := &i
	for cur != nil {
		if cur.kind == kind {
			return *cur, true
		}
		cur = cur.parent
	}
	return ID{}, false
}

// chain returns the ancestor chain root-first, including i itself.
func (i ID) chain() []ID {
	var rev []ID
	cur := &i
	for cur != nil {
		rev = append(rev, *cur)
		cur = cur.parent
	}
	chain := make([]ID, len(rev))
	for idx, a := range rev {
		chain[len(rev)-1-idx] = a
	}
	return chain
}

// Equal compares two IDs by value: same kind, same local id, and
// recursively equal parents.
func (i ID) Equal(other ID) bool {
	if i.local != other.local || i.kind != other.kind {
		return false
	}
	switch {
	case i.parent == nil && other.parent == nil:
		return true
	case i.parent == nil || other.parent == nil:
		return false
	default:
		return i.parent.Equal(*other.parent)
	}
}

// String implements fmt.Stringer for debugging and logging.
func (i ID) String() string {
	return i.FullRunningID()
}
