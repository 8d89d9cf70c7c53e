// Package engine owns the lock-free, atomically-swappable policy snapshot
// and the Decision combination algorithm: the part of the system that
// turns a compiled Snapshot plus a request-shaped EvaluationContext into an
// Allow/Deny Decision.
package engine

import (
	"strings"

	"github.com/quorumauthz/core/internal/bytecode"
	"github.com/quorumauthz/core/internal/scope"
	"github.com/quorumauthz/core/internal/value"
)

// EvaluationContext is built fresh per request. Each of Principal, Resource,
// Action and Request is a flat attribute map keyed by the portion of a
// field path after its namespace (so "resource.owner_id" resolves via
// Resource["owner_id"]). Resource["type"] and Action["type"] must be set to
// the Int-encoded ResourceTypeId/action-type id the snapshot's type name
// tables assigned to this request's type names — Snapshot.ResourceTypeID
// and Snapshot.ActionTypeID do that translation.
type EvaluationContext struct {
	Principal map[string]value.Value
	Resource  map[string]value.Value
	Action    map[string]value.Value
	Request   map[string]value.Value

	// Sets holds set-valued attributes (consulted by the `contains`
	// operator), keyed by full dotted field path, e.g. "resource.tags".
	Sets map[string]value.Set

	ApprovalStore     ApprovalStore
	RelationshipStore RelationshipStore
	Scope             scope.Scope
}

// ResourceTypeID returns the ResourceTypeId a snapshot assigned to name, or
// false if no policy in the snapshot ever referenced that name.
func (s *Snapshot) ResourceTypeID(name string) (bytecode.ResourceTypeId, bool) {
	id, ok := s.snap.ResourceTypes.Lookup(name)
	return bytecode.ResourceTypeId(id), ok
}

// ActionTypeID returns the action-type id a snapshot assigned to name, or
// false if no policy in the snapshot ever referenced that name.
func (s *Snapshot) ActionTypeID(name string) (uint16, bool) {
	return s.snap.ActionTypes.Lookup(name)
}

// contextResolver adapts an EvaluationContext + the FieldMap it was
// compiled against into interpreter.FieldResolver.
type contextResolver struct {
	ctx *EvaluationContext
	fm  *bytecode.FieldMap
}

func (r contextResolver) lookup(id bytecode.FieldId) (string, string, bool) {
	path := r.fm.Path(id)
	ns, rest, ok := strings.Cut(path, ".")
	return ns, rest, ok
}

func (r contextResolver) ResolveField(id bytecode.FieldId) value.Value {
	ns, rest, ok := r.lookup(id)
	if !ok {
		return value.Null
	}
	var m map[string]value.Value
	switch ns {
	case "principal":
		m = r.ctx.Principal
	case "resource":
		m = r.ctx.Resource
	case "action":
		m = r.ctx.Action
	case "request":
		m = r.ctx.Request
	default:
		return value.Null
	}
	if v, ok := m[rest]; ok {
		return v
	}
	return value.Null
}

func (r contextResolver) ResolveFieldSet(id bytecode.FieldId) value.Set {
	path := r.fm.Path(id)
	if s, ok := r.ctx.Sets[path]; ok {
		return s
	}
	return value.NewSet()
}
