// Package bytecode defines the instruction set emitted by the compiler and
// executed by the interpreter, along with the compiled artifacts
// (CompiledPolicy, FieldMap, ResourceTypeId) that carry bytecode between
// the two.
package bytecode

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"

	"github.com/quorumauthz/core/internal/value"
)

// Op identifies a single bytecode instruction.
type Op uint8

const (
	OpPushInt Op = iota
	OpPushBool
	OpPushString
	OpPushNull
	OpPushResourceType
	OpPushActionType

	OpLoadField
	// OpLoadFieldSet resolves a field to a Set rather than a Value, for the
	// `contains` operator's haystack operand. A field with no set-valued
	// data resolves to the empty set, mirroring OpLoadField's "missing path
	// is Null, never an error" convention.
	OpLoadFieldSet

	OpAdd
	OpSub
	OpMul
	OpDiv
	OpMod

	OpEq
	OpNeq
	OpLt
	OpLte
	OpGt
	OpGte

	OpAnd
	OpOr
	OpNot

	OpIn
	OpContains
	OpBuildSet

	OpJumpIfFalse
	OpJumpIfTrue
	OpJump

	OpHasApproval
	OpHasRelationship
	OpHasTransitiveRelationship

	OpReturn
	OpHalt
)

// Instr is a single decoded bytecode instruction. Arg is the instruction's
// sole operand: a constant-pool index for the Push* family, a relative
// instruction-pointer offset for the Jump family, an element count for
// BuildSet, or a max-depth bound for HasTransitiveRelationship.
type Instr struct {
	Op  Op
	Arg int32
}

// FieldId is the interned identifier for a field path (e.g. "resource.owner_id").
type FieldId uint16

// ResourceTypeId is the interned identifier for a resource type name.
type ResourceTypeId uint16

// AnyResourceType is the wildcard resource-type index used for policies
// whose triggers do not constrain resource.type, so they're evaluated for
// every resource type. It is the top of the u16 range, apart from the ids
// TypeNameTable.Intern hands out from 0 upward, so a wildcard bucket never
// shares its key with a real resource type.
const AnyResourceType ResourceTypeId = 0xFFFF

// FieldMap is the bijection between dotted field paths and their interned
// FieldId, built once per compiled snapshot and immutable thereafter.
type FieldMap struct {
	byID   []string
	byName map[string]FieldId
}

// NewFieldMap returns an empty, mutable-during-build FieldMap.
func NewFieldMap() *FieldMap {
	return &FieldMap{byName: make(map[string]FieldId)}
}

// Intern returns the FieldId for path, allocating a new one if path has not
// been seen before in this FieldMap.
func (m *FieldMap) Intern(path string) FieldId {
	if id, ok := m.byName[path]; ok {
		return id
	}
	id := FieldId(len(m.byID))
	m.byID = append(m.byID, path)
	m.byName[path] = id
	return id
}

// Lookup returns the FieldId already assigned to path, if any.
func (m *FieldMap) Lookup(path string) (FieldId, bool) {
	id, ok := m.byName[path]
	return id, ok
}

// Path returns the field path for id. Panics if id is out of range, which
// indicates a compiler bug (ids are only ever produced by Intern).
func (m *FieldMap) Path(id FieldId) string { return m.byID[id] }

// Len reports how many distinct fields are interned.
func (m *FieldMap) Len() int { return len(m.byID) }

// TypeNameTable is the same first-encountered-order interning scheme as
// FieldMap, reused for resource-type names and action-type names: both are
// small string alphabets that the compiler assigns stable u16 IDs to, and
// both need a name->id direction (compiling a literal) and an id->name
// direction (printing a Decision reason, or a host building a request).
type TypeNameTable struct {
	byID   []string
	byName map[string]uint16
}

// NewTypeNameTable returns an empty, mutable-during-build TypeNameTable.
func NewTypeNameTable() *TypeNameTable {
	return &TypeNameTable{byName: make(map[string]uint16)}
}

// Intern returns the id for name, allocating a new one if unseen.
func (t *TypeNameTable) Intern(name string) uint16 {
	if id, ok := t.byName[name]; ok {
		return id
	}
	id := uint16(len(t.byID))
	t.byID = append(t.byID, name)
	t.byName[name] = id
	return id
}

// Lookup returns the id already assigned to name, if any.
func (t *TypeNameTable) Lookup(name string) (uint16, bool) {
	id, ok := t.byName[name]
	return id, ok
}

// Name returns the name assigned to id.
func (t *TypeNameTable) Name(id uint16) string { return t.byID[id] }

// Len reports how many distinct names are interned.
func (t *TypeNameTable) Len() int { return len(t.byID) }

// Effect is the action a matched policy contributes to the decision
// combination algorithm.
type Effect uint8

const (
	EffectNone Effect = iota
	EffectAllow
	EffectDeny
)

func (e Effect) String() string {
	switch e {
	case EffectAllow:
		return "allow"
	case EffectDeny:
		return "deny"
	default:
		return "none"
	}
}

// CompiledPolicy is the unit of bytecode the interpreter executes: one
// compiled `policy` declaration from the source language.
type CompiledPolicy struct {
	Name        string
	Description string
	Effect      Effect

	// Reason is the optional custom text from an `allow|deny with "reason"`
	// clause, folded into Decision.Reason alongside Name/Description for
	// policies that decide the outcome. Empty for predicates.
	Reason string

	// Triggers is evaluated first; if it errors or evaluates to false the
	// policy does not match and Requires is never run.
	Triggers []Instr
	// Requires is evaluated only when Triggers matched; an error here is
	// fatal to the whole evaluation (fail-closed).
	Requires []Instr

	// Constants is the shared pool Push* instructions index into.
	Constants []value.Value

	// ApplicableResourceTypes lists the resource types this policy's
	// triggers were statically determined to apply to. A policy with no
	// resource.type equality constraint applies to AnyResourceType.
	ApplicableResourceTypes []ResourceTypeId

	// FieldRefs lists every FieldId this policy's bytecode references,
	// for introspection.
	FieldRefs []FieldId

	// SourceHash fingerprints this policy's metadata and emitted bytecode,
	// used to detect when resubmitting identical sources would produce an
	// identical snapshot without a full recompile.
	SourceHash uint64
}

// AllResourceTypes is the distinguished resource-type index considered on
// every evaluation regardless of ctx.resource.type, holding policies whose
// triggers clause does not constrain resource.type.
const AllResourceTypes ResourceTypeId = AnyResourceType

// Snapshot is the immutable, versioned result of a full compile: every
// policy in a policy source set, the field map built while compiling them,
// and the resource-type index used to dispatch evaluation. Snapshots are
// never mutated after construction; a policy update produces a new one.
type Snapshot struct {
	// Policies preserves declaration order, matching PolicySnapshot's
	// "insertion order preserved" requirement; lookups by name also need
	// to be O(1), hence the parallel index.
	Policies   []*CompiledPolicy
	byName     map[string]*CompiledPolicy
	FieldMap   *FieldMap
	// ResourceIndex maps a ResourceTypeId to the ordered list of policy
	// names applicable to it. AllResourceTypes holds wildcard policies,
	// considered on every evaluation regardless of the requested type.
	ResourceIndex map[ResourceTypeId][]string
	Version       uint64

	// ResourceTypes and ActionTypes let a host translate the resource-type
	// and action-type names it deals in into the IDs this snapshot's
	// bytecode was compiled against, when building an EvaluationContext.
	ResourceTypes *TypeNameTable
	ActionTypes   *TypeNameTable
}

// Fingerprint combines every policy's SourceHash into one order-sensitive
// value. Two snapshots compiled from sources that produce the same
// policies in the same order share a fingerprint even if compiled
// separately, letting a host skip an unnecessary Recompile.
func (s *Snapshot) Fingerprint() uint64 {
	h := xxhash.New()
	buf := make([]byte, 8)
	for _, p := range s.Policies {
		binary.LittleEndian.PutUint64(buf, p.SourceHash)
		_, _ = h.Write(buf)
	}
	return h.Sum64()
}

// NewSnapshot builds a Snapshot from its component pieces, indexing
// Policies by name for PolicyByName lookups.
func NewSnapshot(policies []*CompiledPolicy, fieldMap *FieldMap, resourceIndex map[ResourceTypeId][]string, resourceTypes, actionTypes *TypeNameTable, version uint64) *Snapshot {
	byName := make(map[string]*CompiledPolicy, len(policies))
	for _, p := range policies {
		byName[p.Name] = p
	}
	return &Snapshot{
		Policies:      policies,
		byName:        byName,
		FieldMap:      fieldMap,
		ResourceIndex: resourceIndex,
		ResourceTypes: resourceTypes,
		ActionTypes:   actionTypes,
		Version:       version,
	}
}

// PolicyByName returns the compiled policy with the given name, if present.
func (s *Snapshot) PolicyByName(name string) (*CompiledPolicy, bool) {
	p, ok := s.byName[name]
	return p, ok
}
