package engine

import (
	"context"
	"sync/atomic"

	"github.com/quorumauthz/core/internal/bytecode"
	"github.com/quorumauthz/core/internal/compiler"
	"github.com/quorumauthz/core/internal/scope"
)

// Snapshot is the engine-facing wrapper around a compiled bytecode.Snapshot.
// It exists so callers outside internal/bytecode never need to import that
// package directly just to read a policy's version or resource-type table.
type Snapshot struct {
	snap *bytecode.Snapshot
}

// Version reports the snapshot's monotonic version number.
func (s *Snapshot) Version() uint64 { return s.snap.Version }

// PolicyCount reports how many policies this snapshot holds.
func (s *Snapshot) PolicyCount() int { return len(s.snap.Policies) }

// Fingerprint combines every policy's SourceHash into one order-sensitive
// value. A host can compare fingerprints across two LoadPolicyBundle calls
// and skip Recompile entirely when they match, since identical fingerprints
// mean recompiling would produce a byte-for-byte identical Snapshot.
func (s *Snapshot) Fingerprint() uint64 { return s.snap.Fingerprint() }

// ApprovalStore is consulted by the has_approval() bytecode opcode.
// Implementations live in internal/approval.
type ApprovalStore interface {
	HasLive(ctx context.Context, sc scope.Scope, identity, resource, action string) (bool, error)
}

// RelationshipStore is consulted by the has_relationship() and
// has_transitive_relationship() bytecode opcodes. Implementations live in
// internal/relationship.
type RelationshipStore interface {
	Has(ctx context.Context, sc scope.Scope, subject, relation, object string) (bool, error)
	HasTransitive(ctx context.Context, sc scope.Scope, subject, relation, object string, maxDepth int) (bool, error)
}

// PolicyDataStore is the process-wide handle on the active PolicySnapshot:
// one atomically-swappable pointer, read without locks on every evaluation
// and replaced wholesale by Replace or Recompile. Never mutated in place.
type PolicyDataStore struct {
	current atomic.Pointer[Snapshot]
}

// NewPolicyDataStore returns a store holding an empty, version-0 snapshot
// so Current never returns nil.
func NewPolicyDataStore() *PolicyDataStore {
	s := &PolicyDataStore{}
	s.current.Store(&Snapshot{snap: bytecode.NewSnapshot(nil, bytecode.NewFieldMap(), map[bytecode.ResourceTypeId][]string{}, bytecode.NewTypeNameTable(), bytecode.NewTypeNameTable(), 0)})
	return s
}

// Current returns the active snapshot. O(1), allocation-free, and safe to
// call concurrently with Replace from any number of goroutines.
func (s *PolicyDataStore) Current() *Snapshot {
	return s.current.Load()
}

// Replace installs snap as the active snapshot. The previous snapshot
// remains valid for any reader still holding a reference to it; Go's GC
// reclaims it once the last such reader drops it.
func (s *PolicyDataStore) Replace(snap *Snapshot) {
	s.current.Store(snap)
}

// Recompile parses and compiles sources into a new Snapshot tagged with
// version and installs it atomically. On a compile error the previously
// active snapshot is left untouched and the error is returned, matching
// the "any single policy's failure aborts the whole snapshot build,
// previous snapshot remains active" requirement.
func (s *PolicyDataStore) Recompile(sources []string, version uint64) error {
	compiled, err := compiler.Compile(sources, version)
	if err != nil {
		return err
	}
	s.Replace(&Snapshot{snap: compiled})
	return nil
}
