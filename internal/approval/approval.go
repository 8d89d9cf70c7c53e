// Package approval implements the Approval context store: the has_approval()
// host predicate consults it through the Store interface, keyed by
// (scope, identity, resource, action).
package approval

import (
	"context"
	"errors"
	"time"

	"github.com/quorumauthz/core/internal/scope"
)

// ErrNotFound is returned by Revoke when no matching approval exists.
var ErrNotFound = errors.New("approval: not found")

// Approval grants an identity permission to perform action on resource
// within a scope, optionally expiring. ExpiresAt and TTLSeconds are
// mutually derivable: Grant accepts either and fills in the other.
type Approval struct {
	Scope      scope.Scope
	Identity   string
	Resource   string
	Action     string
	GrantedBy  string
	GrantedAt  time.Time
	ExpiresAt  *time.Time
	TTLSeconds *int64
	Metadata   map[string]string
}

// Key uniquely identifies an approval within a store.
func (a Approval) Key() string {
	return a.Scope.Encode() + "\x00" + a.Identity + "\x00" + a.Resource + "\x00" + a.Action
}

// Live reports whether a is still in force at instant now: true iff
// ExpiresAt is unset or strictly in the future.
func (a Approval) Live(now time.Time) bool {
	return a.ExpiresAt == nil || a.ExpiresAt.After(now)
}

// normalize fills in whichever of ExpiresAt/TTLSeconds was left unset,
// relative to GrantedAt.
func (a *Approval) normalize() {
	if a.GrantedAt.IsZero() {
		a.GrantedAt = time.Now()
	}
	if a.ExpiresAt == nil && a.TTLSeconds != nil {
		t := a.GrantedAt.Add(time.Duration(*a.TTLSeconds) * time.Second)
		a.ExpiresAt = &t
	}
	if a.TTLSeconds == nil && a.ExpiresAt != nil {
		secs := int64(a.ExpiresAt.Sub(a.GrantedAt).Seconds())
		a.TTLSeconds = &secs
	}
}

// Store is the Approval context store contract. Implementations live in
// this package (Memory) and in internal/approval/sqlite_store.go
// (persistent, pure-Go).
type Store interface {
	// Grant records identity's approval to perform action on resource,
	// replacing any existing approval with the same key.
	Grant(ctx context.Context, a Approval) error
	// Revoke removes the approval matching the given key, if any.
	Revoke(ctx context.Context, sc scope.Scope, identity, resource, action string) error
	// HasLive reports whether a live (unexpired) approval exists for the
	// given key. This is what the has_approval() bytecode opcode calls.
	HasLive(ctx context.Context, sc scope.Scope, identity, resource, action string) (bool, error)
	// List returns every approval recorded within sc, live or expired.
	List(ctx context.Context, sc scope.Scope) ([]Approval, error)
	// ListByIdentity narrows List to the approvals recorded within sc for a
	// single identity, live or expired.
	ListByIdentity(ctx context.Context, sc scope.Scope, identity string) ([]Approval, error)
	// Count returns the number of approvals recorded within sc, live or
	// expired.
	Count(ctx context.Context, sc scope.Scope) (int, error)
	// DeleteScope removes every approval recorded within sc and reports how
	// many were deleted.
	DeleteScope(ctx context.Context, sc scope.Scope) (int, error)
	// BatchGrant grants every approval in as, replacing any existing
	// approval sharing a key. Partial failure aborts the remaining grants
	// and returns the first error encountered.
	BatchGrant(ctx context.Context, as []Approval) error
	// BatchHasLive reports liveness for each key in the same order it was
	// given.
	BatchHasLive(ctx context.Context, keys []ApprovalKey) ([]bool, error)
	// Close releases any background resources (e.g. a compaction
	// goroutine). Safe to call more than once.
	Close()
}

// ApprovalKey identifies a single approval lookup, used by BatchHasLive.
type ApprovalKey struct {
	Scope    scope.Scope
	Identity string
	Resource string
	Action   string
}
