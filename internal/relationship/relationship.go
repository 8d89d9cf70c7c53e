// Package relationship implements the Relationship context store: the
// has_relationship()/has_transitive_relationship() host predicates consult
// it through the Store interface, keyed by (scope, subject, relation, object).
package relationship

import (
	"context"
	"errors"
	"time"

	"github.com/quorumauthz/core/internal/scope"
)

// ErrNotFound is returned by Remove when no matching relationship exists.
var ErrNotFound = errors.New("relationship: not found")

// Type classifies the kind of edge a Relationship represents. Custom
// carries an arbitrary caller-defined name for kinds outside the built-in
// set.
type Type struct {
	kind   string
	custom string
}

var (
	TypeRole       = Type{kind: "role"}
	TypeTrust      = Type{kind: "trust"}
	TypeMembership = Type{kind: "membership"}
	TypeParent     = Type{kind: "parent"}
)

// CustomType returns a Type carrying a caller-defined relation kind.
func CustomType(name string) Type { return Type{kind: "custom", custom: name} }

func (t Type) String() string {
	if t.kind == "custom" {
		return t.custom
	}
	return t.kind
}

// Relationship is a directed, typed edge from subject to object (e.g.
// "alice" --member_of--> "engineering"), used both for direct lookups and
// as an edge in the transitive-closure BFS over a fixed relation name.
type Relationship struct {
	Subject      string
	Relation     string
	Object       string
	RelationType Type
	Scope        scope.Scope
	CreatedBy    string
	CreatedAt    time.Time
	ExpiresAt    *time.Time
	TTLSeconds   *int64
	Metadata     map[string]string
}

// Key uniquely identifies a relationship within a store.
func (r Relationship) Key() string {
	return r.Scope.Encode() + "\x00" + r.Subject + "\x00" + r.Relation + "\x00" + r.Object
}

// Live reports whether r is still in force at instant now.
func (r Relationship) Live(now time.Time) bool {
	return r.ExpiresAt == nil || r.ExpiresAt.After(now)
}

func (r *Relationship) normalize() {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	if r.ExpiresAt == nil && r.TTLSeconds != nil {
		t := r.CreatedAt.Add(time.Duration(*r.TTLSeconds) * time.Second)
		r.ExpiresAt = &t
	}
	if r.TTLSeconds == nil && r.ExpiresAt != nil {
		secs := int64(r.ExpiresAt.Sub(r.CreatedAt).Seconds())
		r.TTLSeconds = &secs
	}
}

// Store is the Relationship context store contract.
type Store interface {
	// Add records a subject-relation-object edge, replacing any existing
	// edge with the same key.
	Add(ctx context.Context, r Relationship) error
	// Remove deletes the edge matching the given key, if any.
	Remove(ctx context.Context, sc scope.Scope, subject, relation, object string) error
	// Has reports whether a live direct edge exists. This is what the
	// has_relationship() bytecode opcode calls.
	Has(ctx context.Context, sc scope.Scope, subject, relation, object string) (bool, error)
	// HasTransitive reports whether object is reachable from subject by
	// following up to maxDepth live edges all sharing the same relation
	// name (e.g. a reports-to chain). This is what the
	// has_transitive_relationship() bytecode opcode calls.
	HasTransitive(ctx context.Context, sc scope.Scope, subject, relation, object string, maxDepth int) (bool, error)
	// ListBySubject returns every live edge whose subject matches.
	ListBySubject(ctx context.Context, sc scope.Scope, subject string) ([]Relationship, error)
	// ListBySubjectAndRelation narrows ListBySubject to edges carrying a
	// single relation name.
	ListBySubjectAndRelation(ctx context.Context, sc scope.Scope, subject, relation string) ([]Relationship, error)
	// FindPath returns the shortest chain of live edges, all sharing
	// relation, connecting subject to target within maxDepth hops, as the
	// ordered list of nodes visited starting with subject and ending with
	// target. Returns (nil, false, nil) if no such path exists. Ties
	// between equally-short paths are broken by visiting each node's
	// neighbors in lexicographic order, so the result is deterministic.
	FindPath(ctx context.Context, sc scope.Scope, subject, relation, target string, maxDepth int) ([]string, bool, error)
	// Close releases any background resources. Safe to call more than once.
	Close()
}
