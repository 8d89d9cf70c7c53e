// Package quorumauthz is the public embedding surface over the internal
// engine: a thin re-export layer an in-process host imports directly.
// Evaluate runs in the caller's own goroutine against an in-memory,
// atomically-swapped policy snapshot; there is no network round trip to
// fail open or closed around.
package quorumauthz

import (
	"context"
	"time"

	"github.com/quorumauthz/core/internal/approval"
	"github.com/quorumauthz/core/internal/engine"
	"github.com/quorumauthz/core/internal/relationship"
	"github.com/quorumauthz/core/internal/scope"
	"github.com/quorumauthz/core/internal/value"
)

// Decision is the outcome of an Evaluate call.
type Decision = engine.Decision

// Kind distinguishes an Allow decision from a Deny decision.
type Kind = engine.Kind

const (
	Deny  = engine.Deny
	Allow = engine.Allow
)

// Scope identifies the tenant/environment partition an evaluation, approval
// or relationship lookup applies to.
type Scope = scope.Scope

// NewGlobalScope, NewTenantScope and NewEnvironmentScope construct a Scope.
var (
	NewGlobalScope      = scope.NewGlobal
	NewTenantScope      = scope.NewTenant
	NewEnvironmentScope = scope.NewEnvironment
)

// Value is the tagged-union attribute value type accepted in a Request's
// Principal/Resource/Action/Request attribute maps.
type Value = value.Value

var (
	String = value.String
	Int    = value.Int
	Bool   = value.Bool
)

// Request is the host-supplied description of a single authorization
// check: who (Principal), what (Action), on what (Resource), plus any
// request-scoped attributes referenced by a policy's conditions.
type Request struct {
	Principal map[string]Value
	Resource  map[string]Value
	Action    map[string]Value
	Request   map[string]Value
	Sets      map[string]value.Set
	Scope     Scope
}

// Engine is the public handle embedding hosts construct once at process
// startup and call Evaluate on for every authorization decision.
type Engine struct {
	inner    *engine.Engine
	store    *engine.PolicyDataStore
	approval approval.Store
	relation relationship.Store
}

// Option configures an Engine at construction time.
type Option func(*engineConfig)

type engineConfig struct {
	engineOpts []engine.Option
	approval   approval.Store
	relation   relationship.Store
}

// WithDecisionLog passes an internal/engine Option (such as one built by
// engine.WithDecisionLog around a decisionlog.Sink every Decision is
// appended to) through to the underlying engine.
func WithDecisionLog(opt engine.Option) Option {
	return func(c *engineConfig) { c.engineOpts = append(c.engineOpts, opt) }
}

// WithApprovalStore attaches the Approval context store consulted by
// has_approval() in policy conditions. Without one, has_approval() always
// evaluates false rather than erroring.
func WithApprovalStore(s approval.Store) Option {
	return func(c *engineConfig) { c.approval = s }
}

// WithRelationshipStore attaches the Relationship context store consulted
// by has_relationship()/has_transitive_relationship(). Without one, both
// predicates always evaluate false rather than erroring.
func WithRelationshipStore(s relationship.Store) Option {
	return func(c *engineConfig) { c.relation = s }
}

// New constructs an Engine with no policies loaded (every Evaluate call
// denies by default until Load installs a snapshot).
func New(opts ...Option) *Engine {
	cfg := &engineConfig{}
	for _, opt := range opts {
		opt(cfg)
	}
	store := engine.NewPolicyDataStore()
	return &Engine{
		inner:    engine.New(store, cfg.engineOpts...),
		store:    store,
		approval: cfg.approval,
		relation: cfg.relation,
	}
}

// Load compiles sources into a fresh snapshot tagged with version and
// installs it atomically. On a compile error the previously active
// snapshot, if any, remains in force and Load returns the error.
func (e *Engine) Load(sources []string, version uint64) error {
	return e.store.Recompile(sources, version)
}

// Version reports the currently active snapshot's version.
func (e *Engine) Version() uint64 {
	return e.store.Current().Version()
}

// Fingerprint reports the currently active snapshot's content fingerprint.
// A caller that recompiles the same sources under a new version number can
// compare fingerprints to skip Load when nothing actually changed.
func (e *Engine) Fingerprint() uint64 {
	return e.store.Current().Fingerprint()
}

// ResourceTypeID translates a resource type name into the Int-encoded id
// the active snapshot assigned it, for use as Request.Resource["type"].
// Returns false if no loaded policy ever referenced that type name.
func (e *Engine) ResourceTypeID(name string) (Value, bool) {
	id, ok := e.store.Current().ResourceTypeID(name)
	if !ok {
		return value.Null, false
	}
	return value.Int(int64(id)), true
}

// ActionTypeID translates an action type name into the Int-encoded id the
// active snapshot assigned it, for use as Request.Action["type"].
func (e *Engine) ActionTypeID(name string) (Value, bool) {
	id, ok := e.store.Current().ActionTypeID(name)
	if !ok {
		return value.Null, false
	}
	return value.Int(int64(id)), true
}

// Evaluate runs every policy applicable to req.Resource's type and
// combines the results via deny-overrides, returning the resulting
// Decision. The Approval and Relationship stores attached via
// WithApprovalStore/WithRelationshipStore (if any) are threaded through
// automatically.
func (e *Engine) Evaluate(ctx context.Context, req Request) (Decision, error) {
	ec := &engine.EvaluationContext{
		Principal:         req.Principal,
		Resource:          req.Resource,
		Action:            req.Action,
		Request:           req.Request,
		Sets:              req.Sets,
		Scope:             req.Scope,
		ApprovalStore:     e.approval,
		RelationshipStore: e.relation,
	}
	return e.inner.Evaluate(ctx, ec)
}

// NewMemoryApprovalStore returns an in-memory Approval store with a
// background cleanup goroutine evicting expired grants every interval.
func NewMemoryApprovalStore(cleanupInterval time.Duration) *approval.MemoryStore {
	return approval.NewMemoryStore(cleanupInterval)
}

// OpenSQLiteApprovalStore opens a persistent, pure-Go SQLite-backed
// Approval store at path.
func OpenSQLiteApprovalStore(path string, cleanupInterval time.Duration) (*approval.SQLiteStore, error) {
	return approval.OpenSQLiteStore(path, cleanupInterval)
}

// NewMemoryRelationshipStore returns an in-memory Relationship store with a
// background cleanup goroutine evicting expired edges every interval.
func NewMemoryRelationshipStore(cleanupInterval time.Duration) *relationship.MemoryStore {
	return relationship.NewMemoryStore(cleanupInterval)
}

// OpenSQLiteRelationshipStore opens a persistent, pure-Go SQLite-backed
// Relationship store at path.
func OpenSQLiteRelationshipStore(path string, cleanupInterval time.Duration) (*relationship.SQLiteStore, error) {
	return relationship.OpenSQLiteStore(path, cleanupInterval)
}
