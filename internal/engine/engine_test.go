package engine

import (
	"context"
	"testing"

	"github.com/quorumauthz/core/internal/scope"
	"github.com/quorumauthz/core/internal/value"
)

type stubApprovals struct {
	live bool
	err  error
}

func (s stubApprovals) HasLive(ctx context.Context, sc scope.Scope, identity, resource, action string) (bool, error) {
	return s.live, s.err
}

type stubRelationships struct{ has bool }

func (s stubRelationships) Has(ctx context.Context, sc scope.Scope, subject, relation, object string) (bool, error) {
	return s.has, nil
}
func (s stubRelationships) HasTransitive(ctx context.Context, sc scope.Scope, subject, relation, object string, maxDepth int) (bool, error) {
	return s.has, nil
}

func newStoreFromSource(t *testing.T, src string) *PolicyDataStore {
	t.Helper()
	store := NewPolicyDataStore()
	if err := store.Recompile([]string{src}, 1); err != nil {
		t.Fatalf("Recompile: %v", err)
	}
	return store
}

func docResourceContext(t *testing.T, store *PolicyDataStore, owner, principal string) *EvaluationContext {
	t.Helper()
	snap := store.Current()
	rtID, ok := snap.ResourceTypeID("document")
	if !ok {
		t.Fatal("snapshot never interned resource type \"document\"")
	}
	return &EvaluationContext{
		Resource:  map[string]value.Value{"type": value.Int(int64(rtID)), "owner_id": value.String(owner)},
		Principal: map[string]value.Value{"id": value.String(principal)},
		Action:    map[string]value.Value{},
		Request:   map[string]value.Value{},
	}
}

func TestEvaluateAllowsOwnerMatch(t *testing.T) {
	store := newStoreFromSource(t, `
policy OwnersRead:
  "owners may read their own documents"
  triggers when resource.type == "document"
  requires resource.owner_id == principal.id
  allow with "owner match"
`)
	e := New(store)
	ec := docResourceContext(t, store, "alice", "alice")
	d, err := e.Evaluate(context.Background(), ec)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if d.Kind != Allow {
		t.Fatalf("expected Allow, got %v (matched=%v)", d.Kind, d.MatchedPolicies)
	}
}

func TestEvaluateDefaultsToDenyWithNoMatch(t *testing.T) {
	store := newStoreFromSource(t, `
policy OwnersRead:
  "owners may read their own documents"
  triggers when resource.type == "document"
  requires resource.owner_id == principal.id
  allow with "owner match"
`)
	e := New(store)
	ec := docResourceContext(t, store, "alice", "bob")
	d, err := e.Evaluate(context.Background(), ec)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if d.Kind != Deny {
		t.Fatalf("expected default Deny, got %v", d.Kind)
	}
}

func TestEvaluateDenyOverridesAllow(t *testing.T) {
	store := newStoreFromSource(t, `
policy AllowAllDocs:
  "open read access to documents"
  triggers when resource.type == "document"
  requires true
  allow with "documents are open by default"
policy DenyLocked:
  "locked documents are never accessible"
  triggers when resource.type == "document" && resource.locked == true
  requires true
  deny with "resource is locked"
`)
	e := New(store)
	snap := store.Current()
	rtID, _ := snap.ResourceTypeID("document")
	ec := &EvaluationContext{
		Resource:  map[string]value.Value{"type": value.Int(int64(rtID)), "locked": value.Bool(true)},
		Principal: map[string]value.Value{},
		Action:    map[string]value.Value{},
		Request:   map[string]value.Value{},
	}
	d, err := e.Evaluate(context.Background(), ec)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if d.Kind != Deny {
		t.Fatalf("expected deny-overrides to win, got %v (matched=%v)", d.Kind, d.MatchedPolicies)
	}
	if len(d.MatchedPolicies) != 1 || d.MatchedPolicies[0] != "DenyLocked" {
		t.Fatalf("expected MatchedPolicies to contain only the deciding Deny policy, got %v", d.MatchedPolicies)
	}
}

func TestEvaluateAbsorbsTriggerErrorAsNoMatch(t *testing.T) {
	// Comparing an Int field to a String is a type error during triggers;
	// the policy should simply be skipped, not abort evaluation.
	store := newStoreFromSource(t, `
policy BrokenTrigger:
  "trigger deliberately compares mismatched types"
  triggers when resource.count < "not a number"
  requires true
  deny with "unreachable"
policy FallbackAllow:
  "always considered"
  requires true
  allow with "fallback"
`)
	e := New(store)
	ec := &EvaluationContext{
		Resource:  map[string]value.Value{"count": value.Int(1)},
		Principal: map[string]value.Value{},
		Action:    map[string]value.Value{},
		Request:   map[string]value.Value{},
	}
	d, err := e.Evaluate(context.Background(), ec)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if d.Kind != Allow {
		t.Fatalf("expected the broken trigger to be absorbed and FallbackAllow to win, got %v", d.Kind)
	}
}

func TestEvaluateFatalRequiresErrorDeniesWithReason(t *testing.T) {
	store := newStoreFromSource(t, `
policy BrokenRequires:
  "requires deliberately compares mismatched types"
  requires resource.count < "not a number"
  allow with "unreachable"
`)
	e := New(store)
	ec := &EvaluationContext{
		Resource:  map[string]value.Value{"count": value.Int(1)},
		Principal: map[string]value.Value{},
		Action:    map[string]value.Value{},
		Request:   map[string]value.Value{},
	}
	d, err := e.Evaluate(context.Background(), ec)
	if err != nil {
		t.Fatalf("Evaluate should not return a Go error, the failure belongs in the Decision: %v", err)
	}
	if d.Kind != Deny {
		t.Fatalf("expected fail-closed Deny, got %v", d.Kind)
	}
	if d.Reason == "" {
		t.Fatal("expected the requires evaluation error to be surfaced as the reason")
	}
}

func TestEvaluateConsultsApprovalStore(t *testing.T) {
	store := newStoreFromSource(t, `
policy ApprovedDelete:
  "deletes require a live approval"
  requires has_approval(principal.id, resource.id, action.name)
  allow with "approval on file"
`)
	e := New(store)
	ec := &EvaluationContext{
		Resource:      map[string]value.Value{"id": value.String("doc-1")},
		Principal:     map[string]value.Value{"id": value.String("alice")},
		Action:        map[string]value.Value{"name": value.String("delete")},
		Request:       map[string]value.Value{},
		ApprovalStore: stubApprovals{live: true},
	}
	d, err := e.Evaluate(context.Background(), ec)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if d.Kind != Allow {
		t.Fatalf("expected a live approval to allow, got %v", d.Kind)
	}
}

func TestFingerprintStableAcrossIdenticalRecompiles(t *testing.T) {
	src := `
policy OwnersRead:
  "owners may read their own documents"
  triggers when resource.type == "document"
  requires resource.owner_id == principal.id
  allow with "owner match"
`
	a := newStoreFromSource(t, src).Current()
	b := newStoreFromSource(t, src).Current()
	if a.Fingerprint() != b.Fingerprint() {
		t.Fatal("expected identical sources to produce identical fingerprints")
	}

	changed := newStoreFromSource(t, `
policy OwnersRead:
  "owners may read their own documents"
  triggers when resource.type == "document"
  requires resource.owner_id != principal.id
  allow with "owner match"
`).Current()
	if a.Fingerprint() == changed.Fingerprint() {
		t.Fatal("expected a changed requires expression to change the fingerprint")
	}
}
