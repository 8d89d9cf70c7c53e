package quorumauthz_test

import (
	"context"
	"testing"
	"time"

	"github.com/quorumauthz/core/internal/approval"
	"github.com/quorumauthz/core/pkg/quorumauthz"
)

const allowOwnDocsPolicy = `
policy AllowOwnDocs:
  "owners may read their own documents"
  triggers when resource.type == "document" && action.name == "read"
  requires resource.owner_id == principal.id
  allow with "owner match"
`

func mustEngine(t *testing.T, src string, opts ...quorumauthz.Option) *quorumauthz.Engine {
	t.Helper()
	e := quorumauthz.New(opts...)
	if err := e.Load([]string{src}, 1); err != nil {
		t.Fatalf("Load: %v", err)
	}
	return e
}

func TestEvaluateAllowsOwnerOnMatchingPolicy(t *testing.T) {
	t.Parallel()

	e := mustEngine(t, allowOwnDocsPolicy)
	docType, ok := e.ResourceTypeID("document")
	if !ok {
		t.Fatal("expected document resource type to be known after Load")
	}

	req := quorumauthz.Request{
		Principal: map[string]quorumauthz.Value{"id": quorumauthz.String("alice")},
		Resource:  map[string]quorumauthz.Value{"type": docType, "owner_id": quorumauthz.String("alice")},
		Action:    map[string]quorumauthz.Value{"name": quorumauthz.String("read")},
		Scope:     quorumauthz.NewGlobalScope(),
	}

	d, err := e.Evaluate(context.Background(), req)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if d.Kind != quorumauthz.Allow {
		t.Fatalf("Kind = %v, want Allow", d.Kind)
	}
}

func TestEvaluateDeniesNonOwner(t *testing.T) {
	t.Parallel()

	e := mustEngine(t, allowOwnDocsPolicy)
	docType, _ := e.ResourceTypeID("document")

	req := quorumauthz.Request{
		Principal: map[string]quorumauthz.Value{"id": quorumauthz.String("bob")},
		Resource:  map[string]quorumauthz.Value{"type": docType, "owner_id": quorumauthz.String("alice")},
		Action:    map[string]quorumauthz.Value{"name": quorumauthz.String("read")},
		Scope:     quorumauthz.NewGlobalScope(),
	}

	d, err := e.Evaluate(context.Background(), req)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if d.Kind != quorumauthz.Deny {
		t.Fatalf("Kind = %v, want Deny", d.Kind)
	}
}

func TestEvaluateDeniesByDefaultWithNoPoliciesLoaded(t *testing.T) {
	t.Parallel()

	e := quorumauthz.New()

	req := quorumauthz.Request{
		Principal: map[string]quorumauthz.Value{"id": quorumauthz.String("alice")},
		Resource:  map[string]quorumauthz.Value{},
		Action:    map[string]quorumauthz.Value{},
		Scope:     quorumauthz.NewGlobalScope(),
	}

	d, err := e.Evaluate(context.Background(), req)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if d.Kind != quorumauthz.Deny {
		t.Fatalf("Kind = %v, want Deny with no policies loaded", d.Kind)
	}
}

func TestWithApprovalStoreIsConsultedByHasApproval(t *testing.T) {
	t.Parallel()

	const src = `
policy AllowWithApproval:
  "deploys require a live approval"
  triggers when action.name == "deploy"
  requires has_approval(principal.id, resource.id, action.name)
  allow with "approval on file"
`
	store := quorumauthz.NewMemoryApprovalStore(time.Minute)
	defer store.Close()

	e := mustEngine(t, src, quorumauthz.WithApprovalStore(store))
	sc := quorumauthz.NewGlobalScope()

	req := quorumauthz.Request{
		Principal: map[string]quorumauthz.Value{"id": quorumauthz.String("alice")},
		Resource:  map[string]quorumauthz.Value{"id": quorumauthz.String("prod-cluster")},
		Action:    map[string]quorumauthz.Value{"name": quorumauthz.String("deploy")},
		Scope:     sc,
	}

	d, err := e.Evaluate(context.Background(), req)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if d.Kind != quorumauthz.Deny {
		t.Fatalf("Kind = %v, want Deny before any approval is granted", d.Kind)
	}

	if err := store.Grant(context.Background(), approval.Approval{Scope: sc, Identity: "alice", Resource: "prod-cluster", Action: "deploy", GrantedBy: "bob"}); err != nil {
		t.Fatalf("Grant: %v", err)
	}
	d, err = e.Evaluate(context.Background(), req)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if d.Kind != quorumauthz.Allow {
		t.Fatalf("Kind = %v, want Allow once the approval is granted", d.Kind)
	}
}

func TestVersionReflectsLoadedSnapshot(t *testing.T) {
	t.Parallel()

	e := mustEngine(t, allowOwnDocsPolicy)
	if e.Version() != 1 {
		t.Fatalf("Version() = %d, want 1", e.Version())
	}
	if err := e.Load([]string{allowOwnDocsPolicy}, 2); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if e.Version() != 2 {
		t.Fatalf("Version() = %d, want 2", e.Version())
	}
}

func TestFingerprintUnchangedAcrossVersionBumpOfIdenticalSource(t *testing.T) {
	t.Parallel()

	e := mustEngine(t, allowOwnDocsPolicy)
	before := e.Fingerprint()
	if err := e.Load([]string{allowOwnDocsPolicy}, 2); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if e.Fingerprint() != before {
		t.Fatal("expected reloading identical sources under a new version to keep the same fingerprint")
	}
}
