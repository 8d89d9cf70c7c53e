package compiler

import (
	"context"
	"testing"

	"github.com/quorumauthz/core/internal/bytecode"
	"github.com/quorumauthz/core/internal/interpreter"
	"github.com/quorumauthz/core/internal/value"
)

type fakeResolver map[string]value.Value

func (r fakeResolver) resolve(fm *bytecode.FieldMap, id bytecode.FieldId) value.Value {
	if v, ok := r[fm.Path(id)]; ok {
		return v
	}
	return value.Null
}

type boundResolver struct {
	fm *bytecode.FieldMap
	r  fakeResolver
}

func (b boundResolver) ResolveField(id bytecode.FieldId) value.Value  { return b.r.resolve(b.fm, id) }
func (b boundResolver) ResolveFieldSet(id bytecode.FieldId) value.Set { return value.NewSet() }

type noHosts struct{}

func (noHosts) HasApproval(context.Context, string, string, string) (bool, error)     { return false, nil }
func (noHosts) HasRelationship(context.Context, string, string, string) (bool, error) { return false, nil }
func (noHosts) HasTransitiveRelationship(context.Context, string, string, string, int) (bool, error) {
	return false, nil
}

func run(t *testing.T, snap *bytecode.Snapshot, policyName string, code []bytecode.Instr, fields fakeResolver) bool {
	t.Helper()
	resolver := boundResolver{fm: snap.FieldMap, r: fields}
	ok, err := interpreter.Run(context.Background(), policyName, code, mustPolicy(t, snap, policyName).Constants, resolver, noHosts{})
	if err != nil {
		t.Fatalf("unexpected evaluation error: %v", err)
	}
	return ok
}

func mustPolicy(t *testing.T, snap *bytecode.Snapshot, name string) *bytecode.CompiledPolicy {
	t.Helper()
	p, ok := snap.PolicyByName(name)
	if !ok {
		t.Fatalf("policy %q not found in snapshot", name)
	}
	return p
}

func TestCompileSimpleAllowPolicy(t *testing.T) {
	src := `
policy AllowOwnDocs:
  "owners may read their own documents"
  triggers when resource.type == "document" && action.name == "read"
  requires resource.owner_id == principal.id
  allow with "owner match"
`
	snap, err := Compile([]string{src}, 1)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	p := mustPolicy(t, snap, "AllowOwnDocs")
	if p.Effect != bytecode.EffectAllow {
		t.Fatalf("expected allow effect, got %v", p.Effect)
	}
	if p.Reason != "owner match" {
		t.Fatalf("expected Reason to carry the with-clause text, got %q", p.Reason)
	}

	match := run(t, snap, "AllowOwnDocs", p.Triggers, fakeResolver{
		"resource.type": value.Int(int64(mustResourceType(t, snap, "document"))),
		"action.name":   value.String("read"),
	})
	if !match {
		t.Fatal("expected triggers to match")
	}

	ok := run(t, snap, "AllowOwnDocs", p.Requires, fakeResolver{
		"resource.owner_id": value.String("alice"),
		"principal.id":      value.String("alice"),
	})
	if !ok {
		t.Fatal("expected requires to hold when owner matches principal")
	}
}

func mustResourceType(t *testing.T, snap *bytecode.Snapshot, name string) uint16 {
	t.Helper()
	id, ok := snap.ResourceTypes.Lookup(name)
	if !ok {
		t.Fatalf("resource type %q was never interned", name)
	}
	return id
}

func TestCompileDerivesApplicableResourceTypes(t *testing.T) {
	src := `
policy DocsOnly:
  "documents only"
  triggers when resource.type == "document"
  requires true
  deny with "locked down"
policy Wildcard:
  "any delete"
  triggers when action.name == "delete"
  requires true
  deny with "delete requires review"
`
	snap, err := Compile([]string{src}, 1)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	docs := mustPolicy(t, snap, "DocsOnly")
	if len(docs.ApplicableResourceTypes) != 1 {
		t.Fatalf("expected exactly one applicable resource type, got %v", docs.ApplicableResourceTypes)
	}
	wildcard := mustPolicy(t, snap, "Wildcard")
	if len(wildcard.ApplicableResourceTypes) != 1 || wildcard.ApplicableResourceTypes[0] != bytecode.AllResourceTypes {
		t.Fatalf("expected wildcard policy to fall into AllResourceTypes, got %v", wildcard.ApplicableResourceTypes)
	}

	docID, _ := snap.ResourceTypes.Lookup("document")
	names := snap.ResourceIndex[bytecode.ResourceTypeId(docID)]
	if len(names) != 1 || names[0] != "DocsOnly" {
		t.Fatalf("expected resource index to list DocsOnly under document, got %v", names)
	}
	wildcardNames := snap.ResourceIndex[bytecode.AllResourceTypes]
	found := false
	for _, n := range wildcardNames {
		if n == "Wildcard" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected wildcard policy under AllResourceTypes, got %v", wildcardNames)
	}
}

func TestCompileConstantFolding(t *testing.T) {
	src := `
policy AlwaysTrue:
  "trivially true trigger"
  triggers when 1 + 1 == 2
  requires true
  allow with "always"
`
	snap, err := Compile([]string{src}, 1)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	p := mustPolicy(t, snap, "AlwaysTrue")
	// Folded to a single pushed constant plus Return; no arithmetic opcode
	// should remain in the emitted program.
	for _, instr := range p.Triggers {
		if instr.Op == bytecode.OpAdd {
			t.Fatalf("expected constant folding to eliminate OpAdd, got %v", p.Triggers)
		}
	}
	if ok := run(t, snap, "AlwaysTrue", p.Triggers, nil); !ok {
		t.Fatal("expected folded 1+1==2 to evaluate true")
	}
}

func TestCompileRejectsDuplicatePolicyName(t *testing.T) {
	src := `
policy Dup:
  "first"
  requires true
  deny with "first"
policy Dup:
  "second"
  requires false
  deny with "second"
`
	_, err := Compile([]string{src}, 1)
	if err == nil {
		t.Fatal("expected duplicate policy name to be rejected")
	}
	if _, ok := err.(*CompileError); !ok {
		t.Fatalf("expected *CompileError, got %T: %v", err, err)
	}
}

func TestCompileRejectsUnknownFunction(t *testing.T) {
	src := `
policy Bad:
  "uses an unknown host function"
  triggers when does_not_exist(principal.id)
  requires true
  deny with "unreachable"
`
	_, err := Compile([]string{src}, 1)
	if err == nil {
		t.Fatal("expected unknown function to be rejected")
	}
}

func TestCompileRejectsStaticTypeMismatch(t *testing.T) {
	src := `
policy Bad:
  "compares Int to Bool"
  requires 1 < true
  deny with "unreachable"
`
	_, err := Compile([]string{src}, 1)
	if err == nil {
		t.Fatal("expected Int < Bool to be rejected at compile time")
	}
}

func TestCompileRejectsNonBoolTopLevelTriggers(t *testing.T) {
	src := `
policy Bad:
  "triggers clause is an Int, not a Bool"
  triggers when 1 + 1
  requires true
  deny with "unreachable"
`
	_, err := Compile([]string{src}, 1)
	if err == nil {
		t.Fatal("expected a non-Bool triggers clause to be rejected at compile time")
	}
	ce, ok := err.(*CompileError)
	if !ok {
		t.Fatalf("expected *CompileError, got %T: %v", err, err)
	}
	if ce.Kind != "type" {
		t.Fatalf("expected Kind %q, got %q", "type", ce.Kind)
	}
}

func TestCompileRejectsNonBoolTopLevelRequires(t *testing.T) {
	src := `
policy Bad:
  "requires clause is an Int, not a Bool"
  requires 1 + 1
  deny with "unreachable"
`
	_, err := Compile([]string{src}, 1)
	if err == nil {
		t.Fatal("expected a non-Bool requires clause to be rejected at compile time")
	}
	if _, ok := err.(*CompileError); !ok {
		t.Fatalf("expected *CompileError, got %T: %v", err, err)
	}
}

func TestCompilePredicateProducesEffectNone(t *testing.T) {
	src := `
predicate IsBusinessHours:
  "true during the configured business-hours window"
  requires resource.type == "document"
`
	snap, err := Compile([]string{src}, 1)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	p := mustPolicy(t, snap, "IsBusinessHours")
	if p.Effect != bytecode.EffectNone {
		t.Fatalf("expected a predicate to compile to EffectNone, got %v", p.Effect)
	}
	if p.Reason != "" {
		t.Fatalf("expected a predicate to carry no reason, got %q", p.Reason)
	}
}

func TestCompileSetLiteralMembership(t *testing.T) {
	src := `
policy InSet:
  "status gate"
  triggers when resource.status in {"draft", "review"}
  requires true
  deny with "not yet published"
`
	snap, err := Compile([]string{src}, 1)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	p := mustPolicy(t, snap, "InSet")
	if ok := run(t, snap, "InSet", p.Triggers, fakeResolver{"resource.status": value.String("review")}); !ok {
		t.Fatal("expected \"review\" in {\"draft\",\"review\"} to match")
	}
	if ok := run(t, snap, "InSet", p.Triggers, fakeResolver{"resource.status": value.String("published")}); ok {
		t.Fatal("expected \"published\" to not match the set")
	}
}
