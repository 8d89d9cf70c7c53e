package interpreter

import (
	"context"
	"math"
	"testing"

	"github.com/quorumauthz/core/internal/bytecode"
	"github.com/quorumauthz/core/internal/value"
)

type mapResolver map[bytecode.FieldId]value.Value

func (m mapResolver) ResolveField(id bytecode.FieldId) value.Value {
	if v, ok := m[id]; ok {
		return v
	}
	return value.Null
}

func (m mapResolver) ResolveFieldSet(id bytecode.FieldId) value.Set {
	return value.NewSet()
}

type stubHosts struct {
	approval, relationship, transitive bool
	err                                error
}

func (s stubHosts) HasApproval(ctx context.Context, identity, resource, action string) (bool, error) {
	return s.approval, s.err
}
func (s stubHosts) HasRelationship(ctx context.Context, subject, relation, object string) (bool, error) {
	return s.relationship, s.err
}
func (s stubHosts) HasTransitiveRelationship(ctx context.Context, subject, relation, object string, maxDepth int) (bool, error) {
	return s.transitive, s.err
}

func TestRunEqComparison(t *testing.T) {
	prog := []bytecode.Instr{
		{Op: bytecode.OpPushInt, Arg: 0},
		{Op: bytecode.OpPushInt, Arg: 0},
		{Op: bytecode.OpEq},
		{Op: bytecode.OpReturn},
	}
	constants := []value.Value{value.Int(5)}
	ok, err := Run(context.Background(), "p", prog, constants, mapResolver{}, stubHosts{})
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected true (5 == 5)")
	}
}

func TestRunMissingFieldIsNullNotError(t *testing.T) {
	prog := []bytecode.Instr{
		{Op: bytecode.OpLoadField, Arg: 0},
		{Op: bytecode.OpPushNull},
		{Op: bytecode.OpEq},
		{Op: bytecode.OpReturn},
	}
	ok, err := Run(context.Background(), "p", prog, nil, mapResolver{}, stubHosts{})
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected missing field to compare equal to Null")
	}
}

func TestRunTypeMismatchOnRelational(t *testing.T) {
	prog := []bytecode.Instr{
		{Op: bytecode.OpPushInt, Arg: 0},
		{Op: bytecode.OpPushString, Arg: 1},
		{Op: bytecode.OpLt},
		{Op: bytecode.OpReturn},
	}
	constants := []value.Value{value.Int(1), value.String("x")}
	_, err := Run(context.Background(), "p", prog, constants, mapResolver{}, stubHosts{})
	if err == nil {
		t.Fatal("expected type error comparing Int < String")
	}
}

func TestRunArithmeticOverflow(t *testing.T) {
	prog := []bytecode.Instr{
		{Op: bytecode.OpPushInt, Arg: 0},
		{Op: bytecode.OpPushInt, Arg: 1},
		{Op: bytecode.OpAdd},
		{Op: bytecode.OpPushInt, Arg: 0},
		{Op: bytecode.OpEq},
		{Op: bytecode.OpReturn},
	}
	constants := []value.Value{value.Int(math.MaxInt64), value.Int(1)}
	_, err := Run(context.Background(), "p", prog, constants, mapResolver{}, stubHosts{})
	if err == nil {
		t.Fatal("expected arithmetic overflow error")
	}
}

func TestRunDivisionByZero(t *testing.T) {
	prog := []bytecode.Instr{
		{Op: bytecode.OpPushInt, Arg: 0},
		{Op: bytecode.OpPushInt, Arg: 1},
		{Op: bytecode.OpDiv},
		{Op: bytecode.OpPushInt, Arg: 0},
		{Op: bytecode.OpEq},
		{Op: bytecode.OpReturn},
	}
	constants := []value.Value{value.Int(10), value.Int(0)}
	_, err := Run(context.Background(), "p", prog, constants, mapResolver{}, stubHosts{})
	if err == nil {
		t.Fatal("expected division by zero error")
	}
}

func TestRunBuildSetAndIn(t *testing.T) {
	// resource.type in {"a", "b"}
	prog := []bytecode.Instr{
		{Op: bytecode.OpPushString, Arg: 0},
		{Op: bytecode.OpPushString, Arg: 1},
		{Op: bytecode.OpPushString, Arg: 2},
		{Op: bytecode.OpBuildSet, Arg: 2},
		{Op: bytecode.OpIn},
		{Op: bytecode.OpReturn},
	}
	constants := []value.Value{value.String("a"), value.String("a"), value.String("b")}
	ok, err := Run(context.Background(), "p", prog, constants, mapResolver{}, stubHosts{})
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected \"a\" in {\"a\",\"b\"} to be true")
	}
}

func TestRunShortCircuitJump(t *testing.T) {
	// false && <never reached>
	prog := []bytecode.Instr{
		{Op: bytecode.OpPushBool, Arg: 0},
		{Op: bytecode.OpJumpIfFalse, Arg: 2},
		{Op: bytecode.OpPushBool, Arg: 1}, // skipped
		{Op: bytecode.OpJump, Arg: 1},
		{Op: bytecode.OpPushBool, Arg: 0}, // landing pad pushes false
		{Op: bytecode.OpReturn},
	}
	constants := []value.Value{value.Bool(false), value.Bool(true)}
	ok, err := Run(context.Background(), "p", prog, constants, mapResolver{}, stubHosts{})
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected short-circuited false && true to be false")
	}
}

func TestRunHasApprovalHostCall(t *testing.T) {
	prog := []bytecode.Instr{
		{Op: bytecode.OpPushString, Arg: 0},
		{Op: bytecode.OpPushString, Arg: 1},
		{Op: bytecode.OpPushString, Arg: 2},
		{Op: bytecode.OpHasApproval},
		{Op: bytecode.OpReturn},
	}
	constants := []value.Value{value.String("alice"), value.String("doc-1"), value.String("delete")}
	ok, err := Run(context.Background(), "p", prog, constants, mapResolver{}, stubHosts{approval: true})
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected HasApproval to report true")
	}
}
