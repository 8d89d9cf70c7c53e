// Package interpreter executes compiled policy bytecode against an
// evaluation context. It is a small stack machine with no loop
// instructions, so every program terminates in bounded time proportional
// to its instruction count.
package interpreter

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/quorumauthz/core/internal/bytecode"
	"github.com/quorumauthz/core/internal/value"
)

// ErrArithmeticOverflow is returned when an Int arithmetic operation would
// overflow int64. The interpreter never silently saturates.
var ErrArithmeticOverflow = errors.New("interpreter: arithmetic overflow")

// ErrDivisionByZero is returned by Div/Mod when the divisor is zero.
var ErrDivisionByZero = errors.New("interpreter: division by zero")

// EvaluationError wraps a runtime failure inside a CompiledPolicy's
// bytecode with the instruction pointer it occurred at.
type EvaluationError struct {
	PolicyName string
	IP         int
	Err        error
}

func (e *EvaluationError) Error() string {
	return fmt.Sprintf("evaluation error in policy %q at ip=%d: %v", e.PolicyName, e.IP, e.Err)
}

func (e *EvaluationError) Unwrap() error { return e.Err }

// FieldResolver looks up the Value bound to a FieldId in the current
// request. A missing path resolves to value.Null, never an error.
type FieldResolver interface {
	ResolveField(id bytecode.FieldId) value.Value
	// ResolveFieldSet resolves a field to a Set for the `contains` operator's
	// haystack operand. Implementations that have no set-valued fields can
	// always return the empty set.
	ResolveFieldSet(id bytecode.FieldId) value.Set
}

// HostCalls implements the three host-call opcodes, which consult the
// approval and relationship stores. They receive a context.Context because
// the backing stores (e.g. the sqlite-backed ones) may perform I/O.
type HostCalls interface {
	HasApproval(ctx context.Context, identity, resource, action string) (bool, error)
	HasRelationship(ctx context.Context, subject, relation, object string) (bool, error)
	HasTransitiveRelationship(ctx context.Context, subject, relation, object string, maxDepth int) (bool, error)
}

// maxStack bounds the operand stack; the compiler never emits programs that
// nest deeper than this, so hitting it indicates a corrupted program.
const maxStack = 256

// slot is the operand-stack element. Sets only ever arise from BuildSet and
// are only ever consumed by In/Contains, so they're carried directly
// alongside value.Value in each stack slot rather than boxed into it —
// value.Value itself has no Set kind, and that's intentional: Set is an
// interpreter-internal intermediate, never a field value or constant.
type slot struct {
	v      value.Value
	set    value.Set
	isSet  bool
}

// Run executes prog against the given FieldResolver and HostCalls,
// returning the Bool result of the top-of-stack value when the program
// halts. Run is used for both Triggers and Requires bytecode; the caller
// decides what a non-Bool result or error means. The operand stack is a
// fixed-size array on Run's own stack frame; apart from what
// FieldResolver/HostCalls allocate, the one heap allocation is the element
// slice OpBuildSet makes for each set literal.
func Run(ctx context.Context, policyName string, prog []bytecode.Instr, constants []value.Value, resolver FieldResolver, hosts HostCalls) (bool, error) {
	var stack [maxStack]slot
	sp := 0

	push := func(v value.Value) error {
		if sp >= maxStack {
			return errors.New("interpreter: stack overflow")
		}
		stack[sp] = slot{v: v}
		sp++
		return nil
	}
	pushSet := func(s value.Set) error {
		if sp >= maxStack {
			return errors.New("interpreter: stack overflow")
		}
		stack[sp] = slot{set: s, isSet: true}
		sp++
		return nil
	}
	pop := func() (slot, error) {
		if sp == 0 {
			return slot{}, errors.New("interpreter: stack underflow")
		}
		sp--
		return stack[sp], nil
	}
	popValue := func() (value.Value, error) {
		s, err := pop()
		if err != nil {
			return value.Value{}, err
		}
		if s.isSet {
			return value.Value{}, errors.New("interpreter: expected a value, found a set")
		}
		return s.v, nil
	}

	ip := 0
	for ip < len(prog) {
		instr := prog[ip]
		switch instr.Op {
		case bytecode.OpPushInt, bytecode.OpPushBool, bytecode.OpPushString, bytecode.OpPushResourceType, bytecode.OpPushActionType:
			if int(instr.Arg) >= len(constants) {
				return false, wrap(policyName, ip, errors.New("interpreter: constant index out of range"))
			}
			if err := push(constants[instr.Arg]); err != nil {
				return false, wrap(policyName, ip, err)
			}
		case bytecode.OpPushNull:
			if err := push(value.Null); err != nil {
				return false, wrap(policyName, ip, err)
			}
		case bytecode.OpLoadField:
			if err := push(resolver.ResolveField(bytecode.FieldId(instr.Arg))); err != nil {
				return false, wrap(policyName, ip, err)
			}
		case bytecode.OpLoadFieldSet:
			if err := pushSet(resolver.ResolveFieldSet(bytecode.FieldId(instr.Arg))); err != nil {
				return false, wrap(policyName, ip, err)
			}
		case bytecode.OpAdd, bytecode.OpSub, bytecode.OpMul, bytecode.OpDiv, bytecode.OpMod:
			b, err := popValue()
			if err != nil {
				return false, wrap(policyName, ip, err)
			}
			a, err := popValue()
			if err != nil {
				return false, wrap(policyName, ip, err)
			}
			ai, ok := a.AsInt()
			if !ok {
				return false, wrap(policyName, ip, &value.TypeError{Op: "arithmetic", Expected: value.KindInt, Got: a.Kind()})
			}
			bi, ok := b.AsInt()
			if !ok {
				return false, wrap(policyName, ip, &value.TypeError{Op: "arithmetic", Expected: value.KindInt, Got: b.Kind()})
			}
			result, err := arithmetic(instr.Op, ai, bi)
			if err != nil {
				return false, wrap(policyName, ip, err)
			}
			if err := push(value.Int(result)); err != nil {
				return false, wrap(policyName, ip, err)
			}
		case bytecode.OpEq, bytecode.OpNeq:
			b, err := popValue()
			if err != nil {
				return false, wrap(policyName, ip, err)
			}
			a, err := popValue()
			if err != nil {
				return false, wrap(policyName, ip, err)
			}
			eq := value.Equals(a, b)
			if instr.Op == bytecode.OpNeq {
				eq = !eq
			}
			if err := push(value.Bool(eq)); err != nil {
				return false, wrap(policyName, ip, err)
			}
		case bytecode.OpLt, bytecode.OpLte, bytecode.OpGt, bytecode.OpGte:
			b, err := popValue()
			if err != nil {
				return false, wrap(policyName, ip, err)
			}
			a, err := popValue()
			if err != nil {
				return false, wrap(policyName, ip, err)
			}
			cmp, err := value.Compare(a, b)
			if err != nil {
				return false, wrap(policyName, ip, err)
			}
			var result bool
			switch instr.Op {
			case bytecode.OpLt:
				result = cmp < 0
			case bytecode.OpLte:
				result = cmp <= 0
			case bytecode.OpGt:
				result = cmp > 0
			case bytecode.OpGte:
				result = cmp >= 0
			}
			if err := push(value.Bool(result)); err != nil {
				return false, wrap(policyName, ip, err)
			}
		case bytecode.OpAnd, bytecode.OpOr:
			b, err := popValue()
			if err != nil {
				return false, wrap(policyName, ip, err)
			}
			a, err := popValue()
			if err != nil {
				return false, wrap(policyName, ip, err)
			}
			ab, ok := a.AsBool()
			if !ok {
				return false, wrap(policyName, ip, &value.TypeError{Op: "and/or", Expected: value.KindBool, Got: a.Kind()})
			}
			bb, ok := b.AsBool()
			if !ok {
				return false, wrap(policyName, ip, &value.TypeError{Op: "and/or", Expected: value.KindBool, Got: b.Kind()})
			}
			var result bool
			if instr.Op == bytecode.OpAnd {
				result = ab && bb
			} else {
				result = ab || bb
			}
			if err := push(value.Bool(result)); err != nil {
				return false, wrap(policyName, ip, err)
			}
		case bytecode.OpNot:
			a, err := popValue()
			if err != nil {
				return false, wrap(policyName, ip, err)
			}
			ab, ok := a.AsBool()
			if !ok {
				return false, wrap(policyName, ip, &value.TypeError{Op: "not", Expected: value.KindBool, Got: a.Kind()})
			}
			if err := push(value.Bool(!ab)); err != nil {
				return false, wrap(policyName, ip, err)
			}
		case bytecode.OpBuildSet:
			n := int(instr.Arg)
			if sp < n {
				return false, wrap(policyName, ip, errors.New("interpreter: stack underflow in BuildSet"))
			}
			items := make([]value.Value, n)
			for i := n - 1; i >= 0; i-- {
				v, err := popValue()
				if err != nil {
					return false, wrap(policyName, ip, err)
				}
				items[i] = v
			}
			if err := pushSet(value.NewSet(items...)); err != nil {
				return false, wrap(policyName, ip, err)
			}
		case bytecode.OpIn, bytecode.OpContains:
			b, err := pop()
			if err != nil {
				return false, wrap(policyName, ip, err)
			}
			a, err := pop()
			if err != nil {
				return false, wrap(policyName, ip, err)
			}
			setSlot, needleSlot := b, a
			if instr.Op == bytecode.OpContains {
				setSlot, needleSlot = a, b
			}
			if !setSlot.isSet || needleSlot.isSet {
				return false, wrap(policyName, ip, errors.New("interpreter: in/contains operand is not a set"))
			}
			if err := push(value.Bool(setSlot.set.Contains(needleSlot.v))); err != nil {
				return false, wrap(policyName, ip, err)
			}
		case bytecode.OpJumpIfFalse, bytecode.OpJumpIfTrue:
			top, err := popValue()
			if err != nil {
				return false, wrap(policyName, ip, err)
			}
			b, ok := top.AsBool()
			if !ok {
				return false, wrap(policyName, ip, &value.TypeError{Op: "jump condition", Expected: value.KindBool, Got: top.Kind()})
			}
			take := (instr.Op == bytecode.OpJumpIfFalse && !b) || (instr.Op == bytecode.OpJumpIfTrue && b)
			if take {
				ip += int(instr.Arg)
				continue
			}
		case bytecode.OpJump:
			ip += int(instr.Arg)
			continue
		case bytecode.OpHasApproval:
			identity, resource, action, err := popThreeStrings(popValue)
			if err != nil {
				return false, wrap(policyName, ip, err)
			}
			ok, err := hosts.HasApproval(ctx, identity, resource, action)
			if err != nil {
				return false, wrap(policyName, ip, err)
			}
			if err := push(value.Bool(ok)); err != nil {
				return false, wrap(policyName, ip, err)
			}
		case bytecode.OpHasRelationship:
			subject, relation, object, err := popThreeStrings(popValue)
			if err != nil {
				return false, wrap(policyName, ip, err)
			}
			ok, err := hosts.HasRelationship(ctx, subject, relation, object)
			if err != nil {
				return false, wrap(policyName, ip, err)
			}
			if err := push(value.Bool(ok)); err != nil {
				return false, wrap(policyName, ip, err)
			}
		case bytecode.OpHasTransitiveRelationship:
			subject, relation, object, err := popThreeStrings(popValue)
			if err != nil {
				return false, wrap(policyName, ip, err)
			}
			ok, err := hosts.HasTransitiveRelationship(ctx, subject, relation, object, int(instr.Arg))
			if err != nil {
				return false, wrap(policyName, ip, err)
			}
			if err := push(value.Bool(ok)); err != nil {
				return false, wrap(policyName, ip, err)
			}
		case bytecode.OpReturn, bytecode.OpHalt:
			top, err := popValue()
			if err != nil {
				return false, wrap(policyName, ip, err)
			}
			b, ok := top.AsBool()
			if !ok {
				return false, wrap(policyName, ip, &value.TypeError{Op: "program result", Expected: value.KindBool, Got: top.Kind()})
			}
			return b, nil
		default:
			return false, wrap(policyName, ip, fmt.Errorf("interpreter: unknown opcode %d", instr.Op))
		}
		ip++
	}
	return false, wrap(policyName, ip, errors.New("interpreter: program fell off the end without a Return/Halt"))
}

func arithmetic(op bytecode.Op, a, b int64) (int64, error) {
	switch op {
	case bytecode.OpAdd:
		sum := a + b
		if (b > 0 && sum < a) || (b < 0 && sum > a) {
			return 0, ErrArithmeticOverflow
		}
		return sum, nil
	case bytecode.OpSub:
		diff := a - b
		if (b < 0 && diff < a) || (b > 0 && diff > a) {
			return 0, ErrArithmeticOverflow
		}
		return diff, nil
	case bytecode.OpMul:
		if a == 0 || b == 0 {
			return 0, nil
		}
		result := a * b
		if result/b != a || (a == -1 && b == math.MinInt64) {
			return 0, ErrArithmeticOverflow
		}
		return result, nil
	case bytecode.OpDiv:
		if b == 0 {
			return 0, ErrDivisionByZero
		}
		if a == math.MinInt64 && b == -1 {
			return 0, ErrArithmeticOverflow
		}
		return a / b, nil
	case bytecode.OpMod:
		if b == 0 {
			return 0, ErrDivisionByZero
		}
		if a == math.MinInt64 && b == -1 {
			return 0, ErrArithmeticOverflow
		}
		return a % b, nil
	default:
		return 0, fmt.Errorf("interpreter: not an arithmetic opcode: %d", op)
	}
}

func wrap(policyName string, ip int, err error) error {
	if err == nil {
		return nil
	}
	return &EvaluationError{PolicyName: policyName, IP: ip, Err: err}
}

// popThreeStrings pops three String operands in call-argument order
// (first-pushed first), as used by the three host-call opcodes.
func popThreeStrings(popValue func() (value.Value, error)) (string, string, string, error) {
	c, err := popValue()
	if err != nil {
		return "", "", "", err
	}
	b, err := popValue()
	if err != nil {
		return "", "", "", err
	}
	a, err := popValue()
	if err != nil {
		return "", "", "", err
	}
	as, ok := a.AsString()
	if !ok {
		return "", "", "", &value.TypeError{Op: "host call arg 1", Expected: value.KindString, Got: a.Kind()}
	}
	bs, ok := b.AsString()
	if !ok {
		return "", "", "", &value.TypeError{Op: "host call arg 2", Expected: value.KindString, Got: b.Kind()}
	}
	cs, ok := c.AsString()
	if !ok {
		return "", "", "", &value.TypeError{Op: "host call arg 3", Expected: value.KindString, Got: c.Kind()}
	}
	return as, bs, cs, nil
}
