package compiler

import (
	"strings"

	"github.com/quorumauthz/core/internal/bytecode"
	"github.com/quorumauthz/core/internal/lang"
	"github.com/quorumauthz/core/internal/value"
)

// resourceTypeFieldPath and actionTypeFieldPath are the pseudo-fields whose
// runtime value is an interned type id (an Int), not an arbitrary request
// attribute. A literal compared against one of these fields is compiled
// into a PushResourceType/PushActionType constant interned against the
// snapshot's type name table instead of a plain string constant, so the
// comparison is between two Ints at runtime.
var (
	resourceTypeFieldPath = []string{"resource", "type"}
	actionTypeFieldPath   = []string{"action", "type"}
)

func pathEquals(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// typeFieldKind returns "resource", "action" or "" depending on whether fa
// is one of the two well-known type pseudo-fields.
func typeFieldKind(fa *lang.FieldAccess) string {
	switch {
	case pathEquals(fa.Path, resourceTypeFieldPath):
		return "resource"
	case pathEquals(fa.Path, actionTypeFieldPath):
		return "action"
	default:
		return ""
	}
}

// emit compiles e into a bytecode sequence, applying constant folding
// where every operand is statically known.
func (c *compilation) emit(e lang.Expr) ([]bytecode.Instr, error) {
	if v, ok := c.tryFold(e); ok {
		return c.emitPushConstant(e.Position(), v), nil
	}
	return c.emitNode(e)
}

func (c *compilation) emitPushConstant(pos lang.Position, v value.Value) []bytecode.Instr {
	switch v.Kind() {
	case value.KindNull:
		return []bytecode.Instr{{Op: bytecode.OpPushNull}}
	case value.KindBool:
		b, _ := v.AsBool()
		idx := c.addConstant(value.Bool(b))
		return []bytecode.Instr{{Op: bytecode.OpPushBool, Arg: idx}}
	case value.KindInt:
		i, _ := v.AsInt()
		idx := c.addConstant(value.Int(i))
		return []bytecode.Instr{{Op: bytecode.OpPushInt, Arg: idx}}
	case value.KindString:
		s, _ := v.AsString()
		idx := c.addConstant(value.String(s))
		return []bytecode.Instr{{Op: bytecode.OpPushString, Arg: idx}}
	default:
		return []bytecode.Instr{{Op: bytecode.OpPushNull}}
	}
}

// tryFold evaluates e immediately if every subexpression is a literal,
// folding constant arithmetic, comparisons and boolean logic at compile
// time rather than emitting code for them. Anything involving a
// FieldAccess, FunctionCall or IfExpression is left for emitNode.
func (c *compilation) tryFold(e lang.Expr) (value.Value, bool) {
	switch n := e.(type) {
	case *lang.Literal:
		switch n.Kind {
		case lang.TokInt:
			return value.Int(n.Int), true
		case lang.TokString:
			return value.String(n.Str), true
		case lang.TokTrue, lang.TokFalse:
			return value.Bool(n.Bool), true
		case lang.TokNull:
			return value.Null, true
		}
		return value.Value{}, false
	case *lang.UnaryOp:
		v, ok := c.tryFold(n.Operand)
		if !ok {
			return value.Value{}, false
		}
		b, ok := v.AsBool()
		if !ok {
			return value.Value{}, false
		}
		return value.Bool(!b), true
	case *lang.BinaryOp:
		left, ok := c.tryFold(n.Left)
		if !ok {
			return value.Value{}, false
		}
		right, ok := c.tryFold(n.Right)
		if !ok {
			return value.Value{}, false
		}
		return foldBinary(n.Op, left, right)
	default:
		return value.Value{}, false
	}
}

func foldBinary(op lang.BinaryOperator, left, right value.Value) (value.Value, bool) {
	switch op {
	case lang.OpEq:
		return value.Bool(value.Equals(left, right)), true
	case lang.OpNeq:
		return value.Bool(!value.Equals(left, right)), true
	case lang.OpLt, lang.OpLte, lang.OpGt, lang.OpGte:
		cmp, err := value.Compare(left, right)
		if err != nil {
			return value.Value{}, false
		}
		switch op {
		case lang.OpLt:
			return value.Bool(cmp < 0), true
		case lang.OpLte:
			return value.Bool(cmp <= 0), true
		case lang.OpGt:
			return value.Bool(cmp > 0), true
		default:
			return value.Bool(cmp >= 0), true
		}
	case lang.OpAnd, lang.OpOr:
		lb, ok := left.AsBool()
		if !ok {
			return value.Value{}, false
		}
		rb, ok := right.AsBool()
		if !ok {
			return value.Value{}, false
		}
		if op == lang.OpAnd {
			return value.Bool(lb && rb), true
		}
		return value.Bool(lb || rb), true
	case lang.OpAdd, lang.OpSub, lang.OpMul, lang.OpDiv, lang.OpMod:
		li, ok := left.AsInt()
		if !ok {
			return value.Value{}, false
		}
		ri, ok := right.AsInt()
		if !ok {
			return value.Value{}, false
		}
		// Division/modulo by zero and overflow are left for the interpreter
		// to reject at evaluation time rather than failing the compile.
		switch op {
		case lang.OpAdd:
			return value.Int(li + ri), true
		case lang.OpSub:
			return value.Int(li - ri), true
		case lang.OpMul:
			return value.Int(li * ri), true
		case lang.OpDiv:
			if ri == 0 {
				return value.Value{}, false
			}
			return value.Int(li / ri), true
		default:
			if ri == 0 {
				return value.Value{}, false
			}
			return value.Int(li % ri), true
		}
	default:
		return value.Value{}, false
	}
}

func (c *compilation) emitNode(e lang.Expr) ([]bytecode.Instr, error) {
	switch n := e.(type) {
	case *lang.Literal:
		v, _ := c.tryFold(n)
		return c.emitPushConstant(n.Pos, v), nil

	case *lang.FieldAccess:
		id := c.fieldMap.Intern(strings.Join(n.Path, "."))
		return []bytecode.Instr{{Op: bytecode.OpLoadField, Arg: int32(id)}}, nil

	case *lang.UnaryOp:
		operand, err := c.emit(n.Operand)
		if err != nil {
			return nil, err
		}
		return append(operand, bytecode.Instr{Op: bytecode.OpNot}), nil

	case *lang.InSet:
		return c.emitInSet(n)

	case *lang.FunctionCall:
		return c.emitFunctionCall(n)

	case *lang.IfExpression:
		return c.emitIf(n)

	case *lang.BinaryOp:
		return c.emitBinary(n)

	default:
		return nil, c.errAt(e.Position(), "cannot compile expression")
	}
}

func (c *compilation) emitBinary(n *lang.BinaryOp) ([]bytecode.Instr, error) {
	switch n.Op {
	case lang.OpAnd:
		return c.emitShortCircuit(n, false)
	case lang.OpOr:
		return c.emitShortCircuit(n, true)
	}

	leftFa, leftIsField := n.Left.(*lang.FieldAccess)
	rightFa, rightIsField := n.Right.(*lang.FieldAccess)
	rightLit, rightIsStr := n.Right.(*lang.Literal)
	leftLit, leftIsStr := n.Left.(*lang.Literal)

	var left, right []bytecode.Instr
	var err error

	switch {
	case leftIsField && typeFieldKind(leftFa) != "" && rightIsStr && rightLit.Kind == lang.TokString:
		left, err = c.emitNode(n.Left)
		if err != nil {
			return nil, err
		}
		right = c.emitTypeConstant(typeFieldKind(leftFa), rightLit.Str)
	case rightIsField && typeFieldKind(rightFa) != "" && leftIsStr && leftLit.Kind == lang.TokString:
		left = c.emitTypeConstant(typeFieldKind(rightFa), leftLit.Str)
		right, err = c.emitNode(n.Right)
		if err != nil {
			return nil, err
		}
	default:
		left, err = c.emit(n.Left)
		if err != nil {
			return nil, err
		}
		right, err = c.emit(n.Right)
		if err != nil {
			return nil, err
		}
	}

	var op bytecode.Op
	switch n.Op {
	case lang.OpEq:
		op = bytecode.OpEq
	case lang.OpNeq:
		op = bytecode.OpNeq
	case lang.OpLt:
		op = bytecode.OpLt
	case lang.OpLte:
		op = bytecode.OpLte
	case lang.OpGt:
		op = bytecode.OpGt
	case lang.OpGte:
		op = bytecode.OpGte
	case lang.OpAdd:
		op = bytecode.OpAdd
	case lang.OpSub:
		op = bytecode.OpSub
	case lang.OpMul:
		op = bytecode.OpMul
	case lang.OpDiv:
		op = bytecode.OpDiv
	case lang.OpMod:
		op = bytecode.OpMod
	default:
		return nil, c.errAt(n.Pos, "unsupported binary operator")
	}

	out := append(left, right...)
	out = append(out, bytecode.Instr{Op: op})
	return out, nil
}

func (c *compilation) emitTypeConstant(kind, name string) []bytecode.Instr {
	var id uint16
	var op bytecode.Op
	if kind == "resource" {
		id = c.resourceTypes.Intern(name)
		op = bytecode.OpPushResourceType
	} else {
		id = c.actionTypes.Intern(name)
		op = bytecode.OpPushActionType
	}
	idx := c.addConstant(value.Int(int64(id)))
	return []bytecode.Instr{{Op: op, Arg: idx}}
}

// emitShortCircuit emits `left && right` (isOr=false) or `left || right`
// (isOr=true) with short-circuit evaluation: the right side is only
// executed when its result can still change the outcome.
func (c *compilation) emitShortCircuit(n *lang.BinaryOp, isOr bool) ([]bytecode.Instr, error) {
	left, err := c.emit(n.Left)
	if err != nil {
		return nil, err
	}
	right, err := c.emit(n.Right)
	if err != nil {
		return nil, err
	}

	shortCircuitValue := false
	branchOp := bytecode.OpJumpIfFalse
	if isOr {
		shortCircuitValue = true
		branchOp = bytecode.OpJumpIfTrue
	}
	padConst := c.addConstant(value.Bool(shortCircuitValue))

	out := append([]bytecode.Instr{}, left...)
	out = append(out, bytecode.Instr{Op: branchOp, Arg: int32(len(right) + 2)})
	out = append(out, right...)
	out = append(out, bytecode.Instr{Op: bytecode.OpJump, Arg: 2})
	out = append(out, bytecode.Instr{Op: bytecode.OpPushBool, Arg: padConst})
	return out, nil
}

func (c *compilation) emitInSet(n *lang.InSet) ([]bytecode.Instr, error) {
	if n.Contains {
		fa, ok := n.Operand.(*lang.FieldAccess)
		if !ok {
			return nil, c.errAt(n.Pos, "the left side of 'contains' must be a field")
		}
		id := c.fieldMap.Intern(strings.Join(fa.Path, "."))
		set := []bytecode.Instr{{Op: bytecode.OpLoadFieldSet, Arg: int32(id)}}
		needle, err := c.emit(n.Elems[0])
		if err != nil {
			return nil, err
		}
		out := append(set, needle...)
		out = append(out, bytecode.Instr{Op: bytecode.OpContains})
		return out, nil
	}

	needle, err := c.emit(n.Operand)
	if err != nil {
		return nil, err
	}
	out := append([]bytecode.Instr{}, needle...)
	for _, el := range n.Elems {
		elCode, err := c.emit(el)
		if err != nil {
			return nil, err
		}
		out = append(out, elCode...)
	}
	out = append(out, bytecode.Instr{Op: bytecode.OpBuildSet, Arg: int32(len(n.Elems))})
	out = append(out, bytecode.Instr{Op: bytecode.OpIn})
	return out, nil
}

func (c *compilation) emitFunctionCall(n *lang.FunctionCall) ([]bytecode.Instr, error) {
	var out []bytecode.Instr
	switch n.Name {
	case "has_approval", "has_relationship":
		for _, arg := range n.Args {
			code, err := c.emit(arg)
			if err != nil {
				return nil, err
			}
			out = append(out, code...)
		}
		op := bytecode.OpHasApproval
		if n.Name == "has_relationship" {
			op = bytecode.OpHasRelationship
		}
		out = append(out, bytecode.Instr{Op: op})
		return out, nil
	case "has_transitive_relationship":
		for _, arg := range n.Args[:3] {
			code, err := c.emit(arg)
			if err != nil {
				return nil, err
			}
			out = append(out, code...)
		}
		maxDepth := n.Args[3].(*lang.Literal).Int
		out = append(out, bytecode.Instr{Op: bytecode.OpHasTransitiveRelationship, Arg: int32(maxDepth)})
		return out, nil
	default:
		return nil, c.errAt(n.Pos, "unknown function")
	}
}

// emitIf compiles `if cond { then } else { else }` as:
//
//	⟨cond⟩ JumpIfFalse(→else) ⟨then⟩ Jump(→end) else: ⟨else⟩ end:
func (c *compilation) emitIf(n *lang.IfExpression) ([]bytecode.Instr, error) {
	cond, err := c.emit(n.Cond)
	if err != nil {
		return nil, err
	}
	thenCode, err := c.emit(n.Then)
	if err != nil {
		return nil, err
	}
	elseCode, err := c.emit(n.Else)
	if err != nil {
		return nil, err
	}

	out := append([]bytecode.Instr{}, cond...)
	out = append(out, bytecode.Instr{Op: bytecode.OpJumpIfFalse, Arg: int32(len(thenCode) + 2)})
	out = append(out, thenCode...)
	out = append(out, bytecode.Instr{Op: bytecode.OpJump, Arg: int32(len(elseCode) + 1)})
	out = append(out, elseCode...)
	return out, nil
}

// collectFieldRefs walks e collecting every FieldId it references, via the
// same FieldMap already populated during emission (Intern is idempotent).
func collectFieldRefs(e lang.Expr, fieldMap *bytecode.FieldMap) []bytecode.FieldId {
	var out []bytecode.FieldId
	var walk func(lang.Expr)
	walk = func(e lang.Expr) {
		switch n := e.(type) {
		case *lang.FieldAccess:
			out = append(out, fieldMap.Intern(strings.Join(n.Path, ".")))
		case *lang.BinaryOp:
			walk(n.Left)
			walk(n.Right)
		case *lang.UnaryOp:
			walk(n.Operand)
		case *lang.InSet:
			walk(n.Operand)
			for _, el := range n.Elems {
				walk(el)
			}
		case *lang.FunctionCall:
			for _, a := range n.Args {
				walk(a)
			}
		case *lang.IfExpression:
			walk(n.Cond)
			walk(n.Then)
			walk(n.Else)
		}
	}
	walk(e)
	return out
}

// deriveResourceTypes scans triggers for `resource.type == "X"` equalities
// (in either operand order) anywhere in the expression tree, returning the
// interned ResourceTypeId for each distinct X found. A triggers clause with
// no such constraint applies to every resource type.
func deriveResourceTypes(triggers lang.Expr, resourceTypes *bytecode.TypeNameTable) []bytecode.ResourceTypeId {
	seen := make(map[bytecode.ResourceTypeId]bool)
	var out []bytecode.ResourceTypeId
	add := func(name string) {
		id := bytecode.ResourceTypeId(resourceTypes.Intern(name))
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}

	var walk func(lang.Expr)
	walk = func(e lang.Expr) {
		switch n := e.(type) {
		case *lang.BinaryOp:
			if n.Op == lang.OpEq {
				if fa, ok := n.Left.(*lang.FieldAccess); ok && typeFieldKind(fa) == "resource" {
					if lit, ok := n.Right.(*lang.Literal); ok && lit.Kind == lang.TokString {
						add(lit.Str)
					}
				}
				if fa, ok := n.Right.(*lang.FieldAccess); ok && typeFieldKind(fa) == "resource" {
					if lit, ok := n.Left.(*lang.Literal); ok && lit.Kind == lang.TokString {
						add(lit.Str)
					}
				}
			}
			walk(n.Left)
			walk(n.Right)
		case *lang.UnaryOp:
			walk(n.Operand)
		case *lang.InSet:
			walk(n.Operand)
			for _, el := range n.Elems {
				walk(el)
			}
		case *lang.FunctionCall:
			for _, a := range n.Args {
				walk(a)
			}
		case *lang.IfExpression:
			walk(n.Cond)
			walk(n.Then)
			walk(n.Else)
		}
	}
	walk(triggers)

	if len(out) == 0 {
		return []bytecode.ResourceTypeId{bytecode.AllResourceTypes}
	}
	return out
}
