// Package compiler translates parsed policy ASTs into the bytecode the
// interpreter executes, producing an immutable bytecode.Snapshot per
// compile. A single policy's failure aborts the whole snapshot build; the
// caller is expected to keep the previous snapshot active in that case.
package compiler

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"

	"github.com/quorumauthz/core/internal/bytecode"
	"github.com/quorumauthz/core/internal/lang"
	"github.com/quorumauthz/core/internal/value"
)

// CompileError carries the source span of a type or name-resolution
// failure discovered while compiling a single policy.
type CompileError struct {
	PolicyName string
	Pos        lang.Position
	Kind       string // "type", "unknown_function", "invalid_effect", "duplicate_name"
	Msg        string
}

func (e *CompileError) Error() string {
	if e.PolicyName != "" {
		return fmt.Sprintf("%d:%d: policy %q: %s", e.Pos.Line, e.Pos.Column, e.PolicyName, e.Msg)
	}
	return fmt.Sprintf("%d:%d: %s", e.Pos.Line, e.Pos.Column, e.Msg)
}

var hostFunctions = map[string]int{
	"has_approval":                3,
	"has_relationship":            3,
	"has_transitive_relationship": 4, // subject, relation, object, max_depth (literal int)
}

// staticType is the compiler's best-effort static type for an expression.
// FieldAccess and FunctionCall results are stUnknown because their real
// type depends on the request at evaluation time; only genuinely
// ill-typed combinations of *known* types are rejected at compile time,
// matching the interpreter's dynamic checks for everything else.
type staticType uint8

const (
	stUnknown staticType = iota
	stInt
	stBool
	stString
	stNull
)

// Compile parses and compiles every policy declaration found across
// sources into one Snapshot tagged with version. Field paths and
// resource/action type names are interned across the whole batch, matching
// the "FieldMap built from every path in any policy in the snapshot"
// requirement.
func Compile(sources []string, version uint64) (*bytecode.Snapshot, error) {
	var decls []*lang.PolicyDecl
	for _, src := range sources {
		parsed, err := lang.ParsePolicies(src)
		if err != nil {
			return nil, err
		}
		decls = append(decls, parsed...)
	}

	fieldMap := bytecode.NewFieldMap()
	resourceTypes := bytecode.NewTypeNameTable()
	actionTypes := bytecode.NewTypeNameTable()

	seen := make(map[string]bool, len(decls))
	policies := make([]*bytecode.CompiledPolicy, 0, len(decls))
	resourceIndex := make(map[bytecode.ResourceTypeId][]string)

	for _, decl := range decls {
		if seen[decl.Name] {
			return nil, &CompileError{PolicyName: decl.Name, Pos: decl.Pos, Kind: "duplicate_name", Msg: "duplicate policy name in this snapshot"}
		}
		seen[decl.Name] = true

		var effect bytecode.Effect
		switch decl.Effect {
		case "allow":
			effect = bytecode.EffectAllow
		case "deny":
			effect = bytecode.EffectDeny
		case "":
			effect = bytecode.EffectNone
		default:
			return nil, &CompileError{PolicyName: decl.Name, Pos: decl.Pos, Kind: "invalid_effect", Msg: fmt.Sprintf("invalid effect %q", decl.Effect)}
		}

		c := &compilation{
			policyName:    decl.Name,
			fieldMap:      fieldMap,
			resourceTypes: resourceTypes,
			actionTypes:   actionTypes,
		}

		triggersType, err := c.check(decl.Triggers)
		if err != nil {
			return nil, err
		}
		if triggersType != stUnknown && triggersType != stBool {
			return nil, &CompileError{PolicyName: decl.Name, Pos: decl.Triggers.Position(), Kind: "type", Msg: "triggers clause must be Bool"}
		}
		triggersCode, err := c.emit(decl.Triggers)
		if err != nil {
			return nil, err
		}
		triggersCode = append(triggersCode, bytecode.Instr{Op: bytecode.OpReturn})

		requiresExpr := decl.Requires
		requiresType, err := c.check(requiresExpr)
		if err != nil {
			return nil, err
		}
		if requiresType != stUnknown && requiresType != stBool {
			return nil, &CompileError{PolicyName: decl.Name, Pos: requiresExpr.Position(), Kind: "type", Msg: "requires clause must be Bool"}
		}
		requiresCode, err := c.emit(requiresExpr)
		if err != nil {
			return nil, err
		}
		requiresCode = append(requiresCode, bytecode.Instr{Op: bytecode.OpReturn})

		applicable := deriveResourceTypes(decl.Triggers, resourceTypes)

		fieldRefs := collectFieldRefs(decl.Triggers, fieldMap)
		fieldRefs = append(fieldRefs, collectFieldRefs(requiresExpr, fieldMap)...)

		cp := &bytecode.CompiledPolicy{
			Name:                    decl.Name,
			Description:             decl.Description,
			Effect:                  effect,
			Reason:                  decl.Reason,
			Triggers:                triggersCode,
			Requires:                requiresCode,
			Constants:               c.constants,
			ApplicableResourceTypes: applicable,
			FieldRefs:               fieldRefs,
			SourceHash:              sourceHash(decl.Name, decl.Description, decl.Effect, decl.Reason, triggersCode, requiresCode),
		}
		policies = append(policies, cp)

		for _, rt := range applicable {
			resourceIndex[rt] = append(resourceIndex[rt], decl.Name)
		}
	}

	return bytecode.NewSnapshot(policies, fieldMap, resourceIndex, resourceTypes, actionTypes, version), nil
}

// sourceHash fingerprints a compiled policy's metadata and emitted bytecode
// so a host can tell whether recompiling unchanged sources would produce an
// identical policy, without keeping the raw source text around. Hashing the
// bytecode rather than the source text means two textually different but
// semantically identical policies still share a hash.
func sourceHash(name, description, effect, reason string, triggers, requires []bytecode.Instr) uint64 {
	d := xxhash.New()
	_, _ = d.WriteString(name)
	_, _ = d.Write([]byte{0})
	_, _ = d.WriteString(description)
	_, _ = d.Write([]byte{0})
	_, _ = d.WriteString(effect)
	_, _ = d.Write([]byte{0})
	_, _ = d.WriteString(reason)
	_, _ = d.Write([]byte{0})
	writeInstrs(d, triggers)
	writeInstrs(d, requires)
	return d.Sum64()
}

func writeInstrs(d *xxhash.Digest, instrs []bytecode.Instr) {
	buf := make([]byte, 5)
	for _, instr := range instrs {
		buf[0] = byte(instr.Op)
		binary.LittleEndian.PutUint32(buf[1:], uint32(instr.Arg))
		_, _ = d.Write(buf)
	}
}

// compilation holds the interning tables and per-policy constant pool used
// while type-checking and emitting a single policy's two bytecode bodies.
type compilation struct {
	policyName    string
	fieldMap      *bytecode.FieldMap
	resourceTypes *bytecode.TypeNameTable
	actionTypes   *bytecode.TypeNameTable
	constants     []value.Value
}

func (c *compilation) addConstant(v value.Value) int32 {
	c.constants = append(c.constants, v)
	return int32(len(c.constants) - 1)
}

func (c *compilation) errAt(pos lang.Position, msg string) error {
	return &CompileError{PolicyName: c.policyName, Pos: pos, Kind: "type", Msg: msg}
}

// check performs bottom-up static type inference, rejecting combinations
// of *statically known* types that can never succeed at runtime. Anything
// involving a FieldAccess or FunctionCall result (stUnknown) is deferred
// to the interpreter's own dynamic TypeError checks.
func (c *compilation) check(e lang.Expr) (staticType, error) {
	switch n := e.(type) {
	case *lang.Literal:
		switch n.Kind {
		case lang.TokInt:
			return stInt, nil
		case lang.TokString:
			return stString, nil
		case lang.TokTrue, lang.TokFalse:
			return stBool, nil
		case lang.TokNull:
			return stNull, nil
		}
		return stUnknown, nil
	case *lang.FieldAccess:
		return stUnknown, nil
	case *lang.FunctionCall:
		want, ok := hostFunctions[n.Name]
		if !ok {
			return stUnknown, &CompileError{PolicyName: c.policyName, Pos: n.Pos, Kind: "unknown_function", Msg: fmt.Sprintf("unknown function %q", n.Name)}
		}
		if len(n.Args) != want {
			return stUnknown, &CompileError{PolicyName: c.policyName, Pos: n.Pos, Kind: "unknown_function", Msg: fmt.Sprintf("%s takes %d arguments, got %d", n.Name, want, len(n.Args))}
		}
		if n.Name == "has_transitive_relationship" {
			if lit, ok := n.Args[3].(*lang.Literal); !ok || lit.Kind != lang.TokInt {
				return stUnknown, &CompileError{PolicyName: c.policyName, Pos: n.Pos, Kind: "type", Msg: "has_transitive_relationship's max_depth argument must be an integer literal"}
			}
		}
		for _, arg := range n.Args {
			if _, err := c.check(arg); err != nil {
				return stUnknown, err
			}
		}
		return stBool, nil
	case *lang.UnaryOp:
		t, err := c.check(n.Operand)
		if err != nil {
			return stUnknown, err
		}
		if t != stUnknown && t != stBool {
			return stUnknown, c.errAt(n.Pos, "operand of '!' must be Bool")
		}
		return stBool, nil
	case *lang.InSet:
		if _, err := c.check(n.Operand); err != nil {
			return stUnknown, err
		}
		for _, el := range n.Elems {
			if _, err := c.check(el); err != nil {
				return stUnknown, err
			}
		}
		return stBool, nil
	case *lang.IfExpression:
		condT, err := c.check(n.Cond)
		if err != nil {
			return stUnknown, err
		}
		if condT != stUnknown && condT != stBool {
			return stUnknown, c.errAt(n.Pos, "if-condition must be Bool")
		}
		thenT, err := c.check(n.Then)
		if err != nil {
			return stUnknown, err
		}
		elseT, err := c.check(n.Else)
		if err != nil {
			return stUnknown, err
		}
		if thenT != stUnknown && elseT != stUnknown && thenT != elseT {
			return stUnknown, c.errAt(n.Pos, "if/else branches must have the same type")
		}
		if thenT != stUnknown {
			return thenT, nil
		}
		return elseT, nil
	case *lang.BinaryOp:
		return c.checkBinary(n)
	default:
		return stUnknown, c.errAt(e.Position(), fmt.Sprintf("unsupported expression node %T", e))
	}
}

func (c *compilation) checkBinary(n *lang.BinaryOp) (staticType, error) {
	left, err := c.check(n.Left)
	if err != nil {
		return stUnknown, err
	}
	right, err := c.check(n.Right)
	if err != nil {
		return stUnknown, err
	}
	switch n.Op {
	case lang.OpAnd, lang.OpOr:
		if left != stUnknown && left != stBool {
			return stUnknown, c.errAt(n.Pos, "left operand of boolean operator must be Bool")
		}
		if right != stUnknown && right != stBool {
			return stUnknown, c.errAt(n.Pos, "right operand of boolean operator must be Bool")
		}
		return stBool, nil
	case lang.OpEq, lang.OpNeq:
		return stBool, nil
	case lang.OpLt, lang.OpLte, lang.OpGt, lang.OpGte:
		if left != stUnknown && right != stUnknown {
			if left != right {
				return stUnknown, c.errAt(n.Pos, fmt.Sprintf("cannot compare mismatched types in relational operator"))
			}
			if left != stInt && left != stString {
				return stUnknown, c.errAt(n.Pos, "relational operators require Int or String operands")
			}
		}
		return stBool, nil
	case lang.OpAdd, lang.OpSub, lang.OpMul, lang.OpDiv, lang.OpMod:
		if left != stUnknown && left != stInt {
			return stUnknown, c.errAt(n.Pos, "left operand of arithmetic operator must be Int")
		}
		if right != stUnknown && right != stInt {
			return stUnknown, c.errAt(n.Pos, "right operand of arithmetic operator must be Int")
		}
		return stInt, nil
	default:
		return stUnknown, c.errAt(n.Pos, "unknown binary operator")
	}
}
