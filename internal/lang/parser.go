package lang

import (
	"fmt"
	"strconv"
)

// Parser builds an AST from policy source text using single-token
// lookahead recursive descent.
type Parser struct {
	lex  *Lexer
	cur  Token
	next Token
	err  error
}

// NewParser returns a Parser primed to read the first two tokens of src.
func NewParser(src string) (*Parser, error) {
	p := &Parser{lex: NewLexer(src)}
	if err := p.advance(); err != nil {
		return nil, err
	}
	if err := p.advance(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Parser) advance() error {
	p.cur = p.next
	tok, err := p.lex.Next()
	if err != nil {
		return err
	}
	p.next = tok
	return nil
}

func (p *Parser) expect(kind TokenKind, what string) (Token, error) {
	if p.cur.Kind != kind {
		return Token{}, &ParseError{Pos: p.cur.Pos, Msg: fmt.Sprintf("expected %s, got %q", what, p.cur.Literal)}
	}
	tok := p.cur
	if err := p.advance(); err != nil {
		return Token{}, err
	}
	return tok, nil
}

// ParsePolicies parses a full source document: zero or more top-level
// policy declarations.
func ParsePolicies(src string) ([]*PolicyDecl, error) {
	p, err := NewParser(src)
	if err != nil {
		return nil, err
	}
	var decls []*PolicyDecl
	for p.cur.Kind != TokEOF {
		decl, err := p.parsePolicyDecl()
		if err != nil {
			return nil, err
		}
		decls = append(decls, decl)
	}
	return decls, nil
}

func (p *Parser) parsePolicyDecl() (*PolicyDecl, error) {
	var start Token
	var isPredicate bool
	var err error
	switch p.cur.Kind {
	case TokPredicate:
		isPredicate = true
		start, err = p.expect(TokPredicate, "'predicate'")
	case TokPolicy:
		start, err = p.expect(TokPolicy, "'policy'")
	default:
		return nil, &ParseError{Pos: p.cur.Pos, Msg: fmt.Sprintf("expected 'predicate' or 'policy', got %q", p.cur.Literal)}
	}
	if err != nil {
		return nil, err
	}

	nameTok, err := p.expect(TokIdent, "declaration name")
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(TokColon, "':'"); err != nil {
		return nil, err
	}
	descTok, err := p.expect(TokString, "description string")
	if err != nil {
		return nil, err
	}

	decl := &PolicyDecl{
		Pos:         start.Pos,
		Name:        nameTok.Literal,
		Description: descTok.Literal,
		Triggers:    &Literal{Pos: start.Pos, Kind: TokTrue, Bool: true},
	}

	if p.cur.Kind == TokTriggers {
		if err := p.advance(); err != nil {
			return nil, err
		}
		if _, err := p.expect(TokWhen, "'when'"); err != nil {
			return nil, err
		}
		expr, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		decl.Triggers = expr
	}

	if _, err := p.expect(TokRequires, "'requires'"); err != nil {
		return nil, err
	}
	requiresExpr, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	decl.Requires = requiresExpr

	switch p.cur.Kind {
	case TokAllow, TokDeny:
		if isPredicate {
			return nil, &ParseError{Pos: p.cur.Pos, Msg: "a predicate declaration may not carry an 'allow'/'deny' clause"}
		}
		if p.cur.Kind == TokAllow {
			decl.Effect = "allow"
		} else {
			decl.Effect = "deny"
		}
		if err := p.advance(); err != nil {
			return nil, err
		}
		if _, err := p.expect(TokWith, "'with'"); err != nil {
			return nil, err
		}
		reasonTok, err := p.expect(TokString, "reason string")
		if err != nil {
			return nil, err
		}
		decl.Reason = reasonTok.Literal
	default:
		if !isPredicate {
			return nil, &ParseError{Pos: start.Pos, Msg: "policy is missing its 'allow'/'deny with \"reason\"' clause"}
		}
	}

	return decl, nil
}

// parseExpr is the entry point: lowest-precedence binary operator (||).
func (p *Parser) parseExpr() (Expr, error) { return p.parseOr() }

func (p *Parser) parseOr() (Expr, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.cur.Kind == TokOr {
		pos := p.cur.Pos
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &BinaryOp{Pos: pos, Op: OpOr, Left: left, Right: right}
	}
	return left, nil
}

func (p *Parser) parseAnd() (Expr, error) {
	left, err := p.parseEquality()
	if err != nil {
		return nil, err
	}
	for p.cur.Kind == TokAnd {
		pos := p.cur.Pos
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseEquality()
		if err != nil {
			return nil, err
		}
		left = &BinaryOp{Pos: pos, Op: OpAnd, Left: left, Right: right}
	}
	return left, nil
}

func (p *Parser) parseEquality() (Expr, error) {
	left, err := p.parseRelational()
	if err != nil {
		return nil, err
	}
	for p.cur.Kind == TokEq || p.cur.Kind == TokNeq {
		op := OpEq
		if p.cur.Kind == TokNeq {
			op = OpNeq
		}
		pos := p.cur.Pos
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseRelational()
		if err != nil {
			return nil, err
		}
		left = &BinaryOp{Pos: pos, Op: op, Left: left, Right: right}
	}
	return left, nil
}

func (p *Parser) parseRelational() (Expr, error) {
	left, err := p.parseInContains()
	if err != nil {
		return nil, err
	}
	for {
		var op BinaryOperator
		switch p.cur.Kind {
		case TokLt:
			op = OpLt
		case TokLte:
			op = OpLte
		case TokGt:
			op = OpGt
		case TokGte:
			op = OpGte
		default:
			return left, nil
		}
		pos := p.cur.Pos
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseInContains()
		if err != nil {
			return nil, err
		}
		left = &BinaryOp{Pos: pos, Op: op, Left: left, Right: right}
	}
}

func (p *Parser) parseInContains() (Expr, error) {
	left, err := p.parseAdditive()
	if err != nil {
		return nil, err
	}
	switch p.cur.Kind {
	case TokIn:
		pos := p.cur.Pos
		if err := p.advance(); err != nil {
			return nil, err
		}
		if _, err := p.expect(TokLBrace, "'{' starting a set literal"); err != nil {
			return nil, err
		}
		var elems []Expr
		for p.cur.Kind != TokRBrace {
			elem, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			elems = append(elems, elem)
			if p.cur.Kind == TokComma {
				if err := p.advance(); err != nil {
					return nil, err
				}
			}
		}
		if _, err := p.expect(TokRBrace, "'}' closing a set literal"); err != nil {
			return nil, err
		}
		return &InSet{Pos: pos, Operand: left, Elems: elems, Contains: false}, nil
	case TokContains:
		pos := p.cur.Pos
		if err := p.advance(); err != nil {
			return nil, err
		}
		needle, err := p.parseAdditive()
		if err != nil {
			return nil, err
		}
		return &InSet{Pos: pos, Operand: left, Elems: []Expr{needle}, Contains: true}, nil
	default:
		return left, nil
	}
}

func (p *Parser) parseAdditive() (Expr, error) {
	left, err := p.parseMultiplicative()
	if err != nil {
		return nil, err
	}
	for p.cur.Kind == TokPlus || p.cur.Kind == TokMinus {
		op := OpAdd
		if p.cur.Kind == TokMinus {
			op = OpSub
		}
		pos := p.cur.Pos
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseMultiplicative()
		if err != nil {
			return nil, err
		}
		left = &BinaryOp{Pos: pos, Op: op, Left: left, Right: right}
	}
	return left, nil
}

func (p *Parser) parseMultiplicative() (Expr, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.cur.Kind == TokStar || p.cur.Kind == TokSlash || p.cur.Kind == TokPercent {
		var op BinaryOperator
		switch p.cur.Kind {
		case TokStar:
			op = OpMul
		case TokSlash:
			op = OpDiv
		case TokPercent:
			op = OpMod
		}
		pos := p.cur.Pos
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = &BinaryOp{Pos: pos, Op: op, Left: left, Right: right}
	}
	return left, nil
}

func (p *Parser) parseUnary() (Expr, error) {
	if p.cur.Kind == TokNot {
		pos := p.cur.Pos
		if err := p.advance(); err != nil {
			return nil, err
		}
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &UnaryOp{Pos: pos, Op: OpNot, Operand: operand}, nil
	}
	return p.parsePrimary()
}

func (p *Parser) parsePrimary() (Expr, error) {
	switch p.cur.Kind {
	case TokInt:
		tok := p.cur
		n, err := strconv.ParseInt(tok.Literal, 10, 64)
		if err != nil {
			return nil, &ParseError{Pos: tok.Pos, Msg: fmt.Sprintf("invalid integer literal %q", tok.Literal)}
		}
		if err := p.advance(); err != nil {
			return nil, err
		}
		return &Literal{Pos: tok.Pos, Kind: TokInt, Int: n}, nil
	case TokString:
		tok := p.cur
		if err := p.advance(); err != nil {
			return nil, err
		}
		return &Literal{Pos: tok.Pos, Kind: TokString, Str: tok.Literal}, nil
	case TokTrue, TokFalse:
		tok := p.cur
		if err := p.advance(); err != nil {
			return nil, err
		}
		return &Literal{Pos: tok.Pos, Kind: tok.Kind, Bool: tok.Kind == TokTrue}, nil
	case TokNull:
		tok := p.cur
		if err := p.advance(); err != nil {
			return nil, err
		}
		return &Literal{Pos: tok.Pos, Kind: TokNull}, nil
	case TokLParen:
		if err := p.advance(); err != nil {
			return nil, err
		}
		expr, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(TokRParen, "')'"); err != nil {
			return nil, err
		}
		return expr, nil
	case TokIf:
		return p.parseIfExpression()
	case TokIdent:
		return p.parseIdentOrCall()
	default:
		return nil, &ParseError{Pos: p.cur.Pos, Msg: fmt.Sprintf("unexpected token %q", p.cur.Literal)}
	}
}

func (p *Parser) parseIfExpression() (Expr, error) {
	start, err := p.expect(TokIf, "'if'")
	if err != nil {
		return nil, err
	}
	cond, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(TokLBrace, "'{'"); err != nil {
		return nil, err
	}
	thenExpr, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(TokRBrace, "'}'"); err != nil {
		return nil, err
	}
	if _, err := p.expect(TokElse, "'else'"); err != nil {
		return nil, err
	}
	if _, err := p.expect(TokLBrace, "'{'"); err != nil {
		return nil, err
	}
	elseExpr, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(TokRBrace, "'}'"); err != nil {
		return nil, err
	}
	return &IfExpression{Pos: start.Pos, Cond: cond, Then: thenExpr, Else: elseExpr}, nil
}

func (p *Parser) parseIdentOrCall() (Expr, error) {
	start := p.cur
	name := start.Literal
	if err := p.advance(); err != nil {
		return nil, err
	}

	if p.cur.Kind == TokLParen {
		if err := p.advance(); err != nil {
			return nil, err
		}
		var args []Expr
		for p.cur.Kind != TokRParen {
			arg, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			args = append(args, arg)
			if p.cur.Kind == TokComma {
				if err := p.advance(); err != nil {
					return nil, err
				}
			}
		}
		if _, err := p.expect(TokRParen, "')'"); err != nil {
			return nil, err
		}
		return &FunctionCall{Pos: start.Pos, Name: name, Args: args}, nil
	}

	path := []string{name}
	for p.cur.Kind == TokDot {
		if err := p.advance(); err != nil {
			return nil, err
		}
		seg, err := p.expect(TokIdent, "field name after '.'")
		if err != nil {
			return nil, err
		}
		path = append(path, seg.Literal)
	}
	return &FieldAccess{Pos: start.Pos, Path: path}, nil
}
