package lang

import "testing"

func TestLexerTokenizesOperators(t *testing.T) {
	lex := NewLexer(`== != <= >= && || ! . , : ( ) { }`)
	want := []TokenKind{TokEq, TokNeq, TokLte, TokGte, TokAnd, TokOr, TokNot,
		TokDot, TokComma, TokColon, TokLParen, TokRParen, TokLBrace, TokRBrace, TokEOF}
	for i, w := range want {
		tok, err := lex.Next()
		if err != nil {
			t.Fatalf("token %d: unexpected error: %v", i, err)
		}
		if tok.Kind != w {
			t.Fatalf("token %d: got kind %v, want %v", i, tok.Kind, w)
		}
	}
}

func TestLexerSkipsLineComments(t *testing.T) {
	lex := NewLexer("// a comment\n42")
	tok, err := lex.Next()
	if err != nil {
		t.Fatal(err)
	}
	if tok.Kind != TokInt || tok.Literal != "42" {
		t.Fatalf("got %+v, want int 42", tok)
	}
}

func TestLexerStringEscapes(t *testing.T) {
	lex := NewLexer(`"hello\nworld"`)
	tok, err := lex.Next()
	if err != nil {
		t.Fatal(err)
	}
	if tok.Literal != "hello\nworld" {
		t.Fatalf("got %q", tok.Literal)
	}
}

func TestLexerUnterminatedString(t *testing.T) {
	lex := NewLexer(`"unterminated`)
	if _, err := lex.Next(); err == nil {
		t.Fatal("expected error for unterminated string")
	}
}

func TestLexerKeywordsVsIdents(t *testing.T) {
	lex := NewLexer("policy requires triggersX")
	tok1, _ := lex.Next()
	tok2, _ := lex.Next()
	tok3, _ := lex.Next()
	if tok1.Kind != TokPolicy || tok2.Kind != TokRequires {
		t.Fatalf("keyword detection failed: %+v %+v", tok1, tok2)
	}
	if tok3.Kind != TokIdent {
		t.Fatalf("triggersX should be an identifier, got %v", tok3.Kind)
	}
}
