package formula

import (
	"errors"
	"testing"
)

func tokenTypes(tokens []Token) []TokenType {
	types := make([]TokenType, len(tokens))
	for i, tok := range tokens {
		types[i] = tok.Type
	}
	return types
}

func TestLexerTokenTypes(t *testing.T) {
	tests := []struct {
		formula string
		want    []TokenType
		values  []string
	}{
		{
			formula: "=1+2",
			want:    []TokenType{TokenNumber, TokenBinaryOp, TokenNumber, TokenEOF},
			values:  []string{"1", "+", "2", ""},
		},
		{
			formula: "=SUM(A1:B2, 'My Sheet'!C3)",
			want:    []TokenType{TokenFunction, TokenLeftParen, TokenReference, TokenComma, TokenReference, TokenRightParen, TokenEOF},
			values:  []string{"SUM", "(", "A1:B2", ",", "'My Sheet'!C3", ")", ""},
		},
		{
			formula: "=-A1%",
			want:    []TokenType{TokenPrefixOp, TokenReference, TokenPostfixOp, TokenEOF},
			values:  []string{"-", "A1", "%", ""},
		},
		{
			formula: `="a""b"&TRUE`,
			want:    []TokenType{TokenString, TokenBinaryOp, TokenBoolean, TokenEOF},
			values:  []string{`a"b`, "&", "TRUE", ""},
		},
		{
			formula: "=3:3",
			want:    []TokenType{TokenReference, TokenEOF},
			values:  []string{"3:3", ""},
		},
		{
			formula: "=Sales[[#Headers],[Amount]]",
			want:    []TokenType{TokenReference, TokenEOF},
			values:  []string{"Sales[[#Headers],[Amount]]", ""},
		},
		{
			formula: "=#N/A<>#NAME?",
			want:    []TokenType{TokenErrorLiteral, TokenBinaryOp, TokenErrorLiteral, TokenEOF},
			values:  []string{"#N/A", "<>", "#NAME?", ""},
		},
		{
			formula: "=sum($A$1, 1.5e3)",
			want:    []TokenType{TokenFunction, TokenLeftParen, TokenReference, TokenComma, TokenNumber, TokenRightParen, TokenEOF},
			values:  []string{"SUM", "(", "$A$1", ",", "1.5e3", ")", ""},
		},
		{
			formula: "=PI()",
			want:    []TokenType{TokenFunction, TokenLeftParen, TokenRightParen, TokenEOF},
			values:  []string{"PI", "(", ")", ""},
		},
	}

	for _, tt := range tests {
		t.Run(tt.formula, func(t *testing.T) {
			tokens, err := NewLexer(tt.formula).Tokenize()
			if err != nil {
				t.Fatalf("Tokenize(%q) failed: %v", tt.formula, err)
			}
			got := tokenTypes(tokens)
			if len(got) != len(tt.want) {
				t.Fatalf("Tokenize(%q) = %v, want %v", tt.formula, got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("token %d: type %v, want %v", i, got[i], tt.want[i])
				}
				if tokens[i].Value != tt.values[i] {
					t.Errorf("token %d: value %q, want %q", i, tokens[i].Value, tt.values[i])
				}
			}
		})
	}
}

func TestLexerPositions(t *testing.T) {
	tokens, err := NewLexer("=A1 + 22").Tokenize()
	if err != nil {
		t.Fatal(err)
	}
	wantPos := []int{1, 4, 6}
	for i, pos := range wantPos {
		if tokens[i].Pos != pos {
			t.Errorf("token %d (%q): pos %d, want %d", i, tokens[i].Value, tokens[i].Pos, pos)
		}
	}
}

func TestBuildTokenTree(t *testing.T) {
	tests := []struct {
		formula string
		want    string
	}{
		{"=1+2*3", "(+ 1 (* 2 3))"},
		{"=(1+2)*3", "(* (+ 1 2) 3)"},
		{"=10-2-3", "(- (- 10 2) 3)"},
		{"=2^3^2", "(^ 2 (^ 3 2))"},
		{"=-2^2", "(^ (- 2) 2)"},
		{"=50%", "(% 50)"},
		{"=(1+2)%", "(% (+ 1 2))"},
		{`=A1&"x"`, `(& A1 "x")`},
		{"=1+2=3", "(= (+ 1 2) 3)"},
		{"=SUM(A1:B2, 3)", "(SUM A1:B2 3)"},
		{"=IF(A1>0, -A1, A1%)", "(IF (> A1 0) (- A1) (% A1))"},
		{"=PI()", "(PI)"},
		{"1+1", "(+ 1 1)"},
	}

	for _, tt := range tests {
		t.Run(tt.formula, func(t *testing.T) {
			tree, err := BuildTokenTree(tt.formula)
			if err != nil {
				t.Fatalf("BuildTokenTree(%q) failed: %v", tt.formula, err)
			}
			if got := tree.String(); got != tt.want {
				t.Errorf("BuildTokenTree(%q) = %s, want %s", tt.formula, got, tt.want)
			}
		})
	}
}

func TestBuildTokenTreeDeterministic(t *testing.T) {
	formula := "=SUM(Sheet2!A1:B3, Sales[Amount]) * -(1+2)% & \"x\""
	first, err := BuildTokenTree(formula)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		again, err := BuildTokenTree(formula)
		if err != nil {
			t.Fatal(err)
		}
		if again.String() != first.String() {
			t.Fatalf("tree changed between builds: %s vs %s", again, first)
		}
	}
}

func TestSuffixExpressionHandlerLeavesInputUntouched(t *testing.T) {
	leaf := &TokenNode{
		Kind:     TokenNodeLeaf,
		Token:    Token{Type: TokenNumber, Value: "5"},
		Suffixes: []Token{{Type: TokenPostfixOp, Value: "%"}},
	}
	out := SuffixExpressionHandler(leaf)
	if out.Kind != TokenNodeSuffix || len(out.Children) != 1 {
		t.Fatalf("expected a suffix node wrapping the leaf, got %s", out)
	}
	if len(leaf.Suffixes) != 1 {
		t.Error("input tree was modified")
	}
}

func TestBuildTokenTreeMalformed(t *testing.T) {
	invalid := []string{
		"=",
		"",
		"=SUM(",
		"=A1:",
		`="hello`,
		"=1+",
		"=(1+2",
		"=1+2)",
		"=1,2",
		"=()",
		"=1 2",
		"=*3",
		"=#BOGUS",
		"=Sales[Amount",
		"='My Sheet",
		"=1 ~ 2",
	}

	for _, formula := range invalid {
		t.Run(formula, func(t *testing.T) {
			_, err := BuildTokenTree(formula)
			if err == nil {
				t.Fatalf("BuildTokenTree(%q) succeeded, want a parse error", formula)
			}
			var pe *ParseError
			if !errors.As(err, &pe) {
				t.Fatalf("BuildTokenTree(%q) error %T is not a *ParseError", formula, err)
			}
		})
	}
}
