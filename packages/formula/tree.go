package formula

import (
	"fmt"
	"strings"
)

// ParseError reports a malformed formula: unbalanced parentheses, an empty
// operand, an unknown character. it never crosses into evaluation; the
// interpreter turns it into a root-level #ERROR! node.
type ParseError struct {
	Pos     int
	Message string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse error at %d: %s", e.Pos, e.Message)
}

// TokenNodeKind distinguishes leaves from the structural nodes of a token tree
type TokenNodeKind int

const (
	TokenNodeLeaf TokenNodeKind = iota
	TokenNodeFunction
	TokenNodeBinary
	TokenNodePrefix
	TokenNodeSuffix
)

func (k TokenNodeKind) String() string {
	switch k {
	case TokenNodeLeaf:
		return "leaf"
	case TokenNodeFunction:
		return "function"
	case TokenNodeBinary:
		return "binary"
	case TokenNodePrefix:
		return "prefix"
	case TokenNodeSuffix:
		return "suffix"
	}
	return "unknown"
}

// TokenNode is one node of the token tree. leaves carry a literal or
// reference token; internal nodes carry the operator or function token and
// their operands in evaluation order.
type TokenNode struct {
	Kind     TokenNodeKind
	Token    Token
	Children []*TokenNode

	// Suffixes holds postfix operators seen after this operand. the tree
	// builder records them here and SuffixExpressionHandler rewrites them
	// into TokenNodeSuffix nodes.
	Suffixes []Token
}

// String renders the tree as an s-expression, e.g. (+ 1 (* 2 3))
func (n *TokenNode) String() string {
	var sb strings.Builder
	n.write(&sb)
	return sb.String()
}

func (n *TokenNode) write(sb *strings.Builder) {
	if n.Kind == TokenNodeLeaf {
		if n.Token.Type == TokenString {
			sb.WriteString(`"` + strings.ReplaceAll(n.Token.Value, `"`, `""`) + `"`)
		} else {
			sb.WriteString(n.Token.Value)
		}
		for _, s := range n.Suffixes {
			sb.WriteString(s.Value)
		}
		return
	}
	sb.WriteString("(")
	sb.WriteString(n.Token.Value)
	for _, child := range n.Children {
		sb.WriteString(" ")
		child.write(sb)
	}
	sb.WriteString(")")
	for _, s := range n.Suffixes {
		sb.WriteString(s.Value)
	}
}

// BuildTokenTree tokenizes formula and builds its token tree. the leading
// '=' is optional. the returned error is always a *ParseError.
func BuildTokenTree(formula string) (*TokenNode, error) {
	tokens, err := NewLexer(formula).Tokenize()
	if err != nil {
		return nil, err
	}
	b := &treeBuilder{tokens: tokens}
	root, err := b.parseComparison()
	if err != nil {
		return nil, err
	}
	if tok := b.peek(); tok.Type != TokenEOF {
		return nil, &ParseError{Pos: tok.Pos, Message: "unexpected token after expression: " + tok.Value}
	}
	return SuffixExpressionHandler(root), nil
}

// treeBuilder is a recursive descent parser over a validated token stream.
// precedence from lowest: comparison, &, + -, * /, ^ (right-assoc), unary
// prefix, postfix %.
type treeBuilder struct {
	tokens []Token
	pos    int
}

func (b *treeBuilder) peek() Token {
	if b.pos >= len(b.tokens) {
		return Token{Type: TokenEOF}
	}
	return b.tokens[b.pos]
}

func (b *treeBuilder) isBinary(ops ...string) bool {
	tok := b.peek()
	if tok.Type != TokenBinaryOp {
		return false
	}
	for _, op := range ops {
		if tok.Value == op {
			return true
		}
	}
	return false
}

// parseLeftAssoc folds a run of left-associative binary operators
func (b *treeBuilder) parseLeftAssoc(next func() (*TokenNode, error), ops ...string) (*TokenNode, error) {
	left, err := next()
	if err != nil {
		return nil, err
	}
	for b.isBinary(ops...) {
		op := b.peek()
		b.pos++
		right, err := next()
		if err != nil {
			return nil, err
		}
		left = &TokenNode{Kind: TokenNodeBinary, Token: op, Children: []*TokenNode{left, right}}
	}
	return left, nil
}

// parseComparison handles comparison operators (lowest precedence)
func (b *treeBuilder) parseComparison() (*TokenNode, error) {
	return b.parseLeftAssoc(b.parseConcatenation, "=", "<>", "<", "<=", ">", ">=")
}

// parseConcatenation handles string concatenation operator
func (b *treeBuilder) parseConcatenation() (*TokenNode, error) {
	return b.parseLeftAssoc(b.parseAddition, "&")
}

// parseAddition handles addition and subtraction
func (b *treeBuilder) parseAddition() (*TokenNode, error) {
	return b.parseLeftAssoc(b.parseMultiplication, "+", "-")
}

// parseMultiplication handles multiplication and division
func (b *treeBuilder) parseMultiplication() (*TokenNode, error) {
	return b.parseLeftAssoc(b.parsePower, "*", "/")
}

// parsePower handles exponentiation
func (b *treeBuilder) parsePower() (*TokenNode, error) {
	left, err := b.parseUnary()
	if err != nil {
		return nil, err
	}

	// right-associative
	if b.isBinary("^") {
		op := b.peek()
		b.pos++
		right, err := b.parsePower()
		if err != nil {
			return nil, err
		}
		return &TokenNode{Kind: TokenNodeBinary, Token: op, Children: []*TokenNode{left, right}}, nil
	}
	return left, nil
}

// parseUnary handles prefix + and -
func (b *treeBuilder) parseUnary() (*TokenNode, error) {
	tok := b.peek()
	if tok.Type == TokenPrefixOp {
		b.pos++
		operand, err := b.parseUnary() // chained unary operators
		if err != nil {
			return nil, err
		}
		return &TokenNode{Kind: TokenNodePrefix, Token: tok, Children: []*TokenNode{operand}}, nil
	}
	return b.parsePostfix()
}

// parsePostfix records trailing % operators on the operand
func (b *treeBuilder) parsePostfix() (*TokenNode, error) {
	node, err := b.parsePrimary()
	if err != nil {
		return nil, err
	}
	for b.peek().Type == TokenPostfixOp {
		node.Suffixes = append(node.Suffixes, b.peek())
		b.pos++
	}
	return node, nil
}

// parsePrimary handles literals, references, function calls and parentheses
func (b *treeBuilder) parsePrimary() (*TokenNode, error) {
	tok := b.peek()

	switch tok.Type {
	case TokenNumber, TokenString, TokenBoolean, TokenErrorLiteral, TokenReference:
		b.pos++
		return &TokenNode{Kind: TokenNodeLeaf, Token: tok}, nil

	case TokenFunction:
		return b.parseFunctionCall()

	case TokenLeftParen:
		b.pos++
		node, err := b.parseComparison()
		if err != nil {
			return nil, err
		}
		if b.peek().Type != TokenRightParen {
			return nil, &ParseError{Pos: b.peek().Pos, Message: "expected closing parenthesis"}
		}
		b.pos++
		return node, nil

	case TokenEOF:
		return nil, &ParseError{Pos: tok.Pos, Message: "empty operand"}
	}
	return nil, &ParseError{Pos: tok.Pos, Message: "unexpected token: " + tok.Value}
}

// parseFunctionCall parses NAME(arg, ...)
func (b *treeBuilder) parseFunctionCall() (*TokenNode, error) {
	fn := b.peek()
	b.pos++
	if b.peek().Type != TokenLeftParen {
		return nil, &ParseError{Pos: fn.Pos, Message: "expected '(' after function name"}
	}
	b.pos++

	node := &TokenNode{Kind: TokenNodeFunction, Token: fn}
	if b.peek().Type == TokenRightParen {
		b.pos++
		return node, nil
	}

	for {
		arg, err := b.parseComparison()
		if err != nil {
			return nil, err
		}
		node.Children = append(node.Children, arg)

		switch b.peek().Type {
		case TokenRightParen:
			b.pos++
			return node, nil
		case TokenComma:
			b.pos++
		default:
			return nil, &ParseError{Pos: b.peek().Pos, Message: "expected ',' or ')' in function arguments"}
		}
	}
}

// SuffixExpressionHandler rewrites recorded postfix operators into unary
// suffix nodes wrapping their operand. the input tree is left untouched.
func SuffixExpressionHandler(node *TokenNode) *TokenNode {
	if node == nil {
		return nil
	}
	out := &TokenNode{Kind: node.Kind, Token: node.Token}
	if len(node.Children) > 0 {
		out.Children = make([]*TokenNode, len(node.Children))
		for i, child := range node.Children {
			out.Children[i] = SuffixExpressionHandler(child)
		}
	}
	for _, suffix := range node.Suffixes {
		out = &TokenNode{Kind: TokenNodeSuffix, Token: suffix, Children: []*TokenNode{out}}
	}
	return out
}
