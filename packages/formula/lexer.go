package formula

import (
	"strings"
	"unicode"
)

// TokenType represents different types of tokens in formulas
type TokenType int

const (
	TokenEOF TokenType = iota
	TokenNumber
	TokenString
	TokenBoolean
	TokenErrorLiteral
	TokenReference
	TokenFunction
	TokenPrefixOp
	TokenPostfixOp
	TokenBinaryOp
	TokenComma
	TokenLeftParen
	TokenRightParen
)

func (t TokenType) String() string {
	switch t {
	case TokenEOF:
		return "EOF"
	case TokenNumber:
		return "Number"
	case TokenString:
		return "String"
	case TokenBoolean:
		return "Boolean"
	case TokenErrorLiteral:
		return "Error"
	case TokenReference:
		return "Reference"
	case TokenFunction:
		return "Function"
	case TokenPrefixOp:
		return "Prefix"
	case TokenPostfixOp:
		return "Postfix"
	case TokenBinaryOp:
		return "Binary"
	case TokenComma:
		return "Comma"
	case TokenLeftParen:
		return "LParen"
	case TokenRightParen:
		return "RParen"
	}
	return "Unknown"
}

// character classification constants. slightly easier to read.
const (
	charNull       = 0
	charTab        = '\t'
	charNewline    = '\n'
	charReturn     = '\r'
	charSpace      = ' '
	charQuote      = '"'
	charApostrophe = '\''
	charPercent    = '%'
	charAmpersand  = '&'
	charLParen     = '('
	charRParen     = ')'
	charAsterisk   = '*'
	charPlus       = '+'
	charComma      = ','
	charMinus      = '-'
	charPeriod     = '.'
	charSlash      = '/'
	charColon      = ':'
	charLess       = '<'
	charEqual      = '='
	charGreater    = '>'
	charCaret      = '^'
	charUnderscore = '_'
	charExclaim    = '!'
	charDollar     = '$'
	charHash       = '#'
	charLBracket   = '['
	charRBracket   = ']'
	charBackslash  = '\\'
)

// TokenState represents the lexer state for validation
type TokenState int

const (
	StateStart TokenState = iota
	StateAfterValue
	StateAfterOperator
	StateAfterLeftParen
	StateAfterFunction
	StateAfterComma
)

var operandTokens = map[TokenType]bool{
	TokenNumber:       true,
	TokenString:       true,
	TokenBoolean:      true,
	TokenErrorLiteral: true,
	TokenReference:    true,
	TokenFunction:     true,
	TokenLeftParen:    true,
	TokenPrefixOp:     true,
}

// tokenTransitions maps the current state to valid next token types. an
// operator followed by another binary operator or a closing paren is the
// empty operand case.
var tokenTransitions = map[TokenState]map[TokenType]bool{
	StateStart:         operandTokens,
	StateAfterOperator: operandTokens,
	StateAfterComma:    operandTokens,
	StateAfterLeftParen: {
		TokenNumber:       true,
		TokenString:       true,
		TokenBoolean:      true,
		TokenErrorLiteral: true,
		TokenReference:    true,
		TokenFunction:     true,
		TokenLeftParen:    true,
		TokenPrefixOp:     true,
		TokenRightParen:   true, // only for arg-less calls like PI(); checked in validateTransition
	},
	StateAfterFunction: {
		TokenLeftParen: true,
	},
	StateAfterValue: {
		TokenBinaryOp:   true,
		TokenPostfixOp:  true,
		TokenRightParen: true,
		TokenComma:      true, // only inside a function call
		TokenEOF:        true,
	},
}

// Token represents a lexical token with position information
type Token struct {
	Type  TokenType
	Value string
	Pos   int // rune position in input
}

// errorLiterals are matched longest first so "#N/A" does not shadow
// "#NAME?"
var errorLiterals = []string{
	"#GETTING_DATA",
	"#VALUE!",
	"#CYCLE!",
	"#ERROR!",
	"#DIV/0!",
	"#NAME?",
	"#NULL!",
	"#NUM!",
	"#REF!",
	"#N/A",
}

// Lexer tokenizes spreadsheet formula expressions. references of every kind
// (cells, ranges, rows, columns, sheet-qualified, tables, bare names) come
// out as a single TokenReference; classifying them is the registry's job.
type Lexer struct {
	runes      []rune
	pos        int
	state      TokenState
	parenStack []bool // true when the paren opened a function call
	tokens     []Token
}

// NewLexer creates a new lexer for the given formula. a leading '=' is
// accepted and skipped.
func NewLexer(input string) *Lexer {
	return &Lexer{
		runes: []rune(input),
		state: StateStart,
	}
}

// Tokenize tokenizes the entire input. the returned error is always a
// *ParseError.
func (l *Lexer) Tokenize() ([]Token, error) {
	l.pos = 0
	l.state = StateStart
	l.parenStack = l.parenStack[:0]
	l.tokens = nil

	if len(l.runes) > 0 && l.runes[0] == charEqual {
		l.pos++
	}
	l.skipWhitespace()
	if l.pos >= len(l.runes) {
		return nil, &ParseError{Pos: l.pos, Message: "empty formula"}
	}

	for {
		l.skipWhitespace()
		if l.pos >= len(l.runes) {
			break
		}
		tok, err := l.nextToken()
		if err != nil {
			return nil, err
		}
		if !l.validateTransition(tok.Type) {
			return nil, &ParseError{Pos: tok.Pos, Message: "unexpected token: " + tok.Value}
		}
		l.tokens = append(l.tokens, tok)
		l.updateState(tok.Type)
	}

	if !l.validateTransition(TokenEOF) {
		return nil, &ParseError{Pos: l.pos, Message: "unexpected end of formula"}
	}
	if len(l.parenStack) > 0 {
		return nil, &ParseError{Pos: l.pos, Message: "unbalanced parentheses: missing closing parenthesis"}
	}

	l.tokens = append(l.tokens, Token{Type: TokenEOF, Pos: l.pos})
	return l.tokens, nil
}

// validateTransition checks if the token type is valid in current state
func (l *Lexer) validateTransition(tokenType TokenType) bool {
	validTokens, exists := tokenTransitions[l.state]
	if !exists || !validTokens[tokenType] {
		return false
	}
	inCall := len(l.parenStack) > 0 && l.parenStack[len(l.parenStack)-1]
	switch {
	case tokenType == TokenComma:
		return inCall
	case tokenType == TokenRightParen && l.state == StateAfterLeftParen:
		return inCall
	case tokenType == TokenRightParen:
		return len(l.parenStack) > 0
	}
	return true
}

// updateState updates the lexer state based on the token type
func (l *Lexer) updateState(tokenType TokenType) {
	switch tokenType {
	case TokenNumber, TokenString, TokenBoolean, TokenErrorLiteral, TokenReference:
		l.state = StateAfterValue
	case TokenPrefixOp, TokenBinaryOp:
		l.state = StateAfterOperator
	case TokenPostfixOp:
		// postfix operators don't change state
	case TokenFunction:
		l.state = StateAfterFunction
	case TokenLeftParen:
		l.parenStack = append(l.parenStack, l.state == StateAfterFunction)
		l.state = StateAfterLeftParen
	case TokenRightParen:
		l.parenStack = l.parenStack[:len(l.parenStack)-1]
		l.state = StateAfterValue
	case TokenComma:
		l.state = StateAfterComma
	}
}

// nextToken returns the next token from the input
func (l *Lexer) nextToken() (Token, error) {
	startPos := l.pos
	ch := l.current()

	switch {
	case ch == charQuote:
		return l.scanString()
	case ch == charHash:
		return l.scanErrorLiteral()
	case ch == charApostrophe || ch == charDollar:
		return l.scanReference()
	case l.isDigit(ch):
		if l.isRowRange() {
			return l.scanReference()
		}
		return l.scanNumber(), nil
	case ch == charPeriod && l.isDigit(l.peek(1)):
		return l.scanNumber(), nil
	case l.isAlpha(ch) || ch == charUnderscore || ch == charBackslash:
		return l.scanReference()
	}

	switch ch {
	case charLParen:
		l.pos++
		return Token{Type: TokenLeftParen, Value: "(", Pos: startPos}, nil
	case charRParen:
		l.pos++
		if len(l.parenStack) == 0 {
			return Token{}, &ParseError{Pos: startPos, Message: "unbalanced parentheses: too many closing parentheses"}
		}
		return Token{Type: TokenRightParen, Value: ")", Pos: startPos}, nil
	case charComma:
		l.pos++
		return Token{Type: TokenComma, Value: ",", Pos: startPos}, nil
	case charPlus, charMinus:
		l.pos++
		if l.isUnaryContext() {
			return Token{Type: TokenPrefixOp, Value: string(ch), Pos: startPos}, nil
		}
		return Token{Type: TokenBinaryOp, Value: string(ch), Pos: startPos}, nil
	case charPercent:
		l.pos++
		return Token{Type: TokenPostfixOp, Value: "%", Pos: startPos}, nil
	case charAsterisk, charSlash, charCaret, charAmpersand, charEqual, charLess, charGreater:
		return l.scanBinaryOp(), nil
	}

	return Token{}, &ParseError{Pos: startPos, Message: "unexpected character: " + string(ch)}
}

// helper methods for character navigation and classification

func (l *Lexer) substring(start, end int) string {
	if start < 0 || end > len(l.runes) || start > end {
		return ""
	}
	return string(l.runes[start:end])
}

func (l *Lexer) current() rune {
	if l.pos >= len(l.runes) {
		return charNull
	}
	return l.runes[l.pos]
}

func (l *Lexer) peek(offset int) rune {
	pos := l.pos + offset
	if pos >= len(l.runes) || pos < 0 {
		return charNull
	}
	return l.runes[pos]
}

func (l *Lexer) skipWhitespace() {
	for l.pos < len(l.runes) {
		ch := l.current()
		if ch == charSpace || ch == charTab || ch == charNewline || ch == charReturn {
			l.pos++
		} else {
			break
		}
	}
}

func (l *Lexer) isDigit(ch rune) bool {
	return ch >= '0' && ch <= '9'
}

func (l *Lexer) isAlpha(ch rune) bool {
	return unicode.IsLetter(ch)
}

// isWordChar reports characters that may appear inside an unquoted
// reference or name
func (l *Lexer) isWordChar(ch rune) bool {
	return l.isAlpha(ch) || l.isDigit(ch) || ch == charUnderscore || ch == charPeriod ||
		ch == charDollar || ch == charBackslash
}

// isRowRange reports whether the input at pos is a row reference like
// 1:3 or 1:$3 rather than a number
func (l *Lexer) isRowRange() bool {
	i := l.pos
	for i < len(l.runes) && l.isDigit(l.runes[i]) {
		i++
	}
	if i >= len(l.runes) || l.runes[i] != charColon {
		return false
	}
	i++
	if i < len(l.runes) && l.runes[i] == charDollar {
		i++
	}
	return i < len(l.runes) && l.isDigit(l.runes[i])
}

// scanNumber scans a number token including decimals and scientific notation
func (l *Lexer) scanNumber() Token {
	startPos := l.pos

	// scan integer part
	for l.pos < len(l.runes) && l.isDigit(l.current()) {
		l.pos++
	}

	// check for decimal part
	if l.current() == charPeriod && l.isDigit(l.peek(1)) {
		l.pos++ // consume '.'
		for l.pos < len(l.runes) && l.isDigit(l.current()) {
			l.pos++
		}
	}

	// check for scientific notation (e or E)
	if l.current() == 'e' || l.current() == 'E' {
		savedPos := l.pos
		l.pos++ // consume 'e' or 'E'

		// optional + or - sign
		if l.current() == charPlus || l.current() == charMinus {
			l.pos++
		}

		// must have at least one digit after e/E
		if !l.isDigit(l.current()) {
			l.pos = savedPos
		} else {
			for l.pos < len(l.runes) && l.isDigit(l.current()) {
				l.pos++
			}
		}
	}

	return Token{Type: TokenNumber, Value: l.substring(startPos, l.pos), Pos: startPos}
}

// scanString scans a string literal with support for double-quote escapes
func (l *Lexer) scanString() (Token, error) {
	startPos := l.pos
	l.pos++ // consume opening quote

	var result []rune
	for l.pos < len(l.runes) {
		ch := l.current()
		if ch == charQuote {
			if l.peek(1) == charQuote {
				result = append(result, charQuote)
				l.pos += 2
				continue
			}
			l.pos++ // consume closing quote
			return Token{Type: TokenString, Value: string(result), Pos: startPos}, nil
		}
		result = append(result, ch)
		l.pos++
	}

	return Token{}, &ParseError{Pos: startPos, Message: "unclosed string literal"}
}

// scanErrorLiteral scans an error value typed directly into a formula, e.g. #REF!
func (l *Lexer) scanErrorLiteral() (Token, error) {
	startPos := l.pos
	rest := strings.ToUpper(l.substring(l.pos, len(l.runes)))
	for _, marker := range errorLiterals {
		if strings.HasPrefix(rest, marker) {
			l.pos += len([]rune(marker))
			return Token{Type: TokenErrorLiteral, Value: marker, Pos: startPos}, nil
		}
	}
	return Token{}, &ParseError{Pos: startPos, Message: "unknown error literal"}
}

// scanWord consumes a run of word characters
func (l *Lexer) scanWord() string {
	start := l.pos
	for l.pos < len(l.runes) && l.isWordChar(l.current()) {
		l.pos++
	}
	return l.substring(start, l.pos)
}

// scanReference scans anything that names data: cells, ranges, rows,
// columns, sheet-qualified references, table references and defined names.
// identifiers followed by '(' become function tokens and TRUE/FALSE become
// booleans.
func (l *Lexer) scanReference() (Token, error) {
	startPos := l.pos
	qualified := false

	if l.current() == charApostrophe {
		if err := l.scanQuotedSheet(); err != nil {
			return Token{}, err
		}
		qualified = true
	}

	word := l.scanWord()
	if !qualified && l.current() == charExclaim {
		l.pos++ // consume !
		qualified = true
		word = l.scanWord()
	}
	if word == "" {
		return Token{}, &ParseError{Pos: startPos, Message: "invalid reference after sheet name"}
	}

	if !qualified {
		upper := strings.ToUpper(word)
		if l.current() == charLParen {
			return Token{Type: TokenFunction, Value: upper, Pos: startPos}, nil
		}
		if upper == "TRUE" || upper == "FALSE" {
			return Token{Type: TokenBoolean, Value: upper, Pos: startPos}, nil
		}
	}

	// range tail: A1:B2, 1:3, A:C
	if l.current() == charColon && l.isWordChar(l.peek(1)) {
		l.pos++ // consume ':'
		l.scanWord()
	}

	// structured table reference: Table1[...]
	if l.current() == charLBracket {
		if err := l.scanBrackets(); err != nil {
			return Token{}, err
		}
	}

	return Token{Type: TokenReference, Value: l.substring(startPos, l.pos), Pos: startPos}, nil
}

// scanQuotedSheet consumes 'Sheet Name'! including the '!'. doubled
// apostrophes escape a literal apostrophe.
func (l *Lexer) scanQuotedSheet() error {
	startPos := l.pos
	l.pos++ // consume opening apostrophe
	for l.pos < len(l.runes) {
		if l.current() == charApostrophe {
			if l.peek(1) == charApostrophe {
				l.pos += 2
				continue
			}
			l.pos++
			if l.current() != charExclaim {
				return &ParseError{Pos: startPos, Message: "expected ! after quoted sheet name"}
			}
			l.pos++
			return nil
		}
		l.pos++
	}
	return &ParseError{Pos: startPos, Message: "unclosed sheet name"}
}

// scanBrackets consumes a balanced [...] group, allowing nested brackets
// such as Table1[[#Headers],[Amount]]
func (l *Lexer) scanBrackets() error {
	startPos := l.pos
	depth := 0
	for l.pos < len(l.runes) {
		switch l.current() {
		case charLBracket:
			depth++
		case charRBracket:
			depth--
			if depth == 0 {
				l.pos++
				return nil
			}
		}
		l.pos++
	}
	return &ParseError{Pos: startPos, Message: "unclosed table reference"}
}

// scanBinaryOp scans binary operators
func (l *Lexer) scanBinaryOp() Token {
	startPos := l.pos
	ch := l.current()
	l.pos++

	switch ch {
	case charLess:
		if l.current() == charEqual {
			l.pos++
			return Token{Type: TokenBinaryOp, Value: "<=", Pos: startPos}
		} else if l.current() == charGreater {
			l.pos++
			return Token{Type: TokenBinaryOp, Value: "<>", Pos: startPos}
		}
	case charGreater:
		if l.current() == charEqual {
			l.pos++
			return Token{Type: TokenBinaryOp, Value: ">=", Pos: startPos}
		}
	}
	return Token{Type: TokenBinaryOp, Value: string(ch), Pos: startPos}
}

// isUnaryContext checks if the current context allows for unary operators
func (l *Lexer) isUnaryContext() bool {
	switch l.state {
	case StateStart, StateAfterOperator, StateAfterLeftParen, StateAfterComma:
		return true
	default:
		return false
	}
}
