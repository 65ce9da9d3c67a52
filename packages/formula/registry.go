package formula

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// NodeFactory classifies one token tree node into an AST node. factories
// are tried in ascending ZIndex order and the first one that returns ok
// wins, so more constrained patterns must carry lower indices.
type NodeFactory interface {
	ZIndex() int
	CheckAndCreateNodeType(node *TokenNode, p *Parser) (AstNode, bool)
}

// Registry is an ordered set of node factories. it is built explicitly and
// handed to the interpreter; nothing registers itself globally.
type Registry struct {
	factories []NodeFactory
}

func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds factories keeping ascending ZIndex order. factories with
// equal ZIndex keep their registration order.
func (r *Registry) Register(factories ...NodeFactory) {
	r.factories = append(r.factories, factories...)
	sort.SliceStable(r.factories, func(i, j int) bool {
		return r.factories[i].ZIndex() < r.factories[j].ZIndex()
	})
}

// Factories returns the factories in the order they are tried
func (r *Registry) Factories() []NodeFactory {
	out := make([]NodeFactory, len(r.factories))
	copy(out, r.factories)
	return out
}

// z-indices of the default factories
const (
	ZIndexFunction    = 10
	ZIndexOperator    = 20
	ZIndexCellRange   = 100
	ZIndexRow         = 110
	ZIndexColumn      = 120
	ZIndexDefinedName = 130
	ZIndexTable       = 140
	ZIndexLiteral     = 200
)

// NewDefaultRegistry registers the standard factories: structural nodes
// first, then reference patterns from most to least specific, then
// literals
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(
		FunctionNodeFactory{},
		OperatorNodeFactory{},
		CellRangeNodeFactory{},
		RowNodeFactory{},
		ColumnNodeFactory{},
		DefinedNameNodeFactory{},
		TableNodeFactory{},
		LiteralNodeFactory{},
	)
	return r
}

// Parser turns a token tree into an AST using the registry. it carries the
// stack of defined names being expanded, so a parser must not be shared
// between goroutines; the interpreter makes one per Parse call.
type Parser struct {
	registry  *Registry
	functions *FunctionRegistry
	loader    DataLoader
	maxDepth  int
	visiting  []string
}

// Loader returns the data loader consulted for names and tables
func (p *Parser) Loader() DataLoader {
	return p.loader
}

// ParseFormula builds the token tree and the AST. a parse error becomes a
// root ErrorNode.
func (p *Parser) ParseFormula(formula string) AstNode {
	tree, err := BuildTokenTree(formula)
	if err != nil {
		return parseErrorNode(err)
	}
	return p.Build(tree)
}

func parseErrorNode(err error) *ErrorNode {
	var pe *ParseError
	pos := NodePosition{}
	if errors.As(err, &pe) {
		pos = NodePosition{Start: pe.Pos, End: pe.Pos}
	}
	return &ErrorNode{Err: NewSpreadsheetError(ErrorCodeError, err.Error()), Position: pos}
}

// Build classifies node with the first matching factory. a node nothing
// matches becomes a #NAME? error.
func (p *Parser) Build(node *TokenNode) AstNode {
	for _, f := range p.registry.factories {
		if ast, ok := f.CheckAndCreateNodeType(node, p); ok {
			return ast
		}
	}
	return &ErrorNode{Err: p.unknownName(node.Token.Value), Position: tokenPosition(node.Token)}
}

func (p *Parser) unknownName(name string) *SpreadsheetError {
	var candidates []string
	if c, ok := p.loader.(interface {
		Names() []string
		TableNames() []string
	}); ok {
		candidates = append(candidates, c.Names()...)
		candidates = append(candidates, c.TableNames()...)
	}
	return nameError("name", name, candidates)
}

// ExpandName parses the formula bound to a defined name and returns it as
// a NameNode. re-entering a name already being expanded yields #CYCLE!.
func (p *Parser) ExpandName(name, formula string, pos NodePosition) AstNode {
	key := strings.ToUpper(name)
	for _, visiting := range p.visiting {
		if visiting == key {
			chain := append(append([]string{}, p.visiting...), key)
			return &ErrorNode{
				Err:      NewSpreadsheetError(ErrorCodeCycle, "circular defined name: "+strings.Join(chain, " -> ")),
				Position: pos,
			}
		}
	}
	if len(p.visiting) >= p.maxDepth {
		return &ErrorNode{
			Err:      NewSpreadsheetError(ErrorCodeCycle, fmt.Sprintf("defined names nested deeper than %d", p.maxDepth)),
			Position: pos,
		}
	}

	p.visiting = append(p.visiting, key)
	defer func() { p.visiting = p.visiting[:len(p.visiting)-1] }()

	tree, err := BuildTokenTree(formula)
	if err != nil {
		return &NameNode{Name: name, Body: parseErrorNode(err), Position: pos}
	}
	return &NameNode{Name: name, Body: p.Build(tree), Position: pos}
}

func isReferenceLeaf(node *TokenNode) bool {
	return node.Kind == TokenNodeLeaf && node.Token.Type == TokenReference
}

// FunctionNodeFactory builds function calls. unknown functions become
// #NAME? with a suggestion.
type FunctionNodeFactory struct{}

func (FunctionNodeFactory) ZIndex() int { return ZIndexFunction }

func (FunctionNodeFactory) CheckAndCreateNodeType(node *TokenNode, p *Parser) (AstNode, bool) {
	if node.Kind != TokenNodeFunction {
		return nil, false
	}
	pos := tokenPosition(node.Token)
	spec, ok := p.functions.Lookup(node.Token.Value)
	if !ok {
		return &ErrorNode{Err: nameError("function", node.Token.Value, p.functions.Names()), Position: pos}, true
	}
	args := make([]AstNode, len(node.Children))
	for i, child := range node.Children {
		args[i] = p.Build(child)
		pos.End = max(pos.End, args[i].GetPosition().End+1)
	}
	return &FunctionNode{Name: spec.Name, Args: args, Spec: spec, Position: pos}, true
}

// OperatorNodeFactory builds binary, prefix and suffix operator nodes
type OperatorNodeFactory struct{}

func (OperatorNodeFactory) ZIndex() int { return ZIndexOperator }

func (OperatorNodeFactory) CheckAndCreateNodeType(node *TokenNode, p *Parser) (AstNode, bool) {
	var kind OperatorKind
	switch node.Kind {
	case TokenNodeBinary:
		kind = OperatorBinary
	case TokenNodePrefix:
		kind = OperatorPrefix
	case TokenNodeSuffix:
		kind = OperatorSuffix
	default:
		return nil, false
	}
	operands := make([]AstNode, len(node.Children))
	pos := tokenPosition(node.Token)
	for i, child := range node.Children {
		operands[i] = p.Build(child)
		childPos := operands[i].GetPosition()
		pos.Start = min(pos.Start, childPos.Start)
		pos.End = max(pos.End, childPos.End)
	}
	return &OperatorNode{Op: node.Token.Value, Kind: kind, Operands: operands, Position: pos}, true
}

// CellRangeNodeFactory matches A1, $A$1, A1:B2 with an optional sheet
type CellRangeNodeFactory struct{}

func (CellRangeNodeFactory) ZIndex() int { return ZIndexCellRange }

func (CellRangeNodeFactory) CheckAndCreateNodeType(node *TokenNode, p *Parser) (AstNode, bool) {
	if !isReferenceLeaf(node) {
		return nil, false
	}
	ref, ok := ParseCellReference(node.Token.Value)
	if !ok {
		return nil, false
	}
	return &ReferenceNode{Ref: ref, Position: tokenPosition(node.Token)}, true
}

// RowNodeFactory matches whole-row references like 3:3
type RowNodeFactory struct{}

func (RowNodeFactory) ZIndex() int { return ZIndexRow }

func (RowNodeFactory) CheckAndCreateNodeType(node *TokenNode, p *Parser) (AstNode, bool) {
	if !isReferenceLeaf(node) {
		return nil, false
	}
	ref, ok := ParseRowReference(node.Token.Value)
	if !ok {
		return nil, false
	}
	return &ReferenceNode{Ref: ref, Position: tokenPosition(node.Token)}, true
}

// ColumnNodeFactory matches whole-column references like A:A
type ColumnNodeFactory struct{}

func (ColumnNodeFactory) ZIndex() int { return ZIndexColumn }

func (ColumnNodeFactory) CheckAndCreateNodeType(node *TokenNode, p *Parser) (AstNode, bool) {
	if !isReferenceLeaf(node) {
		return nil, false
	}
	ref, ok := ParseColumnReference(node.Token.Value)
	if !ok {
		return nil, false
	}
	return &ReferenceNode{Ref: ref, Position: tokenPosition(node.Token)}, true
}

// DefinedNameNodeFactory splices the formula of a defined name in place of
// the name
type DefinedNameNodeFactory struct{}

func (DefinedNameNodeFactory) ZIndex() int { return ZIndexDefinedName }

func (DefinedNameNodeFactory) CheckAndCreateNodeType(node *TokenNode, p *Parser) (AstNode, bool) {
	if !isReferenceLeaf(node) {
		return nil, false
	}
	formula, ok := p.loader.GetDefinedName(node.Token.Value)
	if !ok {
		return nil, false
	}
	return p.ExpandName(node.Token.Value, formula, tokenPosition(node.Token)), true
}

// TableNodeFactory matches Table1, Table1[Col], Table1[[#Headers],[Col]].
// a bracketed reference to an unknown table still matches and resolves to
// #REF!.
type TableNodeFactory struct{}

func (TableNodeFactory) ZIndex() int { return ZIndexTable }

func (TableNodeFactory) CheckAndCreateNodeType(node *TokenNode, p *Parser) (AstNode, bool) {
	if !isReferenceLeaf(node) {
		return nil, false
	}
	name, clause, ok := SplitTableToken(node.Token.Value)
	if !ok {
		return nil, false
	}
	table, known := p.loader.GetTable(name)
	if !known && clause == "" {
		return nil, false
	}
	if !known {
		table = nil
	}
	ref := NewTableReference(node.Token.Value, name, clause, table)
	return &ReferenceNode{Ref: ref, Position: tokenPosition(node.Token)}, true
}

// LiteralNodeFactory builds number, string, boolean and error literals
type LiteralNodeFactory struct{}

func (LiteralNodeFactory) ZIndex() int { return ZIndexLiteral }

func (LiteralNodeFactory) CheckAndCreateNodeType(node *TokenNode, p *Parser) (AstNode, bool) {
	if node.Kind != TokenNodeLeaf {
		return nil, false
	}
	tok := node.Token
	pos := tokenPosition(tok)
	switch tok.Type {
	case TokenNumber:
		val, err := strconv.ParseFloat(tok.Value, 64)
		if err != nil {
			return &ErrorNode{Err: NewSpreadsheetError(ErrorCodeNum, "invalid number: "+tok.Value), Position: pos}, true
		}
		return &ValueNode{Value: val, Position: pos}, true
	case TokenString:
		pos.End = tok.Pos + len([]rune(tok.Value)) + 2
		return &ValueNode{Value: tok.Value, Position: pos}, true
	case TokenBoolean:
		return &ValueNode{Value: tok.Value == "TRUE", Position: pos}, true
	case TokenErrorLiteral:
		return &ErrorNode{Err: NewSpreadsheetError(errorCodeByMarker[tok.Value], ""), Position: pos}, true
	}
	return nil, false
}
