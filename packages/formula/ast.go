package formula

import (
	"fmt"
	"strconv"
	"strings"
)

// NodeType tags the concrete AST node variants
type NodeType int

const (
	NodeTypeReference NodeType = iota
	NodeTypeValue
	NodeTypeOperator
	NodeTypeFunction
	NodeTypeError
	NodeTypeName
)

func (t NodeType) String() string {
	switch t {
	case NodeTypeReference:
		return "Reference"
	case NodeTypeValue:
		return "Value"
	case NodeTypeOperator:
		return "Operator"
	case NodeTypeFunction:
		return "Function"
	case NodeTypeError:
		return "Error"
	case NodeTypeName:
		return "Name"
	}
	return "Unknown"
}

type NodePosition struct {
	Start int
	End   int
}

// AstNode is one evaluable unit of a parsed formula. nodes are immutable
// once built; Execute reads everything it needs from the Execution and
// returns a fresh NodeValue.
type AstNode interface {
	NodeType() NodeType
	Children() []AstNode
	GetPosition() NodePosition
	ToString() string
	Execute(x *Execution) NodeValue
}

func tokenPosition(tok Token) NodePosition {
	return NodePosition{Start: tok.Pos, End: tok.Pos + len([]rune(tok.Value))}
}

// ReferenceNode resolves its reference on every execution. the result stays
// a reference until an operator or function needs cell values.
type ReferenceNode struct {
	Ref      ReferenceObject
	Position NodePosition
}

func (n *ReferenceNode) NodeType() NodeType {
	return NodeTypeReference
}

func (n *ReferenceNode) Children() []AstNode {
	return nil
}

func (n *ReferenceNode) GetPosition() NodePosition {
	return n.Position
}

func (n *ReferenceNode) ToString() string {
	return n.Ref.Token()
}

func (n *ReferenceNode) Execute(x *Execution) NodeValue {
	return n.Ref.Resolve(x.Context.Binding())
}

// ValueNode is a number, string or boolean literal
type ValueNode struct {
	Value    Primitive
	Position NodePosition
}

func (n *ValueNode) NodeType() NodeType {
	return NodeTypeValue
}

func (n *ValueNode) Children() []AstNode {
	return nil
}

func (n *ValueNode) GetPosition() NodePosition {
	return n.Position
}

func (n *ValueNode) ToString() string {
	switch v := n.Value.(type) {
	case string:
		return `"` + strings.ReplaceAll(v, `"`, `""`) + `"`
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64)
	}
	return toString(n.Value)
}

func (n *ValueNode) Execute(x *Execution) NodeValue {
	return NewScalar(n.Value)
}

// ErrorNode always evaluates to its error. it stands for error literals
// typed into a formula, formulas that failed to parse, and tokens nothing
// could classify.
type ErrorNode struct {
	Err      *SpreadsheetError
	Position NodePosition
}

func (n *ErrorNode) NodeType() NodeType {
	return NodeTypeError
}

func (n *ErrorNode) Children() []AstNode {
	return nil
}

func (n *ErrorNode) GetPosition() NodePosition {
	return n.Position
}

func (n *ErrorNode) ToString() string {
	return n.Err.Marker()
}

func (n *ErrorNode) Execute(x *Execution) NodeValue {
	return n.Err
}

// OperatorKind distinguishes infix, prefix and suffix operators
type OperatorKind int

const (
	OperatorBinary OperatorKind = iota
	OperatorPrefix
	OperatorSuffix
)

// OperatorNode applies an operator to one or two operands
type OperatorNode struct {
	Op       string
	Kind     OperatorKind
	Operands []AstNode
	Position NodePosition
}

func (n *OperatorNode) NodeType() NodeType {
	return NodeTypeOperator
}

func (n *OperatorNode) Children() []AstNode {
	return n.Operands
}

func (n *OperatorNode) GetPosition() NodePosition {
	return n.Position
}

func (n *OperatorNode) ToString() string {
	switch n.Kind {
	case OperatorPrefix:
		return n.Op + n.Operands[0].ToString()
	case OperatorSuffix:
		return fmt.Sprintf("(%s%s)", n.Operands[0].ToString(), n.Op)
	}
	return fmt.Sprintf("(%s%s%s)", n.Operands[0].ToString(), n.Op, n.Operands[1].ToString())
}

func (n *OperatorNode) Execute(x *Execution) NodeValue {
	values, dominant := x.evalOperands(n.Operands, false, false)
	if dominant != nil {
		return dominant
	}
	for _, v := range values {
		if err := checkMaterializable(v); err != nil {
			return err
		}
	}
	switch n.Kind {
	case OperatorPrefix, OperatorSuffix:
		return applyUnary(n.Op, values[0])
	}
	return applyBinary(n.Op, values[0], values[1])
}

// FunctionNode calls a registered function. Spec is bound at parse time
// from the interpreter's function registry.
type FunctionNode struct {
	Name     string
	Args     []AstNode
	Spec     *FunctionSpec
	Position NodePosition
}

func (n *FunctionNode) NodeType() NodeType {
	return NodeTypeFunction
}

func (n *FunctionNode) Children() []AstNode {
	return n.Args
}

func (n *FunctionNode) GetPosition() NodePosition {
	return n.Position
}

func (n *FunctionNode) ToString() string {
	args := make([]string, len(n.Args))
	for i, arg := range n.Args {
		args[i] = arg.ToString()
	}
	return fmt.Sprintf("%s(%s)", n.Name, strings.Join(args, ","))
}

func (n *FunctionNode) Execute(x *Execution) NodeValue {
	if n.Spec.Conditional {
		return x.callConditional(n)
	}
	values, dominant := x.evalOperands(n.Args, n.Spec.AcceptsErrors, n.Spec.AcceptsReferences)
	if dominant != nil {
		return dominant
	}
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = functionArg(v, n.Spec.AcceptsReferences)
	}
	if n.Spec.Async != nil {
		return x.callAsync(n, args)
	}
	return functionResult(n.Spec.Call(args...))
}

// NameNode is a defined name spliced into the tree. Body is the parsed
// formula the name stands for.
type NameNode struct {
	Name     string
	Body     AstNode
	Position NodePosition
}

func (n *NameNode) NodeType() NodeType {
	return NodeTypeName
}

func (n *NameNode) Children() []AstNode {
	return []AstNode{n.Body}
}

func (n *NameNode) GetPosition() NodePosition {
	return n.Position
}

func (n *NameNode) ToString() string {
	return n.Name
}

func (n *NameNode) Execute(x *Execution) NodeValue {
	return x.Eval(n.Body)
}

// Walk visits node and its descendants depth-first, parents before
// children. returning false from visit skips the node's children.
func Walk(node AstNode, visit func(AstNode) bool) {
	if node == nil || !visit(node) {
		return
	}
	for _, child := range node.Children() {
		Walk(child, visit)
	}
}
