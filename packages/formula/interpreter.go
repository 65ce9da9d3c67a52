package formula

import (
	"context"
)

const defaultMaxNameDepth = 32

// EngineOptions configures an Interpreter or Engine
type EngineOptions struct {
	Functions    *FunctionRegistry
	Registry     *Registry
	MaxNameDepth int
	Clock        Clock
	Random       RandomGenerator
}

type Option func(*EngineOptions)

// WithFunctions replaces the built-in function registry
func WithFunctions(functions *FunctionRegistry) Option {
	return func(o *EngineOptions) { o.Functions = functions }
}

// WithRegistry replaces the default node factory registry
func WithRegistry(registry *Registry) Option {
	return func(o *EngineOptions) { o.Registry = registry }
}

// WithMaxNameDepth bounds how deeply defined names may nest
func WithMaxNameDepth(depth int) Option {
	return func(o *EngineOptions) { o.MaxNameDepth = depth }
}

// WithClock sets the clock used by NOW and TODAY
func WithClock(clock Clock) Option {
	return func(o *EngineOptions) { o.Clock = clock }
}

// WithRandom sets the generator used by RAND
func WithRandom(rng RandomGenerator) Option {
	return func(o *EngineOptions) { o.Random = rng }
}

func newEngineOptions(opts []Option) EngineOptions {
	var o EngineOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.Registry == nil {
		o.Registry = NewDefaultRegistry()
	}
	if o.Functions == nil {
		o.Functions = NewBuiltInFunctions(o.Clock, o.Random)
	}
	if o.MaxNameDepth <= 0 {
		o.MaxNameDepth = defaultMaxNameDepth
	}
	return o
}

// Interpreter parses formulas into AST trees and walks them against an
// execution context. a parsed tree is never mutated, so one Interpreter can
// evaluate many cells, concurrently, against different contexts.
type Interpreter struct {
	registry     *Registry
	functions    *FunctionRegistry
	loader       DataLoader
	maxNameDepth int
}

// NewInterpreter creates an interpreter. loader supplies defined names and
// tables; it may be nil.
func NewInterpreter(loader DataLoader, opts ...Option) *Interpreter {
	return newInterpreter(loader, newEngineOptions(opts))
}

func newInterpreter(loader DataLoader, o EngineOptions) *Interpreter {
	if loader == nil {
		loader = NewCatalog()
	}
	return &Interpreter{
		registry:     o.Registry,
		functions:    o.Functions,
		loader:       loader,
		maxNameDepth: o.MaxNameDepth,
	}
}

func (in *Interpreter) Functions() *FunctionRegistry {
	return in.functions
}

// Parse builds the AST for formula. it never fails: a malformed formula
// yields a root ErrorNode carrying #ERROR!.
func (in *Interpreter) Parse(formula string) AstNode {
	return in.newParser().ParseFormula(formula)
}

func (in *Interpreter) newParser() *Parser {
	return &Parser{
		registry:  in.registry,
		functions: in.functions,
		loader:    in.loader,
		maxDepth:  in.maxNameDepth,
	}
}

// Execute walks tree post-order against ctx. frame carries node values and
// async futures between calls; pass nil for a one-shot evaluation. the
// result may be an *AsyncValue when an async function is still pending.
func (in *Interpreter) Execute(tree AstNode, ctx *Context, frame *Frame) NodeValue {
	if frame == nil {
		frame = NewFrame(context.Background())
	}
	x := &Execution{Interpreter: in, Context: ctx, Frame: frame}
	return x.Eval(tree)
}

// Evaluate executes tree and, while the result is async, waits for the
// pending futures and re-executes. only the nodes above a resolved call are
// recomputed.
func (in *Interpreter) Evaluate(goctx context.Context, tree AstNode, ctx *Context) (NodeValue, error) {
	frame := NewFrame(goctx)
	for {
		v := in.Execute(tree, ctx, frame)
		async, ok := v.(*AsyncValue)
		if !ok {
			return v, nil
		}
		select {
		case <-async.Done():
		case <-goctx.Done():
			return nil, contextError(goctx.Err(), "evaluation interrupted while waiting for async results")
		}
	}
}

// Execution is the state of one walk over a tree: the interpreter, the
// context snapshot and the frame. nodes receive it in Execute and evaluate
// their children through Eval.
type Execution struct {
	Interpreter *Interpreter
	Context     *Context
	Frame       *Frame
}

// Eval returns the value of node, reusing the frame's value unless it was
// async
func (x *Execution) Eval(node AstNode) NodeValue {
	if v, ok := x.Frame.values[node]; ok && v.Kind() != KindAsync {
		return v
	}
	v := node.Execute(x)
	x.Frame.values[node] = v
	return v
}

// evalOperands evaluates nodes left to right. an error stops the walk and
// becomes the result, unless an earlier operand is still pending: then the
// first error in evaluation order is not known yet and the result is async.
// a single-cell reference holding an error counts as that error unless
// keepReferences is set. with acceptErrors set, errors are returned as
// ordinary operand values.
func (x *Execution) evalOperands(nodes []AstNode, acceptErrors, keepReferences bool) ([]NodeValue, NodeValue) {
	out := make([]NodeValue, len(nodes))
	var pending []*Future
	for i, node := range nodes {
		v := x.Eval(node)
		var err *SpreadsheetError
		switch t := v.(type) {
		case *AsyncValue:
			pending = append(pending, t.Pending...)
		case *SpreadsheetError:
			err = t
		case *RangeReference:
			if !keepReferences {
				err = cellError(t)
			}
		}
		if err != nil && !acceptErrors {
			if len(pending) > 0 {
				return nil, &AsyncValue{Pending: pending}
			}
			return nil, err
		}
		out[i] = v
	}
	if len(pending) > 0 {
		return nil, &AsyncValue{Pending: pending}
	}
	return out, nil
}

// callConditional evaluates the condition, then only the selected branch
func (x *Execution) callConditional(n *FunctionNode) NodeValue {
	if len(n.Args) < 2 || len(n.Args) > 3 {
		return NewSpreadsheetError(ErrorCodeNA, n.Name+" requires 2 or 3 arguments")
	}
	cond := x.Eval(n.Args[0])
	switch cond.(type) {
	case *AsyncValue, *SpreadsheetError:
		return cond
	}
	c := functionArg(cond, false)
	if err := checkForError(c); err != nil {
		return err
	}
	if _, isRange := c.(Range); isRange {
		return NewSpreadsheetError(ErrorCodeValue, n.Name+" condition must be a single value")
	}

	args := []any{c}
	branch := 2
	if isTruthy(c) {
		branch = 1
	}
	if branch < len(n.Args) {
		v := x.Eval(n.Args[branch])
		if v.Kind() == KindAsync {
			return v
		}
		args = append(args, functionArg(v, false))
	}
	return functionResult(n.Spec.Call(args...))
}

// callAsync launches the async call once per frame and afterwards reports
// its state
func (x *Execution) callAsync(n *FunctionNode, args []any) NodeValue {
	if f, ok := x.Frame.futures[n]; ok {
		if v, done := f.Value(); done {
			return v
		}
		return &AsyncValue{Pending: []*Future{f}}
	}
	f := launchAsync(x.Frame.ctx, n.Name, n.Spec.Async, args)
	x.Frame.futures[n] = f
	return &AsyncValue{Pending: []*Future{f}}
}
