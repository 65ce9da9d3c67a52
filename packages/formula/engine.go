package formula

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/grailbio/base/log"
)

const updateBuffer = 64

// CellUpdate reports a formula cell whose value changed after the pass that
// computed it returned, because an async call it was waiting on resolved
type CellUpdate struct {
	Address    CellAddress
	Value      NodeValue
	Generation uint64
}

// Engine recalculates every formula of a document. each Calculate starts a
// new generation; async results arriving for an older generation, or for a
// cell that was re-evaluated since the call was launched, are dropped.
type Engine struct {
	options EngineOptions
	updates chan CellUpdate

	mu         sync.Mutex
	generation uint64
	pass       *pass

	closeOnce sync.Once
	closed    chan struct{}
}

func NewEngine(opts ...Option) *Engine {
	return &Engine{
		options: newEngineOptions(opts),
		updates: make(chan CellUpdate, updateBuffer),
		closed:  make(chan struct{}),
	}
}

// Updates delivers cells settled by async resolution. the channel is never
// closed; stop reading after Close.
func (e *Engine) Updates() <-chan CellUpdate {
	return e.updates
}

// Generation returns the generation of the latest pass
func (e *Engine) Generation() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.generation
}

// Close cancels in-flight async calls and stops publishing updates
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		close(e.closed)
		e.mu.Lock()
		defer e.mu.Unlock()
		if e.pass != nil {
			e.pass.cancel()
		}
	})
}

// pass is one generation: the snapshot it evaluates against, the parsed
// trees and the dependency graph. formula results are written back into
// the snapshot so dependents read them as cell values.
type pass struct {
	generation uint64
	doc        *Document
	ctx        context.Context // bounds async calls launched by this pass
	cancel     context.CancelFunc

	interp *Interpreter
	cache  *FormulaCache
	graph  *DependencyGraph
	base   *Context

	order    []CellAddress
	cyclic   map[CellAddress]bool
	formulas map[CellAddress]string
	trees    map[CellAddress]AstNode
	frames   map[CellAddress]*Frame
	versions map[CellAddress]uint64 // bumped on every evaluation of a cell
	results  map[CellAddress]NodeValue
}

// Calculate snapshots doc and evaluates all of its formulas in dependency
// order. cells on a dependency cycle evaluate to #CYCLE!. cells waiting on
// async calls are returned as *AsyncValue and settle later through
// Updates. ctx bounds the synchronous pass; async calls outlive it until
// the next Calculate or Close.
func (e *Engine) Calculate(ctx context.Context, doc *Document) (map[CellAddress]NodeValue, error) {
	if doc == nil {
		return nil, NewApplicationError(InvalidArgument, "nil document")
	}
	if err := ctx.Err(); err != nil {
		return nil, contextError(err, "calculation not started")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.pass != nil {
		e.pass.cancel()
	}
	e.generation++
	p := e.newPass(ctx, doc)
	e.pass = p
	p.build()
	log.Debug.Printf("formula: generation %d: %d formulas, %d distinct, %d graph nodes",
		p.generation, len(p.order), p.cache.Count(), p.graph.NodeCount())
	if len(p.cyclic) > 0 {
		log.Error.Printf("formula: generation %d: %d cells on dependency cycles", p.generation, len(p.cyclic))
	}

	for _, addr := range p.order {
		if err := ctx.Err(); err != nil {
			p.cancel()
			return nil, contextError(err, "calculation interrupted")
		}
		e.evaluate(p, addr)
	}
	return p.snapshotResults(), nil
}

// Recalculate re-evaluates the formulas affected by literal edits to the
// document of the last pass, plus volatile cells and their dependents. edits that add, remove
// or change a formula need a full Calculate.
func (e *Engine) Recalculate(ctx context.Context, changed ...CellAddress) (map[CellAddress]NodeValue, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	p := e.pass
	if p == nil {
		return nil, NewApplicationError(InvalidArgument, "recalculate before calculate")
	}

	dirty := make(map[CellAddress]struct{})
	for _, addr := range changed {
		sheet, ok := p.doc.Sheets[addr.SheetID]
		if !ok {
			return nil, NewApplicationError(NotFound, "unknown sheet "+addr.SheetID)
		}
		formula, isFormula := sheet.Formulas.Get(addr.Row, addr.Column)
		previous, wasFormula := p.formulas[addr]
		switch {
		case isFormula && wasFormula && formula.F == previous:
			dirty[addr] = struct{}{}
		case isFormula || wasFormula:
			return nil, NewApplicationError(InvalidArgument, fmt.Sprintf("formula at %s changed, run a full calculation", addr))
		default:
			cells := p.base.SheetData[addr.SheetID]
			if cell, ok := sheet.Cells.Get(addr.Row, addr.Column); ok {
				cells.Set(addr.Row, addr.Column, cell)
			} else {
				cells.Delete(addr.Row, addr.Column)
			}
		}
		for _, affected := range p.graph.GetAffectedCells(addr) {
			dirty[affected] = struct{}{}
		}
	}
	for _, addr := range p.graph.GetVolatileCells() {
		dirty[addr] = struct{}{}
		for _, affected := range p.graph.GetAffectedCells(addr) {
			dirty[affected] = struct{}{}
		}
	}
	log.Debug.Printf("formula: generation %d: recalculating %d of %d formulas", p.generation, len(dirty), len(p.order))

	for _, addr := range p.order {
		if _, ok := dirty[addr]; !ok {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, contextError(err, "recalculation interrupted")
		}
		e.evaluate(p, addr)
	}
	return p.snapshotResults(), nil
}

// Results returns the latest value of every formula cell
func (e *Engine) Results() map[CellAddress]NodeValue {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pass == nil {
		return map[CellAddress]NodeValue{}
	}
	return e.pass.snapshotResults()
}

// Value returns the latest value of one formula cell
func (e *Engine) Value(addr CellAddress) (NodeValue, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pass == nil {
		return nil, false
	}
	v, ok := e.pass.results[addr]
	return v, ok
}

// Graph returns the dependency graph of the latest pass
func (e *Engine) Graph() *DependencyGraph {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pass == nil {
		return nil
	}
	return e.pass.graph
}

// Evaluate runs an ad hoc formula against the computed values of the latest
// pass, positioned at the top-left cell of sheet, and waits for its async
// calls
func (e *Engine) Evaluate(ctx context.Context, sheet, formula string) (NodeValue, error) {
	e.mu.Lock()
	p := e.pass
	if p == nil {
		e.mu.Unlock()
		return nil, NewApplicationError(InvalidArgument, "evaluate before calculate")
	}
	sheetID, ok := p.sheetID(sheet)
	if !ok {
		e.mu.Unlock()
		return nil, NewApplicationError(NotFound, "unknown sheet "+sheet)
	}
	tree := p.interp.Parse(formula)
	cellCtx := p.cellContext(CellAddress{SheetID: sheetID})
	e.mu.Unlock()

	frame := NewFrame(ctx)
	for {
		e.mu.Lock()
		v := settledValue(p.interp.Execute(tree, cellCtx, frame))
		e.mu.Unlock()

		async, ok := v.(*AsyncValue)
		if !ok {
			return v, nil
		}
		select {
		case <-async.Done():
		case <-ctx.Done():
			return nil, contextError(ctx.Err(), "evaluation interrupted while waiting for async results")
		}
	}
}

func (e *Engine) newPass(ctx context.Context, doc *Document) *pass {
	asyncCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	interp := newInterpreter(doc.Catalog, e.options)
	return &pass{
		generation: e.generation,
		doc:        doc,
		ctx:        asyncCtx,
		cancel:     cancel,
		interp:     interp,
		cache:      NewFormulaCache(interp),
		graph:      NewDependencyGraph(),
		base:       doc.Snapshot(),
		formulas:   make(map[CellAddress]string),
		trees:      make(map[CellAddress]AstNode),
		frames:     make(map[CellAddress]*Frame),
		versions:   make(map[CellAddress]uint64),
		results:    make(map[CellAddress]NodeValue),
	}
}

// build parses every formula and derives the evaluation order
func (p *pass) build() {
	sheetIDs := make([]string, 0, len(p.base.FormulaData))
	for id := range p.base.FormulaData {
		sheetIDs = append(sheetIDs, id)
	}
	sort.Strings(sheetIDs)

	for _, sheetID := range sheetIDs {
		for pos, cell := range p.base.FormulaData[sheetID].All() {
			addr := CellAddress{SheetID: sheetID, Row: pos.Row, Column: pos.Column}
			_, tree := p.cache.Intern(cell.F, addr)
			p.formulas[addr] = cell.F
			p.trees[addr] = tree
			p.graph.SetFormula(addr, cell.F)
			p.collectDependencies(addr, tree)
		}
	}
	p.order, p.cyclic = p.graph.GetCalculationOrder()
}

// collectDependencies resolves every reference of tree from addr and
// records what it reads
func (p *pass) collectDependencies(addr CellAddress, tree AstNode) {
	b := p.cellContext(addr).Binding()
	Walk(tree, func(node AstNode) bool {
		switch n := node.(type) {
		case *ReferenceNode:
			if ref, ok := n.Ref.Resolve(b).(*RangeReference); ok {
				p.graph.AddReference(addr, ref.GetBounds())
			}
		case *FunctionNode:
			if n.Spec != nil && n.Spec.Volatile {
				p.graph.MarkVolatile(addr)
			}
		}
		return true
	})
}

func (p *pass) sheetID(sheet string) (string, bool) {
	if _, ok := p.base.SheetSizes[sheet]; ok {
		return sheet, true
	}
	id, err := p.base.Binding().sheetID(sheet)
	return id, err == nil
}

func (p *pass) cellContext(addr CellAddress) *Context {
	ctx := p.base.WithCell(addr.SheetID, addr.Row, addr.Column)
	size := p.base.SheetSizes[addr.SheetID]
	ctx.RowCount = size.Rows
	ctx.ColumnCount = size.Columns
	return ctx
}

// evaluate runs one formula cell with a fresh frame and stores the result
func (e *Engine) evaluate(p *pass, addr CellAddress) NodeValue {
	p.versions[addr]++
	if p.cyclic[addr] {
		v := NewSpreadsheetError(ErrorCodeCycle, "circular reference at "+addr.String())
		p.store(addr, v)
		return v
	}
	frame := NewFrame(p.ctx)
	p.frames[addr] = frame
	v := p.store(addr, p.interp.Execute(p.trees[addr], p.cellContext(addr), frame))
	if async, ok := v.(*AsyncValue); ok {
		e.watch(p, addr, p.versions[addr], async)
	}
	return v
}

// watch resumes addr once the async calls it waits on resolve
func (e *Engine) watch(p *pass, addr CellAddress, version uint64, async *AsyncValue) {
	log.Debug.Printf("formula: generation %d: %s waiting on %d async calls", p.generation, addr, len(async.Pending))
	go func() {
		select {
		case <-async.Done():
		case <-p.ctx.Done():
			return
		}
		e.resume(p, addr, version)
	}()
}

// resume re-executes addr with the frame its async calls were launched
// from, so only the nodes above the resolved calls are recomputed, then
// re-evaluates the formulas depending on it
func (e *Engine) resume(p *pass, addr CellAddress, version uint64) {
	e.mu.Lock()
	if e.pass != p || p.versions[addr] != version {
		e.mu.Unlock()
		log.Error.Printf("formula: generation %d: discarding stale async result for %s", p.generation, addr)
		return
	}

	v := p.store(addr, p.interp.Execute(p.trees[addr], p.cellContext(addr), p.frames[addr]))
	if async, ok := v.(*AsyncValue); ok {
		e.watch(p, addr, version, async)
		e.mu.Unlock()
		return
	}

	updates := []CellUpdate{{Address: addr, Value: v, Generation: p.generation}}
	affected := make(map[CellAddress]struct{})
	for _, dependent := range p.graph.GetAffectedCells(addr) {
		affected[dependent] = struct{}{}
	}
	for _, dependent := range p.order {
		if _, ok := affected[dependent]; !ok || dependent == addr {
			continue
		}
		updates = append(updates, CellUpdate{Address: dependent, Value: e.evaluate(p, dependent), Generation: p.generation})
	}
	e.mu.Unlock()

	e.publish(p, updates)
}

func (e *Engine) publish(p *pass, updates []CellUpdate) {
	for _, update := range updates {
		select {
		case e.updates <- update:
		case <-p.ctx.Done():
			return
		case <-e.closed:
			return
		}
	}
}

// store records v for addr and writes its scalar into the snapshot
func (p *pass) store(addr CellAddress, v NodeValue) NodeValue {
	v = settledValue(v)
	p.results[addr] = v
	cells := p.base.SheetData[addr.SheetID]
	if cells == nil {
		return v
	}
	cells.Set(addr.Row, addr.Column, CellData{V: cellPrimitive(v)})
	return v
}

func (p *pass) snapshotResults() map[CellAddress]NodeValue {
	out := make(map[CellAddress]NodeValue, len(p.results))
	for addr, v := range p.results {
		out[addr] = v
	}
	return out
}

// settledValue detaches a result from the snapshot: references become
// the values they point at, and a single error cell becomes the error
func settledValue(v NodeValue) NodeValue {
	ref, ok := v.(*RangeReference)
	if !ok {
		return v
	}
	if err := checkMaterializable(ref); err != nil {
		return err
	}
	value := ref.Materialize()
	if err := checkForError(value.Scalar()); err != nil && !value.IsArray() {
		return err
	}
	return value
}

// cellPrimitive is what dependents read from a formula cell. arrays show
// their top-left value, pending cells read as #GETTING_DATA and an empty
// result reads as 0.
func cellPrimitive(v NodeValue) Primitive {
	switch t := v.(type) {
	case *SpreadsheetError:
		return t
	case *AsyncValue:
		return NewSpreadsheetError(ErrorCodeConnect, "")
	case *ValueObject:
		if s := t.Scalar(); s != nil {
			return s
		}
	}
	return 0.0
}
