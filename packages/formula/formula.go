package formula

import (
	"strings"
)

// ASTKey is the normalized rendering of a parsed formula. two formulas with
// the same structure (ignoring whitespace and case of function names) share
// one key and one tree.
type ASTKey string

// FormulaCache stores parsed formulas centrally so cells with the same
// formula share one tree, and tracks which cells use each formula. trees
// depend on the defined names and tables of the interpreter that parsed
// them, so a cache lives no longer than one recalculation pass.
type FormulaCache struct {
	interp *Interpreter

	textIndex map[string]uint32  // formula source -> formula ID
	astIndex  map[ASTKey]uint32  // normalized AST -> formula ID
	astCache  map[uint32]AstNode // formula ID -> cached parsed AST
	refCounts map[uint32]int     // formula ID -> reference count

	cellsUsingFormula map[uint32]map[CellAddress]struct{} // formula ID -> cells using it
	formulaAtCell     map[CellAddress]uint32              // cell -> formula ID (reverse index)

	nextID uint32
}

// NewFormulaCache creates a cache parsing through interp
func NewFormulaCache(interp *Interpreter) *FormulaCache {
	return &FormulaCache{
		interp:            interp,
		textIndex:         make(map[string]uint32),
		astIndex:          make(map[ASTKey]uint32),
		astCache:          make(map[uint32]AstNode),
		refCounts:         make(map[uint32]int),
		cellsUsingFormula: make(map[uint32]map[CellAddress]struct{}),
		formulaAtCell:     make(map[CellAddress]uint32),
		nextID:            1, // 0 means no formula
	}
}

func normalizeFormula(formula string) string {
	return strings.TrimPrefix(strings.TrimSpace(formula), "=")
}

// Intern parses formula unless an equivalent one is cached, records that
// cell uses it, and returns the formula ID and tree
func (fc *FormulaCache) Intern(formula string, cell CellAddress) (uint32, AstNode) {
	if previous, exists := fc.formulaAtCell[cell]; exists {
		fc.release(previous, cell)
	}

	text := normalizeFormula(formula)
	id, exists := fc.textIndex[text]
	if !exists {
		ast := fc.interp.Parse(text)
		key := ASTKey(ast.ToString())
		if shared, ok := fc.astIndex[key]; ok && !containsError(ast) {
			id = shared
		} else {
			id = fc.nextID
			fc.nextID++
			fc.astIndex[key] = id
			fc.astCache[id] = ast
		}
		fc.textIndex[text] = id
	}

	fc.refCounts[id]++
	if fc.cellsUsingFormula[id] == nil {
		fc.cellsUsingFormula[id] = make(map[CellAddress]struct{})
	}
	fc.cellsUsingFormula[id][cell] = struct{}{}
	fc.formulaAtCell[cell] = id
	return id, fc.astCache[id]
}

// error nodes render as their marker only, so trees carrying one are
// never shared by key
func containsError(ast AstNode) bool {
	found := false
	Walk(ast, func(node AstNode) bool {
		if node.NodeType() == NodeTypeError {
			found = true
		}
		return !found
	})
	return found
}

// Release drops cell's use of its formula; the tree is removed with its
// last user
func (fc *FormulaCache) Release(cell CellAddress) bool {
	id, exists := fc.formulaAtCell[cell]
	if !exists {
		return false
	}
	fc.release(id, cell)
	return true
}

func (fc *FormulaCache) release(id uint32, cell CellAddress) {
	delete(fc.formulaAtCell, cell)
	delete(fc.cellsUsingFormula[id], cell)
	fc.refCounts[id]--
	if fc.refCounts[id] > 0 {
		return
	}
	for key, keyID := range fc.astIndex {
		if keyID == id {
			delete(fc.astIndex, key)
		}
	}
	for text, textID := range fc.textIndex {
		if textID == id {
			delete(fc.textIndex, text)
		}
	}
	delete(fc.astCache, id)
	delete(fc.refCounts, id)
	delete(fc.cellsUsingFormula, id)
}

// GetAST returns the cached tree for a formula ID
func (fc *FormulaCache) GetAST(id uint32) (AstNode, bool) {
	ast, exists := fc.astCache[id]
	return ast, exists
}

// GetFormulaAtCell returns the formula ID used by cell
func (fc *FormulaCache) GetFormulaAtCell(cell CellAddress) (uint32, bool) {
	id, exists := fc.formulaAtCell[cell]
	return id, exists
}

// GetCellsUsingFormula returns the cells sharing a formula, sorted
func (fc *FormulaCache) GetCellsUsingFormula(id uint32) []CellAddress {
	cells := make([]CellAddress, 0, len(fc.cellsUsingFormula[id]))
	for cell := range fc.cellsUsingFormula[id] {
		cells = append(cells, cell)
	}
	sortAddresses(cells)
	return cells
}

// GetReferenceCount returns how many cells use a formula
func (fc *FormulaCache) GetReferenceCount(id uint32) int {
	return fc.refCounts[id]
}

// Count returns the number of distinct formulas
func (fc *FormulaCache) Count() int {
	return len(fc.astCache)
}

// TotalReferences returns the number of cells holding a cached formula
func (fc *FormulaCache) TotalReferences() int {
	return len(fc.formulaAtCell)
}
