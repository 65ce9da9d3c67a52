package formula

import (
	"sort"
)

// DependencyNode represents a cell in the dependency graph
type DependencyNode struct {
	// address of *THIS* node
	Address CellAddress

	// cell-to-cell dependencies
	CellPrecedents map[CellAddress]*DependencyNode // cells this cell depends on
	CellDependents map[CellAddress]*DependencyNode // cells that depend on this cell

	// range dependencies (multi-cell references of formula cells)
	RangePrecedents map[RangeAddress]struct{}

	// formula text, empty for cells only referenced by formulas
	Formula string
}

// DependencyGraph tracks which formula cells read which cells and ranges,
// and derives the order formulas must be evaluated in
type DependencyGraph struct {
	nodes          map[CellAddress]*DependencyNode           // all nodes in the graph
	rangeObservers map[RangeAddress]map[CellAddress]struct{} // range -> cells that depend on it
	volatileCells  map[CellAddress]struct{}                  // cells with volatile functions (always recalculate)
}

// NewDependencyGraph creates a new dependency graph
func NewDependencyGraph() *DependencyGraph {
	return &DependencyGraph{
		nodes:          make(map[CellAddress]*DependencyNode),
		rangeObservers: make(map[RangeAddress]map[CellAddress]struct{}),
		volatileCells:  make(map[CellAddress]struct{}),
	}
}

// GetOrCreateNode gets an existing node or creates a new one
func (dg *DependencyGraph) GetOrCreateNode(addr CellAddress) *DependencyNode {
	if node, exists := dg.nodes[addr]; exists {
		return node
	}

	node := &DependencyNode{
		Address:         addr,
		CellPrecedents:  make(map[CellAddress]*DependencyNode),
		CellDependents:  make(map[CellAddress]*DependencyNode),
		RangePrecedents: make(map[RangeAddress]struct{}),
	}
	dg.nodes[addr] = node
	return node
}

// SetFormula sets the formula for a node (creates node if needed)
func (dg *DependencyGraph) SetFormula(addr CellAddress, formula string) {
	dg.GetOrCreateNode(addr).Formula = formula
}

// AddCellDependency adds a cell-to-cell dependency (from depends on to)
func (dg *DependencyGraph) AddCellDependency(from, to CellAddress) {
	fromNode := dg.GetOrCreateNode(from)
	toNode := dg.GetOrCreateNode(to)
	fromNode.CellPrecedents[to] = toNode
	toNode.CellDependents[from] = fromNode
}

// AddRangeDependency adds a cell-to-range dependency (from depends on range)
func (dg *DependencyGraph) AddRangeDependency(from CellAddress, rangeAddr RangeAddress) {
	node := dg.GetOrCreateNode(from)
	node.RangePrecedents[rangeAddr] = struct{}{}

	if dg.rangeObservers[rangeAddr] == nil {
		dg.rangeObservers[rangeAddr] = make(map[CellAddress]struct{})
	}
	dg.rangeObservers[rangeAddr][from] = struct{}{}
}

// AddReference records a dependency on a resolved reference, as a cell
// dependency for single cells and a range dependency otherwise
func (dg *DependencyGraph) AddReference(from CellAddress, rangeAddr RangeAddress) {
	if rangeAddr.RowCount() == 1 && rangeAddr.ColumnCount() == 1 {
		dg.AddCellDependency(from, CellAddress{SheetID: rangeAddr.SheetID, Row: rangeAddr.StartRow, Column: rangeAddr.StartColumn})
		return
	}
	dg.AddRangeDependency(from, rangeAddr)
}

// MarkVolatile marks a cell as containing volatile functions
func (dg *DependencyGraph) MarkVolatile(addr CellAddress) {
	dg.volatileCells[addr] = struct{}{}
}

// IsVolatile checks if a cell contains volatile functions
func (dg *DependencyGraph) IsVolatile(addr CellAddress) bool {
	_, isVolatile := dg.volatileCells[addr]
	return isVolatile
}

// GetVolatileCells returns all cells marked as volatile
func (dg *DependencyGraph) GetVolatileCells() []CellAddress {
	result := make([]CellAddress, 0, len(dg.volatileCells))
	for addr := range dg.volatileCells {
		result = append(result, addr)
	}
	sortAddresses(result)
	return result
}

// GetDirectPrecedents returns cells this cell directly depends on
func (dg *DependencyGraph) GetDirectPrecedents(addr CellAddress) []CellAddress {
	node, exists := dg.nodes[addr]
	if !exists {
		return nil
	}
	result := make([]CellAddress, 0, len(node.CellPrecedents))
	for precedentAddr := range node.CellPrecedents {
		result = append(result, precedentAddr)
	}
	sortAddresses(result)
	return result
}

// GetRangePrecedents returns ranges this cell depends on
func (dg *DependencyGraph) GetRangePrecedents(addr CellAddress) []RangeAddress {
	node, exists := dg.nodes[addr]
	if !exists {
		return nil
	}
	result := make([]RangeAddress, 0, len(node.RangePrecedents))
	for rangeAddr := range node.RangePrecedents {
		result = append(result, rangeAddr)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].String() < result[j].String()
	})
	return result
}

// formulaPrecedents returns the formula cells addr reads, directly or
// through one of its ranges
func (dg *DependencyGraph) formulaPrecedents(node *DependencyNode, formulas []CellAddress) []CellAddress {
	seen := make(map[CellAddress]struct{})
	var result []CellAddress
	for precedentAddr, precedent := range node.CellPrecedents {
		if precedent.Formula != "" {
			seen[precedentAddr] = struct{}{}
			result = append(result, precedentAddr)
		}
	}
	for rangeAddr := range node.RangePrecedents {
		for _, candidate := range formulas {
			if _, dup := seen[candidate]; dup || !rangeAddr.Contains(candidate) {
				continue
			}
			seen[candidate] = struct{}{}
			result = append(result, candidate)
		}
	}
	sortAddresses(result)
	return result
}

// GetCalculationOrder returns formula cells ordered so every cell comes
// after the formula cells it reads, plus the set of cells that sit on a
// dependency cycle (including cells that read themselves). the order is
// deterministic.
func (dg *DependencyGraph) GetCalculationOrder() ([]CellAddress, map[CellAddress]bool) {
	var formulas []CellAddress
	for addr, node := range dg.nodes {
		if node.Formula != "" {
			formulas = append(formulas, addr)
		}
	}
	sortAddresses(formulas)

	edges := make(map[CellAddress][]CellAddress, len(formulas))
	for _, addr := range formulas {
		edges[addr] = dg.formulaPrecedents(dg.nodes[addr], formulas)
	}

	// tarjan's strongly connected components. components are emitted only
	// after every component they read from, which is evaluation order.
	index := make(map[CellAddress]int)
	lowlink := make(map[CellAddress]int)
	onStack := make(map[CellAddress]bool)
	var stack []CellAddress
	var order []CellAddress
	cyclic := make(map[CellAddress]bool)
	next := 0

	var strongConnect func(addr CellAddress)
	strongConnect = func(addr CellAddress) {
		index[addr] = next
		lowlink[addr] = next
		next++
		stack = append(stack, addr)
		onStack[addr] = true

		selfLoop := false
		for _, precedent := range edges[addr] {
			if precedent == addr {
				selfLoop = true
			}
			if _, visited := index[precedent]; !visited {
				strongConnect(precedent)
				lowlink[addr] = min(lowlink[addr], lowlink[precedent])
			} else if onStack[precedent] {
				lowlink[addr] = min(lowlink[addr], index[precedent])
			}
		}

		if lowlink[addr] != index[addr] {
			return
		}
		var component []CellAddress
		for {
			top := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			onStack[top] = false
			component = append(component, top)
			if top == addr {
				break
			}
		}
		sortAddresses(component)
		if len(component) > 1 || selfLoop {
			for _, member := range component {
				cyclic[member] = true
			}
		}
		order = append(order, component...)
	}

	for _, addr := range formulas {
		if _, visited := index[addr]; !visited {
			strongConnect(addr)
		}
	}
	return order, cyclic
}

// HasCycle checks if there are circular dependencies
func (dg *DependencyGraph) HasCycle() bool {
	_, cyclic := dg.GetCalculationOrder()
	return len(cyclic) > 0
}

// GetAffectedCells returns all cells that need recalculation when a cell
// changes: direct and transitive dependents, including cells observing a
// range that contains the changed cell or any affected cell
func (dg *DependencyGraph) GetAffectedCells(addr CellAddress) []CellAddress {
	affected := make(map[CellAddress]struct{})
	queue := []CellAddress{addr}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		var next []CellAddress
		if node, exists := dg.nodes[current]; exists {
			for dependentAddr := range node.CellDependents {
				next = append(next, dependentAddr)
			}
		}
		for rangeAddr, observers := range dg.rangeObservers {
			if !rangeAddr.Contains(current) {
				continue
			}
			for observerAddr := range observers {
				next = append(next, observerAddr)
			}
		}
		for _, candidate := range next {
			if _, seen := affected[candidate]; seen {
				continue
			}
			affected[candidate] = struct{}{}
			queue = append(queue, candidate)
		}
	}

	result := make([]CellAddress, 0, len(affected))
	for affectedAddr := range affected {
		result = append(result, affectedAddr)
	}
	sortAddresses(result)
	return result
}

// NodeCount returns the number of nodes in the graph
func (dg *DependencyGraph) NodeCount() int {
	return len(dg.nodes)
}

// RangeObserverCount returns the number of observed ranges
func (dg *DependencyGraph) RangeObserverCount() int {
	return len(dg.rangeObservers)
}

func sortAddresses(addrs []CellAddress) {
	sort.Slice(addrs, func(i, j int) bool {
		return lessAddress(addrs[i], addrs[j])
	})
}

func lessAddress(a, b CellAddress) bool {
	if a.SheetID != b.SheetID {
		return a.SheetID < b.SheetID
	}
	if a.Row != b.Row {
		return a.Row < b.Row
	}
	return a.Column < b.Column
}
