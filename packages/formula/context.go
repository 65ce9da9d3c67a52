package formula

// Context is the read-only snapshot one evaluation pass runs against. it is
// created once per pass and shared by every cell evaluated in that pass;
// WithCell derives the per-cell view without copying the snapshot.
type Context struct {
	SheetData      SheetData
	FormulaData    FormulaData
	SheetNameMap   map[string]string // sheet name -> sheet id
	CurrentRow     int
	CurrentColumn  int
	CurrentSheetID string
	RowCount       int
	ColumnCount    int
	SheetSizes     map[string]SheetSize // sheet id -> grid size
}

// SheetSize is the configured grid of one sheet
type SheetSize struct {
	Rows    int
	Columns int
}

// WithCell returns a copy of the context positioned at the given cell
func (c *Context) WithCell(sheetID string, row, col int) *Context {
	next := *c
	next.CurrentSheetID = sheetID
	next.CurrentRow = row
	next.CurrentColumn = col
	return &next
}

// Current returns the address of the cell being evaluated
func (c *Context) Current() CellAddress {
	return CellAddress{SheetID: c.CurrentSheetID, Row: c.CurrentRow, Column: c.CurrentColumn}
}

// Binding returns a reference binding with all five inputs applied
func (c *Context) Binding() *Binding {
	b := &Binding{}
	b.SetSheetData(c.SheetData)
	b.SetDefaultSheetID(c.CurrentSheetID)
	b.SetForcedSheetID(c.SheetNameMap)
	b.SetRowCount(c.RowCount)
	b.SetColumnCount(c.ColumnCount)
	b.SetSheetSizes(c.SheetSizes)
	return b
}

type bindingFlag uint8

const (
	boundSheetData bindingFlag = 1 << iota
	boundDefaultSheet
	boundForcedSheet
	boundRowCount
	boundColumnCount

	boundAll = boundSheetData | boundDefaultSheet | boundForcedSheet | boundRowCount | boundColumnCount
)

// Binding carries what a reference needs to materialize. it is a value
// built per execution, so reference objects themselves are never mutated.
type Binding struct {
	sheetData      SheetData
	defaultSheetID string
	sheetNameMap   map[string]string
	rowCount       int
	columnCount    int
	sheetSizes     map[string]SheetSize
	flags          bindingFlag
}

func (b *Binding) SetSheetData(data SheetData) {
	b.sheetData = data
	b.flags |= boundSheetData
}

func (b *Binding) SetDefaultSheetID(sheetID string) {
	b.defaultSheetID = sheetID
	b.flags |= boundDefaultSheet
}

// SetForcedSheetID installs the sheet name -> id map used when a reference
// names a sheet rather than giving its id
func (b *Binding) SetForcedSheetID(sheetNameMap map[string]string) {
	b.sheetNameMap = sheetNameMap
	b.flags |= boundForcedSheet
}

func (b *Binding) SetRowCount(count int) {
	b.rowCount = count
	b.flags |= boundRowCount
}

func (b *Binding) SetColumnCount(count int) {
	b.columnCount = count
	b.flags |= boundColumnCount
}

// SetSheetSizes gives the grid size of every sheet. whole-row and
// whole-column references on another sheet take that sheet's counts; it is
// optional and the bound counts apply when a sheet is missing.
func (b *Binding) SetSheetSizes(sizes map[string]SheetSize) {
	b.sheetSizes = sizes
}

// extent returns the row and column counts of sheetID. the current sheet
// uses the bound counts.
func (b *Binding) extent(sheetID string) (rows, columns int) {
	if sheetID != b.defaultSheetID {
		if size, ok := b.sheetSizes[sheetID]; ok {
			return size.Rows, size.Columns
		}
	}
	return b.rowCount, b.columnCount
}

// Complete reports whether all five binding calls were applied
func (b *Binding) Complete() bool {
	return b != nil && b.flags&boundAll == boundAll
}

// sheetID resolves the sheet written in a reference. an empty sheet means
// the current sheet; names go through the name map first, then a sheet id
// present in the snapshot is accepted as is.
func (b *Binding) sheetID(sheet string) (string, *SpreadsheetError) {
	if sheet == "" {
		return b.defaultSheetID, nil
	}
	if id, ok := b.sheetNameMap[sheet]; ok {
		return id, nil
	}
	for name, id := range b.sheetNameMap {
		if equalFoldASCII(name, sheet) {
			return id, nil
		}
	}
	if _, ok := b.sheetData[sheet]; ok {
		return sheet, nil
	}
	return "", NewSpreadsheetError(ErrorCodeRef, "unknown sheet: "+sheet)
}

func (b *Binding) cells(sheetID string) *ObjectMatrix[CellData] {
	return b.sheetData[sheetID]
}

func equalFoldASCII(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if 'a' <= ca && ca <= 'z' {
			ca -= 'a' - 'A'
		}
		if 'a' <= cb && cb <= 'z' {
			cb -= 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}
