package formula

import (
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	defaultRowCount    = 1000
	defaultColumnCount = 26
)

// Sheet is one grid of a document. cells holding a formula keep it in
// Formulas; Cells holds literal values.
type Sheet struct {
	ID          string
	Name        string
	RowCount    int
	ColumnCount int
	Cells       *ObjectMatrix[CellData]
	Formulas    *ObjectMatrix[FormulaCell]
}

// SetValue stores a literal, replacing any formula at the cell
func (s *Sheet) SetValue(row, col int, value Primitive) {
	s.Formulas.Delete(row, col)
	if value == nil {
		s.Cells.Delete(row, col)
	} else {
		s.Cells.Set(row, col, CellData{V: normalizePrimitive(value)})
	}
	s.grow(row, col)
}

// SetFormula stores a formula, replacing any literal at the cell
func (s *Sheet) SetFormula(row, col int, formula string) {
	s.Cells.Delete(row, col)
	s.Formulas.Set(row, col, FormulaCell{F: formula, Row: row, Column: col})
	s.grow(row, col)
}

// Set stores raw at an A1 address: strings starting with '=' are formulas,
// anything else is a literal
func (s *Sheet) Set(address string, raw Primitive) error {
	row, col, err := ParseCellAddress(address)
	if err != nil {
		return &AppError{Code: InvalidArgument, Message: fmt.Sprintf("invalid cell address %q on sheet %s", address, s.ID), Err: err}
	}
	if text, ok := raw.(string); ok && strings.HasPrefix(text, "=") && len(text) > 1 {
		s.SetFormula(row, col, text)
		return nil
	}
	s.SetValue(row, col, raw)
	return nil
}

func (s *Sheet) grow(row, col int) {
	s.RowCount = max(s.RowCount, row+1)
	s.ColumnCount = max(s.ColumnCount, col+1)
}

// normalizePrimitive maps decoded numbers onto float64, the only numeric
// primitive the engine handles
func normalizePrimitive(value Primitive) Primitive {
	switch v := value.(type) {
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case uint64:
		return float64(v)
	case float32:
		return float64(v)
	}
	return value
}

// Document is a workbook: sheets in declaration order plus the catalog of
// defined names and tables
type Document struct {
	Sheets     map[string]*Sheet
	SheetOrder []string
	Catalog    *Catalog
}

func NewDocument() *Document {
	return &Document{
		Sheets:  make(map[string]*Sheet),
		Catalog: NewCatalog(),
	}
}

// AddSheet creates an empty sheet. name defaults to id.
func (d *Document) AddSheet(id, name string) (*Sheet, error) {
	if id == "" {
		return nil, NewApplicationError(InvalidArgument, "sheet id must not be empty")
	}
	if _, exists := d.Sheets[id]; exists {
		return nil, NewApplicationError(AlreadyExists, "duplicate sheet id "+id)
	}
	if name == "" {
		name = id
	}
	for _, other := range d.Sheets {
		if strings.EqualFold(other.Name, name) {
			return nil, NewApplicationError(AlreadyExists, "duplicate sheet name "+name)
		}
	}
	sheet := &Sheet{
		ID:          id,
		Name:        name,
		RowCount:    defaultRowCount,
		ColumnCount: defaultColumnCount,
		Cells:       NewObjectMatrix[CellData](),
		Formulas:    NewObjectMatrix[FormulaCell](),
	}
	d.Sheets[id] = sheet
	d.SheetOrder = append(d.SheetOrder, id)
	return sheet, nil
}

// Sheet finds a sheet by id, then by case-insensitive name
func (d *Document) Sheet(idOrName string) (*Sheet, bool) {
	if sheet, ok := d.Sheets[idOrName]; ok {
		return sheet, true
	}
	for _, id := range d.SheetOrder {
		if strings.EqualFold(d.Sheets[id].Name, idOrName) {
			return d.Sheets[id], true
		}
	}
	return nil, false
}

// Snapshot copies the document's cells into a context no later edit can
// reach. the context is positioned at no cell; use WithCell.
func (d *Document) Snapshot() *Context {
	ctx := &Context{
		SheetData:    make(SheetData, len(d.Sheets)),
		FormulaData:  make(FormulaData, len(d.Sheets)),
		SheetNameMap: make(map[string]string, len(d.Sheets)),
		SheetSizes:   make(map[string]SheetSize, len(d.Sheets)),
	}
	for id, sheet := range d.Sheets {
		cells := NewObjectMatrix[CellData]()
		for pos, cell := range sheet.Cells.All() {
			cells.Set(pos.Row, pos.Column, cell)
		}
		formulas := NewObjectMatrix[FormulaCell]()
		for pos, cell := range sheet.Formulas.All() {
			formulas.Set(pos.Row, pos.Column, cell)
		}
		ctx.SheetData[id] = cells
		ctx.FormulaData[id] = formulas
		ctx.SheetNameMap[sheet.Name] = id
		ctx.SheetSizes[id] = SheetSize{Rows: sheet.RowCount, Columns: sheet.ColumnCount}
	}
	return ctx
}

// Context returns a context over the live document positioned at a cell
func (d *Document) Context(sheetID string, row, col int) (*Context, error) {
	ctx := &Context{
		SheetData:    make(SheetData, len(d.Sheets)),
		FormulaData:  make(FormulaData, len(d.Sheets)),
		SheetNameMap: make(map[string]string, len(d.Sheets)),
		SheetSizes:   make(map[string]SheetSize, len(d.Sheets)),
	}
	for id, sheet := range d.Sheets {
		ctx.SheetData[id] = sheet.Cells
		ctx.FormulaData[id] = sheet.Formulas
		ctx.SheetNameMap[sheet.Name] = id
		ctx.SheetSizes[id] = SheetSize{Rows: sheet.RowCount, Columns: sheet.ColumnCount}
	}
	return d.position(ctx, sheetID, row, col)
}

// position places ctx at a cell and takes the grid size of its sheet
func (d *Document) position(ctx *Context, sheetID string, row, col int) (*Context, error) {
	sheet, ok := d.Sheet(sheetID)
	if !ok {
		return nil, NewApplicationError(NotFound, "unknown sheet "+sheetID)
	}
	next := ctx.WithCell(sheet.ID, row, col)
	next.RowCount = sheet.RowCount
	next.ColumnCount = sheet.ColumnCount
	return next, nil
}

// documentFile is the YAML layout of a workbook
type documentFile struct {
	Sheets []sheetFile       `yaml:"sheets"`
	Names  map[string]string `yaml:"names"`
	Tables []tableFile       `yaml:"tables"`
}

type sheetFile struct {
	ID      string         `yaml:"id"`
	Name    string         `yaml:"name"`
	Rows    int            `yaml:"rows"`
	Columns int            `yaml:"columns"`
	Cells   map[string]any `yaml:"cells"`
}

type tableFile struct {
	Name    string   `yaml:"name"`
	Sheet   string   `yaml:"sheet"`
	Range   string   `yaml:"range"`
	Columns []string `yaml:"columns"`
	Totals  bool     `yaml:"totals"`
}

// LoadDocument reads a YAML workbook:
//
//	sheets:
//	  - id: S1
//	    name: Summary
//	    cells: {A1: 5, A2: 3, A3: "=A1+A2"}
//	names:
//	  TAX: "=0.2"
//	tables:
//	  - {name: Sales, sheet: S1, range: "A1:B4", totals: true}
//
// table columns default to the text of the header row.
func LoadDocument(r io.Reader) (*Document, error) {
	var file documentFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil && err != io.EOF {
		return nil, &AppError{Code: InvalidArgument, Message: "decoding document", Err: err}
	}

	doc := NewDocument()
	for _, sf := range file.Sheets {
		sheet, err := doc.AddSheet(sf.ID, sf.Name)
		if err != nil {
			return nil, err
		}
		if sf.Rows > 0 {
			sheet.RowCount = sf.Rows
		}
		if sf.Columns > 0 {
			sheet.ColumnCount = sf.Columns
		}
		for address, raw := range sf.Cells {
			if err := sheet.Set(address, raw); err != nil {
				return nil, err
			}
		}
	}

	for name, formula := range file.Names {
		if _, ok := ParseCellReference(name); ok {
			return nil, NewApplicationError(InvalidArgument, fmt.Sprintf("defined name %q looks like a cell reference", name))
		}
		doc.Catalog.DefineName(name, formula)
	}

	for _, tf := range file.Tables {
		table, err := doc.tableDefinition(tf)
		if err != nil {
			return nil, err
		}
		doc.Catalog.DefineTable(table)
	}
	return doc, nil
}

func (d *Document) tableDefinition(tf tableFile) (*TableDefinition, error) {
	if tf.Name == "" {
		return nil, NewApplicationError(InvalidArgument, "table without a name")
	}
	if _, exists := d.Catalog.GetTable(tf.Name); exists {
		return nil, NewApplicationError(AlreadyExists, "duplicate table "+tf.Name)
	}
	sheet, ok := d.Sheet(tf.Sheet)
	if !ok {
		return nil, NewApplicationError(NotFound, fmt.Sprintf("table %s: unknown sheet %q", tf.Name, tf.Sheet))
	}
	ref, ok := ParseCellReference(tf.Range)
	if !ok || ref.Sheet() != "" {
		return nil, NewApplicationError(InvalidArgument, fmt.Sprintf("table %s: invalid range %q", tf.Name, tf.Range))
	}
	bounds := ref.Bounds()
	bounds.SheetID = sheet.ID

	titles := tf.Columns
	if len(titles) == 0 {
		for col := bounds.StartColumn; col <= bounds.EndColumn; col++ {
			cell, _ := sheet.Cells.Get(bounds.StartRow, col)
			titles = append(titles, toString(cell.V))
		}
	}
	if len(titles) != bounds.ColumnCount() {
		return nil, NewApplicationError(InvalidArgument, fmt.Sprintf("table %s: %d column titles for %d columns", tf.Name, len(titles), bounds.ColumnCount()))
	}
	titleMap := make(map[string]int, len(titles))
	for i, title := range titles {
		if title == "" {
			title = fmt.Sprintf("Column%d", i+1)
		}
		titleMap[title] = i
	}
	return &TableDefinition{
		Name:      tf.Name,
		SheetID:   sheet.ID,
		Range:     bounds,
		TitleMap:  titleMap,
		HasTotals: tf.Totals,
	}, nil
}
