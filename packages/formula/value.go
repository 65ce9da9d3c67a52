package formula

import (
	"fmt"
	"iter"
	"strconv"
	"strings"
)

// NodeValueKind tags the variants a NodeValue can take
type NodeValueKind uint8

const (
	KindValue NodeValueKind = iota
	KindReference
	KindError
	KindAsync
)

func (k NodeValueKind) String() string {
	switch k {
	case KindValue:
		return "value"
	case KindReference:
		return "reference"
	case KindError:
		return "error"
	case KindAsync:
		return "async"
	}
	return "unknown"
}

// NodeValue is the result carried between AST nodes. the concrete types are
// *ValueObject, *RangeReference, *SpreadsheetError and *AsyncValue.
type NodeValue interface {
	Kind() NodeValueKind
}

// Range represents a lazy sequence of cell values. both resolved references
// and array values satisfy it, so functions can aggregate either.
type Range interface {
	IterateValues() iter.Seq[Primitive]
}

// ValueObject wraps a scalar or a 2-D array with declared extents
type ValueObject struct {
	scalar Primitive
	rows   [][]Primitive
	array  bool
}

// NewScalar wraps a single primitive. errors must be passed as
// *SpreadsheetError values instead.
func NewScalar(value Primitive) *ValueObject {
	return &ValueObject{scalar: value}
}

// NewArray wraps rows of primitives. ragged rows are padded with nil so the
// array is always rectangular.
func NewArray(rows [][]Primitive) *ValueObject {
	width := 0
	for _, row := range rows {
		width = max(width, len(row))
	}
	padded := make([][]Primitive, len(rows))
	for i, row := range rows {
		padded[i] = make([]Primitive, width)
		copy(padded[i], row)
	}
	return &ValueObject{rows: padded, array: true}
}

func (v *ValueObject) Kind() NodeValueKind {
	return KindValue
}

func (v *ValueObject) IsArray() bool {
	return v.array
}

// Scalar returns the wrapped primitive. for arrays it returns the top-left
// element, which is how a range collapses when a single value is needed.
func (v *ValueObject) Scalar() Primitive {
	if !v.array {
		return v.scalar
	}
	if len(v.rows) == 0 || len(v.rows[0]) == 0 {
		return nil
	}
	return v.rows[0][0]
}

func (v *ValueObject) RowCount() int {
	if !v.array {
		return 1
	}
	return len(v.rows)
}

func (v *ValueObject) ColumnCount() int {
	if !v.array {
		return 1
	}
	if len(v.rows) == 0 {
		return 0
	}
	return len(v.rows[0])
}

// At returns the element at row/col. scalars and single-row/single-column
// arrays broadcast along the missing dimension; out-of-range positions on a
// larger array yield #N/A, as spreadsheets do for mismatched array sizes.
func (v *ValueObject) At(row, col int) Primitive {
	if !v.array {
		return v.scalar
	}
	rows, cols := v.RowCount(), v.ColumnCount()
	if rows == 1 {
		row = 0
	}
	if cols == 1 {
		col = 0
	}
	if row >= rows || col >= cols {
		return NewSpreadsheetError(ErrorCodeNA, "array dimensions do not match")
	}
	return v.rows[row][col]
}

// IterateValues walks the value in row-major order
func (v *ValueObject) IterateValues() iter.Seq[Primitive] {
	return func(yield func(Primitive) bool) {
		if !v.array {
			yield(v.scalar)
			return
		}
		for _, row := range v.rows {
			for _, value := range row {
				if !yield(value) {
					return
				}
			}
		}
	}
}

func (v *ValueObject) String() string {
	if !v.array {
		return DisplayPrimitive(v.scalar)
	}
	rows := make([]string, len(v.rows))
	for i, row := range v.rows {
		cells := make([]string, len(row))
		for j, value := range row {
			cells[j] = DisplayPrimitive(value)
		}
		rows[i] = strings.Join(cells, ",")
	}
	return "{" + strings.Join(rows, ";") + "}"
}

// RangeReference is a resolved reference to a rectangular range on one sheet.
// it is not dereferenced until an operator or function needs cell values.
type RangeReference struct {
	Address RangeAddress
	cells   *ObjectMatrix[CellData]
}

// NewRangeReference binds a resolved address to the sheet snapshot it reads
func NewRangeReference(address RangeAddress, cells *ObjectMatrix[CellData]) *RangeReference {
	return &RangeReference{Address: address, cells: cells}
}

func (r *RangeReference) Kind() NodeValueKind {
	return KindReference
}

// GetBounds returns the range boundaries
func (r *RangeReference) GetBounds() RangeAddress {
	return r.Address
}

// Iterate returns the populated cells of the range in row-major order.
// empty positions are skipped, so a whole-column range over a few values
// costs a few steps.
func (r *RangeReference) Iterate() iter.Seq2[CellAddress, Primitive] {
	return func(yield func(CellAddress, Primitive) bool) {
		a := r.Address
		for pos, cell := range r.cells.Region(a.StartRow, a.StartColumn, a.EndRow, a.EndColumn) {
			if !yield(CellAddress{SheetID: a.SheetID, Row: pos.Row, Column: pos.Column}, cell.V) {
				return
			}
		}
	}
}

// IterateValues returns an iterator over the populated cell values
func (r *RangeReference) IterateValues() iter.Seq[Primitive] {
	return func(yield func(Primitive) bool) {
		for _, value := range r.Iterate() {
			if !yield(value) {
				return
			}
		}
	}
}

// MaxMaterializedCells caps how many positions a reference may expand to
// when every value of it is needed, as operands of an operator or as a
// cell result
const MaxMaterializedCells = 1 << 20

// checkMaterializable returns #NUM! when v is a reference larger than
// MaxMaterializedCells
func checkMaterializable(v NodeValue) *SpreadsheetError {
	ref, ok := v.(*RangeReference)
	if !ok {
		return nil
	}
	if size := ref.Address.RowCount() * ref.Address.ColumnCount(); size > MaxMaterializedCells {
		return NewSpreadsheetError(ErrorCodeNum, fmt.Sprintf("range %s has %d cells, more than %d can be expanded", ref.Address, size, MaxMaterializedCells))
	}
	return nil
}

// Materialize dereferences the range into concrete values. a single cell
// becomes a scalar. callers check the size with checkMaterializable first.
func (r *RangeReference) Materialize() *ValueObject {
	a := r.Address
	if a.RowCount() == 1 && a.ColumnCount() == 1 {
		var value Primitive
		if cell, ok := r.cells.Get(a.StartRow, a.StartColumn); ok {
			value = cell.V
		}
		return NewScalar(value)
	}
	rows := make([][]Primitive, a.RowCount())
	for i := range rows {
		rows[i] = make([]Primitive, a.ColumnCount())
	}
	for pos, cell := range r.cells.Region(a.StartRow, a.StartColumn, a.EndRow, a.EndColumn) {
		rows[pos.Row-a.StartRow][pos.Column-a.StartColumn] = cell.V
	}
	return NewArray(rows)
}

// cellError returns the error held by a single-cell reference
func cellError(v NodeValue) *SpreadsheetError {
	ref, ok := v.(*RangeReference)
	if !ok || ref.Address.RowCount() != 1 || ref.Address.ColumnCount() != 1 {
		return nil
	}
	cell, ok := ref.cells.Get(ref.Address.StartRow, ref.Address.StartColumn)
	if !ok {
		return nil
	}
	return checkForError(cell.V)
}

func (r *RangeReference) String() string {
	return r.Address.String()
}

// AsyncValue is a not-yet-available result. it carries every pending future
// the value waits on; the dependent branch resumes once all of them resolve.
type AsyncValue struct {
	Pending []*Future
}

func (a *AsyncValue) Kind() NodeValueKind {
	return KindAsync
}

// Done is closed once every pending future has resolved
func (a *AsyncValue) Done() <-chan struct{} {
	if len(a.Pending) == 1 {
		return a.Pending[0].Done()
	}
	done := make(chan struct{})
	go func() {
		for _, f := range a.Pending {
			<-f.Done()
		}
		close(done)
	}()
	return done
}

// toValueObject collapses a non-async, non-error node value into values
func toValueObject(v NodeValue) *ValueObject {
	switch t := v.(type) {
	case *ValueObject:
		return t
	case *RangeReference:
		return t.Materialize()
	}
	return NewScalar(nil)
}

// toNumber converts value to number, returning ok=false if conversion fails
func toNumber(value Primitive) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case bool:
		if v {
			return 1, true
		}
		return 0, true
	case string:
		num, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, false
		}
		return num, true
	case nil:
		return 0, true
	default:
		return 0, false
	}
}

// toString converts value to string
func toString(value Primitive) string {
	switch v := value.(type) {
	case nil:
		return ""
	case bool:
		if v {
			return "TRUE"
		}
		return "FALSE"
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case *SpreadsheetError:
		return v.Marker()
	}
	return fmt.Sprint(value)
}

// isTruthy checks if value is truthy
func isTruthy(value Primitive) bool {
	switch v := value.(type) {
	case bool:
		return v
	case float64:
		return v != 0
	case int:
		return v != 0
	case string:
		return v != ""
	case nil:
		return false
	default:
		return true
	}
}

// checkForError returns the error if value is a *SpreadsheetError, nil otherwise
func checkForError(value Primitive) *SpreadsheetError {
	if err, ok := value.(*SpreadsheetError); ok {
		return err
	}
	return nil
}

// DisplayPrimitive renders a primitive the way a cell shows it
func DisplayPrimitive(value Primitive) string {
	return toString(value)
}

// Display renders a node value for a cell. errors show their canonical
// marker and pending async values show #GETTING_DATA.
func Display(v NodeValue) string {
	switch t := v.(type) {
	case *SpreadsheetError:
		return t.Marker()
	case *AsyncValue:
		return ErrorMapper[ErrorCodeConnect]
	case *RangeReference:
		if err := checkMaterializable(t); err != nil {
			return err.Marker()
		}
		return t.Materialize().String()
	case *ValueObject:
		return t.String()
	}
	return ""
}
