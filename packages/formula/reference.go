package formula

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// maxColumnIndex is the last addressable column (XFD); longer letter runs
// are names, not cells
const maxColumnIndex = 16383

const sheetPrefixPattern = `(?:('(?:[^']|'')+'|[^'!:\[\]\s]+)!)?`

var (
	cellRangePattern = regexp.MustCompile(`^` + sheetPrefixPattern +
		`(\$?[A-Za-z]{1,3}\$?[0-9]+)(?::(\$?[A-Za-z]{1,3}\$?[0-9]+))?$`)
	rowRangePattern = regexp.MustCompile(`^` + sheetPrefixPattern +
		`\$?([0-9]+):\$?([0-9]+)$`)
	columnRangePattern = regexp.MustCompile(`^` + sheetPrefixPattern +
		`\$?([A-Za-z]{1,3}):\$?([A-Za-z]{1,3})$`)
)

// ReferenceObject is an unresolved pointer to a sheet range. resolving it
// against a complete Binding yields a *RangeReference, or a
// *SpreadsheetError when the sheet, table or column does not exist.
type ReferenceObject interface {
	Token() string
	Resolve(b *Binding) NodeValue
}

// unquoteSheet strips the quotes of 'My Sheet' and unescapes ''
func unquoteSheet(sheet string) string {
	if len(sheet) >= 2 && sheet[0] == '\'' && sheet[len(sheet)-1] == '\'' {
		return strings.ReplaceAll(sheet[1:len(sheet)-1], "''", "'")
	}
	return sheet
}

func unboundError(token string) *SpreadsheetError {
	return NewSpreadsheetError(ErrorCodeRef, fmt.Sprintf("reference %s used before binding", token))
}

// CellReference is a single cell (A1) or a rectangular range (A1:B2)
type CellReference struct {
	token string
	sheet string
	start CellPosition
	end   CellPosition
}

// ParseCellReference builds a CellReference from a token like
// 'My Sheet'!$A$1:B2. ok is false when the token is not a cell range.
func ParseCellReference(token string) (*CellReference, bool) {
	m := cellRangePattern.FindStringSubmatch(token)
	if m == nil {
		return nil, false
	}
	startRow, startCol, err := ParseCellAddress(m[2])
	if err != nil || startCol > maxColumnIndex {
		return nil, false
	}
	endRow, endCol := startRow, startCol
	if m[3] != "" {
		endRow, endCol, err = ParseCellAddress(m[3])
		if err != nil || endCol > maxColumnIndex {
			return nil, false
		}
	}
	return &CellReference{
		token: token,
		sheet: unquoteSheet(m[1]),
		start: CellPosition{Row: min(startRow, endRow), Column: min(startCol, endCol)},
		end:   CellPosition{Row: max(startRow, endRow), Column: max(startCol, endCol)},
	}, true
}

func (r *CellReference) Token() string {
	return r.token
}

// Sheet returns the sheet written in the token, empty for the current sheet
func (r *CellReference) Sheet() string {
	return r.sheet
}

// Bounds returns the referenced rectangle with an empty sheet id
func (r *CellReference) Bounds() RangeAddress {
	return RangeAddress{StartRow: r.start.Row, StartColumn: r.start.Column, EndRow: r.end.Row, EndColumn: r.end.Column}
}

func (r *CellReference) Resolve(b *Binding) NodeValue {
	if !b.Complete() {
		return unboundError(r.token)
	}
	sheetID, err := b.sheetID(r.sheet)
	if err != nil {
		return err
	}
	bounds := r.Bounds()
	bounds.SheetID = sheetID
	return NewRangeReference(bounds, b.cells(sheetID))
}

// RowReference spans whole rows (3:3, 2:5)
type RowReference struct {
	token    string
	sheet    string
	startRow int
	endRow   int
}

// ParseRowReference builds a RowReference from a token like Sheet1!3:3
func ParseRowReference(token string) (*RowReference, bool) {
	m := rowRangePattern.FindStringSubmatch(token)
	if m == nil {
		return nil, false
	}
	start, err1 := strconv.Atoi(m[2])
	end, err2 := strconv.Atoi(m[3])
	if err1 != nil || err2 != nil || start < 1 || end < 1 {
		return nil, false
	}
	return &RowReference{
		token:    token,
		sheet:    unquoteSheet(m[1]),
		startRow: min(start, end) - 1,
		endRow:   max(start, end) - 1,
	}, true
}

func (r *RowReference) Token() string {
	return r.token
}

func (r *RowReference) Resolve(b *Binding) NodeValue {
	if !b.Complete() {
		return unboundError(r.token)
	}
	sheetID, err := b.sheetID(r.sheet)
	if err != nil {
		return err
	}
	_, columns := b.extent(sheetID)
	if columns < 1 {
		return NewSpreadsheetError(ErrorCodeRef, "sheet has no columns")
	}
	return NewRangeReference(RangeAddress{
		SheetID:     sheetID,
		StartRow:    r.startRow,
		StartColumn: 0,
		EndRow:      r.endRow,
		EndColumn:   columns - 1,
	}, b.cells(sheetID))
}

// ColumnReference spans whole columns (A:A, B:D)
type ColumnReference struct {
	token    string
	sheet    string
	startCol int
	endCol   int
}

// ParseColumnReference builds a ColumnReference from a token like A:C
func ParseColumnReference(token string) (*ColumnReference, bool) {
	m := columnRangePattern.FindStringSubmatch(token)
	if m == nil {
		return nil, false
	}
	start, end := ColumnIndex(m[2]), ColumnIndex(m[3])
	if start < 0 || end < 0 || max(start, end) > maxColumnIndex {
		return nil, false
	}
	return &ColumnReference{
		token:    token,
		sheet:    unquoteSheet(m[1]),
		startCol: min(start, end),
		endCol:   max(start, end),
	}, true
}

func (r *ColumnReference) Token() string {
	return r.token
}

func (r *ColumnReference) Resolve(b *Binding) NodeValue {
	if !b.Complete() {
		return unboundError(r.token)
	}
	sheetID, err := b.sheetID(r.sheet)
	if err != nil {
		return err
	}
	rows, _ := b.extent(sheetID)
	if rows < 1 {
		return NewSpreadsheetError(ErrorCodeRef, "sheet has no rows")
	}
	return NewRangeReference(RangeAddress{
		SheetID:     sheetID,
		StartRow:    0,
		StartColumn: r.startCol,
		EndRow:      rows - 1,
		EndColumn:   r.endCol,
	}, b.cells(sheetID))
}
