package formula

import (
	"fmt"
	"strconv"
	"strings"
)

// Primitive represents basic spreadsheet value types.
// types:
//   - float64: numeric values (integers are converted to float64)
//   - string: text values
//   - bool: boolean values (TRUE/FALSE)
//   - nil: empty/null cells
//   - *SpreadsheetError: error values (#DIV/0!, #VALUE!, etc.)
type Primitive any

// ErrorCode represents the closed set of spreadsheet error kinds following
// Excel conventions
type ErrorCode uint8

const (
	ErrorCodeNull    ErrorCode = 1  // #NULL! - no cells in common between ranges
	ErrorCodeDiv0    ErrorCode = 2  // #DIV/0! - division by zero
	ErrorCodeValue   ErrorCode = 3  // #VALUE! - wrong type of argument or operand
	ErrorCodeRef     ErrorCode = 4  // #REF! - invalid or unknown reference
	ErrorCodeName    ErrorCode = 5  // #NAME? - unrecognized name or function
	ErrorCodeNum     ErrorCode = 6  // #NUM! - number too large or small to be represented
	ErrorCodeNA      ErrorCode = 7  // #N/A - value not available
	ErrorCodeCycle   ErrorCode = 8  // #CYCLE! - circular defined name or cell dependency
	ErrorCodeConnect ErrorCode = 9  // #GETTING_DATA - async result still pending
	ErrorCodeError   ErrorCode = 10 // #ERROR! - formula could not be parsed
)

// ErrorMapper maps error code numbers to their canonical markers
var ErrorMapper = map[ErrorCode]string{
	ErrorCodeNull:    "#NULL!",
	ErrorCodeDiv0:    "#DIV/0!",
	ErrorCodeValue:   "#VALUE!",
	ErrorCodeRef:     "#REF!",
	ErrorCodeName:    "#NAME?",
	ErrorCodeNum:     "#NUM!",
	ErrorCodeNA:      "#N/A",
	ErrorCodeCycle:   "#CYCLE!",
	ErrorCodeConnect: "#GETTING_DATA",
	ErrorCodeError:   "#ERROR!",
}

// errorCodeByMarker is the reverse of ErrorMapper, used for error literals
// typed directly into formulas
var errorCodeByMarker = func() map[string]ErrorCode {
	m := make(map[string]ErrorCode, len(ErrorMapper))
	for code, marker := range ErrorMapper {
		m[marker] = code
	}
	return m
}()

// SpreadsheetError is a formula error value. it flows between AST nodes as
// an ordinary NodeValue and is never raised across node boundaries.
type SpreadsheetError struct {
	ErrorCode ErrorCode
	Message   string
}

func (e *SpreadsheetError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return ErrorMapper[e.ErrorCode]
}

// Is reports whether target is a spreadsheet error of the same kind. the
// message text does not take part in the comparison.
func (e *SpreadsheetError) Is(target error) bool {
	t, ok := target.(*SpreadsheetError)
	if !ok {
		return false
	}
	return t.ErrorCode == e.ErrorCode
}

// Marker returns the canonical marker displayed in a cell, e.g. "#REF!"
func (e *SpreadsheetError) Marker() string {
	return ErrorMapper[e.ErrorCode]
}

// IsReferenceError reports whether the error belongs to the reference
// family (#REF! and #CYCLE!)
func (e *SpreadsheetError) IsReferenceError() bool {
	return e.ErrorCode == ErrorCodeRef || e.ErrorCode == ErrorCodeCycle
}

func (e *SpreadsheetError) Kind() NodeValueKind {
	return KindError
}

func NewSpreadsheetError(code ErrorCode, message string) *SpreadsheetError {
	if message == "" {
		message = ErrorMapper[code]
	}
	return &SpreadsheetError{
		ErrorCode: code,
		Message:   message,
	}
}

// CellData is a single cell of a sheet-data snapshot
type CellData struct {
	V Primitive
}

// FormulaCell is a single entry of the formula-data map
type FormulaCell struct {
	F      string
	Row    int
	Column int
}

// CellAddress identifies one cell. rows and columns are zero-based.
type CellAddress struct {
	SheetID string
	Row     int
	Column  int
}

func (a CellAddress) String() string {
	return fmt.Sprintf("%s!%s%d", a.SheetID, ColumnName(a.Column), a.Row+1)
}

// RangeAddress represents a rectangular range of cells within a single
// sheet. bounds are inclusive and zero-based.
type RangeAddress struct {
	SheetID     string
	StartRow    int
	StartColumn int
	EndRow      int
	EndColumn   int
}

// Contains checks if a cell is within the range
func (r RangeAddress) Contains(addr CellAddress) bool {
	return r.SheetID == addr.SheetID &&
		addr.Row >= r.StartRow && addr.Row <= r.EndRow &&
		addr.Column >= r.StartColumn && addr.Column <= r.EndColumn
}

func (r RangeAddress) RowCount() int {
	return r.EndRow - r.StartRow + 1
}

func (r RangeAddress) ColumnCount() int {
	return r.EndColumn - r.StartColumn + 1
}

func (r RangeAddress) String() string {
	start := fmt.Sprintf("%s%d", ColumnName(r.StartColumn), r.StartRow+1)
	end := fmt.Sprintf("%s%d", ColumnName(r.EndColumn), r.EndRow+1)
	if start == end {
		return fmt.Sprintf("%s!%s", r.SheetID, start)
	}
	return fmt.Sprintf("%s!%s:%s", r.SheetID, start, end)
}

// ColumnName converts a zero-based column index into letters (0=A, 26=AA)
func ColumnName(col int) string {
	if col < 0 {
		return ""
	}
	var letters []byte
	for col >= 0 {
		letters = append([]byte{byte('A' + col%26)}, letters...)
		col = col/26 - 1
	}
	return string(letters)
}

// ColumnIndex converts column letters into a zero-based index (A=0, AA=26).
// returns -1 for anything that is not a run of ASCII letters.
func ColumnIndex(letters string) int {
	if letters == "" {
		return -1
	}
	col := 0
	for _, ch := range strings.ToUpper(letters) {
		if ch < 'A' || ch > 'Z' {
			return -1
		}
		col = col*26 + int(ch-'A'+1)
	}
	return col - 1
}

// ParseCellAddress parses "A1" (with optional $ markers) into zero-based
// row and column
func ParseCellAddress(cell string) (row int, col int, err error) {
	cell = strings.ReplaceAll(cell, "$", "")

	// find where letters end and numbers begin
	letterEnd := 0
	for i, ch := range cell {
		if ch >= 'A' && ch <= 'Z' || ch >= 'a' && ch <= 'z' {
			letterEnd = i + 1
		} else {
			break
		}
	}
	if letterEnd == 0 || letterEnd == len(cell) {
		return 0, 0, NewSpreadsheetError(ErrorCodeRef, fmt.Sprintf("invalid cell reference: %s", cell))
	}

	col = ColumnIndex(cell[:letterEnd])
	rowNum, convErr := strconv.Atoi(cell[letterEnd:])
	if convErr != nil || rowNum < 1 {
		return 0, 0, NewSpreadsheetError(ErrorCodeRef, fmt.Sprintf("invalid row number: %s", cell[letterEnd:]))
	}
	return rowNum - 1, col, nil
}
