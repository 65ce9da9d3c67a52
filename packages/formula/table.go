package formula

import (
	"fmt"
	"regexp"
	"strings"
)

// TableSelector narrows a table reference to a band of rows
type TableSelector int

const (
	SelectorData TableSelector = iota
	SelectorAll
	SelectorHeaders
	SelectorTotals
)

func (s TableSelector) String() string {
	switch s {
	case SelectorAll:
		return "#All"
	case SelectorHeaders:
		return "#Headers"
	case SelectorTotals:
		return "#Totals"
	}
	return "#Data"
}

// ParseTableSelector accepts "#Headers" or "Headers", any case
func ParseTableSelector(s string) (TableSelector, bool) {
	switch strings.ToLower(strings.TrimPrefix(strings.TrimSpace(s), "#")) {
	case "all":
		return SelectorAll, true
	case "data":
		return SelectorData, true
	case "headers":
		return SelectorHeaders, true
	case "totals":
		return SelectorTotals, true
	}
	return SelectorData, false
}

// tableColumnPattern splits Table1[...] into the table name and the bracket
// clause
var tableColumnPattern = regexp.MustCompile(`^([^\[\]!':\s]+)(\[.*\])?$`)

// SplitTableToken returns the table name and the bracket clause of a token.
// ok is false when the token does not have table shape.
func SplitTableToken(token string) (name, clause string, ok bool) {
	m := tableColumnPattern.FindStringSubmatch(token)
	if m == nil {
		return "", "", false
	}
	return m[1], m[2], true
}

// TableReference is a structured reference into a registered table
type TableReference struct {
	token    string
	name     string
	table    *TableDefinition
	selector TableSelector
	column   string
	invalid  string
}

// NewTableReference builds a table reference. table may be nil when the
// name is not registered; such a reference always resolves to #REF!.
func NewTableReference(token, name, clause string, table *TableDefinition) *TableReference {
	ref := &TableReference{token: token, name: name, table: table, selector: SelectorData}
	ref.parseClause(clause)
	return ref
}

func (r *TableReference) Token() string {
	return r.token
}

func (r *TableReference) TableName() string {
	return r.name
}

func (r *TableReference) Selector() TableSelector {
	return r.selector
}

func (r *TableReference) Column() string {
	return r.column
}

// parseClause reads [Col], [#Headers], [Headers], [[#Headers],[Col]]. a
// bare word names a selector only when no column carries that title.
func (r *TableReference) parseClause(clause string) {
	if clause == "" {
		return
	}
	inner := strings.TrimSpace(clause[1 : len(clause)-1])
	if inner == "" {
		return
	}

	var items []string
	if strings.HasPrefix(inner, "[") {
		for _, part := range splitBracketItems(inner) {
			if len(part) < 2 || part[0] != '[' || part[len(part)-1] != ']' {
				r.invalid = "malformed table clause " + clause
				return
			}
			items = append(items, strings.TrimSpace(part[1:len(part)-1]))
		}
	} else {
		items = []string{inner}
	}

	haveSelector := false
	for _, item := range items {
		isColumn := false
		if r.table != nil && !strings.HasPrefix(item, "#") {
			_, isColumn = r.table.ColumnIndex(item)
		}
		if sel, ok := ParseTableSelector(item); ok && !isColumn {
			if haveSelector {
				r.invalid = "more than one selector in " + clause
				return
			}
			r.selector = sel
			haveSelector = true
			continue
		}
		if strings.HasPrefix(item, "#") {
			r.invalid = "unknown table selector " + item
			return
		}
		if r.column != "" {
			r.invalid = "more than one column in " + clause
			return
		}
		r.column = item
	}
}

// splitBracketItems splits "[a],[b]" at top-level commas
func splitBracketItems(s string) []string {
	var items []string
	depth, start := 0, 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '[':
			depth++
		case ']':
			depth--
		case ',':
			if depth == 0 {
				items = append(items, strings.TrimSpace(s[start:i]))
				start = i + 1
			}
		}
	}
	return append(items, strings.TrimSpace(s[start:]))
}

func (r *TableReference) Resolve(b *Binding) NodeValue {
	if !b.Complete() {
		return unboundError(r.token)
	}
	if r.table == nil {
		return NewSpreadsheetError(ErrorCodeRef, "unknown table: "+r.name)
	}
	if r.invalid != "" {
		return NewSpreadsheetError(ErrorCodeRef, r.invalid)
	}

	t := r.table
	sheetID := t.Range.SheetID
	if sheetID == "" {
		sheetID = t.SheetID
	}
	if _, ok := b.sheetData[sheetID]; !ok {
		return NewSpreadsheetError(ErrorCodeRef, fmt.Sprintf("table %s is on unknown sheet %s", t.Name, sheetID))
	}
	addr := t.Range
	addr.SheetID = sheetID

	dataStart := t.Range.StartRow + 1
	dataEnd := t.Range.EndRow
	if t.HasTotals {
		dataEnd--
	}

	switch r.selector {
	case SelectorHeaders:
		addr.EndRow = addr.StartRow
	case SelectorTotals:
		if !t.HasTotals {
			return NewSpreadsheetError(ErrorCodeRef, fmt.Sprintf("table %s has no totals row", t.Name))
		}
		addr.StartRow = addr.EndRow
	case SelectorData:
		if dataStart > dataEnd {
			return NewSpreadsheetError(ErrorCodeRef, fmt.Sprintf("table %s has no data rows", t.Name))
		}
		addr.StartRow, addr.EndRow = dataStart, dataEnd
	}

	if r.column != "" {
		idx, ok := t.ColumnIndex(r.column)
		if !ok || t.Range.StartColumn+idx > t.Range.EndColumn {
			return NewSpreadsheetError(ErrorCodeRef, fmt.Sprintf("table %s has no column %s", t.Name, r.column))
		}
		addr.StartColumn = t.Range.StartColumn + idx
		addr.EndColumn = addr.StartColumn
	}

	return NewRangeReference(addr, b.cells(sheetID))
}
