package formula

import (
	"sort"
	"strings"
)

// DataLoader gives the parser read-only access to the document's defined
// names and tables. it is consulted during classification and never mutated
// by the engine.
type DataLoader interface {
	GetDefinedName(name string) (formula string, ok bool)
	GetTable(name string) (*TableDefinition, bool)
}

// TableDefinition describes one registered table. Range covers the whole
// table including its header row and, when HasTotals is set, its totals
// row. TitleMap maps a column title to its index relative to
// Range.StartColumn.
type TableDefinition struct {
	Name      string
	SheetID   string
	Range     RangeAddress
	TitleMap  map[string]int
	HasTotals bool
}

// ColumnIndex looks up a column title case-insensitively
func (t *TableDefinition) ColumnIndex(title string) (int, bool) {
	if idx, ok := t.TitleMap[title]; ok {
		return idx, true
	}
	for name, idx := range t.TitleMap {
		if strings.EqualFold(name, title) {
			return idx, true
		}
	}
	return 0, false
}

// Titles returns column titles ordered by column index
func (t *TableDefinition) Titles() []string {
	titles := make([]string, 0, len(t.TitleMap))
	for name := range t.TitleMap {
		titles = append(titles, name)
	}
	sort.Slice(titles, func(i, j int) bool {
		return t.TitleMap[titles[i]] < t.TitleMap[titles[j]]
	})
	return titles
}

// definedName keeps the name as written next to its formula; the map key is
// the upper-cased name
type definedName struct {
	name    string
	formula string
}

// Catalog holds defined names and tables for a document. lookups are
// case-insensitive, the way spreadsheet names are.
type Catalog struct {
	names  map[string]definedName
	tables map[string]*TableDefinition
}

func NewCatalog() *Catalog {
	return &Catalog{
		names:  make(map[string]definedName),
		tables: make(map[string]*TableDefinition),
	}
}

// DefineName defines or redefines name as formula. a leading '=' on the
// formula is accepted.
func (c *Catalog) DefineName(name, formula string) {
	c.names[strings.ToUpper(name)] = definedName{name: name, formula: strings.TrimPrefix(formula, "=")}
}

// UndefineName removes a defined name. returns false if it did not exist.
func (c *Catalog) UndefineName(name string) bool {
	key := strings.ToUpper(name)
	if _, exists := c.names[key]; !exists {
		return false
	}
	delete(c.names, key)
	return true
}

// DefineTable registers or replaces a table
func (c *Catalog) DefineTable(table *TableDefinition) {
	if table.Range.SheetID == "" {
		table.Range.SheetID = table.SheetID
	}
	c.tables[strings.ToUpper(table.Name)] = table
}

// RemoveTable removes a table. returns false if it did not exist.
func (c *Catalog) RemoveTable(name string) bool {
	key := strings.ToUpper(name)
	if _, exists := c.tables[key]; !exists {
		return false
	}
	delete(c.tables, key)
	return true
}

func (c *Catalog) GetDefinedName(name string) (string, bool) {
	if c == nil {
		return "", false
	}
	entry, ok := c.names[strings.ToUpper(name)]
	return entry.formula, ok
}

func (c *Catalog) GetTable(name string) (*TableDefinition, bool) {
	if c == nil {
		return nil, false
	}
	table, ok := c.tables[strings.ToUpper(name)]
	return table, ok
}

// Names returns the defined names as written, sorted
func (c *Catalog) Names() []string {
	if c == nil {
		return nil
	}
	names := make([]string, 0, len(c.names))
	for _, entry := range c.names {
		names = append(names, entry.name)
	}
	sort.Strings(names)
	return names
}

// TableNames returns the table names as written, sorted
func (c *Catalog) TableNames() []string {
	if c == nil {
		return nil
	}
	names := make([]string, 0, len(c.tables))
	for _, table := range c.tables {
		names = append(names, table.Name)
	}
	sort.Strings(names)
	return names
}
