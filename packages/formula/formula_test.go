package formula

import (
	"testing"
)

func TestFormulaCacheSharesEquivalentFormulas(t *testing.T) {
	fc := NewFormulaCache(NewInterpreter(nil))
	a2, a3, a4 := cellAt("S1!A2"), cellAt("S1!A3"), cellAt("S1!A4")

	id1, tree1 := fc.Intern("=A1+1", a2)
	id2, tree2 := fc.Intern("= A1 + 1", a3)
	id3, _ := fc.Intern("=sum(A1)", a4)

	if id1 != id2 {
		t.Errorf("equivalent formulas got ids %d and %d", id1, id2)
	}
	if tree1 != tree2 {
		t.Error("equivalent formulas do not share a tree")
	}
	if id3 == id1 {
		t.Error("different formulas share an id")
	}
	if fc.Count() != 2 || fc.TotalReferences() != 3 {
		t.Errorf("Count() = %d, TotalReferences() = %d; want 2 and 3", fc.Count(), fc.TotalReferences())
	}
	if fc.GetReferenceCount(id1) != 2 {
		t.Errorf("GetReferenceCount = %d, want 2", fc.GetReferenceCount(id1))
	}
	assertAddresses(t, fc.GetCellsUsingFormula(id1), "S1!A2", "S1!A3")

	idUpper, _ := fc.Intern("=SUM(A1)", cellAt("S1!A5"))
	if idUpper != id3 {
		t.Error("function name case changed the formula id")
	}
	if id, ok := fc.GetFormulaAtCell(a4); !ok || id != id3 {
		t.Errorf("GetFormulaAtCell(A4) = %d, %v; want %d", id, ok, id3)
	}
}

func TestFormulaCacheRelease(t *testing.T) {
	fc := NewFormulaCache(NewInterpreter(nil))
	a2, a3 := cellAt("S1!A2"), cellAt("S1!A3")

	id, _ := fc.Intern("=A1*2", a2)
	fc.Intern("=A1*2", a3)

	// re-interning a cell drops its previous formula
	other, _ := fc.Intern("=A1*3", a2)
	if other == id {
		t.Fatal("a different formula reused the id")
	}
	if fc.GetReferenceCount(id) != 1 {
		t.Errorf("GetReferenceCount = %d after moving A2 away, want 1", fc.GetReferenceCount(id))
	}

	if !fc.Release(a3) {
		t.Fatal("Release(A3) = false")
	}
	if fc.Release(a3) {
		t.Error("second Release(A3) = true")
	}
	if _, ok := fc.GetAST(id); ok {
		t.Error("tree kept after its last user was released")
	}

	// the released text parses to a fresh id
	again, _ := fc.Intern("=A1*2", a3)
	if again == id {
		t.Error("released id was reused")
	}
	if fc.Count() != 2 {
		t.Errorf("Count() = %d, want 2", fc.Count())
	}
}

func TestFormulaCacheDoesNotShareErrorTrees(t *testing.T) {
	fc := NewFormulaCache(NewInterpreter(nil))
	id1, tree1 := fc.Intern("=1+", cellAt("S1!B1"))
	id2, tree2 := fc.Intern("=(1", cellAt("S1!B2"))
	if id1 == id2 {
		t.Fatal("two malformed formulas share an id")
	}
	m1 := tree1.(*ErrorNode).Err.Message
	m2 := tree2.(*ErrorNode).Err.Message
	if m1 == m2 {
		t.Errorf("both trees carry the message %q", m1)
	}

	id3, _ := fc.Intern("=1+", cellAt("S1!B3"))
	if id3 != id1 {
		t.Error("identical text did not share its id")
	}
}
