package formula

import (
	"strings"
	"testing"
)

func TestDefaultRegistryOrder(t *testing.T) {
	factories := NewDefaultRegistry().Factories()
	want := []int{
		ZIndexFunction,
		ZIndexOperator,
		ZIndexCellRange,
		ZIndexRow,
		ZIndexColumn,
		ZIndexDefinedName,
		ZIndexTable,
		ZIndexLiteral,
	}
	if len(factories) != len(want) {
		t.Fatalf("got %d factories, want %d", len(factories), len(want))
	}
	for i, f := range factories {
		if f.ZIndex() != want[i] {
			t.Errorf("factory %d (%T) has z-index %d, want %d", i, f, f.ZIndex(), want[i])
		}
	}
}

// answerFactory turns the bare name ANSWER into the number 42 unless the
// workbook defines it
type answerFactory struct{}

func (answerFactory) ZIndex() int { return 5 }

func (answerFactory) CheckAndCreateNodeType(node *TokenNode, p *Parser) (AstNode, bool) {
	if !isReferenceLeaf(node) || !strings.EqualFold(node.Token.Value, "ANSWER") {
		return nil, false
	}
	if _, defined := p.Loader().GetDefinedName(node.Token.Value); defined {
		return nil, false
	}
	return &ValueNode{Value: 42.0, Position: tokenPosition(node.Token)}, true
}

func TestRegistryCustomFactory(t *testing.T) {
	registry := NewDefaultRegistry()
	registry.Register(answerFactory{})
	if _, ok := registry.Factories()[0].(answerFactory); !ok {
		t.Fatalf("lowest z-index factory is %T, want answerFactory", registry.Factories()[0])
	}

	doc := newTestDocument(t, nil)
	assertNumber(t, evaluate(t, doc, "=ANSWER+1", WithRegistry(registry)), 43)
	assertErrorCode(t, evaluate(t, doc, "=ANSWER+1"), ErrorCodeName)

	doc.Catalog.DefineName("Answer", "=7")
	assertNumber(t, evaluate(t, doc, "=ANSWER+1", WithRegistry(registry)), 8)

	// without factories nothing can be classified
	assertErrorCode(t, evaluate(t, doc, "=1", WithRegistry(NewRegistry())), ErrorCodeName)
}

func TestRegistryOrdersByZIndex(t *testing.T) {
	registry := NewRegistry()
	registry.Register(LiteralNodeFactory{}, answerFactory{}, TableNodeFactory{})
	registry.Register(FunctionNodeFactory{})

	got := registry.Factories()
	if _, ok := got[0].(answerFactory); !ok {
		t.Errorf("factory 0 is %T, want answerFactory", got[0])
	}
	if _, ok := got[1].(FunctionNodeFactory); !ok {
		t.Errorf("factory 1 is %T, want FunctionNodeFactory", got[1])
	}
	if _, ok := got[3].(LiteralNodeFactory); !ok {
		t.Errorf("factory 3 is %T, want LiteralNodeFactory", got[3])
	}
}

func TestNodeClassification(t *testing.T) {
	catalog := NewCatalog()
	catalog.DefineName("Rate", "=0.2")
	catalog.DefineName("TAX2024", "=0.3")
	catalog.DefineTable(&TableDefinition{Name: "Sales", SheetID: "S1", TitleMap: map[string]int{"Amount": 0}})
	interp := NewInterpreter(catalog)

	tests := []struct {
		formula string
		want    NodeType
	}{
		{"=1", NodeTypeValue},
		{`="x"`, NodeTypeValue},
		{"=TRUE", NodeTypeValue},
		{"=#REF!", NodeTypeError},
		{"=A1", NodeTypeReference},
		{"=Sheet1!A1:B2", NodeTypeReference},
		{"=3:3", NodeTypeReference},
		{"=A:B", NodeTypeReference},
		{"=TAX2024", NodeTypeReference},
		{"=Rate", NodeTypeName},
		{"=rate", NodeTypeName},
		{"=Sales", NodeTypeReference},
		{"=Sales[Amount]", NodeTypeReference},
		{"=Ghost[Amount]", NodeTypeReference},
		{"=Ghost", NodeTypeError},
		{"=SUM(1)", NodeTypeFunction},
		{"=NOPE(1)", NodeTypeError},
		{"=1+2", NodeTypeOperator},
		{"=-1", NodeTypeOperator},
		{"=1%", NodeTypeOperator},
		{"=1+", NodeTypeError},
	}

	for _, tt := range tests {
		t.Run(tt.formula, func(t *testing.T) {
			if got := interp.Parse(tt.formula).NodeType(); got != tt.want {
				t.Errorf("Parse(%q) = %s, want %s", tt.formula, got, tt.want)
			}
		})
	}
}

func TestASTToString(t *testing.T) {
	interp := NewInterpreter(nil)
	tests := []struct {
		formula string
		want    string
	}{
		{"=1+2*3", "(1+(2*3))"},
		{"= 1 + 2 * 3", "(1+(2*3))"},
		{"=sum(A1:B2, 3)", "SUM(A1:B2,3)"},
		{"=-A1", "-A1"},
		{"=50%", "(50%)"},
		{`="say ""hi"""`, `"say ""hi"""`},
		{"=0.5", "0.5"},
		{"=true", "TRUE"},
		{"=#N/A", "#N/A"},
		{"=PI()", "PI()"},
		{`=1&2="12"`, `((1&2)="12")`},
		{`="a"&1+1<"b"`, `(("a"&(1+1))<"b")`},
	}
	for _, tt := range tests {
		t.Run(tt.formula, func(t *testing.T) {
			if got := interp.Parse(tt.formula).ToString(); got != tt.want {
				t.Errorf("ToString() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestNodePositions(t *testing.T) {
	interp := NewInterpreter(nil)
	tree := interp.Parse(`=SUM(A1, "ab")`)
	fn, ok := tree.(*FunctionNode)
	if !ok {
		t.Fatalf("got %T, want *FunctionNode", tree)
	}
	if pos := fn.Args[0].GetPosition(); pos != (NodePosition{Start: 5, End: 7}) {
		t.Errorf("A1 position = %+v, want 5..7", pos)
	}
	if pos := fn.Args[1].GetPosition(); pos != (NodePosition{Start: 9, End: 13}) {
		t.Errorf(`"ab" position = %+v, want 9..13`, pos)
	}
	if pos := fn.GetPosition(); pos.Start != 1 || pos.End != 14 {
		t.Errorf("SUM position = %+v, want 1..14", pos)
	}
}

func TestDefinedNames(t *testing.T) {
	doc := newTestDocument(t, map[string]Primitive{"S1!A1": 5.0, "S2!A1": 8.0})
	doc.Catalog.DefineName("Rate", "=0.2")
	doc.Catalog.DefineName("Base", "=Sheet2!A1")
	doc.Catalog.DefineName("Scaled", "=Base*Rate")
	doc.Catalog.DefineName("Window", "=A1:A3")
	doc.Catalog.DefineName("Ping", "=Pong+1")
	doc.Catalog.DefineName("Pong", "=Ping+1")
	doc.Catalog.DefineName("Self", "=Self")
	doc.Catalog.DefineName("Broken", "=1+")

	numbers := []struct {
		formula string
		want    float64
	}{
		{"=100*Rate", 20},
		{"=RATE+1", 1.2},
		{"=Base", 8},
		{"=Scaled", 1.6},
		{"=SUM(Window)", 5},
		{"=Rate+Rate", 0.4},
	}
	for _, tt := range numbers {
		t.Run(tt.formula, func(t *testing.T) {
			assertNumber(t, evaluate(t, doc, tt.formula), tt.want)
		})
	}

	errs := []struct {
		formula string
		want    ErrorCode
	}{
		{"=Ping", ErrorCodeCycle},
		{"=Pong*2", ErrorCodeCycle},
		{"=Self", ErrorCodeCycle},
		{"=Broken", ErrorCodeError},
		{"=Missing", ErrorCodeName},
	}
	for _, tt := range errs {
		t.Run(tt.formula, func(t *testing.T) {
			assertErrorCode(t, evaluate(t, doc, tt.formula), tt.want)
		})
	}

	cycle := assertErrorCode(t, evaluate(t, doc, "=Ping"), ErrorCodeCycle)
	if !strings.Contains(cycle.Message, "PING -> PONG -> PING") {
		t.Errorf("cycle message %q does not name the chain", cycle.Message)
	}
}

func TestDefinedNameDepthLimit(t *testing.T) {
	doc := newTestDocument(t, nil)
	doc.Catalog.DefineName("First", "=Second")
	doc.Catalog.DefineName("Second", "=Third")
	doc.Catalog.DefineName("Third", "=1")

	assertNumber(t, evaluate(t, doc, "=First"), 1)
	assertNumber(t, evaluate(t, doc, "=First", WithMaxNameDepth(3)), 1)
	assertErrorCode(t, evaluate(t, doc, "=First", WithMaxNameDepth(2)), ErrorCodeCycle)
	assertNumber(t, evaluate(t, doc, "=Second", WithMaxNameDepth(2)), 1)
}

func TestNameSuggestions(t *testing.T) {
	doc := newTestDocument(t, nil)
	doc.Catalog.DefineName("Revenue", "=100")

	tests := []struct {
		formula string
		hint    string
	}{
		{"=SUMM(1)", "did you mean SUM?"},
		{"=AVERGE(1)", "did you mean AVERAGE?"},
		{"=Revenu", "did you mean Revenue?"},
	}
	for _, tt := range tests {
		t.Run(tt.formula, func(t *testing.T) {
			err := assertErrorCode(t, evaluate(t, doc, tt.formula), ErrorCodeName)
			if !strings.Contains(err.Message, tt.hint) {
				t.Errorf("message %q does not contain %q", err.Message, tt.hint)
			}
		})
	}
}
