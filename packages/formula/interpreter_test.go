package formula

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

// newTestDocument builds a workbook with sheets S1 "Sheet1", S2 "Sheet2"
// and S3 "My Sheet". cells are keyed like "S1!A1".
func newTestDocument(t *testing.T, cells map[string]Primitive) *Document {
	t.Helper()
	doc := NewDocument()
	for _, sheet := range [][2]string{{"S1", "Sheet1"}, {"S2", "Sheet2"}, {"S3", "My Sheet"}} {
		if _, err := doc.AddSheet(sheet[0], sheet[1]); err != nil {
			t.Fatalf("AddSheet(%s) failed: %v", sheet[0], err)
		}
	}
	for key, value := range cells {
		sheetID, a1, ok := strings.Cut(key, "!")
		if !ok {
			t.Fatalf("cell key %q has no sheet", key)
		}
		if err := doc.Sheets[sheetID].Set(a1, value); err != nil {
			t.Fatalf("Set(%s) failed: %v", key, err)
		}
	}
	return doc
}

// evaluate runs formula at S1!A1 of doc and waits for async calls
func evaluate(t *testing.T, doc *Document, formula string, opts ...Option) NodeValue {
	t.Helper()
	ctx, err := doc.Context("S1", 0, 0)
	if err != nil {
		t.Fatalf("Context failed: %v", err)
	}
	interp := NewInterpreter(doc.Catalog, opts...)
	v, err := interp.Evaluate(context.Background(), interp.Parse(formula), ctx)
	if err != nil {
		t.Fatalf("Evaluate(%q) failed: %v", formula, err)
	}
	return v
}

// scalarOf collapses a single-value result to its primitive
func scalarOf(t *testing.T, v NodeValue) Primitive {
	t.Helper()
	switch x := v.(type) {
	case *ValueObject:
		if x.IsArray() {
			t.Fatalf("got array %s, want a scalar", x)
		}
		return x.Scalar()
	case *RangeReference:
		m := x.Materialize()
		if m.IsArray() {
			t.Fatalf("got range %s, want a single cell", x)
		}
		return m.Scalar()
	}
	t.Fatalf("got %T (%s), want a value", v, Display(v))
	return nil
}

func assertNumber(t *testing.T, v NodeValue, want float64) {
	t.Helper()
	got, ok := scalarOf(t, v).(float64)
	if !ok {
		t.Fatalf("got %v (%T), want number %v", scalarOf(t, v), scalarOf(t, v), want)
	}
	if math.Abs(got-want) > 1e-10 {
		t.Errorf("got %v, want %v", got, want)
	}
}

func assertErrorCode(t *testing.T, v NodeValue, want ErrorCode) *SpreadsheetError {
	t.Helper()
	err, ok := v.(*SpreadsheetError)
	if !ok {
		t.Fatalf("got %T (%s), want error %s", v, Display(v), ErrorMapper[want])
	}
	if err.ErrorCode != want {
		t.Errorf("got error %s (%s), want %s", err.Marker(), err.Message, ErrorMapper[want])
	}
	return err
}

var interpreterCells = map[string]Primitive{
	"S1!A1": 5.0,
	"S1!A2": 3.0,
	"S1!A3": "Hello",
	"S1!B1": 10.0,
	"S1!B2": 20.0,
	"S2!B1": 7.0,
	"S3!A1": 11.0,
}

func TestInterpreterNumbers(t *testing.T) {
	doc := newTestDocument(t, interpreterCells)
	tests := []struct {
		formula string
		want    float64
	}{
		{"=S1!A1+S1!A2", 8},
		{"=A1+A2", 8},
		{"=1+2*3", 7},
		{"=(1+2)*3", 9},
		{"=10-2-3", 5},
		{"=2^3^2", 512},
		{"=-2^2", 4},
		{"=50%", 0.5},
		{"=200%*A1", 10},
		{"=-A1", -5},
		{"=+A1", 5},
		{"=--A1", 5},
		{"=1/4", 0.25},
		{"=SUM(A1:B2)", 38},
		{"=Sheet2!B1*2", 14},
		{"='My Sheet'!A1", 11},
		{"=TRUE+1", 2},
		{`="3"+1`, 4},
		{"=A9+1", 1},
		{"=SUM(A1:B2*2)", 76},
		{"=1.5e3/3", 500},
	}

	for _, tt := range tests {
		t.Run(tt.formula, func(t *testing.T) {
			assertNumber(t, evaluate(t, doc, tt.formula), tt.want)
		})
	}
}

func TestInterpreterDecimalAddition(t *testing.T) {
	doc := newTestDocument(t, nil)
	for _, formula := range []string{"=0.1+0.2", "=SUM(0.1, 0.2)", "=0.5-0.2"} {
		t.Run(formula, func(t *testing.T) {
			got := scalarOf(t, evaluate(t, doc, formula))
			if got != 0.3 {
				t.Errorf("%s = %v, want exactly 0.3", formula, got)
			}
		})
	}
}

func TestInterpreterTextAndComparison(t *testing.T) {
	doc := newTestDocument(t, interpreterCells)
	tests := []struct {
		formula string
		want    Primitive
	}{
		{`="a"&"b"`, "ab"},
		{`=A3&" world"`, "Hello world"},
		{"=1&2", "12"},
		{"=UPPER(A3)", "HELLO"},
		{`=0.1+0.2&""`, "0.3"},
		{"=1<2", true},
		{`="abc"="ABC"`, true},
		{`=1<"a"`, true},
		{`="z"<TRUE`, true},
		{"=A9=0", true},
		{`=A9=""`, true},
		{"=A1<>5", false},
		{"=A1>=5", true},
		{`=1&2="12"`, true},
		{`="1"&"2"<"13"`, true},
		{`="a"&1+1`, "a2"},
	}

	for _, tt := range tests {
		t.Run(tt.formula, func(t *testing.T) {
			if got := scalarOf(t, evaluate(t, doc, tt.formula)); got != tt.want {
				t.Errorf("%s = %v (%T), want %v", tt.formula, got, got, tt.want)
			}
		})
	}
}

func TestInterpreterErrors(t *testing.T) {
	doc := newTestDocument(t, interpreterCells)
	tests := []struct {
		formula string
		want    ErrorCode
	}{
		{"=S1!A1/0", ErrorCodeDiv0},
		{`="x"*2`, ErrorCodeValue},
		{"=Nope!A1", ErrorCodeRef},
		{"=#N/A+1", ErrorCodeNA},
		{"=1+", ErrorCodeError},
		{"=SUM(", ErrorCodeError},
		{"=SQRT(-1)", ErrorCodeNum},
		{"=(-1)^0.5", ErrorCodeNum},
		{"=Missing", ErrorCodeName},
		{"=SUMM(1)", ErrorCodeName},
		{"=#DIV/0!+#REF!", ErrorCodeDiv0},
		{"=#REF!+#DIV/0!", ErrorCodeRef},
		{"=SUM(1, #N/A, 1/0)", ErrorCodeNA},
		{"=-#NUM!", ErrorCodeNum},
		{"=#NULL!%", ErrorCodeNull},
	}

	for _, tt := range tests {
		t.Run(tt.formula, func(t *testing.T) {
			assertErrorCode(t, evaluate(t, doc, tt.formula), tt.want)
		})
	}
}

func TestErrorsThroughReferences(t *testing.T) {
	doc := newTestDocument(t, map[string]Primitive{
		"S1!A1": 5.0,
		"S1!C1": NewSpreadsheetError(ErrorCodeRef, ""),
		"S1!C2": NewSpreadsheetError(ErrorCodeNA, ""),
		"S1!E1": "Value",
		"S1!E2": NewSpreadsheetError(ErrorCodeNull, ""),
		"S2!A1": NewSpreadsheetError(ErrorCodeNum, ""),
	})
	doc.Catalog.DefineTable(&TableDefinition{
		Name:     "Single",
		SheetID:  "S1",
		Range:    RangeAddress{StartRow: 0, StartColumn: 4, EndRow: 1, EndColumn: 4},
		TitleMap: map[string]int{"Value": 0},
	})

	errs := []struct {
		formula string
		want    ErrorCode
	}{
		{"=C1+1/0", ErrorCodeRef},
		{"=1/0+C1", ErrorCodeDiv0},
		{"=C1+#N/A", ErrorCodeRef},
		{"=SUM(C1, 1/0)", ErrorCodeRef},
		{"=SUM(A1, C2, #REF!)", ErrorCodeNA},
		{"=SUM(C1:C2, 1)", ErrorCodeRef},
		{"=C2&#DIV/0!", ErrorCodeNA},
		{"=-C1", ErrorCodeRef},
		{"=C1%", ErrorCodeRef},
		{"=IF(C1, 1, 2)", ErrorCodeRef},
		{"=Sheet2!A1*#VALUE!", ErrorCodeNum},
		{"=Single[Value]+#DIV/0!", ErrorCodeNull},
		{"=(C2+1)*(1/0)", ErrorCodeNA},
	}
	for _, tt := range errs {
		t.Run(tt.formula, func(t *testing.T) {
			assertErrorCode(t, evaluate(t, doc, tt.formula), tt.want)
		})
	}

	values := []struct {
		formula string
		want    Primitive
	}{
		{"=ROWS(C1)", 1.0},
		{"=ISERROR(C1)", true},
		{"=IFERROR(C1, 3)", 3.0},
		{"=COUNTA(C1:C2)", 2.0},
	}
	for _, tt := range values {
		t.Run(tt.formula, func(t *testing.T) {
			if got := scalarOf(t, evaluate(t, doc, tt.formula)); got != tt.want {
				t.Errorf("%s = %v, want %v", tt.formula, got, tt.want)
			}
		})
	}
}

func TestLargeRanges(t *testing.T) {
	doc := newTestDocument(t, interpreterCells)
	ctx, err := doc.Context("S1", 0, 0)
	if err != nil {
		t.Fatalf("Context failed: %v", err)
	}
	interp := NewInterpreter(doc.Catalog)

	formulas := []string{
		"=SUM(A1:XFD1048576)",
		"=COUNT(Sheet2!A1:XFD1048576)",
		"=COUNTA(A:XFD)",
		"=A1:XFD1048576+1",
		"=-A:XFD",
	}
	results := make([]NodeValue, len(formulas))
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i, formula := range formulas {
			results[i], _ = interp.Evaluate(context.Background(), interp.Parse(formula), ctx)
		}
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("evaluating sheet-sized ranges did not finish")
	}

	assertNumber(t, results[0], 38)
	assertNumber(t, results[1], 1)
	assertNumber(t, results[2], 5)
	assertErrorCode(t, results[3], ErrorCodeNum)
	assertErrorCode(t, results[4], ErrorCodeNum)

	// ranges within the limit still expand
	assertNumber(t, evaluate(t, doc, "=SUM(B1:B1000*2)"), 60)
}

func TestInterpreterParseErrorKeepsMessage(t *testing.T) {
	interp := NewInterpreter(nil)
	tree := interp.Parse("=1+")
	if tree.NodeType() != NodeTypeError {
		t.Fatalf("Parse(=1+) = %s, want an error node", tree.NodeType())
	}
	err := tree.(*ErrorNode).Err
	if err.ErrorCode != ErrorCodeError || !strings.Contains(err.Message, "parse error") {
		t.Errorf("got %s %q, want #ERROR! with the parse message", err.Marker(), err.Message)
	}
}

func TestInterpreterErrorFunctions(t *testing.T) {
	doc := newTestDocument(t, interpreterCells)
	tests := []struct {
		formula string
		want    Primitive
	}{
		{`=IFERROR(1/0, "fallback")`, "fallback"},
		{"=IFERROR(A1, 0)", 5.0},
		{"=IFERROR(Nope!A1, -1)", -1.0},
		{"=ISERROR(#REF!)", true},
		{"=ISERROR(1)", false},
		{"=ISERROR(SQRT(-4))", true},
	}

	for _, tt := range tests {
		t.Run(tt.formula, func(t *testing.T) {
			if got := scalarOf(t, evaluate(t, doc, tt.formula)); got != tt.want {
				t.Errorf("%s = %v, want %v", tt.formula, got, tt.want)
			}
		})
	}
}

func TestInterpreterConditionalIsLazy(t *testing.T) {
	doc := newTestDocument(t, interpreterCells)
	calls := 0
	functions := NewBuiltInFunctions(nil, nil)
	functions.Register("BOOM", func(args ...any) (Primitive, error) {
		calls++
		return nil, NewSpreadsheetError(ErrorCodeValue, "boom")
	})

	tests := []struct {
		formula string
		want    Primitive
	}{
		{"=IF(TRUE, 1, BOOM())", 1.0},
		{"=IF(FALSE, BOOM(), 2)", 2.0},
		{"=IF(FALSE, 1)", false},
		{`=IF(A1>3, "big", "small")`, "big"},
		{`=IF(A3, "text is truthy", "no")`, "text is truthy"},
	}
	for _, tt := range tests {
		t.Run(tt.formula, func(t *testing.T) {
			got := scalarOf(t, evaluate(t, doc, tt.formula, WithFunctions(functions)))
			if got != tt.want {
				t.Errorf("%s = %v, want %v", tt.formula, got, tt.want)
			}
		})
	}
	if calls != 0 {
		t.Errorf("BOOM was called %d times, want 0", calls)
	}

	assertErrorCode(t, evaluate(t, doc, "=IF(#REF!, 1, 2)", WithFunctions(functions)), ErrorCodeRef)
	assertErrorCode(t, evaluate(t, doc, "=IF(TRUE, BOOM())", WithFunctions(functions)), ErrorCodeValue)
	assertErrorCode(t, evaluate(t, doc, "=IF(TRUE)", WithFunctions(functions)), ErrorCodeNA)
	if calls != 1 {
		t.Errorf("BOOM was called %d times, want 1", calls)
	}
}

func TestInterpreterArrays(t *testing.T) {
	doc := newTestDocument(t, interpreterCells)
	tests := []struct {
		formula string
		want    string
	}{
		{"=A1:B2*2", "{10,20;6,40}"},
		{"=A1:A2+B1:B2", "{15;23}"},
		{"=A1:B1=5", "{TRUE,FALSE}"},
		{"=-A1:B1", "{-5,-10}"},
		{"=A1:B2", "{5,10;3,20}"},
		{"=A1:A2+B1:B1", "{15,20;13,23}"},
	}

	for _, tt := range tests {
		t.Run(tt.formula, func(t *testing.T) {
			if got := Display(evaluate(t, doc, tt.formula)); got != tt.want {
				t.Errorf("%s = %s, want %s", tt.formula, got, tt.want)
			}
		})
	}
}

func TestInterpreterFrameReusesValues(t *testing.T) {
	doc := newTestDocument(t, nil)
	calls := 0
	functions := NewBuiltInFunctions(nil, nil)
	functions.Register("COUNTER", func(args ...any) (Primitive, error) {
		calls++
		return float64(calls), nil
	})
	interp := NewInterpreter(doc.Catalog, WithFunctions(functions))
	ctx, _ := doc.Context("S1", 0, 0)
	tree := interp.Parse("=COUNTER()+1")

	frame := NewFrame(context.Background())
	assertNumber(t, interp.Execute(tree, ctx, frame), 2)
	assertNumber(t, interp.Execute(tree, ctx, frame), 2)
	if calls != 1 {
		t.Errorf("COUNTER called %d times with a shared frame, want 1", calls)
	}

	assertNumber(t, interp.Execute(tree, ctx, nil), 3)
	if calls != 2 {
		t.Errorf("COUNTER called %d times, want 2 after a fresh frame", calls)
	}
}

// asyncFetch registers FETCH, an async function that blocks until release
// is closed and then returns its argument, or 42 without one
type asyncFetch struct {
	calls   atomic.Int32
	release chan struct{}
}

func newAsyncFetch(functions *FunctionRegistry) *asyncFetch {
	f := &asyncFetch{release: make(chan struct{})}
	functions.RegisterAsync("FETCH", func(ctx context.Context, args ...any) (Primitive, error) {
		f.calls.Add(1)
		select {
		case <-f.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if len(args) == 1 {
			return args[0], nil
		}
		return 42.0, nil
	})
	return f
}

func (f *asyncFetch) Release() {
	close(f.release)
}

func TestInterpreterAsyncEvaluate(t *testing.T) {
	doc := newTestDocument(t, interpreterCells)
	functions := NewBuiltInFunctions(nil, nil)
	fetch := newAsyncFetch(functions)
	fetch.Release()

	assertNumber(t, evaluate(t, doc, "=FETCH()*2", WithFunctions(functions)), 84)
	assertNumber(t, evaluate(t, doc, "=FETCH(1)+FETCH(A1)", WithFunctions(functions)), 6)
	if got := fetch.calls.Load(); got != 3 {
		t.Errorf("FETCH called %d times, want 3", got)
	}
}

func TestInterpreterAsyncResume(t *testing.T) {
	doc := newTestDocument(t, nil)
	functions := NewBuiltInFunctions(nil, nil)
	fetch := newAsyncFetch(functions)
	interp := NewInterpreter(doc.Catalog, WithFunctions(functions))
	ctx, _ := doc.Context("S1", 0, 0)
	tree := interp.Parse("=FETCH()+1")
	frame := NewFrame(context.Background())

	first, ok := interp.Execute(tree, ctx, frame).(*AsyncValue)
	if !ok {
		t.Fatal("expected an async value while FETCH is pending")
	}
	if len(frame.Pending()) != 1 {
		t.Errorf("frame has %d pending futures, want 1", len(frame.Pending()))
	}
	if _, ok := interp.Execute(tree, ctx, frame).(*AsyncValue); !ok {
		t.Fatal("expected an async value on re-execution before release")
	}

	fetch.Release()
	select {
	case <-first.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("FETCH did not resolve")
	}
	assertNumber(t, interp.Execute(tree, ctx, frame), 43)
	if len(frame.Pending()) != 0 {
		t.Errorf("frame still has %d pending futures", len(frame.Pending()))
	}
	if got := fetch.calls.Load(); got != 1 {
		t.Errorf("FETCH launched %d times, want 1", got)
	}
}

func TestInterpreterErrorDominanceWithAsync(t *testing.T) {
	doc := newTestDocument(t, nil)
	ctx, _ := doc.Context("S1", 0, 0)

	t.Run("ErrorAfterPendingWaits", func(t *testing.T) {
		functions := NewBuiltInFunctions(nil, nil)
		fetch := newAsyncFetch(functions)
		interp := NewInterpreter(doc.Catalog, WithFunctions(functions))
		tree := interp.Parse("=FETCH()+#REF!")
		frame := NewFrame(context.Background())

		async, ok := interp.Execute(tree, ctx, frame).(*AsyncValue)
		if !ok {
			t.Fatal("an error after a pending call must not decide the result yet")
		}
		fetch.Release()
		<-async.Done()
		assertErrorCode(t, interp.Execute(tree, ctx, frame), ErrorCodeRef)
	})

	t.Run("ErrorBeforePendingWins", func(t *testing.T) {
		functions := NewBuiltInFunctions(nil, nil)
		fetch := newAsyncFetch(functions)
		defer fetch.Release()
		interp := NewInterpreter(doc.Catalog, WithFunctions(functions))

		assertErrorCode(t, interp.Execute(interp.Parse("=#REF!+FETCH()"), ctx, nil), ErrorCodeRef)
		if got := fetch.calls.Load(); got != 0 {
			t.Errorf("FETCH launched %d times, want 0", got)
		}
	})

	t.Run("ErrorAcceptingFunctions", func(t *testing.T) {
		functions := NewBuiltInFunctions(nil, nil)
		fetch := newAsyncFetch(functions)
		fetch.Release()
		assertNumber(t, evaluate(t, doc, "=IFERROR(FETCH(), 7)", WithFunctions(functions)), 42)
		assertNumber(t, evaluate(t, doc, "=IFERROR(FETCH(#N/A), 7)", WithFunctions(functions)), 7)
		if got := fetch.calls.Load(); got != 1 {
			t.Errorf("FETCH launched %d times, want 1", got)
		}
	})
}

func TestInterpreterAsyncFailures(t *testing.T) {
	doc := newTestDocument(t, nil)
	functions := NewBuiltInFunctions(nil, nil)
	functions.RegisterAsync("DOWN", func(ctx context.Context, args ...any) (Primitive, error) {
		return nil, errors.New("backend unavailable")
	})
	functions.RegisterAsync("BADARG", func(ctx context.Context, args ...any) (Primitive, error) {
		return nil, NewSpreadsheetError(ErrorCodeValue, "bad argument")
	})
	functions.RegisterAsync("PANICS", func(ctx context.Context, args ...any) (Primitive, error) {
		panic("unreachable backend")
	})

	assertErrorCode(t, evaluate(t, doc, "=DOWN()", WithFunctions(functions)), ErrorCodeNA)
	assertErrorCode(t, evaluate(t, doc, "=BADARG()", WithFunctions(functions)), ErrorCodeValue)
	assertErrorCode(t, evaluate(t, doc, "=PANICS()+1", WithFunctions(functions)), ErrorCodeNA)
}

func TestInterpreterEvaluateCancelled(t *testing.T) {
	doc := newTestDocument(t, nil)
	functions := NewBuiltInFunctions(nil, nil)
	hang := make(chan struct{})
	defer close(hang)
	functions.RegisterAsync("HANG", func(ctx context.Context, args ...any) (Primitive, error) {
		<-hang
		return 1.0, nil
	})
	interp := NewInterpreter(doc.Catalog, WithFunctions(functions))
	cellCtx, _ := doc.Context("S1", 0, 0)

	goctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := interp.Evaluate(goctx, interp.Parse("=HANG()"), cellCtx)
	if err == nil {
		t.Fatal("expected an error when the deadline passes")
	}
	if code := ErrorCodeOf(err); code != DeadlineExceeded {
		t.Errorf("ErrorCodeOf = %d, want DeadlineExceeded", code)
	}
}
