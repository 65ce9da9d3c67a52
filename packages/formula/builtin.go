package formula

import (
	"context"
	"fmt"
	"iter"
	"math"
	"math/rand/v2"
	"sort"
	"strings"
	"time"
)

// Clock interface provides time functionality for testing
type Clock interface {
	Now() time.Time
}

// WallClock is the default implementation using system time
type WallClock struct{}

func (w *WallClock) Now() time.Time {
	return time.Now()
}

// RandomGenerator interface provides random number generation for testing
type RandomGenerator interface {
	Float64() float64
}

// DefaultRandomGenerator uses the standard library's rand package
type DefaultRandomGenerator struct{}

func (d *DefaultRandomGenerator) Float64() float64 {
	return rand.Float64()
}

// Func is a synchronous spreadsheet function. arguments are primitives,
// or a Range for multi-cell references and arrays.
type Func func(args ...any) (Primitive, error)

// AsyncFunc is a function whose result arrives later, e.g. a remote
// lookup. it runs on its own goroutine and must honor ctx.
type AsyncFunc func(ctx context.Context, args ...any) (Primitive, error)

// FunctionSpec describes one registered function
type FunctionSpec struct {
	Name  string
	Call  Func
	Async AsyncFunc

	// AcceptsErrors passes error arguments through instead of applying
	// error dominance (IFERROR, ISERROR)
	AcceptsErrors bool
	// AcceptsReferences passes references unmaterialized, even single cells
	// (ROWS, COLUMNS)
	AcceptsReferences bool
	// Conditional evaluates the first argument, then only the branch it
	// selects (IF)
	Conditional bool
	// Volatile functions are recalculated on every pass
	Volatile bool
}

// FunctionOption adjusts a FunctionSpec at registration
type FunctionOption func(*FunctionSpec)

func AcceptErrors() FunctionOption {
	return func(s *FunctionSpec) { s.AcceptsErrors = true }
}

func AcceptReferences() FunctionOption {
	return func(s *FunctionSpec) { s.AcceptsReferences = true }
}

func Volatile() FunctionOption {
	return func(s *FunctionSpec) { s.Volatile = true }
}

func conditional() FunctionOption {
	return func(s *FunctionSpec) { s.Conditional = true }
}

// FunctionRegistry maps upper-case function names to their implementation
type FunctionRegistry struct {
	funcs map[string]*FunctionSpec
	clock Clock
	rng   RandomGenerator
}

// NewFunctionRegistry creates an empty registry
func NewFunctionRegistry() *FunctionRegistry {
	return &FunctionRegistry{
		funcs: make(map[string]*FunctionSpec),
		clock: &WallClock{},
		rng:   &DefaultRandomGenerator{},
	}
}

// NewBuiltInFunctions creates a registry holding the built-in functions.
// nil clock or rng select the defaults.
func NewBuiltInFunctions(clock Clock, rng RandomGenerator) *FunctionRegistry {
	r := NewFunctionRegistry()
	if clock != nil {
		r.clock = clock
	}
	if rng != nil {
		r.rng = rng
	}

	r.Register("SUM", SUM)
	r.Register("AVERAGE", AVERAGE)
	r.Register("COUNT", COUNT)
	r.Register("COUNTA", COUNTA)
	r.Register("MAX", MAX)
	r.Register("MIN", MIN)
	r.Register("MEDIAN", MEDIAN)
	r.Register("IF", IF, conditional())
	r.Register("AND", AND)
	r.Register("OR", OR)
	r.Register("NOT", NOT)
	r.Register("CONCATENATE", CONCATENATE)
	r.Register("LEN", LEN)
	r.Register("UPPER", UPPER)
	r.Register("LOWER", LOWER)
	r.Register("TRIM", TRIM)
	r.Register("ABS", ABS)
	r.Register("ROUND", ROUND)
	r.Register("FLOOR", FLOOR)
	r.Register("CEILING", CEILING)
	r.Register("SQRT", SQRT)
	r.Register("POWER", POWER)
	r.Register("MOD", MOD)
	r.Register("PI", PI)
	r.Register("IFERROR", IFERROR, AcceptErrors())
	r.Register("ISERROR", ISERROR, AcceptErrors())
	r.Register("ROWS", ROWS, AcceptReferences())
	r.Register("COLUMNS", COLUMNS, AcceptReferences())
	r.Register("NOW", r.NOW, Volatile())
	r.Register("TODAY", r.TODAY, Volatile())
	r.Register("RAND", r.RAND, Volatile())
	return r
}

// Register adds or replaces a synchronous function
func (r *FunctionRegistry) Register(name string, fn Func, opts ...FunctionOption) {
	spec := &FunctionSpec{Name: strings.ToUpper(name), Call: fn}
	for _, opt := range opts {
		opt(spec)
	}
	r.funcs[spec.Name] = spec
}

// RegisterAsync adds or replaces an asynchronous function
func (r *FunctionRegistry) RegisterAsync(name string, fn AsyncFunc, opts ...FunctionOption) {
	spec := &FunctionSpec{Name: strings.ToUpper(name), Async: fn}
	for _, opt := range opts {
		opt(spec)
	}
	r.funcs[spec.Name] = spec
}

// Lookup finds a function by name, case-insensitively
func (r *FunctionRegistry) Lookup(name string) (*FunctionSpec, bool) {
	spec, ok := r.funcs[strings.ToUpper(name)]
	return spec, ok
}

// Call invokes a synchronous function by name with the given arguments
func (r *FunctionRegistry) Call(name string, args ...any) (Primitive, error) {
	spec, ok := r.Lookup(name)
	if !ok || spec.Call == nil {
		return nil, NewSpreadsheetError(ErrorCodeName, fmt.Sprintf("Unknown function: %s", name))
	}
	return spec.Call(args...)
}

// Names returns every registered function name, sorted
func (r *FunctionRegistry) Names() []string {
	names := make([]string, 0, len(r.funcs))
	for name := range r.funcs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// functionArg converts an evaluated argument into what a Func receives
func functionArg(v NodeValue, keepReferences bool) any {
	switch t := v.(type) {
	case *SpreadsheetError:
		return t
	case *RangeReference:
		if keepReferences {
			return t
		}
		if t.Address.RowCount() == 1 && t.Address.ColumnCount() == 1 {
			return t.Materialize().Scalar()
		}
		return t
	case *ValueObject:
		if t.IsArray() {
			return t
		}
		return t.Scalar()
	}
	return nil
}

// functionResult lifts a Func result into a NodeValue
func functionResult(result Primitive, err error) NodeValue {
	if err != nil {
		if se, ok := err.(*SpreadsheetError); ok {
			return se
		}
		return NewSpreadsheetError(ErrorCodeValue, err.Error())
	}
	switch t := result.(type) {
	case *SpreadsheetError:
		return t
	case *RangeReference:
		return t
	case *ValueObject:
		return t
	case int:
		return NewScalar(float64(t))
	}
	return NewScalar(result)
}

// values flattens arguments: ranges yield their cells with fromRange set,
// plain arguments yield themselves
func values(args []any) iter.Seq2[Primitive, bool] {
	return func(yield func(Primitive, bool) bool) {
		for _, arg := range args {
			if r, ok := arg.(Range); ok {
				for value := range r.IterateValues() {
					if !yield(value, true) {
						return
					}
				}
				continue
			}
			if !yield(arg, false) {
				return
			}
		}
	}
}

// numbers collects numeric values the way aggregate functions see them:
// range cells count only when they hold numbers, direct arguments are
// coerced. the first error wins.
func numbers(args []any) ([]float64, *SpreadsheetError) {
	var out []float64
	for value, fromRange := range values(args) {
		if err := checkForError(value); err != nil {
			return nil, err
		}
		if fromRange {
			if num, ok := value.(float64); ok && !math.IsNaN(num) {
				out = append(out, num)
			}
			continue
		}
		if num, ok := toNumber(value); ok && !math.IsNaN(num) {
			out = append(out, num)
		}
	}
	return out, nil
}

// scalarArgs checks arity and rejects error arguments
func scalarArgs(name string, args []any, minArgs, maxArgs int) *SpreadsheetError {
	if len(args) < minArgs || len(args) > maxArgs {
		if minArgs == maxArgs {
			return NewSpreadsheetError(ErrorCodeNA, fmt.Sprintf("%s requires exactly %d argument(s)", name, minArgs))
		}
		return NewSpreadsheetError(ErrorCodeNA, fmt.Sprintf("%s requires %d to %d arguments", name, minArgs, maxArgs))
	}
	for _, arg := range args {
		if err := checkForError(arg); err != nil {
			return err
		}
	}
	return nil
}

func numberArg(name string, arg any) (float64, *SpreadsheetError) {
	if _, isRange := arg.(Range); isRange {
		return 0, NewSpreadsheetError(ErrorCodeValue, name+" requires a single value")
	}
	num, ok := toNumber(arg)
	if !ok {
		return 0, NewSpreadsheetError(ErrorCodeValue, name+" requires a numeric argument")
	}
	return num, nil
}

func SUM(args ...any) (Primitive, error) {
	nums, err := numbers(args)
	if err != nil {
		return nil, err
	}
	return decimalSum(nums...), nil
}

func AVERAGE(args ...any) (Primitive, error) {
	nums, err := numbers(args)
	if err != nil {
		return nil, err
	}
	if len(nums) == 0 {
		return nil, NewSpreadsheetError(ErrorCodeDiv0, "Division by zero")
	}
	return decimalSum(nums...) / float64(len(nums)), nil
}

// COUNT counts numbers. errors inside ranges are skipped, direct error
// arguments propagate.
func COUNT(args ...any) (Primitive, error) {
	count := 0
	for value, fromRange := range values(args) {
		if err := checkForError(value); err != nil {
			if fromRange {
				continue
			}
			return nil, err
		}
		if _, ok := value.(float64); ok {
			count++
		}
	}
	return float64(count), nil
}

// COUNTA counts every non-empty value, errors inside ranges included
func COUNTA(args ...any) (Primitive, error) {
	count := 0
	for value, fromRange := range values(args) {
		if err := checkForError(value); err != nil && !fromRange {
			return nil, err
		}
		if value != nil {
			count++
		}
	}
	return float64(count), nil
}

func MAX(args ...any) (Primitive, error) {
	nums, err := numbers(args)
	if err != nil {
		return nil, err
	}
	if len(nums) == 0 {
		return 0.0, nil
	}
	result := math.Inf(-1)
	for _, n := range nums {
		result = max(result, n)
	}
	return result, nil
}

func MIN(args ...any) (Primitive, error) {
	nums, err := numbers(args)
	if err != nil {
		return nil, err
	}
	if len(nums) == 0 {
		return 0.0, nil
	}
	result := math.Inf(1)
	for _, n := range nums {
		result = min(result, n)
	}
	return result, nil
}

func MEDIAN(args ...any) (Primitive, error) {
	nums, err := numbers(args)
	if err != nil {
		return nil, err
	}
	if len(nums) == 0 {
		return nil, NewSpreadsheetError(ErrorCodeNum, "MEDIAN has no numeric values")
	}
	sort.Float64s(nums)
	mid := len(nums) / 2
	if len(nums)%2 == 0 {
		return (nums[mid-1] + nums[mid]) / 2, nil
	}
	return nums[mid], nil
}

// IF only sees the branch its condition selected; the interpreter
// evaluates the arguments lazily and passes the condition and that branch
func IF(args ...any) (Primitive, error) {
	if len(args) < 1 || len(args) > 2 {
		return nil, NewSpreadsheetError(ErrorCodeNA, "IF requires 2 or 3 arguments")
	}
	if err := checkForError(args[0]); err != nil {
		return nil, err
	}
	if len(args) == 1 {
		return false, nil
	}
	return args[1], nil
}

func AND(args ...any) (Primitive, error) {
	if len(args) == 0 {
		return nil, NewSpreadsheetError(ErrorCodeNA, "AND requires at least 1 argument")
	}
	result := true
	for value, fromRange := range values(args) {
		if err := checkForError(value); err != nil {
			return nil, err
		}
		if fromRange && value == nil {
			continue
		}
		if !isTruthy(value) {
			result = false
		}
	}
	return result, nil
}

func OR(args ...any) (Primitive, error) {
	if len(args) == 0 {
		return nil, NewSpreadsheetError(ErrorCodeNA, "OR requires at least 1 argument")
	}
	result := false
	for value, fromRange := range values(args) {
		if err := checkForError(value); err != nil {
			return nil, err
		}
		if fromRange && value == nil {
			continue
		}
		if isTruthy(value) {
			result = true
		}
	}
	return result, nil
}

func NOT(args ...any) (Primitive, error) {
	if err := scalarArgs("NOT", args, 1, 1); err != nil {
		return nil, err
	}
	return !isTruthy(args[0]), nil
}

func CONCATENATE(args ...any) (Primitive, error) {
	var result strings.Builder
	for value := range values(args) {
		if err := checkForError(value); err != nil {
			return nil, err
		}
		result.WriteString(toString(value))
	}
	return result.String(), nil
}

func LEN(args ...any) (Primitive, error) {
	if err := scalarArgs("LEN", args, 1, 1); err != nil {
		return nil, err
	}
	return float64(len([]rune(toString(args[0])))), nil
}

func UPPER(args ...any) (Primitive, error) {
	if err := scalarArgs("UPPER", args, 1, 1); err != nil {
		return nil, err
	}
	return strings.ToUpper(toString(args[0])), nil
}

func LOWER(args ...any) (Primitive, error) {
	if err := scalarArgs("LOWER", args, 1, 1); err != nil {
		return nil, err
	}
	return strings.ToLower(toString(args[0])), nil
}

// TRIM removes leading and trailing spaces and collapses inner runs
func TRIM(args ...any) (Primitive, error) {
	if err := scalarArgs("TRIM", args, 1, 1); err != nil {
		return nil, err
	}
	return strings.Join(strings.Fields(toString(args[0])), " "), nil
}

func ABS(args ...any) (Primitive, error) {
	if err := scalarArgs("ABS", args, 1, 1); err != nil {
		return nil, err
	}
	num, err := numberArg("ABS", args[0])
	if err != nil {
		return nil, err
	}
	return math.Abs(num), nil
}

func ROUND(args ...any) (Primitive, error) {
	if err := scalarArgs("ROUND", args, 1, 2); err != nil {
		return nil, err
	}
	num, err := numberArg("ROUND", args[0])
	if err != nil {
		return nil, err
	}
	places := 0.0
	if len(args) == 2 {
		if places, err = numberArg("ROUND", args[1]); err != nil {
			return nil, err
		}
	}
	multiplier := math.Pow(10, math.Trunc(places))
	return math.Round(num*multiplier) / multiplier, nil
}

func FLOOR(args ...any) (Primitive, error) {
	if err := scalarArgs("FLOOR", args, 1, 1); err != nil {
		return nil, err
	}
	num, err := numberArg("FLOOR", args[0])
	if err != nil {
		return nil, err
	}
	return math.Floor(num), nil
}

func CEILING(args ...any) (Primitive, error) {
	if err := scalarArgs("CEILING", args, 1, 1); err != nil {
		return nil, err
	}
	num, err := numberArg("CEILING", args[0])
	if err != nil {
		return nil, err
	}
	return math.Ceil(num), nil
}

func SQRT(args ...any) (Primitive, error) {
	if err := scalarArgs("SQRT", args, 1, 1); err != nil {
		return nil, err
	}
	num, err := numberArg("SQRT", args[0])
	if err != nil {
		return nil, err
	}
	if num < 0 {
		return nil, NewSpreadsheetError(ErrorCodeNum, "SQRT requires a non-negative argument")
	}
	return math.Sqrt(num), nil
}

func POWER(args ...any) (Primitive, error) {
	if err := scalarArgs("POWER", args, 2, 2); err != nil {
		return nil, err
	}
	base, err := numberArg("POWER", args[0])
	if err != nil {
		return nil, err
	}
	exp, err := numberArg("POWER", args[1])
	if err != nil {
		return nil, err
	}
	result := math.Pow(base, exp)
	if math.IsNaN(result) || math.IsInf(result, 0) {
		return nil, NewSpreadsheetError(ErrorCodeNum, "POWER result is not a finite number")
	}
	return result, nil
}

// MOD takes the sign of the divisor, as spreadsheets do
func MOD(args ...any) (Primitive, error) {
	if err := scalarArgs("MOD", args, 2, 2); err != nil {
		return nil, err
	}
	dividend, err := numberArg("MOD", args[0])
	if err != nil {
		return nil, err
	}
	divisor, err := numberArg("MOD", args[1])
	if err != nil {
		return nil, err
	}
	if divisor == 0 {
		return nil, NewSpreadsheetError(ErrorCodeDiv0, "Division by zero")
	}
	return dividend - divisor*math.Floor(dividend/divisor), nil
}

func PI(args ...any) (Primitive, error) {
	if err := scalarArgs("PI", args, 0, 0); err != nil {
		return nil, err
	}
	return math.Pi, nil
}

// IFERROR returns the fallback when the value is an error
func IFERROR(args ...any) (Primitive, error) {
	if len(args) != 2 {
		return nil, NewSpreadsheetError(ErrorCodeNA, "IFERROR requires exactly 2 argument(s)")
	}
	if checkForError(args[0]) != nil {
		return args[1], nil
	}
	return args[0], nil
}

func ISERROR(args ...any) (Primitive, error) {
	if len(args) != 1 {
		return nil, NewSpreadsheetError(ErrorCodeNA, "ISERROR requires exactly 1 argument(s)")
	}
	return checkForError(args[0]) != nil, nil
}

// extent returns the row and column counts of a reference or array argument
func extent(name string, args []any) (rows, cols int, err *SpreadsheetError) {
	if err := scalarArgs(name, args, 1, 1); err != nil {
		return 0, 0, err
	}
	switch t := args[0].(type) {
	case *RangeReference:
		return t.Address.RowCount(), t.Address.ColumnCount(), nil
	case *ValueObject:
		return t.RowCount(), t.ColumnCount(), nil
	}
	return 1, 1, nil
}

func ROWS(args ...any) (Primitive, error) {
	rows, _, err := extent("ROWS", args)
	if err != nil {
		return nil, err
	}
	return float64(rows), nil
}

func COLUMNS(args ...any) (Primitive, error) {
	_, cols, err := extent("COLUMNS", args)
	if err != nil {
		return nil, err
	}
	return float64(cols), nil
}

// Excel date/time constants
const (
	// December 30, 1899 00:00:00 UTC in Unix milliseconds
	excelEpochMs = -2209161600000
	msPerDay     = 86400000
)

// NOW returns the current time as an Excel serial number
func (r *FunctionRegistry) NOW(args ...any) (Primitive, error) {
	if err := scalarArgs("NOW", args, 0, 0); err != nil {
		return nil, err
	}
	diffMs := float64(r.clock.Now().UnixMilli() - excelEpochMs)
	return diffMs / msPerDay, nil
}

func (r *FunctionRegistry) TODAY(args ...any) (Primitive, error) {
	if err := scalarArgs("TODAY", args, 0, 0); err != nil {
		return nil, err
	}
	now := r.clock.Now()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	diffMs := float64(midnight.UnixMilli() - excelEpochMs)
	return math.Floor(diffMs / msPerDay), nil
}

func (r *FunctionRegistry) RAND(args ...any) (Primitive, error) {
	if err := scalarArgs("RAND", args, 0, 0); err != nil {
		return nil, err
	}
	return r.rng.Float64(), nil
}
