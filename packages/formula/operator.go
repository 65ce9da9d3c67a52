package formula

import (
	"math"
	"strings"

	"github.com/cockroachdb/apd"
)

// decimalContext rounds sums to the 15 significant digits a spreadsheet
// displays, so 0.1+0.2 is 0.3
var decimalContext = apd.BaseContext.WithPrecision(15)

// decimalSum adds values in decimal arithmetic. it falls back to float
// addition for values apd cannot represent (NaN, infinities) or on
// overflow.
func decimalSum(values ...float64) float64 {
	var sum, term, next apd.Decimal
	for _, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return floatSum(values)
		}
		if _, err := term.SetFloat64(v); err != nil {
			return floatSum(values)
		}
		if _, err := decimalContext.Add(&next, &sum, &term); err != nil {
			return floatSum(values)
		}
		sum.Set(&next)
	}
	f, err := sum.Float64()
	if err != nil {
		return floatSum(values)
	}
	return f
}

func floatSum(values []float64) float64 {
	total := 0.0
	for _, v := range values {
		total += v
	}
	return total
}

// Broadcast expands the value to rows x cols following single-row and
// single-column broadcasting
func (v *ValueObject) Broadcast(rows, cols int) *ValueObject {
	out := make([][]Primitive, rows)
	for i := range out {
		out[i] = make([]Primitive, cols)
		for j := range out[i] {
			out[i][j] = v.At(i, j)
		}
	}
	return NewArray(out)
}

// elementwise applies fn to each aligned pair of elements. two scalars give
// a scalar; otherwise the result takes the larger extent in each dimension.
func elementwise(left, right *ValueObject, fn func(a, b Primitive) Primitive) NodeValue {
	if !left.IsArray() && !right.IsArray() {
		return primitiveValue(fn(left.Scalar(), right.Scalar()))
	}
	rows := max(left.RowCount(), right.RowCount())
	cols := max(left.ColumnCount(), right.ColumnCount())
	out := make([][]Primitive, rows)
	for i := range out {
		out[i] = make([]Primitive, cols)
		for j := range out[i] {
			out[i][j] = fn(left.At(i, j), right.At(i, j))
		}
	}
	return NewArray(out)
}

// primitiveValue lifts a scalar result into a NodeValue, keeping errors as
// error values
func primitiveValue(p Primitive) NodeValue {
	if err := checkForError(p); err != nil {
		return err
	}
	return NewScalar(p)
}

func applyBinary(op string, left, right NodeValue) NodeValue {
	return elementwise(toValueObject(left), toValueObject(right), func(a, b Primitive) Primitive {
		return binaryScalar(op, a, b)
	})
}

func applyUnary(op string, operand NodeValue) NodeValue {
	value := toValueObject(operand)
	return elementwise(value, NewScalar(nil), func(a, _ Primitive) Primitive {
		return unaryScalar(op, a)
	})
}

func binaryScalar(op string, left, right Primitive) Primitive {
	if err := checkForError(left); err != nil {
		return err
	}
	if err := checkForError(right); err != nil {
		return err
	}

	switch op {
	case "&":
		return toString(left) + toString(right)
	case "=":
		return comparePrimitives(left, right) == 0
	case "<>":
		return comparePrimitives(left, right) != 0
	case "<":
		return comparePrimitives(left, right) < 0
	case "<=":
		return comparePrimitives(left, right) <= 0
	case ">":
		return comparePrimitives(left, right) > 0
	case ">=":
		return comparePrimitives(left, right) >= 0
	}

	leftNum, leftOk := toNumber(left)
	rightNum, rightOk := toNumber(right)
	if !leftOk || !rightOk {
		return NewSpreadsheetError(ErrorCodeValue, "operator "+op+" requires numeric values")
	}

	switch op {
	case "+":
		return decimalSum(leftNum, rightNum)
	case "-":
		return decimalSum(leftNum, -rightNum)
	case "*":
		return leftNum * rightNum
	case "/":
		if rightNum == 0 {
			return NewSpreadsheetError(ErrorCodeDiv0, "Division by zero")
		}
		return leftNum / rightNum
	case "^":
		result := math.Pow(leftNum, rightNum)
		if math.IsNaN(result) || math.IsInf(result, 0) {
			return NewSpreadsheetError(ErrorCodeNum, "power result is not a finite number")
		}
		return result
	}
	return NewSpreadsheetError(ErrorCodeValue, "unknown operator "+op)
}

func unaryScalar(op string, value Primitive) Primitive {
	if err := checkForError(value); err != nil {
		return err
	}
	num, ok := toNumber(value)
	if !ok {
		return NewSpreadsheetError(ErrorCodeValue, "operator "+op+" requires a numeric value")
	}
	switch op {
	case "+":
		return num
	case "-":
		return -num
	case "%":
		return num / 100.0
	}
	return NewSpreadsheetError(ErrorCodeValue, "unknown operator "+op)
}

// comparePrimitives compares two primitive values. returns -1 if left < right,
// 0 if equal, 1 if left > right. numbers sort before text and text before
// booleans; text compares case-insensitively. an empty value compares as
// the zero value of the other side's type.
func comparePrimitives(left, right Primitive) int {
	if left == nil && right == nil {
		return 0
	}
	if left == nil {
		left = zeroLike(right)
	}
	if right == nil {
		right = zeroLike(left)
	}

	lr, rr := typeRank(left), typeRank(right)
	if lr != rr {
		if lr < rr {
			return -1
		}
		return 1
	}

	switch l := left.(type) {
	case float64:
		r := right.(float64)
		switch {
		case l < r:
			return -1
		case l > r:
			return 1
		}
		return 0
	case bool:
		r := right.(bool)
		switch {
		case l == r:
			return 0
		case !l:
			return -1
		}
		return 1
	}
	return strings.Compare(strings.ToLower(toString(left)), strings.ToLower(toString(right)))
}

func typeRank(value Primitive) int {
	switch value.(type) {
	case float64:
		return 0
	case string:
		return 1
	case bool:
		return 2
	}
	return 3
}

func zeroLike(value Primitive) Primitive {
	switch value.(type) {
	case string:
		return ""
	case bool:
		return false
	}
	return 0.0
}
