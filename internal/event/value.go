package event

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ValueKind discriminates the scalar held by a Value.
type ValueKind int

const (
	KindString ValueKind = iota
	KindBool
	KindInt
	KindUint
	KindFloat
)

func (k ValueKind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindUint:
		return "uint"
	case KindFloat:
		return "float"
	}
	return fmt.Sprintf("ValueKind(%d)", int(k))
}

// ParseValueKind is the inverse of ValueKind.String.
func ParseValueKind(s string) (ValueKind, error) {
	for k := KindString; k <= KindFloat; k++ {
		if k.String() == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown value kind %q", s)
}

// Value is a typed signal scalar. The zero value is the empty string.
type Value struct {
	kind ValueKind
	s    string
	b    bool
	i    int64
	u    uint64
	f    float64
}

// StringValue wraps a string.
func StringValue(s string) Value { return Value{kind: KindString, s: s} }

// BoolValue wraps a bool.
func BoolValue(b bool) Value { return Value{kind: KindBool, b: b} }

// IntValue wraps a signed integer.
func IntValue(i int64) Value { return Value{kind: KindInt, i: i} }

// UintValue wraps an unsigned integer.
func UintValue(u uint64) Value { return Value{kind: KindUint, u: u} }

// FloatValue wraps a float.
func FloatValue(f float64) Value { return Value{kind: KindFloat, f: f} }

func (v Value) Kind() ValueKind { return v.kind }

func (v Value) IsNumeric() bool {
	return v.kind == KindInt || v.kind == KindUint || v.kind == KindFloat
}

// Interface returns the scalar as a plain Go value (string, bool, int64, uint64 or float64).
func (v Value) Interface() any {
	switch v.kind {
	case KindBool:
		return v.b
	case KindInt:
		return v.i
	case KindUint:
		return v.u
	case KindFloat:
		return v.f
	}
	return v.s
}

// Float64 returns the numeric value widened to float64.
func (v Value) Float64() (float64, bool) {
	switch v.kind {
	case KindInt:
		return float64(v.i), true
	case KindUint:
		return float64(v.u), true
	case KindFloat:
		return v.f, true
	}
	return 0, false
}

func (v Value) String() string {
	switch v.kind {
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindInt:
		return strconv.FormatInt(v.i, 10)
	case KindUint:
		return strconv.FormatUint(v.u, 10)
	case KindFloat:
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	}
	return v.s
}

// Equal reports exact equality. Numeric kinds compare by value, so
// IntValue(48) equals FloatValue(48); no tolerance is applied.
func (v Value) Equal(o Value) bool {
	if v.IsNumeric() && o.IsNumeric() {
		return numericEqual(v, o)
	}
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindBool:
		return v.b == o.b
	default:
		return v.s == o.s
	}
}

func numericEqual(a, b Value) bool {
	switch {
	case a.kind == KindInt && b.kind == KindInt:
		return a.i == b.i
	case a.kind == KindUint && b.kind == KindUint:
		return a.u == b.u
	case a.kind == KindInt && b.kind == KindUint:
		return a.i >= 0 && uint64(a.i) == b.u
	case a.kind == KindUint && b.kind == KindInt:
		return b.i >= 0 && uint64(b.i) == a.u
	}
	af, _ := a.Float64()
	bf, _ := b.Float64()
	return af == bf
}

// Infer types a raw sequence-file value without broker metadata:
// booleans, then integers, then floats, otherwise the string itself.
func Infer(raw string) Value {
	s := strings.TrimSpace(raw)
	switch s {
	case "true", "false":
		return BoolValue(s == "true")
	}
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return IntValue(i)
	}
	if u, err := strconv.ParseUint(s, 10, 64); err == nil {
		return UintValue(u)
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil && !math.IsNaN(f) && !math.IsInf(f, 0) {
		return FloatValue(f)
	}
	return StringValue(raw)
}

// FromInterface converts a decoded wire scalar back into a Value.
func FromInterface(x any) (Value, error) {
	switch n := x.(type) {
	case nil:
		return StringValue(""), nil
	case string:
		return StringValue(n), nil
	case bool:
		return BoolValue(n), nil
	case int:
		return IntValue(int64(n)), nil
	case int64:
		return IntValue(n), nil
	case uint64:
		return UintValue(n), nil
	case float32:
		return FloatValue(float64(n)), nil
	case float64:
		return FloatValue(n), nil
	}
	return Value{}, fmt.Errorf("unsupported scalar type %T", x)
}
