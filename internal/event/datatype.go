package event

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// DataType is the type a broker declares for a signal.
type DataType string

const (
	TypeUnspecified DataType = ""
	TypeString      DataType = "string"
	TypeBoolean     DataType = "boolean"
	TypeInt8        DataType = "int8"
	TypeInt16       DataType = "int16"
	TypeInt32       DataType = "int32"
	TypeInt64       DataType = "int64"
	TypeUint8       DataType = "uint8"
	TypeUint16      DataType = "uint16"
	TypeUint32      DataType = "uint32"
	TypeUint64      DataType = "uint64"
	TypeFloat       DataType = "float"
	TypeDouble      DataType = "double"
)

var bitSizes = map[DataType]int{
	TypeInt8: 8, TypeInt16: 16, TypeInt32: 32, TypeInt64: 64,
	TypeUint8: 8, TypeUint16: 16, TypeUint32: 32, TypeUint64: 64,
	TypeFloat: 32, TypeDouble: 64,
}

// ParseDataType normalises a datatype name as reported by the broker.
func ParseDataType(s string) (DataType, error) {
	dt := DataType(strings.ToLower(strings.TrimSpace(s)))
	switch dt {
	case TypeUnspecified, TypeString, TypeBoolean:
		return dt, nil
	case "bool":
		return TypeBoolean, nil
	}
	if _, ok := bitSizes[dt]; ok {
		return dt, nil
	}
	return TypeUnspecified, fmt.Errorf("unknown datatype %q", s)
}

// Coerce converts raw into a Value of the declared type.
// TypeUnspecified falls back to Infer.
func Coerce(raw string, dt DataType) (Value, error) {
	s := strings.TrimSpace(raw)
	switch dt {
	case TypeUnspecified:
		return Infer(raw), nil
	case TypeString:
		return StringValue(raw), nil
	case TypeBoolean:
		b, err := strconv.ParseBool(s)
		if err != nil {
			return Value{}, fmt.Errorf("value %q is not a %s", raw, dt)
		}
		return BoolValue(b), nil
	case TypeInt8, TypeInt16, TypeInt32, TypeInt64:
		i, err := strconv.ParseInt(s, 10, bitSizes[dt])
		if err != nil {
			return Value{}, fmt.Errorf("value %q is not a %s", raw, dt)
		}
		return IntValue(i), nil
	case TypeUint8, TypeUint16, TypeUint32, TypeUint64:
		u, err := strconv.ParseUint(s, 10, bitSizes[dt])
		if err != nil {
			return Value{}, fmt.Errorf("value %q is not a %s", raw, dt)
		}
		return UintValue(u), nil
	case TypeFloat, TypeDouble:
		f, err := strconv.ParseFloat(s, bitSizes[dt])
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return Value{}, fmt.Errorf("value %q is not a %s", raw, dt)
		}
		return FloatValue(f), nil
	}
	return Value{}, fmt.Errorf("unknown datatype %q", string(dt))
}
