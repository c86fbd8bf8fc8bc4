package trace

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Kind tags the variant held by a Value.
type Kind uint8

const (
	KindBool Kind = iota + 1
	KindInt
	KindUint
	KindFloat
	KindString
	KindDeferred // rendered on demand by a user-supplied function
)

// String returns the string representation of Kind.
func (k Kind) String() string {
	switch k {
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindUint:
		return "uint"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindDeferred:
		return "deferred"
	default:
		return "invalid"
	}
}

// Value is a closed tagged variant. Primitives live inline in num/str so a
// field list of primitives never allocates; deferred values keep their source
// and only run render when a sink needs the text.
type Value struct {
	kind   Kind
	num    uint64
	str    string
	src    any
	render func(any) string
}

// Valuer is implemented by types that know how to render themselves as a
// field value.
type Valuer interface {
	LogValue() Value
}

// BoolValue wraps a bool.
func BoolValue(b bool) Value {
	var n uint64
	if b {
		n = 1
	}
	return Value{kind: KindBool, num: n}
}

// IntValue wraps a signed integer.
func IntValue(i int64) Value { return Value{kind: KindInt, num: uint64(i)} }

// UintValue wraps an unsigned integer.
func UintValue(u uint64) Value { return Value{kind: KindUint, num: u} }

// FloatValue wraps a float.
func FloatValue(f float64) Value { return Value{kind: KindFloat, num: math.Float64bits(f)} }

// StringValue wraps a string.
func StringValue(s string) Value { return Value{kind: KindString, str: s} }

// DeferredValue captures src unformatted; render runs only when text is needed.
// A panic inside render is not recovered.
func DeferredValue(src any, render func(any) string) Value {
	if render == nil {
		render = formatAny
	}
	return Value{kind: KindDeferred, src: src, render: render}
}

// AnyValue picks the narrowest variant for v and falls back to fmt formatting.
func AnyValue(v any) Value {
	switch x := v.(type) {
	case Value:
		return x
	case Valuer:
		return x.LogValue()
	case bool:
		return BoolValue(x)
	case int:
		return IntValue(int64(x))
	case int8:
		return IntValue(int64(x))
	case int16:
		return IntValue(int64(x))
	case int32:
		return IntValue(int64(x))
	case int64:
		return IntValue(x)
	case uint:
		return UintValue(uint64(x))
	case uint8:
		return UintValue(uint64(x))
	case uint16:
		return UintValue(uint64(x))
	case uint32:
		return UintValue(uint64(x))
	case uint64:
		return UintValue(x)
	case uintptr:
		return UintValue(uint64(x))
	case float32:
		return FloatValue(float64(x))
	case float64:
		return FloatValue(x)
	case string:
		return StringValue(x)
	default:
		return DeferredValue(v, formatAny)
	}
}

func formatAny(v any) string { return fmt.Sprint(v) }

// Kind returns the variant tag.
func (v Value) Kind() Kind { return v.kind }

// Bool returns the bool payload; it is only meaningful for KindBool.
func (v Value) Bool() bool { return v.num == 1 }

// Int64 returns the signed payload; it is only meaningful for KindInt.
func (v Value) Int64() int64 { return int64(v.num) }

// Uint64 returns the unsigned payload; it is only meaningful for KindUint.
func (v Value) Uint64() uint64 { return v.num }

// Float64 returns the float payload; it is only meaningful for KindFloat.
func (v Value) Float64() float64 { return math.Float64frombits(v.num) }

// Any returns the value as a Go value suitable for encoders. Deferred values
// are rendered.
func (v Value) Any() any {
	switch v.kind {
	case KindBool:
		return v.Bool()
	case KindInt:
		return v.Int64()
	case KindUint:
		return v.Uint64()
	case KindFloat:
		return v.Float64()
	case KindString:
		return v.str
	case KindDeferred:
		return v.String()
	default:
		return nil
	}
}

// String renders the value.
func (v Value) String() string {
	var sb strings.Builder
	v.appendTo(&sb)
	return sb.String()
}

func (v Value) appendTo(sb *strings.Builder) {
	var buf [32]byte
	switch v.kind {
	case KindBool:
		sb.Write(strconv.AppendBool(buf[:0], v.Bool()))
	case KindInt:
		sb.Write(strconv.AppendInt(buf[:0], v.Int64(), 10))
	case KindUint:
		sb.Write(strconv.AppendUint(buf[:0], v.num, 10))
	case KindFloat:
		sb.Write(strconv.AppendFloat(buf[:0], v.Float64(), 'g', -1, 64))
	case KindString:
		sb.WriteString(v.str)
	case KindDeferred:
		sb.WriteString(v.render(v.src))
	}
}

// Field is a key-value pair attached to a span or a record.
type Field struct {
	Key   string
	Value Value
}

// Bool builds a bool field.
func Bool(key string, b bool) Field { return Field{Key: key, Value: BoolValue(b)} }

// Int builds a signed integer field.
func Int(key string, i int) Field { return Field{Key: key, Value: IntValue(int64(i))} }

// Int64 builds a signed integer field.
func Int64(key string, i int64) Field { return Field{Key: key, Value: IntValue(i)} }

// Uint builds an unsigned integer field.
func Uint(key string, u uint) Field { return Field{Key: key, Value: UintValue(uint64(u))} }

// Uint64 builds an unsigned integer field.
func Uint64(key string, u uint64) Field { return Field{Key: key, Value: UintValue(u)} }

// Float64 builds a float field.
func Float64(key string, f float64) Field { return Field{Key: key, Value: FloatValue(f)} }

// String builds a string field.
func String(key, s string) Field { return Field{Key: key, Value: StringValue(s)} }

// Stringer builds a deferred field rendered through s.String().
func Stringer(key string, s fmt.Stringer) Field {
	return Field{Key: key, Value: DeferredValue(s, func(v any) string { return v.(fmt.Stringer).String() })}
}

// Deferred builds a field whose text is produced by render(src) on demand.
func Deferred(key string, src any, render func(any) string) Field {
	return Field{Key: key, Value: DeferredValue(src, render)}
}

// Any builds a field from an arbitrary value.
func Any(key string, v any) Field { return Field{Key: key, Value: AnyValue(v)} }

// renderFields writes "k1=v1 k2=v2".
func renderFields(sb *strings.Builder, fields []Field) {
	for i, f := range fields {
		if i > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(f.Key)
		sb.WriteByte('=')
		f.Value.appendTo(sb)
	}
}

// FieldsString renders fields as "k1=v1 k2=v2".
func FieldsString(fields []Field) string {
	if len(fields) == 0 {
		return ""
	}
	var sb strings.Builder
	renderFields(&sb, fields)
	return sb.String()
}
