package vm

import (
	"fmt"
	"math"
)

// ---------------------------------------------------------------------------
// Value type tags
// ---------------------------------------------------------------------------

// ValueType tags every runtime value. The order matters: every tag up to and
// including CopyableEnd is a fixed-width scalar that lives in the stack's
// scalar arena, every tag after it is a reference-category value.
type ValueType uint8

const (
	TypeBool ValueType = iota
	TypeInt
	TypeInt8
	TypeInt16
	TypeInt32
	TypeInt64
	TypeUint
	TypeUint8
	TypeUint16
	TypeUint32
	TypeUint64
	TypeFloat32
	TypeFloat64
	TypeComplex64
	TypeMetadata

	TypeComplex128
	TypeStr
	TypeArray
	TypeStruct
	TypeSlice
	TypeMap
	TypeInterface
	TypeClosure
	TypePointer
	TypeNamed
	TypeNil

	typeCount
)

// CopyableEnd is the last copyable tag.
const CopyableEnd = TypeMetadata

var typeNames = [typeCount]string{
	TypeBool:       "bool",
	TypeInt:        "int",
	TypeInt8:       "int8",
	TypeInt16:      "int16",
	TypeInt32:      "int32",
	TypeInt64:      "int64",
	TypeUint:       "uint",
	TypeUint8:      "uint8",
	TypeUint16:     "uint16",
	TypeUint32:     "uint32",
	TypeUint64:     "uint64",
	TypeFloat32:    "float32",
	TypeFloat64:    "float64",
	TypeComplex64:  "complex64",
	TypeMetadata:   "metadata",
	TypeComplex128: "complex128",
	TypeStr:        "string",
	TypeArray:      "array",
	TypeStruct:     "struct",
	TypeSlice:      "slice",
	TypeMap:        "map",
	TypeInterface:  "interface",
	TypeClosure:    "closure",
	TypePointer:    "pointer",
	TypeNamed:      "named",
	TypeNil:        "nil",
}

func (t ValueType) String() string {
	if t < typeCount {
		return typeNames[t]
	}
	return fmt.Sprintf("ValueType(%d)", uint8(t))
}

// ValueTypeFromInt converts a raw tag read from an instruction stream.
func ValueTypeFromInt(n int) (ValueType, error) {
	if n < 0 || n >= int(typeCount) {
		return 0, faultf(TypeMismatchFault, "invalid value type tag %d", n)
	}
	return ValueType(n), nil
}

// Valid reports whether t is a known tag.
func (t ValueType) Valid() bool { return t < typeCount }

// IsCopyable reports whether values of t live in the scalar arena.
func (t ValueType) IsCopyable() bool { return t <= CopyableEnd }

func (t ValueType) IsInteger() bool { return t >= TypeInt && t <= TypeUint64 }

func (t ValueType) IsSigned() bool { return t >= TypeInt && t <= TypeInt64 }

func (t ValueType) IsFloat() bool { return t == TypeFloat32 || t == TypeFloat64 }

func (t ValueType) IsComplex() bool { return t == TypeComplex64 || t == TypeComplex128 }

// IsNumeric covers integer, float and complex tags.
func (t ValueType) IsNumeric() bool { return t.IsInteger() || t.IsFloat() || t.IsComplex() }

// HasKey reports whether values of t refer to a payload in the Store.
func (t ValueType) HasKey() bool { return t >= TypeStr && t <= TypeNamed }

// Aliases reports whether copying a value of t shares its key. Arrays,
// structs and named wrappers are deep-copied instead.
func (t ValueType) Aliases() bool {
	switch t {
	case TypeStr, TypeSlice, TypeMap, TypeInterface, TypeClosure, TypePointer:
		return true
	}
	return false
}

// Nilable reports whether a zero key means nil for t.
func (t ValueType) Nilable() bool {
	switch t {
	case TypeSlice, TypeMap, TypeInterface, TypeClosure, TypePointer, TypeNil:
		return true
	}
	return false
}

// ---------------------------------------------------------------------------
// Canonical value
// ---------------------------------------------------------------------------

// Value is the canonical runtime value. It never holds a Go pointer: scalars
// are stored inline, composites are referenced by Store key.
//
// Layout by tag:
//   - copyable tags: lo holds the Scalar encoding
//   - Complex128:    lo/hi hold the real/imaginary float64 bits
//   - Slice:         lo is the backing sequence key, hi packs offset<<32|length
//   - Pointer:       lo is the pointee key, hi selects an element or field (+1)
//   - other keyed:   lo is the key
type Value struct {
	typ ValueType
	lo  uint64
	hi  uint64
}

// Type returns the value's tag.
func (v Value) Type() ValueType { return v.typ }

// Key returns the Store key of a keyed value (0 for nil or empty string).
func (v Value) Key() Key {
	if !v.typ.HasKey() {
		return 0
	}
	return Key(v.lo)
}

// IsNil reports whether v is nil or a nil reference of its category.
func (v Value) IsNil() bool {
	return v.typ == TypeNil || (v.typ.Nilable() && v.lo == 0)
}

func (v Value) String() string {
	switch {
	case v.typ == TypeBool:
		return fmt.Sprint(v.AsBool())
	case v.typ.IsSigned():
		return fmt.Sprint(v.AsInt())
	case v.typ.IsInteger():
		return fmt.Sprint(v.AsUint())
	case v.typ.IsFloat():
		return fmt.Sprint(v.AsFloat())
	case v.typ.IsComplex():
		return fmt.Sprint(v.AsComplex())
	case v.typ == TypeMetadata:
		return fmt.Sprintf("meta#%d", v.lo)
	case v.typ == TypeNil:
		return "nil"
	case v.typ == TypeSlice:
		off, n := v.sliceHeader()
		return fmt.Sprintf("slice(%s)[%d:%d]", Key(v.lo), off, off+n)
	case v.typ == TypePointer:
		return fmt.Sprintf("&%s.%d", Key(v.lo), v.hi)
	}
	return fmt.Sprintf("%s(%s)", v.typ, Key(v.lo))
}

// Scalar constructors. Signed integers are sign-extended into the word.

func Bool(b bool) Value {
	if b {
		return Value{typ: TypeBool, lo: 1}
	}
	return Value{typ: TypeBool}
}

func Int(i int64) Value     { return Value{typ: TypeInt, lo: uint64(i)} }
func Int8(i int8) Value     { return Value{typ: TypeInt8, lo: uint64(i)} }
func Int16(i int16) Value   { return Value{typ: TypeInt16, lo: uint64(i)} }
func Int32(i int32) Value   { return Value{typ: TypeInt32, lo: uint64(i)} }
func Int64(i int64) Value   { return Value{typ: TypeInt64, lo: uint64(i)} }
func Uint(u uint64) Value   { return Value{typ: TypeUint, lo: u} }
func Uint8(u uint8) Value   { return Value{typ: TypeUint8, lo: uint64(u)} }
func Uint16(u uint16) Value { return Value{typ: TypeUint16, lo: uint64(u)} }
func Uint32(u uint32) Value { return Value{typ: TypeUint32, lo: uint64(u)} }
func Uint64(u uint64) Value { return Value{typ: TypeUint64, lo: u} }

func Float32(f float32) Value { return Value{typ: TypeFloat32, lo: uint64(math.Float32bits(f))} }
func Float64(f float64) Value { return Value{typ: TypeFloat64, lo: math.Float64bits(f)} }

func Complex64(c complex64) Value {
	return Value{typ: TypeComplex64, lo: uint64(packComplex64(c))}
}

func Complex128(c complex128) Value {
	return Value{typ: TypeComplex128, lo: math.Float64bits(real(c)), hi: math.Float64bits(imag(c))}
}

// MetaValue wraps a catalog id as a first-class value.
func MetaValue(id MetaID) Value { return Value{typ: TypeMetadata, lo: uint64(id)} }

// Nil is the untyped nil value.
func Nil() Value { return Value{typ: TypeNil} }

// NilOf returns the nil value of a nilable category, or the empty string for Str.
func NilOf(t ValueType) Value {
	if t.Nilable() || t == TypeStr {
		return Value{typ: t}
	}
	return Value{typ: TypeNil}
}

// IntOf builds an integer value of tag t from i, truncating to t's width.
func IntOf(t ValueType, i int64) (Value, error) {
	s, err := scalarFromInt(t, i)
	if err != nil {
		return Value{}, err
	}
	return s.Value(t), nil
}

func (v Value) AsBool() bool { return v.lo != 0 }

// AsInt returns a signed integer payload.
func (v Value) AsInt() int64 { return int64(v.lo) }

// AsUint returns an unsigned integer payload.
func (v Value) AsUint() uint64 { return v.lo }

// AsFloat returns a float payload widened to float64.
func (v Value) AsFloat() float64 {
	if v.typ == TypeFloat32 {
		return float64(math.Float32frombits(uint32(v.lo)))
	}
	return math.Float64frombits(v.lo)
}

// AsComplex returns a complex payload widened to complex128.
func (v Value) AsComplex() complex128 {
	if v.typ == TypeComplex64 {
		return complex128(Scalar(v.lo).complex64())
	}
	return complex(math.Float64frombits(v.lo), math.Float64frombits(v.hi))
}

// MetaID returns the catalog id held by a Metadata value.
func (v Value) MetaID() MetaID { return MetaID(v.lo) }

// Index converts an integer value to an int for indexing.
func (v Value) Index() (int64, error) {
	switch {
	case v.typ.IsSigned():
		return int64(v.lo), nil
	case v.typ.IsInteger():
		if v.lo > math.MaxInt64 {
			return 0, faultf(BoundsFault, "index %d out of range", v.lo)
		}
		return int64(v.lo), nil
	}
	return 0, faultf(TypeMismatchFault, "non-integer index of type %s", v.typ)
}

func keyed(t ValueType, k Key) Value { return Value{typ: t, lo: uint64(k)} }

// ---------------------------------------------------------------------------
// Slice header and pointer selector
// ---------------------------------------------------------------------------

// maxSliceLen bounds a slice header's offset and length, which share one
// word.
const maxSliceLen = math.MaxUint32

func checkSliceLen(n int) error {
	if n < 0 || uint64(n) > maxSliceLen {
		return faultf(BoundsFault, "slice length %d out of range", n)
	}
	return nil
}

// sliceValue packs a slice header. off and n are at most maxSliceLen;
// constructors check with checkSliceLen first.
func sliceValue(backing Key, off, n int) Value {
	return Value{typ: TypeSlice, lo: uint64(backing), hi: uint64(off)<<32 | uint64(uint32(n))}
}

func (v Value) sliceHeader() (off, n int) {
	return int(v.hi >> 32), int(uint32(v.hi))
}

func pointerValue(target Key, sel int) Value {
	return Value{typ: TypePointer, lo: uint64(target), hi: uint64(sel)}
}

// selector returns the element/field index a pointer designates, or -1 when
// it designates the whole object.
func (v Value) selector() int { return int(v.hi) - 1 }
