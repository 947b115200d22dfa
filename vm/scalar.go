package vm

import "math"

// Scalar is the compact single-word encoding of a copyable value. It carries
// no tag; whoever holds a Scalar tracks its tag alongside it.
type Scalar uint64

// ScalarOf returns the compact encoding of a copyable value.
func ScalarOf(v Value) (Scalar, bool) {
	if !v.typ.IsCopyable() {
		return 0, false
	}
	return Scalar(v.lo), true
}

// Value widens s back to a canonical value of tag t.
func (s Scalar) Value(t ValueType) Value { return Value{typ: t, lo: uint64(s)} }

func (s Scalar) float32() float32 { return math.Float32frombits(uint32(s)) }
func (s Scalar) float64() float64 { return math.Float64frombits(uint64(s)) }

func (s Scalar) complex64() complex64 {
	return complex(math.Float32frombits(uint32(s)), math.Float32frombits(uint32(s>>32)))
}

func packComplex64(c complex64) Scalar {
	return Scalar(uint64(math.Float32bits(imag(c)))<<32 | uint64(math.Float32bits(real(c))))
}

func scalarFloat32(f float32) Scalar { return Scalar(math.Float32bits(f)) }
func scalarFloat64(f float64) Scalar { return Scalar(math.Float64bits(f)) }

func scalarBool(b bool) Scalar {
	if b {
		return 1
	}
	return 0
}

// scalarFromInt encodes an immediate integer for tag t, wrapping to width.
func scalarFromInt(t ValueType, i int64) (Scalar, error) {
	switch t {
	case TypeBool:
		return scalarBool(i != 0), nil
	case TypeInt, TypeInt64:
		return Scalar(uint64(i)), nil
	case TypeInt8:
		return Scalar(uint64(int8(i))), nil
	case TypeInt16:
		return Scalar(uint64(int16(i))), nil
	case TypeInt32:
		return Scalar(uint64(int32(i))), nil
	case TypeUint, TypeUint64:
		return Scalar(uint64(i)), nil
	case TypeUint8:
		return Scalar(uint64(uint8(i))), nil
	case TypeUint16:
		return Scalar(uint64(uint16(i))), nil
	case TypeUint32:
		return Scalar(uint64(uint32(i))), nil
	case TypeFloat32:
		return scalarFloat32(float32(i)), nil
	case TypeFloat64:
		return scalarFloat64(float64(i)), nil
	case TypeComplex64:
		return packComplex64(complex(float32(i), 0)), nil
	case TypeMetadata:
		return Scalar(uint32(i)), nil
	}
	return 0, faultf(TypeMismatchFault, "cannot encode integer as %s", t)
}
