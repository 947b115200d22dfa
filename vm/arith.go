package vm

import (
	"math"
)

// ---------------------------------------------------------------------------
// Scalar arithmetic
// ---------------------------------------------------------------------------

type integer interface {
	~int8 | ~int16 | ~int32 | ~int64 | ~uint8 | ~uint16 | ~uint32 | ~uint64
}

type float interface {
	~float32 | ~float64
}

type ordered interface {
	integer | float
}

func intBinary[T integer](op Opcode, a, b T) (T, error) {
	switch op {
	case OpAdd:
		return a + b, nil
	case OpSub:
		return a - b, nil
	case OpMul:
		return a * b, nil
	case OpQuo:
		if b == 0 {
			return 0, opFault(DivideByZeroFault, op, "integer divide by zero")
		}
		return a / b, nil
	case OpRem:
		if b == 0 {
			return 0, opFault(DivideByZeroFault, op, "integer divide by zero")
		}
		return a % b, nil
	case OpAnd:
		return a & b, nil
	case OpOr:
		return a | b, nil
	case OpXor:
		return a ^ b, nil
	case OpAndNot:
		return a &^ b, nil
	}
	return 0, opFault(TypeMismatchFault, op, "not an integer operation")
}

func floatBinary[T float](op Opcode, a, b T) (T, error) {
	switch op {
	case OpAdd:
		return a + b, nil
	case OpSub:
		return a - b, nil
	case OpMul:
		return a * b, nil
	case OpQuo:
		return a / b, nil
	}
	return 0, opFault(TypeMismatchFault, op, "operator not defined on floats")
}

func complexBinary(op Opcode, a, b complex128) (complex128, error) {
	switch op {
	case OpAdd:
		return a + b, nil
	case OpSub:
		return a - b, nil
	case OpMul:
		return a * b, nil
	case OpQuo:
		return a / b, nil
	}
	return 0, opFault(TypeMismatchFault, op, "operator not defined on complex numbers")
}

// BinaryOp applies a two-operand arithmetic or bitwise operator to scalars
// of tag t using t's native width.
func BinaryOp(op Opcode, a, b Scalar, t ValueType) (Scalar, error) {
	if op == OpShl || op == OpShr {
		if t.IsSigned() && int64(b) < 0 {
			return 0, opFault(NegativeShiftFault, op, "negative shift amount")
		}
		return shift(op, a, t, uint64(b))
	}
	switch t {
	case TypeInt, TypeInt64:
		r, err := intBinary(op, int64(a), int64(b))
		return Scalar(uint64(r)), err
	case TypeInt8:
		r, err := intBinary(op, int8(a), int8(b))
		return Scalar(uint64(r)), err
	case TypeInt16:
		r, err := intBinary(op, int16(a), int16(b))
		return Scalar(uint64(r)), err
	case TypeInt32:
		r, err := intBinary(op, int32(a), int32(b))
		return Scalar(uint64(r)), err
	case TypeUint, TypeUint64:
		r, err := intBinary(op, uint64(a), uint64(b))
		return Scalar(uint64(r)), err
	case TypeUint8:
		r, err := intBinary(op, uint8(a), uint8(b))
		return Scalar(uint64(r)), err
	case TypeUint16:
		r, err := intBinary(op, uint16(a), uint16(b))
		return Scalar(uint64(r)), err
	case TypeUint32:
		r, err := intBinary(op, uint32(a), uint32(b))
		return Scalar(uint64(r)), err
	case TypeFloat32:
		r, err := floatBinary(op, a.float32(), b.float32())
		return scalarFloat32(r), err
	case TypeFloat64:
		r, err := floatBinary(op, a.float64(), b.float64())
		return scalarFloat64(r), err
	case TypeComplex64:
		r, err := complexBinary(op, complex128(a.complex64()), complex128(b.complex64()))
		return packComplex64(complex64(r)), err
	}
	return 0, opFault(TypeMismatchFault, op, "operands of type %s", t)
}

// shift applies << or >> to an integer of tag t. Counts at or beyond the
// width shift every bit out, as in Go.
func shift(op Opcode, a Scalar, t ValueType, n uint64) (Scalar, error) {
	if !t.IsInteger() {
		return 0, opFault(TypeMismatchFault, op, "shift of type %s", t)
	}
	if op == OpShl {
		if n >= 64 {
			return 0, nil
		}
		return normalize(a<<n, t), nil
	}
	if t.IsSigned() {
		if n > 63 {
			n = 63
		}
		return normalize(Scalar(uint64(int64(a)>>n)), t), nil
	}
	if n >= 64 {
		return 0, nil
	}
	return a >> n, nil
}

// ShiftCount converts the right operand of a shift, which may have any
// integer type, to a count.
func ShiftCount(v Value) (uint64, error) {
	switch {
	case v.typ.IsSigned():
		if v.AsInt() < 0 {
			return 0, faultf(NegativeShiftFault, "negative shift amount")
		}
		return uint64(v.AsInt()), nil
	case v.typ.IsInteger():
		return v.AsUint(), nil
	}
	return 0, faultf(TypeMismatchFault, "shift count of type %s", v.typ)
}

// UnaryOp applies negation, complement or logical not.
func UnaryOp(op Opcode, a Scalar, t ValueType) (Scalar, error) {
	switch op {
	case OpNot:
		if t != TypeBool {
			return 0, opFault(TypeMismatchFault, op, "operand of type %s", t)
		}
		return scalarBool(a == 0), nil
	case OpNeg:
		switch {
		case t.IsInteger():
			// two's complement negation wraps identically for every width
			return normalize(Scalar(-uint64(a)), t), nil
		case t == TypeFloat32:
			return scalarFloat32(-a.float32()), nil
		case t == TypeFloat64:
			return scalarFloat64(-a.float64()), nil
		case t == TypeComplex64:
			return packComplex64(-a.complex64()), nil
		}
	case OpComplement:
		if t.IsInteger() {
			return normalize(^a, t), nil
		}
	}
	return 0, opFault(TypeMismatchFault, op, "operand of type %s", t)
}

// normalize re-extends an integer word to t's width.
func normalize(s Scalar, t ValueType) Scalar {
	switch t {
	case TypeInt8:
		return Scalar(uint64(int8(s)))
	case TypeInt16:
		return Scalar(uint64(int16(s)))
	case TypeInt32:
		return Scalar(uint64(int32(s)))
	case TypeUint8:
		return Scalar(uint8(s))
	case TypeUint16:
		return Scalar(uint16(s))
	case TypeUint32:
		return Scalar(uint32(s))
	}
	return s
}

func compareOrdered[T ordered](op Opcode, a, b T) (bool, error) {
	switch op {
	case OpEql:
		return a == b, nil
	case OpNeq:
		return a != b, nil
	case OpLss:
		return a < b, nil
	case OpGtr:
		return a > b, nil
	case OpLeq:
		return a <= b, nil
	case OpGeq:
		return a >= b, nil
	}
	return false, opFault(TypeMismatchFault, op, "not a comparison")
}

func compareEquality[T comparable](op Opcode, a, b T, t ValueType) (bool, error) {
	switch op {
	case OpEql:
		return a == b, nil
	case OpNeq:
		return a != b, nil
	}
	return false, opFault(TypeMismatchFault, op, "%s values are not ordered", t)
}

// CompareOp compares two scalars of tag t.
func CompareOp(op Opcode, a, b Scalar, t ValueType) (bool, error) {
	switch t {
	case TypeBool, TypeMetadata:
		return compareEquality(op, a, b, t)
	case TypeInt, TypeInt64:
		return compareOrdered(op, int64(a), int64(b))
	case TypeInt8:
		return compareOrdered(op, int8(a), int8(b))
	case TypeInt16:
		return compareOrdered(op, int16(a), int16(b))
	case TypeInt32:
		return compareOrdered(op, int32(a), int32(b))
	case TypeUint, TypeUint64:
		return compareOrdered(op, uint64(a), uint64(b))
	case TypeUint8:
		return compareOrdered(op, uint8(a), uint8(b))
	case TypeUint16:
		return compareOrdered(op, uint16(a), uint16(b))
	case TypeUint32:
		return compareOrdered(op, uint32(a), uint32(b))
	case TypeFloat32:
		return compareOrdered(op, a.float32(), b.float32())
	case TypeFloat64:
		return compareOrdered(op, a.float64(), b.float64())
	case TypeComplex64:
		return compareEquality(op, a.complex64(), b.complex64(), t)
	}
	return false, opFault(TypeMismatchFault, op, "operands of type %s", t)
}

// complex128Binary and complex128Negate serve the one numeric tag that does
// not fit a single word.
func complex128Binary(op Opcode, a, b Value) (Value, error) {
	r, err := complexBinary(op, a.AsComplex(), b.AsComplex())
	if err != nil {
		return Value{}, err
	}
	return Complex128(r), nil
}

func complex128Negate(a Value) Value {
	c := a.AsComplex()
	return Complex128(complex(-real(c), -imag(c)))
}

// isNaN reports whether a copyable float value is NaN.
func isNaN(v Value) bool {
	switch v.typ {
	case TypeFloat32, TypeFloat64:
		return math.IsNaN(v.AsFloat())
	case TypeComplex64, TypeComplex128:
		c := v.AsComplex()
		return math.IsNaN(real(c)) || math.IsNaN(imag(c))
	}
	return false
}

// ---------------------------------------------------------------------------
// Arithmetic on canonical values
// ---------------------------------------------------------------------------

// Arith applies a binary operator to two canonical values. It covers the
// tags the scalar path cannot: Complex128, string concatenation and named
// types over arithmetic types. Shifts accept a count of any integer type.
// The operands are borrowed; the result is owned by the caller.
func (s *Store) Arith(op Opcode, a, b Value) (Value, error) {
	if a.typ == TypeNamed {
		return s.namedArith(op, a, b)
	}
	if op == OpShl || op == OpShr {
		n, err := ShiftCount(b)
		if err != nil {
			return Value{}, err
		}
		r, err := shift(op, Scalar(a.lo), a.typ, n)
		return r.Value(a.typ), err
	}
	if a.typ != b.typ {
		return Value{}, opFault(TypeMismatchFault, op, "mismatched types %s and %s", a.typ, b.typ)
	}
	switch {
	case a.typ.IsCopyable():
		r, err := BinaryOp(op, Scalar(a.lo), Scalar(b.lo), a.typ)
		return r.Value(a.typ), err
	case a.typ == TypeComplex128:
		return complex128Binary(op, a, b)
	case a.typ == TypeStr:
		if op != OpAdd {
			return Value{}, opFault(TypeMismatchFault, op, "operator not defined on strings")
		}
		return s.Concat(a, b)
	}
	return Value{}, opFault(TypeMismatchFault, op, "operands of type %s", a.typ)
}

func (s *Store) namedArith(op Opcode, a, b Value) (Value, error) {
	meta, err := s.NamedMeta(a)
	if err != nil {
		return Value{}, err
	}
	ai, err := s.namedInner(a)
	if err != nil {
		return Value{}, err
	}
	bi := b
	if b.typ == TypeNamed {
		if bi, err = s.namedInner(b); err != nil {
			return Value{}, err
		}
	}
	r, err := s.Arith(op, ai, bi)
	if err != nil {
		return Value{}, err
	}
	return s.NewNamed(meta, r), nil
}

// Unary applies Neg, Complement or Not to a canonical value. The operand is
// borrowed.
func (s *Store) Unary(op Opcode, v Value) (Value, error) {
	switch {
	case v.typ.IsCopyable():
		r, err := UnaryOp(op, Scalar(v.lo), v.typ)
		return r.Value(v.typ), err
	case v.typ == TypeComplex128 && op == OpNeg:
		return complex128Negate(v), nil
	case v.typ == TypeNamed:
		meta, err := s.NamedMeta(v)
		if err != nil {
			return Value{}, err
		}
		inner, err := s.namedInner(v)
		if err != nil {
			return Value{}, err
		}
		r, err := s.Unary(op, inner)
		if err != nil {
			return Value{}, err
		}
		return s.NewNamed(meta, r), nil
	}
	return Value{}, opFault(TypeMismatchFault, op, "operand of type %s", v.typ)
}
