package vm

import (
	"math"
	"testing"
)

// ---------------------------------------------------------------------------
// Binary operators
// ---------------------------------------------------------------------------

func TestBinaryOp(t *testing.T) {
	tests := []struct {
		name string
		op   Opcode
		a, b Value
		want Value
	}{
		{"int add", OpAdd, Int(3), Int(4), Int(7)},
		{"float add", OpAdd, Float64(1.5), Float64(2.5), Float64(4.0)},
		{"float32 mul", OpMul, Float32(1.5), Float32(2), Float32(3)},
		{"int8 wraps", OpAdd, Int8(127), Int8(1), Int8(-128)},
		{"uint8 wraps", OpAdd, Uint8(200), Uint8(100), Uint8(44)},
		{"uint16 underflow", OpSub, Uint16(0), Uint16(1), Uint16(65535)},
		{"int32 mul wraps", OpMul, Int32(1 << 30), Int32(4), Int32(0)},
		{"signed quo truncates", OpQuo, Int(-7), Int(2), Int(-3)},
		{"signed rem", OpRem, Int(-7), Int(2), Int(-1)},
		{"unsigned quo", OpQuo, Uint(7), Uint(2), Uint(3)},
		{"and not", OpAndNot, Int(0b1111), Int(0b0101), Int(0b1010)},
		{"xor", OpXor, Uint8(0xF0), Uint8(0xFF), Uint8(0x0F)},
		{"shl", OpShl, Int(1), Int(10), Int(1024)},
		{"shl int8 drops bits", OpShl, Int8(1), Int8(7), Int8(-128)},
		{"shl past width", OpShl, Uint8(1), Uint8(200), Uint8(0)},
		{"arithmetic shr", OpShr, Int8(-128), Int8(7), Int8(-1)},
		{"logical shr", OpShr, Uint8(0x80), Uint8(7), Uint8(1)},
		{"complex64 mul", OpMul, Complex64(1i), Complex64(1i), Complex64(-1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := BinaryOp(tt.op, Scalar(tt.a.lo), Scalar(tt.b.lo), tt.a.Type())
			if err != nil {
				t.Fatalf("BinaryOp error: %v", err)
			}
			if v := got.Value(tt.a.Type()); v != tt.want {
				t.Errorf("%v %s %v = %v, want %v", tt.a, tt.op, tt.b, v, tt.want)
			}
		})
	}
}

func TestBinaryOpFaults(t *testing.T) {
	tests := []struct {
		name string
		op   Opcode
		a, b Value
		kind FaultKind
	}{
		{"int quo by zero", OpQuo, Int(1), Int(0), DivideByZeroFault},
		{"uint8 rem by zero", OpRem, Uint8(1), Uint8(0), DivideByZeroFault},
		{"negative shift", OpShl, Int(1), Int(-1), NegativeShiftFault},
		{"float rem", OpRem, Float64(1), Float64(2), TypeMismatchFault},
		{"float and", OpAnd, Float64(1), Float64(2), TypeMismatchFault},
		{"bool add", OpAdd, Bool(true), Bool(true), TypeMismatchFault},
		{"float shift", OpShl, Float64(1), Float64(2), TypeMismatchFault},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := BinaryOp(tt.op, Scalar(tt.a.lo), Scalar(tt.b.lo), tt.a.Type())
			if !IsFault(err, tt.kind) {
				t.Errorf("error = %v, want %s", err, tt.kind)
			}
		})
	}
}

func TestFloatDivideByZeroIsInf(t *testing.T) {
	got, err := BinaryOp(OpQuo, Scalar(Float64(1).lo), Scalar(Float64(0).lo), TypeFloat64)
	if err != nil {
		t.Fatalf("BinaryOp error: %v", err)
	}
	if f := got.Value(TypeFloat64).AsFloat(); !math.IsInf(f, 1) {
		t.Errorf("1.0/0.0 = %v, want +Inf", f)
	}
}

// ---------------------------------------------------------------------------
// Unary operators
// ---------------------------------------------------------------------------

func TestUnaryOp(t *testing.T) {
	tests := []struct {
		op   Opcode
		in   Value
		want Value
	}{
		{OpNeg, Int(5), Int(-5)},
		{OpNeg, Int8(-128), Int8(-128)},
		{OpNeg, Uint8(1), Uint8(255)},
		{OpNeg, Float64(2.5), Float64(-2.5)},
		{OpComplement, Int(0), Int(-1)},
		{OpComplement, Uint8(0x0F), Uint8(0xF0)},
		{OpNot, Bool(true), Bool(false)},
	}
	for _, tt := range tests {
		got, err := UnaryOp(tt.op, Scalar(tt.in.lo), tt.in.Type())
		if err != nil {
			t.Errorf("%s %v error: %v", tt.op, tt.in, err)
			continue
		}
		if v := got.Value(tt.in.Type()); v != tt.want {
			t.Errorf("%s %v = %v, want %v", tt.op, tt.in, v, tt.want)
		}
	}

	if _, err := UnaryOp(OpNot, Scalar(1), TypeInt); !IsFault(err, TypeMismatchFault) {
		t.Errorf("!int error = %v, want TypeMismatchFault", err)
	}
	if _, err := UnaryOp(OpComplement, Scalar(Float64(1).lo), TypeFloat64); !IsFault(err, TypeMismatchFault) {
		t.Errorf("^float error = %v, want TypeMismatchFault", err)
	}
}

// ---------------------------------------------------------------------------
// Comparison
// ---------------------------------------------------------------------------

func TestCompareOp(t *testing.T) {
	tests := []struct {
		op   Opcode
		a, b Value
		want bool
	}{
		{OpLss, Int(-1), Int(1), true},
		{OpLss, Uint(1), Uint(math.MaxUint64), true},
		{OpGtr, Int8(-1), Int8(1), false},
		{OpLeq, Float64(2), Float64(2), true},
		{OpGeq, Float32(1), Float32(2), false},
		{OpEql, Bool(true), Bool(true), true},
		{OpNeq, Complex64(1i), Complex64(1), true},
		{OpEql, Float64(math.NaN()), Float64(math.NaN()), false},
	}
	for _, tt := range tests {
		got, err := CompareOp(tt.op, Scalar(tt.a.lo), Scalar(tt.b.lo), tt.a.Type())
		if err != nil {
			t.Errorf("%v %s %v error: %v", tt.a, tt.op, tt.b, err)
			continue
		}
		if got != tt.want {
			t.Errorf("%v %s %v = %v, want %v", tt.a, tt.op, tt.b, got, tt.want)
		}
	}

	if _, err := CompareOp(OpLss, 0, 1, TypeBool); !IsFault(err, TypeMismatchFault) {
		t.Errorf("bool < bool error = %v, want TypeMismatchFault", err)
	}
}

// ---------------------------------------------------------------------------
// Canonical arithmetic
// ---------------------------------------------------------------------------

func TestStoreArith(t *testing.T) {
	s := NewStore(nil, 0)

	c, err := s.Arith(OpMul, Complex128(2i), Complex128(3i))
	if err != nil {
		t.Fatalf("complex128 mul: %v", err)
	}
	if c.AsComplex() != -6 {
		t.Errorf("2i*3i = %v, want -6", c.AsComplex())
	}

	shifted, err := s.Arith(OpShl, Int32(1), Uint8(4))
	if err != nil {
		t.Fatalf("mixed shift: %v", err)
	}
	if shifted != Int32(16) {
		t.Errorf("int32(1) << uint8(4) = %v, want 16", shifted)
	}

	if _, err := s.Arith(OpAdd, Int(1), Int32(1)); !IsFault(err, TypeMismatchFault) {
		t.Errorf("int + int32 error = %v, want TypeMismatchFault", err)
	}

	a, b := s.NewString("go"), s.NewString("vm")
	ab, err := s.Arith(OpAdd, a, b)
	if err != nil {
		t.Fatalf("string concat: %v", err)
	}
	if str, _ := s.StringOf(ab); str != "govm" {
		t.Errorf("concat = %q, want %q", str, "govm")
	}
	if str, _ := s.StringOf(a); str != "go" {
		t.Errorf("operand changed to %q", str)
	}
	if _, err := s.Arith(OpSub, a, b); !IsFault(err, TypeMismatchFault) {
		t.Errorf("string - string error = %v, want TypeMismatchFault", err)
	}
	s.Release(a, b, ab)
	if s.Live() != 0 {
		t.Errorf("Live() = %d after release, want 0", s.Live())
	}
}

func TestNamedArith(t *testing.T) {
	cat := NewCatalog()
	celsius := cat.Named("Celsius", cat.Basic(TypeFloat64))
	s := NewStore(cat, 0)

	a := s.NewNamed(celsius, Float64(20))
	b := s.NewNamed(celsius, Float64(1.5))
	sum, err := s.Arith(OpAdd, a, b)
	if err != nil {
		t.Fatalf("named add: %v", err)
	}
	inner, err := s.Underlying(sum)
	if err != nil {
		t.Fatalf("Underlying: %v", err)
	}
	if inner != Float64(21.5) {
		t.Errorf("Celsius(20)+Celsius(1.5) = %v, want 21.5", inner)
	}
	if meta, _ := s.NamedMeta(sum); meta != celsius {
		t.Errorf("result type = %d, want %d", meta, celsius)
	}

	neg, err := s.Unary(OpNeg, a)
	if err != nil {
		t.Fatalf("named neg: %v", err)
	}
	if inner, _ := s.Underlying(neg); inner != Float64(-20) {
		t.Errorf("-Celsius(20) = %v, want -20", inner)
	}

	less, err := s.Compare(OpLss, b, a)
	if err != nil || !less {
		t.Errorf("Celsius(1.5) < Celsius(20) = %v, %v; want true", less, err)
	}
	s.Release(a, b, sum, neg)
	if s.Live() != 0 {
		t.Errorf("Live() = %d after release, want 0", s.Live())
	}
}
