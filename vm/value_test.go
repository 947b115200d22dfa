package vm

import (
	"math"
	"testing"
)

// ---------------------------------------------------------------------------
// Value type tags
// ---------------------------------------------------------------------------

func TestValueTypeCategories(t *testing.T) {
	for vt := TypeBool; vt <= CopyableEnd; vt++ {
		if !vt.IsCopyable() {
			t.Errorf("%s.IsCopyable() = false, want true", vt)
		}
		if vt.HasKey() {
			t.Errorf("%s.HasKey() = true, want false", vt)
		}
	}
	for vt := TypeComplex128; vt < typeCount; vt++ {
		if vt.IsCopyable() {
			t.Errorf("%s.IsCopyable() = true, want false", vt)
		}
	}

	aliasing := []ValueType{TypeStr, TypeSlice, TypeMap, TypeInterface, TypeClosure, TypePointer}
	for _, vt := range aliasing {
		if !vt.Aliases() {
			t.Errorf("%s.Aliases() = false, want true", vt)
		}
	}
	for _, vt := range []ValueType{TypeArray, TypeStruct, TypeNamed} {
		if vt.Aliases() {
			t.Errorf("%s.Aliases() = true, want false", vt)
		}
		if !vt.HasKey() {
			t.Errorf("%s.HasKey() = false, want true", vt)
		}
	}
}

func TestValueTypeFromInt(t *testing.T) {
	if vt, err := ValueTypeFromInt(int(TypeStr)); err != nil || vt != TypeStr {
		t.Errorf("ValueTypeFromInt(%d) = %v, %v; want string", TypeStr, vt, err)
	}
	for _, n := range []int{-1, int(typeCount), 255} {
		_, err := ValueTypeFromInt(n)
		if !IsFault(err, TypeMismatchFault) {
			t.Errorf("ValueTypeFromInt(%d) error = %v, want TypeMismatchFault", n, err)
		}
	}
}

// ---------------------------------------------------------------------------
// Scalar encoding
// ---------------------------------------------------------------------------

func TestScalarRoundTrip(t *testing.T) {
	tests := []Value{
		Bool(true),
		Bool(false),
		Int(-42),
		Int8(-128),
		Int16(math.MaxInt16),
		Int32(math.MinInt32),
		Int64(math.MaxInt64),
		Uint(math.MaxUint64),
		Uint8(255),
		Uint16(65535),
		Uint32(math.MaxUint32),
		Float32(1.5),
		Float64(-2.25),
		Complex64(complex(1.5, -2)),
		MetaValue(7),
	}
	for _, v := range tests {
		s, ok := ScalarOf(v)
		if !ok {
			t.Errorf("ScalarOf(%v) not copyable", v)
			continue
		}
		if got := s.Value(v.Type()); got != v {
			t.Errorf("round trip of %s %v = %v", v.Type(), v, got)
		}
	}

	if _, ok := ScalarOf(Complex128(1i)); ok {
		t.Error("Complex128 should not have a scalar encoding")
	}
}

func TestSignExtension(t *testing.T) {
	if got := Int8(-1).AsInt(); got != -1 {
		t.Errorf("Int8(-1).AsInt() = %d, want -1", got)
	}
	if got := Int32(-5).AsInt(); got != -5 {
		t.Errorf("Int32(-5).AsInt() = %d, want -5", got)
	}
	if got := Uint8(200).AsUint(); got != 200 {
		t.Errorf("Uint8(200).AsUint() = %d, want 200", got)
	}
}

func TestIntOfWraps(t *testing.T) {
	tests := []struct {
		t    ValueType
		in   int64
		want Value
	}{
		{TypeInt8, 300, Int8(44)},
		{TypeUint8, -1, Uint8(255)},
		{TypeInt16, 1 << 16, Int16(0)},
		{TypeUint32, -2, Uint32(math.MaxUint32 - 1)},
		{TypeFloat64, 3, Float64(3)},
	}
	for _, tt := range tests {
		got, err := IntOf(tt.t, tt.in)
		if err != nil {
			t.Errorf("IntOf(%s, %d) error: %v", tt.t, tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("IntOf(%s, %d) = %v, want %v", tt.t, tt.in, got, tt.want)
		}
	}
	if _, err := IntOf(TypeStr, 1); !IsFault(err, TypeMismatchFault) {
		t.Errorf("IntOf(string) error = %v, want TypeMismatchFault", err)
	}
}

func TestComplexValues(t *testing.T) {
	c := Complex128(complex(3, -4))
	if got := c.AsComplex(); got != complex(3, -4) {
		t.Errorf("Complex128 = %v, want (3-4i)", got)
	}
	c64 := Complex64(complex(0.5, 2))
	if got := c64.AsComplex(); got != complex(0.5, 2) {
		t.Errorf("Complex64 = %v, want (0.5+2i)", got)
	}
}

func TestNilValues(t *testing.T) {
	if !Nil().IsNil() {
		t.Error("Nil() should be nil")
	}
	for _, vt := range []ValueType{TypeSlice, TypeMap, TypePointer, TypeInterface, TypeClosure} {
		if !NilOf(vt).IsNil() {
			t.Errorf("NilOf(%s) should be nil", vt)
		}
		if NilOf(vt).Type() != vt {
			t.Errorf("NilOf(%s).Type() = %s", vt, NilOf(vt).Type())
		}
	}
	if NilOf(TypeStr).IsNil() {
		t.Error("the empty string is not nil")
	}
}

func TestValueIndex(t *testing.T) {
	if i, err := Int(5).Index(); err != nil || i != 5 {
		t.Errorf("Int(5).Index() = %d, %v", i, err)
	}
	if _, err := Uint64(math.MaxUint64).Index(); !IsFault(err, BoundsFault) {
		t.Errorf("huge index error = %v, want BoundsFault", err)
	}
	if _, err := Float64(1).Index(); !IsFault(err, TypeMismatchFault) {
		t.Errorf("float index error = %v, want TypeMismatchFault", err)
	}
}
