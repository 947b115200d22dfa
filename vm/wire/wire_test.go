package wire

import (
	"bytes"
	"errors"
	"testing"

	"github.com/chazu/govm/vm"
	"github.com/fxamacker/cbor/v2"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func sampleProgram() *vm.Program {
	cat := vm.NewCatalog()
	intM := cat.Basic(vm.TypeInt)
	sliceM := cat.Slice(intM)

	b := vm.NewCodeBuilder()
	b.EmitArg(vm.OpPushConst, vm.TypeStr, 0)
	b.EmitArg(vm.OpPushConst, vm.TypeInt, 1)
	b.EmitArg(vm.OpReturn, 0, 2)

	return &vm.Program{
		Version: vm.ProgramVersion,
		Metas:   cat.Metas(),
		Consts:  []vm.Const{vm.StrConst("hello"), vm.ConstOf(vm.Int(-42))},
		Funcs: []vm.Function{{
			Name:    "main",
			Results: 2,
			Locals:  []vm.MetaID{sliceM},
			Code:    b.Code(),
		}},
		Globals: []vm.MetaID{intM},
	}
}

// ---------------------------------------------------------------------------
// Round trip
// ---------------------------------------------------------------------------

func TestMarshalUnmarshal(t *testing.T) {
	prog := sampleProgram()
	data, err := Marshal(prog)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	got, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}

	opts := cmpopts.EquateEmpty()
	if diff := cmp.Diff(prog.Funcs, got.Funcs, opts); diff != "" {
		t.Errorf("Funcs mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(prog.Consts, got.Consts, opts); diff != "" {
		t.Errorf("Consts mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(prog.Globals, got.Globals, opts); diff != "" {
		t.Errorf("Globals mismatch (-want +got):\n%s", diff)
	}
	if len(got.Metas) != len(prog.Metas) {
		t.Errorf("len(Metas) = %d, want %d", len(got.Metas), len(prog.Metas))
	}

	// the decoded program must be loadable
	machine, err := vm.New(got, vm.Options{})
	if err != nil {
		t.Fatalf("vm.New: %v", err)
	}
	machine.Close()
}

func TestMarshalDeterministic(t *testing.T) {
	a, err := Marshal(sampleProgram())
	if err != nil {
		t.Fatal(err)
	}
	b, err := Marshal(sampleProgram())
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(a, b) {
		t.Error("equal programs encoded differently")
	}
	if Hash(a) != Hash(b) {
		t.Error("equal programs hashed differently")
	}

	other := sampleProgram()
	other.Consts[0] = vm.StrConst("goodbye")
	c, err := Marshal(other)
	if err != nil {
		t.Fatal(err)
	}
	if Hash(a) == Hash(c) {
		t.Error("different programs share a hash")
	}
}

// ---------------------------------------------------------------------------
// Rejection
// ---------------------------------------------------------------------------

func TestUnmarshalRejects(t *testing.T) {
	encode := func(env Envelope) []byte {
		data, err := cbor.Marshal(env)
		if err != nil {
			t.Fatal(err)
		}
		return data
	}

	if _, err := Unmarshal(encode(Envelope{Magic: "NOPE", Version: vm.ProgramVersion, Program: sampleProgram()})); !errors.Is(err, ErrBadMagic) {
		t.Errorf("bad magic error = %v, want ErrBadMagic", err)
	}
	if _, err := Unmarshal(encode(Envelope{Magic: Magic, Version: 9, Program: sampleProgram()})); !errors.Is(err, ErrVersion) {
		t.Errorf("bad version error = %v, want ErrVersion", err)
	}
	if _, err := Unmarshal(encode(Envelope{Magic: Magic, Version: vm.ProgramVersion})); err == nil {
		t.Error("Unmarshal accepted an envelope without a program")
	}

	broken := sampleProgram()
	broken.Funcs[0].Code[0].Operand = 99
	if _, err := Unmarshal(encode(Envelope{Magic: Magic, Version: vm.ProgramVersion, Program: broken})); err == nil {
		t.Error("Unmarshal accepted a program with a dangling constant reference")
	}

	if _, err := Unmarshal([]byte{0xff, 0x00}); err == nil {
		t.Error("Unmarshal accepted garbage")
	}
	if _, err := Marshal(nil); err == nil {
		t.Error("Marshal(nil) succeeded")
	}
}

// ---------------------------------------------------------------------------
// Content addresses
// ---------------------------------------------------------------------------

func TestParseHash(t *testing.T) {
	data, err := Marshal(sampleProgram())
	if err != nil {
		t.Fatal(err)
	}
	h := Hash(data)
	s := HashString(h)
	if len(s) != 64 {
		t.Errorf("HashString length = %d, want 64", len(s))
	}
	back, err := ParseHash(s)
	if err != nil || back != h {
		t.Errorf("ParseHash(HashString(h)) = %x, %v", back, err)
	}

	for _, bad := range []string{"", "zz", "abcd", s + "00"} {
		if _, err := ParseHash(bad); err == nil {
			t.Errorf("ParseHash(%q) succeeded", bad)
		}
	}
}
