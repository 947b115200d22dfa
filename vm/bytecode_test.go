package vm

import (
	"strings"
	"testing"
)

// ---------------------------------------------------------------------------
// Opcode table
// ---------------------------------------------------------------------------

func TestOpcodeFromInt(t *testing.T) {
	for op := range opcodeTable {
		got, err := OpcodeFromInt(int64(op))
		if err != nil || got != op {
			t.Errorf("OpcodeFromInt(%d) = %v, %v; want %s", op, got, err, op)
		}
	}
	for _, n := range []int64{-1, 0x0F, 0x57, 0x67, 0xFF, 0x100} {
		if _, err := OpcodeFromInt(n); !IsFault(err, TypeMismatchFault) {
			t.Errorf("OpcodeFromInt(%#x) error = %v, want TypeMismatchFault", n, err)
		}
	}
}

func TestOpcodeNames(t *testing.T) {
	seen := make(map[string]Opcode)
	for op, info := range opcodeTable {
		if info.Name == "" {
			t.Errorf("opcode %#x has no name", byte(op))
		}
		if prev, dup := seen[info.Name]; dup {
			t.Errorf("opcodes %#x and %#x share the name %s", byte(prev), byte(op), info.Name)
		}
		seen[info.Name] = op
	}
	if got := Opcode(0xEE).String(); got != "UNKNOWN_EE" {
		t.Errorf("unknown opcode renders as %q", got)
	}
	if !OpAndNot.IsBinaryArith() || OpNeg.IsBinaryArith() {
		t.Error("IsBinaryArith misclassifies")
	}
	if !OpGeq.IsCompare() || OpIndex.IsCompare() {
		t.Error("IsCompare misclassifies")
	}
}

// ---------------------------------------------------------------------------
// Operands
// ---------------------------------------------------------------------------

func TestPackOperand(t *testing.T) {
	tests := []struct {
		index int
		low   uint8
	}{
		{0, 0},
		{5, uint8(OpAdd)},
		{1 << 20, 255},
	}
	for _, tt := range tests {
		idx, low := UnpackOperand(PackOperand(tt.index, tt.low))
		if idx != tt.index || low != tt.low {
			t.Errorf("Unpack(Pack(%d, %d)) = %d, %d", tt.index, tt.low, idx, low)
		}
	}

	idx, op, err := unpackOpOperand(PackOperand(3, uint8(OpShl)))
	if err != nil || idx != 3 || op != OpShl {
		t.Errorf("unpackOpOperand = %d, %s, %v; want 3, SHL", idx, op, err)
	}
	if _, _, err := unpackOpOperand(PackOperand(3, uint8(OpEql))); !IsFault(err, TypeMismatchFault) {
		t.Errorf("compound == error = %v, want TypeMismatchFault", err)
	}
}

func TestInstructionString(t *testing.T) {
	tests := []struct {
		in   Instruction
		want string
	}{
		{Instruction{Op: OpAdd, Type: TypeInt}, "ADD.int"},
		{Instruction{Op: OpPushConst, Operand: 4}, "PUSH_CONST 4"},
		{Instruction{Op: OpPop, Operand: 1}, "POP 1"},
		{Instruction{Op: OpNop}, "NOP"},
		{Instruction{Op: OpLss, Type: TypeStr}, "LSS.string"},
	}
	for _, tt := range tests {
		if got := tt.in.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}

// ---------------------------------------------------------------------------
// CodeBuilder
// ---------------------------------------------------------------------------

func TestCodeBuilderLabels(t *testing.T) {
	b := NewCodeBuilder()
	top := b.NewLabel()
	end := b.NewLabel()

	b.Mark(top)
	b.EmitArg(OpLoadLocal, TypeBool, 0)
	b.EmitJump(OpJumpIfNot, end) // forward, patched later
	b.Emit(OpNop, 0)
	b.EmitJump(OpJump, top) // backward, resolved immediately
	b.Mark(end)
	b.EmitArg(OpReturn, 0, 0)

	code := b.Code()
	if b.Len() != 5 {
		t.Fatalf("Len() = %d, want 5", b.Len())
	}
	if code[1].Operand != 4 {
		t.Errorf("forward jump target = %d, want 4", code[1].Operand)
	}
	if code[3].Operand != 0 {
		t.Errorf("backward jump target = %d, want 0", code[3].Operand)
	}
	if code[1].Type != TypeBool {
		t.Errorf("jump tag = %s, want bool", code[1].Type)
	}
}

func TestDisassemble(t *testing.T) {
	cat := NewCatalog()
	b := NewCodeBuilder()
	b.EmitArg(OpPushConst, TypeStr, 0)
	b.EmitArg(OpPushImm, TypeInt, 1)
	b.EmitArg(OpSliceExpr, 0, SliceOmitHigh)
	b.EmitArg(OpReturn, 0, 1)

	prog := &Program{
		Version: ProgramVersion,
		Metas:   cat.Metas(),
		Consts:  []Const{StrConst("hello")},
		Funcs: []Function{{
			Name:    "main",
			Results: 1,
			Locals:  []MetaID{cat.Basic(TypeInt)},
			Code:    b.Code(),
		}},
	}
	out := prog.Disassemble()
	for _, want := range []string{
		"; === main (func 0) ===",
		"; Locals: 1 slots",
		"PUSH_CONST.string 0",
		`; "hello"`,
		"; [lo:]",
		"RETURN 1",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("disassembly lacks %q:\n%s", want, out)
		}
	}
}
