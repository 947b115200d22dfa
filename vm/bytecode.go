package vm

import (
	"fmt"
)

// ---------------------------------------------------------------------------
// Opcode definitions
// ---------------------------------------------------------------------------

// Opcode names a primitive operation. The numeric space is flat; the value
// type tag carried by each instruction selects the typed variant.
type Opcode uint8

// Stack Operations
const (
	OpNop       Opcode = 0x00 // no operation
	OpPop       Opcode = 0x01 // discard N slots
	OpPushConst Opcode = 0x02 // push constant pool entry
	OpPushNil   Opcode = 0x03 // push nil of the instruction tag
	OpPushTrue  Opcode = 0x04 // push true
	OpPushFalse Opcode = 0x05 // push false
	OpPushImm   Opcode = 0x06 // push the operand as an integer of the instruction tag
	OpPushZero  Opcode = 0x07 // push the zero value of a metadata entry
)

// Variable Operations
const (
	OpLoadLocal         Opcode = 0x10 // push local slot (frame relative)
	OpStoreLocal        Opcode = 0x11 // pop into local slot with copy semantics
	OpStoreLocalOp      Opcode = 0x12 // local op= top (packed slot/operator)
	OpLoadGlobal        Opcode = 0x13 // push package variable
	OpStoreGlobal       Opcode = 0x14 // pop into package variable
	OpStoreGlobalOp     Opcode = 0x15 // global op= top (packed index/operator)
	OpInitGlobals       Opcode = 0x16 // pop N initializers into the first N globals
	OpLoadCapture       Opcode = 0x17 // push closure capture
	OpStoreLocalIndex   Opcode = 0x18 // local[index] = value
	OpStoreLocalField   Opcode = 0x19 // local.field = value (packed slot/field)
	OpStoreCaptureDeref Opcode = 0x1A // *capture = value
)

// Arithmetic
const (
	OpAdd        Opcode = 0x20
	OpSub        Opcode = 0x21
	OpMul        Opcode = 0x22
	OpQuo        Opcode = 0x23
	OpRem        Opcode = 0x24
	OpAnd        Opcode = 0x25
	OpOr         Opcode = 0x26
	OpXor        Opcode = 0x27
	OpShl        Opcode = 0x28
	OpShr        Opcode = 0x29
	OpAndNot     Opcode = 0x2A
	OpNeg        Opcode = 0x2B // unary -
	OpComplement Opcode = 0x2C // unary ^
	OpNot        Opcode = 0x2D // unary !
)

// Comparison
const (
	OpEql Opcode = 0x30
	OpNeq Opcode = 0x31
	OpLss Opcode = 0x32
	OpGtr Opcode = 0x33
	OpLeq Opcode = 0x34
	OpGeq Opcode = 0x35
)

// Composite Operations
const (
	OpIndex        Opcode = 0x40 // container[index]
	OpIndexCommaOk Opcode = 0x41 // v, ok := m[key]
	OpStoreIndex   Opcode = 0x42 // container[index] = value
	OpLen          Opcode = 0x43 // len(container)
	OpSliceExpr    Opcode = 0x44 // container[lo:hi], or container[lo:] with SliceOmitHigh
	OpAppend       Opcode = 0x45 // append(slice, N values)
	OpMakeSlice    Opcode = 0x46 // make([]T, len, cap)
	OpMakeMap      Opcode = 0x47 // make(map[K]V)
	OpMakeStruct   Opcode = 0x48 // T{f0, f1, ...}
	OpField        Opcode = 0x49 // x.f
	OpStoreField   Opcode = 0x4A // p.f = value
	OpNew          Opcode = 0x4B // new(T)
	OpDeref        Opcode = 0x4C // *p
	OpStorePtr     Opcode = 0x4D // *p = value
	OpBox          Opcode = 0x4E // convert to interface
	OpUnbox        Opcode = 0x4F // x.(T)
	OpPackVariadic Opcode = 0x50 // pack N trailing args into a slice
	OpMakeClosure  Opcode = 0x51 // func literal with N captures
	OpFieldRef     Opcode = 0x52 // &p.f
	OpIndexRef     Opcode = 0x53 // &s[i]
	OpDelete       Opcode = 0x54 // delete(m, key)
	OpWrap         Opcode = 0x55 // convert to a named type
	OpUnwrap       Opcode = 0x56 // underlying value of a named value
)

// Control Flow
const (
	OpJump        Opcode = 0x60 // absolute jump
	OpJumpIf      Opcode = 0x61 // pop bool, jump if true
	OpJumpIfNot   Opcode = 0x62 // pop bool, jump if false
	OpCall        Opcode = 0x63 // call function by id
	OpCallClosure Opcode = 0x64 // call closure below N args
	OpCallMethod  Opcode = 0x65 // dynamic call through an interface (packed name/argc)
	OpReturn      Opcode = 0x66 // return N results
)

// ---------------------------------------------------------------------------
// Opcode metadata
// ---------------------------------------------------------------------------

// OperandKind says how an instruction's operand is interpreted.
type OperandKind uint8

const (
	OperandNone OperandKind = iota
	OperandCount
	OperandImm
	OperandConst
	OperandSlot
	OperandGlobal
	OperandCapture
	OperandMeta
	OperandFunc
	OperandTarget
	OperandField
	OperandPacked
	OperandFlags
)

// SliceOmitHigh is the OpSliceExpr flag for c[lo:]. When set, only c and lo
// are on the stack and the high bound is len(c).
const SliceOmitHigh int32 = 1

// OpcodeInfo holds metadata about an opcode.
type OpcodeInfo struct {
	Name        string      // human-readable name
	Operand     OperandKind // operand interpretation
	StackEffect int         // net effect on stack (-1 = variable)
}

// opcodeTable maps opcodes to their metadata.
var opcodeTable = map[Opcode]OpcodeInfo{
	OpNop:       {"NOP", OperandNone, 0},
	OpPop:       {"POP", OperandCount, -1},
	OpPushConst: {"PUSH_CONST", OperandConst, 1},
	OpPushNil:   {"PUSH_NIL", OperandNone, 1},
	OpPushTrue:  {"PUSH_TRUE", OperandNone, 1},
	OpPushFalse: {"PUSH_FALSE", OperandNone, 1},
	OpPushImm:   {"PUSH_IMM", OperandImm, 1},
	OpPushZero:  {"PUSH_ZERO", OperandMeta, 1},

	OpLoadLocal:         {"LOAD_LOCAL", OperandSlot, 1},
	OpStoreLocal:        {"STORE_LOCAL", OperandSlot, -1},
	OpStoreLocalOp:      {"STORE_LOCAL_OP", OperandPacked, -1},
	OpLoadGlobal:        {"LOAD_GLOBAL", OperandGlobal, 1},
	OpStoreGlobal:       {"STORE_GLOBAL", OperandGlobal, -1},
	OpStoreGlobalOp:     {"STORE_GLOBAL_OP", OperandPacked, -1},
	OpInitGlobals:       {"INIT_GLOBALS", OperandCount, -1},
	OpLoadCapture:       {"LOAD_CAPTURE", OperandCapture, 1},
	OpStoreLocalIndex:   {"STORE_LOCAL_INDEX", OperandSlot, -2},
	OpStoreLocalField:   {"STORE_LOCAL_FIELD", OperandPacked, -1},
	OpStoreCaptureDeref: {"STORE_CAPTURE_DEREF", OperandCapture, -1},

	OpAdd:        {"ADD", OperandNone, -1},
	OpSub:        {"SUB", OperandNone, -1},
	OpMul:        {"MUL", OperandNone, -1},
	OpQuo:        {"QUO", OperandNone, -1},
	OpRem:        {"REM", OperandNone, -1},
	OpAnd:        {"AND", OperandNone, -1},
	OpOr:         {"OR", OperandNone, -1},
	OpXor:        {"XOR", OperandNone, -1},
	OpShl:        {"SHL", OperandNone, -1},
	OpShr:        {"SHR", OperandNone, -1},
	OpAndNot:     {"AND_NOT", OperandNone, -1},
	OpNeg:        {"NEG", OperandNone, 0},
	OpComplement: {"COMPLEMENT", OperandNone, 0},
	OpNot:        {"NOT", OperandNone, 0},

	OpEql: {"EQL", OperandNone, -1},
	OpNeq: {"NEQ", OperandNone, -1},
	OpLss: {"LSS", OperandNone, -1},
	OpGtr: {"GTR", OperandNone, -1},
	OpLeq: {"LEQ", OperandNone, -1},
	OpGeq: {"GEQ", OperandNone, -1},

	OpIndex:        {"INDEX", OperandMeta, -1},
	OpIndexCommaOk: {"INDEX_COMMA_OK", OperandMeta, 0},
	OpStoreIndex:   {"STORE_INDEX", OperandNone, -3},
	OpLen:          {"LEN", OperandNone, 0},
	OpSliceExpr:    {"SLICE", OperandFlags, -1},
	OpAppend:       {"APPEND", OperandCount, -1},
	OpMakeSlice:    {"MAKE_SLICE", OperandMeta, -1},
	OpMakeMap:      {"MAKE_MAP", OperandMeta, 1},
	OpMakeStruct:   {"MAKE_STRUCT", OperandMeta, -1},
	OpField:        {"FIELD", OperandField, 0},
	OpStoreField:   {"STORE_FIELD", OperandField, -2},
	OpNew:          {"NEW", OperandMeta, 1},
	OpDeref:        {"DEREF", OperandNone, 0},
	OpStorePtr:     {"STORE_PTR", OperandNone, -2},
	OpBox:          {"BOX", OperandMeta, 0},
	OpUnbox:        {"UNBOX", OperandMeta, 0},
	OpPackVariadic: {"PACK_VARIADIC", OperandCount, -1},
	OpMakeClosure:  {"MAKE_CLOSURE", OperandFunc, -1},
	OpFieldRef:     {"FIELD_REF", OperandField, 0},
	OpIndexRef:     {"INDEX_REF", OperandNone, -1},
	OpDelete:       {"DELETE", OperandNone, -2},
	OpWrap:         {"WRAP", OperandMeta, 0},
	OpUnwrap:       {"UNWRAP", OperandNone, 0},

	OpJump:        {"JUMP", OperandTarget, 0},
	OpJumpIf:      {"JUMP_IF", OperandTarget, -1},
	OpJumpIfNot:   {"JUMP_IF_NOT", OperandTarget, -1},
	OpCall:        {"CALL", OperandFunc, -1},
	OpCallClosure: {"CALL_CLOSURE", OperandCount, -1},
	OpCallMethod:  {"CALL_METHOD", OperandPacked, -1},
	OpReturn:      {"RETURN", OperandCount, -1},
}

// Info returns the metadata for an opcode.
func (op Opcode) Info() OpcodeInfo {
	if info, ok := opcodeTable[op]; ok {
		return info
	}
	return OpcodeInfo{Name: fmt.Sprintf("UNKNOWN_%02X", byte(op))}
}

// Valid reports whether op is a defined opcode.
func (op Opcode) Valid() bool {
	_, ok := opcodeTable[op]
	return ok
}

// Name returns the human-readable name for an opcode.
func (op Opcode) Name() string {
	return op.Info().Name
}

// String implements the Stringer interface.
func (op Opcode) String() string {
	return op.Name()
}

// OpcodeFromInt converts a raw integer into an opcode. Codes outside the
// defined set are rejected rather than reinterpreted.
func OpcodeFromInt(n int64) (Opcode, error) {
	if n < 0 || n > 0xFF || !Opcode(n).Valid() {
		return 0, faultf(TypeMismatchFault, "invalid opcode %d", n)
	}
	return Opcode(n), nil
}

// IsBinaryArith reports whether op is one of the two-operand arithmetic ops
// usable in compound assignment.
func (op Opcode) IsBinaryArith() bool { return op >= OpAdd && op <= OpAndNot }

// IsCompare reports whether op is a comparison.
func (op Opcode) IsCompare() bool { return op >= OpEql && op <= OpGeq }

// ---------------------------------------------------------------------------
// Instructions
// ---------------------------------------------------------------------------

// Instruction is one (opcode, operand, value type) triple.
type Instruction struct {
	Op      Opcode    `cbor:"1,keyasint"`
	Type    ValueType `cbor:"2,keyasint,omitempty"`
	Operand int32     `cbor:"3,keyasint,omitempty"`
}

func (in Instruction) String() string {
	info := in.Op.Info()
	s := info.Name
	if in.Type != 0 || in.Op.IsBinaryArith() || in.Op.IsCompare() {
		s += "." + in.Type.String()
	}
	if info.Operand != OperandNone {
		s += fmt.Sprintf(" %d", in.Operand)
	}
	return s
}

// PackOperand combines a primary index with an 8-bit secondary code, the
// layout used by compound-assignment, field-store and method-call operands.
func PackOperand(index int, low uint8) int32 {
	return int32(index)<<8 | int32(low)
}

// UnpackOperand splits a packed operand.
func UnpackOperand(operand int32) (index int, low uint8) {
	return int(operand >> 8), uint8(operand)
}

// unpackOpOperand splits a packed compound-assignment operand and checks
// that the operator is a binary arithmetic opcode.
func unpackOpOperand(operand int32) (int, Opcode, error) {
	index, code := UnpackOperand(operand)
	op, err := OpcodeFromInt(int64(code))
	if err != nil {
		return 0, 0, err
	}
	if !op.IsBinaryArith() {
		return 0, 0, faultf(TypeMismatchFault, "%s is not an assignment operator", op)
	}
	return index, op, nil
}

// ---------------------------------------------------------------------------
// CodeBuilder: helper for constructing instruction streams
// ---------------------------------------------------------------------------

// CodeBuilder appends instructions and patches forward jumps.
type CodeBuilder struct {
	code []Instruction
}

// Label is a jump target that may be referenced before it is marked.
type Label struct {
	target  int
	pending []int
}

// NewCodeBuilder creates an empty builder.
func NewCodeBuilder() *CodeBuilder {
	return &CodeBuilder{}
}

// Code returns the built instruction stream.
func (b *CodeBuilder) Code() []Instruction {
	return b.code
}

// Len returns the number of instructions emitted so far.
func (b *CodeBuilder) Len() int {
	return len(b.code)
}

// Emit appends an instruction without operand.
func (b *CodeBuilder) Emit(op Opcode, t ValueType) *CodeBuilder {
	return b.EmitArg(op, t, 0)
}

// EmitArg appends an instruction with an operand.
func (b *CodeBuilder) EmitArg(op Opcode, t ValueType, operand int32) *CodeBuilder {
	b.code = append(b.code, Instruction{Op: op, Type: t, Operand: operand})
	return b
}

// NewLabel creates an unmarked label.
func (b *CodeBuilder) NewLabel() *Label {
	return &Label{target: -1}
}

// Mark binds the label to the current position and patches earlier jumps.
func (b *CodeBuilder) Mark(l *Label) {
	l.target = len(b.code)
	for _, at := range l.pending {
		b.code[at].Operand = int32(l.target)
	}
	l.pending = nil
}

// EmitJump appends a jump to the label.
func (b *CodeBuilder) EmitJump(op Opcode, l *Label) *CodeBuilder {
	if l.target >= 0 {
		return b.EmitArg(op, TypeBool, int32(l.target))
	}
	l.pending = append(l.pending, len(b.code))
	return b.EmitArg(op, TypeBool, -1)
}
