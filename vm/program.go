package vm

import (
	"errors"
	"fmt"
)

// ProgramVersion is the program format this package executes.
const ProgramVersion = 1

// FuncID indexes Program.Funcs.
type FuncID uint32

// Const is a constant pool entry. Copyable tags keep their compact encoding
// in Bits; Complex128 keeps the real part in Bits and the imaginary part in
// Hi; strings keep their text in Str.
type Const struct {
	Type ValueType `cbor:"1,keyasint"`
	Bits uint64    `cbor:"2,keyasint,omitempty"`
	Hi   uint64    `cbor:"3,keyasint,omitempty"`
	Str  string    `cbor:"4,keyasint,omitempty"`
}

// ConstOf returns the pool entry for a scalar, Complex128 or nil value.
func ConstOf(v Value) Const {
	return Const{Type: v.typ, Bits: v.lo, Hi: v.hi}
}

// StrConst returns the pool entry for a string.
func StrConst(s string) Const {
	return Const{Type: TypeStr, Str: s}
}

func (c Const) String() string {
	if c.Type == TypeStr {
		return fmt.Sprintf("%q", c.Str)
	}
	return Value{typ: c.Type, lo: c.Bits, hi: c.Hi}.String()
}

// Function is one compiled function. Params counts the parameter slots
// (the receiver included for methods); Locals lists the types of the
// remaining local slots, which are zeroed on entry.
type Function struct {
	Name     string        `cbor:"1,keyasint"`
	Params   int           `cbor:"2,keyasint,omitempty"`
	Results  int           `cbor:"3,keyasint,omitempty"`
	Locals   []MetaID      `cbor:"4,keyasint,omitempty"`
	Captures int           `cbor:"5,keyasint,omitempty"`
	Variadic bool          `cbor:"6,keyasint,omitempty"`
	Type     MetaID        `cbor:"7,keyasint,omitempty"`
	Code     []Instruction `cbor:"8,keyasint"`
}

// Program is a complete executable unit.
type Program struct {
	Version int        `cbor:"1,keyasint"`
	Metas   []Meta     `cbor:"2,keyasint,omitempty"`
	Consts  []Const    `cbor:"3,keyasint,omitempty"`
	Funcs   []Function `cbor:"4,keyasint"`
	Globals []MetaID   `cbor:"5,keyasint,omitempty"`
	Entry   FuncID     `cbor:"6,keyasint"`
}

// FuncByName returns the id of the first function called name.
func (p *Program) FuncByName(name string) (FuncID, bool) {
	for i := range p.Funcs {
		if p.Funcs[i].Name == name {
			return FuncID(i), true
		}
	}
	return 0, false
}

// Validate checks the program's internal references: every opcode and tag
// is known and every operand is in range for its kind.
func (p *Program) Validate() error {
	if p.Version != ProgramVersion {
		return fmt.Errorf("unsupported program version %d (want %d)", p.Version, ProgramVersion)
	}
	if len(p.Funcs) == 0 {
		return errors.New("program has no functions")
	}
	if int(p.Entry) >= len(p.Funcs) {
		return fmt.Errorf("entry function %d out of range", p.Entry)
	}
	for i, c := range p.Consts {
		if !c.Type.Valid() || (c.Type.HasKey() && c.Type != TypeStr) {
			return fmt.Errorf("constant %d: unsupported type %s", i, c.Type)
		}
	}
	if _, err := CatalogFromMetas(p.Metas); err != nil {
		return fmt.Errorf("metadata: %w", err)
	}
	metas := len(p.Metas) + len(basicTags)
	for i, g := range p.Globals {
		if g == 0 || int(g) > metas {
			return fmt.Errorf("global %d: unknown metadata id %d", i, g)
		}
	}
	for i := range p.Funcs {
		if err := p.validateFunc(&p.Funcs[i], metas); err != nil {
			return fmt.Errorf("function %d (%s): %w", i, p.Funcs[i].Name, err)
		}
	}
	return nil
}

func (p *Program) validateFunc(fn *Function, metas int) error {
	if fn.Params < 0 || fn.Results < 0 || fn.Captures < 0 {
		return errors.New("negative parameter, result or capture count")
	}
	for _, l := range fn.Locals {
		if l == 0 || int(l) > metas {
			return fmt.Errorf("local of unknown metadata id %d", l)
		}
	}
	slots := fn.Params + len(fn.Locals)
	for pc, in := range fn.Code {
		if _, err := OpcodeFromInt(int64(in.Op)); err != nil {
			return fmt.Errorf("pc %d: %w", pc, err)
		}
		if _, err := ValueTypeFromInt(int(in.Type)); err != nil {
			return fmt.Errorf("pc %d: %w", pc, err)
		}
		if err := p.validateOperand(fn, in, slots, metas); err != nil {
			return fmt.Errorf("pc %d: %s: %w", pc, in.Op, err)
		}
	}
	return nil
}

func inRange(what string, i, n int) error {
	if i < 0 || i >= n {
		return fmt.Errorf("%s %d out of range [0,%d)", what, i, n)
	}
	return nil
}

func (p *Program) validateOperand(fn *Function, in Instruction, slots, metas int) error {
	n := int(in.Operand)
	switch in.Op.Info().Operand {
	case OperandCount, OperandField:
		if n < 0 {
			return fmt.Errorf("negative operand %d", n)
		}
	case OperandConst:
		return inRange("constant", n, len(p.Consts))
	case OperandSlot:
		return inRange("local slot", n, slots)
	case OperandGlobal:
		return inRange("global", n, len(p.Globals))
	case OperandCapture:
		return inRange("capture", n, fn.Captures)
	case OperandMeta:
		if n == 0 && (in.Op == OpIndex || in.Op == OpIndexCommaOk) {
			return nil
		}
		return inRange("metadata id", n-1, metas)
	case OperandFunc:
		return inRange("function", n, len(p.Funcs))
	case OperandTarget:
		return inRange("jump target", n, len(fn.Code)+1)
	case OperandPacked:
		return p.validatePacked(in, slots)
	case OperandFlags:
		if in.Op == OpSliceExpr && in.Operand&^SliceOmitHigh != 0 {
			return fmt.Errorf("unknown slice flags %#x", in.Operand)
		}
	}
	return nil
}

func (p *Program) validatePacked(in Instruction, slots int) error {
	switch in.Op {
	case OpStoreLocalOp:
		slot, _, err := unpackOpOperand(in.Operand)
		if err != nil {
			return err
		}
		return inRange("local slot", slot, slots)
	case OpStoreGlobalOp:
		g, _, err := unpackOpOperand(in.Operand)
		if err != nil {
			return err
		}
		return inRange("global", g, len(p.Globals))
	case OpStoreLocalField:
		slot, _ := UnpackOperand(in.Operand)
		return inRange("local slot", slot, slots)
	case OpCallMethod:
		name, _ := UnpackOperand(in.Operand)
		if err := inRange("constant", name, len(p.Consts)); err != nil {
			return err
		}
		if p.Consts[name].Type != TypeStr {
			return fmt.Errorf("method name constant %d is a %s", name, p.Consts[name].Type)
		}
	}
	return nil
}
