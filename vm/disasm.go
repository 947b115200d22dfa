package vm

import (
	"fmt"
	"strings"
)

// Disassemble returns a human-readable listing of the whole program:
// constants, globals, then every function.
func (p *Program) Disassemble() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("; govm program v%d\n", p.Version))
	sb.WriteString(fmt.Sprintf("; Entry: %d\n", p.Entry))

	catalog, err := CatalogFromMetas(p.Metas)
	if err != nil {
		catalog = NewCatalog()
	}

	if len(p.Consts) > 0 {
		sb.WriteString("; Constants:\n")
		for i, c := range p.Consts {
			display := c.String()
			if len(display) > 40 {
				display = display[:37] + "..."
			}
			sb.WriteString(fmt.Sprintf(";   [%3d] %s %s\n", i, c.Type, display))
		}
	}
	if len(p.Globals) > 0 {
		sb.WriteString("; Globals:\n")
		for i, g := range p.Globals {
			sb.WriteString(fmt.Sprintf(";   [%3d] %s\n", i, catalog.TypeString(g)))
		}
	}
	sb.WriteString("\n")

	for i := range p.Funcs {
		sb.WriteString(p.DisassembleFunc(FuncID(i), catalog))
		sb.WriteString("\n")
	}
	return sb.String()
}

// DisassembleFunc returns the listing of one function.
func (p *Program) DisassembleFunc(id FuncID, catalog *Catalog) string {
	fn := &p.Funcs[id]
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("; === %s (func %d) ===\n", fn.Name, id))
	if fn.Type != 0 {
		sb.WriteString(fmt.Sprintf("; Type: %s\n", catalog.TypeString(fn.Type)))
	}
	sb.WriteString(fmt.Sprintf("; Parameters: %d", fn.Params))
	if fn.Variadic {
		sb.WriteString(" [VARIADIC]")
	}
	sb.WriteString(fmt.Sprintf(", Results: %d", fn.Results))
	if fn.Captures > 0 {
		sb.WriteString(fmt.Sprintf(", Captures: %d", fn.Captures))
	}
	sb.WriteString("\n")
	if len(fn.Locals) > 0 {
		sb.WriteString(fmt.Sprintf("; Locals: %d slots\n", len(fn.Locals)))
		for i, l := range fn.Locals {
			sb.WriteString(fmt.Sprintf(";   [%3d] %s\n", fn.Params+i, catalog.TypeString(l)))
		}
	}

	for pc, in := range fn.Code {
		sb.WriteString(fmt.Sprintf("%04d  %-20s", pc, in.String()))
		if note := p.annotate(in, catalog); note != "" {
			sb.WriteString(" ; " + note)
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

// annotate explains an operand where a bare number says little.
func (p *Program) annotate(in Instruction, catalog *Catalog) string {
	n := int(in.Operand)
	switch in.Op.Info().Operand {
	case OperandConst:
		if n >= 0 && n < len(p.Consts) {
			return p.Consts[n].String()
		}
	case OperandMeta:
		if n > 0 {
			return catalog.TypeString(MetaID(n))
		}
	case OperandFunc:
		if n >= 0 && n < len(p.Funcs) {
			return p.Funcs[n].Name
		}
	case OperandFlags:
		if in.Op == OpSliceExpr && in.Operand&SliceOmitHigh != 0 {
			return "[lo:]"
		}
	case OperandPacked:
		idx, low := UnpackOperand(in.Operand)
		switch in.Op {
		case OpStoreLocalOp, OpStoreGlobalOp:
			return fmt.Sprintf("%d %s=", idx, Opcode(low).Name())
		case OpStoreLocalField:
			return fmt.Sprintf("slot %d field %d", idx, low)
		case OpCallMethod:
			if idx >= 0 && idx < len(p.Consts) {
				return fmt.Sprintf("%s/%d", p.Consts[idx].Str, low)
			}
		}
	}
	return ""
}
