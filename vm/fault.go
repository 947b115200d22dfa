package vm

import (
	"errors"
	"fmt"
)

// ---------------------------------------------------------------------------
// Faults
// ---------------------------------------------------------------------------

// FaultKind classifies a run-time fault raised by the core.
type FaultKind uint8

const (
	BoundsFault FaultKind = iota + 1
	TypeMismatchFault
	UnsupportedOperationFault
	DivideByZeroFault
	StackOverflowFault
	StackUnderflowFault
	InvalidKeyFault
	NegativeShiftFault
	NilDereferenceFault
	InternalFault
)

var faultNames = map[FaultKind]string{
	BoundsFault:               "BoundsFault",
	TypeMismatchFault:         "TypeMismatchFault",
	UnsupportedOperationFault: "UnsupportedOperationFault",
	DivideByZeroFault:         "DivideByZeroFault",
	StackOverflowFault:        "StackOverflowFault",
	StackUnderflowFault:       "StackUnderflowFault",
	InvalidKeyFault:           "InvalidKeyFault",
	NegativeShiftFault:        "NegativeShiftFault",
	NilDereferenceFault:       "NilDereferenceFault",
	InternalFault:             "InternalFault",
}

func (k FaultKind) String() string {
	if name, ok := faultNames[k]; ok {
		return name
	}
	return fmt.Sprintf("FaultKind(%d)", uint8(k))
}

// Sentinels for errors.Is. A *Fault matches the sentinel of its kind.
var (
	ErrBounds         = &Fault{Kind: BoundsFault}
	ErrTypeMismatch   = &Fault{Kind: TypeMismatchFault}
	ErrUnsupported    = &Fault{Kind: UnsupportedOperationFault}
	ErrDivideByZero   = &Fault{Kind: DivideByZeroFault}
	ErrStackOverflow  = &Fault{Kind: StackOverflowFault}
	ErrStackUnderflow = &Fault{Kind: StackUnderflowFault}
	ErrInvalidKey     = &Fault{Kind: InvalidKeyFault}
	ErrNegativeShift  = &Fault{Kind: NegativeShiftFault}
	ErrNilDereference = &Fault{Kind: NilDereferenceFault}
	ErrInternal       = &Fault{Kind: InternalFault}
)

// Fault is the structured error delivered to the surrounding runtime when a
// thread of execution aborts. Func and PC are filled in by the interpreter.
type Fault struct {
	Kind FaultKind
	Op   Opcode
	Msg  string
	Func string
	PC   int
}

func (f *Fault) Error() string {
	msg := f.Kind.String()
	if f.Msg != "" {
		msg += ": " + f.Msg
	}
	if f.Func != "" {
		msg += fmt.Sprintf(" (in %s at pc %d", f.Func, f.PC)
		if f.Op != 0 {
			msg += ", " + f.Op.Name()
		}
		msg += ")"
	}
	return msg
}

// Is matches any Fault of the same kind.
func (f *Fault) Is(target error) bool {
	t, ok := target.(*Fault)
	return ok && t.Kind == f.Kind
}

func faultf(kind FaultKind, format string, args ...interface{}) *Fault {
	return &Fault{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

func opFault(kind FaultKind, op Opcode, format string, args ...interface{}) *Fault {
	return &Fault{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// IsFault reports whether err is (or wraps) a fault of the given kind.
func IsFault(err error, kind FaultKind) bool {
	var f *Fault
	return errors.As(err, &f) && f.Kind == kind
}

// AsFault unwraps err into a *Fault.
func AsFault(err error) (*Fault, bool) {
	var f *Fault
	ok := errors.As(err, &f)
	return f, ok
}
