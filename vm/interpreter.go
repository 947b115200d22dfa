package vm

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/google/uuid"
)

// ---------------------------------------------------------------------------
// Threads and frames
// ---------------------------------------------------------------------------

// Frame is one activation record.
type Frame struct {
	fn      *Function
	id      FuncID
	pc      int
	base    int   // first parameter slot
	ret     int   // where results land on return
	closure Value // the running closure, borrowed from the stack slot below base
}

// Thread is one thread of execution: a stack and a frame stack over a
// shared VM. A Thread is not safe for concurrent use; run concurrent work on
// separate threads.
type Thread struct {
	ID     uuid.UUID
	vm     *VM
	stack  *Stack
	frames []Frame
	floor  int
	steps  uint64
}

// NewThread creates a thread with an empty stack.
func (vm *VM) NewThread() *Thread {
	return &Thread{
		ID:    uuid.New(),
		vm:    vm,
		stack: NewStack(vm.store, vm.opts.StackSize, vm.opts.MaxStackSize),
	}
}

// Stack exposes the thread's operand stack.
func (t *Thread) Stack() *Stack { return t.stack }

// Steps returns the number of instructions executed so far.
func (t *Thread) Steps() uint64 { return t.steps }

// Run calls fn with args and runs it to completion. The results are owned
// by the caller. A fault aborts the thread: the stack is unwound and the
// fault is returned as a *Fault naming the function and pc it occurred at.
func (t *Thread) Run(ctx context.Context, fn FuncID, args []Value) (results []Value, err error) {
	if int(fn) >= len(t.vm.prog.Funcs) {
		return nil, fmt.Errorf("function %d out of range", fn)
	}
	log := t.vm.log
	log.Debugf("thread %s: start %s", t.ID, t.vm.prog.Funcs[fn].Name)

	t.floor = t.stack.Len()
	defer func() {
		if r := recover(); r != nil {
			err = t.unwind(&Fault{Kind: InternalFault, Msg: fmt.Sprintf("%v", r)})
			log.Errorf("thread %s: panic: %v\n%s", t.ID, r, debug.Stack())
			results = nil
		}
	}()

	for _, a := range args {
		if err := t.stack.Push(a); err != nil {
			return nil, t.unwind(err)
		}
	}
	if err := t.call(fn, t.floor, t.floor, Value{}); err != nil {
		return nil, t.unwind(err)
	}
	if err := t.loop(ctx); err != nil {
		return nil, t.unwind(err)
	}

	n := t.stack.Len() - t.floor
	results, err = t.stack.PopN(n)
	if err != nil {
		return nil, t.unwind(err)
	}
	log.Debugf("thread %s: finished after %d steps", t.ID, t.steps)
	return results, nil
}

// unwind discards every frame and slot the run created and annotates a
// fault with where it happened.
func (t *Thread) unwind(err error) error {
	if f, ok := AsFault(err); ok && f.Func == "" && len(t.frames) > 0 {
		top := t.frames[len(t.frames)-1]
		f.Func = top.fn.Name
		f.PC = top.pc - 1
		if f.PC >= 0 && f.PC < len(top.fn.Code) && f.Op == 0 {
			f.Op = top.fn.Code[f.PC].Op
		}
	}
	t.frames = t.frames[:0]
	t.stack.floor = 0
	if terr := t.stack.Truncate(t.floor); terr != nil {
		t.vm.log.Warningf("thread %s: unwinding stack: %v", t.ID, terr)
	}
	t.stack.floor = t.floor
	if f, ok := AsFault(err); ok {
		t.vm.log.Warningf("thread %s: %v", t.ID, f)
	}
	return err
}

// call pushes a frame for function id whose parameters start at base.
func (t *Thread) call(id FuncID, base, ret int, closure Value) error {
	if len(t.frames) >= t.vm.opts.MaxFrames {
		return faultf(StackOverflowFault, "call depth exceeds %d frames", t.vm.opts.MaxFrames)
	}
	if int(id) >= len(t.vm.prog.Funcs) {
		return faultf(BoundsFault, "function %d out of range", id)
	}
	fn := &t.vm.prog.Funcs[id]
	if got := t.stack.Len() - base; got != fn.Params {
		return faultf(TypeMismatchFault, "%s called with %d arguments, want %d", fn.Name, got, fn.Params)
	}
	for _, l := range fn.Locals {
		z, err := t.vm.store.Zero(l)
		if err != nil {
			return err
		}
		if err := t.stack.place(z); err != nil {
			t.vm.store.Release(z)
			return err
		}
	}
	t.frames = append(t.frames, Frame{fn: fn, id: id, base: base, ret: ret, closure: closure})
	return t.stack.SetFloor(base)
}

// ret returns n results from the current frame.
func (t *Thread) ret(n int) error {
	f := t.frames[len(t.frames)-1]
	if n > t.stack.Len()-f.base {
		return faultf(StackUnderflowFault, "return of %d values from a frame holding %d", n, t.stack.Len()-f.base)
	}
	if err := t.stack.ReturnTo(f.ret, n); err != nil {
		return err
	}
	t.frames = t.frames[:len(t.frames)-1]
	floor := t.floor
	if len(t.frames) > 0 {
		floor = t.frames[len(t.frames)-1].base
	}
	return t.stack.SetFloor(floor)
}

// ---------------------------------------------------------------------------
// Dispatch loop
// ---------------------------------------------------------------------------

func (t *Thread) loop(ctx context.Context) error {
	interval := uint64(t.vm.opts.CheckInterval)
	for len(t.frames) > 0 {
		f := &t.frames[len(t.frames)-1]
		if f.pc >= len(f.fn.Code) {
			if f.fn.Results != 0 {
				f.pc++
				return faultf(InternalFault, "missing return at end of %s", f.fn.Name)
			}
			f.pc++
			if err := t.ret(0); err != nil {
				return err
			}
			continue
		}
		in := f.fn.Code[f.pc]
		f.pc++
		t.steps++
		if t.steps%interval == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		if err := t.exec(f, in); err != nil {
			return err
		}
	}
	return nil
}

// exec runs one instruction. f must not be used after a call pushes a new
// frame.
func (t *Thread) exec(f *Frame, in Instruction) error {
	st := t.stack
	switch {
	case in.Op.IsBinaryArith():
		return st.binary(in.Op, in.Type)
	case in.Op.IsCompare():
		return st.compare(in.Op, in.Type)
	}

	switch in.Op {
	case OpNop:
		return nil
	case OpPop:
		return st.PopDiscardN(int(in.Operand))
	case OpPushConst:
		c, err := t.vm.Const(int(in.Operand))
		if err != nil {
			return err
		}
		return st.Push(c)
	case OpPushNil:
		return st.PushNil(in.Type)
	case OpPushTrue:
		return st.PushBool(true)
	case OpPushFalse:
		return st.PushBool(false)
	case OpPushImm:
		s, err := scalarFromInt(in.Type, int64(in.Operand))
		if err != nil {
			return err
		}
		return st.PushScalar(s, in.Type)
	case OpPushZero:
		z, err := t.vm.store.Zero(MetaID(in.Operand))
		if err != nil {
			return err
		}
		return t.place(z)

	case OpNeg:
		return st.Negate(in.Type)
	case OpComplement:
		return st.Complement(in.Type)
	case OpNot:
		return st.Not(in.Type)

	case OpLoadLocal:
		return st.PushFromIndex(f.base + int(in.Operand))
	case OpStoreLocal:
		v, err := st.Pop()
		if err != nil {
			return err
		}
		return st.setOwned(f.base+int(in.Operand), v)
	case OpStoreLocalOp:
		slot, op, err := unpackOpOperand(in.Operand)
		if err != nil {
			return err
		}
		if err := st.StoreWithOp(f.base+slot, st.Len()-1, op, in.Type); err != nil {
			return err
		}
		return st.PopDiscard()
	case OpLoadGlobal:
		v, err := t.vm.Global(int(in.Operand))
		if err != nil {
			return err
		}
		return t.place(v)
	case OpStoreGlobal, OpStoreGlobalOp:
		idx, r := int(in.Operand), int32(-1)
		if in.Op == OpStoreGlobalOp {
			g, op, err := unpackOpOperand(in.Operand)
			if err != nil {
				return err
			}
			idx, r = g, int32(op)
		}
		err := t.vm.withGlobals(func(globals []Value) error {
			if idx < 0 || idx >= len(globals) {
				return faultf(BoundsFault, "global %d out of range", idx)
			}
			return st.StoreVal(&globals[idx], r, in.Type)
		})
		if err != nil {
			return err
		}
		return st.PopDiscard()
	case OpInitGlobals:
		n := int(in.Operand)
		return t.vm.withGlobals(func(globals []Value) error {
			if n > len(globals) {
				return faultf(BoundsFault, "init of %d globals with %d declared", n, len(globals))
			}
			return st.InitPkgVars(globals[:n])
		})
	case OpLoadCapture:
		if f.closure.typ != TypeClosure {
			return faultf(TypeMismatchFault, "%s is not running as a closure", f.fn.Name)
		}
		v, err := t.vm.store.Capture(f.closure, int(in.Operand))
		if err != nil {
			return err
		}
		return t.place(v)

	case OpJump:
		f.pc = int(in.Operand)
		return nil
	case OpJumpIf, OpJumpIfNot:
		b, err := st.PopBool()
		if err != nil {
			return err
		}
		if b == (in.Op == OpJumpIf) {
			f.pc = int(in.Operand)
		}
		return nil
	case OpCall:
		fn := FuncID(in.Operand)
		params := t.vm.prog.Funcs[fn].Params
		base := st.Len() - params
		if base < st.Floor() {
			return faultf(StackUnderflowFault, "call needs %d arguments", params)
		}
		return t.call(fn, base, base, Value{})
	case OpCallClosure:
		return t.callClosure(int(in.Operand))
	case OpCallMethod:
		name, argc := UnpackOperand(in.Operand)
		return t.callMethod(name, int(argc))
	case OpReturn:
		return t.ret(int(in.Operand))
	}
	return t.execComposite(f, in)
}

// place moves an owned value onto the stack, releasing it on overflow.
func (t *Thread) place(v Value) error {
	if err := t.stack.place(v); err != nil {
		t.vm.store.Release(v)
		return err
	}
	return nil
}

func (t *Thread) callClosure(argc int) error {
	st := t.stack
	at := st.Len() - argc - 1
	if at < st.Floor() {
		return faultf(StackUnderflowFault, "closure call needs %d arguments", argc)
	}
	c, err := st.GetWithType(at, TypeClosure)
	if err != nil {
		return err
	}
	fn, err := t.vm.store.ClosureFunc(c)
	if err != nil {
		return err
	}
	return t.call(fn, at+1, at, c)
}

// callMethod dispatches through the interface value below argc arguments.
// The receiver slot is replaced by the dynamic value, which becomes the
// method's first parameter.
func (t *Thread) callMethod(nameConst, argc int) error {
	st := t.stack
	store := t.vm.store
	at := st.Len() - argc - 1
	if at < st.Floor() {
		return faultf(StackUnderflowFault, "method call needs %d arguments", argc)
	}
	nameVal, err := t.vm.Const(nameConst)
	if err != nil {
		return err
	}
	name, err := store.StringOf(nameVal)
	if err != nil {
		return err
	}
	iface, err := st.GetWithType(at, TypeInterface)
	if err != nil {
		return err
	}
	meta, recv, err := store.Dynamic(iface)
	if err != nil {
		return err
	}
	m, ok := t.vm.catalog.MethodByName(meta, name)
	if !ok {
		store.Release(recv)
		return faultf(UnsupportedOperationFault, "%s has no method %s", t.vm.catalog.TypeString(meta), name)
	}
	isPtr := recv.typ == TypePointer
	switch {
	case isPtr && !m.PtrRecv:
		v, err := store.Load(recv)
		store.Release(recv)
		if err != nil {
			return err
		}
		recv = v
	case !isPtr && m.PtrRecv:
		recv = store.PointTo(recv)
	}
	if err := st.setOwned(at, recv); err != nil {
		return err
	}
	return t.call(m.Func, at, at, Value{})
}
