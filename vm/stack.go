package vm

// ---------------------------------------------------------------------------
// Execution stack
// ---------------------------------------------------------------------------

const (
	// DefaultStackSize is the initial slot count of a stack.
	DefaultStackSize = 10240

	// DefaultMaxStackSize bounds growth; pushing past it is a
	// StackOverflowFault.
	DefaultMaxStackSize = 1 << 20
)

// Stack is the operand stack of one thread. It keeps three parallel arenas
// indexed by one cursor: compact scalars for copyable tags, canonical values
// for reference tags, and the tag each slot was pushed with. Only the arena
// matching a slot's tag is meaningful for that slot.
//
// A slot holding a reference value owns one Store reference. Push copies
// (the caller keeps its value); Pop hands the slot's reference to the
// caller; Get and GetWithType borrow.
//
// Pops below the floor, the base of the current frame, fail with
// StackUnderflowFault.
type Stack struct {
	store   *Store
	scalars []Scalar
	refs    []Value
	tags    []ValueType
	cursor  int
	floor   int
	max     int
}

// NewStack creates a stack with the given initial and maximum slot counts.
// Non-positive sizes select the defaults.
func NewStack(store *Store, initial, max int) *Stack {
	if max <= 0 {
		max = DefaultMaxStackSize
	}
	if initial <= 0 {
		initial = DefaultStackSize
	}
	if initial > max {
		initial = max
	}
	return &Stack{
		store:   store,
		scalars: make([]Scalar, initial),
		refs:    make([]Value, initial),
		tags:    make([]ValueType, initial),
		max:     max,
	}
}

// Len returns the number of occupied slots.
func (st *Stack) Len() int { return st.cursor }

// Cap returns the number of slots currently allocated.
func (st *Stack) Cap() int { return len(st.tags) }

// Floor returns the lowest slot pops may reach.
func (st *Stack) Floor() int { return st.floor }

// SetFloor moves the floor. It must not exceed Len.
func (st *Stack) SetFloor(f int) error {
	if f < 0 || f > st.cursor {
		return faultf(BoundsFault, "stack floor %d out of range [0,%d]", f, st.cursor)
	}
	st.floor = f
	return nil
}

// Offset resolves a relative index against base: Offset(Len(), -1) is the
// top slot.
func Offset(base int, i int32) int { return base + int(i) }

func (st *Stack) reserve(n int) error {
	need := st.cursor + n
	if need <= len(st.tags) {
		return nil
	}
	if need > st.max {
		return faultf(StackOverflowFault, "stack exceeds %d slots", st.max)
	}
	size := 2 * len(st.tags)
	if size < need {
		size = need
	}
	if size > st.max {
		size = st.max
	}
	st.scalars = append(st.scalars, make([]Scalar, size-len(st.scalars))...)
	st.refs = append(st.refs, make([]Value, size-len(st.refs))...)
	st.tags = append(st.tags, make([]ValueType, size-len(st.tags))...)
	return nil
}

func (st *Stack) checkIndex(i int) error {
	if i < 0 || i >= st.cursor {
		return faultf(BoundsFault, "stack index %d out of range [0,%d)", i, st.cursor)
	}
	return nil
}

// tagMatches reports whether a slot pushed as have may be read as want. A
// nil slot reads as any nilable tag.
func tagMatches(have, want ValueType) bool {
	return have == want || (have == TypeNil && want.Nilable())
}

func (st *Stack) checkTag(i int, t ValueType) error {
	if !tagMatches(st.tags[i], t) {
		return faultf(TypeMismatchFault, "stack slot %d holds %s, not %s", i, st.tags[i], t)
	}
	return nil
}

// write stores an owned value into slot i without releasing what was there.
func (st *Stack) write(i int, v Value) {
	st.tags[i] = v.typ
	if v.typ.IsCopyable() {
		st.scalars[i] = Scalar(v.lo)
		st.refs[i] = Value{}
		return
	}
	st.refs[i] = v
}

// read returns slot i as a canonical value, borrowed.
func (st *Stack) read(i int) Value {
	t := st.tags[i]
	if t.IsCopyable() {
		return st.scalars[i].Value(t)
	}
	return st.refs[i]
}

// take clears slot i and returns its value with ownership.
func (st *Stack) take(i int) Value {
	v := st.read(i)
	st.refs[i] = Value{}
	return v
}

func (st *Stack) clear(i int) {
	if !st.tags[i].IsCopyable() {
		st.store.Release(st.refs[i])
		st.refs[i] = Value{}
	}
}

// ---------------------------------------------------------------------------
// Push
// ---------------------------------------------------------------------------

// Push copies v onto the stack.
func (st *Stack) Push(v Value) error {
	c, err := st.store.Copy(v)
	if err != nil {
		return err
	}
	if err := st.place(c); err != nil {
		st.store.Release(c)
		return err
	}
	return nil
}

// place moves an owned value onto the stack. On overflow the caller still
// owns v.
func (st *Stack) place(v Value) error {
	if err := st.reserve(1); err != nil {
		return err
	}
	st.write(st.cursor, v)
	st.cursor++
	return nil
}

// PushScalar pushes a compact value of copyable tag t.
func (st *Stack) PushScalar(s Scalar, t ValueType) error {
	if !t.IsCopyable() {
		return faultf(TypeMismatchFault, "%s is not a scalar type", t)
	}
	if err := st.reserve(1); err != nil {
		return err
	}
	st.scalars[st.cursor] = s
	st.refs[st.cursor] = Value{}
	st.tags[st.cursor] = t
	st.cursor++
	return nil
}

func (st *Stack) PushBool(b bool) error { return st.PushScalar(scalarBool(b), TypeBool) }

func (st *Stack) PushInt(i int64) error { return st.PushScalar(Scalar(uint64(i)), TypeInt) }

// PushNil pushes the nil value of a nilable tag, or untyped nil.
func (st *Stack) PushNil(t ValueType) error {
	if !t.Nilable() {
		return faultf(TypeMismatchFault, "%s has no nil value", t)
	}
	return st.place(Value{typ: t})
}

// PushFromIndex pushes a copy of slot i.
func (st *Stack) PushFromIndex(i int) error {
	if err := st.checkIndex(i); err != nil {
		return err
	}
	return st.Push(st.read(i))
}

// Append moves vals onto the stack in order.
func (st *Stack) Append(vals []Value) error {
	if err := st.reserve(len(vals)); err != nil {
		return err
	}
	for _, v := range vals {
		st.write(st.cursor, v)
		st.cursor++
	}
	return nil
}

// ---------------------------------------------------------------------------
// Pop
// ---------------------------------------------------------------------------

func (st *Stack) checkPop(n int) error {
	if n < 0 || st.cursor-n < st.floor {
		return faultf(StackUnderflowFault, "pop of %d with %d slots above the frame", n, st.cursor-st.floor)
	}
	return nil
}

// Pop removes the top slot and returns its value with ownership.
func (st *Stack) Pop() (Value, error) {
	if err := st.checkPop(1); err != nil {
		return Value{}, err
	}
	st.cursor--
	return st.take(st.cursor), nil
}

// PopWithType pops the top slot, which must have been pushed with tag t.
func (st *Stack) PopWithType(t ValueType) (Value, error) {
	if err := st.checkPop(1); err != nil {
		return Value{}, err
	}
	if err := st.checkTag(st.cursor-1, t); err != nil {
		return Value{}, err
	}
	st.cursor--
	v := st.take(st.cursor)
	if v.typ == TypeNil && t != TypeNil {
		v = Value{typ: t}
	}
	return v, nil
}

// PopScalar pops a slot of copyable tag t in compact form.
func (st *Stack) PopScalar(t ValueType) (Scalar, error) {
	if !t.IsCopyable() {
		return 0, faultf(TypeMismatchFault, "%s is not a scalar type", t)
	}
	if err := st.checkPop(1); err != nil {
		return 0, err
	}
	if err := st.checkTag(st.cursor-1, t); err != nil {
		return 0, err
	}
	st.cursor--
	return st.scalars[st.cursor], nil
}

func (st *Stack) PopBool() (bool, error) {
	s, err := st.PopScalar(TypeBool)
	return s != 0, err
}

// PopInt pops a slot of any integer tag as an int64.
func (st *Stack) PopInt() (int64, error) {
	if err := st.checkPop(1); err != nil {
		return 0, err
	}
	t := st.tags[st.cursor-1]
	if !t.IsInteger() {
		return 0, faultf(TypeMismatchFault, "stack slot %d holds %s, not an integer", st.cursor-1, t)
	}
	st.cursor--
	return st.scalars[st.cursor].Value(t).Index()
}

// PopDiscard drops the top slot.
func (st *Stack) PopDiscard() error {
	return st.PopDiscardN(1)
}

// PopDiscardN drops the top n slots.
func (st *Stack) PopDiscardN(n int) error {
	if err := st.checkPop(n); err != nil {
		return err
	}
	for i := 0; i < n; i++ {
		st.cursor--
		st.clear(st.cursor)
	}
	return nil
}

// Truncate drops every slot at or above n.
func (st *Stack) Truncate(n int) error {
	if n > st.cursor {
		return faultf(BoundsFault, "truncate to %d beyond length %d", n, st.cursor)
	}
	return st.PopDiscardN(st.cursor - n)
}

// PopN removes the top n slots and returns them bottom first, with
// ownership.
func (st *Stack) PopN(n int) ([]Value, error) {
	if err := st.checkPop(n); err != nil {
		return nil, err
	}
	out := make([]Value, n)
	start := st.cursor - n
	for i := range out {
		out[i] = st.take(start + i)
	}
	st.cursor = start
	return out, nil
}

// SplitOffWithType removes the slots from i to the top, which must all
// carry tag t, and returns them with ownership.
func (st *Stack) SplitOffWithType(i int, t ValueType) ([]Value, error) {
	if i < st.floor || i > st.cursor {
		return nil, faultf(StackUnderflowFault, "split at %d outside [%d,%d]", i, st.floor, st.cursor)
	}
	for j := i; j < st.cursor; j++ {
		if err := st.checkTag(j, t); err != nil {
			return nil, err
		}
	}
	out := make([]Value, 0, st.cursor-i)
	for j := i; j < st.cursor; j++ {
		v := st.take(j)
		if v.typ == TypeNil && t != TypeNil {
			v = Value{typ: t}
		}
		out = append(out, v)
	}
	st.cursor = i
	return out, nil
}

// ---------------------------------------------------------------------------
// Random access
// ---------------------------------------------------------------------------

// Get returns slot i, borrowed.
func (st *Stack) Get(i int) (Value, error) {
	if err := st.checkIndex(i); err != nil {
		return Value{}, err
	}
	return st.read(i), nil
}

// GetWithType returns slot i, which must carry tag t, borrowed.
func (st *Stack) GetWithType(i int, t ValueType) (Value, error) {
	if err := st.checkIndex(i); err != nil {
		return Value{}, err
	}
	if err := st.checkTag(i, t); err != nil {
		return Value{}, err
	}
	v := st.read(i)
	if v.typ == TypeNil && t != TypeNil {
		v = Value{typ: t}
	}
	return v, nil
}

// Set stores a copy of v into slot i, releasing the previous occupant.
func (st *Stack) Set(i int, v Value) error {
	if err := st.checkIndex(i); err != nil {
		return err
	}
	c, err := st.store.Copy(v)
	if err != nil {
		return err
	}
	st.clear(i)
	st.write(i, c)
	return nil
}

// setOwned moves v into slot i, releasing the previous occupant.
func (st *Stack) setOwned(i int, v Value) error {
	if err := st.checkIndex(i); err != nil {
		st.store.Release(v)
		return err
	}
	st.clear(i)
	st.write(i, v)
	return nil
}

// SetWithType stores a compact value of copyable tag t into slot i.
func (st *Stack) SetWithType(i int, s Scalar, t ValueType) error {
	if !t.IsCopyable() {
		return faultf(TypeMismatchFault, "%s is not a scalar type", t)
	}
	if err := st.checkIndex(i); err != nil {
		return err
	}
	st.clear(i)
	st.scalars[i] = s
	st.tags[i] = t
	return nil
}

// StoreCopySemantic assigns slot ri to slot li with the copy semantics of
// the value's tag.
func (st *Stack) StoreCopySemantic(li, ri int) error {
	if err := st.checkIndex(ri); err != nil {
		return err
	}
	return st.Set(li, st.read(ri))
}

// StoreWithOp replaces slot li with li op ri.
func (st *Stack) StoreWithOp(li, ri int, op Opcode, t ValueType) error {
	if err := st.checkIndex(li); err != nil {
		return err
	}
	if err := st.checkIndex(ri); err != nil {
		return err
	}
	if err := st.checkTag(li, t); err != nil {
		return err
	}
	shiftOp := op == OpShl || op == OpShr
	if t.IsCopyable() && !shiftOp {
		if err := st.checkTag(ri, t); err != nil {
			return err
		}
		r, err := BinaryOp(op, st.scalars[li], st.scalars[ri], t)
		if err != nil {
			return err
		}
		st.scalars[li] = r
		return nil
	}
	r, err := st.store.Arith(op, st.read(li), st.read(ri))
	if err != nil {
		return err
	}
	return st.setOwned(li, r)
}

// StoreVal assigns into a location outside the stack, such as a global.
// A negative rIndex copies the slot at Offset(Len(), rIndex) into target.
// Otherwise rIndex is an opcode and target becomes target op top.
// target's previous value is released.
func (st *Stack) StoreVal(target *Value, rIndex int32, t ValueType) error {
	var v Value
	if rIndex < 0 {
		ri := Offset(st.cursor, rIndex)
		src, err := st.GetWithType(ri, t)
		if err != nil {
			return err
		}
		if v, err = st.store.Copy(src); err != nil {
			return err
		}
	} else {
		op, err := OpcodeFromInt(int64(rIndex))
		if err != nil {
			return err
		}
		if !op.IsBinaryArith() {
			return opFault(TypeMismatchFault, op, "not an assignment operator")
		}
		if target.typ != t {
			return opFault(TypeMismatchFault, op, "target holds %s, not %s", target.typ, t)
		}
		top, err := st.Get(st.cursor - 1)
		if err != nil {
			return err
		}
		if v, err = st.store.Arith(op, *target, top); err != nil {
			return err
		}
	}
	old := *target
	*target = v
	st.store.Release(old)
	return nil
}

// PackVariadic collects the slots from start to the top, all of element
// tag elem, into a new slice and pushes it. An empty run pushes a nil slice,
// so afterwards Len() == start+1.
func (st *Stack) PackVariadic(start int, elem ValueType) error {
	if start == st.cursor {
		if start < st.floor {
			return faultf(StackUnderflowFault, "variadic start %d below frame floor %d", start, st.floor)
		}
		return st.PushNil(TypeSlice)
	}
	vals, err := st.SplitOffWithType(start, elem)
	if err != nil {
		return err
	}
	sl, err := st.store.newSlice(elem, vals)
	if err != nil {
		st.store.Release(vals...)
		return err
	}
	return st.place(sl)
}

// InitPkgVars pops one value per variable, last variable first, into vars.
// Each variable keeps its declared tag.
func (st *Stack) InitPkgVars(vars []Value) error {
	if err := st.checkPop(len(vars)); err != nil {
		return err
	}
	for i := len(vars) - 1; i >= 0; i-- {
		v, err := st.PopWithType(vars[i].typ)
		if err != nil {
			return err
		}
		st.store.Release(vars[i])
		vars[i] = v
	}
	return nil
}

// ReturnTo moves the top n slots down to base and drops everything between.
func (st *Stack) ReturnTo(base, n int) error {
	start := st.cursor - n
	if base < 0 || start < base {
		return faultf(StackUnderflowFault, "return of %d values to %d with %d slots", n, base, st.cursor)
	}
	for i := base; i < start; i++ {
		st.clear(i)
	}
	for i := 0; i < n; i++ {
		st.scalars[base+i] = st.scalars[start+i]
		st.tags[base+i] = st.tags[start+i]
		st.refs[base+i] = st.refs[start+i]
	}
	for i := base + n; i < st.cursor; i++ {
		st.refs[i] = Value{}
	}
	st.cursor = base + n
	if st.floor > st.cursor {
		st.floor = st.cursor
	}
	return nil
}

// Close releases every slot.
func (st *Stack) Close() {
	for st.cursor > 0 {
		st.cursor--
		st.clear(st.cursor)
	}
	st.floor = 0
}

// ---------------------------------------------------------------------------
// Operators on the top of the stack
// ---------------------------------------------------------------------------

func (st *Stack) binary(op Opcode, t ValueType) error {
	if err := st.checkPop(2); err != nil {
		return err
	}
	n := st.cursor
	if err := st.StoreWithOp(n-2, n-1, op, t); err != nil {
		return err
	}
	return st.PopDiscard()
}

func (st *Stack) Add(t ValueType) error    { return st.binary(OpAdd, t) }
func (st *Stack) Sub(t ValueType) error    { return st.binary(OpSub, t) }
func (st *Stack) Mul(t ValueType) error    { return st.binary(OpMul, t) }
func (st *Stack) Quo(t ValueType) error    { return st.binary(OpQuo, t) }
func (st *Stack) Rem(t ValueType) error    { return st.binary(OpRem, t) }
func (st *Stack) And(t ValueType) error    { return st.binary(OpAnd, t) }
func (st *Stack) Or(t ValueType) error     { return st.binary(OpOr, t) }
func (st *Stack) Xor(t ValueType) error    { return st.binary(OpXor, t) }
func (st *Stack) Shl(t ValueType) error    { return st.binary(OpShl, t) }
func (st *Stack) Shr(t ValueType) error    { return st.binary(OpShr, t) }
func (st *Stack) AndNot(t ValueType) error { return st.binary(OpAndNot, t) }

func (st *Stack) unary(op Opcode, t ValueType) error {
	if err := st.checkPop(1); err != nil {
		return err
	}
	i := st.cursor - 1
	if err := st.checkTag(i, t); err != nil {
		return err
	}
	if t.IsCopyable() {
		r, err := UnaryOp(op, st.scalars[i], t)
		if err != nil {
			return err
		}
		st.scalars[i] = r
		return nil
	}
	r, err := st.store.Unary(op, st.refs[i])
	if err != nil {
		return err
	}
	return st.setOwned(i, r)
}

func (st *Stack) Negate(t ValueType) error     { return st.unary(OpNeg, t) }
func (st *Stack) Complement(t ValueType) error { return st.unary(OpComplement, t) }
func (st *Stack) Not(t ValueType) error        { return st.unary(OpNot, t) }

func (st *Stack) compare(op Opcode, t ValueType) error {
	if err := st.checkPop(2); err != nil {
		return err
	}
	li, ri := st.cursor-2, st.cursor-1
	if err := st.checkTag(li, t); err != nil {
		return err
	}
	if err := st.checkTag(ri, t); err != nil {
		return err
	}
	var ok bool
	var err error
	if t.IsCopyable() {
		ok, err = CompareOp(op, st.scalars[li], st.scalars[ri], t)
	} else {
		ok, err = st.store.Compare(op, st.read(li), st.read(ri))
	}
	if err != nil {
		return err
	}
	if err := st.PopDiscardN(2); err != nil {
		return err
	}
	return st.PushBool(ok)
}

func (st *Stack) Eql(t ValueType) error { return st.compare(OpEql, t) }
func (st *Stack) Neq(t ValueType) error { return st.compare(OpNeq, t) }
func (st *Stack) Lss(t ValueType) error { return st.compare(OpLss, t) }
func (st *Stack) Gtr(t ValueType) error { return st.compare(OpGtr, t) }
func (st *Stack) Leq(t ValueType) error { return st.compare(OpLeq, t) }
func (st *Stack) Geq(t ValueType) error { return st.compare(OpGeq, t) }
