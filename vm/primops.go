package vm

// ---------------------------------------------------------------------------
// Composite operations
// ---------------------------------------------------------------------------

// isMap reports whether c is a map or a named map.
func (t *Thread) isMap(c Value) bool {
	if c.typ == TypeNamed {
		inner, err := t.vm.store.namedInner(c)
		return err == nil && inner.typ == TypeMap
	}
	return c.typ == TypeMap
}

// elemMeta returns the element type of a container type meta, or 0.
func (t *Thread) elemMeta(container MetaID) MetaID {
	if container == 0 {
		return 0
	}
	m, err := t.vm.catalog.Get(t.vm.catalog.Underlying(container))
	if err != nil {
		return 0
	}
	return m.Elem
}

// index implements container[key]. For maps, ok reports whether the key
// was present.
func (t *Thread) index(c, key Value, containerMeta MetaID) (Value, bool, error) {
	store := t.vm.store
	if t.isMap(c) {
		return store.MapIndex(c, key, t.elemMeta(containerMeta))
	}
	i, err := key.Index()
	if err != nil {
		return Value{}, false, err
	}
	v, err := store.Index(c, i)
	return v, err == nil, err
}

func (t *Thread) execComposite(f *Frame, in Instruction) error {
	st := t.stack
	store := t.vm.store

	switch in.Op {
	case OpIndex, OpIndexCommaOk:
		key, err := st.Pop()
		if err != nil {
			return err
		}
		defer store.Release(key)
		c, err := st.Pop()
		if err != nil {
			return err
		}
		defer store.Release(c)
		v, ok, err := t.index(c, key, MetaID(in.Operand))
		if err != nil {
			return err
		}
		if err := t.place(v); err != nil {
			return err
		}
		if in.Op == OpIndexCommaOk {
			return st.PushBool(ok)
		}
		return nil

	case OpStoreIndex:
		vals, err := st.PopN(3)
		if err != nil {
			return err
		}
		c, key, v := vals[0], vals[1], vals[2]
		defer store.Release(c)
		if t.isMap(c) {
			return store.MapSet(c, key, v)
		}
		defer store.Release(key)
		i, err := key.Index()
		if err != nil {
			store.Release(v)
			return err
		}
		return store.SetIndex(c, i, v)

	case OpStoreLocalIndex:
		vals, err := st.PopN(2)
		if err != nil {
			return err
		}
		key, v := vals[0], vals[1]
		c, err := st.Get(f.base + int(in.Operand))
		if err != nil {
			store.Release(key, v)
			return err
		}
		if t.isMap(c) {
			return store.MapSet(c, key, v)
		}
		defer store.Release(key)
		i, err := key.Index()
		if err != nil {
			store.Release(v)
			return err
		}
		return store.SetIndex(c, i, v)

	case OpDelete:
		vals, err := st.PopN(2)
		if err != nil {
			return err
		}
		defer store.Release(vals...)
		return store.MapDelete(vals[0], vals[1])

	case OpLen:
		c, err := st.Pop()
		if err != nil {
			return err
		}
		n, err := store.Len(c)
		store.Release(c)
		if err != nil {
			return err
		}
		return st.PushInt(int64(n))

	case OpSliceExpr:
		omitHigh := in.Operand&SliceOmitHigh != 0
		var hi int64
		if !omitHigh {
			var err error
			if hi, err = st.popIndex(); err != nil {
				return err
			}
		}
		lo, err := st.popIndex()
		if err != nil {
			return err
		}
		c, err := st.Pop()
		if err != nil {
			return err
		}
		var v Value
		if omitHigh {
			v, err = store.SliceTail(c, lo)
		} else {
			v, err = store.SliceOf(c, lo, hi)
		}
		store.Release(c)
		if err != nil {
			return err
		}
		return t.place(v)

	case OpAppend:
		vals, err := st.PopN(int(in.Operand))
		if err != nil {
			return err
		}
		sl, err := st.Pop()
		if err != nil {
			store.Release(vals...)
			return err
		}
		v, err := store.Append(sl, in.Type, vals)
		store.Release(sl)
		if err != nil {
			return err
		}
		return t.place(v)

	case OpMakeSlice:
		capacity, err := st.popIndex()
		if err != nil {
			return err
		}
		n, err := st.popIndex()
		if err != nil {
			return err
		}
		v, err := store.MakeSlice(MetaID(in.Operand), int(n), int(capacity))
		if err != nil {
			return err
		}
		return t.place(v)

	case OpMakeMap:
		v, err := store.MakeMap(MetaID(in.Operand))
		if err != nil {
			return err
		}
		return t.place(v)

	case OpMakeStruct:
		return t.makeStruct(MetaID(in.Operand))

	case OpField:
		c, err := st.Pop()
		if err != nil {
			return err
		}
		v, err := store.Field(c, int(in.Operand))
		store.Release(c)
		if err != nil {
			return err
		}
		return t.place(v)

	case OpStoreField:
		vals, err := st.PopN(2)
		if err != nil {
			return err
		}
		defer store.Release(vals[0])
		return store.SetField(vals[0], int(in.Operand), vals[1])

	case OpStoreLocalField:
		slot, field := UnpackOperand(in.Operand)
		v, err := st.Pop()
		if err != nil {
			return err
		}
		c, err := st.Get(f.base + slot)
		if err != nil {
			store.Release(v)
			return err
		}
		return store.SetField(c, int(field), v)

	case OpNew:
		v, err := store.New(MetaID(in.Operand))
		if err != nil {
			return err
		}
		return t.place(v)

	case OpDeref:
		p, err := st.Pop()
		if err != nil {
			return err
		}
		v, err := store.Load(p)
		store.Release(p)
		if err != nil {
			return err
		}
		return t.place(v)

	case OpStorePtr:
		vals, err := st.PopN(2)
		if err != nil {
			return err
		}
		defer store.Release(vals[0])
		return store.StorePtr(vals[0], vals[1])

	case OpStoreCaptureDeref:
		if f.closure.typ != TypeClosure {
			return faultf(TypeMismatchFault, "%s is not running as a closure", f.fn.Name)
		}
		v, err := st.Pop()
		if err != nil {
			return err
		}
		p, err := store.Capture(f.closure, int(in.Operand))
		if err != nil {
			store.Release(v)
			return err
		}
		defer store.Release(p)
		return store.StorePtr(p, v)

	case OpFieldRef:
		c, err := st.Pop()
		if err != nil {
			return err
		}
		v, err := store.FieldRef(c, int(in.Operand))
		store.Release(c)
		if err != nil {
			return err
		}
		return t.place(v)

	case OpIndexRef:
		i, err := st.popIndex()
		if err != nil {
			return err
		}
		c, err := st.Pop()
		if err != nil {
			return err
		}
		v, err := store.IndexRef(c, i)
		store.Release(c)
		if err != nil {
			return err
		}
		return t.place(v)

	case OpBox:
		v, err := st.Pop()
		if err != nil {
			return err
		}
		if v.typ == TypeNil {
			return t.place(Value{typ: TypeInterface})
		}
		return t.place(store.Box(MetaID(in.Operand), v))

	case OpUnbox:
		return t.unbox(MetaID(in.Operand))

	case OpWrap:
		v, err := st.Pop()
		if err != nil {
			return err
		}
		if v.typ == TypeNamed {
			inner, err := store.Underlying(v)
			store.Release(v)
			if err != nil {
				return err
			}
			v = inner
		}
		return t.place(store.NewNamed(MetaID(in.Operand), v))

	case OpUnwrap:
		v, err := st.Pop()
		if err != nil {
			return err
		}
		inner, err := store.Underlying(v)
		store.Release(v)
		if err != nil {
			return err
		}
		return t.place(inner)

	case OpPackVariadic:
		return st.PackVariadic(st.Len()-int(in.Operand), in.Type)

	case OpMakeClosure:
		fn := FuncID(in.Operand)
		captures, err := st.PopN(t.vm.prog.Funcs[fn].Captures)
		if err != nil {
			return err
		}
		return t.place(store.NewClosure(fn, captures))
	}
	return opFault(TypeMismatchFault, in.Op, "unhandled opcode")
}

// popIndex pops an integer operand of any integer tag.
func (st *Stack) popIndex() (int64, error) { return st.PopInt() }

func (t *Thread) makeStruct(meta MetaID) error {
	store := t.vm.store
	catalog := t.vm.catalog
	under := catalog.Underlying(meta)
	m, err := catalog.Get(under)
	if err != nil {
		return err
	}
	if m.Kind != MetaStruct {
		return faultf(TypeMismatchFault, "composite literal of non-struct type %s", catalog.TypeString(meta))
	}
	fields, err := t.stack.PopN(len(m.Fields))
	if err != nil {
		return err
	}
	v := store.NewStruct(under, fields)
	if under != meta {
		v = store.NewNamed(meta, v)
	}
	return t.place(v)
}

// unbox implements x.(T). For an interface T the value is kept boxed after
// checking the dynamic type's method set.
func (t *Thread) unbox(meta MetaID) error {
	store := t.vm.store
	catalog := t.vm.catalog
	iface, err := t.stack.PopWithType(TypeInterface)
	if err != nil {
		return err
	}
	m, err := catalog.Get(meta)
	if err != nil {
		store.Release(iface)
		return err
	}
	if m.Kind != MetaInterface {
		v, err := store.Unbox(iface, meta)
		store.Release(iface)
		if err != nil {
			return err
		}
		return t.place(v)
	}
	if iface.lo == 0 {
		return faultf(TypeMismatchFault, "interface conversion: interface is nil, not %s", catalog.TypeString(meta))
	}
	dyn, _, err := store.peekBox(iface)
	if err != nil {
		store.Release(iface)
		return err
	}
	for _, want := range m.Methods {
		if _, ok := catalog.MethodByName(dyn, want.Name); !ok {
			store.Release(iface)
			return faultf(TypeMismatchFault, "interface conversion: %s is not %s: missing method %s",
				catalog.TypeString(dyn), catalog.TypeString(meta), want.Name)
		}
	}
	return t.place(iface)
}
