package vm

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync/atomic"
)

// Ownership convention for the methods below: values passed in to be stored
// (elements, fields, map entries, boxed values) are moved into the store and
// must not be released by the caller; values returned are owned by the caller.
// Containers and lookup keys passed as arguments are borrowed.

// ---------------------------------------------------------------------------
// Strings
// ---------------------------------------------------------------------------

// NewString allocates an immutable string. The empty string needs no payload.
func (s *Store) NewString(str string) Value {
	if str == "" {
		return Value{typ: TypeStr}
	}
	return keyed(TypeStr, s.alloc(&stringObject{s: str}))
}

// StringOf returns the contents of a string value.
func (s *Store) StringOf(v Value) (string, error) {
	if v.typ != TypeStr {
		return "", faultf(TypeMismatchFault, "%s is not a string", v.typ)
	}
	if v.lo == 0 {
		return "", nil
	}
	var out string
	err := viewAs(s, v.Key(), func(o *stringObject) error {
		out = o.s
		return nil
	})
	return out, err
}

// Concat allocates a new string holding a followed by b. Neither operand is
// modified.
func (s *Store) Concat(a, b Value) (Value, error) {
	as, err := s.StringOf(a)
	if err != nil {
		return Value{}, err
	}
	bs, err := s.StringOf(b)
	if err != nil {
		return Value{}, err
	}
	return s.NewString(as + bs), nil
}

// ---------------------------------------------------------------------------
// Sequences: arrays and slices
// ---------------------------------------------------------------------------

// NewArray allocates an array holding elems.
func (s *Store) NewArray(elem ValueType, elems []Value) Value {
	return keyed(TypeArray, s.alloc(&sequenceObject{elem: elem, elems: elems}))
}

// NewSlice allocates a backing array holding elems and returns a slice over
// all of it. The result is never nil, even when elems is empty. Like make,
// it panics when elems is too long for a slice header.
func (s *Store) NewSlice(elem ValueType, elems []Value) Value {
	v, err := s.newSlice(elem, elems)
	if err != nil {
		panic(err)
	}
	return v
}

func (s *Store) newSlice(elem ValueType, elems []Value) (Value, error) {
	if err := checkSliceLen(len(elems)); err != nil {
		return Value{}, err
	}
	if elems == nil {
		elems = []Value{}
	}
	k := s.alloc(&sequenceObject{elem: elem, elems: elems})
	return sliceValue(k, 0, len(elems)), nil
}

// MakeSlice implements make([]T, n, capacity) for the slice type meta.
func (s *Store) MakeSlice(meta MetaID, n, capacity int) (Value, error) {
	m, err := s.catalog.Get(s.catalog.Underlying(meta))
	if err != nil {
		return Value{}, err
	}
	if m.Kind != MetaSlice {
		return Value{}, faultf(TypeMismatchFault, "make of non-slice type %s", s.catalog.TypeString(meta))
	}
	if n < 0 {
		return Value{}, faultf(BoundsFault, "makeslice: len out of range")
	}
	if capacity < n || checkSliceLen(capacity) != nil {
		return Value{}, faultf(BoundsFault, "makeslice: cap out of range")
	}
	elems, err := s.zeros(m.Elem, capacity, 1)
	if err != nil {
		return Value{}, err
	}
	k := s.alloc(&sequenceObject{elem: s.catalog.ValueTypeOf(m.Elem), elems: elems})
	return sliceValue(k, 0, n), nil
}

func boundsFault(i int64, n int) *Fault {
	return faultf(BoundsFault, "index out of range [%d] with length %d", i, n)
}

// Len implements len for strings, arrays, slices, maps and array pointers.
func (s *Store) Len(v Value) (int, error) {
	switch v.typ {
	case TypeStr:
		str, err := s.StringOf(v)
		return len(str), err
	case TypeSlice:
		_, n := v.sliceHeader()
		return n, nil
	case TypeArray:
		return s.seqLen(v.Key())
	case TypeMap:
		if v.lo == 0 {
			return 0, nil
		}
		n := 0
		err := viewAs(s, v.Key(), func(o *mapObject) error {
			n = len(o.entries)
			return nil
		})
		return n, err
	case TypePointer:
		k, err := s.resolve(v)
		if err != nil {
			return 0, err
		}
		return s.seqLen(k)
	case TypeNamed:
		inner, err := s.namedInner(v)
		if err != nil {
			return 0, err
		}
		return s.Len(inner)
	}
	return 0, faultf(UnsupportedOperationFault, "len of %s", v.typ)
}

// Cap implements cap for slices and arrays.
func (s *Store) Cap(v Value) (int, error) {
	switch v.typ {
	case TypeSlice:
		if v.lo == 0 {
			return 0, nil
		}
		off, _ := v.sliceHeader()
		n, err := s.seqLen(v.Key())
		return n - off, err
	case TypeArray:
		return s.seqLen(v.Key())
	}
	return 0, faultf(UnsupportedOperationFault, "cap of %s", v.typ)
}

func (s *Store) seqLen(k Key) (int, error) {
	n := 0
	err := viewAs(s, k, func(o *sequenceObject) error {
		n = len(o.elems)
		return nil
	})
	return n, err
}

// locate maps an index into a sequential container to the backing key and
// absolute element position, checking bounds.
func (s *Store) locate(c Value, i int64) (Key, int, error) {
	switch c.typ {
	case TypeSlice:
		off, n := c.sliceHeader()
		if i < 0 || i >= int64(n) {
			return 0, 0, boundsFault(i, n)
		}
		return c.Key(), off + int(i), nil
	case TypeArray, TypePointer:
		k := c.Key()
		if c.typ == TypePointer {
			var err error
			if k, err = s.resolve(c); err != nil {
				return 0, 0, err
			}
		}
		n, err := s.seqLen(k)
		if err != nil {
			return 0, 0, err
		}
		if i < 0 || i >= int64(n) {
			return 0, 0, boundsFault(i, n)
		}
		return k, int(i), nil
	case TypeNamed:
		inner, err := s.namedInner(c)
		if err != nil {
			return 0, 0, err
		}
		return s.locate(inner, i)
	}
	return 0, 0, faultf(UnsupportedOperationFault, "index of %s", c.typ)
}

// Index reads element i of a string, array, slice or array pointer.
func (s *Store) Index(c Value, i int64) (Value, error) {
	if c.typ == TypeStr {
		str, err := s.StringOf(c)
		if err != nil {
			return Value{}, err
		}
		if i < 0 || i >= int64(len(str)) {
			return Value{}, boundsFault(i, len(str))
		}
		return Uint8(str[i]), nil
	}
	k, at, err := s.locate(c, i)
	if err != nil {
		return Value{}, err
	}
	var elem Value
	err = viewAs(s, k, func(o *sequenceObject) error {
		if at >= len(o.elems) {
			return boundsFault(int64(at), len(o.elems))
		}
		elem = o.elems[at]
		return nil
	})
	if err != nil {
		return Value{}, err
	}
	return s.Copy(elem)
}

// SetIndex stores v at element i of an array, slice or array pointer.
func (s *Store) SetIndex(c Value, i int64, v Value) error {
	if c.typ == TypeStr {
		s.Release(v)
		return faultf(UnsupportedOperationFault, "cannot assign to string index")
	}
	k, at, err := s.locate(c, i)
	if err != nil {
		s.Release(v)
		return err
	}
	var old Value
	err = updateAs(s, k, func(o *sequenceObject) error {
		if at >= len(o.elems) {
			return boundsFault(int64(at), len(o.elems))
		}
		old, o.elems[at] = o.elems[at], v
		return nil
	})
	if err != nil {
		s.Release(v)
		return err
	}
	s.Release(old)
	return nil
}

// SliceOf implements c[lo:hi]. Any bound outside the valid range, negative
// ones included, is a BoundsFault. The result shares the backing array of c;
// strings produce a new string. Slicing a named slice or string keeps the
// named type.
func (s *Store) SliceOf(c Value, lo, hi int64) (Value, error) {
	switch c.typ {
	case TypeStr:
		str, err := s.StringOf(c)
		if err != nil {
			return Value{}, err
		}
		if lo < 0 || lo > hi || hi > int64(len(str)) {
			return Value{}, faultf(BoundsFault, "slice bounds out of range [%d:%d] with length %d", lo, hi, len(str))
		}
		return s.NewString(str[lo:hi]), nil
	case TypeSlice:
		off, _ := c.sliceHeader()
		capacity, err := s.Cap(c)
		if err != nil {
			return Value{}, err
		}
		if lo < 0 || lo > hi || hi > int64(capacity) {
			return Value{}, faultf(BoundsFault, "slice bounds out of range [%d:%d] with capacity %d", lo, hi, capacity)
		}
		if c.lo == 0 {
			return c, nil
		}
		if err := s.retainKey(c.Key()); err != nil {
			return Value{}, err
		}
		return sliceValue(c.Key(), off+int(lo), int(hi-lo)), nil
	case TypeArray, TypePointer:
		k := c.Key()
		if c.typ == TypePointer {
			var err error
			if k, err = s.resolve(c); err != nil {
				return Value{}, err
			}
		}
		n, err := s.seqLen(k)
		if err != nil {
			return Value{}, err
		}
		if lo < 0 || lo > hi || hi > int64(n) {
			return Value{}, faultf(BoundsFault, "slice bounds out of range [%d:%d] with length %d", lo, hi, n)
		}
		if err := s.retainKey(k); err != nil {
			return Value{}, err
		}
		return sliceValue(k, int(lo), int(hi-lo)), nil
	case TypeNamed:
		meta, err := s.NamedMeta(c)
		if err != nil {
			return Value{}, err
		}
		inner, err := s.namedInner(c)
		if err != nil {
			return Value{}, err
		}
		r, err := s.SliceOf(inner, lo, hi)
		if err != nil {
			return Value{}, err
		}
		// a named array slices to a plain slice
		if inner.typ == TypeSlice || inner.typ == TypeStr {
			return s.NewNamed(meta, r), nil
		}
		return r, nil
	}
	return Value{}, faultf(UnsupportedOperationFault, "slice of %s", c.typ)
}

// SliceTail implements c[lo:].
func (s *Store) SliceTail(c Value, lo int64) (Value, error) {
	n, err := s.Len(c)
	if err != nil {
		return Value{}, err
	}
	return s.SliceOf(c, lo, int64(n))
}

// Append implements append(sl, vals...). When the backing array has room the
// values are written in place, visible to every slice sharing it; otherwise
// a larger backing array is allocated. Appending to a named slice keeps the
// named type.
func (s *Store) Append(sl Value, elem ValueType, vals []Value) (Value, error) {
	if sl.typ == TypeNamed {
		meta, err := s.NamedMeta(sl)
		if err != nil {
			s.Release(vals...)
			return Value{}, err
		}
		inner, err := s.namedInner(sl)
		if err != nil {
			s.Release(vals...)
			return Value{}, err
		}
		if inner.typ != TypeSlice {
			s.Release(vals...)
			return Value{}, faultf(TypeMismatchFault, "append to %s", inner.typ)
		}
		r, err := s.appendSlice(inner, elem, vals)
		if err != nil {
			return Value{}, err
		}
		return s.NewNamed(meta, r), nil
	}
	return s.appendSlice(sl, elem, vals)
}

func (s *Store) appendSlice(sl Value, elem ValueType, vals []Value) (Value, error) {
	if sl.typ != TypeSlice {
		s.Release(vals...)
		return Value{}, faultf(TypeMismatchFault, "append to %s", sl.typ)
	}
	off, n := sl.sliceHeader()
	if len(vals) == 0 {
		return sl, s.Retain(sl)
	}
	if err := checkSliceLen(n + len(vals)); err != nil {
		s.Release(vals...)
		return Value{}, err
	}
	if sl.lo == 0 {
		return s.newSlice(elem, append([]Value(nil), vals...))
	}

	k := sl.Key()
	var displaced []Value
	inPlace := false
	var old []Value
	err := updateAs(s, k, func(o *sequenceObject) error {
		end := off + n
		if end+len(vals) <= len(o.elems) {
			displaced = append(displaced, o.elems[end:end+len(vals)]...)
			copy(o.elems[end:], vals)
			inPlace = true
			return nil
		}
		old = append([]Value(nil), o.elems[off:end]...)
		return nil
	})
	if err != nil {
		s.Release(vals...)
		return Value{}, err
	}
	if inPlace {
		s.Release(displaced...)
		if err := s.retainKey(k); err != nil {
			return Value{}, err
		}
		return sliceValue(k, off, n+len(vals)), nil
	}

	if err := s.copyAll(old); err != nil {
		s.Release(vals...)
		return Value{}, err
	}
	newLen := n + len(vals)
	elems := make([]Value, newLen, growCap(n, newLen))
	copy(elems, old)
	copy(elems[n:], vals)
	if z, ok := cheapZero(elem); ok {
		for len(elems) < cap(elems) {
			elems = append(elems, z)
		}
	}
	nk := s.alloc(&sequenceObject{elem: elem, elems: elems})
	return sliceValue(nk, 0, newLen), nil
}

// growCap follows the usual doubling rule, switching to 1.25x growth for
// large slices.
func growCap(oldLen, needed int) int {
	c := oldLen
	if c < 256 {
		c *= 2
	} else {
		c += c / 4
	}
	if c < needed {
		c = needed
	}
	return c
}

// ---------------------------------------------------------------------------
// Maps
// ---------------------------------------------------------------------------

var nanKeys atomic.Uint64

// NewMap allocates an empty map.
func (s *Store) NewMap(key, elem ValueType, elemMeta MetaID) Value {
	return keyed(TypeMap, s.alloc(&mapObject{
		key:      key,
		elem:     elem,
		elemMeta: elemMeta,
		entries:  make(map[string]mapEntry),
	}))
}

// MakeMap implements make(map[K]V) for the map type meta.
func (s *Store) MakeMap(meta MetaID) (Value, error) {
	m, err := s.catalog.Get(s.catalog.Underlying(meta))
	if err != nil {
		return Value{}, err
	}
	if m.Kind != MetaMap {
		return Value{}, faultf(TypeMismatchFault, "make of non-map type %s", s.catalog.TypeString(meta))
	}
	return s.NewMap(s.catalog.ValueTypeOf(m.Key), s.catalog.ValueTypeOf(m.Elem), m.Elem), nil
}

func (s *Store) mapKey(m Value) (Key, error) {
	for m.typ == TypeNamed {
		inner, err := s.namedInner(m)
		if err != nil {
			return 0, err
		}
		m = inner
	}
	if m.typ != TypeMap {
		return 0, faultf(UnsupportedOperationFault, "map operation on %s", m.typ)
	}
	return m.Key(), nil
}

// MapIndex looks k up in m. On a miss it returns the zero value of the
// element type and false. elemMeta supplies the element type for nil maps.
func (s *Store) MapIndex(m, k Value, elemMeta MetaID) (Value, bool, error) {
	mk, err := s.mapKey(m)
	if err != nil {
		return Value{}, false, err
	}
	h, hashable, err := s.hashKey(k)
	if err != nil {
		return Value{}, false, err
	}
	var found Value
	ok := false
	if mk != 0 {
		err = viewAs(s, mk, func(o *mapObject) error {
			if o.elemMeta != 0 {
				elemMeta = o.elemMeta
			}
			if !hashable {
				return nil
			}
			e, hit := o.entries[h]
			found, ok = e.v, hit
			return nil
		})
		if err != nil {
			return Value{}, false, err
		}
	}
	if ok {
		v, err := s.Copy(found)
		return v, true, err
	}
	if elemMeta == 0 {
		return Value{}, false, faultf(TypeMismatchFault, "map element type unknown")
	}
	z, err := s.Zero(elemMeta)
	return z, false, err
}

// MapSet implements m[k] = v.
func (s *Store) MapSet(m, k, v Value) error {
	mk, err := s.mapKey(m)
	if err != nil {
		s.Release(k, v)
		return err
	}
	if mk == 0 {
		s.Release(k, v)
		return faultf(NilDereferenceFault, "assignment to entry in nil map")
	}
	h, hashable, err := s.hashKey(k)
	if err != nil {
		s.Release(k, v)
		return err
	}
	if !hashable {
		// NaN keys never compare equal, so every insert is a new entry.
		h = "nan" + string(binary.AppendUvarint(nil, nanKeys.Add(1)))
	}
	var oldV Value
	replaced := false
	err = updateAs(s, mk, func(o *mapObject) error {
		if e, hit := o.entries[h]; hit {
			oldV = e.v
			e.v = v
			o.entries[h] = e
			replaced = true
			return nil
		}
		o.entries[h] = mapEntry{k: k, v: v}
		return nil
	})
	if err != nil {
		s.Release(k, v)
		return err
	}
	if replaced {
		s.Release(k, oldV)
	}
	return nil
}

// MapDelete implements delete(m, k). Deleting from a nil map is a no-op.
func (s *Store) MapDelete(m, k Value) error {
	mk, err := s.mapKey(m)
	if err != nil || mk == 0 {
		return err
	}
	h, hashable, err := s.hashKey(k)
	if err != nil || !hashable {
		return err
	}
	var gone mapEntry
	hit := false
	err = updateAs(s, mk, func(o *mapObject) error {
		gone, hit = o.entries[h]
		delete(o.entries, h)
		return nil
	})
	if hit {
		s.Release(gone.k, gone.v)
	}
	return err
}

// hashKey encodes a map key so that equal keys encode identically. The
// bool result is false for keys that can never match (NaN).
func (s *Store) hashKey(v Value) (string, bool, error) {
	b, ok, err := s.appendHash(nil, v)
	return string(b), ok, err
}

func (s *Store) appendHash(b []byte, v Value) ([]byte, bool, error) {
	b = append(b, byte(v.typ))
	switch {
	case v.typ.IsFloat():
		f := v.AsFloat()
		if math.IsNaN(f) {
			return b, false, nil
		}
		if f == 0 {
			f = 0 // fold -0 into +0
		}
		return binary.LittleEndian.AppendUint64(b, math.Float64bits(f)), true, nil
	case v.typ.IsComplex():
		c := v.AsComplex()
		if isNaN(v) {
			return b, false, nil
		}
		re, im := real(c), imag(c)
		if re == 0 {
			re = 0
		}
		if im == 0 {
			im = 0
		}
		b = binary.LittleEndian.AppendUint64(b, math.Float64bits(re))
		return binary.LittleEndian.AppendUint64(b, math.Float64bits(im)), true, nil
	case v.typ.IsCopyable():
		return binary.LittleEndian.AppendUint64(b, v.lo), true, nil
	}

	switch v.typ {
	case TypeNil:
		return b, true, nil
	case TypeStr:
		str, err := s.StringOf(v)
		if err != nil {
			return nil, false, err
		}
		b = binary.AppendUvarint(b, uint64(len(str)))
		return append(b, str...), true, nil
	case TypePointer:
		b = binary.LittleEndian.AppendUint64(b, v.lo)
		return binary.LittleEndian.AppendUint64(b, v.hi), true, nil
	case TypeInterface:
		if v.lo == 0 {
			return b, true, nil
		}
		meta, dyn, err := s.peekBox(v)
		if err != nil {
			return nil, false, err
		}
		b = binary.AppendUvarint(b, uint64(meta))
		return s.appendHash(b, dyn)
	case TypeArray, TypeStruct, TypeNamed:
		obj, err := s.snapshot(v.Key())
		if err != nil {
			return nil, false, err
		}
		parts := obj.children()
		if n, ok := obj.(*namedObject); ok {
			b = binary.AppendUvarint(b, uint64(n.meta))
		}
		all := true
		for _, p := range parts {
			var ok bool
			if b, ok, err = s.appendHash(b, p); err != nil {
				return nil, false, err
			}
			all = all && ok
		}
		return b, all, nil
	}
	return nil, false, faultf(UnsupportedOperationFault, "hash of unhashable type %s", v.typ)
}

// ---------------------------------------------------------------------------
// Structs
// ---------------------------------------------------------------------------

// NewStruct allocates a struct of type meta holding fields.
func (s *Store) NewStruct(meta MetaID, fields []Value) Value {
	return keyed(TypeStruct, s.alloc(&structObject{meta: meta, fields: fields}))
}

// structKey finds the struct payload behind a struct, named struct or
// struct pointer.
func (s *Store) structKey(c Value) (Key, error) {
	switch c.typ {
	case TypeStruct:
		return c.Key(), nil
	case TypePointer:
		return s.resolve(c)
	case TypeNamed:
		inner, err := s.namedInner(c)
		if err != nil {
			return 0, err
		}
		return s.structKey(inner)
	}
	return 0, faultf(UnsupportedOperationFault, "field selector on %s", c.typ)
}

// Field reads field i.
func (s *Store) Field(c Value, i int) (Value, error) {
	k, err := s.structKey(c)
	if err != nil {
		return Value{}, err
	}
	var f Value
	err = viewAs(s, k, func(o *structObject) error {
		if i < 0 || i >= len(o.fields) {
			return faultf(BoundsFault, "field %d out of range with %d fields", i, len(o.fields))
		}
		f = o.fields[i]
		return nil
	})
	if err != nil {
		return Value{}, err
	}
	return s.Copy(f)
}

// SetField stores v into field i.
func (s *Store) SetField(c Value, i int, v Value) error {
	k, err := s.structKey(c)
	if err != nil {
		s.Release(v)
		return err
	}
	var old Value
	err = updateAs(s, k, func(o *structObject) error {
		if i < 0 || i >= len(o.fields) {
			return faultf(BoundsFault, "field %d out of range with %d fields", i, len(o.fields))
		}
		old, o.fields[i] = o.fields[i], v
		return nil
	})
	if err != nil {
		s.Release(v)
		return err
	}
	s.Release(old)
	return nil
}

// ---------------------------------------------------------------------------
// Pointers
// ---------------------------------------------------------------------------

// New implements new(T): structs, arrays and named values are pointed to
// directly, anything else is placed in a fresh cell.
func (s *Store) New(meta MetaID) (Value, error) {
	z, err := s.Zero(meta)
	if err != nil {
		return Value{}, err
	}
	return s.PointTo(z), nil
}

// PointTo moves v behind a new pointer.
func (s *Store) PointTo(v Value) Value {
	switch v.typ {
	case TypeStruct, TypeArray, TypeNamed:
		return pointerValue(v.Key(), 0)
	}
	return pointerValue(s.alloc(&cellObject{v: v}), 0)
}

// resolve follows a pointer to the key of the struct or sequence payload it
// designates, looking through cells and named wrappers.
func (s *Store) resolve(p Value) (Key, error) {
	if p.typ != TypePointer {
		return 0, faultf(TypeMismatchFault, "%s is not a pointer", p.typ)
	}
	k := p.Key()
	if k == 0 {
		return 0, faultf(NilDereferenceFault, "invalid memory address or nil pointer dereference")
	}
	if sel := p.selector(); sel >= 0 {
		var inner Value
		err := s.view(k, func(o object) error {
			vals := o.children()
			if sel >= len(vals) {
				return boundsFault(int64(sel), len(vals))
			}
			inner = vals[sel]
			return nil
		})
		if err != nil {
			return 0, err
		}
		if !inner.typ.HasKey() || inner.lo == 0 {
			return 0, faultf(TypeMismatchFault, "pointer target is a %s", inner.typ)
		}
		k = inner.Key()
	}
	for depth := 0; ; depth++ {
		var next Key
		err := s.view(k, func(o object) error {
			var inner Value
			switch o := o.(type) {
			case *cellObject:
				inner = o.v
			case *namedObject:
				inner = o.v
			}
			switch inner.typ {
			case TypeStruct, TypeArray, TypeNamed:
				next = inner.Key()
			}
			return nil
		})
		if err != nil {
			return 0, err
		}
		if next == 0 || depth > 8 {
			return k, nil
		}
		k = next
	}
}

// Load implements *p.
func (s *Store) Load(p Value) (Value, error) {
	if p.typ != TypePointer {
		return Value{}, faultf(TypeMismatchFault, "%s is not a pointer", p.typ)
	}
	k := p.Key()
	if k == 0 {
		return Value{}, faultf(NilDereferenceFault, "invalid memory address or nil pointer dereference")
	}
	var v Value
	sel := p.selector()
	err := s.view(k, func(o object) error {
		if sel >= 0 {
			vals := o.children()
			if sel >= len(vals) {
				return boundsFault(int64(sel), len(vals))
			}
			v = vals[sel]
			return nil
		}
		switch o := o.(type) {
		case *cellObject:
			v = o.v
		case *structObject:
			v = keyed(TypeStruct, k)
		case *sequenceObject:
			v = keyed(TypeArray, k)
		case *namedObject:
			v = keyed(TypeNamed, k)
		default:
			return faultf(TypeMismatchFault, "cannot dereference a %s", o.kind())
		}
		return nil
	})
	if err != nil {
		return Value{}, err
	}
	return s.Copy(v)
}

// StorePtr implements *p = v.
func (s *Store) StorePtr(p Value, v Value) error {
	if p.typ != TypePointer {
		s.Release(v)
		return faultf(TypeMismatchFault, "%s is not a pointer", p.typ)
	}
	k := p.Key()
	if k == 0 {
		s.Release(v)
		return faultf(NilDereferenceFault, "invalid memory address or nil pointer dereference")
	}
	if sel := p.selector(); sel >= 0 {
		var old Value
		err := s.update(k, func(o object) error {
			var vals []Value
			switch o := o.(type) {
			case *structObject:
				vals = o.fields
			case *sequenceObject:
				vals = o.elems
			default:
				return faultf(TypeMismatchFault, "cannot address into a %s", o.kind())
			}
			if sel >= len(vals) {
				return boundsFault(int64(sel), len(vals))
			}
			old, vals[sel] = vals[sel], v
			return nil
		})
		if err != nil {
			s.Release(v)
			return err
		}
		s.Release(old)
		return nil
	}
	return s.assign(k, v)
}

// assign overwrites the payload at k with the contents of v, the whole-object
// store behind a pointer.
func (s *Store) assign(k Key, v Value) error {
	var src object
	if v.typ.HasKey() && v.lo != 0 && !v.typ.Aliases() {
		var err error
		if src, err = s.snapshot(v.Key()); err != nil {
			s.Release(v)
			return err
		}
		vals := src.children()
		if n, ok := src.(*namedObject); ok {
			vals = nil
			c, err := s.Copy(n.v)
			if err != nil {
				s.Release(v)
				return err
			}
			n.v = c
		}
		if err := s.copyAll(vals); err != nil {
			s.Release(v)
			return err
		}
		s.Release(v)
	}

	var old []Value
	err := s.update(k, func(o object) error {
		switch o := o.(type) {
		case *cellObject:
			if src != nil {
				return faultf(TypeMismatchFault, "cell holds %s, got composite", o.v.typ)
			}
			old = append(old, o.v)
			o.v = v
		case *structObject:
			so, ok := src.(*structObject)
			if !ok {
				return faultf(TypeMismatchFault, "cannot assign %s to struct", v.typ)
			}
			old, o.fields = o.fields, so.fields
		case *sequenceObject:
			so, ok := src.(*sequenceObject)
			if !ok || len(so.elems) != len(o.elems) {
				return faultf(TypeMismatchFault, "cannot assign %s to array", v.typ)
			}
			old, o.elems = o.elems, so.elems
		case *namedObject:
			no, ok := src.(*namedObject)
			if !ok {
				return faultf(TypeMismatchFault, "cannot assign %s to named value", v.typ)
			}
			old = append(old, o.v)
			o.v = no.v
		default:
			return faultf(TypeMismatchFault, "cannot store through pointer to %s", o.kind())
		}
		return nil
	})
	if err != nil {
		if src != nil {
			s.Release(src.children()...)
		} else {
			s.Release(v)
		}
		return err
	}
	s.Release(old...)
	return nil
}

// FieldRef implements &c.f for a struct pointer or addressable struct.
func (s *Store) FieldRef(c Value, i int) (Value, error) {
	k, err := s.structKey(c)
	if err != nil {
		return Value{}, err
	}
	n := 0
	err = viewAs(s, k, func(o *structObject) error {
		n = len(o.fields)
		return nil
	})
	if err != nil {
		return Value{}, err
	}
	if i < 0 || i >= n {
		return Value{}, faultf(BoundsFault, "field %d out of range with %d fields", i, n)
	}
	if err := s.retainKey(k); err != nil {
		return Value{}, err
	}
	return pointerValue(k, i+1), nil
}

// IndexRef implements &c[i] for slices, arrays and array pointers.
func (s *Store) IndexRef(c Value, i int64) (Value, error) {
	k, at, err := s.locate(c, i)
	if err != nil {
		return Value{}, err
	}
	if err := s.retainKey(k); err != nil {
		return Value{}, err
	}
	return pointerValue(k, at+1), nil
}

// ---------------------------------------------------------------------------
// Interfaces
// ---------------------------------------------------------------------------

// Box wraps v with its dynamic type meta into an interface value.
func (s *Store) Box(meta MetaID, v Value) Value {
	if v.typ == TypeInterface {
		// interfaces never nest; re-boxing keeps the inner box
		return v
	}
	return keyed(TypeInterface, s.alloc(&boxObject{meta: meta, v: v}))
}

func (s *Store) peekBox(iface Value) (MetaID, Value, error) {
	var meta MetaID
	var dyn Value
	err := viewAs(s, iface.Key(), func(o *boxObject) error {
		meta, dyn = o.meta, o.v
		return nil
	})
	return meta, dyn, err
}

// Dynamic returns the dynamic type and a copy of the dynamic value of a
// non-nil interface.
func (s *Store) Dynamic(iface Value) (MetaID, Value, error) {
	if iface.typ != TypeInterface {
		return 0, Value{}, faultf(TypeMismatchFault, "%s is not an interface", iface.typ)
	}
	if iface.lo == 0 {
		return 0, Value{}, faultf(NilDereferenceFault, "method call on nil interface value")
	}
	meta, dyn, err := s.peekBox(iface)
	if err != nil {
		return 0, Value{}, err
	}
	dyn, err = s.Copy(dyn)
	return meta, dyn, err
}

// Unbox implements the type assertion iface.(T) for a concrete T.
func (s *Store) Unbox(iface Value, meta MetaID) (Value, error) {
	if iface.typ != TypeInterface {
		return Value{}, faultf(TypeMismatchFault, "%s is not an interface", iface.typ)
	}
	want := s.catalog.TypeString(meta)
	if iface.lo == 0 {
		return Value{}, faultf(TypeMismatchFault, "interface conversion: interface is nil, not %s", want)
	}
	got, dyn, err := s.peekBox(iface)
	if err != nil {
		return Value{}, err
	}
	if got != meta {
		return Value{}, faultf(TypeMismatchFault, "interface conversion: interface holds %s, not %s",
			s.catalog.TypeString(got), want)
	}
	return s.Copy(dyn)
}

// ---------------------------------------------------------------------------
// Closures
// ---------------------------------------------------------------------------

// NewClosure allocates a closure over fn with the given captures.
func (s *Store) NewClosure(fn FuncID, captures []Value) Value {
	return keyed(TypeClosure, s.alloc(&closureObject{fn: fn, captures: captures}))
}

// ClosureFunc returns the function a closure invokes.
func (s *Store) ClosureFunc(c Value) (FuncID, error) {
	if c.typ != TypeClosure {
		return 0, faultf(TypeMismatchFault, "%s is not a closure", c.typ)
	}
	if c.lo == 0 {
		return 0, faultf(NilDereferenceFault, "call of nil func value")
	}
	var fn FuncID
	err := viewAs(s, c.Key(), func(o *closureObject) error {
		fn = o.fn
		return nil
	})
	return fn, err
}

// Capture returns a copy of capture i.
func (s *Store) Capture(c Value, i int) (Value, error) {
	var v Value
	err := viewAs(s, c.Key(), func(o *closureObject) error {
		if i < 0 || i >= len(o.captures) {
			return boundsFault(int64(i), len(o.captures))
		}
		v = o.captures[i]
		return nil
	})
	if err != nil {
		return Value{}, err
	}
	return s.Copy(v)
}

// ---------------------------------------------------------------------------
// Named values
// ---------------------------------------------------------------------------

// NewNamed wraps v as a value of the named type meta.
func (s *Store) NewNamed(meta MetaID, v Value) Value {
	return keyed(TypeNamed, s.alloc(&namedObject{meta: meta, v: v}))
}

// namedInner returns the wrapped value without copying it. The result is
// borrowed from the named payload.
func (s *Store) namedInner(v Value) (Value, error) {
	var inner Value
	err := viewAs(s, v.Key(), func(o *namedObject) error {
		inner = o.v
		return nil
	})
	return inner, err
}

// Underlying returns a copy of the value wrapped by a named value.
func (s *Store) Underlying(v Value) (Value, error) {
	if v.typ != TypeNamed {
		return Value{}, faultf(TypeMismatchFault, "%s is not a named value", v.typ)
	}
	inner, err := s.namedInner(v)
	if err != nil {
		return Value{}, err
	}
	return s.Copy(inner)
}

// NamedMeta returns the named type of a named value.
func (s *Store) NamedMeta(v Value) (MetaID, error) {
	var meta MetaID
	err := viewAs(s, v.Key(), func(o *namedObject) error {
		meta = o.meta
		return nil
	})
	return meta, err
}

// ---------------------------------------------------------------------------
// Formatting
// ---------------------------------------------------------------------------

// Format renders a value for diagnostics.
func (s *Store) Format(v Value) string {
	x, err := s.Export(v)
	if err != nil {
		return v.String()
	}
	return fmt.Sprint(x)
}
