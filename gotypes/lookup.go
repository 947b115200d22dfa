// Package gotypes maps checked Go types and constants onto the VM's
// metadata catalog, value tags and constant pool entries.
package gotypes

import (
	"fmt"
	"go/constant"
	"go/types"

	"github.com/chazu/govm/vm"
	"golang.org/x/tools/go/types/typeutil"
)

// Lookup converts go/types types into catalog entries. Identical types map
// to the same id; each named type is registered once.
type Lookup struct {
	catalog *vm.Catalog
	metas   typeutil.Map // types.Type -> vm.MetaID
}

// NewLookup creates a lookup that registers into catalog.
func NewLookup(catalog *vm.Catalog) *Lookup {
	return &Lookup{catalog: catalog}
}

// Catalog returns the catalog entries are registered in.
func (l *Lookup) Catalog() *vm.Catalog { return l.catalog }

// basicTag maps a basic kind to its value tag. Untyped kinds take the tag
// of their default type.
func basicTag(b *types.Basic) (vm.ValueType, error) {
	switch b.Kind() {
	case types.Bool, types.UntypedBool:
		return vm.TypeBool, nil
	case types.Int, types.UntypedInt:
		return vm.TypeInt, nil
	case types.Int8:
		return vm.TypeInt8, nil
	case types.Int16:
		return vm.TypeInt16, nil
	case types.Int32, types.UntypedRune:
		return vm.TypeInt32, nil
	case types.Int64:
		return vm.TypeInt64, nil
	case types.Uint, types.Uintptr:
		return vm.TypeUint, nil
	case types.Uint8:
		return vm.TypeUint8, nil
	case types.Uint16:
		return vm.TypeUint16, nil
	case types.Uint32:
		return vm.TypeUint32, nil
	case types.Uint64:
		return vm.TypeUint64, nil
	case types.Float32:
		return vm.TypeFloat32, nil
	case types.Float64, types.UntypedFloat:
		return vm.TypeFloat64, nil
	case types.Complex64:
		return vm.TypeComplex64, nil
	case types.Complex128, types.UntypedComplex:
		return vm.TypeComplex128, nil
	case types.String, types.UntypedString:
		return vm.TypeStr, nil
	case types.UntypedNil:
		return vm.TypeNil, nil
	}
	return 0, fmt.Errorf("unsupported basic type %s", b)
}

// ValueType returns the tag runtime values of type t carry.
func ValueType(t types.Type) (vm.ValueType, error) {
	switch t := types.Unalias(t).(type) {
	case *types.Basic:
		return basicTag(t)
	case *types.Named:
		return vm.TypeNamed, nil
	case *types.Pointer:
		return vm.TypePointer, nil
	case *types.Array:
		return vm.TypeArray, nil
	case *types.Slice:
		return vm.TypeSlice, nil
	case *types.Map:
		return vm.TypeMap, nil
	case *types.Struct:
		return vm.TypeStruct, nil
	case *types.Interface:
		return vm.TypeInterface, nil
	case *types.Signature:
		return vm.TypeClosure, nil
	}
	return 0, fmt.Errorf("unsupported type %s", t)
}

// Meta returns the catalog id for t, registering it and everything it
// refers to on first use.
func (l *Lookup) Meta(t types.Type) (vm.MetaID, error) {
	t = types.Unalias(t)
	if id, ok := l.metas.At(t).(vm.MetaID); ok {
		return id, nil
	}
	cat := l.catalog

	if named, ok := t.(*types.Named); ok {
		if named.TypeParams().Len() > 0 && named.TypeArgs().Len() == 0 {
			return 0, fmt.Errorf("uninstantiated generic type %s", named)
		}
		// registered before the underlying type so self references resolve
		id := cat.Named(typeName(named), 0)
		l.metas.Set(t, id)
		under, err := l.Meta(named.Underlying())
		if err != nil {
			l.metas.Delete(t)
			return 0, fmt.Errorf("%s: %w", named, err)
		}
		if err := cat.SetUnderlying(id, under); err != nil {
			return 0, err
		}
		return id, nil
	}

	var id vm.MetaID
	switch t := t.(type) {
	case *types.Basic:
		tag, err := basicTag(t)
		if err != nil {
			return 0, err
		}
		if tag == vm.TypeNil {
			return 0, fmt.Errorf("untyped nil has no metadata")
		}
		id = cat.Basic(tag)
	case *types.Pointer:
		elem, err := l.Meta(t.Elem())
		if err != nil {
			return 0, err
		}
		id = cat.Pointer(elem)
	case *types.Array:
		elem, err := l.Meta(t.Elem())
		if err != nil {
			return 0, err
		}
		id = cat.Array(elem, int(t.Len()))
	case *types.Slice:
		elem, err := l.Meta(t.Elem())
		if err != nil {
			return 0, err
		}
		id = cat.Slice(elem)
	case *types.Map:
		key, err := l.Meta(t.Key())
		if err != nil {
			return 0, err
		}
		elem, err := l.Meta(t.Elem())
		if err != nil {
			return 0, err
		}
		id = cat.Map(key, elem)
	case *types.Struct:
		fields := make([]vm.Field, t.NumFields())
		for i := range fields {
			f := t.Field(i)
			ft, err := l.Meta(f.Type())
			if err != nil {
				return 0, fmt.Errorf("field %s: %w", f.Name(), err)
			}
			fields[i] = vm.Field{Name: f.Name(), Type: ft, Embedded: f.Embedded()}
		}
		id = cat.Struct(fields...)
	case *types.Interface:
		names := make([]string, t.NumMethods())
		for i := range names {
			names[i] = t.Method(i).Name()
		}
		id = cat.Interface(names...)
	case *types.Signature:
		sig, err := l.signature(t)
		if err != nil {
			return 0, err
		}
		id = sig
	default:
		return 0, fmt.Errorf("unsupported type %s", t)
	}
	l.metas.Set(t, id)
	return id, nil
}

func (l *Lookup) signature(sig *types.Signature) (vm.MetaID, error) {
	var recv vm.MetaID
	if r := sig.Recv(); r != nil {
		id, err := l.Meta(r.Type())
		if err != nil {
			return 0, err
		}
		recv = id
	}
	params, err := l.tuple(sig.Params())
	if err != nil {
		return 0, err
	}
	results, err := l.tuple(sig.Results())
	if err != nil {
		return 0, err
	}
	return l.catalog.Signature(recv, params, results, sig.Variadic()), nil
}

func (l *Lookup) tuple(t *types.Tuple) ([]vm.MetaID, error) {
	if t.Len() == 0 {
		return nil, nil
	}
	ids := make([]vm.MetaID, t.Len())
	for i := range ids {
		id, err := l.Meta(t.At(i).Type())
		if err != nil {
			return nil, err
		}
		ids[i] = id
	}
	return ids, nil
}

func typeName(n *types.Named) string {
	obj := n.Obj()
	if pkg := obj.Pkg(); pkg != nil && pkg.Name() != "main" {
		return pkg.Name() + "." + obj.Name()
	}
	return obj.Name()
}

// Variadic returns the slice type of a variadic signature's last parameter
// and the tag of its elements.
func (l *Lookup) Variadic(sig *types.Signature) (vm.MetaID, vm.ValueType, error) {
	if !sig.Variadic() {
		return 0, 0, fmt.Errorf("%s is not variadic", sig)
	}
	last := sig.Params().At(sig.Params().Len() - 1).Type()
	slice, ok := last.Underlying().(*types.Slice)
	if !ok {
		return 0, 0, fmt.Errorf("variadic parameter of type %s", last)
	}
	id, err := l.Meta(slice)
	if err != nil {
		return 0, 0, err
	}
	elem, err := ValueType(slice.Elem())
	if err != nil {
		return 0, 0, err
	}
	return id, elem, nil
}

// FieldIndex returns the position of a field in a struct type or a pointer
// to one.
func FieldIndex(t types.Type, name string) (int, bool) {
	if p, ok := t.Underlying().(*types.Pointer); ok {
		t = p.Elem()
	}
	st, ok := t.Underlying().(*types.Struct)
	if !ok {
		return 0, false
	}
	for i := 0; i < st.NumFields(); i++ {
		if st.Field(i).Name() == name {
			return i, true
		}
	}
	return 0, false
}

// BindMethods records the methods declared on named. resolve maps each
// method to the function compiled for it; methods it does not know are
// skipped.
func (l *Lookup) BindMethods(named *types.Named, resolve func(*types.Func) (vm.FuncID, bool)) error {
	id, err := l.Meta(named)
	if err != nil {
		return err
	}
	for i := 0; i < named.NumMethods(); i++ {
		m := named.Method(i)
		fn, ok := resolve(m)
		if !ok {
			continue
		}
		ptrRecv := false
		if recv := m.Type().(*types.Signature).Recv(); recv != nil {
			_, ptrRecv = types.Unalias(recv.Type()).(*types.Pointer)
		}
		if err := l.catalog.AddMethod(id, m.Name(), fn, ptrRecv); err != nil {
			return err
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Constants
// ---------------------------------------------------------------------------

// Const converts a checked constant of type t into a constant pool entry.
// Untyped constants take their default type; constants of named types use
// the underlying representation.
func Const(t types.Type, val constant.Value) (vm.Const, error) {
	b, ok := t.Underlying().(*types.Basic)
	if !ok {
		return vm.Const{}, fmt.Errorf("constant of non-basic type %s", t)
	}
	tag, err := basicTag(b)
	if err != nil {
		return vm.Const{}, err
	}
	if tag == vm.TypeNil {
		return vm.ConstOf(vm.Nil()), nil
	}
	if val == nil || val.Kind() == constant.Unknown {
		return vm.Const{}, fmt.Errorf("unknown constant value of type %s", t)
	}

	switch {
	case tag == vm.TypeBool:
		return vm.ConstOf(vm.Bool(constant.BoolVal(val))), nil
	case tag == vm.TypeStr:
		return vm.StrConst(constant.StringVal(val)), nil
	case tag.IsInteger():
		return intConst(tag, constant.ToInt(val))
	case tag.IsFloat():
		f, _ := constant.Float64Val(constant.ToFloat(val))
		if tag == vm.TypeFloat32 {
			return vm.ConstOf(vm.Float32(float32(f))), nil
		}
		return vm.ConstOf(vm.Float64(f)), nil
	case tag.IsComplex():
		c := constant.ToComplex(val)
		re, _ := constant.Float64Val(constant.Real(c))
		im, _ := constant.Float64Val(constant.Imag(c))
		if tag == vm.TypeComplex64 {
			return vm.ConstOf(vm.Complex64(complex64(complex(re, im)))), nil
		}
		return vm.ConstOf(vm.Complex128(complex(re, im))), nil
	}
	return vm.Const{}, fmt.Errorf("unsupported constant type %s", t)
}

func intConst(tag vm.ValueType, val constant.Value) (vm.Const, error) {
	if val.Kind() != constant.Int {
		return vm.Const{}, fmt.Errorf("constant %s is not an integer", val)
	}
	var i int64
	if tag.IsSigned() {
		n, exact := constant.Int64Val(val)
		if !exact || !fitsSigned(tag, n) {
			return vm.Const{}, fmt.Errorf("constant %s overflows %s", val, tag)
		}
		i = n
	} else {
		n, exact := constant.Uint64Val(val)
		if !exact || !fitsUnsigned(tag, n) {
			return vm.Const{}, fmt.Errorf("constant %s overflows %s", val, tag)
		}
		i = int64(n)
	}
	v, err := vm.IntOf(tag, i)
	if err != nil {
		return vm.Const{}, err
	}
	return vm.ConstOf(v), nil
}

func fitsSigned(tag vm.ValueType, n int64) bool {
	switch tag {
	case vm.TypeInt8:
		return n >= -1<<7 && n < 1<<7
	case vm.TypeInt16:
		return n >= -1<<15 && n < 1<<15
	case vm.TypeInt32:
		return n >= -1<<31 && n < 1<<31
	}
	return true
}

func fitsUnsigned(tag vm.ValueType, n uint64) bool {
	switch tag {
	case vm.TypeUint8:
		return n < 1<<8
	case vm.TypeUint16:
		return n < 1<<16
	case vm.TypeUint32:
		return n < 1<<32
	}
	return true
}
