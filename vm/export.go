package vm

import (
	"fmt"
)

// maxExportDepth stops export of cyclic structures reached through pointers
// or interfaces.
const maxExportDepth = 64

// Export converts v to plain Go data: bool, int64, uint64, float64,
// complex128, string, []any for arrays and slices, map[string]any for maps
// (keys rendered with fmt) and structs (keyed by field name), and nil.
// Pointers are followed; closures export as "func#N".
func (s *Store) Export(v Value) (any, error) {
	return s.export(v, 0)
}

func (s *Store) export(v Value, depth int) (any, error) {
	if depth > maxExportDepth {
		return nil, faultf(UnsupportedOperationFault, "value nests deeper than %d levels", maxExportDepth)
	}
	switch {
	case v.typ == TypeBool:
		return v.AsBool(), nil
	case v.typ.IsSigned():
		return v.AsInt(), nil
	case v.typ.IsInteger():
		return v.AsUint(), nil
	case v.typ.IsFloat():
		return v.AsFloat(), nil
	case v.typ.IsComplex():
		return v.AsComplex(), nil
	case v.typ == TypeMetadata:
		return s.catalog.TypeString(v.MetaID()), nil
	case v.IsNil():
		return nil, nil
	}

	switch v.typ {
	case TypeStr:
		return s.StringOf(v)
	case TypeArray, TypeSlice:
		n, err := s.Len(v)
		if err != nil {
			return nil, err
		}
		out := make([]any, n)
		for i := range out {
			e, err := s.Index(v, int64(i))
			if err != nil {
				return nil, err
			}
			x, err := s.export(e, depth+1)
			s.Release(e)
			if err != nil {
				return nil, err
			}
			out[i] = x
		}
		return out, nil
	case TypeMap:
		obj, err := s.snapshot(v.Key())
		if err != nil {
			return nil, err
		}
		m, ok := obj.(*mapObject)
		if !ok {
			return nil, wrongKind(v.Key(), obj, kindMap)
		}
		out := make(map[string]any, len(m.entries))
		for _, e := range m.entries {
			k, err := s.export(e.k, depth+1)
			if err != nil {
				return nil, err
			}
			x, err := s.export(e.v, depth+1)
			if err != nil {
				return nil, err
			}
			out[fmt.Sprint(k)] = x
		}
		return out, nil
	case TypeStruct:
		obj, err := s.snapshot(v.Key())
		if err != nil {
			return nil, err
		}
		so, ok := obj.(*structObject)
		if !ok {
			return nil, wrongKind(v.Key(), obj, kindStruct)
		}
		var fields []Field
		if m, err := s.catalog.Get(so.meta); err == nil {
			fields = m.Fields
		}
		out := make(map[string]any, len(so.fields))
		for i, f := range so.fields {
			name := fmt.Sprintf("F%d", i)
			if i < len(fields) {
				name = fields[i].Name
			}
			x, err := s.export(f, depth+1)
			if err != nil {
				return nil, err
			}
			out[name] = x
		}
		return out, nil
	case TypePointer:
		target, err := s.Load(v)
		if err != nil {
			return nil, err
		}
		defer s.Release(target)
		return s.export(target, depth+1)
	case TypeInterface:
		_, dyn, err := s.peekBox(v)
		if err != nil {
			return nil, err
		}
		return s.export(dyn, depth+1)
	case TypeNamed:
		inner, err := s.namedInner(v)
		if err != nil {
			return nil, err
		}
		return s.export(inner, depth+1)
	case TypeClosure:
		fn, err := s.ClosureFunc(v)
		if err != nil {
			return nil, err
		}
		return fmt.Sprintf("func#%d", fn), nil
	}
	return nil, faultf(UnsupportedOperationFault, "cannot export %s", v.typ)
}

// ExportAll exports each value in turn.
func (s *Store) ExportAll(vals []Value) ([]any, error) {
	out := make([]any, len(vals))
	for i, v := range vals {
		x, err := s.Export(v)
		if err != nil {
			return nil, fmt.Errorf("result %d: %w", i, err)
		}
		out[i] = x
	}
	return out, nil
}
