package vm

import "strings"

// ---------------------------------------------------------------------------
// Equality and ordering of reference-category values
// ---------------------------------------------------------------------------

// Equal reports whether a == b under Go's equality rules. Comparing values
// that Go cannot compare (a struct holding a slice, say) raises
// UnsupportedOperationFault.
func (s *Store) Equal(a, b Value) (bool, error) {
	if a.typ == TypeNil || b.typ == TypeNil {
		return a.IsNil() && b.IsNil(), nil
	}
	if a.typ != b.typ {
		return false, faultf(TypeMismatchFault, "mismatched types %s and %s", a.typ, b.typ)
	}
	switch {
	case a.typ.IsCopyable():
		ok, err := CompareOp(OpEql, Scalar(a.lo), Scalar(b.lo), a.typ)
		return ok, err
	case a.typ == TypeComplex128:
		return a.AsComplex() == b.AsComplex(), nil
	}

	switch a.typ {
	case TypeStr:
		as, err := s.StringOf(a)
		if err != nil {
			return false, err
		}
		bs, err := s.StringOf(b)
		return as == bs, err
	case TypePointer:
		return a.lo == b.lo && a.hi == b.hi, nil
	case TypeSlice, TypeMap, TypeClosure:
		// only comparable against nil in the language; identity otherwise
		return a.lo == b.lo && a.hi == b.hi, nil
	case TypeInterface:
		return s.equalInterface(a, b)
	case TypeArray, TypeStruct, TypeNamed:
		return s.equalStructural(a, b)
	}
	return false, faultf(UnsupportedOperationFault, "comparison of %s values", a.typ)
}

func (s *Store) equalInterface(a, b Value) (bool, error) {
	if a.lo == 0 || b.lo == 0 {
		return a.lo == b.lo, nil
	}
	am, av, err := s.peekBox(a)
	if err != nil {
		return false, err
	}
	bm, bv, err := s.peekBox(b)
	if err != nil {
		return false, err
	}
	if am != bm {
		return false, nil
	}
	if !s.comparable(av) {
		return false, faultf(UnsupportedOperationFault, "comparing uncomparable type %s", s.catalog.TypeString(am))
	}
	return s.Equal(av, bv)
}

func (s *Store) comparable(v Value) bool {
	switch v.typ {
	case TypeSlice, TypeMap, TypeClosure:
		return false
	}
	return true
}

// equalStructural compares element by element even when a and b share a
// handle, so a NaN leaf makes a value unequal to itself.
func (s *Store) equalStructural(a, b Value) (bool, error) {
	ao, err := s.snapshot(a.Key())
	if err != nil {
		return false, err
	}
	bo, err := s.snapshot(b.Key())
	if err != nil {
		return false, err
	}
	if an, ok := ao.(*namedObject); ok {
		if bn, ok := bo.(*namedObject); !ok || an.meta != bn.meta {
			return false, nil
		}
	}
	ac, bc := ao.children(), bo.children()
	if len(ac) != len(bc) {
		return false, nil
	}
	for i := range ac {
		if !s.comparable(ac[i]) {
			return false, faultf(UnsupportedOperationFault, "comparing uncomparable %s element", ac[i].typ)
		}
		eq, err := s.Equal(ac[i], bc[i])
		if err != nil || !eq {
			return false, err
		}
	}
	return true, nil
}

// Compare applies a comparison opcode to two values of the same
// reference-category tag. Only strings (and named strings) are ordered.
func (s *Store) Compare(op Opcode, a, b Value) (bool, error) {
	switch op {
	case OpEql:
		return s.Equal(a, b)
	case OpNeq:
		eq, err := s.Equal(a, b)
		return !eq, err
	case OpLss, OpGtr, OpLeq, OpGeq:
	default:
		return false, opFault(TypeMismatchFault, op, "not a comparison")
	}

	if a.typ == TypeNamed && b.typ == TypeNamed {
		ai, err := s.namedInner(a)
		if err != nil {
			return false, err
		}
		bi, err := s.namedInner(b)
		if err != nil {
			return false, err
		}
		a, b = ai, bi
	}
	if a.typ.IsCopyable() && a.typ == b.typ {
		return CompareOp(op, Scalar(a.lo), Scalar(b.lo), a.typ)
	}
	if a.typ != TypeStr || b.typ != TypeStr {
		return false, opFault(TypeMismatchFault, op, "%s values are not ordered", a.typ)
	}
	as, err := s.StringOf(a)
	if err != nil {
		return false, err
	}
	bs, err := s.StringOf(b)
	if err != nil {
		return false, err
	}
	c := strings.Compare(as, bs)
	switch op {
	case OpLss:
		return c < 0, nil
	case OpGtr:
		return c > 0, nil
	case OpLeq:
		return c <= 0, nil
	}
	return c >= 0, nil
}
