package vm

import (
	"fmt"
	"math"
	"strings"
	"sync"
)

// ---------------------------------------------------------------------------
// Metadata
// ---------------------------------------------------------------------------

// MetaID names an entry in a Catalog. 0 means "no metadata".
type MetaID uint32

// MetaKind is the type category a Meta describes.
type MetaKind uint8

const (
	MetaBasic MetaKind = iota + 1
	MetaArray
	MetaSlice
	MetaMap
	MetaStruct
	MetaInterface
	MetaSignature
	MetaPointer
	MetaNamed
)

var metaKindNames = map[MetaKind]string{
	MetaBasic:     "basic",
	MetaArray:     "array",
	MetaSlice:     "slice",
	MetaMap:       "map",
	MetaStruct:    "struct",
	MetaInterface: "interface",
	MetaSignature: "signature",
	MetaPointer:   "pointer",
	MetaNamed:     "named",
}

func (k MetaKind) String() string {
	if name, ok := metaKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("MetaKind(%d)", uint8(k))
}

// Field is one struct field.
type Field struct {
	Name     string `cbor:"1,keyasint"`
	Type     MetaID `cbor:"2,keyasint"`
	Embedded bool   `cbor:"3,keyasint,omitempty"`
}

// Method is an entry of a method set. Interface metas list names only.
type Method struct {
	Name    string `cbor:"1,keyasint"`
	Func    FuncID `cbor:"2,keyasint,omitempty"`
	PtrRecv bool   `cbor:"3,keyasint,omitempty"`
}

// Meta is the run-time descriptor of a type. Which fields are meaningful
// depends on Kind.
type Meta struct {
	Kind       MetaKind  `cbor:"1,keyasint"`
	Name       string    `cbor:"2,keyasint,omitempty"`
	Basic      ValueType `cbor:"3,keyasint,omitempty"`
	Elem       MetaID    `cbor:"4,keyasint,omitempty"`
	Key        MetaID    `cbor:"5,keyasint,omitempty"`
	Len        int       `cbor:"6,keyasint,omitempty"`
	Fields     []Field   `cbor:"7,keyasint,omitempty"`
	Methods    []Method  `cbor:"8,keyasint,omitempty"`
	Recv       MetaID    `cbor:"9,keyasint,omitempty"`
	Params     []MetaID  `cbor:"10,keyasint,omitempty"`
	Results    []MetaID  `cbor:"11,keyasint,omitempty"`
	Variadic   bool      `cbor:"12,keyasint,omitempty"`
	Underlying MetaID    `cbor:"13,keyasint,omitempty"`

	fieldIndex  map[string]int
	methodIndex map[string]int
}

func (m *Meta) index() {
	if len(m.Fields) > 0 {
		m.fieldIndex = make(map[string]int, len(m.Fields))
		for i, f := range m.Fields {
			m.fieldIndex[f.Name] = i
		}
	}
	if len(m.Methods) > 0 {
		m.methodIndex = make(map[string]int, len(m.Methods))
		for i, mt := range m.Methods {
			m.methodIndex[mt.Name] = i
		}
	}
}

// descriptor is the structural identity used to deduplicate composites.
func (m *Meta) descriptor() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d|%d|%d|%d|%d|%d|%t|", m.Kind, m.Basic, m.Elem, m.Key, m.Len, m.Recv, m.Variadic)
	for _, f := range m.Fields {
		fmt.Fprintf(&sb, "f%s:%d:%t,", f.Name, f.Type, f.Embedded)
	}
	for _, mt := range m.Methods {
		fmt.Fprintf(&sb, "m%s,", mt.Name)
	}
	for _, p := range m.Params {
		fmt.Fprintf(&sb, "p%d,", p)
	}
	for _, r := range m.Results {
		fmt.Fprintf(&sb, "r%d,", r)
	}
	return sb.String()
}

// ---------------------------------------------------------------------------
// Catalog
// ---------------------------------------------------------------------------

// Catalog interns type descriptors. Composite descriptors are deduplicated
// structurally; named types are always distinct. Safe for concurrent use.
type Catalog struct {
	mu     sync.RWMutex
	metas  []*Meta // metas[0] is unused
	dedup  map[string]MetaID
	basics [typeCount]MetaID
}

// basicTags are the value types that get a pre-registered Basic meta.
var basicTags = []ValueType{
	TypeBool, TypeInt, TypeInt8, TypeInt16, TypeInt32, TypeInt64,
	TypeUint, TypeUint8, TypeUint16, TypeUint32, TypeUint64,
	TypeFloat32, TypeFloat64, TypeComplex64, TypeMetadata,
	TypeComplex128, TypeStr,
}

// NewCatalog returns a catalog holding one Basic meta per basic value type.
func NewCatalog() *Catalog {
	c := &Catalog{
		metas: []*Meta{nil},
		dedup: make(map[string]MetaID),
	}
	for _, t := range basicTags {
		c.intern(&Meta{Kind: MetaBasic, Basic: t})
	}
	return c
}

// CatalogFromMetas rebuilds a catalog from an exported entry list. Entry i
// gets id i+1. Basic metas missing from the list are appended.
func CatalogFromMetas(metas []Meta) (*Catalog, error) {
	c := &Catalog{
		metas: make([]*Meta, 1, len(metas)+1),
		dedup: make(map[string]MetaID),
	}
	for i := range metas {
		m := metas[i]
		m.index()
		c.metas = append(c.metas, &m)
	}
	for i, m := range c.metas[1:] {
		id := MetaID(i + 1)
		if err := c.check(id, m); err != nil {
			return nil, err
		}
		if m.Kind == MetaBasic && c.basics[m.Basic] == 0 {
			c.basics[m.Basic] = id
		}
		if m.Kind != MetaNamed {
			if _, dup := c.dedup[m.descriptor()]; !dup {
				c.dedup[m.descriptor()] = id
			}
		}
	}
	if err := c.checkCycles(); err != nil {
		return nil, err
	}
	for _, t := range basicTags {
		if c.basics[t] == 0 {
			c.intern(&Meta{Kind: MetaBasic, Basic: t})
		}
	}
	return c, nil
}

// byValue returns the entries a value of m physically contains: array
// elements, struct fields and a named type's underlying type. Slices, maps,
// pointers, interfaces and signatures hold keys and break containment.
func (m *Meta) byValue() []MetaID {
	switch m.Kind {
	case MetaArray:
		return []MetaID{m.Elem}
	case MetaStruct:
		out := make([]MetaID, len(m.Fields))
		for i, f := range m.Fields {
			out[i] = f.Type
		}
		return out
	case MetaNamed:
		return []MetaID{m.Underlying}
	}
	return nil
}

// checkCycles rejects types that contain themselves by value; their zero
// value would be infinite. The caller holds c.mu or owns c exclusively.
func (c *Catalog) checkCycles() error {
	const (
		unvisited = iota
		active
		done
	)
	state := make([]uint8, len(c.metas))
	var visit func(id MetaID) error
	visit = func(id MetaID) error {
		switch state[id] {
		case active:
			return fmt.Errorf("meta %d: type contains itself", id)
		case done:
			return nil
		}
		state[id] = active
		for _, next := range c.metas[id].byValue() {
			if next == 0 || int(next) >= len(c.metas) {
				continue
			}
			if err := visit(next); err != nil {
				return err
			}
		}
		state[id] = done
		return nil
	}
	for id := 1; id < len(c.metas); id++ {
		if err := visit(MetaID(id)); err != nil {
			return err
		}
	}
	return nil
}

func (c *Catalog) check(id MetaID, m *Meta) error {
	n := MetaID(len(c.metas))
	ref := func(what string, r MetaID) error {
		if r >= n {
			return fmt.Errorf("meta %d: %s refers to unknown meta %d", id, what, r)
		}
		return nil
	}
	if _, ok := metaKindNames[m.Kind]; !ok {
		return fmt.Errorf("meta %d: invalid kind %d", id, m.Kind)
	}
	if m.Kind == MetaBasic && !m.Basic.Valid() {
		return fmt.Errorf("meta %d: invalid basic type %d", id, m.Basic)
	}
	for what, r := range map[string]MetaID{"elem": m.Elem, "key": m.Key, "recv": m.Recv, "underlying": m.Underlying} {
		if err := ref(what, r); err != nil {
			return err
		}
	}
	for _, f := range m.Fields {
		if err := ref("field "+f.Name, f.Type); err != nil {
			return err
		}
	}
	for _, p := range append(append([]MetaID(nil), m.Params...), m.Results...) {
		if err := ref("signature", p); err != nil {
			return err
		}
	}
	if m.Len < 0 || uint64(m.Len) > math.MaxUint32 {
		return fmt.Errorf("meta %d: array length %d out of range", id, m.Len)
	}
	return nil
}

// intern adds m, or returns the existing id of a structurally equal meta.
func (c *Catalog) intern(m *Meta) MetaID {
	desc := m.descriptor()
	if id, ok := c.dedup[desc]; ok {
		return id
	}
	m.index()
	id := MetaID(len(c.metas))
	c.metas = append(c.metas, m)
	c.dedup[desc] = id
	if m.Kind == MetaBasic && c.basics[m.Basic] == 0 {
		c.basics[m.Basic] = id
	}
	return id
}

func (c *Catalog) add(m *Meta) MetaID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.intern(m)
}

// Basic returns the meta of a basic value type.
func (c *Catalog) Basic(t ValueType) MetaID {
	if !t.Valid() {
		return 0
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.basics[t]
}

func (c *Catalog) Array(elem MetaID, n int) MetaID {
	return c.add(&Meta{Kind: MetaArray, Elem: elem, Len: n})
}

func (c *Catalog) Slice(elem MetaID) MetaID {
	return c.add(&Meta{Kind: MetaSlice, Elem: elem})
}

func (c *Catalog) Map(key, elem MetaID) MetaID {
	return c.add(&Meta{Kind: MetaMap, Key: key, Elem: elem})
}

func (c *Catalog) Pointer(elem MetaID) MetaID {
	return c.add(&Meta{Kind: MetaPointer, Elem: elem})
}

func (c *Catalog) Struct(fields ...Field) MetaID {
	return c.add(&Meta{Kind: MetaStruct, Fields: fields})
}

// Interface registers an interface type by its method names.
func (c *Catalog) Interface(methods ...string) MetaID {
	ms := make([]Method, len(methods))
	for i, name := range methods {
		ms[i] = Method{Name: name}
	}
	return c.add(&Meta{Kind: MetaInterface, Methods: ms})
}

// Signature registers a function type. recv is 0 for plain functions; when
// variadic is set the last parameter is the variadic slice type.
func (c *Catalog) Signature(recv MetaID, params, results []MetaID, variadic bool) MetaID {
	return c.add(&Meta{Kind: MetaSignature, Recv: recv, Params: params, Results: results, Variadic: variadic})
}

// Named registers a new named type. Named types are never deduplicated.
// underlying may be 0 and filled in later with SetUnderlying, for recursive
// types.
func (c *Catalog) Named(name string, underlying MetaID) MetaID {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := MetaID(len(c.metas))
	c.metas = append(c.metas, &Meta{Kind: MetaNamed, Name: name, Underlying: underlying})
	return id
}

func (c *Catalog) namedLocked(id MetaID) (*Meta, error) {
	if int(id) >= len(c.metas) || id == 0 || c.metas[id].Kind != MetaNamed {
		return nil, faultf(TypeMismatchFault, "meta %d is not a named type", id)
	}
	return c.metas[id], nil
}

// SetUnderlying completes a named type created with a 0 underlying type.
func (c *Catalog) SetUnderlying(named, underlying MetaID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, err := c.namedLocked(named)
	if err != nil {
		return err
	}
	if underlying == 0 || int(underlying) >= len(c.metas) {
		return faultf(TypeMismatchFault, "unknown metadata id %d", underlying)
	}
	if c.metas[underlying].Kind == MetaNamed {
		underlying = c.metas[underlying].Underlying
	}
	prev := m.Underlying
	m.Underlying = underlying
	if err := c.checkCycles(); err != nil {
		m.Underlying = prev
		return faultf(TypeMismatchFault, "%s: invalid recursive type", m.Name)
	}
	return nil
}

// AddMethod attaches a method to a named type.
func (c *Catalog) AddMethod(named MetaID, name string, fn FuncID, ptrRecv bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, err := c.namedLocked(named)
	if err != nil {
		return err
	}
	if m.methodIndex == nil {
		m.methodIndex = make(map[string]int)
	}
	if i, ok := m.methodIndex[name]; ok {
		m.Methods[i] = Method{Name: name, Func: fn, PtrRecv: ptrRecv}
		return nil
	}
	m.methodIndex[name] = len(m.Methods)
	m.Methods = append(m.Methods, Method{Name: name, Func: fn, PtrRecv: ptrRecv})
	return nil
}

// Get returns the entry for id. The result must not be modified.
func (c *Catalog) Get(id MetaID) (*Meta, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if id == 0 || int(id) >= len(c.metas) {
		return nil, faultf(TypeMismatchFault, "unknown metadata id %d", id)
	}
	return c.metas[id], nil
}

// Len returns the number of entries.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.metas) - 1
}

// ValueTypeOf returns the tag of values of type id.
func (c *Catalog) ValueTypeOf(id MetaID) ValueType {
	m, err := c.Get(id)
	if err != nil {
		return TypeNil
	}
	switch m.Kind {
	case MetaBasic:
		return m.Basic
	case MetaArray:
		return TypeArray
	case MetaSlice:
		return TypeSlice
	case MetaMap:
		return TypeMap
	case MetaStruct:
		return TypeStruct
	case MetaInterface:
		return TypeInterface
	case MetaSignature:
		return TypeClosure
	case MetaPointer:
		return TypePointer
	case MetaNamed:
		return TypeNamed
	}
	return TypeNil
}

// Underlying returns the underlying type of a named type, or id itself.
func (c *Catalog) Underlying(id MetaID) MetaID {
	m, err := c.Get(id)
	if err != nil || m.Kind != MetaNamed {
		return id
	}
	return m.Underlying
}

// FieldIndex finds a field by name in a struct, a named struct, or a pointer
// to either.
func (c *Catalog) FieldIndex(id MetaID, name string) (int, bool) {
	for depth := 0; depth < 4; depth++ {
		m, err := c.Get(id)
		if err != nil {
			return 0, false
		}
		switch m.Kind {
		case MetaStruct:
			i, ok := m.fieldIndex[name]
			return i, ok
		case MetaNamed:
			id = m.Underlying
		case MetaPointer:
			id = m.Elem
		default:
			return 0, false
		}
	}
	return 0, false
}

// MethodByName looks a method up on a named type or a pointer to one.
func (c *Catalog) MethodByName(id MetaID, name string) (Method, bool) {
	m, err := c.Get(id)
	if err != nil {
		return Method{}, false
	}
	if m.Kind == MetaPointer {
		if m, err = c.Get(m.Elem); err != nil {
			return Method{}, false
		}
	}
	if m.Kind != MetaNamed {
		return Method{}, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	i, ok := m.methodIndex[name]
	if !ok {
		return Method{}, false
	}
	return m.Methods[i], true
}

// Metas exports the entries in id order, for serialization.
func (c *Catalog) Metas() []Meta {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Meta, 0, len(c.metas)-1)
	for _, m := range c.metas[1:] {
		cp := *m
		cp.fieldIndex, cp.methodIndex = nil, nil
		cp.Fields = append([]Field(nil), m.Fields...)
		cp.Methods = append([]Method(nil), m.Methods...)
		out = append(out, cp)
	}
	return out
}

// TypeString renders id in Go syntax.
func (c *Catalog) TypeString(id MetaID) string {
	var sb strings.Builder
	c.writeType(&sb, id, 0)
	return sb.String()
}

func (c *Catalog) writeType(sb *strings.Builder, id MetaID, depth int) {
	m, err := c.Get(id)
	if err != nil {
		fmt.Fprintf(sb, "?%d", id)
		return
	}
	if depth > 16 {
		sb.WriteString("...")
		return
	}
	switch m.Kind {
	case MetaBasic:
		sb.WriteString(m.Basic.String())
	case MetaNamed:
		sb.WriteString(m.Name)
	case MetaArray:
		fmt.Fprintf(sb, "[%d]", m.Len)
		c.writeType(sb, m.Elem, depth+1)
	case MetaSlice:
		sb.WriteString("[]")
		c.writeType(sb, m.Elem, depth+1)
	case MetaPointer:
		sb.WriteString("*")
		c.writeType(sb, m.Elem, depth+1)
	case MetaMap:
		sb.WriteString("map[")
		c.writeType(sb, m.Key, depth+1)
		sb.WriteString("]")
		c.writeType(sb, m.Elem, depth+1)
	case MetaStruct:
		sb.WriteString("struct{")
		for i, f := range m.Fields {
			if i > 0 {
				sb.WriteString("; ")
			}
			if !f.Embedded {
				sb.WriteString(f.Name + " ")
			}
			c.writeType(sb, f.Type, depth+1)
		}
		sb.WriteString("}")
	case MetaInterface:
		sb.WriteString("interface{")
		for i, mt := range m.Methods {
			if i > 0 {
				sb.WriteString("; ")
			}
			sb.WriteString(mt.Name + "()")
		}
		sb.WriteString("}")
	case MetaSignature:
		sb.WriteString("func(")
		for i, p := range m.Params {
			if i > 0 {
				sb.WriteString(", ")
			}
			if m.Variadic && i == len(m.Params)-1 {
				sb.WriteString("...")
				if pm, err := c.Get(p); err == nil && pm.Kind == MetaSlice {
					p = pm.Elem
				}
			}
			c.writeType(sb, p, depth+1)
		}
		sb.WriteString(")")
		switch len(m.Results) {
		case 0:
		case 1:
			sb.WriteString(" ")
			c.writeType(sb, m.Results[0], depth+1)
		default:
			sb.WriteString(" (")
			for i, r := range m.Results {
				if i > 0 {
					sb.WriteString(", ")
				}
				c.writeType(sb, r, depth+1)
			}
			sb.WriteString(")")
		}
	}
}
