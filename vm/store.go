package vm

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/tliron/commonlog"
)

// ---------------------------------------------------------------------------
// Keys
// ---------------------------------------------------------------------------

// Key names a payload in the Store. It packs a 24-bit generation, an 8-bit
// shard index and a 32-bit slot index. Generations start at 1, so no live
// key is ever 0, and a freed slot gets a new generation so stale keys are
// detected instead of silently aliasing the slot's next occupant.
type Key uint64

const (
	keySlotBits  = 32
	keyShardBits = 8
	keyGenShift  = keySlotBits + keyShardBits
	keyGenMask   = 1<<24 - 1

	// MaxShards is the largest shard count a Store supports.
	MaxShards = 1 << keyShardBits

	// DefaultShards is used when no shard count is configured.
	DefaultShards = 16
)

func makeKey(gen uint32, shard int, slot uint32) Key {
	return Key(uint64(gen&keyGenMask)<<keyGenShift | uint64(shard)<<keySlotBits | uint64(slot))
}

func (k Key) slot() uint32 { return uint32(k) }
func (k Key) shard() int   { return int(k>>keySlotBits) & (MaxShards - 1) }
func (k Key) gen() uint32  { return uint32(k >> keyGenShift) }

func (k Key) String() string {
	if k == 0 {
		return "nil"
	}
	return fmt.Sprintf("#%d.%d@%d", k.shard(), k.slot(), k.gen())
}

func nextGen(g uint32) uint32 {
	g = (g + 1) & keyGenMask
	if g == 0 {
		g = 1
	}
	return g
}

// ---------------------------------------------------------------------------
// Payloads
// ---------------------------------------------------------------------------

type objectKind uint8

const (
	kindString objectKind = iota
	kindSequence
	kindMap
	kindStruct
	kindBox
	kindClosure
	kindCell
	kindNamed
)

var kindNames = [...]string{"string", "sequence", "map", "struct", "interface box", "closure", "cell", "named"}

func (k objectKind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("objectKind(%d)", uint8(k))
}

// object is a heap payload. children lists the values the payload owns a
// reference to; they are released when the payload is freed.
type object interface {
	kind() objectKind
	children() []Value
}

type stringObject struct {
	s string
}

// sequenceObject backs arrays and slices. For slices, len(elems) is the
// capacity of the backing array.
type sequenceObject struct {
	elem  ValueType
	elems []Value
}

type mapEntry struct {
	k, v Value
}

type mapObject struct {
	key, elem ValueType
	elemMeta  MetaID
	entries   map[string]mapEntry
}

type structObject struct {
	meta   MetaID
	fields []Value
}

// boxObject is an interface value's dynamic type and value.
type boxObject struct {
	meta MetaID
	v    Value
}

type closureObject struct {
	fn       FuncID
	captures []Value
}

// cellObject holds a single variable that escaped to the heap.
type cellObject struct {
	v Value
}

type namedObject struct {
	meta MetaID
	v    Value
}

func (*stringObject) kind() objectKind   { return kindString }
func (*sequenceObject) kind() objectKind { return kindSequence }
func (*mapObject) kind() objectKind      { return kindMap }
func (*structObject) kind() objectKind   { return kindStruct }
func (*boxObject) kind() objectKind      { return kindBox }
func (*closureObject) kind() objectKind  { return kindClosure }
func (*cellObject) kind() objectKind     { return kindCell }
func (*namedObject) kind() objectKind    { return kindNamed }

func (*stringObject) children() []Value     { return nil }
func (o *sequenceObject) children() []Value { return o.elems }
func (o *structObject) children() []Value   { return o.fields }
func (o *boxObject) children() []Value      { return []Value{o.v} }
func (o *closureObject) children() []Value  { return o.captures }
func (o *cellObject) children() []Value     { return []Value{o.v} }
func (o *namedObject) children() []Value    { return []Value{o.v} }

func (o *mapObject) children() []Value {
	out := make([]Value, 0, 2*len(o.entries))
	for _, e := range o.entries {
		out = append(out, e.k, e.v)
	}
	return out
}

// shallow returns a copy of the payload whose value slices are private to
// the caller. The values themselves are not retained.
func shallow(o object) object {
	switch o := o.(type) {
	case *sequenceObject:
		return &sequenceObject{elem: o.elem, elems: append([]Value(nil), o.elems...)}
	case *mapObject:
		entries := make(map[string]mapEntry, len(o.entries))
		for h, e := range o.entries {
			entries[h] = e
		}
		return &mapObject{key: o.key, elem: o.elem, elemMeta: o.elemMeta, entries: entries}
	case *structObject:
		return &structObject{meta: o.meta, fields: append([]Value(nil), o.fields...)}
	case *boxObject:
		c := *o
		return &c
	case *closureObject:
		return &closureObject{fn: o.fn, captures: append([]Value(nil), o.captures...)}
	case *cellObject:
		c := *o
		return &c
	case *namedObject:
		c := *o
		return &c
	}
	return o
}

// ---------------------------------------------------------------------------
// Store
// ---------------------------------------------------------------------------

type slotEntry struct {
	gen  uint32
	refs int32
	obj  object
}

// storeShard is one independently locked region of the arena.
type storeShard struct {
	mu    sync.RWMutex
	slots []slotEntry
	free  []uint32
}

// Store is the arena owning every composite payload. Values refer to
// payloads by Key only.
//
// Concurrency: the arena is split into shards, each guarded by its own
// RWMutex. New payloads are spread across shards round-robin. No method
// holds more than one shard lock at a time; nested payloads are read under
// their parent's lock, then retained or released after it is dropped.
// Unsynchronized writes to shared composites from several threads are a data
// race in the program, and surface as InvalidKeyFault rather than corrupting
// the arena.
//
// Reclamation: reference counting. Every stack slot, element, field, map
// entry, capture and global owns one reference. Cyclic structures are not
// reclaimed.
type Store struct {
	catalog *Catalog
	shards  []storeShard
	next    atomic.Uint32

	live   atomic.Int64
	allocs atomic.Uint64
	frees  atomic.Uint64
	stale  atomic.Uint64

	log commonlog.Logger
}

// StoreStats is a point-in-time view of the store's counters.
type StoreStats struct {
	Shards        int
	Live          int64
	Allocs        uint64
	Frees         uint64
	StaleReleases uint64
}

// NewStore creates a store resolving metadata through catalog.
func NewStore(catalog *Catalog, shards int) *Store {
	if shards <= 0 {
		shards = DefaultShards
	}
	if shards > MaxShards {
		shards = MaxShards
	}
	if catalog == nil {
		catalog = NewCatalog()
	}
	return &Store{
		catalog: catalog,
		shards:  make([]storeShard, shards),
		log:     commonlog.GetLogger("govm.store"),
	}
}

// Catalog returns the metadata catalog the store builds zero values from.
func (s *Store) Catalog() *Catalog { return s.catalog }

// Live returns the number of payloads currently allocated.
func (s *Store) Live() int64 { return s.live.Load() }

// Stats returns the store counters.
func (s *Store) Stats() StoreStats {
	return StoreStats{
		Shards:        len(s.shards),
		Live:          s.live.Load(),
		Allocs:        s.allocs.Load(),
		Frees:         s.frees.Load(),
		StaleReleases: s.stale.Load(),
	}
}

func (s *Store) alloc(obj object) Key {
	idx := int(s.next.Add(1) % uint32(len(s.shards)))
	sh := &s.shards[idx]

	sh.mu.Lock()
	var slot uint32
	if n := len(sh.free); n > 0 {
		slot = sh.free[n-1]
		sh.free = sh.free[:n-1]
	} else {
		sh.slots = append(sh.slots, slotEntry{gen: 1})
		slot = uint32(len(sh.slots) - 1)
	}
	e := &sh.slots[slot]
	e.refs = 1
	e.obj = obj
	k := makeKey(e.gen, idx, slot)
	sh.mu.Unlock()

	s.live.Add(1)
	s.allocs.Add(1)
	return k
}

func (s *Store) shardOf(k Key) (*storeShard, error) {
	if k == 0 {
		return nil, faultf(NilDereferenceFault, "invalid memory address or nil pointer dereference")
	}
	i := k.shard()
	if i >= len(s.shards) {
		return nil, faultf(InvalidKeyFault, "key %s names an unknown shard", k)
	}
	return &s.shards[i], nil
}

// entry must be called with sh.mu held.
func (sh *storeShard) entry(k Key) (*slotEntry, error) {
	i := k.slot()
	if int(i) >= len(sh.slots) {
		return nil, faultf(InvalidKeyFault, "unknown key %s", k)
	}
	e := &sh.slots[i]
	if e.obj == nil || e.gen != k.gen() {
		return nil, faultf(InvalidKeyFault, "stale key %s", k)
	}
	return e, nil
}

// view runs fn with the payload of k under the shard's read lock. fn must
// not call back into the store.
func (s *Store) view(k Key, fn func(object) error) error {
	sh, err := s.shardOf(k)
	if err != nil {
		return err
	}
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	e, err := sh.entry(k)
	if err != nil {
		return err
	}
	return fn(e.obj)
}

// update runs fn with the payload of k under the shard's write lock.
func (s *Store) update(k Key, fn func(object) error) error {
	sh, err := s.shardOf(k)
	if err != nil {
		return err
	}
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, err := sh.entry(k)
	if err != nil {
		return err
	}
	return fn(e.obj)
}

func wrongKind(k Key, o object, want objectKind) error {
	return faultf(TypeMismatchFault, "key %s holds a %s, not a %s", k, o.kind(), want)
}

func viewAs[T object](s *Store, k Key, fn func(T) error) error {
	return s.view(k, func(o object) error {
		t, ok := o.(T)
		if !ok {
			var zero T
			return wrongKind(k, o, zero.kind())
		}
		return fn(t)
	})
}

func updateAs[T object](s *Store, k Key, fn func(T) error) error {
	return s.update(k, func(o object) error {
		t, ok := o.(T)
		if !ok {
			var zero T
			return wrongKind(k, o, zero.kind())
		}
		return fn(t)
	})
}

// snapshot returns a shallow private copy of the payload of k.
func (s *Store) snapshot(k Key) (object, error) {
	var out object
	err := s.view(k, func(o object) error {
		out = shallow(o)
		return nil
	})
	return out, err
}

// ---------------------------------------------------------------------------
// Reference counting
// ---------------------------------------------------------------------------

func (s *Store) retainKey(k Key) error {
	if k == 0 {
		return nil
	}
	sh, err := s.shardOf(k)
	if err != nil {
		return err
	}
	sh.mu.Lock()
	e, err := sh.entry(k)
	if err == nil {
		e.refs++
	}
	sh.mu.Unlock()
	return err
}

// Retain adds a reference to the payload v refers to, if any.
func (s *Store) Retain(v Value) error {
	return s.retainKey(v.Key())
}

// Release drops one reference held by each value. Payloads whose count
// reaches zero are freed and their children released in turn.
func (s *Store) Release(vals ...Value) {
	var work []Value
	for _, v := range vals {
		work = s.releaseOne(v, work)
	}
	for len(work) > 0 {
		v := work[len(work)-1]
		work = work[:len(work)-1]
		work = s.releaseOne(v, work)
	}
}

func (s *Store) releaseOne(v Value, work []Value) []Value {
	k := v.Key()
	if k == 0 {
		return work
	}
	sh, err := s.shardOf(k)
	if err != nil {
		s.stale.Add(1)
		return work
	}

	sh.mu.Lock()
	e, err := sh.entry(k)
	if err != nil {
		sh.mu.Unlock()
		s.stale.Add(1)
		s.log.Debugf("release of %s ignored: %v", k, err)
		return work
	}
	e.refs--
	var freed object
	if e.refs <= 0 {
		freed = e.obj
		e.obj = nil
		e.refs = 0
		e.gen = nextGen(e.gen)
		sh.free = append(sh.free, k.slot())
	}
	sh.mu.Unlock()

	if freed == nil {
		return work
	}
	s.live.Add(-1)
	s.frees.Add(1)
	for _, c := range freed.children() {
		if c.Key() != 0 {
			work = append(work, c)
		}
	}
	return work
}

// refCount reports the current count of k, for tests and diagnostics.
func (s *Store) refCount(k Key) (int32, error) {
	sh, err := s.shardOf(k)
	if err != nil {
		return 0, err
	}
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	e, err := sh.entry(k)
	if err != nil {
		return 0, err
	}
	return e.refs, nil
}

// ---------------------------------------------------------------------------
// Copy semantics
// ---------------------------------------------------------------------------

// Copy returns a value the caller owns, following the copy semantics of v's
// tag: strings, slices, maps, pointers, interfaces and closures share v's
// key; arrays, structs and named values are duplicated recursively.
func (s *Store) Copy(v Value) (Value, error) {
	if v.Key() == 0 {
		return v, nil
	}
	if v.typ.Aliases() {
		return v, s.Retain(v)
	}
	return s.clone(v)
}

func (s *Store) clone(v Value) (Value, error) {
	obj, err := s.snapshot(v.Key())
	if err != nil {
		return Value{}, err
	}
	switch o := obj.(type) {
	case *sequenceObject:
		err = s.copyAll(o.elems)
	case *structObject:
		err = s.copyAll(o.fields)
	case *namedObject:
		o.v, err = s.Copy(o.v)
	default:
		return Value{}, faultf(TypeMismatchFault, "cannot copy a %s as %s", obj.kind(), v.typ)
	}
	if err != nil {
		return Value{}, err
	}
	return keyed(v.typ, s.alloc(obj)), nil
}

// copyAll replaces every value in vals by an owned copy. On failure the
// copies made so far are released.
func (s *Store) copyAll(vals []Value) error {
	for i := range vals {
		c, err := s.Copy(vals[i])
		if err != nil {
			s.Release(vals[:i]...)
			return err
		}
		vals[i] = c
	}
	return nil
}

// ---------------------------------------------------------------------------
// Zero values
// ---------------------------------------------------------------------------

// Zero builds the zero value of a metadata entry. Arrays, structs and named
// values allocate; every other category is a scalar zero or a nil key.
func (s *Store) Zero(id MetaID) (Value, error) {
	return s.zero(id, 0)
}

// maxZeroDepth bounds how deeply zero values nest. Catalogs reject types
// that contain themselves, so only a corrupted catalog gets this far.
const maxZeroDepth = 1024

func (s *Store) zero(id MetaID, depth int) (Value, error) {
	if depth > maxZeroDepth {
		return Value{}, faultf(TypeMismatchFault, "zero value of meta %d nests too deeply", id)
	}
	m, err := s.catalog.Get(id)
	if err != nil {
		return Value{}, err
	}
	switch m.Kind {
	case MetaBasic:
		return Value{typ: m.Basic}, nil
	case MetaSlice:
		return Value{typ: TypeSlice}, nil
	case MetaMap:
		return Value{typ: TypeMap}, nil
	case MetaPointer:
		return Value{typ: TypePointer}, nil
	case MetaInterface:
		return Value{typ: TypeInterface}, nil
	case MetaSignature:
		return Value{typ: TypeClosure}, nil
	case MetaArray:
		elems, err := s.zeros(m.Elem, m.Len, depth+1)
		if err != nil {
			return Value{}, err
		}
		return s.NewArray(s.catalog.ValueTypeOf(m.Elem), elems), nil
	case MetaStruct:
		fields := make([]Value, len(m.Fields))
		for i, f := range m.Fields {
			z, err := s.zero(f.Type, depth+1)
			if err != nil {
				s.Release(fields[:i]...)
				return Value{}, err
			}
			fields[i] = z
		}
		return s.NewStruct(id, fields), nil
	case MetaNamed:
		inner, err := s.zero(m.Underlying, depth+1)
		if err != nil {
			return Value{}, err
		}
		return s.NewNamed(id, inner), nil
	}
	return Value{}, faultf(TypeMismatchFault, "no zero value for %s", m.Kind)
}

func (s *Store) zeros(elem MetaID, n, depth int) ([]Value, error) {
	out := make([]Value, n)
	for i := range out {
		z, err := s.zero(elem, depth)
		if err != nil {
			s.Release(out[:i]...)
			return nil, err
		}
		out[i] = z
	}
	return out, nil
}

// cheapZero returns the zero value of tag t when building it needs no
// allocation.
func cheapZero(t ValueType) (Value, bool) {
	switch t {
	case TypeArray, TypeStruct, TypeNamed:
		return Value{}, false
	}
	return Value{typ: t}, true
}
