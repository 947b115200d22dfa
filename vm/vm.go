package vm

import (
	"context"
	"fmt"
	"sync"

	"github.com/tliron/commonlog"
)

const (
	// DefaultMaxFrames bounds call depth.
	DefaultMaxFrames = 4096

	// DefaultCheckInterval is how many instructions run between context
	// checks.
	DefaultCheckInterval = 1024
)

// Options tunes a VM. Zero fields select the defaults.
type Options struct {
	StackSize     int // initial stack slots per thread
	MaxStackSize  int // stack growth limit per thread
	MaxFrames     int // call depth limit per thread
	CheckInterval int // instructions between context checks
	Shards        int // store shard count
}

// DefaultOptions returns the options New uses for zero fields.
func DefaultOptions() Options {
	return Options{
		StackSize:     DefaultStackSize,
		MaxStackSize:  DefaultMaxStackSize,
		MaxFrames:     DefaultMaxFrames,
		CheckInterval: DefaultCheckInterval,
		Shards:        DefaultShards,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.StackSize <= 0 {
		o.StackSize = d.StackSize
	}
	if o.MaxStackSize <= 0 {
		o.MaxStackSize = d.MaxStackSize
	}
	if o.StackSize > o.MaxStackSize {
		o.StackSize = o.MaxStackSize
	}
	if o.MaxFrames <= 0 {
		o.MaxFrames = d.MaxFrames
	}
	if o.CheckInterval <= 0 {
		o.CheckInterval = d.CheckInterval
	}
	if o.Shards <= 0 {
		o.Shards = d.Shards
	}
	return o
}

// VM holds a loaded program: its catalog, its store, the materialized
// constant pool and the package variables. Any number of threads may run
// against one VM concurrently.
type VM struct {
	prog    *Program
	catalog *Catalog
	store   *Store
	consts  []Value
	opts    Options

	globalsMu sync.Mutex
	globals   []Value

	log commonlog.Logger
}

// New validates prog and prepares it for execution.
func New(prog *Program, opts Options) (*VM, error) {
	if err := prog.Validate(); err != nil {
		return nil, err
	}
	catalog, err := CatalogFromMetas(prog.Metas)
	if err != nil {
		return nil, err
	}
	opts = opts.withDefaults()
	vm := &VM{
		prog:    prog,
		catalog: catalog,
		store:   NewStore(catalog, opts.Shards),
		opts:    opts,
		log:     commonlog.GetLogger("govm.vm"),
	}

	vm.consts = make([]Value, len(prog.Consts))
	for i, c := range prog.Consts {
		switch c.Type {
		case TypeStr:
			vm.consts[i] = vm.store.NewString(c.Str)
		default:
			vm.consts[i] = Value{typ: c.Type, lo: c.Bits, hi: c.Hi}
		}
	}

	vm.globals = make([]Value, len(prog.Globals))
	for i, g := range prog.Globals {
		z, err := vm.store.Zero(g)
		if err != nil {
			vm.Close()
			return nil, fmt.Errorf("global %d: %w", i, err)
		}
		vm.globals[i] = z
	}
	vm.log.Debugf("loaded program: %d functions, %d constants, %d globals, %d metas",
		len(prog.Funcs), len(prog.Consts), len(prog.Globals), catalog.Len())
	return vm, nil
}

// Program returns the loaded program.
func (vm *VM) Program() *Program { return vm.prog }

// Store returns the VM's object store.
func (vm *VM) Store() *Store { return vm.store }

// Catalog returns the VM's metadata catalog.
func (vm *VM) Catalog() *Catalog { return vm.catalog }

// Options returns the effective options.
func (vm *VM) Options() Options { return vm.opts }

// Const returns constant i, borrowed.
func (vm *VM) Const(i int) (Value, error) {
	if i < 0 || i >= len(vm.consts) {
		return Value{}, faultf(BoundsFault, "constant %d out of range", i)
	}
	return vm.consts[i], nil
}

// Global returns a copy of package variable i.
func (vm *VM) Global(i int) (Value, error) {
	vm.globalsMu.Lock()
	defer vm.globalsMu.Unlock()
	if i < 0 || i >= len(vm.globals) {
		return Value{}, faultf(BoundsFault, "global %d out of range", i)
	}
	return vm.store.Copy(vm.globals[i])
}

// withGlobals runs fn with the package variables locked.
func (vm *VM) withGlobals(fn func(globals []Value) error) error {
	vm.globalsMu.Lock()
	defer vm.globalsMu.Unlock()
	return fn(vm.globals)
}

// Run executes the entry function on a new thread.
func (vm *VM) Run(ctx context.Context, args ...Value) ([]Value, error) {
	return vm.NewThread().Run(ctx, vm.prog.Entry, args)
}

// Call executes the named function on a new thread.
func (vm *VM) Call(ctx context.Context, name string, args ...Value) ([]Value, error) {
	id, ok := vm.prog.FuncByName(name)
	if !ok {
		return nil, fmt.Errorf("no function named %q", name)
	}
	return vm.NewThread().Run(ctx, id, args)
}

// Release drops values returned by Run or Call.
func (vm *VM) Release(vals ...Value) {
	vm.store.Release(vals...)
}

// Close releases the constant pool and package variables.
func (vm *VM) Close() {
	vm.globalsMu.Lock()
	globals := vm.globals
	vm.globals = nil
	vm.globalsMu.Unlock()
	vm.store.Release(globals...)
	vm.store.Release(vm.consts...)
	vm.consts = nil
}
