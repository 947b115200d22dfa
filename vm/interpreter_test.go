package vm

import (
	"context"
	"errors"
	"sync"
	"testing"
)

// newProgram assembles a program over cat's metadata with funcs[0] as the
// entry point.
func newProgram(cat *Catalog, consts []Const, funcs ...Function) *Program {
	return &Program{
		Version: ProgramVersion,
		Metas:   cat.Metas(),
		Consts:  consts,
		Funcs:   funcs,
	}
}

func mustVM(t *testing.T, prog *Program, opts Options) *VM {
	t.Helper()
	vm, err := New(prog, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return vm
}

func runOne(t *testing.T, vm *VM, name string, args ...Value) Value {
	t.Helper()
	results, err := vm.Call(context.Background(), name, args...)
	if err != nil {
		t.Fatalf("%s: %v", name, err)
	}
	if len(results) != 1 {
		t.Fatalf("%s returned %d values, want 1", name, len(results))
	}
	return results[0]
}

// fibFunc is the recursive fib(n) as function id.
func fibFunc(id FuncID) Function {
	b := NewCodeBuilder()
	recurse := b.NewLabel()
	b.EmitArg(OpLoadLocal, TypeInt, 0)
	b.EmitArg(OpPushImm, TypeInt, 2)
	b.Emit(OpLss, TypeInt)
	b.EmitJump(OpJumpIfNot, recurse)
	b.EmitArg(OpLoadLocal, TypeInt, 0)
	b.EmitArg(OpReturn, 0, 1)
	b.Mark(recurse)
	b.EmitArg(OpLoadLocal, TypeInt, 0)
	b.EmitArg(OpPushImm, TypeInt, 1)
	b.Emit(OpSub, TypeInt)
	b.EmitArg(OpCall, 0, int32(id))
	b.EmitArg(OpLoadLocal, TypeInt, 0)
	b.EmitArg(OpPushImm, TypeInt, 2)
	b.Emit(OpSub, TypeInt)
	b.EmitArg(OpCall, 0, int32(id))
	b.Emit(OpAdd, TypeInt)
	b.EmitArg(OpReturn, 0, 1)
	return Function{Name: "fib", Params: 1, Results: 1, Code: b.Code()}
}

// ---------------------------------------------------------------------------
// Straight-line code and calls
// ---------------------------------------------------------------------------

func TestRunConstants(t *testing.T) {
	cat := NewCatalog()
	b := NewCodeBuilder()
	b.EmitArg(OpPushConst, TypeInt, 0)
	b.EmitArg(OpPushConst, TypeInt, 1)
	b.Emit(OpAdd, TypeInt)
	b.EmitArg(OpReturn, 0, 1)

	prog := newProgram(cat, []Const{ConstOf(Int(3)), ConstOf(Int(4))},
		Function{Name: "main", Results: 1, Code: b.Code()})
	vm := mustVM(t, prog, Options{})
	defer vm.Close()

	results, err := vm.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(results) != 1 || results[0] != Int(7) {
		t.Errorf("Run() = %v, want [7]", results)
	}
}

func TestRunFib(t *testing.T) {
	cat := NewCatalog()
	b := NewCodeBuilder()
	b.EmitArg(OpPushImm, TypeInt, 10)
	b.EmitArg(OpCall, 0, 1)
	b.EmitArg(OpReturn, 0, 1)

	prog := newProgram(cat, nil,
		Function{Name: "main", Results: 1, Code: b.Code()},
		fibFunc(1))
	vm := mustVM(t, prog, Options{})
	defer vm.Close()

	results, err := vm.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(results) != 1 || results[0] != Int(55) {
		t.Errorf("fib(10) = %v, want 55", results)
	}
	if got := runOne(t, vm, "fib", Int(20)); got != Int(6765) {
		t.Errorf("fib(20) = %v, want 6765", got)
	}

	if _, err := vm.Call(context.Background(), "fib"); !IsFault(err, TypeMismatchFault) {
		t.Errorf("fib() with no arguments error = %v, want TypeMismatchFault", err)
	}
	if _, err := vm.Call(context.Background(), "nope"); err == nil {
		t.Error("Call of an unknown function succeeded")
	}
}

func TestConcurrentThreads(t *testing.T) {
	cat := NewCatalog()
	prog := newProgram(cat, nil, fibFunc(0))
	vm := mustVM(t, prog, Options{})
	defer vm.Close()

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results, err := vm.Call(context.Background(), "fib", Int(15))
			if err != nil {
				errs <- err
				return
			}
			if results[0] != Int(610) {
				errs <- errors.New("fib(15) != 610")
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestMissingReturn(t *testing.T) {
	cat := NewCatalog()
	prog := newProgram(cat, nil, Function{Name: "main", Results: 1})
	vm := mustVM(t, prog, Options{})
	defer vm.Close()

	_, err := vm.Run(context.Background())
	if !IsFault(err, InternalFault) {
		t.Errorf("Run() error = %v, want InternalFault", err)
	}
}

// ---------------------------------------------------------------------------
// Closures and methods
// ---------------------------------------------------------------------------

func TestClosureCounter(t *testing.T) {
	cat := NewCatalog()
	intM := cat.Basic(TypeInt)
	ptrM := cat.Pointer(intM)
	sigM := cat.Signature(0, nil, nil, false)

	// x := 0; inc := func() { x++ }; inc(); inc(); inc(); return x
	b := NewCodeBuilder()
	b.EmitArg(OpNew, 0, int32(intM))
	b.EmitArg(OpStoreLocal, 0, 0)
	b.EmitArg(OpLoadLocal, 0, 0)
	b.EmitArg(OpMakeClosure, 0, 1)
	b.EmitArg(OpStoreLocal, 0, 1)
	for i := 0; i < 3; i++ {
		b.EmitArg(OpLoadLocal, 0, 1)
		b.EmitArg(OpCallClosure, 0, 0)
	}
	b.EmitArg(OpLoadLocal, 0, 0)
	b.Emit(OpDeref, 0)
	b.EmitArg(OpReturn, 0, 1)
	main := Function{Name: "main", Results: 1, Locals: []MetaID{ptrM, sigM}, Code: b.Code()}

	inc := NewCodeBuilder()
	inc.EmitArg(OpLoadCapture, 0, 0)
	inc.Emit(OpDeref, 0)
	inc.EmitArg(OpPushImm, TypeInt, 1)
	inc.Emit(OpAdd, TypeInt)
	inc.EmitArg(OpStoreCaptureDeref, 0, 0)
	lit := Function{Name: "main.func1", Captures: 1, Code: inc.Code()}

	vm := mustVM(t, newProgram(cat, nil, main, lit), Options{})
	if got := runOne(t, vm, "main"); got != Int(3) {
		t.Errorf("counter = %v, want 3", got)
	}
	vm.Close()
	if n := vm.Store().Live(); n != 0 {
		t.Errorf("Live() = %d after Close, want 0", n)
	}
}

func TestMethodDispatch(t *testing.T) {
	cat := NewCatalog()
	intM := cat.Basic(TypeInt)
	point := cat.Named("Point", cat.Struct(Field{Name: "X", Type: intM}, Field{Name: "Y", Type: intM}))
	if err := cat.AddMethod(point, "Sum", 1, false); err != nil {
		t.Fatal(err)
	}
	if err := cat.AddMethod(point, "GetX", 2, true); err != nil {
		t.Fatal(err)
	}
	summer := cat.Interface("Sum")
	stringer := cat.Interface("String")

	// dispatch pushes Point{3, 4} boxed and calls the named method on it
	dispatch := func(name string, nameConst int) Function {
		b := NewCodeBuilder()
		b.EmitArg(OpPushImm, TypeInt, 3)
		b.EmitArg(OpPushImm, TypeInt, 4)
		b.EmitArg(OpMakeStruct, 0, int32(point))
		b.EmitArg(OpBox, 0, int32(point))
		b.EmitArg(OpCallMethod, 0, PackOperand(nameConst, 0))
		b.EmitArg(OpReturn, 0, 1)
		return Function{Name: name, Results: 1, Code: b.Code()}
	}

	sum := NewCodeBuilder()
	sum.EmitArg(OpLoadLocal, 0, 0)
	sum.EmitArg(OpField, 0, 0)
	sum.EmitArg(OpLoadLocal, 0, 0)
	sum.EmitArg(OpField, 0, 1)
	sum.Emit(OpAdd, TypeInt)
	sum.EmitArg(OpReturn, 0, 1)

	getX := NewCodeBuilder()
	getX.EmitArg(OpLoadLocal, 0, 0)
	getX.EmitArg(OpField, 0, 0)
	getX.EmitArg(OpReturn, 0, 1)

	assert := func(target MetaID) Function {
		b := NewCodeBuilder()
		b.EmitArg(OpPushImm, TypeInt, 3)
		b.EmitArg(OpPushImm, TypeInt, 4)
		b.EmitArg(OpMakeStruct, 0, int32(point))
		b.EmitArg(OpBox, 0, int32(point))
		b.EmitArg(OpUnbox, 0, int32(target))
		b.EmitArg(OpReturn, 0, 1)
		return Function{Name: "assert" + cat.TypeString(target), Results: 1, Code: b.Code()}
	}

	prog := newProgram(cat, []Const{StrConst("Sum"), StrConst("GetX"), StrConst("Missing")},
		dispatch("callSum", 0),
		Function{Name: "Point.Sum", Params: 1, Results: 1, Code: sum.Code()},
		Function{Name: "(*Point).GetX", Params: 1, Results: 1, Code: getX.Code()},
		dispatch("callGetX", 1),
		dispatch("callMissing", 2),
		assert(summer),
		assert(stringer),
		assert(intM),
	)
	vm := mustVM(t, prog, Options{})

	if got := runOne(t, vm, "callSum"); got != Int(7) {
		t.Errorf("Point{3, 4}.Sum() = %v, want 7", got)
	}
	if got := runOne(t, vm, "callGetX"); got != Int(3) {
		t.Errorf("Point{3, 4}.GetX() = %v, want 3", got)
	}
	if _, err := vm.Call(context.Background(), "callMissing"); !IsFault(err, UnsupportedOperationFault) {
		t.Errorf("missing method error = %v, want UnsupportedOperationFault", err)
	}

	boxed := runOne(t, vm, "assertinterface{Sum()}")
	if boxed.Type() != TypeInterface {
		t.Errorf("x.(interface{Sum()}) has tag %s", boxed.Type())
	}
	vm.Release(boxed)
	if _, err := vm.Call(context.Background(), "assertinterface{String()}"); !IsFault(err, TypeMismatchFault) {
		t.Errorf("x.(interface{String()}) error = %v, want TypeMismatchFault", err)
	}
	if _, err := vm.Call(context.Background(), "assertint"); !IsFault(err, TypeMismatchFault) {
		t.Errorf("x.(int) error = %v, want TypeMismatchFault", err)
	}

	vm.Close()
	if n := vm.Store().Live(); n != 0 {
		t.Errorf("Live() = %d after Close, want 0", n)
	}
}

// ---------------------------------------------------------------------------
// Containers
// ---------------------------------------------------------------------------

func TestMapOperations(t *testing.T) {
	cat := NewCatalog()
	intM, strM := cat.Basic(TypeInt), cat.Basic(TypeStr)
	mapM := cat.Map(strM, intM)

	// m := make(map[string]int); m["k"] = 5; v, ok := m["k"]
	set := NewCodeBuilder()
	set.EmitArg(OpMakeMap, 0, int32(mapM))
	set.EmitArg(OpStoreLocal, 0, 0)
	set.EmitArg(OpPushConst, TypeStr, 0)
	set.EmitArg(OpPushImm, TypeInt, 5)
	set.EmitArg(OpStoreLocalIndex, 0, 0)
	set.EmitArg(OpLoadLocal, 0, 0)
	set.EmitArg(OpPushConst, TypeStr, 0)
	set.EmitArg(OpIndexCommaOk, 0, int32(mapM))
	set.EmitArg(OpReturn, 0, 2)

	// v, ok := make(map[string]int)["k"]
	miss := NewCodeBuilder()
	miss.EmitArg(OpMakeMap, 0, int32(mapM))
	miss.EmitArg(OpPushConst, TypeStr, 0)
	miss.EmitArg(OpIndexCommaOk, 0, int32(mapM))
	miss.EmitArg(OpReturn, 0, 2)

	// var m map[string]int; return m["k"]
	nilRead := NewCodeBuilder()
	nilRead.EmitArg(OpLoadLocal, 0, 0)
	nilRead.EmitArg(OpPushConst, TypeStr, 0)
	nilRead.EmitArg(OpIndex, 0, int32(mapM))
	nilRead.EmitArg(OpReturn, 0, 1)

	// var m map[string]int; m["k"] = 1
	nilWrite := NewCodeBuilder()
	nilWrite.EmitArg(OpLoadLocal, 0, 0)
	nilWrite.EmitArg(OpPushConst, TypeStr, 0)
	nilWrite.EmitArg(OpPushImm, TypeInt, 1)
	nilWrite.Emit(OpStoreIndex, 0)

	locals := []MetaID{mapM}
	prog := newProgram(cat, []Const{StrConst("k")},
		Function{Name: "set", Results: 2, Locals: locals, Code: set.Code()},
		Function{Name: "miss", Results: 2, Code: miss.Code()},
		Function{Name: "nilRead", Results: 1, Locals: locals, Code: nilRead.Code()},
		Function{Name: "nilWrite", Locals: locals, Code: nilWrite.Code()},
	)
	vm := mustVM(t, prog, Options{})
	ctx := context.Background()

	results, err := vm.Call(ctx, "set")
	if err != nil {
		t.Fatalf("set: %v", err)
	}
	if len(results) != 2 || results[0] != Int(5) || results[1] != Bool(true) {
		t.Errorf("m[\"k\"] = %v, want [5 true]", results)
	}

	results, err = vm.Call(ctx, "miss")
	if err != nil {
		t.Fatalf("miss: %v", err)
	}
	if len(results) != 2 || results[0] != Int(0) || results[1] != Bool(false) {
		t.Errorf("missing key = %v, want [0 false]", results)
	}

	if got := runOne(t, vm, "nilRead"); got != Int(0) {
		t.Errorf("nil map read = %v, want 0", got)
	}
	if _, err := vm.Call(ctx, "nilWrite"); !IsFault(err, NilDereferenceFault) {
		t.Errorf("nil map write error = %v, want NilDereferenceFault", err)
	}

	vm.Close()
	if n := vm.Store().Live(); n != 0 {
		t.Errorf("Live() = %d after Close, want 0", n)
	}
}

func TestSliceOperations(t *testing.T) {
	cat := NewCatalog()
	intM := cat.Basic(TypeInt)
	sliceM := cat.Slice(intM)

	// s := append(make([]int, 0, 0), 1, 2, 3)[1:3]; return len(s), s[1]
	b := NewCodeBuilder()
	b.EmitArg(OpPushImm, TypeInt, 0)
	b.EmitArg(OpPushImm, TypeInt, 0)
	b.EmitArg(OpMakeSlice, 0, int32(sliceM))
	b.EmitArg(OpPushImm, TypeInt, 1)
	b.EmitArg(OpPushImm, TypeInt, 2)
	b.EmitArg(OpPushImm, TypeInt, 3)
	b.EmitArg(OpAppend, TypeInt, 3)
	b.EmitArg(OpPushImm, TypeInt, 1)
	b.EmitArg(OpPushImm, TypeInt, 3)
	b.Emit(OpSliceExpr, 0)
	b.EmitArg(OpStoreLocal, 0, 0)
	b.EmitArg(OpLoadLocal, 0, 0)
	b.Emit(OpLen, 0)
	b.EmitArg(OpLoadLocal, 0, 0)
	b.EmitArg(OpPushImm, TypeInt, 1)
	b.EmitArg(OpIndex, 0, 0)
	b.EmitArg(OpReturn, 0, 2)

	prog := newProgram(cat, nil,
		Function{Name: "main", Results: 2, Locals: []MetaID{sliceM}, Code: b.Code()})
	vm := mustVM(t, prog, Options{})
	defer vm.Close()

	results, err := vm.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(results) != 2 || results[0] != Int(2) || results[1] != Int(3) {
		t.Errorf("Run() = %v, want [2 3]", results)
	}
	if n := vm.Store().Live(); n != 0 {
		t.Errorf("Live() = %d, want 0", n)
	}
}

func TestSliceExprBounds(t *testing.T) {
	cat := NewCatalog()
	sliceM := cat.Slice(cat.Basic(TypeInt))

	// s := []int{1, 2, 3}; return len(<expr>)
	build := func(expr func(b *CodeBuilder)) *Program {
		b := NewCodeBuilder()
		b.EmitArg(OpPushImm, TypeInt, 0)
		b.EmitArg(OpPushImm, TypeInt, 0)
		b.EmitArg(OpMakeSlice, 0, int32(sliceM))
		b.EmitArg(OpPushImm, TypeInt, 1)
		b.EmitArg(OpPushImm, TypeInt, 2)
		b.EmitArg(OpPushImm, TypeInt, 3)
		b.EmitArg(OpAppend, TypeInt, 3)
		b.EmitArg(OpStoreLocal, 0, 0)
		b.EmitArg(OpLoadLocal, 0, 0)
		expr(b)
		b.Emit(OpLen, 0)
		b.EmitArg(OpReturn, 0, 1)
		return newProgram(cat, nil,
			Function{Name: "main", Results: 1, Locals: []MetaID{sliceM}, Code: b.Code()})
	}

	tests := []struct {
		name  string
		expr  func(b *CodeBuilder)
		want  Value
		fault FaultKind
	}{
		{"s[1:]", func(b *CodeBuilder) {
			b.EmitArg(OpPushImm, TypeInt, 1)
			b.EmitArg(OpSliceExpr, 0, SliceOmitHigh)
		}, Int(2), 0},
		{"s[3:]", func(b *CodeBuilder) {
			b.EmitArg(OpPushImm, TypeInt, 3)
			b.EmitArg(OpSliceExpr, 0, SliceOmitHigh)
		}, Int(0), 0},
		{"s[0:2]", func(b *CodeBuilder) {
			b.EmitArg(OpPushImm, TypeInt, 0)
			b.EmitArg(OpPushImm, TypeInt, 2)
			b.Emit(OpSliceExpr, 0)
		}, Int(2), 0},
		{"s[0:-1]", func(b *CodeBuilder) {
			b.EmitArg(OpPushImm, TypeInt, 0)
			b.EmitArg(OpPushImm, TypeInt, -1)
			b.Emit(OpSliceExpr, 0)
		}, Value{}, BoundsFault},
		{"s[4:]", func(b *CodeBuilder) {
			b.EmitArg(OpPushImm, TypeInt, 4)
			b.EmitArg(OpSliceExpr, 0, SliceOmitHigh)
		}, Value{}, BoundsFault},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			vm := mustVM(t, build(tt.expr), Options{})
			results, err := vm.Run(context.Background())
			vm.Close()
			if tt.fault != 0 {
				if !IsFault(err, tt.fault) {
					t.Errorf("Run() error = %v, want %s", err, tt.fault)
				}
			} else if err != nil {
				t.Fatalf("Run: %v", err)
			} else if len(results) != 1 || results[0] != tt.want {
				t.Errorf("Run() = %v, want [%v]", results, tt.want)
			}
			if n := vm.Store().Live(); n != 0 {
				t.Errorf("Live() = %d after Close, want 0", n)
			}
		})
	}
}

func TestVariadicCall(t *testing.T) {
	cat := NewCatalog()

	count := NewCodeBuilder()
	count.EmitArg(OpLoadLocal, 0, 0)
	count.Emit(OpLen, 0)
	count.EmitArg(OpReturn, 0, 1)

	three := NewCodeBuilder()
	three.EmitArg(OpPushImm, TypeInt, 1)
	three.EmitArg(OpPushImm, TypeInt, 2)
	three.EmitArg(OpPushImm, TypeInt, 3)
	three.EmitArg(OpPackVariadic, TypeInt, 3)
	three.EmitArg(OpCall, 0, 0)
	three.EmitArg(OpReturn, 0, 1)

	none := NewCodeBuilder()
	none.EmitArg(OpPackVariadic, TypeInt, 0)
	none.EmitArg(OpCall, 0, 0)
	none.EmitArg(OpReturn, 0, 1)

	prog := newProgram(cat, nil,
		Function{Name: "count", Params: 1, Results: 1, Variadic: true, Code: count.Code()},
		Function{Name: "three", Results: 1, Code: three.Code()},
		Function{Name: "none", Results: 1, Code: none.Code()},
	)
	vm := mustVM(t, prog, Options{})
	defer vm.Close()

	if got := runOne(t, vm, "three"); got != Int(3) {
		t.Errorf("count(1, 2, 3) = %v, want 3", got)
	}
	if got := runOne(t, vm, "none"); got != Int(0) {
		t.Errorf("count() = %v, want 0", got)
	}
}

// ---------------------------------------------------------------------------
// Package variables
// ---------------------------------------------------------------------------

func TestGlobals(t *testing.T) {
	cat := NewCatalog()
	intM := cat.Basic(TypeInt)

	// var g = 4; g += 6; return g
	b := NewCodeBuilder()
	b.EmitArg(OpPushImm, TypeInt, 4)
	b.EmitArg(OpInitGlobals, 0, 1)
	b.EmitArg(OpPushImm, TypeInt, 6)
	b.EmitArg(OpStoreGlobalOp, TypeInt, PackOperand(0, uint8(OpAdd)))
	b.EmitArg(OpLoadGlobal, 0, 0)
	b.EmitArg(OpReturn, 0, 1)

	prog := newProgram(cat, nil, Function{Name: "main", Results: 1, Code: b.Code()})
	prog.Globals = []MetaID{intM}
	vm := mustVM(t, prog, Options{})
	defer vm.Close()

	if got := runOne(t, vm, "main"); got != Int(10) {
		t.Errorf("g = %v, want 10", got)
	}
	g, err := vm.Global(0)
	if err != nil || g != Int(10) {
		t.Errorf("Global(0) = %v, %v; want 10", g, err)
	}
	if _, err := vm.Global(1); !IsFault(err, BoundsFault) {
		t.Errorf("Global(1) error = %v, want BoundsFault", err)
	}
}

// ---------------------------------------------------------------------------
// Faults and limits
// ---------------------------------------------------------------------------

func TestFaultLocation(t *testing.T) {
	cat := NewCatalog()
	b := NewCodeBuilder()
	b.EmitArg(OpPushConst, TypeStr, 0)
	b.EmitArg(OpPushImm, TypeInt, 5)
	b.EmitArg(OpIndex, TypeUint8, 0)
	b.EmitArg(OpReturn, 0, 1)

	prog := newProgram(cat, []Const{StrConst("go")},
		Function{Name: "main", Results: 1, Code: b.Code()})
	vm := mustVM(t, prog, Options{})

	th := vm.NewThread()
	_, err := th.Run(context.Background(), 0, nil)
	f, ok := AsFault(err)
	if !ok {
		t.Fatalf("Run() error = %v, want a fault", err)
	}
	if f.Kind != BoundsFault {
		t.Errorf("Kind = %s, want BoundsFault", f.Kind)
	}
	if f.Func != "main" || f.PC != 2 || f.Op != OpIndex {
		t.Errorf("fault at %s pc %d (%s), want main pc 2 (INDEX)", f.Func, f.PC, f.Op)
	}
	if th.Stack().Len() != 0 {
		t.Errorf("stack holds %d slots after a fault", th.Stack().Len())
	}

	vm.Close()
	if n := vm.Store().Live(); n != 0 {
		t.Errorf("Live() = %d after Close, want 0", n)
	}
}

func TestDivideByZeroFault(t *testing.T) {
	cat := NewCatalog()
	b := NewCodeBuilder()
	b.EmitArg(OpLoadLocal, TypeInt, 0)
	b.EmitArg(OpPushImm, TypeInt, 0)
	b.Emit(OpQuo, TypeInt)
	b.EmitArg(OpReturn, 0, 1)

	prog := newProgram(cat, nil, Function{Name: "div", Params: 1, Results: 1, Code: b.Code()})
	vm := mustVM(t, prog, Options{})
	defer vm.Close()

	_, err := vm.Run(context.Background(), Int(1))
	if !IsFault(err, DivideByZeroFault) {
		t.Errorf("1/0 error = %v, want DivideByZeroFault", err)
	}
}

func TestCallDepthLimit(t *testing.T) {
	cat := NewCatalog()
	b := NewCodeBuilder()
	b.EmitArg(OpCall, 0, 0)
	prog := newProgram(cat, nil, Function{Name: "forever", Code: b.Code()})
	vm := mustVM(t, prog, Options{MaxFrames: 64})
	defer vm.Close()

	if _, err := vm.Run(context.Background()); !IsFault(err, StackOverflowFault) {
		t.Errorf("unbounded recursion error = %v, want StackOverflowFault", err)
	}
}

func TestStackLimit(t *testing.T) {
	cat := NewCatalog()
	b := NewCodeBuilder()
	b.EmitArg(OpPushImm, TypeInt, 1)
	b.EmitArg(OpJump, 0, 0)
	prog := newProgram(cat, nil, Function{Name: "grow", Code: b.Code()})
	vm := mustVM(t, prog, Options{StackSize: 16, MaxStackSize: 64})
	defer vm.Close()

	th := vm.NewThread()
	if _, err := th.Run(context.Background(), 0, nil); !IsFault(err, StackOverflowFault) {
		t.Errorf("unbounded push error = %v, want StackOverflowFault", err)
	}
	if th.Stack().Len() != 0 {
		t.Errorf("stack holds %d slots after a fault", th.Stack().Len())
	}
}

func TestContextCancel(t *testing.T) {
	cat := NewCatalog()
	b := NewCodeBuilder()
	b.EmitArg(OpJump, 0, 0)
	prog := newProgram(cat, nil, Function{Name: "spin", Code: b.Code()})
	vm := mustVM(t, prog, Options{CheckInterval: 1})
	defer vm.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := vm.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Run() error = %v, want context.Canceled", err)
	}
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

func TestUnwindWithFloorAboveTop(t *testing.T) {
	cat := NewCatalog()
	vm := mustVM(t, newProgram(cat, nil, Function{Name: "main", Code: []Instruction{{Op: OpReturn}}}), Options{})
	defer vm.Close()

	th := vm.NewThread()
	defer th.Stack().Close()
	if err := th.Stack().Push(Int(7)); err != nil {
		t.Fatalf("Push: %v", err)
	}
	th.floor = 5

	cause := faultf(BoundsFault, "cause")
	if err := th.unwind(cause); err != cause {
		t.Errorf("unwind() = %v, want the original fault", err)
	}
	if n := th.Stack().Len(); n != 1 {
		t.Errorf("Len() = %d after a failed truncate, want 1", n)
	}
}

func TestValidate(t *testing.T) {
	cat := NewCatalog()
	ret := []Instruction{{Op: OpReturn}}
	tests := []struct {
		name string
		prog *Program
	}{
		{"version", &Program{Version: 2, Funcs: []Function{{Name: "f", Code: ret}}}},
		{"no functions", &Program{Version: ProgramVersion}},
		{"entry", &Program{Version: ProgramVersion, Entry: 1, Funcs: []Function{{Name: "f", Code: ret}}}},
		{"const type", newProgram(cat, []Const{{Type: TypeSlice}}, Function{Name: "f", Code: ret})},
		{"opcode", newProgram(cat, nil, Function{Name: "f", Code: []Instruction{{Op: 0x0F}}})},
		{"tag", newProgram(cat, nil, Function{Name: "f", Code: []Instruction{{Op: OpAdd, Type: 99}}})},
		{"const operand", newProgram(cat, nil, Function{Name: "f", Code: []Instruction{{Op: OpPushConst, Operand: 0}}})},
		{"slot operand", newProgram(cat, nil, Function{Name: "f", Code: []Instruction{{Op: OpLoadLocal, Operand: 1}}})},
		{"jump target", newProgram(cat, nil, Function{Name: "f", Code: []Instruction{{Op: OpJump, Operand: 5}}})},
		{"meta operand", newProgram(cat, nil, Function{Name: "f", Code: []Instruction{{Op: OpNew, Operand: 9999}}})},
		{"method name", newProgram(cat, []Const{ConstOf(Int(1))},
			Function{Name: "f", Code: []Instruction{{Op: OpCallMethod, Operand: PackOperand(0, 0)}}})},
		{"compound operator", newProgram(cat, nil,
			Function{Name: "f", Params: 1, Code: []Instruction{{Op: OpStoreLocalOp, Operand: PackOperand(0, uint8(OpEql))}}})},
		{"slice flags", newProgram(cat, nil, Function{Name: "f", Code: []Instruction{{Op: OpSliceExpr, Operand: 2}}})},
		{"self-containing struct", &Program{
			Version: ProgramVersion,
			Metas:   []Meta{{Kind: MetaStruct, Fields: []Field{{Name: "f", Type: 1}}}},
			Globals: []MetaID{1},
			Funcs:   []Function{{Name: "f", Code: ret}},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.prog.Validate(); err == nil {
				t.Error("Validate() accepted an invalid program")
			}
			if _, err := New(tt.prog, Options{}); err == nil {
				t.Error("New() accepted an invalid program")
			}
		})
	}

	ok := newProgram(cat, nil, Function{Name: "f", Code: []Instruction{
		{Op: OpIndex, Operand: 0},
		{Op: OpJump, Operand: 2},
	}})
	if err := ok.Validate(); err != nil {
		t.Errorf("Validate() = %v, want nil", err)
	}
}

func TestOptionsDefaults(t *testing.T) {
	got := Options{StackSize: 1 << 30, MaxStackSize: 128}.withDefaults()
	if got.StackSize != 128 {
		t.Errorf("StackSize = %d, want it clamped to 128", got.StackSize)
	}
	d := DefaultOptions()
	if got.MaxFrames != d.MaxFrames || got.CheckInterval != d.CheckInterval || got.Shards != d.Shards {
		t.Errorf("zero fields not defaulted: %+v", got)
	}
}
