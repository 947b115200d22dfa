package server

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/chazu/govm/progcache"
	"github.com/chazu/govm/vm"
	"github.com/chazu/govm/vm/wire"
	"github.com/google/go-cmp/cmp"
	"google.golang.org/grpc/codes"
)

// encode builds a single-function program and returns its wire encoding.
func encode(t *testing.T, name string, results int, consts []vm.Const, build func(*vm.CodeBuilder)) []byte {
	t.Helper()
	b := vm.NewCodeBuilder()
	build(b)
	prog := &vm.Program{
		Version: vm.ProgramVersion,
		Metas:   vm.NewCatalog().Metas(),
		Consts:  consts,
		Funcs:   []vm.Function{{Name: name, Results: results, Code: b.Code()}},
	}
	data, err := wire.Marshal(prog)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	return data
}

func addProgram(t *testing.T) []byte {
	return encode(t, "add", 1, []vm.Const{vm.ConstOf(vm.Int(3)), vm.ConstOf(vm.Int(4))}, func(b *vm.CodeBuilder) {
		b.EmitArg(vm.OpPushConst, vm.TypeInt, 0)
		b.EmitArg(vm.OpPushConst, vm.TypeInt, 1)
		b.Emit(vm.OpAdd, vm.TypeInt)
		b.EmitArg(vm.OpReturn, 0, 1)
	})
}

func faultProgram(t *testing.T) []byte {
	return encode(t, "div", 1, nil, func(b *vm.CodeBuilder) {
		b.EmitArg(vm.OpPushImm, vm.TypeInt, 1)
		b.EmitArg(vm.OpPushImm, vm.TypeInt, 0)
		b.Emit(vm.OpQuo, vm.TypeInt)
		b.EmitArg(vm.OpReturn, 0, 1)
	})
}

func spinProgram(t *testing.T) []byte {
	return encode(t, "spin", 0, nil, func(b *vm.CodeBuilder) {
		b.EmitArg(vm.OpJump, 0, 0)
	})
}

func newTestCache(t *testing.T) *progcache.Cache {
	t.Helper()
	c, err := progcache.Open(filepath.Join(t.TempDir(), "programs.db"))
	if err != nil {
		t.Fatalf("progcache.Open: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

// ---------------------------------------------------------------------------
// Running
// ---------------------------------------------------------------------------

func TestExecutorRun(t *testing.T) {
	exec := NewExecutor(NewPool(2))
	out, err := exec.Run(context.Background(), addProgram(t))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if diff := cmp.Diff([]any{int64(7)}, out); diff != "" {
		t.Errorf("Run() mismatch (-want +got):\n%s", diff)
	}
}

func TestExecutorErrors(t *testing.T) {
	tests := []struct {
		name string
		exec *Executor
		data func(*testing.T) []byte
		want codes.Code
	}{
		{"fault", NewExecutor(NewPool(1)), faultProgram, codes.Aborted},
		{"garbage", NewExecutor(NewPool(1)), func(*testing.T) []byte { return []byte("garbage") }, codes.InvalidArgument},
		{"too large", NewExecutor(NewPool(1), WithMaxProgramBytes(8)), addProgram, codes.ResourceExhausted},
		{
			"timeout",
			NewExecutor(NewPool(1), WithTimeout(20*time.Millisecond), WithVMOptions(vm.Options{CheckInterval: 1})),
			spinProgram,
			codes.DeadlineExceeded,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.exec.Run(context.Background(), tt.data(t))
			if err == nil {
				t.Fatal("Run succeeded")
			}
			if got := Code(err); got != tt.want {
				t.Errorf("Code(%v) = %v, want %v", err, got, tt.want)
			}
		})
	}
}

func TestExecutorFaultDetail(t *testing.T) {
	exec := NewExecutor(NewPool(1))
	_, err := exec.Run(context.Background(), faultProgram(t))
	if !vm.IsFault(err, vm.DivideByZeroFault) {
		t.Errorf("Run error = %v, want DivideByZeroFault", err)
	}
}

func TestExecutorCanceled(t *testing.T) {
	exec := NewExecutor(NewPool(1), WithVMOptions(vm.Options{CheckInterval: 1}))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := exec.Run(ctx, spinProgram(t))
	if got := Code(err); got != codes.Canceled {
		t.Errorf("Code(%v) = %v, want Canceled", err, got)
	}
}

// ---------------------------------------------------------------------------
// Stored programs
// ---------------------------------------------------------------------------

func TestExecutorUploadRunStored(t *testing.T) {
	exec := NewExecutor(NewPool(1), WithCache(newTestCache(t)))
	data := addProgram(t)

	hash, err := exec.Upload(data)
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if hash != wire.HashString(wire.Hash(data)) {
		t.Errorf("Upload() = %s, want content hash", hash)
	}
	out, err := exec.RunStored(context.Background(), hash)
	if err != nil {
		t.Fatalf("RunStored: %v", err)
	}
	if diff := cmp.Diff([]any{int64(7)}, out); diff != "" {
		t.Errorf("RunStored() mismatch (-want +got):\n%s", diff)
	}
}

func TestExecutorStoredErrors(t *testing.T) {
	exec := NewExecutor(NewPool(1), WithCache(newTestCache(t)))

	_, err := exec.RunStored(context.Background(), strings.Repeat("0", 64))
	if got := Code(err); got != codes.NotFound {
		t.Errorf("unknown hash: Code(%v) = %v, want NotFound", err, got)
	}
	_, err = exec.RunStored(context.Background(), "xyz")
	if got := Code(err); got != codes.InvalidArgument {
		t.Errorf("bad hash: Code(%v) = %v, want InvalidArgument", err, got)
	}
	_, err = exec.Upload([]byte("garbage"))
	if got := Code(err); got != codes.InvalidArgument {
		t.Errorf("bad upload: Code(%v) = %v, want InvalidArgument", err, got)
	}
}

func TestExecutorWithoutCache(t *testing.T) {
	exec := NewExecutor(NewPool(1))
	if _, err := exec.Upload(addProgram(t)); err == nil {
		t.Error("Upload without a cache succeeded")
	}
	if _, err := exec.RunStored(context.Background(), strings.Repeat("0", 64)); err == nil {
		t.Error("RunStored without a cache succeeded")
	}
}

// ---------------------------------------------------------------------------
// Error codes and result conversion
// ---------------------------------------------------------------------------

func TestCode(t *testing.T) {
	tests := []struct {
		err  error
		want codes.Code
	}{
		{nil, codes.OK},
		{&vm.Fault{Kind: vm.BoundsFault}, codes.Aborted},
		{fmt.Errorf("run: %w", &vm.Fault{Kind: vm.NilDereferenceFault}), codes.Aborted},
		{context.DeadlineExceeded, codes.DeadlineExceeded},
		{context.Canceled, codes.Canceled},
		{progcache.ErrNotFound, codes.NotFound},
		{ErrTooLarge, codes.ResourceExhausted},
		{wire.ErrBadMagic, codes.InvalidArgument},
		{wire.ErrVersion, codes.InvalidArgument},
		{errors.New("other"), codes.Internal},
	}
	for _, tt := range tests {
		if got := Code(tt.err); got != tt.want {
			t.Errorf("Code(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestToList(t *testing.T) {
	list, err := toList([]any{
		int64(1),
		"s",
		complex(1, 2),
		[]any{complex(0, 1)},
		map[string]any{"k": true},
		nil,
	})
	if err != nil {
		t.Fatalf("toList: %v", err)
	}
	got := list.AsSlice()
	want := []any{
		float64(1),
		"s",
		"(1+2i)",
		[]any{"(0+1i)"},
		map[string]any{"k": true},
		nil,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("toList() mismatch (-want +got):\n%s", diff)
	}
}
