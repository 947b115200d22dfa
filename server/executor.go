package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chazu/govm/progcache"
	"github.com/chazu/govm/vm"
	"github.com/chazu/govm/vm/wire"
	"github.com/google/uuid"
	"github.com/tliron/commonlog"
	"google.golang.org/grpc/codes"
	"google.golang.org/protobuf/types/known/structpb"
)

var log = commonlog.GetLogger("govm.server")

// ErrTooLarge is returned for programs above the configured size limit.
var ErrTooLarge = errors.New("program exceeds size limit")

// Executor runs encoded programs. It is the transport-independent core of
// the service; the gRPC and Connect layers translate its errors with Code.
type Executor struct {
	pool     *Pool
	cache    *progcache.Cache
	opts     vm.Options
	maxBytes int
	timeout  time.Duration
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithCache enables Upload and RunStored.
func WithCache(c *progcache.Cache) ExecutorOption {
	return func(e *Executor) { e.cache = c }
}

// WithVMOptions sets the options every run's VM is created with.
func WithVMOptions(opts vm.Options) ExecutorOption {
	return func(e *Executor) { e.opts = opts }
}

// WithMaxProgramBytes limits the size of accepted programs.
func WithMaxProgramBytes(n int) ExecutorOption {
	return func(e *Executor) { e.maxBytes = n }
}

// WithTimeout bounds each run.
func WithTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) { e.timeout = d }
}

// NewExecutor creates an executor running on pool.
func NewExecutor(pool *Pool, opts ...ExecutorOption) *Executor {
	e := &Executor{pool: pool}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// decode checks the size limit and decodes a program.
func (e *Executor) decode(data []byte) (*vm.Program, error) {
	if e.maxBytes > 0 && len(data) > e.maxBytes {
		return nil, fmt.Errorf("%w: %d bytes, limit %d", ErrTooLarge, len(data), e.maxBytes)
	}
	prog, err := wire.Unmarshal(data)
	if err != nil {
		return nil, &decodeError{err}
	}
	return prog, nil
}

// Run decodes and runs a program, returning its exported results.
func (e *Executor) Run(ctx context.Context, data []byte) ([]any, error) {
	prog, err := e.decode(data)
	if err != nil {
		return nil, err
	}
	return e.run(ctx, prog)
}

// Upload stores a program in the cache and returns its hash.
func (e *Executor) Upload(data []byte) (string, error) {
	if e.cache == nil {
		return "", errors.New("program cache is not configured")
	}
	if _, err := e.decode(data); err != nil {
		return "", err
	}
	h, err := e.cache.Put(data)
	if err != nil {
		return "", err
	}
	return wire.HashString(h), nil
}

// RunStored runs a cached program.
func (e *Executor) RunStored(ctx context.Context, hash string) ([]any, error) {
	if e.cache == nil {
		return nil, errors.New("program cache is not configured")
	}
	h, err := wire.ParseHash(hash)
	if err != nil {
		return nil, &decodeError{err}
	}
	prog, err := e.cache.Get(h)
	if err != nil {
		return nil, err
	}
	return e.run(ctx, prog)
}

func (e *Executor) run(ctx context.Context, prog *vm.Program) ([]any, error) {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}
	id := uuid.New()
	var out []any
	err := e.pool.Do(ctx, func(ctx context.Context) error {
		machine, err := vm.New(prog, e.opts)
		if err != nil {
			return err
		}
		defer machine.Close()

		start := time.Now()
		results, err := machine.Run(ctx)
		if err != nil {
			return err
		}
		defer machine.Release(results...)
		out, err = machine.Store().ExportAll(results)
		log.Debugf("run %s: %s finished in %s", id, prog.Funcs[prog.Entry].Name, time.Since(start))
		return err
	})
	if err != nil {
		log.Infof("run %s: %v", id, err)
		return nil, err
	}
	return out, nil
}

// Code classifies an executor error as a gRPC status code.
func Code(err error) codes.Code {
	var fault *vm.Fault
	switch {
	case err == nil:
		return codes.OK
	case isDecodeError(err), errors.Is(err, wire.ErrBadMagic), errors.Is(err, wire.ErrVersion):
		return codes.InvalidArgument
	case errors.As(err, &fault):
		return codes.Aborted
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	case errors.Is(err, progcache.ErrNotFound):
		return codes.NotFound
	case errors.Is(err, ErrTooLarge):
		return codes.ResourceExhausted
	}
	return codes.Internal
}

// decodeError marks malformed client input.
type decodeError struct{ err error }

func (e *decodeError) Error() string { return e.err.Error() }
func (e *decodeError) Unwrap() error { return e.err }

func isDecodeError(err error) bool {
	var d *decodeError
	return errors.As(err, &d)
}

// toList converts exported results to a protobuf list. Complex numbers,
// which JSON cannot carry, are rendered as strings.
func toList(vals []any) (*structpb.ListValue, error) {
	clean := make([]any, len(vals))
	for i, v := range vals {
		clean[i] = plain(v)
	}
	return structpb.NewList(clean)
}

func plain(v any) any {
	switch x := v.(type) {
	case complex128:
		return fmt.Sprint(x)
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = plain(e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = plain(e)
		}
		return out
	}
	return v
}
