package server

import (
	"context"
	"fmt"
	"runtime/debug"

	"golang.org/x/sync/semaphore"
)

// Pool bounds how many VM runs execute at once. Each run gets its own
// thread, so runs need no further serialization; the pool only caps load
// and turns panics into errors.
type Pool struct {
	sem  *semaphore.Weighted
	size int
}

// NewPool creates a pool admitting size concurrent runs.
func NewPool(size int) *Pool {
	if size <= 0 {
		size = 1
	}
	return &Pool{sem: semaphore.NewWeighted(int64(size)), size: size}
}

// Size returns the concurrency limit.
func (p *Pool) Size() int { return p.size }

// Do waits for a free slot and runs fn, recovering from panics. It returns
// ctx's error if the context ends before a slot frees up.
func (p *Pool) Do(ctx context.Context, fn func(context.Context) error) (err error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer p.sem.Release(1)
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("run panicked: %v\n%s", r, debug.Stack())
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx)
}
