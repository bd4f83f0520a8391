package agent

import (
	"context"
	"runtime"
	"sync"

	"github.com/billm/simpilot/pkg/types"
)

// Executor serializes work onto one goroutine locked to its OS thread.
// UI automation calls are funneled through it so they never run
// concurrently, whichever connection asked for them.
type Executor struct {
	tasks    chan func()
	stopped  chan struct{}
	stopOnce sync.Once
}

// NewExecutor creates an executor. Work only runs once Run is called.
func NewExecutor() *Executor {
	return &Executor{
		tasks:   make(chan func()),
		stopped: make(chan struct{}),
	}
}

// Run processes submitted work on the calling goroutine until Stop.
// The worker binary calls it from main so automation runs on the main thread.
func (e *Executor) Run() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	for {
		select {
		case task := <-e.tasks:
			task()
		case <-e.stopped:
			return
		}
	}
}

// Do runs fn on the executor and blocks until it returns.
// Once fn has been handed over it always runs to completion; ctx only
// bounds the wait for the executor to become free.
func (e *Executor) Do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	task := func() {
		defer close(done)
		fn()
	}

	select {
	case e.tasks <- task:
	case <-e.stopped:
		return types.NewError(types.ErrCodeUnavailable, "executor is stopped")
	case <-ctx.Done():
		return types.WrapError(types.ErrCodeTimeout, "timed out waiting for executor", ctx.Err())
	}

	<-done
	return nil
}

// Stop ends Run. Work already running finishes first.
func (e *Executor) Stop() {
	e.stopOnce.Do(func() {
		close(e.stopped)
	})
}
