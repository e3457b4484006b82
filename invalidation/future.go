package invalidation

import (
	"context"
	"sync"
)

// Executor runs continuation callbacks
type Executor interface {
	// Submit schedule a task for execution
	Submit(task func()) error
}

// CompletionCB callback invoked once a Future is completed
type CompletionCB func(value int64, err error)

// Future is a single assignment completion cell holding a position. Callbacks
// registered on the Future are dispatched to the Executor once it completes,
// never inline with the completing caller.
type Future struct {
	executor  Executor
	lock      sync.Mutex
	completed bool
	value     int64
	err       error
	callbacks []CompletionCB
	done      chan struct{}
}

// NewFuture define a new pending Future
func NewFuture(executor Executor) *Future {
	return &Future{
		executor:  executor,
		completed: false,
		callbacks: []CompletionCB{},
		done:      make(chan struct{}),
	}
}

// CompletedFuture define a Future which is already completed with a value
func CompletedFuture(executor Executor, value int64) *Future {
	f := NewFuture(executor)
	f.Complete(value)
	return f
}

// Complete complete the Future with a value. Returns false if the Future was
// already completed.
func (f *Future) Complete(value int64) bool {
	return f.settle(value, nil)
}

// Fail complete the Future with an error. Returns false if the Future was
// already completed.
func (f *Future) Fail(err error) bool {
	return f.settle(0, err)
}

func (f *Future) settle(value int64, err error) bool {
	f.lock.Lock()
	if f.completed {
		f.lock.Unlock()
		return false
	}
	f.completed = true
	f.value = value
	f.err = err
	callbacks := f.callbacks
	f.callbacks = nil
	close(f.done)
	f.lock.Unlock()
	for _, cb := range callbacks {
		f.dispatch(cb, value, err)
	}
	return true
}

// OnComplete register a callback to run once the Future completes. If the
// Future is already complete, the callback is scheduled right away.
func (f *Future) OnComplete(cb CompletionCB) {
	f.lock.Lock()
	if !f.completed {
		f.callbacks = append(f.callbacks, cb)
		f.lock.Unlock()
		return
	}
	value, err := f.value, f.err
	f.lock.Unlock()
	f.dispatch(cb, value, err)
}

func (f *Future) dispatch(cb CompletionCB, value int64, err error) {
	if f.executor == nil {
		go cb(value, err)
		return
	}
	if submitErr := f.executor.Submit(func() { cb(value, err) }); submitErr != nil {
		go cb(value, err)
	}
}

// Done channel which is closed once the Future completes
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// IsDone whether the Future has completed
func (f *Future) IsDone() bool {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.completed
}

// Wait block until the Future completes, or the context expires
func (f *Future) Wait(ctx context.Context) (int64, error) {
	select {
	case <-f.done:
		f.lock.Lock()
		defer f.lock.Unlock()
		return f.value, f.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}
