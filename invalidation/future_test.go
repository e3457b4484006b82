package invalidation

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// recordingExecutor queues tasks so the test controls when they run
type recordingExecutor struct {
	lock  sync.Mutex
	tasks []func()
}

func (e *recordingExecutor) Submit(task func()) error {
	e.lock.Lock()
	defer e.lock.Unlock()
	e.tasks = append(e.tasks, task)
	return nil
}

func (e *recordingExecutor) runAll() int {
	e.lock.Lock()
	tasks := e.tasks
	e.tasks = nil
	e.lock.Unlock()
	for _, task := range tasks {
		task()
	}
	return len(tasks)
}

// failingExecutor rejects every task
type failingExecutor struct{}

func (failingExecutor) Submit(task func()) error {
	return fmt.Errorf("rejected")
}

func TestFutureCompletion(t *testing.T) {
	assert := assert.New(t)

	exec := &recordingExecutor{}

	// Case 1: callbacks are never run inline
	{
		uut := NewFuture(exec)
		called := 0
		uut.OnComplete(func(value int64, err error) {
			assert.Equal(int64(4), value)
			called++
		})
		assert.True(uut.Complete(4))
		assert.Equal(0, called)
		assert.Equal(1, exec.runAll())
		assert.Equal(1, called)
	}

	// Case 2: only the first completion counts
	{
		uut := NewFuture(exec)
		assert.True(uut.Complete(1))
		assert.False(uut.Complete(2))
		assert.False(uut.Fail(fmt.Errorf("dummy error")))
		ctxt, cancel := context.WithTimeout(context.Background(), time.Second)
		value, err := uut.Wait(ctxt)
		cancel()
		assert.Nil(err)
		assert.Equal(int64(1), value)
	}

	// Case 3: callback registered after completion is still scheduled
	{
		uut := CompletedFuture(exec, 9)
		called := 0
		uut.OnComplete(func(value int64, err error) {
			assert.Equal(int64(9), value)
			called++
		})
		assert.Equal(0, called)
		assert.Equal(1, exec.runAll())
		assert.Equal(1, called)
	}

	// Case 4: failure is passed through
	{
		uut := NewFuture(exec)
		var seen error
		uut.OnComplete(func(value int64, err error) {
			seen = err
		})
		assert.True(uut.Fail(fmt.Errorf("dummy error")))
		exec.runAll()
		assert.NotNil(seen)
		ctxt, cancel := context.WithTimeout(context.Background(), time.Second)
		_, err := uut.Wait(ctxt)
		cancel()
		assert.NotNil(err)
	}

	// Case 5: wait expires
	{
		uut := NewFuture(exec)
		ctxt, cancel := context.WithTimeout(context.Background(), time.Millisecond*20)
		_, err := uut.Wait(ctxt)
		cancel()
		assert.NotNil(err)
	}

	// Case 6: rejected submission falls back to a goroutine
	{
		uut := NewFuture(failingExecutor{})
		done := make(chan int64, 1)
		uut.OnComplete(func(value int64, err error) {
			done <- value
		})
		uut.Complete(5)
		select {
		case v := <-done:
			assert.Equal(int64(5), v)
		case <-time.After(time.Second):
			assert.Fail("callback never ran")
		}
	}
}
