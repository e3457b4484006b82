package invalidation

import (
	"fmt"
	"sync"
)

// watcher is a pending wait on a WatchableValue
type watcher struct {
	minValue int64
	future   *Future
}

// WatchableValue is a monotonically increasing position which can be waited on
//
// Callers are expected to only ever move the value forward.
type WatchableValue struct {
	executor Executor
	lock     sync.Mutex
	value    int64
	watchers []watcher
}

// NewWatchableValue define a new WatchableValue
func NewWatchableValue(executor Executor, initial int64) *WatchableValue {
	return &WatchableValue{executor: executor, value: initial, watchers: []watcher{}}
}

// SetValue update the value, and complete every waiter whose threshold is met
func (v *WatchableValue) SetValue(newValue int64) {
	v.lock.Lock()
	defer v.lock.Unlock()
	v.setValueLocked(newValue)
}

// Increment atomically move the value forward by one, returning the new value
func (v *WatchableValue) Increment() int64 {
	v.lock.Lock()
	defer v.lock.Unlock()
	next := v.value + 1
	v.setValueLocked(next)
	return next
}

// Advance move the value forward to newValue. Values not above the current
// one are ignored. Returns whether the value moved.
func (v *WatchableValue) Advance(newValue int64) bool {
	v.lock.Lock()
	defer v.lock.Unlock()
	if newValue <= v.value {
		return false
	}
	v.setValueLocked(newValue)
	return true
}

// setValueLocked caller must hold the lock
func (v *WatchableValue) setValueLocked(newValue int64) {
	v.value = newValue
	remaining := v.watchers[:0]
	for _, w := range v.watchers {
		if w.minValue <= newValue {
			w.future.Complete(newValue)
		} else {
			remaining = append(remaining, w)
		}
	}
	// Drop references to completed futures held past the new length
	for idx := len(remaining); idx < len(v.watchers); idx++ {
		v.watchers[idx] = watcher{}
	}
	v.watchers = remaining
}

// WaitForMin get a Future which completes once the value is at least minValue
func (v *WatchableValue) WaitForMin(minValue int64) *Future {
	v.lock.Lock()
	defer v.lock.Unlock()
	future := NewFuture(v.executor)
	if minValue <= v.value {
		future.Complete(v.value)
	} else {
		v.watchers = append(v.watchers, watcher{minValue: minValue, future: future})
	}
	return future
}

// Value read the current value
func (v *WatchableValue) Value() int64 {
	v.lock.Lock()
	defer v.lock.Unlock()
	return v.value
}

// pendingWaiters number of waiters not yet signaled
func (v *WatchableValue) pendingWaiters() int {
	v.lock.Lock()
	defer v.lock.Unlock()
	return len(v.watchers)
}

// String toString function
func (v *WatchableValue) String() string {
	return fmt.Sprintf("WatchableValue[=%d]", v.Value())
}
