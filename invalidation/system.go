package invalidation

import (
	"sync"

	"github.com/alwitt/ddpserver/common"
	"github.com/apex/log"
)

// System tracks a position per invalidation key. Every change to the data
// behind a key moves its position forward by exactly one.
type System interface {
	// GetPosition read the current position of a key
	GetPosition(key string) int64
	// NotifyChange record a change for a key, returning the new position
	NotifyChange(key string) int64
	// WaitForPosition get a Future which completes once a key reaches minPosition
	WaitForPosition(key string, minPosition int64) *Future
}

// InMemorySystem is a single process System
type InMemorySystem struct {
	common.Component
	executor  Executor
	lock      sync.Mutex
	positions map[string]*WatchableValue
}

// NewInMemorySystem define a new InMemorySystem
func NewInMemorySystem(executor Executor) *InMemorySystem {
	logTags := log.Fields{"module": "invalidation", "component": "in-memory"}
	return &InMemorySystem{
		Component: common.Component{LogTags: logTags},
		executor:  executor,
		positions: make(map[string]*WatchableValue),
	}
}

// getWatchable fetch the position of a key, defining it if needed
func (s *InMemorySystem) getWatchable(key string) *WatchableValue {
	s.lock.Lock()
	defer s.lock.Unlock()
	position, ok := s.positions[key]
	if !ok {
		position = NewWatchableValue(s.executor, 0)
		s.positions[key] = position
	}
	return position
}

// GetPosition read the current position of a key
func (s *InMemorySystem) GetPosition(key string) int64 {
	return s.getWatchable(key).Value()
}

// NotifyChange record a change for a key, returning the new position
func (s *InMemorySystem) NotifyChange(key string) int64 {
	next := s.getWatchable(key).Increment()
	log.WithFields(s.LogTags).Debugf("Notify change: %s=%d", key, next)
	return next
}

// WaitForPosition get a Future which completes once a key reaches minPosition
func (s *InMemorySystem) WaitForPosition(key string, minPosition int64) *Future {
	return s.getWatchable(key).WaitForMin(minPosition)
}

// Keys number of keys tracked
func (s *InMemorySystem) Keys() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return len(s.positions)
}
