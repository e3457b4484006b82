package ddp

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/alwitt/ddpserver/common"
)

// recordingConnection a Connection which keeps every frame sent
type recordingConnection struct {
	lock   sync.Mutex
	frames []map[string]interface{}
	closed bool
}

func (c *recordingConnection) Send(frame []byte) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.closed {
		return fmt.Errorf("connection closed")
	}
	var msg map[string]interface{}
	if err := json.Unmarshal(frame, &msg); err != nil {
		return err
	}
	c.frames = append(c.frames, msg)
	return nil
}

func (c *recordingConnection) Close() error {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.closed = true
	return nil
}

func (c *recordingConnection) isClosed() bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.closed
}

func (c *recordingConnection) sent() []map[string]interface{} {
	c.lock.Lock()
	defer c.lock.Unlock()
	result := make([]map[string]interface{}, len(c.frames))
	copy(result, c.frames)
	return result
}

// indexOf position of the first frame matching msg type and, if set, id
func (c *recordingConnection) indexOf(msgType string, match func(map[string]interface{}) bool) int {
	for idx, frame := range c.sent() {
		if frame["msg"] == msgType && (match == nil || match(frame)) {
			return idx
		}
	}
	return -1
}

// waitFor poll until the condition holds, or the timeout expires
func waitFor(timeout time.Duration, condition func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return true
		}
		time.Sleep(time.Millisecond * 5)
	}
	return condition()
}

func withID(id string) func(map[string]interface{}) bool {
	return func(frame map[string]interface{}) bool {
		return frame["id"] == id
	}
}

func newTestPool() common.WorkerPool {
	pool, err := common.GetNewWorkerPoolInstance("testing", 8)
	if err != nil {
		panic(err)
	}
	return pool
}
