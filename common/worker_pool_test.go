package common

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

func TestWorkerPool(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	// Case 0: invalid size
	{
		_, err := GetNewWorkerPoolInstance("testing", 0)
		assert.NotNil(err)
	}

	uut, err := GetNewWorkerPoolInstance("testing", 2)
	assert.Nil(err)
	defer func() {
		assert.Nil(uut.Release(time.Second))
	}()

	// Case 1: run tasks
	{
		var count int32
		testWG := sync.WaitGroup{}
		testWG.Add(4)
		for idx := 0; idx < 4; idx++ {
			assert.Nil(uut.Submit(func() {
				atomic.AddInt32(&count, 1)
				testWG.Done()
			}))
		}
		testWG.Wait()
		assert.Equal(int32(4), atomic.LoadInt32(&count))
	}

	// Case 2: saturated pool still runs every task
	{
		block := make(chan struct{})
		testWG := sync.WaitGroup{}
		testWG.Add(6)
		for idx := 0; idx < 6; idx++ {
			assert.Nil(uut.Submit(func() {
				<-block
				testWG.Done()
			}))
		}
		close(block)
		testWG.Wait()
	}

	// Case 3: panic in a task does not kill the pool
	{
		assert.Nil(uut.Submit(func() { panic("dummy") }))
		done := make(chan struct{})
		assert.Nil(uut.Submit(func() { close(done) }))
		select {
		case <-done:
		case <-time.After(time.Second):
			assert.Fail("task never ran")
		}
	}
}
