package common

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIntervalTimerOneShot(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	uut, err := GetIntervalTimerInstance("testing", ctxt, &wg)
	assert.Nil(err)

	var value int32
	callback := func() error {
		atomic.AddInt32(&value, 1)
		return nil
	}

	// Case 1: fire once
	{
		assert.Nil(uut.Start(time.Millisecond*100, callback, true))
		time.Sleep(time.Millisecond * 150)
		assert.Equal(int32(1), atomic.LoadInt32(&value))
		time.Sleep(time.Millisecond * 100)
		assert.Equal(int32(1), atomic.LoadInt32(&value))
	}

	// Case 2: restart after the one shot completed
	{
		assert.Nil(uut.Start(time.Millisecond*50, callback, true))
		time.Sleep(time.Millisecond * 80)
		assert.Equal(int32(2), atomic.LoadInt32(&value))
	}
}

func TestIntervalTimerPeriodic(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	uut, err := GetIntervalTimerInstance("testing", ctxt, &wg)
	assert.Nil(err)

	var value int32
	callback := func() error {
		atomic.AddInt32(&value, 1)
		return nil
	}

	// Case 1: periodic fire
	{
		assert.Nil(uut.Start(time.Millisecond*20, callback, false))
		time.Sleep(time.Millisecond * 110)
		assert.GreaterOrEqual(atomic.LoadInt32(&value), int32(3))
	}

	// Case 2: can not start twice
	{
		assert.NotNil(uut.Start(time.Millisecond*20, callback, false))
	}

	// Case 3: stop
	{
		assert.Nil(uut.Stop())
		time.Sleep(time.Millisecond * 30)
		snapshot := atomic.LoadInt32(&value)
		time.Sleep(time.Millisecond * 60)
		assert.Equal(snapshot, atomic.LoadInt32(&value))
	}
}
