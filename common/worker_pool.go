package common

import (
	"errors"
	"fmt"
	"time"

	"github.com/apex/log"
	"github.com/panjf2000/ants/v2"
)

// WorkerPool shared pool of workers for running short lived continuations
type WorkerPool interface {
	// Submit schedule a task for execution. Tasks never wait for a free worker;
	// when the pool is saturated the task runs on a dedicated goroutine.
	Submit(task func()) error
	// Running number of workers currently running tasks
	Running() int
	// Release stop the pool, waiting up to timeout for running tasks to finish
	Release(timeout time.Duration) error
}

// workerPoolImpl implements WorkerPool
type workerPoolImpl struct {
	Component
	pool *ants.Pool
}

// GetNewWorkerPoolInstance get instance of WorkerPool
func GetNewWorkerPoolInstance(name string, size int) (WorkerPool, error) {
	logTags := log.Fields{
		"module": "common", "component": "worker-pool", "instance": name,
	}
	if size < 1 {
		return nil, fmt.Errorf("worker pool %s size must be at least 1", name)
	}
	pool, err := ants.NewPool(
		size,
		ants.WithNonblocking(true),
		ants.WithPanicHandler(func(v interface{}) {
			log.WithFields(logTags).Errorf("Task panic: %v", v)
		}),
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define worker pool")
		return nil, err
	}
	return &workerPoolImpl{Component: Component{LogTags: logTags}, pool: pool}, nil
}

// Submit schedule a task for execution
func (p *workerPoolImpl) Submit(task func()) error {
	err := p.pool.Submit(task)
	if err == nil {
		return nil
	}
	if errors.Is(err, ants.ErrPoolOverload) {
		// Saturated pool. The task must still run, or waiters chained on it
		// would never be woken.
		log.WithFields(p.LogTags).Debug("Pool saturated, running task on new goroutine")
		go task()
		return nil
	}
	log.WithError(err).WithFields(p.LogTags).Error("Unable to submit task")
	return err
}

// Running number of workers currently running tasks
func (p *workerPoolImpl) Running() int {
	return p.pool.Running()
}

// Release stop the pool
func (p *workerPoolImpl) Release(timeout time.Duration) error {
	return p.pool.ReleaseTimeout(timeout)
}
