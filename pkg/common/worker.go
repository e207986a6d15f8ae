package common

import (
	"errors"
	"sync"
	"time"
)

// Errors that may occur when sending tasks to a worker.
var (
	ErrWorkerClosed  = errors.New("worker is closed")
	ErrWorkerTooBusy = errors.New("worker is already overloaded")
)

// Configuration for the worker.
type WorkerConfig[T any] struct {
	// The size of the bounded channel.
	ChannelSize int
	// Timeout after which `OnTimeout` is called if no task arrived.
	Timeout time.Duration
	// A closure that is called once `Timeout` is reached.
	OnTimeout func()
	// A closure that is executed upon reception of a task.
	OnTask func(T)
}

// Worker is a single goroutine that processes tasks from a bounded queue.
// We need to wrap the channel in a struct so that we can close it from the
// outside and check by the sender if the channel is closed.
type Worker[T any] struct {
	channel chan<- T
	mutex   sync.Mutex
	closed  bool
}

// Stop the worker unless already stopped.
func (c *Worker[T]) Stop() {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if !c.closed {
		close(c.channel)
		c.closed = true
	}
}

// Send a task to the worker. Fails with `ErrWorkerTooBusy` instead of blocking
// when the queue is full, and with `ErrWorkerClosed` after `Stop`.
func (c *Worker[T]) Send(task T) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if !c.closed {
		select {
		case c.channel <- task:
			return nil
		default:
			return ErrWorkerTooBusy
		}
	}

	return ErrWorkerClosed
}

// Starts a worker that executes `c.OnTask` for each incoming task and
// `c.OnTimeout` whenever no task has been received for `c.Timeout`. The worker
// stops once the channel is closed, i.e. once the user calls `Stop`.
func StartWorker[T any](c WorkerConfig[T]) *Worker[T] {
	incoming := make(chan T, c.ChannelSize)

	go func() {
		for {
			select {
			case task, ok := <-incoming:
				if !ok {
					return
				}
				c.OnTask(task)
			case <-time.After(c.Timeout):
				c.OnTimeout()
			}
		}
	}()

	return &Worker[T]{incoming, sync.Mutex{}, false}
}
