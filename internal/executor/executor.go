// Package executor provides a single-threaded cooperative event loop with
// posted tasks and absolute-deadline timers. One goroutine runs the loop;
// tasks and timer callbacks all execute there, so loop-owned state needs no
// further locking.
package executor

import (
	"errors"
	"sync"
)

// ErrCancelled is delivered to a timer callback whose wait was superseded by
// a re-arm.
var ErrCancelled = errors.New("timer wait cancelled")

const taskQueueDepth = 1024

// Executor is the event loop. Tasks posted from one goroutine are observed
// in post order.
type Executor struct {
	tasks    chan func()
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// New creates an executor. Call Run on a dedicated goroutine.
func New() *Executor {
	return &Executor{
		tasks: make(chan func(), taskQueueDepth),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
}

// Run executes posted tasks until Stop is called, then drains the pending
// queue and returns.
func (e *Executor) Run() {
	defer close(e.done)
	for {
		select {
		case task := <-e.tasks:
			task()
		case <-e.stop:
			for {
				select {
				case task := <-e.tasks:
					task()
				default:
					return
				}
			}
		}
	}
}

// PostOK enqueues a task to run on the loop goroutine. Safe from any
// goroutine, including the loop itself.
func (e *Executor) PostOK(task func()) {
	select {
	case e.tasks <- task:
	case <-e.stop:
		// Loop is stopping; the task is dropped with the shutdown.
	}
}

// Stop asks the loop to drain and return. Blocks until Run has returned.
func (e *Executor) Stop() {
	e.stopOnce.Do(func() { close(e.stop) })
	<-e.done
}
