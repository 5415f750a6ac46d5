package executor

import (
	"sync"
	"time"
)

// Timer waits for an absolute deadline and delivers its callback on the
// executor loop. A timer may be re-armed while a wait is pending; the most
// recent SetTimeout/AsyncWait pair wins and the superseded callback is
// delivered with ErrCancelled. Callbacks never fire before their deadline.
type Timer struct {
	exec *Executor

	mu       sync.Mutex
	deadline time.Time
	gen      uint64
	pending  func(error)
	timer    *time.Timer
}

// NewTimer creates a timer bound to the executor.
func NewTimer(e *Executor) *Timer {
	return &Timer{exec: e}
}

// SetTimeout sets the absolute deadline for the next AsyncWait.
func (t *Timer) SetTimeout(deadline time.Time) {
	t.mu.Lock()
	t.deadline = deadline
	t.mu.Unlock()
}

// Timeout returns the deadline set by the last SetTimeout.
func (t *Timer) Timeout() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.deadline
}

// AsyncWait arms the timer for the current deadline. A still-pending earlier
// wait is cancelled: its callback fires on the loop with ErrCancelled.
func (t *Timer) AsyncWait(cb func(error)) {
	t.mu.Lock()
	t.gen++
	gen := t.gen
	if prev := t.pending; prev != nil {
		t.exec.PostOK(func() { prev(ErrCancelled) })
	}
	t.pending = cb
	if t.timer != nil {
		t.timer.Stop()
	}
	d := time.Until(t.deadline)
	if d < 0 {
		d = 0
	}
	t.timer = time.AfterFunc(d, func() { t.fire(gen) })
	t.mu.Unlock()
}

func (t *Timer) fire(gen uint64) {
	t.exec.PostOK(func() {
		t.mu.Lock()
		if gen != t.gen || t.pending == nil {
			t.mu.Unlock()
			return
		}
		cb := t.pending
		t.pending = nil
		t.mu.Unlock()
		cb(nil)
	})
}

// Stop cancels any pending wait; the callback fires with ErrCancelled.
func (t *Timer) Stop() {
	t.mu.Lock()
	t.gen++
	if t.timer != nil {
		t.timer.Stop()
	}
	if prev := t.pending; prev != nil {
		t.pending = nil
		t.exec.PostOK(func() { prev(ErrCancelled) })
	}
	t.mu.Unlock()
}
