package sched

import (
	"runtime"
	"time"

	"github.com/anillo-os/kernel-core/internal/errkind"
	"github.com/anillo-os/kernel-core/internal/pit"
	"github.com/anillo-os/kernel-core/waitqueue"
)

// timeoutTimer wraps the pit.Timer each Thread is created with. SuspendTimeout
// and WaitTimeout do not use it (they time out with time.After), and nothing
// in this package calls arm or disarm; the timer is only closed when the
// thread dies.
type timeoutTimer struct {
	t pit.Timer
}

func (tt *timeoutTimer) arm(d time.Duration, cb func()) {
	if tt == nil || tt.t == nil {
		return
	}
	_ = tt.t.Arm(d, cb)
}

func (tt *timeoutTimer) disarm() {
	if tt == nil || tt.t == nil {
		return
	}
	_ = tt.t.Disarm()
}

// checkpoint is the single cooperative scheduling point every blocking
// primitive passes through. It delivers pending signals, honors a pending
// kill, and parks the goroutine if another thread called Suspend, matching
// §4.1/§4.2's "suspend/kill take effect at the next scheduling point" model.
func (t *Thread) checkpoint() {
	t.deliverPending(time.Time{})

	t.mu.Lock()
	killPending := t.flags&FlagPendingDeath != 0
	t.mu.Unlock()
	if killPending {
		t.mu.Lock()
		if t.exit.Cause == nil {
			t.exit = ExitInfo{Cause: errkind.New(errkind.Aborted, "sched.kill")}
		}
		t.mu.Unlock()
		runtime.Goexit()
	}

	t.mu.Lock()
	suspendPending := t.flags&FlagPendingSuspend != 0
	t.mu.Unlock()
	if suspendPending {
		t.parkSelf()
	}
}

// parkSelf performs the actual suspend transition: replace the park gate,
// mark Suspended, notify suspension-WQ watchers, then block until Resume
// opens the new gate.
func (t *Thread) parkSelf() {
	t.parkMu.Lock()
	gate := newParkGate()
	t.park = gate
	t.parkMu.Unlock()

	t.mu.Lock()
	t.state = StateSuspended
	t.flags &^= FlagPendingSuspend
	t.mu.Unlock()

	t.suspension.WakeMany(1 << 30)

	<-gate.ch

	t.mu.Lock()
	if t.state == StateSuspended {
		t.state = StateRunning
	}
	t.mu.Unlock()
}

// Resume transitions a suspended (or not-yet-started) thread to running
// (§4.2 "resume"). Resuming a dead thread is a permanent failure; resuming
// an already-running one reports in-progress rather than silently
// succeeding, so callers can distinguish "I raced another resumer" from
// "this just worked".
func (m *Manager) Resume(t *Thread) error {
	t.mu.Lock()
	switch t.state {
	case StateDead:
		t.mu.Unlock()
		return errkind.New(errkind.PermanentOutage, "sched.resume")
	case StateRunning:
		t.mu.Unlock()
		return errkind.New(errkind.AlreadyInProgress, "sched.resume")
	}
	t.state = StateRunning
	t.mu.Unlock()

	t.parkMu.Lock()
	gate := t.park
	t.parkMu.Unlock()
	gate.open()
	return nil
}

// Suspend requests that t stop running at its next checkpoint. If wait is
// true, Suspend blocks until t has actually parked (observed via t's
// suspension WQ), mirroring §4.2's synchronous suspend variant.
func (m *Manager) Suspend(t *Thread, wait bool) error {
	t.mu.Lock()
	if t.state == StateDead {
		t.mu.Unlock()
		return errkind.New(errkind.PermanentOutage, "sched.suspend")
	}
	if t.state == StateSuspended {
		t.mu.Unlock()
		return errkind.New(errkind.AlreadyInProgress, "sched.suspend")
	}
	self := m.Current() == t
	t.flags |= FlagPendingSuspend
	t.mu.Unlock()

	if self {
		t.checkpoint()
		return nil
	}
	if !wait {
		return nil
	}

	done := make(chan struct{})
	w := waitqueue.NewWaiter(func(any) { close(done) }, nil)
	t.suspension.Wait(w)

	t.mu.Lock()
	alreadyStopped := t.state == StateSuspended || t.state == StateDead
	t.mu.Unlock()
	if alreadyStopped {
		t.suspension.Unwait(w)
		return nil
	}
	<-done
	return nil
}

// SuspendTimeout behaves like Suspend(t, true) but gives up and returns
// errkind.TimedOut if t hasn't stopped within d.
func (m *Manager) SuspendTimeout(t *Thread, d time.Duration) error {
	t.mu.Lock()
	if t.state == StateDead {
		t.mu.Unlock()
		return errkind.New(errkind.PermanentOutage, "sched.suspend_timeout")
	}
	if t.state == StateSuspended {
		t.mu.Unlock()
		return errkind.New(errkind.AlreadyInProgress, "sched.suspend_timeout")
	}
	t.flags |= FlagPendingSuspend
	t.mu.Unlock()

	done := make(chan struct{})
	w := waitqueue.NewWaiter(func(any) { close(done) }, nil)
	t.suspension.Wait(w)
	defer t.suspension.Unwait(w)

	t.mu.Lock()
	alreadyStopped := t.state == StateSuspended || t.state == StateDead
	t.mu.Unlock()
	if alreadyStopped {
		return nil
	}

	select {
	case <-done:
		return nil
	case <-time.After(d):
		return errkind.New(errkind.TimedOut, "sched.suspend_timeout")
	}
}

// Kill marks t for death. Killing self never returns (the caller's
// goroutine unwinds via runtime.Goexit at the call site); killing another
// thread is requested and takes effect at that thread's next checkpoint —
// including unblocking it from any WQ it's currently parked on, so a kill
// can't be starved by an indefinite wait.
func (m *Manager) Kill(t *Thread, cause error) error {
	t.mu.Lock()
	if t.state == StateDead {
		t.mu.Unlock()
		return errkind.New(errkind.PermanentOutage, "sched.kill")
	}
	if t.flags&FlagPendingDeath != 0 {
		t.mu.Unlock()
		return errkind.New(errkind.AlreadyInProgress, "sched.kill")
	}
	if cause == nil {
		cause = errkind.New(errkind.Aborted, "sched.kill")
	}
	t.exit.Cause = cause
	t.flags |= FlagPendingDeath
	self := m.Current() == t
	wl := t.waitLink
	wq := t.pendingWQ
	t.mu.Unlock()

	if wq != nil && wl != nil {
		wq.WakeSpecific(wl)
	}
	if self {
		runtime.Goexit()
	}
	return nil
}

// Block increments t's block count and sets FlagPendingBlock (§4.2
// "block"/"unblock": a counting, not boolean, count — each Block needs its
// own Unblock). The count is bookkeeping only: no checkpoint consults it, so
// a thread with a nonzero block count keeps running.
func (t *Thread) Block() {
	t.mu.Lock()
	t.blockCount++
	t.flags |= FlagPendingBlock
	t.mu.Unlock()
}

// Unblock decrements t's block count, waking BlockWaitQueue once it reaches
// zero.
func (t *Thread) Unblock() error {
	t.mu.Lock()
	if t.blockCount == 0 {
		t.mu.Unlock()
		return errkind.New(errkind.InvalidArgument, "sched.unblock")
	}
	t.blockCount--
	zero := t.blockCount == 0
	if zero {
		t.flags &^= FlagPendingBlock
	}
	t.mu.Unlock()
	if zero {
		t.block.WakeMany(1 << 30)
	}
	return nil
}

// RegisterWait records w as t's pending wait on q (so Kill and an
// interruptible wait can reach it) and returns q's commit closure, without
// blocking. It exists for callers — like package ipc — that must register
// the wait while still holding a lock of their own and only release it
// after registration, the same register/commit split waitqueue.BeginWait
// offers one level down. Pair with EndWait once the wait resolves.
func (t *Thread) RegisterWait(q *waitqueue.Queue, w *waitqueue.Waiter) (commit func()) {
	commit = q.BeginWait(w)
	t.mu.Lock()
	t.waitLink = w
	t.pendingWQ = q
	t.mu.Unlock()
	return commit
}

// EndWait clears the bookkeeping RegisterWait installed and runs a
// checkpoint, so a kill or signal that arrived during the wait takes effect
// immediately rather than at some later unrelated checkpoint.
func (t *Thread) EndWait() {
	t.mu.Lock()
	t.waitLink = nil
	t.pendingWQ = nil
	t.mu.Unlock()
	t.checkpoint()
}

// BeginInterruptibleWait is RegisterWait plus installing onInterrupt as t's
// interrupt-wake callback, so a concurrent Raise can unpark this wait
// directly instead of only marking the thread interrupted for some later
// checkpoint to notice. Pair with EndInterruptibleWait once the wait
// resolves.
func (t *Thread) BeginInterruptibleWait(q *waitqueue.Queue, w *waitqueue.Waiter, onInterrupt func()) (commit func()) {
	t.resetInterrupted()
	commit = t.RegisterWait(q, w)
	t.mu.Lock()
	t.interruptWake = onInterrupt
	t.mu.Unlock()
	return commit
}

// EndInterruptibleWait clears the interrupt-wake callback BeginInterruptibleWait
// installed, in addition to EndWait's usual bookkeeping.
func (t *Thread) EndInterruptibleWait() {
	t.mu.Lock()
	t.interruptWake = nil
	t.mu.Unlock()
	t.EndWait()
}

// Wait parks the calling thread on q until woken or killed, implementing
// §4.1's thread_wait protocol via waitqueue.BeginWait so a concurrent wake
// between "queued" and "suspended" can never be lost.
func (t *Thread) Wait(q *waitqueue.Queue, data any) {
	woken := make(chan any, 1)
	w := waitqueue.NewWaiter(func(d any) { woken <- d }, data)

	commit := t.RegisterWait(q, w)
	commit()

	<-woken

	t.EndWait()
}

// WaitTimeout is Wait bounded by d; returns errkind.TimedOut if nothing woke
// the thread in time, removing it from q itself.
func (t *Thread) WaitTimeout(q *waitqueue.Queue, data any, d time.Duration) (any, error) {
	woken := make(chan any, 1)
	w := waitqueue.NewWaiter(func(d any) { woken <- d }, data)

	commit := t.RegisterWait(q, w)
	commit()

	var result any
	var err error
	select {
	case result = <-woken:
	case <-time.After(d):
		if q.Unwait(w) {
			err = errkind.New(errkind.TimedOut, "sched.wait_timeout")
		} else {
			// raced: woken concurrently with the timeout firing.
			result = <-woken
		}
	}

	t.EndWait()
	return result, err
}

// WaitInterruptible is Wait, but a signal raised while it is parked unparks
// it early (§5 "Suspension points"/cancellation); a signal raised before the
// wait began does not, since the interrupt mark is reset when the wait is
// registered. The returned error is
// errkind.Interrupted if that's what happened, nil if q woke it normally.
func (t *Thread) WaitInterruptible(q *waitqueue.Queue, data any) (any, error) {
	woken := make(chan any, 1)
	w := waitqueue.NewWaiter(func(d any) { woken <- d }, data)
	interruptedCh := make(chan struct{}, 1)

	commit := t.BeginInterruptibleWait(q, w, func() {
		if q.Unwait(w) {
			select {
			case interruptedCh <- struct{}{}:
			default:
			}
		}
	})
	commit()

	var result any
	var err error
	select {
	case result = <-woken:
	case <-interruptedCh:
		if t.consumeInterrupted() {
			err = errkind.New(errkind.Interrupted, "sched.wait_interruptible")
		} else {
			// raced: a real wakeup claimed the mark first.
			result = <-woken
		}
	}

	t.EndInterruptibleWait()
	return result, err
}

// Sleep suspends the calling thread for d, purely as a scheduling
// courtesy — no WQ is involved, since nothing needs to wake it early.
func (t *Thread) Sleep(d time.Duration) {
	time.Sleep(d)
	t.checkpoint()
}

// Exit terminates the calling thread with the given result value. Like
// self-Kill, it never returns.
func (t *Thread) Exit(value any) {
	t.mu.Lock()
	if t.exit.Cause == nil {
		t.exit = ExitInfo{Value: value}
	}
	t.mu.Unlock()
	runtime.Goexit()
}
