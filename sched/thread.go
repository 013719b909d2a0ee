// Package sched implements the thread and scheduler subsystem of §4.2: thread
// lifecycle, suspension/resumption, blocking, timed sleep, and signal
// delivery, built on top of package waitqueue.
//
// Threads are modeled as goroutines under a Manager's control rather than raw
// `go` statements: suspend/kill/signal requests take effect only when the
// thread passes a checkpoint, which Wait/WaitTimeout/WaitInterruptible,
// Sleep, EndWait and a self-Suspend run internally, matching §1's single-processor
// cooperative scheduling model ("concurrency primitives are SMP-safe" but the
// model itself is cooperative, not preemptive at arbitrary instructions).
package sched

import (
	"sync"
	"sync/atomic"

	"github.com/anillo-os/kernel-core/internal/errkind"
	"github.com/anillo-os/kernel-core/waitqueue"
)

// ExecutionState is the thread state of §3 "Thread".
type ExecutionState int32

const (
	StateNotRunning ExecutionState = iota
	StateSuspended
	StateRunning
	StateDead
	StateInterruptedInKernel
)

func (s ExecutionState) String() string {
	switch s {
	case StateNotRunning:
		return "not-running"
	case StateSuspended:
		return "suspended"
	case StateRunning:
		return "running"
	case StateDead:
		return "dead"
	case StateInterruptedInKernel:
		return "interrupted-in-kernel"
	default:
		return "unknown"
	}
}

// Flags are the orthogonal per-thread flags of §3.
type Flags uint32

const (
	FlagPendingSuspend Flags = 1 << iota
	FlagPendingDeath
	FlagPendingBlock
	FlagHoldingWQLock
	FlagKernelInterrupted
)

// StackOwnership records whether the thread's stack was supplied by the
// caller or allocated by this subsystem (§3 "ownership of stack").
type StackOwnership int

const (
	StackSubsystemAllocated StackOwnership = iota
	StackCallerProvided
)

// interruptState is the tri-state "marked-interrupted" flag of §3, used by
// in-kernel blocking calls to detect a signal arrived mid-wait and unwind.
type interruptState int32

const (
	interruptClear interruptState = iota
	interruptMarked
	interruptConsumed
)

// TimeoutKind distinguishes relative from absolute timeouts (§4.2
// suspend_timeout / wait_timeout).
type TimeoutKind int

const (
	TimeoutRelative TimeoutKind = iota
	TimeoutAbsoluteMonotonic
)

// ExitInfo records why a thread died (supplements §3's bare "dies via
// self-exit or external kill" with the observable cause, since §5 already
// scopes "exit-data" under the per-thread spinlock without ever defining a
// field for it).
type ExitInfo struct {
	Cause error
	Value any
}

// EntryFunc is a thread's body. It receives the thread running it (so it can
// call Wait/Block/Exit/etc. on itself) and the user data passed to NewThread.
type EntryFunc func(self *Thread, userData any) any

// Thread is the kernel-core simulation of §3 "Thread".
type Thread struct {
	id uint64

	mgr *Manager

	mu     sync.Mutex
	state  ExecutionState
	flags  Flags
	refs   int32
	exit   ExitInfo
	mask           SignalMask
	sigcfg         map[Signal]*SignalConfig
	pendingSignals map[Signal]struct{}

	blockCount int32

	waitLink *waitqueue.Waiter // membership in at most one foreign WQ
	pendingWQ *waitqueue.Queue // the WQ waitLink currently belongs to, if any

	interrupted atomic.Int32 // interruptState

	// interruptWake, when non-nil, is fired by Raise right after marking the
	// thread interrupted: the callback installed by the in-progress
	// interruptible wait (BeginInterruptibleWait), letting a signal actually
	// unpark a thread blocked on a foreign WQ instead of only setting a flag
	// nothing reads until the next checkpoint.
	interruptWake func()

	// park is the cooperative suspend gate: opened by Resume to let a parked
	// checkpoint continue. Replaced (never reused) each time the thread
	// parks, since a closed channel can't be reopened.
	parkMu sync.Mutex
	park   *parkGate

	death       *waitqueue.Queue
	destruction *waitqueue.Queue
	suspension  *waitqueue.Queue
	block       *waitqueue.Queue

	entry    EntryFunc
	userData any

	stack          []byte
	stackOwnership StackOwnership

	timer *timeoutTimer

	done chan struct{} // closed when the thread's goroutine returns
}

// ID returns the thread's unique identifier.
func (t *Thread) ID() uint64 { return t.id }

// ExecutionState returns a snapshot of the thread's state (§4.2 "execution_state").
func (t *Thread) ExecutionState() ExecutionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// ExitInfo returns the thread's recorded exit cause/value. Only meaningful
// once ExecutionState() == StateDead.
func (t *Thread) ExitInfo() ExitInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.exit
}

// DeathWaitQueue, DestructionWaitQueue, SuspensionWaitQueue, and
// BlockWaitQueue expose the thread's four attached WQs (§3), for callers that
// want to park on one of them directly (e.g. "wait for this thread to die").
func (t *Thread) DeathWaitQueue() *waitqueue.Queue       { return t.death }
func (t *Thread) DestructionWaitQueue() *waitqueue.Queue { return t.destruction }
func (t *Thread) SuspensionWaitQueue() *waitqueue.Queue  { return t.suspension }
func (t *Thread) BlockWaitQueue() *waitqueue.Queue       { return t.block }

// Retain increments the reference count. Per §9 "manual reference counting",
// retain is fallible: retaining a thread whose count already reached zero
// (i.e. it's fully destroyed) fails rather than resurrecting it.
func (t *Thread) Retain() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.refs <= 0 {
		return errkind.New(errkind.PermanentOutage, "thread.retain")
	}
	t.refs++
	return nil
}

// Release decrements the reference count, and on reaching zero frees the
// stack (if subsystem-owned) and wakes DestructionWaitQueue waiters (§3
// Lifecycle).
func (t *Thread) Release() {
	t.mu.Lock()
	t.refs--
	dead := t.refs <= 0
	t.mu.Unlock()
	if !dead {
		return
	}
	if t.stackOwnership == StackSubsystemAllocated {
		t.stack = nil
	}
	t.destruction.WakeMany(1 << 30)
}

func (t *Thread) addFlag(f Flags) {
	t.mu.Lock()
	t.flags |= f
	t.mu.Unlock()
}

func (t *Thread) clearFlag(f Flags) {
	t.mu.Lock()
	t.flags &^= f
	t.mu.Unlock()
}

func (t *Thread) hasFlag(f Flags) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.flags&f != 0
}

// markInterrupted is called by signal delivery to flag a blocked,
// interruptible wait for unwind; it is a no-op once the interrupt has
// already been marked or consumed (tri-state, §3).
func (t *Thread) markInterrupted() {
	t.interrupted.CompareAndSwap(int32(interruptClear), int32(interruptMarked))
}

// consumeInterrupted atomically claims a pending interrupt mark, returning
// true at most once per mark.
func (t *Thread) consumeInterrupted() bool {
	return t.interrupted.CompareAndSwap(int32(interruptMarked), int32(interruptConsumed))
}

func (t *Thread) resetInterrupted() {
	t.interrupted.Store(int32(interruptClear))
}

// fireInterruptWake invokes the wake callback registered by the thread's
// current interruptible wait, if any. A no-op outside BeginInterruptibleWait.
func (t *Thread) fireInterruptWake() {
	t.mu.Lock()
	wake := t.interruptWake
	t.mu.Unlock()
	if wake != nil {
		wake()
	}
}

// parkGate is a one-shot open-once channel gate. Resume calls open, which is
// idempotent; the gate is discarded and replaced (never reused) the next
// time the thread parks, since a closed channel stays closed forever.
type parkGate struct {
	mu     sync.Mutex
	ch     chan struct{}
	opened bool
}

func newParkGate() *parkGate {
	return &parkGate{ch: make(chan struct{})}
}

func (g *parkGate) open() {
	g.mu.Lock()
	if !g.opened {
		g.opened = true
		close(g.ch)
	}
	g.mu.Unlock()
}
