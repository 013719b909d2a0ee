package sched

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/anillo-os/kernel-core/internal/errkind"
	"github.com/anillo-os/kernel-core/internal/gid"
	"github.com/anillo-os/kernel-core/internal/klog"
	"github.com/anillo-os/kernel-core/internal/pit"
	"github.com/anillo-os/kernel-core/waitqueue"
)

// Manager is the scheduler of §4.2: it owns thread identity allocation and
// the current-thread registry. There is no timer-driven preemption: each
// thread's pit timer is created but never armed. Unlike a real
// kernel's single global run queue, there is no explicit run queue here —
// "runnable" threads are simply goroutines the Go runtime itself schedules;
// Manager only tracks the state machine and enforces cooperative checkpoints.
type Manager struct {
	log *klog.Logger

	mu      sync.Mutex
	threads map[uint64]*Thread
	current map[uint64]*Thread // gid.Current() -> running Thread
	nextID  uint64

	timeSlice time.Duration

	aborted  atomic.Bool
	abortErr error
	abortCh  chan struct{}
}

// ManagerOption configures a Manager at construction, the same functional-
// options shape eventloop.Loop's options use.
type ManagerOption interface{ apply(*Manager) }

type managerOptionFunc func(*Manager)

func (f managerOptionFunc) apply(m *Manager) { f(m) }

// WithLogger attaches a structured logger; nil is fine and yields a no-op.
func WithLogger(l *klog.Logger) ManagerOption {
	return managerOptionFunc(func(m *Manager) { m.log = klog.Safe(l) })
}

// WithTimeSlice records a preemption quantum (§4.2 "Preemption") on the
// Manager. Nothing reads the value back and no timer is armed from it:
// whatever d is, threads stop only at their own checkpoints
// (Wait/WaitTimeout/WaitInterruptible/Sleep, a self-Suspend) or on Exit.
func WithTimeSlice(d time.Duration) ManagerOption {
	return managerOptionFunc(func(m *Manager) { m.timeSlice = d })
}

// NewManager constructs a Manager ready to create threads.
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{
		threads: make(map[uint64]*Thread),
		current: make(map[uint64]*Thread),
		abortCh: make(chan struct{}),
		log:     klog.NoOp(),
	}
	for _, o := range opts {
		o.apply(m)
	}
	return m
}

// CreateOptions configures Thread creation (§3's stack ownership and initial
// signal mask).
type CreateOptions struct {
	// Stack, if non-nil, is a caller-provided stack buffer (StackCallerProvided).
	// If nil, a stack is considered subsystem-allocated (and is nothing more
	// than bookkeeping, since goroutines manage their own growable stacks).
	Stack []byte
	// InitialMask is the thread's starting signal mask.
	InitialMask SignalMask
}

// NewThread creates a thread in StateSuspended (§3 Lifecycle: "created,
// suspended, runnable, running, ... dies"), ready for Resume. entry must be
// non-nil.
func (m *Manager) NewThread(entry EntryFunc, userData any, opts CreateOptions) (*Thread, error) {
	if entry == nil {
		return nil, errkind.New(errkind.InvalidArgument, "sched.new")
	}
	if m.aborted.Load() {
		return nil, errkind.Wrap(errkind.Aborted, "sched.new", m.abortErr)
	}

	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.mu.Unlock()

	t := &Thread{
		id:             id,
		mgr:            m,
		state:          StateSuspended,
		refs:           1,
		mask:           opts.InitialMask,
		death:          waitqueue.New(),
		destruction:    waitqueue.New(),
		suspension:     waitqueue.New(),
		block:          waitqueue.New(),
		entry:          entry,
		userData:       userData,
		stack:          opts.Stack,
		stackOwnership: StackCallerProvided,
		park:           newParkGate(),
		done:           make(chan struct{}),
	}
	if opts.Stack == nil {
		t.stackOwnership = StackSubsystemAllocated
	}
	if d, err := pit.NewTimer(); err == nil {
		t.timer = &timeoutTimer{t: d}
	}

	m.mu.Lock()
	m.threads[id] = t
	m.mu.Unlock()

	go m.run(t)
	return t, nil
}

// run is the body of every managed-thread goroutine. Self-kill uses
// runtime.Goexit, which unwinds the goroutine running deferred calls without
// ever returning control to the code after the call that invoked it — so the
// "mark dead, wake deathWQ" bookkeeping lives entirely in a defer, which
// fires on every exit path (normal return, recovered panic, or Goexit alike).
func (m *Manager) run(t *Thread) {
	defer close(t.done)

	<-t.park.ch // wait for the first Resume

	m.mu.Lock()
	m.current[gid.Current()] = t
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.current, gid.Current())
		m.mu.Unlock()
	}()

	defer func() {
		t.mu.Lock()
		t.state = StateDead
		t.mu.Unlock()
		if t.timer != nil {
			t.timer.t.Close()
		}
		t.death.WakeMany(1 << 30)
	}()

	t.mu.Lock()
	t.state = StateRunning
	t.mu.Unlock()

	var value any
	func() {
		defer func() {
			if r := recover(); r != nil {
				t.mu.Lock()
				t.exit = ExitInfo{Cause: errkind.Wrap(errkind.Aborted, "sched.thread", panicToErr(r))}
				t.mu.Unlock()
			}
		}()
		value = t.entry(t, t.userData)
	}()

	t.mu.Lock()
	if t.exit.Cause == nil {
		t.exit = ExitInfo{Value: value}
	}
	t.mu.Unlock()
}

// panicToErr turns an arbitrary recovered panic value into an error.
func panicToErr(r any) error {
	if err, ok := r.(error); ok {
		return err
	}
	return errkind.New(errkind.Aborted, "panic")
}

// Current returns the Thread running on the calling goroutine, or nil if
// the calling goroutine isn't a managed thread.
func (m *Manager) Current() *Thread {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current[gid.Current()]
}

// Lookup finds a thread by ID.
func (m *Manager) Lookup(id uint64) (*Thread, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.threads[id]
	return t, ok
}

// abort puts the Manager into a permanently failed state (§4.2: an
// unblockable signal arriving while masked is fatal to the whole system).
// Every subsequent operation reports errkind.Aborted.
func (m *Manager) abort(cause error) {
	if m.aborted.CompareAndSwap(false, true) {
		m.abortErr = cause
		close(m.abortCh)
		m.log.Err().Err(cause).Log("scheduler aborted")
	}
}

func errAbortUnblockableSignal(t *Thread) error {
	return errkind.New(errkind.Aborted, "sched.signal.unblockable")
}

func errAbortUnhandledSignal(t *Thread, sig Signal) error {
	return errkind.New(errkind.Aborted, "sched.signal.unhandled")
}

// killFromCheckpoint marks t for death from within a checkpoint (e.g. an
// unhandled, kill-on-unhandled signal) and, if t is the caller's own
// thread, exits it immediately via runtime.Goexit.
func (m *Manager) killFromCheckpoint(t *Thread, cause error) {
	t.mu.Lock()
	t.exit = ExitInfo{Cause: cause}
	t.flags |= FlagPendingDeath
	self := m.Current() == t
	t.mu.Unlock()
	if self {
		runtime.Goexit()
	}
}
