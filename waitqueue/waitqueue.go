// Package waitqueue implements the FIFO parking-lot primitive (§4.1) that
// every blocking operation in sched and ipc is built on: a spinlock-guarded
// doubly-linked list of waiters, woken from the head, appended at the tail.
//
// The append/pop discipline is the same one eventloop.ChunkedIngress uses for
// its task queue (Push at tail, Pop at head, external synchronization,
// O(1) both ways); this package additionally supports O(1) detach of an
// arbitrary waiter (WakeSpecific, Unwait), which a chunked queue can't do, so
// the list is a classic intrusive doubly-linked list instead of chunked
// arrays.
package waitqueue

import "sync"

// Waiter is one entry in a Queue. A Waiter is never on two queues at once
// (§3 invariant 1 applies to threads; this is the same rule applied to the
// generic waiter underlying a thread's wait link).
type Waiter struct {
	prev, next *Waiter
	queue      *Queue
	Wakeup     func(data any)
	Data       any
}

// NewWaiter constructs a detached Waiter with the given wakeup callback and
// opaque user data, delivered back to Wakeup verbatim when woken.
func NewWaiter(wakeup func(data any), data any) *Waiter {
	return &Waiter{Wakeup: wakeup, Data: data}
}

// Queued reports whether the waiter is currently linked into a Queue.
func (w *Waiter) Queued() bool {
	return w.queue != nil
}

// Queue is a FIFO of suspended waiters guarded by a single spinlock-style
// mutex (§3 "Wait queue"). All operations are O(1) and never fail (§4.1
// "WQ operations never fail").
type Queue struct {
	mu         sync.Mutex
	head, tail *Waiter
	len        int
}

// New returns an empty Queue.
func New() *Queue {
	return &Queue{}
}

// Len returns the number of queued waiters.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.len
}

func (q *Queue) pushTailLocked(w *Waiter) {
	w.queue = q
	w.prev, w.next = q.tail, nil
	if q.tail != nil {
		q.tail.next = w
	} else {
		q.head = w
	}
	q.tail = w
	q.len++
}

func (q *Queue) detachLocked(w *Waiter) {
	if w.prev != nil {
		w.prev.next = w.next
	} else {
		q.head = w.next
	}
	if w.next != nil {
		w.next.prev = w.prev
	} else {
		q.tail = w.prev
	}
	w.prev, w.next, w.queue = nil, nil, nil
	q.len--
}

// Wait appends w at the tail. Use this when there's no race to close against
// a concurrent waker (i.e. not modeling thread_wait's suspend-under-lock
// protocol — for that, use BeginWait).
func (q *Queue) Wait(w *Waiter) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pushTailLocked(w)
}

// BeginWait locks the queue, appends w at the tail, and returns a commit
// function that releases the lock.
//
// This exists to implement §4.1's thread_wait protocol: "lock the WQ, mark
// the thread pending-suspend..., append the waiter, then perform suspension.
// The WQ lock is released ... once the thread is fully suspended" — i.e. the
// append and the suspension-commit must be atomic with respect to a
// concurrent Wake, or a wakeup between them is lost. A goroutine cannot park
// while holding the lock, so callers (sched.Thread.RegisterWait and the waits
// built on it) record their wait state, commit, and only then block:
//
//	woken := make(chan any, 1)
//	w := NewWaiter(func(d any) { woken <- d }, data)
//	commit := wq.BeginWait(w)
//	// record w as the thread's pending wait while the lock is held
//	commit()
//	<-woken // park until Wakeup fires
//
// A concurrent WakeMany/WakeSpecific targeting w blocks on the same mutex
// until commit() runs, so it never observes w half-registered; a wakeup
// that lands between commit() and the receive is kept in the buffered
// channel rather than lost.
func (q *Queue) BeginWait(w *Waiter) (commit func()) {
	q.mu.Lock()
	q.pushTailLocked(w)
	return q.mu.Unlock
}

// WakeMany pops up to n waiters from the head (in insertion order) and
// invokes their Wakeup callbacks with the queue unlocked, returning the
// number actually woken. Per §8 invariant 4, the woken set is exactly the
// first min(n, len(q)) waiters in FIFO order.
func (q *Queue) WakeMany(n int) int {
	if n <= 0 {
		return 0
	}
	woken := make([]*Waiter, 0, n)
	q.mu.Lock()
	for len(woken) < n && q.head != nil {
		w := q.head
		q.detachLocked(w)
		woken = append(woken, w)
	}
	q.mu.Unlock()

	for _, w := range woken {
		if w.Wakeup != nil {
			w.Wakeup(w.Data)
		}
	}
	return len(woken)
}

// WakeSpecific detaches w and invokes its Wakeup callback if it is still
// queued on q, tolerating the case where w was already removed (by a prior
// WakeMany/WakeSpecific/Unwait, or because it belongs to a different queue).
// Returns true iff w was woken by this call.
func (q *Queue) WakeSpecific(w *Waiter) bool {
	q.mu.Lock()
	if w.queue != q {
		q.mu.Unlock()
		return false
	}
	q.detachLocked(w)
	q.mu.Unlock()

	if w.Wakeup != nil {
		w.Wakeup(w.Data)
	}
	return true
}

// Unwait detaches w without invoking its callback, tolerating w already
// having been removed. Returns true iff w was queued on q at the time of the
// call.
func (q *Queue) Unwait(w *Waiter) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if w.queue != q {
		return false
	}
	q.detachLocked(w)
	return true
}
