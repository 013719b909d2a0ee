// Package pit implements the per-thread preemption-interrupt timer backing
// §4.2 "Preemption": a one-shot timer that, on expiry, invokes a callback
// as if a timer interrupt had fired. sched creates one Timer per thread and
// closes it when the thread dies, but never arms it, so no time slice is
// enforced through it.
//
// Timer is intentionally not a *Go* preemption mechanism (nothing can force
// a goroutine mid-instruction the way a real timer interrupt forces a CPU
// core) — it fires the callback from a background goroutine.
package pit

import (
	"errors"
	"time"
)

var errClosed = errors.New("pit: timer closed")

// Callback is invoked, once, when a Timer expires. It must not block.
type Callback func()

// Timer is a one-shot, re-armable interrupt timer.
type Timer interface {
	// Arm schedules cb to run after d elapses, replacing any previously
	// armed, not-yet-fired callback.
	Arm(d time.Duration, cb Callback) error
	// Disarm cancels a pending callback, if any. Safe to call whether or not
	// one is pending.
	Disarm() error
	// Close releases the timer's OS resources. The Timer is unusable after.
	Close() error
}
