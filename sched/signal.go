package sched

import (
	"time"

	"github.com/joeycumines/go-catrate"
)

// Signal is a small integer signal number. Signal 0 is reserved
// (SigTerminate): it is never maskable, and delivering it to a thread that
// has it masked escalates to killing the whole Manager (§4.2 "unblockable
// signals"), mirroring a kernel panic on an undeliverable fatal signal.
type Signal int

const SigTerminate Signal = 0

// SignalMask is a bitmask of blocked signal numbers, one bit per Signal in
// [0, 63].
type SignalMask uint64

func maskBit(s Signal) SignalMask {
	if s < 0 || s >= 64 {
		return 0
	}
	return 1 << uint(s)
}

// Blocks reports whether the mask blocks delivery of s.
func (m SignalMask) Blocks(s Signal) bool { return m&maskBit(s) != 0 }

// SignalFlags configure how a given signal number is handled for a thread
// (§6 "External Interfaces", signal configuration table).
type SignalFlags uint32

const (
	// SignalEnabled gates whether the handler runs at all; a disabled signal
	// stays pending until ConfigureSignal enables it again.
	SignalEnabled SignalFlags = 1 << iota
	// SignalCoalesce rate-limits repeat delivery of the same signal number to
	// the same thread, using catrate.Limiter.
	SignalCoalesce
	// SignalMaskOnHandle adds the signal to the thread's mask for the
	// duration of its handler, prevent reentrant delivery.
	SignalMaskOnHandle
	// SignalKillIfUnhandled kills the thread if raised with no Handler set.
	SignalKillIfUnhandled
)

// SignalConfig is one entry of a thread's per-signal configuration table.
type SignalConfig struct {
	Handler func(self *Thread, sig Signal)
	Flags   SignalFlags

	// CoalesceWindow/CoalesceBurst parametrize the catrate.Limiter created
	// lazily the first time SignalCoalesce fires for this entry; both default
	// to sensible values (1s / 1) if zero.
	CoalesceWindow time.Duration
	CoalesceBurst  int

	limiter *catrate.Limiter
}

func (c *SignalConfig) allowedByCoalesce(now time.Time) bool {
	if c.Flags&SignalCoalesce == 0 {
		return true
	}
	if c.limiter == nil {
		window := c.CoalesceWindow
		if window <= 0 {
			window = time.Second
		}
		burst := c.CoalesceBurst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = catrate.NewLimiter(map[time.Duration]int{window: burst})
	}
	_, allowed := c.limiter.Allow(nil)
	return allowed
}

type pendingSignal struct {
	sig Signal
}

// ConfigureSignal installs or replaces the configuration for sig on t.
func (t *Thread) ConfigureSignal(sig Signal, cfg SignalConfig) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sigcfg == nil {
		t.sigcfg = make(map[Signal]*SignalConfig)
	}
	c := cfg
	t.sigcfg[sig] = &c
}

// SetMask replaces the thread's signal mask wholesale.
func (t *Thread) SetMask(m SignalMask) {
	t.mu.Lock()
	t.mask = m
	t.mu.Unlock()
}

// Mask returns the thread's current signal mask.
func (t *Thread) Mask() SignalMask {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.mask
}

// Raise delivers sig to t. SigTerminate ignores masking entirely: if it's
// masked, the whole Manager aborts (§4.2); every other signal, if masked,
// just stays recorded as pending and is retried at the thread's next
// checkpoint.
//
// Delivery (actually invoking Handler) happens synchronously on t's own
// goroutine at its next checkpoint, not on the raising goroutine — there is
// no real interrupt vector to preempt into, so the checkpoint is the
// delivery point, the same way Suspend takes effect at the next checkpoint.
func (t *Thread) Raise(sig Signal) error {
	t.mu.Lock()
	if sig == SigTerminate && t.mask.Blocks(sig) {
		t.mu.Unlock()
		t.mgr.abort(errAbortUnblockableSignal(t))
		return nil
	}
	if t.pendingSignals == nil {
		t.pendingSignals = make(map[Signal]struct{})
	}
	t.pendingSignals[sig] = struct{}{}
	t.mu.Unlock()
	t.markInterrupted()
	t.fireInterruptWake()
	return nil
}

// deliverPending runs at a checkpoint: pops and handles every pending,
// unmasked signal in ascending numeric order (lower numbers take priority).
func (t *Thread) deliverPending(now time.Time) {
	for {
		t.mu.Lock()
		var next Signal
		found := false
		for s := range t.pendingSignals {
			if t.mask.Blocks(s) {
				continue
			}
			if c := t.sigcfg[s]; c != nil && c.Flags&SignalEnabled == 0 {
				continue
			}
			if !found || s < next {
				next = s
				found = true
			}
		}
		if !found {
			t.mu.Unlock()
			return
		}
		delete(t.pendingSignals, next)
		cfg := t.sigcfg[next]
		t.mu.Unlock()

		if cfg == nil || cfg.Flags&SignalEnabled == 0 {
			continue
		}
		if !cfg.allowedByCoalesce(now) {
			continue
		}
		if cfg.Handler == nil {
			if cfg.Flags&SignalKillIfUnhandled != 0 {
				t.mgr.killFromCheckpoint(t, errAbortUnhandledSignal(t, next))
			}
			continue
		}

		var maskSet SignalMask
		if cfg.Flags&SignalMaskOnHandle != 0 {
			maskSet = maskBit(next)
			t.mu.Lock()
			t.mask |= maskSet
			t.mu.Unlock()
		}
		cfg.Handler(t, next)
		if maskSet != 0 {
			t.mu.Lock()
			t.mask &^= maskSet
			t.mu.Unlock()
		}
	}
}
