//go:build !linux

package pit

import (
	"sync"
	"time"
)

// portableTimer is the time.Timer-based fallback for platforms without a
// timerfd, mirroring how poller_darwin.go/poller_windows.go stand in for
// poller_linux.go's epoll-specific FastPoller with a portable equivalent.
type portableTimer struct {
	mu     sync.Mutex
	timer  *time.Timer
	gen    uint64
	closed bool
}

// NewTimer returns a Timer backed by time.AfterFunc.
func NewTimer() (Timer, error) {
	return &portableTimer{}, nil
}

func (t *portableTimer) Arm(d time.Duration, cb Callback) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errClosed
	}
	if t.timer != nil {
		t.timer.Stop()
	}
	t.gen++
	gen := t.gen
	t.timer = time.AfterFunc(d, func() {
		t.mu.Lock()
		fire := !t.closed && gen == t.gen
		t.mu.Unlock()
		if fire {
			cb()
		}
	})
	return nil
}

func (t *portableTimer) Disarm() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.gen++
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	return nil
}

func (t *portableTimer) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	return nil
}
