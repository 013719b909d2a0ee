//go:build linux

package pit

import (
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// linuxTimer is grounded on eventloop.FastPoller's epoll usage
// (poller_linux.go): a single epoll instance here watches exactly one
// timerfd, so Arm/Disarm reduce to unix.TimerfdSettime and the waiter
// goroutine is just unix.EpollWait blocked forever with no other FD to
// distinguish.
type linuxTimer struct {
	mu     sync.Mutex
	fd     int
	epfd   int
	cb     Callback
	gen    uint64
	closed bool
	done   chan struct{}
}

// NewTimer returns a Timer backed by a Linux timerfd.
func NewTimer() (Timer, error) {
	fd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_CLOEXEC|unix.TFD_NONBLOCK)
	if err != nil {
		return nil, err
	}
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	ev := &unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, fd, ev); err != nil {
		unix.Close(fd)
		unix.Close(epfd)
		return nil, err
	}
	t := &linuxTimer{fd: fd, epfd: epfd, done: make(chan struct{})}
	go t.loop()
	return t, nil
}

func (t *linuxTimer) loop() {
	var buf [8]byte
	events := make([]unix.EpollEvent, 1)
	for {
		n, err := unix.EpollWait(t.epfd, events, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return
		}
		if n == 0 {
			continue
		}
		unix.Read(t.fd, buf[:])

		t.mu.Lock()
		if t.closed {
			t.mu.Unlock()
			return
		}
		cb := t.cb
		t.cb = nil
		t.mu.Unlock()
		if cb != nil {
			cb()
		}
	}
}

func (t *linuxTimer) Arm(d time.Duration, cb Callback) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return unix.EBADF
	}
	t.cb = cb
	spec := unix.ItimerSpec{
		Value: unix.NsecToTimespec(d.Nanoseconds()),
	}
	return unix.TimerfdSettime(t.fd, 0, &spec, nil)
}

func (t *linuxTimer) Disarm() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.cb = nil
	var spec unix.ItimerSpec
	return unix.TimerfdSettime(t.fd, 0, &spec, nil)
}

func (t *linuxTimer) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.cb = nil
	t.mu.Unlock()
	unix.Close(t.epfd)
	return unix.Close(t.fd)
}
