package sched

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignal_HandlerRunsAtCheckpoint(t *testing.T) {
	m := NewManager()
	var mu sync.Mutex
	var handled []Signal

	loop := make(chan struct{}, 8)
	th, err := m.NewThread(func(self *Thread, _ any) any {
		self.ConfigureSignal(5, SignalConfig{
			Flags: SignalEnabled,
			Handler: func(_ *Thread, sig Signal) {
				mu.Lock()
				handled = append(handled, sig)
				mu.Unlock()
			},
		})
		for i := 0; i < 3; i++ {
			self.checkpoint()
			loop <- struct{}{}
		}
		return nil
	}, nil, CreateOptions{})
	require.NoError(t, err)
	require.NoError(t, m.Resume(th))

	<-loop
	require.NoError(t, th.Raise(5))
	<-loop
	<-loop
	<-th.done

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, handled, Signal(5))
}

func TestSignal_MaskedSignalStaysPending(t *testing.T) {
	m := NewManager()
	var delivered bool
	ready := make(chan struct{})
	proceed := make(chan struct{})
	done := make(chan struct{})

	th, err := m.NewThread(func(self *Thread, _ any) any {
		self.SetMask(maskBit(7))
		self.ConfigureSignal(7, SignalConfig{
			Flags:   SignalEnabled,
			Handler: func(_ *Thread, _ Signal) { delivered = true },
		})
		close(ready)
		<-proceed
		self.checkpoint() // masked: handler must not run yet
		self.SetMask(0)
		self.checkpoint() // now unmasked: handler runs
		close(done)
		return nil
	}, nil, CreateOptions{})
	require.NoError(t, err)
	require.NoError(t, m.Resume(th))

	<-ready
	require.NoError(t, th.Raise(7))
	close(proceed)
	<-done
	<-th.done

	assert.True(t, delivered)
}

func TestSignal_KillIfUnhandled(t *testing.T) {
	m := NewManager()
	th, err := m.NewThread(func(self *Thread, _ any) any {
		self.ConfigureSignal(9, SignalConfig{Flags: SignalEnabled | SignalKillIfUnhandled})
		for {
			self.checkpoint()
			time.Sleep(time.Millisecond)
		}
	}, nil, CreateOptions{})
	require.NoError(t, err)
	require.NoError(t, m.Resume(th))

	require.NoError(t, th.Raise(9))
	<-th.done
	assert.Equal(t, StateDead, th.ExecutionState())
}
