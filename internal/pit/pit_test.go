package pit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTimer_FiresOnce(t *testing.T) {
	tm, err := NewTimer()
	require.NoError(t, err)
	defer tm.Close()

	fired := make(chan struct{}, 1)
	require.NoError(t, tm.Arm(10*time.Millisecond, func() { fired <- struct{}{} }))

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("timer did not fire")
	}
}

func TestTimer_DisarmPreventsFire(t *testing.T) {
	tm, err := NewTimer()
	require.NoError(t, err)
	defer tm.Close()

	fired := make(chan struct{}, 1)
	require.NoError(t, tm.Arm(30*time.Millisecond, func() { fired <- struct{}{} }))
	require.NoError(t, tm.Disarm())

	select {
	case <-fired:
		t.Fatal("disarmed timer fired")
	case <-time.After(80 * time.Millisecond):
	}
}

func TestTimer_RearmReplacesPending(t *testing.T) {
	tm, err := NewTimer()
	require.NoError(t, err)
	defer tm.Close()

	var calls int
	fired := make(chan int, 2)
	require.NoError(t, tm.Arm(100*time.Millisecond, func() { calls++; fired <- calls }))
	require.NoError(t, tm.Arm(10*time.Millisecond, func() { calls++; fired <- calls }))

	select {
	case n := <-fired:
		require.Equal(t, 1, n)
	case <-time.After(time.Second):
		t.Fatal("rearmed timer did not fire")
	}

	select {
	case <-fired:
		t.Fatal("stale arm fired too")
	case <-time.After(150 * time.Millisecond):
	}
}
