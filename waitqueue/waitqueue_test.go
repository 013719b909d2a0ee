package waitqueue

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueue_FIFOOrder(t *testing.T) {
	q := New()
	var woken []int
	for i := 0; i < 5; i++ {
		i := i
		q.Wait(NewWaiter(func(any) { woken = append(woken, i) }, i))
	}
	require.Equal(t, 5, q.Len())

	n := q.WakeMany(3)
	assert.Equal(t, 3, n)
	assert.Equal(t, []int{0, 1, 2}, woken)
	assert.Equal(t, 2, q.Len())

	n = q.WakeMany(10)
	assert.Equal(t, 2, n)
	assert.Equal(t, []int{0, 1, 2, 3, 4}, woken)
	assert.Equal(t, 0, q.Len())
}

func TestQueue_WakeSpecific(t *testing.T) {
	q := New()
	var woken []int
	w0 := NewWaiter(func(any) { woken = append(woken, 0) }, nil)
	w1 := NewWaiter(func(any) { woken = append(woken, 1) }, nil)
	w2 := NewWaiter(func(any) { woken = append(woken, 2) }, nil)
	q.Wait(w0)
	q.Wait(w1)
	q.Wait(w2)

	require.True(t, q.WakeSpecific(w1))
	assert.Equal(t, []int{1}, woken)
	assert.Equal(t, 2, q.Len())

	// already woken: tolerated, returns false
	require.False(t, q.WakeSpecific(w1))

	n := q.WakeMany(10)
	assert.Equal(t, 2, n)
	assert.Equal(t, []int{1, 0, 2}, woken)
}

func TestQueue_Unwait(t *testing.T) {
	q := New()
	called := false
	w := NewWaiter(func(any) { called = true }, nil)
	q.Wait(w)

	require.True(t, q.Unwait(w))
	assert.False(t, called)
	assert.Equal(t, 0, q.Len())

	// removing again is tolerated
	require.False(t, q.Unwait(w))
}

func TestQueue_NeverOnTwoQueuesAtOnce(t *testing.T) {
	q1, q2 := New(), New()
	w := NewWaiter(nil, nil)
	q1.Wait(w)
	assert.True(t, w.Queued())

	// w belongs to q1, so q2 must not find or remove it
	assert.False(t, q2.Unwait(w))
	assert.False(t, q2.WakeSpecific(w))
	assert.Equal(t, 1, q1.Len())
	assert.Equal(t, 0, q2.Len())
}

func TestQueue_BeginWaitClosesWakeupRace(t *testing.T) {
	q := New()
	var mu sync.Mutex
	woken := false
	w := NewWaiter(func(any) {
		mu.Lock()
		woken = true
		mu.Unlock()
	}, nil)

	commit := q.BeginWait(w)

	// A concurrent WakeMany blocks on the queue mutex until commit() runs.
	done := make(chan struct{})
	go func() {
		q.WakeMany(1)
		close(done)
	}()

	commit()
	<-done

	mu.Lock()
	defer mu.Unlock()
	assert.True(t, woken)
}
