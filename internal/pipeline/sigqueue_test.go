package pipeline

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignalQueueFIFOWithinPriority(t *testing.T) {
	q := NewSignalQueue()
	for _, name := range []string{"a", "b", "c"} {
		_, err := q.Enqueue(name, PriorityNormal, nil)
		require.NoError(t, err)
	}

	for _, want := range []string{"a", "b", "c"} {
		sig, err := q.Dequeue(0)
		require.NoError(t, err)
		assert.Equal(t, want, sig.Name)
	}
}

func TestSignalQueueHighBeforeEarlierNormal(t *testing.T) {
	q := NewSignalQueue()
	q.Enqueue("stop", PriorityNormal, nil)
	q.Enqueue("emergency_stop", PriorityHigh, nil)

	sig, err := q.Dequeue(0)
	require.NoError(t, err)
	assert.Equal(t, "emergency_stop", sig.Name, "HIGH preempts earlier NORMAL")

	sig, err = q.Dequeue(0)
	require.NoError(t, err)
	assert.Equal(t, "stop", sig.Name)
}

func TestSignalQueueInterleavedPriorities(t *testing.T) {
	q := NewSignalQueue()
	q.Enqueue("n1", PriorityNormal, nil)
	q.Enqueue("h1", PriorityHigh, nil)
	q.Enqueue("n2", PriorityNormal, nil)
	q.Enqueue("h2", PriorityHigh, nil)

	var got []string
	for q.Pending() > 0 {
		sig, err := q.Dequeue(0)
		require.NoError(t, err)
		got = append(got, sig.Name)
	}
	assert.Equal(t, []string{"h1", "h2", "n1", "n2"}, got)
}

func TestSignalQueueSequenceStrictlyIncreasing(t *testing.T) {
	q := NewSignalQueue()
	var last uint64
	for i := 0; i < 10; i++ {
		sig, err := q.Enqueue("s", PriorityNormal, nil)
		require.NoError(t, err)
		assert.Greater(t, sig.Seq, last)
		last = sig.Seq
	}
}

func TestSignalQueueDequeueTimeout(t *testing.T) {
	q := NewSignalQueue()

	_, err := q.Dequeue(0)
	assert.ErrorIs(t, err, ErrDequeueTimeout, "poll on empty queue")

	start := time.Now()
	_, err = q.Dequeue(20 * time.Millisecond)
	assert.ErrorIs(t, err, ErrDequeueTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestSignalQueueBlockingDequeueWakes(t *testing.T) {
	q := NewSignalQueue()
	done := make(chan Signal, 1)
	go func() {
		sig, err := q.Dequeue(time.Second)
		if err == nil {
			done <- sig
		}
	}()

	time.Sleep(10 * time.Millisecond)
	q.Enqueue("late", PriorityNormal, nil)

	select {
	case sig := <-done:
		assert.Equal(t, "late", sig.Name)
	case <-time.After(time.Second):
		t.Fatal("dequeue never woke")
	}
}

func TestSignalQueueCloseDrainsBeforeRejecting(t *testing.T) {
	q := NewSignalQueue()
	q.Enqueue("pending", PriorityNormal, nil)
	q.Close()
	q.Close() // idempotent

	_, err := q.Enqueue("rejected", PriorityNormal, nil)
	assert.ErrorIs(t, err, ErrQueueClosed)

	sig, err := q.Dequeue(0)
	require.NoError(t, err, "accepted signals survive close")
	assert.Equal(t, "pending", sig.Name)

	_, err = q.Dequeue(0)
	assert.ErrorIs(t, err, ErrQueueClosed)
	assert.True(t, q.Closed())
}

func TestSignalQueueCloseWakesBlockedDequeue(t *testing.T) {
	q := NewSignalQueue()
	done := make(chan error, 1)
	go func() {
		_, err := q.Dequeue(5 * time.Second)
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	q.Close()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrQueueClosed)
	case <-time.After(time.Second):
		t.Fatal("blocked dequeue never observed close")
	}
}

func TestSignalQueueConcurrentProducers(t *testing.T) {
	q := NewSignalQueue()
	const producers = 8
	const perProducer = 50

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				_, err := q.Enqueue("s", PriorityNormal, nil)
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, producers*perProducer, q.Pending())
	var last uint64
	for q.Pending() > 0 {
		sig, err := q.Dequeue(0)
		require.NoError(t, err)
		assert.Greater(t, sig.Seq, last, "drain order follows sequence for equal priority")
		last = sig.Seq
	}
}
