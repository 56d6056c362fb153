package pipeline

import (
	"container/heap"
	"sync"
	"time"
)

// SignalQueue orders signals by (priority descending, sequence
// ascending). Enqueue never blocks; Dequeue blocks up to a timeout.
// A closed queue rejects new signals but drains the remainder before
// reporting ErrQueueClosed, so nothing already accepted is dropped
// during shutdown.
type SignalQueue struct {
	mu      sync.Mutex
	items   sigHeap
	nextSeq uint64
	closed  bool

	wake     chan struct{}
	closedCh chan struct{}
}

// NewSignalQueue creates an open, empty queue.
func NewSignalQueue() *SignalQueue {
	return &SignalQueue{
		wake:     make(chan struct{}, 1),
		closedCh: make(chan struct{}),
	}
}

// Enqueue adds a signal and returns the stamped copy. The sequence
// number is assigned here and is strictly increasing per queue.
func (q *SignalQueue) Enqueue(name string, pri Priority, payload map[string]interface{}) (Signal, error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return Signal{}, ErrQueueClosed
	}
	q.nextSeq++
	sig := Signal{
		Name:       name,
		Priority:   pri,
		Payload:    payload,
		Seq:        q.nextSeq,
		EnqueuedAt: time.Now(),
	}
	heap.Push(&q.items, sig)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return sig, nil
}

// Dequeue returns the next signal in priority order. With an empty
// queue it waits up to timeout and returns ErrDequeueTimeout, or
// ErrQueueClosed once the queue is closed and fully drained. A
// non-positive timeout polls without waiting.
func (q *SignalQueue) Dequeue(timeout time.Duration) (Signal, error) {
	var deadline <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		deadline = t.C
	}

	for {
		q.mu.Lock()
		if q.items.Len() > 0 {
			sig := heap.Pop(&q.items).(Signal)
			q.mu.Unlock()
			return sig, nil
		}
		closed := q.closed
		q.mu.Unlock()

		if closed {
			return Signal{}, ErrQueueClosed
		}
		if timeout <= 0 {
			return Signal{}, ErrDequeueTimeout
		}

		select {
		case <-q.wake:
		case <-q.closedCh:
		case <-deadline:
			return Signal{}, ErrDequeueTimeout
		}
	}
}

// Pending returns the number of queued signals. Step logic uses this
// as the safe-point check so a queued emergency signal interrupts a
// long step without a shared lock.
func (q *SignalQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// Close rejects further enqueues. Queued signals remain dequeueable.
// Idempotent.
func (q *SignalQueue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()
	close(q.closedCh)
}

// Closed reports whether Close has been called.
func (q *SignalQueue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// sigHeap orders by priority descending, then sequence ascending.
type sigHeap []Signal

func (h sigHeap) Len() int { return len(h) }

func (h sigHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].Seq < h[j].Seq
}

func (h sigHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *sigHeap) Push(x interface{}) {
	*h = append(*h, x.(Signal))
}

func (h *sigHeap) Pop() interface{} {
	old := *h
	n := len(old)
	sig := old[n-1]
	*h = old[:n-1]
	return sig
}
