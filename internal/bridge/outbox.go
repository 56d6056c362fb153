package bridge

import (
	"context"
	"errors"
	"sync"
)

// ErrOutboxClosed reports delivery after the subscription ended.
var ErrOutboxClosed = errors.New("bridge: outbox closed")

// outbox is the per-subscription delivery queue. Control messages
// (status, config, lifecycle, notifications) queue without bound and
// are never dropped. Data messages (records) occupy a bounded ring;
// when a slow client falls behind, the oldest undelivered record is
// dropped so the client converges on fresh data instead of stalling
// the pipeline's other subscribers.
type outbox struct {
	mu      sync.Mutex
	control [][]byte
	data    [][]byte
	limit   int
	dropped uint64
	closed  bool

	wake chan struct{}
}

func newOutbox(limit int) *outbox {
	if limit <= 0 {
		limit = 64
	}
	return &outbox{limit: limit, wake: make(chan struct{}, 1)}
}

// pushControl queues a message exempt from dropping.
func (o *outbox) pushControl(msg []byte) bool {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return false
	}
	o.control = append(o.control, msg)
	o.mu.Unlock()
	o.notify()
	return true
}

// pushData queues a record message, evicting the oldest queued record
// when full. Returns the number of records dropped to make room.
func (o *outbox) pushData(msg []byte) (dropped uint64, ok bool) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return 0, false
	}
	for len(o.data) >= o.limit {
		o.data = o.data[1:]
		o.dropped++
		dropped++
	}
	o.data = append(o.data, msg)
	o.mu.Unlock()
	o.notify()
	return dropped, true
}

// next blocks until a message is available. Control messages always
// deliver ahead of data.
func (o *outbox) next(ctx context.Context) ([]byte, error) {
	for {
		o.mu.Lock()
		if msg, ok := o.takeLocked(); ok {
			o.mu.Unlock()
			return msg, nil
		}
		closed := o.closed
		o.mu.Unlock()
		if closed {
			return nil, ErrOutboxClosed
		}

		select {
		case <-o.wake:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (o *outbox) takeLocked() ([]byte, bool) {
	if len(o.control) > 0 {
		msg := o.control[0]
		o.control = o.control[1:]
		return msg, true
	}
	if len(o.data) > 0 {
		msg := o.data[0]
		o.data = o.data[1:]
		return msg, true
	}
	return nil, false
}

// droppedCount returns the total records dropped so far.
func (o *outbox) droppedCount() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.dropped
}

func (o *outbox) close() {
	o.mu.Lock()
	o.closed = true
	o.control = nil
	o.data = nil
	o.mu.Unlock()
	o.notify()
}

func (o *outbox) notify() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}
