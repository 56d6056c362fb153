package pipeline

import (
	"context"
	"sync"
	"time"
)

// Buffer is the bounded record store for one (pipeline, topic) pair.
// It is single-writer (the owning worker) and multi-reader (one Cursor
// per subscriber); the writer never waits on readers.
//
// After every append the buffer evicts from the front while the count
// bound or the time bound is exceeded. Retained records are always a
// contiguous suffix of the produced sequence. A reader that falls
// behind eviction observes a gap; the memory bound always wins over a
// slow reader.
//
// Bound semantics: a negative bound disables that criterion. MaxCount
// of zero retains nothing: sequence ids and the evicted counter still
// advance, but cursors never observe a record; the topic is write-only
// accounting. TimeWindow of zero keeps each record only until the next
// append (fire-and-forget); the time rule never evicts the newest
// record, so current readers get a chance to observe it.
type Buffer struct {
	topic string
	cfg   TopicConfig

	mu       sync.RWMutex
	records  []Record
	firstSeq uint64 // seq of records[0]; == nextSeq when empty
	nextSeq  uint64 // seq assigned to the next append
	cursors  map[uint64]*Cursor
	cursorID uint64
	closed   bool
	evicted  uint64

	closedCh chan struct{}

	// now is a test hook for the eviction clock.
	now func() time.Time
}

// NewBuffer creates an open buffer for one topic.
func NewBuffer(cfg TopicConfig) *Buffer {
	return &Buffer{
		topic:    cfg.Name,
		cfg:      cfg,
		firstSeq: 1,
		nextSeq:  1,
		cursors:  make(map[uint64]*Cursor),
		closedCh: make(chan struct{}),
		now:      time.Now,
	}
}

// Topic returns the topic this buffer backs.
func (b *Buffer) Topic() string { return b.topic }

// Append stores a record, assigning its sequence id and timestamp,
// evicts per the dual bound, and wakes waiting cursors. It never
// blocks on readers.
func (b *Buffer) Append(payload []byte, metadata map[string]string) (Record, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return Record{}, ErrBufferClosed
	}

	rec := Record{
		Topic:      b.topic,
		Seq:        b.nextSeq,
		Payload:    payload,
		Metadata:   metadata,
		ProducedAt: b.now(),
	}
	b.nextSeq++
	b.records = append(b.records, rec)
	b.evictLocked(rec.ProducedAt)

	wake := make([]*Cursor, 0, len(b.cursors))
	for _, c := range b.cursors {
		wake = append(wake, c)
	}
	b.mu.Unlock()

	for _, c := range wake {
		c.notify()
	}
	return rec, nil
}

// evictLocked drops the front while either bound is exceeded. The time
// rule skips the newest record so an append is always observable by
// current subscribers before it ages out.
func (b *Buffer) evictLocked(now time.Time) {
	for len(b.records) > 0 {
		if b.cfg.MaxCount >= 0 && len(b.records) > b.cfg.MaxCount {
			b.dropFrontLocked()
			continue
		}
		if b.cfg.TimeWindow >= 0 && len(b.records) > 1 &&
			now.Sub(b.records[0].ProducedAt) > b.cfg.TimeWindow {
			b.dropFrontLocked()
			continue
		}
		break
	}
}

func (b *Buffer) dropFrontLocked() {
	b.records[0] = Record{} // release payload reference
	b.records = b.records[1:]
	b.firstSeq++
	b.evicted++
}

// Snapshot returns a copy of the currently retained records, oldest
// first, without blocking the writer.
func (b *Buffer) Snapshot() []Record {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Record, len(b.records))
	copy(out, b.records)
	return out
}

// Len returns the number of retained records.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.records)
}

// LastSeq returns the sequence id of the most recently appended record
// (zero if nothing was ever appended).
func (b *Buffer) LastSeq() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.nextSeq - 1
}

// Evicted returns the total number of records evicted so far.
func (b *Buffer) Evicted() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.evicted
}

// SubscribeFrom returns a cursor yielding records with Seq > after as
// they become available, starting with the retained backlog (catch-up)
// and continuing with live appends. Pass 0 for the full retained
// history. Cursors are restartable: a new cursor with the last
// delivered sequence resumes without duplicates.
func (b *Buffer) SubscribeFrom(after uint64) *Cursor {
	c := &Cursor{
		buf:  b,
		last: after,
		wake: make(chan struct{}, 1),
	}
	b.mu.Lock()
	b.cursorID++
	c.id = b.cursorID
	if !b.closed {
		b.cursors[c.id] = c
	}
	b.mu.Unlock()
	return c
}

// Close marks the buffer finished. Cursors drain the retained records
// and then receive ErrBufferClosed. Idempotent.
func (b *Buffer) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.cursors = make(map[uint64]*Cursor)
	b.mu.Unlock()
	close(b.closedCh)
}

// Cursor is one subscriber's read position in a Buffer. Next is the
// lazy-sequence contract: it blocks until a record past the cursor's
// position arrives, the context is cancelled, or the buffer closes.
// Not safe for concurrent use by multiple goroutines.
type Cursor struct {
	buf  *Buffer
	id   uint64
	last uint64
	wake chan struct{}
}

// Next returns the next record and the number of records skipped
// because eviction outran this cursor (zero when the stream is
// gapless). The cursor's position is monotonically non-decreasing.
func (c *Cursor) Next(ctx context.Context) (Record, uint64, error) {
	for {
		rec, gap, ok, closed := c.fetch()
		if ok {
			return rec, gap, nil
		}
		if closed {
			return Record{}, 0, ErrBufferClosed
		}

		select {
		case <-c.wake:
		case <-c.buf.closedCh:
		case <-ctx.Done():
			return Record{}, 0, ctx.Err()
		}
	}
}

// Position returns the sequence id of the last delivered record.
func (c *Cursor) Position() uint64 { return c.last }

// Close releases the cursor's place in the buffer's subscriber set.
func (c *Cursor) Close() {
	c.buf.mu.Lock()
	delete(c.buf.cursors, c.id)
	c.buf.mu.Unlock()
}

func (c *Cursor) fetch() (rec Record, gap uint64, ok, closed bool) {
	b := c.buf
	b.mu.RLock()
	defer b.mu.RUnlock()

	if len(b.records) > 0 {
		lastRetained := b.records[len(b.records)-1].Seq
		if lastRetained > c.last {
			want := c.last + 1
			if want < b.firstSeq {
				gap = b.firstSeq - want
				want = b.firstSeq
			}
			rec = b.records[want-b.firstSeq]
			c.last = rec.Seq
			return rec, gap, true, b.closed
		}
	}
	return Record{}, 0, false, b.closed
}

func (c *Cursor) notify() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}
