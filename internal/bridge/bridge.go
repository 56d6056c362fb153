// Package bridge fans pipeline updates and topic records out to
// websocket subscribers. It subscribes to the supervisor's update
// stream and to topic buffers, translating both into JSON wire
// messages with per-subscriber backpressure.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/visionflow/visionflow/internal/infrastructure/logging"
	"github.com/visionflow/visionflow/internal/infrastructure/monitoring"
	"github.com/visionflow/visionflow/internal/pipeline"
)

// Transport delivers encoded messages to one client. Implementations
// are websocket connections in production and in-memory sinks in tests.
// Send is called from a single goroutine per subscription.
type Transport interface {
	Send(msg []byte) error
	Close() error
}

// Config tunes per-subscription delivery.
type Config struct {
	// OutboxLimit bounds undelivered record messages per subscriber.
	OutboxLimit int
	// CompressMin is the payload size at which records are gzipped.
	// Zero disables compression.
	CompressMin int
}

// Bridge connects one supervisor to its websocket subscribers.
type Bridge struct {
	sup     *pipeline.Supervisor
	cfg     Config
	log     *logging.Logger
	metrics *monitoring.Metrics

	mu     sync.RWMutex
	subs   map[string]map[*Subscription]struct{}
	closed bool
}

// New creates a bridge and hooks it into the supervisor's update
// stream.
func New(sup *pipeline.Supervisor, cfg Config, log *logging.Logger) *Bridge {
	if log == nil {
		log = logging.NewNop()
	}
	b := &Bridge{
		sup:  sup,
		cfg:  cfg,
		log:  log.Named("bridge"),
		subs: make(map[string]map[*Subscription]struct{}),
	}
	sup.Notify(b.dispatch)
	return b
}

// WithMetrics attaches delivery metrics.
func (b *Bridge) WithMetrics(m *monitoring.Metrics) *Bridge {
	b.metrics = m
	return b
}

// Subscription is one client's attachment to a pipeline, optionally
// narrowed to a single topic's record stream.
type Subscription struct {
	ID       string
	Pipeline string
	Topic    string

	bridge    *Bridge
	transport Transport
	out       *outbox
	ctx       context.Context
	cancel    context.CancelFunc
	restart   chan struct{}
	closeOnce sync.Once
}

// Subscribe attaches a transport to a pipeline's update stream. When
// topic is non-empty the subscriber also receives that topic's
// records: retained history first, then live appends. The record
// stream follows the pipeline across restarts.
func (b *Bridge) Subscribe(name, topic string, t Transport) (*Subscription, error) {
	desc, err := b.sup.Describe(name)
	if err != nil {
		return nil, err
	}
	if topic != "" {
		if _, ok := desc.Descriptor.Topic(topic); !ok {
			return nil, fmt.Errorf("%w: %q", pipeline.ErrUnknownTopic, topic)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	sub := &Subscription{
		ID:        uuid.New().String(),
		Pipeline:  name,
		Topic:     topic,
		bridge:    b,
		transport: t,
		out:       newOutbox(b.cfg.OutboxLimit),
		ctx:       ctx,
		cancel:    cancel,
		restart:   make(chan struct{}, 1),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		cancel()
		return nil, ErrOutboxClosed
	}
	if b.subs[name] == nil {
		b.subs[name] = make(map[*Subscription]struct{})
	}
	b.subs[name][sub] = struct{}{}
	b.mu.Unlock()

	if b.metrics != nil {
		b.metrics.SubscriptionsActive.Inc()
	}
	b.log.Info("Subscriber attached",
		zap.String("subscription", sub.ID),
		zap.String("pipeline", name),
		zap.String("topic", topic))

	sub.queueControl(mustMarshalConnection(sub))

	go sub.writeLoop()
	if topic != "" {
		go sub.recordLoop()
	}
	return sub, nil
}

// Close detaches the subscription and closes its transport. Safe to
// call more than once.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
		s.out.close()
		_ = s.transport.Close()
		s.bridge.remove(s)
	})
}

// Dropped returns how many record messages this subscriber lost to
// backpressure.
func (s *Subscription) Dropped() uint64 {
	return s.out.droppedCount()
}

// Close detaches every subscriber. The bridge accepts no new
// subscriptions afterwards.
func (b *Bridge) Close() {
	b.mu.Lock()
	b.closed = true
	var all []*Subscription
	for _, set := range b.subs {
		for sub := range set {
			all = append(all, sub)
		}
	}
	b.mu.Unlock()

	for _, sub := range all {
		sub.Close()
	}
}

// Subscribers reports the current subscriber count for a pipeline.
func (b *Bridge) Subscribers(name string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[name])
}

// Stats aggregates subscriber counts across all pipelines.
type Stats struct {
	Subscriptions int
	Pipelines     map[string]int
}

// Stats returns a snapshot of current subscriber counts.
func (b *Bridge) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	st := Stats{Pipelines: make(map[string]int, len(b.subs))}
	for name, set := range b.subs {
		st.Pipelines[name] = len(set)
		st.Subscriptions += len(set)
	}
	return st
}

func (b *Bridge) remove(sub *Subscription) {
	b.mu.Lock()
	set := b.subs[sub.Pipeline]
	_, present := set[sub]
	delete(set, sub)
	if len(set) == 0 {
		delete(b.subs, sub.Pipeline)
	}
	b.mu.Unlock()

	if present && b.metrics != nil {
		b.metrics.SubscriptionsActive.Dec()
	}
	if present {
		b.log.Info("Subscriber detached", zap.String("subscription", sub.ID))
	}
}

// dispatch fans one supervisor update out to the pipeline's
// subscribers as a control message.
func (b *Bridge) dispatch(u pipeline.Update) {
	msg, typ, err := encodeUpdate(u)
	if err != nil {
		b.log.Error("Encode update failed", zap.Error(err))
		return
	}
	if msg == nil {
		return
	}

	b.mu.RLock()
	targets := make([]*Subscription, 0, len(b.subs[u.Pipeline]))
	for sub := range b.subs[u.Pipeline] {
		targets = append(targets, sub)
	}
	b.mu.RUnlock()

	started := u.Kind == pipeline.UpdateLifecycle && u.Lifecycle == pipeline.LifecycleStarted
	for _, sub := range targets {
		sub.queueControl(msg)
		if b.metrics != nil {
			b.metrics.MessagesDelivered.WithLabelValues(typ).Inc()
		}
		if started && sub.Topic != "" {
			sub.signalRestart()
		}
	}
}

func (s *Subscription) queueControl(msg []byte) {
	s.out.pushControl(msg)
}

func (s *Subscription) signalRestart() {
	select {
	case s.restart <- struct{}{}:
	default:
	}
}

// writeLoop drains the outbox onto the transport. A send failure ends
// the subscription.
func (s *Subscription) writeLoop() {
	for {
		msg, err := s.out.next(s.ctx)
		if err != nil {
			return
		}
		if err := s.transport.Send(msg); err != nil {
			s.bridge.log.Warn("Subscriber send failed",
				zap.String("subscription", s.ID), zap.Error(err))
			s.Close()
			return
		}
	}
}

// recordLoop attaches to the topic's buffer and pumps records into the
// outbox. When the pipeline is not running it waits for a started
// lifecycle event; when a run ends, its buffer closes and the loop
// waits for the next run. Each run's stream begins with the buffer's
// retained records (catch-up) and continues live.
func (s *Subscription) recordLoop() {
	b := s.bridge
	for {
		cur, err := b.sup.SubscribeRecords(s.Pipeline, s.Topic, 0)
		if err != nil {
			if errors.Is(err, pipeline.ErrNotFound) {
				s.Close()
				return
			}
			// Not running yet. Wait for the next start.
			select {
			case <-s.restart:
				continue
			case <-s.ctx.Done():
				return
			}
		}

		// A stale restart signal would replay the run we just
		// attached to.
		select {
		case <-s.restart:
		default:
		}

		s.pump(cur)
		cur.Close()

		select {
		case <-s.ctx.Done():
			return
		default:
		}
	}
}

func (s *Subscription) pump(cur *pipeline.Cursor) {
	b := s.bridge
	for {
		rec, gap, err := cur.Next(s.ctx)
		if err != nil {
			return
		}
		msg, err := encodeRecord(s.Pipeline, s.Topic, rec, gap, b.cfg.CompressMin)
		if err != nil {
			b.log.Error("Encode record failed", zap.Error(err))
			continue
		}
		dropped, ok := s.out.pushData(msg)
		if !ok {
			return
		}
		if b.metrics != nil {
			b.metrics.MessagesDelivered.WithLabelValues(TypeRecord).Inc()
			if dropped > 0 {
				b.metrics.MessagesDropped.WithLabelValues(s.Pipeline).Add(float64(dropped))
			}
		}
	}
}

func mustMarshalConnection(sub *Subscription) []byte {
	msg, _, err := marshal(ConnectionStatusMessage{
		Type:      TypeConnectionStatus,
		Status:    "connected",
		Pipeline:  sub.Pipeline,
		Topic:     sub.Topic,
		Timestamp: now(),
	}, TypeConnectionStatus)
	if err != nil {
		panic(err)
	}
	return msg
}
