package stream

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/visionflow/visionflow/internal/infrastructure/logging"
)

// ConnState is the client-visible condition of one subscription.
type ConnState string

const (
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateDisconnected ConnState = "disconnected"
	StateGaveUp       ConnState = "gave_up"
	StateClosed       ConnState = "closed"
)

// Conn is one established server connection.
type Conn interface {
	ReadMessage() ([]byte, error)
	Close() error
}

// Dialer establishes connections; swapped for a fake in tests.
type Dialer interface {
	DialContext(ctx context.Context, url string) (Conn, error)
}

// WebsocketDialer dials real websocket endpoints.
type WebsocketDialer struct {
	Dialer *websocket.Dialer
}

func (d WebsocketDialer) DialContext(ctx context.Context, url string) (Conn, error) {
	wd := d.Dialer
	if wd == nil {
		wd = websocket.DefaultDialer
	}
	c, _, err := wd.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return wsConn{c}, nil
}

type wsConn struct{ c *websocket.Conn }

func (w wsConn) ReadMessage() ([]byte, error) {
	_, data, err := w.c.ReadMessage()
	return data, err
}

func (w wsConn) Close() error { return w.c.Close() }

// Config tunes the client.
type Config struct {
	Backoff Backoff
	Dialer  Dialer

	// OnMessage receives every inbound message. Called from the
	// subscription's goroutine; must not block for long.
	OnMessage func(key string, data []byte)
	// OnState observes connection state changes. Optional.
	OnState func(key string, state ConnState, err error)
}

// Client maintains one auto-reconnecting connection per subscription
// key. At most one connection attempt is ever in flight per key.
type Client struct {
	cfg Config
	log *logging.Logger

	mu     sync.Mutex
	subs   map[string]*subscription
	closed bool
}

type subscription struct {
	key    string
	url    string
	cancel context.CancelFunc
	done   chan struct{}

	// reconnect wakes the loop for a manual attempt, which resets the
	// attempt counter.
	reconnect chan struct{}
}

// NewClient creates a client. OnMessage must be set before Subscribe.
func NewClient(cfg Config, log *logging.Logger) *Client {
	if cfg.Dialer == nil {
		cfg.Dialer = WebsocketDialer{}
	}
	if cfg.Backoff.Base <= 0 {
		cfg.Backoff = DefaultBackoff()
	}
	if log == nil {
		log = logging.NewNop()
	}
	return &Client{
		cfg:  cfg,
		log:  log.Named("stream"),
		subs: make(map[string]*subscription),
	}
}

// Subscribe starts maintaining a connection for key. A second
// Subscribe for a live key is rejected; the existing connection loop
// already covers it.
func (c *Client) Subscribe(key, url string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("stream: client closed")
	}
	if _, exists := c.subs[key]; exists {
		return fmt.Errorf("stream: subscription %q already active", key)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sub := &subscription{
		key:       key,
		url:       url,
		cancel:    cancel,
		done:      make(chan struct{}),
		reconnect: make(chan struct{}, 1),
	}
	c.subs[key] = sub
	go c.run(ctx, sub)
	return nil
}

// Unsubscribe tears down one subscription and waits for its loop to
// exit.
func (c *Client) Unsubscribe(key string) {
	c.mu.Lock()
	sub := c.subs[key]
	delete(c.subs, key)
	c.mu.Unlock()
	if sub == nil {
		return
	}
	sub.cancel()
	<-sub.done
}

// Reconnect forces an immediate attempt for key and resets its backoff
// counter. Revives subscriptions that gave up.
func (c *Client) Reconnect(key string) error {
	c.mu.Lock()
	sub := c.subs[key]
	c.mu.Unlock()
	if sub == nil {
		return fmt.Errorf("stream: no subscription %q", key)
	}
	select {
	case sub.reconnect <- struct{}{}:
	default:
	}
	return nil
}

// Retarget replaces the full subscription set. Every prior connection
// is torn down before any new target is dialed, so messages from the
// old target can never interleave into the new stream.
func (c *Client) Retarget(targets map[string]string) error {
	c.mu.Lock()
	old := c.subs
	c.subs = make(map[string]*subscription, len(targets))
	c.mu.Unlock()

	for _, sub := range old {
		sub.cancel()
		<-sub.done
	}

	for key, url := range targets {
		if err := c.Subscribe(key, url); err != nil {
			return err
		}
	}
	return nil
}

// Keys returns the active subscription keys.
func (c *Client) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]string, 0, len(c.subs))
	for k := range c.subs {
		keys = append(keys, k)
	}
	return keys
}

// Close tears down every subscription.
func (c *Client) Close() {
	c.mu.Lock()
	c.closed = true
	old := c.subs
	c.subs = make(map[string]*subscription)
	c.mu.Unlock()

	for _, sub := range old {
		sub.cancel()
		<-sub.done
	}
}

// run is the single connection loop for one key. Being the only
// goroutine that dials for its key is what guarantees duplicate
// attempt suppression.
func (c *Client) run(ctx context.Context, sub *subscription) {
	defer close(sub.done)
	defer c.setState(sub.key, StateClosed, nil)

	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}

		// A queued manual request at any point resets the counter.
		select {
		case <-sub.reconnect:
			attempt = 0
		default:
		}

		if c.cfg.Backoff.Exhausted(attempt) {
			c.log.Warn("Reconnect attempts exhausted",
				zap.String("key", sub.key), zap.Int("attempts", attempt-1))
			c.setState(sub.key, StateGaveUp, nil)
			select {
			case <-sub.reconnect:
				attempt = 0
				continue
			case <-ctx.Done():
				return
			}
		}

		if attempt > 0 {
			delay := c.cfg.Backoff.Delay(attempt)
			c.log.Info("Scheduling reconnect",
				zap.String("key", sub.key),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay))
			select {
			case <-time.After(delay):
			case <-sub.reconnect:
				attempt = 0
			case <-ctx.Done():
				return
			}
		}

		c.setState(sub.key, StateConnecting, nil)
		conn, err := c.cfg.Dialer.DialContext(ctx, sub.url)
		if err != nil {
			c.log.Warn("Dial failed",
				zap.String("key", sub.key), zap.Error(err))
			c.setState(sub.key, StateDisconnected, err)
			attempt++
			continue
		}

		c.setState(sub.key, StateConnected, nil)
		attempt = 0
		err = c.consume(ctx, sub, conn)
		_ = conn.Close()
		if ctx.Err() != nil {
			return
		}
		c.log.Warn("Connection lost",
			zap.String("key", sub.key), zap.Error(err))
		c.setState(sub.key, StateDisconnected, err)
		attempt = 1
	}
}

// consume reads until the connection drops or the subscription ends.
func (c *Client) consume(ctx context.Context, sub *subscription, conn Conn) error {
	// Unblock the read when the subscription is cancelled.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-stop:
		}
	}()

	for {
		data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if c.cfg.OnMessage != nil {
			c.cfg.OnMessage(sub.key, data)
		}
	}
}

func (c *Client) setState(key string, state ConnState, err error) {
	if c.cfg.OnState != nil {
		c.cfg.OnState(key, state, err)
	}
}
