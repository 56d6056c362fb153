package ws

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/visionflow/visionflow/internal/bridge"
	"github.com/visionflow/visionflow/internal/infrastructure/logging"
	"github.com/visionflow/visionflow/internal/pipeline"
)

// Close codes beyond the RFC range for subscription failures.
const (
	CloseUnknownPipeline = 4004
	CloseUnknownTopic    = 4005
)

const writeTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins in dev
	},
}

// Handler upgrades websocket requests and attaches them to the bridge.
type Handler struct {
	bridge *bridge.Bridge
	log    *logging.Logger
}

// NewHandler creates a websocket handler over the bridge.
func NewHandler(b *bridge.Bridge, log *logging.Logger) *Handler {
	if log == nil {
		log = logging.NewNop()
	}
	return &Handler{bridge: b, log: log.Named("ws")}
}

// HandlePipeline serves /ws/pipeline/:name, streaming status, config,
// lifecycle, and notification messages for one pipeline.
func (h *Handler) HandlePipeline(c *gin.Context) {
	h.serve(c, c.Param("name"), "")
}

// HandleTopic serves /ws/pipeline/:name/topic/:topic, adding the
// topic's record stream to the update feed.
func (h *Handler) HandleTopic(c *gin.Context) {
	h.serve(c, c.Param("name"), c.Param("topic"))
}

func (h *Handler) serve(c *gin.Context, name, topic string) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("Websocket upgrade failed", zap.Error(err))
		return
	}

	transport := newTransport(conn)
	sub, err := h.bridge.Subscribe(name, topic, transport)
	if err != nil {
		h.rejectSubscribe(conn, name, topic, err)
		return
	}

	h.log.Info("Websocket subscriber connected",
		zap.String("pipeline", name),
		zap.String("topic", topic),
		zap.String("subscription", sub.ID))

	// The read loop only watches for disconnect; inbound payloads are
	// not part of the protocol.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	sub.Close()
}

func (h *Handler) rejectSubscribe(conn *websocket.Conn, name, topic string, err error) {
	code := websocket.CloseInternalServerErr
	switch {
	case errors.Is(err, pipeline.ErrNotFound):
		code = CloseUnknownPipeline
	case errors.Is(err, pipeline.ErrUnknownTopic):
		code = CloseUnknownTopic
	}
	msg := websocket.FormatCloseMessage(code, err.Error())
	deadline := time.Now().Add(writeTimeout)
	_ = conn.WriteControl(websocket.CloseMessage, msg, deadline)
	_ = conn.Close()
	h.log.Info("Websocket subscribe rejected",
		zap.String("pipeline", name),
		zap.String("topic", topic),
		zap.Error(err))
}

// transport adapts a gorilla connection to the bridge's Transport.
// Send runs on the subscription's writer goroutine; the mutex only
// fences Send against Close.
type transport struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func newTransport(conn *websocket.Conn) *transport {
	return &transport{conn: conn}
}

func (t *transport) Send(msg []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return t.conn.WriteMessage(websocket.TextMessage, msg)
}

func (t *transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	deadline := time.Now().Add(time.Second)
	_ = t.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	return t.conn.Close()
}
