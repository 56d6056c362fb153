package ws

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/visionflow/visionflow/internal/bridge"
	"github.com/visionflow/visionflow/internal/infrastructure/logging"
	"github.com/visionflow/visionflow/internal/pipeline"
)

type tickMachine struct{ n int }

func (m *tickMachine) HandleSignal(env *pipeline.Env, sig pipeline.Signal) error { return nil }

func (m *tickMachine) Step(ctx context.Context, env *pipeline.Env) error {
	m.n++
	_, err := env.Publish("frames", []byte("tick"), nil)
	return err
}

func newTestServer(t *testing.T) (*httptest.Server, *pipeline.Supervisor) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	types := pipeline.NewTypeRegistry()
	require.NoError(t, types.RegisterType("tick",
		func(desc pipeline.Descriptor, cfg map[string]interface{}, log *logging.Logger) (pipeline.Machine, error) {
			return &tickMachine{}, nil
		}))

	sup := pipeline.NewSupervisor(types, nil, pipeline.SupervisorConfig{
		Worker: pipeline.WorkerConfig{StepInterval: time.Millisecond},
	}, logging.NewNop())
	require.NoError(t, sup.Register(pipeline.Descriptor{
		Name:         "cam",
		Type:         "tick",
		States:       []string{"run"},
		InitialState: "run",
		Topics:       []pipeline.TopicConfig{{Name: "frames", MaxCount: 10, TimeWindow: -1}},
	}))

	b := bridge.New(sup, bridge.Config{OutboxLimit: 64}, logging.NewNop())
	h := NewHandler(b, logging.NewNop())

	router := gin.New()
	router.GET("/ws/pipeline/:name", h.HandlePipeline)
	router.GET("/ws/pipeline/:name/topic/:topic", h.HandleTopic)

	srv := httptest.NewServer(router)
	t.Cleanup(func() {
		srv.Close()
		b.Close()
		sup.StopAll()
	})
	return srv, sup
}

func wsURL(srv *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + path
}

func readMessage(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &msg))
	return msg
}

func TestPipelineEndpointConfirmsConnection(t *testing.T) {
	srv, _ := newTestServer(t)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "/ws/pipeline/cam"), nil)
	require.NoError(t, err)
	defer conn.Close()

	msg := readMessage(t, conn)
	assert.Equal(t, "connection_status", msg["type"])
	assert.Equal(t, "cam", msg["pipeline"])
}

func TestTopicEndpointStreamsRecords(t *testing.T) {
	srv, sup := newTestServer(t)
	require.NoError(t, sup.Start(context.Background(), "cam", pipeline.StartOptions{}))

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "/ws/pipeline/cam/topic/frames"), nil)
	require.NoError(t, err)
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for {
		require.True(t, time.Now().Before(deadline), "no record arrived")
		msg := readMessage(t, conn)
		if msg["type"] == "record" {
			assert.Equal(t, "frames", msg["topic"])
			break
		}
	}
}

func TestUnknownPipelineCloses4004(t *testing.T) {
	srv, _ := newTestServer(t)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "/ws/pipeline/ghost"), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, CloseUnknownPipeline, closeErr.Code)
}

func TestUnknownTopicCloses4005(t *testing.T) {
	srv, _ := newTestServer(t)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "/ws/pipeline/cam/topic/ghost"), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, CloseUnknownTopic, closeErr.Code)
}
