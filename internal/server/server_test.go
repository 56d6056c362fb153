package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/visionflow/visionflow/internal/infrastructure/config"
	"github.com/visionflow/visionflow/internal/infrastructure/logging"
)

const testDefinitions = `
pipelines:
  - name: arm
    type: pick_and_place
    states: [idle, calibrating, detecting, picking_placing, picking_stacking, error]
    initial_state: idle
    error_state: error
    signals: [reset_arm, re_calibrate, calibration_confirmed, pick_place, pick_stack, stop, emergency_stop]
    topics:
      - name: input_frames
      - name: calibration_frames
      - name: detection_frames
    config:
      calibrator:
        samples: 2
      arm_control:
        move_delay: 0s
`

func newTestServer(t *testing.T) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	path := filepath.Join(t.TempDir(), "pipelines.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testDefinitions), 0o644))

	cfg := config.Default()
	cfg.Pipeline.Definitions = path
	cfg.Pipeline.StepInterval = time.Millisecond
	cfg.RateLimit.Enabled = false

	srv, err := newWithRegisterer(cfg, logging.NewNop(), prometheus.NewRegistry())
	require.NoError(t, err)
	t.Cleanup(srv.Close)
	return srv
}

func get(t *testing.T, srv *Server, path string) (int, map[string]interface{}) {
	t.Helper()
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return w.Code, body
}

func post(t *testing.T, srv *Server, path string) int {
	t.Helper()
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, httptest.NewRequest(http.MethodPost, path, nil))
	return w.Code
}

func TestServerWiring(t *testing.T) {
	srv := newTestServer(t)

	code, body := get(t, srv, "/health")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "healthy", body["status"])

	code, body = get(t, srv, "/pipelines")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(1), body["count"], "definition file registered the arm pipeline")

	code, body = get(t, srv, "/pipelines/arm")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "pick_and_place", body["type"])
	assert.Equal(t, false, body["running"])
}

func TestServerStartStopViaAPI(t *testing.T) {
	srv := newTestServer(t)

	require.Equal(t, http.StatusOK, post(t, srv, "/pipelines/arm/start"))

	code, body := get(t, srv, "/pipelines/arm")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["running"])
	assert.Equal(t, "idle", body["state"])

	require.Equal(t, http.StatusOK, post(t, srv, "/pipelines/arm/stop"))

	deadline := time.Now().Add(2 * time.Second)
	for {
		_, body = get(t, srv, "/pipelines/arm")
		if body["running"] == false {
			break
		}
		require.True(t, time.Now().Before(deadline), "pipeline never reported stopped")
		time.Sleep(2 * time.Millisecond)
	}
}

func TestServerMissingDefinitionsStartsEmpty(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cfg := config.Default()
	cfg.Pipeline.Definitions = filepath.Join(t.TempDir(), "absent.yaml")
	cfg.RateLimit.Enabled = false

	srv, err := newWithRegisterer(cfg, logging.NewNop(), prometheus.NewRegistry())
	require.NoError(t, err)
	t.Cleanup(srv.Close)

	code, body := get(t, srv, "/pipelines")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(0), body["count"])
}

func TestServerRunShutsDownOnCancel(t *testing.T) {
	srv := newTestServer(t)
	srv.httpServer.Addr = "127.0.0.1:0"

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
