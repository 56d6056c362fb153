package handler

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/visionflow/visionflow/internal/infrastructure/logging"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry(logging.NewNop())
	require.NoError(t, RegisterBuiltins(r))
	return r
}

func TestRegistryNames(t *testing.T) {
	r := newTestRegistry(t)
	assert.Equal(t, []string{"arm_control", "calibrator", "detector", "frame_source"}, r.Names())
}

func TestRegistryUnknownHandler(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.New("teleport", nil)
	assert.Error(t, err)
}

func TestRegisterValidation(t *testing.T) {
	r := NewRegistry(nil)
	assert.Error(t, r.Register("", NewDetector))
	assert.Error(t, r.Register("x", nil))
}

func TestFrameSource(t *testing.T) {
	r := newTestRegistry(t)
	h, err := r.New("frame_source", map[string]interface{}{"width": 1280, "height": 720})
	require.NoError(t, err)

	out, err := h.Process(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), out["frame_id"])
	assert.Equal(t, 1280, out["width"])

	out, err = h.Process(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), out["frame_id"], "frame ids increase")
}

func TestFrameSourceRejectsInvalidResolution(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.New("frame_source", map[string]interface{}{"width": -1})
	assert.Error(t, err)
}

func TestDetectorThreshold(t *testing.T) {
	r := newTestRegistry(t)

	h, err := r.New("detector", map[string]interface{}{"threshold": 1.0})
	require.NoError(t, err)
	out, err := h.Process(context.Background(), map[string]interface{}{"frame_id": uint64(7)})
	require.NoError(t, err)
	assert.Empty(t, out["detections"], "nothing clears a threshold of 1")
	assert.Equal(t, uint64(7), out["frame_id"])

	_, err = r.New("detector", map[string]interface{}{"threshold": 1.5})
	assert.Error(t, err)
}

func TestArmControlSequencing(t *testing.T) {
	r := newTestRegistry(t)
	h, err := r.New("arm_control", map[string]interface{}{"move_delay": "0s"})
	require.NoError(t, err)

	ctx := context.Background()

	_, err = h.Process(ctx, map[string]interface{}{"action": "place"})
	assert.Error(t, err, "cannot place with an empty grip")

	out, err := h.Process(ctx, map[string]interface{}{"action": "pick"})
	require.NoError(t, err)
	assert.Equal(t, true, out["holding"])

	_, err = h.Process(ctx, map[string]interface{}{"action": "pick"})
	assert.Error(t, err, "cannot pick while holding")

	out, err = h.Process(ctx, map[string]interface{}{"action": "place"})
	require.NoError(t, err)
	assert.Equal(t, false, out["holding"])

	_, err = h.Process(ctx, map[string]interface{}{"action": "juggle"})
	assert.Error(t, err)
}

func TestCalibratorCompletes(t *testing.T) {
	r := newTestRegistry(t)
	h, err := r.New("calibrator", map[string]interface{}{"samples": 2})
	require.NoError(t, err)

	ctx := context.Background()
	out, err := h.Process(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, false, out["done"])

	out, err = h.Process(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, true, out["done"])
	assert.NotNil(t, out["transform"])

	out, err = h.Process(ctx, map[string]interface{}{"reset": true})
	require.NoError(t, err)
	assert.Equal(t, false, out["done"], "reset starts sampling over")
}
