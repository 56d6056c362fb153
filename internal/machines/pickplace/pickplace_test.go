package pickplace

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/visionflow/visionflow/internal/handler"
	"github.com/visionflow/visionflow/internal/infrastructure/logging"
	"github.com/visionflow/visionflow/internal/pipeline"
)

func testHandlers(t *testing.T) *handler.Registry {
	t.Helper()
	r := handler.NewRegistry(logging.NewNop())
	require.NoError(t, handler.RegisterBuiltins(r))
	return r
}

func testConfig() map[string]interface{} {
	return map[string]interface{}{
		"arm_control": map[string]interface{}{"move_delay": "0s"},
		"calibrator":  map[string]interface{}{"samples": 2},
		"detector":    map[string]interface{}{"threshold": 0.0},
	}
}

func startWorker(t *testing.T) *pipeline.Worker {
	t.Helper()

	desc := DefaultDescriptor("arm")
	cfg := testConfig()
	m, err := New(desc, cfg, testHandlers(t), logging.NewNop())
	require.NoError(t, err)

	w := pipeline.NewWorker(desc, m, cfg, pipeline.WorkerConfig{
		StepInterval:      time.Millisecond,
		HeartbeatInterval: 10 * time.Millisecond,
	}, logging.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	go w.Run(ctx)
	t.Cleanup(func() {
		w.Queue().Close()
		cancel()
		select {
		case <-w.Done():
		case <-time.After(time.Second):
			t.Error("worker did not stop")
		}
	})
	return w
}

// waitForState consumes updates until the worker reports the wanted
// state or the deadline passes.
func waitForState(t *testing.T, w *pipeline.Worker, state string) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case u, ok := <-w.Updates():
			if !ok {
				t.Fatalf("updates closed waiting for state %q", state)
			}
			if u.Kind == pipeline.UpdateStatus && u.Status.State == state {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state %q", state)
		}
	}
}

func waitForNotice(t *testing.T, w *pipeline.Worker) pipeline.Update {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case u, ok := <-w.Updates():
			if !ok {
				t.Fatal("updates closed waiting for notice")
			}
			if u.Kind == pipeline.UpdateNotice {
				return u
			}
		case <-deadline:
			t.Fatal("timed out waiting for notice")
		}
	}
}

func waitForRecords(t *testing.T, w *pipeline.Worker, topic string, min int) []pipeline.Record {
	t.Helper()
	buf, ok := w.Buffer(topic)
	require.True(t, ok, "topic %q", topic)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if recs := buf.Snapshot(); len(recs) >= min {
			return recs
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d records on %q", min, topic)
	return nil
}

func send(t *testing.T, w *pipeline.Worker, name string, pri pipeline.Priority) {
	t.Helper()
	_, err := w.Queue().Enqueue(name, pri, nil)
	require.NoError(t, err)
}

func TestDefaultDescriptor(t *testing.T) {
	d := DefaultDescriptor("arm")
	assert.Equal(t, StateIdle, d.InitialState)
	assert.Equal(t, StateError, d.ErrorState)
	assert.True(t, d.HasSignal(SignalEmergencyStop))
	assert.True(t, d.HasState(StatePickingStacking))
	require.Len(t, d.Topics, 3)
}

func TestCalibrationFlow(t *testing.T) {
	w := startWorker(t)
	waitForState(t, w, StateIdle)

	send(t, w, SignalReCalibrate, pipeline.PriorityNormal)
	waitForState(t, w, StateCalibrating)

	recs := waitForRecords(t, w, TopicCalibrationFrames, 2)
	assert.Equal(t, "true", recs[len(recs)-1].Metadata["done"])

	send(t, w, SignalCalibrationConfirmed, pipeline.PriorityNormal)
	waitForState(t, w, StateDetecting)

	waitForRecords(t, w, TopicInputFrames, 1)
	waitForRecords(t, w, TopicDetectionFrames, 1)
}

func TestPickPlaceReturnsToDetecting(t *testing.T) {
	w := startWorker(t)

	send(t, w, SignalReCalibrate, pipeline.PriorityNormal)
	waitForRecords(t, w, TopicCalibrationFrames, 2)
	send(t, w, SignalCalibrationConfirmed, pipeline.PriorityNormal)
	waitForState(t, w, StateDetecting)

	send(t, w, SignalPickPlace, pipeline.PriorityNormal)
	waitForState(t, w, StatePickingPlacing)
	waitForState(t, w, StateDetecting)
}

func TestPickBeforeCalibrationRejected(t *testing.T) {
	w := startWorker(t)
	waitForState(t, w, StateIdle)

	send(t, w, SignalPickPlace, pipeline.PriorityNormal)
	u := waitForNotice(t, w)
	assert.Contains(t, u.Message, "calibration")
}

func TestEmergencyStopReturnsToIdle(t *testing.T) {
	w := startWorker(t)

	send(t, w, SignalReCalibrate, pipeline.PriorityNormal)
	waitForRecords(t, w, TopicCalibrationFrames, 2)
	send(t, w, SignalCalibrationConfirmed, pipeline.PriorityNormal)
	waitForState(t, w, StateDetecting)

	send(t, w, SignalEmergencyStop, pipeline.PriorityHigh)
	waitForState(t, w, StateIdle)
}
