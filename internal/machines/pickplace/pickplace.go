// Package pickplace implements the stock pick-and-place pipeline type:
// a camera-driven state machine that calibrates, detects objects, and
// drives an arm to pick then place or stack them.
package pickplace

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/visionflow/visionflow/internal/handler"
	"github.com/visionflow/visionflow/internal/infrastructure/logging"
	"github.com/visionflow/visionflow/internal/pipeline"
)

// Type is the registered pipeline type name.
const Type = "pick_and_place"

// States.
const (
	StateIdle            = "idle"
	StateCalibrating     = "calibrating"
	StateDetecting       = "detecting"
	StatePickingPlacing  = "picking_placing"
	StatePickingStacking = "picking_stacking"
	StateError           = "error"
)

// Signals.
const (
	SignalResetArm             = "reset_arm"
	SignalReCalibrate          = "re_calibrate"
	SignalCalibrationConfirmed = "calibration_confirmed"
	SignalPickPlace            = "pick_place"
	SignalPickStack            = "pick_stack"
	SignalStop                 = "stop"
	SignalEmergencyStop        = "emergency_stop"
)

// Topics.
const (
	TopicInputFrames       = "input_frames"
	TopicCalibrationFrames = "calibration_frames"
	TopicDetectionFrames   = "detection_frames"
)

// DefaultDescriptor returns the canonical descriptor for this type.
// Definition files may override topic bounds and configuration.
func DefaultDescriptor(name string) pipeline.Descriptor {
	return pipeline.Descriptor{
		Name: name,
		Type: Type,
		States: []string{
			StateIdle, StateCalibrating, StateDetecting,
			StatePickingPlacing, StatePickingStacking, StateError,
		},
		InitialState: StateIdle,
		ErrorState:   StateError,
		Signals: []string{
			SignalResetArm, SignalReCalibrate, SignalCalibrationConfirmed,
			SignalPickPlace, SignalPickStack, SignalStop, SignalEmergencyStop,
		},
		Topics: []pipeline.TopicConfig{
			{Name: TopicInputFrames, MaxCount: 100, TimeWindow: 5 * time.Second},
			{Name: TopicCalibrationFrames, MaxCount: 100, TimeWindow: 5 * time.Second},
			{Name: TopicDetectionFrames, MaxCount: 100, TimeWindow: 5 * time.Second},
		},
	}
}

// Register installs the pick_and_place factory, wiring stages from the
// handler registry.
func Register(types *pipeline.TypeRegistry, handlers *handler.Registry) error {
	return types.RegisterType(Type, func(desc pipeline.Descriptor, cfg map[string]interface{}, log *logging.Logger) (pipeline.Machine, error) {
		return New(desc, cfg, handlers, log)
	})
}

// Machine drives one arm through the calibrate/detect/pick cycle.
type Machine struct {
	source     handler.Handler
	detect     handler.Handler
	arm        handler.Handler
	calibrate  handler.Handler
	log        *logging.Logger
	calibrated bool
}

// New builds the machine, constructing its stages from configuration.
// Stage options live under keys named after each capability.
func New(desc pipeline.Descriptor, cfg map[string]interface{}, handlers *handler.Registry, log *logging.Logger) (*Machine, error) {
	m := &Machine{log: log}
	stages := []struct {
		name string
		dst  *handler.Handler
	}{
		{"frame_source", &m.source},
		{"detector", &m.detect},
		{"arm_control", &m.arm},
		{"calibrator", &m.calibrate},
	}
	for _, s := range stages {
		opts, _ := cfg[s.name].(map[string]interface{})
		h, err := handlers.New(s.name, opts)
		if err != nil {
			return nil, fmt.Errorf("%s %q: %w", Type, desc.Name, err)
		}
		*s.dst = h
	}
	return m, nil
}

// HandleSignal transitions the machine per the control protocol.
func (m *Machine) HandleSignal(env *pipeline.Env, sig pipeline.Signal) error {
	switch sig.Name {
	case SignalEmergencyStop:
		if _, err := m.armAction(context.Background(), "reset"); err != nil {
			m.log.Warn("Arm reset failed during emergency stop", zap.Error(err))
		}
		return env.SetState(StateIdle)

	case SignalStop:
		return env.SetState(StateIdle)

	case SignalResetArm:
		if _, err := m.armAction(context.Background(), "reset"); err != nil {
			return err
		}
		return env.SetState(StateIdle)

	case SignalReCalibrate:
		m.calibrated = false
		if _, err := m.calibrate.Process(context.Background(), map[string]interface{}{"reset": true}); err != nil {
			return err
		}
		return env.SetState(StateCalibrating)

	case SignalCalibrationConfirmed:
		if env.State() != StateCalibrating {
			return fmt.Errorf("calibration_confirmed in state %q", env.State())
		}
		if !m.calibrated {
			return fmt.Errorf("calibration not finished")
		}
		return env.SetState(StateDetecting)

	case SignalPickPlace:
		return m.enterPicking(env, StatePickingPlacing)

	case SignalPickStack:
		return m.enterPicking(env, StatePickingStacking)
	}
	return fmt.Errorf("unhandled signal %q", sig.Name)
}

func (m *Machine) enterPicking(env *pipeline.Env, state string) error {
	if !m.calibrated {
		return fmt.Errorf("cannot pick before calibration")
	}
	return env.SetState(state)
}

// Step runs one iteration of the current state's logic.
func (m *Machine) Step(ctx context.Context, env *pipeline.Env) error {
	switch env.State() {
	case StateIdle, StateError:
		return nil

	case StateCalibrating:
		return m.stepCalibrating(ctx, env)

	case StateDetecting:
		return m.stepDetecting(ctx, env)

	case StatePickingPlacing:
		return m.stepPicking(ctx, env, "place")

	case StatePickingStacking:
		return m.stepPicking(ctx, env, "stack")
	}
	return fmt.Errorf("step in unknown state %q", env.State())
}

func (m *Machine) stepCalibrating(ctx context.Context, env *pipeline.Env) error {
	frame, err := m.source.Process(ctx, nil)
	if err != nil {
		return err
	}
	out, err := m.calibrate.Process(ctx, frame)
	if err != nil {
		return err
	}
	done, _ := out["done"].(bool)
	m.calibrated = done

	payload, err := encodeFrame(frame, out)
	if err != nil {
		return err
	}
	meta := map[string]string{"done": fmt.Sprintf("%t", done)}
	if _, err := env.Publish(TopicCalibrationFrames, payload, meta); err != nil {
		return err
	}
	if done {
		m.log.Info("Calibration complete", zap.Any("samples", out["samples"]))
	}
	return nil
}

func (m *Machine) stepDetecting(ctx context.Context, env *pipeline.Env) error {
	frame, err := m.source.Process(ctx, nil)
	if err != nil {
		return err
	}
	raw, err := encodeFrame(frame, nil)
	if err != nil {
		return err
	}
	if _, err := env.Publish(TopicInputFrames, raw, nil); err != nil {
		return err
	}
	if env.Interrupted() {
		return nil
	}

	out, err := m.detect.Process(ctx, frame)
	if err != nil {
		return err
	}
	payload, err := encodeFrame(frame, out)
	if err != nil {
		return err
	}
	_, err = env.Publish(TopicDetectionFrames, payload, nil)
	return err
}

func (m *Machine) stepPicking(ctx context.Context, env *pipeline.Env, placement string) error {
	// Keep the detection feed alive so operators watch the grab happen.
	if err := m.stepDetecting(ctx, env); err != nil {
		return err
	}
	if env.Interrupted() {
		return nil
	}

	if _, err := m.armAction(ctx, "pick"); err != nil {
		return err
	}
	if _, err := m.armAction(ctx, placement); err != nil {
		return err
	}
	return env.SetState(StateDetecting)
}

func (m *Machine) armAction(ctx context.Context, action string) (map[string]interface{}, error) {
	return m.arm.Process(ctx, map[string]interface{}{"action": action})
}

func encodeFrame(frame, extra map[string]interface{}) ([]byte, error) {
	merged := make(map[string]interface{}, len(frame)+len(extra))
	for k, v := range frame {
		merged[k] = v
	}
	for k, v := range extra {
		merged[k] = v
	}
	return json.Marshal(merged)
}
