package handler

import (
	"context"
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/visionflow/visionflow/internal/infrastructure/logging"
)

// RegisterBuiltins installs the stock capability set.
func RegisterBuiltins(r *Registry) error {
	builtins := map[string]Factory{
		"frame_source": NewFrameSource,
		"detector":     NewDetector,
		"arm_control":  NewArmControl,
		"calibrator":   NewCalibrator,
	}
	for name, factory := range builtins {
		if err := r.Register(name, factory); err != nil {
			return err
		}
	}
	return nil
}

// frameSource produces synthetic frame descriptors at a fixed
// resolution. Real deployments replace it with a camera-backed stage.
type frameSource struct {
	width  int
	height int
	seq    atomic.Uint64
}

// NewFrameSource builds a frame source stage.
func NewFrameSource(cfg map[string]interface{}, _ *logging.Logger) (Handler, error) {
	fs := &frameSource{width: 640, height: 480}
	if v, ok := intOption(cfg, "width"); ok {
		fs.width = v
	}
	if v, ok := intOption(cfg, "height"); ok {
		fs.height = v
	}
	if fs.width <= 0 || fs.height <= 0 {
		return nil, fmt.Errorf("frame_source: invalid resolution %dx%d", fs.width, fs.height)
	}
	return fs, nil
}

func (f *frameSource) Name() string { return "frame_source" }

func (f *frameSource) Process(ctx context.Context, _ map[string]interface{}) (map[string]interface{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"frame_id": f.seq.Add(1),
		"width":    f.width,
		"height":   f.height,
		"captured": time.Now().UnixMilli(),
	}, nil
}

// detector runs object detection over a frame and reports labelled
// regions above the confidence threshold.
type detector struct {
	threshold float64
	labels    []string
	rng       *rand.Rand
}

// NewDetector builds a detection stage.
func NewDetector(cfg map[string]interface{}, _ *logging.Logger) (Handler, error) {
	d := &detector{
		threshold: 0.5,
		labels:    []string{"block", "cup", "bottle"},
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	if v, ok := cfg["threshold"].(float64); ok {
		d.threshold = v
	}
	if d.threshold < 0 || d.threshold > 1 {
		return nil, fmt.Errorf("detector: threshold %v out of range", d.threshold)
	}
	if v, ok := cfg["labels"].([]interface{}); ok {
		labels := make([]string, 0, len(v))
		for _, l := range v {
			s, ok := l.(string)
			if !ok {
				return nil, fmt.Errorf("detector: non-string label %v", l)
			}
			labels = append(labels, s)
		}
		d.labels = labels
	}
	return d, nil
}

func (d *detector) Name() string { return "detector" }

func (d *detector) Process(ctx context.Context, inputs map[string]interface{}) (map[string]interface{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var detections []map[string]interface{}
	for _, label := range d.labels {
		score := d.rng.Float64()
		if score < d.threshold {
			continue
		}
		detections = append(detections, map[string]interface{}{
			"label":      label,
			"confidence": score,
			"box":        []int{d.rng.Intn(600), d.rng.Intn(440), 40, 40},
		})
	}
	return map[string]interface{}{
		"frame_id":   inputs["frame_id"],
		"detections": detections,
	}, nil
}

// armControl simulates pick and place motions with a fixed per-move
// latency. It tracks grip state so impossible sequences fail loudly.
type armControl struct {
	moveDelay time.Duration
	holding   atomic.Bool
}

// NewArmControl builds an arm control stage.
func NewArmControl(cfg map[string]interface{}, _ *logging.Logger) (Handler, error) {
	a := &armControl{moveDelay: 5 * time.Millisecond}
	if v, ok := cfg["move_delay"].(string); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("arm_control: parse move_delay: %w", err)
		}
		a.moveDelay = d
	}
	return a, nil
}

func (a *armControl) Name() string { return "arm_control" }

func (a *armControl) Process(ctx context.Context, inputs map[string]interface{}) (map[string]interface{}, error) {
	action, _ := inputs["action"].(string)
	switch action {
	case "pick":
		if a.holding.Load() {
			return nil, fmt.Errorf("arm_control: pick while holding")
		}
	case "place", "stack":
		if !a.holding.Load() {
			return nil, fmt.Errorf("arm_control: %s with empty grip", action)
		}
	case "home", "reset":
	default:
		return nil, fmt.Errorf("arm_control: unknown action %q", action)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(a.moveDelay):
	}

	switch action {
	case "pick":
		a.holding.Store(true)
	case "place", "stack", "reset":
		a.holding.Store(false)
	}
	return map[string]interface{}{
		"action":  action,
		"holding": a.holding.Load(),
	}, nil
}

// calibrator accumulates reference frames until enough samples arrive,
// then reports the computed transform as done.
type calibrator struct {
	required int
	samples  int
}

// NewCalibrator builds a calibration stage.
func NewCalibrator(cfg map[string]interface{}, _ *logging.Logger) (Handler, error) {
	c := &calibrator{required: 5}
	if v, ok := intOption(cfg, "samples"); ok {
		c.required = v
	}
	if c.required <= 0 {
		return nil, fmt.Errorf("calibrator: samples must be positive")
	}
	return c, nil
}

func (c *calibrator) Name() string { return "calibrator" }

func (c *calibrator) Process(ctx context.Context, inputs map[string]interface{}) (map[string]interface{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if reset, _ := inputs["reset"].(bool); reset {
		c.samples = 0
	}
	c.samples++
	done := c.samples >= c.required
	out := map[string]interface{}{
		"samples": c.samples,
		"done":    done,
	}
	if done {
		out["transform"] = []float64{1, 0, 0, 0, 1, 0, 0, 0, 1}
	}
	return out, nil
}

func intOption(cfg map[string]interface{}, key string) (int, bool) {
	switch v := cfg[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case uint64:
		return int(v), true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}
