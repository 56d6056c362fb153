package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/visionflow/visionflow/internal/infrastructure/logging"
)

// SignalStop is the internal stop signal the supervisor enqueues ahead
// of closing the queue. It is valid for every pipeline regardless of
// declared signals.
const SignalStop = "__stop"

// SignalConfigUpdate carries a partial configuration as its payload.
// Routing config changes through the signal queue gives them the same
// ordering guarantees as ordinary signals.
const SignalConfigUpdate = "__config_update"

// MergeFunc merges a partial configuration into an existing one and
// returns the result. Injected by the supervisor so the worker shares
// the configuration provider's merge policy.
type MergeFunc func(dst, src map[string]interface{}) map[string]interface{}

// WorkerConfig tunes one worker's control loop.
type WorkerConfig struct {
	// StepInterval paces the step loop; zero steps in a tight loop.
	StepInterval time.Duration
	// HeartbeatInterval bounds the time between status updates.
	HeartbeatInterval time.Duration
	// UpdateBuffer is the status channel capacity.
	UpdateBuffer int
	// MergeConfig applies config-update payloads. Defaults to a
	// top-level key replace.
	MergeConfig MergeFunc
	// OnPublish observes every record append (for metrics); may be nil.
	OnPublish func(pipeline, topic string, evicted uint64)
}

func (c *WorkerConfig) applyDefaults() {
	if c.StepInterval < 0 {
		c.StepInterval = 0
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = time.Second
	}
	if c.UpdateBuffer <= 0 {
		c.UpdateBuffer = 64
	}
	if c.MergeConfig == nil {
		c.MergeConfig = func(dst, src map[string]interface{}) map[string]interface{} {
			if dst == nil {
				dst = make(map[string]interface{}, len(src))
			}
			for k, v := range src {
				dst[k] = v
			}
			return dst
		}
	}
}

// Worker owns one running pipeline instance: its machine, signal
// queue, and topic buffers. It communicates with the supervisor only
// through the queue (inbound) and the update channel (outbound); no
// mutable state is shared across that boundary.
//
// One control-loop goroutine consumes signals and runs steps, so
// HandleSignal and Step are serialized by construction. Signal latency
// is protected by draining all pending signals before each step and by
// Env.Interrupted checks inside long steps.
type Worker struct {
	desc    Descriptor
	machine Machine
	queue   *SignalQueue
	buffers map[string]*Buffer
	env     *Env
	cfg     WorkerConfig
	log     *logging.Logger

	updates chan Update
	done    chan struct{}

	lastEmit time.Time
}

// NewWorker assembles a worker. Run must be called exactly once.
func NewWorker(desc Descriptor, machine Machine, resolved map[string]interface{}, cfg WorkerConfig, log *logging.Logger) *Worker {
	cfg.applyDefaults()

	buffers := make(map[string]*Buffer, len(desc.Topics))
	for _, t := range desc.Topics {
		buffers[t.Name] = NewBuffer(t)
	}
	queue := NewSignalQueue()

	w := &Worker{
		desc:    desc,
		machine: machine,
		queue:   queue,
		buffers: buffers,
		cfg:     cfg,
		log:     log.With(zap.String("pipeline", desc.Name)),
		updates: make(chan Update, cfg.UpdateBuffer),
		done:    make(chan struct{}),
	}
	w.env = &Env{
		desc:    desc,
		cfg:     resolved,
		state:   desc.InitialState,
		prev:    desc.InitialState,
		buffers: buffers,
		queue:   queue,
		log:     w.log,
	}
	if cfg.OnPublish != nil {
		name := desc.Name
		w.env.onPublish = func(topic string, evicted uint64) {
			cfg.OnPublish(name, topic, evicted)
		}
	}
	return w
}

// Queue returns the worker's inbound signal queue.
func (w *Worker) Queue() *SignalQueue { return w.queue }

// Updates returns the outbound status channel. Consumed by exactly one
// supervisor watcher.
func (w *Worker) Updates() <-chan Update { return w.updates }

// Done is closed when the control loop has exited and all buffers are
// closed.
func (w *Worker) Done() <-chan struct{} { return w.done }

// Buffer returns the eviction buffer backing a declared topic.
func (w *Worker) Buffer(topic string) (*Buffer, bool) {
	b, ok := w.buffers[topic]
	return b, ok
}

// Run executes the control loop until the context is cancelled, the
// queue is closed and drained, or the machine crashes. It emits a
// readiness update first, so the supervisor's start call can wait on
// the update channel.
func (w *Worker) Run(ctx context.Context) {
	defer close(w.done)
	defer w.shutdown()

	w.log.Info("pipeline worker started",
		zap.String("type", w.desc.Type),
		zap.String("state", w.env.state))
	w.emitLifecycle(LifecycleStarted)
	w.emitStatus(PhaseRunning)

	for {
		if ctx.Err() != nil {
			w.log.Warn("worker cancelled mid-run")
			w.emitStatus(PhaseStopped)
			w.emitLifecycle(LifecycleStopped)
			return
		}

		stop, closed := w.drainSignals()
		if stop || closed {
			w.log.Info("pipeline worker stopping", zap.Bool("queue_closed", closed))
			w.emitStatus(PhaseStopped)
			w.emitLifecycle(LifecycleStopped)
			return
		}

		if crashed := w.step(ctx); crashed {
			return
		}

		if time.Since(w.lastEmit) >= w.cfg.HeartbeatInterval {
			w.emitStatus(PhaseRunning)
		}
	}
}

// drainSignals handles every pending signal, blocking up to the step
// interval for the first one so waiting for signals doubles as step
// pacing. Returns stop when the internal stop signal was handled and
// closed once the queue is closed and drained.
func (w *Worker) drainSignals() (stop, closed bool) {
	timeout := w.cfg.StepInterval
	for {
		sig, err := w.queue.Dequeue(timeout)
		timeout = 0 // only the first wait paces
		switch {
		case err == nil:
			if w.handleSignal(sig) {
				return true, false
			}
		case errors.Is(err, ErrQueueClosed):
			return false, true
		default: // timeout: no signal pending
			return false, false
		}
	}
}

// handleSignal dispatches one signal. Returns true for the internal
// stop signal.
func (w *Worker) handleSignal(sig Signal) bool {
	switch sig.Name {
	case SignalStop:
		return true
	case SignalConfigUpdate:
		w.applyConfigUpdate(sig)
		return false
	}

	if !w.desc.HasSignal(sig.Name) {
		w.log.Warn("ignoring undeclared signal", zap.String("signal", sig.Name))
		w.emitNotice("warning", fmt.Sprintf("unknown signal %q ignored", sig.Name))
		return false
	}

	if err := w.machine.HandleSignal(w.env, sig); err != nil {
		w.log.Warn("signal handler failed",
			zap.String("signal", sig.Name), zap.Error(err))
		w.emitNotice("warning", fmt.Sprintf("signal %q: %v", sig.Name, err))
	}
	if w.env.takeChanged() {
		w.emitStatus(PhaseRunning)
	}
	return false
}

// applyConfigUpdate merges the signal payload into the effective
// configuration and reports the changed keys.
func (w *Worker) applyConfigUpdate(sig Signal) {
	if len(sig.Payload) == 0 {
		return
	}
	w.env.cfg = w.cfg.MergeConfig(w.env.cfg, sig.Payload)

	keys := make([]string, 0, len(sig.Payload))
	for k := range sig.Payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	w.log.Info("configuration updated", zap.Strings("keys", keys))
	w.emit(Update{
		Kind:        UpdateConfig,
		Pipeline:    w.desc.Name,
		Status:      w.status(PhaseRunning),
		ChangedKeys: keys,
	})
}

// step runs one machine step with crash containment. Returns true if
// the worker crashed.
func (w *Worker) step(ctx context.Context) (crashed bool) {
	err := w.safeStep(ctx)
	if err == nil {
		if w.env.takeChanged() {
			w.emitStatus(PhaseRunning)
		}
		return false
	}

	w.log.Error("pipeline step failed", zap.Error(err))
	if w.desc.ErrorState != "" && w.env.state != w.desc.ErrorState {
		if serr := w.env.SetState(w.desc.ErrorState); serr == nil {
			w.env.takeChanged()
			w.emitNotice("error", fmt.Sprintf("step failed: %v", err))
			w.emitStatus(PhaseRunning)
			return false
		}
	}

	st := w.status(PhaseCrashed)
	st.Err = err.Error()
	w.emit(Update{Kind: UpdateStatus, Pipeline: w.desc.Name, Status: st})
	w.emitNotice("error", fmt.Sprintf("pipeline crashed: %v", err))
	w.emit(Update{Kind: UpdateLifecycle, Pipeline: w.desc.Name, Status: st, Lifecycle: LifecycleCrashed})
	return true
}

func (w *Worker) safeStep(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in step: %v", r)
		}
	}()
	return w.machine.Step(ctx, w.env)
}

func (w *Worker) shutdown() {
	w.queue.Close()
	for _, b := range w.buffers {
		b.Close()
	}
	if closer, ok := w.machine.(MachineCloser); ok {
		if err := closer.Close(); err != nil {
			w.log.Warn("machine close failed", zap.Error(err))
		}
	}
	w.log.Info("pipeline worker terminated")
	close(w.updates)
}

func (w *Worker) status(phase Phase) Status {
	return Status{
		Pipeline:  w.desc.Name,
		Phase:     phase,
		State:     w.env.state,
		PrevState: w.env.prev,
		Heartbeat: time.Now(),
	}
}

func (w *Worker) emitStatus(phase Phase) {
	w.emit(Update{Kind: UpdateStatus, Pipeline: w.desc.Name, Status: w.status(phase)})
}

func (w *Worker) emitLifecycle(ev LifecycleEvent) {
	phase := PhaseRunning
	if ev == LifecycleStopped {
		phase = PhaseStopped
	}
	w.emit(Update{Kind: UpdateLifecycle, Pipeline: w.desc.Name, Status: w.status(phase), Lifecycle: ev})
}

func (w *Worker) emitNotice(level, msg string) {
	w.emit(Update{
		Kind:     UpdateNotice,
		Pipeline: w.desc.Name,
		Status:   w.status(PhaseRunning),
		Level:    level,
		Message:  msg,
	})
}

// emit never blocks the control loop: when the supervisor watcher is
// behind, the oldest buffered update is dropped in favor of the new
// one (most-recent-wins, matching record delivery semantics).
func (w *Worker) emit(u Update) {
	u.At = time.Now()
	w.lastEmit = u.At
	for {
		select {
		case w.updates <- u:
			return
		default:
		}
		select {
		case <-w.updates:
		default:
		}
	}
}
