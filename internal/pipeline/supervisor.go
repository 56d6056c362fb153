package pipeline

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/visionflow/visionflow/internal/infrastructure/logging"
	"github.com/visionflow/visionflow/internal/infrastructure/monitoring"
)

// ConfigResolver resolves a descriptor's effective configuration before
// worker start and supplies the merge policy for live config updates.
type ConfigResolver interface {
	Resolve(desc Descriptor, override map[string]interface{}) (map[string]interface{}, error)
	Merge(dst, src map[string]interface{}) map[string]interface{}
}

// SupervisorConfig tunes lifecycle timeouts and worker defaults.
type SupervisorConfig struct {
	// StartupTimeout bounds the wait for a worker's readiness update.
	StartupTimeout time.Duration
	// StopGrace bounds the wait for a clean stop before forcing.
	StopGrace time.Duration
	// Worker defaults applied to every started worker.
	Worker WorkerConfig
}

func (c *SupervisorConfig) applyDefaults() {
	if c.StartupTimeout <= 0 {
		c.StartupTimeout = 5 * time.Second
	}
	if c.StopGrace <= 0 {
		c.StopGrace = 5 * time.Second
	}
	if c.Worker.StepInterval == 0 {
		c.Worker.StepInterval = 10 * time.Millisecond
	}
}

// StartOptions carries per-start overrides.
type StartOptions struct {
	// ConfigOverride is merged over the descriptor's configuration.
	ConfigOverride map[string]interface{}
	// StepInterval overrides the supervisor's default pacing when > 0.
	StepInterval time.Duration
}

// Description is a read-only snapshot of one registered pipeline and
// its last-known worker condition. A crashed worker's final state
// stays visible here until the pipeline is started again.
type Description struct {
	Descriptor    Descriptor
	Running       bool
	Phase         Phase
	State         string
	PrevState     string
	LastHeartbeat time.Time
	Err           string
}

// Stats aggregates supervisor-level counters.
type Stats struct {
	Registered int
	Running    int
	Types      []string
}

// Supervisor owns the pipeline registry and worker handles as instance
// state; independent supervisors never share anything. Mutating
// operations are serialized (single-writer); reads take snapshots and
// proceed concurrently.
type Supervisor struct {
	types    *TypeRegistry
	resolver ConfigResolver
	cfg      SupervisorConfig
	log      *logging.Logger
	metrics  *monitoring.Metrics

	// opMu serializes Start/Stop so two concurrent starts can never
	// race to create duplicate workers for one name.
	opMu sync.Mutex

	mu      sync.RWMutex
	descs   map[string]Descriptor
	entries map[string]*workerEntry

	sinkMu sync.RWMutex
	sinks  []func(Update)
}

// workerEntry is the supervisor-owned handle for one worker instance.
type workerEntry struct {
	id     string
	worker *Worker
	cancel context.CancelFunc

	mu     sync.Mutex
	phase  Phase
	status Status
	forced bool
}

func (e *workerEntry) Phase() Phase {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.phase
}

func (e *workerEntry) setPhase(p Phase) {
	e.mu.Lock()
	e.phase = p
	e.mu.Unlock()
}

func (e *workerEntry) snapshot() (Phase, Status, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.phase, e.status, e.forced
}

// observe folds a worker update into the handle. Heartbeats refresh
// the status; only terminal worker phases override supervisor-driven
// phases like STOPPING.
func (e *workerEntry) observe(u Update) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.status = u.Status
	switch u.Status.Phase {
	case PhaseStopped, PhaseCrashed:
		e.phase = u.Status.Phase
	case PhaseRunning:
		if e.phase == PhaseStarting || e.phase == PhaseCreated {
			e.phase = PhaseRunning
		}
	}
}

// NewSupervisor creates a supervisor over the given type registry and
// configuration resolver. The resolver may be nil, in which case
// overrides replace descriptor configuration wholesale.
func NewSupervisor(types *TypeRegistry, resolver ConfigResolver, cfg SupervisorConfig, log *logging.Logger) *Supervisor {
	cfg.applyDefaults()
	return &Supervisor{
		types:    types,
		resolver: resolver,
		cfg:      cfg,
		log:      log.Named("supervisor"),
		descs:    make(map[string]Descriptor),
		entries:  make(map[string]*workerEntry),
	}
}

// WithMetrics attaches a metrics collector. Chainable.
func (s *Supervisor) WithMetrics(m *monitoring.Metrics) *Supervisor {
	s.metrics = m
	return s
}

// Notify registers a sink receiving every worker update. Sinks run on
// watcher goroutines and must not block.
func (s *Supervisor) Notify(fn func(Update)) {
	s.sinkMu.Lock()
	s.sinks = append(s.sinks, fn)
	s.sinkMu.Unlock()
}

func (s *Supervisor) publish(u Update) {
	s.sinkMu.RLock()
	sinks := s.sinks
	s.sinkMu.RUnlock()
	for _, fn := range sinks {
		fn(u)
	}
}

// Register adds a pipeline descriptor to the registry.
func (s *Supervisor) Register(desc Descriptor) error {
	if desc.Name == "" {
		return fmt.Errorf("pipeline name cannot be empty")
	}
	if desc.InitialState == "" || !desc.HasState(desc.InitialState) {
		return fmt.Errorf("pipeline %q: initial state %q not declared", desc.Name, desc.InitialState)
	}
	if desc.ErrorState != "" && !desc.HasState(desc.ErrorState) {
		return fmt.Errorf("pipeline %q: error state %q not declared", desc.Name, desc.ErrorState)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.descs[desc.Name]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateName, desc.Name)
	}
	s.descs[desc.Name] = desc
	s.log.Info("pipeline registered",
		zap.String("pipeline", desc.Name), zap.String("type", desc.Type))
	return nil
}

// Start creates and runs a new worker for a registered pipeline. It
// returns once the worker signals readiness, or ErrStartupFailed after
// the startup timeout (the handle then reverts to STOPPED).
func (s *Supervisor) Start(ctx context.Context, name string, opts StartOptions) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.RLock()
	desc, ok := s.descs[name]
	entry := s.entries[name]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	if entry != nil && entry.Phase().Active() {
		return fmt.Errorf("%w: %q", ErrAlreadyRunning, name)
	}

	resolved, err := s.resolveConfig(desc, opts.ConfigOverride)
	if err != nil {
		s.countStart(name, "resolve_failed")
		return fmt.Errorf("%w: %v", ErrStartupFailed, err)
	}

	machine, err := s.types.New(desc, resolved, s.log)
	if err != nil {
		s.countStart(name, "machine_failed")
		return err
	}

	wcfg := s.cfg.Worker
	if opts.StepInterval > 0 {
		wcfg.StepInterval = opts.StepInterval
	}
	if s.resolver != nil {
		wcfg.MergeConfig = s.resolver.Merge
	}
	if s.metrics != nil {
		m := s.metrics
		wcfg.OnPublish = func(pipeline, topic string, evicted uint64) {
			m.RecordsPublished.WithLabelValues(pipeline, topic).Inc()
			if evicted > 0 {
				m.RecordsEvicted.WithLabelValues(pipeline, topic).Add(float64(evicted))
			}
		}
	}

	worker := NewWorker(desc, machine, resolved, wcfg, s.log)
	runCtx, cancel := context.WithCancel(context.Background())
	e := &workerEntry{
		id:     uuid.NewString(),
		worker: worker,
		cancel: cancel,
		phase:  PhaseCreated,
	}

	s.mu.Lock()
	s.entries[name] = e
	s.mu.Unlock()

	e.setPhase(PhaseStarting)
	ready := make(chan struct{})
	go s.watch(e, ready)
	go worker.Run(runCtx)

	select {
	case <-ready:
		s.log.Info("pipeline started",
			zap.String("pipeline", name), zap.String("worker_id", e.id))
		s.countStart(name, "ok")
		if s.metrics != nil {
			s.metrics.PipelinesRunning.Inc()
		}
		return nil
	case <-time.After(s.cfg.StartupTimeout):
	case <-ctx.Done():
	}

	cancel()
	worker.Queue().Close()
	e.setPhase(PhaseStopped)
	s.log.Error("pipeline startup timed out", zap.String("pipeline", name))
	s.countStart(name, "timeout")
	return fmt.Errorf("%w: %q did not become ready", ErrStartupFailed, name)
}

// Stop shuts down the named pipeline's worker. A worker that misses
// the grace period is force-cancelled; both outcomes report success,
// the forced case is logged and counted separately.
func (s *Supervisor) Stop(name string) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.RLock()
	_, registered := s.descs[name]
	e := s.entries[name]
	s.mu.RUnlock()
	if !registered {
		return fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	if e == nil || !e.Phase().Active() {
		return fmt.Errorf("%w: %q", ErrNotRunning, name)
	}

	e.setPhase(PhaseStopping)
	q := e.worker.Queue()
	q.Enqueue(SignalStop, PriorityHigh, nil) // no-op if already closed
	q.Close()

	mode := "clean"
	select {
	case <-e.worker.Done():
		s.log.Info("pipeline stopped", zap.String("pipeline", name))
	case <-time.After(s.cfg.StopGrace):
		mode = "forced"
		e.mu.Lock()
		e.forced = true
		e.mu.Unlock()
		e.cancel()
		s.log.Warn("pipeline missed stop grace, forcing termination",
			zap.String("pipeline", name), zap.Duration("grace", s.cfg.StopGrace))
		select {
		case <-e.worker.Done():
		case <-time.After(s.cfg.StopGrace):
			s.log.Error("pipeline worker unresponsive after force", zap.String("pipeline", name))
		}
	}

	e.setPhase(PhaseStopped)
	if s.metrics != nil {
		s.metrics.PipelinesRunning.Dec()
		s.metrics.PipelineStops.WithLabelValues(name, mode).Inc()
	}
	return nil
}

// StopAll stops every active pipeline. Used during server shutdown.
func (s *Supervisor) StopAll() {
	s.mu.RLock()
	names := make([]string, 0, len(s.entries))
	for name, e := range s.entries {
		if e.Phase().Active() {
			names = append(names, name)
		}
	}
	s.mu.RUnlock()
	for _, name := range names {
		if err := s.Stop(name); err != nil {
			s.log.Warn("stop failed during shutdown",
				zap.String("pipeline", name), zap.Error(err))
		}
	}
}

// SendSignal enqueues a declared signal onto the named worker's queue.
// ErrQueueClosed indicates the worker began stopping concurrently; the
// caller may retry against a new instance.
func (s *Supervisor) SendSignal(name, signal string, pri Priority, payload map[string]interface{}) error {
	e, desc, err := s.activeEntry(name)
	if err != nil {
		return err
	}
	if !desc.HasSignal(signal) {
		if s.metrics != nil {
			s.metrics.SignalsRejected.WithLabelValues(name, "undeclared").Inc()
		}
		return fmt.Errorf("%w: %q", ErrUnknownSignal, signal)
	}

	if _, err := e.worker.Queue().Enqueue(signal, pri, payload); err != nil {
		if s.metrics != nil {
			s.metrics.SignalsRejected.WithLabelValues(name, "queue_closed").Inc()
		}
		return err
	}
	if s.metrics != nil {
		s.metrics.SignalsEnqueued.WithLabelValues(name, pri.String()).Inc()
	}
	return nil
}

// UpdateConfig applies a partial configuration to a running pipeline.
// The change rides the signal queue, so it observes the same ordering
// guarantees as signals.
func (s *Supervisor) UpdateConfig(name string, partial map[string]interface{}) error {
	e, _, err := s.activeEntry(name)
	if err != nil {
		return err
	}
	_, err = e.worker.Queue().Enqueue(SignalConfigUpdate, PriorityNormal, partial)
	return err
}

// SubscribeRecords opens a cursor on a running pipeline's topic
// buffer, starting after the given sequence id (0 for the retained
// history). The buffer is read-shared; the worker never waits on the
// returned cursor.
func (s *Supervisor) SubscribeRecords(name, topic string, after uint64) (*Cursor, error) {
	e, desc, err := s.activeEntry(name)
	if err != nil {
		return nil, err
	}
	if _, ok := desc.Topic(topic); !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTopic, topic)
	}
	buf, ok := e.worker.Buffer(topic)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTopic, topic)
	}
	return buf.SubscribeFrom(after), nil
}

// TopicSnapshot returns the retained records of a running pipeline's
// topic buffer.
func (s *Supervisor) TopicSnapshot(name, topic string) ([]Record, error) {
	e, desc, err := s.activeEntry(name)
	if err != nil {
		return nil, err
	}
	if _, ok := desc.Topic(topic); !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTopic, topic)
	}
	buf, _ := e.worker.Buffer(topic)
	return buf.Snapshot(), nil
}

// Describe returns a snapshot of one registered pipeline. Never
// mutates.
func (s *Supervisor) Describe(name string) (Description, error) {
	s.mu.RLock()
	desc, ok := s.descs[name]
	e := s.entries[name]
	s.mu.RUnlock()
	if !ok {
		return Description{}, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return s.describe(desc, e), nil
}

// List returns snapshots of all registered pipelines, sorted by name.
func (s *Supervisor) List() []Description {
	s.mu.RLock()
	names := make([]string, 0, len(s.descs))
	for name := range s.descs {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]Description, 0, len(names))
	for _, name := range names {
		out = append(out, s.describe(s.descs[name], s.entries[name]))
	}
	s.mu.RUnlock()
	return out
}

// Stats returns aggregate counters.
func (s *Supervisor) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	running := 0
	for _, e := range s.entries {
		if e.Phase().Active() {
			running++
		}
	}
	return Stats{
		Registered: len(s.descs),
		Running:    running,
		Types:      s.types.Types(),
	}
}

func (s *Supervisor) describe(desc Descriptor, e *workerEntry) Description {
	d := Description{
		Descriptor: desc,
		Phase:      PhaseStopped,
		State:      desc.InitialState,
	}
	if e != nil {
		phase, status, _ := e.snapshot()
		d.Phase = phase
		d.Running = phase.Active()
		if status.Pipeline != "" {
			d.State = status.State
			d.PrevState = status.PrevState
			d.LastHeartbeat = status.Heartbeat
			d.Err = status.Err
		}
	}
	return d
}

func (s *Supervisor) activeEntry(name string) (*workerEntry, Descriptor, error) {
	s.mu.RLock()
	desc, registered := s.descs[name]
	e := s.entries[name]
	s.mu.RUnlock()
	if !registered {
		return nil, Descriptor{}, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	if e == nil || !e.Phase().Active() {
		return nil, Descriptor{}, fmt.Errorf("%w: %q", ErrNotRunning, name)
	}
	return e, desc, nil
}

// watch consumes one worker's update channel: it folds updates into
// the handle, closes ready on the first update, and fans every update
// out to registered sinks.
func (s *Supervisor) watch(e *workerEntry, ready chan struct{}) {
	first := true
	for u := range e.worker.Updates() {
		e.observe(u)
		if first {
			first = false
			close(ready)
		}
		if u.Kind == UpdateLifecycle && u.Lifecycle == LifecycleCrashed {
			s.log.Error("pipeline crashed",
				zap.String("pipeline", u.Pipeline), zap.String("error", u.Status.Err))
			if s.metrics != nil {
				s.metrics.PipelineCrashes.Inc()
				s.metrics.PipelinesRunning.Dec()
			}
		}
		s.publish(u)
	}
	if e.Phase().Active() {
		e.setPhase(PhaseStopped)
	}
}

func (s *Supervisor) resolveConfig(desc Descriptor, override map[string]interface{}) (map[string]interface{}, error) {
	if s.resolver != nil {
		return s.resolver.Resolve(desc, override)
	}
	resolved := make(map[string]interface{}, len(desc.Config)+len(override))
	for k, v := range desc.Config {
		resolved[k] = v
	}
	for k, v := range override {
		resolved[k] = v
	}
	return resolved, nil
}

func (s *Supervisor) countStart(name, outcome string) {
	if s.metrics != nil {
		s.metrics.PipelineStarts.WithLabelValues(name, outcome).Inc()
	}
}
