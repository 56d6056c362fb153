package pipeline

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/visionflow/visionflow/internal/infrastructure/logging"
)

// Machine is the pluggable state-machine logic for one pipeline type.
// The worker serializes HandleSignal and Step; implementations never
// see them run concurrently.
type Machine interface {
	// HandleSignal reacts to one signal, typically by transitioning the
	// environment's state. Returning an error is non-fatal; it is logged
	// and surfaced as a warning notification.
	HandleSignal(env *Env, sig Signal) error

	// Step executes the logic for the current state and publishes
	// records through the environment. Long steps should check
	// env.Interrupted() after each publish and return early so pending
	// high-priority signals stay low-latency. An error or panic inside
	// Step transitions to the descriptor's error state if one is
	// declared, otherwise crashes the worker.
	Step(ctx context.Context, env *Env) error
}

// MachineCloser is implemented by machines that hold resources needing
// release when the worker terminates.
type MachineCloser interface {
	Close() error
}

// Factory constructs a machine for a descriptor with its resolved
// configuration.
type Factory func(desc Descriptor, cfg map[string]interface{}, log *logging.Logger) (Machine, error)

// TypeRegistry maps pipeline type names to machine factories. It is an
// explicit, injectable instance; independent registries never
// cross-contaminate.
type TypeRegistry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewTypeRegistry creates an empty registry.
func NewTypeRegistry() *TypeRegistry {
	return &TypeRegistry{factories: make(map[string]Factory)}
}

// RegisterType adds a factory under a type name.
func (r *TypeRegistry) RegisterType(name string, f Factory) error {
	if name == "" {
		return fmt.Errorf("pipeline type name cannot be empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[name]; exists {
		return fmt.Errorf("%w: type %q", ErrDuplicateName, name)
	}
	r.factories[name] = f
	return nil
}

// New constructs a machine for the descriptor's declared type.
func (r *TypeRegistry) New(desc Descriptor, cfg map[string]interface{}, log *logging.Logger) (Machine, error) {
	r.mu.RLock()
	f, ok := r.factories[desc.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, desc.Type)
	}
	return f(desc, cfg, log)
}

// Types returns the registered type names, sorted.
func (r *TypeRegistry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for name := range r.factories {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Env is the execution environment a worker hands to its machine. It
// is owned by the worker's control loop and must not escape it.
type Env struct {
	desc    Descriptor
	cfg     map[string]interface{}
	state   string
	prev    string
	changed bool

	buffers map[string]*Buffer
	queue   *SignalQueue
	log     *logging.Logger

	// onPublish observes appends for metrics; may be nil.
	onPublish func(topic string, evicted uint64)
}

// Descriptor returns the pipeline's immutable descriptor.
func (e *Env) Descriptor() Descriptor { return e.desc }

// Config returns the resolved configuration for this run. Mutated only
// by config-update signals, which the worker serializes with steps.
func (e *Env) Config() map[string]interface{} { return e.cfg }

// State returns the current state-machine state.
func (e *Env) State() string { return e.state }

// PrevState returns the state before the most recent transition.
func (e *Env) PrevState() string { return e.prev }

// SetState transitions to a declared state. Transitioning to the
// current state is a no-op.
func (e *Env) SetState(state string) error {
	if !e.desc.HasState(state) {
		return fmt.Errorf("%w: %q", ErrUnknownState, state)
	}
	if state == e.state {
		return nil
	}
	e.prev = e.state
	e.state = state
	e.changed = true
	return nil
}

// Publish appends a record to a declared topic's buffer.
func (e *Env) Publish(topic string, payload []byte, metadata map[string]string) (Record, error) {
	buf, ok := e.buffers[topic]
	if !ok {
		return Record{}, fmt.Errorf("%w: %q", ErrUnknownTopic, topic)
	}
	before := buf.Evicted()
	rec, err := buf.Append(payload, metadata)
	if err == nil && e.onPublish != nil {
		e.onPublish(topic, buf.Evicted()-before)
	}
	return rec, err
}

// Interrupted reports whether a signal is pending delivery. Step logic
// checks this at safe points (after each publish) and returns early so
// an emergency signal never waits behind a full step.
func (e *Env) Interrupted() bool {
	return e.queue.Pending() > 0
}

// Logger returns the worker-scoped logger.
func (e *Env) Logger() *logging.Logger { return e.log }

// takeChanged consumes the state-changed flag set by SetState.
func (e *Env) takeChanged() bool {
	c := e.changed
	e.changed = false
	return c
}
