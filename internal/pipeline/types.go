package pipeline

import (
	"fmt"
	"time"
)

// Priority orders signals within a worker's queue. Higher values are
// delivered first; equal priorities preserve arrival order.
type Priority int

const (
	PriorityNormal Priority = iota
	PriorityHigh
)

// String returns the wire representation of the priority.
func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "HIGH"
	case PriorityNormal:
		return "NORMAL"
	default:
		return "UNKNOWN"
	}
}

// ParsePriority converts a wire string to a Priority. Unrecognized
// values default to NORMAL.
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "HIGH", "high":
		return PriorityHigh, nil
	case "NORMAL", "normal", "":
		return PriorityNormal, nil
	default:
		return PriorityNormal, fmt.Errorf("unknown priority %q", s)
	}
}

// Signal is a prioritized event sent to a running pipeline. Immutable
// once created; Seq is assigned by the receiving worker's queue and is
// strictly increasing per worker.
type Signal struct {
	Name       string
	Priority   Priority
	Payload    map[string]interface{}
	Seq        uint64
	EnqueuedAt time.Time
}

// Record is one unit of streamed data produced by a pipeline. Seq is
// strictly increasing within one (pipeline, topic).
type Record struct {
	Topic      string
	Seq        uint64
	Payload    []byte
	Metadata   map[string]string
	ProducedAt time.Time
}

// TopicConfig bounds the eviction buffer backing one topic. A negative
// bound disables that criterion.
type TopicConfig struct {
	Name       string
	MaxCount   int
	TimeWindow time.Duration
}

// Descriptor declares a pipeline: its type, effective configuration,
// and the states, signals and topics it exposes. Created at
// registration time and immutable for the process lifetime.
type Descriptor struct {
	Name         string
	Type         string
	Config       map[string]interface{}
	States       []string
	InitialState string
	// ErrorState, when non-empty, is the state entered after an
	// unhandled step failure instead of terminating the worker.
	ErrorState string
	Signals    []string
	Topics     []TopicConfig
}

// HasState reports whether the descriptor declares the given state.
func (d Descriptor) HasState(name string) bool {
	for _, s := range d.States {
		if s == name {
			return true
		}
	}
	return false
}

// HasSignal reports whether the descriptor declares the given signal.
func (d Descriptor) HasSignal(name string) bool {
	for _, s := range d.Signals {
		if s == name {
			return true
		}
	}
	return false
}

// Topic returns the configuration for a declared topic.
func (d Descriptor) Topic(name string) (TopicConfig, bool) {
	for _, t := range d.Topics {
		if t.Name == name {
			return t, true
		}
	}
	return TopicConfig{}, false
}

// Phase is the lifecycle phase of a worker handle. It is distinct from
// the state-machine state the worker executes.
type Phase int

const (
	PhaseCreated Phase = iota
	PhaseStarting
	PhaseRunning
	PhaseStopping
	PhaseStopped
	PhaseCrashed
)

// String returns the lowercase phase name.
func (p Phase) String() string {
	switch p {
	case PhaseCreated:
		return "created"
	case PhaseStarting:
		return "starting"
	case PhaseRunning:
		return "running"
	case PhaseStopping:
		return "stopping"
	case PhaseStopped:
		return "stopped"
	case PhaseCrashed:
		return "crashed"
	default:
		return "unknown"
	}
}

// Active reports whether the phase counts against the one-instance-per-name
// invariant.
func (p Phase) Active() bool {
	return p != PhaseStopped && p != PhaseCrashed
}

// Status is a worker's self-reported condition, sent over the status
// channel to the supervisor.
type Status struct {
	Pipeline  string
	Phase     Phase
	State     string
	PrevState string
	Heartbeat time.Time
	Err       string
}

// LifecycleEvent names a worker lifecycle transition visible to
// subscribers.
type LifecycleEvent string

const (
	LifecycleStarted LifecycleEvent = "started"
	LifecycleStopped LifecycleEvent = "stopped"
	LifecycleCrashed LifecycleEvent = "crashed"
)

// UpdateKind discriminates the updates a worker emits.
type UpdateKind int

const (
	UpdateStatus UpdateKind = iota
	UpdateConfig
	UpdateLifecycle
	UpdateNotice
)

// Update is one event on the worker -> supervisor status channel. All
// fields are value copies; nothing is shared across the worker
// boundary.
type Update struct {
	Kind        UpdateKind
	Pipeline    string
	Status      Status
	ChangedKeys []string
	Lifecycle   LifecycleEvent
	Level       string
	Message     string
	At          time.Time
}
