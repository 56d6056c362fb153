package pipeline

import "errors"

// Registry and lifecycle misuse errors are returned synchronously to
// the caller. Worker-internal failures are never surfaced as errors
// across the worker boundary; they become lifecycle phase changes plus
// notification updates.
var (
	// ErrNotFound is returned when no pipeline is registered under the name.
	ErrNotFound = errors.New("pipeline not found")

	// ErrDuplicateName is returned when registering a name twice.
	ErrDuplicateName = errors.New("pipeline name already registered")

	// ErrAlreadyRunning is returned by Start when a non-stopped worker
	// exists for the name.
	ErrAlreadyRunning = errors.New("pipeline already running")

	// ErrNotRunning is returned by Stop, SendSignal and UpdateConfig when
	// no active worker exists for the name.
	ErrNotRunning = errors.New("pipeline not running")

	// ErrQueueClosed is returned when enqueueing onto a stopping worker's
	// queue. Benign shutdown race; the caller may retry against a new
	// instance.
	ErrQueueClosed = errors.New("signal queue closed")

	// ErrDequeueTimeout is the timeout sentinel for a blocking dequeue.
	ErrDequeueTimeout = errors.New("signal dequeue timed out")

	// ErrUnknownTopic is returned by Publish for a topic the descriptor
	// does not declare.
	ErrUnknownTopic = errors.New("topic not declared by pipeline")

	// ErrUnknownState is returned when transitioning to an undeclared state.
	ErrUnknownState = errors.New("state not declared by pipeline")

	// ErrUnknownSignal is returned when a caller sends a signal the
	// descriptor does not declare.
	ErrUnknownSignal = errors.New("signal not declared by pipeline")

	// ErrStartupFailed is returned by Start when the worker does not
	// signal readiness within the startup timeout.
	ErrStartupFailed = errors.New("pipeline startup failed")

	// ErrUnknownType is returned when no factory is registered for a
	// descriptor's pipeline type.
	ErrUnknownType = errors.New("unknown pipeline type")

	// ErrBufferClosed is returned by buffer operations after Close.
	ErrBufferClosed = errors.New("record buffer closed")
)
