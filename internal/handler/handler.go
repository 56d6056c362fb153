// Package handler provides the processing-stage capability registry.
// Pipelines compose their steps from named handlers so that machine
// code stays independent of how a stage is implemented.
package handler

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/visionflow/visionflow/internal/infrastructure/logging"
)

// Handler is a single processing stage. Process receives the stage
// inputs and returns its outputs; both maps are owned by the caller.
type Handler interface {
	// Name identifies the capability, e.g. "frame_source".
	Name() string
	Process(ctx context.Context, inputs map[string]interface{}) (map[string]interface{}, error)
}

// Factory builds a handler from its stage configuration.
type Factory func(cfg map[string]interface{}, log *logging.Logger) (Handler, error)

// Registry manages handler discovery by capability name.
type Registry struct {
	factories sync.Map
	log       *logging.Logger
}

// NewRegistry creates a handler registry.
func NewRegistry(log *logging.Logger) *Registry {
	if log == nil {
		log = logging.NewNop()
	}
	return &Registry{log: log}
}

// Register adds a handler factory under a capability name.
func (r *Registry) Register(name string, factory Factory) error {
	if name == "" {
		return fmt.Errorf("handler name cannot be empty")
	}
	if factory == nil {
		return fmt.Errorf("handler %q: nil factory", name)
	}
	r.factories.Store(name, factory)
	r.log.Debug("Handler registered", zap.String("handler", name))
	return nil
}

// New builds a handler instance for the named capability.
func (r *Registry) New(name string, cfg map[string]interface{}) (Handler, error) {
	val, ok := r.factories.Load(name)
	if !ok {
		return nil, fmt.Errorf("unknown handler %q", name)
	}
	return val.(Factory)(cfg, r.log.Named(name))
}

// Names returns the registered capability names, sorted.
func (r *Registry) Names() []string {
	var names []string
	r.factories.Range(func(key, _ interface{}) bool {
		names = append(names, key.(string))
		return true
	})
	sort.Strings(names)
	return names
}
