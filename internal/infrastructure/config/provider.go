package config

import (
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-yaml"

	"github.com/visionflow/visionflow/internal/pipeline"
)

// Buffer bound defaults applied when a topic omits them, matching the
// historical streaming defaults (100 frames, 5 second window).
const (
	DefaultTopicMaxCount   = 100
	DefaultTopicTimeWindow = 5 * time.Second
)

// Definitions is the root of a pipeline definition file.
type Definitions struct {
	Pipelines []Definition `yaml:"pipelines"`
}

// Definition declares one pipeline in YAML form.
type Definition struct {
	Name         string                 `yaml:"name"`
	Type         string                 `yaml:"type"`
	States       []string               `yaml:"states"`
	InitialState string                 `yaml:"initial_state"`
	ErrorState   string                 `yaml:"error_state"`
	Signals      []string               `yaml:"signals"`
	Topics       []TopicDefinition      `yaml:"topics"`
	Config       map[string]interface{} `yaml:"config"`
}

// TopicDefinition declares one topic's buffer bounds. Omitted bounds
// take the defaults; explicit negative values disable a criterion.
type TopicDefinition struct {
	Name       string   `yaml:"name"`
	MaxCount   *int     `yaml:"max_count"`
	TimeWindow *float64 `yaml:"time_window"` // seconds
}

// LoadDefinitions parses a pipeline definition file into descriptors.
func LoadDefinitions(path string) ([]pipeline.Descriptor, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pipeline definitions: %w", err)
	}
	return ParseDefinitions(raw)
}

// ParseDefinitions parses YAML pipeline definitions.
func ParseDefinitions(raw []byte) ([]pipeline.Descriptor, error) {
	var defs Definitions
	if err := yaml.Unmarshal(raw, &defs); err != nil {
		return nil, fmt.Errorf("parse pipeline definitions: %w", err)
	}

	out := make([]pipeline.Descriptor, 0, len(defs.Pipelines))
	for _, def := range defs.Pipelines {
		desc, err := def.Descriptor()
		if err != nil {
			return nil, err
		}
		out = append(out, desc)
	}
	return out, nil
}

// Descriptor converts a YAML definition into a resolved descriptor.
func (d Definition) Descriptor() (pipeline.Descriptor, error) {
	if d.Name == "" {
		return pipeline.Descriptor{}, fmt.Errorf("pipeline definition missing name")
	}
	if d.Type == "" {
		return pipeline.Descriptor{}, fmt.Errorf("pipeline %q: missing type", d.Name)
	}

	topics := make([]pipeline.TopicConfig, 0, len(d.Topics))
	for _, t := range d.Topics {
		tc := pipeline.TopicConfig{
			Name:       t.Name,
			MaxCount:   DefaultTopicMaxCount,
			TimeWindow: DefaultTopicTimeWindow,
		}
		if t.MaxCount != nil {
			tc.MaxCount = *t.MaxCount
		}
		if t.TimeWindow != nil {
			tc.TimeWindow = time.Duration(*t.TimeWindow * float64(time.Second))
		}
		topics = append(topics, tc)
	}

	initial := d.InitialState
	if initial == "" && len(d.States) > 0 {
		initial = d.States[0]
	}

	return pipeline.Descriptor{
		Name:         d.Name,
		Type:         d.Type,
		Config:       d.Config,
		States:       d.States,
		InitialState: initial,
		ErrorState:   d.ErrorState,
		Signals:      d.Signals,
		Topics:       topics,
	}, nil
}

// Provider resolves a descriptor's effective configuration by merging
// per-start overrides over the descriptor defaults. Maps merge
// recursively; lists and scalars override.
type Provider struct{}

// NewProvider creates a configuration provider.
func NewProvider() *Provider {
	return &Provider{}
}

// Resolve returns a deep copy of the descriptor configuration with the
// override merged on top. The descriptor's map is never mutated.
func (p *Provider) Resolve(desc pipeline.Descriptor, override map[string]interface{}) (map[string]interface{}, error) {
	resolved := deepCopy(desc.Config)
	if len(override) > 0 {
		resolved = Merge(resolved, override)
	}
	if resolved == nil {
		resolved = make(map[string]interface{})
	}
	return resolved, nil
}

// Merge implements the provider's merge policy on arbitrary maps.
func (p *Provider) Merge(dst, src map[string]interface{}) map[string]interface{} {
	return Merge(dst, src)
}

// Merge merges src into dst and returns dst. Nested maps merge
// recursively; every other value (including lists) overrides.
func Merge(dst, src map[string]interface{}) map[string]interface{} {
	if dst == nil {
		dst = make(map[string]interface{}, len(src))
	}
	for key, sv := range src {
		if sm, ok := sv.(map[string]interface{}); ok {
			if dm, ok := dst[key].(map[string]interface{}); ok {
				dst[key] = Merge(dm, sm)
				continue
			}
			dst[key] = deepCopy(sm)
			continue
		}
		dst[key] = sv
	}
	return dst
}

func deepCopy(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		if nested, ok := v.(map[string]interface{}); ok {
			out[k] = deepCopy(nested)
			continue
		}
		out[k] = v
	}
	return out
}
