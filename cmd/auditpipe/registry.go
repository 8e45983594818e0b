package main

import (
	"fmt"

	"github.com/auditpipe/auditpipe/internal/plugin"
)

// PluginRegistry is the static lookup a pipeline definition's plugin
// names resolve against. It is deliberately the only plugin-discovery
// mechanism this binary offers — automatic discovery (scanning a
// directory, loading a shared object, reflecting over a package) is out
// of scope; plugins are added with RegisterSource/RegisterTransform/etc.
//
// run builds a fresh, empty registry and registers nothing into it, so
// running this binary against a real pipeline.yaml fails fast with a
// "registry: no ... plugin registered under ..." error: CSV/LLM/database
// plugin implementations live outside this module entirely.
type PluginRegistry struct {
	sources      map[string]plugin.Source
	transforms   map[string]plugin.Transform
	gates        map[string]plugin.Gate
	aggregations map[string]plugin.Aggregation
	sinks        map[string]plugin.Sink
}

// NewPluginRegistry returns an empty registry.
func NewPluginRegistry() *PluginRegistry {
	return &PluginRegistry{
		sources:      make(map[string]plugin.Source),
		transforms:   make(map[string]plugin.Transform),
		gates:        make(map[string]plugin.Gate),
		aggregations: make(map[string]plugin.Aggregation),
		sinks:        make(map[string]plugin.Sink),
	}
}

func (r *PluginRegistry) RegisterSource(name string, p plugin.Source) { r.sources[name] = p }

func (r *PluginRegistry) RegisterTransform(name string, p plugin.Transform) { r.transforms[name] = p }

func (r *PluginRegistry) RegisterGate(name string, p plugin.Gate) { r.gates[name] = p }

func (r *PluginRegistry) RegisterAggregation(name string, p plugin.Aggregation) {
	r.aggregations[name] = p
}

func (r *PluginRegistry) RegisterSink(name string, p plugin.Sink) { r.sinks[name] = p }

func (r *PluginRegistry) Source(name string) (plugin.Source, error) {
	p, ok := r.sources[name]
	if !ok {
		return nil, fmt.Errorf("registry: no source plugin registered under %q", name)
	}

	return p, nil
}

func (r *PluginRegistry) Transform(name string) (plugin.Transform, error) {
	p, ok := r.transforms[name]
	if !ok {
		return nil, fmt.Errorf("registry: no transform plugin registered under %q", name)
	}

	return p, nil
}

func (r *PluginRegistry) Gate(name string) (plugin.Gate, error) {
	if name == "" {
		return nil, nil // config-driven gate: no plugin, Resolve/Routes drive it
	}

	p, ok := r.gates[name]
	if !ok {
		return nil, fmt.Errorf("registry: no gate plugin registered under %q", name)
	}

	return p, nil
}

func (r *PluginRegistry) Aggregation(name string) (plugin.Aggregation, error) {
	p, ok := r.aggregations[name]
	if !ok {
		return nil, fmt.Errorf("registry: no aggregation plugin registered under %q", name)
	}

	return p, nil
}

func (r *PluginRegistry) Sink(name string) (plugin.Sink, error) {
	p, ok := r.sinks[name]
	if !ok {
		return nil, fmt.Errorf("registry: no sink plugin registered under %q", name)
	}

	return p, nil
}
