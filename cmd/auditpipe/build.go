package main

import (
	"fmt"

	"github.com/auditpipe/auditpipe/internal/audit"
	"github.com/auditpipe/auditpipe/internal/config"
	"github.com/auditpipe/auditpipe/internal/exec"
	"github.com/auditpipe/auditpipe/internal/graph"
	"github.com/auditpipe/auditpipe/internal/orchestrator"
	"github.com/auditpipe/auditpipe/internal/plugin"
)

// buildPipeline turns a loaded config.PipelineConfig into an
// orchestrator.Pipeline: a graph.Graph for edge-compatibility checking
// plus a NodeSpec per node, with every plugin reference resolved
// through registry. It never touches the audit store — orchestrator.New
// assigns real audit node ids afterward.
func buildPipeline(cfg *config.PipelineConfig, registry *PluginRegistry, payloads exec.PayloadStore) (orchestrator.Pipeline, error) {
	g := graph.New()
	nodes := make(map[string]orchestrator.NodeSpec, len(cfg.Nodes))

	for _, n := range cfg.Nodes {
		kind := graph.NodeKind(n.Kind)
		node := graph.Node{
			ID:         n.ID,
			Kind:       kind,
			PluginName: n.Plugin,
			Config:     n.Config,
		}

		if kind == graph.NodeKindAggregation {
			tier := graphContractTier(n.Contract)
			node.Input = graph.Contract{Tier: tier}
			node.Output = graph.Contract{Tier: tier}
		} else {
			node.Contract = graph.Contract{Tier: graphContractTier(n.Contract)}
		}

		if err := g.AddNode(node); err != nil {
			return orchestrator.Pipeline{}, fmt.Errorf("auditpipe: add graph node %q: %w", n.ID, err)
		}

		spec, err := buildNodeSpec(n, registry, payloads, cfg)
		if err != nil {
			return orchestrator.Pipeline{}, fmt.Errorf("auditpipe: build node %q: %w", n.ID, err)
		}

		nodes[n.ID] = spec
	}

	branchOf := make(map[string]map[string]string) // coalesce node id -> upstream node id -> branch

	for _, e := range cfg.Edges {
		if err := g.AddEdge(graph.Edge{From: e.From, To: e.To, Origin: e.Origin, Mode: e.ResolvedMode()}); err != nil {
			return orchestrator.Pipeline{}, fmt.Errorf("auditpipe: add edge %s->%s: %w", e.From, e.To, err)
		}

		if spec, ok := nodes[e.To]; ok && spec.Coalesce != nil {
			if branchOf[e.To] == nil {
				branchOf[e.To] = make(map[string]string)
			}

			branchOf[e.To][e.From] = e.Origin
		}
	}

	for id, branches := range branchOf {
		spec := nodes[id]
		spec.Coalesce.BranchOf = branches
		nodes[id] = spec
	}

	return orchestrator.Pipeline{Graph: g, Nodes: nodes}, nil
}

func buildNodeSpec(n config.NodeConfig, registry *PluginRegistry, payloads exec.PayloadStore, cfg *config.PipelineConfig) (orchestrator.NodeSpec, error) {
	spec := orchestrator.NodeSpec{
		ID:         n.ID,
		Kind:       graph.NodeKind(n.Kind),
		PluginName: n.Plugin,
		Contract:   auditContractTier(n.Contract),
		Config:     n.Config,
	}

	switch spec.Kind {
	case graph.NodeKindSource:
		src, err := registry.Source(n.Plugin)
		if err != nil {
			return orchestrator.NodeSpec{}, err
		}

		spec.Source = &orchestrator.SourceSpec{
			Plugin:   src,
			Schema:   src.OutputSchema(),
			Policy:   exec.ValidationFailurePolicy(stringOpt(n.Config, "on_validation_failure", string(exec.OnValidationFail))),
			Payloads: payloads,
			Next:     n.Next,
		}
	case graph.NodeKindTransform:
		xform, err := registry.Transform(n.Plugin)
		if err != nil {
			return orchestrator.NodeSpec{}, err
		}

		initial, maxDelay := cfg.Retry.ToDurations()

		spec.Transform = &orchestrator.TransformSpec{
			Plugin: xform,
			Retry: exec.RetryPolicy{
				MaxAttempts:     cfg.Retry.MaxAttempts,
				InitialDelay:    initial,
				MaxDelay:        maxDelay,
				ExponentialBase: cfg.Retry.ExponentialBase,
			},
			Pool: buildPoolConfig(n.Pool, cfg),
			Next: n.Next,
		}
	case graph.NodeKindGate:
		g, err := registry.Gate(n.Plugin)
		if err != nil {
			return orchestrator.NodeSpec{}, err
		}

		routes := make(map[string]plugin.RouteDestination, len(n.Routes))
		for label, dest := range n.Routes {
			routes[label] = plugin.RouteDestination{Kind: plugin.DestinationProcessingNode, NodeID: dest}
		}

		gateSpec := &orchestrator.GateSpec{Plugin: g, Routes: routes}

		if g == nil {
			// config-driven gate: route by the string value of a named
			// field, resolved against Routes at dispatch time.
			field := stringOpt(n.Config, "route_field", "")
			gateSpec.Resolve = func(row plugin.Row) string {
				s, _ := row[field].(string)

				return s
			}
		}

		spec.Gate = gateSpec
	case graph.NodeKindCoalesce:
		spec.Coalesce = &orchestrator.CoalesceSpec{
			Settings: exec.CoalesceSettings{
				Name:     n.ID,
				Policy:   exec.CoalescePolicy(stringOpt(n.Config, "policy", string(exec.CoalesceRequireAll))),
				Merge:    exec.MergeStrategy(stringOpt(n.Config, "merge", string(exec.MergeUnion))),
				Branches: stringSliceOpt(n.Config, "branches"),
			},
			Next: n.Next,
		}
	case graph.NodeKindAggregation:
		agg, err := registry.Aggregation(n.Plugin)
		if err != nil {
			return orchestrator.NodeSpec{}, err
		}

		spec.Aggregation = &orchestrator.AggregationSpec{
			Plugin: agg,
			Settings: exec.AggregationSettings{
				Trigger: exec.AggregationTrigger{Count: intOpt(n.Config, "trigger_count", 0)},
				Mode:    exec.AggregationOutputMode(stringOpt(n.Config, "mode", string(exec.AggregationTransform))),
			},
			Next: n.Next,
		}
	case graph.NodeKindSink:
		sink, err := registry.Sink(n.Plugin)
		if err != nil {
			return orchestrator.NodeSpec{}, err
		}

		spec.Sink = &orchestrator.SinkSpec{
			Plugin:   sink,
			Settings: exec.SinkSettings{HeaderMode: exec.SinkHeaderMode(stringOpt(n.Config, "header_mode", string(exec.SinkHeaderExplicit)))},
		}
	default:
		return orchestrator.NodeSpec{}, fmt.Errorf("unknown node kind %q", n.Kind)
	}

	return spec, nil
}

func buildPoolConfig(poolName string, cfg *config.PipelineConfig) *exec.PoolConfig {
	if poolName == "" {
		return nil
	}

	p, ok := cfg.Pools[poolName]
	if !ok {
		return nil
	}

	minDelay, maxDelay, recoveryStep, maxCapacityRetry := p.ToDurations()

	return &exec.PoolConfig{
		Size:              p.PoolSize,
		MinDispatchDelay:  minDelay,
		MaxDispatchDelay:  maxDelay,
		BackoffMultiplier: p.BackoffMultiplier,
		RecoveryStep:      recoveryStep,
		MaxCapacityRetry:  maxCapacityRetry,
	}
}

func graphContractTier(tier string) graph.ContractTier {
	switch tier {
	case "fixed":
		return graph.ContractFixed
	case "flexible":
		return graph.ContractFlexible
	default:
		return graph.ContractObserved
	}
}

func auditContractTier(tier string) audit.Contract {
	switch tier {
	case "fixed":
		return audit.ContractFixed
	case "flexible":
		return audit.ContractFlexible
	default:
		return audit.ContractObserved
	}
}

func stringOpt(cfg map[string]any, key, def string) string {
	if v, ok := cfg[key].(string); ok {
		return v
	}

	return def
}

func intOpt(cfg map[string]any, key string, def int) int {
	switch v := cfg[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return def
	}
}

func stringSliceOpt(cfg map[string]any, key string) []string {
	raw, ok := cfg[key].([]any)
	if !ok {
		return nil
	}

	out := make([]string, 0, len(raw))

	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}

	return out
}
