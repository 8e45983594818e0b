package orchestrator

import (
	"context"
	"fmt"

	"github.com/auditpipe/auditpipe/internal/audit"
	"github.com/auditpipe/auditpipe/internal/exec"
	"github.com/auditpipe/auditpipe/internal/plugin"
	"github.com/auditpipe/auditpipe/internal/token"
)

// New registers pipeline's graph against store under a fresh run named
// name, then returns an Orchestrator ready to Run it. store.RegisterNode
// mints each node an opaque id independent of pipeline's graph-config
// ids, so New walks the graph in topological order, translates every id
// as it goes, and only then constructs the per-node-kind executors —
// their constructors need a concrete audit node id that does not exist
// until registration has happened.
func New(ctx context.Context, store *audit.Store, name string, config map[string]any, pipeline Pipeline, checkpoints *CheckpointTracker, collaborators Collaborators) (*Orchestrator, error) {
	if err := pipeline.Graph.ValidateEdgeCompatibility(); err != nil {
		return nil, fmt.Errorf("orchestrator: validate graph: %w", err)
	}

	order, err := pipeline.Graph.TopologicalOrder()
	if err != nil {
		return nil, fmt.Errorf("orchestrator: order graph: %w", err)
	}

	run, err := store.BeginRun(ctx, name, config)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: begin run: %w", err)
	}

	nodeIDs := make(map[string]string, len(order))
	stepIndexByAuditID := make(map[string]int, len(order))

	for i, id := range order {
		spec, ok := pipeline.Nodes[id]
		if !ok {
			return nil, fmt.Errorf("orchestrator: graph node %q has no NodeSpec", id)
		}

		auditNode, err := store.RegisterNode(ctx, run.ID, spec.PluginName, audit.NodeKind(spec.Kind), spec.Contract, spec.Config)
		if err != nil {
			return nil, fmt.Errorf("orchestrator: register node %q: %w", id, err)
		}

		nodeIDs[id] = auditNode.ID
		stepIndexByAuditID[auditNode.ID] = i
	}

	// audit fromNodeID -> graph toNodeID -> edgeID: a gate looks edges up
	// by its own audit node id and by the destination as its route table
	// or fork branches name it, which is the graph node id.
	edgeIDs := make(map[string]map[string]string, len(nodeIDs))

	for _, e := range pipeline.Graph.Edges() {
		fromID, toID := nodeIDs[e.From], nodeIDs[e.To]

		edge, err := store.RegisterEdge(ctx, run.ID, fromID, toID, e.Origin, e.Mode)
		if err != nil {
			return nil, fmt.Errorf("orchestrator: register edge %s->%s: %w", e.From, e.To, err)
		}

		if edgeIDs[fromID] == nil {
			edgeIDs[fromID] = make(map[string]string)
		}

		edgeIDs[fromID][e.To] = edge.ID
	}

	tokens := token.NewManager(store, run.ID)

	factory := executorFactory{
		NewSource: func(nodeID string, schema plugin.Schema, policy exec.ValidationFailurePolicy, payloads exec.PayloadStore) *exec.SourceExecutor {
			return exec.NewSourceExecutor(store, payloads, run.ID, nodeID, stepIndexByAuditID[nodeID], schema, policy)
		},
		NewTransform: func(nodeID string, retry exec.RetryPolicy, pool *exec.PoolConfig) *exec.TransformExecutor {
			return exec.NewTransformExecutor(store, run.ID, nodeID, stepIndexByAuditID[nodeID], retry, pool)
		},
		NewGate: func() *exec.GateExecutor {
			return exec.NewGateExecutor(store, tokens, run.ID, edgeIDs, stepIndexByAuditID)
		},
		NewCoalesce: func() *exec.CoalesceExecutor {
			return exec.NewCoalesceExecutor(store, tokens, run.ID, stepIndexByAuditID)
		},
		NewAggregation: func(nodeID string, settings exec.AggregationSettings) *exec.AggregationExecutor {
			return exec.NewAggregationExecutor(store, tokens, run.ID, nodeID, stepIndexByAuditID[nodeID], settings)
		},
		NewSink: func(nodeID string, settings exec.SinkSettings) *exec.SinkExecutor {
			return exec.NewSinkExecutor(store, run.ID, nodeID, stepIndexByAuditID[nodeID], settings)
		},
	}

	return newOrchestrator(store, run.ID, pipeline, nodeIDs, factory, checkpoints, collaborators)
}
