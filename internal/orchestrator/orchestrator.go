// Package orchestrator drives the outer loop of a pipeline run: for
// every token a source emits, it walks the current node, dispatches to
// the matching executor kernel, and advances along the resulting
// routing destination(s), handing off to coalesce barriers and
// aggregations as the graph requires.
package orchestrator

import (
	"context"
	"fmt"

	"github.com/auditpipe/auditpipe/internal/audit"
	"github.com/auditpipe/auditpipe/internal/exec"
	"github.com/auditpipe/auditpipe/internal/graph"
	"github.com/auditpipe/auditpipe/internal/plugin"
)

// RunRecorder is the subset of *audit.Store the orchestrator writes
// through directly (node executors write through their own narrower
// interfaces).
type RunRecorder interface {
	BeginRun(ctx context.Context, name string, config map[string]any) (*audit.Run, error)
	CompleteRun(ctx context.Context, runID string, status audit.RunStatus) error
	RegisterNode(ctx context.Context, runID, name string, kind audit.NodeKind, contract audit.Contract, config map[string]any) (*audit.Node, error)
	RegisterEdge(ctx context.Context, runID, fromNodeID, toNodeID, label, mode string) (*audit.Edge, error)
}

// SourceSpec describes one source node.
type SourceSpec struct {
	Plugin   plugin.Source
	Schema   plugin.Schema
	Policy   exec.ValidationFailurePolicy
	Payloads exec.PayloadStore
	Next     string // graph node id tokens continue to
}

// TransformSpec describes one transform node.
type TransformSpec struct {
	Plugin plugin.Transform
	Retry  exec.RetryPolicy
	Pool   *exec.PoolConfig
	Next   string
}

// GateSpec describes one gate node. Exactly one of Plugin or Resolve is
// set: a plugin gate returns its own RoutingAction; a config gate
// resolves row to a label via Resolve, then looks the label up in
// Routes.
type GateSpec struct {
	Plugin  plugin.Gate
	Resolve func(plugin.Row) string
	Routes  map[string]plugin.RouteDestination
}

// CoalesceSpec describes one coalesce node. BranchOf maps the id of
// every upstream node that can deliver to this coalesce point to the
// branch name CoalesceSettings.Branches expects it under — the pipeline
// builder derives this from the graph edge's Origin label, so the
// orchestrator's walk never has to consult the graph directly.
type CoalesceSpec struct {
	Settings exec.CoalesceSettings
	BranchOf map[string]string
	Next     string
}

// AggregationSpec describes one aggregation node.
type AggregationSpec struct {
	Plugin   plugin.Aggregation
	Settings exec.AggregationSettings
	Next     string
}

// SinkSpec describes one sink node.
type SinkSpec struct {
	Plugin   plugin.Sink
	Settings exec.SinkSettings
}

// NodeSpec is one declarative description of a graph vertex: its kind,
// plugin name (for the audit record), contract tier, and exactly one of
// the kind-specific spec fields.
type NodeSpec struct {
	ID         string
	Kind       graph.NodeKind
	PluginName string
	Contract   audit.Contract
	Config     map[string]any

	Source      *SourceSpec
	Transform   *TransformSpec
	Gate        *GateSpec
	Coalesce    *CoalesceSpec
	Aggregation *AggregationSpec
	Sink        *SinkSpec
}

// Pipeline is the fully resolved set of node specs plus the graph they
// describe, ready to run.
type Pipeline struct {
	Graph *graph.Graph
	Nodes map[string]NodeSpec // keyed by NodeSpec.ID
}

// arrival is one unit of in-flight work: an audit token paired with the
// plugin row it currently carries, the graph node id it is arriving at,
// and the graph node id it was produced by — the latter is what a
// coalesce node's BranchOf table is keyed on, since CoalesceSettings
// names branches by upstream node, not by the coalesce node itself.
type arrival struct {
	token  *audit.Token
	row    plugin.Row
	nodeID string
	from   string
	reach  exec.SinkReachKind
}

// Orchestrator owns one run's outer loop.
type Orchestrator struct {
	audit RunRecorder

	runID    string
	nodeIDs  map[string]string // graph node id -> audit node id
	pipeline Pipeline

	sources      map[string]*exec.SourceExecutor
	transforms   map[string]*exec.TransformExecutor
	gates        *exec.GateExecutor
	coalesces    *exec.CoalesceExecutor
	aggregations map[string]*exec.AggregationExecutor
	sinks        map[string]*exec.SinkExecutor

	checkpoints   *CheckpointTracker
	collaborators Collaborators
}

// Collaborators carries the optional, narrow external collaborators
// every plugin.PluginContext is built from. Each field's zero value
// (nil, or zero ConcurrencyLimits) means that collaborator isn't wired
// for this run — plugins already treat that as "unavailable", never as
// an error, per plugin.PluginContext's own field documentation.
type Collaborators struct {
	RateLimits  plugin.RateLimiter
	Concurrency plugin.ConcurrencyLimits
	Landscape   plugin.LandscapeRecorder
	Emit        plugin.TelemetryEmitFunc
}

// executorFactory constructs the per-node-type executors once run
// registration has minted real audit node ids. It is the narrow set of
// constructors Orchestrator needs from internal/exec and internal/token,
// injected so tests can substitute fakes without a real *audit.Store.
type executorFactory struct {
	NewSource      func(nodeID string, schema plugin.Schema, policy exec.ValidationFailurePolicy, payloads exec.PayloadStore) *exec.SourceExecutor
	NewTransform   func(nodeID string, retry exec.RetryPolicy, pool *exec.PoolConfig) *exec.TransformExecutor
	NewGate        func() *exec.GateExecutor // called at most once; the returned executor is shared across every gate node
	NewCoalesce    func() *exec.CoalesceExecutor
	NewAggregation func(nodeID string, settings exec.AggregationSettings) *exec.AggregationExecutor
	NewSink        func(nodeID string, settings exec.SinkSettings) *exec.SinkExecutor
}

// newOrchestrator returns an Orchestrator for pipeline, scoped to runID,
// using factory to build per-node executors against auditNodeIDs already
// minted by a prior RegisterGraph call (see register.go).
func newOrchestrator(recorder RunRecorder, runID string, pipeline Pipeline, nodeIDs map[string]string, factory executorFactory, checkpoints *CheckpointTracker, collaborators Collaborators) (*Orchestrator, error) {
	o := &Orchestrator{
		audit:         recorder,
		runID:         runID,
		nodeIDs:       nodeIDs,
		pipeline:      pipeline,
		collaborators: collaborators,
		sources:       make(map[string]*exec.SourceExecutor),
		transforms:    make(map[string]*exec.TransformExecutor),
		aggregations:  make(map[string]*exec.AggregationExecutor),
		sinks:         make(map[string]*exec.SinkExecutor),
		checkpoints:   checkpoints,
	}

	for id, spec := range pipeline.Nodes {
		auditID := nodeIDs[id]

		switch spec.Kind {
		case graph.NodeKindSource:
			o.sources[id] = factory.NewSource(auditID, spec.Source.Schema, spec.Source.Policy, spec.Source.Payloads)
		case graph.NodeKindTransform:
			o.transforms[id] = factory.NewTransform(auditID, spec.Transform.Retry, spec.Transform.Pool)
		case graph.NodeKindGate:
			if o.gates == nil {
				o.gates = factory.NewGate()
			}

			for label, dest := range spec.Gate.Routes {
				o.gates.RegisterRoute(auditID, label, dest)
			}
		case graph.NodeKindCoalesce:
			if o.coalesces == nil {
				o.coalesces = factory.NewCoalesce()
			}

			o.coalesces.RegisterCoalesce(spec.Coalesce.Settings, auditID)
		case graph.NodeKindAggregation:
			o.aggregations[id] = factory.NewAggregation(auditID, spec.Aggregation.Settings)
		case graph.NodeKindSink:
			o.sinks[id] = factory.NewSink(auditID, spec.Sink.Settings)
		default:
			return nil, fmt.Errorf("orchestrator: node %q has unknown kind %q", id, spec.Kind)
		}
	}

	return o, nil
}

// RunID returns the audit run id this Orchestrator is scoped to, minted
// by New's call to store.BeginRun — callers that need to export or
// inspect the run after Run returns look it up here rather than
// threading it through separately.
func (o *Orchestrator) RunID() string {
	return o.runID
}

// Run executes every node the pipeline's sources produce to completion,
// draining pending coalesce and aggregation state at end of run, and
// marks the run completed or failed accordingly.
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := o.run(ctx); err != nil {
		_ = o.audit.CompleteRun(ctx, o.runID, audit.RunStatusFailed)

		return err
	}

	if err := o.audit.CompleteRun(ctx, o.runID, audit.RunStatusCompleted); err != nil {
		return fmt.Errorf("orchestrator: complete run: %w", err)
	}

	return nil
}

func (o *Orchestrator) run(ctx context.Context) error {
	var queue []arrival

	emit := func(sourceID string, source *SourceSpec) func(plugin.Row) error {
		return func(row plugin.Row) error {
			accepted, ok, err := o.sources[sourceID].Accept(ctx, row)
			if err != nil {
				return err
			}

			if !ok {
				return nil
			}

			queue = append(queue, arrival{token: accepted.Token, row: row, nodeID: source.Next, from: sourceID, reach: exec.SinkReachedDefault})

			return nil
		}
	}

	for id, spec := range o.pipeline.Nodes {
		if spec.Kind != graph.NodeKindSource {
			continue
		}

		if err := spec.Source.Plugin.Read(ctx, emit(id, spec.Source)); err != nil {
			return fmt.Errorf("orchestrator: source %q: %w", id, err)
		}
	}

	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]

		produced, err := o.dispatch(ctx, next)
		if err != nil {
			return err
		}

		queue = append(queue, produced...)
	}

	return o.drainPending(ctx)
}

func (o *Orchestrator) dispatch(ctx context.Context, a arrival) ([]arrival, error) {
	spec, ok := o.pipeline.Nodes[a.nodeID]
	if !ok {
		return nil, fmt.Errorf("orchestrator: token %s arrived at unknown node %q", a.token.ID, a.nodeID)
	}

	pctx := plugin.PluginContext{
		Context:     ctx,
		RunID:       o.runID,
		TokenID:     a.token.ID,
		NodeID:      o.nodeIDs[a.nodeID],
		RateLimits:  o.collaborators.RateLimits,
		Concurrency: o.collaborators.Concurrency,
		Landscape:   o.collaborators.Landscape,
		Emit:        o.collaborators.Emit,
	}

	switch spec.Kind {
	case graph.NodeKindTransform:
		return o.dispatchTransform(ctx, a, spec, pctx)
	case graph.NodeKindGate:
		return o.dispatchGate(ctx, a, spec, pctx)
	case graph.NodeKindCoalesce:
		return o.dispatchCoalesce(ctx, a, spec)
	case graph.NodeKindAggregation:
		return o.dispatchAggregation(ctx, a, spec, pctx)
	case graph.NodeKindSink:
		return nil, o.dispatchSink(ctx, a, spec, pctx)
	default:
		return nil, fmt.Errorf("orchestrator: node %q cannot receive an in-flight token (kind %q)", a.nodeID, spec.Kind)
	}
}

func (o *Orchestrator) dispatchTransform(ctx context.Context, a arrival, spec NodeSpec, pctx plugin.PluginContext) ([]arrival, error) {
	ex := o.transforms[a.nodeID]

	outRow, ok, err := ex.Execute(ctx, spec.Transform.Plugin, a.token, a.row, pctx)
	if err != nil {
		return nil, err
	}

	if !ok {
		return nil, nil
	}

	return []arrival{{token: a.token, row: outRow, nodeID: spec.Transform.Next, from: a.nodeID, reach: a.reach}}, nil
}

func (o *Orchestrator) dispatchGate(ctx context.Context, a arrival, spec NodeSpec, pctx plugin.PluginContext) ([]arrival, error) {
	auditID := o.nodeIDs[a.nodeID]

	var outcome exec.GateOutcome

	var err error

	if spec.Gate.Plugin != nil {
		action := spec.Gate.Plugin.Route(a.row, pctx)
		outcome, err = o.gates.ExecutePluginGate(ctx, a.token, auditID, action)
	} else {
		label := spec.Gate.Resolve(a.row)
		outcome, err = o.gates.ExecuteConfigGate(ctx, a.token, auditID, label)
	}

	if err != nil {
		return nil, err
	}

	return o.routeGateOutcome(ctx, a, outcome)
}

func (o *Orchestrator) routeGateOutcome(ctx context.Context, a arrival, outcome exec.GateOutcome) ([]arrival, error) {
	if outcome.Destination.Kind == plugin.DestinationFork {
		produced := make([]arrival, 0, len(outcome.ChildTokens))

		for i, child := range outcome.ChildTokens {
			branch := outcome.Destination.Branches[i]
			produced = append(produced, arrival{token: child, row: a.row, nodeID: branch, from: a.nodeID, reach: exec.SinkReachedRoute})
		}

		return produced, nil
	}

	reach := a.reach
	if outcome.Destination.Kind == plugin.DestinationSink {
		reach = exec.SinkReachedRoute
	}

	return []arrival{{token: a.token, row: a.row, nodeID: outcome.Destination.NodeID, from: a.nodeID, reach: reach}}, nil
}

func (o *Orchestrator) dispatchCoalesce(ctx context.Context, a arrival, spec NodeSpec) ([]arrival, error) {
	branch, ok := spec.Coalesce.BranchOf[a.from]
	if !ok {
		branch = a.from
	}

	outcome, err := o.coalesces.Accept(ctx, a.token, branch, spec.Coalesce.Settings.Name, a.token.RowID, a.row)
	if err != nil {
		return nil, err
	}

	if outcome.Held {
		return nil, nil
	}

	return []arrival{{token: outcome.MergedToken, row: a.row, nodeID: spec.Coalesce.Next, from: a.nodeID, reach: a.reach}}, nil
}

func (o *Orchestrator) dispatchAggregation(ctx context.Context, a arrival, spec NodeSpec, pctx plugin.PluginContext) ([]arrival, error) {
	ex := o.aggregations[a.nodeID]

	outcome, err := ex.Accept(ctx, spec.Aggregation.Plugin, a.token, a.row, pctx)
	if err != nil {
		return nil, err
	}

	if outcome == nil {
		return nil, nil
	}

	if o.checkpoints != nil {
		if err := o.checkpoints.ObserveAggregationComplete(ctx, a.token.ID, o.nodeIDs[a.nodeID], 0); err != nil {
			return nil, err
		}
	}

	produced := make([]arrival, 0, len(outcome.OutputTokens))
	for _, out := range outcome.OutputTokens {
		produced = append(produced, arrival{token: out, row: a.row, nodeID: spec.Aggregation.Next, from: a.nodeID, reach: a.reach})
	}

	return produced, nil
}

func (o *Orchestrator) dispatchSink(ctx context.Context, a arrival, spec NodeSpec, pctx plugin.PluginContext) error {
	ex := o.sinks[a.nodeID]

	if _, err := ex.Write(ctx, spec.Sink.Plugin, []*audit.Token{a.token}, []plugin.Row{a.row}, pctx, a.reach); err != nil {
		return err
	}

	if o.checkpoints != nil {
		return o.checkpoints.Observe(ctx, a.token.ID, o.nodeIDs[a.nodeID], 0)
	}

	return nil
}

// drainPending flushes any coalesce barriers and aggregation batches
// still holding tokens at end of run.
func (o *Orchestrator) drainPending(ctx context.Context) error {
	if o.coalesces != nil {
		if _, err := o.coalesces.FlushPending(ctx); err != nil {
			return fmt.Errorf("orchestrator: flush pending coalesce points: %w", err)
		}
	}

	for id, spec := range o.pipeline.Nodes {
		if spec.Kind != graph.NodeKindAggregation {
			continue
		}

		if _, err := o.aggregations[id].Flush(ctx, spec.Aggregation.Plugin, plugin.PluginContext{Context: ctx, RunID: o.runID, NodeID: o.nodeIDs[id]}); err != nil {
			return fmt.Errorf("orchestrator: flush pending aggregation %q: %w", id, err)
		}
	}

	return nil
}
