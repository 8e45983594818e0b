package exec

import (
	"context"
	"errors"
	"fmt"

	"github.com/auditpipe/auditpipe/internal/audit"
	"github.com/auditpipe/auditpipe/internal/plugin"
)

// ErrMissingEdge is returned when a resolved route label has no
// registered destination — a configuration bug, always recorded as a
// failed node state before being returned.
var ErrMissingEdge = errors.New("exec: route label has no registered destination")

// routeKey identifies one (node, label) pair in a gate's route table.
type routeKey struct {
	nodeID string
	label  string
}

// GateRecorder is the subset of *audit.Store the gate executor writes
// through.
type GateRecorder interface {
	BeginNodeState(ctx context.Context, runID, nodeID, tokenID, inputHash string, stepIndex, attempt int) (*audit.NodeState, error)
	CompleteNodeState(ctx context.Context, nodeStateID string, status audit.NodeStateStatus, outputHash string) error
	RecordRoutingEvent(ctx context.Context, runID, nodeStateID, edgeID string, action audit.RoutingAction) (*audit.RoutingEvent, error)
	RecordRoutingEvents(ctx context.Context, runID, nodeStateID string, edgeIDs []string, action audit.RoutingAction) ([]*audit.RoutingEvent, error)
}

// TokenForker is the subset of *token.Manager the gate executor depends
// on for FORK destinations.
type TokenForker interface {
	ForkToken(ctx context.Context, parent *audit.Token, branches []string, stepIndex int) ([]*audit.Token, error)
}

// GateOutcome is the result of resolving and dispatching one gate
// decision.
type GateOutcome struct {
	Destination plugin.RouteDestination
	ChildTokens []*audit.Token
}

// GateExecutor resolves a gate's routing label to a RouteDestination and
// dispatches accordingly: CONTINUE and SINK/PROCESSING_NODE destinations
// record a single routing event; FORK destinations mint child tokens via
// TokenForker and record one routing event per branch. Status is always
// "completed" for a resolved gate — the routing decision itself lives in
// routing_events, never in node_states.status.
type GateExecutor struct {
	recorder  GateRecorder
	forker    TokenForker
	runID     string
	routes    map[routeKey]plugin.RouteDestination
	edgeIDs   map[string]map[string]string // fromNodeID -> toNodeID -> edgeID
	stepIndex map[string]int               // nodeID -> topological step index
}

// NewGateExecutor returns an executor scoped to one run. edgeIDs resolves
// a (fromNodeID, toNodeID) pair to the registered edge that routing
// decision traveled; stepIndex resolves a gate node id to its position in
// the pipeline's topological order. A single GateExecutor serves every
// gate node in the run, so both are keyed by node id rather than fixed at
// construction per node.
func NewGateExecutor(recorder GateRecorder, forker TokenForker, runID string, edgeIDs map[string]map[string]string, stepIndex map[string]int) *GateExecutor {
	return &GateExecutor{
		recorder:  recorder,
		forker:    forker,
		runID:     runID,
		routes:    make(map[routeKey]plugin.RouteDestination),
		edgeIDs:   edgeIDs,
		stepIndex: stepIndex,
	}
}

// RegisterRoute binds a (nodeID, label) pair to its resolved
// destination. Config gates resolve a condition result to label and
// look it up here; plugin gates that return a RoutingAction bypass this
// table by naming the destination node directly.
func (g *GateExecutor) RegisterRoute(nodeID, label string, destination plugin.RouteDestination) {
	g.routes[routeKey{nodeID: nodeID, label: label}] = destination
}

// ExecuteConfigGate opens a node state for token at nodeID, resolves
// routeLabel against the registered route table, and dispatches the
// resolved destination. Returns ErrMissingEdge (after recording the
// state as FAILED) if routeLabel has no registered destination. A FORK
// destination with no branches configured also records the state as
// FAILED, and returns a plain error that does not wrap ErrMissingEdge.
func (g *GateExecutor) ExecuteConfigGate(ctx context.Context, token *audit.Token, nodeID, routeLabel string) (GateOutcome, error) {
	state, err := g.recorder.BeginNodeState(ctx, g.runID, nodeID, token.ID, "", g.stepIndex[nodeID], 1)
	if err != nil {
		return GateOutcome{}, fmt.Errorf("exec: begin gate node state: %w", err)
	}

	destination, ok := g.routes[routeKey{nodeID: nodeID, label: routeLabel}]
	if !ok {
		_ = g.recorder.CompleteNodeState(ctx, state.ID, audit.NodeStateFailed, "")

		return GateOutcome{}, fmt.Errorf("%w: node %q label %q", ErrMissingEdge, nodeID, routeLabel)
	}

	outcome, err := g.dispatch(ctx, state.ID, nodeID, token, destination)
	if err != nil {
		_ = g.recorder.CompleteNodeState(ctx, state.ID, audit.NodeStateFailed, "")

		return GateOutcome{}, err
	}

	if err := g.recorder.CompleteNodeState(ctx, state.ID, audit.NodeStateCompleted, ""); err != nil {
		return GateOutcome{}, fmt.Errorf("exec: complete gate node state: %w", err)
	}

	return outcome, nil
}

// ExecutePluginGate records the routing decision a plugin gate already
// computed, dispatching exactly as a resolved config-gate label would.
func (g *GateExecutor) ExecutePluginGate(ctx context.Context, token *audit.Token, nodeID string, action plugin.RoutingAction) (GateOutcome, error) {
	state, err := g.recorder.BeginNodeState(ctx, g.runID, nodeID, token.ID, "", g.stepIndex[nodeID], 1)
	if err != nil {
		return GateOutcome{}, fmt.Errorf("exec: begin gate node state: %w", err)
	}

	var destination plugin.RouteDestination

	switch action.Kind {
	case plugin.RoutingFork:
		destination = plugin.RouteDestination{Kind: plugin.DestinationFork, Branches: action.Targets}
	default:
		if len(action.Targets) != 1 {
			_ = g.recorder.CompleteNodeState(ctx, state.ID, audit.NodeStateFailed, "")

			return GateOutcome{}, fmt.Errorf("exec: plugin gate at %q produced %d targets, want exactly one", nodeID, len(action.Targets))
		}

		destination = plugin.RouteDestination{Kind: plugin.DestinationProcessingNode, NodeID: action.Targets[0]}
	}

	outcome, err := g.dispatch(ctx, state.ID, nodeID, token, destination)
	if err != nil {
		_ = g.recorder.CompleteNodeState(ctx, state.ID, audit.NodeStateFailed, "")

		return GateOutcome{}, err
	}

	if err := g.recorder.CompleteNodeState(ctx, state.ID, audit.NodeStateCompleted, ""); err != nil {
		return GateOutcome{}, fmt.Errorf("exec: complete gate node state: %w", err)
	}

	return outcome, nil
}

// edgeFor resolves the registered edge id for the (fromNodeID, toNodeID)
// pair a routing decision travels: fromNodeID is the gate's audit node
// id, toNodeID the destination as the route or fork branch names it.
// Returns "" if no edge was registered for that pair. The gate passes ""
// to the recorder unchanged; *audit.Store rejects it through the
// routing_events.edge_id foreign key, so against the real store an
// unregistered pair fails the gate, while a recorder that does not check
// edges records it.
func (g *GateExecutor) edgeFor(fromNodeID, toNodeID string) string {
	return g.edgeIDs[fromNodeID][toNodeID]
}

func (g *GateExecutor) dispatch(ctx context.Context, nodeStateID, fromNodeID string, token *audit.Token, destination plugin.RouteDestination) (GateOutcome, error) {
	switch destination.Kind {
	case plugin.DestinationFork:
		if len(destination.Branches) == 0 {
			return GateOutcome{}, fmt.Errorf("exec: fork destination has no branches configured")
		}

		edgeIDs := make([]string, len(destination.Branches))
		for i, branch := range destination.Branches {
			edgeIDs[i] = g.edgeFor(fromNodeID, branch)
		}

		if _, err := g.recorder.RecordRoutingEvents(ctx, g.runID, nodeStateID, edgeIDs, audit.RoutingActionFork); err != nil {
			return GateOutcome{}, fmt.Errorf("exec: record fork routing events: %w", err)
		}

		children, err := g.forker.ForkToken(ctx, token, destination.Branches, g.stepIndex[fromNodeID])
		if err != nil {
			return GateOutcome{}, fmt.Errorf("exec: fork token: %w", err)
		}

		return GateOutcome{Destination: destination, ChildTokens: children}, nil

	default: // CONTINUE, SINK, PROCESSING_NODE all record a single forward routing event
		edgeID := g.edgeFor(fromNodeID, destination.NodeID)

		if _, err := g.recorder.RecordRoutingEvent(ctx, g.runID, nodeStateID, edgeID, audit.RoutingActionForward); err != nil {
			return GateOutcome{}, fmt.Errorf("exec: record routing event: %w", err)
		}

		return GateOutcome{Destination: destination}, nil
	}
}
