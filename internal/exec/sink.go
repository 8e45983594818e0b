package exec

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/auditpipe/auditpipe/internal/audit"
	"github.com/auditpipe/auditpipe/internal/plugin"
)

// SinkHeaderMode configures how a sink names its output columns.
type SinkHeaderMode string

const (
	// SinkHeaderExplicit uses whatever header names the sink plugin
	// itself was configured with; the executor does nothing extra.
	SinkHeaderExplicit SinkHeaderMode = "explicit"
	// SinkHeaderOriginal resolves header names from the node's run
	// contract, captured lazily from PluginContext.Contract, rather
	// than from sink-local configuration.
	SinkHeaderOriginal SinkHeaderMode = "original"
)

// SinkReachKind distinguishes a token that reached a sink as the
// graph's default terminal destination from one routed there by an
// explicit gate label — recorded in the token outcome detail, since
// the simplified NodeState schema has no separate ROUTED status.
type SinkReachKind string

const (
	SinkReachedDefault SinkReachKind = "default"
	SinkReachedRoute   SinkReachKind = "routed"
)

// SinkSettings configures one registered sink node.
type SinkSettings struct {
	HeaderMode SinkHeaderMode
}

// SinkRecorder is the subset of *audit.Store the sink executor writes
// through.
type SinkRecorder interface {
	BeginNodeState(ctx context.Context, runID, nodeID, tokenID, inputHash string, stepIndex, attempt int) (*audit.NodeState, error)
	CompleteNodeState(ctx context.Context, nodeStateID string, status audit.NodeStateStatus, outputHash string) error
	RecordTokenOutcome(ctx context.Context, runID, tokenID, nodeID string, outcome audit.TokenOutcomeKind, detail string) (*audit.TokenOutcome, error)
}

// SinkOutcome is the result of one sink write: the descriptor the
// plugin returned, plus how the batch's tokens reached this sink.
type SinkOutcome struct {
	Artifact plugin.ArtifactDescriptor
	Reached  SinkReachKind
}

// SinkExecutor writes a batch of rows through a plugin.Sink, recording
// one node state for the write and a terminal "sunk" outcome for every
// token in the batch.
type SinkExecutor struct {
	recorder  SinkRecorder
	runID     string
	nodeID    string
	stepIndex int
	settings  SinkSettings
}

// NewSinkExecutor returns an executor scoped to one run and sink node.
func NewSinkExecutor(recorder SinkRecorder, runID, nodeID string, stepIndex int, settings SinkSettings) *SinkExecutor {
	return &SinkExecutor{recorder: recorder, runID: runID, nodeID: nodeID, stepIndex: stepIndex, settings: settings}
}

// Write opens a node state keyed to the batch's lead token, invokes the
// sink, and records the resulting artifact hash (computed by the
// plugin before any I/O) against every token the batch carried. reached
// names why this sink was reached — the graph's default terminal
// destination, or an explicit route label — and is folded into each
// token outcome's detail, since node_states.status has no ROUTED value
// distinct from COMPLETED.
func (e *SinkExecutor) Write(ctx context.Context, sink plugin.Sink, tokens []*audit.Token, rows []plugin.Row, pctx plugin.PluginContext, reached SinkReachKind) (*SinkOutcome, error) {
	if len(tokens) == 0 {
		return nil, fmt.Errorf("exec: sink write with no tokens")
	}

	state, err := e.recorder.BeginNodeState(ctx, e.runID, e.nodeID, tokens[0].ID, "", e.stepIndex, 1)
	if err != nil {
		return nil, fmt.Errorf("exec: begin sink node state: %w", err)
	}

	var headers []string

	if e.settings.HeaderMode == SinkHeaderOriginal && pctx.Contract != nil {
		schema := pctx.Contract()
		headers = make([]string, len(schema.Fields))

		for i, field := range schema.Fields {
			headers[i] = field.Name
		}
	}

	artifact, err := sink.Write(rows, pctx)
	if err != nil {
		_ = e.recorder.CompleteNodeState(ctx, state.ID, audit.NodeStateFailed, "")

		return nil, fmt.Errorf("exec: sink write: %w", err)
	}

	if headers != nil {
		if artifact.Detail == nil {
			artifact.Detail = make(map[string]any, 1)
		}

		artifact.Detail["resolved_headers"] = headers
	}

	if err := e.recorder.CompleteNodeState(ctx, state.ID, audit.NodeStateCompleted, artifact.PayloadHash); err != nil {
		return nil, fmt.Errorf("exec: complete sink node state: %w", err)
	}

	detail, err := sinkOutcomeDetail(artifact, reached)
	if err != nil {
		return nil, fmt.Errorf("exec: encode sink outcome detail: %w", err)
	}

	for _, token := range tokens {
		if _, err := e.recorder.RecordTokenOutcome(ctx, e.runID, token.ID, e.nodeID, audit.TokenOutcomeSunk, detail); err != nil {
			return nil, fmt.Errorf("exec: record sunk outcome for token %s: %w", token.ID, err)
		}
	}

	return &SinkOutcome{Artifact: artifact, Reached: reached}, nil
}

func sinkOutcomeDetail(artifact plugin.ArtifactDescriptor, reached SinkReachKind) (string, error) {
	payload := map[string]any{
		"sink":         artifact.SinkName,
		"payload_hash": artifact.PayloadHash,
		"row_count":    artifact.RowCount,
		"reached":      string(reached),
	}

	encoded, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	return string(encoded), nil
}
