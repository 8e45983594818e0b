package orchestrator

import (
	"context"
	"fmt"

	"github.com/auditpipe/auditpipe/internal/audit"
)

// CheckpointBoundary enumerates when a checkpoint is produced.
type CheckpointBoundary string

const (
	CheckpointEveryRow          CheckpointBoundary = "every_row"
	CheckpointEveryN            CheckpointBoundary = "every_n"
	CheckpointOnAggregationDone CheckpointBoundary = "aggregation_complete"
)

// CheckpointPolicy configures when the orchestrator emits a checkpoint.
// N is only consulted under CheckpointEveryN.
type CheckpointPolicy struct {
	Boundary CheckpointBoundary
	N        int
}

// Checkpoint captures where one token's walk had reached when it was
// recorded — an optimization hint for faster resume, not the source of
// truth for recovery: the audit store's WAL-before-return node_state
// transitions already make every commit durable, so a lost checkpoint
// only costs re-deriving the unprocessed set via UnprocessedRows, never
// correctness.
type Checkpoint struct {
	TokenID  string
	NodeID   string
	Sequence int64
}

// CheckpointSink receives checkpoints as they're produced. Persistence
// is an external collaborator the core doesn't implement — a CLI or
// config-driven wiring supplies one (file, object store, no-op).
type CheckpointSink interface {
	Checkpoint(ctx context.Context, cp Checkpoint) error
}

// CheckpointTracker decides when a boundary has been crossed and
// forwards the resulting Checkpoint to a CheckpointSink.
type CheckpointTracker struct {
	policy CheckpointPolicy
	sink   CheckpointSink
	count  int
}

// NewCheckpointTracker returns a tracker enforcing policy, forwarding to
// sink. A nil sink makes every Observe/ObserveAggregationComplete call a
// no-op, so callers can wire CheckpointTracker unconditionally even when
// no persistence layer is configured.
func NewCheckpointTracker(policy CheckpointPolicy, sink CheckpointSink) *CheckpointTracker {
	return &CheckpointTracker{policy: policy, sink: sink}
}

// Observe is called by the orchestrator after each token a sink writes
// and emits a checkpoint when the configured row-count boundary is
// crossed.
func (t *CheckpointTracker) Observe(ctx context.Context, tokenID, nodeID string, sequence int64) error {
	if t.sink == nil {
		return nil
	}

	switch t.policy.Boundary {
	case CheckpointEveryRow:
		return t.emit(ctx, tokenID, nodeID, sequence)
	case CheckpointEveryN:
		t.count++
		if t.policy.N <= 0 || t.count < t.policy.N {
			return nil
		}

		t.count = 0

		return t.emit(ctx, tokenID, nodeID, sequence)
	default: // aggregation_complete: row-by-row completions never trigger it
		return nil
	}
}

// ObserveAggregationComplete always emits a checkpoint, regardless of
// the configured boundary — aggregation completion is itself one of the
// three boundary kinds spec describes, not gated by the others.
func (t *CheckpointTracker) ObserveAggregationComplete(ctx context.Context, tokenID, nodeID string, sequence int64) error {
	if t.sink == nil {
		return nil
	}

	return t.emit(ctx, tokenID, nodeID, sequence)
}

func (t *CheckpointTracker) emit(ctx context.Context, tokenID, nodeID string, sequence int64) error {
	if err := t.sink.Checkpoint(ctx, Checkpoint{TokenID: tokenID, NodeID: nodeID, Sequence: sequence}); err != nil {
		return fmt.Errorf("orchestrator: emit checkpoint: %w", err)
	}

	return nil
}

// RecoveryRecorder is the subset of *audit.Store the recovery planner
// reads.
type RecoveryRecorder interface {
	UnprocessedRows(ctx context.Context, runID, sourceNodeID string) ([]*audit.Row, error)
}

// PlanRecovery returns the rows of runID at sourceNodeID that must be
// re-offered to the graph on resume. This is the outcome-based rule:
// a row counts as done only once some token descended from it reached a
// terminal TokenOutcome, never because its row id falls below some
// previously-seen boundary. Row-index-bounded recovery is never
// implemented here — it silently drops rows routed to a failed sink
// when routing interleaves across sinks.
func PlanRecovery(ctx context.Context, recorder RecoveryRecorder, runID, sourceNodeID string) ([]*audit.Row, error) {
	rows, err := recorder.UnprocessedRows(ctx, runID, sourceNodeID)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: plan recovery: %w", err)
	}

	return rows, nil
}
