package exec

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/auditpipe/auditpipe/internal/audit"
	"github.com/auditpipe/auditpipe/internal/canonical"
	"github.com/auditpipe/auditpipe/internal/plugin"
)

// AggregationOutputMode enumerates how a flushed batch's output rows map
// back to consumed tokens.
type AggregationOutputMode string

const (
	// AggregationTransform merges the whole batch into exactly one
	// output row/token.
	AggregationTransform AggregationOutputMode = "transform"
	// AggregationExpand emits one output row/token per buffered input,
	// preserving 1:1 lineage. Rarely used.
	AggregationExpand AggregationOutputMode = "expand"
)

// AggregationTrigger configures when a batch flushes automatically.
// Zero values disable that trigger; at least one must be non-zero or
// the batch only ever flushes via an explicit Flush call (the
// "boundary" trigger).
type AggregationTrigger struct {
	Count    int
	Duration time.Duration
}

// AggregationSettings configures one registered aggregation node.
type AggregationSettings struct {
	Trigger AggregationTrigger
	Mode    AggregationOutputMode
}

// AggregationRecorder is the subset of *audit.Store the aggregation
// executor writes through.
type AggregationRecorder interface {
	OpenBatch(ctx context.Context, runID, nodeID string) (*audit.Batch, error)
	CloseBatch(ctx context.Context, batchID string, submitted, completed int) error
	CreateRow(ctx context.Context, runID, sourceNodeID, payloadHash string) (*audit.Row, error)
	CreateToken(ctx context.Context, runID, rowID string, ordinal int, lineage audit.TokenLineage) (*audit.Token, error)
	AddTokenParent(ctx context.Context, childTokenID, parentTokenID string, ordinal int) error
	RecordTokenOutcome(ctx context.Context, runID, tokenID, nodeID string, outcome audit.TokenOutcomeKind, detail string) (*audit.TokenOutcome, error)
}

// AggregationOutcome is the result of a batch flush: either it failed
// (FailureReason set, the batch retained under a fresh batch id for a
// future retry_batch-style attempt) or it produced output tokens.
type AggregationOutcome struct {
	BatchID       string
	OutputTokens  []*audit.Token
	ConsumedCount int
	FailureReason string
}

type aggregationBatch struct {
	batch        *audit.Batch
	tokens       []*audit.Token
	rows         []plugin.Row
	firstAccept  time.Time
	attempt      int
}

// AggregationExecutor buffers tokens into a Batch and flushes on count,
// duration, or an explicit boundary. Merger is the same TokenCoalescer
// a coalesce point uses: "transform" mode collapsing many tokens into
// one is structurally the same merge coalesce performs, just triggered
// by batch size/time instead of branch arrival.
type AggregationExecutor struct {
	recorder  AggregationRecorder
	merger    TokenCoalescer
	runID     string
	nodeID    string
	stepIndex int
	settings  AggregationSettings

	mu      sync.Mutex
	pending *aggregationBatch
}

// NewAggregationExecutor returns an executor scoped to one run and node.
func NewAggregationExecutor(recorder AggregationRecorder, merger TokenCoalescer, runID, nodeID string, stepIndex int, settings AggregationSettings) *AggregationExecutor {
	return &AggregationExecutor{recorder: recorder, merger: merger, runID: runID, nodeID: nodeID, stepIndex: stepIndex, settings: settings}
}

// Accept buffers token/row into the current batch, opening one via
// AggregationRecorder.OpenBatch on first arrival. If the count trigger
// is now satisfied the batch flushes immediately and the outcome is
// returned; otherwise it returns nil (token held).
func (e *AggregationExecutor) Accept(ctx context.Context, agg plugin.Aggregation, token *audit.Token, row plugin.Row, pctx plugin.PluginContext) (*AggregationOutcome, error) {
	if err := agg.Accept(row, pctx); err != nil {
		return nil, fmt.Errorf("exec: aggregation accept: %w", err)
	}

	e.mu.Lock()

	if e.pending == nil {
		batch, err := e.recorder.OpenBatch(ctx, e.runID, e.nodeID)
		if err != nil {
			e.mu.Unlock()

			return nil, fmt.Errorf("exec: open aggregation batch: %w", err)
		}

		e.pending = &aggregationBatch{batch: batch, firstAccept: time.Now()}
	}

	e.pending.tokens = append(e.pending.tokens, token)
	e.pending.rows = append(e.pending.rows, row)

	triggered := e.settings.Trigger.Count > 0 && len(e.pending.tokens) >= e.settings.Trigger.Count
	if !triggered {
		e.mu.Unlock()

		return nil, nil
	}

	pending := e.pending
	e.pending = nil
	e.mu.Unlock()

	return e.flush(ctx, agg, pctx, pending)
}

// CheckDuration flushes the current batch if the duration trigger has
// elapsed since its first accepted row. Returns nil if no batch is
// pending or the trigger hasn't elapsed.
func (e *AggregationExecutor) CheckDuration(ctx context.Context, agg plugin.Aggregation, pctx plugin.PluginContext) (*AggregationOutcome, error) {
	if e.settings.Trigger.Duration <= 0 {
		return nil, nil
	}

	e.mu.Lock()
	if e.pending == nil || time.Since(e.pending.firstAccept) < e.settings.Trigger.Duration {
		e.mu.Unlock()

		return nil, nil
	}

	pending := e.pending
	e.pending = nil
	e.mu.Unlock()

	return e.flush(ctx, agg, pctx, pending)
}

// Flush forces the current batch to close regardless of trigger state —
// the explicit "boundary" trigger, or end-of-run drain. Returns nil if
// nothing is pending.
func (e *AggregationExecutor) Flush(ctx context.Context, agg plugin.Aggregation, pctx plugin.PluginContext) (*AggregationOutcome, error) {
	e.mu.Lock()
	pending := e.pending
	e.pending = nil
	e.mu.Unlock()

	if pending == nil || len(pending.tokens) == 0 {
		return nil, nil
	}

	return e.flush(ctx, agg, pctx, pending)
}

func (e *AggregationExecutor) flush(ctx context.Context, agg plugin.Aggregation, pctx plugin.PluginContext, pending *aggregationBatch) (*AggregationOutcome, error) {
	rows, err := agg.Flush(pctx)
	if err != nil {
		return e.retryBatch(ctx, pending, err.Error())
	}

	switch e.settings.Mode {
	case AggregationExpand:
		return e.finishExpand(ctx, pending, rows)
	default:
		return e.finishTransform(ctx, pending, rows)
	}
}

func (e *AggregationExecutor) finishTransform(ctx context.Context, pending *aggregationBatch, rows []plugin.Row) (*AggregationOutcome, error) {
	if len(rows) != 1 {
		return e.retryBatch(ctx, pending, fmt.Sprintf("transform output mode produced %d rows, want exactly 1", len(rows)))
	}

	hash, err := canonical.StableHash(rows[0])
	if err != nil {
		return nil, fmt.Errorf("exec: hash aggregated row: %w", err)
	}

	mergedRow, err := e.recorder.CreateRow(ctx, e.runID, e.nodeID, hash)
	if err != nil {
		return nil, fmt.Errorf("exec: create aggregated row: %w", err)
	}

	merged, err := e.merger.CoalesceTokens(ctx, pending.tokens, mergedRow.ID, e.stepIndex)
	if err != nil {
		return nil, fmt.Errorf("exec: merge aggregated tokens: %w", err)
	}

	for _, consumed := range pending.tokens {
		if err := e.recordConsumed(ctx, consumed, merged.ID); err != nil {
			return nil, err
		}
	}

	if err := e.recorder.CloseBatch(ctx, pending.batch.ID, len(pending.tokens), 1); err != nil {
		return nil, fmt.Errorf("exec: close aggregation batch: %w", err)
	}

	return &AggregationOutcome{BatchID: pending.batch.ID, OutputTokens: []*audit.Token{merged}, ConsumedCount: len(pending.tokens)}, nil
}

func (e *AggregationExecutor) finishExpand(ctx context.Context, pending *aggregationBatch, rows []plugin.Row) (*AggregationOutcome, error) {
	if len(rows) != len(pending.tokens) {
		return e.retryBatch(ctx, pending, fmt.Sprintf("expand output mode produced %d rows for %d inputs", len(rows), len(pending.tokens)))
	}

	outputs := make([]*audit.Token, 0, len(rows))
	expandGroupID := canonical.NewID()

	for i, row := range rows {
		hash, err := canonical.StableHash(row)
		if err != nil {
			return nil, fmt.Errorf("exec: hash expanded row %d: %w", i, err)
		}

		auditRow, err := e.recorder.CreateRow(ctx, e.runID, e.nodeID, hash)
		if err != nil {
			return nil, fmt.Errorf("exec: create expanded row %d: %w", i, err)
		}

		lineage := audit.TokenLineage{ExpandGroupID: expandGroupID, StepIndex: e.stepIndex}

		child, err := e.recorder.CreateToken(ctx, e.runID, auditRow.ID, 0, lineage)
		if err != nil {
			return nil, fmt.Errorf("exec: create expanded token %d: %w", i, err)
		}

		parent := pending.tokens[i]
		if err := e.recorder.AddTokenParent(ctx, child.ID, parent.ID, 0); err != nil {
			return nil, fmt.Errorf("exec: link expanded token %d to parent: %w", i, err)
		}

		if err := e.recordConsumed(ctx, parent, child.ID); err != nil {
			return nil, err
		}

		outputs = append(outputs, child)
	}

	if err := e.recorder.CloseBatch(ctx, pending.batch.ID, len(pending.tokens), len(outputs)); err != nil {
		return nil, fmt.Errorf("exec: close aggregation batch: %w", err)
	}

	return &AggregationOutcome{BatchID: pending.batch.ID, OutputTokens: outputs, ConsumedCount: len(pending.tokens)}, nil
}

func (e *AggregationExecutor) recordConsumed(ctx context.Context, consumed *audit.Token, mergedTokenID string) error {
	detail := fmt.Sprintf(`{"merged_into":%q}`, mergedTokenID)
	if _, err := e.recorder.RecordTokenOutcome(ctx, e.runID, consumed.ID, e.nodeID, audit.TokenOutcomeCoalesced, detail); err != nil {
		return fmt.Errorf("exec: record aggregated outcome for token %s: %w", consumed.ID, err)
	}

	return nil
}

// retryBatch closes the failed batch, reopens a fresh one carrying the
// same members forward (retry_batch: new batch id, attempt incremented,
// members copied — the simplified Batch schema has no attempt column,
// so the attempt count lives only in the in-memory pending entry) and
// returns a failure outcome describing why this flush attempt failed.
func (e *AggregationExecutor) retryBatch(ctx context.Context, pending *aggregationBatch, reason string) (*AggregationOutcome, error) {
	if err := e.recorder.CloseBatch(ctx, pending.batch.ID, len(pending.tokens), 0); err != nil {
		return nil, fmt.Errorf("exec: close failed aggregation batch: %w", err)
	}

	retried, err := e.recorder.OpenBatch(ctx, e.runID, e.nodeID)
	if err != nil {
		return nil, fmt.Errorf("exec: reopen aggregation batch for retry: %w", err)
	}

	e.mu.Lock()
	e.pending = &aggregationBatch{
		batch:       retried,
		tokens:      pending.tokens,
		rows:        pending.rows,
		firstAccept: pending.firstAccept,
		attempt:     pending.attempt + 1,
	}
	e.mu.Unlock()

	return &AggregationOutcome{BatchID: pending.batch.ID, ConsumedCount: len(pending.tokens), FailureReason: reason}, nil
}
