package exec

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/auditpipe/auditpipe/internal/audit"
	"github.com/auditpipe/auditpipe/internal/plugin"
)

type fakeAggregationRecorder struct {
	nextID       int
	batches      []audit.Batch
	rows         []audit.Row
	tokens       []audit.Token
	parents      []audit.TokenParent
	outcomes     []audit.TokenOutcome
	openFailures int
}

func (f *fakeAggregationRecorder) OpenBatch(ctx context.Context, runID, nodeID string) (*audit.Batch, error) {
	f.nextID++
	batch := audit.Batch{ID: "batch-" + strconv.Itoa(f.nextID), RunID: runID, NodeID: nodeID, OpenedAt: time.Now()}
	f.batches = append(f.batches, batch)

	return &batch, nil
}

func (f *fakeAggregationRecorder) CloseBatch(ctx context.Context, batchID string, submitted, completed int) error {
	for i := range f.batches {
		if f.batches[i].ID == batchID {
			f.batches[i].SubmittedCount = submitted
			f.batches[i].CompletedCount = completed
			now := time.Now()
			f.batches[i].ClosedAt = &now

			return nil
		}
	}

	return errors.New("batch not found")
}

func (f *fakeAggregationRecorder) CreateRow(ctx context.Context, runID, sourceNodeID, payloadHash string) (*audit.Row, error) {
	f.nextID++
	row := audit.Row{ID: "row-" + strconv.Itoa(f.nextID), RunID: runID, SourceNodeID: sourceNodeID, PayloadHash: payloadHash}
	f.rows = append(f.rows, row)

	return &row, nil
}

func (f *fakeAggregationRecorder) CreateToken(ctx context.Context, runID, rowID string, ordinal int, lineage audit.TokenLineage) (*audit.Token, error) {
	f.nextID++
	tok := audit.Token{
		ID: "tok-" + strconv.Itoa(f.nextID), RunID: runID, RowID: rowID, Ordinal: ordinal,
		ExpandGroupID: lineage.ExpandGroupID, StepIndex: lineage.StepIndex,
	}
	f.tokens = append(f.tokens, tok)

	return &tok, nil
}

func (f *fakeAggregationRecorder) AddTokenParent(ctx context.Context, childTokenID, parentTokenID string, ordinal int) error {
	f.parents = append(f.parents, audit.TokenParent{ChildTokenID: childTokenID, ParentTokenID: parentTokenID, Ordinal: ordinal})

	return nil
}

func (f *fakeAggregationRecorder) RecordTokenOutcome(ctx context.Context, runID, tokenID, nodeID string, outcome audit.TokenOutcomeKind, detail string) (*audit.TokenOutcome, error) {
	out := audit.TokenOutcome{RunID: runID, TokenID: tokenID, NodeID: nodeID, Outcome: outcome, Detail: detail}
	f.outcomes = append(f.outcomes, out)

	return &out, nil
}

func (f *fakeAggregationRecorder) batch(id string) audit.Batch {
	for _, b := range f.batches {
		if b.ID == id {
			return b
		}
	}

	return audit.Batch{}
}

type countingAggregation struct {
	accepted  []plugin.Row
	flushErr  error
	expandOut bool
}

func (a *countingAggregation) Accept(row plugin.Row, pctx plugin.PluginContext) error {
	a.accepted = append(a.accepted, row)

	return nil
}

func (a *countingAggregation) Flush(pctx plugin.PluginContext) ([]plugin.Row, error) {
	if a.flushErr != nil {
		err := a.flushErr
		a.flushErr = nil

		return nil, err
	}

	if a.expandOut {
		return a.accepted, nil
	}

	merged := plugin.Row{"count": len(a.accepted)}

	return []plugin.Row{merged}, nil
}

func newPctx() plugin.PluginContext {
	return plugin.PluginContext{Context: context.Background()}
}

func TestAggregationAcceptAutoFlushesOnCountTrigger(t *testing.T) {
	rec := &fakeAggregationRecorder{}
	merger := &fakeTokenCoalescer{}
	ex := NewAggregationExecutor(rec, merger, "run-1", "node-agg", 0, AggregationSettings{
		Trigger: AggregationTrigger{Count: 2},
		Mode:    AggregationTransform,
	})
	agg := &countingAggregation{}

	outcome, err := ex.Accept(context.Background(), agg, &audit.Token{ID: "tok-1"}, plugin.Row{"a": 1}, newPctx())
	require.NoError(t, err)
	require.Nil(t, outcome)

	outcome, err = ex.Accept(context.Background(), agg, &audit.Token{ID: "tok-2"}, plugin.Row{"a": 2}, newPctx())
	require.NoError(t, err)
	require.NotNil(t, outcome)
	require.Equal(t, 2, outcome.ConsumedCount)
	require.Len(t, outcome.OutputTokens, 1)
	require.Empty(t, outcome.FailureReason)
	require.Len(t, rec.outcomes, 2)

	closed := rec.batch(outcome.BatchID)
	require.NotNil(t, closed.ClosedAt)
	require.Equal(t, 2, closed.SubmittedCount)
	require.Equal(t, 1, closed.CompletedCount)
}

func TestAggregationCheckDurationFlushesElapsedBatch(t *testing.T) {
	rec := &fakeAggregationRecorder{}
	merger := &fakeTokenCoalescer{}
	ex := NewAggregationExecutor(rec, merger, "run-1", "node-agg", 0, AggregationSettings{
		Trigger: AggregationTrigger{Duration: time.Millisecond},
		Mode:    AggregationTransform,
	})
	agg := &countingAggregation{}

	outcome, err := ex.Accept(context.Background(), agg, &audit.Token{ID: "tok-1"}, plugin.Row{"a": 1}, newPctx())
	require.NoError(t, err)
	require.Nil(t, outcome)

	time.Sleep(5 * time.Millisecond)

	outcome, err = ex.CheckDuration(context.Background(), agg, newPctx())
	require.NoError(t, err)
	require.NotNil(t, outcome)
	require.Equal(t, 1, outcome.ConsumedCount)
}

func TestAggregationCheckDurationNoopBeforeElapsed(t *testing.T) {
	rec := &fakeAggregationRecorder{}
	merger := &fakeTokenCoalescer{}
	ex := NewAggregationExecutor(rec, merger, "run-1", "node-agg", 0, AggregationSettings{
		Trigger: AggregationTrigger{Duration: time.Hour},
		Mode:    AggregationTransform,
	})
	agg := &countingAggregation{}

	_, err := ex.Accept(context.Background(), agg, &audit.Token{ID: "tok-1"}, plugin.Row{"a": 1}, newPctx())
	require.NoError(t, err)

	outcome, err := ex.CheckDuration(context.Background(), agg, newPctx())
	require.NoError(t, err)
	require.Nil(t, outcome)
}

func TestAggregationFlushBoundaryTriggerWithoutCountOrDuration(t *testing.T) {
	rec := &fakeAggregationRecorder{}
	merger := &fakeTokenCoalescer{}
	ex := NewAggregationExecutor(rec, merger, "run-1", "node-agg", 0, AggregationSettings{Mode: AggregationTransform})
	agg := &countingAggregation{}

	_, err := ex.Accept(context.Background(), agg, &audit.Token{ID: "tok-1"}, plugin.Row{"a": 1}, newPctx())
	require.NoError(t, err)

	outcome, err := ex.Flush(context.Background(), agg, newPctx())
	require.NoError(t, err)
	require.NotNil(t, outcome)
	require.Equal(t, 1, outcome.ConsumedCount)

	again, err := ex.Flush(context.Background(), agg, newPctx())
	require.NoError(t, err)
	require.Nil(t, again)
}

func TestAggregationExpandModeCreatesOneTokenPerInputWithLineage(t *testing.T) {
	rec := &fakeAggregationRecorder{}
	merger := &fakeTokenCoalescer{}
	ex := NewAggregationExecutor(rec, merger, "run-1", "node-agg", 0, AggregationSettings{
		Trigger: AggregationTrigger{Count: 2},
		Mode:    AggregationExpand,
	})
	agg := &countingAggregation{expandOut: true}

	_, err := ex.Accept(context.Background(), agg, &audit.Token{ID: "tok-parent-1"}, plugin.Row{"a": 1}, newPctx())
	require.NoError(t, err)

	outcome, err := ex.Accept(context.Background(), agg, &audit.Token{ID: "tok-parent-2"}, plugin.Row{"a": 2}, newPctx())
	require.NoError(t, err)
	require.NotNil(t, outcome)
	require.Len(t, outcome.OutputTokens, 2)
	require.Len(t, rec.parents, 2)
	require.Equal(t, "tok-parent-1", rec.parents[0].ParentTokenID)
	require.Equal(t, "tok-parent-2", rec.parents[1].ParentTokenID)
	require.Equal(t, outcome.OutputTokens[0].ID, rec.parents[0].ChildTokenID)
}

func TestAggregationFlushFailureReopensBatchForRetry(t *testing.T) {
	rec := &fakeAggregationRecorder{}
	merger := &fakeTokenCoalescer{}
	ex := NewAggregationExecutor(rec, merger, "run-1", "node-agg", 0, AggregationSettings{
		Trigger: AggregationTrigger{Count: 1},
		Mode:    AggregationTransform,
	})
	agg := &countingAggregation{flushErr: errors.New("downstream unavailable")}

	outcome, err := ex.Accept(context.Background(), agg, &audit.Token{ID: "tok-1"}, plugin.Row{"a": 1}, newPctx())
	require.NoError(t, err)
	require.NotNil(t, outcome)
	require.Equal(t, "downstream unavailable", outcome.FailureReason)
	require.Nil(t, outcome.OutputTokens)

	failedBatch := rec.batch(outcome.BatchID)
	require.NotNil(t, failedBatch.ClosedAt)
	require.Equal(t, 0, failedBatch.CompletedCount)

	retried, err := ex.Flush(context.Background(), agg, newPctx())
	require.NoError(t, err)
	require.NotNil(t, retried)
	require.NotEqual(t, outcome.BatchID, retried.BatchID)
	require.Equal(t, 1, retried.ConsumedCount)
	require.Empty(t, retried.FailureReason)
}

func TestAggregationTransformModeWrongRowCountRetries(t *testing.T) {
	rec := &fakeAggregationRecorder{}
	merger := &fakeTokenCoalescer{}
	ex := NewAggregationExecutor(rec, merger, "run-1", "node-agg", 0, AggregationSettings{
		Trigger: AggregationTrigger{Count: 2},
		Mode:    AggregationTransform,
	})
	agg := &countingAggregation{expandOut: true} // produces 2 rows, transform mode wants 1

	_, err := ex.Accept(context.Background(), agg, &audit.Token{ID: "tok-1"}, plugin.Row{"a": 1}, newPctx())
	require.NoError(t, err)

	outcome, err := ex.Accept(context.Background(), agg, &audit.Token{ID: "tok-2"}, plugin.Row{"a": 2}, newPctx())
	require.NoError(t, err)
	require.NotNil(t, outcome)
	require.NotEmpty(t, outcome.FailureReason)
}
