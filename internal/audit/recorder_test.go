package audit

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/auditpipe/auditpipe/internal/config"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	db := config.SetupTestDatabase(t)
	t.Cleanup(func() { _ = db.Connection.Close() })

	conn := &Connection{db: db.Connection, logger: slog.New(slog.NewTextHandler(io.Discard, nil))}

	return NewStore(conn, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestRunLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	run, err := store.BeginRun(ctx, "nightly-etl", map[string]any{"version": 1})
	require.NoError(t, err)
	require.NotEmpty(t, run.ID)
	require.Equal(t, RunStatusRunning, run.Status)

	require.NoError(t, store.CompleteRun(ctx, run.ID, RunStatusCompleted))

	err = store.CompleteRun(ctx, run.ID, RunStatusCompleted)
	require.ErrorIs(t, err, ErrInvalidStateTransition)

	fetched, err := store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, RunStatusCompleted, fetched.Status)
	require.NotNil(t, fetched.CompletedAt)
}

func TestNodeAndRowAndTokenLineage(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	run, err := store.BeginRun(ctx, "test-run", nil)
	require.NoError(t, err)

	source, err := store.RegisterNode(ctx, run.ID, "source-a", NodeKindSource, ContractFixed, nil)
	require.NoError(t, err)

	sink, err := store.RegisterNode(ctx, run.ID, "sink-a", NodeKindSink, ContractFlexible, nil)
	require.NoError(t, err)

	_, err = store.RegisterEdge(ctx, run.ID, source.ID, sink.ID, "", "MOVE")
	require.NoError(t, err)

	row, err := store.CreateRow(ctx, run.ID, source.ID, "deadbeef")
	require.NoError(t, err)

	token, err := store.CreateToken(ctx, run.ID, row.ID, 0, TokenLineage{})
	require.NoError(t, err)

	forked, err := store.CreateToken(ctx, run.ID, row.ID, 1, TokenLineage{ForkGroupID: "fork-1"})
	require.NoError(t, err)

	require.NoError(t, store.AddTokenParent(ctx, forked.ID, token.ID, 0))

	parents, err := store.GetTokenParentsOrdered(ctx, forked.ID)
	require.NoError(t, err)
	require.Len(t, parents, 1)
	require.Equal(t, token.ID, parents[0].ParentTokenID)
}

func TestNodeStateAndRoutingAndCallSequence(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	run, err := store.BeginRun(ctx, "seq-run", nil)
	require.NoError(t, err)

	node, err := store.RegisterNode(ctx, run.ID, "transform-a", NodeKindTransform, ContractFixed, nil)
	require.NoError(t, err)

	sink, err := store.RegisterNode(ctx, run.ID, "sink-a", NodeKindSink, ContractFixed, nil)
	require.NoError(t, err)

	edge, err := store.RegisterEdge(ctx, run.ID, node.ID, sink.ID, "", "MOVE")
	require.NoError(t, err)

	row, err := store.CreateRow(ctx, run.ID, node.ID, "hash1")
	require.NoError(t, err)

	token, err := store.CreateToken(ctx, run.ID, row.ID, 0, TokenLineage{})
	require.NoError(t, err)

	ns, err := store.BeginNodeState(ctx, run.ID, node.ID, token.ID, "hash1", 0, 1)
	require.NoError(t, err)

	_, err = store.RecordCall(ctx, run.ID, ns.ID, 1, CallOutcomeSuccess, CallAttributes{Type: "transform.Passthrough"}, "", ns.OpenedAt, nil)
	require.NoError(t, err)

	events, err := store.RecordRoutingEvents(ctx, run.ID, ns.ID, []string{edge.ID}, RoutingActionForward)
	require.NoError(t, err)
	require.Len(t, events, 1)

	require.NoError(t, store.CompleteNodeState(ctx, ns.ID, NodeStateCompleted, "hash2"))

	_, err = store.RecordTokenOutcome(ctx, run.ID, token.ID, sink.ID, TokenOutcomeSunk, "")
	require.NoError(t, err)

	states, err := store.GetNodeStatesOrdered(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, states, 1)
	require.Equal(t, NodeStateCompleted, states[0].Status)

	calls, err := store.GetCallsOrdered(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, calls, 1)

	routing, err := store.GetRoutingEventsOrdered(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, routing, 1)

	outcomes, err := store.GetTokenOutcomesOrdered(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, outcomes, 1)

	// Sequence numbers across all event tables for a run are strictly
	// increasing in the order they were recorded.
	require.Less(t, states[0].Sequence, calls[0].Sequence)
	require.Less(t, calls[0].Sequence, routing[0].Sequence)
	require.Less(t, routing[0].Sequence, outcomes[0].Sequence)
}

func TestUnprocessedRowsIsOutcomeBasedNotIndexBounded(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	run, err := store.BeginRun(ctx, "recovery-run", nil)
	require.NoError(t, err)

	source, err := store.RegisterNode(ctx, run.ID, "source-a", NodeKindSource, ContractFixed, nil)
	require.NoError(t, err)

	sink, err := store.RegisterNode(ctx, run.ID, "sink-a", NodeKindSink, ContractFixed, nil)
	require.NoError(t, err)

	rowA, err := store.CreateRow(ctx, run.ID, source.ID, "hashA")
	require.NoError(t, err)

	rowB, err := store.CreateRow(ctx, run.ID, source.ID, "hashB")
	require.NoError(t, err)

	tokenB, err := store.CreateToken(ctx, run.ID, rowB.ID, 0, TokenLineage{})
	require.NoError(t, err)

	_, err = store.RecordTokenOutcome(ctx, run.ID, tokenB.ID, sink.ID, TokenOutcomeSunk, "")
	require.NoError(t, err)

	unprocessed, err := store.UnprocessedRows(ctx, run.ID, source.ID)
	require.NoError(t, err)
	require.Len(t, unprocessed, 1)
	require.Equal(t, rowA.ID, unprocessed[0].ID)
}

func TestBatchLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	run, err := store.BeginRun(ctx, "batch-run", nil)
	require.NoError(t, err)

	node, err := store.RegisterNode(ctx, run.ID, "batched-transform", NodeKindTransform, ContractFixed, nil)
	require.NoError(t, err)

	batch, err := store.OpenBatch(ctx, run.ID, node.ID)
	require.NoError(t, err)

	require.NoError(t, store.CloseBatch(ctx, batch.ID, 10, 10))
}
