package exec

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/auditpipe/auditpipe/internal/audit"
	"github.com/auditpipe/auditpipe/internal/plugin"
)

type fakeTransformRecorder struct {
	mu          sync.Mutex
	nextStateID int
	states      map[string]audit.NodeStateStatus
	calls       []audit.Call
	outcomes    []audit.TokenOutcome
}

func newFakeTransformRecorder() *fakeTransformRecorder {
	return &fakeTransformRecorder{states: make(map[string]audit.NodeStateStatus)}
}

func (f *fakeTransformRecorder) BeginNodeState(ctx context.Context, runID, nodeID, tokenID, inputHash string, stepIndex, attempt int) (*audit.NodeState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.nextStateID++
	id := "state-" + strconv.Itoa(f.nextStateID)
	f.states[id] = audit.NodeStateOpen

	return &audit.NodeState{
		ID: id, RunID: runID, NodeID: nodeID, TokenID: tokenID, Status: audit.NodeStateOpen,
		InputHash: inputHash, StepIndex: stepIndex, Attempt: attempt,
	}, nil
}

func (f *fakeTransformRecorder) CompleteNodeState(ctx context.Context, nodeStateID string, status audit.NodeStateStatus, outputHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.states[nodeStateID] = status

	return nil
}

func (f *fakeTransformRecorder) RecordCall(ctx context.Context, runID, nodeStateID string, attempt int, outcome audit.CallOutcome, attrs audit.CallAttributes, errMsg string, startedAt time.Time, finishedAt *time.Time) (*audit.Call, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	call := audit.Call{
		RunID: runID, NodeStateID: nodeStateID, Attempt: attempt, Outcome: outcome, ErrorMessage: errMsg,
		Type: attrs.Type, RequestHash: attrs.RequestHash, ResponseHash: attrs.ResponseHash, Provider: attrs.Provider,
	}
	f.calls = append(f.calls, call)

	return &call, nil
}

func (f *fakeTransformRecorder) RecordTokenOutcome(ctx context.Context, runID, tokenID, nodeID string, outcome audit.TokenOutcomeKind, detail string) (*audit.TokenOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := audit.TokenOutcome{RunID: runID, TokenID: tokenID, NodeID: nodeID, Outcome: outcome, Detail: detail}
	f.outcomes = append(f.outcomes, out)

	return &out, nil
}

func (f *fakeTransformRecorder) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.calls)
}

type succeedOnAttempt struct {
	attempt    int
	succeedsAt int
	retryable  bool
	capacity   bool
}

func (t *succeedOnAttempt) Transform(row plugin.Row, pctx plugin.PluginContext) plugin.TransformResult {
	t.attempt++
	if t.attempt >= t.succeedsAt {
		return plugin.Success(plugin.Row{"ok": true}, nil)
	}

	reason := map[string]any{"message": "not yet"}
	if t.capacity {
		reason["class"] = "capacity"
	}

	return plugin.Error(reason, t.retryable)
}

type alwaysFails struct {
	retryable bool
}

func (t *alwaysFails) Transform(row plugin.Row, pctx plugin.PluginContext) plugin.TransformResult {
	return plugin.Error(map[string]any{"message": "boom"}, t.retryable)
}

type panicsOnce struct{ called bool }

func (t *panicsOnce) Transform(row plugin.Row, pctx plugin.PluginContext) plugin.TransformResult {
	t.called = true
	panic("plugin exploded")
}

func basicRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, ExponentialBase: 2}
}

func TestTransformExecuteSucceedsFirstTry(t *testing.T) {
	rec := newFakeTransformRecorder()
	ex := NewTransformExecutor(rec, "run-1", "node-1", 0, basicRetryPolicy(), nil)

	out, ok, err := ex.Execute(context.Background(), &succeedOnAttempt{succeedsAt: 1}, &audit.Token{ID: "tok-1"}, plugin.Row{}, plugin.PluginContext{Context: context.Background()})
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, plugin.Row{"ok": true}, out)
	require.Equal(t, 1, rec.callCount())

	for _, status := range rec.states {
		require.Equal(t, audit.NodeStateCompleted, status)
	}
}

func TestTransformExecuteRetriesThenSucceeds(t *testing.T) {
	rec := newFakeTransformRecorder()
	ex := NewTransformExecutor(rec, "run-1", "node-1", 0, basicRetryPolicy(), nil)

	out, ok, err := ex.Execute(context.Background(), &succeedOnAttempt{succeedsAt: 3, retryable: true}, &audit.Token{ID: "tok-1"}, plugin.Row{}, plugin.PluginContext{Context: context.Background()})
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, plugin.Row{"ok": true}, out)
	require.Equal(t, 3, rec.callCount())
}

func TestTransformExecuteExhaustsRetriesAndRecordsErroredOutcome(t *testing.T) {
	rec := newFakeTransformRecorder()
	ex := NewTransformExecutor(rec, "run-1", "node-1", 0, basicRetryPolicy(), nil)

	_, ok, err := ex.Execute(context.Background(), &alwaysFails{retryable: true}, &audit.Token{ID: "tok-1"}, plugin.Row{}, plugin.PluginContext{Context: context.Background()})
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, 3, rec.callCount())
	require.Len(t, rec.outcomes, 1)
	require.Equal(t, audit.TokenOutcomeErrored, rec.outcomes[0].Outcome)
}

func TestTransformExecuteNonRetryableErrorTerminatesImmediately(t *testing.T) {
	rec := newFakeTransformRecorder()
	ex := NewTransformExecutor(rec, "run-1", "node-1", 0, basicRetryPolicy(), nil)

	_, ok, err := ex.Execute(context.Background(), &alwaysFails{retryable: false}, &audit.Token{ID: "tok-1"}, plugin.Row{}, plugin.PluginContext{Context: context.Background()})
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, 1, rec.callCount())
	require.Len(t, rec.outcomes, 1)
}

func TestTransformExecutePanicIsRecordedThenRePanicsAsExceptionResult(t *testing.T) {
	rec := newFakeTransformRecorder()
	ex := NewTransformExecutor(rec, "run-1", "node-1", 0, basicRetryPolicy(), nil)
	plug := &panicsOnce{}

	defer func() {
		r := recover()
		require.NotNil(t, r)
		_, ok := r.(*plugin.ExceptionResult)
		require.True(t, ok)
		require.True(t, plug.called)
		require.Equal(t, 1, rec.callCount())
		require.Equal(t, audit.CallOutcomePluginBug, rec.calls[0].Outcome)
	}()

	_, _, _ = ex.Execute(context.Background(), plug, &audit.Token{ID: "tok-1"}, plugin.Row{}, plugin.PluginContext{Context: context.Background()})
	t.Fatal("expected panic to propagate")
}

func TestTransformExecuteCapacityErrorBacksOffThenRecovers(t *testing.T) {
	rec := newFakeTransformRecorder()
	pool := &PoolConfig{
		Size:              2,
		MinDispatchDelay:  time.Millisecond,
		MaxDispatchDelay:  20 * time.Millisecond,
		BackoffMultiplier: 2,
		RecoveryStep:      time.Millisecond,
		MaxCapacityRetry:  time.Second,
	}
	ex := NewTransformExecutor(rec, "run-1", "node-1", 0, basicRetryPolicy(), pool)

	out, ok, err := ex.Execute(context.Background(), &succeedOnAttempt{succeedsAt: 2, retryable: true, capacity: true}, &audit.Token{ID: "tok-1"}, plugin.Row{}, plugin.PluginContext{Context: context.Background()})
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, plugin.Row{"ok": true}, out)

	require.Equal(t, audit.CallOutcomeCapacityNo, rec.calls[0].Outcome)
	require.Equal(t, audit.CallOutcomeSuccess, rec.calls[1].Outcome)
}

func TestTransformAsProcessorDeliversTransformOutcome(t *testing.T) {
	rec := newFakeTransformRecorder()
	ex := NewTransformExecutor(rec, "run-1", "node-1", 0, basicRetryPolicy(), nil)

	processor := ex.AsProcessor(&succeedOnAttempt{succeedsAt: 1}, &audit.Token{ID: "tok-1"}, plugin.Row{}, plugin.PluginContext{Context: context.Background()})

	result, err := processor(context.Background(), "row-1", "submission-state-1")
	require.NoError(t, err)

	outcome, ok := result.(TransformOutcome)
	require.True(t, ok)
	require.True(t, outcome.Accepted)
	require.Equal(t, plugin.Row{"ok": true}, outcome.Row)
}
