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

type fakeSinkRecorder struct {
	nextID       int
	states       map[string]audit.NodeStateStatus
	outcomes     []audit.TokenOutcome
	failedStates int
}

func newFakeSinkRecorder() *fakeSinkRecorder {
	return &fakeSinkRecorder{states: make(map[string]audit.NodeStateStatus)}
}

func (f *fakeSinkRecorder) BeginNodeState(ctx context.Context, runID, nodeID, tokenID, inputHash string, stepIndex, attempt int) (*audit.NodeState, error) {
	f.nextID++
	id := "state-" + strconv.Itoa(f.nextID)
	f.states[id] = audit.NodeStateOpen

	return &audit.NodeState{
		ID: id, RunID: runID, NodeID: nodeID, TokenID: tokenID, Status: audit.NodeStateOpen,
		InputHash: inputHash, StepIndex: stepIndex, Attempt: attempt,
	}, nil
}

func (f *fakeSinkRecorder) CompleteNodeState(ctx context.Context, nodeStateID string, status audit.NodeStateStatus, outputHash string) error {
	f.states[nodeStateID] = status
	if status == audit.NodeStateFailed {
		f.failedStates++
	}

	return nil
}

func (f *fakeSinkRecorder) RecordTokenOutcome(ctx context.Context, runID, tokenID, nodeID string, outcome audit.TokenOutcomeKind, detail string) (*audit.TokenOutcome, error) {
	out := audit.TokenOutcome{RunID: runID, TokenID: tokenID, NodeID: nodeID, Outcome: outcome, Detail: detail}
	f.outcomes = append(f.outcomes, out)

	return &out, nil
}

type fakeSink struct {
	writeErr error
	written  []plugin.Row
}

func (s *fakeSink) Write(rows []plugin.Row, pctx plugin.PluginContext) (plugin.ArtifactDescriptor, error) {
	if s.writeErr != nil {
		return plugin.ArtifactDescriptor{}, s.writeErr
	}

	s.written = rows

	return plugin.ArtifactDescriptor{SinkName: "test-sink", PayloadHash: "deadbeef", RowCount: len(rows), WrittenAt: time.Now()}, nil
}

func TestSinkWriteRecordsSunkOutcomeForEveryToken(t *testing.T) {
	rec := newFakeSinkRecorder()
	ex := NewSinkExecutor(rec, "run-1", "sink-1", 0, SinkSettings{HeaderMode: SinkHeaderExplicit})
	sink := &fakeSink{}
	tokens := []*audit.Token{{ID: "tok-1"}, {ID: "tok-2"}}
	rows := []plugin.Row{{"a": 1}, {"a": 2}}

	outcome, err := ex.Write(context.Background(), sink, tokens, rows, plugin.PluginContext{Context: context.Background()}, SinkReachedDefault)
	require.NoError(t, err)
	require.Equal(t, "deadbeef", outcome.Artifact.PayloadHash)
	require.Equal(t, SinkReachedDefault, outcome.Reached)
	require.Len(t, rec.outcomes, 2)

	for _, o := range rec.outcomes {
		require.Equal(t, audit.TokenOutcomeSunk, o.Outcome)
	}

	for _, status := range rec.states {
		require.Equal(t, audit.NodeStateCompleted, status)
	}
}

func TestSinkWriteOriginalHeaderModeResolvesFromContract(t *testing.T) {
	rec := newFakeSinkRecorder()
	ex := NewSinkExecutor(rec, "run-1", "sink-1", 0, SinkSettings{HeaderMode: SinkHeaderOriginal})
	sink := &fakeSink{}
	tokens := []*audit.Token{{ID: "tok-1"}}
	rows := []plugin.Row{{"id": "abc"}}

	contract := func() plugin.Schema {
		return plugin.Schema{Fields: []plugin.FieldSchema{{Name: "id"}, {Name: "amount"}}}
	}

	outcome, err := ex.Write(context.Background(), sink, tokens, rows, plugin.PluginContext{Context: context.Background(), Contract: contract}, SinkReachedRoute)
	require.NoError(t, err)
	require.Equal(t, []string{"id", "amount"}, outcome.Artifact.Detail["resolved_headers"])
	require.Equal(t, SinkReachedRoute, outcome.Reached)
}

func TestSinkWriteFailureRecordsFailedStateAndNoOutcomes(t *testing.T) {
	rec := newFakeSinkRecorder()
	ex := NewSinkExecutor(rec, "run-1", "sink-1", 0, SinkSettings{HeaderMode: SinkHeaderExplicit})
	sink := &fakeSink{writeErr: errors.New("disk full")}
	tokens := []*audit.Token{{ID: "tok-1"}}

	_, err := ex.Write(context.Background(), sink, tokens, []plugin.Row{{"a": 1}}, plugin.PluginContext{Context: context.Background()}, SinkReachedDefault)
	require.Error(t, err)
	require.Equal(t, 1, rec.failedStates)
	require.Empty(t, rec.outcomes)
}

func TestSinkWriteRejectsEmptyTokenBatch(t *testing.T) {
	rec := newFakeSinkRecorder()
	ex := NewSinkExecutor(rec, "run-1", "sink-1", 0, SinkSettings{})

	_, err := ex.Write(context.Background(), &fakeSink{}, nil, nil, plugin.PluginContext{Context: context.Background()}, SinkReachedDefault)
	require.Error(t, err)
}
