package exec

import (
	"context"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/auditpipe/auditpipe/internal/audit"
	"github.com/auditpipe/auditpipe/internal/plugin"
)

type fakeSourceRecorder struct {
	nextID           int
	rows             []audit.Row
	tokens           []audit.Token
	validationErrors []audit.ValidationError
	failedStates     int
}

func (f *fakeSourceRecorder) CreateRow(ctx context.Context, runID, sourceNodeID, payloadHash string) (*audit.Row, error) {
	f.nextID++
	row := audit.Row{ID: "row-" + strconv.Itoa(f.nextID), RunID: runID, SourceNodeID: sourceNodeID, PayloadHash: payloadHash}
	f.rows = append(f.rows, row)

	return &row, nil
}

func (f *fakeSourceRecorder) CreateToken(ctx context.Context, runID, rowID string, ordinal int, lineage audit.TokenLineage) (*audit.Token, error) {
	f.nextID++
	tok := audit.Token{ID: "tok-" + strconv.Itoa(f.nextID), RunID: runID, RowID: rowID, Ordinal: ordinal, StepIndex: lineage.StepIndex}
	f.tokens = append(f.tokens, tok)

	return &tok, nil
}

func (f *fakeSourceRecorder) RecordValidationError(ctx context.Context, runID, nodeStateID, message string) (*audit.ValidationError, error) {
	ve := audit.ValidationError{RunID: runID, NodeStateID: nodeStateID, Message: message}
	f.validationErrors = append(f.validationErrors, ve)

	return &ve, nil
}

func (f *fakeSourceRecorder) BeginNodeState(ctx context.Context, runID, nodeID, tokenID, inputHash string, stepIndex, attempt int) (*audit.NodeState, error) {
	f.nextID++

	return &audit.NodeState{
		ID: "state-" + strconv.Itoa(f.nextID), RunID: runID, NodeID: nodeID, TokenID: tokenID,
		InputHash: inputHash, StepIndex: stepIndex, Attempt: attempt,
	}, nil
}

func (f *fakeSourceRecorder) CompleteNodeState(ctx context.Context, nodeStateID string, status audit.NodeStateStatus, outputHash string) error {
	if status == audit.NodeStateFailed {
		f.failedStates++
	}

	return nil
}

var testSchema = plugin.Schema{
	Tier: plugin.SchemaFixed,
	Fields: []plugin.FieldSchema{
		{Name: "id", TypeSpec: "string", Required: true},
	},
}

func TestSourceAcceptCreatesRowAndToken(t *testing.T) {
	rec := &fakeSourceRecorder{}
	ex := NewSourceExecutor(rec, nil, "run-1", "source-1", 0, testSchema, OnValidationDiscard)

	accepted, ok, err := ex.Accept(context.Background(), plugin.Row{"id": "abc"})
	require.NoError(t, err)
	require.True(t, ok)
	require.NotEmpty(t, accepted.Row.ID)
	require.NotEmpty(t, accepted.Token.ID)
	require.Equal(t, accepted.Row.ID, accepted.Token.RowID)
}

func TestSourceAcceptDiscardsInvalidRowUnderDiscardPolicy(t *testing.T) {
	rec := &fakeSourceRecorder{}
	ex := NewSourceExecutor(rec, nil, "run-1", "source-1", 0, testSchema, OnValidationDiscard)

	_, ok, err := ex.Accept(context.Background(), plugin.Row{})
	require.NoError(t, err)
	require.False(t, ok)
	require.Empty(t, rec.rows)
}

func TestSourceAcceptFailsUnderFailPolicy(t *testing.T) {
	rec := &fakeSourceRecorder{}
	ex := NewSourceExecutor(rec, nil, "run-1", "source-1", 0, testSchema, OnValidationFail)

	_, ok, err := ex.Accept(context.Background(), plugin.Row{})
	require.ErrorIs(t, err, ErrValidationFailed)
	require.False(t, ok)
}

func TestSourceAcceptRoutesToQuarantineUnderRoutePolicy(t *testing.T) {
	rec := &fakeSourceRecorder{}
	ex := NewSourceExecutor(rec, nil, "run-1", "source-1", 0, testSchema, OnValidationRoute)

	_, ok, err := ex.Accept(context.Background(), plugin.Row{})
	require.NoError(t, err)
	require.False(t, ok)
	require.Len(t, rec.validationErrors, 1)
	require.Equal(t, 1, rec.failedStates)
}

func TestSourceAcceptSkipsValidationForObservedSchema(t *testing.T) {
	rec := &fakeSourceRecorder{}
	dynamic := plugin.Schema{Tier: plugin.SchemaObserved}
	ex := NewSourceExecutor(rec, nil, "run-1", "source-1", 0, dynamic, OnValidationFail)

	_, ok, err := ex.Accept(context.Background(), plugin.Row{"whatever": true})
	require.NoError(t, err)
	require.True(t, ok)
}
