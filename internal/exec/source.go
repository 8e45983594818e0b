package exec

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/auditpipe/auditpipe/internal/audit"
	"github.com/auditpipe/auditpipe/internal/canonical"
	"github.com/auditpipe/auditpipe/internal/plugin"
)

// ValidationFailurePolicy controls what happens to a row that fails
// source-schema validation.
type ValidationFailurePolicy string

const (
	OnValidationDiscard ValidationFailurePolicy = "discard"
	OnValidationRoute   ValidationFailurePolicy = "route"
	OnValidationFail    ValidationFailurePolicy = "fail"
)

// ErrValidationFailed is returned (wrapping the field-level reason) when
// a row fails source-schema validation under OnValidationFail.
var ErrValidationFailed = errors.New("exec: row failed source schema validation")

// PayloadStore is the subset of *payload.Store the source executor uses
// to persist oversize row bodies out of line.
type PayloadStore interface {
	Store(ctx context.Context, data []byte) (string, error)
}

// SourceRecorder is the subset of *audit.Store the source executor
// writes through.
type SourceRecorder interface {
	CreateRow(ctx context.Context, runID, sourceNodeID, payloadHash string) (*audit.Row, error)
	CreateToken(ctx context.Context, runID, rowID string, ordinal int, lineage audit.TokenLineage) (*audit.Token, error)
	RecordValidationError(ctx context.Context, runID, nodeStateID, message string) (*audit.ValidationError, error)
	BeginNodeState(ctx context.Context, runID, nodeID, tokenID, inputHash string, stepIndex, attempt int) (*audit.NodeState, error)
	CompleteNodeState(ctx context.Context, nodeStateID string, status audit.NodeStateStatus, outputHash string) error
}

// SourceExecutor drives a plugin.Source: every emitted record becomes a
// Row with its content hash, a fresh Token, and (if oversized) a
// content-addressed payload entry.
type SourceExecutor struct {
	recorder  SourceRecorder
	payloads  PayloadStore
	runID     string
	nodeID    string
	stepIndex int
	schema    plugin.Schema
	policy    ValidationFailurePolicy

	// Oversize is the threshold in bytes past which a row's canonical
	// payload is stored out of line rather than only hashed.
	Oversize int
}

// NewSourceExecutor returns an executor scoped to one run and source
// node. stepIndex is the node's position in the pipeline's topological
// order (always 0 for a true source, but sources are stamped the same
// way as every other node for consistency).
func NewSourceExecutor(recorder SourceRecorder, payloads PayloadStore, runID, nodeID string, stepIndex int, schema plugin.Schema, policy ValidationFailurePolicy) *SourceExecutor {
	return &SourceExecutor{
		recorder:  recorder,
		payloads:  payloads,
		runID:     runID,
		nodeID:    nodeID,
		stepIndex: stepIndex,
		schema:    schema,
		policy:    policy,
		Oversize:  16 * 1024,
	}
}

// AcceptedRow is what the source executor hands back for each record
// that passed validation: the minted row and its initial token.
type AcceptedRow struct {
	Row   *audit.Row
	Token *audit.Token
}

// Accept validates row against the source schema, then records it as a
// Row/Token pair. A validation failure is handled per the configured
// policy: discard (silently skip, ok=false), route (record to
// quarantine via a failed node state, ok=false), or fail (return
// ErrValidationFailed).
func (e *SourceExecutor) Accept(ctx context.Context, row plugin.Row) (AcceptedRow, bool, error) {
	if violations := validateRequired(e.schema, row); len(violations) > 0 {
		return e.handleValidationFailure(ctx, row, violations)
	}

	hash, err := canonical.StableHash(map[string]any(row))
	if err != nil {
		return AcceptedRow{}, false, fmt.Errorf("exec: hash source row: %w", err)
	}

	if e.payloads != nil {
		if err := e.storeIfOversize(ctx, row); err != nil {
			return AcceptedRow{}, false, err
		}
	}

	auditRow, err := e.recorder.CreateRow(ctx, e.runID, e.nodeID, hash)
	if err != nil {
		return AcceptedRow{}, false, fmt.Errorf("exec: create row: %w", err)
	}

	token, err := e.recorder.CreateToken(ctx, e.runID, auditRow.ID, 0, audit.TokenLineage{StepIndex: e.stepIndex})
	if err != nil {
		return AcceptedRow{}, false, fmt.Errorf("exec: create initial token: %w", err)
	}

	state, err := e.recorder.BeginNodeState(ctx, e.runID, e.nodeID, token.ID, hash, e.stepIndex, 1)
	if err != nil {
		return AcceptedRow{}, false, fmt.Errorf("exec: begin source node state: %w", err)
	}

	if err := e.recorder.CompleteNodeState(ctx, state.ID, audit.NodeStateCompleted, ""); err != nil {
		return AcceptedRow{}, false, fmt.Errorf("exec: complete source node state: %w", err)
	}

	return AcceptedRow{Row: auditRow, Token: token}, true, nil
}

func (e *SourceExecutor) handleValidationFailure(ctx context.Context, row plugin.Row, violations []string) (AcceptedRow, bool, error) {
	message := fmt.Sprintf("source schema violations: %v", violations)

	switch e.policy {
	case OnValidationDiscard:
		return AcceptedRow{}, false, nil
	case OnValidationFail:
		return AcceptedRow{}, false, fmt.Errorf("%w: %s", ErrValidationFailed, message)
	default: // route to quarantine: record a failed node state with no token
		state, err := e.recorder.BeginNodeState(ctx, e.runID, e.nodeID, "", "", e.stepIndex, 1)
		if err != nil {
			return AcceptedRow{}, false, fmt.Errorf("exec: begin quarantine node state: %w", err)
		}

		if _, err := e.recorder.RecordValidationError(ctx, e.runID, state.ID, message); err != nil {
			return AcceptedRow{}, false, fmt.Errorf("exec: record validation error: %w", err)
		}

		if err := e.recorder.CompleteNodeState(ctx, state.ID, audit.NodeStateFailed, ""); err != nil {
			return AcceptedRow{}, false, fmt.Errorf("exec: complete quarantine node state: %w", err)
		}

		return AcceptedRow{}, false, nil
	}
}

// storeIfOversize persists row's JSON encoding to the payload store when
// it exceeds Oversize bytes. The hash recorded on the Row is always the
// canonical structural hash, independent of whether the raw bytes were
// also archived — the payload store is a retrieval convenience, not the
// row's identity.
func (e *SourceExecutor) storeIfOversize(ctx context.Context, row plugin.Row) error {
	encoded, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("exec: encode row for oversize check: %w", err)
	}

	if len(encoded) <= e.Oversize {
		return nil
	}

	if _, err := e.payloads.Store(ctx, encoded); err != nil {
		return fmt.Errorf("exec: archive oversize row payload: %w", err)
	}

	return nil
}

// validateRequired checks row carries every required field schema
// declares, for fixed and flexible tiers. Observed (pure-dynamic) schemas
// skip validation entirely.
func validateRequired(schema plugin.Schema, row plugin.Row) []string {
	if schema.Tier == plugin.SchemaObserved {
		return nil
	}

	var violations []string

	for _, field := range schema.Fields {
		if !field.Required {
			continue
		}

		if _, ok := row[field.Name]; !ok {
			violations = append(violations, field.Name)
		}
	}

	return violations
}
