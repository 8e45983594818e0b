package audit

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/auditpipe/auditpipe/internal/canonical"
)

// Store is the audit store's recorder facade: every write a pipeline run
// makes to its audit trail goes through one of these methods, and every
// method either fully commits or leaves the store unchanged.
//
// Sequencing: node_states, routing_events, calls, token_outcomes, and
// validation_errors all carry a monotonically increasing per-run
// "sequence" column so the exporter and query methods can recover a
// single, total, replayable order of events even though many goroutines
// write concurrently. Store keeps one atomic counter per open run in
// memory; this is safe because a Store is only ever opened once per
// process per database file (the caller is responsible for not running
// two Store instances against the same file concurrently).
type Store struct {
	conn    *Connection
	logger  *slog.Logger
	journal *Journal

	mu       sync.Mutex
	sequence map[string]*int64 // run id -> next sequence number
}

// NewStore wraps an already-open Connection in a recorder facade.
func NewStore(conn *Connection, logger *slog.Logger) *Store {
	return &Store{
		conn:     conn,
		logger:   logger,
		sequence: make(map[string]*int64),
	}
}

func (s *Store) nextSequence(runID string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	counter, ok := s.sequence[runID]
	if !ok {
		var zero int64

		counter = &zero
		s.sequence[runID] = counter
	}

	*counter++

	return *counter
}

// BeginRun inserts a new run row in the "running" state.
func (s *Store) BeginRun(ctx context.Context, name string, config map[string]any) (*Run, error) {
	configHash, err := canonical.StableHash(config)
	if err != nil {
		return nil, fmt.Errorf("audit: hash run config: %w", err)
	}

	run := &Run{
		ID:           canonical.NewID(),
		Name:         name,
		ConfigHash:   configHash,
		Status:       RunStatusRunning,
		ExportStatus: ExportStatusPending,
		StartedAt:    time.Now().UTC(),
	}

	_, err = s.conn.DB().ExecContext(ctx,
		`INSERT INTO runs (id, name, config_hash, status, export_status, started_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		run.ID, run.Name, run.ConfigHash, run.Status, run.ExportStatus, run.StartedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("audit: begin run: %w", err)
	}

	s.journalAppend("run", run)

	return run, nil
}

// CompleteRun transitions a running run to a terminal status and stamps
// completed_at. It refuses to transition a run that is not currently
// "running", the one ordering invariant the run lifecycle enforces.
func (s *Store) CompleteRun(ctx context.Context, runID string, status RunStatus) error {
	if status != RunStatusCompleted && status != RunStatusFailed {
		return fmt.Errorf("%w: %q is not a terminal run status", ErrInvalidStateTransition, status)
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)

	res, err := s.conn.DB().ExecContext(ctx,
		`UPDATE runs SET status = ?, completed_at = ? WHERE id = ? AND status = ?`,
		status, now, runID, RunStatusRunning,
	)
	if err != nil {
		return fmt.Errorf("audit: complete run: %w", err)
	}

	if err := requireOneRowAffected(res, ErrInvalidStateTransition); err != nil {
		return err
	}

	s.journalAppend("run_completed", map[string]any{"run_id": runID, "status": status})

	return nil
}

// SetExportStatus records whether a run's audit trail has been exported.
func (s *Store) SetExportStatus(ctx context.Context, runID string, status ExportStatus) error {
	res, err := s.conn.DB().ExecContext(ctx,
		`UPDATE runs SET export_status = ? WHERE id = ?`, status, runID,
	)
	if err != nil {
		return fmt.Errorf("audit: set export status: %w", err)
	}

	if err := requireOneRowAffected(res, ErrRunNotFound); err != nil {
		return err
	}

	s.journalAppend("export_status", map[string]any{"run_id": runID, "status": status})

	return nil
}

// RegisterNode inserts a node belonging to runID.
func (s *Store) RegisterNode(ctx context.Context, runID, name string, kind NodeKind, contract Contract, config map[string]any) (*Node, error) {
	configHash, err := canonical.StableHash(config)
	if err != nil {
		return nil, fmt.Errorf("audit: hash node config: %w", err)
	}

	node := &Node{
		ID:         canonical.NewID(),
		RunID:      runID,
		Name:       name,
		Kind:       kind,
		ConfigHash: configHash,
		Contract:   contract,
	}

	_, err = s.conn.DB().ExecContext(ctx,
		`INSERT INTO nodes (id, run_id, name, kind, config_hash, contract) VALUES (?, ?, ?, ?, ?, ?)`,
		node.ID, node.RunID, node.Name, node.Kind, node.ConfigHash, node.Contract,
	)
	if err != nil {
		return nil, fmt.Errorf("audit: register node %q: %w", name, err)
	}

	s.journalAppend("node", node)

	return node, nil
}

// RegisterEdge inserts a directed edge between two nodes of the same
// run. label names the branch or route that produced the edge (empty
// for a plain linear edge); mode is the edge's routing mode (MOVE/COPY).
func (s *Store) RegisterEdge(ctx context.Context, runID, fromNodeID, toNodeID, label, mode string) (*Edge, error) {
	edge := &Edge{ID: canonical.NewID(), RunID: runID, FromNodeID: fromNodeID, ToNodeID: toNodeID, Label: label, Mode: mode}

	_, err := s.conn.DB().ExecContext(ctx,
		`INSERT INTO edges (id, run_id, from_node_id, to_node_id, label, mode) VALUES (?, ?, ?, ?, ?, ?)`,
		edge.ID, edge.RunID, edge.FromNodeID, edge.ToNodeID, nullIfEmpty(edge.Label), edge.Mode,
	)
	if err != nil {
		return nil, fmt.Errorf("audit: register edge: %w", err)
	}

	s.journalAppend("edge", edge)

	return edge, nil
}

// CreateRow records that sourceNodeID introduced a new row with the given
// content-addressed payload hash.
func (s *Store) CreateRow(ctx context.Context, runID, sourceNodeID, payloadHash string) (*Row, error) {
	row := &Row{
		ID:           canonical.NewID(),
		RunID:        runID,
		SourceNodeID: sourceNodeID,
		PayloadHash:  payloadHash,
		CreatedAt:    time.Now().UTC(),
	}

	_, err := s.conn.DB().ExecContext(ctx,
		`INSERT INTO rows (id, run_id, source_node_id, payload_hash, created_at) VALUES (?, ?, ?, ?, ?)`,
		row.ID, row.RunID, row.SourceNodeID, row.PayloadHash, row.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("audit: create row: %w", err)
	}

	s.journalAppend("row", row)

	return row, nil
}

// TokenLineage carries the optional lineage attributes a minted token
// may record: which branch produced it, which fork/join/expand group it
// belongs to, and its position in the pipeline's topological order. The
// zero value records a token with no lineage annotations, the common
// case for a source's initial token.
type TokenLineage struct {
	BranchName    string
	ForkGroupID   string
	JoinGroupID   string
	ExpandGroupID string
	StepIndex     int
}

// CreateToken mints a new lineage token for rowID, stamped with lineage.
func (s *Store) CreateToken(ctx context.Context, runID, rowID string, ordinal int, lineage TokenLineage) (*Token, error) {
	token := &Token{
		ID:            canonical.NewID(),
		RunID:         runID,
		RowID:         rowID,
		Ordinal:       ordinal,
		BranchName:    lineage.BranchName,
		ForkGroupID:   lineage.ForkGroupID,
		JoinGroupID:   lineage.JoinGroupID,
		ExpandGroupID: lineage.ExpandGroupID,
		StepIndex:     lineage.StepIndex,
		CreatedAt:     time.Now().UTC(),
	}

	_, err := s.conn.DB().ExecContext(ctx,
		`INSERT INTO tokens (id, run_id, row_id, ordinal, branch_name, fork_group_id, join_group_id, expand_group_id, step_index, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		token.ID, token.RunID, token.RowID, token.Ordinal, nullIfEmpty(token.BranchName),
		nullIfEmpty(token.ForkGroupID), nullIfEmpty(token.JoinGroupID), nullIfEmpty(token.ExpandGroupID),
		token.StepIndex, token.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("audit: create token: %w", err)
	}

	s.journalAppend("token", token)

	return token, nil
}

// AddTokenParent records that childTokenID descends from parentTokenID at
// the given ordinal (its position among the child's parents, meaningful
// for coalesce merges where argument order matters).
func (s *Store) AddTokenParent(ctx context.Context, childTokenID, parentTokenID string, ordinal int) error {
	_, err := s.conn.DB().ExecContext(ctx,
		`INSERT INTO token_parents (child_token_id, parent_token_id, ordinal) VALUES (?, ?, ?)`,
		childTokenID, parentTokenID, ordinal,
	)
	if err != nil {
		return fmt.Errorf("audit: add token parent: %w", err)
	}

	s.journalAppend("token_parent", map[string]any{"child": childTokenID, "parent": parentTokenID, "ordinal": ordinal})

	return nil
}

// BeginNodeState opens a new node-state bracket for tokenID's visit to
// nodeID. inputHash is the content hash of the row the token carries on
// arrival; stepIndex is the node's position in the pipeline's
// topological order; attempt is the retry attempt this state belongs to
// (1 for executors that do not retry).
func (s *Store) BeginNodeState(ctx context.Context, runID, nodeID, tokenID, inputHash string, stepIndex, attempt int) (*NodeState, error) {
	ns := &NodeState{
		ID:        canonical.NewID(),
		RunID:     runID,
		NodeID:    nodeID,
		TokenID:   tokenID,
		Status:    NodeStateOpen,
		InputHash: inputHash,
		StepIndex: stepIndex,
		Attempt:   attempt,
		Sequence:  s.nextSequence(runID),
		OpenedAt:  time.Now().UTC(),
	}

	_, err := s.conn.DB().ExecContext(ctx,
		`INSERT INTO node_states (id, run_id, node_id, token_id, status, input_hash, step_index, attempt, sequence, opened_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ns.ID, ns.RunID, ns.NodeID, ns.TokenID, ns.Status, nullIfEmpty(ns.InputHash), ns.StepIndex, ns.Attempt,
		ns.Sequence, ns.OpenedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("audit: begin node state: %w", err)
	}

	s.journalAppend("node_state_opened", ns)

	return ns, nil
}

// CompleteNodeState closes a node-state bracket with a terminal status
// and records the node's output hash, when the node produced one.
// duration_ms is computed in SQL from the stored opened_at against the
// closed_at being written, avoiding a separate read round-trip.
func (s *Store) CompleteNodeState(ctx context.Context, nodeStateID string, status NodeStateStatus, outputHash string) error {
	if status == NodeStateOpen {
		return fmt.Errorf("%w: cannot complete a node state into the open status", ErrInvalidStateTransition)
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)

	res, err := s.conn.DB().ExecContext(ctx,
		`UPDATE node_states
		 SET status = ?, closed_at = ?, output_hash = ?,
		     duration_ms = CAST((julianday(?) - julianday(opened_at)) * 86400000 AS INTEGER)
		 WHERE id = ? AND status = ?`,
		status, now, nullIfEmpty(outputHash), now, nodeStateID, NodeStateOpen,
	)
	if err != nil {
		return fmt.Errorf("audit: complete node state: %w", err)
	}

	if err := requireOneRowAffected(res, ErrInvalidStateTransition); err != nil {
		return err
	}

	s.journalAppend("node_state_closed", map[string]any{"node_state_id": nodeStateID, "status": status, "output_hash": outputHash})

	return nil
}

// RecordRoutingEvent records one routing decision made while nodeStateID
// was open. edgeID references the registered Edge the token traveled.
func (s *Store) RecordRoutingEvent(ctx context.Context, runID, nodeStateID, edgeID string, action RoutingAction) (*RoutingEvent, error) {
	ev := &RoutingEvent{
		ID:          canonical.NewID(),
		RunID:       runID,
		NodeStateID: nodeStateID,
		EdgeID:      edgeID,
		Action:      action,
		Sequence:    s.nextSequence(runID),
		CreatedAt:   time.Now().UTC(),
	}

	_, err := s.conn.DB().ExecContext(ctx,
		`INSERT INTO routing_events (id, run_id, node_state_id, edge_id, action, sequence, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.RunID, ev.NodeStateID, ev.EdgeID, ev.Action, ev.Sequence, ev.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("audit: record routing event: %w", err)
	}

	s.journalAppend("routing_event", ev)

	return ev, nil
}

// RecordRoutingEvents records a batch of routing decisions made together
// (e.g. a fork fanning out to several destinations in one call), keeping
// their relative sequence order. edgeIDs must be parallel to the
// destinations the caller resolved them from.
func (s *Store) RecordRoutingEvents(ctx context.Context, runID, nodeStateID string, edgeIDs []string, action RoutingAction) ([]*RoutingEvent, error) {
	events := make([]*RoutingEvent, 0, len(edgeIDs))

	for _, edgeID := range edgeIDs {
		ev, err := s.RecordRoutingEvent(ctx, runID, nodeStateID, edgeID, action)
		if err != nil {
			return nil, err
		}

		events = append(events, ev)
	}

	return events, nil
}

// CallAttributes carries a call's descriptive attributes beyond its
// outcome: the plugin's concrete type, content hashes of its
// request/response payload, and the external provider it addressed
// (empty when the plugin has no external-provider concept).
type CallAttributes struct {
	Type         string
	RequestHash  string
	ResponseHash string
	Provider     string
}

// RecordCall records one plugin invocation attempt within nodeStateID.
func (s *Store) RecordCall(ctx context.Context, runID, nodeStateID string, attempt int, outcome CallOutcome, attrs CallAttributes, errMsg string, startedAt time.Time, finishedAt *time.Time) (*Call, error) {
	call := &Call{
		ID:           canonical.NewID(),
		RunID:        runID,
		NodeStateID:  nodeStateID,
		Attempt:      attempt,
		Type:         attrs.Type,
		Outcome:      outcome,
		RequestHash:  attrs.RequestHash,
		ResponseHash: attrs.ResponseHash,
		Provider:     attrs.Provider,
		ErrorMessage: errMsg,
		Sequence:     s.nextSequence(runID),
		StartedAt:    startedAt,
		FinishedAt:   finishedAt,
	}

	var finished sql.NullString
	if finishedAt != nil {
		finished = sql.NullString{String: finishedAt.Format(time.RFC3339Nano), Valid: true}
	}

	_, err := s.conn.DB().ExecContext(ctx,
		`INSERT INTO calls (id, run_id, node_state_id, attempt, type, outcome, request_hash, response_hash, provider, error_message, sequence, started_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		call.ID, call.RunID, call.NodeStateID, call.Attempt, nullIfEmpty(call.Type), call.Outcome,
		nullIfEmpty(call.RequestHash), nullIfEmpty(call.ResponseHash), nullIfEmpty(call.Provider),
		nullIfEmpty(call.ErrorMessage), call.Sequence, call.StartedAt.Format(time.RFC3339Nano), finished,
	)
	if err != nil {
		return nil, fmt.Errorf("audit: record call: %w", err)
	}

	s.journalAppend("call", call)

	return call, nil
}

// RecordTokenOutcome records the terminal disposition of tokenID at nodeID.
func (s *Store) RecordTokenOutcome(ctx context.Context, runID, tokenID, nodeID string, outcome TokenOutcomeKind, detail string) (*TokenOutcome, error) {
	to := &TokenOutcome{
		ID:         canonical.NewID(),
		RunID:      runID,
		TokenID:    tokenID,
		NodeID:     nodeID,
		Outcome:    outcome,
		Detail:     detail,
		Sequence:   s.nextSequence(runID),
		RecordedAt: time.Now().UTC(),
	}

	_, err := s.conn.DB().ExecContext(ctx,
		`INSERT INTO token_outcomes (id, run_id, token_id, node_id, outcome, detail, sequence, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		to.ID, to.RunID, to.TokenID, to.NodeID, to.Outcome, nullIfEmpty(to.Detail), to.Sequence, to.RecordedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("audit: record token outcome: %w", err)
	}

	s.journalAppend("token_outcome", to)

	return to, nil
}

// RecordValidationError records a contract or schema violation observed
// while nodeStateID was open. nodeStateID may be empty for violations
// detected before any node state exists (e.g. malformed pipeline config).
func (s *Store) RecordValidationError(ctx context.Context, runID, nodeStateID, message string) (*ValidationError, error) {
	ve := &ValidationError{
		ID:          canonical.NewID(),
		RunID:       runID,
		NodeStateID: nodeStateID,
		Message:     message,
		Sequence:    s.nextSequence(runID),
		CreatedAt:   time.Now().UTC(),
	}

	_, err := s.conn.DB().ExecContext(ctx,
		`INSERT INTO validation_errors (id, run_id, node_state_id, message, sequence, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		ve.ID, ve.RunID, nullIfEmpty(ve.NodeStateID), ve.Message, ve.Sequence, ve.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("audit: record validation error: %w", err)
	}

	s.journalAppend("validation_error", ve)

	return ve, nil
}

// RecordSecretResolution records that nodeID resolved secretName, without
// recording the secret's value — the audit trail proves a secret was
// consulted, never what it contained.
func (s *Store) RecordSecretResolution(ctx context.Context, runID, nodeID, secretName string) (*SecretResolution, error) {
	sr := &SecretResolution{
		ID:         canonical.NewID(),
		RunID:      runID,
		NodeID:     nodeID,
		SecretName: secretName,
		ResolvedAt: time.Now().UTC(),
	}

	_, err := s.conn.DB().ExecContext(ctx,
		`INSERT INTO secret_resolutions (id, run_id, node_id, secret_name, resolved_at) VALUES (?, ?, ?, ?, ?)`,
		sr.ID, sr.RunID, sr.NodeID, sr.SecretName, sr.ResolvedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("audit: record secret resolution: %w", err)
	}

	s.journalAppend("secret_resolution", sr)

	return sr, nil
}

// OpenBatch records the start of a buffered executor's batching window.
func (s *Store) OpenBatch(ctx context.Context, runID, nodeID string) (*Batch, error) {
	b := &Batch{ID: canonical.NewID(), RunID: runID, NodeID: nodeID, OpenedAt: time.Now().UTC()}

	_, err := s.conn.DB().ExecContext(ctx,
		`INSERT INTO batches (id, run_id, node_id, submitted_count, completed_count, opened_at)
		 VALUES (?, ?, ?, 0, 0, ?)`,
		b.ID, b.RunID, b.NodeID, b.OpenedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("audit: open batch: %w", err)
	}

	s.journalAppend("batch_opened", b)

	return b, nil
}

// CloseBatch records the final submitted/completed counts for a batch and
// stamps its close time.
func (s *Store) CloseBatch(ctx context.Context, batchID string, submitted, completed int) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)

	res, err := s.conn.DB().ExecContext(ctx,
		`UPDATE batches SET submitted_count = ?, completed_count = ?, closed_at = ? WHERE id = ?`,
		submitted, completed, now, batchID,
	)
	if err != nil {
		return fmt.Errorf("audit: close batch: %w", err)
	}

	if err := requireOneRowAffected(res, ErrNodeNotFound); err != nil {
		return err
	}

	s.journalAppend("batch_closed", map[string]any{"batch_id": batchID, "submitted": submitted, "completed": completed})

	return nil
}

func requireOneRowAffected(res sql.Result, onZero error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("audit: check rows affected: %w", err)
	}

	if n == 0 {
		return onZero
	}

	return nil
}

// journalAppend mirrors a committed write to the optional journal. A
// journal write failure is logged, never returned: the journal is a
// convenience side channel, not the system of record, and must never
// cause a recorder call that already committed to SQLite to report
// failure.
func (s *Store) journalAppend(kind string, entry any) {
	if s.journal == nil {
		return
	}

	if err := s.journal.Append(kind, entry); err != nil {
		s.logger.Error("audit: journal append failed", slog.String("kind", kind), slog.String("error", err.Error()))
	}
}

func nullIfEmpty(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}

	return sql.NullString{String: s, Valid: true}
}
