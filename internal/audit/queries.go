package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// GetRun fetches a single run by id.
func (s *Store) GetRun(ctx context.Context, runID string) (*Run, error) {
	row := s.conn.DB().QueryRowContext(ctx,
		`SELECT id, name, config_hash, status, export_status, started_at, completed_at, metadata
		 FROM runs WHERE id = ?`, runID,
	)

	return scanRun(row)
}

func scanRun(row *sql.Row) (*Run, error) {
	var (
		run         Run
		startedAt   string
		completedAt sql.NullString
		metadata    sql.NullString
	)

	err := row.Scan(&run.ID, &run.Name, &run.ConfigHash, &run.Status, &run.ExportStatus, &startedAt, &completedAt, &metadata)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrRunNotFound
		}

		return nil, fmt.Errorf("audit: scan run: %w", err)
	}

	run.StartedAt, err = time.Parse(time.RFC3339Nano, startedAt)
	if err != nil {
		return nil, fmt.Errorf("audit: parse run.started_at: %w", err)
	}

	if completedAt.Valid {
		ts, err := time.Parse(time.RFC3339Nano, completedAt.String)
		if err != nil {
			return nil, fmt.Errorf("audit: parse run.completed_at: %w", err)
		}

		run.CompletedAt = &ts
	}

	run.Metadata = metadata.String

	return &run, nil
}

// GetNodesOrdered returns every node of runID in insertion order (rowid),
// which is also every caller's expected declaration order.
func (s *Store) GetNodesOrdered(ctx context.Context, runID string) ([]*Node, error) {
	rows, err := s.conn.DB().QueryContext(ctx,
		`SELECT id, run_id, name, kind, config_hash, contract FROM nodes WHERE run_id = ? ORDER BY rowid`, runID,
	)
	if err != nil {
		return nil, fmt.Errorf("audit: query nodes: %w", err)
	}
	defer rows.Close()

	var out []*Node

	for rows.Next() {
		var n Node

		if err := rows.Scan(&n.ID, &n.RunID, &n.Name, &n.Kind, &n.ConfigHash, &n.Contract); err != nil {
			return nil, fmt.Errorf("audit: scan node: %w", err)
		}

		out = append(out, &n)
	}

	return out, rows.Err()
}

// GetNodeStatesOrdered returns every node state of runID in sequence order.
func (s *Store) GetNodeStatesOrdered(ctx context.Context, runID string) ([]*NodeState, error) {
	rows, err := s.conn.DB().QueryContext(ctx,
		`SELECT id, run_id, node_id, token_id, status, input_hash, output_hash, duration_ms, step_index, attempt, sequence, opened_at, closed_at
		 FROM node_states WHERE run_id = ? ORDER BY sequence`, runID,
	)
	if err != nil {
		return nil, fmt.Errorf("audit: query node states: %w", err)
	}
	defer rows.Close()

	var out []*NodeState

	for rows.Next() {
		ns, err := scanNodeState(rows)
		if err != nil {
			return nil, err
		}

		out = append(out, ns)
	}

	return out, rows.Err()
}

func scanNodeState(rows *sql.Rows) (*NodeState, error) {
	var (
		ns         NodeState
		inputHash  sql.NullString
		outputHash sql.NullString
		duration   sql.NullInt64
		openedAt   string
		closedAt   sql.NullString
	)

	err := rows.Scan(&ns.ID, &ns.RunID, &ns.NodeID, &ns.TokenID, &ns.Status, &inputHash, &outputHash, &duration,
		&ns.StepIndex, &ns.Attempt, &ns.Sequence, &openedAt, &closedAt)
	if err != nil {
		return nil, fmt.Errorf("audit: scan node state: %w", err)
	}

	ns.InputHash = inputHash.String
	ns.OutputHash = outputHash.String

	if duration.Valid {
		ns.DurationMillis = &duration.Int64
	}

	ns.OpenedAt, err = time.Parse(time.RFC3339Nano, openedAt)
	if err != nil {
		return nil, fmt.Errorf("audit: parse node_state.opened_at: %w", err)
	}

	if closedAt.Valid {
		ts, err := time.Parse(time.RFC3339Nano, closedAt.String)
		if err != nil {
			return nil, fmt.Errorf("audit: parse node_state.closed_at: %w", err)
		}

		ns.ClosedAt = &ts
	}

	return &ns, nil
}

// GetRoutingEventsOrdered returns every routing event of runID in sequence order.
func (s *Store) GetRoutingEventsOrdered(ctx context.Context, runID string) ([]*RoutingEvent, error) {
	rows, err := s.conn.DB().QueryContext(ctx,
		`SELECT id, run_id, node_state_id, edge_id, action, sequence, created_at
		 FROM routing_events WHERE run_id = ? ORDER BY sequence`, runID,
	)
	if err != nil {
		return nil, fmt.Errorf("audit: query routing events: %w", err)
	}
	defer rows.Close()

	var out []*RoutingEvent

	for rows.Next() {
		var (
			ev        RoutingEvent
			createdAt string
		)

		if err := rows.Scan(&ev.ID, &ev.RunID, &ev.NodeStateID, &ev.EdgeID, &ev.Action, &ev.Sequence, &createdAt); err != nil {
			return nil, fmt.Errorf("audit: scan routing event: %w", err)
		}

		ev.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, fmt.Errorf("audit: parse routing_event.created_at: %w", err)
		}

		out = append(out, &ev)
	}

	return out, rows.Err()
}

// GetCallsOrdered returns every call of runID in sequence order.
func (s *Store) GetCallsOrdered(ctx context.Context, runID string) ([]*Call, error) {
	rows, err := s.conn.DB().QueryContext(ctx,
		`SELECT id, run_id, node_state_id, attempt, type, outcome, request_hash, response_hash, provider, error_message, sequence, started_at, finished_at
		 FROM calls WHERE run_id = ? ORDER BY sequence`, runID,
	)
	if err != nil {
		return nil, fmt.Errorf("audit: query calls: %w", err)
	}
	defer rows.Close()

	var out []*Call

	for rows.Next() {
		call, err := scanCall(rows)
		if err != nil {
			return nil, err
		}

		out = append(out, call)
	}

	return out, rows.Err()
}

func scanCall(rows *sql.Rows) (*Call, error) {
	var (
		call         Call
		callType     sql.NullString
		requestHash  sql.NullString
		responseHash sql.NullString
		provider     sql.NullString
		errMsg       sql.NullString
		startedAt    string
		finishedAt   sql.NullString
	)

	err := rows.Scan(&call.ID, &call.RunID, &call.NodeStateID, &call.Attempt, &callType, &call.Outcome,
		&requestHash, &responseHash, &provider, &errMsg, &call.Sequence, &startedAt, &finishedAt)
	if err != nil {
		return nil, fmt.Errorf("audit: scan call: %w", err)
	}

	call.Type = callType.String
	call.RequestHash = requestHash.String
	call.ResponseHash = responseHash.String
	call.Provider = provider.String
	call.ErrorMessage = errMsg.String

	call.StartedAt, err = time.Parse(time.RFC3339Nano, startedAt)
	if err != nil {
		return nil, fmt.Errorf("audit: parse call.started_at: %w", err)
	}

	if finishedAt.Valid {
		ts, err := time.Parse(time.RFC3339Nano, finishedAt.String)
		if err != nil {
			return nil, fmt.Errorf("audit: parse call.finished_at: %w", err)
		}

		call.FinishedAt = &ts
	}

	return &call, nil
}

// GetTokenOutcomesOrdered returns every token outcome of runID in sequence order.
func (s *Store) GetTokenOutcomesOrdered(ctx context.Context, runID string) ([]*TokenOutcome, error) {
	rows, err := s.conn.DB().QueryContext(ctx,
		`SELECT id, run_id, token_id, node_id, outcome, detail, sequence, recorded_at
		 FROM token_outcomes WHERE run_id = ? ORDER BY sequence`, runID,
	)
	if err != nil {
		return nil, fmt.Errorf("audit: query token outcomes: %w", err)
	}
	defer rows.Close()

	var out []*TokenOutcome

	for rows.Next() {
		var (
			to         TokenOutcome
			detail     sql.NullString
			recordedAt string
		)

		if err := rows.Scan(&to.ID, &to.RunID, &to.TokenID, &to.NodeID, &to.Outcome, &detail, &to.Sequence, &recordedAt); err != nil {
			return nil, fmt.Errorf("audit: scan token outcome: %w", err)
		}

		to.Detail = detail.String

		to.RecordedAt, err = time.Parse(time.RFC3339Nano, recordedAt)
		if err != nil {
			return nil, fmt.Errorf("audit: parse token_outcome.recorded_at: %w", err)
		}

		out = append(out, &to)
	}

	return out, rows.Err()
}

// GetEdgesOrdered returns every edge of runID in insertion order, which
// is also the order RegisterEdge was called in by the caller walking the
// graph (see orchestrator.New).
func (s *Store) GetEdgesOrdered(ctx context.Context, runID string) ([]*Edge, error) {
	rows, err := s.conn.DB().QueryContext(ctx,
		`SELECT id, run_id, from_node_id, to_node_id, label, mode FROM edges WHERE run_id = ? ORDER BY rowid`, runID,
	)
	if err != nil {
		return nil, fmt.Errorf("audit: query edges: %w", err)
	}
	defer rows.Close()

	var out []*Edge

	for rows.Next() {
		var (
			e     Edge
			label sql.NullString
		)

		if err := rows.Scan(&e.ID, &e.RunID, &e.FromNodeID, &e.ToNodeID, &label, &e.Mode); err != nil {
			return nil, fmt.Errorf("audit: scan edge: %w", err)
		}

		e.Label = label.String

		out = append(out, &e)
	}

	return out, rows.Err()
}

// GetRowsOrdered returns every row of runID in insertion order (rowid),
// which is the `row_index` order the exporter's fixed total order relies
// on.
func (s *Store) GetRowsOrdered(ctx context.Context, runID string) ([]*Row, error) {
	rows, err := s.conn.DB().QueryContext(ctx,
		`SELECT id, run_id, source_node_id, payload_hash, created_at FROM rows WHERE run_id = ? ORDER BY rowid`, runID,
	)
	if err != nil {
		return nil, fmt.Errorf("audit: query rows: %w", err)
	}
	defer rows.Close()

	var out []*Row

	for rows.Next() {
		var (
			r         Row
			createdAt string
		)

		if err := rows.Scan(&r.ID, &r.RunID, &r.SourceNodeID, &r.PayloadHash, &createdAt); err != nil {
			return nil, fmt.Errorf("audit: scan row: %w", err)
		}

		r.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, fmt.Errorf("audit: parse row.created_at: %w", err)
		}

		out = append(out, &r)
	}

	return out, rows.Err()
}

// GetTokensOrdered returns every token of runID in insertion order
// (rowid). Tokens do not carry their own sequence column — their total
// order within a row is the Ordinal assigned at fork/coalesce/expand
// time, but across the whole run insertion order is what the exporter
// needs to group them under each row.
func (s *Store) GetTokensOrdered(ctx context.Context, runID string) ([]*Token, error) {
	rows, err := s.conn.DB().QueryContext(ctx,
		`SELECT id, run_id, row_id, ordinal, branch_name, fork_group_id, join_group_id, expand_group_id, step_index, created_at
		 FROM tokens WHERE run_id = ? ORDER BY rowid`, runID,
	)
	if err != nil {
		return nil, fmt.Errorf("audit: query tokens: %w", err)
	}
	defer rows.Close()

	var out []*Token

	for rows.Next() {
		var (
			t             Token
			branchName    sql.NullString
			forkGroupID   sql.NullString
			joinGroupID   sql.NullString
			expandGroupID sql.NullString
			createdAt     string
		)

		if err := rows.Scan(&t.ID, &t.RunID, &t.RowID, &t.Ordinal, &branchName, &forkGroupID, &joinGroupID,
			&expandGroupID, &t.StepIndex, &createdAt); err != nil {
			return nil, fmt.Errorf("audit: scan token: %w", err)
		}

		t.BranchName = branchName.String
		t.ForkGroupID = forkGroupID.String
		t.JoinGroupID = joinGroupID.String
		t.ExpandGroupID = expandGroupID.String

		t.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, fmt.Errorf("audit: parse token.created_at: %w", err)
		}

		out = append(out, &t)
	}

	return out, rows.Err()
}

// GetValidationErrorsOrdered returns every validation error of runID in
// sequence order.
func (s *Store) GetValidationErrorsOrdered(ctx context.Context, runID string) ([]*ValidationError, error) {
	rows, err := s.conn.DB().QueryContext(ctx,
		`SELECT id, run_id, node_state_id, message, sequence, created_at
		 FROM validation_errors WHERE run_id = ? ORDER BY sequence`, runID,
	)
	if err != nil {
		return nil, fmt.Errorf("audit: query validation errors: %w", err)
	}
	defer rows.Close()

	var out []*ValidationError

	for rows.Next() {
		var (
			ve        ValidationError
			createdAt string
		)

		if err := rows.Scan(&ve.ID, &ve.RunID, &ve.NodeStateID, &ve.Message, &ve.Sequence, &createdAt); err != nil {
			return nil, fmt.Errorf("audit: scan validation error: %w", err)
		}

		ve.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, fmt.Errorf("audit: parse validation_error.created_at: %w", err)
		}

		out = append(out, &ve)
	}

	return out, rows.Err()
}

// GetTokenParentsOrdered returns childTokenID's parents in ordinal order.
func (s *Store) GetTokenParentsOrdered(ctx context.Context, childTokenID string) ([]*TokenParent, error) {
	rows, err := s.conn.DB().QueryContext(ctx,
		`SELECT child_token_id, parent_token_id, ordinal FROM token_parents
		 WHERE child_token_id = ? ORDER BY ordinal`, childTokenID,
	)
	if err != nil {
		return nil, fmt.Errorf("audit: query token parents: %w", err)
	}
	defer rows.Close()

	var out []*TokenParent

	for rows.Next() {
		var tp TokenParent

		if err := rows.Scan(&tp.ChildTokenID, &tp.ParentTokenID, &tp.Ordinal); err != nil {
			return nil, fmt.Errorf("audit: scan token parent: %w", err)
		}

		out = append(out, &tp)
	}

	return out, rows.Err()
}

// UnprocessedRows returns every row of runID at sourceNodeID that has no
// terminal token_outcome recorded anywhere downstream. This is the
// outcome-based recovery rule: a row counts as "done" only once some
// token descended from it reached a sunk/dropped/errored terminal state,
// never because its row id falls below some previously-seen index. A
// row whose token is still mid-pipeline when a run crashes is correctly
// re-offered to the graph on recovery, even if rows with higher ids were
// already fully processed.
func (s *Store) UnprocessedRows(ctx context.Context, runID, sourceNodeID string) ([]*Row, error) {
	rows, err := s.conn.DB().QueryContext(ctx, `
		SELECT r.id, r.run_id, r.source_node_id, r.payload_hash, r.created_at
		FROM rows r
		WHERE r.run_id = ? AND r.source_node_id = ?
		  AND NOT EXISTS (
		    SELECT 1
		    FROM token_outcomes o
		    JOIN tokens t ON t.id = o.token_id
		    WHERE t.row_id = r.id AND o.outcome <> 'coalesced'
		  )
		ORDER BY r.rowid
	`, runID, sourceNodeID)
	if err != nil {
		return nil, fmt.Errorf("audit: query unprocessed rows: %w", err)
	}
	defer rows.Close()

	var out []*Row

	for rows.Next() {
		var (
			row       Row
			createdAt string
		)

		if err := rows.Scan(&row.ID, &row.RunID, &row.SourceNodeID, &row.PayloadHash, &createdAt); err != nil {
			return nil, fmt.Errorf("audit: scan row: %w", err)
		}

		row.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, fmt.Errorf("audit: parse row.created_at: %w", err)
		}

		out = append(out, &row)
	}

	return out, rows.Err()
}
