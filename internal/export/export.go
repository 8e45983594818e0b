// Package export streams a completed run's audit trail out as a single
// deterministic, optionally HMAC-chained JSON document: a fixed total
// record order (run, nodes, edges, then per row its tokens, node
// states, routing events, calls, parents, validation errors, and
// terminal outcomes), ending with a manifest record carrying the
// chained final hash.
package export

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/auditpipe/auditpipe/internal/audit"
)

// Reader is the subset of *audit.Store the exporter reads. Keeping it
// narrow (rather than accepting *audit.Store directly) lets tests supply
// an in-memory fake without standing up a real database, matching the
// pack's narrow-consumer-defined-interface style.
type Reader interface {
	GetRun(ctx context.Context, runID string) (*audit.Run, error)
	GetNodesOrdered(ctx context.Context, runID string) ([]*audit.Node, error)
	GetEdgesOrdered(ctx context.Context, runID string) ([]*audit.Edge, error)
	GetRowsOrdered(ctx context.Context, runID string) ([]*audit.Row, error)
	GetTokensOrdered(ctx context.Context, runID string) ([]*audit.Token, error)
	GetNodeStatesOrdered(ctx context.Context, runID string) ([]*audit.NodeState, error)
	GetRoutingEventsOrdered(ctx context.Context, runID string) ([]*audit.RoutingEvent, error)
	GetCallsOrdered(ctx context.Context, runID string) ([]*audit.Call, error)
	GetTokenOutcomesOrdered(ctx context.Context, runID string) ([]*audit.TokenOutcome, error)
	GetValidationErrorsOrdered(ctx context.Context, runID string) ([]*audit.ValidationError, error)
	GetTokenParentsOrdered(ctx context.Context, childTokenID string) ([]*audit.TokenParent, error)
}

// Result is the outcome of an Export call.
type Result struct {
	// JSON is the full export document: a JSON array of records, the
	// last of which always has record_type "manifest".
	JSON []byte
	// FinalHash is the manifest's chained signature, hex-encoded. Empty
	// when Export was called with no signing key.
	FinalHash string
}

// Export builds the audit trail of runID into a Result. When key is
// non-empty, every record (except the manifest) carries a 64-hex
// HMAC-SHA-256 "signature" computed over its canonical JSON body chained
// with the previous record's signature, and the manifest's FinalHash is
// that chain's final link. Identical data exported twice with the same
// key produces byte-identical JSON and FinalHash; a different key always
// changes FinalHash. With no key, no record carries a signature and
// FinalHash is empty.
func Export(ctx context.Context, reader Reader, runID string, key []byte) (*Result, error) {
	records, err := buildRecords(ctx, reader, runID)
	if err != nil {
		return nil, err
	}

	var finalHash string

	if len(key) > 0 {
		finalHash, err = signChain(records, key)
		if err != nil {
			return nil, fmt.Errorf("export: sign chain: %w", err)
		}
	}

	manifest := map[string]any{"record_type": "manifest"}
	if finalHash != "" {
		manifest["final_hash"] = finalHash
	}

	records = append(records, manifest)

	encoded, err := json.Marshal(records)
	if err != nil {
		return nil, fmt.Errorf("export: encode records: %w", err)
	}

	return &Result{JSON: encoded, FinalHash: finalHash}, nil
}

// signChain signs every record in place (adding "signature") and returns
// the hex-encoded final link of the chain. Each record's signature is
// HMAC(key, canonical_body || previous_signature_bytes); canonical_body
// is the record's JSON encoding before "signature" is added, which is
// deterministic because encoding/json sorts map keys and preserves slice
// order.
func signChain(records []map[string]any, key []byte) (string, error) {
	var prev []byte

	for _, record := range records {
		body, err := json.Marshal(record)
		if err != nil {
			return "", fmt.Errorf("marshal record body: %w", err)
		}

		mac := hmac.New(sha256.New, key)
		mac.Write(body)
		mac.Write(prev)
		sum := mac.Sum(nil)

		record["signature"] = hex.EncodeToString(sum)
		prev = sum
	}

	return hex.EncodeToString(prev), nil
}

// buildRecords assembles every non-manifest record in the fixed total
// order: run, nodes, edges, then per row its tokens, node states,
// routing events, calls, parents, validation errors, and terminal
// outcomes.
func buildRecords(ctx context.Context, reader Reader, runID string) ([]map[string]any, error) {
	run, err := reader.GetRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("export: get run: %w", err)
	}

	nodes, err := reader.GetNodesOrdered(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("export: get nodes: %w", err)
	}

	edges, err := reader.GetEdgesOrdered(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("export: get edges: %w", err)
	}

	rows, err := reader.GetRowsOrdered(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("export: get rows: %w", err)
	}

	tokens, err := reader.GetTokensOrdered(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("export: get tokens: %w", err)
	}

	nodeStates, err := reader.GetNodeStatesOrdered(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("export: get node states: %w", err)
	}

	routingEvents, err := reader.GetRoutingEventsOrdered(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("export: get routing events: %w", err)
	}

	calls, err := reader.GetCallsOrdered(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("export: get calls: %w", err)
	}

	validationErrors, err := reader.GetValidationErrorsOrdered(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("export: get validation errors: %w", err)
	}

	tokenOutcomes, err := reader.GetTokenOutcomesOrdered(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("export: get token outcomes: %w", err)
	}

	tokensByRow := indexByKey(tokens, func(t *audit.Token) string { return t.RowID })
	statesByToken := indexByKey(nodeStates, func(s *audit.NodeState) string { return s.TokenID })
	eventsByState := indexByKey(routingEvents, func(e *audit.RoutingEvent) string { return e.NodeStateID })
	callsByState := indexByKey(calls, func(c *audit.Call) string { return c.NodeStateID })
	validationByState := indexByKey(validationErrors, func(v *audit.ValidationError) string { return v.NodeStateID })
	outcomesByToken := indexByKey(tokenOutcomes, func(o *audit.TokenOutcome) string { return o.TokenID })

	var out []map[string]any

	out = append(out, runRecord(run))

	for _, n := range nodes {
		out = append(out, nodeRecord(n))
	}

	for _, e := range edges {
		out = append(out, edgeRecord(e))
	}

	for _, row := range rows {
		out = append(out, rowRecord(row))

		rowTokens := tokensByRow[row.ID]

		for _, t := range rowTokens {
			out = append(out, tokenRecord(t))
		}

		var rowStates []*audit.NodeState
		for _, t := range rowTokens {
			rowStates = append(rowStates, statesByToken[t.ID]...)
		}

		for _, s := range rowStates {
			out = append(out, nodeStateRecord(s))
		}

		for _, s := range rowStates {
			for _, ev := range eventsByState[s.ID] {
				out = append(out, routingEventRecord(ev))
			}
		}

		for _, s := range rowStates {
			for _, c := range callsByState[s.ID] {
				out = append(out, callRecord(c))
			}
		}

		for _, t := range rowTokens {
			parents, err := reader.GetTokenParentsOrdered(ctx, t.ID)
			if err != nil {
				return nil, fmt.Errorf("export: get token parents of %q: %w", t.ID, err)
			}

			for _, p := range parents {
				out = append(out, tokenParentRecord(p))
			}
		}

		for _, s := range rowStates {
			for _, v := range validationByState[s.ID] {
				out = append(out, validationErrorRecord(v))
			}
		}

		for _, t := range rowTokens {
			for _, o := range outcomesByToken[t.ID] {
				out = append(out, tokenOutcomeRecord(o))
			}
		}
	}

	return out, nil
}

// indexByKey groups items into buckets by key(item), preserving the
// relative order items already had within each bucket.
func indexByKey[T any](items []*T, key func(*T) string) map[string][]*T {
	out := make(map[string][]*T)

	for _, item := range items {
		k := key(item)
		out[k] = append(out[k], item)
	}

	return out
}

func formatTime(t time.Time) string {
	return t.Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) (string, bool) {
	if t == nil {
		return "", false
	}

	return t.Format(time.RFC3339Nano), true
}

func runRecord(r *audit.Run) map[string]any {
	out := map[string]any{
		"record_type":   "run",
		"id":            r.ID,
		"name":          r.Name,
		"config_hash":   r.ConfigHash,
		"status":        r.Status,
		"export_status": r.ExportStatus,
		"started_at":    formatTime(r.StartedAt),
	}

	if ts, ok := formatTimePtr(r.CompletedAt); ok {
		out["completed_at"] = ts
	}

	if r.Metadata != "" {
		out["metadata"] = r.Metadata
	}

	return out
}

func nodeRecord(n *audit.Node) map[string]any {
	return map[string]any{
		"record_type": "node",
		"id":          n.ID,
		"run_id":      n.RunID,
		"name":        n.Name,
		"kind":        n.Kind,
		"config_hash": n.ConfigHash,
		"contract":    n.Contract,
	}
}

func edgeRecord(e *audit.Edge) map[string]any {
	out := map[string]any{
		"record_type":  "edge",
		"id":           e.ID,
		"run_id":       e.RunID,
		"from_node_id": e.FromNodeID,
		"to_node_id":   e.ToNodeID,
		"mode":         e.Mode,
	}

	if e.Label != "" {
		out["label"] = e.Label
	}

	return out
}

func rowRecord(r *audit.Row) map[string]any {
	return map[string]any{
		"record_type":    "row",
		"id":             r.ID,
		"run_id":         r.RunID,
		"source_node_id": r.SourceNodeID,
		"payload_hash":   r.PayloadHash,
		"created_at":     formatTime(r.CreatedAt),
	}
}

func tokenRecord(t *audit.Token) map[string]any {
	out := map[string]any{
		"record_type": "token",
		"id":          t.ID,
		"run_id":      t.RunID,
		"row_id":      t.RowID,
		"ordinal":     t.Ordinal,
		"step_index":  t.StepIndex,
		"created_at":  formatTime(t.CreatedAt),
	}

	if t.BranchName != "" {
		out["branch_name"] = t.BranchName
	}

	if t.ForkGroupID != "" {
		out["fork_group_id"] = t.ForkGroupID
	}

	if t.JoinGroupID != "" {
		out["join_group_id"] = t.JoinGroupID
	}

	if t.ExpandGroupID != "" {
		out["expand_group_id"] = t.ExpandGroupID
	}

	return out
}

func nodeStateRecord(s *audit.NodeState) map[string]any {
	out := map[string]any{
		"record_type": "node_state",
		"id":          s.ID,
		"run_id":      s.RunID,
		"node_id":     s.NodeID,
		"token_id":    s.TokenID,
		"status":      s.Status,
		"step_index":  s.StepIndex,
		"attempt":     s.Attempt,
		"sequence":    s.Sequence,
		"opened_at":   formatTime(s.OpenedAt),
	}

	if s.InputHash != "" {
		out["input_hash"] = s.InputHash
	}

	if s.OutputHash != "" {
		out["output_hash"] = s.OutputHash
	}

	if s.DurationMillis != nil {
		out["duration_ms"] = *s.DurationMillis
	}

	if ts, ok := formatTimePtr(s.ClosedAt); ok {
		out["closed_at"] = ts
	}

	return out
}

func routingEventRecord(e *audit.RoutingEvent) map[string]any {
	return map[string]any{
		"record_type":   "routing_event",
		"id":            e.ID,
		"run_id":        e.RunID,
		"node_state_id": e.NodeStateID,
		"edge_id":       e.EdgeID,
		"action":        e.Action,
		"sequence":      e.Sequence,
		"created_at":    formatTime(e.CreatedAt),
	}
}

func callRecord(c *audit.Call) map[string]any {
	out := map[string]any{
		"record_type":   "call",
		"id":            c.ID,
		"run_id":        c.RunID,
		"node_state_id": c.NodeStateID,
		"attempt":       c.Attempt,
		"outcome":       c.Outcome,
		"sequence":      c.Sequence,
		"started_at":    formatTime(c.StartedAt),
	}

	if c.Type != "" {
		out["type"] = c.Type
	}

	if c.RequestHash != "" {
		out["request_hash"] = c.RequestHash
	}

	if c.ResponseHash != "" {
		out["response_hash"] = c.ResponseHash
	}

	if c.Provider != "" {
		out["provider"] = c.Provider
	}

	if c.ErrorMessage != "" {
		out["error_message"] = c.ErrorMessage
	}

	if ts, ok := formatTimePtr(c.FinishedAt); ok {
		out["finished_at"] = ts
	}

	return out
}

func tokenParentRecord(p *audit.TokenParent) map[string]any {
	return map[string]any{
		"record_type":     "token_parent",
		"child_token_id":  p.ChildTokenID,
		"parent_token_id": p.ParentTokenID,
		"ordinal":         p.Ordinal,
	}
}

func validationErrorRecord(v *audit.ValidationError) map[string]any {
	return map[string]any{
		"record_type":   "validation_error",
		"id":            v.ID,
		"run_id":        v.RunID,
		"node_state_id": v.NodeStateID,
		"message":       v.Message,
		"sequence":      v.Sequence,
		"created_at":    formatTime(v.CreatedAt),
	}
}

func tokenOutcomeRecord(o *audit.TokenOutcome) map[string]any {
	out := map[string]any{
		"record_type": "token_outcome",
		"id":          o.ID,
		"run_id":      o.RunID,
		"token_id":    o.TokenID,
		"node_id":     o.NodeID,
		"outcome":     o.Outcome,
		"sequence":    o.Sequence,
		"recorded_at": formatTime(o.RecordedAt),
	}

	if o.Detail != "" {
		out["detail"] = o.Detail
	}

	return out
}
