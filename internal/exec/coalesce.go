// Package exec implements the per-node-type executor kernels: the
// common open-state/run-plugin/close-state protocol specialized for
// sources, transforms, gates, coalesce barriers, aggregations, and
// sinks.
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

// CoalescePolicy enumerates when a coalesce barrier is allowed to merge.
type CoalescePolicy string

const (
	CoalesceRequireAll CoalescePolicy = "require_all"
	CoalesceFirst      CoalescePolicy = "first"
	CoalesceQuorum     CoalescePolicy = "quorum"
	CoalesceBestEffort CoalescePolicy = "best_effort"
)

// MergeStrategy enumerates how arrived branches' row data combine.
type MergeStrategy string

const (
	MergeUnion  MergeStrategy = "union"
	MergeNested MergeStrategy = "nested"
	MergeSelect MergeStrategy = "select"
)

// CoalesceSettings configures one registered coalesce point.
type CoalesceSettings struct {
	Name           string
	Branches       []string
	Policy         CoalescePolicy
	Merge          MergeStrategy
	QuorumCount    int
	TimeoutSeconds float64
	SelectBranch   string
}

// CoalesceOutcome is the result of CoalesceExecutor.Accept, CheckTimeouts,
// or FlushPending: either the token is held awaiting more branches, or a
// merge (successful or failed) occurred.
type CoalesceOutcome struct {
	Held           bool
	MergedToken    *audit.Token
	ConsumedTokens []*audit.Token
	Metadata       map[string]any
	FailureReason  string
}

// TokenCoalescer is the subset of *token.Manager the coalesce executor
// depends on.
type TokenCoalescer interface {
	CoalesceTokens(ctx context.Context, parents []*audit.Token, mergedRowID string, stepIndex int) (*audit.Token, error)
}

// CoalesceRecorder is the subset of *audit.Store the coalesce executor
// writes through.
type CoalesceRecorder interface {
	CreateRow(ctx context.Context, runID, sourceNodeID, payloadHash string) (*audit.Row, error)
	BeginNodeState(ctx context.Context, runID, nodeID, tokenID, inputHash string, stepIndex, attempt int) (*audit.NodeState, error)
	CompleteNodeState(ctx context.Context, nodeStateID string, status audit.NodeStateStatus, outputHash string) error
	RecordTokenOutcome(ctx context.Context, runID, tokenID, nodeID string, outcome audit.TokenOutcomeKind, detail string) (*audit.TokenOutcome, error)
}

type arrivedToken struct {
	token *audit.Token
	row   plugin.Row
}

type pendingCoalesce struct {
	arrived      map[string]arrivedToken
	arrivalOrder []string
	firstArrival time.Time
}

// CoalesceExecutor is a stateful barrier keyed by (coalesce name, row
// id): it holds tokens arriving from parallel fork branches until their
// registered policy is satisfied, then merges them into one token via
// TokenCoalescer and records the consumed tokens' disposition.
type CoalesceExecutor struct {
	recorder  CoalesceRecorder
	tokens    TokenCoalescer
	runID     string
	stepIndex map[string]int // nodeID -> topological step index

	mu       sync.Mutex
	settings map[string]CoalesceSettings
	nodeIDs  map[string]string
	pending  map[pendingKey]*pendingCoalesce
}

type pendingKey struct {
	coalesceName string
	rowID        string
}

// NewCoalesceExecutor returns an executor scoped to one run. stepIndex
// resolves a coalesce node id to its position in the pipeline's
// topological order.
func NewCoalesceExecutor(recorder CoalesceRecorder, tokens TokenCoalescer, runID string, stepIndex map[string]int) *CoalesceExecutor {
	return &CoalesceExecutor{
		recorder:  recorder,
		tokens:    tokens,
		runID:     runID,
		stepIndex: stepIndex,
		settings:  make(map[string]CoalesceSettings),
		nodeIDs:   make(map[string]string),
		pending:   make(map[pendingKey]*pendingCoalesce),
	}
}

// RegisterCoalesce registers a coalesce point under settings.Name.
func (e *CoalesceExecutor) RegisterCoalesce(settings CoalesceSettings, nodeID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.settings[settings.Name] = settings
	e.nodeIDs[settings.Name] = nodeID
}

// Accept registers the arrival of token on branchName at coalesceName. If
// the registered policy is now satisfied, the arrived tokens are merged
// and the merged token is returned; otherwise the token is held.
func (e *CoalesceExecutor) Accept(ctx context.Context, token *audit.Token, branchName, coalesceName, rowID string, row plugin.Row) (CoalesceOutcome, error) {
	e.mu.Lock()
	settings, ok := e.settings[coalesceName]
	if !ok {
		e.mu.Unlock()

		return CoalesceOutcome{}, fmt.Errorf("exec: coalesce %q not registered", coalesceName)
	}

	if !containsString(settings.Branches, branchName) {
		e.mu.Unlock()

		return CoalesceOutcome{}, fmt.Errorf("exec: branch %q not expected for coalesce %q", branchName, coalesceName)
	}

	key := pendingKey{coalesceName: coalesceName, rowID: rowID}

	entry, ok := e.pending[key]
	if !ok {
		entry = &pendingCoalesce{arrived: make(map[string]arrivedToken), firstArrival: time.Now()}
		e.pending[key] = entry
	}

	entry.arrived[branchName] = arrivedToken{token: token, row: row}
	entry.arrivalOrder = append(entry.arrivalOrder, branchName)

	if !shouldMerge(settings, entry) {
		e.mu.Unlock()

		return CoalesceOutcome{Held: true}, nil
	}

	delete(e.pending, key)
	e.mu.Unlock()

	return e.executeMerge(ctx, settings, entry)
}

func shouldMerge(settings CoalesceSettings, entry *pendingCoalesce) bool {
	arrived := len(entry.arrived)
	expected := len(settings.Branches)

	switch settings.Policy {
	case CoalesceRequireAll:
		return arrived == expected
	case CoalesceFirst:
		return arrived >= 1
	case CoalesceQuorum:
		return arrived >= settings.QuorumCount
	default: // best_effort: only merges here if everyone has arrived; timeout handles the rest
		return arrived == expected
	}
}

// executeMerge merges entry's arrived branches according to settings,
// mints the merged token, and records each consumed token's disposition.
// Callers must have already removed entry from e.pending.
func (e *CoalesceExecutor) executeMerge(ctx context.Context, settings CoalesceSettings, entry *pendingCoalesce) (CoalesceOutcome, error) {
	mergedRow := mergeRows(settings, entry)

	hash, err := canonical.StableHash(mergedRow)
	if err != nil {
		return CoalesceOutcome{}, fmt.Errorf("exec: hash merged row for coalesce %q: %w", settings.Name, err)
	}

	nodeID := e.nodeID(settings.Name)

	mergedAuditRow, err := e.recorder.CreateRow(ctx, e.runID, nodeID, hash)
	if err != nil {
		return CoalesceOutcome{}, fmt.Errorf("exec: create merged row for coalesce %q: %w", settings.Name, err)
	}

	consumed := make([]*audit.Token, 0, len(entry.arrived))
	for _, branch := range settings.Branches {
		if a, ok := entry.arrived[branch]; ok {
			consumed = append(consumed, a.token)
		}
	}

	merged, err := e.tokens.CoalesceTokens(ctx, consumed, mergedAuditRow.ID, e.stepIndex[nodeID])
	if err != nil {
		return CoalesceOutcome{}, fmt.Errorf("exec: coalesce tokens for %q: %w", settings.Name, err)
	}

	for _, consumedToken := range consumed {
		if err := e.recordConsumedToken(ctx, consumedToken, nodeID, merged.ID, hash); err != nil {
			return CoalesceOutcome{}, err
		}
	}

	return CoalesceOutcome{
		Held:           false,
		MergedToken:    merged,
		ConsumedTokens: consumed,
		Metadata:       coalesceMetadata(settings, entry),
	}, nil
}

func (e *CoalesceExecutor) recordConsumedToken(ctx context.Context, consumedToken *audit.Token, nodeID, mergedTokenID, mergedHash string) error {
	state, err := e.recorder.BeginNodeState(ctx, e.runID, nodeID, consumedToken.ID, "", e.stepIndex[nodeID], 1)
	if err != nil {
		return fmt.Errorf("exec: begin node state for consumed token %s: %w", consumedToken.ID, err)
	}

	if err := e.recorder.CompleteNodeState(ctx, state.ID, audit.NodeStateCompleted, mergedHash); err != nil {
		return fmt.Errorf("exec: complete node state for consumed token %s: %w", consumedToken.ID, err)
	}

	detail := fmt.Sprintf(`{"merged_into":%q}`, mergedTokenID)
	if _, err := e.recorder.RecordTokenOutcome(ctx, e.runID, consumedToken.ID, nodeID, audit.TokenOutcomeCoalesced, detail); err != nil {
		return fmt.Errorf("exec: record coalesced outcome for token %s: %w", consumedToken.ID, err)
	}

	return nil
}

func mergeRows(settings CoalesceSettings, entry *pendingCoalesce) plugin.Row {
	switch settings.Merge {
	case MergeNested:
		merged := plugin.Row{}
		for _, branch := range settings.Branches {
			if a, ok := entry.arrived[branch]; ok {
				merged[branch] = a.row
			}
		}

		return merged
	case MergeSelect:
		if a, ok := entry.arrived[settings.SelectBranch]; ok {
			return copyRow(a.row)
		}
		// Fall back to whatever arrived first when the selected branch
		// never showed up (best_effort/quorum merges can reach here).
		for _, branch := range entry.arrivalOrder {
			return copyRow(entry.arrived[branch].row)
		}

		return plugin.Row{}
	default: // union: later branches in declared order override earlier ones
		merged := plugin.Row{}
		for _, branch := range settings.Branches {
			if a, ok := entry.arrived[branch]; ok {
				for k, v := range a.row {
					merged[k] = v
				}
			}
		}

		return merged
	}
}

func copyRow(row plugin.Row) plugin.Row {
	out := make(plugin.Row, len(row))
	for k, v := range row {
		out[k] = v
	}

	return out
}

func coalesceMetadata(settings CoalesceSettings, entry *pendingCoalesce) map[string]any {
	arrivalOrder := make([]map[string]any, 0, len(entry.arrivalOrder))
	for _, branch := range entry.arrivalOrder {
		arrivalOrder = append(arrivalOrder, map[string]any{"branch": branch})
	}

	return map[string]any{
		"policy":            string(settings.Policy),
		"merge_strategy":    string(settings.Merge),
		"expected_branches": settings.Branches,
		"branches_arrived":  entry.arrivalOrder,
		"arrival_order":     arrivalOrder,
		"wait_duration_ms":  float64(time.Since(entry.firstArrival).Milliseconds()),
	}
}

// CheckTimeouts merges any pending entries for coalesceName that have
// exceeded their configured timeout: best_effort merges whatever
// arrived, quorum merges if the quorum count has been met.
func (e *CoalesceExecutor) CheckTimeouts(ctx context.Context, coalesceName string) ([]CoalesceOutcome, error) {
	e.mu.Lock()
	settings, ok := e.settings[coalesceName]
	if !ok {
		e.mu.Unlock()

		return nil, fmt.Errorf("exec: coalesce %q not registered", coalesceName)
	}

	if settings.TimeoutSeconds <= 0 {
		e.mu.Unlock()

		return nil, nil
	}

	var due []*pendingCoalesce
	now := time.Now()

	for key, entry := range e.pending {
		if key.coalesceName != coalesceName {
			continue
		}

		if now.Sub(entry.firstArrival).Seconds() >= settings.TimeoutSeconds {
			due = append(due, entry)
			delete(e.pending, key)
		}
	}
	e.mu.Unlock()

	var outcomes []CoalesceOutcome

	for _, entry := range due {
		mergeable := settings.Policy == CoalesceBestEffort && len(entry.arrived) > 0
		mergeable = mergeable || (settings.Policy == CoalesceQuorum && len(entry.arrived) >= settings.QuorumCount)

		if !mergeable {
			continue
		}

		outcome, err := e.executeMerge(ctx, settings, entry)
		if err != nil {
			return outcomes, err
		}

		outcomes = append(outcomes, outcome)
	}

	return outcomes, nil
}

// FlushPending drains every pending coalesce at end-of-run: best_effort
// merges whatever arrived, quorum merges if met (else records failure),
// require_all always records failure rather than partially merging, and
// first should never have anything pending.
func (e *CoalesceExecutor) FlushPending(ctx context.Context) ([]CoalesceOutcome, error) {
	e.mu.Lock()
	keys := make([]pendingKey, 0, len(e.pending))
	for key := range e.pending {
		keys = append(keys, key)
	}
	e.mu.Unlock()

	var outcomes []CoalesceOutcome

	for _, key := range keys {
		e.mu.Lock()
		entry, ok := e.pending[key]
		if ok {
			delete(e.pending, key)
		}
		settings := e.settings[key.coalesceName]
		e.mu.Unlock()

		if !ok {
			continue
		}

		switch settings.Policy {
		case CoalesceBestEffort:
			if len(entry.arrived) == 0 {
				continue
			}

			outcome, err := e.executeMerge(ctx, settings, entry)
			if err != nil {
				return outcomes, err
			}

			outcomes = append(outcomes, outcome)
		case CoalesceQuorum:
			if len(entry.arrived) >= settings.QuorumCount {
				outcome, err := e.executeMerge(ctx, settings, entry)
				if err != nil {
					return outcomes, err
				}

				outcomes = append(outcomes, outcome)

				continue
			}

			outcomes = append(outcomes, CoalesceOutcome{
				FailureReason: "quorum_not_met",
				Metadata: map[string]any{
					"policy":           string(settings.Policy),
					"quorum_required":  settings.QuorumCount,
					"branches_arrived": entry.arrivalOrder,
				},
			})
		case CoalesceRequireAll:
			outcomes = append(outcomes, CoalesceOutcome{
				FailureReason: "incomplete_branches",
				Metadata: map[string]any{
					"policy":            string(settings.Policy),
					"expected_branches": settings.Branches,
					"branches_arrived":  entry.arrivalOrder,
				},
			})
		}
	}

	return outcomes, nil
}

func (e *CoalesceExecutor) nodeID(coalesceName string) string {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.nodeIDs[coalesceName]
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}

	return false
}
