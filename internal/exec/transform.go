package exec

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/auditpipe/auditpipe/internal/audit"
	"github.com/auditpipe/auditpipe/internal/canonical"
	"github.com/auditpipe/auditpipe/internal/plugin"
	"github.com/auditpipe/auditpipe/internal/rrb"
)

// RetryPolicy governs how a transform re-attempts a retryable error.
// Delay grows exponentially from InitialDelay, capped at MaxDelay, with
// a small jitter so a burst of retries doesn't re-collide in lockstep.
type RetryPolicy struct {
	MaxAttempts     int
	InitialDelay    time.Duration
	MaxDelay        time.Duration
	ExponentialBase float64
}

func (p RetryPolicy) delayFor(attempt int) time.Duration {
	base := p.ExponentialBase
	if base <= 1 {
		base = 2
	}

	delay := float64(p.InitialDelay) * pow(base, attempt-1)
	if max := float64(p.MaxDelay); max > 0 && delay > max {
		delay = max
	}

	jitter := 1 + (rand.Float64()-0.5)*0.2 // +/-10%

	return time.Duration(delay * jitter)
}

func pow(base float64, exp int) float64 {
	result := 1.0
	for i := 0; i < exp; i++ {
		result *= base
	}

	return result
}

// PoolConfig sizes a pooled transform's capacity governor: a bounded
// worker pool plus an AIMD dispatch delay that backs off on
// capacity-class errors and recovers additively on success.
type PoolConfig struct {
	Size              int
	MinDispatchDelay  time.Duration
	MaxDispatchDelay  time.Duration
	BackoffMultiplier float64
	RecoveryStep      time.Duration
	MaxCapacityRetry  time.Duration
}

// ErrCapacityRetryTimeout is the reason recorded when a pooled
// transform's AIMD backoff never recovered within MaxCapacityRetry.
var ErrCapacityRetryTimeout = errors.New("exec: capacity retry window exhausted")

// capacityGovernor is the pooled-transform analogue of the teacher's
// per-plugin token bucket: a bounded semaphore gates concurrency, and a
// golang.org/x/time/rate limiter paces dispatch, its rate adjusted
// multiplicatively down on capacity errors and additively back up on
// success (AIMD). Unlike a rate limiter's per-key map, one governor is
// scoped to a single transform node for its entire lifetime, so there is
// no idle-entry cleanup to run.
type capacityGovernor struct {
	sem     *semaphore.Weighted
	limiter *rate.Limiter
	cfg     PoolConfig

	mu    sync.Mutex
	delay time.Duration
}

func newCapacityGovernor(cfg PoolConfig) *capacityGovernor {
	delay := cfg.MinDispatchDelay

	return &capacityGovernor{
		sem:     semaphore.NewWeighted(int64(cfg.Size)),
		limiter: rate.NewLimiter(limitFor(delay), 1),
		cfg:     cfg,
		delay:   delay,
	}
}

func limitFor(delay time.Duration) rate.Limit {
	if delay <= 0 {
		return rate.Inf
	}

	return rate.Every(delay)
}

// acquire must be called from inside the worker handling one row, never
// from the submitting goroutine — otherwise a pool of size k handling
// n > k rows deadlocks once workers start releasing permits to back off.
func (g *capacityGovernor) acquire(ctx context.Context) error {
	return g.sem.Acquire(ctx, 1)
}

func (g *capacityGovernor) release() {
	g.sem.Release(1)
}

// wait blocks for the current dispatch delay. Called before acquire, so
// the semaphore is never held while a backoff sleep is in progress.
func (g *capacityGovernor) wait(ctx context.Context) error {
	return g.limiter.Wait(ctx)
}

// onCapacityError grows the dispatch delay multiplicatively, narrowing
// the limiter's rate accordingly.
func (g *capacityGovernor) onCapacityError() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.delay = time.Duration(float64(g.delay) * g.cfg.BackoffMultiplier)
	if g.delay > g.cfg.MaxDispatchDelay {
		g.delay = g.cfg.MaxDispatchDelay
	}

	g.limiter.SetLimit(limitFor(g.delay))
}

// onSuccess recovers the dispatch delay additively toward the floor.
func (g *capacityGovernor) onSuccess() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.delay -= g.cfg.RecoveryStep
	if g.delay < g.cfg.MinDispatchDelay {
		g.delay = g.cfg.MinDispatchDelay
	}

	g.limiter.SetLimit(limitFor(g.delay))
}

// TransformRecorder is the subset of *audit.Store the transform
// executor writes through.
type TransformRecorder interface {
	BeginNodeState(ctx context.Context, runID, nodeID, tokenID, inputHash string, stepIndex, attempt int) (*audit.NodeState, error)
	CompleteNodeState(ctx context.Context, nodeStateID string, status audit.NodeStateStatus, outputHash string) error
	RecordCall(ctx context.Context, runID, nodeStateID string, attempt int, outcome audit.CallOutcome, attrs audit.CallAttributes, errMsg string, startedAt time.Time, finishedAt *time.Time) (*audit.Call, error)
	RecordTokenOutcome(ctx context.Context, runID, tokenID, nodeID string, outcome audit.TokenOutcomeKind, detail string) (*audit.TokenOutcome, error)
}

// TransformOutcome is what a transform's processor hands back to an
// rrb.OutputPort: the successor row when Accepted, otherwise a token
// that has already been recorded as terminally errored.
type TransformOutcome struct {
	Row      plugin.Row
	Accepted bool
}

// TransformExecutor drives one plugin.Transform for one run and node.
// Every attempt opens its own node_state — so a retry naturally carries
// a fresh state id for RRB submission tracking — records exactly one
// Call row for that attempt, and closes the state COMPLETED or FAILED.
// A non-pooled executor has capacity == nil and treats capacity-class
// errors as ordinary retryable errors.
type TransformExecutor struct {
	recorder  TransformRecorder
	runID     string
	nodeID    string
	stepIndex int
	retry     RetryPolicy
	capacity  *capacityGovernor
}

// NewTransformExecutor returns an executor scoped to one run and node.
// stepIndex is the node's position in the pipeline's topological order,
// stamped onto every node_state this executor opens. pool may be nil
// for a transform that does not opt into pooled/AIMD capacity
// governance.
func NewTransformExecutor(recorder TransformRecorder, runID, nodeID string, stepIndex int, retry RetryPolicy, pool *PoolConfig) *TransformExecutor {
	e := &TransformExecutor{recorder: recorder, runID: runID, nodeID: nodeID, stepIndex: stepIndex, retry: retry}
	if pool != nil {
		e.capacity = newCapacityGovernor(*pool)
	}

	return e
}

// Execute invokes t against row, retrying per policy on retryable
// errors and, for a pooled executor, governing capacity-class errors
// with AIMD backoff. ok is true only when the transform ultimately
// succeeded; a false ok with a nil error means the token was recorded
// as terminally errored and the caller should stop routing it forward.
// A non-nil error reports a hashing, recorder or context failure; plugin
// panics are re-raised here as a panic, never converted to an error.
func (e *TransformExecutor) Execute(ctx context.Context, t plugin.Transform, token *audit.Token, row plugin.Row, pctx plugin.PluginContext) (plugin.Row, bool, error) {
	var capacityDeadline time.Time
	if e.capacity != nil {
		capacityDeadline = time.Now().Add(e.capacity.cfg.MaxCapacityRetry)
	}

	inputHash, err := canonical.StableHash(map[string]any(row))
	if err != nil {
		return nil, false, fmt.Errorf("exec: hash transform input: %w", err)
	}

	callType := fmt.Sprintf("%T", t)

	for attempt := 1; ; attempt++ {
		state, err := e.recorder.BeginNodeState(ctx, e.runID, e.nodeID, token.ID, inputHash, e.stepIndex, attempt)
		if err != nil {
			return nil, false, fmt.Errorf("exec: begin transform node state: %w", err)
		}

		pctx.StateID = state.ID
		pctx.Attempt = attempt

		if e.capacity != nil {
			if err := e.capacity.wait(ctx); err != nil {
				_ = e.recorder.CompleteNodeState(ctx, state.ID, audit.NodeStateFailed, "")

				return nil, false, fmt.Errorf("exec: wait for dispatch pacing: %w", err)
			}

			if err := e.capacity.acquire(ctx); err != nil {
				_ = e.recorder.CompleteNodeState(ctx, state.ID, audit.NodeStateFailed, "")

				return nil, false, fmt.Errorf("exec: acquire transform capacity: %w", err)
			}
		}

		started := time.Now()
		result, caught := invokeTransform(t, row, pctx)
		finished := time.Now()

		if e.capacity != nil {
			e.capacity.release()
		}

		attrs := audit.CallAttributes{Type: callType, RequestHash: inputHash}

		if caught != nil {
			_, _ = e.recorder.RecordCall(ctx, e.runID, state.ID, attempt, audit.CallOutcomePluginBug, attrs, caught.Error(), started, &finished)
			_ = e.recorder.CompleteNodeState(ctx, state.ID, audit.NodeStateFailed, "")

			panic(caught)
		}

		if result.Status == plugin.TransformStatusSuccess {
			outputHash, err := canonical.StableHash(map[string]any(result.Row))
			if err != nil {
				return nil, false, fmt.Errorf("exec: hash transform output: %w", err)
			}

			attrs.ResponseHash = outputHash

			_, _ = e.recorder.RecordCall(ctx, e.runID, state.ID, attempt, audit.CallOutcomeSuccess, attrs, "", started, &finished)

			if err := e.recorder.CompleteNodeState(ctx, state.ID, audit.NodeStateCompleted, outputHash); err != nil {
				return nil, false, fmt.Errorf("exec: complete transform node state: %w", err)
			}

			if e.capacity != nil {
				e.capacity.onSuccess()
			}

			return result.Row, true, nil
		}

		retryAfter, terminalReason, terminal, recordErr := e.handleFailure(ctx, state.ID, attempt, attrs, result, started, finished, capacityDeadline)
		if recordErr != nil {
			return nil, false, recordErr
		}

		if terminal {
			if err := e.terminalOutcome(ctx, token, result, terminalReason); err != nil {
				return nil, false, err
			}

			return nil, false, nil
		}

		select {
		case <-ctx.Done():
			return nil, false, ctx.Err()
		case <-time.After(retryAfter):
		}
	}
}

// handleFailure classifies one failed attempt, records its Call row and
// closes its node_state as FAILED. It returns the delay before the next
// attempt, a reason string overriding the plugin's own ErrorReason when
// the token became terminal for a reason the plugin never reported
// (namely an exhausted capacity-retry window), and whether the token's
// disposition is now terminal.
func (e *TransformExecutor) handleFailure(ctx context.Context, stateID string, attempt int, attrs audit.CallAttributes, result plugin.TransformResult, started, finished time.Time, capacityDeadline time.Time) (time.Duration, string, bool, error) {
	reason := reasonMessage(result.ErrorReason)

	if !result.Retryable {
		_, _ = e.recorder.RecordCall(ctx, e.runID, stateID, attempt, audit.CallOutcomeFatal, attrs, reason, started, &finished)
		_ = e.recorder.CompleteNodeState(ctx, stateID, audit.NodeStateFailed, "")

		return 0, "", true, nil
	}

	if e.capacity != nil && isCapacityError(result) {
		_, _ = e.recorder.RecordCall(ctx, e.runID, stateID, attempt, audit.CallOutcomeCapacityNo, attrs, reason, started, &finished)
		_ = e.recorder.CompleteNodeState(ctx, stateID, audit.NodeStateFailed, "")

		e.capacity.onCapacityError()

		if time.Now().After(capacityDeadline) {
			return 0, ErrCapacityRetryTimeout.Error(), true, nil
		}

		// The next attempt's dispatch pacing wait already enforces the
		// grown delay; no additional sleep here.
		return 0, "", false, nil
	}

	_, _ = e.recorder.RecordCall(ctx, e.runID, stateID, attempt, audit.CallOutcomeRetryable, attrs, reason, started, &finished)
	_ = e.recorder.CompleteNodeState(ctx, stateID, audit.NodeStateFailed, "")

	if attempt >= e.retry.MaxAttempts {
		return 0, "", true, nil
	}

	return e.retry.delayFor(attempt), "", false, nil
}

// terminalOutcome records a token's terminal ERRORED disposition once
// retries (ordinary or capacity) are exhausted, or a non-retryable
// error was returned. overrideReason, when non-empty, replaces the
// plugin's own ErrorReason — used for an exhausted capacity-retry
// window, which the plugin never reported itself.
func (e *TransformExecutor) terminalOutcome(ctx context.Context, token *audit.Token, result plugin.TransformResult, overrideReason string) error {
	var detail []byte

	if overrideReason != "" {
		detail = []byte(fmt.Sprintf(`{"reason":%q}`, overrideReason))
	} else {
		encoded, err := json.Marshal(result.ErrorReason)
		if err != nil {
			encoded = []byte(fmt.Sprintf(`{"reason":%q}`, reasonMessage(result.ErrorReason)))
		}

		detail = encoded
	}

	if _, err := e.recorder.RecordTokenOutcome(ctx, e.runID, token.ID, e.nodeID, audit.TokenOutcomeErrored, string(detail)); err != nil {
		return fmt.Errorf("exec: record errored token outcome: %w", err)
	}

	return nil
}

// invokeTransform runs t.Transform with panic recovery: an uncaught
// plugin exception becomes a non-nil ExceptionResult instead of a
// TransformResult, so Execute can record it and then re-panic rather
// than silently converting a plugin bug into a row-level error.
func invokeTransform(t plugin.Transform, row plugin.Row, pctx plugin.PluginContext) (result plugin.TransformResult, caught *plugin.ExceptionResult) {
	defer func() {
		if r := recover(); r != nil {
			caught = &plugin.ExceptionResult{Recovered: r, Stack: debug.Stack()}
		}
	}()

	result = t.Transform(row, pctx)

	return result, nil
}

// isCapacityError reports whether a retryable TransformResult names
// itself as a capacity-class (429/529) error. Plugins signal this by
// setting ErrorReason["class"] = "capacity"; anything else is treated
// as an ordinary retryable error even on a pooled executor.
func isCapacityError(result plugin.TransformResult) bool {
	class, _ := result.ErrorReason["class"].(string)

	return class == "capacity"
}

func reasonMessage(reason map[string]any) string {
	if reason == nil {
		return ""
	}

	if msg, ok := reason["message"].(string); ok {
		return msg
	}

	encoded, err := json.Marshal(reason)
	if err != nil {
		return fmt.Sprint(reason)
	}

	return string(encoded)
}

// AsProcessor adapts Execute into an rrb.Processor for a pooled
// transform's BatchRunner: the row and plugin context are fixed at
// submission time, and the BatchRunner's rowID/stateID (used only for
// FIFO bookkeeping) are ignored in favor of the fresh per-attempt
// node_state id Execute mints internally.
func (e *TransformExecutor) AsProcessor(t plugin.Transform, token *audit.Token, row plugin.Row, pctx plugin.PluginContext) rrb.Processor {
	return func(ctx context.Context, rowID, stateID string) (any, error) {
		outRow, ok, err := e.Execute(ctx, t, token, row, pctx)
		if err != nil {
			return nil, err
		}

		return TransformOutcome{Row: outRow, Accepted: ok}, nil
	}
}
