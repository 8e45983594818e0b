// Package telemetry provides a synchronous event bus with re-entrance
// protection and pluggable telemetry exporters. It unifies what the
// source pipeline split across two overlapping types (a generic event
// bus and a telemetry-specific manager) into one Bus: ordinary
// subscribers and exporters both receive every Emit through the same
// depth-guarded dispatch loop.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Event is the one shape every telemetry occurrence takes. Type
// discriminates what happened ("run.started", "node.failed", ...);
// Fields carries whatever detail that event kind defines. Using one
// concrete struct rather than reflect-dispatched arbitrary types keeps
// Subscribe/Emit statically typed at the Bus boundary.
type Event struct {
	Type      string
	Timestamp time.Time
	RunID     string
	Fields    map[string]any
}

// Handler receives events Subscribe registered it for. ctx carries the
// re-entrance depth counter — a handler that calls Bus.Emit must pass
// this ctx through, not a fresh context.Background(), or the depth cap
// never engages.
type Handler func(ctx context.Context, event Event)

// Exporter streams events to an external telemetry sink. Export, Flush,
// and Close must never panic outward — the Bus recovers defensively,
// but a well-behaved Exporter should report failure via its error
// return, not a panic.
type Exporter interface {
	Name() string
	Export(ctx context.Context, event Event) error
	Flush(ctx context.Context) error
	Close(ctx context.Context) error
}

type depthKey struct{}

func depthFrom(ctx context.Context) int {
	if d, ok := ctx.Value(depthKey{}).(int); ok {
		return d
	}

	return 0
}

func withDepth(ctx context.Context, d int) context.Context {
	return context.WithValue(ctx, depthKey{}, d)
}

// heldKey carries the set of exporterStates whose exportMu the current
// call chain already holds one frame up the stack. A same-goroutine
// re-entrant call into the same exporter (triggered from within that
// exporter's own Export/Flush) must skip locking exportMu again — a
// plain sync.Mutex is not reentrant, so locking it twice on one
// goroutine deadlocks. A call arriving on a different goroutine never
// sees its own exporterState in this set and blocks on exportMu as it
// should.
type heldKey struct{}

func heldSet(ctx context.Context) map[*exporterState]struct{} {
	if s, ok := ctx.Value(heldKey{}).(map[*exporterState]struct{}); ok {
		return s
	}

	return nil
}

func withHeld(ctx context.Context, es *exporterState) context.Context {
	prev := heldSet(ctx)
	next := make(map[*exporterState]struct{}, len(prev)+1)

	for k := range prev {
		next[k] = struct{}{}
	}

	next[es] = struct{}{}

	return context.WithValue(ctx, heldKey{}, next)
}

const (
	defaultMaxDepth            = 50
	defaultBatchSize           = 20
	defaultMaxExporterFailures = 5
	defaultMaxTotalFailures    = 3
)

// Config tunes a Bus's dispatch limits. Zero values fall back to
// sensible defaults.
type Config struct {
	MaxDepth            int // caps re-entrant Emit recursion
	BatchSize           int // exporter auto-flush threshold
	MaxExporterFailures int // consecutive failures before one exporter is isolated
	MaxTotalFailures    int // consecutive rounds where every active exporter failed before the whole Bus disables
}

type exporterState struct {
	exporter            Exporter
	mu                  sync.Mutex
	pending             int
	consecutiveFailures int
	isolated            bool

	// exportMu serializes concurrent calls into exporter from distinct
	// goroutines, without serializing a re-entrant call from the same
	// logical chain (see heldKey) — that case must not block, since the
	// chain already holds this exact lock one frame up the stack.
	exportMu sync.Mutex
}

func (es *exporterState) isIsolated() bool {
	es.mu.Lock()
	defer es.mu.Unlock()

	return es.isolated
}

// Bus dispatches Events to subscribed Handlers and registered Exporters.
// Both share one depth-guarded Emit path, so a handler or exporter that
// emits while being dispatched to is bounded the same way.
type Bus struct {
	mu        sync.Mutex
	handlers  map[string][]Handler
	wildcard  []Handler // subscribed with eventType ""; receive every event
	exporters []*exporterState

	maxDepth            int
	batchSize           int
	maxExporterFailures int
	maxTotalFailures    int

	stateMu                  sync.Mutex
	consecutiveTotalFailures int
	disabled                 bool
}

// NewBus returns a Bus configured by cfg.
func NewBus(cfg Config) *Bus {
	b := &Bus{
		handlers:            make(map[string][]Handler),
		maxDepth:            cfg.MaxDepth,
		batchSize:           cfg.BatchSize,
		maxExporterFailures: cfg.MaxExporterFailures,
		maxTotalFailures:    cfg.MaxTotalFailures,
	}

	if b.maxDepth <= 0 {
		b.maxDepth = defaultMaxDepth
	}

	if b.batchSize <= 0 {
		b.batchSize = defaultBatchSize
	}

	if b.maxExporterFailures <= 0 {
		b.maxExporterFailures = defaultMaxExporterFailures
	}

	if b.maxTotalFailures <= 0 {
		b.maxTotalFailures = defaultMaxTotalFailures
	}

	return b
}

// Subscribe registers h for events of eventType, or for every event
// when eventType is "".
func (b *Bus) Subscribe(eventType string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if eventType == "" {
		b.wildcard = append(b.wildcard, h)
		return
	}

	b.handlers[eventType] = append(b.handlers[eventType], h)
}

// RegisterExporter attaches exp to the Bus. Every subsequent Emit offers
// exp the event, subject to the batching/isolation/disablement rules.
func (b *Bus) RegisterExporter(exp Exporter) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.exporters = append(b.exporters, &exporterState{exporter: exp})
}

func (b *Bus) handlersFor(eventType string) []Handler {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Handler, 0, len(b.wildcard)+len(b.handlers[eventType]))
	out = append(out, b.wildcard...)
	out = append(out, b.handlers[eventType]...)

	return out
}

func (b *Bus) snapshotExporters() []*exporterState {
	b.mu.Lock()
	defer b.mu.Unlock()

	return append([]*exporterState(nil), b.exporters...)
}

func (b *Bus) isDisabled() bool {
	b.stateMu.Lock()
	defer b.stateMu.Unlock()

	return b.disabled
}

// Emit dispatches event to every matching Handler, then to every active
// Exporter, in that order. A handler or exporter may itself call Emit
// (re-entrance) as long as it threads ctx through — depth then grows by
// one per level and Emit silently drops the event once maxDepth is
// reached, rather than recursing indefinitely.
func (b *Bus) Emit(ctx context.Context, event Event) {
	if b.isDisabled() {
		return
	}

	depth := depthFrom(ctx)
	if depth >= b.maxDepth {
		slog.Warn("telemetry: dropping event past max re-entrance depth", "type", event.Type, "depth", depth)
		return
	}

	nextCtx := withDepth(ctx, depth+1)

	for _, h := range b.handlersFor(event.Type) {
		b.safeHandle(h, nextCtx, event)
	}

	states := b.snapshotExporters()

	active, success := 0, 0

	for _, es := range states {
		if es.isIsolated() {
			continue
		}

		active++

		if b.tryExport(nextCtx, es, event) {
			success++
		}
	}

	if len(states) > 0 {
		b.recordRound(active, success)
	}
}

func (b *Bus) safeHandle(h Handler, ctx context.Context, event Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("telemetry: handler panicked", "recovered", r, "type", event.Type)
		}
	}()

	h(ctx, event)
}

// tryExport calls es's Export, updates its failure/isolation state, and
// auto-flushes once its pending count crosses the batch threshold. It
// never holds es.mu while calling into exporter code, so a re-entrant
// Emit triggered from within Export or Flush never deadlocks against
// this same exporter's state.
//
// Export itself is additionally guarded by es.exportMu so two distinct
// goroutines never call the same exporter's Export concurrently — but a
// re-entrant call already on this chain (ctx already carries es in its
// heldSet) skips that lock rather than deadlocking against itself.
func (b *Bus) tryExport(ctx context.Context, es *exporterState, event Event) bool {
	_, alreadyHeld := heldSet(ctx)[es]

	var ok bool

	if alreadyHeld {
		ok = safeCall(func() error { return es.exporter.Export(ctx, event) })
	} else {
		es.exportMu.Lock()
		exportCtx := withHeld(ctx, es)
		ok = safeCall(func() error { return es.exporter.Export(exportCtx, event) })
		es.exportMu.Unlock()
	}

	es.mu.Lock()
	var shouldFlush bool

	if ok {
		es.consecutiveFailures = 0
		es.pending++

		if es.pending >= b.batchSize {
			es.pending = 0
			shouldFlush = true
		}
	} else {
		es.consecutiveFailures++
		if es.consecutiveFailures >= b.maxExporterFailures {
			es.isolated = true
			slog.Warn("telemetry: isolating exporter after repeated failure", "exporter", es.exporter.Name())
		}
	}

	es.mu.Unlock()

	if shouldFlush {
		b.flushOne(ctx, es)
	}

	return ok
}

// flushOne calls es's Flush under the same exportMu discipline as
// tryExport: a fresh lock for a new call chain, skipped when this chain
// already holds it (e.g. Flush called from within an Export that in
// turn triggers a re-entrant Emit that auto-flushes).
func (b *Bus) flushOne(ctx context.Context, es *exporterState) {
	_, alreadyHeld := heldSet(ctx)[es]

	var ok bool

	if alreadyHeld {
		ok = safeCall(func() error { return es.exporter.Flush(ctx) })
	} else {
		es.exportMu.Lock()
		ok = safeCall(func() error { return es.exporter.Flush(withHeld(ctx, es)) })
		es.exportMu.Unlock()
	}

	if !ok {
		slog.Warn("telemetry: exporter flush failed", "exporter", es.exporter.Name())
	}
}

func (b *Bus) recordRound(active, success int) {
	b.stateMu.Lock()
	defer b.stateMu.Unlock()

	if active == 0 || success == 0 {
		b.consecutiveTotalFailures++
		if b.consecutiveTotalFailures >= b.maxTotalFailures {
			b.disabled = true
			slog.Error("telemetry: bus disabled after repeated total export failure")
		}

		return
	}

	b.consecutiveTotalFailures = 0
}

// Flush flushes every active exporter immediately, regardless of its
// batching threshold.
func (b *Bus) Flush(ctx context.Context) {
	for _, es := range b.snapshotExporters() {
		if es.isIsolated() {
			continue
		}

		b.flushOne(ctx, es)
	}
}

// Close flushes and closes every exporter, isolated or not, and
// permanently disables the Bus — Emit becomes a no-op after Close, same
// as after repeated total failure.
func (b *Bus) Close(ctx context.Context) {
	for _, es := range b.snapshotExporters() {
		if !safeCall(func() error { return es.exporter.Close(ctx) }) {
			slog.Warn("telemetry: exporter close failed", "exporter", es.exporter.Name())
		}
	}

	b.stateMu.Lock()
	b.disabled = true
	b.stateMu.Unlock()
}

func safeCall(fn func() error) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("telemetry: exporter panicked", "recovered", r)
			ok = false
		}
	}()

	return fn() == nil
}
