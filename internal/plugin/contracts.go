// Package plugin defines the narrow capability interfaces the
// orchestrator and executors depend on. Concrete sources, transforms,
// gates, aggregations, and sinks — CSV readers, LLM clients, database
// writers — live outside this module entirely; the core only ever sees
// these interfaces and the tagged-variant result types below.
package plugin

import (
	"context"
	"time"
)

// Row is one unit of data flowing through the pipeline, keyed by field
// name. The concrete shape is plugin-defined; the core never interprets
// field values, only hashes and routes them.
type Row map[string]any

// PluginContext is handed to every plugin invocation. It carries the
// token identity and state id the invocation is scoped to, so a plugin
// can thread them through to anything it submits to a RowReorderBuffer
// or SharedBatchAdapter without reaching back into orchestrator
// internals.
type PluginContext struct {
	Context     context.Context
	RunID       string
	TokenID     string
	StateID     string
	NodeID      string
	Attempt     int
	Branch      string
	Contract    func() Schema
	RateLimits  RateLimiter
	Concurrency ConcurrencyLimits
	Landscape   LandscapeRecorder
	Emit        TelemetryEmitFunc
}

// ConcurrencyLimits is the read-only view of a pooled transform's
// worker-count configuration a plugin may consult to size its own
// internal batching without reaching into internal/exec's capacity
// governor.
type ConcurrencyLimits struct {
	MaxWorkers int
}

// LandscapeRecorder is the narrow view of an external data-landscape
// system (dataset/job lineage, not this module's own audit trail) a
// plugin may report to. A nil LandscapeRecorder means no landscape
// integration is configured; plugins must treat that as "don't report",
// not as an error.
type LandscapeRecorder interface {
	RecordDataset(ctx context.Context, urn string, attributes map[string]any) error
}

// TelemetryEmitFunc is the narrow view of the telemetry bus a plugin
// needs: fire a named event with arbitrary fields, without seeing
// Subscribe, RegisterExporter, or the bus's re-entrance/isolation
// machinery. A nil TelemetryEmitFunc means no telemetry bus is wired;
// plugins must treat that as a no-op, not as an error.
type TelemetryEmitFunc func(ctx context.Context, eventType string, fields map[string]any)

// RateLimiter is the narrow view of the external-service rate-limit
// registry a plugin needs: wait for, or just probe, capacity under a
// named service's bucket. A plugin never sees the registry's
// construction, per-service configuration, or cleanup lifecycle — only
// this. A nil RateLimiter means the pipeline was run with rate limiting
// disabled; plugins must treat that as "unlimited", not as an error.
type RateLimiter interface {
	Allow(service string) bool
	Wait(ctx context.Context, service string) error
}

// Schema describes a node's declared field contract, independent of the
// graph package's internal representation — plugins never import
// internal/graph.
type Schema struct {
	Tier   SchemaTier
	Fields []FieldSchema
}

// SchemaTier enumerates how strictly a node's declared schema binds.
type SchemaTier string

const (
	SchemaFixed    SchemaTier = "fixed"
	SchemaFlexible SchemaTier = "flexible"
	SchemaObserved SchemaTier = "observed"
)

// FieldSchema describes one field of a Schema.
type FieldSchema struct {
	Name     string
	TypeSpec string
	Required bool
}

// Source reads external input and emits rows.
type Source interface {
	// Read streams rows to emit, calling emit once per record. Read
	// returns when the underlying input is exhausted or ctx is
	// cancelled.
	Read(ctx context.Context, emit func(Row) error) error
	OutputSchema() Schema
}

// Transform consumes one row and returns a TransformResult.
type Transform interface {
	Transform(row Row, pctx PluginContext) TransformResult
}

// Gate evaluates a row and returns a RoutingAction naming the
// destination label to resolve against the node's route table.
type Gate interface {
	Route(row Row, pctx PluginContext) RoutingAction
}

// Aggregation buffers accepted rows into batches and periodically emits
// merged results.
type Aggregation interface {
	Accept(row Row, pctx PluginContext) error
	// Flush is called when a trigger (count, duration, explicit
	// boundary) fires. It returns the rows to emit — exactly one for
	// output mode "transform", one per buffered input for "expand".
	Flush(pctx PluginContext) ([]Row, error)
}

// Sink writes a batch of rows to external storage and returns a
// descriptor of what was written.
type Sink interface {
	Write(rows []Row, pctx PluginContext) (ArtifactDescriptor, error)
}

// ArtifactDescriptor records what a Sink wrote: the SHA-256 of the
// canonical JSON payload computed before any I/O, so the hash proves
// intent even if storage transforms the data afterward (auto-increment
// ids, timestamps, type coercion).
type ArtifactDescriptor struct {
	SinkName    string
	PayloadHash string
	RowCount    int
	WrittenAt   time.Time
	Detail      map[string]any
}

// TransformResultStatus enumerates the tag of a TransformResult.
type TransformResultStatus string

const (
	TransformStatusSuccess TransformResultStatus = "success"
	TransformStatusError   TransformResultStatus = "error"
)

// TransformResult is the tagged variant a Transform returns. Exactly
// one of the Success or Error branches is populated, selected by
// Status.
type TransformResult struct {
	Status        TransformResultStatus
	Row           Row
	SuccessReason map[string]any
	ErrorReason   map[string]any
	Retryable     bool
}

// Success builds a successful TransformResult.
func Success(row Row, reason map[string]any) TransformResult {
	return TransformResult{Status: TransformStatusSuccess, Row: row, SuccessReason: reason}
}

// Error builds a failed TransformResult. A retryable error is re-driven
// by the executor's retry policy; a non-retryable one terminates the
// token at this node.
func Error(reason map[string]any, retryable bool) TransformResult {
	return TransformResult{Status: TransformStatusError, ErrorReason: reason, Retryable: retryable}
}

// ExceptionResult wraps an uncaught panic recovered from a plugin call.
// It is never silently converted to a TransformResult — the executor
// re-raises it (via panic) in the orchestrator's goroutine, because a
// plugin bug must crash the run, not be absorbed as a row-level error.
type ExceptionResult struct {
	Recovered any
	Stack     []byte
}

func (e ExceptionResult) Error() string {
	return "plugin: uncaught exception, see Stack for the originating trace"
}

// RoutingActionKind enumerates what a gate or transform did with a
// token at a node.
type RoutingActionKind string

const (
	RoutingForward RoutingActionKind = "forward"
	RoutingDrop    RoutingActionKind = "drop"
	RoutingFork    RoutingActionKind = "fork"
)

// RoutingAction is what a Gate or a transform's implicit routing
// produced: a label to resolve against the node's route table (for
// config gates), or a destination kind directly (for plugin gates).
type RoutingAction struct {
	Kind    RoutingActionKind
	Label   string
	Targets []string
}

// RouteDestinationKind enumerates where a resolved label sends a token.
type RouteDestinationKind string

const (
	DestinationContinue       RouteDestinationKind = "continue"
	DestinationSink           RouteDestinationKind = "sink"
	DestinationProcessingNode RouteDestinationKind = "processing_node"
	DestinationFork           RouteDestinationKind = "fork"
)

// RouteDestination is the resolved target of a routing label.
type RouteDestination struct {
	Kind     RouteDestinationKind
	NodeID   string
	Branches []string
}
