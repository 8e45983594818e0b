// Package main provides the auditpipe pipeline runner: it loads a
// declarative pipeline definition, wires it against the registered
// plugins, drives one run to completion through internal/orchestrator,
// and streams the resulting audit trail out as a signed export
// document.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/auditpipe/auditpipe/internal/audit"
	"github.com/auditpipe/auditpipe/internal/config"
	"github.com/auditpipe/auditpipe/internal/exec"
	"github.com/auditpipe/auditpipe/internal/export"
	"github.com/auditpipe/auditpipe/internal/orchestrator"
	"github.com/auditpipe/auditpipe/internal/payload"
	"github.com/auditpipe/auditpipe/internal/plugin"
	"github.com/auditpipe/auditpipe/internal/ratelimit"
	"github.com/auditpipe/auditpipe/internal/telemetry"
)

const (
	version = "1.0.0-dev"
	name    = "auditpipe"
)

func main() {
	var (
		showVersion  = flag.Bool("version", false, "show version information")
		pipelinePath = flag.String("pipeline", config.GetEnvStr("PIPELINE_CONFIG_PATH", "./pipeline.yaml"), "path to the pipeline definition file")
		exportPath   = flag.String("export", config.GetEnvStr("AUDIT_EXPORT_PATH", ""), "path to write the signed audit export to (default: stdout)")
	)

	flag.Parse()

	if *showVersion {
		log.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
	}))

	logger.Info("starting auditpipe run",
		slog.String("service", name),
		slog.String("version", version),
		slog.String("pipeline", *pipelinePath),
	)

	if err := run(*pipelinePath, *exportPath, logger); err != nil {
		logger.Error("run failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("auditpipe run completed")
}

func run(pipelinePath, exportPath string, logger *slog.Logger) error {
	ctx := context.Background()

	pipelineCfg, err := config.LoadPipelineConfig(pipelinePath)
	if err != nil {
		return err
	}

	auditCfg, err := audit.LoadConfig()
	if err != nil {
		return err
	}

	conn, err := audit.Open(ctx, auditCfg, logger)
	if err != nil {
		return err
	}
	defer conn.Close()

	store := audit.NewStore(conn, logger)

	payloadStore, err := buildPayloadStore(pipelineCfg.PayloadStore, logger)
	if err != nil {
		return err
	}

	// payloads is only assigned when payloadStore is non-nil: handing a
	// nil *payload.Store straight to an exec.PayloadStore-typed field
	// would produce a non-nil interface wrapping a nil pointer, defeating
	// any nil check downstream (same pitfall as checkpointSinkOrNil).
	var payloads exec.PayloadStore

	if payloadStore != nil {
		defer payloadStore.Close()

		payloads = payloadStore
	}

	bus := telemetry.NewBus(telemetry.Config{
		MaxDepth:            8,
		BatchSize:           50,
		MaxExporterFailures: 5,
		MaxTotalFailures:    10,
	})
	defer bus.Close(ctx)

	limiter := buildRateLimiter(pipelineCfg.RateLimit)
	if limiter != nil {
		defer limiter.Close()
	}

	checkpointSink, err := buildCheckpointSink(pipelineCfg.Checkpoint)
	if err != nil {
		return err
	}

	if checkpointSink != nil {
		defer checkpointSink.Close()
	}

	landscape, err := buildLandscapeRecorder(pipelineCfg.Landscape)
	if err != nil {
		return err
	}

	if landscape != nil {
		defer landscape.Close()
	}

	checkpoints := orchestrator.NewCheckpointTracker(checkpointPolicy(pipelineCfg.Checkpoint), checkpointSinkOrNil(checkpointSink))

	registry := NewPluginRegistry()

	pipeline, err := buildPipeline(pipelineCfg, registry, payloads)
	if err != nil {
		return err
	}

	runConfig := map[string]any{
		"concurrency_max_workers": pipelineCfg.Concurrency.MaxWorkers,
		"rate_limit_enabled":      pipelineCfg.RateLimit.Enabled,
	}

	// rateLimits is only assigned when limiter is non-nil, for the same
	// nil-interface-wrapping-nil-pointer reason as payloads above.
	var rateLimits plugin.RateLimiter
	if limiter != nil {
		rateLimits = limiter
	}

	var orchRef *orchestrator.Orchestrator

	emit := func(emitCtx context.Context, eventType string, fields map[string]any) {
		runID := ""
		if orchRef != nil {
			runID = orchRef.RunID()
		}

		bus.Emit(emitCtx, telemetry.Event{Type: eventType, Timestamp: time.Now(), RunID: runID, Fields: fields})
	}

	// landscapeRecorder is only assigned when landscape is non-nil, for
	// the same nil-interface-wrapping-nil-pointer reason as payloads and
	// rateLimits above.
	var landscapeRecorder plugin.LandscapeRecorder
	if landscape != nil {
		landscapeRecorder = landscape
	}

	collaborators := orchestrator.Collaborators{
		RateLimits:  rateLimits,
		Concurrency: plugin.ConcurrencyLimits{MaxWorkers: pipelineCfg.Concurrency.MaxWorkers},
		Landscape:   landscapeRecorder,
		Emit:        emit,
	}

	orch, err := orchestrator.New(ctx, store, pipelineCfg.Name, runConfig, pipeline, checkpoints, collaborators)
	if err != nil {
		return err
	}

	orchRef = orch

	bus.Emit(ctx, telemetry.Event{Type: "run.started", Timestamp: time.Now(), RunID: orch.RunID(), Fields: map[string]any{"pipeline": pipelineCfg.Name}})

	runErr := orch.Run(ctx)

	bus.Emit(ctx, telemetry.Event{Type: "run.finished", Timestamp: time.Now(), RunID: orch.RunID(), Fields: map[string]any{"error": errString(runErr)}})
	bus.Flush(ctx)

	if runErr != nil {
		return runErr
	}

	return exportRun(ctx, store, orch.RunID(), exportPath)
}

func exportRun(ctx context.Context, store *audit.Store, runID, exportPath string) error {
	var key []byte
	if k := config.GetEnvStr("EXPORT_SIGNING_KEY", ""); k != "" {
		key = []byte(k)
	}

	result, err := export.Export(ctx, store, runID, key)
	if err != nil {
		return err
	}

	if exportPath == "" {
		_, err := os.Stdout.Write(result.JSON)

		return err
	}

	return os.WriteFile(exportPath, result.JSON, 0o644)
}

func buildPayloadStore(cfg config.PayloadStoreConfig, logger *slog.Logger) (*payload.Store, error) {
	if cfg.BasePath == "" {
		return nil, nil
	}

	if cfg.Backend != "" && cfg.Backend != "filesystem" {
		return nil, fmt.Errorf("auditpipe: unsupported payload_store backend %q (only \"filesystem\" is implemented)", cfg.Backend)
	}

	retention := time.Duration(cfg.RetentionDays) * 24 * time.Hour

	return payload.Open(cfg.BasePath, retention, logger)
}

func buildRateLimiter(cfg config.RateLimitConfig) *ratelimit.Registry {
	if !cfg.Enabled {
		return nil
	}

	services := make(map[string]ratelimit.ServiceLimit, len(cfg.Services))
	for svc, rpm := range cfg.Services {
		services[svc] = ratelimit.ServiceLimit{RequestsPerMinute: rpm}
	}

	return ratelimit.NewRegistry(ratelimit.Config{
		DefaultRPM: cfg.DefaultRequestsPerMinute,
		Services:   services,
	})
}

// buildLandscapeRecorder wires landscape.dump_to_jsonl to a local
// jsonlLandscapeRecorder. landscape.url points at a real landscape
// service's HTTP API, an external collaborator this module does not
// implement — operators without one still get a local record of every
// RecordDataset call by setting dump_to_jsonl instead.
func buildLandscapeRecorder(cfg config.LandscapeConfig) (*jsonlLandscapeRecorder, error) {
	if !cfg.DumpToJSONL {
		return nil, nil
	}

	path := cfg.DumpToJSONLPath
	if path == "" {
		path = "./landscape.jsonl"
	}

	return openLandscapeSink(path)
}

func buildCheckpointSink(cfg config.CheckpointConfig) (*fileCheckpointSink, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	return openCheckpointSink(config.GetEnvStr("CHECKPOINT_PATH", "./checkpoints.jsonl"))
}

// checkpointSinkOrNil returns sink as an orchestrator.CheckpointSink, or a
// true nil interface value when sink itself is a nil *fileCheckpointSink
// — a plain orchestrator.CheckpointSink(sink) conversion would instead
// produce a non-nil interface wrapping a nil pointer, defeating
// CheckpointTracker's "nil sink means no-op" check.
func checkpointSinkOrNil(sink *fileCheckpointSink) orchestrator.CheckpointSink {
	if sink == nil {
		return nil
	}

	return sink
}

func checkpointPolicy(cfg config.CheckpointConfig) orchestrator.CheckpointPolicy {
	if cfg.AggregationBoundaries {
		return orchestrator.CheckpointPolicy{Boundary: orchestrator.CheckpointOnAggregationDone}
	}

	if cfg.Frequency == string(orchestrator.CheckpointEveryRow) {
		return orchestrator.CheckpointPolicy{Boundary: orchestrator.CheckpointEveryRow}
	}

	return orchestrator.CheckpointPolicy{Boundary: orchestrator.CheckpointEveryN, N: cfg.CheckpointInterval}
}

func errString(err error) string {
	if err == nil {
		return ""
	}

	return err.Error()
}
