// Package config also loads the declarative pipeline-graph definition:
// the nodes, edges, and per-node-kind settings a cmd/auditpipe run is
// assembled from. Loading is deliberately split from wiring — this file
// only turns YAML into typed Go values; it never instantiates a plugin
// or builds an orchestrator.Pipeline, since which concrete Source/
// Transform/Sink implementation backs a node name is a static-registry
// lookup outside this package's scope.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type (
	// PipelineConfig is the top-level shape of a pipeline definition
	// file: the node/edge graph plus the shared configuration blocks
	// every node kind may draw defaults from.
	PipelineConfig struct {
		Name         string                `yaml:"name"`
		Nodes        []NodeConfig          `yaml:"nodes"`
		Edges        []EdgeConfig          `yaml:"edges"`
		Retry        RetryConfig           `yaml:"retry"`
		Concurrency  ConcurrencyConfig     `yaml:"concurrency"`
		RateLimit    RateLimitConfig       `yaml:"rate_limit"`
		Checkpoint   CheckpointConfig      `yaml:"checkpoint"`
		PayloadStore PayloadStoreConfig    `yaml:"payload_store"`
		Landscape    LandscapeConfig       `yaml:"landscape"`
		Pools        map[string]PoolConfig `yaml:"pools"`
	}

	// NodeConfig declares one graph vertex. Plugin names the registered
	// plugin implementation a static registry resolves at wiring time
	// (not here); Config carries arbitrary plugin-specific settings
	// verbatim through to audit.RegisterNode.
	NodeConfig struct {
		ID       string            `yaml:"id"`
		Kind     string            `yaml:"kind"`
		Plugin   string            `yaml:"plugin"`
		Contract string            `yaml:"contract"`
		Config   map[string]any    `yaml:"config"`
		Next     string            `yaml:"next"`
		Routes   map[string]string `yaml:"routes"` // gate label -> destination node id
		Pool     string            `yaml:"pool"`   // name into PipelineConfig.Pools, or "" for unpooled
	}

	// EdgeConfig is one directed edge of the graph, from -> to. Origin
	// labels which branch or route produced the edge (a gate's route
	// label, a fork's branch name) — empty for a plain linear edge. A
	// coalesce node's BranchOf table is built from this label. Mode is
	// the edge's routing mode, "MOVE" or "COPY"; an empty value defaults
	// to "MOVE" (see EdgeConfig.ResolvedMode).
	EdgeConfig struct {
		From   string `yaml:"from"`
		To     string `yaml:"to"`
		Origin string `yaml:"origin"`
		Mode   string `yaml:"mode"`
	}

	// RetryConfig mirrors spec §6's retry block. Jitter is intentionally
	// not configurable here — it is internal to exec.RetryPolicy's delay
	// computation, same as the spec's "jitter is internal" note.
	RetryConfig struct {
		MaxAttempts         int     `yaml:"max_attempts"`
		InitialDelaySeconds float64 `yaml:"initial_delay_seconds"`
		MaxDelaySeconds     float64 `yaml:"max_delay_seconds"`
		ExponentialBase     float64 `yaml:"exponential_base"`
	}

	// ConcurrencyConfig mirrors spec §6's concurrency block.
	ConcurrencyConfig struct {
		MaxWorkers int `yaml:"max_workers"`
	}

	// RateLimitConfig mirrors spec §6's rate_limit block. PersistencePath
	// is accepted for forward compatibility with a durable rate-limit
	// registry but unused by internal/ratelimit's in-memory Registry.
	RateLimitConfig struct {
		Enabled                  bool           `yaml:"enabled"`
		DefaultRequestsPerMinute int            `yaml:"default_requests_per_minute"`
		PersistencePath          string         `yaml:"persistence_path"`
		Services                 map[string]int `yaml:"services"`
	}

	// CheckpointConfig mirrors spec §6's checkpoint block. Frequency
	// holds either the literal string "every_row" or a decimal token
	// count, matching the spec's `"every_row"|int` union.
	CheckpointConfig struct {
		Enabled               bool   `yaml:"enabled"`
		Frequency             string `yaml:"frequency"`
		CheckpointInterval    int    `yaml:"checkpoint_interval"`
		AggregationBoundaries bool   `yaml:"aggregation_boundaries"`
	}

	// PayloadStoreConfig mirrors spec §6's payload_store block. Backend
	// is validated against "filesystem" — the only backend this module
	// implements (a real alternate backend is an external collaborator).
	PayloadStoreConfig struct {
		Backend       string `yaml:"backend"`
		BasePath      string `yaml:"base_path"`
		RetentionDays int    `yaml:"retention_days"`
	}

	// LandscapeExportConfig mirrors spec §6's landscape.export block: how
	// the landscape service at LandscapeConfig.URL exports what this
	// module reports to it. Purely descriptive from this module's side —
	// nothing here drives behavior of ours, since we never implement
	// that service's client, only plugin.LandscapeRecorder's reporting
	// side.
	LandscapeExportConfig struct {
		Enabled bool   `yaml:"enabled"`
		Sink    string `yaml:"sink"`
		Format  string `yaml:"format"`
		Sign    bool   `yaml:"sign"`
	}

	// LandscapeConfig mirrors spec §6's landscape block. URL and Export
	// describe a real external landscape service this module never talks
	// to directly (see plugin.LandscapeRecorder); DumpToJSONL/
	// DumpToJSONLPath are the local stand-in cmd/auditpipe wires up when
	// no such service is configured.
	LandscapeConfig struct {
		URL             string                 `yaml:"url"`
		Export          *LandscapeExportConfig `yaml:"export"`
		DumpToJSONL     bool                   `yaml:"dump_to_jsonl"`
		DumpToJSONLPath string                 `yaml:"dump_to_jsonl_path"`
	}

	// PoolConfig mirrors spec §6's per-batching-transform pool block.
	// Delays are expressed in seconds in YAML (matching every other
	// duration field in this file) and converted to time.Duration by
	// ToPoolConfig.
	PoolConfig struct {
		PoolSize                int     `yaml:"pool_size"`
		MinDispatchDelaySeconds float64 `yaml:"min_dispatch_delay_seconds"`
		MaxDispatchDelaySeconds float64 `yaml:"max_dispatch_delay_seconds"`
		BackoffMultiplier       float64 `yaml:"backoff_multiplier"`
		RecoveryStepSeconds     float64 `yaml:"recovery_step_seconds"`
		MaxCapacityRetrySeconds float64 `yaml:"max_capacity_retry_seconds"`
	}
)

// LoadPipelineConfig reads and parses the pipeline definition at path.
// A pipeline definition is load-bearing — a missing or malformed file is
// always an error, since there is no sensible "run with zero nodes"
// default.
func LoadPipelineConfig(path string) (*PipelineConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading pipeline definition %q: %w", path, err)
	}

	var cfg PipelineConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parsing pipeline definition %q: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: invalid pipeline definition %q: %w", path, err)
	}

	return &cfg, nil
}

// Validate checks the structural invariants a pipeline run depends on:
// every node has an id and kind, every edge references nodes that
// exist, and node ids are unique. It does not validate plugin names —
// that a named plugin is actually registered is checked at wiring time,
// not here.
func (c *PipelineConfig) Validate() error {
	if len(c.Nodes) == 0 {
		return fmt.Errorf("config: pipeline %q defines no nodes", c.Name)
	}

	seen := make(map[string]struct{}, len(c.Nodes))

	for _, n := range c.Nodes {
		if n.ID == "" {
			return fmt.Errorf("config: node with empty id")
		}

		if _, dup := seen[n.ID]; dup {
			return fmt.Errorf("config: duplicate node id %q", n.ID)
		}

		seen[n.ID] = struct{}{}

		if n.Kind == "" {
			return fmt.Errorf("config: node %q has no kind", n.ID)
		}
	}

	for _, e := range c.Edges {
		if _, ok := seen[e.From]; !ok {
			return fmt.Errorf("config: edge references unknown source node %q", e.From)
		}

		if _, ok := seen[e.To]; !ok {
			return fmt.Errorf("config: edge references unknown destination node %q", e.To)
		}

		if e.Mode != "" && e.Mode != "MOVE" && e.Mode != "COPY" {
			return fmt.Errorf("config: edge %s->%s has invalid mode %q (want MOVE or COPY)", e.From, e.To, e.Mode)
		}
	}

	return nil
}

// ResolvedMode returns e.Mode, defaulting to "MOVE" when unset.
func (e EdgeConfig) ResolvedMode() string {
	if e.Mode == "" {
		return "MOVE"
	}

	return e.Mode
}

// ToDurations converts the YAML-friendly seconds-as-float fields to
// exec.RetryPolicy's time.Duration fields. Returned as plain values
// rather than an exec.RetryPolicy directly, since internal/config must
// not import internal/exec — cmd/auditpipe, which imports both, does
// the final conversion.
func (r RetryConfig) ToDurations() (initial, maxDelay time.Duration) {
	return secondsToDuration(r.InitialDelaySeconds), secondsToDuration(r.MaxDelaySeconds)
}

// ToDurations converts pool's seconds-as-float fields to
// time.Duration, for the same reason as RetryConfig.ToDurations.
func (p PoolConfig) ToDurations() (minDelay, maxDelay, recoveryStep, maxCapacityRetry time.Duration) {
	return secondsToDuration(p.MinDispatchDelaySeconds),
		secondsToDuration(p.MaxDispatchDelaySeconds),
		secondsToDuration(p.RecoveryStepSeconds),
		secondsToDuration(p.MaxCapacityRetrySeconds)
}

func secondsToDuration(seconds float64) time.Duration {
	return time.Duration(seconds * float64(time.Second))
}
