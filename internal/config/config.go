// Package config loads and validates the engine configuration from
// YAML, with environment variable overrides under the FACET_ prefix.
package config

import (
	"time"

	"github.com/ljj1233/xufei-sub000/internal/adapt"
	"github.com/ljj1233/xufei-sub000/internal/observability"
	"github.com/ljj1233/xufei-sub000/internal/state"
)

// Config is the full engine configuration.
type Config struct {
	Executor   ExecutorConfig              `mapstructure:"executor" yaml:"executor"`
	State      StateConfig                 `mapstructure:"state" yaml:"state"`
	Database   DatabaseConfig              `mapstructure:"database" yaml:"database"`
	Adaptation AdaptationConfig            `mapstructure:"adaptation" yaml:"adaptation"`
	Logging    LoggingConfig               `mapstructure:"logging" yaml:"logging"`
	Tracing    observability.TracingConfig `mapstructure:"tracing" yaml:"tracing"`
}

// ExecutorConfig tunes the parallel executor.
type ExecutorConfig struct {
	MaxParallel int           `mapstructure:"max_parallel" yaml:"max_parallel"`
	MaxAttempts int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	TaskTimeout time.Duration `mapstructure:"task_timeout" yaml:"task_timeout"`
	BackoffBase time.Duration `mapstructure:"backoff_base" yaml:"backoff_base"`
	BackoffCap  time.Duration `mapstructure:"backoff_cap" yaml:"backoff_cap"`
}

// StateConfig tunes the state manager.
type StateConfig struct {
	HistoryDepth      int           `mapstructure:"history_depth" yaml:"history_depth"`
	SnapshotRevisions uint64        `mapstructure:"snapshot_revisions" yaml:"snapshot_revisions"`
	SnapshotInterval  time.Duration `mapstructure:"snapshot_interval" yaml:"snapshot_interval"`
}

// DatabaseConfig locates the sqlite snapshot store. An empty path
// disables persistence entirely.
type DatabaseConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// AdaptationConfig carries the ordered rule list, the parameter bounds
// the engine clamps against, and the initial global parameter values.
type AdaptationConfig struct {
	Enabled       bool                        `mapstructure:"enabled" yaml:"enabled"`
	WindowSize    int                         `mapstructure:"window_size" yaml:"window_size"`
	MinSamples    int                         `mapstructure:"min_samples" yaml:"min_samples"`
	InitialParams map[string]float64          `mapstructure:"initial_params" yaml:"initial_params"`
	Bounds        map[string]state.ParamBound `mapstructure:"bounds" yaml:"bounds"`
	Rules         []adapt.Rule                `mapstructure:"rules" yaml:"rules"`
}

// LoggingConfig controls the slog handler.
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// DefaultConfig returns the stock configuration.
func DefaultConfig() *Config {
	return &Config{
		Executor: ExecutorConfig{
			MaxParallel: 4,
			MaxAttempts: 3,
			TaskTimeout: 30 * time.Second,
			BackoffBase: 500 * time.Millisecond,
			BackoffCap:  8 * time.Second,
		},
		State: StateConfig{
			HistoryDepth:      50,
			SnapshotRevisions: 5,
			SnapshotInterval:  10 * time.Second,
		},
		Database: DatabaseConfig{
			Path: "facet.db",
		},
		Adaptation: AdaptationConfig{
			Enabled:    true,
			WindowSize: 20,
			MinSamples: 3,
			InitialParams: map[string]float64{
				"detail_level": 3,
				"strictness":   0.5,
			},
			Bounds: map[string]state.ParamBound{
				"detail_level": {Min: 1, Max: 5},
				"strictness":   {Min: 0, Max: 1},
			},
			Rules: []adapt.Rule{
				{
					Name:        "high-latency-lowers-detail",
					Modality:    "speech",
					Metric:      adapt.MetricLatencyMS,
					Operator:    adapt.OpGreaterThan,
					Threshold:   5000,
					Consecutive: 2,
					Parameter:   "detail_level",
					Delta:       -1,
				},
				{
					Name:        "low-confidence-relaxes-strictness",
					Modality:    "content",
					Metric:      adapt.MetricConfidence,
					Operator:    adapt.OpLessThan,
					Threshold:   0.5,
					Consecutive: 2,
					Parameter:   "strictness",
					Delta:       -0.1,
				},
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Tracing: observability.TracingConfig{
			Enabled:    false,
			SampleRate: 1,
		},
	}
}
