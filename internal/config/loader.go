package config

import (
	"os"
	"strings"

	"github.com/spf13/viper"

	"github.com/ljj1233/xufei-sub000/internal/types"
)

// Loader reads engine configuration from files.
type Loader interface {
	Load(path string) (*Config, error)
	LoadWithDefaults(path string) (*Config, error)
}

type viperLoader struct {
	validator Validator
}

// NewLoader creates a Loader backed by viper.
func NewLoader(validator Validator) Loader {
	return &viperLoader{validator: validator}
}

// Load reads, merges and validates the config file at path. Values
// are layered: defaults, then the file, then FACET_* environment
// variables (FACET_EXECUTOR_MAX_PARALLEL overrides
// executor.max_parallel).
func (l *viperLoader) Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("FACET")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, types.WrapError(types.CONFIG_LOAD_FAILED, "failed to read config file", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, types.WrapError(types.CONFIG_PARSE_FAILED, "failed to unmarshal config", err)
	}

	// Structured sections viper's flat defaulting cannot layer; absent
	// in the file means keep the defaults.
	defaults := DefaultConfig()
	if cfg.Adaptation.InitialParams == nil {
		cfg.Adaptation.InitialParams = defaults.Adaptation.InitialParams
	}
	if cfg.Adaptation.Bounds == nil {
		cfg.Adaptation.Bounds = defaults.Adaptation.Bounds
	}
	if cfg.Adaptation.Rules == nil {
		cfg.Adaptation.Rules = defaults.Adaptation.Rules
	}

	if err := l.validator.Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadWithDefaults behaves like Load but returns the default
// configuration when the file does not exist.
func (l *viperLoader) LoadWithDefaults(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := DefaultConfig()
		if err := l.validator.Validate(cfg); err != nil {
			return nil, err
		}
		return cfg, nil
	}
	return l.Load(path)
}

func setDefaults(v *viper.Viper) {
	d := DefaultConfig()

	v.SetDefault("executor.max_parallel", d.Executor.MaxParallel)
	v.SetDefault("executor.max_attempts", d.Executor.MaxAttempts)
	v.SetDefault("executor.task_timeout", d.Executor.TaskTimeout)
	v.SetDefault("executor.backoff_base", d.Executor.BackoffBase)
	v.SetDefault("executor.backoff_cap", d.Executor.BackoffCap)

	v.SetDefault("state.history_depth", d.State.HistoryDepth)
	v.SetDefault("state.snapshot_revisions", d.State.SnapshotRevisions)
	v.SetDefault("state.snapshot_interval", d.State.SnapshotInterval)

	v.SetDefault("database.path", d.Database.Path)

	v.SetDefault("adaptation.enabled", d.Adaptation.Enabled)
	v.SetDefault("adaptation.window_size", d.Adaptation.WindowSize)
	v.SetDefault("adaptation.min_samples", d.Adaptation.MinSamples)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)

	v.SetDefault("tracing.enabled", d.Tracing.Enabled)
	v.SetDefault("tracing.sample_rate", d.Tracing.SampleRate)
}
