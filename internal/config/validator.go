package config

import (
	"fmt"

	"github.com/ljj1233/xufei-sub000/internal/types"
)

// Validator checks a loaded configuration for values the engine
// cannot run with.
type Validator interface {
	Validate(cfg *Config) error
}

type validator struct{}

// NewValidator creates the standard configuration validator.
func NewValidator() Validator {
	return validator{}
}

// Validate implements Validator.
func (validator) Validate(cfg *Config) error {
	if cfg.Executor.MaxParallel < 1 {
		return types.NewError(types.INVALID_CONFIGURATION, "executor.max_parallel must be at least 1")
	}
	if cfg.Executor.MaxAttempts < 1 {
		return types.NewError(types.INVALID_CONFIGURATION, "executor.max_attempts must be at least 1")
	}
	if cfg.Executor.TaskTimeout <= 0 {
		return types.NewError(types.INVALID_CONFIGURATION, "executor.task_timeout must be positive")
	}
	if cfg.Executor.BackoffBase <= 0 || cfg.Executor.BackoffCap < cfg.Executor.BackoffBase {
		return types.NewError(types.INVALID_CONFIGURATION,
			"executor backoff requires 0 < backoff_base <= backoff_cap")
	}

	if cfg.State.HistoryDepth < 1 {
		return types.NewError(types.INVALID_CONFIGURATION, "state.history_depth must be at least 1")
	}
	if cfg.State.SnapshotRevisions < 1 {
		return types.NewError(types.INVALID_CONFIGURATION, "state.snapshot_revisions must be at least 1")
	}
	if cfg.State.SnapshotInterval <= 0 {
		return types.NewError(types.INVALID_CONFIGURATION, "state.snapshot_interval must be positive")
	}

	for name, bound := range cfg.Adaptation.Bounds {
		if bound.Min > bound.Max {
			return types.NewError(types.INVALID_CONFIGURATION,
				fmt.Sprintf("adaptation bound for %q has min > max", name))
		}
	}
	for _, rule := range cfg.Adaptation.Rules {
		if err := rule.Validate(); err != nil {
			return err
		}
	}
	for name, value := range cfg.Adaptation.InitialParams {
		if bound, ok := cfg.Adaptation.Bounds[name]; ok {
			if value < bound.Min || value > bound.Max {
				return types.NewError(types.INVALID_CONFIGURATION,
					fmt.Sprintf("initial value of %q is outside its configured bounds", name))
			}
		}
	}

	if err := cfg.Tracing.Validate(); err != nil {
		return err
	}

	switch cfg.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return types.NewError(types.INVALID_CONFIGURATION,
			fmt.Sprintf("unknown logging level %q", cfg.Logging.Level))
	}
	switch cfg.Logging.Format {
	case "text", "json":
	default:
		return types.NewError(types.INVALID_CONFIGURATION,
			fmt.Sprintf("unknown logging format %q", cfg.Logging.Format))
	}
	return nil
}
