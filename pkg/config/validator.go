package config

import (
	"fmt"
	"time"
)

// validate performs fail-fast validation of the merged configuration.
func validate(cfg *Config) error {
	if err := validateServer(cfg.Server); err != nil {
		return fmt.Errorf("server validation failed: %w", err)
	}
	if err := validateQueue(cfg.Queue); err != nil {
		return fmt.Errorf("queue validation failed: %w", err)
	}
	if err := validateRunner(cfg.Runner); err != nil {
		return fmt.Errorf("runner validation failed: %w", err)
	}
	if err := validateLLM(cfg.LLM); err != nil {
		return fmt.Errorf("llm validation failed: %w", err)
	}
	if err := validateStorage(cfg.Storage); err != nil {
		return fmt.Errorf("storage validation failed: %w", err)
	}
	if err := validateRetention(cfg.Retention); err != nil {
		return fmt.Errorf("retention validation failed: %w", err)
	}
	return nil
}

func validateServer(s *ServerConfig) error {
	if s.Addr == "" {
		return NewValidationError("server", "addr", fmt.Errorf("%w: must not be empty", ErrInvalidValue))
	}
	if s.LongPollTimeout.Std() <= 0 {
		return NewValidationError("server", "long_poll_timeout", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	if s.SSEHeartbeat.Std() <= 0 {
		return NewValidationError("server", "sse_heartbeat", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	return nil
}

func validateQueue(q *QueueConfig) error {
	if q.WorkerCount < 1 {
		return NewValidationError("queue", "worker_count", fmt.Errorf("%w: must be at least 1", ErrInvalidValue))
	}
	if q.PollInterval.Std() <= 0 {
		return NewValidationError("queue", "poll_interval", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	if q.PollIntervalJitter.Std() < 0 || q.PollIntervalJitter.Std() >= q.PollInterval.Std() {
		return NewValidationError("queue", "poll_interval_jitter",
			fmt.Errorf("%w: must be non-negative and below poll_interval", ErrInvalidValue))
	}
	if q.LeaseTTL.Std() <= 0 {
		return NewValidationError("queue", "lease_ttl", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	// A lease must survive at least two missed heartbeats.
	if q.HeartbeatInterval.Std() <= 0 || q.HeartbeatInterval.Std() > q.LeaseTTL.Std()/2 {
		return NewValidationError("queue", "heartbeat_interval",
			fmt.Errorf("%w: must be positive and at most half of lease_ttl", ErrInvalidValue))
	}
	if q.StaleSweepInterval.Std() <= 0 {
		return NewValidationError("queue", "stale_sweep_interval", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	return nil
}

func validateRunner(r *RunnerConfig) error {
	if r.DefaultTimeout.Std() <= 0 {
		return NewValidationError("runner", "default_timeout", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	if r.CacheTTLSeconds < 0 {
		return NewValidationError("runner", "cache_ttl_seconds", fmt.Errorf("%w: must be non-negative", ErrInvalidValue))
	}
	if r.CatchUpInterval.Std() < time.Second {
		return NewValidationError("runner", "catch_up_interval", fmt.Errorf("%w: must be at least 1s", ErrInvalidValue))
	}
	return nil
}

func validateLLM(l *LLMConfig) error {
	if l.Provider != "anthropic" {
		return NewValidationError("llm", "provider", fmt.Errorf("%w: unsupported provider %q", ErrInvalidValue, l.Provider))
	}
	if l.Model == "" {
		return NewValidationError("llm", "model", fmt.Errorf("%w: must not be empty", ErrInvalidValue))
	}
	if l.MaxTokens < 1 {
		return NewValidationError("llm", "max_tokens", fmt.Errorf("%w: must be at least 1", ErrInvalidValue))
	}
	if l.APIKeyEnv == "" {
		return NewValidationError("llm", "api_key_env", fmt.Errorf("%w: must not be empty", ErrInvalidValue))
	}
	if l.Timeout.Std() <= 0 {
		return NewValidationError("llm", "timeout", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	return nil
}

func validateStorage(s *StorageConfig) error {
	switch s.Driver {
	case "sqlite":
		if s.Path == "" {
			return NewValidationError("storage", "path", fmt.Errorf("%w: required for the sqlite driver", ErrInvalidValue))
		}
	case "memory":
	default:
		return NewValidationError("storage", "driver", fmt.Errorf("%w: unsupported driver %q", ErrInvalidValue, s.Driver))
	}
	if s.ArtifactsDir == "" {
		return NewValidationError("storage", "artifacts_dir", fmt.Errorf("%w: must not be empty", ErrInvalidValue))
	}
	return nil
}

func validateRetention(r *RetentionConfig) error {
	if r.Interval.Std() < time.Second {
		return NewValidationError("retention", "interval", fmt.Errorf("%w: must be at least 1s", ErrInvalidValue))
	}
	return nil
}
