package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML can carry "30s" style strings or
// bare second counts.
type Duration time.Duration

// UnmarshalYAML accepts both forms:
//   - String: "90s", "2m30s"
//   - Integer: 90 (seconds)
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be a scalar, got %v", value.Tag)
	}
	switch value.Tag {
	case "!!int":
		var secs int64
		if err := value.Decode(&secs); err != nil {
			return err
		}
		*d = Duration(time.Duration(secs) * time.Second)
		return nil
	default:
		parsed, err := time.ParseDuration(value.Value)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", value.Value, err)
		}
		*d = Duration(parsed)
		return nil
	}
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// ServerConfig controls the HTTP bridge executors talk to.
type ServerConfig struct {
	// Addr is the listen address, host:port.
	Addr string `yaml:"addr,omitempty"`

	// LongPollTimeout caps the ?wait= duration on answer polls.
	LongPollTimeout Duration `yaml:"long_poll_timeout,omitempty"`

	// SSEHeartbeat is the idle keepalive interval on event streams.
	SSEHeartbeat Duration `yaml:"sse_heartbeat,omitempty"`
}

// QueueConfig controls the worker pool.
type QueueConfig struct {
	// WorkerCount is the number of worker goroutines per process.
	WorkerCount int `yaml:"worker_count,omitempty"`

	// PollInterval is the base sleep between empty lease attempts;
	// PollIntervalJitter spreads workers so they do not poll in lockstep.
	PollInterval       Duration `yaml:"poll_interval,omitempty"`
	PollIntervalJitter Duration `yaml:"poll_interval_jitter,omitempty"`

	// LeaseTTL is how long a lease survives without renewal.
	LeaseTTL Duration `yaml:"lease_ttl,omitempty"`

	// HeartbeatInterval is how often workers renew their lease. Must be
	// well under LeaseTTL.
	HeartbeatInterval Duration `yaml:"heartbeat_interval,omitempty"`

	// StaleSweepInterval is how often expired leases are swept to STALE.
	StaleSweepInterval Duration `yaml:"stale_sweep_interval,omitempty"`

	// WorkDir is the scratch root for per-job checkouts.
	WorkDir string `yaml:"work_dir,omitempty"`

	// ExecutorCommand runs the job in its checkout. Empty means the
	// built-in no-op backend, useful for dry runs.
	ExecutorCommand []string `yaml:"executor_command,omitempty"`
}

// RunnerConfig controls the answer runner.
type RunnerConfig struct {
	// RolesDir holds user role YAML files merged over the built-ins.
	RolesDir string `yaml:"roles_dir,omitempty"`

	// DefaultTimeout bounds one completion call when the ask carries no
	// timeout constraint.
	DefaultTimeout Duration `yaml:"default_timeout,omitempty"`

	// MaxRetries is how many shape-invalid completions are retried
	// before downgrading to plain text.
	MaxRetries *uint64 `yaml:"max_retries,omitempty"`

	// CacheTTLSeconds is the decision-cache entry lifetime.
	CacheTTLSeconds int64 `yaml:"cache_ttl_seconds,omitempty"`

	// CatchUpInterval is how often pending asks are re-scanned.
	CatchUpInterval Duration `yaml:"catch_up_interval,omitempty"`
}

// LLMConfig selects and tunes the completion provider.
type LLMConfig struct {
	// Provider names the backend. Only "anthropic" is supported.
	Provider string `yaml:"provider,omitempty"`

	Model     string `yaml:"model,omitempty"`
	BaseURL   string `yaml:"base_url,omitempty"`
	MaxTokens int    `yaml:"max_tokens,omitempty"`

	// APIKeyEnv names the environment variable holding the API key.
	APIKeyEnv string `yaml:"api_key_env,omitempty"`

	// Timeout bounds a single completion HTTP call.
	Timeout Duration `yaml:"timeout,omitempty"`
}

// StorageConfig selects the database and artifact locations.
type StorageConfig struct {
	// Driver is "sqlite" or "memory".
	Driver string `yaml:"driver,omitempty"`

	// Path is the SQLite database file. Ignored for memory.
	Path string `yaml:"path,omitempty"`

	// ArtifactsDir is the root for per-job artifact files.
	ArtifactsDir string `yaml:"artifacts_dir,omitempty"`
}

// NotifyConfig controls terminal-state notifications.
type NotifyConfig struct {
	// SlackTokenEnv names the environment variable holding the Slack bot
	// token. Channel delivery is disabled when the variable is unset.
	SlackTokenEnv string `yaml:"slack_token_env,omitempty"`

	// DefaultChannel receives notifications for jobs that request one
	// without naming a channel.
	DefaultChannel string `yaml:"default_channel,omitempty"`
}

// RetentionConfig controls background data expiry.
type RetentionConfig struct {
	// Interval is how often the retention loop runs.
	Interval Duration `yaml:"interval,omitempty"`
}
