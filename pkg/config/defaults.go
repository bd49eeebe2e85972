package config

import "time"

// Built-in defaults. User YAML overrides these per field.

func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Addr:            ":3415",
		LongPollTimeout: Duration(30 * time.Second),
		SSEHeartbeat:    Duration(15 * time.Second),
	}
}

func DefaultQueueConfig() *QueueConfig {
	return &QueueConfig{
		WorkerCount:        4,
		PollInterval:       Duration(2 * time.Second),
		PollIntervalJitter: Duration(500 * time.Millisecond),
		LeaseTTL:           Duration(60 * time.Second),
		HeartbeatInterval:  Duration(15 * time.Second),
		StaleSweepInterval: Duration(30 * time.Second),
		WorkDir:            "",
	}
}

func DefaultRunnerConfig() *RunnerConfig {
	retries := uint64(2)
	return &RunnerConfig{
		DefaultTimeout:  Duration(60 * time.Second),
		MaxRetries:      &retries,
		CacheTTLSeconds: 86400,
		CatchUpInterval: Duration(15 * time.Second),
	}
}

func DefaultLLMConfig() *LLMConfig {
	return &LLMConfig{
		Provider:  "anthropic",
		Model:     "claude-sonnet-4-20250514",
		MaxTokens: 4096,
		APIKeyEnv: "ANTHROPIC_API_KEY",
		Timeout:   Duration(60 * time.Second),
	}
}

func DefaultStorageConfig() *StorageConfig {
	return &StorageConfig{
		Driver:       "sqlite",
		Path:         "relay.db",
		ArtifactsDir: "artifacts",
	}
}

func DefaultNotifyConfig() *NotifyConfig {
	return &NotifyConfig{
		SlackTokenEnv: "SLACK_BOT_TOKEN",
	}
}

func DefaultRetentionConfig() *RetentionConfig {
	return &RetentionConfig{
		Interval: Duration(5 * time.Minute),
	}
}
