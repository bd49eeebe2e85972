package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// relayYAMLConfig represents the complete relay.yaml file structure.
type relayYAMLConfig struct {
	Server    *ServerConfig    `yaml:"server"`
	Queue     *QueueConfig     `yaml:"queue"`
	Runner    *RunnerConfig    `yaml:"runner"`
	LLM       *LLMConfig       `yaml:"llm"`
	Storage   *StorageConfig   `yaml:"storage"`
	Notify    *NotifyConfig    `yaml:"notify"`
	Retention *RetentionConfig `yaml:"retention"`
}

// Overrides carries CLI flag values into Initialize. Empty fields are
// unset; set fields win over both the environment and the config files.
type Overrides struct {
	Profile       string
	StorageDriver string
	SQLitePath    string
}

// Initialize loads, merges, and validates configuration.
//
// Steps performed:
//  1. Resolve the deployment profile (flag > TASK_RELAY_PROFILE > dev)
//  2. Load relay.yaml, then the relay.<profile>.yaml overlay
//  3. Expand environment variables using {{.VAR}} template syntax
//  4. Merge user settings over built-in defaults, per section
//  5. Apply TASK_RELAY_* environment overrides, then CLI flag values
//  6. Validate the merged result
func Initialize(_ context.Context, configDir string, flags Overrides) (*Config, error) {
	log := slog.With("config_dir", configDir)

	profile := flags.Profile
	if profile == "" {
		profile = os.Getenv("TASK_RELAY_PROFILE")
	}
	if profile == "" {
		profile = ProfileDev
	}
	if !validProfile(profile) {
		return nil, NewValidationError("cli", "profile",
			fmt.Errorf("%w: unknown profile %q, want dev, staging, or prod", ErrInvalidValue, profile))
	}

	userCfg, err := loadYAMLFile(configDir, "relay.yaml")
	if err != nil {
		return nil, NewLoadError("relay.yaml", err)
	}
	overlayName := "relay." + profile + ".yaml"
	overlayCfg, err := loadYAMLFile(configDir, overlayName)
	if err != nil {
		return nil, NewLoadError(overlayName, err)
	}

	cfg := &Config{
		configDir: configDir,
		Profile:   profile,
		Server:    DefaultServerConfig(),
		Queue:     DefaultQueueConfig(),
		Runner:    DefaultRunnerConfig(),
		LLM:       DefaultLLMConfig(),
		Storage:   DefaultStorageConfig(),
		Notify:    DefaultNotifyConfig(),
		Retention: DefaultRetentionConfig(),
	}

	if err := mergeAll(cfg, userCfg); err != nil {
		return nil, err
	}
	if err := mergeAll(cfg, overlayCfg); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)
	if err := applyFlagOverrides(cfg, flags); err != nil {
		return nil, err
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}

	log.Info("Configuration initialized",
		"profile", cfg.Profile,
		"addr", cfg.Server.Addr,
		"workers", cfg.Queue.WorkerCount,
		"storage", cfg.Storage.Driver,
		"model", cfg.LLM.Model)
	return cfg, nil
}

func loadYAMLFile(configDir, name string) (*relayYAMLConfig, error) {
	var cfg relayYAMLConfig

	path := filepath.Join(configDir, name)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &cfg, nil
		}
		return nil, err
	}

	data = ExpandEnv(data)
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}
	return &cfg, nil
}

// mergeAll overlays non-zero values from src onto cfg, section by section.
func mergeAll(cfg *Config, src *relayYAMLConfig) error {
	if err := mergeSection(cfg.Server, src.Server, "server"); err != nil {
		return err
	}
	if err := mergeSection(cfg.Queue, src.Queue, "queue"); err != nil {
		return err
	}
	if err := mergeSection(cfg.Runner, src.Runner, "runner"); err != nil {
		return err
	}
	if err := mergeSection(cfg.LLM, src.LLM, "llm"); err != nil {
		return err
	}
	if err := mergeSection(cfg.Storage, src.Storage, "storage"); err != nil {
		return err
	}
	if err := mergeSection(cfg.Notify, src.Notify, "notify"); err != nil {
		return err
	}
	return mergeSection(cfg.Retention, src.Retention, "retention")
}

// applyEnvOverrides lets deployment environments override the highest
// traffic settings without editing relay.yaml. Every CLI flag has a
// mirror here.
func applyEnvOverrides(cfg *Config) {
	for env, target := range map[string]*string{
		"TASK_RELAY_ADDR":          &cfg.Server.Addr,
		"TASK_RELAY_STORAGE":       &cfg.Storage.Driver,
		"TASK_RELAY_SQLITE":        &cfg.Storage.Path,
		"TASK_RELAY_ARTIFACTS_DIR": &cfg.Storage.ArtifactsDir,
		"TASK_RELAY_WORK_DIR":      &cfg.Queue.WorkDir,
		"TASK_RELAY_ROLES_DIR":     &cfg.Runner.RolesDir,
		"TASK_RELAY_MODEL":         &cfg.LLM.Model,
	} {
		if v := os.Getenv(env); v != "" {
			*target = v
		}
	}
}

// applyFlagOverrides applies CLI flag values last, after the environment.
func applyFlagOverrides(cfg *Config, flags Overrides) error {
	if flags.StorageDriver != "" {
		cfg.Storage.Driver = flags.StorageDriver
	}
	if flags.SQLitePath != "" {
		if cfg.Storage.Driver == "memory" {
			return NewValidationError("cli", "sqlite",
				fmt.Errorf("%w: a sqlite path cannot be combined with the memory driver", ErrInvalidValue))
		}
		cfg.Storage.Path = flags.SQLitePath
	}
	return nil
}

// mergeSection overlays non-zero user values onto section defaults.
func mergeSection[T any](dst *T, src *T, name string) error {
	if src == nil {
		return nil
	}
	if err := mergo.Merge(dst, *src, mergo.WithOverride); err != nil {
		return fmt.Errorf("failed to merge %s config: %w", name, err)
	}
	return nil
}
