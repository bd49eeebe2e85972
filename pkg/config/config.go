// Package config loads and validates relay.yaml, layering user settings
// over built-in defaults.
package config

// Deployment profiles. The profile selects which relay.<profile>.yaml
// overlay is applied on top of relay.yaml.
const (
	ProfileDev     = "dev"
	ProfileStaging = "staging"
	ProfileProd    = "prod"
)

func validProfile(p string) bool {
	return p == ProfileDev || p == ProfileStaging || p == ProfileProd
}

// Config is the umbrella configuration object returned by Initialize()
// and threaded through component construction.
type Config struct {
	configDir string

	// Profile is the resolved deployment profile, one of dev, staging,
	// or prod.
	Profile string

	Server    *ServerConfig
	Queue     *QueueConfig
	Runner    *RunnerConfig
	LLM       *LLMConfig
	Storage   *StorageConfig
	Notify    *NotifyConfig
	Retention *RetentionConfig
}

// ConfigDir returns the directory relay.yaml was loaded from.
func (c *Config) ConfigDir() string {
	return c.configDir
}
