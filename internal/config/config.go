// Package config loads the engine's recognized environment options, with
// an optional YAML file layered underneath and hot reload of the
// concurrency knobs.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Backend names for SANDBOX_BACKEND.
const (
	BackendContainer = "container"
	BackendRemote    = "remote"
)

// Timeouts bounds each phase of a task's sandbox lifetime.
type Timeouts struct {
	// Clone bounds the repository clone.
	Clone time.Duration `mapstructure:"timeout_clone"`
	// Agent bounds the agent invocation.
	Agent time.Duration `mapstructure:"timeout_agent"`
	// Command bounds any other single sandbox command.
	Command time.Duration `mapstructure:"timeout_command"`
	// Sandbox bounds the total sandbox lifetime.
	Sandbox time.Duration `mapstructure:"timeout_sandbox"`
}

// Config is the engine's full configuration.
type Config struct {
	SandboxBackend    string `mapstructure:"sandbox_backend"`
	SandboxTemplateID string `mapstructure:"sandbox_template_id"`
	WorkspaceBasePath string `mapstructure:"workspace_base_path"`

	// Remote backend endpoint; unused for the container backend.
	SandboxRemoteURL    string `mapstructure:"sandbox_remote_url"`
	SandboxRemoteAPIKey string `mapstructure:"sandbox_remote_api_key"`

	ContainerImage     string  `mapstructure:"container_image"`
	ContainerUID       int     `mapstructure:"container_uid"`
	ContainerGID       int     `mapstructure:"container_gid"`
	ContainerMemLimit  int64   `mapstructure:"container_mem_limit"` // MiB
	ContainerCPUShares float64 `mapstructure:"container_cpu_shares"`

	WorkerConcurrency  int `mapstructure:"worker_concurrency"`
	PerUserConcurrency int `mapstructure:"per_user_concurrency"`

	OrphanSweepInterval time.Duration `mapstructure:"orphan_sweep_interval"`
	OrphanAgeThreshold  time.Duration `mapstructure:"orphan_age_threshold"`

	Timeouts Timeouts `mapstructure:",squash"`

	// LogDir receives one JSONL session log per task.
	LogDir string `mapstructure:"log_dir"`

	// CommitMsgProvider/CommitMsgModel select the cheap LLM used to derive
	// commit messages from prompts; empty disables generation and falls
	// back to a truncated prompt.
	CommitMsgProvider string `mapstructure:"commit_msg_provider"`
	CommitMsgModel    string `mapstructure:"commit_msg_model"`
}

func setDefaults(v *viper.Viper) {
	// Every key gets a default, even if empty: viper's AutomaticEnv only
	// surfaces keys it already knows about when unmarshalling.
	v.SetDefault("sandbox_backend", BackendContainer)
	v.SetDefault("sandbox_template_id", "")
	v.SetDefault("workspace_base_path", "")
	v.SetDefault("sandbox_remote_url", "")
	v.SetDefault("sandbox_remote_api_key", "")
	v.SetDefault("commit_msg_provider", "")
	v.SetDefault("commit_msg_model", "")
	v.SetDefault("container_image", "engine-sandbox:latest")
	v.SetDefault("container_uid", 1000)
	v.SetDefault("container_gid", 1000)
	v.SetDefault("container_mem_limit", 2048)
	v.SetDefault("container_cpu_shares", 1.0)
	v.SetDefault("worker_concurrency", 4)
	v.SetDefault("per_user_concurrency", 2)
	v.SetDefault("orphan_sweep_interval", 5*time.Minute)
	v.SetDefault("orphan_age_threshold", 2*time.Hour)
	v.SetDefault("timeout_clone", time.Minute)
	v.SetDefault("timeout_agent", 5*time.Minute)
	v.SetDefault("timeout_command", 30*time.Second)
	v.SetDefault("timeout_sandbox", 10*time.Minute)
	v.SetDefault("log_dir", "logs")
}

// Load reads configuration from the environment, layered over cfgFile if
// non-empty (YAML).
func Load(cfgFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", cfgFile, err)
		}
	}
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.SandboxBackend {
	case BackendContainer:
	case BackendRemote:
		if c.SandboxRemoteURL == "" {
			return fmt.Errorf("config: sandbox_remote_url is required for the remote backend")
		}
	default:
		return fmt.Errorf("config: unknown sandbox_backend %q", c.SandboxBackend)
	}
	if c.WorkerConcurrency <= 0 {
		return fmt.Errorf("config: worker_concurrency must be positive")
	}
	if c.PerUserConcurrency <= 0 || c.PerUserConcurrency > c.WorkerConcurrency {
		return fmt.Errorf("config: per_user_concurrency must be in [1, worker_concurrency]")
	}
	return nil
}
