package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models caseline.yml.
type Config struct {
	Engine struct {
		// DefaultApprovalTimeout bounds how long a gate waits for a human
		// before the system denies it. Zero disables the deadline.
		DefaultApprovalTimeout time.Duration `yaml:"default_approval_timeout"`
		// DefaultBatchTimeout bounds await-all on task batches.
		DefaultBatchTimeout time.Duration `yaml:"default_batch_timeout"`
		// PersistRetries is how many times a state write is retried before
		// the mutation is abandoned.
		PersistRetries int `yaml:"persist_retries"`
		// SubscriberBuffer is the per-observer event channel depth.
		SubscriberBuffer int `yaml:"subscriber_buffer"`
	} `yaml:"engine"`
	Server struct {
		Addr string `yaml:"addr"`
	} `yaml:"server"`
	Webhooks []Webhook `yaml:"webhooks"`
}

// Webhook is one outbound event delivery target.
type Webhook struct {
	Name   string   `yaml:"name"`
	URL    string   `yaml:"url"`
	Events []string `yaml:"events"`
	Secret string   `yaml:"secret"`
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "caseline.yml")
}

// Default returns the built-in engine tuning.
func Default() *Config {
	var cfg Config
	cfg.Engine.DefaultApprovalTimeout = 24 * time.Hour
	cfg.Engine.DefaultBatchTimeout = 30 * time.Minute
	cfg.Engine.PersistRetries = 3
	cfg.Engine.SubscriberBuffer = 64
	cfg.Server.Addr = ":8470"
	return &cfg
}

// Load reads config from workspace, falling back to defaults when the
// file does not exist.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes. Unset engine
// tunables take their defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Engine.DefaultApprovalTimeout < 0 {
		return fmt.Errorf("config.engine.default_approval_timeout must not be negative")
	}
	if c.Engine.DefaultBatchTimeout <= 0 {
		return fmt.Errorf("config.engine.default_batch_timeout must be positive")
	}
	if c.Engine.PersistRetries < 1 {
		return fmt.Errorf("config.engine.persist_retries must be at least 1")
	}
	if c.Engine.SubscriberBuffer < 1 {
		return fmt.Errorf("config.engine.subscriber_buffer must be at least 1")
	}
	seen := map[string]bool{}
	for _, hook := range c.Webhooks {
		if hook.Name == "" {
			return fmt.Errorf("config.webhooks entry is missing a name")
		}
		if seen[hook.Name] {
			return fmt.Errorf("config.webhooks has duplicate name %s", hook.Name)
		}
		seen[hook.Name] = true
		if hook.URL == "" {
			return fmt.Errorf("webhook %s is missing a url", hook.Name)
		}
	}
	return nil
}
