// Package inventory maps environment names to the fleet of targets that a
// deployment operates on. The inventory is a single YAML artifact; host
// addresses never live in calling code.
package inventory

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level convoy configuration.
type Config struct {
	Defaults     Defaults               `yaml:"defaults"`
	Environments map[string]Environment `yaml:"environments"`
}

// Defaults holds settings applied to every environment unless overridden.
type Defaults struct {
	User            string       `yaml:"user,omitempty"`
	IdentityFile    string       `yaml:"identity_file,omitempty"`
	RemoteRoot      string       `yaml:"remote_root,omitempty"`
	Concurrency     int          `yaml:"concurrency"`
	CommandTimeout  Duration     `yaml:"command_timeout"`
	TransferTimeout Duration     `yaml:"transfer_timeout"`
	Health          HealthConfig `yaml:"health"`
}

// HealthConfig describes how restarted services are probed.
type HealthConfig struct {
	Path         string   `yaml:"path,omitempty"`
	Port         int      `yaml:"port,omitempty"`
	Attempts     int      `yaml:"attempts,omitempty"`
	InitialDelay Duration `yaml:"initial_delay,omitempty"`
	MaxDelay     Duration `yaml:"max_delay,omitempty"`
}

// Environment defines a named fleet and the service deployed onto it.
type Environment struct {
	Service      string       `yaml:"service"`
	User         string       `yaml:"user,omitempty"`
	IdentityFile string       `yaml:"identity_file,omitempty"`
	RemoteRoot   string       `yaml:"remote_root,omitempty"`
	CachePaths   []string     `yaml:"cache_paths,omitempty"`
	Become       bool         `yaml:"become,omitempty"`
	HealthURL    string       `yaml:"health_url,omitempty"` // aggregate (load balancer) endpoint
	Health       HealthConfig `yaml:"health,omitempty"`
	Targets      []TargetSpec `yaml:"targets"`
}

// TargetSpec is one host entry as written in the inventory file. Missing
// fields are filled from the environment, then defaults, then ~/.ssh/config.
type TargetSpec struct {
	Name         string `yaml:"name,omitempty"`
	Address      string `yaml:"address"`
	Port         int    `yaml:"port,omitempty"`
	User         string `yaml:"user,omitempty"`
	IdentityFile string `yaml:"identity_file,omitempty"`
	RemoteRoot   string `yaml:"remote_root,omitempty"`
	Via          string `yaml:"via,omitempty"` // bastion hop, e.g. "ops@bastion.example.com"
	HealthPort   int    `yaml:"health_port,omitempty"`
	HealthPath   string `yaml:"health_path,omitempty"`
}

// Duration wraps time.Duration to support YAML unmarshaling from strings like "30s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = dur
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// DefaultConfig returns a Config with sensible default values.
func DefaultConfig() *Config {
	return &Config{
		Environments: make(map[string]Environment),
		Defaults: Defaults{
			Concurrency:     4,
			CommandTimeout:  Duration{60 * time.Second},
			TransferTimeout: Duration{5 * time.Minute},
			Health: HealthConfig{
				Path:         "/ping",
				Port:         80,
				Attempts:     5,
				InitialDelay: Duration{time.Second},
				MaxDelay:     Duration{30 * time.Second},
			},
		},
	}
}

// DefaultConfigPath returns the default config file path.
// Respects $XDG_CONFIG_HOME if set, otherwise falls back to ~/.config.
func DefaultConfigPath() string {
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir != "" {
		return filepath.Join(configDir, "convoy", "config.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "convoy", "config.yaml")
}

// Load reads and parses an inventory YAML file from the given path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading inventory file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing inventory file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid inventory: %w", err)
	}

	return cfg, nil
}

// LoadDefault loads the config from the default path. If the file does not
// exist, it returns the default config (which knows no environments).
func LoadDefault() (*Config, error) {
	path := DefaultConfigPath()
	if path == "" {
		return DefaultConfig(), nil
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return DefaultConfig(), nil
	}

	return Load(path)
}

// Save writes the config to the given file path as YAML.
// It creates parent directories if they don't exist.
func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}

	return nil
}

// Validate checks the config for logical errors.
func (c *Config) Validate() error {
	if c.Defaults.Concurrency < 0 {
		return fmt.Errorf("concurrency must be non-negative, got %d", c.Defaults.Concurrency)
	}
	if c.Defaults.CommandTimeout.Duration < 0 {
		return fmt.Errorf("command timeout must be non-negative, got %s", c.Defaults.CommandTimeout)
	}
	if c.Defaults.TransferTimeout.Duration < 0 {
		return fmt.Errorf("transfer timeout must be non-negative, got %s", c.Defaults.TransferTimeout)
	}
	if err := c.Defaults.Health.validate("defaults"); err != nil {
		return err
	}

	for name, env := range c.Environments {
		if env.Service == "" {
			return fmt.Errorf("environment %q has no service unit", name)
		}
		if len(env.Targets) == 0 {
			return fmt.Errorf("environment %q has no targets", name)
		}
		for i, t := range env.Targets {
			if t.Address == "" {
				return fmt.Errorf("environment %q target %d has no address", name, i)
			}
			if t.Port < 0 || t.Port > 65535 {
				return fmt.Errorf("environment %q target %q: port %d out of range", name, t.Label(), t.Port)
			}
		}
		if err := env.Health.validate(name); err != nil {
			return err
		}
	}

	return nil
}

func (h HealthConfig) validate(scope string) error {
	if h.Attempts < 0 {
		return fmt.Errorf("%s: health attempts must be non-negative, got %d", scope, h.Attempts)
	}
	if h.Port < 0 || h.Port > 65535 {
		return fmt.Errorf("%s: health port %d out of range", scope, h.Port)
	}
	if h.InitialDelay.Duration < 0 || h.MaxDelay.Duration < 0 {
		return fmt.Errorf("%s: health delays must be non-negative", scope)
	}
	return nil
}

// Label returns the display name for a target spec: the explicit name if
// set, otherwise the address.
func (t TargetSpec) Label() string {
	if t.Name != "" {
		return t.Name
	}
	return t.Address
}

// merged returns h overlaid on base: unset fields fall through to base.
func (h HealthConfig) merged(base HealthConfig) HealthConfig {
	out := base
	if h.Path != "" {
		out.Path = h.Path
	}
	if h.Port != 0 {
		out.Port = h.Port
	}
	if h.Attempts != 0 {
		out.Attempts = h.Attempts
	}
	if h.InitialDelay.Duration != 0 {
		out.InitialDelay = h.InitialDelay
	}
	if h.MaxDelay.Duration != 0 {
		out.MaxDelay = h.MaxDelay
	}
	return out
}
