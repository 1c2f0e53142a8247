// Package config loads and validates the daemon configuration from YAML.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/fabriziosalmi/proximity-sub006/pkg/proxmox"
)

// PortsConfig defines the two disjoint ranges the port allocator draws from.
type PortsConfig struct {
	PublicLow    int `yaml:"public_low" validate:"required,gt=0,lte=65535"`
	PublicHigh   int `yaml:"public_high" validate:"required,gtefield=PublicLow,lte=65535"`
	InternalLow  int `yaml:"internal_low" validate:"required,gt=0,lte=65535"`
	InternalHigh int `yaml:"internal_high" validate:"required,gtefield=InternalLow,lte=65535"`
}

// OrchestratorConfig tunes the worker pool and retry behaviour.
type OrchestratorConfig struct {
	Workers        int           `yaml:"workers" validate:"gte=1,lte=64"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	MaxAttempts    int           `yaml:"max_attempts" validate:"gte=1,lte=20"`
	BackoffBase    time.Duration `yaml:"backoff_base"`
	BackoffCap     time.Duration `yaml:"backoff_cap"`
	ReconcileEvery time.Duration `yaml:"reconcile_every"`
	JanitorEvery   time.Duration `yaml:"janitor_every"`
	StuckDeadline  time.Duration `yaml:"stuck_deadline"`
}

// Config is the full daemon configuration.
type Config struct {
	DatabasePath string `yaml:"database_path" validate:"required"`
	TemplateDir  string `yaml:"template_dir" validate:"required"`
	Storage      string `yaml:"storage"`
	Bridge       string `yaml:"bridge"`

	Ports        PortsConfig          `yaml:"ports"`
	Orchestrator OrchestratorConfig   `yaml:"orchestrator"`
	Hypervisor   proxmox.ClientConfig `yaml:"hypervisor"`

	LogLevel    string `yaml:"log_level" validate:"omitempty,oneof=trace debug info warn error"`
	MetricsAddr string `yaml:"metrics_addr"`
}

// applyDefaults fills unset fields with working defaults.
func (c *Config) applyDefaults() {
	if c.Storage == "" {
		c.Storage = "local-lvm"
	}
	if c.Bridge == "" {
		c.Bridge = "vmbr0"
	}
	if c.Ports.PublicLow == 0 {
		c.Ports = PortsConfig{
			PublicLow:    30000,
			PublicHigh:   30999,
			InternalLow:  31000,
			InternalHigh: 31999,
		}
	}
	if c.Orchestrator.Workers == 0 {
		c.Orchestrator.Workers = 4
	}
	if c.Orchestrator.PollInterval == 0 {
		c.Orchestrator.PollInterval = 2 * time.Second
	}
	if c.Orchestrator.MaxAttempts == 0 {
		c.Orchestrator.MaxAttempts = 5
	}
	if c.Orchestrator.BackoffBase == 0 {
		c.Orchestrator.BackoffBase = 5 * time.Second
	}
	if c.Orchestrator.BackoffCap == 0 {
		c.Orchestrator.BackoffCap = 15 * time.Minute
	}
	if c.Orchestrator.ReconcileEvery == 0 {
		c.Orchestrator.ReconcileEvery = time.Hour
	}
	if c.Orchestrator.JanitorEvery == 0 {
		c.Orchestrator.JanitorEvery = 6 * time.Hour
	}
	if c.Orchestrator.StuckDeadline == 0 {
		c.Orchestrator.StuckDeadline = 2 * time.Hour
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.MetricsAddr == "" {
		c.MetricsAddr = ":9464"
	}
	c.Hypervisor.ApplyDefaults()
}

// Load reads, defaults, and validates a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyDefaults()

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks a configuration against its struct constraints plus the
// cross-field rules the tags cannot express.
func Validate(cfg *Config) error {
	v := validator.New()
	if err := v.Struct(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if cfg.Ports.PublicLow <= cfg.Ports.InternalHigh && cfg.Ports.InternalLow <= cfg.Ports.PublicHigh {
		return fmt.Errorf("invalid configuration: public and internal port ranges overlap")
	}

	return nil
}
