// Package config provides YAML-based configuration loading for Chatterbox.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level Chatterbox configuration, loaded from chatterbox.yaml.
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Platform  PlatformConfig  `yaml:"platform"`
	Backend   BackendConfig   `yaml:"backend"`
	Memory    MemoryConfig    `yaml:"memory"`
	Admission AdmissionConfig `yaml:"admission"`
	Usage     UsageConfig     `yaml:"usage"`
	Pacing    PacingConfig    `yaml:"pacing"`
	Flow      FlowConfig      `yaml:"flow"`
	Health    HealthConfig    `yaml:"health"`
}

// DatabaseConfig selects and addresses the durable store.
type DatabaseConfig struct {
	Driver string `yaml:"driver"` // "sqlite" or "mysql"
	Path   string `yaml:"path"`   // sqlite file path
	Host   string `yaml:"host"`
	Port   int    `yaml:"port"`
	Name   string `yaml:"name"`
	User   string `yaml:"user"`
}

// PlatformConfig selects the chat platform adapter.
type PlatformConfig struct {
	Name           string `yaml:"name"` // "discord" or "slack"
	AdminRole      string `yaml:"admin_role"`
	MaxMessageSize int    `yaml:"max_message_size"`
}

// BackendConfig selects the generation backend and its models.
type BackendConfig struct {
	Provider        string  `yaml:"provider"` // "openai" or "anthropic"
	Model           string  `yaml:"model"`
	ClassifierModel string  `yaml:"classifier_model"`
	ImageModel      string  `yaml:"image_model"`
	SystemPrompt    string  `yaml:"system_prompt"`
	MaxTokens       int     `yaml:"max_tokens"`
	Temperature     float64 `yaml:"temperature"`
}

// MemoryConfig bounds the context assembled for each generation call.
type MemoryConfig struct {
	MaxContext       int `yaml:"max_context"`
	MaxRecent        int `yaml:"max_recent"`
	MaxBackfill      int `yaml:"max_backfill"`
	MaxCrossScope    int `yaml:"max_cross_scope"`
	CrossScopeMargin int `yaml:"cross_scope_margin"`
	CandidatePool    int `yaml:"candidate_pool"`
}

// AdmissionConfig tunes the reply admission engine.
type AdmissionConfig struct {
	MaxIgnore int `yaml:"max_ignore"`
}

// UsageConfig configures the image-generation quota.
type UsageConfig struct {
	Quota     int           `yaml:"quota"`
	Window    time.Duration `yaml:"window"`
	SweepCron string        `yaml:"sweep_cron"`
}

// PacingTier maps a response length ceiling to a thinking delay.
type PacingTier struct {
	MaxChars int           `yaml:"max_chars"` // 0 means unbounded
	Delay    time.Duration `yaml:"delay"`
}

// PacingConfig controls response pacing and chunking.
type PacingConfig struct {
	Tiers           []PacingTier  `yaml:"tiers"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	BreakTolerance  int           `yaml:"break_tolerance"`
	SplitChance     float64       `yaml:"split_chance"`
}

// FlowConfig holds the timeouts of the guided image-edit flow.
type FlowConfig struct {
	AttachmentTimeout  time.Duration `yaml:"attachment_timeout"`
	InstructionTimeout time.Duration `yaml:"instruction_timeout"`
}

// HealthConfig configures the liveness endpoint. A negative port disables it.
type HealthConfig struct {
	Port int `yaml:"port"`
}

// DefaultPacingTiers are used when no tiers are configured.
var DefaultPacingTiers = []PacingTier{
	{MaxChars: 50, Delay: 2 * time.Second},
	{MaxChars: 200, Delay: 4 * time.Second},
	{MaxChars: 500, Delay: 5 * time.Second},
	{MaxChars: 0, Delay: 8 * time.Second},
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a Config with every default applied and no platform selected.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.Driver == "sqlite" && c.Database.Path == "" {
		c.Database.Path = "chatterbox.db"
	}
	if c.Database.Driver == "mysql" {
		if c.Database.Host == "" {
			c.Database.Host = "127.0.0.1"
		}
		if c.Database.Port == 0 {
			c.Database.Port = 3306
		}
		if c.Database.Name == "" {
			c.Database.Name = "chatterbox"
		}
		if c.Database.User == "" {
			c.Database.User = "root"
		}
	}

	if c.Platform.AdminRole == "" {
		c.Platform.AdminRole = "Chatterbox Admin"
	}
	if c.Platform.MaxMessageSize == 0 {
		switch c.Platform.Name {
		case "slack":
			c.Platform.MaxMessageSize = 4000
		default:
			c.Platform.MaxMessageSize = 2000
		}
	}

	if c.Backend.Provider == "" {
		c.Backend.Provider = "openai"
	}
	if c.Backend.Model == "" {
		switch c.Backend.Provider {
		case "anthropic":
			c.Backend.Model = "claude-sonnet-4-5"
		default:
			c.Backend.Model = "gpt-4o"
		}
	}
	if c.Backend.ClassifierModel == "" {
		switch c.Backend.Provider {
		case "anthropic":
			c.Backend.ClassifierModel = "claude-haiku-4-5"
		default:
			c.Backend.ClassifierModel = "gpt-4o-mini"
		}
	}
	if c.Backend.ImageModel == "" {
		c.Backend.ImageModel = "gpt-image-1"
	}
	if c.Backend.MaxTokens == 0 {
		c.Backend.MaxTokens = 1024
	}
	if c.Backend.Temperature == 0 {
		c.Backend.Temperature = 0.9
	}

	if c.Memory.MaxContext == 0 {
		c.Memory.MaxContext = 80
	}
	if c.Memory.MaxRecent == 0 {
		c.Memory.MaxRecent = 40
	}
	if c.Memory.MaxBackfill == 0 {
		c.Memory.MaxBackfill = 20
	}
	if c.Memory.MaxCrossScope == 0 {
		c.Memory.MaxCrossScope = 10
	}
	if c.Memory.CrossScopeMargin == 0 {
		c.Memory.CrossScopeMargin = 5
	}
	if c.Memory.CandidatePool == 0 {
		c.Memory.CandidatePool = 200
	}

	if c.Admission.MaxIgnore == 0 {
		c.Admission.MaxIgnore = 1
	}

	if c.Usage.Quota == 0 {
		c.Usage.Quota = 5
	}
	if c.Usage.Window == 0 {
		c.Usage.Window = 24 * time.Hour
	}
	if c.Usage.SweepCron == "" {
		c.Usage.SweepCron = "0 4 * * *"
	}

	if len(c.Pacing.Tiers) == 0 {
		c.Pacing.Tiers = append([]PacingTier(nil), DefaultPacingTiers...)
	}
	if c.Pacing.RefreshInterval == 0 {
		c.Pacing.RefreshInterval = 8 * time.Second
	}
	if c.Pacing.BreakTolerance == 0 {
		c.Pacing.BreakTolerance = 100
	}
	if c.Pacing.SplitChance == 0 {
		c.Pacing.SplitChance = 0.05
	}

	if c.Flow.AttachmentTimeout == 0 {
		c.Flow.AttachmentTimeout = 30 * time.Second
	}
	if c.Flow.InstructionTimeout == 0 {
		c.Flow.InstructionTimeout = 30 * time.Second
	}

	if c.Health.Port == 0 {
		c.Health.Port = 8080
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	switch c.Database.Driver {
	case "sqlite", "mysql":
	default:
		errs = append(errs, fmt.Sprintf("database.driver %q is not supported (sqlite, mysql)", c.Database.Driver))
	}
	switch c.Platform.Name {
	case "discord", "slack":
	case "":
		errs = append(errs, "platform.name is required")
	default:
		errs = append(errs, fmt.Sprintf("platform.name %q is not supported (discord, slack)", c.Platform.Name))
	}
	switch c.Backend.Provider {
	case "openai", "anthropic":
	default:
		errs = append(errs, fmt.Sprintf("backend.provider %q is not supported (openai, anthropic)", c.Backend.Provider))
	}
	if c.Memory.MaxRecent > c.Memory.MaxContext {
		errs = append(errs, "memory.max_recent must not exceed memory.max_context")
	}
	if c.Usage.Quota < 0 {
		errs = append(errs, "usage.quota must not be negative")
	}
	if c.Pacing.SplitChance < 0 || c.Pacing.SplitChance > 1 {
		errs = append(errs, "pacing.split_chance must be within [0, 1]")
	}
	for i, t := range c.Pacing.Tiers {
		if t.Delay < 0 {
			errs = append(errs, fmt.Sprintf("pacing.tiers[%d].delay must not be negative", i))
		}
	}
	if c.Platform.MaxMessageSize <= c.Pacing.BreakTolerance {
		errs = append(errs, "platform.max_message_size must exceed pacing.break_tolerance")
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
