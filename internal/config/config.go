// Package config defines the runtime configuration tree and its YAML
// loader. The config is the single source of truth passed at construction;
// updates are applied copy-on-write by reloading.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	LLM        LLMConfig      `yaml:"llm"`
	Memory     MemoryConfig   `yaml:"memory"`
	Tools      ToolsConfig    `yaml:"tools"`
	Agent      AgentConfig    `yaml:"agent"`
	Failover   FailoverConfig `yaml:"failover"`
	Persona    PersonaConfig  `yaml:"persona"`
	Logging    LoggingConfig  `yaml:"logging"`
}

// ProviderConfig describes one LLM provider endpoint.
type ProviderConfig struct {
	Provider string `yaml:"provider"` // anthropic, openai, openai-compatible
	Model    string `yaml:"model"`
	APIKey   string `yaml:"api_key"`
	BaseURL  string `yaml:"base_url"`
}

// LLMConfig configures the provider chain and generation parameters.
type LLMConfig struct {
	ProviderConfig `yaml:",inline"`

	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`

	// Fallbacks are tried in order after the primary.
	Fallbacks []ProviderConfig `yaml:"fallbacks"`

	// TargetPromptTokens caps the assembled prompt; zero derives 60% of
	// the adapter's context window.
	TargetPromptTokens int `yaml:"target_prompt_tokens"`
}

// MemoryConfig configures the store and retriever.
type MemoryConfig struct {
	Path               string        `yaml:"path"`
	CacheSize          int           `yaml:"cache_size"`
	CacheTTL           time.Duration `yaml:"cache_ttl"`
	EnableQueryRewrite bool          `yaml:"enable_query_rewrite"`
	ConsolidationCron  string        `yaml:"consolidation_cron"`
}

// ToolsConfig configures tool execution and security.
type ToolsConfig struct {
	Timeout        time.Duration `yaml:"timeout"`
	MaxParallel    int           `yaml:"max_parallel"`
	AllowPaths     []string      `yaml:"allow_paths"`
	ShellBlocklist []string      `yaml:"shell_blocklist"`
}

// AgentConfig configures the tool-use loop.
type AgentConfig struct {
	MaxIterations       int           `yaml:"max_iterations"`
	RecentEntityMax     int           `yaml:"recent_entity_max"`
	RecentEntityTTL     time.Duration `yaml:"recent_entity_ttl"`
	RetrospectThreshold time.Duration `yaml:"retrospect_threshold"`
	RetrospectEnabled   *bool         `yaml:"retrospect_enabled"`
	RetrospectDir       string        `yaml:"retrospect_dir"`
	VerifierLLM         string        `yaml:"verifier_llm"` // auto, always, never
}

// FailoverConfig configures the provider health state machine.
type FailoverConfig struct {
	FailureThreshold    int           `yaml:"failure_threshold"`
	RecoveryThreshold   int           `yaml:"recovery_threshold"`
	CooldownBase        time.Duration `yaml:"cooldown_base"`
	CooldownMax         time.Duration `yaml:"cooldown_max"`
	CooldownMultiplier  float64       `yaml:"cooldown_multiplier"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`
}

// PersonaConfig locates the persona bundle on disk.
type PersonaConfig struct {
	Dir   string `yaml:"dir"`
	Watch bool   `yaml:"watch"`
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns a config with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.LLM.Temperature == 0 {
		c.LLM.Temperature = 0.7
	}
	if c.LLM.MaxTokens <= 0 {
		c.LLM.MaxTokens = 4096
	}
	if c.Memory.CacheSize <= 0 {
		c.Memory.CacheSize = 1000
	}
	if c.Memory.ConsolidationCron == "" {
		c.Memory.ConsolidationCron = "@daily"
	}
	if c.Tools.Timeout <= 0 {
		c.Tools.Timeout = 30 * time.Second
	}
	if c.Tools.MaxParallel <= 0 {
		c.Tools.MaxParallel = 3
	}
	if c.Agent.MaxIterations <= 0 {
		c.Agent.MaxIterations = 10
	}
	if c.Agent.RecentEntityMax <= 0 {
		c.Agent.RecentEntityMax = 20
	}
	if c.Agent.RecentEntityTTL <= 0 {
		c.Agent.RecentEntityTTL = 300 * time.Second
	}
	if c.Agent.RetrospectThreshold <= 0 {
		c.Agent.RetrospectThreshold = 60 * time.Second
	}
	if c.Agent.RetrospectEnabled == nil {
		enabled := true
		c.Agent.RetrospectEnabled = &enabled
	}
	if c.Agent.VerifierLLM == "" {
		c.Agent.VerifierLLM = "auto"
	}
	if c.Failover.FailureThreshold <= 0 {
		c.Failover.FailureThreshold = 3
	}
	if c.Failover.RecoveryThreshold <= 0 {
		c.Failover.RecoveryThreshold = 2
	}
	if c.Failover.CooldownBase <= 0 {
		c.Failover.CooldownBase = 30 * time.Second
	}
	if c.Failover.CooldownMax <= 0 {
		c.Failover.CooldownMax = 300 * time.Second
	}
	if c.Failover.CooldownMultiplier <= 1 {
		c.Failover.CooldownMultiplier = 2.0
	}
	if c.Failover.HealthCheckInterval <= 0 {
		c.Failover.HealthCheckInterval = 60 * time.Second
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks invariants the defaults cannot repair.
func (c *Config) Validate() error {
	if c.LLM.Provider == "" {
		return fmt.Errorf("config: llm.provider is required")
	}
	switch c.LLM.Provider {
	case "anthropic", "openai", "openai-compatible":
	default:
		return fmt.Errorf("config: unknown llm.provider %q", c.LLM.Provider)
	}
	for i, fb := range c.LLM.Fallbacks {
		switch fb.Provider {
		case "anthropic", "openai", "openai-compatible":
		default:
			return fmt.Errorf("config: unknown fallback provider %q at index %d", fb.Provider, i)
		}
	}
	if c.Tools.MaxParallel < 1 {
		return fmt.Errorf("config: tools.max_parallel must be at least 1")
	}
	return nil
}

// Load reads a YAML config file, expanding ${ENV} references, and applies
// defaults and validation.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
