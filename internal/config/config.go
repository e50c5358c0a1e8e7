// Package config loads the service-level configuration, grounded on
// logsum-cosmos/config's DefaultConfig+LoadFrom(TOML) pattern and the
// teacher's configuration.go Clone()/IsValid() idiom.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config captures every tunable named across spec.md §3-§5.
type Config struct {
	ListenContextDir string `toml:"context_dir"`
	RepoConfigPath   string `toml:"repo_config_path"`
	PermissionsPath  string `toml:"permissions_path"`
	SUBootstrapPath  string `toml:"su_bootstrap_path"`

	GlobalCodeHostToken string `toml:"global_code_host_token"`
	CodeHostBaseURL     string `toml:"code_host_base_url"`

	LLMBaseURL     string  `toml:"llm_base_url"`
	LLMAPIKey      string  `toml:"llm_api_key"`
	LLMModel       string  `toml:"llm_model"`
	LLMTemperature float32 `toml:"llm_temperature"`
	LLMMaxTokens   int     `toml:"llm_max_tokens"`

	RedisAddr string `toml:"redis_addr"`

	AggregationDelay   time.Duration `toml:"-"`
	AggregationDelaySec int          `toml:"aggregation_delay_seconds"`

	ContextTTL       time.Duration `toml:"-"`
	ContextTTLHours  int           `toml:"context_ttl_hours"`
	MaxContexts      int           `toml:"max_contexts"`
	MaxMessages      int           `toml:"max_messages_per_context"`

	MaxLoopTurns     int `toml:"max_loop_turns"`
	MaxToolRetries   int `toml:"max_tool_retries"`

	DedupWindow      time.Duration `toml:"-"`
	DedupWindowSec   int           `toml:"dedup_window_seconds"`

	EnableDebugLogging bool `toml:"enable_debug_logging"`
	MetricsAddr        string `toml:"metrics_addr"`

	StarMilestones []int `toml:"star_milestones"`
}

// Default returns a Config with every field populated, matching the
// teacher's pattern of supplying safe defaults in OnConfigurationChange
// before validating.
func Default() Config {
	return Config{
		ListenContextDir:    "./data/contexts",
		RepoConfigPath:      "./config/repos.yaml",
		PermissionsPath:     "./data/permissions.json",
		SUBootstrapPath:     "./config/su_bootstrap.json",
		CodeHostBaseURL:     "https://api.github.com/",
		LLMModel:            "gpt-4o-mini",
		LLMTemperature:      0.2,
		LLMMaxTokens:        2000,
		RedisAddr:           "127.0.0.1:6379",
		AggregationDelaySec: 10,
		ContextTTLHours:     24,
		MaxContexts:         1000,
		MaxMessages:         100,
		MaxLoopTurns:        15,
		MaxToolRetries:      2,
		DedupWindowSec:      3600,
		MetricsAddr:         ":9090",
		StarMilestones:      []int{10, 50, 100, 500, 1000, 5000, 10000},
	}
}

// IsValid checks required configuration, mirroring configuration.go's IsValid.
func (c *Config) IsValid() error {
	if c.LLMAPIKey == "" {
		return fmt.Errorf("llm_api_key is required")
	}
	if c.AggregationDelaySec < 1 {
		return fmt.Errorf("aggregation_delay_seconds must be >= 1, got %d", c.AggregationDelaySec)
	}
	if c.MaxLoopTurns < 1 || c.MaxLoopTurns > 15 {
		return fmt.Errorf("max_loop_turns must be in [1,15], got %d", c.MaxLoopTurns)
	}
	return nil
}

// Clone shallow-copies the configuration, matching configuration.go's Clone.
func (c *Config) Clone() *Config {
	clone := *c
	clone.StarMilestones = append([]int(nil), c.StarMilestones...)
	return &clone
}

// resolveDerived computes the time.Duration fields from their TOML-facing
// integer counterparts. Called after every load.
func (c *Config) resolveDerived() {
	c.AggregationDelay = time.Duration(c.AggregationDelaySec) * time.Second
	c.ContextTTL = time.Duration(c.ContextTTLHours) * time.Hour
	c.DedupWindow = time.Duration(c.DedupWindowSec) * time.Second
}

// LoadFrom loads TOML configuration overlaid onto defaults, matching
// logsum-cosmos/config.LoadFrom's missing-file-is-not-an-error semantics.
func LoadFrom(path string) (*Config, []string, error) {
	cfg := Default()

	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.resolveDerived()
			return &cfg, nil, nil
		}
		return nil, nil, fmt.Errorf("loading config %s: %w", path, err)
	}

	cfg.resolveDerived()

	var warnings []string
	for _, key := range meta.Undecoded() {
		warnings = append(warnings, fmt.Sprintf("unknown config key: %s", key.String()))
	}

	return &cfg, warnings, nil
}

// EnvOverlay applies GHRELAY_-prefixed environment overrides for secrets that
// should never live in a committed TOML file (API keys, tokens).
func (c *Config) EnvOverlay(environ []string) {
	for _, kv := range environ {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 {
			continue
		}
		switch parts[0] {
		case "GHRELAY_LLM_API_KEY":
			c.LLMAPIKey = parts[1]
		case "GHRELAY_GLOBAL_CODE_HOST_TOKEN":
			c.GlobalCodeHostToken = parts[1]
		}
	}
}
