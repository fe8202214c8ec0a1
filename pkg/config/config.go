// Package config loads kernel settings from environment variables,
// optionally overlaid with a YAML run profile.
package config

import (
	"fmt"
	"os"
	"strconv"
)

// Config holds kernel configuration.
type Config struct {
	LogLevel string `yaml:"log_level"`

	// Nucleus budgets.
	MaxContextTokens   int  `yaml:"max_context_tokens"`
	MaxQueryRounds     int  `yaml:"max_query_rounds"`
	MaxRetrievalRounds int  `yaml:"max_retrieval_rounds"`
	PreflightEnabled   bool `yaml:"preflight_enabled"`
	PostcheckEnabled   bool `yaml:"postcheck_enabled"`

	// Checkpointing.
	CheckpointBackend  string `yaml:"checkpoint_backend"` // memory | fs | sqlite | postgres | redis
	CheckpointDir      string `yaml:"checkpoint_dir"`
	CheckpointDSN      string `yaml:"checkpoint_dsn"`
	CheckpointInterval int    `yaml:"checkpoint_interval"`
	CheckpointKeepLast int    `yaml:"checkpoint_keep_last"`

	// LLM gateway rate limits.
	LLMRequestsPerSecond float64 `yaml:"llm_requests_per_second"`
	LLMBurst             int     `yaml:"llm_burst"`

	// Bundle export.
	BundleDir string `yaml:"bundle_dir"`
}

// Load reads configuration from environment variables with defaults.
func Load() *Config {
	return &Config{
		LogLevel:             envString("KEEL_LOG_LEVEL", "INFO"),
		MaxContextTokens:     envInt("KEEL_MAX_CONTEXT_TOKENS", 32768),
		MaxQueryRounds:       envInt("KEEL_MAX_QUERY_ROUNDS", 3),
		MaxRetrievalRounds:   envInt("KEEL_MAX_RETRIEVAL_ROUNDS", 1),
		PreflightEnabled:     envBool("KEEL_PREFLIGHT_ENABLED"),
		PostcheckEnabled:     envBool("KEEL_POSTCHECK_ENABLED"),
		CheckpointBackend:    envString("KEEL_CHECKPOINT_BACKEND", "memory"),
		CheckpointDir:        envString("KEEL_CHECKPOINT_DIR", ".keel/checkpoints"),
		CheckpointDSN:        os.Getenv("KEEL_CHECKPOINT_DSN"),
		CheckpointInterval:   envInt("KEEL_CHECKPOINT_INTERVAL", 1),
		CheckpointKeepLast:   envInt("KEEL_CHECKPOINT_KEEP_LAST", 10),
		LLMRequestsPerSecond: envFloat("KEEL_LLM_RPS", 2),
		LLMBurst:             envInt("KEEL_LLM_BURST", 4),
		BundleDir:            envString("KEEL_BUNDLE_DIR", ".keel/bundles"),
	}
}

// Validate rejects nonsensical settings.
func (c *Config) Validate() error {
	if c.MaxContextTokens <= 0 {
		return fmt.Errorf("config: max_context_tokens must be positive")
	}
	if c.MaxQueryRounds <= 0 {
		return fmt.Errorf("config: max_query_rounds must be positive")
	}
	if c.CheckpointInterval <= 0 {
		return fmt.Errorf("config: checkpoint_interval must be positive")
	}
	switch c.CheckpointBackend {
	case "memory", "fs", "sqlite", "postgres", "redis":
	default:
		return fmt.Errorf("config: unknown checkpoint backend %q", c.CheckpointBackend)
	}
	return nil
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envBool(key string) bool {
	return os.Getenv(key) == "true"
}
