// Package config provides configuration management for castlist.
// It loads settings from environment variables with the CASTLIST_ prefix,
// optionally overlaid by a YAML file, and provides defaults for every option.
//
// Precedence, lowest to highest: built-in defaults, the YAML file named by
// CASTLIST_CONFIG (or passed to Load), environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration settings for castlist.
type Config struct {
	Session  string         `yaml:"session"`
	LLM      LLMConfig      `yaml:"llm"`
	Analysis AnalysisConfig `yaml:"analysis"`
	Resolver ResolverConfig `yaml:"resolver"`
	Storage  StorageConfig  `yaml:"storage"`
	Log      LogConfig      `yaml:"log"`
}

// LLMConfig contains backend configuration.
type LLMConfig struct {
	Backend string `yaml:"backend"` // primary or local (default: primary)

	PrimaryURL           string `yaml:"primary_url"`            // OpenAI-compatible server (default: http://127.0.0.1:5000)
	PrimaryAPIKey        string `yaml:"primary_api_key"`        // optional bearer token
	PrimaryModel         string `yaml:"primary_model"`          // optional model name
	PrimaryContextWindow int    `yaml:"primary_context_window"` // default: 8192

	OllamaURL   string `yaml:"ollama_url"`   // default: http://localhost:11434
	OllamaModel string `yaml:"ollama_model"` // no default; the local backend needs an explicit model

	Timeout           time.Duration `yaml:"timeout"`             // per request (default: 120s)
	RequestsPerSecond float64       `yaml:"requests_per_second"` // 0 disables the limit
	BreakerFailures   int           `yaml:"breaker_failures"`    // consecutive failures before the circuit opens (default: 5)
}

// AnalysisConfig contains batch analysis settings.
type AnalysisConfig struct {
	BatchSize     int    `yaml:"batch_size"`     // messages per harvest batch (default: 20)
	CacheCapacity int    `yaml:"cache_capacity"` // cached batch analyses (default: 50)
	Retries       int    `yaml:"retries"`        // extra attempts per batch (default: 3)
	Tokenizer     string `yaml:"tokenizer"`      // tiktoken encoding, or "estimate" (default: cl100k_base)
}

// ResolverConfig contains entity resolution settings.
type ResolverConfig struct {
	Threshold int `yaml:"threshold"` // minimum similarity for an automatic merge (default: 70)
}

// StorageConfig contains roster storage settings.
type StorageConfig struct {
	DataPath string `yaml:"data_path"` // directory holding castlist.db (default: ./data)
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level       string `yaml:"level"`       // debug, info, warn, error (default: info)
	Development bool   `yaml:"development"` // human-readable console output
}

// DatabasePath returns the sqlite file path under DataPath.
func (s StorageConfig) DatabasePath() string {
	return filepath.Join(s.DataPath, "castlist.db")
}

// LoadConfig loads configuration from the file named by CASTLIST_CONFIG, if
// any, and environment variables.
func LoadConfig() (*Config, error) {
	return Load(os.Getenv("CASTLIST_CONFIG"))
}

// Load loads configuration from the YAML file at path and environment
// variables. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Defaults()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: failed to read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: failed to parse %s: %w", path, err)
		}
	}
	applyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		Session: "default",
		LLM: LLMConfig{
			Backend:              "primary",
			PrimaryURL:           "http://127.0.0.1:5000",
			PrimaryContextWindow: 8192,
			OllamaURL:            "http://localhost:11434",
			Timeout:              120 * time.Second,
			BreakerFailures:      5,
		},
		Analysis: AnalysisConfig{
			BatchSize:     20,
			CacheCapacity: 50,
			Retries:       3,
			Tokenizer:     "cl100k_base",
		},
		Resolver: ResolverConfig{
			Threshold: 70,
		},
		Storage: StorageConfig{
			DataPath: "./data",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// applyEnv overrides cfg with any CASTLIST_ environment variables that are set.
func applyEnv(cfg *Config) {
	cfg.Session = getEnv("CASTLIST_SESSION", cfg.Session)

	cfg.LLM.Backend = getEnv("CASTLIST_BACKEND", cfg.LLM.Backend)
	cfg.LLM.PrimaryURL = getEnv("CASTLIST_PRIMARY_URL", cfg.LLM.PrimaryURL)
	cfg.LLM.PrimaryAPIKey = getEnv("CASTLIST_PRIMARY_API_KEY", cfg.LLM.PrimaryAPIKey)
	cfg.LLM.PrimaryModel = getEnv("CASTLIST_PRIMARY_MODEL", cfg.LLM.PrimaryModel)
	cfg.LLM.PrimaryContextWindow = getEnvInt("CASTLIST_PRIMARY_CONTEXT_WINDOW", cfg.LLM.PrimaryContextWindow)
	cfg.LLM.OllamaURL = getEnv("CASTLIST_OLLAMA_URL", cfg.LLM.OllamaURL)
	cfg.LLM.OllamaModel = getEnv("CASTLIST_OLLAMA_MODEL", cfg.LLM.OllamaModel)
	cfg.LLM.Timeout = getEnvDuration("CASTLIST_LLM_TIMEOUT", cfg.LLM.Timeout)
	cfg.LLM.RequestsPerSecond = getEnvFloat("CASTLIST_REQUESTS_PER_SECOND", cfg.LLM.RequestsPerSecond)
	cfg.LLM.BreakerFailures = getEnvInt("CASTLIST_BREAKER_FAILURES", cfg.LLM.BreakerFailures)

	cfg.Analysis.BatchSize = getEnvInt("CASTLIST_BATCH_SIZE", cfg.Analysis.BatchSize)
	cfg.Analysis.CacheCapacity = getEnvInt("CASTLIST_CACHE_CAPACITY", cfg.Analysis.CacheCapacity)
	cfg.Analysis.Retries = getEnvInt("CASTLIST_RETRIES", cfg.Analysis.Retries)
	cfg.Analysis.Tokenizer = getEnv("CASTLIST_TOKENIZER", cfg.Analysis.Tokenizer)

	cfg.Resolver.Threshold = getEnvInt("CASTLIST_MERGE_THRESHOLD", cfg.Resolver.Threshold)

	cfg.Storage.DataPath = getEnv("CASTLIST_DATA_PATH", cfg.Storage.DataPath)

	cfg.Log.Level = getEnv("CASTLIST_LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Development = getEnvBool("CASTLIST_LOG_DEVELOPMENT", cfg.Log.Development)
}

// Validate checks that every setting is in range.
func (c *Config) Validate() error {
	var errs []error
	switch strings.ToLower(c.LLM.Backend) {
	case "primary", "local", "ollama":
	default:
		errs = append(errs, fmt.Errorf("llm.backend must be primary or local, got %q", c.LLM.Backend))
	}
	if c.LLM.PrimaryContextWindow <= 0 {
		errs = append(errs, errors.New("llm.primary_context_window must be positive"))
	}
	if c.LLM.RequestsPerSecond < 0 {
		errs = append(errs, errors.New("llm.requests_per_second must not be negative"))
	}
	if c.Analysis.BatchSize <= 0 {
		errs = append(errs, errors.New("analysis.batch_size must be positive"))
	}
	if c.Analysis.CacheCapacity <= 0 {
		errs = append(errs, errors.New("analysis.cache_capacity must be positive"))
	}
	if c.Analysis.Retries < 0 {
		errs = append(errs, errors.New("analysis.retries must not be negative"))
	}
	if c.Resolver.Threshold < 0 || c.Resolver.Threshold > 100 {
		errs = append(errs, fmt.Errorf("resolver.threshold must be within 0-100, got %d", c.Resolver.Threshold))
	}
	if strings.TrimSpace(c.Session) == "" {
		errs = append(errs, errors.New("session must not be empty"))
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level must be debug, info, warn or error, got %q", c.Log.Level))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// getEnv retrieves a string environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt retrieves an integer environment variable or returns a default value.
// If the environment variable exists but cannot be parsed as an integer,
// it returns the default value.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvBool retrieves a boolean environment variable or returns a default value.
// It recognizes "true", "1", "yes" as true and "false", "0", "no" as false (case-insensitive).
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		switch strings.ToLower(value) {
		case "true", "1", "yes":
			return true
		case "false", "0", "no":
			return false
		}
	}
	return defaultValue
}
