package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/castlist/internal/config"
)

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("CASTLIST_CONFIG", "")
	cfg, err := config.LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "default", cfg.Session)
	assert.Equal(t, "primary", cfg.LLM.Backend)
	assert.Equal(t, "http://localhost:11434", cfg.LLM.OllamaURL)
	assert.Empty(t, cfg.LLM.OllamaModel, "local model must be chosen explicitly")
	assert.Equal(t, 120*time.Second, cfg.LLM.Timeout)
	assert.Equal(t, 50, cfg.Analysis.CacheCapacity)
	assert.Equal(t, 3, cfg.Analysis.Retries)
	assert.Equal(t, 70, cfg.Resolver.Threshold)
	assert.Equal(t, filepath.Join("data", "castlist.db"), filepath.Clean(cfg.Storage.DatabasePath()))
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv("CASTLIST_CONFIG", "")
	t.Setenv("CASTLIST_BACKEND", "local")
	t.Setenv("CASTLIST_OLLAMA_MODEL", "qwen2.5:7b")
	t.Setenv("CASTLIST_MERGE_THRESHOLD", "85")
	t.Setenv("CASTLIST_LLM_TIMEOUT", "30s")
	t.Setenv("CASTLIST_REQUESTS_PER_SECOND", "2.5")
	t.Setenv("CASTLIST_LOG_DEVELOPMENT", "yes")

	cfg, err := config.LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "local", cfg.LLM.Backend)
	assert.Equal(t, "qwen2.5:7b", cfg.LLM.OllamaModel)
	assert.Equal(t, 85, cfg.Resolver.Threshold)
	assert.Equal(t, 30*time.Second, cfg.LLM.Timeout)
	assert.Equal(t, 2.5, cfg.LLM.RequestsPerSecond)
	assert.True(t, cfg.Log.Development)
}

func TestLoadConfig_InvalidEnvFallsBackToDefault(t *testing.T) {
	t.Setenv("CASTLIST_CONFIG", "")
	t.Setenv("CASTLIST_BATCH_SIZE", "lots")
	t.Setenv("CASTLIST_LLM_TIMEOUT", "soon")

	cfg, err := config.LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, 20, cfg.Analysis.BatchSize)
	assert.Equal(t, 120*time.Second, cfg.LLM.Timeout)
}

func TestLoad_YAMLFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "castlist.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
session: tavern
llm:
  backend: local
  ollama_model: llama3.1:8b
  timeout: 45s
analysis:
  cache_capacity: 10
resolver:
  threshold: 90
`), 0o600))
	t.Setenv("CASTLIST_MERGE_THRESHOLD", "75")

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "tavern", cfg.Session)
	assert.Equal(t, "local", cfg.LLM.Backend)
	assert.Equal(t, "llama3.1:8b", cfg.LLM.OllamaModel)
	assert.Equal(t, 45*time.Second, cfg.LLM.Timeout)
	assert.Equal(t, 10, cfg.Analysis.CacheCapacity)
	assert.Equal(t, 75, cfg.Resolver.Threshold, "environment wins over file")
	assert.Equal(t, 3, cfg.Analysis.Retries, "unset keys keep defaults")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoad_MalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("llm: [unclosed"), 0o600))
	_, err := config.Load(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *config.Config)
		errMsg string
	}{
		{"valid defaults", func(c *config.Config) {}, ""},
		{"unknown backend", func(c *config.Config) { c.LLM.Backend = "cloud" }, "llm.backend"},
		{"threshold too high", func(c *config.Config) { c.Resolver.Threshold = 101 }, "resolver.threshold"},
		{"zero cache", func(c *config.Config) { c.Analysis.CacheCapacity = 0 }, "analysis.cache_capacity"},
		{"negative retries", func(c *config.Config) { c.Analysis.Retries = -1 }, "analysis.retries"},
		{"blank session", func(c *config.Config) { c.Session = " " }, "session"},
		{"bad log level", func(c *config.Config) { c.Log.Level = "verbose" }, "log.level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Defaults()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.errMsg == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}
