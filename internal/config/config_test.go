package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_DefaultsAreValid(t *testing.T) {
	cfg := New()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "minilm-l6-v2", cfg.Embeddings.Model)
	assert.Equal(t, 50, cfg.Search.TopK)
	assert.Equal(t, time.Second, cfg.Performance.WatchDebounce)
	assert.Contains(t, cfg.Paths.Exclude, "**/.foldermcp/**")
}

func TestLoadYAML_MergesOverDefaults(t *testing.T) {
	// Given: a partial user config
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
embeddings:
  model: mpnet-base-v2
search:
  top_k: 100
performance:
  pool_workers: 2
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	// When: loading it over defaults
	cfg := New()
	require.NoError(t, cfg.loadYAML(path))

	// Then: specified values override, the rest keep defaults
	assert.Equal(t, "mpnet-base-v2", cfg.Embeddings.Model)
	assert.Equal(t, 100, cfg.Search.TopK)
	assert.Equal(t, 2, cfg.Performance.PoolWorkers)
	assert.Equal(t, 32, cfg.Embeddings.BatchSize)
	assert.Equal(t, 10, cfg.Search.MaxResults)
}

func TestLoadYAML_InvalidFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("embeddings: [not, a, map]"), 0o644))

	cfg := New()
	err := cfg.loadYAML(path)
	assert.Error(t, err)
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("FOLDERMCP_MODEL", "mpnet-base-v2")
	t.Setenv("FOLDERMCP_POOL_WORKERS", "3")
	t.Setenv("FOLDERMCP_RECENCY_WEIGHT", "0.2")

	cfg := New()
	cfg.applyEnvOverrides()

	assert.Equal(t, "mpnet-base-v2", cfg.Embeddings.Model)
	assert.Equal(t, 3, cfg.Performance.PoolWorkers)
	assert.InDelta(t, 0.2, cfg.Search.RecencyWeight, 1e-9)
}

func TestApplyEnvOverrides_IgnoresInvalid(t *testing.T) {
	t.Setenv("FOLDERMCP_POOL_WORKERS", "-1")
	t.Setenv("FOLDERMCP_RECENCY_WEIGHT", "2.5")

	cfg := New()
	cfg.applyEnvOverrides()

	assert.Equal(t, New().Performance.PoolWorkers, cfg.Performance.PoolWorkers)
	assert.InDelta(t, New().Search.RecencyWeight, cfg.Search.RecencyWeight, 1e-9)
}

func TestValidate_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty model", func(c *Config) { c.Embeddings.Model = "" }},
		{"batch size too large", func(c *Config) { c.Embeddings.BatchSize = 512 }},
		{"zero top_k", func(c *Config) { c.Search.TopK = 0 }},
		{"recency out of range", func(c *Config) { c.Search.RecencyWeight = 1.5 }},
		{"fair share zero", func(c *Config) { c.Performance.FairShare = 0 }},
		{"bad log level", func(c *Config) { c.Daemon.LogLevel = "verbose" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := New()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestModelCacheDir_Override(t *testing.T) {
	cfg := New()
	assert.Equal(t, DefaultModelCacheDir(), cfg.ModelCacheDir())

	cfg.Embeddings.CacheDir = "/tmp/custom-cache"
	assert.Equal(t, "/tmp/custom-cache", cfg.ModelCacheDir())
}
