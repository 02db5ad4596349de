// Package config loads and validates daemon configuration.
//
// Precedence, lowest to highest: hardcoded defaults, user config
// (~/.config/foldermcp/config.yaml), environment variables (FOLDERMCP_*).
// Folder membership is runtime state managed over the control socket, not
// configuration.
package config

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete foldermcp configuration.
type Config struct {
	Version     int               `yaml:"version" json:"version"`
	Paths       PathsConfig       `yaml:"paths" json:"paths"`
	Embeddings  EmbeddingsConfig  `yaml:"embeddings" json:"embeddings"`
	Search      SearchConfig      `yaml:"search" json:"search"`
	Performance PerformanceConfig `yaml:"performance" json:"performance"`
	Daemon      DaemonConfig      `yaml:"daemon" json:"daemon"`
}

// PathsConfig configures which paths to exclude from scanning.
type PathsConfig struct {
	// Exclude are doublestar patterns skipped during scans, merged with the
	// built-in defaults.
	Exclude []string `yaml:"exclude" json:"exclude"`
}

// EmbeddingsConfig configures the model runner.
type EmbeddingsConfig struct {
	// Model is the default embedding model id for new folders.
	Model string `yaml:"model" json:"model"`

	// BatchSize is the chunk count per inference batch.
	BatchSize int `yaml:"batch_size" json:"batch_size"`

	// DownloadTimeout bounds a whole model download.
	DownloadTimeout time.Duration `yaml:"download_timeout" json:"download_timeout"`

	// StallTimeout bounds the gap between download progress events.
	StallTimeout time.Duration `yaml:"stall_timeout" json:"stall_timeout"`

	// CacheDir overrides the model cache location (default ~/.foldermcp/models).
	CacheDir string `yaml:"cache_dir" json:"cache_dir"`
}

// SearchConfig configures retrieval and re-ranking.
type SearchConfig struct {
	// TopK is the ANN candidate count before re-ranking.
	TopK int `yaml:"top_k" json:"top_k"`

	// MaxResults is the default per-request chunk budget.
	MaxResults int `yaml:"max_results" json:"max_results"`

	// MaxResultTokens is the per-request aggregate token budget.
	MaxResultTokens int `yaml:"max_result_tokens" json:"max_result_tokens"`

	// PhraseBoost is added per query term found in a chunk's key phrases.
	PhraseBoost float64 `yaml:"phrase_boost" json:"phrase_boost"`

	// RecencyWeight scales the recency factor blended into the score.
	RecencyWeight float64 `yaml:"recency_weight" json:"recency_weight"`

	// RecencyHalfLife is the document-age half-life for the recency factor.
	RecencyHalfLife time.Duration `yaml:"recency_half_life" json:"recency_half_life"`

	// ReadabilityFloor demotes chunks whose readability is below it.
	ReadabilityFloor float64 `yaml:"readability_floor" json:"readability_floor"`

	// Deadline is the soft per-request deadline; expiry returns partial
	// results with the truncation flag set.
	Deadline time.Duration `yaml:"deadline" json:"deadline"`

	// NeighborWindow is the number of adjacent chunks returned as context.
	NeighborWindow int `yaml:"neighbor_window" json:"neighbor_window"`
}

// PerformanceConfig configures the shared embedding pool and watcher.
type PerformanceConfig struct {
	// PoolWorkers is the shared embedding worker count (default: NumCPU).
	PoolWorkers int `yaml:"pool_workers" json:"pool_workers"`

	// QueueDepth is the bounded batch queue length; full queues block
	// producers cooperatively.
	QueueDepth int `yaml:"queue_depth" json:"queue_depth"`

	// MaxBatchChunks caps chunks per embedding batch.
	MaxBatchChunks int `yaml:"max_batch_chunks" json:"max_batch_chunks"`

	// MaxBatchBytes caps payload bytes per embedding batch.
	MaxBatchBytes int `yaml:"max_batch_bytes" json:"max_batch_bytes"`

	// FairShare is the fraction of in-flight slots one folder may hold
	// while other folders have pending work.
	FairShare float64 `yaml:"fair_share" json:"fair_share"`

	// WatchDebounce is the window over which same-path events collapse.
	WatchDebounce time.Duration `yaml:"watch_debounce" json:"watch_debounce"`

	// MaxFileSize is the largest file indexed; bigger files are skipped.
	MaxFileSize int64 `yaml:"max_file_size" json:"max_file_size"`

	// HashBudget is the size above which fingerprints use bounded
	// head+tail windows instead of full-content hashing.
	HashBudget int64 `yaml:"hash_budget" json:"hash_budget"`
}

// DaemonConfig configures the control surface.
type DaemonConfig struct {
	// SocketPath is the unix socket the control server listens on.
	SocketPath string `yaml:"socket_path" json:"socket_path"`

	// PIDFile is the daemon pidfile path.
	PIDFile string `yaml:"pid_file" json:"pid_file"`

	// LogLevel is the daemon log level (debug, info, warn, error).
	LogLevel string `yaml:"log_level" json:"log_level"`
}

// defaultExcludePatterns are always excluded.
var defaultExcludePatterns = []string{
	"**/.foldermcp/**",
	"**/.git/**",
	"**/node_modules/**",
	"**/.DS_Store",
	"**/Thumbs.db",
	"**/~$*",
}

// New returns a Config with defaults applied.
func New() *Config {
	return &Config{
		Version: 1,
		Paths: PathsConfig{
			Exclude: defaultExcludePatterns,
		},
		Embeddings: EmbeddingsConfig{
			Model:           "minilm-l6-v2",
			BatchSize:       32,
			DownloadTimeout: 10 * time.Minute,
			StallTimeout:    30 * time.Second,
		},
		Search: SearchConfig{
			TopK:             50,
			MaxResults:       10,
			MaxResultTokens:  4000,
			PhraseBoost:      0.05,
			RecencyWeight:    0.05,
			RecencyHalfLife:  30 * 24 * time.Hour,
			ReadabilityFloor: 0.1,
			Deadline:         5 * time.Second,
			NeighborWindow:   1,
		},
		Performance: PerformanceConfig{
			PoolWorkers:    runtime.NumCPU(),
			QueueDepth:     64,
			MaxBatchChunks: 32,
			MaxBatchBytes:  1 << 20,
			FairShare:      0.5,
			WatchDebounce:  time.Second,
			MaxFileSize:    100 * 1024 * 1024,
			HashBudget:     8 * 1024 * 1024,
		},
		Daemon: DaemonConfig{
			SocketPath: DefaultSocketPath(),
			PIDFile:    DefaultPIDPath(),
			LogLevel:   "info",
		},
	}
}

// DefaultSocketPath returns the control socket path.
func DefaultSocketPath() string {
	return filepath.Join(stateDir(), "daemon.sock")
}

// DefaultPIDPath returns the daemon pidfile path.
func DefaultPIDPath() string {
	return filepath.Join(stateDir(), "daemon.pid")
}

// DefaultModelCacheDir returns the process-wide model cache directory.
func DefaultModelCacheDir() string {
	return filepath.Join(stateDir(), "models")
}

// stateDir is the per-user daemon state directory (~/.foldermcp).
func stateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".foldermcp")
	}
	return filepath.Join(home, ".foldermcp")
}

// userConfigPath follows XDG: $XDG_CONFIG_HOME/foldermcp/config.yaml or
// ~/.config/foldermcp/config.yaml.
func userConfigPath() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "foldermcp", "config.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".config", "foldermcp", "config.yaml")
	}
	return filepath.Join(home, ".config", "foldermcp", "config.yaml")
}

// Load builds the effective configuration.
func Load() (*Config, error) {
	cfg := New()

	if path := userConfigPath(); fileExists(path) {
		if err := cfg.loadYAML(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// loadYAML loads and merges configuration from a YAML file.
func (c *Config) loadYAML(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var parsed Config
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	c.mergeWith(&parsed)
	return nil
}

// mergeWith merges non-zero values from other into c.
func (c *Config) mergeWith(other *Config) {
	if other.Version != 0 {
		c.Version = other.Version
	}
	if len(other.Paths.Exclude) > 0 {
		// Merge with defaults rather than replace
		c.Paths.Exclude = append(c.Paths.Exclude, other.Paths.Exclude...)
	}

	if other.Embeddings.Model != "" {
		c.Embeddings.Model = other.Embeddings.Model
	}
	if other.Embeddings.BatchSize != 0 {
		c.Embeddings.BatchSize = other.Embeddings.BatchSize
	}
	if other.Embeddings.DownloadTimeout != 0 {
		c.Embeddings.DownloadTimeout = other.Embeddings.DownloadTimeout
	}
	if other.Embeddings.StallTimeout != 0 {
		c.Embeddings.StallTimeout = other.Embeddings.StallTimeout
	}
	if other.Embeddings.CacheDir != "" {
		c.Embeddings.CacheDir = other.Embeddings.CacheDir
	}

	if other.Search.TopK != 0 {
		c.Search.TopK = other.Search.TopK
	}
	if other.Search.MaxResults != 0 {
		c.Search.MaxResults = other.Search.MaxResults
	}
	if other.Search.MaxResultTokens != 0 {
		c.Search.MaxResultTokens = other.Search.MaxResultTokens
	}
	if other.Search.PhraseBoost != 0 {
		c.Search.PhraseBoost = other.Search.PhraseBoost
	}
	if other.Search.RecencyWeight != 0 {
		c.Search.RecencyWeight = other.Search.RecencyWeight
	}
	if other.Search.RecencyHalfLife != 0 {
		c.Search.RecencyHalfLife = other.Search.RecencyHalfLife
	}
	if other.Search.ReadabilityFloor != 0 {
		c.Search.ReadabilityFloor = other.Search.ReadabilityFloor
	}
	if other.Search.Deadline != 0 {
		c.Search.Deadline = other.Search.Deadline
	}
	if other.Search.NeighborWindow != 0 {
		c.Search.NeighborWindow = other.Search.NeighborWindow
	}

	if other.Performance.PoolWorkers != 0 {
		c.Performance.PoolWorkers = other.Performance.PoolWorkers
	}
	if other.Performance.QueueDepth != 0 {
		c.Performance.QueueDepth = other.Performance.QueueDepth
	}
	if other.Performance.MaxBatchChunks != 0 {
		c.Performance.MaxBatchChunks = other.Performance.MaxBatchChunks
	}
	if other.Performance.MaxBatchBytes != 0 {
		c.Performance.MaxBatchBytes = other.Performance.MaxBatchBytes
	}
	if other.Performance.FairShare != 0 {
		c.Performance.FairShare = other.Performance.FairShare
	}
	if other.Performance.WatchDebounce != 0 {
		c.Performance.WatchDebounce = other.Performance.WatchDebounce
	}
	if other.Performance.MaxFileSize != 0 {
		c.Performance.MaxFileSize = other.Performance.MaxFileSize
	}
	if other.Performance.HashBudget != 0 {
		c.Performance.HashBudget = other.Performance.HashBudget
	}

	if other.Daemon.SocketPath != "" {
		c.Daemon.SocketPath = other.Daemon.SocketPath
	}
	if other.Daemon.PIDFile != "" {
		c.Daemon.PIDFile = other.Daemon.PIDFile
	}
	if other.Daemon.LogLevel != "" {
		c.Daemon.LogLevel = other.Daemon.LogLevel
	}
}

// applyEnvOverrides applies FOLDERMCP_* environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("FOLDERMCP_MODEL"); v != "" {
		c.Embeddings.Model = v
	}
	if v := os.Getenv("FOLDERMCP_MODEL_CACHE"); v != "" {
		c.Embeddings.CacheDir = v
	}
	if v := os.Getenv("FOLDERMCP_SOCKET"); v != "" {
		c.Daemon.SocketPath = v
	}
	if v := os.Getenv("FOLDERMCP_LOG_LEVEL"); v != "" {
		c.Daemon.LogLevel = v
	}
	if v := os.Getenv("FOLDERMCP_POOL_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Performance.PoolWorkers = n
		}
	}
	if v := os.Getenv("FOLDERMCP_TOP_K"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Search.TopK = n
		}
	}
	if v := os.Getenv("FOLDERMCP_RECENCY_WEIGHT"); v != "" {
		if w, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil && w >= 0 && w <= 1 {
			c.Search.RecencyWeight = w
		}
	}
}

// ModelCacheDir returns the effective model cache directory.
func (c *Config) ModelCacheDir() string {
	if c.Embeddings.CacheDir != "" {
		return c.Embeddings.CacheDir
	}
	return DefaultModelCacheDir()
}

// Validate validates the configuration and returns an error if invalid.
func (c *Config) Validate() error {
	if c.Embeddings.Model == "" {
		return fmt.Errorf("embeddings.model must not be empty")
	}
	if c.Embeddings.BatchSize <= 0 || c.Embeddings.BatchSize > 256 {
		return fmt.Errorf("embeddings.batch_size must be in (0, 256], got %d", c.Embeddings.BatchSize)
	}
	if c.Search.TopK <= 0 {
		return fmt.Errorf("search.top_k must be positive, got %d", c.Search.TopK)
	}
	if c.Search.RecencyWeight < 0 || c.Search.RecencyWeight > 1 {
		return fmt.Errorf("search.recency_weight must be in [0, 1], got %f", c.Search.RecencyWeight)
	}
	if c.Search.ReadabilityFloor < 0 || c.Search.ReadabilityFloor > 1 {
		return fmt.Errorf("search.readability_floor must be in [0, 1], got %f", c.Search.ReadabilityFloor)
	}
	if c.Performance.FairShare <= 0 || c.Performance.FairShare > 1 {
		return fmt.Errorf("performance.fair_share must be in (0, 1], got %f", c.Performance.FairShare)
	}
	if c.Performance.PoolWorkers <= 0 {
		return fmt.Errorf("performance.pool_workers must be positive, got %d", c.Performance.PoolWorkers)
	}
	if math.IsNaN(c.Search.PhraseBoost) || c.Search.PhraseBoost < 0 {
		return fmt.Errorf("search.phrase_boost must be non-negative, got %f", c.Search.PhraseBoost)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Daemon.LogLevel)] {
		return fmt.Errorf("daemon.log_level must be 'debug', 'info', 'warn', or 'error', got %s", c.Daemon.LogLevel)
	}

	return nil
}

// WriteYAML writes the configuration to a YAML file.
func (c *Config) WriteYAML(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// fileExists checks if a file exists and is not a directory.
func fileExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !info.IsDir()
}
