package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config contains runtime configuration for memengine.
type Config struct {
	ServerName string `yaml:"server_name"`
	DBPath     string `yaml:"db_path"`
	LogLevel   string `yaml:"log_level"`

	Embedding   EmbeddingConfig   `yaml:"embedding"`
	Engine      EngineConfig      `yaml:"engine"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
}

// EmbeddingConfig controls vector generation. An empty Endpoint means no
// model is available and the deterministic hash embedding is used.
type EmbeddingConfig struct {
	Dimensions     int    `yaml:"dimensions"`
	HashesPerToken int    `yaml:"hashes_per_token"`
	CacheCapacity  int    `yaml:"cache_capacity"`
	BatchWorkers   int    `yaml:"batch_workers"`
	Endpoint       string `yaml:"endpoint"`
	Model          string `yaml:"model"`
	APIKeyEnv      string `yaml:"api_key_env"`
}

// EngineConfig holds thresholds and rates of the memory engine.
type EngineConfig struct {
	DuplicateThreshold     float64 `yaml:"duplicate_threshold"`
	MergeImportanceBump    float64 `yaml:"merge_importance_bump"`
	DefaultImportance      float64 `yaml:"default_importance"`
	DefaultCategory        string  `yaml:"default_category"`
	DefaultSearchLimit     int     `yaml:"default_search_limit"`
	DefaultSearchThreshold float64 `yaml:"default_search_threshold"`

	DecayRate       float64 `yaml:"decay_rate"`
	AccessBonusRate float64 `yaml:"access_bonus_rate"`
	ImportanceFloor float64 `yaml:"importance_floor"`
	DecayEpsilon    float64 `yaml:"decay_epsilon"`

	CompressAfterDays      int     `yaml:"compress_after_days"`
	MinCompressCount       int     `yaml:"min_compress_count"`
	SummaryMaxSentences    int     `yaml:"summary_max_sentences"`
	MinSentenceLength      int     `yaml:"min_sentence_length"`
	SummaryImportanceBonus float64 `yaml:"summary_importance_bonus"`

	ContextThreshold float64 `yaml:"context_threshold"`
	ContextLimit     int     `yaml:"context_limit"`

	RetryAttempts           int `yaml:"retry_attempts"`
	RetryInitialDelayMS     int `yaml:"retry_initial_delay_ms"`
	OperationTimeoutSeconds int `yaml:"operation_timeout_seconds"`
}

// MaintenanceConfig schedules the periodic decay and compression pass.
type MaintenanceConfig struct {
	Enabled         bool `yaml:"enabled"`
	IntervalSeconds int  `yaml:"interval_seconds"`
	Workers         int  `yaml:"workers"`
}

// Default returns a Config populated with safe defaults.
func Default() Config {
	return Config{
		ServerName: "memengine",
		DBPath:     filepath.Join(userHomeDir(), ".memengine", "memories.db"),
		LogLevel:   "info",
		Embedding: EmbeddingConfig{
			Dimensions:     384,
			HashesPerToken: 3,
			CacheCapacity:  2048,
			BatchWorkers:   4,
			Model:          "text-embedding-3-small",
			APIKeyEnv:      "MEMENGINE_EMBEDDING_API_KEY",
		},
		Engine: EngineConfig{
			DuplicateThreshold:     0.9,
			MergeImportanceBump:    0.05,
			DefaultImportance:      0.5,
			DefaultCategory:        "fact",
			DefaultSearchLimit:     5,
			DefaultSearchThreshold: 0.7,

			DecayRate:       0.02,
			AccessBonusRate: 0.1,
			ImportanceFloor: 0.1,
			DecayEpsilon:    0.001,

			CompressAfterDays:      30,
			MinCompressCount:       5,
			SummaryMaxSentences:    10,
			MinSentenceLength:      10,
			SummaryImportanceBonus: 0.1,

			ContextThreshold: 0.2,
			ContextLimit:     10,

			RetryAttempts:           3,
			RetryInitialDelayMS:     100,
			OperationTimeoutSeconds: 10,
		},
		Maintenance: MaintenanceConfig{
			Enabled:         true,
			IntervalSeconds: 24 * 3600,
			Workers:         2,
		},
	}
}

// Load loads config from disk; if path does not exist, default config is returned.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config yaml: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// Validate checks configuration sanity.
func (c *Config) Validate() error {
	if c.ServerName == "" {
		return errors.New("server_name must not be empty")
	}
	if c.DBPath == "" {
		return errors.New("db_path must not be empty")
	}
	if c.Embedding.Dimensions <= 0 {
		return errors.New("embedding.dimensions must be > 0")
	}
	if c.Embedding.HashesPerToken <= 0 {
		return errors.New("embedding.hashes_per_token must be > 0")
	}
	if c.Embedding.CacheCapacity <= 0 {
		return errors.New("embedding.cache_capacity must be > 0")
	}
	if c.Embedding.BatchWorkers <= 0 {
		return errors.New("embedding.batch_workers must be > 0")
	}

	e := c.Engine
	if !inUnit(e.DuplicateThreshold) {
		return errors.New("engine.duplicate_threshold must be within [0,1]")
	}
	if !inUnit(e.MergeImportanceBump) {
		return errors.New("engine.merge_importance_bump must be within [0,1]")
	}
	if !inUnit(e.DefaultImportance) {
		return errors.New("engine.default_importance must be within [0,1]")
	}
	if strings.TrimSpace(e.DefaultCategory) == "" {
		return errors.New("engine.default_category must not be empty")
	}
	if e.DefaultSearchLimit <= 0 {
		return errors.New("engine.default_search_limit must be > 0")
	}
	if e.DefaultSearchThreshold < -1 || e.DefaultSearchThreshold > 1 {
		return errors.New("engine.default_search_threshold must be within [-1,1]")
	}
	if e.DecayRate < 0 || e.DecayRate >= 1 {
		return errors.New("engine.decay_rate must be within [0,1)")
	}
	if e.AccessBonusRate < 0 {
		return errors.New("engine.access_bonus_rate must be >= 0")
	}
	if !inUnit(e.ImportanceFloor) {
		return errors.New("engine.importance_floor must be within [0,1]")
	}
	if e.DecayEpsilon < 0 {
		return errors.New("engine.decay_epsilon must be >= 0")
	}
	if e.CompressAfterDays <= 0 {
		return errors.New("engine.compress_after_days must be > 0")
	}
	if e.MinCompressCount < 2 {
		return errors.New("engine.min_compress_count must be >= 2")
	}
	if e.SummaryMaxSentences <= 0 {
		return errors.New("engine.summary_max_sentences must be > 0")
	}
	if e.MinSentenceLength < 0 {
		return errors.New("engine.min_sentence_length must be >= 0")
	}
	if !inUnit(e.SummaryImportanceBonus) {
		return errors.New("engine.summary_importance_bonus must be within [0,1]")
	}
	if e.ContextThreshold < -1 || e.ContextThreshold > 1 {
		return errors.New("engine.context_threshold must be within [-1,1]")
	}
	if e.ContextLimit <= 0 {
		return errors.New("engine.context_limit must be > 0")
	}
	if e.RetryAttempts <= 0 {
		return errors.New("engine.retry_attempts must be > 0")
	}
	if e.RetryInitialDelayMS <= 0 {
		return errors.New("engine.retry_initial_delay_ms must be > 0")
	}
	if e.OperationTimeoutSeconds <= 0 {
		return errors.New("engine.operation_timeout_seconds must be > 0")
	}

	if c.Maintenance.Enabled {
		if c.Maintenance.IntervalSeconds <= 0 {
			return errors.New("maintenance.interval_seconds must be > 0")
		}
		if c.Maintenance.Workers <= 0 {
			return errors.New("maintenance.workers must be > 0")
		}
	}
	return nil
}

// OperationTimeout bounds a single store or embedding call.
func (e EngineConfig) OperationTimeout() time.Duration {
	return time.Duration(e.OperationTimeoutSeconds) * time.Second
}

// RetryInitialDelay is the wait before the second attempt of a failed call.
func (e EngineConfig) RetryInitialDelay() time.Duration {
	return time.Duration(e.RetryInitialDelayMS) * time.Millisecond
}

// EnsurePaths creates parent directories for config-managed paths.
func (c *Config) EnsurePaths() error {
	c.DBPath = ExpandPath(c.DBPath)
	parent := filepath.Dir(c.DBPath)
	if parent == "." {
		return nil
	}
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return fmt.Errorf("create db parent dir: %w", err)
	}
	return nil
}

// ExpandPath expands "~/" to the current user's home directory.
func ExpandPath(p string) string {
	if p == "" {
		return p
	}
	if p == "~" {
		return userHomeDir()
	}
	if strings.HasPrefix(p, "~/") {
		return filepath.Join(userHomeDir(), p[2:])
	}
	return p
}

func inUnit(v float64) bool {
	return v >= 0 && v <= 1
}

func userHomeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}
