package config

import (
	"fmt"
	"os"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// LogConfig controls logger initialization.
type LogConfig struct {
	File   string `yaml:"file,omitempty"`   // log file path; empty = stdout
	Pretty bool   `yaml:"pretty,omitempty"` // console writer (stdout only)
}

// OpenAIConfig holds credentials for an OpenAI-compatible embedding endpoint.
type OpenAIConfig struct {
	APIKey  string `yaml:"api_key,omitempty"`
	BaseURL string `yaml:"base_url,omitempty"` // custom base URL (default: official API)
}

// EmbedderConfig selects and configures the embedding provider.
type EmbedderConfig struct {
	// Provider is "ollama", "openai" or "none". With "none" every stored
	// record is degraded and text queries need metadata filters.
	Provider   string       `yaml:"provider,omitempty"`
	Model      string       `yaml:"model,omitempty"`
	Dimensions int          `yaml:"dimensions,omitempty"`
	MaxChars   int          `yaml:"max_chars,omitempty"` // truncation bound for embed input
	OpenAI     OpenAIConfig `yaml:"openai,omitempty"`
}

// DurableConfig configures the authoritative SQLite store.
type DurableConfig struct {
	Path           string `yaml:"path,omitempty"`            // database file, ":memory:" for tests
	MigrationsPath string `yaml:"migrations_path,omitempty"` // directory with golang-migrate files
}

// VectorConfig configures the chromem vector index.
type VectorConfig struct {
	Disabled bool   `yaml:"disabled,omitempty"`
	Path     string `yaml:"path,omitempty"` // persistence dir; empty = in-memory
}

// CacheConfig configures the ristretto cache.
type CacheConfig struct {
	Disabled         bool  `yaml:"disabled,omitempty"`
	RecordTTLSeconds int   `yaml:"record_ttl_seconds,omitempty"`
	MaxCostBytes     int64 `yaml:"max_cost_bytes,omitempty"`
	NumCounters      int64 `yaml:"num_counters,omitempty"`
}

// CoordinatorConfig tunes fan-out, the propagation queue and maintenance.
type CoordinatorConfig struct {
	BackendTimeoutSeconds int    `yaml:"backend_timeout_seconds,omitempty"`
	QueueSize             int    `yaml:"queue_size,omitempty"`
	Workers               int    `yaml:"workers,omitempty"`
	ScanLimit             int    `yaml:"scan_limit,omitempty"`
	ProbeSchedule         string `yaml:"probe_schedule,omitempty"` // cron spec, e.g. "@every 15s"
	SweepSchedule         string `yaml:"sweep_schedule,omitempty"`
}

// Config is the top-level mnemod configuration.
type Config struct {
	Log         LogConfig         `yaml:"log,omitempty"`
	Embedder    EmbedderConfig    `yaml:"embedder,omitempty"`
	Durable     DurableConfig     `yaml:"durable,omitempty"`
	Vector      VectorConfig      `yaml:"vector,omitempty"`
	Cache       CacheConfig       `yaml:"cache,omitempty"`
	Coordinator CoordinatorConfig `yaml:"coordinator,omitempty"`
}

// Default returns the configuration used when fields are left unset.
func Default() Config {
	return Config{
		Embedder: EmbedderConfig{
			Provider:   "ollama",
			Model:      "mxbai-embed-large",
			Dimensions: 1024,
			MaxChars:   8192,
		},
		Durable: DurableConfig{
			Path:           "mnemod.db",
			MigrationsPath: "./migrations",
		},
		Cache: CacheConfig{
			RecordTTLSeconds: 600,
			MaxCostBytes:     64 << 20,
			NumCounters:      100_000,
		},
		Coordinator: CoordinatorConfig{
			BackendTimeoutSeconds: 5,
			QueueSize:             256,
			Workers:               4,
			ScanLimit:             500,
			ProbeSchedule:         "@every 15s",
			SweepSchedule:         "@every 1m",
		},
	}
}

// Load reads a YAML config file and merges defaults into unset fields.
// A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Config{}
	if path != "" {
		data, err := os.ReadFile(path) //nolint:gosec // G304: user-specified config path is intentional
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	defaults := Default()
	if err := mergo.Merge(&cfg, defaults); err != nil {
		return nil, fmt.Errorf("merge config defaults: %w", err)
	}
	return &cfg, nil
}

// BackendTimeout returns the per-backend call timeout as a duration.
func (c CoordinatorConfig) BackendTimeout() time.Duration {
	return time.Duration(c.BackendTimeoutSeconds) * time.Second
}

// RecordTTL returns the cache prime TTL as a duration.
func (c CacheConfig) RecordTTL() time.Duration {
	return time.Duration(c.RecordTTLSeconds) * time.Second
}
