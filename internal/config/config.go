// Package config loads service configuration: compiled defaults,
// overlaid by an optional YAML file, overlaid by environment
// variables, then validated.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete KnowledgeBeast configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server" json:"server"`
	Paths      PathsConfig      `yaml:"paths" json:"paths"`
	Embeddings EmbeddingsConfig `yaml:"embeddings" json:"embeddings"`
	Search     SearchConfig     `yaml:"search" json:"search"`
	Chunking   ChunkingConfig   `yaml:"chunking" json:"chunking"`
	Backend    BackendConfig    `yaml:"backend" json:"backend"`
	Quotas     QuotasConfig     `yaml:"quotas" json:"quotas"`
}

// ServerConfig configures the HTTP front end.
type ServerConfig struct {
	Addr     string `yaml:"addr" json:"addr"`
	AdminKey string `yaml:"admin_key" json:"-"`
	LogLevel string `yaml:"log_level" json:"log_level"`

	// QueryTimeoutSeconds bounds one query end to end.
	QueryTimeoutSeconds int `yaml:"query_timeout_seconds" json:"query_timeout_seconds"`
}

// PathsConfig configures persistence locations.
type PathsConfig struct {
	// DataDir is the persistence root: metadata database, vector
	// snapshots, and the instance lock live under it.
	DataDir string `yaml:"data_dir" json:"data_dir"`
}

// EmbeddingsConfig configures the embedding provider.
type EmbeddingsConfig struct {
	// ModelID names the embedding model. "static-256" selects the
	// deterministic offline embedder; anything else requires Endpoint.
	ModelID string `yaml:"model_id" json:"model_id"`

	// Endpoint is the embedding server base URL; empty uses the static
	// embedder.
	Endpoint string `yaml:"endpoint" json:"endpoint"`

	BatchSize int `yaml:"batch_size" json:"batch_size"`

	// CacheSize is the embedding cache capacity (entries).
	CacheSize int `yaml:"cache_size" json:"cache_size"`
}

// SearchConfig configures ranking.
type SearchConfig struct {
	// Alpha is the hybrid fusion weight on the vector stream (0-1).
	Alpha float64 `yaml:"alpha" json:"alpha"`

	// CacheSizeQuery is the semantic query cache capacity (entries).
	CacheSizeQuery int `yaml:"cache_size_query" json:"cache_size_query"`

	// SemanticCacheThreshold is the minimum cosine similarity for a
	// semantic cache hit (0-1).
	SemanticCacheThreshold float64 `yaml:"semantic_cache_threshold" json:"semantic_cache_threshold"`

	// RerankModelID enables cross-encoder re-ranking when set.
	RerankModelID string `yaml:"rerank_model_id" json:"rerank_model_id"`

	// RerankEndpoint is the reranker server base URL.
	RerankEndpoint string `yaml:"rerank_endpoint" json:"rerank_endpoint"`
}

// ChunkingConfig configures document splitting.
type ChunkingConfig struct {
	SizeTokens    int `yaml:"size_tokens" json:"size_tokens"`
	OverlapTokens int `yaml:"overlap_tokens" json:"overlap_tokens"`
}

// BackendConfig configures the vector backend and its reliability
// wrapper.
type BackendConfig struct {
	// VectorBackendURL points at an external vector backend; empty uses
	// the embedded HNSW store.
	VectorBackendURL string `yaml:"vector_backend_url" json:"vector_backend_url"`

	BreakerFailureThreshold int `yaml:"breaker_failure_threshold" json:"breaker_failure_threshold"`
	BreakerWindowSeconds    int `yaml:"breaker_window_seconds" json:"breaker_window_seconds"`
	BreakerCooldownSeconds  int `yaml:"breaker_cooldown_seconds" json:"breaker_cooldown_seconds"`
	RetryMaxAttempts        int `yaml:"retry_max_attempts" json:"retry_max_attempts"`
}

// QuotasConfig bounds per-project resource use. Zero means unlimited.
type QuotasConfig struct {
	MaxDocuments int     `yaml:"max_documents" json:"max_documents"`
	MaxBytes     int64   `yaml:"max_bytes" json:"max_bytes"`
	RateLimit    float64 `yaml:"rate_limit" json:"rate_limit"`
	RateBurst    int     `yaml:"rate_burst" json:"rate_burst"`
	MaxInflight  int     `yaml:"max_inflight" json:"max_inflight"`
}

// NewConfig returns the compiled-in defaults.
func NewConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:                ":8000",
			LogLevel:            "info",
			QueryTimeoutSeconds: 30,
		},
		Paths: PathsConfig{
			DataDir: defaultDataDir(),
		},
		Embeddings: EmbeddingsConfig{
			ModelID:   "static-256",
			BatchSize: 32,
			CacheSize: 10000,
		},
		Search: SearchConfig{
			Alpha:                  0.7,
			CacheSizeQuery:         1000,
			SemanticCacheThreshold: 0.95,
		},
		Chunking: ChunkingConfig{
			SizeTokens:    512,
			OverlapTokens: 64,
		},
		Backend: BackendConfig{
			BreakerFailureThreshold: 5,
			BreakerWindowSeconds:    60,
			BreakerCooldownSeconds:  30,
			RetryMaxAttempts:        3,
		},
		Quotas: QuotasConfig{
			RateBurst:   10,
			MaxInflight: 32,
		},
	}
}

func defaultDataDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return home + "/.knowledgebeast"
	}
	return ".knowledgebeast"
}

// Load builds the effective configuration: defaults, then the YAML file
// at path (missing file is fine when path is empty), then environment
// overrides, then validation.
func Load(path string) (*Config, error) {
	cfg := NewConfig()

	if path != "" {
		if err := cfg.loadYAML(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadYAML(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(raw, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// applyEnvOverrides applies the recognized environment variables. Env
// always wins over file values.
func (c *Config) applyEnvOverrides() {
	setString(&c.Paths.DataDir, "DATA_DIR")
	setString(&c.Backend.VectorBackendURL, "VECTOR_BACKEND_URL")
	setString(&c.Embeddings.ModelID, "EMBEDDING_MODEL_ID")
	setString(&c.Embeddings.Endpoint, "EMBEDDING_ENDPOINT")
	setString(&c.Search.RerankModelID, "RERANK_MODEL_ID")
	setString(&c.Search.RerankEndpoint, "RERANK_ENDPOINT")
	setString(&c.Server.LogLevel, "LOG_LEVEL")
	setString(&c.Server.Addr, "LISTEN_ADDR")
	setString(&c.Server.AdminKey, "ADMIN_API_KEY")

	setInt(&c.Search.CacheSizeQuery, "CACHE_SIZE_QUERY")
	setInt(&c.Embeddings.CacheSize, "CACHE_SIZE_EMBEDDING")
	setInt(&c.Chunking.SizeTokens, "CHUNK_SIZE_TOKENS")
	setInt(&c.Chunking.OverlapTokens, "CHUNK_OVERLAP_TOKENS")
	setInt(&c.Backend.BreakerFailureThreshold, "BREAKER_FAILURE_THRESHOLD")
	setInt(&c.Backend.BreakerWindowSeconds, "BREAKER_WINDOW_SECONDS")
	setInt(&c.Backend.BreakerCooldownSeconds, "BREAKER_COOLDOWN_SECONDS")
	setInt(&c.Backend.RetryMaxAttempts, "RETRY_MAX_ATTEMPTS")
	setInt(&c.Quotas.MaxInflight, "PER_PROJECT_MAX_INFLIGHT")

	setFloat(&c.Search.SemanticCacheThreshold, "SEMANTIC_CACHE_THRESHOLD")
	setFloat(&c.Search.Alpha, "HYBRID_ALPHA")
	setFloat(&c.Quotas.RateLimit, "PER_PROJECT_RATE_LIMIT")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

// Validate rejects configurations the service cannot run with.
func (c *Config) Validate() error {
	if c.Search.Alpha < 0 || c.Search.Alpha > 1 {
		return fmt.Errorf("search.alpha must be in [0,1], got %v", c.Search.Alpha)
	}
	if c.Search.SemanticCacheThreshold < 0 || c.Search.SemanticCacheThreshold > 1 {
		return fmt.Errorf("search.semantic_cache_threshold must be in [0,1], got %v", c.Search.SemanticCacheThreshold)
	}
	if c.Chunking.SizeTokens <= 0 {
		return fmt.Errorf("chunking.size_tokens must be positive, got %d", c.Chunking.SizeTokens)
	}
	if c.Chunking.OverlapTokens < 0 || c.Chunking.OverlapTokens >= c.Chunking.SizeTokens {
		return fmt.Errorf("chunking.overlap_tokens must be in [0, size_tokens), got %d", c.Chunking.OverlapTokens)
	}
	if c.Backend.RetryMaxAttempts < 1 {
		return fmt.Errorf("backend.retry_max_attempts must be at least 1, got %d", c.Backend.RetryMaxAttempts)
	}
	if c.Backend.BreakerFailureThreshold < 1 {
		return fmt.Errorf("backend.breaker_failure_threshold must be at least 1, got %d", c.Backend.BreakerFailureThreshold)
	}
	if c.Quotas.RateLimit < 0 {
		return fmt.Errorf("quotas.rate_limit must not be negative, got %v", c.Quotas.RateLimit)
	}
	if c.Server.LogLevel != "" {
		switch c.Server.LogLevel {
		case "debug", "info", "warn", "error":
		default:
			return fmt.Errorf("server.log_level must be debug, info, warn, or error, got %q", c.Server.LogLevel)
		}
	}
	return nil
}

// QueryTimeout returns the configured query deadline.
func (c *Config) QueryTimeout() time.Duration {
	return time.Duration(c.Server.QueryTimeoutSeconds) * time.Second
}

// BreakerWindow returns the breaker failure-counting window.
func (c *Config) BreakerWindow() time.Duration {
	return time.Duration(c.Backend.BreakerWindowSeconds) * time.Second
}

// BreakerCooldown returns the open-state cooldown.
func (c *Config) BreakerCooldown() time.Duration {
	return time.Duration(c.Backend.BreakerCooldownSeconds) * time.Second
}
