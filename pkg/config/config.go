package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every startup knob. Values load from a YAML file, then
// SYNAPSE_* environment variables override, then Validate runs. Invalid
// configuration fails startup.
type Config struct {
	// Storage
	DataDir             string `yaml:"data_dir"`
	VectorDimension     int    `yaml:"vector_dimension"`
	ReconcileIntervalMS int    `yaml:"reconcile_interval_ms"`
	MemoryThreshold     int    `yaml:"memory_threshold"`
	NumShards           int    `yaml:"num_shards"`
	WALFsync            bool   `yaml:"wal_fsync"`

	// Network
	ListenAddr  string `yaml:"listen_addr"`
	MetricsAddr string `yaml:"metrics_addr"`

	// TLS
	TLSEnabled  bool   `yaml:"tls_enabled"`
	TLSCertPath string `yaml:"tls_cert_path"`
	TLSKeyPath  string `yaml:"tls_key_path"`

	// Auth
	AuthMethod      string `yaml:"auth_method"` // "", "hmac", "jwt-hs256"
	AuthSecret      string `yaml:"auth_secret"`
	TokenTTLSeconds int    `yaml:"token_ttl_seconds"`

	// Rate limiting
	RateLimit RateLimitConfig `yaml:"rate_limit"`

	// Vector index
	HNSW HNSWConfig `yaml:"hnsw"`

	// Embedding provider
	EmbeddingServiceURL  string `yaml:"embedding_service_url"`
	EmbeddingTimeoutSecs int    `yaml:"embedding_timeout_secs"`
	EmbeddingMaxRetries  int    `yaml:"embedding_max_retries"`

	// Event sink
	EventSinkAddr string `yaml:"event_sink_addr"`
	NodeID        string `yaml:"node_id"`

	// Logging
	LogLevel string `yaml:"log_level"`
	LogJSON  bool   `yaml:"log_json"`
}

// RateLimitConfig bounds per-subject request rates.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	BurstCapacity     int     `yaml:"burst_capacity"`
	// MemoryDurationSecs is how long an idle subject's bucket is kept.
	MemoryDurationSecs int `yaml:"memory_duration_secs"`
}

// MemoryDuration returns the idle-bucket window as a duration.
func (r RateLimitConfig) MemoryDuration() time.Duration {
	return time.Duration(r.MemoryDurationSecs) * time.Second
}

// HNSWConfig carries vector index tuning.
type HNSWConfig struct {
	MaxNeighbors   int `yaml:"max_neighbors"`
	EfConstruction int `yaml:"ef_construction"`
	EfSearch       int `yaml:"ef_search"`
}

// Default returns the standard configuration.
func Default() *Config {
	return &Config{
		DataDir:             "./data",
		VectorDimension:     768,
		ReconcileIntervalMS: 10,
		MemoryThreshold:     1_000_000,
		NumShards:           16,
		WALFsync:            true,
		ListenAddr:          "0.0.0.0:7654",
		MetricsAddr:         "0.0.0.0:9090",
		TokenTTLSeconds:     3600,
		RateLimit: RateLimitConfig{
			RequestsPerSecond:  1000,
			BurstCapacity:      2000,
			MemoryDurationSecs: 600,
		},
		HNSW: HNSWConfig{
			MaxNeighbors:   16,
			EfConstruction: 200,
			EfSearch:       40,
		},
		EmbeddingTimeoutSecs: 30,
		EmbeddingMaxRetries:  3,
		LogLevel:             "info",
	}
}

// Load reads a YAML file over the defaults, then applies environment
// overrides and validates. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("SYNAPSE_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("SYNAPSE_LISTEN_ADDR"); v != "" {
		c.ListenAddr = v
	}
	if v := os.Getenv("SYNAPSE_METRICS_ADDR"); v != "" {
		c.MetricsAddr = v
	}
	if v := os.Getenv("SYNAPSE_VECTOR_DIMENSION"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.VectorDimension = n
		}
	}
	if v := os.Getenv("SYNAPSE_NUM_SHARDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.NumShards = n
		}
	}
	if v := os.Getenv("SYNAPSE_RECONCILE_INTERVAL_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.ReconcileIntervalMS = n
		}
	}
	if v := os.Getenv("SYNAPSE_WAL_FSYNC"); v != "" {
		c.WALFsync = v == "1" || v == "true"
	}
	if v := os.Getenv("SYNAPSE_AUTH_METHOD"); v != "" {
		c.AuthMethod = v
	}
	if v := os.Getenv("SYNAPSE_AUTH_SECRET"); v != "" {
		c.AuthSecret = v
	}
	if v := os.Getenv("SYNAPSE_EMBEDDING_SERVICE_URL"); v != "" {
		c.EmbeddingServiceURL = v
	}
	if v := os.Getenv("SYNAPSE_EVENT_SINK_ADDR"); v != "" {
		c.EventSinkAddr = v
	}
	if v := os.Getenv("SYNAPSE_NODE_ID"); v != "" {
		c.NodeID = v
	}
	if v := os.Getenv("SYNAPSE_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
}

// Validate fails fast on configuration that cannot run safely.
func (c *Config) Validate() error {
	if c.VectorDimension <= 0 {
		return fmt.Errorf("vector_dimension must be positive, got %d", c.VectorDimension)
	}
	if c.ReconcileIntervalMS <= 0 {
		return fmt.Errorf("reconcile_interval_ms must be positive, got %d", c.ReconcileIntervalMS)
	}
	if c.NumShards <= 0 {
		return fmt.Errorf("num_shards must be positive, got %d", c.NumShards)
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}

	if c.TLSEnabled {
		if c.TLSCertPath == "" || c.TLSKeyPath == "" {
			return fmt.Errorf("tls_enabled requires tls_cert_path and tls_key_path")
		}
		if _, err := os.Stat(c.TLSCertPath); err != nil {
			return fmt.Errorf("tls_cert_path: %w", err)
		}
		if _, err := os.Stat(c.TLSKeyPath); err != nil {
			return fmt.Errorf("tls_key_path: %w", err)
		}
	}

	switch c.AuthMethod {
	case "":
	case "hmac", "jwt-hs256":
		if len(c.AuthSecret) < 32 {
			return fmt.Errorf("auth_secret must be at least 32 characters, got %d", len(c.AuthSecret))
		}
		if c.TokenTTLSeconds <= 0 {
			return fmt.Errorf("token_ttl_seconds must be positive, got %d", c.TokenTTLSeconds)
		}
	default:
		return fmt.Errorf("auth_method must be hmac or jwt-hs256, got %q", c.AuthMethod)
	}

	if c.RateLimit.RequestsPerSecond < 0 || c.RateLimit.BurstCapacity < 0 {
		return fmt.Errorf("rate_limit values must be non-negative")
	}
	if c.HNSW.MaxNeighbors <= 0 || c.HNSW.EfConstruction <= 0 || c.HNSW.EfSearch <= 0 {
		return fmt.Errorf("hnsw parameters must be positive")
	}
	return nil
}

// ReconcileInterval returns the reconciler tick as a duration.
func (c *Config) ReconcileInterval() time.Duration {
	return time.Duration(c.ReconcileIntervalMS) * time.Millisecond
}
