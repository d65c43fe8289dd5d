// Package config loads crmstore process configuration: connections to the
// primary store and the secondary indexes, embedding provider settings and
// maintenance tuning.
package config

import (
	"errors"
	"fmt"
	"time"
)

// Config is the complete process configuration.
type Config struct {
	Mongo        MongoConfig        `koanf:"mongo"`
	Search       SearchConfig       `koanf:"search"`
	Vectors      VectorsConfig      `koanf:"vectors"`
	Embeddings   EmbeddingsConfig   `koanf:"embeddings"`
	Backfill     BackfillConfig     `koanf:"backfill"`
	Invalidation InvalidationConfig `koanf:"invalidation"`
	Tenants      TenantsConfig      `koanf:"tenants"`
	Logging      LoggingConfig      `koanf:"logging"`
	Permissions  PermissionsConfig  `koanf:"permissions"`
	Telemetry    TelemetryConfig    `koanf:"telemetry"`
}

// MongoConfig is the primary document store.
type MongoConfig struct {
	URI      Secret   `koanf:"uri"`
	Database string   `koanf:"database"`
	Timeout  Duration `koanf:"timeout"`
}

// SearchConfig is the RediSearch full-text index.
type SearchConfig struct {
	Enabled  bool   `koanf:"enabled"`
	Addr     string `koanf:"addr"`
	Password Secret `koanf:"password"`
	DB       int    `koanf:"db"`
}

// VectorsConfig selects and configures the vector index.
type VectorsConfig struct {
	Enabled        bool          `koanf:"enabled"`
	Provider       string        `koanf:"provider"`
	VectorSize     int           `koanf:"vector_size"`
	ScoreThreshold float32       `koanf:"score_threshold"`
	Qdrant         QdrantConfig  `koanf:"qdrant"`
	Chromem        ChromemConfig `koanf:"chromem"`
}

// QdrantConfig is the Qdrant gRPC endpoint.
type QdrantConfig struct {
	Host   string `koanf:"host"`
	Port   int    `koanf:"port"`
	UseTLS bool   `koanf:"use_tls"`
	APIKey Secret `koanf:"api_key"`
}

// ChromemConfig is the embedded vector database. An empty path keeps it in memory.
type ChromemConfig struct {
	Path     string `koanf:"path"`
	Compress bool   `koanf:"compress"`
}

// EmbeddingsConfig is the embedding provider.
type EmbeddingsConfig struct {
	Provider string `koanf:"provider"`
	BaseURL  string `koanf:"base_url"`
	Model    string `koanf:"model"`
	APIKey   Secret `koanf:"api_key"`
}

// BackfillConfig tunes maintenance runs.
type BackfillConfig struct {
	Workers    int     `koanf:"workers"`
	RatePerSec float64 `koanf:"rate_per_sec"`
	BatchSize  int     `koanf:"batch_size"`
}

// InvalidationConfig is the NATS subject used to broadcast cache clears.
type InvalidationConfig struct {
	NATSURL string `koanf:"nats_url"`
	Subject string `koanf:"subject"`
}

// TenantsConfig locates per-tenant configuration bundles.
type TenantsConfig struct {
	Dir   string `koanf:"dir"`
	Watch bool   `koanf:"watch"`
}

// LoggingConfig is the subset of logging settings exposed to operators.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	OTEL   bool   `koanf:"otel"`
}

// PermissionsConfig toggles role scope enforcement in the entity service.
type PermissionsConfig struct {
	Enforce bool `koanf:"enforce"`
}

// TelemetryConfig is OTLP trace and metric export.
type TelemetryConfig struct {
	Enabled    bool    `koanf:"enabled"`
	Endpoint   string  `koanf:"endpoint"`
	Protocol   string  `koanf:"protocol"`
	Insecure   bool    `koanf:"insecure"`
	SampleRate float64 `koanf:"sample_rate"`
}

// Defaults.
const (
	DefaultMongoDatabase  = "crmstore"
	DefaultMongoTimeout   = 10 * time.Second
	DefaultSearchAddr     = "localhost:6379"
	DefaultVectorProvider = "chromem"
	DefaultVectorSize     = 384
	DefaultQdrantHost     = "localhost"
	DefaultQdrantPort     = 6334
	DefaultEmbedProvider  = "openai"
	DefaultEmbedBaseURL   = "http://localhost:8080/v1"
	DefaultEmbedModel     = "BAAI/bge-small-en-v1.5"
	DefaultWorkers        = 4
	DefaultBatchSize      = 500
	DefaultSubject        = "crmstore.config.invalidate"
	DefaultOTLPEndpoint   = "localhost:4317"
)

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{
		Search:  SearchConfig{Enabled: true},
		Vectors: VectorsConfig{Enabled: true},
		// Plaintext is only accepted for loopback collectors.
		Telemetry: TelemetryConfig{Insecure: true, SampleRate: 1},
	}
	applyDefaults(cfg)
	return cfg
}

// applyDefaults fills zero values.
func applyDefaults(cfg *Config) {
	if cfg.Mongo.URI == "" {
		cfg.Mongo.URI = "mongodb://localhost:27017"
	}
	if cfg.Mongo.Database == "" {
		cfg.Mongo.Database = DefaultMongoDatabase
	}
	if cfg.Mongo.Timeout == 0 {
		cfg.Mongo.Timeout = Duration(DefaultMongoTimeout)
	}
	if cfg.Search.Addr == "" {
		cfg.Search.Addr = DefaultSearchAddr
	}
	if cfg.Vectors.Provider == "" {
		cfg.Vectors.Provider = DefaultVectorProvider
	}
	if cfg.Vectors.VectorSize == 0 {
		cfg.Vectors.VectorSize = DefaultVectorSize
	}
	if cfg.Vectors.Qdrant.Host == "" {
		cfg.Vectors.Qdrant.Host = DefaultQdrantHost
	}
	if cfg.Vectors.Qdrant.Port == 0 {
		cfg.Vectors.Qdrant.Port = DefaultQdrantPort
	}
	if cfg.Embeddings.Provider == "" {
		cfg.Embeddings.Provider = DefaultEmbedProvider
	}
	if cfg.Embeddings.BaseURL == "" {
		cfg.Embeddings.BaseURL = DefaultEmbedBaseURL
	}
	if cfg.Embeddings.Model == "" {
		cfg.Embeddings.Model = DefaultEmbedModel
	}
	if cfg.Backfill.Workers == 0 {
		cfg.Backfill.Workers = DefaultWorkers
	}
	if cfg.Backfill.BatchSize == 0 {
		cfg.Backfill.BatchSize = DefaultBatchSize
	}
	if cfg.Invalidation.Subject == "" {
		cfg.Invalidation.Subject = DefaultSubject
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Telemetry.Endpoint == "" {
		cfg.Telemetry.Endpoint = DefaultOTLPEndpoint
	}
	if cfg.Telemetry.Protocol == "" {
		cfg.Telemetry.Protocol = "grpc"
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Mongo.Database == "" {
		return errors.New("mongo.database is required")
	}
	if c.Mongo.Timeout.Duration() <= 0 {
		return errors.New("mongo.timeout must be positive")
	}
	if c.Search.DB < 0 {
		return fmt.Errorf("search.db cannot be negative: %d", c.Search.DB)
	}
	switch c.Vectors.Provider {
	case "qdrant", "chromem":
	default:
		return fmt.Errorf("vectors.provider must be 'qdrant' or 'chromem', got %q", c.Vectors.Provider)
	}
	if c.Vectors.VectorSize < 1 {
		return fmt.Errorf("vectors.vector_size must be positive: %d", c.Vectors.VectorSize)
	}
	if c.Vectors.ScoreThreshold < 0 || c.Vectors.ScoreThreshold > 1 {
		return fmt.Errorf("vectors.score_threshold must be within [0, 1]: %v", c.Vectors.ScoreThreshold)
	}
	if c.Vectors.Qdrant.Port < 1 || c.Vectors.Qdrant.Port > 65535 {
		return fmt.Errorf("invalid vectors.qdrant.port: %d (must be 1-65535)", c.Vectors.Qdrant.Port)
	}
	switch c.Embeddings.Provider {
	case "openai", "hash":
	default:
		return fmt.Errorf("embeddings.provider must be 'openai' or 'hash', got %q", c.Embeddings.Provider)
	}
	if c.Backfill.Workers < 1 {
		return fmt.Errorf("backfill.workers must be positive: %d", c.Backfill.Workers)
	}
	if c.Backfill.RatePerSec < 0 {
		return fmt.Errorf("backfill.rate_per_sec cannot be negative: %v", c.Backfill.RatePerSec)
	}
	if c.Backfill.BatchSize < 1 {
		return fmt.Errorf("backfill.batch_size must be positive: %d", c.Backfill.BatchSize)
	}
	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		return fmt.Errorf("telemetry.sample_rate must be within [0, 1]: %v", c.Telemetry.SampleRate)
	}
	return nil
}
