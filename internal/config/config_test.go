package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string, perm os.FileMode) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), perm))
	require.NoError(t, os.Chmod(path, perm))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, DefaultMongoDatabase, cfg.Mongo.Database)
	assert.Equal(t, DefaultMongoTimeout, cfg.Mongo.Timeout.Duration())
	assert.True(t, cfg.Search.Enabled)
	assert.True(t, cfg.Vectors.Enabled)
	assert.Equal(t, "chromem", cfg.Vectors.Provider)
	assert.Equal(t, DefaultVectorSize, cfg.Vectors.VectorSize)
	assert.Equal(t, DefaultWorkers, cfg.Backfill.Workers)
	assert.Equal(t, DefaultSubject, cfg.Invalidation.Subject)
	assert.False(t, cfg.Telemetry.Enabled)
	assert.True(t, cfg.Telemetry.Insecure)
	assert.Equal(t, DefaultOTLPEndpoint, cfg.Telemetry.Endpoint)
	assert.InDelta(t, 1.0, cfg.Telemetry.SampleRate, 1e-9)

	cfg, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultQdrantPort, cfg.Vectors.Qdrant.Port)
}

func TestLoad_FileAndEnv(t *testing.T) {
	path := writeConfig(t, `
mongo:
  uri: mongodb://app:pw@db:27017
  database: crm
  timeout: 5s
search:
  enabled: false
vectors:
  provider: qdrant
  score_threshold: 0.7
  qdrant:
    host: qdrant.internal
backfill:
  workers: 8
  rate_per_sec: 50
`, 0600)

	t.Setenv("CRMSTORE_VECTORS_QDRANT_PORT", "7334")
	t.Setenv("CRMSTORE_BACKFILL_WORKERS", "2")
	t.Setenv("CRMSTORE_INVALIDATION_NATS_URL", "nats://bus:4222")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "mongodb://app:pw@db:27017", cfg.Mongo.URI.Value())
	assert.Equal(t, "crm", cfg.Mongo.Database)
	assert.Equal(t, 5*time.Second, cfg.Mongo.Timeout.Duration())
	assert.False(t, cfg.Search.Enabled)
	assert.True(t, cfg.Vectors.Enabled, "unset booleans keep their default")
	assert.Equal(t, "qdrant", cfg.Vectors.Provider)
	assert.Equal(t, "qdrant.internal", cfg.Vectors.Qdrant.Host)
	assert.Equal(t, 7334, cfg.Vectors.Qdrant.Port)
	assert.InDelta(t, 0.7, cfg.Vectors.ScoreThreshold, 1e-6)
	assert.Equal(t, 2, cfg.Backfill.Workers, "env overrides the file")
	assert.InDelta(t, 50, cfg.Backfill.RatePerSec, 1e-9)
	assert.Equal(t, "nats://bus:4222", cfg.Invalidation.NATSURL)
}

func TestLoad_Rejects(t *testing.T) {
	_, err := Load(writeConfig(t, "mongo:\n  database: crm\n", 0644))
	assert.ErrorContains(t, err, "insecure config file permissions")

	_, err = Load(writeConfig(t, "vectors:\n  provider: pinecone\n", 0600))
	assert.ErrorContains(t, err, "vectors.provider")

	_, err = Load(writeConfig(t, "mongo: [unclosed\n", 0600))
	assert.Error(t, err)
}

func TestEnvKey(t *testing.T) {
	tests := map[string]string{
		"CRMSTORE_MONGO_URI":              "mongo.uri",
		"CRMSTORE_SEARCH_ADDR":            "search.addr",
		"CRMSTORE_VECTORS_VECTOR_SIZE":    "vectors.vector_size",
		"CRMSTORE_VECTORS_QDRANT_USE_TLS": "vectors.qdrant.use_tls",
		"CRMSTORE_VECTORS_CHROMEM_PATH":   "vectors.chromem.path",
		"CRMSTORE_EMBEDDINGS_BASE_URL":    "embeddings.base_url",
		"CRMSTORE_INVALIDATION_NATS_URL":  "invalidation.nats_url",
		"CRMSTORE_PERMISSIONS_ENFORCE":    "permissions.enforce",
		"CRMSTORE_TELEMETRY_SAMPLE_RATE":  "telemetry.sample_rate",
	}
	for in, want := range tests {
		assert.Equal(t, want, envKey(in), in)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty database", func(c *Config) { c.Mongo.Database = "" }},
		{"negative redis db", func(c *Config) { c.Search.DB = -1 }},
		{"threshold above one", func(c *Config) { c.Vectors.ScoreThreshold = 1.5 }},
		{"bad port", func(c *Config) { c.Vectors.Qdrant.Port = 70000 }},
		{"bad embeddings provider", func(c *Config) { c.Embeddings.Provider = "bert" }},
		{"zero workers", func(c *Config) { c.Backfill.Workers = 0 }},
		{"negative rate", func(c *Config) { c.Backfill.RatePerSec = -1 }},
		{"sample rate above one", func(c *Config) { c.Telemetry.SampleRate = 2 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
	assert.NoError(t, Default().Validate())
}

func TestDuration(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("1m30s")))
	assert.Equal(t, 90*time.Second, d.Duration())
	require.NoError(t, d.UnmarshalText([]byte("45")))
	assert.Equal(t, 45*time.Second, d.Duration())
	assert.Error(t, d.UnmarshalText([]byte("-5s")))
	assert.Error(t, d.UnmarshalText([]byte("soon")))

	text, err := Duration(2 * time.Second).MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "2s", string(text))
}

func TestSecret(t *testing.T) {
	s := Secret("hunter2")
	assert.Equal(t, "[REDACTED]", s.String())
	assert.Equal(t, "[REDACTED]", fmt.Sprintf("%v", s))
	assert.NotContains(t, fmt.Sprintf("%#v", s), "hunter2")
	assert.Equal(t, "hunter2", s.Value())
	assert.True(t, s.IsSet())
	assert.False(t, Secret("").IsSet())

	b, err := json.Marshal(struct{ Key Secret }{s})
	require.NoError(t, err)
	assert.JSONEq(t, `{"Key":"[REDACTED]"}`, string(b))
}
