package logging

import (
	"fmt"
	"regexp"
	"time"

	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/crmstore/internal/config"
)

// ServiceName is attached to every entry and names the OTEL instrumentation scope.
const ServiceName = "crmstore"

// maxPatternLen bounds redaction patterns.
const maxPatternLen = 200

// Config holds logging configuration.
type Config struct {
	Level     string            `koanf:"level"`
	Format    string            `koanf:"format"`
	Output    OutputConfig      `koanf:"output"`
	Sampling  SamplingConfig    `koanf:"sampling"`
	Caller    bool              `koanf:"caller"`
	Fields    map[string]string `koanf:"fields"`
	Redaction RedactionConfig   `koanf:"redaction"`
}

// OutputConfig selects log sinks.
type OutputConfig struct {
	Stdout bool `koanf:"stdout"`
	OTEL   bool `koanf:"otel"`
}

// SamplingConfig controls per-level sampling. Levels missing from Levels
// are not sampled.
type SamplingConfig struct {
	Enabled bool                         `koanf:"enabled"`
	Tick    config.Duration              `koanf:"tick"`
	Levels  map[string]LevelSamplingRate `koanf:"levels"`
}

// LevelSamplingRate keeps the first Initial entries with the same message
// per tick, then every Thereafter-th. Thereafter 0 drops the rest.
type LevelSamplingRate struct {
	Initial    int `koanf:"initial"`
	Thereafter int `koanf:"thereafter"`
}

// RedactionConfig lists field names and value patterns masked on stdout.
type RedactionConfig struct {
	Enabled  bool     `koanf:"enabled"`
	Fields   []string `koanf:"fields"`
	Patterns []string `koanf:"patterns"`
}

// NewDefaultConfig returns production defaults.
func NewDefaultConfig() *Config {
	return &Config{
		Level:  "info",
		Format: "json",
		Output: OutputConfig{Stdout: true},
		Sampling: SamplingConfig{
			Enabled: true,
			Tick:    config.Duration(time.Second),
			Levels: map[string]LevelSamplingRate{
				"trace": {Initial: 1, Thereafter: 0},
				"debug": {Initial: 10, Thereafter: 0},
				"info":  {Initial: 100, Thereafter: 10},
				"warn":  {Initial: 100, Thereafter: 100},
			},
		},
		Caller: true,
		Fields: map[string]string{"service": ServiceName},
		Redaction: RedactionConfig{
			Enabled: true,
			Fields: []string{
				"password", "secret", "token", "api_key",
				"authorization", "credential", "mongo_uri",
			},
			Patterns: []string{
				`(?i)bearer\s+\S+`,
				`(?i)api[_-]?key[=:]\s*\S+`,
				`mongodb(\+srv)?://[^:\s]+:[^@\s]+@`,
			},
		},
	}
}

// ZapLevel returns the parsed minimum level.
func (c *Config) ZapLevel() (zapcore.Level, error) {
	return LevelFromString(c.Level)
}

// Validate checks config for errors.
func (c *Config) Validate() error {
	if _, err := c.ZapLevel(); err != nil {
		return fmt.Errorf("invalid level %q: %w", c.Level, err)
	}
	if c.Format != "json" && c.Format != "console" {
		return fmt.Errorf("format must be 'json' or 'console', got %q", c.Format)
	}
	if !c.Output.Stdout && !c.Output.OTEL {
		return fmt.Errorf("at least one output must be enabled (stdout or otel)")
	}
	if c.Sampling.Enabled {
		if c.Sampling.Tick.Duration() <= 0 {
			return fmt.Errorf("sampling tick must be > 0 when sampling enabled")
		}
		for name, rate := range c.Sampling.Levels {
			lvl, err := LevelFromString(name)
			if err != nil {
				return fmt.Errorf("sampling level %q: %w", name, err)
			}
			if lvl >= zapcore.ErrorLevel {
				return fmt.Errorf("sampling level %q: error and above are never sampled", name)
			}
			if rate.Initial < 1 || rate.Thereafter < 0 {
				return fmt.Errorf("sampling level %q: initial must be >= 1 and thereafter >= 0", name)
			}
		}
	}
	if c.Redaction.Enabled {
		for _, p := range c.Redaction.Patterns {
			if len(p) > maxPatternLen {
				return fmt.Errorf("redaction pattern too long (max %d chars): %q", maxPatternLen, p)
			}
			if _, err := regexp.Compile(p); err != nil {
				return fmt.Errorf("invalid redaction pattern %q: %w", p, err)
			}
		}
	}
	for k, v := range c.Fields {
		if k == "" {
			return fmt.Errorf("field key cannot be empty")
		}
		if v == "" {
			return fmt.Errorf("field %q has empty value", k)
		}
	}
	return nil
}
