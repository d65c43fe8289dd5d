package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/crmstore/internal/config"
)

func TestNewDefaultConfig(t *testing.T) {
	cfg := NewDefaultConfig()
	require.NoError(t, cfg.Validate())

	lvl, err := cfg.ZapLevel()
	require.NoError(t, err)
	assert.Equal(t, zapcore.InfoLevel, lvl)
	assert.Equal(t, ServiceName, cfg.Fields["service"])
	assert.Contains(t, cfg.Redaction.Fields, "password")
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad level", func(c *Config) { c.Level = "loud" }},
		{"bad format", func(c *Config) { c.Format = "xml" }},
		{"no output", func(c *Config) { c.Output = OutputConfig{} }},
		{"zero tick", func(c *Config) { c.Sampling.Tick = 0 }},
		{"sampled error level", func(c *Config) { c.Sampling.Levels["error"] = LevelSamplingRate{Initial: 1} }},
		{"unknown sampled level", func(c *Config) { c.Sampling.Levels["chatty"] = LevelSamplingRate{Initial: 1} }},
		{"zero initial", func(c *Config) { c.Sampling.Levels["info"] = LevelSamplingRate{} }},
		{"bad pattern", func(c *Config) { c.Redaction.Patterns = []string{"(unclosed"} }},
		{"empty field value", func(c *Config) { c.Fields["env"] = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	t.Run("sampling disabled skips tick", func(t *testing.T) {
		cfg := NewDefaultConfig()
		cfg.Sampling = SamplingConfig{Enabled: false, Tick: config.Duration(0)}
		assert.NoError(t, cfg.Validate())
	})
}

func TestLevelFromString(t *testing.T) {
	lvl, err := LevelFromString("TRACE")
	require.NoError(t, err)
	assert.Equal(t, TraceLevel, lvl)

	lvl, err = LevelFromString("warn")
	require.NoError(t, err)
	assert.Equal(t, zapcore.WarnLevel, lvl)

	_, err = LevelFromString("verbose")
	assert.Error(t, err)
	assert.Less(t, int8(TraceLevel), int8(zapcore.DebugLevel))
}
