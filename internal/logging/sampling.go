package logging

import (
	"fmt"

	"go.uber.org/zap/zapcore"
)

// newSampledCore gives every configured level its own sampler so a burst
// of Info entries cannot starve Warn. Unconfigured levels, and Error and
// above, pass through unsampled.
func newSampledCore(core zapcore.Core, cfg SamplingConfig) (zapcore.Core, error) {
	if !cfg.Enabled || len(cfg.Levels) == 0 {
		return core, nil
	}

	sampled := make(map[zapcore.Level]bool, len(cfg.Levels))
	cores := make([]zapcore.Core, 0, len(cfg.Levels)+1)
	for name, rate := range cfg.Levels {
		lvl, err := LevelFromString(name)
		if err != nil {
			return nil, fmt.Errorf("sampling level %q: %w", name, err)
		}
		if lvl >= zapcore.ErrorLevel {
			continue
		}
		sampled[lvl] = true
		only := lvl
		cores = append(cores, zapcore.NewSamplerWithOptions(
			&levelFilterCore{Core: core, allow: func(l zapcore.Level) bool { return l == only }},
			cfg.Tick.Duration(), rate.Initial, rate.Thereafter,
		))
	}
	cores = append(cores, &levelFilterCore{Core: core, allow: func(l zapcore.Level) bool { return !sampled[l] }})
	return zapcore.NewTee(cores...), nil
}

// levelFilterCore restricts an inner core to the levels allow accepts.
type levelFilterCore struct {
	zapcore.Core
	allow func(zapcore.Level) bool
}

func (c *levelFilterCore) Enabled(lvl zapcore.Level) bool {
	return c.allow(lvl) && c.Core.Enabled(lvl)
}

func (c *levelFilterCore) Check(e zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if !c.allow(e.Level) {
		return ce
	}
	return c.Core.Check(e, ce)
}

func (c *levelFilterCore) With(fields []zapcore.Field) zapcore.Core {
	return &levelFilterCore{Core: c.Core.With(fields), allow: c.allow}
}
