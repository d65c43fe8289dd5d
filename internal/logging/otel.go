package logging

import (
	"fmt"
	"os"

	"go.opentelemetry.io/contrib/bridges/otelzap"
	"go.opentelemetry.io/otel/log"
	"go.uber.org/zap/zapcore"
)

// newCore tees the enabled outputs and applies sampling on top.
func newCore(cfg *Config, level zapcore.Level, otelProvider log.LoggerProvider) (zapcore.Core, error) {
	cores := make([]zapcore.Core, 0, 2)

	if cfg.Output.Stdout {
		enc, err := NewRedactingEncoder(newEncoder(cfg.Format), cfg.Redaction)
		if err != nil {
			return nil, err
		}
		cores = append(cores, zapcore.NewCore(enc, zapcore.Lock(os.Stdout), level))
	}

	if cfg.Output.OTEL && otelProvider != nil {
		otelCore := otelzap.NewCore(ServiceName, otelzap.WithLoggerProvider(otelProvider))
		cores = append(cores, &levelFilterCore{Core: otelCore, allow: level.Enabled})
	}

	if len(cores) == 0 {
		return nil, fmt.Errorf("no output available: stdout disabled and no OTEL provider")
	}
	return newSampledCore(zapcore.NewTee(cores...), cfg.Sampling)
}
