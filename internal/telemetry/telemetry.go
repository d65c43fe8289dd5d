package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/crmstore/internal/logging"
)

// Telemetry owns the process-wide tracer and meter providers.
type Telemetry struct {
	config *Config
	logger *logging.Logger

	tracerProvider *trace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider

	degraded atomic.Bool
}

// New builds the providers described by cfg and installs them globally.
// A disabled config yields an instance that installs nothing. Provider
// failures are logged and leave the instance degraded rather than failing.
func New(ctx context.Context, cfg *Config, logger *logging.Logger) (*Telemetry, error) {
	if cfg == nil {
		cfg = NewDefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid telemetry config: %w", err)
	}
	if logger == nil {
		logger = logging.Nop()
	}
	t := &Telemetry{config: cfg, logger: logger.Named("telemetry")}
	if !cfg.Enabled {
		return t, nil
	}

	res := newResource(cfg)
	tp, err := newTracerProvider(ctx, cfg, res)
	if err != nil {
		t.setDegraded(ctx, "tracer provider unavailable", err)
	} else {
		t.tracerProvider = tp
		otel.SetTracerProvider(tp)
	}

	if cfg.Metrics.Enabled {
		mp, err := newMeterProvider(ctx, cfg, res)
		if err != nil {
			t.setDegraded(ctx, "meter provider unavailable", err)
		} else {
			t.meterProvider = mp
			otel.SetMeterProvider(mp)
		}
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	t.logger.Info(ctx, "telemetry enabled",
		zap.String("endpoint", cfg.Endpoint),
		zap.String("protocol", cfg.Protocol),
		zap.Bool("degraded", t.degraded.Load()),
	)
	return t, nil
}

// Tracer returns a tracer from the installed provider, or the global one.
func (t *Telemetry) Tracer(name string, opts ...oteltrace.TracerOption) oteltrace.Tracer {
	if t == nil || t.tracerProvider == nil {
		return otel.GetTracerProvider().Tracer(name, opts...)
	}
	return t.tracerProvider.Tracer(name, opts...)
}

// Degraded reports whether a provider failed to start.
func (t *Telemetry) Degraded() bool {
	return t != nil && t.degraded.Load()
}

// ForceFlush exports everything buffered.
func (t *Telemetry) ForceFlush(ctx context.Context) error {
	if t == nil {
		return nil
	}
	var errs []error
	if t.tracerProvider != nil {
		if err := t.tracerProvider.ForceFlush(ctx); err != nil {
			errs = append(errs, fmt.Errorf("trace flush: %w", err))
		}
	}
	if t.meterProvider != nil {
		if err := t.meterProvider.ForceFlush(ctx); err != nil {
			errs = append(errs, fmt.Errorf("meter flush: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Shutdown flushes and stops the providers, bounded by the configured
// timeout when ctx has no deadline.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil {
		return nil
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.config.ShutdownTimeout.Duration())
		defer cancel()
	}
	var errs []error
	if t.tracerProvider != nil {
		if err := t.tracerProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("trace provider shutdown: %w", err))
		}
	}
	if t.meterProvider != nil {
		if err := t.meterProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("meter provider shutdown: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (t *Telemetry) setDegraded(ctx context.Context, msg string, err error) {
	t.degraded.Store(true)
	t.logger.Warn(ctx, msg, zap.Error(err))
}
