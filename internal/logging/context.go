package logging

import (
	"context"
	"fmt"
	"regexp"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/crmstore/internal/tenant"
)

// Correlation field keys.
const (
	FieldTraceID   = "trace_id"
	FieldSpanID    = "span_id"
	FieldTenantID  = "tenant.id"
	FieldUnitID    = "tenant.unit"
	FieldAppID     = "tenant.app"
	FieldRequestID = "request.id"
)

const maxRequestIDLen = 128

var requestIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// ContextFields returns the correlation fields carried by ctx.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 6)

	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		fields = append(fields,
			zap.String(FieldTraceID, sc.TraceID().String()),
			zap.String(FieldSpanID, sc.SpanID().String()),
		)
	}

	if tc, err := tenant.FromContext(ctx); err == nil {
		fields = append(fields, zap.String(FieldTenantID, tc.TenantID))
		if tc.UnitID != "" {
			fields = append(fields, zap.String(FieldUnitID, tc.UnitID))
		}
		if tc.AppID != "" {
			fields = append(fields, zap.String(FieldAppID, tc.AppID))
		}
	}

	if id := RequestIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String(FieldRequestID, id))
	}
	return fields
}

type requestCtxKey struct{}

// ValidateRequestID checks a caller supplied request id.
func ValidateRequestID(id string) error {
	if id == "" {
		return fmt.Errorf("request id cannot be empty")
	}
	if len(id) > maxRequestIDLen {
		return fmt.Errorf("request id exceeds max length %d", maxRequestIDLen)
	}
	if !requestIDPattern.MatchString(id) {
		return fmt.Errorf("request id contains invalid characters (must be alphanumeric, hyphen, underscore)")
	}
	return nil
}

// WithRequestID stores a request id on ctx. Invalid ids are dropped so a
// hostile header cannot inject into log output.
func WithRequestID(ctx context.Context, id string) context.Context {
	if ValidateRequestID(id) != nil {
		return ctx
	}
	return context.WithValue(ctx, requestCtxKey{}, id)
}

// RequestIDFromContext returns the request id stored on ctx.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestCtxKey{}).(string)
	return id
}

type loggerCtxKey struct{}

// WithLogger stores logger on ctx.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerCtxKey{}, logger)
}

// FromContext returns the logger stored on ctx, or a no-op logger.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerCtxKey{}).(*Logger); ok {
		return l
	}
	return Nop()
}
