package logging

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/crmstore/internal/tenant"
)

func fieldMap(ctx context.Context) map[string]string {
	out := map[string]string{}
	for _, f := range ContextFields(ctx) {
		out[f.Key] = f.String
	}
	return out
}

func TestContextFields_Empty(t *testing.T) {
	assert.Empty(t, ContextFields(context.Background()))
}

func TestContextFields_Tenant(t *testing.T) {
	ctx := tenant.WithContext(context.Background(), tenant.Context{TenantID: "acme", UnitID: "sales", AppID: "crm"})
	ctx = WithRequestID(ctx, "req_42")

	assert.Equal(t, map[string]string{
		FieldTenantID:  "acme",
		FieldUnitID:    "sales",
		FieldAppID:     "crm",
		FieldRequestID: "req_42",
	}, fieldMap(ctx))

	ctx = tenant.WithContext(context.Background(), tenant.Context{TenantID: "acme"})
	assert.Equal(t, map[string]string{FieldTenantID: "acme"}, fieldMap(ctx))
}

func TestContextFields_Trace(t *testing.T) {
	tp := sdktrace.NewTracerProvider()
	defer func() { _ = tp.Shutdown(context.Background()) }()

	ctx, span := tp.Tracer("test").Start(context.Background(), "op")
	defer span.End()

	fields := fieldMap(ctx)
	assert.Equal(t, span.SpanContext().TraceID().String(), fields[FieldTraceID])
	assert.Equal(t, span.SpanContext().SpanID().String(), fields[FieldSpanID])
}

func TestWithRequestID_DropsInvalid(t *testing.T) {
	for _, id := range []string{"", "has space", "line\nbreak", strings.Repeat("a", 129)} {
		ctx := WithRequestID(context.Background(), id)
		assert.Empty(t, RequestIDFromContext(ctx), "%q", id)
	}
	assert.NoError(t, ValidateRequestID("abc-123_X"))
}

func TestLoggerInContext(t *testing.T) {
	assert.NotNil(t, FromContext(context.Background()))

	tl := NewTestLogger()
	ctx := WithLogger(context.Background(), tl.Logger)
	ctx = tenant.WithContext(ctx, tenant.Context{TenantID: "acme", UnitID: "sales"})

	FromContext(ctx).Info(ctx, "hello")
	tl.AssertLogged(t, zapcore.InfoLevel, "hello")
	tl.AssertField(t, "hello", FieldTenantID, "acme")
	require.Len(t, tl.All(), 1)
}
