// Package telemetry sets up OpenTelemetry trace and metric export for
// crmstore processes.
//
// The adapters create their spans through the global tracer provider
// (otel.Tracer), so installing a provider here is all that is needed to
// export them:
//
//	tel, err := telemetry.New(ctx, cfg, logger)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(ctx)
//
// Export failures never stop the process. A provider that cannot be built
// leaves the instance degraded and the global no-op provider in place.
//
// Tests install in-memory providers with NewTestTelemetry.
package telemetry
