// Package logging wraps zap for crmstore.
//
// Every context-aware method prefixes the entry with correlation fields
// taken from ctx: the OpenTelemetry trace and span, the tenant context set
// by tenant.WithContext, and the request id set by WithRequestID.
//
//	logger, err := logging.NewLogger(logging.NewDefaultConfig(), nil)
//	if err != nil {
//	    return err
//	}
//	defer logger.Sync()
//
//	ctx = tenant.WithContext(ctx, tenant.Context{TenantID: "acme", UnitID: "sales"})
//	logger.Info(ctx, "document created", zap.String("entity", "contact"))
//
// Stdout output passes through a redacting encoder. Entries below Error are
// sampled per level; Error and above are never dropped.
package logging
