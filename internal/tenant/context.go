package tenant

import (
	"context"
	"errors"
)

// Tenant context errors. Operations fail closed when identity is missing.
var (
	ErrMissingContext  = errors.New("tenant context missing")
	ErrInvalidTenantID = errors.New("invalid tenant ID")
	ErrInvalidUnitID   = errors.New("invalid unit ID")
)

// Context identifies the caller of a store operation.
//
// UnitID is always required structurally; it is ignored when the entity
// being accessed is Global.
type Context struct {
	TenantID string
	UnitID   string
	AppID    string
}

// Validate checks that the identifiers required for routing are present.
func (c Context) Validate() error {
	if c.TenantID == "" {
		return ErrInvalidTenantID
	}
	if c.UnitID == "" {
		return ErrInvalidUnitID
	}
	return nil
}

// Filter returns the scoping predicate for documents visible to this
// context. Global entities are filtered by tenant only.
func (c Context) Filter(scope Scope) map[string]any {
	filter := map[string]any{"tenant_id": c.TenantID}
	if !scope.IsGlobal() {
		filter["unit_id"] = c.UnitID
	}
	return filter
}

type contextKey struct{}

// WithContext stores the tenant context on ctx.
func WithContext(ctx context.Context, tc Context) context.Context {
	return context.WithValue(ctx, contextKey{}, tc)
}

// FromContext returns the tenant context stored on ctx.
func FromContext(ctx context.Context) (Context, error) {
	tc, ok := ctx.Value(contextKey{}).(Context)
	if !ok {
		return Context{}, ErrMissingContext
	}
	return tc, nil
}
