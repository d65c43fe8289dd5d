package permissions

import "context"

type roleCtxKey struct{}

// WithRole stores the caller's role on ctx.
func WithRole(ctx context.Context, role string) context.Context {
	return context.WithValue(ctx, roleCtxKey{}, role)
}

// RoleFromContext returns the caller's role, or "" when none is set.
func RoleFromContext(ctx context.Context) string {
	role, _ := ctx.Value(roleCtxKey{}).(string)
	return role
}
