// Package identity carries the caller's tenant and user through a request context.
package identity

import "context"

type contextKey struct{}

// Identity is who a request or event acts for.
type Identity struct {
	TenantID string
	UserID   string
}

// WithIdentity returns a copy of ctx carrying id.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// FromContext returns the identity stored in ctx, if any.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(contextKey{}).(Identity)
	return id, ok
}

// TenantID returns the tenant stored in ctx or "" when there is none.
func TenantID(ctx context.Context) string {
	id, _ := FromContext(ctx)
	return id.TenantID
}
