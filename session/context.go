package session

import "context"

type contextKey struct{}

// WithBridge stores b on ctx.
func WithBridge(ctx context.Context, b *Bridge) context.Context {
	return context.WithValue(ctx, contextKey{}, b)
}

// FromContext returns the request's bridge, or nil.
func FromContext(ctx context.Context) *Bridge {
	b, _ := ctx.Value(contextKey{}).(*Bridge)
	return b
}
