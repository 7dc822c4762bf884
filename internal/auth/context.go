// ABOUTME: Caller identity propagated through request handlers via context
// ABOUTME: Provides WithCaller/FromContext for downstream handlers

package auth

import (
	"context"
)

// Authentication schemes a caller can arrive by.
const (
	SchemeSecret = "secret"
	SchemeBearer = "bearer"
)

// Caller identifies who authenticated a request and by which scheme.
type Caller struct {
	// Subject is the JWT "sub" claim, or "gateway" for shared-secret callers.
	Subject string
	// Scheme is SchemeSecret or SchemeBearer.
	Scheme string
}

type callerKey struct{}

// WithCaller returns a new context with the caller attached.
func WithCaller(ctx context.Context, c *Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, c)
}

// FromContext retrieves the caller from the context, returning nil if not present.
func FromContext(ctx context.Context) *Caller {
	val := ctx.Value(callerKey{})
	if val == nil {
		return nil
	}
	c, ok := val.(*Caller)
	if !ok {
		return nil
	}
	return c
}
