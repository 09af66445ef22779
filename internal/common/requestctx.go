package common

import "context"

// Caller holds per-request identity resolved by server middleware.
// ClientID is the remote address used for rate limiting; SubscriberKey
// is present when a bearer token named a subject, and scopes which job
// events the caller may receive.
type Caller struct {
	ClientID      string
	SubscriberKey string
}

type contextKey int

const (
	callerKey contextKey = iota
	correlationIDKey
)

// WithCaller stores caller identity in the request context.
func WithCaller(ctx context.Context, c *Caller) context.Context {
	return context.WithValue(ctx, callerKey, c)
}

// CallerFromContext retrieves the Caller from context, or nil if absent.
func CallerFromContext(ctx context.Context) *Caller {
	c, _ := ctx.Value(callerKey).(*Caller)
	return c
}

// ResolveClientID returns the caller's client id, or "unknown" when no
// caller identity is present.
func ResolveClientID(ctx context.Context) string {
	if c := CallerFromContext(ctx); c != nil && c.ClientID != "" {
		return c.ClientID
	}
	return "unknown"
}

// ResolveSubscriberKey returns the caller's subscriber key, or empty.
func ResolveSubscriberKey(ctx context.Context) string {
	if c := CallerFromContext(ctx); c != nil {
		return c.SubscriberKey
	}
	return ""
}

// WithCorrelationID stores a request correlation id in the context.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDKey, id)
}

// CorrelationIDFromContext retrieves the correlation id, or empty.
func CorrelationIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(correlationIDKey).(string)
	return id
}
