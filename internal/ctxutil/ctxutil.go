// Package ctxutil holds the request-scoped values that both the HTTP server
// and the MCP tools read: the caller's JWT claims and the request ID.
// The server populates them in middleware; MCP handlers run inside the same
// request context and read them back here without importing server.
package ctxutil

import (
	"context"

	"github.com/google/uuid"

	"github.com/ashita-ai/shinsa/internal/auth"
)

type key int

const (
	claimsKey key = iota
	requestIDKey
)

// WithClaims attaches the authenticated caller. A nil claims value is
// stored as-is and reads back as unauthenticated.
func WithClaims(ctx context.Context, claims *auth.Claims) context.Context {
	return context.WithValue(ctx, claimsKey, claims)
}

// ClaimsFromContext returns the caller's claims, or nil when the request
// was not authenticated.
func ClaimsFromContext(ctx context.Context) *auth.Claims {
	c, _ := ctx.Value(claimsKey).(*auth.Claims)
	return c
}

// OrgIDFromContext returns the caller's org, or uuid.Nil when there are no
// claims. The org always comes from the token, never from request input.
func OrgIDFromContext(ctx context.Context) uuid.UUID {
	if c := ClaimsFromContext(ctx); c != nil {
		return c.OrgID
	}
	return uuid.Nil
}

// WithRequestID attaches the request ID used in logs and response metadata.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestIDFromContext returns the request ID, or "" outside a request.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}
