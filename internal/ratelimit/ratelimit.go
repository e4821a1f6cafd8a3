// Package ratelimit throttles API callers with per-key token buckets.
//
// One process keeps its buckets in memory (MemoryLimiter). Deployments that
// run several instances behind a balancer get a per-instance limit; a shared
// backend can be added behind the Limiter interface.
package ratelimit

import (
	"context"
	"strings"

	"github.com/google/uuid"
)

// Limiter decides whether a request identified by key should be allowed.
// Implementations must be safe for concurrent use.
type Limiter interface {
	// Allow returns true if the request should proceed. An error means the
	// limiter itself failed; callers let the request through.
	Allow(ctx context.Context, key string) (bool, error)

	// Close releases background resources.
	Close() error
}

// NoopLimiter permits every request. Used when rate limiting is disabled.
type NoopLimiter struct{}

// Allow always returns true.
func (NoopLimiter) Allow(context.Context, string) (bool, error) { return true, nil }

// Close is a no-op.
func (NoopLimiter) Close() error { return nil }

// Key builds a bucket key for one caller on one route class, e.g.
// "evaluate:org:<uuid>:agent:adjuster-7".
func Key(class string, orgID uuid.UUID, agentID string) string {
	var b strings.Builder
	b.WriteString(class)
	b.WriteString(":org:")
	b.WriteString(orgID.String())
	b.WriteString(":agent:")
	b.WriteString(agentID)
	return b.String()
}
