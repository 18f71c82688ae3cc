package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/NoPKT/agentim/internal/store"
)

// RateLimiter bounds how many routed hops an agent can originate per
// window, using a shared rolling counter so the bound holds across
// instances. The limiter fails open: if the shared store is unreachable
// the hop is allowed, since losing rate limiting is cheaper than losing
// routing.
type RateLimiter struct {
	shared store.SharedStore // nil disables limiting
	logger *slog.Logger
	limit  int64
	window time.Duration
}

// NewRateLimiter creates a limiter allowing limit hops per agent per
// window. A nil shared store or non-positive limit disables it.
func NewRateLimiter(shared store.SharedStore, logger *slog.Logger, limit int64, window time.Duration) *RateLimiter {
	return &RateLimiter{
		shared: shared,
		logger: logger.With("component", "ratelimit"),
		limit:  limit,
		window: window,
	}
}

// Allow reports whether the agent may originate another routed hop now.
func (l *RateLimiter) Allow(ctx context.Context, agentID string) bool {
	if l.shared == nil || l.limit <= 0 {
		return true
	}
	bucket := time.Now().Unix() / int64(l.window.Seconds())
	key := fmt.Sprintf("ratelimit:hops:%s:%d", agentID, bucket)
	count, err := l.shared.Increment(ctx, key, l.window)
	if err != nil {
		l.logger.Warn("rate limit counter unavailable, allowing", "agent_id", agentID, "error", err)
		return true
	}
	return count <= l.limit
}
