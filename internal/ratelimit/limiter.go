// Package ratelimit implements the fixed-window HTTP limiter of spec.md
// §6: 60 requests / 60 s per authenticated user, falling back to source IP.
package ratelimit

import (
	"context"
	"time"

	"manifold/internal/store"
)

const (
	DefaultLimit  = 60
	DefaultWindow = 60 * time.Second
)

type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetIn   time.Duration
}

type Limiter struct {
	kv     *store.KV
	limit  int
	window time.Duration
}

func New(kv *store.KV) *Limiter {
	return &Limiter{kv: kv, limit: DefaultLimit, window: DefaultWindow}
}

func (l *Limiter) WithLimit(limit int, window time.Duration) *Limiter {
	l.limit = limit
	l.window = window
	return l
}

// Allow increments the counter for scopeKey (typically "user:<id>" or
// "ip:<addr>") and reports whether the request is within budget.
func (l *Limiter) Allow(ctx context.Context, scopeKey string) (Result, error) {
	count, err := l.kv.IncrRateLimit(ctx, scopeKey, int(l.window.Seconds()))
	if err != nil {
		return Result{}, err
	}
	ttl, err := l.kv.RateLimitTTL(ctx, scopeKey)
	if err != nil || ttl < 0 {
		ttl = l.window
	}
	remaining := l.limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return Result{
		Allowed:   count <= int64(l.limit),
		Limit:     l.limit,
		Remaining: remaining,
		ResetIn:   ttl,
	}, nil
}
