// Package ratelimit is the Rate Limiter & Budget Guard (C9):
// per-(tenant,user) fixed-window hour/day counters backed by Redis,
// with an in-process fallback when Redis is unreachable. The windows do
// not slide: a Redis counter covers one clock-aligned hour or day, and
// a fallback counter resets one period after its first request.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Limits bounds the per-(tenant,user) request rate (spec §4.9 defaults).
type Limits struct {
	PerHour int
	PerDay  int
}

// DefaultLimits returns the documented operational defaults.
func DefaultLimits() Limits { return Limits{PerHour: 60, PerDay: 300} }

// Source supplies the per-hour/per-day ceilings Allow checks against,
// re-read on every call so a hot-reloaded config value takes effect
// without reconstructing the Limiter. config.Watcher satisfies this
// directly (it already exposes PerHour()/PerDay() methods).
type Source interface {
	PerHour() int
	PerDay() int
}

type staticSource struct {
	perHour int
	perDay  int
}

func (s staticSource) PerHour() int { return s.perHour }
func (s staticSource) PerDay() int  { return s.perDay }

// NewSource wraps a fixed Limits value as a Source, for callers (e.g.
// internal/httpapi's health handler in tests, or a deployment with no
// config.Watcher) that need a Source without hot-reload.
func NewSource(limits Limits) Source {
	return staticSource{perHour: limits.PerHour, perDay: limits.PerDay}
}

// Limiter is the Rate Limiter's public surface.
type Limiter struct {
	client   *redis.Client
	limits   Source
	logger   *zap.Logger
	fallback *inProcessCounters

	mu             sync.Mutex
	fallbackActive bool
}

// New constructs a Limiter over a fixed Limits value. client may be
// nil, in which case the in-process fallback is used unconditionally
// (e.g. for local dev without Redis).
func New(client *redis.Client, limits Limits, logger *zap.Logger) *Limiter {
	return NewWithSource(client, staticSource{perHour: limits.PerHour, perDay: limits.PerDay}, logger)
}

// NewWithSource constructs a Limiter whose ceilings are re-read from
// source on every Allow call -- pass a *config.Watcher to make the
// limiter track hot-reloaded configuration.
func NewWithSource(client *redis.Client, source Source, logger *zap.Logger) *Limiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Limiter{client: client, limits: source, logger: logger, fallback: newInProcessCounters()}
}

// Allow increments the hour and day counters for (tenantID, userID) and
// reports whether the request is within both limits. The increment
// still happens even when the request is ultimately denied (a denied
// request still consumes its slot in the current window).
func (l *Limiter) Allow(ctx context.Context, tenantID, userID string) (bool, error) {
	if l.client == nil {
		return l.allowFallback(tenantID, userID), nil
	}

	hourKey := bucketKey(tenantID, userID, "hour", time.Now().Truncate(time.Hour))
	dayKey := bucketKey(tenantID, userID, "day", time.Now().Truncate(24*time.Hour))

	hourCount, err := l.incrWithExpiry(ctx, hourKey, time.Hour)
	if err != nil {
		l.noteFallback(err)
		return l.allowFallback(tenantID, userID), nil
	}
	dayCount, err := l.incrWithExpiry(ctx, dayKey, 24*time.Hour)
	if err != nil {
		l.noteFallback(err)
		return l.allowFallback(tenantID, userID), nil
	}

	l.mu.Lock()
	if l.fallbackActive {
		l.logger.Info("ratelimit: redis recovered, leaving in-process fallback")
		l.fallbackActive = false
	}
	l.mu.Unlock()

	return hourCount <= int64(l.limits.PerHour()) && dayCount <= int64(l.limits.PerDay()), nil
}

func (l *Limiter) incrWithExpiry(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if count == 1 {
		if err := l.client.Expire(ctx, key, ttl).Err(); err != nil {
			return 0, err
		}
	}
	return count, nil
}

// noteFallback logs once per fallback episode rather than once per
// request, to avoid log-flooding during a Redis outage.
func (l *Limiter) noteFallback(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.fallbackActive {
		l.logger.Warn("ratelimit: redis unreachable, falling back to in-process counters", zap.Error(err))
		l.fallbackActive = true
	}
}

func (l *Limiter) allowFallback(tenantID, userID string) bool {
	hourCount := l.fallback.incr(tenantID, userID, "hour", time.Hour)
	dayCount := l.fallback.incr(tenantID, userID, "day", 24*time.Hour)
	return hourCount <= l.limits.PerHour() && dayCount <= l.limits.PerDay()
}

func bucketKey(tenantID, userID, window string, bucket time.Time) string {
	return fmt.Sprintf("copilot:ratelimit:%s:%s:%s:%d", tenantID, userID, window, bucket.Unix())
}

// inProcessCounters is the coarser, per-process fallback tier: it does
// not survive a restart and is not shared across replicas, which is
// the documented tradeoff of falling back off the shared cache.
type inProcessCounters struct {
	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	resetAt time.Time
	count   int
}

func newInProcessCounters() *inProcessCounters {
	return &inProcessCounters{buckets: map[string]*bucket{}}
}

func (c *inProcessCounters) incr(tenantID, userID, window string, period time.Duration) int {
	key := tenantID + "|" + userID + "|" + window
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	b, ok := c.buckets[key]
	if !ok || now.After(b.resetAt) {
		b = &bucket{resetAt: now.Add(period)}
		c.buckets[key] = b
	}
	b.count++
	return b.count
}

// WallClockGuard derives a context bounded by the per-request wall-clock
// ceiling (default 20s), measured from query receipt.
func WallClockGuard(parent context.Context, budget time.Duration) (context.Context, context.CancelFunc) {
	if budget <= 0 {
		budget = 20 * time.Second
	}
	return context.WithTimeout(parent, budget)
}
