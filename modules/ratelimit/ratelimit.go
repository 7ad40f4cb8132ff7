// Package ratelimit enforces the per-client daily generation quota.
//
// Counters live in Redis, keyed by client IP and local calendar day, and
// expire at the next local midnight so the quota resets with the date. A
// Redis outage fails open: generation availability is worth more than strict
// enforcement, and the condition is logged.
package ratelimit

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// CounterStore increments a daily counter and returns the new value.
// The store must apply expireAt only when the key is created.
type CounterStore interface {
	Incr(ctx context.Context, key string, expireAt time.Time) (int64, error)
}

// RedisStore backs CounterStore with a Redis client.
type RedisStore struct {
	rdb *redis.Client
}

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func (s *RedisStore) Incr(ctx context.Context, key string, expireAt time.Time) (int64, error) {
	n, err := s.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to increment counter: %w", err)
	}
	if n == 1 {
		if err := s.rdb.ExpireAt(ctx, key, expireAt).Err(); err != nil {
			log.Printf("⚠️  [RateLimit] Failed to set expiry on %s: %v", key, err)
		}
	}
	return n, nil
}

// Decision is the outcome of a quota check.
type Decision struct {
	Allowed   bool
	Exempt    bool
	Remaining int
	ResetAt   time.Time
	Message   string
}

// Limiter decides whether a client may start another generation today.
type Limiter struct {
	store         CounterStore
	limit         int
	devMode       bool
	exemptReferer string
	now           func() time.Time
}

func NewLimiter(store CounterStore, limit int, devMode bool, exemptReferer string) *Limiter {
	return &Limiter{
		store:         store,
		limit:         limit,
		devMode:       devMode,
		exemptReferer: exemptReferer,
		now:           time.Now,
	}
}

// Allow checks and consumes one unit of the client's daily quota.
func (l *Limiter) Allow(ctx context.Context, clientID, referer string) Decision {
	now := l.now()
	resetAt := nextMidnight(now)

	if l.isExempt(referer) {
		return Decision{Allowed: true, Exempt: true, Remaining: l.limit, ResetAt: resetAt}
	}

	if l.store == nil {
		log.Printf("⚠️  [RateLimit] No counter store available, allowing request from %s", clientID)
		return Decision{Allowed: true, Remaining: l.limit, ResetAt: resetAt}
	}

	key := fmt.Sprintf("ratelimit:%s:%s", clientID, now.Format("2006-01-02"))
	count, err := l.store.Incr(ctx, key, resetAt)
	if err != nil {
		// Fail open: a counter-store outage must not take generation down.
		log.Printf("⚠️  [RateLimit] Counter store error for %s, allowing request: %v", clientID, err)
		return Decision{Allowed: true, Remaining: l.limit, ResetAt: resetAt}
	}

	if count > int64(l.limit) {
		log.Printf("🛑 [RateLimit] Client %s exceeded daily limit (%d/%d)", clientID, count, l.limit)
		return Decision{
			Allowed: false,
			ResetAt: resetAt,
			Message: fmt.Sprintf("Daily generation limit of %d reached. Quota resets at %s.",
				l.limit, resetAt.Format("Jan 2 15:04 MST")),
		}
	}

	remaining := l.limit - int(count)
	log.Printf("✅ [RateLimit] Client %s allowed (%d/%d used today)", clientID, count, l.limit)
	return Decision{Allowed: true, Remaining: remaining, ResetAt: resetAt}
}

func (l *Limiter) isExempt(referer string) bool {
	if l.devMode {
		return true
	}
	if l.exemptReferer != "" && referer != "" && strings.HasPrefix(referer, l.exemptReferer) {
		return true
	}
	return false
}

// nextMidnight returns the next local midnight after t.
func nextMidnight(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day()+1, 0, 0, 0, 0, t.Location())
}

// ClientIP extracts the caller's network identity, preferring the first
// X-Forwarded-For hop set by the fronting proxy.
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if idx := strings.Index(fwd, ","); idx >= 0 {
			fwd = fwd[:idx]
		}
		if ip := strings.TrimSpace(fwd); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
