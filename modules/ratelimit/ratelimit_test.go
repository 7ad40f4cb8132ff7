package ratelimit

import (
	"context"
	"errors"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	mu       sync.Mutex
	counts   map[string]int64
	expiries map[string]time.Time
	err      error
}

func newMemStore() *memStore {
	return &memStore{
		counts:   make(map[string]int64),
		expiries: make(map[string]time.Time),
	}
}

func (m *memStore) Incr(ctx context.Context, key string, expireAt time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return 0, m.err
	}
	m.counts[key]++
	if m.counts[key] == 1 {
		m.expiries[key] = expireAt
	}
	return m.counts[key], nil
}

func newTestLimiter(store CounterStore, limit int) *Limiter {
	l := NewLimiter(store, limit, false, "")
	l.now = func() time.Time {
		return time.Date(2026, 8, 28, 14, 30, 0, 0, time.Local)
	}
	return l
}

func TestAllowUnderLimit(t *testing.T) {
	store := newMemStore()
	limiter := newTestLimiter(store, 2)

	d1 := limiter.Allow(context.Background(), "1.2.3.4", "")
	require.True(t, d1.Allowed)
	assert.Equal(t, 1, d1.Remaining)

	d2 := limiter.Allow(context.Background(), "1.2.3.4", "")
	require.True(t, d2.Allowed)
	assert.Equal(t, 0, d2.Remaining)
}

func TestDenyOverLimit(t *testing.T) {
	store := newMemStore()
	limiter := newTestLimiter(store, 2)

	limiter.Allow(context.Background(), "1.2.3.4", "")
	limiter.Allow(context.Background(), "1.2.3.4", "")
	d := limiter.Allow(context.Background(), "1.2.3.4", "")

	assert.False(t, d.Allowed)
	assert.Contains(t, d.Message, "Daily generation limit of 2 reached")
}

func TestQuotaIsPerClient(t *testing.T) {
	store := newMemStore()
	limiter := newTestLimiter(store, 1)

	limiter.Allow(context.Background(), "1.2.3.4", "")
	d := limiter.Allow(context.Background(), "5.6.7.8", "")

	assert.True(t, d.Allowed)
}

func TestCounterExpiresAtNextLocalMidnight(t *testing.T) {
	store := newMemStore()
	limiter := newTestLimiter(store, 2)

	d := limiter.Allow(context.Background(), "1.2.3.4", "")
	require.True(t, d.Allowed)

	want := time.Date(2026, 8, 29, 0, 0, 0, 0, time.Local)
	assert.Equal(t, want, d.ResetAt)

	key := "ratelimit:1.2.3.4:2026-08-28"
	assert.Equal(t, want, store.expiries[key])
}

func TestDevModeExempt(t *testing.T) {
	limiter := NewLimiter(newMemStore(), 0, true, "")

	d := limiter.Allow(context.Background(), "1.2.3.4", "")
	assert.True(t, d.Allowed)
	assert.True(t, d.Exempt)
}

func TestExemptRefererPrefix(t *testing.T) {
	store := newMemStore()
	limiter := NewLimiter(store, 0, false, "https://studio.example.com")

	d := limiter.Allow(context.Background(), "1.2.3.4", "https://studio.example.com/editor")
	assert.True(t, d.Allowed)
	assert.True(t, d.Exempt)

	d = limiter.Allow(context.Background(), "1.2.3.4", "https://evil.example.org/")
	assert.False(t, d.Allowed)
}

func TestFailOpenOnStoreError(t *testing.T) {
	store := newMemStore()
	store.err = errors.New("connection refused")
	limiter := newTestLimiter(store, 2)

	d := limiter.Allow(context.Background(), "1.2.3.4", "")
	assert.True(t, d.Allowed)
}

func TestFailOpenWithoutStore(t *testing.T) {
	limiter := newTestLimiter(nil, 2)

	d := limiter.Allow(context.Background(), "1.2.3.4", "")
	assert.True(t, d.Allowed)
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest("POST", "/generate", nil)
	r.RemoteAddr = "10.0.0.1:52341"
	assert.Equal(t, "10.0.0.1", ClientIP(r))

	r.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	assert.Equal(t, "203.0.113.9", ClientIP(r))
}
