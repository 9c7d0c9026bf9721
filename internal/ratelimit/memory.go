package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// MemoryLimiter is an in-process fallback for deployments without Redis: one
// token bucket per (category, identifier) pair, generalized from the
// teacher's per-user HTTP limiter to the category scheme used everywhere
// else in this package, plus an in-memory failed-auth tracker so a
// single-instance deployment still gets IP blocking without Redis.
type MemoryLimiter struct {
	mu       sync.RWMutex
	limiters map[bucketKey]*rate.Limiter
	limits   Limits

	failedMu sync.Mutex
	failed   map[string]*failedAuthEntry
}

type bucketKey struct {
	category   Category
	identifier string
}

type failedAuthEntry struct {
	count        int
	windowStart  time.Time
	blockedUntil time.Time
}

// NewMemoryLimiter constructs a fallback limiter using the given category
// budgets; each category's requests-per-window becomes that bucket's steady
// refill rate, with a burst of one window's worth of requests.
func NewMemoryLimiter(limits Limits) *MemoryLimiter {
	return &MemoryLimiter{
		limiters: make(map[bucketKey]*rate.Limiter),
		limits:   limits,
		failed:   make(map[string]*failedAuthEntry),
	}
}

// Check reports whether a request for (category, identifier) may proceed,
// in the same Result shape Limiter.Check returns, so both can satisfy one
// interface for callers like the auth handlers.
func (m *MemoryLimiter) Check(_ context.Context, category Category, identifier string) (Result, error) {
	cfg := m.limits.get(category)
	allowed := m.Allow(category, identifier)
	result := Result{Allowed: allowed, Limit: cfg.Requests}
	if !allowed {
		result.RetryAfter = int64(cfg.WindowSecs)
	}
	return result, nil
}

// RecordFailedAuth increments ip's in-memory failure counter within the
// configured window and blocks it once the threshold is reached.
func (m *MemoryLimiter) RecordFailedAuth(_ context.Context, ip string) (bool, error) {
	cfg := m.limits.FailedAuth
	now := time.Now()

	m.failedMu.Lock()
	defer m.failedMu.Unlock()

	entry, ok := m.failed[ip]
	if !ok || now.Sub(entry.windowStart) > time.Duration(cfg.WindowSecs)*time.Second {
		entry = &failedAuthEntry{windowStart: now}
		m.failed[ip] = entry
	}
	entry.count++
	if entry.count >= cfg.MaxFailures {
		entry.blockedUntil = now.Add(time.Duration(cfg.BlockDurationSecs) * time.Second)
	}

	return now.Before(entry.blockedUntil), nil
}

// IsBlocked reports whether ip is currently blocked for repeated auth
// failures.
func (m *MemoryLimiter) IsBlocked(_ context.Context, ip string) (bool, error) {
	m.failedMu.Lock()
	defer m.failedMu.Unlock()

	entry, ok := m.failed[ip]
	if !ok {
		return false, nil
	}
	return time.Now().Before(entry.blockedUntil), nil
}

// ClearFailedAuth drops ip's failure-tracking state, e.g. after a
// successful authentication.
func (m *MemoryLimiter) ClearFailedAuth(_ context.Context, ip string) error {
	m.failedMu.Lock()
	defer m.failedMu.Unlock()
	delete(m.failed, ip)
	return nil
}

func (m *MemoryLimiter) getLimiter(category Category, identifier string) *rate.Limiter {
	key := bucketKey{category: category, identifier: identifier}

	m.mu.RLock()
	limiter, ok := m.limiters[key]
	m.mu.RUnlock()
	if ok {
		return limiter
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if limiter, ok = m.limiters[key]; ok {
		return limiter
	}

	cfg := m.limits.get(category)
	window := cfg.WindowSecs
	if window <= 0 {
		window = 1
	}
	perSecond := rate.Limit(float64(cfg.Requests) / float64(window))
	limiter = rate.NewLimiter(perSecond, max(cfg.Requests, 1))
	m.limiters[key] = limiter
	return limiter
}

// Allow reports whether a request for (category, identifier) may proceed
// right now, consuming one token if so.
func (m *MemoryLimiter) Allow(category Category, identifier string) bool {
	return m.getLimiter(category, identifier).Allow()
}

// Cleanup drops buckets that have refilled back to full burst, bounding
// memory growth from identifiers that stop making requests.
func (m *MemoryLimiter) Cleanup() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key, limiter := range m.limiters {
		if limiter.Tokens() >= float64(limiter.Burst()) {
			delete(m.limiters, key)
		}
	}
}
