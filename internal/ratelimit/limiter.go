package ratelimit

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
)

//go:embed rate_limit.lua
var rateLimitScript string

//go:embed failed_auth.lua
var failedAuthScript string

// scriptAllowed is the truthy sentinel the embedded Lua scripts return for
// their boolean-shaped fields.
const scriptAllowed = 1

// ErrRedisUnavailable is returned when Redis cannot service a check after a
// script-reload retry and the limiter is configured to fail closed.
var ErrRedisUnavailable = errors.New("ratelimit: redis unavailable")

type scriptShas struct {
	mu         sync.RWMutex
	rateLimit  string
	failedAuth string
}

func (s *scriptShas) get() (rateLimit, failedAuth string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rateLimit, s.failedAuth
}

func (s *scriptShas) set(rateLimit, failedAuth string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rateLimit = rateLimit
	s.failedAuth = failedAuth
}

// Limiter is a category-based atomic rate limiter backed by Redis Lua
// scripts, with failed-auth IP blocking and allowlist bypass.
//
// Call Init once after construction to load the Lua scripts; Check and
// RecordFailedAuth both reload and retry automatically on a Redis NOSCRIPT
// error (e.g. after a redis-server restart flushed the script cache).
type Limiter struct {
	redis   *redis.Client
	config  Config
	scripts scriptShas
	logger  *slog.Logger
}

// New constructs a Limiter. Call Init before using Check or RecordFailedAuth.
func New(client *redis.Client, config Config, logger *slog.Logger) *Limiter {
	return &Limiter{
		redis:  client,
		config: config,
		logger: logger.With("component", "ratelimit"),
	}
}

// Init loads both Lua scripts into Redis and caches their SHAs.
func (l *Limiter) Init(ctx context.Context) error {
	return l.loadScripts(ctx)
}

func (l *Limiter) loadScripts(ctx context.Context) error {
	rateLimitSha, err := l.redis.ScriptLoad(ctx, rateLimitScript).Result()
	if err != nil {
		return fmt.Errorf("load rate_limit script: %w", err)
	}
	failedAuthSha, err := l.redis.ScriptLoad(ctx, failedAuthScript).Result()
	if err != nil {
		return fmt.Errorf("load failed_auth script: %w", err)
	}
	l.scripts.set(rateLimitSha, failedAuthSha)
	l.logger.Info("lua scripts loaded into redis", "rate_limit_sha", rateLimitSha, "failed_auth_sha", failedAuthSha)
	return nil
}

func isNoScriptError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "NOSCRIPT")
}

// Check atomically increments and tests the fixed-window counter for
// (category, identifier). Disabled limiters and allowlisted identifiers
// always return an allowed result with zeroed budget fields.
func (l *Limiter) Check(ctx context.Context, category Category, identifier string) (Result, error) {
	if !l.config.Enabled {
		return Result{Allowed: true}, nil
	}
	if l.config.isAllowlisted(identifier) {
		l.logger.Debug("identifier allowlisted, bypassing rate limit", "identifier", identifier)
		return Result{Allowed: true}, nil
	}

	limit := l.config.Limits.get(category)
	key := l.buildKey(category.String(), identifier)

	count, allowed, ttl, err := l.executeRateLimitScript(ctx, key, limit)
	if err != nil {
		if l.config.FailOpen {
			l.logger.Warn("redis unavailable, failing open", "category", category, "error", err)
			return Result{Allowed: true, Limit: limit.Requests}, nil
		}
		return Result{}, err
	}

	remaining := 0
	if allowed {
		remaining = limit.Requests - count
		if remaining < 0 {
			remaining = 0
		}
	}

	var retryAfter int64
	if !allowed {
		retryAfter = ttl
	}

	return Result{
		Allowed:    allowed,
		Limit:      limit.Requests,
		Remaining:  remaining,
		ResetAt:    unixNow() + ttl,
		RetryAfter: retryAfter,
	}, nil
}

func (l *Limiter) executeRateLimitScript(ctx context.Context, key string, limit LimitConfig) (count int, allowed bool, ttl int64, err error) {
	sha, _ := l.scripts.get()
	res, err := l.redis.EvalSha(ctx, sha, []string{key}, limit.WindowSecs, limit.Requests).Result()
	if err != nil && isNoScriptError(err) {
		l.logger.Warn("NOSCRIPT error, reloading lua scripts")
		if reloadErr := l.loadScripts(ctx); reloadErr != nil {
			l.logger.Warn("failed to reload scripts", "error", reloadErr)
			return 0, false, 0, ErrRedisUnavailable
		}
		sha, _ = l.scripts.get()
		res, err = l.redis.EvalSha(ctx, sha, []string{key}, limit.WindowSecs, limit.Requests).Result()
	}
	if err != nil {
		l.logger.Warn("redis rate limit check failed", "error", err)
		return 0, false, 0, ErrRedisUnavailable
	}

	return parseTriple(res)
}

// IsAllowedByConfig reports whether identifier bypasses rate limiting via the
// configured allowlist.
func (l *Limiter) IsAllowedByConfig(identifier string) bool {
	return l.config.isAllowlisted(identifier)
}

// RecordFailedAuth atomically increments ip's failure counter and blocks it
// once the configured threshold is reached, returning whether ip is now
// blocked (not just newly blocked).
func (l *Limiter) RecordFailedAuth(ctx context.Context, ip string) (bool, error) {
	if !l.config.Enabled {
		return false, nil
	}
	if l.config.isAllowlisted(ip) {
		return false, nil
	}

	failedKey := l.buildKey("failed_auth", ip)
	blockKey := l.buildKey("blocked", ip)
	cfg := l.config.Limits.FailedAuth

	count, isBlocked, isNewlyBlocked, err := l.executeFailedAuthScript(ctx, failedKey, blockKey, cfg)
	if err != nil {
		return false, err
	}

	if isNewlyBlocked {
		l.logger.Warn("ip blocked due to repeated auth failures", "ip", ip, "failures", count, "block_duration_secs", cfg.BlockDurationSecs)
	} else {
		l.logger.Debug("auth failure recorded", "ip", ip, "failures", count, "max_failures", cfg.MaxFailures, "is_blocked", isBlocked)
	}

	return isBlocked, nil
}

func (l *Limiter) executeFailedAuthScript(ctx context.Context, failedKey, blockKey string, cfg FailedAuthConfig) (count int, isBlocked, isNewlyBlocked bool, err error) {
	_, sha := l.scripts.get()
	res, err := l.redis.EvalSha(ctx, sha, []string{failedKey, blockKey}, cfg.WindowSecs, cfg.MaxFailures, cfg.BlockDurationSecs).Result()
	if err != nil && isNoScriptError(err) {
		l.logger.Warn("NOSCRIPT error in failed_auth, reloading lua scripts")
		if reloadErr := l.loadScripts(ctx); reloadErr != nil {
			l.logger.Warn("failed to reload scripts", "error", reloadErr)
			return 0, false, false, ErrRedisUnavailable
		}
		_, sha = l.scripts.get()
		res, err = l.redis.EvalSha(ctx, sha, []string{failedKey, blockKey}, cfg.WindowSecs, cfg.MaxFailures, cfg.BlockDurationSecs).Result()
	}
	if err != nil {
		l.logger.Warn("failed to execute failed_auth script", "error", err)
		return 0, false, false, ErrRedisUnavailable
	}

	c, blockedFlag, newFlag, parseErr := parseFailedAuthTriple(res)
	if parseErr != nil {
		return 0, false, false, parseErr
	}
	return c, blockedFlag, newFlag, nil
}

// IsBlocked reports whether ip is currently blocked for repeated auth
// failures.
func (l *Limiter) IsBlocked(ctx context.Context, ip string) (bool, error) {
	if !l.config.Enabled {
		return false, nil
	}
	if l.config.isAllowlisted(ip) {
		return false, nil
	}

	key := l.buildKey("blocked", ip)
	exists, err := l.redis.Exists(ctx, key).Result()
	if err != nil {
		l.logger.Warn("failed to check ip block status", "error", err)
		return false, ErrRedisUnavailable
	}
	return exists > 0, nil
}

// GetBlockTTL returns the remaining block duration for ip, or false if ip is
// not blocked or Redis could not be reached.
func (l *Limiter) GetBlockTTL(ctx context.Context, ip string) (int64, bool) {
	if !l.config.Enabled {
		return 0, false
	}

	key := l.buildKey("blocked", ip)
	ttl, err := l.redis.TTL(ctx, key).Result()
	if err != nil || ttl <= 0 {
		return 0, false
	}
	return int64(ttl.Seconds()), true
}

// ClearFailedAuth removes both the failure counter and block entry for ip,
// e.g. after a successful authentication.
func (l *Limiter) ClearFailedAuth(ctx context.Context, ip string) error {
	failedKey := l.buildKey("failed_auth", ip)
	blockKey := l.buildKey("blocked", ip)

	l.redis.Del(ctx, failedKey)
	l.redis.Del(ctx, blockKey)

	l.logger.Debug("cleared failed auth state", "ip", ip)
	return nil
}

// Config returns the limiter's configuration.
func (l *Limiter) Config() Config {
	return l.config
}

func (l *Limiter) buildKey(category, identifier string) string {
	return fmt.Sprintf("%s:%s:%s", l.config.RedisKeyPrefix, category, identifier)
}

func parseTriple(res interface{}) (a int, bFlag bool, c int64, err error) {
	vals, ok := res.([]interface{})
	if !ok || len(vals) != 3 {
		return 0, false, 0, fmt.Errorf("ratelimit: unexpected script result shape %#v", res)
	}
	first, err := toInt64(vals[0])
	if err != nil {
		return 0, false, 0, err
	}
	second, err := toInt64(vals[1])
	if err != nil {
		return 0, false, 0, err
	}
	third, err := toInt64(vals[2])
	if err != nil {
		return 0, false, 0, err
	}
	return int(first), second == scriptAllowed, third, nil
}

func parseFailedAuthTriple(res interface{}) (count int, isBlocked, isNewlyBlocked bool, err error) {
	vals, ok := res.([]interface{})
	if !ok || len(vals) != 3 {
		return 0, false, false, fmt.Errorf("ratelimit: unexpected script result shape %#v", res)
	}
	first, err := toInt64(vals[0])
	if err != nil {
		return 0, false, false, err
	}
	second, err := toInt64(vals[1])
	if err != nil {
		return 0, false, false, err
	}
	third, err := toInt64(vals[2])
	if err != nil {
		return 0, false, false, err
	}
	return int(first), second == scriptAllowed, third == scriptAllowed, nil
}

func toInt64(v interface{}) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	default:
		return 0, fmt.Errorf("ratelimit: unexpected script value type %T", v)
	}
}
