// Package ratelimit guards webhook intake with a Redis-backed sliding
// window. The window lives in a sorted set manipulated atomically by a Lua
// script, so every API replica sees the same counters.
package ratelimit

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

//go:embed rate_limit.lua
var rateLimitScript string

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// Result is the outcome of one limit check.
type Result struct {
	Allowed           bool
	CurrentCount      int64
	Limit             int64
	RetryAfterSeconds int64
}

// LimitError is returned when a check rejects the request. It carries the
// Retry-After value intake handlers surface to callers.
type LimitError struct {
	Key               string
	Limit             int64
	RetryAfterSeconds int64
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s (limit %d, retry after %ds)", e.Key, e.Limit, e.RetryAfterSeconds)
}

// IsLimitError reports whether err is a rate-limit rejection and returns it.
func IsLimitError(err error) (*LimitError, bool) {
	var le *LimitError
	if errors.As(err, &le) {
		return le, true
	}
	return nil, false
}

// Limiter runs sliding-window checks against Redis.
type Limiter struct {
	redis  *redis.Client
	script *redis.Script
	logger Logger
	now    func() time.Time
}

// New creates a limiter with the embedded Lua script.
func New(redisClient *redis.Client, logger Logger) *Limiter {
	return &Limiter{
		redis:  redisClient,
		script: redis.NewScript(rateLimitScript),
		logger: logger,
		now:    time.Now,
	}
}

// AllowWebhook checks the per-workflow webhook window. A nil error means
// the request may proceed; a *LimitError means it was rejected.
func (l *Limiter) AllowWebhook(ctx context.Context, workflowID int64, limit int64) error {
	key := fmt.Sprintf("rate_limit:webhook:%d", workflowID)
	res, err := l.check(ctx, key, limit, 60)
	if err != nil {
		return err
	}
	if !res.Allowed {
		return &LimitError{Key: key, Limit: limit, RetryAfterSeconds: res.RetryAfterSeconds}
	}
	return nil
}

func (l *Limiter) check(ctx context.Context, key string, limit int64, windowSec int) (*Result, error) {
	raw, err := l.script.Run(ctx, l.redis, []string{key}, limit, windowSec, l.now().UnixMilli()).Result()
	if err != nil {
		l.logger.Error("rate limit check failed", "key", key, "error", err)
		return nil, fmt.Errorf("rate limit check failed: %w", err)
	}

	values, ok := raw.([]interface{})
	if !ok || len(values) != 3 {
		return nil, fmt.Errorf("unexpected rate limit script reply: %v", raw)
	}

	res := &Result{
		Allowed:           asInt64(values[0]) == 1,
		CurrentCount:      asInt64(values[1]),
		Limit:             limit,
		RetryAfterSeconds: asInt64(values[2]),
	}

	if !res.Allowed {
		l.logger.Warn("rate limit exceeded",
			"key", key, "count", res.CurrentCount, "limit", limit, "retry_after", res.RetryAfterSeconds)
	}
	return res, nil
}

func asInt64(v interface{}) int64 {
	n, _ := v.(int64)
	return n
}
