package rate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultPrefix = "gk:rl"

// Config holds limiter tuning parameters.
type Config struct {
	// Prefix namespaces the counters. Defaults to "gk:rl".
	Prefix      string
	MaxAttempts int
	Window      time.Duration
	// PerIP adds a second counter keyed by client IP.
	PerIP bool
}

// Limiter enforces per-identifier and per-IP attempt budgets using Redis
// counters.
type Limiter struct {
	redis  redis.UniversalClient
	config Config
}

// New creates a Limiter backed by the given Redis client.
func New(redisClient redis.UniversalClient, cfg Config) *Limiter {
	if cfg.Prefix == "" {
		cfg.Prefix = defaultPrefix
	}
	return &Limiter{
		redis:  redisClient,
		config: cfg,
	}
}

// Check reports ErrRateLimited when the identifier or ip already spent its
// budget. It does not count an attempt.
func (l *Limiter) Check(ctx context.Context, identifier, ip string) error {
	for _, key := range l.keys(identifier, ip) {
		if err := l.checkCounter(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

// Fail records a failed attempt. It returns ErrRateLimited when this
// attempt exhausted a budget.
func (l *Limiter) Fail(ctx context.Context, identifier, ip string) error {
	limited := false
	for _, key := range l.keys(identifier, ip) {
		count, err := l.incrementWithTTL(ctx, key)
		if err != nil {
			return err
		}
		if count >= int64(l.config.MaxAttempts) {
			limited = true
		}
	}
	if limited {
		return ErrRateLimited
	}
	return nil
}

// Reset clears the counters of identifier and ip. Called after a
// successful attempt.
func (l *Limiter) Reset(ctx context.Context, identifier, ip string) error {
	keys := l.keys(identifier, ip)
	if len(keys) == 0 {
		return nil
	}
	if err := l.redis.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// Attempts returns the failures counted for identifier in the current
// window. Missing keys return zero.
func (l *Limiter) Attempts(ctx context.Context, identifier string) (int, error) {
	id := normalize(identifier)
	if id == "" {
		return 0, nil
	}
	count, err := l.redis.Get(ctx, l.config.Prefix+":id:"+id).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if count < 0 {
		return 0, nil
	}
	return int(count), nil
}

func (l *Limiter) keys(identifier, ip string) []string {
	keys := make([]string, 0, 2)
	if id := normalize(identifier); id != "" {
		keys = append(keys, l.config.Prefix+":id:"+id)
	}
	if ip = strings.TrimSpace(ip); l.config.PerIP && ip != "" {
		keys = append(keys, l.config.Prefix+":ip:"+ip)
	}
	return keys
}

func normalize(identifier string) string {
	return strings.ToLower(strings.TrimSpace(identifier))
}

func (l *Limiter) checkCounter(ctx context.Context, key string) error {
	count, err := l.redis.Get(ctx, key).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	if count >= int64(l.config.MaxAttempts) {
		return ErrRateLimited
	}

	return nil
}

func (l *Limiter) incrementWithTTL(ctx context.Context, key string) (int64, error) {
	count, err := l.redis.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	// Fixed window: only the first hit sets the expiry.
	if count == 1 {
		if err := l.redis.Expire(ctx, key, l.config.Window).Err(); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
		}
	}

	return count, nil
}
