package httpx

import (
	"context"
	"log/slog"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const (
	// redisKeyPrefix namespaces limiter counters so the daemon can share a
	// Redis instance with other tenants.
	redisKeyPrefix = "nodepilot:ratelimit:"

	// redisOpTimeout caps each limiter round trip. Webhook delivery sits on
	// this path; a slow Redis must not stall GitHub's delivery timeout.
	redisOpTimeout = 250 * time.Millisecond
)

// redisRateLimiter keeps window counters in Redis so limits hold across
// daemon restarts. It fails open: rate limiting is back-pressure, not
// authorization, so a Redis outage degrades to unlimited rather than to a
// dead webhook endpoint.
type redisRateLimiter struct {
	client *redis.Client
	logger *slog.Logger
}

// NewRedisRateLimiter dials Redis and verifies it is reachable before
// handing back the limiter; a daemon misconfiguration should surface at
// startup, not on the first webhook.
func NewRedisRateLimiter(addr, password string, db int, logger *slog.Logger) (RateLimiter, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return &redisRateLimiter{client: client, logger: logger}, nil
}

// Allow increments the per-key counter and starts the window TTL on the
// first hit. INCR then EXPIRE is not atomic, but the worst case after a
// crash between the two is a counter that never expires until Redis is
// flushed, which only ever under-admits.
func (rl *redisRateLimiter) Allow(key string, limit int, window time.Duration) rateDecision {
	if limit <= 0 {
		return rateDecision{allowed: true}
	}
	if window <= 0 {
		window = time.Minute
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	redisKey := redisKeyPrefix + key
	counter, err := rl.client.Incr(ctx, redisKey).Result()
	if err != nil {
		rl.logRedisError("incr", err)
		return rateDecision{allowed: true}
	}
	if counter == 1 {
		if err := rl.client.Expire(ctx, redisKey, window).Err(); err != nil {
			rl.logRedisError("expire", err)
		}
	}
	ttl, err := rl.client.TTL(ctx, redisKey).Result()
	if err != nil || ttl <= 0 {
		ttl = window
	}
	return rateDecision{
		allowed:   int(counter) <= limit,
		count:     int(counter),
		windowEnd: time.Now().Add(ttl),
	}
}

func (rl *redisRateLimiter) Close() {
	if rl.client != nil {
		_ = rl.client.Close()
	}
}

func (rl *redisRateLimiter) logRedisError(op string, err error) {
	if rl.logger == nil {
		return
	}
	rl.logger.Error("redis rate limiter error", "op", op, "error", err)
}
