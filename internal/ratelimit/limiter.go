package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RateLimiter enforces a fixed-window request budget per key (the
// gateway middleware keys on business key or remote address, plus path)
// using Redis as the shared counter store so the limit holds across
// gateway replicas. Windows are aligned to multiples of Window since the
// Unix epoch; a window's budget resets all at once when it rolls over.
type RateLimiter struct {
	client     *redis.Client
	logger     *zap.Logger
	window     time.Duration
	maxTokens  int
	windowSize int64
}

// Config holds rate limiter configuration
type Config struct {
	MaxTokens   int // Maximum number of requests per window
	Window      time.Duration
	RedisConfig *redis.Options
}

// New creates a new rate limiter instance
func New(cfg Config, logger *zap.Logger) (*RateLimiter, error) {
	client := redis.NewClient(cfg.RedisConfig)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RateLimiter{
		client:     client,
		logger:     logger,
		window:     cfg.Window,
		maxTokens:  cfg.MaxTokens,
		windowSize: int64(cfg.Window.Seconds()),
	}, nil
}

var allowScript = redis.NewScript(`
	local key = KEYS[1]
	local window = tonumber(ARGV[1])
	local max_tokens = tonumber(ARGV[2])
	local now = tonumber(ARGV[3])

	redis.call('ZREMRANGEBYSCORE', key, 0, window - 1)

	local count = redis.call('ZCOUNT', key, window, window + 86400)
	if count >= max_tokens then
		return 0
	end

	redis.call('ZADD', key, now, now .. '-' .. math.random())
	redis.call('EXPIRE', key, 86400)
	return 1
`)

// Allow reports whether a request identified by key fits within the
// current window's budget.
func (rl *RateLimiter) Allow(ctx context.Context, key string) (bool, error) {
	now := time.Now().Unix()
	window := now - (now % rl.windowSize)

	result, err := allowScript.Run(ctx, rl.client, []string{key}, window, rl.maxTokens, now).Result()
	if err != nil {
		return false, fmt.Errorf("evaluate rate limit: %w", err)
	}

	allowed := result.(int64) == 1
	if !allowed {
		rl.logger.Debug("rate limit exceeded",
			zap.String("key", key),
			zap.Int("max_tokens", rl.maxTokens),
			zap.Duration("window", rl.window))
	}

	return allowed, nil
}

// GetRemainingTokens returns the number of remaining requests for a key
// in the current window.
func (rl *RateLimiter) GetRemainingTokens(ctx context.Context, key string) (int, error) {
	now := time.Now().Unix()
	window := now - (now % rl.windowSize)

	count, err := rl.client.ZCount(ctx, key, fmt.Sprint(window), fmt.Sprint(window+86400)).Result()
	if err != nil {
		return 0, fmt.Errorf("get token count: %w", err)
	}

	remaining := rl.maxTokens - int(count)
	if remaining < 0 {
		remaining = 0
	}

	return remaining, nil
}

// MaxTokens returns the maximum number of requests per window.
func (rl *RateLimiter) MaxTokens() int {
	return rl.maxTokens
}

// NextReset returns the Unix timestamp when the current window rolls over.
func (rl *RateLimiter) NextReset() int64 {
	now := time.Now().Unix()
	window := now - (now % rl.windowSize)
	return window + rl.windowSize
}

// Close closes the Redis connection.
func (rl *RateLimiter) Close() error {
	return rl.client.Close()
}
