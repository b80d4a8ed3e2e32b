// Package cache provides a Redis client wrapper used for verification
// caching and distributed rate limiting.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Common errors.
var (
	ErrKeyNotFound = errors.New("key not found")
)

// Config holds Redis client configuration.
type Config struct {
	Address      string        `mapstructure:"address"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	MaxRetries   int           `mapstructure:"max_retries"`
	KeyPrefix    string        `mapstructure:"key_prefix"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Address:      "localhost:6379",
		PoolSize:     10,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		MaxRetries:   3,
		KeyPrefix:    "switchyard:",
	}
}

// Client wraps the Redis client.
type Client struct {
	client    *redis.Client
	keyPrefix string
}

// New creates and pings a Redis client.
func New(cfg Config) (*Client, error) {
	if cfg.PoolSize == 0 {
		cfg.PoolSize = 10
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 3 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 3 * time.Second
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		MaxRetries:   cfg.MaxRetries,
	})

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to Redis: %w", err)
	}

	return &Client{
		client:    client,
		keyPrefix: cfg.KeyPrefix,
	}, nil
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	return c.client.Close()
}

// Ping checks the Redis connection.
func (c *Client) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *Client) prefixKey(key string) string {
	return c.keyPrefix + key
}

// Get retrieves a string value by key.
func (c *Client) Get(ctx context.Context, key string) (string, error) {
	val, err := c.client.Get(ctx, c.prefixKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrKeyNotFound
	}
	return val, err
}

// Set stores a string value with optional expiration.
func (c *Client) Set(ctx context.Context, key, value string, expiration time.Duration) error {
	return c.client.Set(ctx, c.prefixKey(key), value, expiration).Err()
}

// SetNX sets a value only if the key doesn't exist.
func (c *Client) SetNX(ctx context.Context, key, value string, expiration time.Duration) (bool, error) {
	return c.client.SetNX(ctx, c.prefixKey(key), value, expiration).Result()
}

// Delete removes keys.
func (c *Client) Delete(ctx context.Context, keys ...string) error {
	prefixed := make([]string, len(keys))
	for i, key := range keys {
		prefixed[i] = c.prefixKey(key)
	}
	return c.client.Del(ctx, prefixed...).Err()
}

// Exists checks if a key exists.
func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	n, err := c.client.Exists(ctx, c.prefixKey(key)).Result()
	return n > 0, err
}

// GetJSON retrieves and unmarshals a JSON value.
func (c *Client) GetJSON(ctx context.Context, key string, dest any) error {
	val, err := c.Get(ctx, key)
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(val), dest)
}

// SetJSON marshals and stores a value as JSON.
func (c *Client) SetJSON(ctx context.Context, key string, value any, expiration time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshaling value: %w", err)
	}
	return c.Set(ctx, key, string(data), expiration)
}

// Incr increments a counter.
func (c *Client) Incr(ctx context.Context, key string) (int64, error) {
	return c.client.Incr(ctx, c.prefixKey(key)).Result()
}

// RateLimitConfig holds sliding-window rate limit parameters.
type RateLimitConfig struct {
	Key    string
	Limit  int64
	Window time.Duration
}

// CheckRateLimit applies a sliding-window limit shared across gateway
// instances.
func (c *Client) CheckRateLimit(ctx context.Context, cfg RateLimitConfig) (allowed bool, remaining int64, err error) {
	now := time.Now()
	windowStart := now.Add(-cfg.Window)
	key := c.prefixKey("ratelimit:" + cfg.Key)

	pipe := c.client.Pipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", fmt.Sprintf("%d", windowStart.UnixNano()))
	countCmd := pipe.ZCard(ctx, key)
	if _, err = pipe.Exec(ctx); err != nil {
		return false, 0, err
	}

	count := countCmd.Val()
	remaining = cfg.Limit - count
	if remaining < 0 {
		remaining = 0
	}

	if count >= cfg.Limit {
		return false, remaining, nil
	}

	err = c.client.ZAdd(ctx, key, redis.Z{
		Score:  float64(now.UnixNano()),
		Member: fmt.Sprintf("%d", now.UnixNano()),
	}).Err()
	if err != nil {
		return false, remaining, err
	}

	c.client.Expire(ctx, key, cfg.Window+time.Minute)

	return true, remaining - 1, nil
}

// PoolStats returns connection pool statistics.
func (c *Client) PoolStats() *redis.PoolStats {
	return c.client.PoolStats()
}
