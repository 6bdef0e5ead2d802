// Package cache wraps the Redis client with the typed operations the
// agent runtime needs: TTL'd strings, lists and hashes with JSON
// encoding for non-string values.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Client is a typed wrapper over a Redis connection. Every write path
// that creates a key sets its TTL in the same round trip.
type Client struct {
	rdb *redis.Client
}

// Options configures the Redis connection.
type Options struct {
	Addr     string
	Password string
	DB       int
}

// New connects to Redis and verifies the connection.
func New(ctx context.Context, opts Options) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect redis %s: %w", opts.Addr, err)
	}
	return &Client{rdb: rdb}, nil
}

// NewFromClient wraps an existing client. Used by tests.
func NewFromClient(rdb *redis.Client) *Client {
	return &Client{rdb: rdb}
}

func (c *Client) Close() error {
	return c.rdb.Close()
}

// encode JSON-encodes non-string values; strings pass through raw.
func encode(value any) (string, error) {
	if s, ok := value.(string); ok {
		return s, nil
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("failed to encode cache value: %w", err)
	}
	return string(raw), nil
}

// Set stores a value with a TTL.
func (c *Client) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	s, err := encode(value)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, key, s, ttl).Err()
}

// Get returns the raw string value, or ("", false, nil) when absent.
func (c *Client) Get(ctx context.Context, key string) (string, bool, error) {
	s, err := c.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return s, true, nil
}

// GetJSON decodes the stored value into out; ok reports presence.
func (c *Client) GetJSON(ctx context.Context, key string, out any) (bool, error) {
	s, ok, err := c.Get(ctx, key)
	if err != nil || !ok {
		return ok, err
	}
	if err := json.Unmarshal([]byte(s), out); err != nil {
		return true, fmt.Errorf("failed to decode cache value at %s: %w", key, err)
	}
	return true, nil
}

func (c *Client) Delete(ctx context.Context, keys ...string) error {
	return c.rdb.Del(ctx, keys...).Err()
}

func (c *Client) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return c.rdb.Expire(ctx, key, ttl).Err()
}

// RPush appends values to a list and refreshes its TTL in one pipeline,
// so a freshly created list never lives without an expiry.
func (c *Client) RPush(ctx context.Context, key string, ttl time.Duration, values ...any) error {
	encoded := make([]any, 0, len(values))
	for _, v := range values {
		s, err := encode(v)
		if err != nil {
			return err
		}
		encoded = append(encoded, s)
	}
	pipe := c.rdb.TxPipeline()
	pipe.RPush(ctx, key, encoded...)
	pipe.Expire(ctx, key, ttl)
	_, err := pipe.Exec(ctx)
	return err
}

func (c *Client) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	return c.rdb.LRange(ctx, key, start, stop).Result()
}

func (c *Client) LLen(ctx context.Context, key string) (int64, error) {
	return c.rdb.LLen(ctx, key).Result()
}

func (c *Client) LTrim(ctx context.Context, key string, start, stop int64) error {
	return c.rdb.LTrim(ctx, key, start, stop).Err()
}

// ReplaceList atomically replaces the whole list under key: delete,
// rpush all values, set TTL, in one MULTI/EXEC.
func (c *Client) ReplaceList(ctx context.Context, key string, ttl time.Duration, values ...any) error {
	encoded := make([]any, 0, len(values))
	for _, v := range values {
		s, err := encode(v)
		if err != nil {
			return err
		}
		encoded = append(encoded, s)
	}
	pipe := c.rdb.TxPipeline()
	pipe.Del(ctx, key)
	if len(encoded) > 0 {
		pipe.RPush(ctx, key, encoded...)
		pipe.Expire(ctx, key, ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// HSet stores hash fields and refreshes the key TTL in one pipeline.
func (c *Client) HSet(ctx context.Context, key string, ttl time.Duration, fields map[string]any) error {
	encoded := make(map[string]any, len(fields))
	for k, v := range fields {
		s, err := encode(v)
		if err != nil {
			return err
		}
		encoded[k] = s
	}
	pipe := c.rdb.TxPipeline()
	pipe.HSet(ctx, key, encoded)
	pipe.Expire(ctx, key, ttl)
	_, err := pipe.Exec(ctx)
	return err
}

func (c *Client) HGet(ctx context.Context, key, field string) (string, bool, error) {
	s, err := c.rdb.HGet(ctx, key, field).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return s, true, nil
}

func (c *Client) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return c.rdb.HGetAll(ctx, key).Result()
}
