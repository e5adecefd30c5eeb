package credstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces the slots in a shared Redis.
const DefaultRedisPrefix = "segunda:cred:"

// RedisKV stores slots as plain Redis strings. SET and DEL are atomic.
type RedisKV struct {
	client *redis.Client
	prefix string
}

var _ KV = (*RedisKV)(nil)

// RedisOption configures a RedisKV.
type RedisOption func(*RedisKV)

// WithRedisPrefix sets the key prefix. Default: "segunda:cred:".
func WithRedisPrefix(p string) RedisOption {
	return func(r *RedisKV) { r.prefix = p }
}

// NewRedisKV constructs a Redis-backed KV.
func NewRedisKV(client *redis.Client, opts ...RedisOption) *RedisKV {
	r := &RedisKV{client: client, prefix: DefaultRedisPrefix}
	for _, o := range opts {
		if o != nil {
			o(r)
		}
	}
	return r
}

// OpenRedis parses url, connects and pings.
func OpenRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("credstore: parse redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("credstore: redis ping failed: %w", err)
	}
	return client, nil
}

func (r *RedisKV) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return v, nil
}

func (r *RedisKV) Set(ctx context.Context, key string, value []byte) error {
	return r.client.Set(ctx, r.prefix+key, value, 0).Err()
}

func (r *RedisKV) Remove(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = r.prefix + k
	}
	return r.client.Del(ctx, full...).Err()
}

// Close closes the underlying client.
func (r *RedisKV) Close() error {
	return r.client.Close()
}
