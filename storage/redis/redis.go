// Package redis is a storage.Storage backed by a shared Redis instance, so
// several server processes can reuse one cache.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ggoodman/aippt-mcp-go/storage"
	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
)

// DefaultKeyPrefix is prepended to every key when Config.KeyPrefix is empty.
const DefaultKeyPrefix = "aippt:cache:"

// Config configures the Redis storage.
type Config struct {
	Client    redis.UniversalClient
	KeyPrefix string
}

// Storage implements storage.Storage on Redis.
type Storage struct {
	client    redis.UniversalClient
	keyPrefix string
}

// envelope is the msgpack record stored under each key.
type envelope struct {
	Data      []byte     `msgpack:"d"`
	CreatedAt time.Time  `msgpack:"c"`
	ExpiresAt *time.Time `msgpack:"e,omitempty"`
}

// New creates a Redis-backed store.
func New(config Config) (*Storage, error) {
	if config.Client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = DefaultKeyPrefix
	}
	return &Storage{client: config.Client, keyPrefix: config.KeyPrefix}, nil
}

func (s *Storage) Get(ctx context.Context, key string, opts ...storage.Option) (*storage.Item, error) {
	o := storage.Apply(opts...)
	rk := s.buildKey(o.Namespace, key)

	raw, err := s.client.Get(ctx, rk).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get key %s: %w", rk, err)
	}

	var env envelope
	if err := msgpack.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("failed to decode stored item: %w", err)
	}
	item := &storage.Item{Data: env.Data, CreatedAt: env.CreatedAt, ExpiresAt: env.ExpiresAt}
	if item.IsExpired() {
		s.client.Del(ctx, rk)
		return nil, nil
	}
	return item, nil
}

func (s *Storage) Set(ctx context.Context, key string, data []byte, opts ...storage.Option) error {
	o := storage.Apply(opts...)
	if o.Key != nil {
		return storage.ErrInvalidOptions
	}
	rk := s.buildKey(o.Namespace, key)

	now := time.Now()
	env := envelope{Data: data, CreatedAt: now}
	var ttl time.Duration
	if o.TTL != nil {
		exp := now.Add(*o.TTL)
		env.ExpiresAt = &exp
		ttl = *o.TTL
	}

	raw, err := msgpack.Marshal(&env)
	if err != nil {
		return fmt.Errorf("failed to encode storage item: %w", err)
	}
	if err := s.client.Set(ctx, rk, raw, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set key %s: %w", rk, err)
	}
	return nil
}

func (s *Storage) Delete(ctx context.Context, opts ...storage.Option) error {
	o := storage.Apply(opts...)

	if o.Key != nil {
		rk := s.buildKey(o.Namespace, *o.Key)
		if err := s.client.Del(ctx, rk).Err(); err != nil {
			return fmt.Errorf("failed to delete key %s: %w", rk, err)
		}
		return nil
	}

	pattern := s.buildKey(o.Namespace, "*")
	keys, err := s.scanKeys(ctx, pattern)
	if err != nil {
		return fmt.Errorf("failed to scan keys for pattern %s: %w", pattern, err)
	}
	if len(keys) == 0 {
		return nil
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to delete keys: %w", err)
	}
	return nil
}

func (s *Storage) Close() error {
	return s.client.Close()
}

func (s *Storage) buildKey(ns, key string) string {
	return s.keyPrefix + storage.Key(ns, key)
}

func (s *Storage) scanKeys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	var cursor uint64
	for {
		batch, next, err := s.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, err
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			return keys, nil
		}
	}
}

var _ storage.Storage = (*Storage)(nil)
