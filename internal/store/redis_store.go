package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"tilecache/internal/tilekey"
)

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// TTL bounds how long a tile without expiration is kept.
	TTL time.Duration
}

// RedisStore keeps each tile in a hash with "data" and "expires" fields.
// Keys live until their expiration plus a grace period so stale tiles can
// still be served while a fresh copy is fetched.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

func NewRedisStore(cfg RedisConfig, logger *zap.Logger) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	ttl := cfg.TTL
	if ttl == 0 {
		ttl = 30 * 24 * time.Hour
	}

	logger.Info("Redis store initialized", zap.String("addr", cfg.Addr), zap.Int("db", cfg.DB))
	return &RedisStore{client: client, ttl: ttl, logger: logger}, nil
}

func (s *RedisStore) keyFor(source string, key tilekey.Key) string {
	return fmt.Sprintf("tile:%s:%d:%d:%d", source, key.Zoom(), key.X(), key.Y())
}

func (s *RedisStore) Get(ctx context.Context, source string, key tilekey.Key) (*Entry, error) {
	vals, err := s.client.HMGet(ctx, s.keyFor(source, key), "data", "expires").Result()
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	data, ok := vals[0].(string)
	if !ok {
		return nil, ErrNotFound
	}

	entry := &Entry{Data: []byte(data)}
	if exp, ok := vals[1].(string); ok {
		ms, err := strconv.ParseInt(exp, 10, 64)
		if err == nil && ms != 0 {
			entry.Expires = time.UnixMilli(ms)
		}
	}
	return entry, nil
}

func (s *RedisStore) Set(ctx context.Context, source string, key tilekey.Key, data []byte, expires time.Time) error {
	var ms int64
	ttl := s.ttl
	if !expires.IsZero() {
		ms = expires.UnixMilli()
		if remaining := time.Until(expires); remaining > 0 {
			ttl = remaining + s.ttl
		}
	}

	k := s.keyFor(source, key)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, k, "data", data, "expires", ms)
		pipe.Expire(ctx, k, ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, source string, key tilekey.Key) error {
	if err := s.client.Del(ctx, s.keyFor(source, key)).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis delete: %w", err)
	}
	return nil
}

func (s *RedisStore) Clear(ctx context.Context) error {
	iter := s.client.Scan(ctx, 0, "tile:*", 500).Iterator()
	var batch []string
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == 500 {
			if err := s.client.Del(ctx, batch...).Err(); err != nil {
				return fmt.Errorf("redis clear: %w", err)
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("redis scan: %w", err)
	}
	if len(batch) > 0 {
		if err := s.client.Del(ctx, batch...).Err(); err != nil {
			return fmt.Errorf("redis clear: %w", err)
		}
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
