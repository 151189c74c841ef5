// Package kv provides the thin key-value abstraction that C3 (Session
// Store) and C4 (Request Cache) share: SETEX/GET/DEL/EXPIRE plus a
// scored-set (ZADD/ZREM/ZREVRANGE) for per-user indices. The production
// implementation is Redis, grounded on internal/skills/redis_cache.go
// (namespaced keys, TLS option, nil-receiver-safe zero value, zerolog debug
// logging on errors) and internal/orchestrator/dedupe.go (Ping-on-construct,
// redis.Nil handling); a narrow interface here lets C3/C4 be unit-tested
// against an in-memory fake instead of a live Redis.
package kv

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"streamorch/internal/observability"
)

// ScoredMember is one member of a ZSET result.
type ScoredMember struct {
	Member string
	Score  float64
}

// Client is the KV surface C3/C4 depend on. All operations degrade to an
// error rather than panicking so callers can apply the CacheDegraded policy
// (log and continue) uniformly.
type Client interface {
	SetEX(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) (value []byte, found bool, err error)
	Del(ctx context.Context, keys ...string) error
	Expire(ctx context.Context, key string, ttl time.Duration) error
	ZAdd(ctx context.Context, key string, score float64, member string) error
	ZRem(ctx context.Context, key string, member string) error
	// ZRevRangeWithScores returns up to count members ordered newest
	// (highest score) first.
	ZRevRangeWithScores(ctx context.Context, key string, count int64) ([]ScoredMember, error)
	Close() error
}

// RedisOptions configures the production Redis-backed Client.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	UseTLS   bool
}

// RedisClient adapts redis.UniversalClient to Client.
type RedisClient struct {
	rdb redis.UniversalClient
}

// NewRedisClient dials Redis and pings it once before returning, matching
// the dedupe store construction above it.
func NewRedisClient(ctx context.Context, opts RedisOptions) (*RedisClient, error) {
	redisOpts := &redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	}
	if opts.UseTLS {
		redisOpts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	rdb := redis.NewClient(redisOpts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("kv: ping redis: %w", err)
	}
	return &RedisClient{rdb: rdb}, nil
}

func (c *RedisClient) SetEX(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := c.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		logErr(ctx, "setex", key, err)
		return err
	}
	return nil
}

func (c *RedisClient) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := c.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		logErr(ctx, "get", key, err)
		return nil, false, err
	}
	return b, true, nil
}

func (c *RedisClient) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
		logErr(ctx, "del", keys[0], err)
		return err
	}
	return nil
}

func (c *RedisClient) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := c.rdb.Expire(ctx, key, ttl).Err(); err != nil {
		logErr(ctx, "expire", key, err)
		return err
	}
	return nil
}

func (c *RedisClient) ZAdd(ctx context.Context, key string, score float64, member string) error {
	if err := c.rdb.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err(); err != nil {
		logErr(ctx, "zadd", key, err)
		return err
	}
	return nil
}

func (c *RedisClient) ZRem(ctx context.Context, key string, member string) error {
	if err := c.rdb.ZRem(ctx, key, member).Err(); err != nil {
		logErr(ctx, "zrem", key, err)
		return err
	}
	return nil
}

func (c *RedisClient) ZRevRangeWithScores(ctx context.Context, key string, count int64) ([]ScoredMember, error) {
	res, err := c.rdb.ZRevRangeWithScores(ctx, key, 0, count-1).Result()
	if err != nil {
		logErr(ctx, "zrevrangewithscores", key, err)
		return nil, err
	}
	out := make([]ScoredMember, 0, len(res))
	for _, z := range res {
		member, _ := z.Member.(string)
		out = append(out, ScoredMember{Member: member, Score: z.Score})
	}
	return out, nil
}

func (c *RedisClient) Close() error { return c.rdb.Close() }

func logErr(ctx context.Context, op, key string, err error) {
	observability.LoggerWithTrace(ctx).Debug().Str("op", op).Str("key", key).Err(err).Msg("kv operation failed")
}
