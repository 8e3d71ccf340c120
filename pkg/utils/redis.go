package utils

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig controls redis client behavior.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int

	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int

	PingTimeout time.Duration
}

func (c RedisConfig) withDefaults() RedisConfig {
	out := c
	if out.DialTimeout <= 0 {
		out.DialTimeout = 3 * time.Second
	}
	if out.ReadTimeout <= 0 {
		out.ReadTimeout = 2 * time.Second
	}
	if out.WriteTimeout <= 0 {
		out.WriteTimeout = 2 * time.Second
	}
	if out.PoolSize <= 0 {
		out.PoolSize = 10
	}
	if out.PingTimeout <= 0 {
		out.PingTimeout = 2 * time.Second
	}
	return out
}

// OpenRedis initializes a Redis client and validates connectivity via PING.
func OpenRedis(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	cfg = cfg.withDefaults()
	if cfg.Addr == "" {
		return nil, errors.New("redis addr is required")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
	})

	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return rdb, nil
}

// Slots are tracked per holder in a sorted set scored by expiry, so a crashed
// holder only leaks its own slot until its lease runs out.
var slotAcquireScript = redis.NewScript(`
-- KEYS[1] = slot set key
-- ARGV[1] = limit
-- ARGV[2] = now (unix ms)
-- ARGV[3] = ttl (ms)
-- ARGV[4] = holder token
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[2])
if redis.call('ZCARD', KEYS[1]) >= tonumber(ARGV[1]) then
  return 0
end
redis.call('ZADD', KEYS[1], tonumber(ARGV[2]) + tonumber(ARGV[3]), ARGV[4])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return 1
`)

var slotReleaseScript = redis.NewScript(`
-- KEYS[1] = slot set key
-- ARGV[1] = holder token
redis.call('ZREM', KEYS[1], ARGV[1])
if redis.call('ZCARD', KEYS[1]) == 0 then
  redis.call('DEL', KEYS[1])
end
return 1
`)

// AcquireSlot tries to take one of limit slots under key for token.
// It returns false without error when all slots are taken.
func AcquireSlot(ctx context.Context, rdb *redis.Client, key, token string, limit int, ttl time.Duration) (bool, error) {
	if err := validateSlotArgs(rdb, key, token); err != nil {
		return false, err
	}
	if limit <= 0 {
		return false, errors.New("limit must be > 0")
	}
	if ttl <= 0 {
		return false, errors.New("ttl must be > 0")
	}

	now := time.Now().UnixMilli()
	res, err := slotAcquireScript.Run(ctx, rdb, []string{key}, limit, now, ttl.Milliseconds(), token).Int()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

// ReleaseSlot gives back the slot held by token. Releasing an unknown token is a no-op.
func ReleaseSlot(ctx context.Context, rdb *redis.Client, key, token string) error {
	if err := validateSlotArgs(rdb, key, token); err != nil {
		return err
	}
	return slotReleaseScript.Run(ctx, rdb, []string{key}, token).Err()
}

func validateSlotArgs(rdb *redis.Client, key, token string) error {
	if rdb == nil {
		return errors.New("redis client is nil")
	}
	if key == "" {
		return errors.New("key is required")
	}
	if token == "" {
		return errors.New("token is required")
	}
	return nil
}
