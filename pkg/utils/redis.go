package utils

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig configures the client behind agent state, routing overrides and
// the pacing lease. Zero values fall back to the defaults in normalized.
type RedisConfig struct {
	Addr string

	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	PoolSize        int
	MinIdleConns    int
	PoolTimeout     time.Duration
	ConnMaxIdleTime time.Duration
	ConnMaxLifetime time.Duration

	PingTimeout time.Duration
}

func (c RedisConfig) normalized() RedisConfig {
	def := func(d *time.Duration, v time.Duration) {
		if *d <= 0 {
			*d = v
		}
	}
	def(&c.DialTimeout, 3*time.Second)
	def(&c.ReadTimeout, 2*time.Second)
	def(&c.WriteTimeout, 2*time.Second)
	def(&c.PoolTimeout, 4*time.Second)
	def(&c.ConnMaxIdleTime, 5*time.Minute)
	def(&c.ConnMaxLifetime, 30*time.Minute)
	def(&c.PingTimeout, 2*time.Second)
	if c.PoolSize <= 0 {
		c.PoolSize = 20
	}
	c.MinIdleConns = max(c.MinIdleConns, 0)
	return c
}

// OpenRedis builds the client and fails fast when PING does not answer.
func OpenRedis(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis addr is required")
	}
	cfg = cfg.normalized()

	rdb := redis.NewClient(&redis.Options{
		Addr:            cfg.Addr,
		DialTimeout:     cfg.DialTimeout,
		ReadTimeout:     cfg.ReadTimeout,
		WriteTimeout:    cfg.WriteTimeout,
		PoolSize:        cfg.PoolSize,
		MinIdleConns:    cfg.MinIdleConns,
		PoolTimeout:     cfg.PoolTimeout,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
	})

	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return rdb, nil
}

// concurrencyAcquireScript increments KEYS[1] up to ARGV[1] holders. The key
// expires ARGV[2] ms after the first holder; a key found without a TTL gets one.
// Returns 1 when a slot was taken, 0 when the cap was already reached.
var concurrencyAcquireScript = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n == 1 or redis.call('PTTL', KEYS[1]) < 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
if n > tonumber(ARGV[1]) then
  redis.call('DECR', KEYS[1])
  return 0
end
return 1
`)

// AcquireConcurrencyCap takes one of limit slots on key until ttl elapses.
// Slots are never returned early; expiry frees them. With limit 1 this is the
// per-campaign pacing lease.
func AcquireConcurrencyCap(ctx context.Context, rdb *redis.Client, key string, limit int, ttl time.Duration) (bool, error) {
	switch {
	case rdb == nil:
		return false, errors.New("redis client is nil")
	case key == "":
		return false, errors.New("key is required")
	case limit <= 0:
		return false, errors.New("limit must be > 0")
	case ttl <= 0:
		return false, errors.New("ttl must be > 0")
	}
	res, err := concurrencyAcquireScript.Run(ctx, rdb, []string{key}, limit, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("acquire %s: %w", key, err)
	}
	return res == 1, nil
}
