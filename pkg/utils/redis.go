package utils

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig configures the client shared by the signaling channel and the
// stream slot sets. Zero values take the defaults below.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int

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

func (c RedisConfig) options() *redis.Options {
	opt := &redis.Options{
		Addr:            c.Addr,
		Password:        c.Password,
		DB:              c.DB,
		DialTimeout:     orDefault(c.DialTimeout, 3*time.Second),
		ReadTimeout:     orDefault(c.ReadTimeout, 2*time.Second),
		WriteTimeout:    orDefault(c.WriteTimeout, 2*time.Second),
		PoolSize:        c.PoolSize,
		MinIdleConns:    max(c.MinIdleConns, 0),
		PoolTimeout:     orDefault(c.PoolTimeout, 4*time.Second),
		ConnMaxIdleTime: orDefault(c.ConnMaxIdleTime, 5*time.Minute),
		ConnMaxLifetime: orDefault(c.ConnMaxLifetime, 30*time.Minute),
	}
	if opt.PoolSize <= 0 {
		opt.PoolSize = 20
	}
	return opt
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

// OpenRedis connects and fails fast if the server does not answer PING.
func OpenRedis(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis addr is required")
	}
	rdb := redis.NewClient(cfg.options())

	pingCtx, cancel := context.WithTimeout(ctx, orDefault(cfg.PingTimeout, 2*time.Second))
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return rdb, nil
}

// slotNow is the clock slot deadlines are measured against.
var slotNow = time.Now

// Slot sets are sorted sets of slot ID -> deadline (unix ms). Expired slots
// are pruned before every claim, so a slot held by a crashed process frees
// itself once its deadline passes.
var claimSlotScript = redis.NewScript(`
-- KEYS[1] = slot set
-- ARGV[1] = slot id
-- ARGV[2] = limit
-- ARGV[3] = now (unix ms)
-- ARGV[4] = ttl (ms)
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[3])
local added = redis.call('ZADD', KEYS[1], tonumber(ARGV[3]) + tonumber(ARGV[4]), ARGV[1])
if added == 1 and redis.call('ZCARD', KEYS[1]) > tonumber(ARGV[2]) then
  redis.call('ZREM', KEYS[1], ARGV[1])
  return 0
end
redis.call('PEXPIRE', KEYS[1], ARGV[4])
return 1
`)

var dropSlotScript = redis.NewScript(`
-- KEYS[1] = slot set
-- ARGV[1] = slot id
redis.call('ZREM', KEYS[1], ARGV[1])
if redis.call('ZCARD', KEYS[1]) == 0 then
  redis.call('DEL', KEYS[1])
end
return 1
`)

// ClaimSlot adds slot to the set at key unless limit slots are already
// live, and reports whether it holds the slot. Claiming a held slot again
// pushes its deadline to now+ttl, so long-lived holders re-claim
// periodically.
func ClaimSlot(ctx context.Context, rdb *redis.Client, key, slot string, limit int, ttl time.Duration) (bool, error) {
	switch {
	case rdb == nil:
		return false, errors.New("redis client is nil")
	case key == "" || slot == "":
		return false, errors.New("slot key and id are required")
	case limit <= 0:
		return false, errors.New("limit must be > 0")
	case ttl <= 0:
		return false, errors.New("ttl must be > 0")
	}

	now := slotNow().UnixMilli()
	res, err := claimSlotScript.Run(ctx, rdb, []string{key}, slot, limit, now, ttl.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

// DropSlot releases slot. Dropping an unknown or expired slot is not an error.
func DropSlot(ctx context.Context, rdb *redis.Client, key, slot string) error {
	if rdb == nil {
		return errors.New("redis client is nil")
	}
	if key == "" || slot == "" {
		return errors.New("slot key and id are required")
	}
	return dropSlotScript.Run(ctx, rdb, []string{key}, slot).Err()
}
