package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisOptions controls key layout and record lifetime.
type RedisOptions struct {
	// Prefix is prepended to every path to form the key and pub/sub channel.
	Prefix string

	// RecordTTL bounds how long an orphaned record survives. Zero disables expiry.
	RecordTTL time.Duration

	// RetryDelay is how long the subscription pump waits after a receive error.
	RetryDelay time.Duration

	Logger *slog.Logger
}

// RedisChannel implements Channel on Redis strings plus Pub/Sub.
//
// Every path maps to one key; the same name is used as the Pub/Sub channel.
// Mutations go through Lua so the stored value and the notification are
// applied atomically. An empty payload announces a removal.
type RedisChannel struct {
	rdb  *redis.Client
	opts RedisOptions
	log  *slog.Logger
}

var writeScript = redis.NewScript(`
-- KEYS[1] = record key (also the pub/sub channel)
-- ARGV[1] = JSON payload
-- ARGV[2] = ttl_ms (0 = no expiry)
if tonumber(ARGV[2]) > 0 then
  redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
else
  redis.call('SET', KEYS[1], ARGV[1])
end
redis.call('PUBLISH', KEYS[1], ARGV[1])
return 1
`)

var removeScript = redis.NewScript(`
-- KEYS[1] = record key (also the pub/sub channel)
local n = redis.call('DEL', KEYS[1])
redis.call('PUBLISH', KEYS[1], '')
return n
`)

func NewRedisChannel(rdb *redis.Client, opts RedisOptions) *RedisChannel {
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = time.Second
	}
	l := opts.Logger
	if l == nil {
		l = slog.Default()
	}
	return &RedisChannel{rdb: rdb, opts: opts, log: l.With("component", "signaling.redis")}
}

func (c *RedisChannel) key(path string) string { return c.opts.Prefix + path }

func (c *RedisChannel) Write(ctx context.Context, path string, value any) error {
	if c.rdb == nil {
		return errors.New("signaling: redis client is nil")
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("signaling: encode %s: %w", path, err)
	}
	if err := writeScript.Run(ctx, c.rdb, []string{c.key(path)}, string(data), c.opts.RecordTTL.Milliseconds()).Err(); err != nil {
		return fmt.Errorf("signaling: write %s: %w", path, err)
	}
	return nil
}

func (c *RedisChannel) Remove(ctx context.Context, path string) error {
	if c.rdb == nil {
		return errors.New("signaling: redis client is nil")
	}
	if err := removeScript.Run(ctx, c.rdb, []string{c.key(path)}).Err(); err != nil {
		return fmt.Errorf("signaling: remove %s: %w", path, err)
	}
	return nil
}

func (c *RedisChannel) Read(ctx context.Context, path string) (Snapshot, error) {
	if c.rdb == nil {
		return Snapshot{}, errors.New("signaling: redis client is nil")
	}
	v, err := c.rdb.Get(ctx, c.key(path)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Snapshot{Path: path}, nil
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("signaling: read %s: %w", path, err)
	}
	return Snapshot{Path: path, Data: v}, nil
}

// Subscribe subscribes before reading the current value so no change between
// the two is lost; a value may therefore be delivered twice.
func (c *RedisChannel) Subscribe(ctx context.Context, path string, onValue ValueFunc, onError ErrorFunc) (func(), error) {
	if c.rdb == nil {
		return nil, errors.New("signaling: redis client is nil")
	}
	ps := c.rdb.Subscribe(ctx, c.key(path))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("signaling: subscribe %s: %w", path, err)
	}

	current, err := c.Read(ctx, path)
	if err != nil {
		_ = ps.Close()
		return nil, err
	}
	if current.Exists() && onValue != nil {
		onValue(current)
	}

	pumpCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	go c.pump(pumpCtx, ps, path, onValue, onError)

	// Unsubscribe does not wait for the pump: it may be called from onValue.
	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			_ = ps.Close()
		})
	}, nil
}

func (c *RedisChannel) pump(ctx context.Context, ps *redis.PubSub, path string, onValue ValueFunc, onError ErrorFunc) {
	for {
		msg, err := ps.ReceiveMessage(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			c.log.Warn("subscription receive failed", "path", path, "err", err)
			if onError != nil {
				onError(err)
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(c.opts.RetryDelay):
			}
			continue
		}
		if onValue == nil {
			continue
		}
		snap := Snapshot{Path: path}
		if msg.Payload != "" {
			snap.Data = json.RawMessage(msg.Payload)
		}
		onValue(snap)
	}
}
