package signaling

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisChannel(t *testing.T, ttl time.Duration) (*RedisChannel, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisChannel(rdb, RedisOptions{Prefix: "lobbyx:", RecordTTL: ttl, RetryDelay: 10 * time.Millisecond}), mr
}

func TestRedisChannel_WriteReadRemove(t *testing.T) {
	ctx := context.Background()
	ch, mr := newTestRedisChannel(t, time.Minute)

	require.NoError(t, ch.Write(ctx, "calls/outgoing/alice", payload{CallID: "c1"}))
	assert.True(t, mr.Exists("lobbyx:calls/outgoing/alice"))
	assert.Greater(t, mr.TTL("lobbyx:calls/outgoing/alice"), time.Duration(0))

	snap, err := ch.Read(ctx, "calls/outgoing/alice")
	require.NoError(t, err)
	var p payload
	require.NoError(t, snap.Decode(&p))
	assert.Equal(t, "c1", p.CallID)

	require.NoError(t, ch.Remove(ctx, "calls/outgoing/alice"))
	snap, err = ch.Read(ctx, "calls/outgoing/alice")
	require.NoError(t, err)
	assert.False(t, snap.Exists())
}

func TestRedisChannel_SubscribeReceivesCurrentAndUpdates(t *testing.T) {
	ctx := context.Background()
	ch, _ := newTestRedisChannel(t, 0)
	require.NoError(t, ch.Write(ctx, "calls/status/bob", payload{CallID: "c0"}))

	got := make(chan Snapshot, 8)
	unsub, err := ch.Subscribe(ctx, "calls/status/bob", func(s Snapshot) { got <- s }, nil)
	require.NoError(t, err)
	defer unsub()

	next := func() Snapshot {
		select {
		case s := <-got:
			return s
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for snapshot")
			return Snapshot{}
		}
	}

	var p payload
	require.NoError(t, next().Decode(&p))
	assert.Equal(t, "c0", p.CallID)

	require.NoError(t, ch.Write(ctx, "calls/status/bob", payload{CallID: "c1"}))
	require.NoError(t, next().Decode(&p))
	assert.Equal(t, "c1", p.CallID)

	require.NoError(t, ch.Remove(ctx, "calls/status/bob"))
	assert.False(t, next().Exists())
}

func TestRedisChannel_NilClient(t *testing.T) {
	ch := NewRedisChannel(nil, RedisOptions{})
	assert.Error(t, ch.Write(context.Background(), "x", payload{}))
	assert.Error(t, ch.Remove(context.Background(), "x"))
	_, err := ch.Subscribe(context.Background(), "x", nil, nil)
	assert.Error(t, err)
}
