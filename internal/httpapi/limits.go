package httpapi

import (
	"context"
	"errors"
	"sync"
	"time"

	"lobbyx/pkg/utils"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// StreamLimiter caps how many state streams one user may hold open. Each
// open stream holds one slot; the stream renews it with Keep on every ping.
type StreamLimiter interface {
	// Acquire claims a slot. ok is false when the user is at the cap.
	Acquire(ctx context.Context, userID string) (slot string, ok bool, err error)
	Keep(ctx context.Context, userID, slot string) error
	Release(ctx context.Context, userID, slot string) error
}

var errSlotLost = errors.New("stream slot lost")

// defaultSlotTTL outlives several ping periods so a slot only lapses when
// its stream stops renewing it.
const defaultSlotTTL = 5 * time.Minute

// RedisStreamLimiter shares the cap across API instances. Slots of a
// crashed instance lapse after the TTL.
type RedisStreamLimiter struct {
	rdb    *redis.Client
	prefix string
	limit  int
	ttl    time.Duration
}

func NewRedisStreamLimiter(rdb *redis.Client, prefix string, limit int, ttl time.Duration) *RedisStreamLimiter {
	if ttl <= 0 {
		ttl = defaultSlotTTL
	}
	return &RedisStreamLimiter{rdb: rdb, prefix: prefix, limit: limit, ttl: ttl}
}

func (l *RedisStreamLimiter) key(userID string) string {
	return l.prefix + "streams/" + userID
}

func (l *RedisStreamLimiter) Acquire(ctx context.Context, userID string) (string, bool, error) {
	if userID == "" {
		return "", false, errors.New("user id is required")
	}
	slot := uuid.NewString()
	ok, err := utils.ClaimSlot(ctx, l.rdb, l.key(userID), slot, l.limit, l.ttl)
	if err != nil || !ok {
		return "", false, err
	}
	return slot, true, nil
}

// Keep renews slot. If the slot already lapsed it is re-claimed when the
// user is under the cap and errSlotLost is returned otherwise.
func (l *RedisStreamLimiter) Keep(ctx context.Context, userID, slot string) error {
	ok, err := utils.ClaimSlot(ctx, l.rdb, l.key(userID), slot, l.limit, l.ttl)
	if err != nil {
		return err
	}
	if !ok {
		return errSlotLost
	}
	return nil
}

func (l *RedisStreamLimiter) Release(ctx context.Context, userID, slot string) error {
	if userID == "" {
		return errors.New("user id is required")
	}
	return utils.DropSlot(ctx, l.rdb, l.key(userID), slot)
}

// MemoryStreamLimiter enforces the cap within one process. Slots never
// lapse; the process owns every stream it counts.
type MemoryStreamLimiter struct {
	limit int

	mu    sync.Mutex
	slots map[string]map[string]struct{}
}

func NewMemoryStreamLimiter(limit int) *MemoryStreamLimiter {
	return &MemoryStreamLimiter{limit: limit, slots: make(map[string]map[string]struct{})}
}

func (l *MemoryStreamLimiter) Acquire(_ context.Context, userID string) (string, bool, error) {
	if userID == "" {
		return "", false, errors.New("user id is required")
	}
	if l.limit <= 0 {
		return "", false, errors.New("limit must be > 0")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	held := l.slots[userID]
	if len(held) >= l.limit {
		return "", false, nil
	}
	if held == nil {
		held = make(map[string]struct{})
		l.slots[userID] = held
	}
	slot := uuid.NewString()
	held[slot] = struct{}{}
	return slot, true, nil
}

func (l *MemoryStreamLimiter) Keep(_ context.Context, userID, slot string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.slots[userID][slot]; !ok {
		return errSlotLost
	}
	return nil
}

func (l *MemoryStreamLimiter) Release(_ context.Context, userID, slot string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	held := l.slots[userID]
	delete(held, slot)
	if len(held) == 0 {
		delete(l.slots, userID)
	}
	return nil
}
