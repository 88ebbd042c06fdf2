package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lobbyx/internal/callstate"
	"lobbyx/internal/calls"
	"lobbyx/internal/signaling"
)

func newTestRegistry(ch *signaling.MemoryChannel) (*Registry, *int) {
	built := 0
	r := NewRegistry(func(self callstate.Identity) (*Manager, error) {
		built++
		return NewManager(Config{Self: self, Channel: ch, Logger: quiet})
	}, quiet)
	return r, &built
}

func TestRegistry_ReusesManagerForSameIdentity(t *testing.T) {
	ch := signaling.NewMemoryChannel()
	r, built := newTestRegistry(ch)
	ctx := context.Background()
	t.Cleanup(func() { _ = r.Close(ctx) })

	id := callstate.Identity{UserID: "alice", Name: "Alice"}
	a, err := r.Acquire(ctx, id)
	require.NoError(t, err)
	b, err := r.Acquire(ctx, id)
	require.NoError(t, err)

	assert.Same(t, a, b)
	assert.Equal(t, 1, *built)
	assert.Equal(t, 1, ch.Subscribers(signaling.IncomingPath("alice")))
}

func TestRegistry_RebuildsOnIdentityChange(t *testing.T) {
	ch := signaling.NewMemoryChannel()
	r, built := newTestRegistry(ch)
	ctx := context.Background()
	t.Cleanup(func() { _ = r.Close(ctx) })

	old, err := r.Acquire(ctx, callstate.Identity{UserID: "alice", Name: "Alice"})
	require.NoError(t, err)
	fresh, err := r.Acquire(ctx, callstate.Identity{UserID: "alice", Name: "Alice B."})
	require.NoError(t, err)

	assert.NotSame(t, old, fresh)
	assert.Equal(t, 2, *built)
	assert.Equal(t, "Alice B.", fresh.Identity().Name)
	// Only the new manager is listening.
	assert.Equal(t, 1, ch.Subscribers(signaling.IncomingPath("alice")))
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_ReleaseHangsUpAndUnsubscribes(t *testing.T) {
	ch := signaling.NewMemoryChannel()
	r, _ := newTestRegistry(ch)
	ctx := context.Background()
	t.Cleanup(func() { _ = r.Close(ctx) })

	alice, err := r.Acquire(ctx, callstate.Identity{UserID: "alice"})
	require.NoError(t, err)
	bob, err := r.Acquire(ctx, callstate.Identity{UserID: "bob"})
	require.NoError(t, err)

	_, err = alice.InitiateCall(ctx, callstate.CallRequest{ReceiverID: "bob", ConversationID: "c", Type: calls.TypeVideo})
	require.NoError(t, err)
	require.NoError(t, bob.AnswerCall(ctx))

	require.NoError(t, r.Release(ctx, "alice"))
	assert.Zero(t, ch.Subscribers(signaling.StatusPath("alice")))
	assert.Nil(t, bob.State().CurrentCall)

	_, ok := r.Get("alice")
	assert.False(t, ok)
	require.NoError(t, r.Release(ctx, "alice"))
}

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stepClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestRegistry_ExpireIdleSkipsStreamsAndCalls(t *testing.T) {
	ch := signaling.NewMemoryChannel()
	clock := &stepClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	r := NewRegistry(func(self callstate.Identity) (*Manager, error) {
		return NewManager(Config{Self: self, Channel: ch, Logger: quiet, Clock: clock.Now})
	}, quiet)
	r.now = clock.Now
	ctx := context.Background()
	t.Cleanup(func() { _ = r.Close(ctx) })

	acquire := func(id string) *Manager {
		m, err := r.Acquire(ctx, callstate.Identity{UserID: id})
		require.NoError(t, err)
		return m
	}
	alice, bob, _, _ := acquire("alice"), acquire("bob"), acquire("carol"), acquire("dave")

	updates, stopWatch := alice.Watch()
	_, err := bob.InitiateCall(ctx, callstate.CallRequest{ReceiverID: "carol", ConversationID: "c", Type: calls.TypeVoice})
	require.NoError(t, err)

	clock.Advance(time.Hour)
	assert.Equal(t, 1, r.ExpireIdle(ctx, 30*time.Minute))
	_, ok := r.Get("dave")
	assert.False(t, ok)
	assert.Zero(t, ch.Subscribers(signaling.IncomingPath("dave")))
	assert.Equal(t, 3, r.Len())

	// Closing the stream counts as activity.
	stopWatch()
	assert.Zero(t, r.ExpireIdle(ctx, 30*time.Minute))

	clock.Advance(31 * time.Minute)
	assert.Equal(t, 1, r.ExpireIdle(ctx, 30*time.Minute))
	_, ok = r.Get("alice")
	assert.False(t, ok)
	for range updates {
	}

	// A request resets the idle clock.
	require.NoError(t, bob.EndCall(ctx))
	clock.Advance(31 * time.Minute)
	acquire("bob")
	assert.Equal(t, 1, r.ExpireIdle(ctx, 30*time.Minute))
	_, ok = r.Get("carol")
	assert.False(t, ok)
	_, ok = r.Get("bob")
	assert.True(t, ok)
}

func TestRegistry_RunExpiryStopsWithContext(t *testing.T) {
	r, _ := newTestRegistry(signaling.NewMemoryChannel())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.RunExpiry(ctx, time.Minute)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expiry loop did not stop")
	}

	// Disabled expiry returns immediately.
	r.RunExpiry(context.Background(), 0)
}

func TestRegistry_ClosedRejectsAcquire(t *testing.T) {
	r, _ := newTestRegistry(signaling.NewMemoryChannel())
	ctx := context.Background()

	_, err := r.Acquire(ctx, callstate.Identity{UserID: "alice"})
	require.NoError(t, err)
	require.NoError(t, r.Close(ctx))
	assert.Zero(t, r.Len())

	_, err = r.Acquire(ctx, callstate.Identity{UserID: "alice"})
	assert.ErrorIs(t, err, ErrRegistryClosed)
}

func TestRegistry_FactoryErrorPropagates(t *testing.T) {
	boom := errors.New("boom")
	r := NewRegistry(func(callstate.Identity) (*Manager, error) { return nil, boom }, quiet)

	_, err := r.Acquire(context.Background(), callstate.Identity{UserID: "alice"})
	assert.ErrorIs(t, err, boom)
	assert.Zero(t, r.Len())
}

func TestMicrophonePermissionFromContext(t *testing.T) {
	ctx := context.Background()
	assert.True(t, ContextPermissions.MicrophoneGranted(ctx))
	assert.True(t, ContextPermissions.MicrophoneGranted(WithMicrophone(ctx, true)))
	assert.False(t, ContextPermissions.MicrophoneGranted(WithMicrophone(ctx, false)))

	granted, reported := ParseMicrophone(" Granted ")
	assert.True(t, granted)
	assert.True(t, reported)
	granted, reported = ParseMicrophone("denied")
	assert.False(t, granted)
	assert.True(t, reported)
	_, reported = ParseMicrophone("")
	assert.False(t, reported)
}
