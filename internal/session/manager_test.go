package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lobbyx/internal/callstate"
	"lobbyx/internal/calls"
	"lobbyx/internal/history"
	"lobbyx/internal/signaling"
	"lobbyx/internal/tones"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func newManager(t *testing.T, ch signaling.Channel, id string) *Manager {
	t.Helper()
	m, err := NewManager(Config{
		Self:         callstate.Identity{UserID: id, Name: "User " + id},
		Channel:      ch,
		Store:        history.NewService(history.NewMemoryRepo(), quiet),
		Permissions:  ContextPermissions,
		TickInterval: 5 * time.Millisecond,
		Logger:       quiet,
	})
	require.NoError(t, err)
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() { _ = m.Close(context.Background()) })
	return m
}

func callTo(id string) callstate.CallRequest {
	return callstate.CallRequest{ReceiverID: id, ConversationID: "conv-1", Type: calls.TypeVoice}
}

func TestToggleDeafen_ForcesMuteOneWay(t *testing.T) {
	m := newManager(t, signaling.NewMemoryChannel(), "alice")

	st := m.ToggleDeafen()
	assert.True(t, st.IsDeafened)
	assert.True(t, st.IsMuted)

	st = m.ToggleDeafen()
	assert.False(t, st.IsDeafened)
	assert.True(t, st.IsMuted, "undeafen must not unmute")

	st = m.ToggleMute()
	assert.False(t, st.IsMuted)
	assert.False(t, st.IsDeafened)
}

func TestToggleMute_PublishesCue(t *testing.T) {
	m := newManager(t, signaling.NewMemoryChannel(), "alice")

	st := m.ToggleMute()
	require.NotNil(t, st.Cue)
	assert.Equal(t, tones.Mute, st.Cue.Tone)
	first := st.Cue.Seq

	st = m.ToggleMute()
	require.NotNil(t, st.Cue)
	assert.Equal(t, tones.Unmute, st.Cue.Tone)
	assert.Greater(t, st.Cue.Seq, first)
}

func TestManager_CallLifecycleDrivesState(t *testing.T) {
	ch := signaling.NewMemoryChannel()
	alice := newManager(t, ch, "alice")
	bob := newManager(t, ch, "bob")
	ctx := context.Background()

	rec, err := alice.InitiateCall(ctx, callTo("bob"))
	require.NoError(t, err)

	st := alice.State()
	require.NotNil(t, st.CurrentCall)
	assert.Equal(t, rec.ID, st.CurrentCall.ID)
	assert.Equal(t, callstate.RoleCaller, st.Role)
	assert.True(t, st.IsCallModalOpen)
	assert.False(t, st.IsConnected)
	assert.Equal(t, []tones.Tone{tones.Outgoing}, st.Tones)

	st = bob.State()
	require.NotNil(t, st.CurrentCall)
	assert.Equal(t, callstate.RoleReceiver, st.Role)
	assert.True(t, st.IsCallModalOpen)
	assert.Equal(t, []tones.Tone{tones.Incoming}, st.Tones)

	require.NoError(t, bob.AnswerCall(ctx))
	for _, m := range []*Manager{alice, bob} {
		st := m.State()
		assert.True(t, st.IsConnected)
		assert.Empty(t, st.Tones)
		require.NotNil(t, st.Cue)
		assert.Equal(t, tones.Connected, st.Cue.Tone)
	}

	require.Eventually(t, func() bool { return alice.State().CallDuration >= 2 }, time.Second, 5*time.Millisecond)

	require.NoError(t, alice.EndCall(ctx))
	for _, m := range []*Manager{alice, bob} {
		st := m.State()
		assert.Nil(t, st.CurrentCall)
		assert.False(t, st.IsCallModalOpen)
		assert.False(t, st.IsConnected)
		assert.Zero(t, st.CallDuration)
		require.NotNil(t, st.Cue)
		assert.Equal(t, tones.Ended, st.Cue.Tone)
	}

	// The ticker is stopped on disconnect.
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, alice.State().CallDuration)
}

func TestManager_InstantAnswerKeepsCallerConnected(t *testing.T) {
	ch := signaling.NewMemoryChannel()
	alice := newManager(t, ch, "alice")
	bob := newManager(t, ch, "bob")
	ctx := context.Background()

	// Bob picks up while Alice's offer is still being written.
	stop := bob.machine.Listen(func(ev callstate.Event) {
		if ev.Type == callstate.EventIncomingCall {
			assert.NoError(t, bob.AnswerCall(ctx))
		}
	})
	t.Cleanup(stop)

	rec, err := alice.InitiateCall(ctx, callTo("bob"))
	require.NoError(t, err)
	assert.Equal(t, calls.StatusAnswered, rec.Status)

	st := alice.State()
	require.NotNil(t, st.CurrentCall)
	assert.Equal(t, calls.StatusAnswered, st.CurrentCall.Status)
	assert.True(t, st.IsCallModalOpen)
	assert.True(t, st.IsConnected)
	assert.Empty(t, st.Tones)

	require.Eventually(t, func() bool { return alice.State().CallDuration >= 1 }, time.Second, 5*time.Millisecond)
	assert.True(t, bob.State().IsConnected)
}

func TestManager_ActionErrorsBecomeUserMessages(t *testing.T) {
	ch := signaling.NewMemoryChannel()
	alice := newManager(t, ch, "alice")
	ctx := context.Background()

	_, err := alice.InitiateCall(ctx, callTo("alice"))
	require.ErrorIs(t, err, callstate.ErrSelfCall)
	assert.Equal(t, "You cannot call yourself", alice.State().Error)

	alice.ClearError()
	assert.Empty(t, alice.State().Error)

	_, err = alice.InitiateCall(WithMicrophone(ctx, false), callTo("bob"))
	require.ErrorIs(t, err, callstate.ErrMicrophoneDenied)
	assert.Equal(t, "Microphone permission is required for calls", alice.State().Error)

	ch.FailWith(func(op signaling.Op) error {
		if op.Kind == signaling.OpRead {
			return errors.New("timeout")
		}
		return nil
	})
	_, err = alice.InitiateCall(ctx, callTo("bob"))
	require.Error(t, err)
	assert.Equal(t, "Failed to start call", alice.State().Error)
}

func TestManager_RejectClosesModalOnBothSides(t *testing.T) {
	ch := signaling.NewMemoryChannel()
	alice := newManager(t, ch, "alice")
	bob := newManager(t, ch, "bob")
	ctx := context.Background()

	_, err := alice.InitiateCall(ctx, callTo("bob"))
	require.NoError(t, err)
	require.NoError(t, bob.RejectCall(ctx))

	assert.False(t, alice.State().IsCallModalOpen)
	assert.False(t, bob.State().IsCallModalOpen)
	assert.Empty(t, alice.State().Tones)
	assert.Empty(t, bob.State().Tones)
}

func TestManager_ActionsWithoutCallAreNoops(t *testing.T) {
	m := newManager(t, signaling.NewMemoryChannel(), "alice")
	ctx := context.Background()

	require.NoError(t, m.AnswerCall(ctx))
	require.NoError(t, m.RejectCall(ctx))
	require.NoError(t, m.EndCall(ctx))
	assert.Empty(t, m.State().Error)
}

func TestWatch_DeliversLatestStateAndClosesOnClose(t *testing.T) {
	m, err := NewManager(Config{
		Self:    callstate.Identity{UserID: "alice"},
		Channel: signaling.NewMemoryChannel(),
		Logger:  quiet,
	})
	require.NoError(t, err)
	require.NoError(t, m.Start(context.Background()))

	updates, cancel := m.Watch()
	defer cancel()

	first := <-updates
	assert.False(t, first.IsMuted)
	assert.NotNil(t, first.Tones)

	m.ToggleMute()
	m.ToggleDeafen()

	var last State
	require.Eventually(t, func() bool {
		select {
		case last = <-updates:
		default:
		}
		return last.IsDeafened
	}, time.Second, time.Millisecond)
	assert.True(t, last.IsMuted)

	require.NoError(t, m.Close(context.Background()))
	for range updates {
	}

	// Watching a closed manager yields a closed channel.
	late, lateCancel := m.Watch()
	lateCancel()
	_, open := <-late
	assert.False(t, open)
}

func TestUserMessage(t *testing.T) {
	assert.Empty(t, UserMessage(nil, "x"))
	assert.Equal(t, "User is busy on another call", UserMessage(callstate.ErrReceiverBusy, "x"))
	assert.Equal(t, "You are already in a call", UserMessage(callstate.ErrCallInProgress, "x"))
	assert.Equal(t, "x", UserMessage(errors.New("boom"), "x"))
}
