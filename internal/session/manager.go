// Package session bridges one authenticated user to their call state
// machine and keeps the UI-facing state that clients render.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"lobbyx/internal/callstate"
	"lobbyx/internal/calls"
	"lobbyx/internal/signaling"
	"lobbyx/internal/tones"
)

const defaultTickInterval = time.Second

// State is what a client needs to draw the call UI.
type State struct {
	CurrentCall     *calls.Record  `json:"currentCall"`
	Role            callstate.Role `json:"role,omitempty"`
	IsCallModalOpen bool           `json:"isCallModalOpen"`
	IsConnected     bool           `json:"isConnected"`
	IsMuted         bool           `json:"isMuted"`
	IsDeafened      bool           `json:"isDeafened"`
	CallDuration    int            `json:"callDuration"`
	Error           string         `json:"error,omitempty"`

	// Tones lists looping tones the client should be playing.
	Tones []tones.Tone `json:"tones"`
	// Cue is the latest one-shot tone; Seq changes on every cue.
	Cue *Cue `json:"cue,omitempty"`
}

type Cue struct {
	Tone tones.Tone `json:"tone"`
	Seq  int        `json:"seq"`
}

func (s State) clone() State {
	out := s
	if s.CurrentCall != nil {
		c := *s.CurrentCall
		out.CurrentCall = &c
	}
	if s.Cue != nil {
		c := *s.Cue
		out.Cue = &c
	}
	out.Tones = slices.Clone(s.Tones)
	if out.Tones == nil {
		out.Tones = []tones.Tone{}
	}
	return out
}

type Config struct {
	Self        callstate.Identity
	Channel     signaling.Channel
	Store       callstate.SessionStore
	Permissions callstate.PermissionChecker
	RingTimeout time.Duration

	// TickInterval is how often CallDuration advances while connected.
	TickInterval time.Duration

	Logger *slog.Logger
	Clock  func() time.Time
}

// Manager owns one user's Machine and mirrors its events into State.
//
// Lock order: the Machine may call into the Manager (as the tone Output)
// while holding its own lock, so the Manager never calls the Machine while
// holding m.mu.
type Manager struct {
	self     callstate.Identity
	machine  *callstate.Machine
	player   *tones.Player
	log      *slog.Logger
	interval time.Duration
	now      func() time.Time

	unlisten func()

	mu        sync.Mutex
	state     State
	tickStop  chan struct{}
	cueSeq    int
	lastEnded string
	watchers  map[int]chan State
	nextWatch int
	lastUsed  time.Time
	closed    bool
}

func NewManager(cfg Config) (*Manager, error) {
	l := cfg.Logger
	if l == nil {
		l = slog.Default()
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = defaultTickInterval
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}

	m := &Manager{
		self:     cfg.Self,
		log:      l.With("component", "session", "user_id", cfg.Self.UserID),
		interval: cfg.TickInterval,
		now:      now,
		state:    State{Tones: []tones.Tone{}},
		watchers: make(map[int]chan State),
		lastUsed: now(),
	}
	m.player = tones.NewPlayer(toneOutput{m})

	machine, err := callstate.New(callstate.Config{
		Self:        cfg.Self,
		Channel:     cfg.Channel,
		Store:       cfg.Store,
		Audio:       m.player,
		Permissions: cfg.Permissions,
		RingTimeout: cfg.RingTimeout,
		Logger:      l,
		Clock:       cfg.Clock,
	})
	if err != nil {
		return nil, err
	}
	m.machine = machine
	m.unlisten = machine.Listen(m.onEvent)
	return m, nil
}

// Start begins listening for incoming calls and status updates.
func (m *Manager) Start(ctx context.Context) error {
	if err := m.machine.StartListening(ctx); err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	m.log.Info("session listening")
	return nil
}

func (m *Manager) Identity() callstate.Identity { return m.self }

// touch records client activity for idle expiry.
func (m *Manager) touch() {
	m.mu.Lock()
	m.lastUsed = m.now()
	m.mu.Unlock()
}

// idleFor reports how long the manager has gone without a request, an open
// stream or a call. ok is false while any of those is live.
func (m *Manager) idleFor(now time.Time) (d time.Duration, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || len(m.watchers) > 0 || m.state.CurrentCall != nil {
		return 0, false
	}
	return now.Sub(m.lastUsed), true
}

// State returns a snapshot of the UI state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.clone()
}

// Watch streams state snapshots starting with the current one. Slow
// readers only see the latest state. The channel is closed by cancel or
// when the manager closes.
func (m *Manager) Watch() (<-chan State, func()) {
	ch := make(chan State, 1)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := m.nextWatch
	m.nextWatch++
	m.watchers[id] = ch
	m.lastUsed = m.now()
	ch <- m.state.clone()
	m.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			if _, ok := m.watchers[id]; ok {
				delete(m.watchers, id)
				close(ch)
			}
			m.lastUsed = m.now()
		})
	}
}

func (m *Manager) InitiateCall(ctx context.Context, req callstate.CallRequest) (calls.Record, error) {
	rec, err := m.machine.InitiateCall(ctx, req)
	if err != nil {
		m.fail("initiate call failed", err, "Failed to start call")
		return calls.Record{}, err
	}

	active, ok := m.machine.Current()
	m.mu.Lock()
	if ok && active.Call.ID == rec.ID && m.lastEnded != rec.ID {
		c := active.Call
		m.state.CurrentCall = &c
		m.state.Role = active.Role
		m.state.IsCallModalOpen = true
		// The answer may already have been applied by onEvent.
		if c.Status != calls.StatusAnswered {
			m.state.IsConnected = false
			m.state.CallDuration = 0
		}
		m.state.Error = ""
		m.publishLocked()
	}
	m.mu.Unlock()
	return rec, nil
}

func (m *Manager) AnswerCall(ctx context.Context) error {
	active, ok := m.machine.Current()
	if !ok {
		return nil
	}
	if err := m.machine.AnswerCall(ctx, active.Call.ID); err != nil {
		m.fail("answer call failed", err, "Failed to answer call")
		return err
	}
	return nil
}

func (m *Manager) RejectCall(ctx context.Context) error {
	active, ok := m.machine.Current()
	if !ok {
		return nil
	}
	if err := m.machine.RejectCall(ctx, active.Call.ID); err != nil {
		m.fail("reject call failed", err, "Failed to reject call")
		return err
	}
	return nil
}

func (m *Manager) EndCall(ctx context.Context) error {
	var callID string
	if active, ok := m.machine.Current(); ok {
		callID = active.Call.ID
	}
	if err := m.machine.EndCall(ctx, callID, calls.StatusEnded); err != nil {
		m.fail("end call failed", err, "Failed to end call")
		return err
	}
	return nil
}

// ToggleMute flips the microphone mute flag and returns the new state.
func (m *Manager) ToggleMute() State {
	m.mu.Lock()
	m.state.IsMuted = !m.state.IsMuted
	muted := m.state.IsMuted
	m.publishLocked()
	m.mu.Unlock()

	m.playMuteCue(muted)
	return m.State()
}

// ToggleDeafen flips deafen. Deafening also mutes; undeafening leaves the
// mute flag as it is.
func (m *Manager) ToggleDeafen() State {
	m.mu.Lock()
	m.state.IsDeafened = !m.state.IsDeafened
	deafened := m.state.IsDeafened
	if deafened {
		m.state.IsMuted = true
	}
	m.publishLocked()
	m.mu.Unlock()

	m.playMuteCue(deafened)
	return m.State()
}

func (m *Manager) playMuteCue(on bool) {
	if on {
		m.player.Once(tones.Mute)
		return
	}
	m.player.Once(tones.Unmute)
}

func (m *Manager) ClearError() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.Error == "" {
		return
	}
	m.state.Error = ""
	m.publishLocked()
}

func (m *Manager) fail(msg string, err error, fallback string) {
	m.log.Warn(msg, "err", err)
	m.mu.Lock()
	m.state.Error = UserMessage(err, fallback)
	m.publishLocked()
	m.mu.Unlock()
}

// Close hangs up any current call, stops listening and ends all watches.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	err := m.machine.Close(ctx)
	m.unlisten()

	m.mu.Lock()
	m.stopTickerLocked()
	for id, ch := range m.watchers {
		delete(m.watchers, id)
		close(ch)
	}
	m.mu.Unlock()

	m.log.Info("session closed")
	if err != nil {
		return fmt.Errorf("close session: %w", err)
	}
	return nil
}

func (m *Manager) onEvent(ev callstate.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch ev.Type {
	case callstate.EventIncomingCall:
		c := ev.Call
		m.state.CurrentCall = &c
		m.state.Role = ev.Role
		m.state.IsCallModalOpen = true
		m.state.IsConnected = false
		m.state.CallDuration = 0

	case callstate.EventCallAnswered:
		c := ev.Call
		m.state.CurrentCall = &c
		m.state.Role = ev.Role
		m.state.IsConnected = true
		m.state.CallDuration = 0
		m.startTickerLocked()

	case callstate.EventCallRejected, callstate.EventCallEnded, callstate.EventCallMissed:
		m.lastEnded = ev.Call.ID
		m.stopTickerLocked()
		m.state.CurrentCall = nil
		m.state.Role = ""
		m.state.IsCallModalOpen = false
		m.state.IsConnected = false
		m.state.CallDuration = 0

	case callstate.EventError:
		m.state.Error = ev.Message
	}
	m.publishLocked()
}

func (m *Manager) startTickerLocked() {
	m.stopTickerLocked()
	stop := make(chan struct{})
	m.tickStop = stop
	go m.tick(stop)
}

func (m *Manager) stopTickerLocked() {
	if m.tickStop != nil {
		close(m.tickStop)
		m.tickStop = nil
	}
}

func (m *Manager) tick(stop chan struct{}) {
	t := time.NewTicker(m.interval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			m.mu.Lock()
			if m.tickStop != stop {
				m.mu.Unlock()
				return
			}
			m.state.CallDuration++
			m.publishLocked()
			m.mu.Unlock()
		}
	}
}

// toneOutput publishes what the player renders into the session state.
type toneOutput struct{ m *Manager }

func (o toneOutput) Start(t tones.Tone, loop bool) {
	m := o.m
	m.mu.Lock()
	defer m.mu.Unlock()
	if loop {
		if !slices.Contains(m.state.Tones, t) {
			m.state.Tones = append(m.state.Tones, t)
		}
	} else {
		m.cueSeq++
		m.state.Cue = &Cue{Tone: t, Seq: m.cueSeq}
	}
	m.publishLocked()
}

func (o toneOutput) Stop(t tones.Tone) {
	m := o.m
	m.mu.Lock()
	defer m.mu.Unlock()
	i := slices.Index(m.state.Tones, t)
	if i < 0 {
		return
	}
	m.state.Tones = slices.Delete(m.state.Tones, i, i+1)
	m.publishLocked()
}

// publishLocked hands the latest state to every watcher without blocking.
func (m *Manager) publishLocked() {
	if len(m.watchers) == 0 {
		return
	}
	snap := m.state.clone()
	for _, ch := range m.watchers {
		select {
		case ch <- snap:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snap:
		default:
		}
	}
}

// UserMessage turns an action error into text fit for the call UI.
func UserMessage(err error, fallback string) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, callstate.ErrSelfCall):
		return "You cannot call yourself"
	case errors.Is(err, callstate.ErrCallInProgress):
		return "You are already in a call"
	case errors.Is(err, callstate.ErrReceiverBusy):
		return "User is busy on another call"
	case errors.Is(err, callstate.ErrMicrophoneDenied):
		return "Microphone permission is required for calls"
	case errors.Is(err, callstate.ErrInvalidArgument):
		return "Invalid call request"
	default:
		return fallback
	}
}
