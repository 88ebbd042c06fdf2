// Package callstate drives one user's side of a two-party call over a
// signaling.Channel. A Machine owns at most one current call and reacts to
// the local user's actions and to records pushed by the other participant.
package callstate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"lobbyx/internal/calls"
	"lobbyx/internal/signaling"
	"lobbyx/internal/tones"
)

const (
	DefaultRingTimeout = 30 * time.Second

	cleanupTimeout = 5 * time.Second
)

// Identity is the local user as shown to the other participant.
type Identity struct {
	UserID string
	Name   string
	Avatar string
}

type Role string

const (
	RoleCaller   Role = "caller"
	RoleReceiver Role = "receiver"
)

// CallRequest describes an outgoing call.
type CallRequest struct {
	ReceiverID     string
	ReceiverName   string
	ReceiverAvatar string
	ConversationID string
	Type           calls.Type
}

// SessionStore persists call records. Implementations are best effort:
// failures must not surface to the state machine.
type SessionStore interface {
	Record(ctx context.Context, rec calls.Record) string
	MarkAnswered(ctx context.Context, callID string, at time.Time)
	Finish(ctx context.Context, rec calls.Record)
}

// Feedback plays call cues. It is called with the machine lock held and
// must not call back into the Machine.
type Feedback interface {
	Loop(t tones.Tone)
	Once(t tones.Tone)
	Stop(t tones.Tone)
	StopAll()
}

// PermissionChecker reports whether the local user may capture audio.
type PermissionChecker interface {
	MicrophoneGranted(ctx context.Context) bool
}

// PermissionFunc adapts a function to PermissionChecker.
type PermissionFunc func(ctx context.Context) bool

func (f PermissionFunc) MicrophoneGranted(ctx context.Context) bool { return f(ctx) }

type Config struct {
	Self    Identity
	Channel signaling.Channel

	// Optional collaborators. Nil values are replaced by no-ops, and a nil
	// Permissions grants the microphone.
	Store       SessionStore
	Audio       Feedback
	Permissions PermissionChecker

	// RingTimeout bounds how long a call may ring before it is marked missed.
	RingTimeout time.Duration

	Logger *slog.Logger
	Clock  func() time.Time
}

// Active is the current call as seen by the local user.
type Active struct {
	Call calls.Record
	Role Role
}

type Machine struct {
	self        Identity
	ch          signaling.Channel
	store       SessionStore
	audio       Feedback
	perms       PermissionChecker
	ringTimeout time.Duration
	log         *slog.Logger
	now         func() time.Time

	mu      sync.Mutex
	current *activeCall

	// listenMu serializes StartListening and StopListening.
	listenMu sync.Mutex
	unsubs   []func()

	listenersMu  sync.RWMutex
	listeners    []listenerEntry
	nextListener int
}

type activeCall struct {
	rec   calls.Record
	role  Role
	timer *time.Timer
}

func New(cfg Config) (*Machine, error) {
	if cfg.Channel == nil {
		return nil, fmt.Errorf("%w: signaling channel is required", ErrInvalidArgument)
	}
	if cfg.Self.UserID == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrInvalidArgument)
	}
	if cfg.RingTimeout <= 0 {
		cfg.RingTimeout = DefaultRingTimeout
	}
	if cfg.Store == nil {
		cfg.Store = nopStore{}
	}
	if cfg.Audio == nil {
		cfg.Audio = tones.NewPlayer(nil)
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	l := cfg.Logger
	if l == nil {
		l = slog.Default()
	}

	return &Machine{
		self:        cfg.Self,
		ch:          cfg.Channel,
		store:       cfg.Store,
		audio:       cfg.Audio,
		perms:       cfg.Permissions,
		ringTimeout: cfg.RingTimeout,
		log:         l.With("component", "callstate", "user_id", cfg.Self.UserID),
		now:         func() time.Time { return cfg.Clock().UTC() },
	}, nil
}

func (m *Machine) Self() Identity { return m.self }

// Current returns a copy of the current call, if any.
func (m *Machine) Current() (Active, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return Active{}, false
	}
	return Active{Call: m.current.rec, Role: m.current.role}, true
}

// StartListening subscribes to the local user's incoming and status paths.
// Calling it again replaces the previous subscriptions.
func (m *Machine) StartListening(ctx context.Context) error {
	m.listenMu.Lock()
	defer m.listenMu.Unlock()

	m.stopListeningLocked()

	unsubIncoming, err := m.ch.Subscribe(ctx, signaling.IncomingPath(m.self.UserID), m.onIncoming, m.onChannelError)
	if err != nil {
		return fmt.Errorf("listen incoming: %w", err)
	}
	unsubStatus, err := m.ch.Subscribe(ctx, signaling.StatusPath(m.self.UserID), m.onStatus, m.onChannelError)
	if err != nil {
		unsubIncoming()
		return fmt.Errorf("listen status: %w", err)
	}
	m.unsubs = []func(){unsubIncoming, unsubStatus}
	return nil
}

// StopListening detaches both subscriptions. It is safe to call repeatedly.
func (m *Machine) StopListening() {
	m.listenMu.Lock()
	defer m.listenMu.Unlock()
	m.stopListeningLocked()
}

func (m *Machine) stopListeningLocked() {
	for _, u := range m.unsubs {
		u()
	}
	m.unsubs = nil
}

// InitiateCall offers a call to req.ReceiverID and starts the ring timer.
func (m *Machine) InitiateCall(ctx context.Context, req CallRequest) (calls.Record, error) {
	if err := m.validate(req); err != nil {
		return calls.Record{}, err
	}
	if _, busy := m.Current(); busy {
		return calls.Record{}, ErrCallInProgress
	}
	if m.perms != nil && !m.perms.MicrophoneGranted(ctx) {
		return calls.Record{}, ErrMicrophoneDenied
	}

	if err := m.checkReceiverFree(ctx, req.ReceiverID); err != nil {
		return calls.Record{}, err
	}

	now := m.now()
	rec := calls.Record{
		ID:             calls.NewID(now, m.self.UserID, req.ReceiverID),
		CallerID:       m.self.UserID,
		CallerName:     m.self.Name,
		CallerAvatar:   m.self.Avatar,
		ReceiverID:     req.ReceiverID,
		ReceiverName:   req.ReceiverName,
		ReceiverAvatar: req.ReceiverAvatar,
		ConversationID: req.ConversationID,
		Status:         calls.StatusInitiating,
		Type:           req.Type,
		StartedAt:      now,
	}

	m.mu.Lock()
	if m.current != nil {
		m.mu.Unlock()
		return calls.Record{}, ErrCallInProgress
	}
	m.current = &activeCall{rec: rec, role: RoleCaller}
	m.mu.Unlock()

	m.store.Record(ctx, rec)

	ringing := rec
	ringing.Status = calls.StatusRinging

	// The outgoing record goes first so a receiver that declines immediately
	// finds both paths in place to clean up.
	out := calls.Outgoing{CallID: rec.ID, Status: calls.StatusRinging, StartedAt: rec.StartedAt}
	if err := m.ch.Write(ctx, signaling.OutgoingPath(m.self.UserID), out); err != nil {
		m.abortInitiate(ctx, rec)
		return calls.Record{}, fmt.Errorf("write outgoing call: %w", err)
	}
	if err := m.ch.Write(ctx, signaling.IncomingPath(req.ReceiverID), ringing); err != nil {
		m.abortInitiate(ctx, rec)
		return calls.Record{}, fmt.Errorf("write incoming call: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	cur := m.current
	if cur == nil || cur.rec.ID != rec.ID {
		// Declined before the offer finished going out.
		return ringing, nil
	}
	if cur.rec.Status == calls.StatusInitiating {
		cur.rec.Status = calls.StatusRinging
		cur.timer = time.AfterFunc(m.ringTimeout, func() { m.onRingTimeout(rec.ID) })
		m.audio.Loop(tones.Outgoing)
	}
	return cur.rec, nil
}

func (m *Machine) validate(req CallRequest) error {
	switch {
	case req.ReceiverID == "":
		return fmt.Errorf("%w: receiver id is required", ErrInvalidArgument)
	case req.ReceiverID == m.self.UserID:
		return ErrSelfCall
	case req.ConversationID == "":
		return fmt.Errorf("%w: conversation id is required", ErrInvalidArgument)
	case !req.Type.Valid():
		return fmt.Errorf("%w: unknown call type %q", ErrInvalidArgument, req.Type)
	}
	return nil
}

// checkReceiverFree fails when the receiver already holds a live offer.
// Offers older than the ring timeout are leftovers and are cleared.
func (m *Machine) checkReceiverFree(ctx context.Context, receiverID string) error {
	path := signaling.IncomingPath(receiverID)
	snap, err := m.ch.Read(ctx, path)
	if err != nil {
		return fmt.Errorf("read receiver state: %w", err)
	}
	if !snap.Exists() {
		return nil
	}
	var other calls.Record
	if err := snap.Decode(&other); err != nil {
		m.log.Warn("ignoring undecodable incoming record", "path", path, "err", err)
		return nil
	}
	if m.stale(other) {
		if err := m.ch.Remove(ctx, path); err != nil {
			m.log.Warn("stale incoming record cleanup failed", "path", path, "call_id", other.ID, "err", err)
		}
		return nil
	}
	if other.Status == calls.StatusRinging {
		return ErrReceiverBusy
	}
	return nil
}

func (m *Machine) stale(rec calls.Record) bool {
	return m.now().Sub(rec.StartedAt) > m.ringTimeout
}

func (m *Machine) abortInitiate(ctx context.Context, rec calls.Record) {
	m.removePaths(ctx, rec)

	m.mu.Lock()
	if m.current != nil && m.current.rec.ID == rec.ID {
		m.clearLocked()
	}
	m.mu.Unlock()

	m.store.Finish(ctx, rec.Finish(calls.StatusEnded, m.now()))
}

// AnswerCall accepts the current ringing call. Unknown, stale or already
// answered call IDs are ignored.
func (m *Machine) AnswerCall(ctx context.Context, callID string) error {
	active, ok := m.Current()
	if !ok || active.Call.ID != callID || active.Call.Status != calls.StatusRinging {
		m.log.Debug("answer ignored", "call_id", callID)
		return nil
	}
	if m.perms != nil && !m.perms.MicrophoneGranted(ctx) {
		return ErrMicrophoneDenied
	}
	rec := active.Call

	if err := m.ch.Remove(ctx, signaling.IncomingPath(rec.ReceiverID)); err != nil {
		return fmt.Errorf("remove incoming call: %w", err)
	}

	at := m.now()
	upd := calls.StatusUpdate{CallID: rec.ID, Status: calls.StatusAnswered, AnsweredAt: &at}
	if err := m.broadcast(ctx, rec, upd); err != nil {
		return fmt.Errorf("answer call: %w", err)
	}

	// The caller may hang up while the broadcast is in flight. Only a call
	// that is still current and answered is recorded as answered.
	m.apply(upd)
	if !m.answered(rec.ID) {
		m.log.Info("call ended while answering", "call_id", rec.ID)
		return nil
	}
	m.store.MarkAnswered(ctx, rec.ID, at)

	out := calls.Outgoing{CallID: rec.ID, Status: calls.StatusAnswered, StartedAt: rec.StartedAt}
	if err := m.ch.Write(ctx, signaling.OutgoingPath(rec.CallerID), out); err != nil {
		m.log.Warn("outgoing record update failed", "call_id", rec.ID, "err", err)
		return nil
	}
	if !m.answered(rec.ID) {
		m.removeOutgoing(ctx, rec)
	}
	return nil
}

// answered reports whether callID is the current call and has been answered.
func (m *Machine) answered(callID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current != nil && m.current.rec.ID == callID && m.current.rec.Status == calls.StatusAnswered
}

// removeOutgoing deletes the caller's outgoing record if it still belongs to
// rec. A record for a newer call is left alone.
func (m *Machine) removeOutgoing(ctx context.Context, rec calls.Record) {
	path := signaling.OutgoingPath(rec.CallerID)
	snap, err := m.ch.Read(ctx, path)
	if err != nil {
		m.log.Warn("outgoing record read failed", "call_id", rec.ID, "err", err)
		return
	}
	if !snap.Exists() {
		return
	}
	var out calls.Outgoing
	if err := snap.Decode(&out); err != nil || out.CallID != rec.ID {
		return
	}
	if err := m.ch.Remove(ctx, path); err != nil {
		m.log.Warn("outgoing record cleanup failed", "call_id", rec.ID, "err", err)
	}
}

// RejectCall declines the current ringing call.
func (m *Machine) RejectCall(ctx context.Context, callID string) error {
	active, ok := m.Current()
	if !ok || active.Call.ID != callID || active.Call.Status != calls.StatusRinging {
		m.log.Debug("reject ignored", "call_id", callID)
		return nil
	}
	return m.terminate(ctx, active.Call, calls.StatusRejected)
}

// EndCall hangs up the current call with reason StatusEnded or StatusMissed.
// An empty callID targets whatever call is current. With no current call it
// only silences any playing cue.
func (m *Machine) EndCall(ctx context.Context, callID string, reason calls.Status) error {
	if reason != calls.StatusEnded && reason != calls.StatusMissed {
		return fmt.Errorf("%w: end reason %q", ErrInvalidArgument, reason)
	}

	m.mu.Lock()
	cur := m.current
	if cur == nil {
		m.audio.StopAll()
		m.mu.Unlock()
		return nil
	}
	if callID != "" && cur.rec.ID != callID {
		m.mu.Unlock()
		m.log.Debug("end ignored for stale call", "call_id", callID, "current", cur.rec.ID)
		return nil
	}
	if reason == calls.StatusMissed && cur.rec.Status == calls.StatusAnswered {
		m.mu.Unlock()
		return nil
	}
	rec := cur.rec
	m.mu.Unlock()

	return m.terminate(ctx, rec, reason)
}

// terminate broadcasts a terminal status to both participants, removes the
// call's signaling paths and clears local state. Local state is cleared
// even when the broadcast fails; the joined write errors are returned.
func (m *Machine) terminate(ctx context.Context, rec calls.Record, status calls.Status) error {
	final := rec.Finish(status, m.now())
	upd := calls.StatusUpdate{
		CallID:     rec.ID,
		Status:     status,
		AnsweredAt: rec.AnsweredAt,
		EndedAt:    final.EndedAt,
		Duration:   final.Duration,
	}

	err := m.broadcast(ctx, rec, upd)
	m.removePaths(ctx, rec)
	m.apply(upd)
	m.store.Finish(ctx, final)

	if err != nil {
		return fmt.Errorf("%s call: %w", status, err)
	}
	return nil
}

// broadcast writes upd to both participants' status paths. Both writes are
// attempted even if the first fails.
func (m *Machine) broadcast(ctx context.Context, rec calls.Record, upd calls.StatusUpdate) error {
	var errs []error
	for _, uid := range []string{rec.CallerID, rec.ReceiverID} {
		if err := m.ch.Write(ctx, signaling.StatusPath(uid), upd); err != nil {
			m.log.Error("status broadcast failed", "call_id", rec.ID, "status", upd.Status, "to", uid, "err", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Machine) removePaths(ctx context.Context, rec calls.Record) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	for _, p := range []string{signaling.IncomingPath(rec.ReceiverID), signaling.OutgoingPath(rec.CallerID)} {
		if err := m.ch.Remove(cctx, p); err != nil {
			m.log.Warn("signaling cleanup failed", "call_id", rec.ID, "path", p, "err", err)
		}
	}
}

// apply moves the current call along upd if it is the same call and the
// transition is forward. Duplicate and out-of-order updates are dropped.
// It reports the resulting call and whether a transition happened.
func (m *Machine) apply(upd calls.StatusUpdate) (Active, bool) {
	m.mu.Lock()
	cur := m.current
	if cur == nil || cur.rec.ID != upd.CallID || !calls.CanTransition(cur.rec.Status, upd.Status) {
		m.mu.Unlock()
		return Active{}, false
	}

	rec := cur.rec
	rec.Status = upd.Status
	role := cur.role

	switch {
	case upd.Status == calls.StatusAnswered:
		at := m.now()
		if upd.AnsweredAt != nil {
			at = *upd.AnsweredAt
		}
		rec.AnsweredAt = &at
		cur.rec = rec
		stopTimer(cur)
		m.audio.StopAll()
		m.audio.Once(tones.Connected)

	case upd.Status.Terminal():
		ended := m.now()
		if upd.EndedAt != nil {
			ended = *upd.EndedAt
		}
		rec = rec.Finish(upd.Status, ended)
		if upd.Duration != nil {
			d := *upd.Duration
			rec.Duration = &d
		}
		m.clearLocked()
		m.audio.Once(tones.Ended)

	default:
		cur.rec = rec
	}
	m.mu.Unlock()

	if typ, ok := eventForStatus(upd.Status); ok {
		m.emit(Event{Type: typ, Call: rec, Role: role})
	}
	return Active{Call: rec, Role: role}, true
}

// clearLocked drops the current call. m.mu must be held.
func (m *Machine) clearLocked() {
	if m.current != nil {
		stopTimer(m.current)
	}
	m.current = nil
	m.audio.StopAll()
}

func stopTimer(c *activeCall) {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

// onRingTimeout fires once per outgoing call. The call is re-checked because
// it may have been answered or replaced since the timer was armed.
func (m *Machine) onRingTimeout(callID string) {
	m.mu.Lock()
	cur := m.current
	ringing := cur != nil && cur.rec.ID == callID &&
		(cur.rec.Status == calls.StatusInitiating || cur.rec.Status == calls.StatusRinging)
	m.mu.Unlock()
	if !ringing {
		return
	}

	m.log.Info("call not answered in time", "call_id", callID, "timeout", m.ringTimeout)
	if err := m.EndCall(context.Background(), callID, calls.StatusMissed); err != nil {
		m.log.Error("mark call missed failed", "call_id", callID, "err", err)
		m.emit(Event{Type: EventError, Message: "Failed to end the unanswered call"})
	}
}

func (m *Machine) onIncoming(snap signaling.Snapshot) {
	if !snap.Exists() {
		return
	}
	var rec calls.Record
	if err := snap.Decode(&rec); err != nil {
		m.log.Warn("ignoring undecodable incoming record", "err", err)
		return
	}
	if rec.ReceiverID != m.self.UserID || rec.Status != calls.StatusRinging {
		return
	}
	if m.stale(rec) {
		m.log.Info("dropping stale incoming call", "call_id", rec.ID, "started_at", rec.StartedAt)
		ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
		defer cancel()
		if err := m.ch.Remove(ctx, snap.Path); err != nil {
			m.log.Warn("stale incoming record cleanup failed", "call_id", rec.ID, "err", err)
		}
		return
	}

	m.mu.Lock()
	if m.current != nil {
		same := m.current.rec.ID == rec.ID
		m.mu.Unlock()
		if !same {
			m.declineBusy(rec)
		}
		return
	}
	m.current = &activeCall{rec: rec, role: RoleReceiver}
	m.audio.Loop(tones.Incoming)
	m.mu.Unlock()

	m.log.Info("incoming call", "call_id", rec.ID, "caller_id", rec.CallerID, "type", rec.Type)
	m.emit(Event{Type: EventIncomingCall, Call: rec, Role: RoleReceiver})
}

// declineBusy rejects an offer that arrived while another call is current.
func (m *Machine) declineBusy(rec calls.Record) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()

	m.log.Info("declining call while busy", "call_id", rec.ID, "caller_id", rec.CallerID)
	final := rec.Finish(calls.StatusRejected, m.now())
	upd := calls.StatusUpdate{CallID: rec.ID, Status: calls.StatusRejected, EndedAt: final.EndedAt, Duration: final.Duration}
	if err := m.broadcast(ctx, rec, upd); err != nil {
		m.log.Warn("busy decline failed", "call_id", rec.ID, "err", err)
	}
	m.removePaths(ctx, rec)
	m.store.Finish(ctx, final)
}

func (m *Machine) onStatus(snap signaling.Snapshot) {
	if !snap.Exists() {
		return
	}
	var upd calls.StatusUpdate
	if err := snap.Decode(&upd); err != nil {
		m.log.Warn("ignoring undecodable status update", "err", err)
		return
	}
	active, ok := m.apply(upd)
	if !ok || !active.Call.Status.Terminal() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if active.Role == RoleReceiver {
		// An answer racing the hang-up may have rewritten the caller's record.
		m.removeOutgoing(ctx, active.Call)
		return
	}
	if err := m.ch.Remove(ctx, signaling.OutgoingPath(m.self.UserID)); err != nil {
		m.log.Warn("outgoing record cleanup failed", "call_id", active.Call.ID, "err", err)
	}
}

func (m *Machine) onChannelError(err error) {
	m.log.Warn("signaling subscription error", "err", err)
	m.emit(Event{Type: EventError, Message: "Connection problem, retrying"})
}

// Close hangs up any current call and detaches from the channel.
func (m *Machine) Close(ctx context.Context) error {
	err := m.EndCall(ctx, "", calls.StatusEnded)
	m.StopListening()
	return err
}

type nopStore struct{}

func (nopStore) Record(context.Context, calls.Record) string     { return "" }
func (nopStore) MarkAnswered(context.Context, string, time.Time) {}
func (nopStore) Finish(context.Context, calls.Record)            {}
