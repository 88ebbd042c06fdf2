package calls

import (
	"fmt"
	"time"
)

// Record is the durable snapshot of one call attempt between two users.
//
// Identity fields are denormalized at call time and never live-updated.
// Status only moves forward along the lifecycle (see CanTransition).
type Record struct {
	ID             string `json:"id" db:"id"`
	CallerID       string `json:"callerId" db:"caller_id"`
	CallerName     string `json:"callerName" db:"caller_name"`
	CallerAvatar   string `json:"callerAvatar,omitempty" db:"caller_avatar"`
	ReceiverID     string `json:"receiverId" db:"receiver_id"`
	ReceiverName   string `json:"receiverName" db:"receiver_name"`
	ReceiverAvatar string `json:"receiverAvatar,omitempty" db:"receiver_avatar"`
	ConversationID string `json:"conversationId" db:"conversation_id"`

	Status Status `json:"status" db:"status"`
	Type   Type   `json:"type" db:"type"`

	StartedAt  time.Time  `json:"startedAt" db:"started_at"`
	AnsweredAt *time.Time `json:"answeredAt,omitempty" db:"answered_at"`
	EndedAt    *time.Time `json:"endedAt,omitempty" db:"ended_at"`

	// Duration is whole seconds between StartedAt and EndedAt.
	Duration *int `json:"duration,omitempty" db:"duration"`
}

type Status string

const (
	StatusInitiating Status = "initiating"
	StatusRinging    Status = "ringing"
	StatusAnswered   Status = "answered"
	StatusRejected   Status = "rejected"
	StatusEnded      Status = "ended"
	StatusMissed     Status = "missed"
)

type Type string

const (
	TypeVoice Type = "voice"
	TypeVideo Type = "video"
)

func (t Type) Valid() bool {
	return t == TypeVoice || t == TypeVideo
}

// StatusUpdate is the envelope pushed to calls/status/<userId> on every transition.
type StatusUpdate struct {
	CallID     string     `json:"callId"`
	Status     Status     `json:"status"`
	AnsweredAt *time.Time `json:"answeredAt,omitempty"`
	EndedAt    *time.Time `json:"endedAt,omitempty"`
	Duration   *int       `json:"duration,omitempty"`
}

// Outgoing is held at calls/outgoing/<callerId> while the caller awaits an answer.
type Outgoing struct {
	CallID    string    `json:"callId"`
	Status    Status    `json:"status"`
	StartedAt time.Time `json:"startedAt"`
}

// NewID builds the client-side call identifier.
func NewID(now time.Time, callerID, receiverID string) string {
	return fmt.Sprintf("call_%d_%s_%s", now.UnixMilli(), callerID, receiverID)
}

// Duration returns the whole seconds elapsed between startedAt and endedAt.
// Clock skew that would produce a negative value is clamped to zero.
func Duration(startedAt, endedAt time.Time) int {
	d := endedAt.Sub(startedAt)
	if d < 0 {
		return 0
	}
	return int(d / time.Second)
}

// Terminal reports whether the status ends the call.
func (s Status) Terminal() bool {
	switch s {
	case StatusRejected, StatusEnded, StatusMissed:
		return true
	default:
		return false
	}
}

func (s Status) Valid() bool {
	return s.rank() >= 0
}

func (s Status) rank() int {
	switch s {
	case StatusInitiating:
		return 0
	case StatusRinging:
		return 1
	case StatusAnswered:
		return 2
	case StatusRejected, StatusEnded, StatusMissed:
		return 3
	default:
		return -1
	}
}

// CanTransition reports whether a call in status from may move to status to.
// Transitions are strictly forward; terminal states never change.
func CanTransition(from, to Status) bool {
	if !from.Valid() || !to.Valid() || from.Terminal() {
		return false
	}
	return to.rank() > from.rank()
}

// Participant reports whether userID is the caller or receiver of r.
func (r Record) Participant(userID string) bool {
	return userID != "" && (r.CallerID == userID || r.ReceiverID == userID)
}

// Peer returns the other participant's ID from userID's point of view.
func (r Record) Peer(userID string) string {
	if r.CallerID == userID {
		return r.ReceiverID
	}
	return r.CallerID
}

// Finish stamps termination fields on a copy of r.
func (r Record) Finish(status Status, endedAt time.Time) Record {
	out := r
	out.Status = status
	ended := endedAt
	out.EndedAt = &ended
	d := Duration(r.StartedAt, endedAt)
	out.Duration = &d
	return out
}
