package audit

import "time"

// Event is an immutable, append-only audit log record.
//
// Invariants:
// - Events are never updated or deleted.
// - actor and ip capture are best-effort; do not block call flows on audit failures.
type Event struct {
	ID   string    `json:"id" db:"id"`
	Type EventType `json:"type" db:"type"`

	// ActorUserID is the authenticated user causing the event.
	ActorUserID string `json:"actor_user_id" db:"actor_user_id"`
	ActorRole   string `json:"actor_role,omitempty" db:"actor_role"`

	// IPAddress is the client IP as resolved by gin.
	IPAddress string `json:"ip_address,omitempty" db:"ip_address"`

	// SubjectUserID is whose data or session was touched.
	SubjectUserID string `json:"subject_user_id,omitempty" db:"subject_user_id"`
	CallID        string `json:"call_id,omitempty" db:"call_id"`

	Message string `json:"message,omitempty" db:"message"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type EventType string

const (
	// EventTypeHistoryViewed is an admin reading another user's calls.
	EventTypeHistoryViewed EventType = "history_viewed"
	// EventTypeSessionReleased is a user dropping their session, hanging up
	// any live call.
	EventTypeSessionReleased EventType = "session_released"
)
