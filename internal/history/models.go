package history

import (
	"time"

	"lobbyx/internal/calls"
)

// StatusChange is the subset of a call record updated after creation.
type StatusChange struct {
	Status     calls.Status
	AnsweredAt *time.Time
	EndedAt    *time.Time
	Duration   *int
}

// ListOptions filters a user's call history by start time.
// The range is half-open: From <= started_at < To.
type ListOptions struct {
	From  time.Time
	To    time.Time
	Limit int
}

type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// Summary aggregates one user's calls over a time range.
type Summary struct {
	UserID string `json:"user_id"`

	TotalCalls    int `json:"total_calls"`
	OutgoingCalls int `json:"outgoing_calls"`
	IncomingCalls int `json:"incoming_calls"`

	AnsweredCalls int `json:"answered_calls"`
	RejectedCalls int `json:"rejected_calls"`
	MissedCalls   int `json:"missed_calls"`
	OpenCalls     int `json:"open_calls"`

	VideoCalls int `json:"video_calls"`

	TotalDurationSeconds   int `json:"total_duration_seconds"`
	AverageDurationSeconds int `json:"average_duration_seconds"`
}
