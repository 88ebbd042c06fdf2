// Package signaling is the real-time key-value channel two call participants
// use to exchange call-state records. Values are JSON documents stored at
// slash-separated paths; subscribers are pushed every change to a path.
package signaling

import (
	"context"
	"encoding/json"
	"errors"
)

// Channel is the only surface the call state machine needs from the
// real-time store.
//
// No ordering is guaranteed between writes to different paths.
type Channel interface {
	Write(ctx context.Context, path string, value any) error
	Remove(ctx context.Context, path string) error
	Read(ctx context.Context, path string) (Snapshot, error)

	// Subscribe delivers the current value of path (if any) and then every
	// subsequent change until the returned unsubscribe func is called.
	// A removal is delivered as a Snapshot without data.
	Subscribe(ctx context.Context, path string, onValue ValueFunc, onError ErrorFunc) (unsubscribe func(), err error)
}

type ValueFunc func(Snapshot)

type ErrorFunc func(error)

// Snapshot is the value held at a path at one point in time.
type Snapshot struct {
	Path string
	Data json.RawMessage
}

var ErrNoValue = errors.New("signaling: no value at path")

func (s Snapshot) Exists() bool { return len(s.Data) > 0 }

func (s Snapshot) Decode(v any) error {
	if !s.Exists() {
		return ErrNoValue
	}
	return json.Unmarshal(s.Data, v)
}

const (
	incomingPrefix = "calls/incoming/"
	outgoingPrefix = "calls/outgoing/"
	statusPrefix   = "calls/status/"
)

// IncomingPath holds the outstanding call offer for a receiver.
func IncomingPath(userID string) string { return incomingPrefix + userID }

// OutgoingPath holds the caller's pending call while it awaits an answer.
func OutgoingPath(userID string) string { return outgoingPrefix + userID }

// StatusPath receives status-update envelopes for a participant.
func StatusPath(userID string) string { return statusPrefix + userID }
