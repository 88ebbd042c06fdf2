package history

import (
	"context"
	"errors"

	"lobbyx/internal/calls"
)

var (
	ErrNotFound       = errors.New("history: call not found")
	ErrInvalidRequest = errors.New("history: invalid request")
	// ErrStaleStatus rejects a change that would move a record backwards or
	// out of a terminal status.
	ErrStaleStatus = errors.New("history: stale status change")
)

// Repository is the persistence contract for call records.
//
// Records are created once per call and only their status fields change
// afterwards, forward only (see calls.CanTransition). Nothing is ever deleted.
type Repository interface {
	// Create stores rec and returns an opaque handle for it.
	Create(ctx context.Context, rec calls.Record) (string, error)
	UpdateStatus(ctx context.Context, callID string, ch StatusChange) error
	// ListForUser returns calls where userID is caller or receiver, newest first.
	ListForUser(ctx context.Context, userID string, opts ListOptions) ([]calls.Record, error)
}
