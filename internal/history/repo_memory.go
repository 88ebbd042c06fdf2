package history

import (
	"context"
	"sort"
	"sync"

	"lobbyx/internal/calls"

	"github.com/google/uuid"
)

// MemoryRepo keeps call records in process memory.
// Used by tests and by the memory history backend.
type MemoryRepo struct {
	mu      sync.Mutex
	records []calls.Record
	handles map[string]string
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{handles: make(map[string]string)}
}

func (r *MemoryRepo) Create(ctx context.Context, rec calls.Record) (string, error) {
	if rec.ID == "" {
		return "", ErrInvalidRequest
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.handles[rec.ID]; ok {
		return h, nil
	}
	h := uuid.NewString()
	r.handles[rec.ID] = h
	r.records = append(r.records, rec)
	return h, nil
}

func (r *MemoryRepo) UpdateStatus(ctx context.Context, callID string, ch StatusChange) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.records {
		if r.records[i].ID != callID {
			continue
		}
		rec := &r.records[i]
		if !calls.CanTransition(rec.Status, ch.Status) {
			return ErrStaleStatus
		}
		rec.Status = ch.Status
		if ch.AnsweredAt != nil {
			rec.AnsweredAt = ch.AnsweredAt
		}
		if ch.EndedAt != nil {
			rec.EndedAt = ch.EndedAt
		}
		if ch.Duration != nil {
			rec.Duration = ch.Duration
		}
		return nil
	}
	return ErrNotFound
}

func (r *MemoryRepo) ListForUser(ctx context.Context, userID string, opts ListOptions) ([]calls.Record, error) {
	if userID == "" {
		return nil, ErrInvalidRequest
	}
	r.mu.Lock()
	out := make([]calls.Record, 0)
	for _, rec := range r.records {
		if !rec.Participant(userID) {
			continue
		}
		if rec.StartedAt.Before(opts.From) || !rec.StartedAt.Before(opts.To) {
			continue
		}
		out = append(out, rec)
	}
	r.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

// Records returns a copy of every stored record in insertion order.
func (r *MemoryRepo) Records() []calls.Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]calls.Record, len(r.records))
	copy(out, r.records)
	return out
}
