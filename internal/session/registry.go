package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"lobbyx/internal/callstate"
)

// Factory builds an unstarted Manager for one user.
type Factory func(self callstate.Identity) (*Manager, error)

// Registry holds one running Manager per user.
type Registry struct {
	newManager Factory
	log        *slog.Logger
	now        func() time.Time

	mu       sync.Mutex
	managers map[string]*Manager
	closed   bool
}

var ErrRegistryClosed = errors.New("session: registry closed")

func NewRegistry(factory Factory, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		newManager: factory,
		log:        log.With("component", "session.registry"),
		now:        time.Now,
		managers:   make(map[string]*Manager),
	}
}

// Acquire returns the user's Manager, starting one if needed. A Manager
// built for different display data is closed and replaced.
func (r *Registry) Acquire(ctx context.Context, self callstate.Identity) (*Manager, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrRegistryClosed
	}
	existing := r.managers[self.UserID]
	if existing != nil && existing.Identity() == self {
		existing.touch()
		r.mu.Unlock()
		return existing, nil
	}
	if existing != nil {
		delete(r.managers, self.UserID)
	}
	r.mu.Unlock()

	if existing != nil {
		r.log.Info("identity changed, rebuilding session", "user_id", self.UserID)
		if err := existing.Close(ctx); err != nil {
			r.log.Warn("close replaced session failed", "user_id", self.UserID, "err", err)
		}
	}

	m, err := r.newManager(self)
	if err != nil {
		return nil, err
	}
	if err := m.Start(ctx); err != nil {
		_ = m.Close(context.WithoutCancel(ctx))
		return nil, err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		_ = m.Close(context.WithoutCancel(ctx))
		return nil, ErrRegistryClosed
	}
	if other := r.managers[self.UserID]; other != nil && other.Identity() == self {
		// Lost a race with a concurrent Acquire.
		r.mu.Unlock()
		_ = m.Close(context.WithoutCancel(ctx))
		return other, nil
	}
	replaced := r.managers[self.UserID]
	r.managers[self.UserID] = m
	r.mu.Unlock()

	if replaced != nil {
		_ = replaced.Close(context.WithoutCancel(ctx))
	}
	return m, nil
}

// Get returns the user's Manager without creating one.
func (r *Registry) Get(userID string) (*Manager, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.managers[userID]
	return m, ok
}

// Release closes and forgets the user's Manager.
func (r *Registry) Release(ctx context.Context, userID string) error {
	r.mu.Lock()
	m := r.managers[userID]
	delete(r.managers, userID)
	r.mu.Unlock()

	if m == nil {
		return nil
	}
	return m.Close(ctx)
}

// Close releases every Manager and rejects further Acquire calls.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	all := make([]*Manager, 0, len(r.managers))
	for id, m := range r.managers {
		all = append(all, m)
		delete(r.managers, id)
	}
	r.mu.Unlock()

	var errs []error
	for _, m := range all {
		if err := m.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ExpireIdle closes managers that have had no request, stream or call for
// at least maxIdle and returns how many were closed.
func (r *Registry) ExpireIdle(ctx context.Context, maxIdle time.Duration) int {
	now := r.now()
	r.mu.Lock()
	var idle []*Manager
	for id, m := range r.managers {
		if d, ok := m.idleFor(now); ok && d >= maxIdle {
			idle = append(idle, m)
			delete(r.managers, id)
		}
	}
	r.mu.Unlock()

	for _, m := range idle {
		r.log.Info("closing idle session", "user_id", m.Identity().UserID, "max_idle", maxIdle)
		if err := m.Close(ctx); err != nil {
			r.log.Warn("close idle session failed", "user_id", m.Identity().UserID, "err", err)
		}
	}
	return len(idle)
}

// RunExpiry calls ExpireIdle periodically until ctx is done. A non-positive
// maxIdle disables expiry.
func (r *Registry) RunExpiry(ctx context.Context, maxIdle time.Duration) {
	if maxIdle <= 0 {
		return
	}
	every := maxIdle / 4
	if every < time.Second {
		every = time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.ExpireIdle(ctx, maxIdle)
		}
	}
}

// Len reports how many users have a running Manager.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.managers)
}
