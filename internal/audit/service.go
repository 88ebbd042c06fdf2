package audit

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Repository is the persistence contract for audit events.
//
// It MUST be append-only.
// No Update/Delete methods are provided by design.
type Repository interface {
	Append(ctx context.Context, e Event) error
}

// Service logs internal audit information.
//
// IMPORTANT:
// - Audit is internal-only. Do not expose these records to regular users.
// - Callers should treat audit logging as best-effort.
type Service struct {
	repo  Repository
	log   *slog.Logger
	clock func() time.Time
}

func NewService(repo Repository, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{repo: repo, log: log.With("component", "audit"), clock: time.Now}
}

var ErrInvalidEvent = errors.New("audit: invalid event")

func (s *Service) Append(ctx context.Context, e Event) error {
	if s.repo == nil {
		return errors.New("audit: repository not configured")
	}
	if e.Type == "" || e.ActorUserID == "" {
		return ErrInvalidEvent
	}

	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.clock().UTC()
	}
	return s.repo.Append(ctx, e)
}

// Actor is who performed an audited action.
type Actor struct {
	UserID string
	Role   string
	IP     string
}

// LogHistoryViewed records an admin reading another user's call history.
func (s *Service) LogHistoryViewed(ctx context.Context, actor Actor, subjectUserID string) {
	s.bestEffort(ctx, Event{
		Type:          EventTypeHistoryViewed,
		ActorUserID:   actor.UserID,
		ActorRole:     actor.Role,
		IPAddress:     actor.IP,
		SubjectUserID: subjectUserID,
		Message:       "call history viewed",
	})
}

// LogSessionReleased records a user releasing their session. callID is the
// call hung up by the release, if any.
func (s *Service) LogSessionReleased(ctx context.Context, actor Actor, callID string) {
	msg := "session released"
	if callID != "" {
		msg = "session released during call"
	}
	s.bestEffort(ctx, Event{
		Type:          EventTypeSessionReleased,
		ActorUserID:   actor.UserID,
		ActorRole:     actor.Role,
		IPAddress:     actor.IP,
		SubjectUserID: actor.UserID,
		CallID:        callID,
		Message:       msg,
	})
}

func (s *Service) bestEffort(ctx context.Context, e Event) {
	if err := s.Append(context.WithoutCancel(ctx), e); err != nil {
		s.log.Warn("audit append failed", "type", e.Type, "actor_user_id", e.ActorUserID, "err", err)
	}
}
