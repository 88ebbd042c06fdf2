package history

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"lobbyx/internal/calls"
)

const (
	defaultWriteTimeout = 3 * time.Second
	defaultListLimit    = 50
	maxListLimit        = 500
)

// Service records call history.
//
// Writes are best-effort: failures are logged and swallowed so the call
// state machine never blocks or fails on the history store. Reads return
// errors normally.
type Service struct {
	repo         Repository
	log          *slog.Logger
	writeTimeout time.Duration
	clock        func() time.Time
}

func NewService(repo Repository, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		repo:         repo,
		log:          log.With("component", "history"),
		writeTimeout: defaultWriteTimeout,
		clock:        time.Now,
	}
}

// Record stores a new call and returns its handle, or "" if the write failed.
func (s *Service) Record(ctx context.Context, rec calls.Record) string {
	if s.repo == nil {
		return ""
	}
	ctx, cancel := s.writeCtx(ctx)
	defer cancel()

	h, err := s.repo.Create(ctx, rec)
	if err != nil {
		s.log.Warn("call record create failed", "call_id", rec.ID, "err", err)
		return ""
	}
	return h
}

// MarkAnswered stamps the answer time on a stored call.
func (s *Service) MarkAnswered(ctx context.Context, callID string, at time.Time) {
	s.update(ctx, callID, StatusChange{Status: calls.StatusAnswered, AnsweredAt: &at})
}

// Finish persists the terminal fields of rec.
func (s *Service) Finish(ctx context.Context, rec calls.Record) {
	s.update(ctx, rec.ID, StatusChange{
		Status:     rec.Status,
		AnsweredAt: rec.AnsweredAt,
		EndedAt:    rec.EndedAt,
		Duration:   rec.Duration,
	})
}

func (s *Service) update(ctx context.Context, callID string, ch StatusChange) {
	if s.repo == nil {
		return
	}
	ctx, cancel := s.writeCtx(ctx)
	defer cancel()

	if err := s.repo.UpdateStatus(ctx, callID, ch); err != nil {
		if IsNotFound(err) {
			s.log.Debug("call record missing on update", "call_id", callID, "status", ch.Status)
			return
		}
		if errors.Is(err, ErrStaleStatus) {
			s.log.Debug("call record already past status", "call_id", callID, "status", ch.Status)
			return
		}
		s.log.Warn("call record update failed", "call_id", callID, "status", ch.Status, "err", err)
	}
}

// writeCtx detaches from the caller's cancellation; a call that was hung up
// still gets its history written.
func (s *Service) writeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), s.writeTimeout)
}

// History lists a user's calls, newest first.
func (s *Service) History(ctx context.Context, userID string, opts ListOptions) ([]calls.Record, error) {
	if userID == "" {
		return nil, ErrInvalidRequest
	}
	if s.repo == nil {
		return nil, errors.New("history: repository not configured")
	}
	if opts.To.IsZero() {
		opts.To = s.clock().UTC().Add(time.Minute)
	}
	if !opts.To.After(opts.From) {
		return nil, ErrInvalidRequest
	}
	switch {
	case opts.Limit <= 0:
		opts.Limit = defaultListLimit
	case opts.Limit > maxListLimit:
		opts.Limit = maxListLimit
	}
	return s.repo.ListForUser(ctx, userID, opts)
}

// Summary aggregates a user's calls started within rng.
func (s *Service) Summary(ctx context.Context, userID string, rng TimeRange) (Summary, error) {
	if userID == "" {
		return Summary{}, ErrInvalidRequest
	}
	if rng.From.IsZero() || rng.To.IsZero() || !rng.To.After(rng.From) {
		return Summary{}, ErrInvalidRequest
	}
	if s.repo == nil {
		return Summary{}, errors.New("history: repository not configured")
	}

	rows, err := s.repo.ListForUser(ctx, userID, ListOptions{From: rng.From, To: rng.To})
	if err != nil {
		return Summary{}, err
	}

	out := Summary{UserID: userID}
	var connected int
	for _, r := range rows {
		out.TotalCalls++
		if r.CallerID == userID {
			out.OutgoingCalls++
		} else {
			out.IncomingCalls++
		}
		if r.Type == calls.TypeVideo {
			out.VideoCalls++
		}
		if r.AnsweredAt != nil {
			out.AnsweredCalls++
		}
		switch r.Status {
		case calls.StatusRejected:
			out.RejectedCalls++
		case calls.StatusMissed:
			out.MissedCalls++
		case calls.StatusInitiating, calls.StatusRinging, calls.StatusAnswered:
			out.OpenCalls++
		case calls.StatusEnded:
			// counted through AnsweredCalls / duration
		}
		if r.AnsweredAt != nil && r.Duration != nil {
			connected++
			out.TotalDurationSeconds += *r.Duration
		}
	}
	if connected > 0 {
		out.AverageDurationSeconds = out.TotalDurationSeconds / connected
	}
	return out, nil
}
