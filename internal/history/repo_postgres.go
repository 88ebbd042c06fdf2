package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"lobbyx/internal/calls"
	"lobbyx/pkg/utils"

	"github.com/google/uuid"
)

// PostgresRepo stores call records in Postgres through database/sql.
// The *sql.DB is expected to be opened with the pgx stdlib driver.
//
// Table: call_records, one row per call, keyed by handle with a unique call_id.
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

// Migrate creates the call_records table and its lookup indexes if missing.
func (r *PostgresRepo) Migrate(ctx context.Context) error {
	return utils.WithTx(ctx, r.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		const table = `
CREATE TABLE IF NOT EXISTS call_records (
  handle          UUID PRIMARY KEY,
  call_id         TEXT NOT NULL UNIQUE,
  caller_id       TEXT NOT NULL,
  caller_name     TEXT NOT NULL,
  caller_avatar   TEXT NOT NULL DEFAULT '',
  receiver_id     TEXT NOT NULL,
  receiver_name   TEXT NOT NULL,
  receiver_avatar TEXT NOT NULL DEFAULT '',
  conversation_id TEXT NOT NULL,
  status          TEXT NOT NULL,
  type            TEXT NOT NULL,
  started_at      TIMESTAMPTZ NOT NULL,
  answered_at     TIMESTAMPTZ,
  ended_at        TIMESTAMPTZ,
  duration        INT
)
`
		if _, err := tx.ExecContext(ctx, table); err != nil {
			return err
		}
		const idx = `
CREATE INDEX IF NOT EXISTS call_records_participants_idx
ON call_records (caller_id, receiver_id, started_at DESC)
`
		_, err := tx.ExecContext(ctx, idx)
		return err
	})
}

func (r *PostgresRepo) Create(ctx context.Context, rec calls.Record) (string, error) {
	if rec.ID == "" {
		return "", ErrInvalidRequest
	}
	const q = `
INSERT INTO call_records (
  handle, call_id, caller_id, caller_name, caller_avatar, receiver_id, receiver_name, receiver_avatar,
  conversation_id, status, type, started_at, answered_at, ended_at, duration
) VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15
)
`
	handle := uuid.NewString()
	_, err := r.db.ExecContext(ctx, q,
		handle,
		rec.ID,
		rec.CallerID,
		rec.CallerName,
		rec.CallerAvatar,
		rec.ReceiverID,
		rec.ReceiverName,
		rec.ReceiverAvatar,
		rec.ConversationID,
		string(rec.Status),
		string(rec.Type),
		rec.StartedAt,
		nullTime(rec.AnsweredAt),
		nullTime(rec.EndedAt),
		nullInt(rec.Duration),
	)
	if err != nil {
		return "", err
	}
	return handle, nil
}

// statusRank orders statuses the way calls.CanTransition does.
const statusRank = `CASE %s
  WHEN 'initiating' THEN 0
  WHEN 'ringing'    THEN 1
  WHEN 'answered'   THEN 2
  ELSE 3
END`

var updateStatusQuery = fmt.Sprintf(`
UPDATE call_records
SET status      = $2,
    answered_at = COALESCE($3, answered_at),
    ended_at    = COALESCE($4, ended_at),
    duration    = COALESCE($5, duration)
WHERE call_id = $1
  AND status NOT IN ('rejected', 'ended', 'missed')
  AND %s > %s
`, fmt.Sprintf(statusRank, "$2::text"), fmt.Sprintf(statusRank, "status"))

func (r *PostgresRepo) UpdateStatus(ctx context.Context, callID string, ch StatusChange) error {
	if !ch.Status.Valid() {
		return ErrInvalidRequest
	}
	// COALESCE keeps previously stamped times when a change omits them.
	res, err := r.db.ExecContext(ctx, updateStatusQuery, callID, string(ch.Status), nullTime(ch.AnsweredAt), nullTime(ch.EndedAt), nullInt(ch.Duration))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	// Nothing matched: either the row is missing or the guard refused it.
	var current string
	err = r.db.QueryRowContext(ctx, `SELECT status FROM call_records WHERE call_id = $1`, callID).Scan(&current)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return ErrNotFound
	case err != nil:
		return err
	}
	return fmt.Errorf("%w: %s to %s", ErrStaleStatus, current, ch.Status)
}

func (r *PostgresRepo) ListForUser(ctx context.Context, userID string, opts ListOptions) ([]calls.Record, error) {
	if userID == "" {
		return nil, ErrInvalidRequest
	}
	const q = `
SELECT call_id, caller_id, caller_name, caller_avatar, receiver_id, receiver_name, receiver_avatar,
       conversation_id, status, type, started_at, answered_at, ended_at, duration
FROM call_records
WHERE (caller_id = $1 OR receiver_id = $1) AND started_at >= $2 AND started_at < $3
ORDER BY started_at DESC
LIMIT $4
`
	rows, err := r.db.QueryContext(ctx, q, userID, opts.From, opts.To, opts.Limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]calls.Record, 0)
	for rows.Next() {
		var (
			rec      calls.Record
			answered sql.NullTime
			ended    sql.NullTime
			duration sql.NullInt64
		)
		if err := rows.Scan(
			&rec.ID,
			&rec.CallerID,
			&rec.CallerName,
			&rec.CallerAvatar,
			&rec.ReceiverID,
			&rec.ReceiverName,
			&rec.ReceiverAvatar,
			&rec.ConversationID,
			&rec.Status,
			&rec.Type,
			&rec.StartedAt,
			&answered,
			&ended,
			&duration,
		); err != nil {
			return nil, err
		}
		if answered.Valid {
			t := answered.Time
			rec.AnsweredAt = &t
		}
		if ended.Valid {
			t := ended.Time
			rec.EndedAt = &t
		}
		if duration.Valid {
			d := int(duration.Int64)
			rec.Duration = &d
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullInt(n *int) any {
	if n == nil {
		return nil
	}
	return int64(*n)
}

// IsNotFound reports whether err means the call record does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, sql.ErrNoRows)
}
