package audit

import (
	"context"
	"database/sql"

	"lobbyx/pkg/utils"
)

// PostgresRepo appends audit events to the audit_events table.
// Nothing in this package issues UPDATE or DELETE against it.
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

// Migrate creates the audit_events table if missing.
func (r *PostgresRepo) Migrate(ctx context.Context) error {
	return utils.WithTx(ctx, r.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		const table = `
CREATE TABLE IF NOT EXISTS audit_events (
  id              UUID PRIMARY KEY,
  type            TEXT NOT NULL,
  actor_user_id   TEXT NOT NULL,
  actor_role      TEXT NOT NULL DEFAULT '',
  ip_address      TEXT NOT NULL DEFAULT '',
  subject_user_id TEXT NOT NULL DEFAULT '',
  call_id         TEXT NOT NULL DEFAULT '',
  message         TEXT NOT NULL DEFAULT '',
  created_at      TIMESTAMPTZ NOT NULL
)
`
		if _, err := tx.ExecContext(ctx, table); err != nil {
			return err
		}
		const idx = `
CREATE INDEX IF NOT EXISTS audit_events_actor_idx
ON audit_events (actor_user_id, created_at DESC)
`
		_, err := tx.ExecContext(ctx, idx)
		return err
	})
}

func (r *PostgresRepo) Append(ctx context.Context, e Event) error {
	const q = `
INSERT INTO audit_events (
  id, type, actor_user_id, actor_role, ip_address, subject_user_id, call_id, message, created_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
`
	_, err := r.db.ExecContext(ctx, q,
		e.ID,
		string(e.Type),
		e.ActorUserID,
		e.ActorRole,
		e.IPAddress,
		e.SubjectUserID,
		e.CallID,
		e.Message,
		e.CreatedAt,
	)
	return err
}
