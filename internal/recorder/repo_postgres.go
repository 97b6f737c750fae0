package recorder

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"telehealth-calls/internal/calls"
	"telehealth-calls/pkg/utils"
)

// Schema creates the tables PostgresRepo writes. Every statement is idempotent.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS call_records (
  session_id       UUID PRIMARY KEY,
  caller_id        TEXT NOT NULL,
  callee_id        TEXT NOT NULL,
  is_video         BOOLEAN NOT NULL,
  end_reason       TEXT NOT NULL,
  end_detail       TEXT,
  started_at       TIMESTAMPTZ NOT NULL,
  connected_at     TIMESTAMPTZ,
  ended_at         TIMESTAMPTZ NOT NULL,
  duration_seconds INT NOT NULL DEFAULT 0
)`,
	`CREATE TABLE IF NOT EXISTS call_participants (
  session_id UUID NOT NULL REFERENCES call_records (session_id),
  user_id    TEXT NOT NULL,
  started_at TIMESTAMPTZ NOT NULL,
  PRIMARY KEY (session_id, user_id)
)`,
	`CREATE INDEX IF NOT EXISTS call_participants_user ON call_participants (user_id, started_at DESC)`,
}

// PostgresRepo stores records in call_records, indexed per user through
// call_participants.
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

// Insert writes the record and both participant rows in one transaction. A second
// insert for the same session is a no-op.
func (r *PostgresRepo) Insert(ctx context.Context, rec CallRecord) error {
	const insertRecord = `
	INSERT INTO call_records (
		session_id,
		caller_id,
		callee_id,
		is_video,
		end_reason,
		end_detail,
		started_at,
		connected_at,
		ended_at,
		duration_seconds
	)
	VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8, $9, $10)
	ON CONFLICT (session_id) DO NOTHING
	`
	const insertParticipant = `
	INSERT INTO call_participants (session_id, user_id, started_at)
	VALUES ($1, $2, $3)
	ON CONFLICT (session_id, user_id) DO NOTHING
	`

	var connectedAt sql.NullTime
	if rec.ConnectedAt != nil {
		connectedAt = sql.NullTime{Time: *rec.ConnectedAt, Valid: true}
	}

	err := utils.WithTx(ctx, r.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, insertRecord,
			rec.SessionID,
			rec.CallerID,
			rec.CalleeID,
			rec.IsVideo,
			string(rec.EndReason),
			rec.EndDetail,
			rec.StartedAt,
			connectedAt,
			rec.EndedAt,
			rec.DurationSeconds,
		)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return nil
		}
		for _, userID := range []string{rec.CallerID, rec.CalleeID} {
			if _, err := tx.ExecContext(ctx, insertParticipant, rec.SessionID, userID, rec.StartedAt); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("insert call record: %w", err)
	}
	return nil
}

func (r *PostgresRepo) ListByUser(ctx context.Context, userID string, limit int) ([]CallRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	const query = `
	SELECT
		r.session_id,
		r.caller_id,
		r.callee_id,
		r.is_video,
		r.end_reason,
		COALESCE(r.end_detail, ''),
		r.started_at,
		r.connected_at,
		r.ended_at,
		r.duration_seconds
	FROM call_participants p
	JOIN call_records r ON r.session_id = p.session_id
	WHERE p.user_id = $1
	ORDER BY p.started_at DESC
	LIMIT $2
	`

	rows, err := r.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list call records: %w", err)
	}
	defer rows.Close()

	out := make([]CallRecord, 0)
	for rows.Next() {
		var (
			rec         CallRecord
			reason      string
			connectedAt sql.NullTime
		)
		if err := rows.Scan(
			&rec.SessionID,
			&rec.CallerID,
			&rec.CalleeID,
			&rec.IsVideo,
			&reason,
			&rec.EndDetail,
			&rec.StartedAt,
			&connectedAt,
			&rec.EndedAt,
			&rec.DurationSeconds,
		); err != nil {
			return nil, err
		}
		rec.EndReason = calls.EndReason(reason)
		if connectedAt.Valid {
			at := connectedAt.Time.In(time.UTC)
			rec.ConnectedAt = &at
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
