package audit

import (
	"context"
	"database/sql"
	"fmt"
)

// Schema creates call_events. Every statement is idempotent.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS call_events (
  id            UUID PRIMARY KEY,
  session_id    UUID NOT NULL,
  seq           BIGINT NOT NULL,
  type          TEXT NOT NULL,
  from_state    TEXT,
  to_state      TEXT NOT NULL,
  actor_user_id TEXT,
  end_reason    TEXT,
  detail        TEXT,
  created_at    TIMESTAMPTZ NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS call_events_session ON call_events (session_id, created_at)`,
}

// PostgresRepo appends to call_events.
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

func (r *PostgresRepo) Append(ctx context.Context, e Event) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO call_events (id, session_id, seq, type, from_state, to_state, actor_user_id, end_reason, detail, created_at)
VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, NULLIF($7, ''), NULLIF($8, ''), NULLIF($9, ''), $10)`,
		e.ID, e.SessionID, int64(e.Seq), string(e.Type), e.FromState, e.ToState, e.ActorUserID, e.EndReason, e.Detail, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert call event: %w", err)
	}
	return nil
}

func (r *PostgresRepo) ListBySession(ctx context.Context, sessionID string) ([]Event, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, session_id, seq, type, COALESCE(from_state, ''), to_state,
       COALESCE(actor_user_id, ''), COALESCE(end_reason, ''), COALESCE(detail, ''), created_at
FROM call_events
WHERE session_id = $1
ORDER BY created_at ASC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("list call events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			e   Event
			seq int64
			typ string
		)
		if err := rows.Scan(&e.ID, &e.SessionID, &seq, &typ, &e.FromState, &e.ToState,
			&e.ActorUserID, &e.EndReason, &e.Detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Seq = uint64(seq)
		e.Type = EventType(typ)
		out = append(out, e)
	}
	return out, rows.Err()
}
