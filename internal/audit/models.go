package audit

import "time"

// Event is an immutable, append-only record of one call session transition.
//
// Invariants:
// - Events are never updated or deleted.
// - session_id is required.
// - Logging is best-effort; do not block live calls on audit failures.
//
// Storage (Postgres): table call_events, INSERT-only, indexed by (session_id, created_at).
type Event struct {
	ID        string `json:"id" db:"id"`
	SessionID string `json:"session_id" db:"session_id"`
	Seq       uint64 `json:"seq" db:"seq"`

	Type EventType `json:"type" db:"type"`

	FromState string `json:"from_state,omitempty" db:"from_state"`
	ToState   string `json:"to_state" db:"to_state"`

	// ActorUserID is empty for timer and connection-loss events.
	ActorUserID string `json:"actor_user_id,omitempty" db:"actor_user_id"`

	EndReason string `json:"end_reason,omitempty" db:"end_reason"`
	Detail    string `json:"detail,omitempty" db:"detail"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type EventType string

const (
	EventTypeTransition EventType = "transition"
	EventTypeAdminView  EventType = "admin_view"
)
