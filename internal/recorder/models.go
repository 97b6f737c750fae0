package recorder

import (
	"time"

	"telehealth-calls/internal/calls"
)

// CallRecord is the permanent outcome of one call session. Never updated.
type CallRecord struct {
	SessionID string `json:"session_id" db:"session_id"`
	CallerID  string `json:"caller_id" db:"caller_id"`
	CalleeID  string `json:"callee_id" db:"callee_id"`
	IsVideo   bool   `json:"is_video" db:"is_video"`

	EndReason calls.EndReason `json:"end_reason" db:"end_reason"`
	EndDetail string          `json:"end_detail,omitempty" db:"end_detail"`

	StartedAt   time.Time  `json:"started_at" db:"started_at"`
	ConnectedAt *time.Time `json:"connected_at,omitempty" db:"connected_at"`
	EndedAt     time.Time  `json:"ended_at" db:"ended_at"`

	DurationSeconds int `json:"duration_seconds" db:"duration_seconds"`
}

// FromSession builds the record of an ended session.
func FromSession(s calls.Session) CallRecord {
	r := CallRecord{
		SessionID:       s.ID,
		CallerID:        s.CallerID,
		CalleeID:        s.CalleeID,
		IsVideo:         s.IsVideo,
		EndReason:       s.EndReason,
		EndDetail:       s.EndDetail,
		StartedAt:       s.StartedAt,
		DurationSeconds: s.DurationSeconds(),
	}
	if s.ConnectedAt != nil {
		at := *s.ConnectedAt
		r.ConnectedAt = &at
	}
	if s.EndedAt != nil {
		r.EndedAt = *s.EndedAt
	}
	return r
}

// Outcome is the history category of the record.
func (r CallRecord) Outcome() string { return r.EndReason.Outcome() }
