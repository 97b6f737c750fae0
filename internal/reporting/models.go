package reporting

import (
	"time"

	"telehealth-calls/internal/recorder"
)

// HistoryRequest asks for one user's call history.
// User isolation: UserID is required and must come from the authenticated identity.
type HistoryRequest struct {
	UserID string `json:"user_id"`
	Limit  int    `json:"limit,omitempty"`

	// Optional window on StartedAt; zero values mean unbounded.
	From time.Time `json:"from,omitempty"`
	To   time.Time `json:"to,omitempty"`
}

type HistorySummary struct {
	UserID string `json:"user_id"`

	TotalCalls     int `json:"total_calls"`
	CompletedCalls int `json:"completed_calls"`
	MissedCalls    int `json:"missed_calls"`
	RejectedCalls  int `json:"rejected_calls"`
	FailedCalls    int `json:"failed_calls"`
	VideoCalls     int `json:"video_calls"`

	// Outgoing counts calls the user placed.
	OutgoingCalls int `json:"outgoing_calls"`

	TotalDurationSeconds   int `json:"total_duration_seconds"`
	AverageDurationSeconds int `json:"average_duration_seconds"`
}

type HistoryEntry struct {
	recorder.CallRecord

	Direction string `json:"direction"`
	PeerID    string `json:"peer_id"`
	Outcome   string `json:"outcome"`
	// Message is the user-facing end text.
	Message string `json:"message"`
}

type History struct {
	Summary HistorySummary `json:"summary"`
	Calls   []HistoryEntry `json:"calls"`
}
