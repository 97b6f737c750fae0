package reporting

import (
	"context"
	"errors"

	"telehealth-calls/internal/recorder"
)

var ErrInvalidRequest = errors.New("reporting: invalid request")

const (
	defaultLimit = 50
	maxLimit     = 500
)

// Repository abstracts data access for reporting.
// Implementations must only return records the user took part in.
type Repository interface {
	ListByUser(ctx context.Context, userID string, limit int) ([]recorder.CallRecord, error)
}

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service { return &Service{repo: repo} }

// History lists the user's recent calls and aggregates them.
// Average duration is over completed calls only.
func (s *Service) History(ctx context.Context, req HistoryRequest) (History, error) {
	if req.UserID == "" {
		return History{}, ErrInvalidRequest
	}
	if !req.From.IsZero() && !req.To.IsZero() && !req.To.After(req.From) {
		return History{}, ErrInvalidRequest
	}
	if s.repo == nil {
		return History{}, errors.New("reporting: repository not configured")
	}

	limit := req.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}

	rows, err := s.repo.ListByUser(ctx, req.UserID, limit)
	if err != nil {
		return History{}, err
	}

	out := History{
		Summary: HistorySummary{UserID: req.UserID},
		Calls:   make([]HistoryEntry, 0, len(rows)),
	}
	sum := &out.Summary
	for _, r := range rows {
		if !req.From.IsZero() && r.StartedAt.Before(req.From) {
			continue
		}
		if !req.To.IsZero() && !r.StartedAt.Before(req.To) {
			continue
		}

		e := HistoryEntry{
			CallRecord: r,
			Direction:  "incoming",
			PeerID:     r.CallerID,
			Outcome:    r.Outcome(),
			Message:    r.EndReason.Message(),
		}
		if r.CallerID == req.UserID {
			e.Direction = "outgoing"
			e.PeerID = r.CalleeID
			sum.OutgoingCalls++
		}
		out.Calls = append(out.Calls, e)

		sum.TotalCalls++
		if r.IsVideo {
			sum.VideoCalls++
		}
		switch e.Outcome {
		case "completed":
			sum.CompletedCalls++
			sum.TotalDurationSeconds += r.DurationSeconds
		case "missed":
			sum.MissedCalls++
		case "rejected":
			sum.RejectedCalls++
		case "failed":
			sum.FailedCalls++
		}
	}
	if sum.CompletedCalls > 0 {
		sum.AverageDurationSeconds = sum.TotalDurationSeconds / sum.CompletedCalls
	}
	return out, nil
}
