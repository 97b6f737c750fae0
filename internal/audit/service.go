package audit

import (
	"context"
	"errors"
	"time"

	"telehealth-calls/internal/calls"

	"github.com/google/uuid"
)

// Repository is the persistence contract for call events.
//
// It MUST be append-only.
// No Update/Delete methods are provided by design.
type Repository interface {
	Append(ctx context.Context, e Event) error
	ListBySession(ctx context.Context, sessionID string) ([]Event, error)
}

// Service logs call session events.
//
// Callers should treat audit logging as best-effort.
type Service struct {
	repo  Repository
	clock func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

var ErrInvalidEvent = errors.New("audit: invalid event")

func (s *Service) Append(ctx context.Context, e Event) error {
	if s.repo == nil {
		return errors.New("audit: repository not configured")
	}
	if e.SessionID == "" {
		return ErrInvalidEvent
	}
	if e.Type == "" {
		return ErrInvalidEvent
	}

	now := s.clock().UTC()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	return s.repo.Append(ctx, e)
}

// LogTransition records one accepted state machine transition.
func (s *Service) LogTransition(ctx context.Context, t calls.Transition) error {
	return s.Append(ctx, Event{
		SessionID:   t.Session.ID,
		Seq:         t.Session.Seq,
		Type:        EventTypeTransition,
		FromState:   string(t.From),
		ToState:     string(t.To),
		ActorUserID: t.Event.Actor,
		EndReason:   string(t.Session.EndReason),
		Detail:      t.Event.Detail,
		CreatedAt:   t.At,
	})
}

// LogAdminView records an admin reading a session's event trail.
func (s *Service) LogAdminView(ctx context.Context, sessionID, actorUserID string) error {
	return s.Append(ctx, Event{
		SessionID:   sessionID,
		Type:        EventTypeAdminView,
		ActorUserID: actorUserID,
	})
}

func (s *Service) ListBySession(ctx context.Context, sessionID string) ([]Event, error) {
	if sessionID == "" {
		return nil, ErrInvalidEvent
	}
	return s.repo.ListBySession(ctx, sessionID)
}

// Sink adapts the service to the state machine's event sink. Each Append writes
// synchronously; live signaling uses a Writer instead.
func (s *Service) Sink() calls.EventSink { return transitionSink{s} }

type transitionSink struct{ s *Service }

func (t transitionSink) Append(ctx context.Context, tr calls.Transition) error {
	return t.s.LogTransition(ctx, tr)
}
