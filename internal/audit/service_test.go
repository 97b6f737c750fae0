package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"telehealth-calls/internal/calls"
)

func TestService_AppendRequiresSessionAndType(t *testing.T) {
	repo := NewMemoryRepo()
	svc := NewService(repo)

	if err := svc.Append(context.Background(), Event{Type: EventTypeTransition}); err == nil {
		t.Fatalf("expected error")
	}
	if err := svc.Append(context.Background(), Event{SessionID: "s"}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestService_LogTransition(t *testing.T) {
	repo := NewMemoryRepo()
	svc := NewService(repo)
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	tr := calls.Transition{
		Session: calls.Session{ID: "s1", Seq: 7, State: calls.StateEnded, EndReason: calls.EndRejected},
		From:    calls.StateRinging,
		To:      calls.StateEnded,
		Event:   calls.Event{Kind: calls.EventReject, Actor: "doc", Detail: "busy"},
		At:      at,
	}
	if err := svc.Sink().Append(context.Background(), tr); err != nil {
		t.Fatalf("append: %v", err)
	}

	evs, err := svc.ListBySession(context.Background(), "s1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(evs) != 1 {
		t.Fatalf("expected 1 event, got %d", len(evs))
	}
	e := evs[0]
	if e.ID == "" || !e.CreatedAt.Equal(at) {
		t.Fatalf("expected id and transition time, got %+v", e)
	}
	if e.FromState != "ringing" || e.ToState != "ended" || e.EndReason != "rejected" || e.Detail != "busy" || e.Seq != 7 {
		t.Fatalf("unexpected event: %+v", e)
	}
}

func TestService_SinkWithMachine(t *testing.T) {
	repo := NewMemoryRepo()
	svc := NewService(repo)
	m := calls.NewMachine(calls.NewStore(), nil, calls.WithEventSink(svc.Sink()))

	ctx := context.Background()
	s, err := m.Invite(ctx, calls.InviteRequest{CallerID: "p", CalleeID: "d"})
	if err != nil {
		t.Fatalf("invite: %v", err)
	}
	m.End(ctx, s.ID, "p", "")

	evs := repo.Events()
	if len(evs) != 2 {
		t.Fatalf("expected 2 events, got %d", len(evs))
	}
	if evs[0].ToState != "calling" || evs[1].EndReason != "cancelled_by_caller" {
		t.Fatalf("unexpected trail: %+v", evs)
	}
}

// gatedRepo blocks every Append until release is closed.
type gatedRepo struct {
	*MemoryRepo
	release chan struct{}
}

func (r *gatedRepo) Append(ctx context.Context, e Event) error {
	select {
	case <-r.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	return r.MemoryRepo.Append(ctx, e)
}

func transition(id string, to calls.State) calls.Transition {
	return calls.Transition{
		Session: calls.Session{ID: id, State: to},
		To:      to,
		At:      time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
}

func TestWriter_AppendDoesNotWaitForRepo(t *testing.T) {
	repo := &gatedRepo{MemoryRepo: NewMemoryRepo(), release: make(chan struct{})}
	w := NewWriter(NewService(repo), WriterConfig{QueueSize: 2, WriteTimeout: time.Minute}, nil)

	start := time.Now()
	for _, to := range []calls.State{calls.StateCalling, calls.StateRinging} {
		if err := w.Append(context.Background(), transition("s1", to)); err != nil {
			t.Fatalf("append %s: %v", to, err)
		}
	}
	if d := time.Since(start); d > 100*time.Millisecond {
		t.Fatalf("append waited on the repository for %v", d)
	}

	close(repo.release)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := w.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	evs := repo.Events()
	if len(evs) != 2 || evs[0].ToState != "calling" || evs[1].ToState != "ringing" {
		t.Fatalf("expected ordered trail, got %+v", evs)
	}
	if err := w.Append(context.Background(), transition("s1", calls.StateEnded)); !errors.Is(err, ErrWriterClosed) {
		t.Fatalf("expected ErrWriterClosed, got %v", err)
	}
}

func TestWriter_FullQueueDrops(t *testing.T) {
	repo := &gatedRepo{MemoryRepo: NewMemoryRepo(), release: make(chan struct{})}
	w := NewWriter(NewService(repo), WriterConfig{QueueSize: 1, WriteTimeout: time.Minute}, nil)
	defer func() {
		close(repo.release)
		_ = w.Close(context.Background())
	}()

	var full bool
	for i := 0; i < 10 && !full; i++ {
		full = errors.Is(w.Append(context.Background(), transition("s1", calls.StateCalling)), ErrQueueFull)
	}
	if !full {
		t.Fatalf("expected ErrQueueFull once the queue and worker are busy")
	}
}

func TestWriter_WriteTimeoutBoundsEachInsert(t *testing.T) {
	repo := &gatedRepo{MemoryRepo: NewMemoryRepo(), release: make(chan struct{})}
	w := NewWriter(NewService(repo), WriterConfig{WriteTimeout: 20 * time.Millisecond}, nil)

	_ = w.Append(context.Background(), transition("s1", calls.StateCalling))
	_ = w.Append(context.Background(), transition("s1", calls.StateRinging))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := w.Close(ctx); err != nil {
		t.Fatalf("stalled inserts must time out, close returned %v", err)
	}
	if n := len(repo.Events()); n != 0 {
		t.Fatalf("timed out inserts must not be stored, got %d", n)
	}
}
