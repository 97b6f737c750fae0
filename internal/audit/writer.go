package audit

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"telehealth-calls/internal/calls"
)

var (
	ErrQueueFull    = errors.New("audit: queue full")
	ErrWriterClosed = errors.New("audit: writer closed")
)

type WriterConfig struct {
	QueueSize    int
	WriteTimeout time.Duration
}

func (c WriterConfig) withDefaults() WriterConfig {
	out := c
	if out.QueueSize <= 0 {
		out.QueueSize = 1024
	}
	if out.WriteTimeout <= 0 {
		out.WriteTimeout = 3 * time.Second
	}
	return out
}

// Writer is the state machine's event sink for production. Transitions are queued
// and stored by a single worker in arrival order, each insert bounded by WriteTimeout.
// Append never waits on the database; a full queue drops the event.
type Writer struct {
	svc *Service
	cfg WriterConfig
	log *slog.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan calls.Transition
	done   chan struct{}
}

func NewWriter(svc *Service, cfg WriterConfig, log *slog.Logger) *Writer {
	cfg = cfg.withDefaults()
	if log == nil {
		log = slog.Default()
	}
	w := &Writer{
		svc:   svc,
		cfg:   cfg,
		log:   log,
		queue: make(chan calls.Transition, cfg.QueueSize),
		done:  make(chan struct{}),
	}
	go w.run()
	return w
}

// Append implements calls.EventSink.
func (w *Writer) Append(_ context.Context, t calls.Transition) error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return ErrWriterClosed
	}
	select {
	case w.queue <- t:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close stops intake and waits for queued events until ctx expires.
func (w *Writer) Close(ctx context.Context) error {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.queue)
	}
	w.mu.Unlock()

	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Writer) run() {
	defer close(w.done)
	for t := range w.queue {
		ctx, cancel := context.WithTimeout(context.Background(), w.cfg.WriteTimeout)
		err := w.svc.LogTransition(ctx, t)
		cancel()
		if err != nil {
			w.log.Warn("session event not stored",
				slog.String("session_id", t.Session.ID),
				slog.String("to", string(t.To)),
				slog.Any("err", err),
			)
		}
	}
}
