package recorder

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"telehealth-calls/internal/calls"
)

type Config struct {
	MaxAttempts  int
	BaseBackoff  time.Duration
	MaxBackoff   time.Duration
	QueueSize    int
	Workers      int
	WriteTimeout time.Duration
}

func (c Config) withDefaults() Config {
	out := c
	if out.MaxAttempts <= 0 {
		out.MaxAttempts = 5
	}
	if out.BaseBackoff <= 0 {
		out.BaseBackoff = 200 * time.Millisecond
	}
	if out.MaxBackoff <= 0 {
		out.MaxBackoff = 10 * time.Second
	}
	if out.QueueSize <= 0 {
		out.QueueSize = 1024
	}
	if out.Workers <= 0 {
		out.Workers = 2
	}
	if out.WriteTimeout <= 0 {
		out.WriteTimeout = 5 * time.Second
	}
	return out
}

// Recorder persists call outcomes off the live call path.
type Recorder struct {
	repo Repository
	cfg  Config
	log  *slog.Logger

	// onDone runs once per record after it was persisted or dropped.
	onDone func(sessionID string)

	mu     sync.RWMutex
	closed bool
	queue  chan CallRecord

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type Option func(*Recorder)

func WithLogger(l *slog.Logger) Option {
	return func(r *Recorder) {
		if l != nil {
			r.log = l
		}
	}
}

// WithCompletion sets the hook run after a record is persisted or dropped.
func WithCompletion(fn func(sessionID string)) Option {
	return func(r *Recorder) { r.onDone = fn }
}

func New(repo Repository, cfg Config, opts ...Option) *Recorder {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	r := &Recorder{
		repo:   repo,
		cfg:    cfg,
		log:    slog.Default(),
		queue:  make(chan CallRecord, cfg.QueueSize),
		ctx:    ctx,
		cancel: cancel,
	}
	for _, o := range opts {
		o(r)
	}
	for i := 0; i < cfg.Workers; i++ {
		r.wg.Add(1)
		go r.worker()
	}
	return r
}

// Record implements calls.Recorder. It never blocks and never runs the completion hook
// on the caller's goroutine, since the caller holds the session lock.
func (r *Recorder) Record(s calls.Session) {
	if err := r.Enqueue(FromSession(s)); err != nil {
		r.log.Error("call record dropped",
			slog.String("session_id", s.ID),
			slog.String("end_reason", string(s.EndReason)),
			slog.Any("err", err),
		)
		go r.done(s.ID)
	}
}

// Enqueue hands rec to the workers. A full queue spills into a dedicated goroutine.
func (r *Recorder) Enqueue(rec CallRecord) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return ErrRecorderClosed
	}
	select {
	case r.queue <- rec:
	default:
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.persist(rec)
		}()
	}
	return nil
}

// Close stops intake and waits for queued records. When ctx expires first, pending
// retries are abandoned.
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		r.cancel()
		return nil
	case <-ctx.Done():
		r.cancel()
		<-drained
		return ctx.Err()
	}
}

func (r *Recorder) worker() {
	defer r.wg.Done()
	for rec := range r.queue {
		r.persist(rec)
	}
}

func (r *Recorder) persist(rec CallRecord) {
	defer r.done(rec.SessionID)

	var lastErr error
	for attempt := 1; attempt <= r.cfg.MaxAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(r.ctx, r.cfg.WriteTimeout)
		err := r.repo.Insert(ctx, rec)
		cancel()
		if err == nil {
			r.log.Debug("call record stored",
				slog.String("session_id", rec.SessionID),
				slog.Int("attempt", attempt),
			)
			return
		}
		lastErr = err
		r.log.Warn("call record write failed",
			slog.String("session_id", rec.SessionID),
			slog.Int("attempt", attempt),
			slog.Any("err", err),
		)
		if attempt == r.cfg.MaxAttempts {
			break
		}
		if !r.sleep(r.backoff(attempt)) {
			break
		}
	}

	r.log.Error("call record dropped",
		slog.String("session_id", rec.SessionID),
		slog.String("end_reason", string(rec.EndReason)),
		slog.Any("err", fmt.Errorf("%w: %v", ErrRecorderWriteFailed, lastErr)),
	)
}

// backoff doubles from BaseBackoff, capped at MaxBackoff.
func (r *Recorder) backoff(attempt int) time.Duration {
	d := r.cfg.BaseBackoff << (attempt - 1)
	if d <= 0 || d > r.cfg.MaxBackoff {
		return r.cfg.MaxBackoff
	}
	return d
}

func (r *Recorder) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-r.ctx.Done():
		return false
	}
}

func (r *Recorder) done(sessionID string) {
	if r.onDone != nil {
		r.onDone(sessionID)
	}
}
