package calls

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Presence answers whether a user currently has a signaling connection.
type Presence interface {
	Online(userID string) bool
}

// Notifier receives every accepted transition while the session lock is held, so calls
// for one session arrive in transition order. Implementations must not block and must
// not call back into Machine synchronously.
type Notifier interface {
	Notify(t Transition)
}

// EventSink receives transitions after the session lock is released, on the goroutine
// that applied the event (usually a websocket reader). It must return promptly; errors
// are logged and never fail the call.
type EventSink interface {
	Append(ctx context.Context, t Transition) error
}

// Recorder receives each ended session exactly once. Must not block.
type Recorder interface {
	Record(s Session)
}

type Option func(*Machine)

func WithRingTimeout(d time.Duration) Option {
	return func(m *Machine) {
		if d > 0 {
			m.ringTimeout = d
		}
	}
}

func WithClock(clock func() time.Time) Option {
	return func(m *Machine) {
		if clock != nil {
			m.clock = clock
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(m *Machine) {
		if l != nil {
			m.log = l
		}
	}
}

func WithEventSink(s EventSink) Option { return func(m *Machine) { m.sink = s } }

func WithRecorder(r Recorder) Option { return func(m *Machine) { m.recorder = r } }

func WithNotifier(n Notifier) Option { return func(m *Machine) { m.notifier = n } }

// Machine owns every session transition.
type Machine struct {
	store    *Store
	presence Presence
	notifier Notifier
	sink     EventSink
	recorder Recorder
	log      *slog.Logger

	clock       func() time.Time
	ringTimeout time.Duration
}

func NewMachine(store *Store, presence Presence, opts ...Option) *Machine {
	m := &Machine{
		store:       store,
		presence:    presence,
		log:         slog.Default(),
		clock:       func() time.Time { return time.Now().UTC() },
		ringTimeout: 45 * time.Second,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// SetNotifier wires the relay after construction. Call before serving traffic.
func (m *Machine) SetNotifier(n Notifier) { m.notifier = n }

// SetRecorder wires the recorder after construction. Call before serving traffic.
func (m *Machine) SetRecorder(r Recorder) { m.recorder = r }

func (m *Machine) Store() *Store { return m.store }

// Invite creates a session in Calling and arms the ring timer.
func (m *Machine) Invite(ctx context.Context, req InviteRequest) (Session, error) {
	if req.CallerID == "" || req.CalleeID == "" {
		return Session{}, fmt.Errorf("invite: %w", ErrNotParticipant)
	}
	if req.CallerID == req.CalleeID {
		return Session{}, ErrSelfCall
	}
	if m.presence != nil && !m.presence.Online(req.CalleeID) {
		return Session{}, ErrUserUnavailable
	}

	now := m.clock()
	e, err := m.store.reserve(req.CallerID, req.CalleeID, func(seq uint64) *entry {
		e := &entry{s: Session{
			ID:        uuid.NewString(),
			Seq:       seq,
			CallerID:  req.CallerID,
			CalleeID:  req.CalleeID,
			IsVideo:   req.IsVideo,
			State:     StateCalling,
			StartedAt: now,
		}}
		e.mu.Lock()
		return e
	})
	if err != nil {
		return Session{}, err
	}

	id := e.s.ID
	e.timer = time.AfterFunc(m.ringTimeout, func() {
		if _, err := m.Apply(context.Background(), Event{Kind: EventTimeout, SessionID: id}); err != nil {
			m.log.Debug("ring timer ignored", slog.String("session_id", id), slog.Any("err", err))
		}
	})

	t := Transition{
		Session: e.s,
		From:    StateIdle,
		To:      StateCalling,
		Event: Event{
			Kind:      EventInvite,
			SessionID: id,
			Actor:     req.CallerID,
			SDP:       req.SDP,
			Ref:       req.Ref,
		},
		At: now,
	}
	m.notify(t)
	e.mu.Unlock()

	m.log.Info("call invited",
		slog.String("session_id", id),
		slog.Uint64("seq", t.Session.Seq),
		slog.String("caller_id", req.CallerID),
		slog.String("callee_id", req.CalleeID),
		slog.Bool("is_video", req.IsVideo),
	)
	m.append(ctx, t)
	return t.Session, nil
}

func (m *Machine) Ring(ctx context.Context, sessionID, actor string) (Session, error) {
	return m.Apply(ctx, Event{Kind: EventRing, SessionID: sessionID, Actor: actor})
}

func (m *Machine) Answer(ctx context.Context, sessionID, actor, sdp string) (Session, error) {
	return m.Apply(ctx, Event{Kind: EventAnswer, SessionID: sessionID, Actor: actor, SDP: sdp})
}

func (m *Machine) Reject(ctx context.Context, sessionID, actor, reason string) (Session, error) {
	return m.Apply(ctx, Event{Kind: EventReject, SessionID: sessionID, Actor: actor, Detail: reason})
}

func (m *Machine) End(ctx context.Context, sessionID, actor, detail string) (Session, error) {
	return m.Apply(ctx, Event{Kind: EventEnd, SessionID: sessionID, Actor: actor, Detail: detail})
}

// Lost ends one session with network_lost, e.g. after a delivery grace expired.
func (m *Machine) Lost(ctx context.Context, sessionID, detail string) (Session, error) {
	return m.Apply(ctx, Event{Kind: EventLost, SessionID: sessionID, Detail: detail})
}

// Disconnect ends the user's active session, if any, with network_lost.
func (m *Machine) Disconnect(ctx context.Context, userID, detail string) (Session, bool) {
	id, ok := m.store.ActiveSessionID(userID)
	if !ok {
		return Session{}, false
	}
	s, err := m.Lost(ctx, id, detail)
	if err != nil {
		return Session{}, false
	}
	return s, true
}

// ActiveSession returns the user's non-ended session.
func (m *Machine) ActiveSession(userID string) (Session, bool) {
	id, ok := m.store.ActiveSessionID(userID)
	if !ok {
		return Session{}, false
	}
	return m.store.Get(id)
}

// Forget removes an ended session from the store. Used as the recorder completion hook.
func (m *Machine) Forget(sessionID string) {
	m.store.Remove(sessionID)
}

// Apply runs one event through the transition table.
// Events that do not fit the current state return ErrInvalidTransition and change nothing.
func (m *Machine) Apply(ctx context.Context, ev Event) (Session, error) {
	e, ok := m.store.get(ev.SessionID)
	if !ok {
		return Session{}, ErrSessionNotFound
	}

	if ev.Actor == "" && ev.Kind.fromUser() {
		return Session{}, ErrNotParticipant
	}

	e.mu.Lock()
	if ev.Actor != "" && !e.s.IsParticipant(ev.Actor) {
		e.mu.Unlock()
		return Session{}, ErrNotParticipant
	}

	from := e.s.State
	to, reason, err := next(e.s, ev)
	if err != nil {
		snap := e.s
		e.mu.Unlock()
		return snap, fmt.Errorf("%s in %s: %w", ev.Kind, from, err)
	}

	now := m.clock()
	e.s.State = to
	switch {
	case to == StateConnected:
		at := now
		e.s.ConnectedAt = &at
		e.stopTimer()
	case to.Terminal():
		at := now
		e.s.EndedAt = &at
		e.s.EndReason = reason
		e.s.EndDetail = ev.Detail
		e.stopTimer()
		m.store.release(e.s.ID, e.s.CallerID, e.s.CalleeID)
	}

	t := Transition{Session: e.s, From: from, To: to, Event: ev, At: now}
	m.notify(t)
	if to.Terminal() && m.recorder != nil {
		m.recorder.Record(e.s)
	}
	e.mu.Unlock()

	if to.Terminal() {
		m.log.Info("call ended",
			slog.String("session_id", t.Session.ID),
			slog.String("end_reason", string(reason)),
			slog.Int("duration_seconds", t.Session.DurationSeconds()),
		)
	}
	m.append(ctx, t)
	return t.Session, nil
}

// next is the transition table. s is the session before the event.
func next(s Session, ev Event) (State, EndReason, error) {
	if s.State.Terminal() {
		return s.State, "", ErrInvalidTransition
	}
	fromCallee := ev.Actor == s.CalleeID

	switch ev.Kind {
	case EventRing:
		if s.State == StateCalling && fromCallee {
			return StateRinging, "", nil
		}
	case EventAnswer:
		if s.State == StateRinging && fromCallee {
			return StateConnected, "", nil
		}
	case EventReject:
		if s.State.Pending() && fromCallee {
			return StateEnded, EndRejected, nil
		}
	case EventEnd:
		switch {
		case s.State == StateConnected:
			return StateEnded, EndAnsweredThenHangup, nil
		case s.State.Pending() && fromCallee:
			return StateEnded, EndRejected, nil
		case s.State.Pending():
			return StateEnded, EndCancelledByCaller, nil
		}
	case EventTimeout:
		if s.State.Pending() {
			return StateEnded, EndMissedTimeout, nil
		}
	case EventLost:
		return StateEnded, EndNetworkLost, nil
	}
	return s.State, "", ErrInvalidTransition
}

func (e *entry) stopTimer() {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}

func (m *Machine) notify(t Transition) {
	if m.notifier != nil {
		m.notifier.Notify(t)
	}
}

func (m *Machine) append(ctx context.Context, t Transition) {
	if m.sink == nil {
		return
	}
	if err := m.sink.Append(ctx, t); err != nil {
		m.log.Warn("session event not stored",
			slog.String("session_id", t.Session.ID),
			slog.String("to", string(t.To)),
			slog.Any("err", err),
		)
	}
}
