package signaling

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"telehealth-calls/internal/calls"
	"telehealth-calls/internal/config"
	"telehealth-calls/internal/presence"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
)

// Relay moves signaling frames between the two participants of a session and turns
// connection loss into state machine events.
type Relay struct {
	machine *calls.Machine
	table   *presence.Table
	cfg     config.SignalingConfig
	log     *slog.Logger

	validate *validator.Validate
	upgrader websocket.Upgrader

	graceMu sync.Mutex
	grace   map[graceKey]*time.Timer

	ctx    context.Context
	cancel context.CancelFunc
	conns  sync.WaitGroup
}

type graceKey struct {
	sessionID string
	userID    string
}

// NewRelay registers itself as the machine's notifier.
func NewRelay(machine *calls.Machine, table *presence.Table, cfg config.SignalingConfig, allowedOrigins []string, log *slog.Logger) *Relay {
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Relay{
		machine:  machine,
		table:    table,
		cfg:      cfg.WithDefaults(),
		log:      log,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		grace:    make(map[graceKey]*time.Timer),
		ctx:      ctx,
		cancel:   cancel,
	}
	r.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(allowedOrigins),
	}
	machine.SetNotifier(r)
	return r
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[o] = struct{}{}
	}
	return func(req *http.Request) bool {
		origin := req.Header.Get("Origin")
		if origin == "" {
			// Non-browser clients.
			return true
		}
		_, ok := set[origin]
		return ok
	}
}

// Notify implements calls.Notifier. It runs under the session lock and only enqueues.
func (r *Relay) Notify(t calls.Transition) {
	s := t.Session
	switch t.To {
	case calls.StateCalling:
		r.deliver(s.CallerID, s, TypeInviteAccepted, t.Event.Ref, InviteAcceptedPayload{SessionID: s.ID})
		r.deliver(s.CalleeID, s, TypeIncomingCall, "", IncomingCallPayload{
			SessionID: s.ID,
			CallerID:  s.CallerID,
			IsVideo:   s.IsVideo,
			SDP:       t.Event.SDP,
		})

	case calls.StateRinging:
		r.deliver(s.CallerID, s, TypeRinging, "", nil)

	case calls.StateConnected:
		r.deliver(s.CallerID, s, TypeAnswer, "", SDPPayload{SDP: t.Event.SDP})

	case calls.StateEnded:
		r.stopGrace(s.ID)
		p := CallEndedPayload{
			EndReason:       string(s.EndReason),
			Detail:          s.EndDetail,
			Message:         s.EndReason.Message(),
			DurationSeconds: s.DurationSeconds(),
		}
		r.deliver(s.CallerID, s, TypeCallEnded, refFor(t, s.CallerID), p)
		r.deliver(s.CalleeID, s, TypeCallEnded, refFor(t, s.CalleeID), p)
	}
}

func refFor(t calls.Transition, userID string) string {
	if t.Event.Actor == userID {
		return t.Event.Ref
	}
	return ""
}

// deliver sends to the user's current connection. Failures on live sessions arm the
// delivery grace timer.
func (r *Relay) deliver(userID string, s calls.Session, typ, ref string, payload any) {
	frame, err := Encode(typ, s.ID, ref, payload)
	if err != nil {
		r.log.Error("encode frame failed", slog.String("type", typ), slog.Any("err", err))
		return
	}

	err = ErrDeliveryFailed
	conn, ok := r.table.Lookup(userID)
	if c, isConn := conn.(*Conn); ok && isConn {
		if err = c.enqueue(frame); err == nil {
			return
		}
	}

	r.log.Warn("signaling delivery failed",
		slog.String("session_id", s.ID),
		slog.String("user_id", userID),
		slog.String("type", typ),
		slog.Any("err", err),
	)
	if s.State.Terminal() {
		return
	}
	failedConnID := ""
	if ok {
		failedConnID = conn.ID()
	}
	r.armGrace(s.ID, userID, failedConnID)
}

// sendTo writes a frame that is not tied to a transition, e.g. errors and acks.
func (r *Relay) sendTo(c *Conn, typ, sessionID, ref string, payload any) {
	frame, err := Encode(typ, sessionID, ref, payload)
	if err != nil {
		r.log.Error("encode frame failed", slog.String("type", typ), slog.Any("err", err))
		return
	}
	if err := c.enqueue(frame); err != nil {
		c.log.Debug("reply dropped", slog.String("type", typ), slog.Any("err", err))
	}
}

func (r *Relay) sendError(c *Conn, sessionID, ref, code, msg string) {
	r.sendTo(c, TypeError, sessionID, ref, ErrorPayload{Code: code, Message: msg})
}

// armGrace gives userID DeliveryGrace to come back on a new connection before the
// session is ended as network_lost.
func (r *Relay) armGrace(sessionID, userID, failedConnID string) {
	key := graceKey{sessionID: sessionID, userID: userID}

	r.graceMu.Lock()
	defer r.graceMu.Unlock()
	if _, armed := r.grace[key]; armed {
		return
	}
	r.grace[key] = time.AfterFunc(r.cfg.DeliveryGrace, func() {
		r.graceMu.Lock()
		delete(r.grace, key)
		r.graceMu.Unlock()

		if cur, ok := r.table.Lookup(userID); ok && cur.ID() != failedConnID {
			return
		}
		if _, err := r.machine.Lost(r.ctx, sessionID, "signaling delivery failed"); err != nil {
			r.log.Debug("delivery grace ignored", slog.String("session_id", sessionID), slog.Any("err", err))
		}
	})
}

func (r *Relay) stopGrace(sessionID string) {
	r.graceMu.Lock()
	defer r.graceMu.Unlock()
	for key, t := range r.grace {
		if key.sessionID == sessionID {
			t.Stop()
			delete(r.grace, key)
		}
	}
}

// Shutdown closes every connection and waits for their sessions to be ended.
func (r *Relay) Shutdown(ctx context.Context) error {
	r.table.Each(func(c presence.Conn) {
		if conn, ok := c.(*Conn); ok {
			conn.close()
		}
	})

	done := make(chan struct{})
	go func() {
		r.conns.Wait()
		close(done)
	}()
	defer r.cancel()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func errorCode(err error) (string, bool) {
	switch {
	case errors.Is(err, calls.ErrUserUnavailable):
		return CodeUserUnavailable, true
	case errors.Is(err, calls.ErrAlreadyInCall):
		return CodeAlreadyInCall, true
	case errors.Is(err, calls.ErrNotParticipant):
		return CodeForbidden, true
	case errors.Is(err, calls.ErrSelfCall):
		return CodeInvalidMessage, true
	default:
		return "", false
	}
}
