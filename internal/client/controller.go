package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"telehealth-calls/internal/calls"
	"telehealth-calls/internal/signaling"

	"github.com/google/uuid"
)

var ErrSignalerClosed = errors.New("client: signaling link closed")

// Controller turns user actions and relay frames into local call state. It owns the
// media of the current attempt and releases it whenever the attempt ends.
type Controller struct {
	sig   Signaler
	media Media
	log   *slog.Logger
	clock func() time.Time

	mu   sync.Mutex
	snap Snapshot
	ms   MediaSession

	inviteRef   string
	cancelRef   string
	remoteOffer string
	localICE    []signaling.ICECandidatePayload
	remoteICE   []signaling.ICECandidatePayload

	events chan Event
}

type ControllerOption func(*Controller)

func WithClock(clock func() time.Time) ControllerOption {
	return func(c *Controller) {
		if clock != nil {
			c.clock = clock
		}
	}
}

func WithLogger(l *slog.Logger) ControllerOption {
	return func(c *Controller) {
		if l != nil {
			c.log = l
		}
	}
}

// WithEventBuffer sizes the Events channel. Events are dropped, with a warning, when
// nobody drains it.
func WithEventBuffer(n int) ControllerOption {
	return func(c *Controller) {
		if n > 0 {
			c.events = make(chan Event, n)
		}
	}
}

func NewController(sig Signaler, media Media, opts ...ControllerOption) *Controller {
	c := &Controller{
		sig:    sig,
		media:  media,
		log:    slog.Default(),
		clock:  time.Now,
		snap:   Snapshot{State: StateIdle},
		events: make(chan Event, 64),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Events is the ordered stream of everything the UI should render.
func (c *Controller) Events() <-chan Event { return c.events }

func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// PlaceCall acquires local media, creates the offer and sends the invite.
func (c *Controller) PlaceCall(ctx context.Context, calleeID string, isVideo bool) (err error) {
	var drop MediaSession
	defer func() { closeMedia(drop, c.log) }()
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.snap.State != StateIdle {
		return ErrBusy
	}

	ms, err := c.media.Start(ctx, isVideo)
	if err != nil {
		return fmt.Errorf("acquire media: %w", err)
	}
	c.attachLocked(ms)

	offer, err := ms.CreateOffer(ctx)
	if err != nil {
		drop = c.finishLocked(EventFailed, "", "", "Could not start the call")
		return fmt.Errorf("create offer: %w", err)
	}

	c.inviteRef = uuid.NewString()
	c.snap = Snapshot{
		State:       StateCalling,
		PeerID:      calleeID,
		IsVideo:     isVideo,
		LocalStream: ms.LocalStreamID(),
		IsVideoOff:  !isVideo,
		IsSpeakerOn: c.snap.IsSpeakerOn,
	}

	err = c.sig.Send(ctx, signaling.TypeInvite, "", c.inviteRef, signaling.InvitePayload{
		CalleeID: calleeID,
		IsVideo:  isVideo,
		SDP:      offer,
	})
	if err != nil {
		drop = c.finishLocked(EventFailed, "", "", "Could not reach the server")
		return err
	}
	c.emitLocked(EventCalling, "")
	return nil
}

// OnIncomingInvite surfaces an incoming call and tells the caller it is ringing.
// No media is acquired until Answer.
func (c *Controller) OnIncomingInvite(ctx context.Context, p signaling.IncomingCallPayload) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.snap.State != StateIdle {
		if err := c.sig.Send(ctx, signaling.TypeReject, p.SessionID, "", signaling.RejectPayload{Reason: "busy"}); err != nil {
			c.log.Warn("busy reject failed", slog.String("session_id", p.SessionID), slog.Any("err", err))
		}
		return
	}

	c.snap = Snapshot{
		State:       StateIncoming,
		SessionID:   p.SessionID,
		PeerID:      p.CallerID,
		IsVideo:     p.IsVideo,
		IsVideoOff:  !p.IsVideo,
		IsSpeakerOn: c.snap.IsSpeakerOn,
	}
	c.remoteOffer = p.SDP

	if err := c.sig.Send(ctx, signaling.TypeRing, p.SessionID, "", nil); err != nil {
		c.log.Warn("ring failed", slog.String("session_id", p.SessionID), slog.Any("err", err))
	}
	c.emitLocked(EventIncoming, "")
}

// Answer acquires media, answers the caller's offer and enters connected.
func (c *Controller) Answer(ctx context.Context) (err error) {
	var drop MediaSession
	defer func() { closeMedia(drop, c.log) }()
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.snap.State != StateIncoming {
		return ErrNoIncoming
	}
	sessionID := c.snap.SessionID
	fail := func(cause error, msg string) error {
		_ = c.sig.Send(ctx, signaling.TypeReject, sessionID, "", signaling.RejectPayload{Reason: msg})
		drop = c.finishLocked(EventFailed, string(calls.EndRejected), "", msg)
		return cause
	}

	if c.remoteOffer == "" {
		return fail(ErrNoRemoteOffer, "no offer")
	}
	ms, err := c.media.Start(ctx, c.snap.IsVideo)
	if err != nil {
		return fail(fmt.Errorf("acquire media: %w", err), "media unavailable")
	}
	c.attachLocked(ms)

	answer, err := ms.AcceptOffer(ctx, c.remoteOffer)
	if err != nil {
		return fail(fmt.Errorf("accept offer: %w", err), "negotiation failed")
	}
	for _, cand := range c.remoteICE {
		if err := ms.AddICECandidate(cand); err != nil {
			c.log.Debug("remote candidate rejected", slog.Any("err", err))
		}
	}
	c.remoteICE = nil

	if err := c.sig.Send(ctx, signaling.TypeAnswer, sessionID, "", signaling.SDPPayload{SDP: answer}); err != nil {
		drop = c.finishLocked(EventFailed, "", "", "Could not reach the server")
		return err
	}

	now := c.clock()
	c.snap.State = StateConnected
	c.snap.ConnectedAt = &now
	c.snap.LocalStream = ms.LocalStreamID()
	c.emitLocked(EventConnected, "")
	return nil
}

// Reject declines the incoming call. No media was held.
func (c *Controller) Reject(ctx context.Context, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.snap.State != StateIncoming {
		return ErrNoIncoming
	}
	err := c.sig.Send(ctx, signaling.TypeReject, c.snap.SessionID, "", signaling.RejectPayload{Reason: reason})
	c.finishLocked(EventEnded, string(calls.EndRejected), "", calls.EndRejected.Message())
	return err
}

// EndCall hangs up in any non-idle state and releases local media.
func (c *Controller) EndCall(ctx context.Context) (err error) {
	var drop MediaSession
	defer func() { closeMedia(drop, c.log) }()
	c.mu.Lock()
	defer c.mu.Unlock()

	var reason calls.EndReason
	switch c.snap.State {
	case StateIdle:
		return nil
	case StateIncoming:
		reason = calls.EndRejected
	case StateCalling:
		reason = calls.EndCancelledByCaller
	default:
		reason = calls.EndAnsweredThenHangup
	}

	if c.snap.SessionID == "" {
		// invite_accepted has not arrived yet; end the session once it does.
		c.cancelRef = c.inviteRef
	} else {
		err = c.sig.Send(ctx, signaling.TypeEnd, c.snap.SessionID, "", nil)
	}
	drop = c.finishLocked(EventEnded, string(reason), "", reason.Message())
	return err
}

// ToggleMute flips the local microphone. It is never signaled to the peer.
func (c *Controller) ToggleMute() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snap.IsMuted = !c.snap.IsMuted
	if c.ms != nil {
		if err := c.ms.SetMuted(c.snap.IsMuted); err != nil {
			c.log.Warn("mute failed", slog.Any("err", err))
		}
	}
	return c.snap.IsMuted
}

func (c *Controller) ToggleVideo() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snap.IsVideoOff = !c.snap.IsVideoOff
	if c.ms != nil {
		if err := c.ms.SetVideoEnabled(!c.snap.IsVideoOff); err != nil {
			c.log.Warn("video toggle failed", slog.Any("err", err))
		}
	}
	return c.snap.IsVideoOff
}

// ToggleSpeaker only flips the flag; output routing belongs to the platform.
func (c *Controller) ToggleSpeaker() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snap.IsSpeakerOn = !c.snap.IsSpeakerOn
	return c.snap.IsSpeakerOn
}

// Run applies relay frames until ctx is done or the signaler closes. Losing the link
// ends any call in progress locally.
func (c *Controller) Run(ctx context.Context) error {
	frames := c.sig.Frames()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env, ok := <-frames:
			if !ok {
				c.linkLost()
				return ErrSignalerClosed
			}
			c.handle(ctx, env)
		}
	}
}

func (c *Controller) linkLost() {
	var drop MediaSession
	defer func() { closeMedia(drop, c.log) }()
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.snap.State == StateIdle {
		c.emitLocked(EventDisconnected, "")
		return
	}
	drop = c.finishLocked(EventDisconnected, string(calls.EndNetworkLost), "", calls.EndNetworkLost.Message())
}

func (c *Controller) handle(ctx context.Context, env signaling.Envelope) {
	switch env.Type {
	case signaling.TypeIncomingCall:
		var p signaling.IncomingCallPayload
		if c.decode(env, &p) {
			c.OnIncomingInvite(ctx, p)
		}
		return
	case signaling.TypeHeartbeatAck:
		return
	}

	var drop MediaSession
	defer func() { closeMedia(drop, c.log) }()
	c.mu.Lock()
	defer c.mu.Unlock()

	current := env.SessionID != "" && env.SessionID == c.snap.SessionID

	switch env.Type {
	case signaling.TypeInviteAccepted:
		var p signaling.InviteAcceptedPayload
		if !c.decode(env, &p) {
			return
		}
		if c.cancelRef != "" && env.Ref == c.cancelRef {
			c.cancelRef = ""
			if err := c.sig.Send(ctx, signaling.TypeEnd, p.SessionID, "", nil); err != nil {
				c.log.Warn("cancel failed", slog.String("session_id", p.SessionID), slog.Any("err", err))
			}
			return
		}
		if c.snap.State != StateCalling || env.Ref != c.inviteRef || c.snap.SessionID != "" {
			return
		}
		c.snap.SessionID = p.SessionID
		for _, cand := range c.localICE {
			c.sendCandidateLocked(ctx, cand)
		}
		c.localICE = nil

	case signaling.TypeRinging:
		if current && c.snap.State == StateCalling {
			c.emitLocked(EventRinging, "")
		}

	case signaling.TypeAnswer:
		var p signaling.SDPPayload
		if !current || c.ms == nil || !c.decode(env, &p) {
			return
		}
		if err := c.ms.SetAnswer(p.SDP); err != nil {
			c.log.Warn("remote answer rejected", slog.Any("err", err))
			if c.snap.State == StateCalling {
				_ = c.sig.Send(ctx, signaling.TypeEnd, c.snap.SessionID, "", nil)
				drop = c.finishLocked(EventFailed, "", "", "Could not connect media")
			}
			return
		}
		if c.snap.State == StateCalling {
			now := c.clock()
			c.snap.State = StateConnected
			c.snap.ConnectedAt = &now
			c.emitLocked(EventConnected, "")
		}

	case signaling.TypeOffer:
		var p signaling.SDPPayload
		if !current || c.snap.State != StateConnected || c.ms == nil || !c.decode(env, &p) {
			return
		}
		answer, err := c.ms.AcceptOffer(ctx, p.SDP)
		if err != nil {
			c.log.Warn("renegotiation failed", slog.Any("err", err))
			return
		}
		if err := c.sig.Send(ctx, signaling.TypeAnswer, c.snap.SessionID, "", signaling.SDPPayload{SDP: answer}); err != nil {
			c.log.Warn("renegotiation answer failed", slog.Any("err", err))
		}

	case signaling.TypeICECandidate:
		var p signaling.ICECandidatePayload
		if !current || !c.decode(env, &p) {
			return
		}
		if c.ms == nil {
			c.remoteICE = append(c.remoteICE, p)
			return
		}
		if err := c.ms.AddICECandidate(p); err != nil {
			c.log.Debug("remote candidate rejected", slog.Any("err", err))
		}

	case signaling.TypeCallEnded:
		var p signaling.CallEndedPayload
		if !current || !c.decode(env, &p) {
			return
		}
		drop = c.finishLocked(EventEnded, p.EndReason, "", p.Message)

	case signaling.TypeError:
		var p signaling.ErrorPayload
		if !c.decode(env, &p) {
			return
		}
		if c.snap.State == StateCalling && c.snap.SessionID == "" && env.Ref == c.inviteRef {
			drop = c.finishLocked(EventFailed, "", p.Code, p.Message)
			return
		}
		c.log.Warn("relay error", slog.String("code", p.Code), slog.String("message", p.Message))

	case signaling.TypeSessionReplaced:
		if c.snap.State == StateIdle {
			c.emitLocked(EventReplaced, "")
			return
		}
		drop = c.finishLocked(EventReplaced, string(calls.EndNetworkLost), "", "Signed in on another device")
	}
}

func (c *Controller) decode(env signaling.Envelope, dst any) bool {
	if err := json.Unmarshal(env.Payload, dst); err != nil {
		c.log.Warn("malformed payload", slog.String("type", env.Type), slog.Any("err", err))
		return false
	}
	return true
}

// attachLocked binds callbacks to ms; callbacks from a detached session are ignored.
func (c *Controller) attachLocked(ms MediaSession) {
	c.ms = ms
	ms.OnICECandidate(func(p signaling.ICECandidatePayload) {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.ms != ms {
			return
		}
		if c.snap.SessionID == "" {
			c.localICE = append(c.localICE, p)
			return
		}
		c.sendCandidateLocked(context.Background(), p)
	})
	ms.OnRemoteStream(func(streamID string) {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.ms != ms {
			return
		}
		c.snap.RemoteStream = streamID
		c.emitLocked(EventRemoteStream, "")
	})
}

func (c *Controller) sendCandidateLocked(ctx context.Context, p signaling.ICECandidatePayload) {
	if err := c.sig.Send(ctx, signaling.TypeICECandidate, c.snap.SessionID, "", p); err != nil {
		c.log.Debug("candidate not sent", slog.Any("err", err))
	}
}

// finishLocked returns to idle, emits typ and hands back the media to close once the
// lock is released.
func (c *Controller) finishLocked(typ EventType, endReason, code, msg string) MediaSession {
	ms := c.ms
	c.ms = nil

	ended := Snapshot{
		State:       StateIdle,
		SessionID:   c.snap.SessionID,
		PeerID:      c.snap.PeerID,
		IsVideo:     c.snap.IsVideo,
		IsSpeakerOn: c.snap.IsSpeakerOn,
		EndReason:   endReason,
		ErrorCode:   code,
	}
	if c.snap.ConnectedAt != nil {
		ended.ConnectedAt = c.snap.ConnectedAt
		ended.Duration = c.clock().Sub(*c.snap.ConnectedAt).Truncate(time.Second)
	}
	c.snap = Snapshot{
		State:       StateIdle,
		IsSpeakerOn: c.snap.IsSpeakerOn,
		EndReason:   endReason,
		ErrorCode:   code,
	}
	c.inviteRef = ""
	c.remoteOffer = ""
	c.localICE = nil
	c.remoteICE = nil

	c.push(Event{Type: typ, Snapshot: ended, Message: msg})
	return ms
}

func (c *Controller) snapshotLocked() Snapshot {
	s := c.snap
	if s.State == StateConnected && s.ConnectedAt != nil {
		s.Duration = c.clock().Sub(*s.ConnectedAt).Truncate(time.Second)
	}
	return s
}

func (c *Controller) emitLocked(typ EventType, msg string) {
	c.push(Event{Type: typ, Snapshot: c.snapshotLocked(), Message: msg})
}

func (c *Controller) push(ev Event) {
	select {
	case c.events <- ev:
	default:
		c.log.Warn("client event dropped", slog.String("type", string(ev.Type)))
	}
}

func closeMedia(ms MediaSession, log *slog.Logger) {
	if ms == nil {
		return
	}
	if err := ms.Close(); err != nil {
		log.Warn("media close failed", slog.Any("err", err))
	}
}
