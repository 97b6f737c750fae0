package signaling

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"telehealth-calls/internal/auth"
	"telehealth-calls/internal/calls"
	"telehealth-calls/internal/rbac"
	"telehealth-calls/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// ServeWS upgrades an authenticated request into a signaling connection.
// Identity comes from auth.RequireAccessTokenOrQuery.
func (r *Relay) ServeWS(c *gin.Context) {
	ctx := c.Request.Context()
	userID, err := auth.UserID(ctx)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	role, err := auth.Role(ctx)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	ws, err := r.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		r.log.Debug("websocket upgrade failed", slog.String("user_id", userID), slog.Any("err", err))
		return
	}

	conn := newConn(ws, userID, role, r.cfg.SendBuffer, logger.From(ctx, r.log))

	// A new login supersedes the old device and its call. Ending the call while the old
	// connection is still registered sends it call_ended ahead of session_replaced.
	if _, online := r.table.Lookup(userID); online {
		if s, ok := r.machine.Disconnect(r.ctx, userID, "signaling connection replaced"); ok {
			conn.log.Info("call lost with replaced connection", slog.String("session_id", s.ID))
		}
	}
	if prev, replaced := r.table.Register(userID, conn); replaced {
		if old, ok := prev.(*Conn); ok {
			r.sendTo(old, TypeSessionReplaced, "", "", nil)
			old.closeAfterFlush()
		}
		conn.log.Info("signaling connection replaced", slog.String("replaced_conn_id", prev.ID()))
	} else {
		conn.log.Info("signaling connection opened", slog.String("role", role))
	}

	r.conns.Add(1)
	go conn.writePump(r.cfg.PingInterval, r.cfg.WriteTimeout)
	go func() {
		defer r.conns.Done()
		r.readPump(conn)
	}()
}

// readPump owns all reads. Any inbound frame or pong keeps the connection alive for
// another HeartbeatGrace.
func (r *Relay) readPump(c *Conn) {
	defer r.closeConn(c)

	grace := r.cfg.HeartbeatGrace
	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(grace))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(grace))
	})

	for {
		typ, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Debug("websocket read failed", slog.Any("err", err))
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(grace))
		if typ != websocket.TextMessage {
			continue
		}
		r.dispatch(c, data)
	}
}

func (r *Relay) closeConn(c *Conn) {
	c.close()
	if !r.table.Unregister(c.userID, c) {
		// Superseded; the newer connection owns the user's session.
		c.log.Debug("signaling connection closed after replacement")
		return
	}
	if s, ok := r.machine.Disconnect(r.ctx, c.userID, "signaling connection closed"); ok {
		c.log.Info("call lost with connection", slog.String("session_id", s.ID))
	}
	c.log.Info("signaling connection closed")
}

func (r *Relay) dispatch(c *Conn, data []byte) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		r.sendError(c, "", "", CodeInvalidMessage, "malformed frame")
		return
	}
	if err := r.validate.Struct(env); err != nil {
		r.sendError(c, env.SessionID, env.Ref, CodeInvalidMessage, "invalid envelope")
		return
	}

	switch env.Type {
	case TypeHeartbeat:
		r.table.Touch(c)
		r.sendTo(c, TypeHeartbeatAck, "", env.Ref, nil)

	case TypeInvite:
		var p InvitePayload
		if !r.decode(c, env, &p, true) {
			return
		}
		r.handleInvite(c, env, p)

	case TypeRing, TypeAnswer, TypeReject, TypeEnd:
		if env.SessionID == "" {
			r.sendError(c, "", env.Ref, CodeInvalidMessage, "session_id is required")
			return
		}
		if env.Type == TypeAnswer && r.connected(env.SessionID) {
			// Renegotiation answer; the session is already connected.
			var p SDPPayload
			if r.decode(c, env, &p, true) {
				r.relayToPeer(c, env)
			}
			return
		}
		r.handleCallEvent(c, env)

	case TypeICECandidate:
		var p ICECandidatePayload
		if !r.decode(c, env, &p, true) {
			return
		}
		r.relayToPeer(c, env)

	case TypeOffer:
		var p SDPPayload
		if !r.decode(c, env, &p, true) {
			return
		}
		r.relayToPeer(c, env)

	default:
		r.sendError(c, env.SessionID, env.Ref, CodeInvalidMessage, "unknown message type")
	}
}

// decode unmarshals and validates the payload. An absent optional payload stays zero.
func (r *Relay) decode(c *Conn, env Envelope, dst any, required bool) bool {
	if len(env.Payload) == 0 || string(env.Payload) == "null" {
		if !required {
			return true
		}
		r.sendError(c, env.SessionID, env.Ref, CodeInvalidMessage, "payload is required")
		return false
	}
	if err := json.Unmarshal(env.Payload, dst); err != nil {
		r.sendError(c, env.SessionID, env.Ref, CodeInvalidMessage, "malformed payload")
		return false
	}
	if err := r.validate.Struct(dst); err != nil {
		r.sendError(c, env.SessionID, env.Ref, CodeInvalidMessage, "invalid payload")
		return false
	}
	return true
}

func (r *Relay) handleInvite(c *Conn, env Envelope, p InvitePayload) {
	callee, ok := r.table.Lookup(p.CalleeID)
	if !ok {
		r.sendError(c, "", env.Ref, CodeUserUnavailable, "user is not online")
		return
	}
	if !rbac.CanCall(c.role, callee.Role()) {
		r.sendError(c, "", env.Ref, CodeForbidden, "call not permitted")
		return
	}

	_, err := r.machine.Invite(r.ctx, calls.InviteRequest{
		CallerID: c.userID,
		CalleeID: p.CalleeID,
		IsVideo:  p.IsVideo,
		SDP:      p.SDP,
		Ref:      env.Ref,
	})
	if err == nil {
		return
	}
	if code, known := errorCode(err); known {
		r.sendError(c, "", env.Ref, code, err.Error())
		return
	}
	c.log.Error("invite failed", slog.Any("err", err))
}

func (r *Relay) handleCallEvent(c *Conn, env Envelope) {
	ev := calls.Event{SessionID: env.SessionID, Actor: c.userID, Ref: env.Ref}
	switch env.Type {
	case TypeRing:
		ev.Kind = calls.EventRing
	case TypeAnswer:
		var p SDPPayload
		if !r.decode(c, env, &p, true) {
			return
		}
		ev.Kind = calls.EventAnswer
		ev.SDP = p.SDP
	case TypeReject:
		var p RejectPayload
		if !r.decode(c, env, &p, false) {
			return
		}
		ev.Kind = calls.EventReject
		ev.Detail = p.Reason
	case TypeEnd:
		var p EndPayload
		if !r.decode(c, env, &p, false) {
			return
		}
		ev.Kind = calls.EventEnd
		ev.Detail = p.Reason
	}

	_, err := r.machine.Apply(r.ctx, ev)
	switch {
	case err == nil:
	case errors.Is(err, calls.ErrNotParticipant):
		r.sendError(c, env.SessionID, env.Ref, CodeForbidden, "not a participant")
	case errors.Is(err, calls.ErrInvalidTransition), errors.Is(err, calls.ErrSessionNotFound):
		// Late or duplicate events are expected around timeouts and hangups.
		c.log.Debug("signaling event discarded",
			slog.String("session_id", env.SessionID),
			slog.String("type", env.Type),
			slog.Any("err", err),
		)
	default:
		c.log.Error("signaling event failed", slog.String("type", env.Type), slog.Any("err", err))
	}
}

func (r *Relay) connected(sessionID string) bool {
	s, ok := r.machine.Store().Get(sessionID)
	return ok && s.State == calls.StateConnected
}

// relayToPeer forwards media negotiation frames unchanged while the session is live.
func (r *Relay) relayToPeer(c *Conn, env Envelope) {
	if env.SessionID == "" {
		r.sendError(c, "", env.Ref, CodeInvalidMessage, "session_id is required")
		return
	}
	s, ok := r.machine.Store().Get(env.SessionID)
	if !ok || s.State.Terminal() {
		c.log.Debug("relay discarded", slog.String("session_id", env.SessionID), slog.String("type", env.Type))
		return
	}
	peer, ok := s.Peer(c.userID)
	if !ok {
		r.sendError(c, env.SessionID, env.Ref, CodeForbidden, "not a participant")
		return
	}
	r.deliver(peer, s, env.Type, "", env.Payload)
}
