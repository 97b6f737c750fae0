package calls

import "time"

// Session is one call attempt between a caller and a callee.
//
// Mutated only by Machine under the session's own lock; everything handed out of this
// package is a copy.
type Session struct {
	ID  string `json:"session_id"`
	Seq uint64 `json:"seq"`

	CallerID string `json:"caller_id"`
	CalleeID string `json:"callee_id"`
	IsVideo  bool   `json:"is_video"`

	State State `json:"state"`

	StartedAt   time.Time  `json:"started_at"`
	ConnectedAt *time.Time `json:"connected_at,omitempty"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`

	EndReason EndReason `json:"end_reason,omitempty"`
	// EndDetail is free text accompanying EndReason, e.g. the reject reason.
	EndDetail string `json:"end_detail,omitempty"`
}

// DurationSeconds is EndedAt - ConnectedAt in whole seconds, or 0 if the call never connected.
func (s Session) DurationSeconds() int {
	if s.ConnectedAt == nil || s.EndedAt == nil {
		return 0
	}
	d := s.EndedAt.Sub(*s.ConnectedAt)
	if d < 0 {
		return 0
	}
	return int(d / time.Second)
}

func (s Session) IsParticipant(userID string) bool {
	return userID != "" && (userID == s.CallerID || userID == s.CalleeID)
}

// Peer returns the other participant.
func (s Session) Peer(userID string) (string, bool) {
	switch userID {
	case s.CallerID:
		return s.CalleeID, true
	case s.CalleeID:
		return s.CallerID, true
	default:
		return "", false
	}
}

type State string

const (
	StateIdle      State = "idle"
	StateCalling   State = "calling"
	StateRinging   State = "ringing"
	StateConnected State = "connected"
	StateEnded     State = "ended"
)

func (s State) Terminal() bool { return s == StateEnded }

// Pending is true while the ring timer is armed.
func (s State) Pending() bool { return s == StateCalling || s == StateRinging }

type EndReason string

const (
	EndAnsweredThenHangup EndReason = "answered_then_hangup"
	EndRejected           EndReason = "rejected"
	EndMissedTimeout      EndReason = "missed_timeout"
	EndNetworkLost        EndReason = "network_lost"
	EndCancelledByCaller  EndReason = "cancelled_by_caller"
)

// Message is the user-facing text for an end reason.
func (r EndReason) Message() string {
	switch r {
	case EndAnsweredThenHangup:
		return "Call ended"
	case EndRejected:
		return "Call declined"
	case EndMissedTimeout:
		return "No answer"
	case EndNetworkLost:
		return "Connection lost"
	case EndCancelledByCaller:
		return "Call cancelled"
	default:
		return "Call ended"
	}
}

// Outcome groups end reasons into the history categories shown to users.
func (r EndReason) Outcome() string {
	switch r {
	case EndAnsweredThenHangup:
		return "completed"
	case EndRejected:
		return "rejected"
	case EndMissedTimeout, EndCancelledByCaller:
		return "missed"
	case EndNetworkLost:
		return "failed"
	default:
		return "unknown"
	}
}

type EventKind string

const (
	EventInvite  EventKind = "invite"
	EventRing    EventKind = "ring"
	EventAnswer  EventKind = "answer"
	EventReject  EventKind = "reject"
	EventEnd     EventKind = "end"
	EventTimeout EventKind = "timeout"
	EventLost    EventKind = "lost"
)

func (k EventKind) fromUser() bool {
	switch k {
	case EventInvite, EventRing, EventAnswer, EventReject, EventEnd:
		return true
	default:
		return false
	}
}

// Event is one input to the state machine.
type Event struct {
	Kind      EventKind
	SessionID string
	// Actor is the user who sent the event; empty for timers and connection loss.
	Actor  string
	Detail string
	// SDP is opaque and only carried through to the peer.
	SDP string
	// Ref is the client correlation id, echoed back to the actor.
	Ref string
}

// Transition is emitted for every accepted event.
type Transition struct {
	Session Session
	From    State
	To      State
	Event   Event
	At      time.Time
}

// InviteRequest starts a new session.
type InviteRequest struct {
	CallerID string
	CalleeID string
	IsVideo  bool
	SDP      string
	Ref      string
}
