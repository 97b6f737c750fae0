package client

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrBusy          = errors.New("client: a call is already in progress")
	ErrNoIncoming    = errors.New("client: no incoming call")
	ErrNoRemoteOffer = errors.New("client: incoming call carried no offer")
)

// State is the controller's local view; it lags the server by at most one frame.
type State string

const (
	StateIdle      State = "idle"
	StateCalling   State = "calling"
	StateIncoming  State = "incoming"
	StateConnected State = "connected"
)

type EventType string

const (
	EventCalling      EventType = "calling"
	EventIncoming     EventType = "incoming"
	EventRinging      EventType = "ringing"
	EventConnected    EventType = "connected"
	EventRemoteStream EventType = "remote_stream"
	EventEnded        EventType = "ended"
	EventFailed       EventType = "failed"
	EventReplaced     EventType = "replaced"
	EventDisconnected EventType = "disconnected"
)

// Event is one entry of the ordered stream returned by Controller.Events.
type Event struct {
	Type     EventType
	Snapshot Snapshot
	// Message is user-facing text for ended and failed events.
	Message string
}

// Snapshot is everything a UI needs to render the call.
type Snapshot struct {
	State        State
	SessionID    string
	PeerID       string
	IsVideo      bool
	LocalStream  string
	RemoteStream string
	IsMuted      bool
	IsVideoOff   bool
	IsSpeakerOn  bool
	ConnectedAt  *time.Time
	Duration     time.Duration

	// Set by the last ended or failed call.
	EndReason string
	ErrorCode string
}

// FormatDuration renders whole seconds as mm:ss. Minutes are not wrapped into hours.
func FormatDuration(seconds int) string {
	if seconds < 0 {
		seconds = 0
	}
	return fmt.Sprintf("%02d:%02d", seconds/60, seconds%60)
}
