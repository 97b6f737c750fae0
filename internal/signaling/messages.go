package signaling

import (
	"encoding/json"
	"errors"
)

var ErrDeliveryFailed = errors.New("signaling: delivery failed")

// Envelope is the only frame shape on the wire, in both directions.
type Envelope struct {
	Type      string          `json:"type" validate:"required,max=32"`
	SessionID string          `json:"session_id,omitempty" validate:"omitempty,uuid"`
	Ref       string          `json:"ref,omitempty" validate:"max=64"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Client -> server.
const (
	TypeInvite       = "invite"
	TypeRing         = "ring"
	TypeAnswer       = "answer"
	TypeReject       = "reject"
	TypeICECandidate = "ice_candidate"
	TypeOffer        = "offer"
	TypeEnd          = "end"
	TypeHeartbeat    = "heartbeat"
)

// Server -> client. answer, offer and ice_candidate are reused as-is.
const (
	TypeInviteAccepted  = "invite_accepted"
	TypeIncomingCall    = "incoming_call"
	TypeRinging         = "ringing"
	TypeCallEnded       = "call_ended"
	TypeHeartbeatAck    = "heartbeat_ack"
	TypeSessionReplaced = "session_replaced"
	TypeError           = "error"
)

// Error codes carried by TypeError.
const (
	CodeUserUnavailable = "user_unavailable"
	CodeAlreadyInCall   = "already_in_call"
	CodeInvalidMessage  = "invalid_message"
	CodeForbidden       = "forbidden"
)

type InvitePayload struct {
	CalleeID string `json:"callee_id" validate:"required,max=128"`
	IsVideo  bool   `json:"is_video"`
	SDP      string `json:"sdp,omitempty" validate:"max=65536"`
}

type SDPPayload struct {
	SDP string `json:"sdp" validate:"required,max=65536"`
}

type RejectPayload struct {
	Reason string `json:"reason" validate:"max=256"`
}

type EndPayload struct {
	Reason string `json:"reason,omitempty" validate:"max=256"`
}

type ICECandidatePayload struct {
	Candidate     string  `json:"candidate" validate:"required,max=4096"`
	SDPMid        *string `json:"sdp_mid,omitempty" validate:"omitempty,max=64"`
	SDPMLineIndex *int    `json:"sdp_mline_index,omitempty" validate:"omitempty,min=0,max=255"`
}

type InviteAcceptedPayload struct {
	SessionID string `json:"session_id"`
}

type IncomingCallPayload struct {
	SessionID string `json:"session_id"`
	CallerID  string `json:"caller_id"`
	IsVideo   bool   `json:"is_video"`
	SDP       string `json:"sdp,omitempty"`
}

type CallEndedPayload struct {
	EndReason       string `json:"end_reason"`
	Detail          string `json:"detail,omitempty"`
	Message         string `json:"message"`
	DurationSeconds int    `json:"duration_seconds"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Encode builds one wire frame. A nil payload is omitted.
func Encode(typ, sessionID, ref string, payload any) ([]byte, error) {
	env := Envelope{Type: typ, SessionID: sessionID, Ref: ref}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		env.Payload = raw
	}
	return json.Marshal(env)
}
