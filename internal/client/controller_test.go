package client

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"telehealth-calls/internal/signaling"
)

type sentFrame struct {
	typ       string
	sessionID string
	ref       string
	payload   any
}

type fakeSignaler struct {
	sent   chan sentFrame
	frames chan signaling.Envelope
	fail   error
}

func newFakeSignaler() *fakeSignaler {
	return &fakeSignaler{sent: make(chan sentFrame, 32), frames: make(chan signaling.Envelope, 32)}
}

func (s *fakeSignaler) Send(_ context.Context, typ, sessionID, ref string, payload any) error {
	if s.fail != nil {
		return s.fail
	}
	s.sent <- sentFrame{typ: typ, sessionID: sessionID, ref: ref, payload: payload}
	return nil
}

func (s *fakeSignaler) Frames() <-chan signaling.Envelope { return s.frames }

func (s *fakeSignaler) push(t *testing.T, typ, sessionID, ref string, payload any) {
	t.Helper()
	env := signaling.Envelope{Type: typ, SessionID: sessionID, Ref: ref}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		env.Payload = raw
	}
	s.frames <- env
}

func (s *fakeSignaler) expect(t *testing.T, typ string) sentFrame {
	t.Helper()
	select {
	case f := <-s.sent:
		if f.typ != typ {
			t.Fatalf("expected %s sent, got %s", typ, f.typ)
		}
		return f
	case <-time.After(2 * time.Second):
		t.Fatalf("nothing sent, expected %s", typ)
		return sentFrame{}
	}
}

func (s *fakeSignaler) none(t *testing.T) {
	t.Helper()
	select {
	case f := <-s.sent:
		t.Fatalf("unexpected %s sent", f.typ)
	default:
	}
}

type fakeSession struct {
	mu          sync.Mutex
	id          string
	closed      int
	answers     []string
	acceptedSDP []string
	candidates  []signaling.ICECandidatePayload
	muted       bool
	onICE       func(signaling.ICECandidatePayload)
	onRemote    func(string)
}

func (s *fakeSession) LocalStreamID() string                       { return s.id }
func (s *fakeSession) CreateOffer(context.Context) (string, error) { return "offer-" + s.id, nil }

func (s *fakeSession) AcceptOffer(_ context.Context, sdp string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acceptedSDP = append(s.acceptedSDP, sdp)
	return "answer-" + s.id, nil
}

func (s *fakeSession) SetAnswer(sdp string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.answers = append(s.answers, sdp)
	return nil
}

func (s *fakeSession) AddICECandidate(c signaling.ICECandidatePayload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.candidates = append(s.candidates, c)
	return nil
}

func (s *fakeSession) OnICECandidate(fn func(signaling.ICECandidatePayload)) { s.onICE = fn }
func (s *fakeSession) OnRemoteStream(fn func(string))                       { s.onRemote = fn }

func (s *fakeSession) SetMuted(m bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.muted = m
	return nil
}

func (s *fakeSession) SetVideoEnabled(bool) error { return nil }

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
	return nil
}

func (s *fakeSession) closeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type fakeMedia struct {
	mu       sync.Mutex
	sessions []*fakeSession
	err      error
}

func (m *fakeMedia) Start(context.Context, bool) (MediaSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	s := &fakeSession{id: "local-" + string(rune('a'+len(m.sessions)))}
	m.sessions = append(m.sessions, s)
	return s, nil
}

func (m *fakeMedia) started() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *fakeMedia) last() *fakeSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[len(m.sessions)-1]
}

type fixture struct {
	c     *Controller
	sig   *fakeSignaler
	media *fakeMedia
	now   time.Time
	mu    sync.Mutex
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{sig: newFakeSignaler(), media: &fakeMedia{}, now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
	f.c = NewController(f.sig, f.media, WithClock(f.clock))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = f.c.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return f
}

func (f *fixture) clock() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fixture) advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func (f *fixture) event(t *testing.T, typ EventType) Event {
	t.Helper()
	select {
	case ev := <-f.c.Events():
		if ev.Type != typ {
			t.Fatalf("expected %s event, got %s", typ, ev.Type)
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s event", typ)
		return Event{}
	}
}

const sid = "0b9d3a54-6f6e-4d0b-9a38-3f7c0d6a1e11"

// placeConnected drives an outgoing call through to connected.
func (f *fixture) placeConnected(t *testing.T) *fakeSession {
	t.Helper()
	if err := f.c.PlaceCall(context.Background(), "doc-1", true); err != nil {
		t.Fatalf("place: %v", err)
	}
	inv := f.sig.expect(t, signaling.TypeInvite)
	f.event(t, EventCalling)

	f.sig.push(t, signaling.TypeInviteAccepted, "", inv.ref, signaling.InviteAcceptedPayload{SessionID: sid})
	f.sig.push(t, signaling.TypeRinging, sid, "", nil)
	f.event(t, EventRinging)
	f.sig.push(t, signaling.TypeAnswer, sid, "", signaling.SDPPayload{SDP: "remote-answer"})
	f.event(t, EventConnected)
	return f.media.last()
}

func TestController_OutgoingCall(t *testing.T) {
	f := newFixture(t)
	if err := f.c.PlaceCall(context.Background(), "doc-1", true); err != nil {
		t.Fatalf("place: %v", err)
	}
	inv := f.sig.expect(t, signaling.TypeInvite)
	p := inv.payload.(signaling.InvitePayload)
	if p.CalleeID != "doc-1" || !p.IsVideo || p.SDP != "offer-local-a" || inv.ref == "" {
		t.Fatalf("unexpected invite: %+v ref=%q", p, inv.ref)
	}
	ev := f.event(t, EventCalling)
	if ev.Snapshot.State != StateCalling || ev.Snapshot.LocalStream != "local-a" {
		t.Fatalf("unexpected snapshot: %+v", ev.Snapshot)
	}
	if err := f.c.PlaceCall(context.Background(), "doc-2", false); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}

	// Candidates gathered before the session id is known are held back.
	ms := f.media.last()
	ms.onICE(signaling.ICECandidatePayload{Candidate: "early"})
	f.sig.none(t)

	f.sig.push(t, signaling.TypeInviteAccepted, "", inv.ref, signaling.InviteAcceptedPayload{SessionID: sid})
	if c := f.sig.expect(t, signaling.TypeICECandidate); c.sessionID != sid {
		t.Fatalf("held candidate sent without session: %+v", c)
	}

	f.sig.push(t, signaling.TypeRinging, sid, "", nil)
	f.event(t, EventRinging)
	f.sig.push(t, signaling.TypeAnswer, sid, "", signaling.SDPPayload{SDP: "remote-answer"})
	ev = f.event(t, EventConnected)
	if ev.Snapshot.SessionID != sid || ev.Snapshot.ConnectedAt == nil {
		t.Fatalf("unexpected connected snapshot: %+v", ev.Snapshot)
	}
	if len(ms.answers) != 1 || ms.answers[0] != "remote-answer" {
		t.Fatalf("answer not applied: %v", ms.answers)
	}

	f.advance(65 * time.Second)
	if d := f.c.Snapshot().Duration; d != 65*time.Second {
		t.Fatalf("unexpected duration %s", d)
	}

	f.sig.push(t, signaling.TypeCallEnded, sid, "", signaling.CallEndedPayload{
		EndReason: "answered_then_hangup", Message: "Call ended", DurationSeconds: 65,
	})
	ev = f.event(t, EventEnded)
	if ev.Message != "Call ended" || ev.Snapshot.EndReason != "answered_then_hangup" || ev.Snapshot.SessionID != sid {
		t.Fatalf("unexpected ended event: %+v", ev)
	}
	if ms.closeCount() != 1 {
		t.Fatalf("media must be released once, closed %d", ms.closeCount())
	}
	if s := f.c.Snapshot(); s.State != StateIdle || s.SessionID != "" {
		t.Fatalf("expected idle, got %+v", s)
	}
}

func TestController_IncomingAnswer(t *testing.T) {
	f := newFixture(t)
	f.sig.push(t, signaling.TypeIncomingCall, sid, "", signaling.IncomingCallPayload{
		SessionID: sid, CallerID: "pat-1", IsVideo: false, SDP: "remote-offer",
	})
	if r := f.sig.expect(t, signaling.TypeRing); r.sessionID != sid {
		t.Fatalf("ring for wrong session %q", r.sessionID)
	}
	ev := f.event(t, EventIncoming)
	if ev.Snapshot.PeerID != "pat-1" || ev.Snapshot.State != StateIncoming || !ev.Snapshot.IsVideoOff {
		t.Fatalf("unexpected incoming snapshot: %+v", ev.Snapshot)
	}
	if f.media.started() != 0 {
		t.Fatalf("media must not be acquired before answer")
	}

	f.sig.push(t, signaling.TypeICECandidate, sid, "", signaling.ICECandidatePayload{Candidate: "remote-1"})
	f.sig.push(t, signaling.TypeHeartbeatAck, "", "", nil)
	// Let Run process the candidate before answering.
	waitUntil(t, func() bool {
		f.c.mu.Lock()
		defer f.c.mu.Unlock()
		return len(f.c.remoteICE) == 1
	})

	if err := f.c.Answer(context.Background()); err != nil {
		t.Fatalf("answer: %v", err)
	}
	ans := f.sig.expect(t, signaling.TypeAnswer)
	if ans.payload.(signaling.SDPPayload).SDP != "answer-local-a" {
		t.Fatalf("unexpected answer payload %+v", ans.payload)
	}
	f.event(t, EventConnected)

	ms := f.media.last()
	if len(ms.acceptedSDP) != 1 || ms.acceptedSDP[0] != "remote-offer" || len(ms.candidates) != 1 {
		t.Fatalf("offer or early candidate not applied: %+v", ms)
	}

	if err := f.c.EndCall(context.Background()); err != nil {
		t.Fatalf("end: %v", err)
	}
	f.sig.expect(t, signaling.TypeEnd)
	ev = f.event(t, EventEnded)
	if ev.Snapshot.EndReason != "answered_then_hangup" {
		t.Fatalf("unexpected end reason %q", ev.Snapshot.EndReason)
	}
	if ms.closeCount() != 1 {
		t.Fatalf("media not released")
	}

	// The server's own call_ended for the finished session is ignored.
	f.sig.push(t, signaling.TypeCallEnded, sid, "", signaling.CallEndedPayload{EndReason: "answered_then_hangup"})
	f.sig.push(t, signaling.TypeSessionReplaced, "", "", nil)
	f.event(t, EventReplaced)
}

func TestController_RejectHoldsNoMedia(t *testing.T) {
	f := newFixture(t)
	f.sig.push(t, signaling.TypeIncomingCall, sid, "", signaling.IncomingCallPayload{SessionID: sid, CallerID: "pat-1", SDP: "o"})
	f.sig.expect(t, signaling.TypeRing)
	f.event(t, EventIncoming)

	if err := f.c.Reject(context.Background(), "busy"); err != nil {
		t.Fatalf("reject: %v", err)
	}
	r := f.sig.expect(t, signaling.TypeReject)
	if r.payload.(signaling.RejectPayload).Reason != "busy" {
		t.Fatalf("reason not sent: %+v", r.payload)
	}
	ev := f.event(t, EventEnded)
	if ev.Message != "Call declined" || f.media.started() != 0 {
		t.Fatalf("unexpected reject outcome: %+v", ev)
	}
	if err := f.c.Reject(context.Background(), ""); !errors.Is(err, ErrNoIncoming) {
		t.Fatalf("expected ErrNoIncoming, got %v", err)
	}
}

func TestController_InviteErrorReleasesMedia(t *testing.T) {
	f := newFixture(t)
	if err := f.c.PlaceCall(context.Background(), "doc-1", false); err != nil {
		t.Fatalf("place: %v", err)
	}
	inv := f.sig.expect(t, signaling.TypeInvite)
	f.event(t, EventCalling)

	f.sig.push(t, signaling.TypeError, "", inv.ref, signaling.ErrorPayload{Code: "user_unavailable", Message: "user is not online"})
	ev := f.event(t, EventFailed)
	if ev.Snapshot.ErrorCode != "user_unavailable" {
		t.Fatalf("unexpected failed event: %+v", ev)
	}
	if f.media.last().closeCount() != 1 {
		t.Fatalf("media not released after error reply")
	}
}

func TestController_SendFailureReleasesMedia(t *testing.T) {
	f := newFixture(t)
	f.sig.fail = errors.New("link down")
	if err := f.c.PlaceCall(context.Background(), "doc-1", false); err == nil {
		t.Fatalf("expected send error")
	}
	f.event(t, EventFailed)
	if f.media.last().closeCount() != 1 || f.c.Snapshot().State != StateIdle {
		t.Fatalf("failed placement must release media and return to idle")
	}
}

func TestController_CancelBeforeAccepted(t *testing.T) {
	f := newFixture(t)
	if err := f.c.PlaceCall(context.Background(), "doc-1", true); err != nil {
		t.Fatalf("place: %v", err)
	}
	inv := f.sig.expect(t, signaling.TypeInvite)
	f.event(t, EventCalling)

	if err := f.c.EndCall(context.Background()); err != nil {
		t.Fatalf("end: %v", err)
	}
	ev := f.event(t, EventEnded)
	if ev.Snapshot.EndReason != "cancelled_by_caller" {
		t.Fatalf("unexpected reason %q", ev.Snapshot.EndReason)
	}
	f.sig.none(t)

	f.sig.push(t, signaling.TypeInviteAccepted, "", inv.ref, signaling.InviteAcceptedPayload{SessionID: sid})
	if e := f.sig.expect(t, signaling.TypeEnd); e.sessionID != sid {
		t.Fatalf("late cancel for wrong session %q", e.sessionID)
	}
}

func TestController_LinkLostReleasesMedia(t *testing.T) {
	f := newFixture(t)
	ms := f.placeConnected(t)

	close(f.sig.frames)
	ev := f.event(t, EventDisconnected)
	if ev.Snapshot.EndReason != "network_lost" || ev.Message != "Connection lost" {
		t.Fatalf("unexpected disconnect event: %+v", ev)
	}
	if ms.closeCount() != 1 {
		t.Fatalf("media not released on link loss")
	}
}

func TestController_TogglesAreLocal(t *testing.T) {
	f := newFixture(t)
	ms := f.placeConnected(t)

	if !f.c.ToggleMute() || !ms.muted {
		t.Fatalf("mute not applied to media")
	}
	if !f.c.ToggleVideo() {
		t.Fatalf("video should be off")
	}
	if !f.c.ToggleSpeaker() {
		t.Fatalf("speaker should be on")
	}
	f.sig.none(t)

	s := f.c.Snapshot()
	if !s.IsMuted || !s.IsVideoOff || !s.IsSpeakerOn {
		t.Fatalf("unexpected flags: %+v", s)
	}
	if f.c.ToggleMute() || ms.muted {
		t.Fatalf("unmute not applied")
	}
}

func TestController_RemoteStreamAndRenegotiation(t *testing.T) {
	f := newFixture(t)
	ms := f.placeConnected(t)

	ms.onRemote("remote-stream")
	if ev := f.event(t, EventRemoteStream); ev.Snapshot.RemoteStream != "remote-stream" {
		t.Fatalf("unexpected remote stream %q", ev.Snapshot.RemoteStream)
	}

	f.sig.push(t, signaling.TypeOffer, sid, "", signaling.SDPPayload{SDP: "new-offer"})
	if a := f.sig.expect(t, signaling.TypeAnswer); a.sessionID != sid {
		t.Fatalf("renegotiation answer for wrong session")
	}
}

func TestController_BusyRejectsSecondInvite(t *testing.T) {
	f := newFixture(t)
	f.placeConnected(t)

	other := "6a0f4f43-0c0e-4c8b-8e8e-1f5d2d9a7b22"
	f.sig.push(t, signaling.TypeIncomingCall, other, "", signaling.IncomingCallPayload{SessionID: other, CallerID: "pat-9", SDP: "o"})
	r := f.sig.expect(t, signaling.TypeReject)
	if r.sessionID != other || f.c.Snapshot().SessionID != sid {
		t.Fatalf("second invite must be rejected without touching the call")
	}
}

func TestFormatDuration(t *testing.T) {
	cases := map[int]string{0: "00:00", 5: "00:05", 65: "01:05", 3599: "59:59", 3600: "60:00", -3: "00:00"}
	for in, want := range cases {
		if got := FormatDuration(in); got != want {
			t.Fatalf("FormatDuration(%d) = %q, want %q", in, got, want)
		}
	}
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met")
		}
		time.Sleep(2 * time.Millisecond)
	}
}
