package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"telehealth-calls/internal/signaling"

	"github.com/gorilla/websocket"
)

// ackServer answers every frame with heartbeat_ack carrying the same ref, then closes
// after the frame whose ref is "bye".
func ackServer(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		for {
			var env signaling.Envelope
			if err := ws.ReadJSON(&env); err != nil {
				return
			}
			frame, _ := signaling.Encode(signaling.TypeHeartbeatAck, "", env.Ref, nil)
			if err := ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
			if env.Ref == "bye" {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestWSSignaler_RoundTrip(t *testing.T) {
	srv := ackServer(t)
	s, err := DialSignaler(context.Background(), wsURL(srv), "tok", 0)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer s.Close()

	if err := s.Send(context.Background(), signaling.TypeHeartbeat, "", "h1", nil); err != nil {
		t.Fatalf("send: %v", err)
	}
	select {
	case env := <-s.Frames():
		if env.Type != signaling.TypeHeartbeatAck || env.Ref != "h1" {
			t.Fatalf("unexpected frame %+v", env)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no ack")
	}

	if err := s.Send(context.Background(), signaling.TypeHeartbeat, "", "bye", nil); err != nil {
		t.Fatalf("send: %v", err)
	}
	<-s.Frames()
	select {
	case _, ok := <-s.Frames():
		if ok {
			t.Fatalf("expected frames to close")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("frames not closed after server hangup")
	}
}

func TestWSSignaler_RejectsBadToken(t *testing.T) {
	srv := ackServer(t)
	if _, err := DialSignaler(context.Background(), wsURL(srv), "wrong", 0); err == nil {
		t.Fatalf("expected dial error")
	}
}

func TestWSSignaler_Heartbeat(t *testing.T) {
	srv := ackServer(t)
	s, err := DialSignaler(context.Background(), wsURL(srv), "tok", 20*time.Millisecond)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer s.Close()

	select {
	case env := <-s.Frames():
		if env.Type != signaling.TypeHeartbeatAck {
			t.Fatalf("unexpected frame %+v", env)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("heartbeat not sent")
	}
}
