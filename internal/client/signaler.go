package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"telehealth-calls/internal/signaling"

	"github.com/gorilla/websocket"
)

// Signaler carries envelopes to and from the relay. Frames is closed when the link drops.
type Signaler interface {
	Send(ctx context.Context, typ, sessionID, ref string, payload any) error
	Frames() <-chan signaling.Envelope
}

// WSSignaler is a Signaler over one websocket. Reads happen on an internal goroutine,
// which also answers server pings.
type WSSignaler struct {
	ws  *websocket.Conn
	log *slog.Logger

	writeTimeout time.Duration

	wmu    sync.Mutex
	frames chan signaling.Envelope
	done   chan struct{}
	once   sync.Once
}

type SignalerOption func(*WSSignaler)

func WithWriteTimeout(d time.Duration) SignalerOption {
	return func(s *WSSignaler) {
		if d > 0 {
			s.writeTimeout = d
		}
	}
}

func WithSignalerLogger(l *slog.Logger) SignalerOption {
	return func(s *WSSignaler) {
		if l != nil {
			s.log = l
		}
	}
}

// DialSignaler connects to the relay with a bearer access token. heartbeat <= 0 disables
// application heartbeats; websocket pongs still keep the link alive.
func DialSignaler(ctx context.Context, url, accessToken string, heartbeat time.Duration, opts ...SignalerOption) (*WSSignaler, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+accessToken)

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, fmt.Errorf("dial signaling: %w", err)
	}

	s := &WSSignaler{
		ws:           ws,
		log:          slog.Default(),
		writeTimeout: 5 * time.Second,
		frames:       make(chan signaling.Envelope, 64),
		done:         make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}

	go s.readLoop()
	if heartbeat > 0 {
		go s.heartbeatLoop(heartbeat)
	}
	return s, nil
}

func (s *WSSignaler) Frames() <-chan signaling.Envelope { return s.frames }

func (s *WSSignaler) Send(ctx context.Context, typ, sessionID, ref string, payload any) error {
	frame, err := signaling.Encode(typ, sessionID, ref, payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", typ, err)
	}

	deadline := time.Now().Add(s.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	s.wmu.Lock()
	defer s.wmu.Unlock()
	_ = s.ws.SetWriteDeadline(deadline)
	if err := s.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("send %s: %w", typ, err)
	}
	return nil
}

func (s *WSSignaler) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		s.wmu.Lock()
		_ = s.ws.SetWriteDeadline(time.Now().Add(s.writeTimeout))
		_ = s.ws.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		s.wmu.Unlock()
		err = s.ws.Close()
	})
	return err
}

func (s *WSSignaler) readLoop() {
	defer close(s.frames)
	for {
		_, data, err := s.ws.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
			default:
				s.log.Warn("signaling link lost", slog.Any("err", err))
			}
			return
		}
		var env signaling.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.log.Warn("malformed signaling frame", slog.Any("err", err))
			continue
		}
		select {
		case s.frames <- env:
		case <-s.done:
			return
		}
	}
}

func (s *WSSignaler) heartbeatLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			if err := s.Send(context.Background(), signaling.TypeHeartbeat, "", "", nil); err != nil {
				s.log.Debug("heartbeat failed", slog.Any("err", err))
				return
			}
		case <-s.done:
			return
		}
	}
}
