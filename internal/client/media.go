package client

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"telehealth-calls/internal/signaling"

	"github.com/google/uuid"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

// Media opens local capture for one call attempt.
type Media interface {
	Start(ctx context.Context, isVideo bool) (MediaSession, error)
}

// MediaSession is owned by exactly one call attempt and must be closed on every exit path.
type MediaSession interface {
	LocalStreamID() string
	CreateOffer(ctx context.Context) (string, error)
	// AcceptOffer applies a remote offer and returns the local answer.
	AcceptOffer(ctx context.Context, sdp string) (string, error)
	SetAnswer(sdp string) error
	AddICECandidate(c signaling.ICECandidatePayload) error
	OnICECandidate(fn func(signaling.ICECandidatePayload))
	OnRemoteStream(fn func(streamID string))
	SetMuted(muted bool) error
	SetVideoEnabled(enabled bool) error
	Close() error
}

// PionMedia builds peer connections with the default codecs and interceptors.
type PionMedia struct {
	api *webrtc.API
	cfg webrtc.Configuration
	log *slog.Logger
}

func NewPionMedia(iceServers []string, log *slog.Logger) (*PionMedia, error) {
	if log == nil {
		log = slog.Default()
	}
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	cfg := webrtc.Configuration{}
	if len(iceServers) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: iceServers}}
	}

	return &PionMedia{
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(mediaEngine),
			webrtc.WithInterceptorRegistry(interceptorRegistry),
		),
		cfg: cfg,
		log: log,
	}, nil
}

func (m *PionMedia) Start(_ context.Context, isVideo bool) (MediaSession, error) {
	pc, err := m.api.NewPeerConnection(m.cfg)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	s := &pionSession{pc: pc, streamID: uuid.NewString(), log: m.log}
	fail := func(err error) (MediaSession, error) {
		_ = pc.Close()
		return nil, err
	}

	s.audio, err = webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", s.streamID)
	if err != nil {
		return fail(fmt.Errorf("audio track: %w", err))
	}
	if s.audioSender, err = pc.AddTrack(s.audio); err != nil {
		return fail(fmt.Errorf("add audio: %w", err))
	}

	if isVideo {
		s.video, err = webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", s.streamID)
		if err != nil {
			return fail(fmt.Errorf("video track: %w", err))
		}
		if s.videoSender, err = pc.AddTrack(s.video); err != nil {
			return fail(fmt.Errorf("add video: %w", err))
		}
	} else if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		return fail(fmt.Errorf("add video transceiver: %w", err))
	}

	pc.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
		s.log.Debug("peer connection state", slog.String("stream_id", s.streamID), slog.String("state", st.String()))
	})
	return s, nil
}

type pionSession struct {
	pc       *webrtc.PeerConnection
	streamID string
	log      *slog.Logger

	mu          sync.Mutex
	audio       *webrtc.TrackLocalStaticSample
	video       *webrtc.TrackLocalStaticSample
	audioSender *webrtc.RTPSender
	videoSender *webrtc.RTPSender
}

func (s *pionSession) LocalStreamID() string { return s.streamID }

func (s *pionSession) CreateOffer(context.Context) (string, error) {
	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("create offer: %w", err)
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("set local offer: %w", err)
	}
	return offer.SDP, nil
}

func (s *pionSession) AcceptOffer(_ context.Context, sdp string) (string, error) {
	if err := s.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}); err != nil {
		return "", fmt.Errorf("set remote offer: %w", err)
	}
	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("create answer: %w", err)
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("set local answer: %w", err)
	}
	return answer.SDP, nil
}

func (s *pionSession) SetAnswer(sdp string) error {
	return s.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp})
}

func (s *pionSession) AddICECandidate(c signaling.ICECandidatePayload) error {
	init := webrtc.ICECandidateInit{Candidate: c.Candidate, SDPMid: c.SDPMid}
	if c.SDPMLineIndex != nil {
		idx := uint16(*c.SDPMLineIndex)
		init.SDPMLineIndex = &idx
	}
	return s.pc.AddICECandidate(init)
}

func (s *pionSession) OnICECandidate(fn func(signaling.ICECandidatePayload)) {
	s.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		// nil marks the end of gathering.
		if c == nil {
			return
		}
		init := c.ToJSON()
		p := signaling.ICECandidatePayload{Candidate: init.Candidate, SDPMid: init.SDPMid}
		if init.SDPMLineIndex != nil {
			idx := int(*init.SDPMLineIndex)
			p.SDPMLineIndex = &idx
		}
		fn(p)
	})
}

func (s *pionSession) OnRemoteStream(fn func(streamID string)) {
	s.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		fn(track.StreamID())
	})
}

// SetMuted detaches the audio track from its sender; nothing is sent while muted.
func (s *pionSession) SetMuted(muted bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if muted {
		return s.audioSender.ReplaceTrack(nil)
	}
	return s.audioSender.ReplaceTrack(s.audio)
}

func (s *pionSession) SetVideoEnabled(enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.videoSender == nil {
		return nil
	}
	if enabled {
		return s.videoSender.ReplaceTrack(s.video)
	}
	return s.videoSender.ReplaceTrack(nil)
}

func (s *pionSession) Close() error {
	return s.pc.Close()
}
