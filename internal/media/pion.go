package media

import (
	"fmt"
	"sync"

	"github.com/CzarSimon/httputil/logger"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

var log = logger.GetDefaultLogger("call-manager/media")

// PionEngine Engine backed by pion/webrtc peer connections.
type PionEngine struct {
	config webrtc.Configuration
}

// NewPionEngine creates an engine using the given STUN/TURN server URLs.
func NewPionEngine(iceServers []string) *PionEngine {
	cfg := webrtc.Configuration{}
	if len(iceServers) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{
			{URLs: iceServers},
		}
	}

	return &PionEngine{config: cfg}
}

// NewSession creates a peer connection with the configured ICE servers.
func (e *PionEngine) NewSession(cfg SessionConfig) (Session, error) {
	pc, err := webrtc.NewPeerConnection(e.config)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection %w", err)
	}

	err = attachTracks(pc, cfg.Tracks)
	if err != nil {
		pc.Close()
		return nil, err
	}

	s := &pionSession{pc: pc}
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		s.notifyConnectionState(mapConnectionState(state))
	})
	pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			return
		}
		s.notifyLocalCandidate(candidate.ToJSON())
	})

	return s, nil
}

func attachTracks(pc *webrtc.PeerConnection, tracks []Track) error {
	if len(tracks) == 0 {
		kinds := []webrtc.RTPCodecType{webrtc.RTPCodecTypeVideo, webrtc.RTPCodecTypeAudio}
		for _, kind := range kinds {
			_, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
				Direction: webrtc.RTPTransceiverDirectionRecvonly,
			})
			if err != nil {
				return fmt.Errorf("failed to add %s transceiver %w", kind, err)
			}
		}
		return nil
	}

	for _, track := range tracks {
		local, ok := track.(webrtc.TrackLocal)
		if !ok {
			return fmt.Errorf("unsupported track type %T", track)
		}

		_, err := pc.AddTrack(local)
		if err != nil {
			return fmt.Errorf("failed to add local track %w", err)
		}
	}

	return nil
}

type pionSession struct {
	pc *webrtc.PeerConnection

	mu          sync.RWMutex
	onState     func(state ConnectionState)
	onCandidate func(candidate Candidate)
}

func (s *pionSession) CreateOffer() (Description, error) {
	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		return Description{}, fmt.Errorf("failed to create offer %w", err)
	}

	err = s.pc.SetLocalDescription(offer)
	if err != nil {
		return Description{}, fmt.Errorf("failed to set local offer %w", err)
	}

	return Description{Type: offer.Type.String(), SDP: offer.SDP}, nil
}

func (s *pionSession) CreateAnswer() (Description, error) {
	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return Description{}, fmt.Errorf("failed to create answer %w", err)
	}

	err = s.pc.SetLocalDescription(answer)
	if err != nil {
		return Description{}, fmt.Errorf("failed to set local answer %w", err)
	}

	return Description{Type: answer.Type.String(), SDP: answer.SDP}, nil
}

func (s *pionSession) SetRemoteDescription(desc Description) error {
	remote := webrtc.SessionDescription{
		Type: webrtc.NewSDPType(desc.Type),
		SDP:  desc.SDP,
	}

	err := s.pc.SetRemoteDescription(remote)
	if err != nil {
		return fmt.Errorf("failed to set remote %s %w", desc.Type, err)
	}

	return nil
}

func (s *pionSession) AddCandidate(candidate Candidate) error {
	mid := candidate.SDPMid
	lineIndex := uint16(candidate.SDPMLineIndex)
	err := s.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:     candidate.Candidate,
		SDPMid:        &mid,
		SDPMLineIndex: &lineIndex,
	})
	if err != nil {
		return fmt.Errorf("failed to add candidate %w", err)
	}

	return nil
}

func (s *pionSession) RestartICE() (Description, error) {
	offer, err := s.pc.CreateOffer(&webrtc.OfferOptions{ICERestart: true})
	if err != nil {
		return Description{}, fmt.Errorf("failed to create restart offer %w", err)
	}

	err = s.pc.SetLocalDescription(offer)
	if err != nil {
		return Description{}, fmt.Errorf("failed to set restart offer %w", err)
	}

	return Description{Type: offer.Type.String(), SDP: offer.SDP}, nil
}

func (s *pionSession) OnConnectionStateChange(fn func(state ConnectionState)) {
	s.mu.Lock()
	s.onState = fn
	s.mu.Unlock()
}

func (s *pionSession) OnLocalCandidate(fn func(candidate Candidate)) {
	s.mu.Lock()
	s.onCandidate = fn
	s.mu.Unlock()
}

func (s *pionSession) Close() error {
	err := s.pc.Close()
	if err != nil {
		return fmt.Errorf("failed to close peer connection %w", err)
	}

	return nil
}

func (s *pionSession) notifyConnectionState(state ConnectionState) {
	s.mu.RLock()
	fn := s.onState
	s.mu.RUnlock()

	log.Info("peer connection state changed", zap.String("state", state.String()))
	if fn != nil {
		fn(state)
	}
}

func (s *pionSession) notifyLocalCandidate(init webrtc.ICECandidateInit) {
	s.mu.RLock()
	fn := s.onCandidate
	s.mu.RUnlock()
	if fn == nil {
		return
	}

	candidate := Candidate{Candidate: init.Candidate}
	if init.SDPMid != nil {
		candidate.SDPMid = *init.SDPMid
	}
	if init.SDPMLineIndex != nil {
		candidate.SDPMLineIndex = int(*init.SDPMLineIndex)
	}

	fn(candidate)
}

func mapConnectionState(state webrtc.PeerConnectionState) ConnectionState {
	switch state {
	case webrtc.PeerConnectionStateNew:
		return ConnectionNew
	case webrtc.PeerConnectionStateConnecting:
		return ConnectionConnecting
	case webrtc.PeerConnectionStateConnected:
		return ConnectionConnected
	case webrtc.PeerConnectionStateDisconnected:
		return ConnectionDisconnected
	case webrtc.PeerConnectionStateFailed:
		return ConnectionFailed
	default:
		return ConnectionClosed
	}
}
