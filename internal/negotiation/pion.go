package negotiation

import (
	"context"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"

	"flashchat-backend/internal/domain"
	"flashchat-backend/pkg/constants"
	apperrors "flashchat-backend/pkg/errors"
)

// PionSession is the production MediaSession backed by a pion PeerConnection
type PionSession struct {
	pc *webrtc.PeerConnection
}

// NewPionSession builds a PeerConnection with default codecs and interceptors.
// An empty iceServers list falls back to the built-in STUN defaults.
func NewPionSession(iceServers []string) (*PionSession, error) {
	if len(iceServers) == 0 {
		iceServers = constants.DefaultICEServers
	}

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}
	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, err
	}
	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
	)

	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: iceServers}},
	})
	if err != nil {
		return nil, err
	}
	return &PionSession{pc: pc}, nil
}

// CreateOffer implements MediaSession
func (s *PionSession) CreateOffer(_ context.Context) (*domain.SessionDescription, error) {
	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		return nil, err
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		return nil, err
	}
	return fromPionDescription(offer), nil
}

// CreateAnswer implements MediaSession
func (s *PionSession) CreateAnswer(_ context.Context) (*domain.SessionDescription, error) {
	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return nil, err
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		return nil, err
	}
	return fromPionDescription(answer), nil
}

// SetRemoteDescription implements MediaSession
func (s *PionSession) SetRemoteDescription(desc *domain.SessionDescription) error {
	if desc == nil || desc.SDP == "" {
		return apperrors.InvalidDescriptorError("empty remote description")
	}
	sdpType := webrtc.NewSDPType(desc.Type)
	if sdpType == webrtc.SDPTypeUnknown {
		return apperrors.InvalidDescriptorError("unknown sdp type: " + desc.Type)
	}
	return s.pc.SetRemoteDescription(webrtc.SessionDescription{Type: sdpType, SDP: desc.SDP})
}

// SignalingState implements MediaSession
func (s *PionSession) SignalingState() SignalingState {
	switch s.pc.SignalingState() {
	case webrtc.SignalingStateStable:
		return SignalingStable
	case webrtc.SignalingStateHaveLocalOffer:
		return SignalingHaveLocalOffer
	case webrtc.SignalingStateHaveRemoteOffer:
		return SignalingHaveRemoteOffer
	case webrtc.SignalingStateHaveLocalPranswer:
		return SignalingHaveLocalPranswer
	case webrtc.SignalingStateHaveRemotePranswer:
		return SignalingHaveRemotePranswer
	}
	return SignalingClosed
}

// AddICECandidate implements MediaSession
func (s *PionSession) AddICECandidate(c *domain.Candidate) error {
	return s.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	})
}

// AddTrack implements MediaSession
func (s *PionSession) AddTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error) {
	return s.pc.AddTrack(track)
}

// OnICECandidate implements MediaSession
func (s *PionSession) OnICECandidate(fn func(*domain.Candidate)) {
	s.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			// End of gathering; the remote side needs no marker with trickle
			return
		}
		init := c.ToJSON()
		fn(&domain.Candidate{
			Candidate:        init.Candidate,
			SDPMid:           init.SDPMid,
			SDPMLineIndex:    init.SDPMLineIndex,
			UsernameFragment: init.UsernameFragment,
		})
	})
}

// OnConnectionStateChange implements MediaSession
func (s *PionSession) OnConnectionStateChange(fn func(ConnectionState)) {
	s.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		fn(fromPionConnectionState(state))
	})
}

// OnTrack implements MediaSession
func (s *PionSession) OnTrack(fn func(*webrtc.TrackRemote)) {
	s.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		fn(track)
	})
}

// Close implements MediaSession
func (s *PionSession) Close() error {
	return s.pc.Close()
}

func fromPionDescription(d webrtc.SessionDescription) *domain.SessionDescription {
	return &domain.SessionDescription{Type: d.Type.String(), SDP: d.SDP}
}

func fromPionConnectionState(state webrtc.PeerConnectionState) ConnectionState {
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
	}
	return ConnectionClosed
}
