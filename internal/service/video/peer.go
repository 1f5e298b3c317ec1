package video

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"chatcall-backend/internal/domain"
	"chatcall-backend/pkg/logger"
)

// PeerConnection is the part of a WebRTC peer connection a Session drives.
// Callbacks may fire on any goroutine.
type PeerConnection interface {
	// CreateOffer creates the offer and applies it as the local description.
	CreateOffer(ctx context.Context) (domain.SessionDescription, error)
	// CreateAnswer creates the answer and applies it as the local description.
	CreateAnswer(ctx context.Context) (domain.SessionDescription, error)
	SetRemoteDescription(desc domain.SessionDescription) error
	AddICECandidate(c domain.ICECandidate) error
	AddTrack(track LocalTrack) (TrackSender, error)
	// OnICECandidate is called for every locally gathered candidate.
	OnICECandidate(fn func(domain.ICECandidate))
	// OnRemoteStream is called when remote media starts arriving.
	OnRemoteStream(fn func())
	// OnFailed is called when the transport failed for good.
	OnFailed(fn func())
	Close() error
}

// TrackSender swaps the outgoing track of one media line.
type TrackSender interface {
	ReplaceTrack(track LocalTrack) error
}

// PeerFactory creates a peer connection per call.
type PeerFactory interface {
	NewPeer(ctx context.Context) (PeerConnection, error)
}

// PionPeerFactory builds pion peer connections that share one API instance.
type PionPeerFactory struct {
	api        *webrtc.API
	iceServers []webrtc.ICEServer
}

// NewPionPeerFactory registers the default codecs and interceptors and
// routes pion's logging through zap.
func NewPionPeerFactory(stunURLs []string) (*PionPeerFactory, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register codecs: %w", err)
	}
	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("failed to register interceptors: %w", err)
	}

	se := webrtc.SettingEngine{LoggerFactory: logger.PionFactory{}}
	se.SetICETimeouts(10*time.Second, 30*time.Second, 2*time.Second)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(se),
	)
	var servers []webrtc.ICEServer
	if len(stunURLs) > 0 {
		servers = []webrtc.ICEServer{{URLs: stunURLs}}
	}
	return &PionPeerFactory{api: api, iceServers: servers}, nil
}

func (f *PionPeerFactory) NewPeer(ctx context.Context) (PeerConnection, error) {
	pc, err := f.api.NewPeerConnection(webrtc.Configuration{ICEServers: f.iceServers})
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}
	p := &pionPeer{pc: pc}
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		if fn := p.candidateFn(); fn != nil {
			fn(domain.ICECandidate{
				Candidate:        init.Candidate,
				SDPMid:           init.SDPMid,
				SDPMLineIndex:    init.SDPMLineIndex,
				UsernameFragment: init.UsernameFragment,
			})
		}
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		logger.Debug("Remote track started",
			zap.String("kind", track.Kind().String()),
			zap.String("codec", track.Codec().MimeType))
		go drainRemote(track)
		p.remoteOnce.Do(func() {
			if fn := p.streamFn(); fn != nil {
				fn()
			}
		})
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		if state == webrtc.PeerConnectionStateFailed {
			if fn := p.failedFn(); fn != nil {
				fn()
			}
		}
	})
	return p, nil
}

type pionPeer struct {
	pc         *webrtc.PeerConnection
	remoteOnce sync.Once

	mu        sync.Mutex
	onCand    func(domain.ICECandidate)
	onStream  func()
	onFailed  func()
	closeOnce sync.Once
	closeErr  error
}

func (p *pionPeer) candidateFn() func(domain.ICECandidate) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.onCand
}

func (p *pionPeer) streamFn() func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.onStream
}

func (p *pionPeer) failedFn() func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.onFailed
}

func (p *pionPeer) OnICECandidate(fn func(domain.ICECandidate)) {
	p.mu.Lock()
	p.onCand = fn
	p.mu.Unlock()
}

func (p *pionPeer) OnRemoteStream(fn func()) {
	p.mu.Lock()
	p.onStream = fn
	p.mu.Unlock()
}

func (p *pionPeer) OnFailed(fn func()) {
	p.mu.Lock()
	p.onFailed = fn
	p.mu.Unlock()
}

func (p *pionPeer) CreateOffer(ctx context.Context) (domain.SessionDescription, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return domain.SessionDescription{}, fmt.Errorf("failed to create offer: %w", err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return domain.SessionDescription{}, fmt.Errorf("failed to set local offer: %w", err)
	}
	return domain.SessionDescription{Type: offer.Type.String(), SDP: offer.SDP}, nil
}

func (p *pionPeer) CreateAnswer(ctx context.Context) (domain.SessionDescription, error) {
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return domain.SessionDescription{}, fmt.Errorf("failed to create answer: %w", err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return domain.SessionDescription{}, fmt.Errorf("failed to set local answer: %w", err)
	}
	return domain.SessionDescription{Type: answer.Type.String(), SDP: answer.SDP}, nil
}

func (p *pionPeer) SetRemoteDescription(desc domain.SessionDescription) error {
	return p.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.NewSDPType(desc.Type),
		SDP:  desc.SDP,
	})
}

func (p *pionPeer) AddICECandidate(c domain.ICECandidate) error {
	return p.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	})
}

func (p *pionPeer) AddTrack(track LocalTrack) (TrackSender, error) {
	pt, ok := track.(pionTrack)
	if !ok {
		return nil, fmt.Errorf("track %s is not backed by a pion track", track.ID())
	}
	sender, err := p.pc.AddTrack(pt.TrackLocal())
	if err != nil {
		return nil, fmt.Errorf("failed to add %s track: %w", track.Kind(), err)
	}
	// RTCP must be read for interceptors like NACK to work.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	return &pionSender{sender: sender}, nil
}

func (p *pionPeer) Close() error {
	p.closeOnce.Do(func() {
		p.closeErr = p.pc.Close()
	})
	return p.closeErr
}

type pionSender struct {
	sender *webrtc.RTPSender
}

func (s *pionSender) ReplaceTrack(track LocalTrack) error {
	if track == nil {
		return s.sender.ReplaceTrack(nil)
	}
	pt, ok := track.(pionTrack)
	if !ok {
		return fmt.Errorf("track %s is not backed by a pion track", track.ID())
	}
	return s.sender.ReplaceTrack(pt.TrackLocal())
}

// drainRemote reads remote RTP so the receive buffers do not fill up. This
// core does not render media.
func drainRemote(track *webrtc.TrackRemote) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := track.Read(buf); err != nil {
			return
		}
	}
}
