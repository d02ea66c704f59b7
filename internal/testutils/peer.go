package testutils

import (
	"errors"
	"sync"

	"castdeck/internal/core/domain"
	"castdeck/internal/core/ports"
	webrtcinfra "castdeck/internal/infrastructure/webrtc"

	"github.com/pion/webrtc/v3"
)

// FakePeerConnection records what the guest manager does to it and lets
// tests drive connection state and local ICE candidates.
type FakePeerConnection struct {
	mu sync.Mutex

	// AutoConnect reports Connected as soon as the answer is applied.
	AutoConnect bool
	RemoteErr   error

	remote     *webrtc.SessionDescription
	local      *webrtc.SessionDescription
	candidates []webrtc.ICECandidateInit
	closes     int

	onICE   func(*webrtc.ICECandidate)
	onState func(webrtc.PeerConnectionState)
}

var _ webrtcinfra.PeerConnection = (*FakePeerConnection)(nil)

func (p *FakePeerConnection) SetRemoteDescription(desc webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.RemoteErr != nil {
		return p.RemoteErr
	}
	p.remote = &desc
	return nil
}

func (p *FakePeerConnection) CreateAnswer(*webrtc.AnswerOptions) (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remote == nil {
		return webrtc.SessionDescription{}, errors.New("no remote description")
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer-to:" + p.remote.SDP}, nil
}

func (p *FakePeerConnection) SetLocalDescription(desc webrtc.SessionDescription) error {
	p.mu.Lock()
	p.local = &desc
	auto := p.AutoConnect
	p.mu.Unlock()
	if auto {
		p.SetState(webrtc.PeerConnectionStateConnected)
	}
	return nil
}

func (p *FakePeerConnection) AddICECandidate(c webrtc.ICECandidateInit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c.Candidate == "" {
		return errors.New("empty candidate")
	}
	p.candidates = append(p.candidates, c)
	return nil
}

func (p *FakePeerConnection) OnICECandidate(f func(*webrtc.ICECandidate)) {
	p.mu.Lock()
	p.onICE = f
	p.mu.Unlock()
}

func (p *FakePeerConnection) OnConnectionStateChange(f func(webrtc.PeerConnectionState)) {
	p.mu.Lock()
	p.onState = f
	p.mu.Unlock()
}

func (p *FakePeerConnection) OnTrack(func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {}

func (p *FakePeerConnection) Close() error {
	p.mu.Lock()
	p.closes++
	first := p.closes == 1
	p.mu.Unlock()
	if first {
		p.SetState(webrtc.PeerConnectionStateClosed)
	}
	return nil
}

// SetState invokes the connection state handler.
func (p *FakePeerConnection) SetState(s webrtc.PeerConnectionState) {
	p.mu.Lock()
	f := p.onState
	p.mu.Unlock()
	if f != nil {
		f(s)
	}
}

// EmitCandidate invokes the local ICE candidate handler.
func (p *FakePeerConnection) EmitCandidate(c *webrtc.ICECandidate) {
	p.mu.Lock()
	f := p.onICE
	p.mu.Unlock()
	if f != nil {
		f(c)
	}
}

func (p *FakePeerConnection) RemoteCandidates() []webrtc.ICECandidateInit {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), p.candidates...)
}

func (p *FakePeerConnection) Answered() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.local != nil
}

func (p *FakePeerConnection) CloseCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closes
}

// FakePeerFactory hands out FakePeerConnections and keeps them for
// inspection.
type FakePeerFactory struct {
	mu          sync.Mutex
	AutoConnect bool
	Err         error
	conns       []*FakePeerConnection
	created     chan *FakePeerConnection
}

func NewFakePeerFactory(autoConnect bool) *FakePeerFactory {
	return &FakePeerFactory{AutoConnect: autoConnect, created: make(chan *FakePeerConnection, 16)}
}

func (f *FakePeerFactory) NewPeerConnection() (webrtcinfra.PeerConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	pc := &FakePeerConnection{AutoConnect: f.AutoConnect}
	f.conns = append(f.conns, pc)
	select {
	case f.created <- pc:
	default:
	}
	return pc, nil
}

// Created yields each connection as it is built.
func (f *FakePeerFactory) Created() <-chan *FakePeerConnection { return f.created }

func (f *FakePeerFactory) Last() *FakePeerConnection {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.conns) == 0 {
		return nil
	}
	return f.conns[len(f.conns)-1]
}

// SignalRecorder is a SignalingChannel that keeps every message.
type SignalRecorder struct {
	mu   sync.Mutex
	Err  error
	msgs map[domain.GuestID][]ports.SignalMessage
}

func NewSignalRecorder() *SignalRecorder {
	return &SignalRecorder{msgs: make(map[domain.GuestID][]ports.SignalMessage)}
}

func (r *SignalRecorder) Send(id domain.GuestID, msg ports.SignalMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.msgs[id] = append(r.msgs[id], msg)
	return nil
}

func (r *SignalRecorder) Messages(id domain.GuestID) []ports.SignalMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ports.SignalMessage(nil), r.msgs[id]...)
}

// Types lists the message types sent to id in order.
func (r *SignalRecorder) Types(id domain.GuestID) []ports.SignalType {
	var out []ports.SignalType
	for _, m := range r.Messages(id) {
		out = append(out, m.Type)
	}
	return out
}
