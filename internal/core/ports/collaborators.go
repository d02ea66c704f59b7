package ports

import (
	"context"

	"castdeck/internal/core/domain"

	"github.com/pion/webrtc/v3"
)

// CaptureDevice is the OS capture capability.
type CaptureDevice interface {
	OpenScreen(ctx context.Context, constraints domain.CaptureConstraints) (CaptureHandle, error)
	OpenCamera(ctx context.Context, constraints domain.CaptureConstraints) (CaptureHandle, error)
}

// CaptureHandle is one live capture. Ended is closed when capture stops for
// any reason, including Stop.
type CaptureHandle interface {
	Settings() domain.TrackSettings
	Ended() <-chan struct{}
	Stop()
}

type SignalType string

const (
	SignalAnswer    SignalType = "answer"
	SignalCandidate SignalType = "ice_candidate"
	SignalMute      SignalType = "mute"
	SignalVideo     SignalType = "video"
	SignalBye       SignalType = "bye"
	SignalError     SignalType = "error"
)

// SignalMessage is an outbound message to one guest.
type SignalMessage struct {
	Type      SignalType               `json:"type"`
	SDP       string                   `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit `json:"candidate,omitempty"`
	Muted     *bool                    `json:"muted,omitempty"`
	VideoOff  *bool                    `json:"video_off,omitempty"`
	Error     string                   `json:"error,omitempty"`
}

// SignalingChannel delivers messages to a guest's remote endpoint in order.
type SignalingChannel interface {
	Send(id domain.GuestID, msg SignalMessage) error
}

// IngestDialer opens a publishing session to a platform ingest endpoint.
// Implementations return errors matching domain.ErrInvalidCredentials or
// domain.ErrConnectionRefused.
type IngestDialer interface {
	Dial(ctx context.Context, url, streamKey string) (IngestSession, error)
}

type IngestSession interface {
	WriteFrame(frame domain.Frame) error
	Stats() IngestStats
	Close() error
}

type IngestStats struct {
	FramesSent uint64
	BytesSent  uint64
}
