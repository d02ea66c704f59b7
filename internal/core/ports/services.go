package ports

import (
	"context"

	"castdeck/internal/core/domain"

	"github.com/pion/webrtc/v3"
)

// EventSource is implemented by every component that reports to the
// session controller. The channel is closed by Close.
type EventSource interface {
	Events() <-chan domain.Event
}

type MediaSourceManager interface {
	EventSource
	AcquireScreenShare(ctx context.Context, constraints domain.CaptureConstraints) (domain.MediaSource, error)
	AcquireCamera(ctx context.Context, constraints domain.CaptureConstraints) (domain.MediaSource, error)
	Release(id domain.SourceID)
	Active() []domain.MediaSource
	Close()
}

// GuestOffer is a guest's request to join, carrying its SDP offer.
type GuestOffer struct {
	GuestID domain.GuestID
	Name    string
	SDP     string
}

type GuestConnectionManager interface {
	EventSource
	Admit(ctx context.Context, offer GuestOffer) (domain.Guest, error)
	AddICECandidate(id domain.GuestID, candidate webrtc.ICECandidateInit) error
	// SetMuted and SetVideoOff report whether the change was applied; they
	// are no-ops for guests that are not connected.
	SetMuted(id domain.GuestID, muted bool) (domain.Guest, bool)
	SetVideoOff(id domain.GuestID, off bool) (domain.Guest, bool)
	Disconnect(id domain.GuestID)
	Sources() []domain.MediaSource
	Close()
}

// CompositedStream is the single shared output. Each subscriber gets its own
// bounded channel of frames; cancel releases it.
type CompositedStream interface {
	Subscribe() (frames <-chan domain.Frame, cancel func())
	Resolution() domain.Resolution
}

type OverlayCompositor interface {
	AddOverlay(overlay domain.StreamOverlay) (domain.OverlayID, error)
	UpdateOverlay(id domain.OverlayID, patch domain.OverlayPatch) (domain.StreamOverlay, error)
	RemoveOverlay(id domain.OverlayID) error
	Reorder(ids []domain.OverlayID) error
	Overlays() []domain.StreamOverlay
	Composite(sources []domain.MediaSource) CompositedStream
	SetQuality(q domain.Quality) error
	// Run produces frames until ctx ends.
	Run(ctx context.Context)
}

type PlatformPublisher interface {
	EventSource
	StartPublishing(ctx context.Context, platform domain.StreamPlatform, stream CompositedStream) error
	StopPublishing(id domain.PlatformID)
	IsPublishing(id domain.PlatformID) bool
	Close()
}

// ChatSubscription is a cursor over the chat timeline.
type ChatSubscription interface {
	Next(ctx context.Context) (domain.ChatMessage, error)
	Close()
}

type ChatAggregator interface {
	Ingest(platform string, raw domain.RawChatMessage) (domain.ChatMessage, error)
	Subscribe() ChatSubscription
	SubscribeFrom(seq uint64) ChatSubscription
	History(limit int) []domain.ChatMessage
}

// SessionService is the public contract of one broadcast session.
type SessionService interface {
	ID() domain.SessionID
	State() domain.StreamState
	StartSession(ctx context.Context, settings domain.StreamSettings) error
	EndSession(ctx context.Context) error
	StartRecording() error
	StopRecording() error

	AdmitGuest(ctx context.Context, offer GuestOffer) (domain.Guest, error)
	SetGuestMuted(id domain.GuestID, muted bool) error
	SetGuestVideoOff(id domain.GuestID, off bool) error
	DisconnectGuest(id domain.GuestID) error

	ShareScreen(ctx context.Context, constraints domain.CaptureConstraints) (domain.MediaSource, error)
	StartCamera(ctx context.Context, constraints domain.CaptureConstraints) (domain.MediaSource, error)
	StopSource(id domain.SourceID) error

	AddOverlay(overlay domain.StreamOverlay) (domain.OverlayID, error)
	UpdateOverlay(id domain.OverlayID, patch domain.OverlayPatch) (domain.StreamOverlay, error)
	RemoveOverlay(id domain.OverlayID) error
	ReorderOverlays(ids []domain.OverlayID) error
	Overlays() []domain.StreamOverlay
	SetQuality(q domain.Quality) error

	StartPublishing(ctx context.Context, id domain.PlatformID) error
	StopPublishing(id domain.PlatformID) error
	SetPlatformEnabled(id domain.PlatformID, enabled bool) error
	ReportViewerCount(id domain.PlatformID, count int) error

	SubscribeChat() ChatSubscription
	SubscribeChatFrom(seq uint64) ChatSubscription
	ChatHistory(limit int) []domain.ChatMessage

	Subscribe() (<-chan SessionUpdate, func())
}

// SessionUpdate pairs the event that caused a transition with the resulting
// snapshot.
type SessionUpdate struct {
	Event domain.Event       `json:"event"`
	State domain.StreamState `json:"state"`
}
