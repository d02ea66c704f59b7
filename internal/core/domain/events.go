package domain

import "time"

type EventType string

const (
	EventSourceEnded        EventType = "source_ended"
	EventGuestConnected     EventType = "guest_connected"
	EventGuestUpdated       EventType = "guest_updated"
	EventGuestLost          EventType = "guest_lost"
	EventGuestLeft          EventType = "guest_left"
	EventNegotiationFailed  EventType = "negotiation_failed"
	EventPlatformConnected  EventType = "platform_connected"
	EventPlatformLost       EventType = "platform_lost"
	EventPlatformStopped    EventType = "platform_stopped"
	EventViewerCountChanged EventType = "viewer_count_changed"
	EventStateChanged       EventType = "state_changed"
)

// Event is emitted by components and consumed by the session controller.
// Only the fields relevant to Type are set.
type Event struct {
	Type        EventType  `json:"type"`
	GuestID     GuestID    `json:"guest_id,omitempty"`
	PlatformID  PlatformID `json:"platform_id,omitempty"`
	SourceID    SourceID   `json:"source_id,omitempty"`
	ViewerCount int        `json:"viewer_count,omitempty"`
	Err         error      `json:"-"`
	Error       string     `json:"error,omitempty"`
	At          time.Time  `json:"at"`
}

func NewEvent(t EventType) Event {
	return Event{Type: t, At: time.Now()}
}

func (e Event) WithErr(err error) Event {
	e.Err = err
	if err != nil {
		e.Error = err.Error()
	}
	return e
}
