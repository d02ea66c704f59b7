package domain

type GuestID string

type Guest struct {
	ID          GuestID  `json:"id"`
	Name        string   `json:"name"`
	IsConnected bool     `json:"is_connected"`
	IsMuted     bool     `json:"is_muted"`
	IsVideoOff  bool     `json:"is_video_off"`
	StreamID    SourceID `json:"stream_id,omitempty"`
}

type GuestState int

const (
	GuestPending GuestState = iota
	GuestConnecting
	GuestConnected
	GuestDisconnected
)

func (s GuestState) String() string {
	switch s {
	case GuestPending:
		return "pending"
	case GuestConnecting:
		return "connecting"
	case GuestConnected:
		return "connected"
	case GuestDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}
