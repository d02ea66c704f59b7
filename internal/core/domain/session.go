package domain

import "time"

type SessionID string

type Phase string

const (
	PhaseIdle  Phase = "idle"
	PhaseLive  Phase = "live"
	PhaseEnded Phase = "ended"
)

type Quality string

const (
	QualityHD  Quality = "HD"
	QualityFHD Quality = "FHD"
)

func (q Quality) Valid() bool {
	return q == QualityHD || q == QualityFHD
}

// Resolution returns the output frame size for q. Unknown values map to HD.
func (q Quality) Resolution() Resolution {
	if q == QualityFHD {
		return Resolution{Width: 1920, Height: 1080}
	}
	return Resolution{Width: 1280, Height: 720}
}

type StreamSettings struct {
	Title        string           `json:"title"`
	Description  string           `json:"description,omitempty"`
	Quality      Quality          `json:"quality"`
	BrandingLogo string           `json:"branding_logo,omitempty"`
	Overlays     []StreamOverlay  `json:"overlays,omitempty"`
	Platforms    []StreamPlatform `json:"platforms,omitempty"`
	// PreviewOnly allows going live with no enabled platform.
	PreviewOnly bool `json:"preview_only,omitempty"`
}

// StreamState is the session snapshot handed to observers. IsRecording
// implies IsLive for every value a SessionController exposes.
type StreamState struct {
	SessionID   SessionID        `json:"session_id"`
	Phase       Phase            `json:"phase"`
	IsLive      bool             `json:"is_live"`
	IsRecording bool             `json:"is_recording"`
	Title       string           `json:"title,omitempty"`
	Quality     Quality          `json:"quality,omitempty"`
	Platforms   []StreamPlatform `json:"platforms"`
	Guests      []Guest          `json:"guests"`
	Sources     []MediaSource    `json:"sources"`
	ViewerCount int              `json:"viewer_count"`
	Duration    time.Duration    `json:"duration"`
	StartedAt   time.Time        `json:"started_at,omitempty"`
	EndedAt     time.Time        `json:"ended_at,omitempty"`
}

// Clone returns a deep copy so callers never alias controller-owned slices.
func (s StreamState) Clone() StreamState {
	cp := s
	cp.Platforms = append([]StreamPlatform(nil), s.Platforms...)
	cp.Guests = append([]Guest(nil), s.Guests...)
	cp.Sources = append([]MediaSource(nil), s.Sources...)
	return cp
}

func (s StreamState) Platform(id PlatformID) (StreamPlatform, bool) {
	for _, p := range s.Platforms {
		if p.ID == id {
			return p, true
		}
	}
	return StreamPlatform{}, false
}

func (s StreamState) Guest(id GuestID) (Guest, bool) {
	for _, g := range s.Guests {
		if g.ID == id {
			return g, true
		}
	}
	return Guest{}, false
}
