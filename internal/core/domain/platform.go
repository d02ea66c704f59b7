package domain

type PlatformID string

// StreamPlatform is one publishing destination. Connected implies Enabled.
type StreamPlatform struct {
	ID          PlatformID `json:"id"`
	Name        string     `json:"name"`
	Connected   bool       `json:"connected"`
	Enabled     bool       `json:"enabled"`
	RTMPURL     string     `json:"rtmp_url,omitempty"`
	StreamKey   string     `json:"-"`
	ViewerCount int        `json:"viewer_count"`
}
