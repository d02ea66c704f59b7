package domain

import "time"

type SourceID string

type SourceKind string

const (
	SourceCamera SourceKind = "camera"
	SourceScreen SourceKind = "screen"
	SourceGuest  SourceKind = "guest"
)

// CaptureConstraints are ideal values; devices may deliver less.
type CaptureConstraints struct {
	Width     int  `json:"width,omitempty"`
	Height    int  `json:"height,omitempty"`
	FrameRate int  `json:"frame_rate,omitempty"`
	Audio     bool `json:"audio,omitempty"`
}

// TrackSettings are the values a device actually delivers.
type TrackSettings struct {
	Width     int `json:"width"`
	Height    int `json:"height"`
	FrameRate int `json:"frame_rate"`
}

type MediaSource struct {
	ID       SourceID      `json:"id"`
	Kind     SourceKind    `json:"kind"`
	Label    string        `json:"label,omitempty"`
	Settings TrackSettings `json:"settings"`
	GuestID  GuestID       `json:"guest_id,omitempty"`
}

type Resolution struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Rect is a pixel rectangle within an output frame.
type Rect struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

type SourceLayer struct {
	SourceID SourceID   `json:"source_id"`
	Kind     SourceKind `json:"kind"`
	Rect     Rect       `json:"rect"`
}

type OverlayLayer struct {
	OverlayID OverlayID    `json:"overlay_id"`
	Type      OverlayType  `json:"type"`
	Content   string       `json:"content"`
	Rect      Rect         `json:"rect"`
	Style     OverlayStyle `json:"-"`
}

// Frame is one composited output frame. Layers are in draw order: all
// sources first, then overlays. Frames are never mutated after emission.
type Frame struct {
	Seq        uint64         `json:"seq"`
	Timestamp  time.Time      `json:"timestamp"`
	Quality    Quality        `json:"quality"`
	Resolution Resolution     `json:"resolution"`
	Sources    []SourceLayer  `json:"sources"`
	Overlays   []OverlayLayer `json:"overlays"`
}
