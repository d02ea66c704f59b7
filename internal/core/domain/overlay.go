package domain

import (
	"encoding/json"
	"strings"
)

type OverlayID string

type OverlayType string

const (
	OverlayLogo  OverlayType = "logo"
	OverlayText  OverlayType = "text"
	OverlayImage OverlayType = "image"
)

func (t OverlayType) Valid() bool {
	return t == OverlayLogo || t == OverlayText || t == OverlayImage
}

// Position and Size are percentages of the output frame, so layouts survive
// a quality change unchanged.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type Size struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// OverlayStyle is the type-specific style block. Exactly one implementation
// exists per OverlayType.
type OverlayStyle interface {
	OverlayType() OverlayType
	validate() error
}

type LogoStyle struct {
	Opacity float64 `json:"opacity"`
}

func (LogoStyle) OverlayType() OverlayType { return OverlayLogo }

func (s LogoStyle) validate() error {
	if s.Opacity < 0 || s.Opacity > 1 {
		return ErrInvalidOverlay.Withf("logo opacity must be within [0, 1]")
	}
	return nil
}

type TextStyle struct {
	FontFamily string `json:"font_family"`
	FontSize   int    `json:"font_size"`
	Color      string `json:"color"`
	Background string `json:"background,omitempty"`
	Bold       bool   `json:"bold,omitempty"`
}

func (TextStyle) OverlayType() OverlayType { return OverlayText }

func (s TextStyle) validate() error {
	if s.FontSize <= 0 || s.FontSize > 512 {
		return ErrInvalidOverlay.Withf("text font_size must be within (0, 512]")
	}
	if !strings.HasPrefix(s.Color, "#") {
		return ErrInvalidOverlay.Withf("text color must be a hex value")
	}
	return nil
}

type ImageFit string

const (
	FitContain ImageFit = "contain"
	FitCover   ImageFit = "cover"
	FitFill    ImageFit = "fill"
)

type ImageStyle struct {
	Opacity float64  `json:"opacity"`
	Fit     ImageFit `json:"fit"`
}

func (ImageStyle) OverlayType() OverlayType { return OverlayImage }

func (s ImageStyle) validate() error {
	if s.Opacity < 0 || s.Opacity > 1 {
		return ErrInvalidOverlay.Withf("image opacity must be within [0, 1]")
	}
	switch s.Fit {
	case FitContain, FitCover, FitFill:
		return nil
	}
	return ErrInvalidOverlay.Withf("unknown image fit %q", s.Fit)
}

// DefaultStyle returns the style applied when an overlay arrives without one.
func DefaultStyle(t OverlayType) OverlayStyle {
	switch t {
	case OverlayLogo:
		return LogoStyle{Opacity: 1}
	case OverlayText:
		return TextStyle{FontFamily: "sans-serif", FontSize: 32, Color: "#FFFFFF"}
	case OverlayImage:
		return ImageStyle{Opacity: 1, Fit: FitContain}
	}
	return nil
}

type StreamOverlay struct {
	ID       OverlayID    `json:"id"`
	Type     OverlayType  `json:"type"`
	Content  string       `json:"content"`
	Position Position     `json:"position"`
	Size     Size         `json:"size"`
	Visible  bool         `json:"visible"`
	Style    OverlayStyle `json:"style"`
}

// Validate fills a missing style with the default for Type and rejects
// inconsistent combinations.
func (o *StreamOverlay) Validate() error {
	if !o.Type.Valid() {
		return ErrInvalidOverlay.Withf("unknown overlay type %q", o.Type)
	}
	if strings.TrimSpace(o.Content) == "" {
		return ErrInvalidOverlay.Withf("%s overlay content is required", o.Type)
	}
	if o.Position.X < 0 || o.Position.Y < 0 || o.Size.Width <= 0 || o.Size.Height <= 0 {
		return ErrInvalidOverlay.Withf("overlay position must be >= 0 and size > 0")
	}
	if o.Position.X+o.Size.Width > 100 || o.Position.Y+o.Size.Height > 100 {
		return ErrInvalidOverlay.Withf("overlay must fit inside the frame")
	}
	if o.Style == nil {
		o.Style = DefaultStyle(o.Type)
	}
	if o.Style.OverlayType() != o.Type {
		return ErrInvalidOverlay.Withf("%s style on %s overlay", o.Style.OverlayType(), o.Type)
	}
	return o.Style.validate()
}

type overlayJSON struct {
	ID       OverlayID       `json:"id"`
	Type     OverlayType     `json:"type"`
	Content  string          `json:"content"`
	Position Position        `json:"position"`
	Size     Size            `json:"size"`
	Visible  *bool           `json:"visible,omitempty"`
	Style    json.RawMessage `json:"style,omitempty"`
}

func (o StreamOverlay) MarshalJSON() ([]byte, error) {
	var style json.RawMessage
	if o.Style != nil {
		b, err := json.Marshal(o.Style)
		if err != nil {
			return nil, err
		}
		style = b
	}
	visible := o.Visible
	return json.Marshal(overlayJSON{
		ID:       o.ID,
		Type:     o.Type,
		Content:  o.Content,
		Position: o.Position,
		Size:     o.Size,
		Visible:  &visible,
		Style:    style,
	})
}

// UnmarshalJSON decodes style according to type. A missing visible flag
// means visible.
func (o *StreamOverlay) UnmarshalJSON(data []byte) error {
	var raw overlayJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	style, err := decodeStyle(raw.Type, raw.Style)
	if err != nil {
		return err
	}
	*o = StreamOverlay{
		ID:       raw.ID,
		Type:     raw.Type,
		Content:  raw.Content,
		Position: raw.Position,
		Size:     raw.Size,
		Visible:  raw.Visible == nil || *raw.Visible,
		Style:    style,
	}
	return nil
}

func decodeStyle(t OverlayType, raw json.RawMessage) (OverlayStyle, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var (
		style OverlayStyle
		err   error
	)
	switch t {
	case OverlayLogo:
		var s LogoStyle
		err = json.Unmarshal(raw, &s)
		style = s
	case OverlayText:
		var s TextStyle
		err = json.Unmarshal(raw, &s)
		style = s
	case OverlayImage:
		var s ImageStyle
		err = json.Unmarshal(raw, &s)
		style = s
	default:
		return nil, ErrInvalidOverlay.Withf("unknown overlay type %q", t)
	}
	if err != nil {
		return nil, ErrInvalidOverlay.Withf("%s style: %v", t, err)
	}
	return style, nil
}

// OverlayPatch changes selected fields of an overlay. The type is fixed at
// creation.
type OverlayPatch struct {
	Content  *string
	Position *Position
	Size     *Size
	Visible  *bool
	Style    OverlayStyle

	rawStyle json.RawMessage
}

func (p *OverlayPatch) UnmarshalJSON(data []byte) error {
	var raw struct {
		Content  *string         `json:"content"`
		Position *Position       `json:"position"`
		Size     *Size           `json:"size"`
		Visible  *bool           `json:"visible"`
		Style    json.RawMessage `json:"style"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*p = OverlayPatch{
		Content:  raw.Content,
		Position: raw.Position,
		Size:     raw.Size,
		Visible:  raw.Visible,
		rawStyle: raw.Style,
	}
	return nil
}

// Apply returns o with the patch applied and validated. o is not modified.
func (p OverlayPatch) Apply(o StreamOverlay) (StreamOverlay, error) {
	if p.Content != nil {
		o.Content = *p.Content
	}
	if p.Position != nil {
		o.Position = *p.Position
	}
	if p.Size != nil {
		o.Size = *p.Size
	}
	if p.Visible != nil {
		o.Visible = *p.Visible
	}
	if p.Style != nil {
		o.Style = p.Style
	} else if len(p.rawStyle) > 0 {
		style, err := decodeStyle(o.Type, p.rawStyle)
		if err != nil {
			return StreamOverlay{}, err
		}
		if style != nil {
			o.Style = style
		}
	}
	if err := o.Validate(); err != nil {
		return StreamOverlay{}, err
	}
	return o, nil
}
