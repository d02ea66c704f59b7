package services

import (
	"context"
	"math"
	"sync"
	"time"

	"castdeck/internal/core/domain"
	"castdeck/internal/core/ports"
	"castdeck/pkg/utils"

	"go.uber.org/zap"
)

type CompositorConfig struct {
	FrameRate        int
	Quality          domain.Quality
	SubscriberBuffer int
}

// OverlayCompositor owns the overlay list and produces the only composited
// stream. Overlay mutations and frame building share one lock, so a frame
// always reflects a whole number of mutations.
type OverlayCompositor struct {
	cfg   CompositorConfig
	clock utils.Clock
	log   *zap.SugaredLogger

	mu       sync.Mutex
	overlays []domain.StreamOverlay
	sources  []domain.MediaSource
	quality  domain.Quality
	pending  domain.Quality
	seq      uint64

	subsMu  sync.Mutex
	subs    map[int]chan domain.Frame
	nextSub int
}

func NewOverlayCompositor(cfg CompositorConfig, clock utils.Clock, log *zap.SugaredLogger) *OverlayCompositor {
	if cfg.FrameRate <= 0 {
		cfg.FrameRate = 30
	}
	if !cfg.Quality.Valid() {
		cfg.Quality = domain.QualityHD
	}
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = 8
	}
	if clock == nil {
		clock = utils.SystemClock
	}
	return &OverlayCompositor{
		cfg:     cfg,
		clock:   clock,
		log:     log,
		quality: cfg.Quality,
		subs:    make(map[int]chan domain.Frame),
	}
}

func (c *OverlayCompositor) AddOverlay(overlay domain.StreamOverlay) (domain.OverlayID, error) {
	if err := overlay.Validate(); err != nil {
		return "", err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if overlay.ID == "" {
		overlay.ID = domain.OverlayID(utils.NewOverlayID())
	} else if c.indexOf(overlay.ID) >= 0 {
		return "", domain.ErrInvalidOverlay.Withf("overlay %s already exists", overlay.ID)
	}
	c.overlays = append(c.overlays, overlay)
	return overlay.ID, nil
}

func (c *OverlayCompositor) UpdateOverlay(id domain.OverlayID, patch domain.OverlayPatch) (domain.StreamOverlay, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	i := c.indexOf(id)
	if i < 0 {
		return domain.StreamOverlay{}, domain.ErrOverlayNotFound.Withf("overlay %s not found", id)
	}
	updated, err := patch.Apply(c.overlays[i])
	if err != nil {
		return domain.StreamOverlay{}, err
	}
	c.overlays[i] = updated
	return updated, nil
}

func (c *OverlayCompositor) RemoveOverlay(id domain.OverlayID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	i := c.indexOf(id)
	if i < 0 {
		return domain.ErrOverlayNotFound.Withf("overlay %s not found", id)
	}
	c.overlays = append(c.overlays[:i:i], c.overlays[i+1:]...)
	return nil
}

// Reorder sets the draw order. ids must be a permutation of the current
// overlay ids.
func (c *OverlayCompositor) Reorder(ids []domain.OverlayID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(ids) != len(c.overlays) {
		return domain.ErrInvalidOverlay.Withf("reorder needs all %d overlay ids, got %d", len(c.overlays), len(ids))
	}
	reordered := make([]domain.StreamOverlay, 0, len(ids))
	seen := make(map[domain.OverlayID]bool, len(ids))
	for _, id := range ids {
		i := c.indexOf(id)
		if i < 0 || seen[id] {
			return domain.ErrInvalidOverlay.Withf("reorder: unknown or duplicate overlay %s", id)
		}
		seen[id] = true
		reordered = append(reordered, c.overlays[i])
	}
	c.overlays = reordered
	return nil
}

func (c *OverlayCompositor) Overlays() []domain.StreamOverlay {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.StreamOverlay(nil), c.overlays...)
}

func (c *OverlayCompositor) indexOf(id domain.OverlayID) int {
	for i, o := range c.overlays {
		if o.ID == id {
			return i
		}
	}
	return -1
}

// SetQuality takes effect at the next frame boundary.
func (c *OverlayCompositor) SetQuality(q domain.Quality) error {
	if !q.Valid() {
		return domain.ErrInvalidInput.Withf("unknown quality %q", q)
	}
	c.mu.Lock()
	c.pending = q
	c.mu.Unlock()
	return nil
}

// Composite replaces the ordered source list and returns the shared stream.
func (c *OverlayCompositor) Composite(sources []domain.MediaSource) ports.CompositedStream {
	c.mu.Lock()
	c.sources = append([]domain.MediaSource(nil), sources...)
	c.mu.Unlock()
	return c
}

func (c *OverlayCompositor) Resolution() domain.Resolution {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.quality.Resolution()
}

// Render builds the next frame from the current state.
func (c *OverlayCompositor) Render() domain.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pending != "" {
		if c.pending != c.quality {
			c.log.Infow("output quality changed", "from", c.quality, "to", c.pending)
		}
		c.quality = c.pending
		c.pending = ""
	}
	c.seq++

	res := c.quality.Resolution()
	return domain.Frame{
		Seq:        c.seq,
		Timestamp:  c.clock.Now(),
		Quality:    c.quality,
		Resolution: res,
		Sources:    LayoutSources(res, c.sources),
		Overlays:   LayoutOverlays(res, c.overlays),
	}
}

// Run renders at the configured frame rate until ctx ends.
func (c *OverlayCompositor) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Second / time.Duration(c.cfg.FrameRate))
	defer ticker.Stop()
	defer c.closeSubscribers()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.broadcast(c.Render())
		}
	}
}

// Subscribe returns a bounded frame channel. A subscriber that falls behind
// loses its oldest frames; the compositor never waits for it.
func (c *OverlayCompositor) Subscribe() (<-chan domain.Frame, func()) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()

	id := c.nextSub
	c.nextSub++
	ch := make(chan domain.Frame, c.cfg.SubscriberBuffer)
	c.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.subsMu.Lock()
			defer c.subsMu.Unlock()
			if _, ok := c.subs[id]; ok {
				delete(c.subs, id)
				close(ch)
			}
		})
	}
}

func (c *OverlayCompositor) broadcast(frame domain.Frame) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()

	for _, ch := range c.subs {
		select {
		case ch <- frame:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- frame:
		default:
		}
	}
}

func (c *OverlayCompositor) closeSubscribers() {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	for id, ch := range c.subs {
		delete(c.subs, id)
		close(ch)
	}
}

// LayoutSources tiles sources in list order on a near-square grid, each
// scaled to fit its cell with aspect ratio preserved.
func LayoutSources(res domain.Resolution, sources []domain.MediaSource) []domain.SourceLayer {
	n := len(sources)
	if n == 0 {
		return nil
	}
	cols := int(math.Ceil(math.Sqrt(float64(n))))
	rows := (n + cols - 1) / cols
	cellW, cellH := res.Width/cols, res.Height/rows

	layers := make([]domain.SourceLayer, 0, n)
	for i, src := range sources {
		cell := domain.Rect{X: (i % cols) * cellW, Y: (i / cols) * cellH, Width: cellW, Height: cellH}
		layers = append(layers, domain.SourceLayer{
			SourceID: src.ID,
			Kind:     src.Kind,
			Rect:     fitInto(cell, src.Settings.Width, src.Settings.Height),
		})
	}
	return layers
}

func fitInto(cell domain.Rect, w, h int) domain.Rect {
	if w <= 0 || h <= 0 {
		return cell
	}
	scale := math.Min(float64(cell.Width)/float64(w), float64(cell.Height)/float64(h))
	fw, fh := int(float64(w)*scale), int(float64(h)*scale)
	return domain.Rect{
		X:      cell.X + (cell.Width-fw)/2,
		Y:      cell.Y + (cell.Height-fh)/2,
		Width:  fw,
		Height: fh,
	}
}

// LayoutOverlays converts visible overlays to pixel layers in list order.
// Hidden overlays keep their configuration but produce no layer.
func LayoutOverlays(res domain.Resolution, overlays []domain.StreamOverlay) []domain.OverlayLayer {
	layers := make([]domain.OverlayLayer, 0, len(overlays))
	for _, o := range overlays {
		if !o.Visible {
			continue
		}
		layers = append(layers, domain.OverlayLayer{
			OverlayID: o.ID,
			Type:      o.Type,
			Content:   o.Content,
			Style:     o.Style,
			Rect: domain.Rect{
				X:      pct(res.Width, o.Position.X),
				Y:      pct(res.Height, o.Position.Y),
				Width:  pct(res.Width, o.Size.Width),
				Height: pct(res.Height, o.Size.Height),
			},
		})
	}
	return layers
}

func pct(total int, p float64) int {
	return int(math.Round(float64(total) * p / 100))
}
