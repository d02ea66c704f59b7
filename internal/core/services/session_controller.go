package services

import (
	"context"
	"sync"
	"time"

	"castdeck/internal/core/domain"
	"castdeck/internal/core/ports"
	"castdeck/pkg/tracing"
	"castdeck/pkg/utils"
	"castdeck/pkg/validation"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

type SessionConfig struct {
	// ObserverBuffer bounds each Subscribe channel. Slow observers lose
	// their oldest updates.
	ObserverBuffer int
	// PersistTimeout bounds each snapshot save and event publish.
	PersistTimeout time.Duration
}

// SessionDeps are the components one session coordinates. Repository and
// Bus are optional.
type SessionDeps struct {
	Media      ports.MediaSourceManager
	Guests     ports.GuestConnectionManager
	Compositor ports.OverlayCompositor
	Publisher  ports.PlatformPublisher
	Chat       ports.ChatAggregator
	Repository ports.SessionRepository
	Bus        ports.EventPublisher
	Clock      utils.Clock
	Log        *zap.SugaredLogger
}

// SessionController owns the StreamState of one broadcast session. Every
// mutation happens under mu and observers only ever see whole snapshots.
// Components report through their Events channels and never touch the state.
type SessionController struct {
	id   domain.SessionID
	cfg  SessionConfig
	deps SessionDeps
	log  *zap.SugaredLogger

	mu        sync.Mutex
	state     domain.StreamState
	startedAt time.Time
	stream    ports.CompositedStream
	stopRun   context.CancelFunc
	// admitting holds guest ids mid-negotiation; departed marks those of
	// them disconnected before the admission finished.
	admitting map[domain.GuestID]bool
	departed  map[domain.GuestID]bool
	closed    bool

	// compMu keeps source gathering and Composite in one step so two
	// concurrent recompositions cannot apply a stale list last.
	compMu sync.Mutex

	obsMu     sync.Mutex
	observers map[int]chan ports.SessionUpdate
	nextObs   int

	persist   chan ports.SessionUpdate
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

var _ ports.SessionService = (*SessionController)(nil)

func NewSessionController(cfg SessionConfig, deps SessionDeps) *SessionController {
	if cfg.ObserverBuffer <= 0 {
		cfg.ObserverBuffer = 16
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = 2 * time.Second
	}
	if deps.Clock == nil {
		deps.Clock = utils.SystemClock
	}
	if deps.Log == nil {
		deps.Log = zap.NewNop().Sugar()
	}

	id := domain.SessionID(utils.NewSessionID())
	c := &SessionController{
		id:   id,
		cfg:  cfg,
		deps: deps,
		log:  deps.Log.With("session_id", id),
		state: domain.StreamState{
			SessionID: id,
			Phase:     domain.PhaseIdle,
			Quality:   domain.QualityHD,
		},
		admitting: make(map[domain.GuestID]bool),
		departed:  make(map[domain.GuestID]bool),
		observers: make(map[int]chan ports.SessionUpdate),
		persist:   make(chan ports.SessionUpdate, 64),
		done:      make(chan struct{}),
	}

	for _, src := range []ports.EventSource{deps.Media, deps.Guests, deps.Publisher} {
		c.wg.Add(1)
		go c.forward(src.Events())
	}
	c.wg.Add(1)
	go c.persistLoop()

	return c
}

func (c *SessionController) ID() domain.SessionID { return c.id }

// State returns a deep copy with Duration computed at call time.
func (c *SessionController) State() domain.StreamState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *SessionController) snapshotLocked() domain.StreamState {
	st := c.state.Clone()
	if st.Phase == domain.PhaseLive {
		st.Duration = c.deps.Clock.Now().Sub(c.startedAt)
	}
	return st
}

// StartSession moves Idle to Live. At least one platform must be enabled
// unless settings.PreviewOnly is set.
func (c *SessionController) StartSession(ctx context.Context, settings domain.StreamSettings) error {
	_, span := tracing.TraceSession(ctx, "start", string(c.id))
	defer span.End()

	if err := validation.ValidateTitle(settings.Title); err != nil {
		return domain.ErrInvalidInput.Wrap(err)
	}
	if settings.Quality == "" {
		settings.Quality = domain.QualityHD
	}
	if !settings.Quality.Valid() {
		return domain.ErrInvalidInput.Withf("unknown quality %q", settings.Quality)
	}
	platforms, err := seedPlatforms(settings.Platforms)
	if err != nil {
		return err
	}
	enabled := 0
	for _, p := range platforms {
		if p.Enabled {
			enabled++
		}
	}
	if enabled == 0 && !settings.PreviewOnly {
		return domain.ErrInvalidState.Withf("no enabled platform; set preview_only to go live without one")
	}

	overlays := append([]domain.StreamOverlay(nil), settings.Overlays...)
	if settings.BrandingLogo != "" {
		overlays = append([]domain.StreamOverlay{{
			Type:     domain.OverlayLogo,
			Content:  settings.BrandingLogo,
			Position: domain.Position{X: 88, Y: 2},
			Size:     domain.Size{Width: 10, Height: 10},
			Visible:  true,
		}}, overlays...)
	}
	seen := make(map[domain.OverlayID]bool, len(overlays))
	for i := range overlays {
		if err := overlays[i].Validate(); err != nil {
			return err
		}
		if id := overlays[i].ID; id != "" {
			if seen[id] {
				return domain.ErrInvalidOverlay.Withf("duplicate overlay id %s", id)
			}
			seen[id] = true
		}
	}

	c.mu.Lock()
	if c.closed || c.state.Phase != domain.PhaseIdle {
		phase := c.state.Phase
		c.mu.Unlock()
		return domain.ErrInvalidState.Withf("cannot start a session in phase %s", phase)
	}
	// A failed start leaves the compositor as it found it.
	added := make([]domain.OverlayID, 0, len(overlays))
	rollback := func(err error) error {
		for _, id := range added {
			_ = c.deps.Compositor.RemoveOverlay(id)
		}
		c.mu.Unlock()
		return err
	}
	for _, o := range overlays {
		id, err := c.deps.Compositor.AddOverlay(o)
		if err != nil {
			return rollback(err)
		}
		added = append(added, id)
	}
	if err := c.deps.Compositor.SetQuality(settings.Quality); err != nil {
		return rollback(err)
	}

	runCtx, stop := context.WithCancel(context.Background())
	c.stopRun = stop
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.deps.Compositor.Run(runCtx)
	}()

	c.startedAt = c.deps.Clock.Now()
	c.state.Phase = domain.PhaseLive
	c.state.IsLive = true
	c.state.Title = settings.Title
	c.state.Quality = settings.Quality
	c.state.Platforms = platforms
	c.state.StartedAt = c.startedAt
	c.mu.Unlock()

	c.recomposite()

	c.mu.Lock()
	c.notifyLocked(domain.NewEvent(domain.EventStateChanged))
	c.mu.Unlock()

	c.log.Infow("session live",
		"title", settings.Title,
		"quality", settings.Quality,
		"platforms", len(platforms),
		"enabled_platforms", enabled,
		"preview_only", settings.PreviewOnly,
	)
	return nil
}

func seedPlatforms(in []domain.StreamPlatform) ([]domain.StreamPlatform, error) {
	out := make([]domain.StreamPlatform, 0, len(in))
	seen := make(map[domain.PlatformID]bool, len(in))
	for _, p := range in {
		if err := validation.ValidateID(string(p.ID), "platform id"); err != nil {
			return nil, domain.ErrInvalidInput.Wrap(err)
		}
		if seen[p.ID] {
			return nil, domain.ErrInvalidInput.Withf("duplicate platform %s", p.ID)
		}
		seen[p.ID] = true
		if p.Name == "" {
			p.Name = string(p.ID)
		}
		p.Connected = false
		p.ViewerCount = 0
		out = append(out, p)
	}
	return out, nil
}

// EndSession moves Live to Ended, disconnects every guest, stops every
// publish loop and releases local sources. The controller cannot be
// restarted.
func (c *SessionController) EndSession(ctx context.Context) error {
	_, span := tracing.TraceSession(ctx, "end", string(c.id))
	defer span.End()

	c.mu.Lock()
	if c.state.Phase != domain.PhaseLive {
		phase := c.state.Phase
		c.mu.Unlock()
		return domain.ErrInvalidState.Withf("cannot end a session in phase %s", phase)
	}

	now := c.deps.Clock.Now()
	guests := c.state.Guests
	platforms := make([]domain.PlatformID, 0, len(c.state.Platforms))
	for i := range c.state.Platforms {
		platforms = append(platforms, c.state.Platforms[i].ID)
		c.state.Platforms[i].Connected = false
		c.state.Platforms[i].ViewerCount = 0
	}
	c.state.Phase = domain.PhaseEnded
	c.state.IsLive = false
	c.state.IsRecording = false
	c.state.Guests = nil
	c.state.Sources = nil
	c.state.ViewerCount = 0
	c.state.Duration = now.Sub(c.startedAt)
	c.state.EndedAt = now
	c.notifyLocked(domain.NewEvent(domain.EventStateChanged))
	c.mu.Unlock()

	for _, g := range guests {
		c.deps.Guests.Disconnect(g.ID)
	}
	for _, id := range platforms {
		c.deps.Publisher.StopPublishing(id)
	}
	for _, src := range c.deps.Media.Active() {
		c.deps.Media.Release(src.ID)
	}

	c.log.Infow("session ended",
		"duration", utils.FormatDuration(now.Sub(c.startedAt)),
		"guests_disconnected", len(guests),
		"platforms_stopped", len(platforms),
	)

	c.Close()
	return nil
}

// Close stops background work and closes every component. It is safe to
// call on a session that never went live.
func (c *SessionController) Close() {
	c.closeOnce.Do(func() {
		close(c.done)

		c.mu.Lock()
		if c.stopRun != nil {
			c.stopRun()
		}
		c.mu.Unlock()

		c.deps.Guests.Close()
		c.deps.Publisher.Close()
		c.deps.Media.Close()

		c.mu.Lock()
		c.closed = true
		close(c.persist)
		c.mu.Unlock()

		c.wg.Wait()

		c.obsMu.Lock()
		for _, ch := range c.observers {
			close(ch)
		}
		c.observers = nil
		c.obsMu.Unlock()
	})
}

func (c *SessionController) StartRecording() error {
	return c.setRecording(true)
}

func (c *SessionController) StopRecording() error {
	return c.setRecording(false)
}

func (c *SessionController) setRecording(on bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.Phase != domain.PhaseLive {
		return domain.ErrInvalidState.Withf("recording requires a live session")
	}
	if c.state.IsRecording == on {
		return nil
	}
	c.state.IsRecording = on
	c.notifyLocked(domain.NewEvent(domain.EventStateChanged))
	return nil
}

// AdmitGuest negotiates with a guest and adds it to the session once media
// flows. The guest is not visible in StreamState before that.
func (c *SessionController) AdmitGuest(ctx context.Context, offer ports.GuestOffer) (domain.Guest, error) {
	ctx, span := tracing.TraceGuest(ctx, "admit", string(offer.GuestID))
	defer span.End()

	if offer.GuestID == "" {
		offer.GuestID = domain.GuestID(utils.NewGuestID())
	}
	if err := validation.ValidateDisplayName(offer.Name); err != nil {
		return domain.Guest{}, domain.ErrInvalidInput.Wrap(err)
	}

	c.mu.Lock()
	if c.state.Phase == domain.PhaseEnded {
		c.mu.Unlock()
		return domain.Guest{}, domain.ErrInvalidState.Withf("session has ended")
	}
	if _, ok := c.state.Guest(offer.GuestID); ok {
		c.mu.Unlock()
		return domain.Guest{}, domain.ErrAlreadyActive.Withf("guest %s already connected", offer.GuestID)
	}
	if c.admitting[offer.GuestID] {
		c.mu.Unlock()
		return domain.Guest{}, domain.ErrAlreadyActive.Withf("guest %s is already being admitted", offer.GuestID)
	}
	c.admitting[offer.GuestID] = true
	c.mu.Unlock()
	defer c.finishAdmission(offer.GuestID)

	guest, err := c.deps.Guests.Admit(ctx, offer)
	if err != nil {
		tracing.RecordError(ctx, err)
		c.log.Warnw("guest admission failed", "guest_id", offer.GuestID, "error", err)
		return domain.Guest{}, err
	}

	c.mu.Lock()
	if c.state.Phase == domain.PhaseEnded {
		c.mu.Unlock()
		c.deps.Guests.Disconnect(guest.ID)
		return domain.Guest{}, domain.ErrInvalidState.Withf("session ended during admission")
	}
	if c.departed[offer.GuestID] {
		c.mu.Unlock()
		c.deps.Guests.Disconnect(guest.ID)
		return domain.Guest{}, domain.ErrGuestLost.Withf("guest %s left during admission", guest.ID)
	}
	c.mu.Unlock()

	c.recomposite()

	c.mu.Lock()
	if c.departed[offer.GuestID] || c.state.Phase == domain.PhaseEnded {
		c.mu.Unlock()
		c.deps.Guests.Disconnect(guest.ID)
		c.recomposite()
		return domain.Guest{}, domain.ErrGuestLost.Withf("guest %s left during admission", guest.ID)
	}
	defer c.mu.Unlock()
	c.state.Guests = append(c.state.Guests, guest)
	ev := domain.NewEvent(domain.EventGuestConnected)
	ev.GuestID = guest.ID
	c.notifyLocked(ev)

	c.log.Infow("guest joined", "guest_id", guest.ID, "name", guest.Name)
	return guest, nil
}

func (c *SessionController) finishAdmission(id domain.GuestID) {
	c.mu.Lock()
	delete(c.admitting, id)
	delete(c.departed, id)
	c.mu.Unlock()
}

func (c *SessionController) SetGuestMuted(id domain.GuestID, muted bool) error {
	return c.updateGuest(id, func() (domain.Guest, bool) {
		return c.deps.Guests.SetMuted(id, muted)
	})
}

func (c *SessionController) SetGuestVideoOff(id domain.GuestID, off bool) error {
	return c.updateGuest(id, func() (domain.Guest, bool) {
		return c.deps.Guests.SetVideoOff(id, off)
	})
}

// updateGuest applies a media toggle to a connected guest. A guest still
// negotiating is not connected yet and the call is a no-op.
func (c *SessionController) updateGuest(id domain.GuestID, apply func() (domain.Guest, bool)) error {
	c.mu.Lock()
	_, ok := c.state.Guest(id)
	pending := c.admitting[id]
	c.mu.Unlock()
	if pending && !ok {
		return nil
	}
	if !ok {
		return domain.ErrGuestNotFound.Withf("guest %s not found", id)
	}

	updated, applied := apply()
	if !applied {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.state.Guests {
		if c.state.Guests[i].ID == id {
			c.state.Guests[i] = updated
			ev := domain.NewEvent(domain.EventGuestUpdated)
			ev.GuestID = id
			c.notifyLocked(ev)
			break
		}
	}
	return nil
}

// DisconnectGuest is idempotent; unknown guests are ignored.
func (c *SessionController) DisconnectGuest(id domain.GuestID) error {
	c.deps.Guests.Disconnect(id)
	c.removeGuest(id, domain.EventGuestLeft, nil)
	return nil
}

func (c *SessionController) removeGuest(id domain.GuestID, t domain.EventType, cause error) {
	c.mu.Lock()
	if c.admitting[id] {
		c.departed[id] = true
	}
	idx := -1
	for i, g := range c.state.Guests {
		if g.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		c.mu.Unlock()
		return
	}
	c.state.Guests = append(c.state.Guests[:idx:idx], c.state.Guests[idx+1:]...)
	c.mu.Unlock()

	c.recomposite()

	c.mu.Lock()
	ev := domain.NewEvent(t).WithErr(cause)
	ev.GuestID = id
	c.notifyLocked(ev)
	c.mu.Unlock()
}

func (c *SessionController) ShareScreen(ctx context.Context, constraints domain.CaptureConstraints) (domain.MediaSource, error) {
	return c.acquire(ctx, constraints, c.deps.Media.AcquireScreenShare)
}

func (c *SessionController) StartCamera(ctx context.Context, constraints domain.CaptureConstraints) (domain.MediaSource, error) {
	return c.acquire(ctx, constraints, c.deps.Media.AcquireCamera)
}

func (c *SessionController) acquire(ctx context.Context, constraints domain.CaptureConstraints, open func(context.Context, domain.CaptureConstraints) (domain.MediaSource, error)) (domain.MediaSource, error) {
	if err := c.requireNotEnded(); err != nil {
		return domain.MediaSource{}, err
	}
	src, err := open(ctx, constraints)
	if err != nil {
		tracing.RecordError(ctx, err)
		return domain.MediaSource{}, err
	}
	tracing.AddSpanAttributes(ctx, tracing.SourceIDKey.String(string(src.ID)))
	c.recomposite()

	c.mu.Lock()
	ev := domain.NewEvent(domain.EventStateChanged)
	ev.SourceID = src.ID
	c.notifyLocked(ev)
	c.mu.Unlock()
	return src, nil
}

// StopSource releases a local source. Unknown ids are ignored.
func (c *SessionController) StopSource(id domain.SourceID) error {
	c.deps.Media.Release(id)
	c.recomposite()

	c.mu.Lock()
	ev := domain.NewEvent(domain.EventStateChanged)
	ev.SourceID = id
	c.notifyLocked(ev)
	c.mu.Unlock()
	return nil
}

// recomposite feeds the current source list to the compositor: screen
// share first, then camera, then guests in admission order.
func (c *SessionController) recomposite() {
	c.compMu.Lock()
	defer c.compMu.Unlock()

	sources := append(c.deps.Media.Active(), c.deps.Guests.Sources()...)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Phase == domain.PhaseEnded {
		return
	}
	c.state.Sources = sources
	c.stream = c.deps.Compositor.Composite(sources)
}

func (c *SessionController) requireNotEnded() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Phase == domain.PhaseEnded {
		return domain.ErrInvalidState.Withf("session has ended")
	}
	return nil
}

func (c *SessionController) AddOverlay(overlay domain.StreamOverlay) (domain.OverlayID, error) {
	if err := c.requireNotEnded(); err != nil {
		return "", err
	}
	return c.deps.Compositor.AddOverlay(overlay)
}

func (c *SessionController) UpdateOverlay(id domain.OverlayID, patch domain.OverlayPatch) (domain.StreamOverlay, error) {
	if err := c.requireNotEnded(); err != nil {
		return domain.StreamOverlay{}, err
	}
	return c.deps.Compositor.UpdateOverlay(id, patch)
}

func (c *SessionController) RemoveOverlay(id domain.OverlayID) error {
	if err := c.requireNotEnded(); err != nil {
		return err
	}
	return c.deps.Compositor.RemoveOverlay(id)
}

func (c *SessionController) ReorderOverlays(ids []domain.OverlayID) error {
	if err := c.requireNotEnded(); err != nil {
		return err
	}
	return c.deps.Compositor.Reorder(ids)
}

func (c *SessionController) Overlays() []domain.StreamOverlay {
	return c.deps.Compositor.Overlays()
}

// SetQuality is applied by the compositor at its next frame; publish loops
// keep running.
func (c *SessionController) SetQuality(q domain.Quality) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.Phase == domain.PhaseEnded {
		return domain.ErrInvalidState.Withf("session has ended")
	}
	if err := c.deps.Compositor.SetQuality(q); err != nil {
		return err
	}
	if c.state.Quality != q {
		c.state.Quality = q
		c.notifyLocked(domain.NewEvent(domain.EventStateChanged))
	}
	return nil
}

func (c *SessionController) StartPublishing(ctx context.Context, id domain.PlatformID) error {
	ctx, span := tracing.TracePublish(ctx, "start", string(id))
	defer span.End()

	c.mu.Lock()
	if c.state.Phase != domain.PhaseLive {
		c.mu.Unlock()
		return domain.ErrInvalidState.Withf("publishing requires a live session")
	}
	p, ok := c.state.Platform(id)
	if !ok {
		c.mu.Unlock()
		return domain.ErrPlatformNotFound.Withf("platform %s not found", id)
	}
	if !p.Enabled {
		c.mu.Unlock()
		return domain.ErrInvalidState.Withf("platform %s is disabled", id)
	}
	if p.Connected {
		c.mu.Unlock()
		return domain.ErrAlreadyPublishing.Withf("platform %s already publishing", id)
	}
	stream := c.stream
	c.mu.Unlock()

	if err := c.deps.Publisher.StartPublishing(ctx, p, stream); err != nil {
		tracing.RecordError(ctx, err)
		c.log.Warnw("publish start failed", "platform_id", id, "error", err)
		return err
	}

	c.mu.Lock()
	if c.state.Phase != domain.PhaseLive {
		c.mu.Unlock()
		c.deps.Publisher.StopPublishing(id)
		return domain.ErrInvalidState.Withf("session ended while connecting to %s", id)
	}
	defer c.mu.Unlock()
	if !c.deps.Publisher.IsPublishing(id) {
		return domain.ErrPlatformLost.Withf("platform %s dropped right after connecting", id)
	}
	c.setPlatformLocked(id, func(p *domain.StreamPlatform) { p.Connected = true })
	ev := domain.NewEvent(domain.EventPlatformConnected)
	ev.PlatformID = id
	c.notifyLocked(ev)

	tracing.AddSpanAttributes(ctx, attribute.Bool("connected", true))
	c.log.Infow("publishing started", "platform_id", id)
	return nil
}

// StopPublishing is a no-op for platforms that are not publishing.
func (c *SessionController) StopPublishing(id domain.PlatformID) error {
	c.mu.Lock()
	_, ok := c.state.Platform(id)
	c.mu.Unlock()
	if !ok {
		return domain.ErrPlatformNotFound.Withf("platform %s not found", id)
	}

	c.deps.Publisher.StopPublishing(id)

	c.mu.Lock()
	defer c.mu.Unlock()
	if p, _ := c.state.Platform(id); p.Connected {
		c.setPlatformLocked(id, func(p *domain.StreamPlatform) {
			p.Connected = false
			p.ViewerCount = 0
		})
		ev := domain.NewEvent(domain.EventPlatformStopped)
		ev.PlatformID = id
		c.notifyLocked(ev)
	}
	return nil
}

// SetPlatformEnabled is refused while the platform is publishing.
func (c *SessionController) SetPlatformEnabled(id domain.PlatformID, enabled bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.Phase == domain.PhaseEnded {
		return domain.ErrInvalidState.Withf("session has ended")
	}
	p, ok := c.state.Platform(id)
	if !ok {
		return domain.ErrPlatformNotFound.Withf("platform %s not found", id)
	}
	if p.Connected || c.deps.Publisher.IsPublishing(id) {
		return domain.ErrInvalidState.Withf("stop publishing to %s before changing it", id)
	}
	if p.Enabled == enabled {
		return nil
	}
	c.setPlatformLocked(id, func(p *domain.StreamPlatform) { p.Enabled = enabled })
	ev := domain.NewEvent(domain.EventStateChanged)
	ev.PlatformID = id
	c.notifyLocked(ev)
	return nil
}

// ReportViewerCount records the latest count a platform reported.
// viewerCount is the sum over platforms.
func (c *SessionController) ReportViewerCount(id domain.PlatformID, count int) error {
	if count < 0 {
		return domain.ErrInvalidInput.Withf("viewer count must be >= 0")
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.Phase != domain.PhaseLive {
		return domain.ErrInvalidState.Withf("viewer counts require a live session")
	}
	if _, ok := c.state.Platform(id); !ok {
		return domain.ErrPlatformNotFound.Withf("platform %s not found", id)
	}
	c.setPlatformLocked(id, func(p *domain.StreamPlatform) { p.ViewerCount = count })
	ev := domain.NewEvent(domain.EventViewerCountChanged)
	ev.PlatformID = id
	ev.ViewerCount = c.state.ViewerCount
	c.notifyLocked(ev)
	return nil
}

// setPlatformLocked applies fn and keeps the viewer total in step.
func (c *SessionController) setPlatformLocked(id domain.PlatformID, fn func(*domain.StreamPlatform)) {
	total := 0
	for i := range c.state.Platforms {
		if c.state.Platforms[i].ID == id {
			fn(&c.state.Platforms[i])
		}
		total += c.state.Platforms[i].ViewerCount
	}
	c.state.ViewerCount = total
}

func (c *SessionController) SubscribeChat() ports.ChatSubscription {
	return c.deps.Chat.Subscribe()
}

func (c *SessionController) SubscribeChatFrom(seq uint64) ports.ChatSubscription {
	return c.deps.Chat.SubscribeFrom(seq)
}

func (c *SessionController) ChatHistory(limit int) []domain.ChatMessage {
	return c.deps.Chat.History(limit)
}

// IngestChat feeds one platform message into the session timeline.
func (c *SessionController) IngestChat(platform string, raw domain.RawChatMessage) (domain.ChatMessage, error) {
	return c.deps.Chat.Ingest(platform, raw)
}

// Subscribe returns a channel of state updates. The channel is closed by
// cancel or when the controller closes.
func (c *SessionController) Subscribe() (<-chan ports.SessionUpdate, func()) {
	c.obsMu.Lock()
	defer c.obsMu.Unlock()

	ch := make(chan ports.SessionUpdate, c.cfg.ObserverBuffer)
	id := c.nextObs
	c.nextObs++
	if c.observers == nil {
		close(ch)
		return ch, func() {}
	}
	c.observers[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.obsMu.Lock()
			defer c.obsMu.Unlock()
			if _, ok := c.observers[id]; ok {
				delete(c.observers, id)
				close(ch)
			}
		})
	}
}

// notifyLocked must be called with mu held so updates leave in the order
// the state changed.
func (c *SessionController) notifyLocked(ev domain.Event) {
	if c.closed {
		return
	}
	update := ports.SessionUpdate{Event: ev, State: c.snapshotLocked()}

	c.obsMu.Lock()
	for _, ch := range c.observers {
		offerUpdate(ch, update)
	}
	c.obsMu.Unlock()

	if c.deps.Repository != nil || c.deps.Bus != nil {
		offerUpdate(c.persist, update)
	}
}

func offerUpdate(ch chan ports.SessionUpdate, u ports.SessionUpdate) {
	select {
	case ch <- u:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- u:
	default:
	}
}

func (c *SessionController) persistLoop() {
	defer c.wg.Done()
	for update := range c.persist {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.PersistTimeout)
		if c.deps.Repository != nil {
			if err := c.deps.Repository.Save(ctx, update.State); err != nil {
				c.log.Warnw("session snapshot save failed", "error", err)
			}
		}
		if c.deps.Bus != nil {
			if err := c.deps.Bus.Publish(ctx, update); err != nil {
				c.log.Warnw("session event publish failed", "event", update.Event.Type, "error", err)
			}
		}
		cancel()
	}
}

func (c *SessionController) forward(events <-chan domain.Event) {
	defer c.wg.Done()
	for {
		select {
		case <-c.done:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			c.handleEvent(ev)
		}
	}
}

func (c *SessionController) handleEvent(ev domain.Event) {
	switch ev.Type {
	case domain.EventSourceEnded:
		c.log.Infow("source ended", "source_id", ev.SourceID)
		c.recomposite()
		c.mu.Lock()
		c.notifyLocked(ev)
		c.mu.Unlock()

	case domain.EventGuestLost, domain.EventGuestLeft:
		if ev.Type == domain.EventGuestLost {
			c.log.Warnw("guest lost", "guest_id", ev.GuestID, "error", ev.Error)
		}
		c.removeGuest(ev.GuestID, ev.Type, ev.Err)

	case domain.EventNegotiationFailed:
		c.mu.Lock()
		c.notifyLocked(ev)
		c.mu.Unlock()

	case domain.EventPlatformLost, domain.EventPlatformStopped:
		c.mu.Lock()
		if p, ok := c.state.Platform(ev.PlatformID); ok && p.Connected {
			c.setPlatformLocked(ev.PlatformID, func(p *domain.StreamPlatform) {
				p.Connected = false
				p.ViewerCount = 0
			})
			c.notifyLocked(ev)
		}
		c.mu.Unlock()
		if ev.Type == domain.EventPlatformLost {
			c.log.Warnw("platform lost", "platform_id", ev.PlatformID, "error", ev.Error)
		}

	case domain.EventViewerCountChanged:
		if err := c.ReportViewerCount(ev.PlatformID, ev.ViewerCount); err != nil {
			c.log.Debugw("viewer count ignored", "platform_id", ev.PlatformID, "error", err)
		}

	default:
		c.log.Debugw("component event", "type", ev.Type, "guest_id", ev.GuestID, "platform_id", ev.PlatformID)
	}
}
