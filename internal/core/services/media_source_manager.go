package services

import (
	"context"
	"errors"
	"sync"

	"castdeck/internal/core/domain"
	"castdeck/internal/core/ports"
	"castdeck/pkg/utils"

	"go.uber.org/zap"
)

type activeSource struct {
	source   domain.MediaSource
	handle   ports.CaptureHandle
	released chan struct{}
}

// MediaSourceManager owns local capture sources: at most one screen share and
// one camera. A second screen share fails with ErrAlreadyActive; callers
// release the current one first.
type MediaSourceManager struct {
	device ports.CaptureDevice
	log    *zap.SugaredLogger

	mu        sync.Mutex
	sources   map[domain.SourceID]*activeSource
	byKind    map[domain.SourceKind]domain.SourceID
	acquiring map[domain.SourceKind]bool
	closed    bool

	events chan domain.Event
	done   chan struct{}
	wg     sync.WaitGroup
}

func NewMediaSourceManager(device ports.CaptureDevice, log *zap.SugaredLogger) *MediaSourceManager {
	return &MediaSourceManager{
		device:    device,
		log:       log,
		sources:   make(map[domain.SourceID]*activeSource),
		byKind:    make(map[domain.SourceKind]domain.SourceID),
		acquiring: make(map[domain.SourceKind]bool),
		events:    make(chan domain.Event, 16),
		done:      make(chan struct{}),
	}
}

func (m *MediaSourceManager) Events() <-chan domain.Event { return m.events }

func (m *MediaSourceManager) AcquireScreenShare(ctx context.Context, constraints domain.CaptureConstraints) (domain.MediaSource, error) {
	return m.acquire(ctx, domain.SourceScreen, constraints, m.device.OpenScreen)
}

func (m *MediaSourceManager) AcquireCamera(ctx context.Context, constraints domain.CaptureConstraints) (domain.MediaSource, error) {
	return m.acquire(ctx, domain.SourceCamera, constraints, m.device.OpenCamera)
}

type openFunc func(context.Context, domain.CaptureConstraints) (ports.CaptureHandle, error)

func (m *MediaSourceManager) acquire(ctx context.Context, kind domain.SourceKind, constraints domain.CaptureConstraints, open openFunc) (domain.MediaSource, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return domain.MediaSource{}, domain.ErrInvalidState.Withf("media source manager closed")
	}
	if _, busy := m.byKind[kind]; busy || m.acquiring[kind] {
		m.mu.Unlock()
		return domain.MediaSource{}, domain.ErrAlreadyActive.Withf("%s capture already active", kind)
	}
	m.acquiring[kind] = true
	m.mu.Unlock()

	handle, err := open(ctx, constraints)

	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.acquiring, kind)

	if err != nil {
		if errors.Is(err, domain.ErrAcquisitionDenied) {
			return domain.MediaSource{}, err
		}
		return domain.MediaSource{}, domain.ErrAcquisitionFailed.Wrap(err)
	}
	if m.closed {
		handle.Stop()
		return domain.MediaSource{}, domain.ErrInvalidState.Withf("media source manager closed")
	}

	src := &activeSource{
		source: domain.MediaSource{
			ID:       domain.SourceID(utils.NewSourceID()),
			Kind:     kind,
			Label:    string(kind),
			Settings: handle.Settings(),
		},
		handle:   handle,
		released: make(chan struct{}),
	}
	m.sources[src.source.ID] = src
	m.byKind[kind] = src.source.ID

	m.wg.Add(1)
	go m.watch(src)

	if s := src.source.Settings; constraints.Width > 0 && (s.Width < constraints.Width || s.FrameRate < constraints.FrameRate) {
		m.log.Infow("capture delivered less than requested",
			"source_id", src.source.ID,
			"kind", kind,
			"requested_width", constraints.Width,
			"actual_width", s.Width,
			"requested_fps", constraints.FrameRate,
			"actual_fps", s.FrameRate,
		)
	}
	return src.source, nil
}

// watch turns an externally ended capture into a SourceEnded event.
func (m *MediaSourceManager) watch(src *activeSource) {
	defer m.wg.Done()

	select {
	case <-src.released:
		return
	case <-src.handle.Ended():
	}

	m.mu.Lock()
	current, ok := m.sources[src.source.ID]
	if !ok || current != src {
		m.mu.Unlock()
		return
	}
	m.remove(src)
	m.mu.Unlock()

	m.log.Infow("capture ended outside manager", "source_id", src.source.ID, "kind", src.source.Kind)
	src.handle.Stop()

	ev := domain.NewEvent(domain.EventSourceEnded)
	ev.SourceID = src.source.ID
	m.emit(ev)
}

// Release stops a source. Unknown or already released ids are ignored.
func (m *MediaSourceManager) Release(id domain.SourceID) {
	m.mu.Lock()
	src, ok := m.sources[id]
	if ok {
		m.remove(src)
	}
	m.mu.Unlock()

	if ok {
		src.handle.Stop()
	}
}

// remove must be called with mu held.
func (m *MediaSourceManager) remove(src *activeSource) {
	delete(m.sources, src.source.ID)
	if m.byKind[src.source.Kind] == src.source.ID {
		delete(m.byKind, src.source.Kind)
	}
	select {
	case <-src.released:
	default:
		close(src.released)
	}
}

// Active returns the live sources, screen share first.
func (m *MediaSourceManager) Active() []domain.MediaSource {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.MediaSource, 0, len(m.sources))
	for _, kind := range []domain.SourceKind{domain.SourceScreen, domain.SourceCamera} {
		if id, ok := m.byKind[kind]; ok {
			out = append(out, m.sources[id].source)
		}
	}
	return out
}

func (m *MediaSourceManager) emit(ev domain.Event) {
	select {
	case m.events <- ev:
	case <-m.done:
	}
}

// Close releases every source and closes Events.
func (m *MediaSourceManager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	var handles []ports.CaptureHandle
	for _, src := range m.sources {
		m.remove(src)
		handles = append(handles, src.handle)
	}
	m.mu.Unlock()

	for _, h := range handles {
		h.Stop()
	}
	close(m.done)
	m.wg.Wait()
	close(m.events)
}
