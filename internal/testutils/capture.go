package testutils

import (
	"context"
	"sync"

	"castdeck/internal/core/domain"
	"castdeck/internal/core/ports"
)

// FakeCaptureHandle is a capture that ends when the test calls End or the
// owner calls Stop.
type FakeCaptureHandle struct {
	settings domain.TrackSettings
	ended    chan struct{}
	once     sync.Once

	mu      sync.Mutex
	stopped int
}

func NewFakeCaptureHandle(settings domain.TrackSettings) *FakeCaptureHandle {
	return &FakeCaptureHandle{settings: settings, ended: make(chan struct{})}
}

func (h *FakeCaptureHandle) Settings() domain.TrackSettings { return h.settings }
func (h *FakeCaptureHandle) Ended() <-chan struct{}         { return h.ended }

func (h *FakeCaptureHandle) Stop() {
	h.mu.Lock()
	h.stopped++
	h.mu.Unlock()
	h.End()
}

// End simulates the OS revoking the capture.
func (h *FakeCaptureHandle) End() {
	h.once.Do(func() { close(h.ended) })
}

func (h *FakeCaptureHandle) StopCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stopped
}

// FakeCaptureDevice hands out FakeCaptureHandles. Settings are what the
// device "delivers"; requested constraints are recorded, not honored.
type FakeCaptureDevice struct {
	mu          sync.Mutex
	Settings    domain.TrackSettings
	ScreenErr   error
	CameraErr   error
	Block       chan struct{}
	Handles     []*FakeCaptureHandle
	Constraints []domain.CaptureConstraints
}

func NewFakeCaptureDevice() *FakeCaptureDevice {
	return &FakeCaptureDevice{Settings: domain.TrackSettings{Width: 1280, Height: 720, FrameRate: 30}}
}

func (d *FakeCaptureDevice) OpenScreen(ctx context.Context, c domain.CaptureConstraints) (ports.CaptureHandle, error) {
	return d.open(ctx, c, d.ScreenErr)
}

func (d *FakeCaptureDevice) OpenCamera(ctx context.Context, c domain.CaptureConstraints) (ports.CaptureHandle, error) {
	return d.open(ctx, c, d.CameraErr)
}

func (d *FakeCaptureDevice) open(ctx context.Context, c domain.CaptureConstraints, err error) (ports.CaptureHandle, error) {
	if d.Block != nil {
		select {
		case <-d.Block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	h := NewFakeCaptureHandle(d.Settings)
	d.Handles = append(d.Handles, h)
	d.Constraints = append(d.Constraints, c)
	return h, nil
}

func (d *FakeCaptureDevice) Handle(i int) *FakeCaptureHandle {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.Handles[i]
}
