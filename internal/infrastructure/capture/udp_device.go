package capture

import (
	"context"
	"errors"
	"net"
	"os"
	"sync"
	"time"

	"castdeck/internal/core/domain"
	"castdeck/internal/core/ports"
	"castdeck/pkg/optimize"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"go.uber.org/zap"
)

const maxPacketSize = 1500

var packetBufs = optimize.NewBytePool(maxPacketSize)

type Config struct {
	ScreenAddress      string
	CameraAddress      string
	FirstPacketTimeout time.Duration
	IdleTimeout        time.Duration
	// MaxSettings is what the local capture tool can deliver; requests are
	// clamped to it.
	MaxSettings domain.TrackSettings
}

// UDPDevice receives screen and camera capture as RTP over UDP from a local
// capture tool. Opening a source waits for the tool's first packet; an RTCP
// BYE in its place means the user declined.
type UDPDevice struct {
	config Config
	logger *zap.SugaredLogger
}

var _ ports.CaptureDevice = (*UDPDevice)(nil)

func NewUDPDevice(config Config, logger *zap.SugaredLogger) *UDPDevice {
	if config.FirstPacketTimeout <= 0 {
		config.FirstPacketTimeout = 10 * time.Second
	}
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = 3 * time.Second
	}
	if config.MaxSettings.Width <= 0 || config.MaxSettings.Height <= 0 {
		config.MaxSettings.Width, config.MaxSettings.Height = 1920, 1080
	}
	if config.MaxSettings.FrameRate <= 0 {
		config.MaxSettings.FrameRate = 30
	}
	return &UDPDevice{config: config, logger: logger}
}

func (d *UDPDevice) OpenScreen(ctx context.Context, constraints domain.CaptureConstraints) (ports.CaptureHandle, error) {
	return d.open(ctx, domain.SourceScreen, d.config.ScreenAddress, constraints)
}

func (d *UDPDevice) OpenCamera(ctx context.Context, constraints domain.CaptureConstraints) (ports.CaptureHandle, error) {
	return d.open(ctx, domain.SourceCamera, d.config.CameraAddress, constraints)
}

func (d *UDPDevice) open(ctx context.Context, kind domain.SourceKind, address string, constraints domain.CaptureConstraints) (ports.CaptureHandle, error) {
	conn, err := net.ListenPacket("udp", address)
	if err != nil {
		if errors.Is(err, os.ErrPermission) {
			return nil, domain.ErrAcquisitionDenied.Wrap(err)
		}
		return nil, domain.ErrAcquisitionFailed.Wrap(err)
	}

	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.SetReadDeadline(time.Now())
		case <-stop:
		}
	}()

	deadline := time.Now().Add(d.config.FirstPacketTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	_ = conn.SetReadDeadline(deadline)

	ssrc, err := d.awaitFirstPacket(conn)
	close(stop)
	if err != nil {
		_ = conn.Close()
		if ctx.Err() != nil && !errors.Is(err, domain.ErrAcquisitionDenied) {
			return nil, domain.ErrAcquisitionFailed.Withf("capture cancelled").Wrap(ctx.Err())
		}
		return nil, err
	}

	h := &udpHandle{
		conn:     conn,
		kind:     kind,
		ssrc:     ssrc,
		settings: d.settingsFor(constraints),
		idle:     d.config.IdleTimeout,
		logger:   d.logger,
		ended:    make(chan struct{}),
	}
	d.logger.Infow("capture started",
		"kind", kind,
		"address", conn.LocalAddr().String(),
		"ssrc", ssrc,
		"width", h.settings.Width,
		"height", h.settings.Height,
	)
	go h.run()
	return h, nil
}

func (d *UDPDevice) awaitFirstPacket(conn net.PacketConn) (uint32, error) {
	buf := packetBufs.Get()
	defer packetBufs.Put(buf)
	for {
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return 0, domain.ErrAcquisitionFailed.Withf("no media from capture tool").Wrap(err)
			}
			return 0, domain.ErrAcquisitionFailed.Wrap(err)
		}
		kind, ssrc := classify(buf[:n])
		switch kind {
		case packetRTP:
			return ssrc, nil
		case packetBye:
			return 0, domain.ErrAcquisitionDenied.Withf("capture declined")
		}
	}
}

// settingsFor clamps constraints to what the tool delivers.
func (d *UDPDevice) settingsFor(c domain.CaptureConstraints) domain.TrackSettings {
	limit := d.config.MaxSettings
	s := domain.TrackSettings{Width: c.Width, Height: c.Height, FrameRate: c.FrameRate}
	if s.Width <= 0 || s.Height <= 0 || s.Width > limit.Width || s.Height > limit.Height {
		s.Width, s.Height = limit.Width, limit.Height
	}
	if s.FrameRate <= 0 || s.FrameRate > limit.FrameRate {
		s.FrameRate = limit.FrameRate
	}
	return s
}

type packetKind int

const (
	packetUnknown packetKind = iota
	packetRTP
	packetRTCP
	packetBye
)

// classify demultiplexes RTP and RTCP on one port by payload type.
func classify(b []byte) (packetKind, uint32) {
	if len(b) < 2 || b[0]>>6 != 2 {
		return packetUnknown, 0
	}
	if pt := b[1]; pt >= 192 && pt <= 223 {
		packets, err := rtcp.Unmarshal(b)
		if err != nil {
			return packetUnknown, 0
		}
		for _, p := range packets {
			if bye, ok := p.(*rtcp.Goodbye); ok {
				var ssrc uint32
				if len(bye.Sources) > 0 {
					ssrc = bye.Sources[0]
				}
				return packetBye, ssrc
			}
		}
		return packetRTCP, 0
	}
	var pkt rtp.Packet
	if err := pkt.Unmarshal(b); err != nil {
		return packetUnknown, 0
	}
	return packetRTP, pkt.SSRC
}

type udpHandle struct {
	conn     net.PacketConn
	kind     domain.SourceKind
	ssrc     uint32
	settings domain.TrackSettings
	idle     time.Duration
	logger   *zap.SugaredLogger

	mu       sync.Mutex
	packets  uint64
	stopOnce sync.Once
	ended    chan struct{}
}

func (h *udpHandle) Settings() domain.TrackSettings { return h.settings }

func (h *udpHandle) Ended() <-chan struct{} { return h.ended }

func (h *udpHandle) Stop() {
	h.stopOnce.Do(func() {
		_ = h.conn.Close()
	})
	<-h.ended
}

// Packets returns how many RTP packets the capture delivered.
func (h *udpHandle) Packets() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.packets
}

// run reads until the tool goes idle, says BYE or Stop closes the socket.
func (h *udpHandle) run() {
	defer close(h.ended)
	defer h.stopOnce.Do(func() { _ = h.conn.Close() })

	buf := packetBufs.Get()
	defer packetBufs.Put(buf)
	for {
		_ = h.conn.SetReadDeadline(time.Now().Add(h.idle))
		n, _, err := h.conn.ReadFrom(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				h.logger.Warnw("capture went idle", "kind", h.kind, "ssrc", h.ssrc)
			}
			return
		}
		kind, ssrc := classify(buf[:n])
		switch kind {
		case packetRTP:
			h.mu.Lock()
			h.packets++
			h.mu.Unlock()
		case packetBye:
			if ssrc == h.ssrc || ssrc == 0 {
				h.logger.Infow("capture ended by tool", "kind", h.kind, "ssrc", h.ssrc)
				return
			}
		}
	}
}
