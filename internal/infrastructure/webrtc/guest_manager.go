package webrtc

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"castdeck/internal/core/domain"
	"castdeck/internal/core/ports"
	"castdeck/pkg/tracing"
	"castdeck/pkg/utils"
	"castdeck/pkg/validation"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// Metrics receives guest media statistics. The Prometheus collector
// implements it.
type Metrics interface {
	GuestNegotiated(outcome string, d time.Duration)
	GuestRTPReceived(id domain.GuestID, bytes int)
	GuestPacketLoss(id domain.GuestID, fraction float64)
	GuestsConnected(n int)
}

type nopMetrics struct{}

func (nopMetrics) GuestNegotiated(string, time.Duration)   {}
func (nopMetrics) GuestRTPReceived(domain.GuestID, int)    {}
func (nopMetrics) GuestPacketLoss(domain.GuestID, float64) {}
func (nopMetrics) GuestsConnected(int)                     {}

// guestConn is one guest's peer connection and its negotiation state.
type guestConn struct {
	guest    domain.Guest
	state    domain.GuestState
	pc       PeerConnection
	cancel   context.CancelFunc
	sourceID domain.SourceID

	connected  chan struct{}
	failed     chan struct{}
	signalOnce sync.Once

	// Remote candidates that arrive before the offer is applied, and local
	// ones gathered before the answer is sent.
	remoteDescSet bool
	pendingRemote []webrtc.ICECandidateInit
	answerSent    bool
	pendingLocal  []webrtc.ICECandidateInit

	tracks []*webrtc.TrackLocalStaticRTP
	torn   bool
}

// GuestManager runs one pion peer connection per remote guest:
// Pending, Connecting, Connected, Disconnected.
type GuestManager struct {
	config  Config
	factory PeerConnectionFactory
	signal  ports.SignalingChannel
	metrics Metrics
	logger  *zap.SugaredLogger

	mu     sync.Mutex
	guests map[domain.GuestID]*guestConn
	order  []domain.GuestID
	closed bool

	events   chan domain.Event
	done     chan struct{}
	emitMu   sync.RWMutex
	evClosed bool
}

var _ ports.GuestConnectionManager = (*GuestManager)(nil)

func NewGuestManager(config Config, factory PeerConnectionFactory, signal ports.SignalingChannel, metrics Metrics, logger *zap.SugaredLogger) *GuestManager {
	if config.NegotiationTimeout <= 0 {
		config.NegotiationTimeout = 15 * time.Second
	}
	if metrics == nil {
		metrics = nopMetrics{}
	}
	return &GuestManager{
		config:  config,
		factory: factory,
		signal:  signal,
		metrics: metrics,
		logger:  logger,
		guests:  make(map[domain.GuestID]*guestConn),
		events:  make(chan domain.Event, 64),
		done:    make(chan struct{}),
	}
}

func (m *GuestManager) Events() <-chan domain.Event { return m.events }

// Admit answers the guest's offer and blocks until media flows, the
// negotiation timeout expires, ctx ends or Disconnect is called. On any
// failure the guest is dropped and ErrNegotiationFailed returned.
func (m *GuestManager) Admit(ctx context.Context, offer ports.GuestOffer) (domain.Guest, error) {
	if err := validation.ValidateID(string(offer.GuestID), "guest id"); err != nil {
		return domain.Guest{}, domain.ErrInvalidInput.Wrap(err)
	}
	if offer.SDP == "" {
		return domain.Guest{}, domain.ErrInvalidInput.Withf("guest offer has no SDP")
	}

	ctx, span := tracing.TraceGuest(ctx, "negotiate", string(offer.GuestID))
	defer span.End()

	negCtx, cancel := context.WithTimeout(ctx, m.config.NegotiationTimeout)
	defer cancel()

	gc := &guestConn{
		guest:     domain.Guest{ID: offer.GuestID, Name: offer.Name},
		state:     domain.GuestPending,
		cancel:    cancel,
		sourceID:  domain.SourceID(utils.NewSourceID()),
		connected: make(chan struct{}),
		failed:    make(chan struct{}),
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return domain.Guest{}, domain.ErrInvalidState.Withf("guest manager closed")
	}
	if _, exists := m.guests[offer.GuestID]; exists {
		m.mu.Unlock()
		return domain.Guest{}, domain.ErrAlreadyActive.Withf("guest %s already admitted", offer.GuestID)
	}
	m.guests[offer.GuestID] = gc
	m.mu.Unlock()

	started := time.Now()
	err := m.negotiate(negCtx, gc, offer.SDP)
	if err == nil {
		err = m.awaitConnected(negCtx, gc)
	}
	if err != nil {
		tracing.RecordError(ctx, err)
		m.metrics.GuestNegotiated("failed", time.Since(started))
		return domain.Guest{}, m.abandon(gc, err)
	}

	m.mu.Lock()
	if m.guests[gc.guest.ID] != gc || gc.state != domain.GuestConnecting {
		m.mu.Unlock()
		m.metrics.GuestNegotiated("cancelled", time.Since(started))
		return domain.Guest{}, domain.ErrNegotiationFailed.Withf("guest %s disconnected during negotiation", gc.guest.ID)
	}
	gc.state = domain.GuestConnected
	gc.guest.IsConnected = true
	gc.guest.StreamID = gc.sourceID
	m.order = append(m.order, gc.guest.ID)
	guest := gc.guest
	connectedCount := len(m.order)
	m.mu.Unlock()

	m.metrics.GuestNegotiated("connected", time.Since(started))
	m.metrics.GuestsConnected(connectedCount)
	m.logger.Infow("guest connected",
		"guest_id", guest.ID,
		"name", guest.Name,
		"negotiation_ms", time.Since(started).Milliseconds(),
	)

	ev := domain.NewEvent(domain.EventGuestConnected)
	ev.GuestID = guest.ID
	m.emit(ev)
	return guest, nil
}

func (m *GuestManager) negotiate(ctx context.Context, gc *guestConn, sdp string) error {
	pc, err := m.factory.NewPeerConnection()
	if err != nil {
		return err
	}

	m.mu.Lock()
	if m.guests[gc.guest.ID] != gc {
		m.mu.Unlock()
		_ = pc.Close()
		return context.Canceled
	}
	gc.pc = pc
	gc.state = domain.GuestConnecting
	m.mu.Unlock()

	id := gc.guest.ID
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		m.sendLocalCandidate(gc, c.ToJSON())
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		m.handleConnectionState(gc, state)
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		m.handleTrack(gc, track, receiver)
	})

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}); err != nil {
		return err
	}
	m.flushRemoteCandidates(gc)

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return err
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := m.signal.Send(id, ports.SignalMessage{Type: ports.SignalAnswer, SDP: answer.SDP}); err != nil {
		return err
	}
	m.flushLocalCandidates(gc)
	return nil
}

func (m *GuestManager) awaitConnected(ctx context.Context, gc *guestConn) error {
	select {
	case <-gc.connected:
		return nil
	case <-gc.failed:
		return errors.New("peer connection failed")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// abandon tears down a guest whose negotiation did not complete.
func (m *GuestManager) abandon(gc *guestConn, cause error) error {
	m.mu.Lock()
	current := m.guests[gc.guest.ID] == gc
	if current {
		delete(m.guests, gc.guest.ID)
	}
	gc.state = domain.GuestDisconnected
	m.mu.Unlock()

	m.teardown(gc)

	if current {
		m.logger.Warnw("guest negotiation failed", "guest_id", gc.guest.ID, "error", cause)
		_ = m.signal.Send(gc.guest.ID, ports.SignalMessage{Type: ports.SignalError, Error: "negotiation failed"})
		ev := domain.NewEvent(domain.EventNegotiationFailed).WithErr(cause)
		ev.GuestID = gc.guest.ID
		m.emit(ev)
	}
	return domain.ErrNegotiationFailed.Wrap(cause)
}

func (m *GuestManager) handleConnectionState(gc *guestConn, state webrtc.PeerConnectionState) {
	m.logger.Debugw("guest connection state changed", "guest_id", gc.guest.ID, "connection_state", state.String())

	switch state {
	case webrtc.PeerConnectionStateConnected:
		gc.signalOnce.Do(func() { close(gc.connected) })
	case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
		m.mu.Lock()
		st := gc.state
		m.mu.Unlock()
		if st == domain.GuestConnected {
			m.lose(gc, domain.ErrGuestLost.Withf("peer connection %s", state.String()))
			return
		}
		gc.signalOnce.Do(func() { close(gc.failed) })
	}
}

// lose moves a connected guest to Disconnected after a network failure and
// reports GuestLost.
func (m *GuestManager) lose(gc *guestConn, cause error) {
	if !m.remove(gc) {
		return
	}
	m.teardown(gc)
	m.logger.Warnw("guest lost", "guest_id", gc.guest.ID, "error", cause)

	ev := domain.NewEvent(domain.EventGuestLost).WithErr(cause)
	ev.GuestID = gc.guest.ID
	m.emit(ev)
}

// remove reports whether gc was still registered.
func (m *GuestManager) remove(gc *guestConn) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.guests[gc.guest.ID] != gc || gc.state == domain.GuestDisconnected {
		return false
	}
	wasConnected := gc.state == domain.GuestConnected
	gc.state = domain.GuestDisconnected
	gc.guest.IsConnected = false
	delete(m.guests, gc.guest.ID)
	if wasConnected {
		for i, id := range m.order {
			if id == gc.guest.ID {
				m.order = append(m.order[:i:i], m.order[i+1:]...)
				break
			}
		}
		m.metrics.GuestsConnected(len(m.order))
	}
	return true
}

func (m *GuestManager) teardown(gc *guestConn) {
	if gc.cancel != nil {
		gc.cancel()
	}
	m.mu.Lock()
	pc := gc.pc
	already := gc.torn
	gc.torn = true
	m.mu.Unlock()
	if pc != nil && !already {
		if err := pc.Close(); err != nil {
			m.logger.Debugw("peer connection close failed", "guest_id", gc.guest.ID, "error", err)
		}
	}
}

// Disconnect is idempotent. An in-flight negotiation is cancelled and
// Admit returns ErrNegotiationFailed.
func (m *GuestManager) Disconnect(id domain.GuestID) {
	m.mu.Lock()
	gc, ok := m.guests[id]
	m.mu.Unlock()
	if !ok {
		return
	}

	m.mu.Lock()
	wasConnected := gc.state == domain.GuestConnected
	m.mu.Unlock()

	if !m.remove(gc) {
		return
	}
	m.teardown(gc)
	_ = m.signal.Send(id, ports.SignalMessage{Type: ports.SignalBye})

	if wasConnected {
		m.logger.Infow("guest disconnected", "guest_id", id)
		ev := domain.NewEvent(domain.EventGuestLeft)
		ev.GuestID = id
		m.emit(ev)
	}
}

// AddICECandidate applies a trickled remote candidate, queueing it until
// the offer has been applied.
func (m *GuestManager) AddICECandidate(id domain.GuestID, candidate webrtc.ICECandidateInit) error {
	m.mu.Lock()
	gc, ok := m.guests[id]
	if !ok {
		m.mu.Unlock()
		return domain.ErrGuestNotFound.Withf("guest %s not found", id)
	}
	if !gc.remoteDescSet {
		gc.pendingRemote = append(gc.pendingRemote, candidate)
		m.mu.Unlock()
		return nil
	}
	pc := gc.pc
	m.mu.Unlock()

	if err := pc.AddICECandidate(candidate); err != nil {
		return domain.ErrInvalidInput.Withf("bad ICE candidate: %v", err)
	}
	return nil
}

func (m *GuestManager) flushRemoteCandidates(gc *guestConn) {
	m.mu.Lock()
	gc.remoteDescSet = true
	pending := gc.pendingRemote
	gc.pendingRemote = nil
	pc := gc.pc
	m.mu.Unlock()

	for _, c := range pending {
		if err := pc.AddICECandidate(c); err != nil {
			m.logger.Warnw("queued ICE candidate rejected", "guest_id", gc.guest.ID, "error", err)
		}
	}
}

func (m *GuestManager) sendLocalCandidate(gc *guestConn, c webrtc.ICECandidateInit) {
	m.mu.Lock()
	if !gc.answerSent {
		gc.pendingLocal = append(gc.pendingLocal, c)
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	if err := m.signal.Send(gc.guest.ID, ports.SignalMessage{Type: ports.SignalCandidate, Candidate: &c}); err != nil {
		m.logger.Debugw("failed to send ICE candidate", "guest_id", gc.guest.ID, "error", err)
	}
}

func (m *GuestManager) flushLocalCandidates(gc *guestConn) {
	m.mu.Lock()
	gc.answerSent = true
	pending := gc.pendingLocal
	gc.pendingLocal = nil
	m.mu.Unlock()

	for i := range pending {
		c := pending[i]
		if err := m.signal.Send(gc.guest.ID, ports.SignalMessage{Type: ports.SignalCandidate, Candidate: &c}); err != nil {
			m.logger.Debugw("failed to send ICE candidate", "guest_id", gc.guest.ID, "error", err)
		}
	}
}

func (m *GuestManager) SetMuted(id domain.GuestID, muted bool) (domain.Guest, bool) {
	g, ok := m.update(id, func(g *domain.Guest) { g.IsMuted = muted })
	if ok {
		m.sendControl(id, ports.SignalMessage{Type: ports.SignalMute, Muted: &muted})
	}
	return g, ok
}

func (m *GuestManager) SetVideoOff(id domain.GuestID, off bool) (domain.Guest, bool) {
	g, ok := m.update(id, func(g *domain.Guest) { g.IsVideoOff = off })
	if ok {
		m.sendControl(id, ports.SignalMessage{Type: ports.SignalVideo, VideoOff: &off})
	}
	return g, ok
}

func (m *GuestManager) update(id domain.GuestID, fn func(*domain.Guest)) (domain.Guest, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	gc, ok := m.guests[id]
	if !ok || gc.state != domain.GuestConnected {
		return domain.Guest{}, false
	}
	fn(&gc.guest)
	return gc.guest, true
}

func (m *GuestManager) sendControl(id domain.GuestID, msg ports.SignalMessage) {
	if err := m.signal.Send(id, msg); err != nil {
		m.logger.Warnw("failed to signal guest", "guest_id", id, "type", msg.Type, "error", err)
	}
}

// Sources returns one media source per connected guest in admission order.
func (m *GuestManager) Sources() []domain.MediaSource {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.MediaSource, 0, len(m.order))
	for _, id := range m.order {
		gc := m.guests[id]
		out = append(out, domain.MediaSource{
			ID:      gc.sourceID,
			Kind:    domain.SourceGuest,
			Label:   gc.guest.Name,
			GuestID: id,
		})
	}
	return out
}

// Guest returns a connected guest's current flags.
func (m *GuestManager) Guest(id domain.GuestID) (domain.Guest, domain.GuestState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	gc, ok := m.guests[id]
	if !ok {
		return domain.Guest{}, domain.GuestDisconnected, false
	}
	return gc.guest, gc.state, true
}

// handleTrack forwards a guest's remote track into a local track and
// watches the receiver's RTCP for loss.
func (m *GuestManager) handleTrack(gc *guestConn, remote *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	m.logger.Infow("guest track started",
		"guest_id", gc.guest.ID,
		"track_id", remote.ID(),
		"codec", remote.Codec().MimeType,
	)

	local, err := webrtc.NewTrackLocalStaticRTP(remote.Codec().RTPCodecCapability, remote.ID(), string(gc.sourceID))
	if err != nil {
		m.logger.Errorw("failed to create local track", "guest_id", gc.guest.ID, "error", err)
		return
	}
	m.mu.Lock()
	gc.tracks = append(gc.tracks, local)
	m.mu.Unlock()

	go m.forwardRTP(gc.guest.ID, remote, local)
	go m.readRTCP(gc.guest.ID, receiver)
}

func (m *GuestManager) forwardRTP(id domain.GuestID, remote *webrtc.TrackRemote, local *webrtc.TrackLocalStaticRTP) {
	for {
		pkt, _, err := remote.ReadRTP()
		if err != nil {
			m.logger.Debugw("guest track ended", "guest_id", id, "track_id", remote.ID(), "error", err)
			return
		}
		m.metrics.GuestRTPReceived(id, pkt.MarshalSize())
		if err := local.WriteRTP(pkt); err != nil && !errors.Is(err, io.ErrClosedPipe) {
			m.logger.Debugw("failed to forward guest RTP", "guest_id", id, "error", err)
		}
	}
}

func (m *GuestManager) readRTCP(id domain.GuestID, receiver *webrtc.RTPReceiver) {
	for {
		packets, _, err := receiver.ReadRTCP()
		if err != nil {
			return
		}
		if loss, ok := PacketLoss(packets); ok {
			m.metrics.GuestPacketLoss(id, loss)
		}
	}
}

// PacketLoss averages FractionLost over the reception reports in packets
// and returns it as a fraction in [0, 1].
func PacketLoss(packets []rtcp.Packet) (float64, bool) {
	var total float64
	n := 0
	for _, packet := range packets {
		var reports []rtcp.ReceptionReport
		switch p := packet.(type) {
		case *rtcp.ReceiverReport:
			reports = p.Reports
		case *rtcp.SenderReport:
			reports = p.Reports
		}
		for _, r := range reports {
			total += float64(r.FractionLost) / 256
			n++
		}
	}
	if n == 0 {
		return 0, false
	}
	return total / float64(n), true
}

// LocalTracks returns the forwarded tracks of a connected guest.
func (m *GuestManager) LocalTracks(id domain.GuestID) []*webrtc.TrackLocalStaticRTP {
	m.mu.Lock()
	defer m.mu.Unlock()
	gc, ok := m.guests[id]
	if !ok {
		return nil
	}
	return append([]*webrtc.TrackLocalStaticRTP(nil), gc.tracks...)
}

func (m *GuestManager) emit(ev domain.Event) {
	m.emitMu.RLock()
	defer m.emitMu.RUnlock()
	if m.evClosed {
		return
	}
	select {
	case m.events <- ev:
	case <-m.done:
	}
}

// Close disconnects every guest and closes Events.
func (m *GuestManager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	conns := make([]*guestConn, 0, len(m.guests))
	for _, gc := range m.guests {
		conns = append(conns, gc)
	}
	m.mu.Unlock()

	for _, gc := range conns {
		if m.remove(gc) {
			m.teardown(gc)
		}
	}

	close(m.done)
	m.emitMu.Lock()
	m.evClosed = true
	close(m.events)
	m.emitMu.Unlock()
}
