package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"castdeck/internal/core/domain"
	"castdeck/internal/core/ports"
	"castdeck/pkg/tracing"
	"castdeck/pkg/utils"
	"castdeck/pkg/validation"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// GuestSession is the part of the session that guest signaling drives.
type GuestSession interface {
	AdmitGuest(ctx context.Context, offer ports.GuestOffer) (domain.Guest, error)
	DisconnectGuest(id domain.GuestID) error
}

// CandidateSink receives trickled remote ICE candidates.
type CandidateSink interface {
	AddICECandidate(id domain.GuestID, candidate webrtc.ICECandidateInit) error
}

// InboundMessage is what a guest's browser sends.
type InboundMessage struct {
	Type      string                   `json:"type"`
	SDP       string                   `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit `json:"candidate,omitempty"`
}

// JoinedMessage confirms a successful admission.
type JoinedMessage struct {
	Type  string       `json:"type"`
	Guest domain.Guest `json:"guest"`
}

type Config struct {
	PingInterval      time.Duration
	PongTimeout       time.Duration
	WriteTimeout      time.Duration
	AllowedOrigins    []string
	MessagesPerSecond float64
	Burst             int
	MaxMessageSize    int64
}

func DefaultConfig() Config {
	return Config{
		PingInterval:      30 * time.Second,
		PongTimeout:       60 * time.Second,
		WriteTimeout:      10 * time.Second,
		AllowedOrigins:    []string{"*"},
		MessagesPerSecond: 50,
		Burst:             100,
		MaxMessageSize:    64 * 1024,
	}
}

// guestConn is one guest's signaling socket. Remote candidates that arrive
// before the answer goes out are held until it does.
type guestConn struct {
	id      domain.GuestID
	conn    *websocket.Conn
	writeMu sync.Mutex

	mu        sync.Mutex
	offered   bool
	answered  bool
	pending   []webrtc.ICECandidateInit
	closeOnce sync.Once
}

// WebSocketServer is the guest signaling endpoint and the SignalingChannel
// the guest manager answers through.
type WebSocketServer struct {
	config   Config
	upgrader websocket.Upgrader
	logger   *zap.SugaredLogger

	handlerMu  sync.RWMutex
	session    GuestSession
	candidates CandidateSink

	connections map[domain.GuestID]*guestConn
	mu          sync.RWMutex
}

var _ ports.SignalingChannel = (*WebSocketServer)(nil)

func NewWebSocketServer(config Config, logger *zap.SugaredLogger) *WebSocketServer {
	def := DefaultConfig()
	if config.PingInterval <= 0 {
		config.PingInterval = def.PingInterval
	}
	if config.PongTimeout <= config.PingInterval {
		config.PongTimeout = 2 * config.PingInterval
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = def.WriteTimeout
	}
	if config.MessagesPerSecond <= 0 {
		config.MessagesPerSecond = def.MessagesPerSecond
	}
	if config.Burst <= 0 {
		config.Burst = def.Burst
	}
	if config.MaxMessageSize <= 0 {
		config.MaxMessageSize = def.MaxMessageSize
	}

	s := &WebSocketServer{
		config:      config,
		logger:      logger,
		connections: make(map[domain.GuestID]*guestConn),
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin:     s.checkOrigin,
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
	}
	return s
}

// Attach wires the session and candidate sink. The guest manager needs the
// server as its SignalingChannel, so this happens after construction.
func (s *WebSocketServer) Attach(session GuestSession, candidates CandidateSink) {
	s.handlerMu.Lock()
	defer s.handlerMu.Unlock()
	s.session = session
	s.candidates = candidates
}

func (s *WebSocketServer) handlers() (GuestSession, CandidateSink) {
	s.handlerMu.RLock()
	defer s.handlerMu.RUnlock()
	return s.session, s.candidates
}

func (s *WebSocketServer) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.config.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// HandleWebSocket serves one guest: /signal?guest_id=...&name=...
func (s *WebSocketServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	session, _ := s.handlers()
	if session == nil {
		http.Error(w, "no active session", http.StatusServiceUnavailable)
		return
	}

	guestID := domain.GuestID(r.URL.Query().Get("guest_id"))
	if guestID == "" {
		guestID = domain.GuestID(utils.NewGuestID())
	}
	if err := validation.ValidateID(string(guestID), "guest_id"); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	name := r.URL.Query().Get("name")
	if err := validation.ValidateDisplayName(name); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.RLock()
	_, exists := s.connections[guestID]
	s.mu.RUnlock()
	if exists {
		http.Error(w, "guest already connected", http.StatusConflict)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}

	gc := &guestConn{id: guestID, conn: conn}
	s.mu.Lock()
	if _, exists := s.connections[guestID]; exists {
		s.mu.Unlock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "guest already connected"),
			time.Now().Add(s.config.WriteTimeout))
		_ = conn.Close()
		return
	}
	s.connections[guestID] = gc
	s.mu.Unlock()

	s.logger.Infow("guest signaling connected", "guest_id", guestID, "remote_addr", r.RemoteAddr)
	s.serve(r.Context(), gc, name)
}

func (s *WebSocketServer) serve(ctx context.Context, gc *guestConn, name string) {
	conn := gc.conn
	conn.SetReadLimit(s.config.MaxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(s.config.PongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.config.PongTimeout))
	})

	limiter := rate.NewLimiter(rate.Limit(s.config.MessagesPerSecond), s.config.Burst)
	messages := make(chan InboundMessage, 16)
	readErr := make(chan error, 1)
	go func() {
		for {
			var msg InboundMessage
			if err := conn.ReadJSON(&msg); err != nil {
				readErr <- err
				return
			}
			_ = conn.SetReadDeadline(time.Now().Add(s.config.PongTimeout))
			messages <- msg
		}
	}()

	ping := time.NewTicker(s.config.PingInterval)
	defer ping.Stop()

	// Admission outlives a single message; it ends with the socket.
	admitCtx, cancelAdmit := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelAdmit()

loop:
	for {
		select {
		case msg := <-messages:
			if !limiter.Allow() {
				s.sendError(gc, "rate limit exceeded")
				continue
			}
			if err := s.handleMessage(admitCtx, gc, name, msg); err != nil {
				if err == errBye {
					break loop
				}
				s.logger.Infow("error handling guest message", "guest_id", gc.id, "type", msg.Type, "error", err)
				s.sendError(gc, err.Error())
			}

		case <-ping.C:
			gc.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.config.WriteTimeout))
			gc.writeMu.Unlock()
			if err != nil {
				s.logger.Infow("error sending ping", "guest_id", gc.id, "error", err)
				break loop
			}

		case err := <-readErr:
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Infow("error reading guest message", "guest_id", gc.id, "error", err)
			}
			break loop
		}
	}

	cancelAdmit()
	s.remove(gc)
	if session, _ := s.handlers(); session != nil {
		if err := session.DisconnectGuest(gc.id); err != nil {
			s.logger.Infow("error disconnecting guest", "guest_id", gc.id, "error", err)
		}
	}
	s.logger.Infow("guest signaling disconnected", "guest_id", gc.id)
}

var errBye = fmt.Errorf("guest said bye")

func (s *WebSocketServer) handleMessage(ctx context.Context, gc *guestConn, name string, msg InboundMessage) error {
	switch msg.Type {
	case "offer":
		return s.handleOffer(ctx, gc, name, msg)
	case "ice_candidate":
		return s.handleCandidate(gc, msg)
	case "bye":
		return errBye
	case "":
		return fmt.Errorf("message type is required")
	default:
		return fmt.Errorf("unknown message type: %s", msg.Type)
	}
}

func (s *WebSocketServer) handleOffer(ctx context.Context, gc *guestConn, name string, msg InboundMessage) error {
	if err := validateSDP(msg.SDP); err != nil {
		return fmt.Errorf("invalid SDP in offer: %w", err)
	}

	gc.mu.Lock()
	if gc.offered {
		gc.mu.Unlock()
		return fmt.Errorf("offer already received")
	}
	gc.offered = true
	gc.mu.Unlock()

	session, _ := s.handlers()
	go func() {
		ctx, span := tracing.TraceSignal(ctx, "offer", string(gc.id))
		defer span.End()

		guest, err := session.AdmitGuest(ctx, ports.GuestOffer{GuestID: gc.id, Name: name, SDP: msg.SDP})
		if err != nil {
			tracing.RecordError(ctx, err)
			s.logger.Infow("guest admission failed", "guest_id", gc.id, "error", err)
			s.sendError(gc, err.Error())
			gc.mu.Lock()
			gc.offered = false
			gc.answered = false
			gc.pending = nil
			gc.mu.Unlock()
			return
		}
		if err := s.write(gc, JoinedMessage{Type: "joined", Guest: guest}); err != nil {
			s.logger.Debugw("failed to confirm admission", "guest_id", gc.id, "error", err)
		}
	}()
	return nil
}

func (s *WebSocketServer) handleCandidate(gc *guestConn, msg InboundMessage) error {
	if msg.Candidate == nil || msg.Candidate.Candidate == "" {
		return fmt.Errorf("ICE candidate is required")
	}

	gc.mu.Lock()
	if !gc.offered {
		gc.mu.Unlock()
		return fmt.Errorf("ICE candidate before offer")
	}
	if !gc.answered {
		gc.pending = append(gc.pending, *msg.Candidate)
		gc.mu.Unlock()
		return nil
	}
	gc.mu.Unlock()

	_, candidates := s.handlers()
	return candidates.AddICECandidate(gc.id, *msg.Candidate)
}

// Send implements ports.SignalingChannel. Sending the answer releases the
// candidates held for the guest; sending bye closes the socket.
func (s *WebSocketServer) Send(id domain.GuestID, msg ports.SignalMessage) error {
	s.mu.RLock()
	gc, ok := s.connections[id]
	s.mu.RUnlock()
	if !ok {
		return domain.ErrGuestNotFound.Withf("guest %s has no signaling connection", id)
	}

	if err := s.write(gc, msg); err != nil {
		return err
	}

	switch msg.Type {
	case ports.SignalAnswer:
		gc.mu.Lock()
		gc.answered = true
		pending := gc.pending
		gc.pending = nil
		gc.mu.Unlock()

		_, candidates := s.handlers()
		for _, c := range pending {
			if err := candidates.AddICECandidate(id, c); err != nil {
				s.logger.Warnw("held ICE candidate rejected", "guest_id", id, "error", err)
			}
		}
	case ports.SignalBye:
		s.close(gc)
	}
	return nil
}

func (s *WebSocketServer) write(gc *guestConn, v interface{}) error {
	gc.writeMu.Lock()
	defer gc.writeMu.Unlock()
	_ = gc.conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
	return gc.conn.WriteJSON(v)
}

func (s *WebSocketServer) sendError(gc *guestConn, message string) {
	_ = s.write(gc, ports.SignalMessage{Type: ports.SignalError, Error: message})
}

func (s *WebSocketServer) close(gc *guestConn) {
	gc.closeOnce.Do(func() {
		gc.writeMu.Lock()
		_ = gc.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"),
			time.Now().Add(s.config.WriteTimeout))
		gc.writeMu.Unlock()
		_ = gc.conn.Close()
	})
}

func (s *WebSocketServer) remove(gc *guestConn) {
	s.mu.Lock()
	if s.connections[gc.id] == gc {
		delete(s.connections, gc.id)
	}
	s.mu.Unlock()
	s.close(gc)
}

// validateSDP validates SDP format
func validateSDP(sdp string) error {
	if sdp == "" {
		return fmt.Errorf("SDP cannot be empty")
	}
	if !strings.HasPrefix(sdp, "v=") {
		return fmt.Errorf("invalid SDP format: must start with 'v='")
	}
	for _, field := range []string{"o=", "s=", "t="} {
		if !strings.Contains(sdp, field) {
			return fmt.Errorf("invalid SDP format: missing required field '%s'", field)
		}
	}
	return nil
}

func (s *WebSocketServer) ConnectedGuests() []domain.GuestID {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]domain.GuestID, 0, len(s.connections))
	for id := range s.connections {
		ids = append(ids, id)
	}
	return ids
}

func (s *WebSocketServer) IsGuestConnected(id domain.GuestID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.connections[id]
	return ok
}

// CloseAll says bye to every guest, used on shutdown.
func (s *WebSocketServer) CloseAll() {
	s.mu.RLock()
	conns := make([]*guestConn, 0, len(s.connections))
	for _, gc := range s.connections {
		conns = append(conns, gc)
	}
	s.mu.RUnlock()

	for _, gc := range conns {
		_ = s.write(gc, ports.SignalMessage{Type: ports.SignalBye})
		s.close(gc)
	}
}

// HealthCheck reports the number of open guest sockets.
func (s *WebSocketServer) HealthCheck(w http.ResponseWriter, r *http.Request) {
	guests := s.ConnectedGuests()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":      "healthy",
		"timestamp":   time.Now().Unix(),
		"connections": len(guests),
		"guests":      guests,
	})
}
