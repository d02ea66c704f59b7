package signal

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"castdeck/internal/core/domain"
	"castdeck/internal/core/ports"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testSDP = "v=0\r\no=- 0 0 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\n"

type MockGuestSession struct {
	mock.Mock
}

func (m *MockGuestSession) AdmitGuest(ctx context.Context, offer ports.GuestOffer) (domain.Guest, error) {
	args := m.Called(ctx, offer)
	return args.Get(0).(domain.Guest), args.Error(1)
}

func (m *MockGuestSession) DisconnectGuest(id domain.GuestID) error {
	args := m.Called(id)
	return args.Error(0)
}

type MockCandidateSink struct {
	mock.Mock
}

func (m *MockCandidateSink) AddICECandidate(id domain.GuestID, candidate webrtc.ICECandidateInit) error {
	args := m.Called(id, candidate)
	return args.Error(0)
}

func newTestServer(t *testing.T, cfg Config) (*WebSocketServer, *MockGuestSession, *MockCandidateSink, *httptest.Server) {
	server := NewWebSocketServer(cfg, zap.NewNop().Sugar())
	session := new(MockGuestSession)
	candidates := new(MockCandidateSink)
	server.Attach(session, candidates)

	ts := httptest.NewServer(http.HandlerFunc(server.HandleWebSocket))
	t.Cleanup(ts.Close)
	return server, session, candidates, ts
}

func dial(t *testing.T, ts *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + ts.URL[4:] + "?" + query
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg map[string]interface{}
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestWebSocketServer_OfferIsAnsweredAndJoined(t *testing.T) {
	server, session, _, ts := newTestServer(t, DefaultConfig())

	guest := domain.Guest{ID: "guest-1", Name: "Ada"}
	session.On("AdmitGuest", mock.Anything, ports.GuestOffer{GuestID: "guest-1", Name: "Ada", SDP: testSDP}).
		Run(func(args mock.Arguments) {
			require.NoError(t, server.Send("guest-1", ports.SignalMessage{Type: ports.SignalAnswer, SDP: "answer-sdp"}))
		}).
		Return(guest, nil)
	session.On("DisconnectGuest", domain.GuestID("guest-1")).Return(nil).Maybe()

	conn := dial(t, ts, "guest_id=guest-1&name=Ada")
	require.Eventually(t, func() bool { return server.IsGuestConnected("guest-1") }, time.Second, time.Millisecond)

	require.NoError(t, conn.WriteJSON(InboundMessage{Type: "offer", SDP: testSDP}))

	answer := readMessage(t, conn)
	assert.Equal(t, "answer", answer["type"])
	assert.Equal(t, "answer-sdp", answer["sdp"])

	joined := readMessage(t, conn)
	assert.Equal(t, "joined", joined["type"])

	session.AssertExpectations(t)
}

func TestWebSocketServer_CandidatesHeldUntilAnswer(t *testing.T) {
	server, session, candidates, ts := newTestServer(t, DefaultConfig())

	release := make(chan struct{})
	session.On("AdmitGuest", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			<-release
			_ = server.Send("guest-1", ports.SignalMessage{Type: ports.SignalAnswer, SDP: "answer-sdp"})
		}).
		Return(domain.Guest{ID: "guest-1"}, nil)
	session.On("DisconnectGuest", mock.Anything).Return(nil).Maybe()

	added := make(chan webrtc.ICECandidateInit, 2)
	candidates.On("AddICECandidate", domain.GuestID("guest-1"), mock.Anything).
		Run(func(args mock.Arguments) { added <- args.Get(1).(webrtc.ICECandidateInit) }).
		Return(nil)

	conn := dial(t, ts, "guest_id=guest-1&name=Ada")
	require.Eventually(t, func() bool { return server.IsGuestConnected("guest-1") }, time.Second, time.Millisecond)

	require.NoError(t, conn.WriteJSON(InboundMessage{Type: "offer", SDP: testSDP}))
	require.NoError(t, conn.WriteJSON(InboundMessage{Type: "ice_candidate", Candidate: &webrtc.ICECandidateInit{Candidate: "candidate:1"}}))
	// messages are handled in order, so the error proves the candidate was seen
	require.NoError(t, conn.WriteJSON(InboundMessage{Type: "noop"}))
	assert.Equal(t, "error", readMessage(t, conn)["type"])
	candidates.AssertNotCalled(t, "AddICECandidate", mock.Anything, mock.Anything)

	close(release)
	assert.Equal(t, "answer", readMessage(t, conn)["type"])

	select {
	case c := <-added:
		assert.Equal(t, "candidate:1", c.Candidate)
	case <-time.After(time.Second):
		t.Fatal("held candidate was not forwarded")
	}
	assert.Equal(t, "joined", readMessage(t, conn)["type"])

	require.NoError(t, conn.WriteJSON(InboundMessage{Type: "ice_candidate", Candidate: &webrtc.ICECandidateInit{Candidate: "candidate:2"}}))
	select {
	case c := <-added:
		assert.Equal(t, "candidate:2", c.Candidate)
	case <-time.After(time.Second):
		t.Fatal("candidate was not forwarded")
	}
}

func TestWebSocketServer_AdmissionFailureReportsError(t *testing.T) {
	server, session, _, ts := newTestServer(t, DefaultConfig())

	session.On("AdmitGuest", mock.Anything, mock.Anything).
		Return(domain.Guest{}, domain.ErrNegotiationFailed.Withf("timeout"))
	session.On("DisconnectGuest", mock.Anything).Return(nil).Maybe()

	conn := dial(t, ts, "guest_id=guest-1&name=Ada")
	require.Eventually(t, func() bool { return server.IsGuestConnected("guest-1") }, time.Second, time.Millisecond)

	require.NoError(t, conn.WriteJSON(InboundMessage{Type: "offer", SDP: testSDP}))
	msg := readMessage(t, conn)
	assert.Equal(t, "error", msg["type"])
	assert.Contains(t, msg["error"], "timeout")
}

func TestWebSocketServer_InvalidMessages(t *testing.T) {
	server, session, _, ts := newTestServer(t, DefaultConfig())
	session.On("DisconnectGuest", mock.Anything).Return(nil).Maybe()

	conn := dial(t, ts, "guest_id=guest-1&name=Ada")
	require.Eventually(t, func() bool { return server.IsGuestConnected("guest-1") }, time.Second, time.Millisecond)

	tests := []struct {
		name string
		msg  InboundMessage
	}{
		{"missing type", InboundMessage{}},
		{"unknown type", InboundMessage{Type: "dance"}},
		{"bad sdp", InboundMessage{Type: "offer", SDP: "hello"}},
		{"candidate before offer", InboundMessage{Type: "ice_candidate", Candidate: &webrtc.ICECandidateInit{Candidate: "candidate:1"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, conn.WriteJSON(tt.msg))
			assert.Equal(t, "error", readMessage(t, conn)["type"])
		})
	}
	session.AssertNotCalled(t, "AdmitGuest", mock.Anything, mock.Anything)
}

func TestWebSocketServer_ByeDisconnectsGuest(t *testing.T) {
	server, session, _, ts := newTestServer(t, DefaultConfig())

	left := make(chan struct{})
	session.On("DisconnectGuest", domain.GuestID("guest-1")).
		Run(func(mock.Arguments) { close(left) }).
		Return(nil).Once()

	conn := dial(t, ts, "guest_id=guest-1&name=Ada")
	require.Eventually(t, func() bool { return server.IsGuestConnected("guest-1") }, time.Second, time.Millisecond)

	require.NoError(t, conn.WriteJSON(InboundMessage{Type: "bye"}))

	select {
	case <-left:
	case <-time.After(2 * time.Second):
		t.Fatal("guest was not disconnected")
	}
	assert.Eventually(t, func() bool { return !server.IsGuestConnected("guest-1") }, time.Second, time.Millisecond)
}

func TestWebSocketServer_SendByeClosesSocket(t *testing.T) {
	server, session, _, ts := newTestServer(t, DefaultConfig())
	session.On("DisconnectGuest", mock.Anything).Return(nil).Maybe()

	conn := dial(t, ts, "guest_id=guest-1&name=Ada")
	require.Eventually(t, func() bool { return server.IsGuestConnected("guest-1") }, time.Second, time.Millisecond)

	require.NoError(t, server.Send("guest-1", ports.SignalMessage{Type: ports.SignalBye}))
	assert.Equal(t, "bye", readMessage(t, conn)["type"])

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure))
}

func TestWebSocketServer_SendToUnknownGuest(t *testing.T) {
	server := NewWebSocketServer(DefaultConfig(), zap.NewNop().Sugar())
	err := server.Send("nobody", ports.SignalMessage{Type: ports.SignalAnswer})
	assert.ErrorIs(t, err, domain.ErrGuestNotFound)
}

func TestWebSocketServer_RejectsRequests(t *testing.T) {
	t.Run("no session attached", func(t *testing.T) {
		server := NewWebSocketServer(DefaultConfig(), zap.NewNop().Sugar())
		ts := httptest.NewServer(http.HandlerFunc(server.HandleWebSocket))
		defer ts.Close()

		_, resp, err := websocket.DefaultDialer.Dial("ws"+ts.URL[4:]+"?name=Ada", nil)
		require.Error(t, err)
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	})

	t.Run("missing name", func(t *testing.T) {
		_, _, _, ts := newTestServer(t, DefaultConfig())
		_, resp, err := websocket.DefaultDialer.Dial("ws"+ts.URL[4:]+"?guest_id=guest-1", nil)
		require.Error(t, err)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("duplicate guest", func(t *testing.T) {
		server, session, _, ts := newTestServer(t, DefaultConfig())
		session.On("DisconnectGuest", mock.Anything).Return(nil).Maybe()

		dial(t, ts, "guest_id=guest-1&name=Ada")
		require.Eventually(t, func() bool { return server.IsGuestConnected("guest-1") }, time.Second, time.Millisecond)

		_, resp, err := websocket.DefaultDialer.Dial("ws"+ts.URL[4:]+"?guest_id=guest-1&name=Ada", nil)
		require.Error(t, err)
		assert.Equal(t, http.StatusConflict, resp.StatusCode)
	})

	t.Run("origin not allowed", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.AllowedOrigins = []string{"https://studio.example.com"}
		_, _, _, ts := newTestServer(t, cfg)

		header := http.Header{"Origin": []string{"https://evil.example.com"}}
		_, resp, err := websocket.DefaultDialer.Dial("ws"+ts.URL[4:]+"?guest_id=guest-1&name=Ada", header)
		require.Error(t, err)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})
}

func TestWebSocketServer_RateLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MessagesPerSecond = 0.001
	cfg.Burst = 1
	server, session, _, ts := newTestServer(t, cfg)
	session.On("DisconnectGuest", mock.Anything).Return(nil).Maybe()

	conn := dial(t, ts, "guest_id=guest-1&name=Ada")
	require.Eventually(t, func() bool { return server.IsGuestConnected("guest-1") }, time.Second, time.Millisecond)

	require.NoError(t, conn.WriteJSON(InboundMessage{Type: "dance"}))
	first := readMessage(t, conn)
	assert.Contains(t, first["error"], "unknown message type")

	require.NoError(t, conn.WriteJSON(InboundMessage{Type: "dance"}))
	second := readMessage(t, conn)
	assert.Equal(t, "rate limit exceeded", second["error"])
}

func TestValidateSDP(t *testing.T) {
	assert.NoError(t, validateSDP(testSDP))
	assert.Error(t, validateSDP(""))
	assert.Error(t, validateSDP("o=- 0 0"))
	assert.Error(t, validateSDP("v=0\r\no=- 0 0 IN IP4 127.0.0.1\r\n"))
}
