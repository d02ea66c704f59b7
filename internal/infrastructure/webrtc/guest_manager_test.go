package webrtc_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"castdeck/internal/core/domain"
	"castdeck/internal/core/ports"
	webrtcinfra "castdeck/internal/infrastructure/webrtc"
	"castdeck/internal/testutils"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestGuestManager(autoConnect bool, timeout time.Duration) (*webrtcinfra.GuestManager, *testutils.FakePeerFactory, *testutils.SignalRecorder) {
	factory := testutils.NewFakePeerFactory(autoConnect)
	signal := testutils.NewSignalRecorder()
	m := webrtcinfra.NewGuestManager(webrtcinfra.Config{NegotiationTimeout: timeout}, factory, signal, nil, zap.NewNop().Sugar())
	return m, factory, signal
}

func offer(id string) ports.GuestOffer {
	return ports.GuestOffer{GuestID: domain.GuestID(id), Name: "Guest " + id, SDP: "offer-" + id}
}

func nextEvent(t *testing.T, m *webrtcinfra.GuestManager) domain.Event {
	t.Helper()
	select {
	case ev := <-m.Events():
		return ev
	case <-time.After(time.Second):
		t.Fatal("no event")
		return domain.Event{}
	}
}

func assertNoEvent(t *testing.T, m *webrtcinfra.GuestManager) {
	t.Helper()
	select {
	case ev := <-m.Events():
		t.Fatalf("unexpected event %s", ev.Type)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestGuestManager_AdmitConnects(t *testing.T) {
	m, factory, signal := newTestGuestManager(true, time.Second)
	defer m.Close()

	guest, err := m.Admit(context.Background(), offer("g1"))
	require.NoError(t, err)

	assert.Equal(t, domain.GuestID("g1"), guest.ID)
	assert.Equal(t, "Guest g1", guest.Name)
	assert.True(t, guest.IsConnected)
	assert.NotEmpty(t, guest.StreamID)

	msgs := signal.Messages("g1")
	require.NotEmpty(t, msgs)
	assert.Equal(t, ports.SignalAnswer, msgs[0].Type)
	assert.Equal(t, "answer-to:offer-g1", msgs[0].SDP)
	assert.True(t, factory.Last().Answered())

	ev := nextEvent(t, m)
	assert.Equal(t, domain.EventGuestConnected, ev.Type)
	assert.Equal(t, domain.GuestID("g1"), ev.GuestID)

	sources := m.Sources()
	require.Len(t, sources, 1)
	assert.Equal(t, domain.SourceGuest, sources[0].Kind)
	assert.Equal(t, guest.StreamID, sources[0].ID)
	assert.Equal(t, domain.GuestID("g1"), sources[0].GuestID)
}

func TestGuestManager_AdmitRejectsBadOffer(t *testing.T) {
	m, _, _ := newTestGuestManager(true, time.Second)
	defer m.Close()

	_, err := m.Admit(context.Background(), ports.GuestOffer{GuestID: "g1"})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = m.Admit(context.Background(), ports.GuestOffer{SDP: "x"})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestGuestManager_DuplicateAdmit(t *testing.T) {
	m, _, _ := newTestGuestManager(true, time.Second)
	defer m.Close()

	_, err := m.Admit(context.Background(), offer("g1"))
	require.NoError(t, err)

	_, err = m.Admit(context.Background(), offer("g1"))
	assert.ErrorIs(t, err, domain.ErrAlreadyActive)
	assert.Len(t, m.Sources(), 1)
}

func TestGuestManager_NegotiationTimeout(t *testing.T) {
	m, factory, signal := newTestGuestManager(false, 30*time.Millisecond)
	defer m.Close()

	_, err := m.Admit(context.Background(), offer("g1"))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrNegotiationFailed)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	assert.Empty(t, m.Sources())
	assert.Equal(t, 1, factory.Last().CloseCount())
	assert.Contains(t, signal.Types("g1"), ports.SignalError)

	ev := nextEvent(t, m)
	assert.Equal(t, domain.EventNegotiationFailed, ev.Type)
	assert.Equal(t, domain.GuestID("g1"), ev.GuestID)

	_, _, ok := m.Guest("g1")
	assert.False(t, ok)
}

func TestGuestManager_PeerConnectionFailure(t *testing.T) {
	m, factory, _ := newTestGuestManager(true, time.Second)
	defer m.Close()
	factory.Err = errors.New("no ports")

	_, err := m.Admit(context.Background(), offer("g1"))
	assert.ErrorIs(t, err, domain.ErrNegotiationFailed)
	assert.Empty(t, m.Sources())
}

func TestGuestManager_FailedDuringNegotiation(t *testing.T) {
	m, factory, _ := newTestGuestManager(false, time.Second)
	defer m.Close()

	errc := make(chan error, 1)
	go func() {
		_, err := m.Admit(context.Background(), offer("g1"))
		errc <- err
	}()

	pc := <-factory.Created()
	require.Eventually(t, pc.Answered, time.Second, time.Millisecond)
	pc.SetState(webrtc.PeerConnectionStateFailed)

	err := <-errc
	assert.ErrorIs(t, err, domain.ErrNegotiationFailed)
	assert.Equal(t, domain.EventNegotiationFailed, nextEvent(t, m).Type)
}

func TestGuestManager_DisconnectCancelsNegotiation(t *testing.T) {
	m, factory, signal := newTestGuestManager(false, time.Minute)
	defer m.Close()

	errc := make(chan error, 1)
	go func() {
		_, err := m.Admit(context.Background(), offer("g1"))
		errc <- err
	}()

	pc := <-factory.Created()
	require.Eventually(t, pc.Answered, time.Second, time.Millisecond)
	m.Disconnect("g1")

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, domain.ErrNegotiationFailed)
	case <-time.After(time.Second):
		t.Fatal("admit did not return after disconnect")
	}

	assert.Empty(t, m.Sources())
	assert.Equal(t, 1, pc.CloseCount())
	assert.Contains(t, signal.Types("g1"), ports.SignalBye)
	assertNoEvent(t, m)
}

func TestGuestManager_DisconnectIsIdempotent(t *testing.T) {
	m, factory, signal := newTestGuestManager(true, time.Second)
	defer m.Close()

	_, err := m.Admit(context.Background(), offer("g1"))
	require.NoError(t, err)
	assert.Equal(t, domain.EventGuestConnected, nextEvent(t, m).Type)

	m.Disconnect("g1")
	m.Disconnect("g1")
	m.Disconnect("unknown")

	ev := nextEvent(t, m)
	assert.Equal(t, domain.EventGuestLeft, ev.Type)
	assert.Equal(t, domain.GuestID("g1"), ev.GuestID)
	assertNoEvent(t, m)

	assert.Empty(t, m.Sources())
	assert.Equal(t, 1, factory.Last().CloseCount())

	byes := 0
	for _, typ := range signal.Types("g1") {
		if typ == ports.SignalBye {
			byes++
		}
	}
	assert.Equal(t, 1, byes)

	_, err = m.Admit(context.Background(), offer("g1"))
	assert.NoError(t, err, "guest may rejoin after leaving")
}

func TestGuestManager_FailureAfterConnectIsGuestLost(t *testing.T) {
	m, factory, _ := newTestGuestManager(true, time.Second)
	defer m.Close()

	_, err := m.Admit(context.Background(), offer("g1"))
	require.NoError(t, err)
	_, err = m.Admit(context.Background(), offer("g2"))
	require.NoError(t, err)
	nextEvent(t, m)
	nextEvent(t, m)

	lost := factory.Last()
	lost.SetState(webrtc.PeerConnectionStateFailed)

	ev := nextEvent(t, m)
	assert.Equal(t, domain.EventGuestLost, ev.Type)
	assert.Equal(t, domain.GuestID("g2"), ev.GuestID)
	assert.ErrorIs(t, ev.Err, domain.ErrGuestLost)

	sources := m.Sources()
	require.Len(t, sources, 1)
	assert.Equal(t, domain.GuestID("g1"), sources[0].GuestID)
	assertNoEvent(t, m)
}

func TestGuestManager_MuteAndVideoOnlyForConnectedGuests(t *testing.T) {
	m, _, signal := newTestGuestManager(true, time.Second)
	defer m.Close()

	_, ok := m.SetMuted("nobody", true)
	assert.False(t, ok)

	_, err := m.Admit(context.Background(), offer("g1"))
	require.NoError(t, err)

	g, ok := m.SetMuted("g1", true)
	require.True(t, ok)
	assert.True(t, g.IsMuted)

	g, ok = m.SetVideoOff("g1", true)
	require.True(t, ok)
	assert.True(t, g.IsMuted)
	assert.True(t, g.IsVideoOff)

	msgs := signal.Messages("g1")
	var mute, video *ports.SignalMessage
	for i := range msgs {
		switch msgs[i].Type {
		case ports.SignalMute:
			mute = &msgs[i]
		case ports.SignalVideo:
			video = &msgs[i]
		}
	}
	require.NotNil(t, mute)
	require.NotNil(t, video)
	assert.True(t, *mute.Muted)
	assert.True(t, *video.VideoOff)

	m.Disconnect("g1")
	_, ok = m.SetMuted("g1", false)
	assert.False(t, ok)
}

func TestGuestManager_ICECandidates(t *testing.T) {
	m, factory, signal := newTestGuestManager(false, time.Second)
	defer m.Close()

	err := m.AddICECandidate("g1", webrtc.ICECandidateInit{Candidate: "candidate:1"})
	assert.ErrorIs(t, err, domain.ErrGuestNotFound)

	errc := make(chan error, 1)
	go func() {
		_, err := m.Admit(context.Background(), offer("g1"))
		errc <- err
	}()

	pc := <-factory.Created()
	require.Eventually(t, pc.Answered, time.Second, time.Millisecond)

	require.NoError(t, m.AddICECandidate("g1", webrtc.ICECandidateInit{Candidate: "candidate:1"}))
	assert.ErrorIs(t, m.AddICECandidate("g1", webrtc.ICECandidateInit{}), domain.ErrInvalidInput)
	assert.Len(t, pc.RemoteCandidates(), 1)

	pc.EmitCandidate(&webrtc.ICECandidate{
		Foundation: "1",
		Priority:   1,
		Address:    "10.0.0.1",
		Protocol:   webrtc.ICEProtocolUDP,
		Port:       5000,
		Typ:        webrtc.ICECandidateTypeHost,
		Component:  1,
	})
	pc.EmitCandidate(nil)
	pc.SetState(webrtc.PeerConnectionStateConnected)
	require.NoError(t, <-errc)

	types := signal.Types("g1")
	require.Len(t, types, 2)
	assert.Equal(t, []ports.SignalType{ports.SignalAnswer, ports.SignalCandidate}, types)
	assert.NotNil(t, signal.Messages("g1")[1].Candidate)
}

func TestGuestManager_CloseDropsGuests(t *testing.T) {
	m, factory, _ := newTestGuestManager(true, time.Second)

	_, err := m.Admit(context.Background(), offer("g1"))
	require.NoError(t, err)

	m.Close()
	m.Close()

	assert.Empty(t, m.Sources())
	assert.Equal(t, 1, factory.Last().CloseCount())

	_, err = m.Admit(context.Background(), offer("g2"))
	assert.ErrorIs(t, err, domain.ErrInvalidState)

	for range m.Events() {
	}
}

func TestPacketLoss(t *testing.T) {
	_, ok := webrtcinfra.PacketLoss([]rtcp.Packet{&rtcp.PictureLossIndication{}})
	assert.False(t, ok)

	loss, ok := webrtcinfra.PacketLoss([]rtcp.Packet{
		&rtcp.ReceiverReport{Reports: []rtcp.ReceptionReport{{FractionLost: 64}}},
		&rtcp.SenderReport{Reports: []rtcp.ReceptionReport{{FractionLost: 0}}},
	})
	require.True(t, ok)
	assert.InDelta(t, 0.125, loss, 1e-9)
}
