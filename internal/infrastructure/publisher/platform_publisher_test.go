package publisher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"castdeck/internal/core/domain"
	"castdeck/internal/testutils"
	"castdeck/pkg/circuitbreaker"
	"castdeck/pkg/retry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testConfig() Config {
	return Config{
		ConnectTimeout: time.Second,
		StatsInterval:  10 * time.Millisecond,
		Retry: retry.Config{
			Enabled:      true,
			MaxAttempts:  2,
			InitialDelay: time.Millisecond,
			MaxDelay:     5 * time.Millisecond,
			Multiplier:   1,
		},
		CircuitBreaker: circuitbreaker.Config{
			FailureThreshold: 10,
			SuccessThreshold: 1,
			Timeout:          time.Hour,
		},
	}
}

func newTestPublisher(t *testing.T, cfg Config) (*PlatformPublisher, *testutils.FakeIngestDialer, *testutils.FakeStream) {
	dialer := testutils.NewFakeIngestDialer()
	p := NewPlatformPublisher(cfg, dialer, nil, zap.NewNop().Sugar())
	t.Cleanup(p.Close)
	return p, dialer, testutils.NewFakeStream()
}

func platform(id string) domain.StreamPlatform {
	return domain.StreamPlatform{
		ID:        domain.PlatformID(id),
		Name:      id,
		Enabled:   true,
		RTMPURL:   "rtmp://ingest.example.com/live/" + id,
		StreamKey: "key_" + id,
	}
}

func seqs(frames []domain.Frame) []uint64 {
	out := make([]uint64, 0, len(frames))
	for _, f := range frames {
		out = append(out, f.Seq)
	}
	return out
}

func expectEvent(t *testing.T, p *PlatformPublisher) domain.Event {
	t.Helper()
	select {
	case ev := <-p.Events():
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no event")
		return domain.Event{}
	}
}

func TestPlatformPublisher_RejectsBadPlatforms(t *testing.T) {
	p, dialer, stream := newTestPublisher(t, testConfig())
	ctx := context.Background()

	disabled := platform("yt")
	disabled.Enabled = false
	assert.ErrorIs(t, p.StartPublishing(ctx, disabled, stream), domain.ErrInvalidState)

	badURL := platform("yt")
	badURL.RTMPURL = "http://example.com/live"
	assert.ErrorIs(t, p.StartPublishing(ctx, badURL, stream), domain.ErrConnectionRefused)

	noKey := platform("yt")
	noKey.StreamKey = ""
	assert.ErrorIs(t, p.StartPublishing(ctx, noKey, stream), domain.ErrInvalidCredentials)

	assert.Equal(t, 0, dialer.DialCount(platform("yt").RTMPURL))
	assert.False(t, p.IsPublishing("yt"))
}

func TestPlatformPublisher_WritesFramesInOrder(t *testing.T) {
	p, dialer, stream := newTestPublisher(t, testConfig())
	yt := platform("yt")

	require.NoError(t, p.StartPublishing(context.Background(), yt, stream))
	assert.True(t, p.IsPublishing("yt"))
	assert.Equal(t, 1, stream.Subscribers())

	for i := 0; i < 5; i++ {
		stream.Push()
	}

	sessions := dialer.Sessions(yt.RTMPURL)
	require.Len(t, sessions, 1)
	require.Eventually(t, func() bool { return len(sessions[0].Frames()) == 5 }, time.Second, time.Millisecond)
	assert.Equal(t, []uint64{1, 2, 3, 4, 5}, seqs(sessions[0].Frames()))

	err := p.StartPublishing(context.Background(), yt, stream)
	assert.ErrorIs(t, err, domain.ErrAlreadyPublishing)
}

func TestPlatformPublisher_ConnectErrors(t *testing.T) {
	p, dialer, stream := newTestPublisher(t, testConfig())
	yt := platform("yt")

	dialer.FailNext(domain.ErrInvalidCredentials.Withf("bad key"))
	err := p.StartPublishing(context.Background(), yt, stream)
	assert.ErrorIs(t, err, domain.ErrInvalidCredentials)
	assert.False(t, p.IsPublishing("yt"))

	dialer.FailNext(errors.New("connection reset by peer"))
	err = p.StartPublishing(context.Background(), yt, stream)
	assert.ErrorIs(t, err, domain.ErrConnectionRefused)

	require.NoError(t, p.StartPublishing(context.Background(), yt, stream), "platform can be retried after a failure")
	assert.True(t, p.IsPublishing("yt"))
}

func TestPlatformPublisher_ConnectTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.ConnectTimeout = 20 * time.Millisecond
	p, dialer, stream := newTestPublisher(t, cfg)
	dialer.SetBlock(true)

	start := time.Now()
	err := p.StartPublishing(context.Background(), platform("yt"), stream)
	assert.ErrorIs(t, err, domain.ErrConnectionRefused)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Less(t, time.Since(start), time.Second)
	assert.False(t, p.IsPublishing("yt"))
	assert.Equal(t, 0, stream.Subscribers())
}

func TestPlatformPublisher_StopDuringConnect(t *testing.T) {
	cfg := testConfig()
	cfg.ConnectTimeout = time.Minute
	p, dialer, stream := newTestPublisher(t, cfg)
	dialer.SetBlock(true)
	yt := platform("yt")

	errc := make(chan error, 1)
	go func() { errc <- p.StartPublishing(context.Background(), yt, stream) }()

	require.Eventually(t, func() bool { return dialer.DialCount(yt.RTMPURL) == 1 }, time.Second, time.Millisecond)
	p.StopPublishing("yt")

	select {
	case err := <-errc:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("StartPublishing did not return")
	}
	assert.False(t, p.IsPublishing("yt"))
}

func TestPlatformPublisher_ReconnectsAfterWriteFailure(t *testing.T) {
	p, dialer, stream := newTestPublisher(t, testConfig())
	yt := platform("yt")
	require.NoError(t, p.StartPublishing(context.Background(), yt, stream))

	first := dialer.Sessions(yt.RTMPURL)[0]
	first.Fail(errors.New("broken pipe"))
	dialer.FailNext(errors.New("connection reset"))
	stream.Push()

	require.Eventually(t, func() bool { return len(dialer.Sessions(yt.RTMPURL)) == 2 }, time.Second, time.Millisecond)
	assert.True(t, first.Closed())
	assert.True(t, p.IsPublishing("yt"))

	second := dialer.Sessions(yt.RTMPURL)[1]
	require.Eventually(t, func() bool {
		stream.Push()
		return len(second.Frames()) > 0
	}, time.Second, 5*time.Millisecond)

	select {
	case ev := <-p.Events():
		t.Fatalf("unexpected event %s", ev.Type)
	default:
	}
}

func TestPlatformPublisher_ExhaustionLosesOnlyThatPlatform(t *testing.T) {
	p, dialer, stream := newTestPublisher(t, testConfig())
	yt, tw := platform("yt"), platform("tw")
	require.NoError(t, p.StartPublishing(context.Background(), yt, stream))
	require.NoError(t, p.StartPublishing(context.Background(), tw, stream))

	dialer.SetErr(domain.ErrConnectionRefused.Withf("ingest down"))
	dialer.Sessions(yt.RTMPURL)[0].Fail(errors.New("broken pipe"))
	stream.Push()

	ev := expectEvent(t, p)
	assert.Equal(t, domain.EventPlatformLost, ev.Type)
	assert.Equal(t, domain.PlatformID("yt"), ev.PlatformID)
	assert.ErrorIs(t, ev.Err, domain.ErrPlatformLost)

	assert.False(t, p.IsPublishing("yt"))
	assert.True(t, p.IsPublishing("tw"))
	// initial dial plus 1 + MaxAttempts reconnect attempts
	assert.Equal(t, 4, dialer.DialCount(yt.RTMPURL))

	twSession := dialer.Sessions(tw.RTMPURL)[0]
	require.Eventually(t, func() bool {
		stream.Push()
		return len(twSession.Frames()) >= 2
	}, time.Second, 5*time.Millisecond)
}

func TestPlatformPublisher_InvalidCredentialsStopReconnecting(t *testing.T) {
	cfg := testConfig()
	cfg.Retry.MaxAttempts = 5
	p, dialer, stream := newTestPublisher(t, cfg)
	yt := platform("yt")
	require.NoError(t, p.StartPublishing(context.Background(), yt, stream))

	dialer.SetErr(domain.ErrInvalidCredentials.Withf("key revoked"))
	dialer.Sessions(yt.RTMPURL)[0].Fail(errors.New("broken pipe"))
	stream.Push()

	ev := expectEvent(t, p)
	assert.Equal(t, domain.EventPlatformLost, ev.Type)
	assert.ErrorIs(t, ev.Err, domain.ErrInvalidCredentials)
	assert.Equal(t, 2, dialer.DialCount(yt.RTMPURL))
}

func TestPlatformPublisher_BreakerShortCircuitsReconnects(t *testing.T) {
	cfg := testConfig()
	cfg.Retry.MaxAttempts = 5
	cfg.CircuitBreaker.FailureThreshold = 2
	p, dialer, stream := newTestPublisher(t, cfg)
	yt := platform("yt")
	require.NoError(t, p.StartPublishing(context.Background(), yt, stream))

	dialer.SetErr(errors.New("connection refused"))
	dialer.Sessions(yt.RTMPURL)[0].Fail(errors.New("broken pipe"))
	stream.Push()

	ev := expectEvent(t, p)
	assert.Equal(t, domain.EventPlatformLost, ev.Type)
	assert.ErrorIs(t, ev.Err, circuitbreaker.ErrOpen)
	assert.Equal(t, 3, dialer.DialCount(yt.RTMPURL), "open breaker stops dialing")
}

func TestPlatformPublisher_StopIsIdempotent(t *testing.T) {
	p, dialer, stream := newTestPublisher(t, testConfig())
	yt := platform("yt")
	require.NoError(t, p.StartPublishing(context.Background(), yt, stream))

	p.StopPublishing("yt")
	p.StopPublishing("yt")
	p.StopPublishing("unknown")

	assert.False(t, p.IsPublishing("yt"))
	assert.True(t, dialer.Sessions(yt.RTMPURL)[0].Closed())
	assert.Equal(t, 0, stream.Subscribers())

	select {
	case ev := <-p.Events():
		t.Fatalf("unexpected event %s", ev.Type)
	default:
	}

	require.NoError(t, p.StartPublishing(context.Background(), yt, stream))
	assert.True(t, p.IsPublishing("yt"))
}

func TestPlatformPublisher_StreamEndStopsPlatform(t *testing.T) {
	p, _, stream := newTestPublisher(t, testConfig())
	require.NoError(t, p.StartPublishing(context.Background(), platform("yt"), stream))

	stream.End()

	ev := expectEvent(t, p)
	assert.Equal(t, domain.EventPlatformStopped, ev.Type)
	assert.Equal(t, domain.PlatformID("yt"), ev.PlatformID)
	assert.False(t, p.IsPublishing("yt"))
}

func TestPlatformPublisher_CloseStopsEverything(t *testing.T) {
	dialer := testutils.NewFakeIngestDialer()
	p := NewPlatformPublisher(testConfig(), dialer, nil, zap.NewNop().Sugar())
	stream := testutils.NewFakeStream()

	require.NoError(t, p.StartPublishing(context.Background(), platform("yt"), stream))
	require.NoError(t, p.StartPublishing(context.Background(), platform("tw"), stream))

	p.Close()
	p.Close()

	assert.False(t, p.IsPublishing("yt"))
	assert.False(t, p.IsPublishing("tw"))
	assert.Equal(t, 0, stream.Subscribers())
	_, open := <-p.Events()
	assert.False(t, open)

	err := p.StartPublishing(context.Background(), platform("yt"), stream)
	assert.ErrorIs(t, err, domain.ErrInvalidState)
}

type fakeLeaser struct {
	mu       sync.Mutex
	held     map[domain.PlatformID]bool
	released int
}

func (f *fakeLeaser) Acquire(_ context.Context, id domain.PlatformID) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.held[id] {
		return nil, domain.ErrAlreadyPublishing.Withf("held elsewhere")
	}
	f.held[id] = true
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.held, id)
		f.released++
	}, nil
}

func (f *fakeLeaser) isHeld(id domain.PlatformID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.held[id]
}

func TestPlatformPublisher_LeaseHeldElsewhere(t *testing.T) {
	p, dialer, stream := newTestPublisher(t, testConfig())
	leaser := &fakeLeaser{held: map[domain.PlatformID]bool{"yt": true}}
	p.UseLeaser(leaser)

	err := p.StartPublishing(context.Background(), platform("yt"), stream)
	assert.ErrorIs(t, err, domain.ErrAlreadyPublishing)
	assert.Equal(t, 0, dialer.DialCount(platform("yt").RTMPURL))
	assert.False(t, p.IsPublishing("yt"))

	require.NoError(t, p.StartPublishing(context.Background(), platform("tw"), stream))
	assert.True(t, leaser.isHeld("tw"))
}

func TestPlatformPublisher_LeaseReleased(t *testing.T) {
	p, dialer, stream := newTestPublisher(t, testConfig())
	leaser := &fakeLeaser{held: map[domain.PlatformID]bool{}}
	p.UseLeaser(leaser)
	yt := platform("yt")

	dialer.FailNext(domain.ErrInvalidCredentials.Withf("bad key"))
	assert.Error(t, p.StartPublishing(context.Background(), yt, stream))
	assert.False(t, leaser.isHeld("yt"), "failed connect gives the lease back")

	require.NoError(t, p.StartPublishing(context.Background(), yt, stream))
	assert.True(t, leaser.isHeld("yt"))

	p.StopPublishing("yt")
	require.Eventually(t, func() bool { return !leaser.isHeld("yt") }, time.Second, time.Millisecond)
}
