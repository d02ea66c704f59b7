package monitoring

import (
	"testing"
	"time"

	"castdeck/internal/core/domain"
	"castdeck/internal/core/ports"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestPrometheusCollector_GuestAndPublishHooks(t *testing.T) {
	reg := prometheus.NewRegistry()
	p := NewPrometheusCollector(reg)

	p.GuestNegotiated("connected", 250*time.Millisecond)
	p.GuestNegotiated("failed", time.Second)
	p.GuestsConnected(2)
	p.GuestRTPReceived("guest-1", 1200)
	p.GuestRTPReceived("guest-1", 800)
	p.GuestPacketLoss("guest-1", 0.125)

	assert.Equal(t, 1.0, testutil.ToFloat64(p.guestNegotiations.WithLabelValues("connected")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.guestNegotiations.WithLabelValues("failed")))
	assert.Equal(t, 2.0, testutil.ToFloat64(p.guestsConnected))
	assert.Equal(t, 2000.0, testutil.ToFloat64(p.guestRTPBytes.WithLabelValues("guest-1")))
	assert.Equal(t, 0.125, testutil.ToFloat64(p.guestPacketLoss.WithLabelValues("guest-1")))
	assert.Equal(t, 1, testutil.CollectAndCount(p.negotiationDuration))

	p.PublishAttempt("youtube", "connected")
	p.PublishReconnect("youtube")
	p.PublishReconnect("youtube")
	p.PublishStats("youtube", ports.IngestStats{FramesSent: 30, BytesSent: 4096})
	p.PlatformsPublishing(1)

	assert.Equal(t, 1.0, testutil.ToFloat64(p.publishAttempts.WithLabelValues("youtube", "connected")))
	assert.Equal(t, 2.0, testutil.ToFloat64(p.publishReconnects.WithLabelValues("youtube")))
	assert.Equal(t, 30.0, testutil.ToFloat64(p.publishFrames.WithLabelValues("youtube")))
	assert.Equal(t, 4096.0, testutil.ToFloat64(p.publishBytes.WithLabelValues("youtube")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.platformsPublishing))
}

func TestPrometheusCollector_WatchSessionUpdates(t *testing.T) {
	p := NewPrometheusCollector(prometheus.NewRegistry())
	p.GuestRTPReceived("guest-1", 100)
	p.PublishStats("twitch", ports.IngestStats{FramesSent: 1})

	live := domain.StreamState{
		IsLive:      true,
		IsRecording: true,
		Sources:     []domain.MediaSource{{ID: "src-1"}, {ID: "src-2"}},
		ViewerCount: 15,
		Platforms: []domain.StreamPlatform{
			{ID: "youtube", ViewerCount: 10},
			{ID: "twitch", ViewerCount: 5},
		},
	}

	left := domain.NewEvent(domain.EventGuestLeft)
	left.GuestID = "guest-1"
	lost := domain.NewEvent(domain.EventPlatformLost)
	lost.PlatformID = "twitch"

	updates := make(chan ports.SessionUpdate, 3)
	updates <- ports.SessionUpdate{Event: domain.NewEvent(domain.EventStateChanged), State: live}
	updates <- ports.SessionUpdate{Event: left, State: live}
	updates <- ports.SessionUpdate{Event: lost, State: live}
	close(updates)
	p.Watch(updates)

	assert.Equal(t, 1.0, testutil.ToFloat64(p.sessionLive))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.sessionRecording))
	assert.Equal(t, 2.0, testutil.ToFloat64(p.sessionSources))
	assert.Equal(t, 15.0, testutil.ToFloat64(p.sessionViewers))
	assert.Equal(t, 10.0, testutil.ToFloat64(p.platformViewers.WithLabelValues("youtube")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.sessionEvents.WithLabelValues(string(domain.EventPlatformLost))))

	assert.Equal(t, 0, testutil.CollectAndCount(p.guestRTPBytes), "departed guest series are dropped")
	assert.Equal(t, 0, testutil.CollectAndCount(p.publishFrames), "stopped platform series are dropped")
}
