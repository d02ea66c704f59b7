package monitoring

import (
	"time"

	"castdeck/internal/core/domain"
	"castdeck/internal/core/ports"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusCollector implements the metrics hooks of the guest manager and
// the platform publisher and follows session updates for the rest.
type PrometheusCollector struct {
	// Guests
	guestsConnected     prometheus.Gauge
	guestNegotiations   *prometheus.CounterVec
	negotiationDuration prometheus.Histogram
	guestRTPBytes       *prometheus.CounterVec
	guestPacketLoss     *prometheus.GaugeVec

	// Platforms
	platformsPublishing prometheus.Gauge
	publishAttempts     *prometheus.CounterVec
	publishReconnects   *prometheus.CounterVec
	publishFrames       *prometheus.GaugeVec
	publishBytes        *prometheus.GaugeVec
	platformViewers     *prometheus.GaugeVec

	// Session
	sessionLive      prometheus.Gauge
	sessionRecording prometheus.Gauge
	sessionSources   prometheus.Gauge
	sessionEvents    *prometheus.CounterVec
	sessionViewers   prometheus.Gauge
}

// NewPrometheusCollector registers on reg, or on the default registerer
// when reg is nil.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &PrometheusCollector{
		guestsConnected: factory.NewGauge(prometheus.GaugeOpts{
			Name: "castdeck_guests_connected",
			Help: "Number of guests with a connected peer connection",
		}),

		guestNegotiations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "castdeck_guest_negotiations_total",
			Help: "Guest SDP negotiations by outcome",
		}, []string{"outcome"}),

		negotiationDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "castdeck_guest_negotiation_duration_seconds",
			Help:    "Time from offer to connected peer connection",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		}),

		guestRTPBytes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "castdeck_guest_rtp_bytes_total",
			Help: "RTP payload bytes received from each guest",
		}, []string{"guest_id"}),

		guestPacketLoss: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "castdeck_guest_packet_loss_ratio",
			Help: "Latest fraction of packets lost reported by RTCP for each guest",
		}, []string{"guest_id"}),

		platformsPublishing: factory.NewGauge(prometheus.GaugeOpts{
			Name: "castdeck_platforms_publishing",
			Help: "Number of platforms currently receiving the stream",
		}),

		publishAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "castdeck_publish_attempts_total",
			Help: "Platform connection attempts by outcome",
		}, []string{"platform", "outcome"}),

		publishReconnects: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "castdeck_publish_reconnects_total",
			Help: "Reconnect attempts after a platform connection dropped",
		}, []string{"platform"}),

		publishFrames: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "castdeck_publish_frames_sent",
			Help: "Frames sent on the current platform connection",
		}, []string{"platform"}),

		publishBytes: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "castdeck_publish_bytes_sent",
			Help: "Bytes sent on the current platform connection",
		}, []string{"platform"}),

		platformViewers: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "castdeck_platform_viewers",
			Help: "Viewer count last reported by each platform",
		}, []string{"platform"}),

		sessionLive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "castdeck_session_live",
			Help: "1 while the session is live",
		}),

		sessionRecording: factory.NewGauge(prometheus.GaugeOpts{
			Name: "castdeck_session_recording",
			Help: "1 while the session is recording",
		}),

		sessionSources: factory.NewGauge(prometheus.GaugeOpts{
			Name: "castdeck_session_sources",
			Help: "Number of media sources feeding the composite",
		}),

		sessionEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "castdeck_session_events_total",
			Help: "Session events by type",
		}, []string{"type"}),

		sessionViewers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "castdeck_session_viewers",
			Help: "Viewer count summed over connected platforms",
		}),
	}
}

func (p *PrometheusCollector) GuestNegotiated(outcome string, d time.Duration) {
	p.guestNegotiations.WithLabelValues(outcome).Inc()
	if outcome == "connected" {
		p.negotiationDuration.Observe(d.Seconds())
	}
}

func (p *PrometheusCollector) GuestRTPReceived(id domain.GuestID, bytes int) {
	p.guestRTPBytes.WithLabelValues(string(id)).Add(float64(bytes))
}

func (p *PrometheusCollector) GuestPacketLoss(id domain.GuestID, fraction float64) {
	p.guestPacketLoss.WithLabelValues(string(id)).Set(fraction)
}

func (p *PrometheusCollector) GuestsConnected(n int) {
	p.guestsConnected.Set(float64(n))
}

func (p *PrometheusCollector) PublishAttempt(platform domain.PlatformID, outcome string) {
	p.publishAttempts.WithLabelValues(string(platform), outcome).Inc()
}

func (p *PrometheusCollector) PublishReconnect(platform domain.PlatformID) {
	p.publishReconnects.WithLabelValues(string(platform)).Inc()
}

func (p *PrometheusCollector) PublishStats(platform domain.PlatformID, stats ports.IngestStats) {
	p.publishFrames.WithLabelValues(string(platform)).Set(float64(stats.FramesSent))
	p.publishBytes.WithLabelValues(string(platform)).Set(float64(stats.BytesSent))
}

func (p *PrometheusCollector) PlatformsPublishing(n int) {
	p.platformsPublishing.Set(float64(n))
}

// RecordUpdate folds one session update into the session gauges.
func (p *PrometheusCollector) RecordUpdate(update ports.SessionUpdate) {
	p.sessionEvents.WithLabelValues(string(update.Event.Type)).Inc()

	state := update.State
	p.sessionLive.Set(boolGauge(state.IsLive))
	p.sessionRecording.Set(boolGauge(state.IsRecording))
	p.sessionSources.Set(float64(len(state.Sources)))
	p.sessionViewers.Set(float64(state.ViewerCount))
	for _, platform := range state.Platforms {
		p.platformViewers.WithLabelValues(string(platform.ID)).Set(float64(platform.ViewerCount))
	}

	switch update.Event.Type {
	case domain.EventGuestLeft, domain.EventGuestLost:
		p.guestRTPBytes.DeleteLabelValues(string(update.Event.GuestID))
		p.guestPacketLoss.DeleteLabelValues(string(update.Event.GuestID))
	case domain.EventPlatformStopped, domain.EventPlatformLost:
		p.publishFrames.DeleteLabelValues(string(update.Event.PlatformID))
		p.publishBytes.DeleteLabelValues(string(update.Event.PlatformID))
	}
}

// Watch records updates until the channel closes.
func (p *PrometheusCollector) Watch(updates <-chan ports.SessionUpdate) {
	for update := range updates {
		p.RecordUpdate(update)
	}
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
