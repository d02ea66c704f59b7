package main

import (
	"context"
	"fmt"
	"time"

	"castdeck/internal/core/domain"
	"castdeck/internal/core/services"
	"castdeck/internal/infrastructure/capture"
	"castdeck/internal/infrastructure/chatbridge"
	"castdeck/internal/infrastructure/ingest"
	"castdeck/internal/infrastructure/publisher"
	signalinfra "castdeck/internal/infrastructure/signal"
	webrtcinfra "castdeck/internal/infrastructure/webrtc"
	"castdeck/pkg/backup"
	"castdeck/pkg/circuitbreaker"
	"castdeck/pkg/config"
	"castdeck/pkg/retry"
	"castdeck/pkg/tracing"

	"github.com/pion/webrtc/v3"
)

// platformCatalogue turns the configured platforms into the set an operator
// can pick from when starting a session.
func platformCatalogue(cfg *config.Config) []domain.StreamPlatform {
	out := make([]domain.StreamPlatform, 0, len(cfg.Publisher.Platforms))
	for _, p := range cfg.Publisher.Platforms {
		name := p.Name
		if name == "" {
			name = p.ID
		}
		out = append(out, domain.StreamPlatform{
			ID:        domain.PlatformID(p.ID),
			Name:      name,
			Enabled:   p.Enabled,
			RTMPURL:   p.RTMPURL,
			StreamKey: p.StreamKey,
		})
	}
	return out
}

func webrtcConfig(cfg *config.Config) webrtcinfra.Config {
	var iceServers []webrtc.ICEServer
	for _, s := range cfg.WebRTC.ICEServers {
		iceServers = append(iceServers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	if len(iceServers) == 0 {
		iceServers = []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
	}

	wc := webrtcinfra.Config{
		ICEServers:         iceServers,
		NegotiationTimeout: cfg.WebRTC.NegotiationTimeout,
		PLIInterval:        cfg.WebRTC.PLIInterval,
	}
	wc.PortRange.Min = cfg.WebRTC.PortRange.Min
	wc.PortRange.Max = cfg.WebRTC.PortRange.Max
	return wc
}

func signalConfig(cfg *config.Config) signalinfra.Config {
	sc := signalinfra.DefaultConfig()
	sc.PingInterval = cfg.Signal.PingInterval
	sc.PongTimeout = cfg.Signal.PongTimeout
	sc.AllowedOrigins = cfg.Signal.AllowedOrigins
	if cfg.RateLimiting.Enabled {
		sc.MessagesPerSecond = cfg.RateLimiting.WebSocket.MessagesPerSecond
		sc.Burst = cfg.RateLimiting.WebSocket.Burst
	}
	if cfg.RateLimiting.WebSocket.MaxMessageSizeBytes > 0 {
		sc.MaxMessageSize = cfg.RateLimiting.WebSocket.MaxMessageSizeBytes
	}
	return sc
}

func publisherConfig(cfg *config.Config) publisher.Config {
	pc := publisher.DefaultConfig()
	pc.ConnectTimeout = cfg.Publisher.ConnectTimeout
	pc.StatsInterval = cfg.Publisher.StatsInterval

	pc.Retry = retry.Config{
		Enabled:      true,
		MaxAttempts:  cfg.Publisher.Retry.MaxAttempts,
		InitialDelay: cfg.Publisher.Retry.InitialDelay,
		MaxDelay:     cfg.Publisher.Retry.MaxDelay,
		Multiplier:   cfg.Publisher.Retry.Multiplier,
		Jitter:       true,
	}
	pc.CircuitBreaker = circuitbreaker.Config{
		FailureThreshold:    cfg.Publisher.CircuitBreaker.FailureThreshold,
		SuccessThreshold:    cfg.Publisher.CircuitBreaker.SuccessThreshold,
		Timeout:             cfg.Publisher.CircuitBreaker.Timeout,
		MaxRequestsHalfOpen: 1,
	}
	return pc
}

func ingestConfig(cfg *config.Config) ingest.Config {
	return ingest.Config{WriteTimeout: cfg.Server.WriteTimeout}
}

func captureConfig(cfg *config.Config) capture.Config {
	// Quality can be raised mid-session, so capture is capped at the top preset.
	res := domain.QualityFHD.Resolution()
	return capture.Config{
		ScreenAddress:      cfg.Capture.ScreenAddress,
		CameraAddress:      cfg.Capture.CameraAddress,
		FirstPacketTimeout: cfg.Capture.FirstPacket,
		IdleTimeout:        cfg.Capture.IdleTimeout,
		MaxSettings: domain.TrackSettings{
			Width:     res.Width,
			Height:    res.Height,
			FrameRate: cfg.Compositor.FrameRate,
		},
	}
}

func compositorConfig(cfg *config.Config) services.CompositorConfig {
	return services.CompositorConfig{
		FrameRate:        cfg.Compositor.FrameRate,
		Quality:          domain.Quality(cfg.Compositor.DefaultQuality),
		SubscriberBuffer: cfg.Compositor.SubscriberBuf,
	}
}

func chatConfig(cfg *config.Config) services.ChatConfig {
	return services.ChatConfig{
		HistoryLimit:      cfg.Chat.HistoryLimit,
		MessagesPerSecond: cfg.Chat.MessagesPerSecond,
		Burst:             cfg.Chat.Burst,
	}
}

func chatbridgeConfig(cfg *config.Config) chatbridge.Config {
	return chatbridge.Config{
		URL:           cfg.Chat.NATSURL,
		ChatPrefix:    cfg.Chat.SubjectPrefix,
		ViewerPrefix:  cfg.Chat.ViewerPrefix,
		ReconnectWait: 2 * time.Second,
	}
}

func tracingConfig(cfg *config.Config) tracing.Config {
	tc := tracing.DefaultConfig()
	tc.Enabled = cfg.Tracing.Enabled
	tc.JaegerURL = cfg.Tracing.JaegerURL
	tc.Environment = cfg.Tracing.Environment
	tc.SampleRate = cfg.Tracing.SampleRate
	return tc
}

// archiveStorage opens the configured archive backend. The returned check
// is nil for local files.
func archiveStorage(ctx context.Context, cfg *config.Config) (backup.Storage, func(context.Context) error, error) {
	switch cfg.Backup.Storage {
	case "minio":
		m := cfg.Backup.MinIO
		storage, err := backup.NewMinIOStorage(backup.MinIOConfig{
			Endpoint:  m.Endpoint,
			AccessKey: m.AccessKey,
			SecretKey: m.SecretKey,
			Bucket:    m.Bucket,
			Prefix:    m.Prefix,
			UseSSL:    m.UseSSL,
		})
		if err != nil {
			return nil, nil, err
		}
		if err := storage.EnsureBucket(ctx); err != nil {
			return nil, nil, err
		}
		return storage, storage.Ping, nil
	case "file", "":
		storage, err := backup.NewFileStorage(cfg.Backup.Dir)
		if err != nil {
			return nil, nil, err
		}
		return storage, nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown archive storage %q", cfg.Backup.Storage)
	}
}
