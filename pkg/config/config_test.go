package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig_IsValid(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
}

func TestValidate_RateLimitingDisabled_AllowsZeroValues(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 0
	cfg.RateLimiting.HTTP.Burst = 0
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 0
	cfg.RateLimiting.WebSocket.Burst = 0

	assert.NoError(t, cfg.Validate())
}

func TestValidate_InvalidValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty server address", func(c *Config) { c.Server.Address = "" }},
		{"signal path without slash", func(c *Config) { c.Signal.Path = "ws" }},
		{"pong not longer than ping", func(c *Config) { c.Signal.PongTimeout = c.Signal.PingInterval }},
		{"half port range", func(c *Config) { c.WebRTC.PortRange.Min = 10000 }},
		{"inverted port range", func(c *Config) {
			c.WebRTC.PortRange.Min = 20000
			c.WebRTC.PortRange.Max = 10000
		}},
		{"zero negotiation timeout", func(c *Config) { c.WebRTC.NegotiationTimeout = 0 }},
		{"zero frame rate", func(c *Config) { c.Compositor.FrameRate = 0 }},
		{"unknown quality", func(c *Config) { c.Compositor.DefaultQuality = "4K" }},
		{"zero connect timeout", func(c *Config) { c.Publisher.ConnectTimeout = 0 }},
		{"negative retries", func(c *Config) { c.Publisher.Retry.MaxAttempts = -1 }},
		{"shrinking backoff", func(c *Config) { c.Publisher.Retry.Multiplier = 0.5 }},
		{"duplicate platform", func(c *Config) {
			url := "rtmp://a.rtmp.youtube.com/live2"
			c.Publisher.Platforms = []PlatformConfig{{ID: "yt", RTMPURL: url}, {ID: "yt", RTMPURL: url}}
		}},
		{"platform with http ingest", func(c *Config) {
			c.Publisher.Platforms = []PlatformConfig{{ID: "yt", RTMPURL: "https://a.rtmp.youtube.com/live2"}}
		}},
		{"platform without id", func(c *Config) {
			c.Publisher.Platforms = []PlatformConfig{{Name: "Twitch"}}
		}},
		{"zero chat history", func(c *Config) { c.Chat.HistoryLimit = 0 }},
		{"redis without address", func(c *Config) {
			c.Redis.Enabled = true
			c.Redis.Address = ""
		}},
		{"backup without interval", func(c *Config) {
			c.Backup.Enabled = true
			c.Backup.Interval = 0
		}},
		{"backup with unknown storage", func(c *Config) {
			c.Backup.Enabled = true
			c.Backup.Storage = "tape"
		}},
		{"minio backup without endpoint", func(c *Config) {
			c.Backup.Enabled = true
			c.Backup.Storage = "minio"
		}},
		{"sample rate above one", func(c *Config) {
			c.Tracing.Enabled = true
			c.Tracing.SampleRate = 2
		}},
		{"rate limit without burst", func(c *Config) {
			c.RateLimiting.Enabled = true
			c.RateLimiting.HTTP.Burst = 0
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoad_MissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.Address)
	assert.Equal(t, 30, cfg.Compositor.FrameRate)
}

func TestLoad_ParsesYAMLAndEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := `
server:
  address: ":9000"
compositor:
  frame_rate: 25
  default_quality: FHD
publisher:
  connect_timeout: 3s
  platforms:
    - id: twitch-main
      name: Twitch
      enabled: true
      rtmp_url: rtmp://live.twitch.tv/app
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))
	t.Setenv("CASTDECK_STREAM_KEY_TWITCH_MAIN", "live_123")
	t.Setenv("CASTDECK_LOG_LEVEL", "debug")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Server.Address)
	assert.Equal(t, 25, cfg.Compositor.FrameRate)
	assert.Equal(t, "FHD", cfg.Compositor.DefaultQuality)
	assert.Equal(t, 3*time.Second, cfg.Publisher.ConnectTimeout)
	require.Len(t, cfg.Publisher.Platforms, 1)
	assert.Equal(t, "live_123", cfg.Publisher.Platforms[0].StreamKey)
	assert.Equal(t, "debug", cfg.Logging.Level)
	// untouched sections keep defaults
	assert.Equal(t, 500, cfg.Chat.HistoryLimit)
}

func TestLoad_InvalidYAMLFailsValidation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("compositor:\n  frame_rate: -1\n"), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}
