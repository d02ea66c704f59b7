package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"castdeck/pkg/validation"

	"gopkg.in/yaml.v2"
)

type ICEServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username,omitempty"`
	Credential string   `yaml:"credential,omitempty"`
}

// PlatformConfig seeds a platform for new sessions. Credentials are issued
// elsewhere and only consumed here.
type PlatformConfig struct {
	ID        string `yaml:"id"`
	Name      string `yaml:"name"`
	Enabled   bool   `yaml:"enabled"`
	RTMPURL   string `yaml:"rtmp_url"`
	StreamKey string `yaml:"stream_key"`
}

type Config struct {
	Server struct {
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	Signal struct {
		Path           string        `yaml:"path"`
		PingInterval   time.Duration `yaml:"ping_interval"`
		PongTimeout    time.Duration `yaml:"pong_timeout"`
		AllowedOrigins []string      `yaml:"allowed_origins"`
	} `yaml:"signal"`

	WebRTC struct {
		ICEServers []ICEServer `yaml:"ice_servers"`
		PortRange  struct {
			Min uint16 `yaml:"min"`
			Max uint16 `yaml:"max"`
		} `yaml:"port_range"`
		NegotiationTimeout time.Duration `yaml:"negotiation_timeout"`
		PLIInterval        time.Duration `yaml:"pli_interval"`
	} `yaml:"webrtc"`

	Compositor struct {
		FrameRate      int    `yaml:"frame_rate"`
		DefaultQuality string `yaml:"default_quality"`
		SubscriberBuf  int    `yaml:"subscriber_buffer"`
	} `yaml:"compositor"`

	Publisher struct {
		ConnectTimeout time.Duration `yaml:"connect_timeout"`
		StatsInterval  time.Duration `yaml:"stats_interval"`
		Retry          struct {
			MaxAttempts  int           `yaml:"max_attempts"`
			InitialDelay time.Duration `yaml:"initial_delay"`
			MaxDelay     time.Duration `yaml:"max_delay"`
			Multiplier   float64       `yaml:"multiplier"`
		} `yaml:"retry"`
		CircuitBreaker struct {
			FailureThreshold int           `yaml:"failure_threshold"`
			SuccessThreshold int           `yaml:"success_threshold"`
			Timeout          time.Duration `yaml:"timeout"`
		} `yaml:"circuit_breaker"`
		Platforms []PlatformConfig `yaml:"platforms"`
	} `yaml:"publisher"`

	Capture struct {
		ScreenAddress string        `yaml:"screen_address"`
		CameraAddress string        `yaml:"camera_address"`
		IdleTimeout   time.Duration `yaml:"idle_timeout"`
		FirstPacket   time.Duration `yaml:"first_packet_timeout"`
	} `yaml:"capture"`

	Chat struct {
		NATSURL           string  `yaml:"nats_url"`
		SubjectPrefix     string  `yaml:"subject_prefix"`
		ViewerPrefix      string  `yaml:"viewer_prefix"`
		HistoryLimit      int     `yaml:"history_limit"`
		MessagesPerSecond float64 `yaml:"messages_per_second"`
		Burst             int     `yaml:"burst"`
	} `yaml:"chat"`

	Monitoring struct {
		PrometheusEnabled bool `yaml:"prometheus_enabled"`
	} `yaml:"monitoring"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Redis struct {
		Enabled      bool          `yaml:"enabled"`
		Address      string        `yaml:"address"`
		Password     string        `yaml:"password"`
		DB           int           `yaml:"db"`
		PoolSize     int           `yaml:"pool_size"`
		SnapshotTTL  time.Duration `yaml:"snapshot_ttl"`
		EventChannel string        `yaml:"event_channel"`
	} `yaml:"redis"`

	Backup struct {
		Enabled        bool          `yaml:"enabled"`
		Interval       time.Duration `yaml:"interval"`
		RetentionDays  int           `yaml:"retention_days"`
		RestoreOnStart bool          `yaml:"restore_on_start"`
		Storage        string        `yaml:"storage"`
		Dir            string        `yaml:"dir"`
		MinIO          struct {
			Endpoint  string `yaml:"endpoint"`
			AccessKey string `yaml:"access_key"`
			SecretKey string `yaml:"secret_key"`
			Bucket    string `yaml:"bucket"`
			Prefix    string `yaml:"prefix"`
			UseSSL    bool   `yaml:"use_ssl"`
		} `yaml:"minio"`
	} `yaml:"backup"`

	Tracing struct {
		Enabled     bool    `yaml:"enabled"`
		JaegerURL   string  `yaml:"jaeger_url"`
		Environment string  `yaml:"environment"`
		SampleRate  float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`

	RateLimiting struct {
		Enabled bool `yaml:"enabled"`

		HTTP struct {
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
			MaxConcurrent     int     `yaml:"max_concurrent"`
		} `yaml:"http"`

		WebSocket struct {
			MessagesPerSecond   float64 `yaml:"messages_per_second"`
			Burst               int     `yaml:"burst"`
			MaxMessageSizeBytes int64   `yaml:"max_message_size_bytes"`
		} `yaml:"websocket"`
	} `yaml:"rate_limiting"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	// Server
	if c.Server.Address == "" {
		return fmt.Errorf("server.address must not be empty")
	}
	if c.Server.ReadTimeout <= 0 || c.Server.WriteTimeout <= 0 || c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server timeouts must be > 0")
	}

	// Signal
	if !strings.HasPrefix(c.Signal.Path, "/") {
		return fmt.Errorf("signal.path must start with /")
	}
	if c.Signal.PingInterval <= 0 {
		return fmt.Errorf("signal.ping_interval must be > 0")
	}
	if c.Signal.PongTimeout <= c.Signal.PingInterval {
		return fmt.Errorf("signal.pong_timeout must be > signal.ping_interval")
	}

	// WebRTC
	if c.WebRTC.PortRange.Min > 0 || c.WebRTC.PortRange.Max > 0 {
		if c.WebRTC.PortRange.Min == 0 || c.WebRTC.PortRange.Max == 0 {
			return fmt.Errorf("webrtc.port_range.min and max must both be set when one is set")
		}
		if c.WebRTC.PortRange.Min >= c.WebRTC.PortRange.Max {
			return fmt.Errorf("webrtc.port_range.min must be < max")
		}
	}
	if c.WebRTC.NegotiationTimeout <= 0 {
		return fmt.Errorf("webrtc.negotiation_timeout must be > 0")
	}

	// Compositor
	if c.Compositor.FrameRate <= 0 || c.Compositor.FrameRate > 120 {
		return fmt.Errorf("compositor.frame_rate must be in (0, 120]")
	}
	if err := validation.ValidateQuality(c.Compositor.DefaultQuality); err != nil {
		return fmt.Errorf("compositor.default_quality: %w", err)
	}
	if c.Compositor.SubscriberBuf <= 0 {
		return fmt.Errorf("compositor.subscriber_buffer must be > 0")
	}

	// Publisher
	if c.Publisher.ConnectTimeout <= 0 {
		return fmt.Errorf("publisher.connect_timeout must be > 0")
	}
	if c.Publisher.StatsInterval <= 0 {
		return fmt.Errorf("publisher.stats_interval must be > 0")
	}
	if c.Publisher.Retry.MaxAttempts < 0 {
		return fmt.Errorf("publisher.retry.max_attempts must be >= 0")
	}
	if c.Publisher.Retry.Multiplier < 1 {
		return fmt.Errorf("publisher.retry.multiplier must be >= 1")
	}
	if c.Publisher.CircuitBreaker.FailureThreshold <= 0 {
		return fmt.Errorf("publisher.circuit_breaker.failure_threshold must be > 0")
	}
	seen := make(map[string]bool)
	for _, p := range c.Publisher.Platforms {
		if p.ID == "" {
			return fmt.Errorf("publisher.platforms: id must not be empty")
		}
		if seen[p.ID] {
			return fmt.Errorf("publisher.platforms: duplicate id %q", p.ID)
		}
		seen[p.ID] = true
		if err := validation.ValidateIngestURL(p.RTMPURL); err != nil {
			return fmt.Errorf("publisher.platforms[%s].rtmp_url: %w", p.ID, err)
		}
	}

	// Capture
	if c.Capture.IdleTimeout <= 0 {
		return fmt.Errorf("capture.idle_timeout must be > 0")
	}

	// Chat
	if c.Chat.HistoryLimit <= 0 {
		return fmt.Errorf("chat.history_limit must be > 0")
	}
	if c.Chat.MessagesPerSecond <= 0 || c.Chat.Burst <= 0 {
		return fmt.Errorf("chat rate limit must be > 0")
	}

	// Logging
	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when redis.enabled=true")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when redis.enabled=true")
		}
	}

	// Backup
	if c.Backup.Enabled {
		if c.Backup.Interval <= 0 {
			return fmt.Errorf("backup.interval must be > 0 when backup.enabled=true")
		}
		if c.Backup.RetentionDays < 0 {
			return fmt.Errorf("backup.retention_days must be >= 0")
		}
		switch c.Backup.Storage {
		case "file":
			if c.Backup.Dir == "" {
				return fmt.Errorf("backup.dir must not be empty for file storage")
			}
		case "minio":
			if c.Backup.MinIO.Endpoint == "" || c.Backup.MinIO.Bucket == "" {
				return fmt.Errorf("backup.minio.endpoint and bucket must be set for minio storage")
			}
		default:
			return fmt.Errorf("backup.storage must be file or minio")
		}
	}

	// Tracing
	if c.Tracing.Enabled && (c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1) {
		return fmt.Errorf("tracing.sample_rate must be in [0, 1]")
	}

	// Rate limiting
	if c.RateLimiting.Enabled {
		if c.RateLimiting.HTTP.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.http.requests_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.Burst <= 0 {
			return fmt.Errorf("rate_limiting.http.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MessagesPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.websocket.messages_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.Burst <= 0 {
			return fmt.Errorf("rate_limiting.websocket.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MaxMessageSizeBytes < 0 {
			return fmt.Errorf("rate_limiting.websocket.max_message_size_bytes must be >= 0 when rate limiting is enabled")
		}
	}

	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
func Load(configPath string) (*Config, error) {
	// If file does not exist, fall back to defaults
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Address = ":8080"
	cfg.Server.ReadTimeout = 30 * time.Second
	cfg.Server.WriteTimeout = 30 * time.Second
	cfg.Server.ShutdownTimeout = 15 * time.Second

	cfg.Signal.Path = "/ws/guests"
	cfg.Signal.PingInterval = 20 * time.Second
	cfg.Signal.PongTimeout = 60 * time.Second
	cfg.Signal.AllowedOrigins = []string{"*"}

	cfg.WebRTC.ICEServers = []ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
	cfg.WebRTC.NegotiationTimeout = 15 * time.Second
	cfg.WebRTC.PLIInterval = 3 * time.Second

	cfg.Compositor.FrameRate = 30
	cfg.Compositor.DefaultQuality = "HD"
	cfg.Compositor.SubscriberBuf = 8

	cfg.Publisher.ConnectTimeout = 10 * time.Second
	cfg.Publisher.StatsInterval = 15 * time.Second
	cfg.Publisher.Retry.MaxAttempts = 5
	cfg.Publisher.Retry.InitialDelay = 500 * time.Millisecond
	cfg.Publisher.Retry.MaxDelay = 10 * time.Second
	cfg.Publisher.Retry.Multiplier = 2.0
	cfg.Publisher.CircuitBreaker.FailureThreshold = 5
	cfg.Publisher.CircuitBreaker.SuccessThreshold = 1
	cfg.Publisher.CircuitBreaker.Timeout = 30 * time.Second

	cfg.Capture.ScreenAddress = "127.0.0.1:5004"
	cfg.Capture.CameraAddress = "127.0.0.1:5006"
	cfg.Capture.IdleTimeout = 5 * time.Second
	cfg.Capture.FirstPacket = 10 * time.Second

	cfg.Chat.NATSURL = ""
	cfg.Chat.SubjectPrefix = "chat"
	cfg.Chat.ViewerPrefix = "viewers"
	cfg.Chat.HistoryLimit = 500
	cfg.Chat.MessagesPerSecond = 20
	cfg.Chat.Burst = 40

	cfg.Monitoring.PrometheusEnabled = true

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Redis.Enabled = false
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.PoolSize = 10
	cfg.Redis.SnapshotTTL = 24 * time.Hour
	cfg.Redis.EventChannel = "castdeck:events"

	cfg.Backup.Enabled = false
	cfg.Backup.Interval = time.Hour
	cfg.Backup.RetentionDays = 7
	cfg.Backup.Storage = "file"
	cfg.Backup.Dir = "data/archives"
	cfg.Backup.MinIO.Bucket = "castdeck-archives"

	cfg.Tracing.Enabled = false
	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.Environment = "development"
	cfg.Tracing.SampleRate = 1.0

	// Rate limiting defaults (disabled by default)
	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 50
	cfg.RateLimiting.HTTP.Burst = 100
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 100
	cfg.RateLimiting.WebSocket.Burst = 200
	cfg.RateLimiting.WebSocket.MaxMessageSizeBytes = 64 * 1024

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if addr := os.Getenv("CASTDECK_SERVER_ADDRESS"); addr != "" {
		c.Server.Address = addr
	}
	if level := os.Getenv("CASTDECK_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if url := os.Getenv("CASTDECK_NATS_URL"); url != "" {
		c.Chat.NATSURL = url
	}
	if key := os.Getenv("CASTDECK_MINIO_SECRET_KEY"); key != "" {
		c.Backup.MinIO.SecretKey = key
	}
	if addr := os.Getenv("CASTDECK_REDIS_ADDRESS"); addr != "" {
		c.Redis.Enabled = true
		c.Redis.Address = addr
	}
	// Stream keys are secrets; CASTDECK_STREAM_KEY_<ID> keeps them out of YAML.
	for i := range c.Publisher.Platforms {
		p := &c.Publisher.Platforms[i]
		env := "CASTDECK_STREAM_KEY_" + strings.ToUpper(strings.ReplaceAll(p.ID, "-", "_"))
		if key := os.Getenv(env); key != "" {
			p.StreamKey = key
		}
	}
}
