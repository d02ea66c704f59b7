package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"castdeck/internal/core/ports"
	"castdeck/internal/core/services"
	httphandlers "castdeck/internal/handlers/http"
	backupinfra "castdeck/internal/infrastructure/backup"
	"castdeck/internal/infrastructure/capture"
	"castdeck/internal/infrastructure/chatbridge"
	"castdeck/internal/infrastructure/distributed"
	"castdeck/internal/infrastructure/ingest"
	"castdeck/internal/infrastructure/middleware"
	"castdeck/internal/infrastructure/monitoring"
	"castdeck/internal/infrastructure/publisher"
	"castdeck/internal/infrastructure/repositories"
	signalinfra "castdeck/internal/infrastructure/signal"
	webrtcinfra "castdeck/internal/infrastructure/webrtc"
	"castdeck/pkg/backup"
	"castdeck/pkg/config"
	"castdeck/pkg/logger"
	"castdeck/pkg/tracing"
	"castdeck/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const archiveVersion = "2"

func main() {
	startTime := time.Now()
	configPath := flag.String("config", "configs/config.yaml", "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		// Fall back to defaults so a bad file does not keep the studio down,
		// but say so loudly once the logger exists.
		cfg = config.DefaultConfig()
	}

	zapLogger := logger.NewWithFormat(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()
	if err != nil {
		log.Warnw("config not loaded, using defaults", "path", *configPath, "error", err)
	}

	tp, err := tracing.Init(tracingConfig(cfg))
	if err != nil {
		log.Fatalw("failed to initialize tracing", "error", err)
	}

	// Metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := monitoring.NewPrometheusCollector(registry)

	// Storage and cross-instance fan-out
	repoFactory := repositories.NewRepositoryFactory(cfg, log)
	sessionRepo := repoFactory.CreateSessionRepository()

	bgCtx, stopBackground := context.WithCancel(context.Background())
	defer stopBackground()

	health := monitoring.NewHealthChecker()
	health.AddRepositoryCheck(sessionRepo, 2*time.Second)
	if client := repoFactory.RedisClient(); client != nil {
		health.AddRedisCheck(client, 2*time.Second)
	}

	// Session archives
	var archiver *backupinfra.Scheduler
	if cfg.Backup.Enabled {
		storage, ping, err := archiveStorage(bgCtx, cfg)
		if err != nil {
			log.Errorw("session archive disabled", "storage", cfg.Backup.Storage, "error", err)
		} else {
			archive := backup.NewBackupService(storage, archiveVersion)
			if ping != nil {
				health.AddCheck("archive", ping, 2*time.Second)
			}
			if cfg.Backup.RestoreOnStart {
				restoreCtx, cancel := context.WithTimeout(bgCtx, 30*time.Second)
				restorer := backupinfra.NewRestoreService(archive, sessionRepo, log.Named("archive"))
				if _, err := restorer.RestoreLatest(restoreCtx, backupinfra.RestoreOptions{SkipLive: true}); err != nil {
					log.Warnw("session archive restore failed", "error", err)
				}
				cancel()
			}
			archiver = backupinfra.NewScheduler(archive, sessionRepo, backupinfra.Config{
				Interval:      cfg.Backup.Interval,
				RetentionDays: cfg.Backup.RetentionDays,
			}, log.Named("archive"))
			go archiver.Start(bgCtx)
		}
	}

	var bus ports.EventPublisher
	var eventBus *distributed.EventBus
	if client := repoFactory.RedisClient(); client != nil {
		eventBus = distributed.NewEventBus(client, uuid.NewString(), cfg.Redis.EventChannel, log)
		bus = eventBus
	}

	// Guests: websocket signaling in front of one pion peer per guest
	peerFactory, err := webrtcinfra.NewPionFactory(webrtcConfig(cfg))
	if err != nil {
		log.Fatalw("failed to create peer connection factory", "error", err)
	}
	signalServer := signalinfra.NewWebSocketServer(signalConfig(cfg), log.Named("signal"))
	guestManager := webrtcinfra.NewGuestManager(webrtcConfig(cfg), peerFactory, signalServer, collector, log.Named("guests"))

	// Local capture, compositing and chat
	device := capture.NewUDPDevice(captureConfig(cfg), log.Named("capture"))
	media := services.NewMediaSourceManager(device, log.Named("media"))
	compositor := services.NewOverlayCompositor(compositorConfig(cfg), utils.SystemClock, log.Named("compositor"))
	chat := services.NewChatAggregator(chatConfig(cfg), utils.SystemClock)

	// Outbound RTMP
	dialer := ingest.NewRTMPDialer(ingestConfig(cfg), log.Named("ingest"))
	platformPublisher := publisher.NewPlatformPublisher(publisherConfig(cfg), dialer, collector, log.Named("publisher"))
	if client := repoFactory.RedisClient(); client != nil {
		platformPublisher.UseLeaser(distributed.NewPlatformLeaser(client, 15*time.Second, log.Named("lease")))
	}

	controller := services.NewSessionController(services.SessionConfig{}, services.SessionDeps{
		Media:      media,
		Guests:     guestManager,
		Compositor: compositor,
		Publisher:  platformPublisher,
		Chat:       chat,
		Repository: sessionRepo,
		Bus:        bus,
		Clock:      utils.SystemClock,
		Log:        log.Named("session"),
	})
	signalServer.Attach(controller, guestManager)

	updates, unsubscribe := controller.Subscribe()
	go collector.Watch(updates)

	if eventBus != nil {
		go func() {
			err := eventBus.Subscribe(bgCtx, func(env distributed.Envelope) error {
				log.Debugw("session update from peer instance",
					"instance_id", env.InstanceID,
					"session_id", env.SessionID,
					"event_type", env.Update.Event.Type,
				)
				return nil
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Warnw("event bus subscription ended", "error", err)
			}
		}()
	}

	var chatConsumer *chatbridge.Consumer
	if cfg.Chat.NATSURL != "" {
		chatConsumer = chatbridge.NewConsumer(chatbridgeConfig(cfg), controller, log.Named("chatbridge"))
		if err := chatConsumer.Start(); err != nil {
			log.Errorw("chat relay unavailable, HTTP ingest only", "url", cfg.Chat.NATSURL, "error", err)
			chatConsumer = nil
		}
	}

	// HTTP
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(
		middleware.RecoveryMiddleware(log),
		middleware.TracingMiddleware(),
		middleware.LoggingMiddleware(logger.NewContextLogger(zapLogger)),
		middleware.ErrorHandlerMiddleware(log),
	)
	if cfg.RateLimiting.Enabled {
		router.Use(middleware.NewHTTPRateLimitMiddleware(cfg))
	}

	sessionHandler := httphandlers.NewSessionHandler(controller, controller, sessionRepo, platformCatalogue(cfg))
	sessionHandler.SetupRoutes(router)

	router.GET(cfg.Signal.Path, gin.WrapF(signalServer.HandleWebSocket))
	router.GET(cfg.Signal.Path+"/health", gin.WrapF(signalServer.HealthCheck))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":     "healthy",
			"timestamp":  time.Now(),
			"uptime":     time.Since(startTime).String(),
			"session_id": controller.ID(),
		})
	})

	router.GET("/ready", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
		defer cancel()

		status := health.CheckAll(ctx)
		code := http.StatusOK
		if status.Status != "healthy" {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, status)
	})

	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))
		log.Info("Prometheus metrics enabled")
	}

	srv := &http.Server{
		Addr:        cfg.Server.Address,
		Handler:     router,
		ReadTimeout: cfg.Server.ReadTimeout,
		// WriteTimeout stays unset: SSE and websocket responses are long lived.
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infow("starting castdeck studio",
			"address", cfg.Server.Address,
			"session_id", controller.ID(),
			"platforms", len(cfg.Publisher.Platforms),
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Errorw("server failed", "error", err)
	case sig := <-sigChan:
		log.Infow("received shutdown signal", "signal", sig)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	// Tell guests first so they leave cleanly instead of timing out.
	signalServer.CloseAll()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error during server shutdown", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("error force closing server", "error", closeErr)
		}
	}

	if chatConsumer != nil {
		chatConsumer.Close()
	}
	if err := controller.EndSession(shutdownCtx); err != nil {
		log.Debugw("no live session to end", "error", err)
	}
	controller.Close()
	unsubscribe()

	if archiver != nil {
		archiver.Stop()
		if _, err := archiver.RunOnce(shutdownCtx); err != nil {
			log.Warnw("final session archive failed", "error", err)
		}
	}
	stopBackground()

	if eventBus != nil {
		if err := eventBus.Close(); err != nil {
			log.Warnw("error closing event bus", "error", err)
		}
	}
	if err := repoFactory.Close(); err != nil {
		log.Errorw("error closing repository factory", "error", err)
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Warnw("error shutting down tracer provider", "error", err)
	}

	log.Info("castdeck studio stopped")
}
