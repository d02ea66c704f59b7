package publisher

import (
	"context"
	"errors"
	"sync"
	"time"

	"castdeck/internal/core/domain"
	"castdeck/internal/core/ports"
	"castdeck/pkg/circuitbreaker"
	apperrors "castdeck/pkg/errors"
	"castdeck/pkg/retry"
	"castdeck/pkg/tracing"
	"castdeck/pkg/validation"

	"go.uber.org/zap"
)

// Metrics receives publish loop statistics. The Prometheus collector
// implements it.
type Metrics interface {
	PublishAttempt(platform domain.PlatformID, outcome string)
	PublishReconnect(platform domain.PlatformID)
	PublishStats(platform domain.PlatformID, stats ports.IngestStats)
	PlatformsPublishing(n int)
}

type nopMetrics struct{}

func (nopMetrics) PublishAttempt(domain.PlatformID, string)          {}
func (nopMetrics) PublishReconnect(domain.PlatformID)                {}
func (nopMetrics) PublishStats(domain.PlatformID, ports.IngestStats) {}
func (nopMetrics) PlatformsPublishing(int)                           {}

// Leaser grants exclusive use of a platform across studio instances. The
// returned release func gives the platform back.
type Leaser interface {
	Acquire(ctx context.Context, id domain.PlatformID) (release func(), err error)
}

type Config struct {
	ConnectTimeout time.Duration
	StatsInterval  time.Duration
	Retry          retry.Config
	CircuitBreaker circuitbreaker.Config
}

func DefaultConfig() Config {
	return Config{
		ConnectTimeout: 10 * time.Second,
		StatsInterval:  5 * time.Second,
		Retry:          retry.DefaultConfig(),
		CircuitBreaker: circuitbreaker.DefaultConfig(),
	}
}

// publishLoop is one platform's ingest session and the goroutine feeding it.
type publishLoop struct {
	platform domain.StreamPlatform
	breaker  *circuitbreaker.CircuitBreaker
	cancel   context.CancelFunc
	running  bool
	done     chan struct{}
	unlease  func()
}

func (l *publishLoop) dropLease() {
	if l.unlease != nil {
		l.unlease()
		l.unlease = nil
	}
}

// PlatformPublisher pushes the composited stream to every started platform,
// each from its own goroutine. A failing platform never affects the others.
type PlatformPublisher struct {
	config  Config
	dialer  ports.IngestDialer
	metrics Metrics
	logger  *zap.SugaredLogger

	mu     sync.Mutex
	leaser Leaser
	loops  map[domain.PlatformID]*publishLoop
	closed bool

	events   chan domain.Event
	done     chan struct{}
	emitMu   sync.RWMutex
	evClosed bool
}

var _ ports.PlatformPublisher = (*PlatformPublisher)(nil)

func NewPlatformPublisher(config Config, dialer ports.IngestDialer, metrics Metrics, logger *zap.SugaredLogger) *PlatformPublisher {
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = 10 * time.Second
	}
	if config.StatsInterval <= 0 {
		config.StatsInterval = 5 * time.Second
	}
	if metrics == nil {
		metrics = nopMetrics{}
	}
	return &PlatformPublisher{
		config:  config,
		dialer:  dialer,
		metrics: metrics,
		logger:  logger,
		loops:   make(map[domain.PlatformID]*publishLoop),
		events:  make(chan domain.Event, 64),
		done:    make(chan struct{}),
	}
}

func (p *PlatformPublisher) Events() <-chan domain.Event { return p.events }

// UseLeaser makes every later StartPublishing take the platform's lease
// before dialing.
func (p *PlatformPublisher) UseLeaser(l Leaser) {
	p.mu.Lock()
	p.leaser = l
	p.mu.Unlock()
}

// StartPublishing connects to the platform's ingest endpoint within the
// connect timeout and starts its publish loop.
func (p *PlatformPublisher) StartPublishing(ctx context.Context, platform domain.StreamPlatform, stream ports.CompositedStream) error {
	if !platform.Enabled {
		return domain.ErrInvalidState.Withf("platform %s is disabled", platform.ID)
	}
	if err := validation.ValidateIngestURL(platform.RTMPURL); err != nil {
		return domain.ErrConnectionRefused.Wrap(err)
	}
	if err := validation.ValidateStreamKey(platform.StreamKey); err != nil {
		return domain.ErrInvalidCredentials.Wrap(err)
	}

	ctx, span := tracing.TracePublish(ctx, "start", string(platform.ID))
	defer span.End()

	loopCtx, cancel := context.WithCancel(context.Background())
	loop := &publishLoop{
		platform: platform,
		breaker:  circuitbreaker.New("ingest:"+string(platform.ID), p.config.CircuitBreaker),
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	loop.breaker.OnStateChange(func(name string, from, to circuitbreaker.State) {
		p.logger.Infow("ingest circuit breaker state changed",
			"platform_id", platform.ID,
			"from", from.String(),
			"to", to.String(),
		)
	})

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		cancel()
		return domain.ErrInvalidState.Withf("publisher closed")
	}
	if _, exists := p.loops[platform.ID]; exists {
		p.mu.Unlock()
		cancel()
		return domain.ErrAlreadyPublishing.Withf("platform %s already publishing", platform.ID)
	}
	p.loops[platform.ID] = loop
	leaser := p.leaser
	p.mu.Unlock()

	if leaser != nil {
		release, err := leaser.Acquire(ctx, platform.ID)
		if err != nil {
			p.release(loop)
			cancel()
			close(loop.done)
			p.metrics.PublishAttempt(platform.ID, "failed")
			p.logger.Warnw("platform lease not granted", "platform_id", platform.ID, "error", err)
			return err
		}
		loop.unlease = release
	}

	// Cancelling the caller's ctx or StopPublishing both abort the dial.
	dialCtx, stopDial := context.WithCancel(ctx)
	go func() {
		select {
		case <-loopCtx.Done():
			stopDial()
		case <-dialCtx.Done():
		}
	}()
	session, err := p.dial(dialCtx, loop)
	stopDial()
	if err != nil {
		p.release(loop)
		cancel()
		loop.dropLease()
		close(loop.done)
		tracing.RecordError(ctx, err)
		p.metrics.PublishAttempt(platform.ID, "failed")
		p.logger.Warnw("failed to connect to platform ingest",
			"platform_id", platform.ID,
			"ingest_url", platform.RTMPURL,
			"error", err,
		)
		return err
	}

	p.mu.Lock()
	if p.loops[platform.ID] != loop {
		p.mu.Unlock()
		_ = session.Close()
		loop.dropLease()
		close(loop.done)
		p.metrics.PublishAttempt(platform.ID, "cancelled")
		return domain.ErrPlatformLost.Withf("platform %s stopped while connecting", platform.ID)
	}
	loop.running = true
	n := p.runningLocked()
	p.mu.Unlock()

	p.metrics.PublishAttempt(platform.ID, "connected")
	p.metrics.PlatformsPublishing(n)
	p.logger.Infow("publishing started", "platform_id", platform.ID, "platform", platform.Name)

	frames, unsubscribe := stream.Subscribe()
	go p.run(loopCtx, loop, session, frames, unsubscribe)
	return nil
}

// dial opens one ingest session through the platform's circuit breaker.
func (p *PlatformPublisher) dial(ctx context.Context, loop *publishLoop) (ports.IngestSession, error) {
	var session ports.IngestSession
	err := loop.breaker.Execute(ctx, func() error {
		dialCtx, cancel := context.WithTimeout(ctx, p.config.ConnectTimeout)
		defer cancel()

		s, err := p.dialer.Dial(dialCtx, loop.platform.RTMPURL, loop.platform.StreamKey)
		if err != nil {
			return err
		}
		session = s
		return nil
	})
	if err == nil {
		return session, nil
	}
	return nil, classifyDialError(err)
}

func classifyDialError(err error) error {
	switch {
	case errors.Is(err, domain.ErrInvalidCredentials), errors.Is(err, domain.ErrConnectionRefused):
		return err
	case errors.Is(err, circuitbreaker.ErrOpen):
		return domain.ErrConnectionRefused.Wrap(err)
	case errors.Is(err, context.DeadlineExceeded):
		return domain.ErrConnectionRefused.Withf("connect timed out").Wrap(err)
	case apperrors.IsAppError(err):
		return err
	default:
		return domain.ErrConnectionRefused.Wrap(err)
	}
}

// run writes frames in order until the loop is cancelled, the stream ends or
// reconnection gives up.
func (p *PlatformPublisher) run(ctx context.Context, loop *publishLoop, session ports.IngestSession, frames <-chan domain.Frame, unsubscribe func()) {
	id := loop.platform.ID
	defer close(loop.done)
	defer loop.dropLease()
	defer unsubscribe()
	defer func() {
		if session != nil {
			if err := session.Close(); err != nil {
				p.logger.Debugw("ingest session close failed", "platform_id", id, "error", err)
			}
		}
	}()

	stats := time.NewTicker(p.config.StatsInterval)
	defer stats.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stats.C:
			p.metrics.PublishStats(id, session.Stats())
		case frame, ok := <-frames:
			if !ok {
				p.logger.Infow("composited stream ended", "platform_id", id)
				if p.release(loop) {
					p.emit(domain.EventPlatformStopped, id, nil)
				}
				return
			}
			err := session.WriteFrame(frame)
			if err == nil {
				continue
			}
			p.logger.Warnw("ingest write failed, reconnecting", "platform_id", id, "seq", frame.Seq, "error", err)

			_ = session.Close()
			session = nil
			next, err := p.reconnect(ctx, loop)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				p.logger.Errorw("platform lost", "platform_id", id, "error", err)
				if p.release(loop) {
					p.emit(domain.EventPlatformLost, id, domain.ErrPlatformLost.Wrap(err))
				}
				return
			}
			session = next
			p.logger.Infow("platform reconnected", "platform_id", id)
		}
	}
}

func (p *PlatformPublisher) reconnect(ctx context.Context, loop *publishLoop) (ports.IngestSession, error) {
	ctx, span := tracing.TracePublish(ctx, "reconnect", string(loop.platform.ID))
	defer span.End()

	cfg := p.config.Retry
	cfg.NonRetryableErrors = append(cfg.NonRetryableErrors, domain.ErrInvalidCredentials)
	cfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		tracing.AddSpanAttributes(ctx, tracing.AttemptKey.Int(attempt))
		p.logger.Warnw("platform reconnect attempt failed",
			"platform_id", loop.platform.ID,
			"attempt", attempt,
			"delay", delay,
			"error", err,
		)
	}
	session, err := retry.RetryWithResult(ctx, cfg, func() (ports.IngestSession, error) {
		p.metrics.PublishReconnect(loop.platform.ID)
		return p.dial(ctx, loop)
	})
	tracing.RecordError(ctx, err)
	return session, err
}

// release removes loop if it is still registered and reports whether it was.
func (p *PlatformPublisher) release(loop *publishLoop) bool {
	p.mu.Lock()
	if p.loops[loop.platform.ID] != loop {
		p.mu.Unlock()
		return false
	}
	delete(p.loops, loop.platform.ID)
	n := p.runningLocked()
	p.mu.Unlock()
	p.metrics.PlatformsPublishing(n)
	return true
}

func (p *PlatformPublisher) runningLocked() int {
	n := 0
	for _, l := range p.loops {
		if l.running {
			n++
		}
	}
	return n
}

// StopPublishing is idempotent and waits for the platform's loop to exit.
func (p *PlatformPublisher) StopPublishing(id domain.PlatformID) {
	p.mu.Lock()
	loop, ok := p.loops[id]
	p.mu.Unlock()
	if !ok {
		return
	}

	p.release(loop)
	loop.cancel()
	<-loop.done
	p.logger.Infow("publishing stopped", "platform_id", id)
}

// IsPublishing reports whether id has a connected publish loop.
func (p *PlatformPublisher) IsPublishing(id domain.PlatformID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	loop, ok := p.loops[id]
	return ok && loop.running
}

// BreakerState exposes a publishing platform's circuit breaker state.
func (p *PlatformPublisher) BreakerState(id domain.PlatformID) (circuitbreaker.State, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	loop, ok := p.loops[id]
	if !ok {
		return circuitbreaker.StateClosed, false
	}
	return loop.breaker.GetState(), true
}

func (p *PlatformPublisher) emit(t domain.EventType, id domain.PlatformID, err error) {
	ev := domain.NewEvent(t).WithErr(err)
	ev.PlatformID = id

	p.emitMu.RLock()
	defer p.emitMu.RUnlock()
	if p.evClosed {
		return
	}
	select {
	case p.events <- ev:
	case <-p.done:
	}
}

// Close stops every platform and closes Events.
func (p *PlatformPublisher) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	ids := make([]domain.PlatformID, 0, len(p.loops))
	for id := range p.loops {
		ids = append(ids, id)
	}
	p.mu.Unlock()

	for _, id := range ids {
		p.StopPublishing(id)
	}

	close(p.done)
	p.emitMu.Lock()
	p.evClosed = true
	close(p.events)
	p.emitMu.Unlock()
}
