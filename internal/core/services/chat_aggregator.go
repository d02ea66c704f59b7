package services

import (
	"context"
	"strings"
	"sync"

	"castdeck/internal/core/domain"
	"castdeck/internal/core/ports"
	apperrors "castdeck/pkg/errors"
	"castdeck/pkg/utils"

	"golang.org/x/time/rate"
)

const maxChatMessageRunes = 500

type ChatConfig struct {
	// HistoryLimit caps the retained timeline. Sequence numbers keep
	// increasing after old entries are dropped.
	HistoryLimit int
	// MessagesPerSecond and Burst bound ingest per platform; zero disables.
	MessagesPerSecond float64
	Burst             int
}

// ChatAggregator merges platform chat into one timeline ordered by arrival.
type ChatAggregator struct {
	cfg   ChatConfig
	clock utils.Clock

	mu       sync.Mutex
	timeline []domain.ChatMessage
	nextSeq  uint64
	notify   chan struct{}
	limiters map[string]*rate.Limiter
}

func NewChatAggregator(cfg ChatConfig, clock utils.Clock) *ChatAggregator {
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 500
	}
	if clock == nil {
		clock = utils.SystemClock
	}
	return &ChatAggregator{
		cfg:      cfg,
		clock:    clock,
		nextSeq:  1,
		notify:   make(chan struct{}),
		limiters: make(map[string]*rate.Limiter),
	}
}

// Ingest normalizes raw and appends it. The platform-claimed timestamp is
// kept for display but never used for ordering.
func (a *ChatAggregator) Ingest(platform string, raw domain.RawChatMessage) (domain.ChatMessage, error) {
	platform = strings.ToLower(strings.TrimSpace(platform))
	if platform == "" {
		return domain.ChatMessage{}, domain.ErrInvalidInput.Withf("chat platform is required")
	}
	text := utils.TruncateRunes(utils.SanitizeString(raw.Message), maxChatMessageRunes)
	if text == "" {
		return domain.ChatMessage{}, domain.ErrInvalidInput.Withf("chat message is empty")
	}
	username := utils.SanitizeString(raw.Username)
	if username == "" {
		username = "anonymous"
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.allow(platform) {
		return domain.ChatMessage{}, apperrors.NewRateLimitError().WithContext("platform", platform)
	}

	msg := domain.ChatMessage{
		ID:         utils.NewChatMessageID(),
		Seq:        a.nextSeq,
		Platform:   platform,
		Username:   username,
		Message:    text,
		Timestamp:  raw.Timestamp,
		ReceivedAt: a.clock.Now(),
	}
	a.nextSeq++

	a.timeline = append(a.timeline, msg)
	if over := len(a.timeline) - a.cfg.HistoryLimit; over > 0 {
		a.timeline = append(a.timeline[:0:0], a.timeline[over:]...)
	}

	close(a.notify)
	a.notify = make(chan struct{})

	return msg, nil
}

func (a *ChatAggregator) allow(platform string) bool {
	if a.cfg.MessagesPerSecond <= 0 {
		return true
	}
	l, ok := a.limiters[platform]
	if !ok {
		burst := a.cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		l = rate.NewLimiter(rate.Limit(a.cfg.MessagesPerSecond), burst)
		a.limiters[platform] = l
	}
	return l.AllowN(a.clock.Now(), 1)
}

// History returns up to limit of the newest messages, oldest first.
func (a *ChatAggregator) History(limit int) []domain.ChatMessage {
	a.mu.Lock()
	defer a.mu.Unlock()
	start := 0
	if limit > 0 && len(a.timeline) > limit {
		start = len(a.timeline) - limit
	}
	return append([]domain.ChatMessage(nil), a.timeline[start:]...)
}

// Subscribe starts at the current end of the timeline.
func (a *ChatAggregator) Subscribe() ports.ChatSubscription {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.newSubscription(a.nextSeq)
}

// SubscribeFrom replays retained messages with Seq >= seq before following
// live messages.
func (a *ChatAggregator) SubscribeFrom(seq uint64) ports.ChatSubscription {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.newSubscription(seq)
}

func (a *ChatAggregator) newSubscription(cursor uint64) *ChatSubscription {
	return &ChatSubscription{agg: a, cursor: cursor, done: make(chan struct{})}
}

// ChatSubscription is an independent cursor. It holds no buffer, so a slow
// reader never delays ingest; a reader that falls behind the retained
// history skips to the oldest retained message.
type ChatSubscription struct {
	agg       *ChatAggregator
	cursor    uint64
	done      chan struct{}
	closeOnce sync.Once
}

// Next blocks until the next message, ctx cancellation or Close.
func (s *ChatSubscription) Next(ctx context.Context) (domain.ChatMessage, error) {
	for {
		s.agg.mu.Lock()
		if n := len(s.agg.timeline); n > 0 && s.cursor < s.agg.nextSeq {
			first := s.agg.timeline[0].Seq
			if s.cursor < first {
				s.cursor = first
			}
			msg := s.agg.timeline[s.cursor-first]
			s.cursor++
			s.agg.mu.Unlock()
			return msg, nil
		}
		wait := s.agg.notify
		s.agg.mu.Unlock()

		select {
		case <-wait:
		case <-s.done:
			return domain.ChatMessage{}, context.Canceled
		case <-ctx.Done():
			return domain.ChatMessage{}, ctx.Err()
		}
	}
}

func (s *ChatSubscription) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// C adapts the subscription to a channel. The channel closes when ctx ends
// or the subscription is closed.
func (s *ChatSubscription) C(ctx context.Context) <-chan domain.ChatMessage {
	out := make(chan domain.ChatMessage)
	go func() {
		defer close(out)
		for {
			msg, err := s.Next(ctx)
			if err != nil {
				return
			}
			select {
			case out <- msg:
			case <-ctx.Done():
				return
			case <-s.done:
				return
			}
		}
	}()
	return out
}
