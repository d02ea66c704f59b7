package chatbridge

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"castdeck/internal/core/domain"
	"castdeck/pkg/validation"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Sink is where relayed chat and viewer counts end up.
type Sink interface {
	IngestChat(platform string, raw domain.RawChatMessage) (domain.ChatMessage, error)
	ReportViewerCount(id domain.PlatformID, count int) error
}

type Config struct {
	URL           string
	ChatPrefix    string
	ViewerPrefix  string
	ReconnectWait time.Duration
}

// ViewerReport is the payload platform relays publish on the viewer subject.
type ViewerReport struct {
	Count int `json:"count"`
}

// Consumer relays platform chat and viewer counts from NATS into the
// session. Relays publish chat on "<chat prefix>.<platform>" and viewer
// counts on "<viewer prefix>.<platform>".
type Consumer struct {
	config Config
	sink   Sink
	logger *zap.SugaredLogger

	nc   *nats.Conn
	subs []*nats.Subscription
}

func NewConsumer(config Config, sink Sink, logger *zap.SugaredLogger) *Consumer {
	if config.ChatPrefix == "" {
		config.ChatPrefix = "chat"
	}
	if config.ViewerPrefix == "" {
		config.ViewerPrefix = "viewers"
	}
	if config.ReconnectWait <= 0 {
		config.ReconnectWait = 2 * time.Second
	}
	return &Consumer{config: config, sink: sink, logger: logger}
}

// Start connects and subscribes. A relay that comes up later is picked up
// by the reconnect loop.
func (c *Consumer) Start() error {
	nc, err := nats.Connect(c.config.URL,
		nats.Name("castdeck-chat"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(c.config.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				c.logger.Warnw("chat relay disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			c.logger.Infow("chat relay reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return fmt.Errorf("connect to nats: %w", err)
	}
	c.nc = nc

	chat, err := nc.Subscribe(c.config.ChatPrefix+".*", c.HandleChat)
	if err != nil {
		nc.Close()
		return fmt.Errorf("subscribe to chat: %w", err)
	}
	viewers, err := nc.Subscribe(c.config.ViewerPrefix+".*", c.HandleViewers)
	if err != nil {
		nc.Close()
		return fmt.Errorf("subscribe to viewer counts: %w", err)
	}
	c.subs = []*nats.Subscription{chat, viewers}

	c.logger.Infow("chat relay consumer started",
		"chat_subject", chat.Subject,
		"viewer_subject", viewers.Subject,
	)
	return nil
}

// HandleChat ingests one relayed chat message.
func (c *Consumer) HandleChat(msg *nats.Msg) {
	platform, err := platformFromSubject(msg.Subject, c.config.ChatPrefix)
	if err != nil {
		c.logger.Warnw("dropping chat message", "subject", msg.Subject, "error", err)
		return
	}

	var raw domain.RawChatMessage
	if err := json.Unmarshal(msg.Data, &raw); err != nil {
		c.logger.Warnw("failed to unmarshal chat message", "platform", platform, "error", err)
		return
	}

	if _, err := c.sink.IngestChat(platform, raw); err != nil {
		c.logger.Debugw("chat message rejected", "platform", platform, "error", err)
	}
}

// HandleViewers records a relayed viewer count.
func (c *Consumer) HandleViewers(msg *nats.Msg) {
	platform, err := platformFromSubject(msg.Subject, c.config.ViewerPrefix)
	if err != nil {
		c.logger.Warnw("dropping viewer report", "subject", msg.Subject, "error", err)
		return
	}

	var report ViewerReport
	if err := json.Unmarshal(msg.Data, &report); err != nil {
		c.logger.Warnw("failed to unmarshal viewer report", "platform", platform, "error", err)
		return
	}

	if err := c.sink.ReportViewerCount(domain.PlatformID(platform), report.Count); err != nil {
		c.logger.Debugw("viewer report rejected", "platform", platform, "error", err)
	}
}

func platformFromSubject(subject, prefix string) (string, error) {
	platform, ok := strings.CutPrefix(subject, prefix+".")
	if !ok {
		return "", fmt.Errorf("subject outside %s.*", prefix)
	}
	if err := validation.ValidateID(platform, "platform"); err != nil {
		return "", err
	}
	return platform, nil
}

func (c *Consumer) Close() {
	for _, sub := range c.subs {
		_ = sub.Unsubscribe()
	}
	c.subs = nil
	if c.nc != nil {
		if err := c.nc.Drain(); err != nil {
			c.nc.Close()
		}
		c.nc = nil
	}
}
