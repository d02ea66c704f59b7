package distributed

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"castdeck/internal/core/domain"
	"castdeck/internal/core/ports"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Envelope is a session update as it travels between instances.
type Envelope struct {
	InstanceID string              `json:"instance_id"`
	Timestamp  time.Time           `json:"timestamp"`
	SessionID  domain.SessionID    `json:"session_id"`
	Update     ports.SessionUpdate `json:"update"`
}

// EventBus mirrors session updates over Redis pub/sub so dashboards on other
// instances can follow a session.
type EventBus struct {
	client     *redis.Client
	instanceID string
	channel    string
	logger     *zap.SugaredLogger
	pubsub     *redis.PubSub
}

var _ ports.EventPublisher = (*EventBus)(nil)

func NewEventBus(client *redis.Client, instanceID, channel string, logger *zap.SugaredLogger) *EventBus {
	if channel == "" {
		channel = "castdeck:events"
	}
	return &EventBus{
		client:     client,
		instanceID: instanceID,
		channel:    channel,
		logger:     logger,
	}
}

func (eb *EventBus) Channel() string { return eb.channel }

// Publish implements ports.EventPublisher.
func (eb *EventBus) Publish(ctx context.Context, update ports.SessionUpdate) error {
	data, err := eb.encode(update, time.Now())
	if err != nil {
		return err
	}

	if err := eb.client.Publish(ctx, eb.channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	eb.logger.Debugw("published session update",
		"type", update.Event.Type,
		"session_id", update.State.SessionID,
	)
	return nil
}

func (eb *EventBus) encode(update ports.SessionUpdate, now time.Time) ([]byte, error) {
	data, err := json.Marshal(Envelope{
		InstanceID: eb.instanceID,
		Timestamp:  now,
		SessionID:  update.State.SessionID,
		Update:     update,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event: %w", err)
	}
	return data, nil
}

// decode returns false for payloads that are malformed or were published by
// this instance.
func (eb *EventBus) decode(payload string) (Envelope, bool) {
	var env Envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		eb.logger.Warnw("failed to unmarshal event", "error", err, "payload", payload)
		return Envelope{}, false
	}
	if env.InstanceID == eb.instanceID {
		return Envelope{}, false
	}
	return env, true
}

// Subscribe calls handler for updates published by other instances until
// ctx is cancelled.
func (eb *EventBus) Subscribe(ctx context.Context, handler func(Envelope) error) error {
	if eb.pubsub != nil {
		return fmt.Errorf("already subscribed")
	}

	eb.pubsub = eb.client.Subscribe(ctx, eb.channel)
	defer eb.pubsub.Close()

	ch := eb.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			env, ok := eb.decode(msg.Payload)
			if !ok {
				continue
			}
			if err := handler(env); err != nil {
				eb.logger.Warnw("error handling event",
					"type", env.Update.Event.Type,
					"error", err,
				)
			}
		}
	}
}

func (eb *EventBus) Close() error {
	if eb.pubsub != nil {
		return eb.pubsub.Close()
	}
	return nil
}
