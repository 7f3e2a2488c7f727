package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type envelope struct {
	Origin string `json:"origin"`
	Event  Event  `json:"event"`
}

// RedisBridge shares events between scheduler instances. Publish delivers
// to the local bus and to a Redis channel; Run forwards events published by
// other instances into the local bus.
type RedisBridge struct {
	client  *redis.Client
	channel string
	origin  string
	local   Publisher
	logger  *zap.Logger
}

func NewRedisBridge(client *redis.Client, channel string, local Publisher, logger *zap.Logger) *RedisBridge {
	channel = strings.TrimSpace(channel)
	if channel == "" {
		channel = "testswarm:events"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisBridge{
		client:  client,
		channel: channel,
		origin:  uuid.NewString(),
		local:   local,
		logger:  logger,
	}
}

func (b *RedisBridge) Publish(ctx context.Context, ev Event) error {
	if err := b.local.Publish(ctx, ev); err != nil {
		return err
	}
	raw, err := json.Marshal(envelope{Origin: b.origin, Event: ev})
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel, raw).Err(); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// Run blocks until ctx is cancelled.
func (b *RedisBridge) Run(ctx context.Context) error {
	sub := b.client.Subscribe(ctx, b.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", b.channel, err)
	}
	b.logger.Info("event bridge subscribed", zap.String("channel", b.channel))

	messages := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return errors.New("event bridge subscription closed")
			}
			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				b.logger.Warn("discarding malformed event", zap.Error(err))
				continue
			}
			if env.Origin == b.origin {
				continue
			}
			_ = b.local.Publish(ctx, env.Event)
		}
	}
}
