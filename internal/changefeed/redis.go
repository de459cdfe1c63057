package changefeed

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/accredit/model"
)

// RedisFeed publishes events on a Redis channel so every instance sees every
// change. Each instance forwards the channel into a local Hub that serves
// its own subscribers.
type RedisFeed struct {
	client  redis.UniversalClient
	channel string
	hub     *Hub
	logger  *zap.Logger
}

// NewRedisFeed creates a feed on the given channel. Start must be called
// before subscribers receive anything.
func NewRedisFeed(client redis.UniversalClient, channel string, hub *Hub, logger *zap.Logger) *RedisFeed {
	return &RedisFeed{client: client, channel: channel, hub: hub, logger: logger}
}

// Start subscribes to the channel and forwards messages to the local hub
// until ctx ends.
func (f *RedisFeed) Start(ctx context.Context) error {
	sub := f.client.Subscribe(ctx, f.channel)

	// Wait for the subscription confirmation.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("changefeed: subscribe %q: %w", f.channel, err)
	}

	go func() {
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var ev model.ChangeEvent
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					f.logger.Warn("bad change event payload", zap.Error(err))
					continue
				}
				f.hub.deliver(ev)
			}
		}
	}()
	return nil
}

func (f *RedisFeed) Publish(ctx context.Context, ev model.ChangeEvent) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("changefeed: marshal: %w", err)
	}
	if err := f.client.Publish(ctx, f.channel, raw).Err(); err != nil {
		return fmt.Errorf("changefeed: publish: %w", err)
	}
	return nil
}

func (f *RedisFeed) Subscribe(ctx context.Context, entityID string) (<-chan model.ChangeEvent, func()) {
	return f.hub.Subscribe(ctx, entityID)
}

func (f *RedisFeed) Ping(ctx context.Context) error {
	return f.client.Ping(ctx).Err()
}
