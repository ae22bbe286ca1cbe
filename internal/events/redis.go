package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vyrodovalexey/avapigw-identity/internal/config"
	"github.com/vyrodovalexey/avapigw-identity/internal/identity"
	"github.com/vyrodovalexey/avapigw-identity/internal/observability"
)

const redisPublisherName = "redis"

// EventTypeAccountCreated is the type field of published messages.
const EventTypeAccountCreated = "account.created"

// Message is the JSON payload published to Redis.
type Message struct {
	Type       string        `json:"type"`
	User       identity.User `json:"user"`
	OccurredAt time.Time     `json:"occurredAt"`
}

// RedisPublisher publishes events on a Redis Pub/Sub channel.
type RedisPublisher struct {
	client  redis.UniversalClient
	channel string
	owned   bool

	logger  observability.Logger
	metrics *observability.Metrics
}

// NewRedisPublisher publishes through an existing client, which the caller
// keeps ownership of.
func NewRedisPublisher(client redis.UniversalClient, channel string, opts ...Option) *RedisPublisher {
	if channel == "" {
		channel = config.DefaultRedisChannel
	}
	o := applyOptions(opts)
	return &RedisPublisher{
		client:  client,
		channel: channel,
		logger:  o.logger.With(observability.String("component", "events.redis")),
		metrics: o.metrics,
	}
}

// OpenRedisPublisher connects to rawURL. The connection is closed by Close.
func OpenRedisPublisher(rawURL, channel string, opts ...Option) (*RedisPublisher, error) {
	redisOpts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid notification redis URL: %w", err)
	}
	p := NewRedisPublisher(redis.NewClient(redisOpts), channel, opts...)
	p.owned = true
	return p, nil
}

// Channel returns the Pub/Sub channel name.
func (p *RedisPublisher) Channel() string {
	return p.channel
}

// Publish sends event as JSON. Having no subscribers is not an error.
func (p *RedisPublisher) Publish(ctx context.Context, event identity.AccountCreated) error {
	payload, err := json.Marshal(Message{
		Type:       EventTypeAccountCreated,
		User:       event.User,
		OccurredAt: event.OccurredAt,
	})
	if err != nil {
		p.metrics.RecordNotification(redisPublisherName, "failed")
		return fmt.Errorf("failed to encode account notification: %w", err)
	}

	receivers, err := p.client.Publish(ctx, p.channel, payload).Result()
	if err != nil {
		p.metrics.RecordNotification(redisPublisherName, "failed")
		p.logger.WithContext(ctx).Warn("account notification publish failed",
			observability.String("channel", p.channel),
			observability.String("username", event.User.Username),
			observability.Error(err),
		)
		return fmt.Errorf("failed to publish account notification: %w", err)
	}

	p.metrics.RecordNotification(redisPublisherName, "published")
	p.logger.Debug("account notification published",
		observability.String("channel", p.channel),
		observability.String("username", event.User.Username),
		observability.Int64("receivers", receivers),
	)
	return nil
}

// Close releases the connection when the publisher opened it.
func (p *RedisPublisher) Close() error {
	if !p.owned {
		return nil
	}
	return p.client.Close()
}

var _ Publisher = (*RedisPublisher)(nil)
