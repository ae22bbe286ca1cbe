// Package events publishes AccountCreated notifications. A Publisher never
// blocks provisioning: slow or unreachable consumers lose notifications,
// which are counted and logged.
package events

import (
	"context"
	"errors"
	"fmt"

	"github.com/vyrodovalexey/avapigw-identity/internal/config"
	"github.com/vyrodovalexey/avapigw-identity/internal/identity"
	"github.com/vyrodovalexey/avapigw-identity/internal/observability"
)

// Publisher errors.
var (
	// ErrClosed indicates Publish was called after Close.
	ErrClosed = errors.New("events: publisher closed")

	// ErrBufferFull indicates the notification was dropped because the
	// consumer is not keeping up.
	ErrBufferFull = errors.New("events: buffer full")
)

// Publisher delivers AccountCreated events.
type Publisher interface {
	Publish(ctx context.Context, event identity.AccountCreated) error
	Close() error
}

// Option configures a publisher.
type Option func(*options)

type options struct {
	logger  observability.Logger
	metrics *observability.Metrics
}

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(o *options) {
		o.metrics = metrics
	}
}

func applyOptions(opts []Option) options {
	o := options{logger: observability.NopLogger()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// NopPublisher discards every event.
type NopPublisher struct{}

// Publish implements Publisher.
func (NopPublisher) Publish(context.Context, identity.AccountCreated) error { return nil }

// Close implements Publisher.
func (NopPublisher) Close() error { return nil }

// New builds the publisher selected by cfg.
func New(cfg config.NotificationsConfig, opts ...Option) (Publisher, error) {
	switch cfg.Type {
	case "", config.NotificationTypeNone:
		return NopPublisher{}, nil
	case config.NotificationTypeChannel:
		return NewChannelPublisher(cfg.BufferSize, opts...), nil
	case config.NotificationTypeRedis:
		return OpenRedisPublisher(cfg.RedisURL, cfg.RedisChannel, opts...)
	default:
		return nil, fmt.Errorf("unsupported notification type: %s", cfg.Type)
	}
}

var _ Publisher = NopPublisher{}
