package events

import (
	"context"
	"sync"

	"github.com/vyrodovalexey/avapigw-identity/internal/config"
	"github.com/vyrodovalexey/avapigw-identity/internal/identity"
	"github.com/vyrodovalexey/avapigw-identity/internal/observability"
)

const channelPublisherName = "channel"

// ChannelPublisher hands events to an in-process consumer over a bounded
// channel. When the buffer is full the event is dropped.
type ChannelPublisher struct {
	mu     sync.RWMutex
	ch     chan identity.AccountCreated
	closed bool

	logger  observability.Logger
	metrics *observability.Metrics
}

// NewChannelPublisher creates a publisher with the given buffer size.
func NewChannelPublisher(bufferSize int, opts ...Option) *ChannelPublisher {
	if bufferSize <= 0 {
		bufferSize = config.DefaultNotificationBuffer
	}
	o := applyOptions(opts)
	return &ChannelPublisher{
		ch:      make(chan identity.AccountCreated, bufferSize),
		logger:  o.logger.With(observability.String("component", "events.channel")),
		metrics: o.metrics,
	}
}

// Events returns the receive side. It is closed by Close.
func (p *ChannelPublisher) Events() <-chan identity.AccountCreated {
	return p.ch
}

// Publish enqueues event without blocking.
func (p *ChannelPublisher) Publish(ctx context.Context, event identity.AccountCreated) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		p.metrics.RecordNotification(channelPublisherName, "closed")
		return ErrClosed
	}

	select {
	case p.ch <- event:
		p.metrics.RecordNotification(channelPublisherName, "published")
		return nil
	default:
		p.metrics.RecordNotification(channelPublisherName, "dropped")
		p.logger.WithContext(ctx).Warn("account notification dropped, buffer full",
			observability.String("username", event.User.Username),
			observability.Int("capacity", cap(p.ch)),
		)
		return ErrBufferFull
	}
}

// Close stops accepting events and closes the channel. Buffered events
// remain readable.
func (p *ChannelPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.closed {
		p.closed = true
		close(p.ch)
	}
	return nil
}

var _ Publisher = (*ChannelPublisher)(nil)
