package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"echobot/internal/domain"
)

const (
	defaultBufferSize     = 100
	defaultPublishTimeout = 10 * time.Second
)

// InMemoryBus is a Go-channel based message bus for in-process communication.
type InMemoryBus struct {
	inbound        chan domain.InboundMessage
	handlers       map[string]domain.OutboundHandler
	mu             sync.RWMutex
	closed         bool
	publishTimeout time.Duration
	logger         *slog.Logger
}

// New creates a new InMemoryBus with the given buffer size.
func New(bufferSize int, logger *slog.Logger) *InMemoryBus {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	return &InMemoryBus{
		inbound:        make(chan domain.InboundMessage, bufferSize),
		handlers:       make(map[string]domain.OutboundHandler),
		publishTimeout: defaultPublishTimeout,
		logger:         logger,
	}
}

// Publish enqueues an inbound message. If the bus is full it waits up to
// the publish timeout instead of dropping immediately.
func (b *InMemoryBus) Publish(msg domain.InboundMessage) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		b.logger.Warn("attempted to publish to closed bus", "channel", msg.Channel)
		return domain.ErrBusClosed
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	select {
	case b.inbound <- msg:
		return nil
	default:
	}

	b.logger.Warn("inbound bus full, waiting", "channel", msg.Channel, "sender", msg.SenderID)
	timer := time.NewTimer(b.publishTimeout)
	defer timer.Stop()
	select {
	case b.inbound <- msg:
		b.logger.Info("message delivered after wait", "channel", msg.Channel)
		return nil
	case <-timer.C:
		b.logger.Error("message dropped: bus full",
			"channel", msg.Channel,
			"sender", msg.SenderID,
			"waited", b.publishTimeout,
		)
		return fmt.Errorf("publish on %s: bus full for %s", msg.Channel, b.publishTimeout)
	}
}

func (b *InMemoryBus) Subscribe() <-chan domain.InboundMessage {
	return b.inbound
}

// SendOutbound hands msg to the handler registered for msg.Channel and
// blocks until that handler returns.
func (b *InMemoryBus) SendOutbound(ctx context.Context, msg domain.OutboundMessage) error {
	b.mu.RLock()
	handler, ok := b.handlers[msg.Channel]
	b.mu.RUnlock()

	if !ok {
		b.logger.Warn("no handler registered for channel", "channel", msg.Channel)
		return fmt.Errorf("%w: %q", domain.ErrNoOutboundHandler, msg.Channel)
	}

	return handler(ctx, msg)
}

func (b *InMemoryBus) OnOutbound(channelName string, handler domain.OutboundHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[channelName] = handler
}

func (b *InMemoryBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.closed {
		b.closed = true
		close(b.inbound)
	}
}
