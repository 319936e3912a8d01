package domain

import "context"

// MessageHandler reacts to one inbound message. Implementations are
// registered with the dispatcher at startup and may be called concurrently.
type MessageHandler interface {
	Handle(ctx context.Context, msg InboundMessage) error
}

// MessageHandlerFunc adapts a plain function to MessageHandler.
type MessageHandlerFunc func(ctx context.Context, msg InboundMessage) error

func (f MessageHandlerFunc) Handle(ctx context.Context, msg InboundMessage) error {
	return f(ctx, msg)
}

// Sender is the delivery operation a handler uses to transmit its reply.
type Sender interface {
	SendOutbound(ctx context.Context, msg OutboundMessage) error
}
