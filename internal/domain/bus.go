package domain

import (
	"context"
	"errors"
)

var (
	// ErrNoOutboundHandler is returned when no channel is registered for an outbound message.
	ErrNoOutboundHandler = errors.New("no outbound handler registered for channel")
	// ErrBusClosed is returned when publishing to a closed bus.
	ErrBusClosed = errors.New("message bus closed")
)

// OutboundHandler delivers an outbound message on a specific channel.
// It returns once the message has been handed to the transport.
type OutboundHandler func(ctx context.Context, msg OutboundMessage) error

// MessageBus routes messages between channels and the dispatcher.
type MessageBus interface {
	Publish(msg InboundMessage) error
	Subscribe() <-chan InboundMessage
	SendOutbound(ctx context.Context, msg OutboundMessage) error
	OnOutbound(channelName string, handler OutboundHandler)
	Close()
}
