package domain

import "time"

// InboundMessage is a user-submitted chat message as published by a channel.
type InboundMessage struct {
	ID        string // request correlation ID, set by channels that answer synchronously
	Channel   string
	ChatID    string // originating session; replies are routed back here
	SenderID  string
	Content   string
	Timestamp time.Time
}

// OutboundMessage is a bot-submitted chat message handed to a channel for delivery.
type OutboundMessage struct {
	Channel string
	ChatID  string
	Content string
	ReplyTo string // ID of the inbound message being answered, if any
}
