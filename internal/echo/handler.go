// Package echo implements the echo handler: every inbound message is
// answered with the same text prefixed by "You said: ".
package echo

import (
	"context"
	"fmt"
	"log/slog"

	"echobot/internal/domain"
)

// Prefix is prepended verbatim to the inbound content.
const Prefix = "You said: "

// Reply returns the echo response for content. The content is never
// trimmed, escaped or otherwise altered.
func Reply(content string) string {
	return Prefix + content
}

// Handler implements domain.MessageHandler. It holds no per-message state
// and is safe for concurrent use.
type Handler struct {
	sender domain.Sender
	logger *slog.Logger
}

// HandlerConfig holds the dependencies of a Handler.
type HandlerConfig struct {
	Sender domain.Sender
	Logger *slog.Logger
}

// NewHandler returns a Handler that replies through cfg.Sender.
func NewHandler(cfg HandlerConfig) *Handler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Handler{
		sender: cfg.Sender,
		logger: cfg.Logger,
	}
}

// Handle sends exactly one reply to the session that produced msg and
// returns once the sender has accepted it. Delivery errors are returned
// to the caller as-is; nothing is retried here.
func (h *Handler) Handle(ctx context.Context, msg domain.InboundMessage) error {
	out := domain.OutboundMessage{
		Channel: msg.Channel,
		ChatID:  msg.ChatID,
		Content: Reply(msg.Content),
		ReplyTo: msg.ID,
	}

	h.logger.Debug("echoing message",
		"channel", msg.Channel,
		"chat_id", msg.ChatID,
		"content_len", len(msg.Content),
	)

	if err := h.sender.SendOutbound(ctx, out); err != nil {
		return fmt.Errorf("send reply to %s/%s: %w", msg.Channel, msg.ChatID, err)
	}
	return nil
}
