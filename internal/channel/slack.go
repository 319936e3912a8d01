package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"echobot/internal/domain"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"
)

const (
	slackMaxMsgLen     = 4000
	slackDirectMessage = "im"
)

var errSlackNotConnected = errors.New("slack client not connected")

// Slack implements domain.Channel for Slack using Socket Mode.
type Slack struct {
	botToken string
	appToken string
	client   *slack.Client
	socket   *socketmode.Client
	bus      domain.MessageBus
	logger   *slog.Logger
	botUID   string // the bot's own user ID, to avoid replying to self
}

// SlackConfig configures the Slack channel.
type SlackConfig struct {
	BotToken string
	AppToken string
	Logger   *slog.Logger
}

// NewSlack creates a new Slack channel handler.
func NewSlack(cfg SlackConfig) *Slack {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Slack{
		botToken: cfg.BotToken,
		appToken: cfg.AppToken,
		logger:   cfg.Logger,
	}
}

func (s *Slack) Name() string { return "slack" }

// Start connects to Slack via Socket Mode and begins listening for events.
func (s *Slack) Start(ctx context.Context, bus domain.MessageBus) error {
	s.bus = bus

	api := slack.New(
		s.botToken,
		slack.OptionAppLevelToken(s.appToken),
	)
	s.client = api

	authResp, err := api.AuthTestContext(ctx)
	if err != nil {
		return fmt.Errorf("slack auth: %w", err)
	}
	s.botUID = authResp.UserID
	s.logger.Info("slack bot connected", "user", authResp.User, "user_id", authResp.UserID)

	socketClient := socketmode.New(api)
	s.socket = socketClient

	bus.OnOutbound(s.Name(), func(ctx context.Context, msg domain.OutboundMessage) error {
		return s.Send(ctx, msg.ChatID, msg.Content)
	})

	ack := func(req socketmode.Request) { socketClient.Ack(req) }
	go func() {
		for evt := range socketClient.Events {
			s.handleSocketEvent(evt, ack)
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		errCh <- socketClient.RunContext(ctx)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("slack bot disconnecting")
		return nil
	case err := <-errCh:
		return fmt.Errorf("slack socket mode: %w", err)
	}
}

// Stop is a no-op: Socket Mode ends with Start's context.
func (s *Slack) Stop() error { return nil }

// handleSocketEvent acknowledges evt when it carries a request and routes
// Events API payloads.
func (s *Slack) handleSocketEvent(evt socketmode.Event, ack func(socketmode.Request)) {
	// Unacknowledged requests make Socket Mode redeliver them.
	if evt.Request != nil {
		ack(*evt.Request)
	}
	if evt.Type != socketmode.EventTypeEventsAPI {
		return
	}
	if eventsAPIEvent, ok := evt.Data.(slackevents.EventsAPIEvent); ok {
		s.handleEventsAPI(eventsAPIEvent)
	}
}

func (s *Slack) handleEventsAPI(event slackevents.EventsAPIEvent) {
	if event.Type != slackevents.CallbackEvent {
		return
	}
	switch ev := event.InnerEvent.Data.(type) {
	case *slackevents.MessageEvent:
		// Skip our own posts and edits/joins and other subtypes.
		if ev.User == s.botUID || ev.User == "" || ev.SubType != "" {
			return
		}
		// Outside DMs a mention anywhere in the text arrives again as
		// app_mention and is echoed there.
		if ev.ChannelType != slackDirectMessage && mentions(ev.Text, s.botUID) {
			return
		}
		s.publish(ev.Channel, ev.User, ev.Text)

	case *slackevents.AppMentionEvent:
		if ev.User == s.botUID || ev.User == "" {
			return
		}
		content, _ := stripMention(ev.Text, s.botUID)
		s.publish(ev.Channel, ev.User, content)
	}
}

func (s *Slack) publish(channelID, userID, content string) {
	s.logger.Info("slack message received",
		"user", userID,
		"chat_id", channelID,
		"content_len", len(content),
	)
	if err := s.bus.Publish(domain.InboundMessage{
		Channel:   s.Name(),
		ChatID:    channelID,
		SenderID:  userID,
		Content:   content,
		Timestamp: time.Now(),
	}); err != nil {
		s.logger.Warn("slack publish failed", "chat_id", channelID, "err", err)
	}
}

// mentions reports whether text mentions botUID anywhere.
func mentions(text, botUID string) bool {
	return botUID != "" && strings.Contains(text, "<@"+botUID+">")
}

// stripMention removes a leading "<@botUID>" and one following space.
func stripMention(text, botUID string) (string, bool) {
	if botUID == "" {
		return text, false
	}
	rest, ok := strings.CutPrefix(text, "<@"+botUID+">")
	if !ok {
		return text, false
	}
	return strings.TrimPrefix(rest, " "), true
}

func (s *Slack) Send(ctx context.Context, channelID string, content string) error {
	if s.client == nil {
		return errSlackNotConnected
	}
	for _, chunk := range splitMessage(content, slackMaxMsgLen) {
		if _, _, err := s.client.PostMessageContext(ctx, channelID, slack.MsgOptionText(chunk, false)); err != nil {
			return fmt.Errorf("slack send to %s: %w", channelID, err)
		}
	}
	return nil
}
