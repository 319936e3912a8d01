package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"echobot/internal/domain"

	"github.com/bwmarrin/discordgo"
)

const discordMaxMsgLen = 2000

var errDiscordNotConnected = errors.New("discord session not connected")

// Discord implements domain.Channel for Discord.
type Discord struct {
	token   string
	guildID string
	session *discordgo.Session
	bus     domain.MessageBus
	logger  *slog.Logger
}

// DiscordConfig configures the Discord channel.
type DiscordConfig struct {
	Token   string
	GuildID string // empty accepts messages from every guild and DM
	Logger  *slog.Logger
}

// NewDiscord creates a new Discord channel handler.
func NewDiscord(cfg DiscordConfig) *Discord {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Discord{
		token:   cfg.Token,
		guildID: cfg.GuildID,
		logger:  cfg.Logger,
	}
}

func (d *Discord) Name() string { return "discord" }

// Start connects to Discord using a bot token and begins listening.
func (d *Discord) Start(ctx context.Context, bus domain.MessageBus) error {
	d.bus = bus

	session, err := discordgo.New("Bot " + d.token)
	if err != nil {
		return fmt.Errorf("discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages | discordgo.IntentsMessageContent
	d.session = session

	bus.OnOutbound(d.Name(), func(ctx context.Context, msg domain.OutboundMessage) error {
		return d.Send(ctx, msg.ChatID, msg.Content)
	})

	session.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
		if m.Author == nil || (s.State.User != nil && m.Author.ID == s.State.User.ID) {
			return
		}
		if !d.acceptGuild(m.GuildID) {
			return
		}

		d.logger.Info("discord message received",
			"author", m.Author.Username,
			"chat_id", m.ChannelID,
			"content_len", len(m.Content),
		)

		if err := bus.Publish(domain.InboundMessage{
			Channel:   d.Name(),
			ChatID:    m.ChannelID,
			SenderID:  m.Author.ID,
			Content:   m.Content,
			Timestamp: time.Now(),
		}); err != nil {
			d.logger.Warn("discord publish failed", "chat_id", m.ChannelID, "err", err)
		}
	})

	if err := session.Open(); err != nil {
		return fmt.Errorf("discord connect: %w", err)
	}

	d.logger.Info("discord bot connected", "user", session.State.User.Username)

	<-ctx.Done()
	d.logger.Info("discord bot disconnecting")
	return session.Close()
}

// acceptGuild reports whether messages from guildID pass the guild filter.
func (d *Discord) acceptGuild(guildID string) bool {
	return d.guildID == "" || guildID == d.guildID
}

// Stop is a no-op: the session closes when Start's context is cancelled.
func (d *Discord) Stop() error { return nil }

func (d *Discord) Send(ctx context.Context, channelID string, content string) error {
	if d.session == nil {
		return errDiscordNotConnected
	}
	for _, chunk := range splitMessage(content, discordMaxMsgLen) {
		if _, err := d.session.ChannelMessageSend(channelID, chunk, discordgo.WithContext(ctx)); err != nil {
			return fmt.Errorf("discord send to %s: %w", channelID, err)
		}
	}
	return nil
}
