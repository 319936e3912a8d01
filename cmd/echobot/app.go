package main

import (
	"fmt"
	"io"
	"log/slog"

	"echobot/internal/bus"
	"echobot/internal/channel"
	"echobot/internal/config"
	"echobot/internal/domain"
	"echobot/internal/echo"
	"echobot/internal/gateway"
	"echobot/internal/logging"
	"echobot/internal/stats"
)

// app holds the runtime shared by chat and gateway.
type app struct {
	logger     *slog.Logger
	logCloser  io.Closer
	bus        *bus.InMemoryBus
	events     *bus.EventBus
	stats      *stats.Store
	dispatcher *gateway.Dispatcher
	gateway    *gateway.Gateway
}

func newApp(cfg *config.Config, interactive bool) (*app, error) {
	log, closer, err := logging.New(cfg.General)
	if err != nil {
		return nil, err
	}
	a := &app{logger: log, logCloser: closer}

	a.bus = bus.New(cfg.General.BusBufferSize, log)
	a.events = bus.NewEventBus(log)

	var recorder gateway.StatsRecorder
	if cfg.Stats.Enabled {
		store, err := stats.Open(cfg.Stats.DBPath, log)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("stats store: %w", err)
		}
		a.stats = store
		recorder = store
	}

	a.dispatcher = gateway.NewDispatcher(gateway.DispatcherConfig{
		Bus:         a.bus,
		Events:      a.events,
		Stats:       recorder,
		Logger:      log,
		Concurrency: cfg.General.MaxConcurrentMessages,
	})
	a.dispatcher.Handle(echo.NewHandler(echo.HandlerConfig{Sender: a.bus, Logger: log}))

	a.gateway = gateway.New(gateway.Config{
		Bus:               a.bus,
		Dispatcher:        a.dispatcher,
		Events:            a.events,
		Logger:            log,
		ExitOnChannelDone: interactive,
	})
	return a, nil
}

func (a *app) Close() {
	if a.stats != nil {
		if err := a.stats.Close(); err != nil {
			a.logger.Warn("close stats store", "err", err)
		}
	}
	_ = a.logCloser.Close()
}

// networkChannels builds every enabled non-interactive channel.
func networkChannels(cfg *config.Config, log *slog.Logger, events *bus.EventBus) []domain.Channel {
	var chs []domain.Channel
	c := cfg.Channels

	if c.Web.Enabled {
		metricsEndpoint := ""
		if cfg.Metrics.Enabled {
			metricsEndpoint = cfg.Metrics.Endpoint
		}
		chs = append(chs, channel.NewWeb(channel.WebConfig{
			Host:             c.Web.Host,
			Port:             c.Web.Port,
			Logger:           log,
			Events:           events,
			Version:          version,
			MetricsEndpoint:  metricsEndpoint,
			AuthEnabled:      c.Web.Auth.Enabled,
			AuthUsername:     c.Web.Auth.Username,
			AuthPasswordHash: c.Web.Auth.PasswordHash,
		}))
	}
	if c.WebSocket.Enabled {
		chs = append(chs, channel.NewWebSocketChannel(channel.WSConfig{
			Host:           c.WebSocket.Host,
			Port:           c.WebSocket.Port,
			Path:           c.WebSocket.Path,
			Logger:         log,
			AllowedOrigins: c.WebSocket.AllowedOrigins,
		}))
	}
	if c.Webhook.Enabled {
		chs = append(chs, channel.NewWebhook(channel.WebhookConfig{
			Host:   c.Webhook.Host,
			Port:   c.Webhook.Port,
			Path:   c.Webhook.Path,
			Secret: c.Webhook.Secret,
			Logger: log,
		}))
	}
	if c.Telegram.Enabled && c.Telegram.Token != "" {
		chs = append(chs, channel.NewTelegram(channel.TelegramConfig{
			Token:     c.Telegram.Token,
			AllowFrom: c.Telegram.AllowFrom,
			ParseMode: c.Telegram.ParseMode,
			Logger:    log,
		}))
	}
	if c.Discord.Enabled && c.Discord.Token != "" {
		chs = append(chs, channel.NewDiscord(channel.DiscordConfig{
			Token:   c.Discord.Token,
			GuildID: c.Discord.GuildID,
			Logger:  log,
		}))
	}
	if c.Slack.Enabled && c.Slack.BotToken != "" && c.Slack.AppToken != "" {
		chs = append(chs, channel.NewSlack(channel.SlackConfig{
			BotToken: c.Slack.BotToken,
			AppToken: c.Slack.AppToken,
			Logger:   log,
		}))
	}
	return chs
}
