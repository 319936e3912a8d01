// Package gateway wires channels, the message bus and the dispatcher into a
// running chat gateway.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"echobot/internal/bus"
	"echobot/internal/domain"

	"golang.org/x/sync/errgroup"
)

const defaultShutdownTimeout = 10 * time.Second

// ErrShutdownTimeout is returned by Run when channels do not stop in time.
var ErrShutdownTimeout = errors.New("shutdown timed out")

// Gateway runs a dispatcher plus a set of channels sharing one bus.
type Gateway struct {
	bus             domain.MessageBus
	dispatcher      *Dispatcher
	events          *bus.EventBus
	logger          *slog.Logger
	channels        []domain.Channel
	exitOnChannel   bool
	shutdownTimeout time.Duration
}

type Config struct {
	Bus        domain.MessageBus
	Dispatcher *Dispatcher
	Events     *bus.EventBus // optional
	Logger     *slog.Logger
	// ExitOnChannelDone stops the whole gateway as soon as any channel's
	// Start returns. Used by interactive mode where the CLI owns the session.
	ExitOnChannelDone bool
	ShutdownTimeout   time.Duration
}

func New(cfg Config) *Gateway {
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Gateway{
		bus:             cfg.Bus,
		dispatcher:      cfg.Dispatcher,
		events:          cfg.Events,
		logger:          cfg.Logger,
		exitOnChannel:   cfg.ExitOnChannelDone,
		shutdownTimeout: cfg.ShutdownTimeout,
	}
}

// Register adds a channel. Channels must be registered before Run.
func (g *Gateway) Register(ch domain.Channel) {
	g.channels = append(g.channels, ch)
}

// Channels returns the names of the registered channels.
func (g *Gateway) Channels() []string {
	names := make([]string, 0, len(g.channels))
	for _, ch := range g.channels {
		names = append(names, ch.Name())
	}
	return names
}

// Run starts the dispatcher and every channel, blocks until ctx is
// cancelled (or, with ExitOnChannelDone, until a channel finishes) and then
// shuts everything down. A channel that fails to start is logged and does
// not bring the other channels down.
//
// Shutdown lets the channels finish first while the dispatcher keeps
// answering, then closes the bus so the dispatcher drains what is left.
func (g *Gateway) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	dispatchCtx, stopDispatch := context.WithCancel(context.WithoutCancel(ctx))
	defer stopDispatch()
	dispatchDone := make(chan error, 1)
	go func() {
		err := g.dispatcher.Run(dispatchCtx)
		if err != nil {
			cancel()
		}
		dispatchDone <- err
	}()

	eg, egCtx := errgroup.WithContext(ctx)
	for _, ch := range g.channels {
		eg.Go(func() error {
			g.emit(bus.EventChannelStarted, ch.Name(), nil)
			err := ch.Start(egCtx, g.bus)
			g.emit(bus.EventChannelStopped, ch.Name(), err)
			if err != nil {
				g.logger.Error("channel error", "channel", ch.Name(), "err", err)
			}
			if g.exitOnChannel {
				cancel()
			}
			return nil
		})
	}

	g.logger.Info("gateway started", "channels", g.Channels())

	<-egCtx.Done()
	g.logger.Info("shutting down gateway")

	done := make(chan error, 1)
	go func() {
		err := eg.Wait()
		for _, ch := range g.channels {
			if serr := ch.Stop(); serr != nil {
				g.logger.Warn("channel stop failed", "channel", ch.Name(), "err", serr)
			}
		}
		g.bus.Close()
		if derr := <-dispatchDone; err == nil {
			err = derr
		}
		done <- err
	}()

	timer := time.NewTimer(g.shutdownTimeout)
	defer timer.Stop()

	select {
	case err := <-done:
		g.logger.Info("shutdown complete")
		return err
	case <-timer.C:
		g.logger.Warn("shutdown timed out, forcing exit", "timeout", g.shutdownTimeout)
		return ErrShutdownTimeout
	}
}

func (g *Gateway) emit(eventType, channel string, err error) {
	if g.events == nil {
		return
	}
	payload := map[string]any{"channel": channel}
	if err != nil {
		payload["error"] = err.Error()
	}
	g.events.Emit(bus.Event{Type: eventType, Source: "gateway", Payload: payload})
}
