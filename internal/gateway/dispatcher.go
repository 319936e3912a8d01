package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"echobot/internal/bus"
	"echobot/internal/domain"
	"echobot/internal/metrics"
	"echobot/internal/stats"
)

const (
	defaultConcurrency   = 5
	defaultHandleTimeout = 30 * time.Second
)

// StatsRecorder persists delivery counters. *stats.Store satisfies it.
type StatsRecorder interface {
	Record(ctx context.Context, channel string, kind stats.Kind) error
}

// Dispatcher is the gateway event loop: it takes inbound messages off the
// bus and hands each one to the registered message handler.
type Dispatcher struct {
	bus           domain.MessageBus
	handler       domain.MessageHandler
	events        *bus.EventBus
	stats         StatsRecorder
	logger        *slog.Logger
	concurrency   int
	handleTimeout time.Duration
}

// DispatcherConfig holds the dependencies of a Dispatcher. Events and
// Stats are optional.
type DispatcherConfig struct {
	Bus         domain.MessageBus
	Handler     domain.MessageHandler
	Events      *bus.EventBus
	Stats       StatsRecorder
	Logger      *slog.Logger
	Concurrency int // max messages handled in parallel

	// HandleTimeout bounds one handler call. Handlers keep running on
	// shutdown until they finish or this expires.
	HandleTimeout time.Duration
}

func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.HandleTimeout <= 0 {
		cfg.HandleTimeout = defaultHandleTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Dispatcher{
		bus:           cfg.Bus,
		handler:       cfg.Handler,
		events:        cfg.Events,
		stats:         cfg.Stats,
		logger:        cfg.Logger,
		concurrency:   cfg.Concurrency,
		handleTimeout: cfg.HandleTimeout,
	}
}

// Handle registers the message handler. It must be called before Run.
func (d *Dispatcher) Handle(h domain.MessageHandler) {
	d.handler = h
}

// Run consumes inbound messages with bounded concurrency until the bus is
// closed or ctx is cancelled. Every message already accepted by the bus is
// still handled: on cancellation the queue is drained first. Run returns
// after all in-flight messages finished.
func (d *Dispatcher) Run(ctx context.Context) error {
	if d.handler == nil {
		return fmt.Errorf("dispatcher: no message handler registered")
	}
	d.logger.Info("dispatcher started", "concurrency", d.concurrency)

	sem := make(chan struct{}, d.concurrency)
	var wg sync.WaitGroup
	defer wg.Wait()

	// Handlers outlive ctx so queued replies still reach their sessions.
	handleCtx := context.WithoutCancel(ctx)

	inbound := d.bus.Subscribe()
	for {
		select {
		case <-ctx.Done():
			n := d.drain(handleCtx, inbound, sem, &wg)
			d.logger.Info("dispatcher stopping", "drained", n)
			return nil
		case msg, ok := <-inbound:
			if !ok {
				d.logger.Info("inbound channel closed, dispatcher stopping")
				return nil
			}
			d.spawn(handleCtx, msg, sem, &wg)
		}
	}
}

// drain dispatches the messages still buffered in inbound.
func (d *Dispatcher) drain(ctx context.Context, inbound <-chan domain.InboundMessage, sem chan struct{}, wg *sync.WaitGroup) int {
	n := 0
	for {
		select {
		case msg, ok := <-inbound:
			if !ok {
				return n
			}
			d.spawn(ctx, msg, sem, wg)
			n++
		default:
			return n
		}
	}
}

// spawn waits for a free slot and handles msg in its own goroutine.
func (d *Dispatcher) spawn(ctx context.Context, msg domain.InboundMessage, sem chan struct{}, wg *sync.WaitGroup) {
	sem <- struct{}{}
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer func() { <-sem }()
		hctx, cancel := context.WithTimeout(ctx, d.handleTimeout)
		defer cancel()
		d.dispatch(hctx, msg)
	}()
}

// dispatch runs the handler for one message and accounts for the outcome.
// A failing or panicking handler only affects its own message.
func (d *Dispatcher) dispatch(ctx context.Context, msg domain.InboundMessage) {
	start := time.Now()
	d.logger.Info("message received",
		"channel", msg.Channel,
		"chat_id", msg.ChatID,
		"sender", msg.SenderID,
		"content_len", len(msg.Content),
	)
	metrics.MessagesReceived(msg.Channel).Inc()
	metrics.InflightMessages.Inc()
	defer metrics.InflightMessages.Dec()
	d.emit(bus.EventMessageReceived, msg, nil)
	d.record(ctx, msg.Channel, stats.Received)

	err := d.safeHandle(ctx, msg)
	metrics.HandleLatency.ObserveSince(start)

	if err != nil {
		d.logger.Error("message handling failed",
			"channel", msg.Channel,
			"chat_id", msg.ChatID,
			"err", err,
		)
		metrics.MessagesFailed(msg.Channel).Inc()
		d.emit(bus.EventMessageFailed, msg, err)
		d.record(ctx, msg.Channel, stats.Failed)
		return
	}

	metrics.MessagesSent(msg.Channel).Inc()
	d.emit(bus.EventMessageSent, msg, nil)
	d.record(ctx, msg.Channel, stats.Sent)
	d.logger.Debug("reply delivered",
		"channel", msg.Channel,
		"chat_id", msg.ChatID,
		"latency_ms", time.Since(start).Milliseconds(),
	)
}

func (d *Dispatcher) safeHandle(ctx context.Context, msg domain.InboundMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return d.handler.Handle(ctx, msg)
}

func (d *Dispatcher) emit(eventType string, msg domain.InboundMessage, err error) {
	if d.events == nil {
		return
	}
	payload := map[string]any{
		"channel": msg.Channel,
		"chat_id": msg.ChatID,
	}
	if err != nil {
		payload["error"] = err.Error()
	}
	d.events.Emit(bus.Event{Type: eventType, Source: "dispatcher", Payload: payload})
}

func (d *Dispatcher) record(ctx context.Context, channel string, kind stats.Kind) {
	if d.stats == nil {
		return
	}
	if err := d.stats.Record(ctx, channel, kind); err != nil {
		d.logger.Warn("failed to record stats", "channel", channel, "kind", kind.String(), "err", err)
	}
}
