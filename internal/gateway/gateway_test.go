package gateway

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"echobot/internal/bus"
	"echobot/internal/domain"
	"echobot/internal/echo"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedChannel publishes a fixed list of messages, records the replies
// and returns once all replies arrived (or ctx is cancelled).
type scriptedChannel struct {
	name     string
	inputs   []string
	startErr error

	mu      sync.Mutex
	replies []string
	stopped bool
}

func (s *scriptedChannel) Name() string { return s.name }

func (s *scriptedChannel) Start(ctx context.Context, b domain.MessageBus) error {
	if s.startErr != nil {
		return s.startErr
	}
	got := make(chan struct{}, len(s.inputs))
	b.OnOutbound(s.name, func(ctx context.Context, msg domain.OutboundMessage) error {
		s.mu.Lock()
		s.replies = append(s.replies, msg.Content)
		s.mu.Unlock()
		got <- struct{}{}
		return nil
	})
	for _, in := range s.inputs {
		if err := b.Publish(domain.InboundMessage{Channel: s.name, ChatID: "direct", Content: in}); err != nil {
			return err
		}
		select {
		case <-got:
		case <-ctx.Done():
			return nil
		}
	}
	return nil
}

func (s *scriptedChannel) Stop() error {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	return nil
}

func (s *scriptedChannel) Send(ctx context.Context, chatID, content string) error { return nil }

func newTestGateway(exitOnChannel bool) (*Gateway, *bus.EventBus) {
	b := bus.New(10, testLogger())
	events := bus.NewEventBus(testLogger())
	d := NewDispatcher(DispatcherConfig{Bus: b, Events: events, Logger: testLogger()})
	d.Handle(echo.NewHandler(echo.HandlerConfig{Sender: b, Logger: testLogger()}))
	return New(Config{
		Bus:               b,
		Dispatcher:        d,
		Events:            events,
		Logger:            testLogger(),
		ExitOnChannelDone: exitOnChannel,
		ShutdownTimeout:   2 * time.Second,
	}), events
}

func TestGateway_ExitOnChannelDone(t *testing.T) {
	gw, events := newTestGateway(true)
	ch := &scriptedChannel{name: "cli", inputs: []string{"one", "two"}}
	gw.Register(ch)

	require.NoError(t, gw.Run(context.Background()))

	assert.Equal(t, []string{"You said: one", "You said: two"}, ch.replies)
	assert.True(t, ch.stopped)
	assert.Len(t, events.Replay(bus.EventChannelStarted, time.Time{}), 1)
	assert.Len(t, events.Replay(bus.EventChannelStopped, time.Time{}), 1)
}

func TestGateway_FailingChannelDoesNotStopOthers(t *testing.T) {
	gw, events := newTestGateway(false)
	bad := &scriptedChannel{name: "telegram", startErr: errors.New("bad token")}
	good := &scriptedChannel{name: "web", inputs: []string{"hi"}}
	gw.Register(bad)
	gw.Register(good)
	assert.Equal(t, []string{"telegram", "web"}, gw.Channels())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- gw.Run(ctx) }()

	require.Eventually(t, func() bool {
		good.mu.Lock()
		defer good.mu.Unlock()
		return len(good.replies) == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("gateway did not shut down")
	}

	var sawError bool
	for _, e := range events.Replay(bus.EventChannelStopped, time.Time{}) {
		if e.Payload["channel"] == "telegram" {
			sawError = e.Payload["error"] == "bad token"
		}
	}
	assert.True(t, sawError, "telegram stop event should carry its error")
}

// burstChannel publishes all inputs at once and then waits for ctx.
type burstChannel struct {
	inputs    []string
	published chan struct{}

	mu      sync.Mutex
	replies []string
}

func (c *burstChannel) Name() string { return "burst" }

func (c *burstChannel) Start(ctx context.Context, b domain.MessageBus) error {
	b.OnOutbound(c.Name(), func(ctx context.Context, msg domain.OutboundMessage) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		c.mu.Lock()
		c.replies = append(c.replies, msg.Content)
		c.mu.Unlock()
		return nil
	})
	for _, in := range c.inputs {
		if err := b.Publish(domain.InboundMessage{Channel: c.Name(), ChatID: "s", Content: in}); err != nil {
			return err
		}
	}
	close(c.published)
	<-ctx.Done()
	return nil
}

func (c *burstChannel) Stop() error { return nil }

func (c *burstChannel) Send(ctx context.Context, chatID, content string) error { return nil }

func TestGateway_AnswersQueuedMessagesOnShutdown(t *testing.T) {
	b := bus.New(10, testLogger())
	d := NewDispatcher(DispatcherConfig{Bus: b, Logger: testLogger(), Concurrency: 1})
	echoHandler := echo.NewHandler(echo.HandlerConfig{Sender: b, Logger: testLogger()})
	d.Handle(domain.MessageHandlerFunc(func(ctx context.Context, msg domain.InboundMessage) error {
		time.Sleep(10 * time.Millisecond)
		return echoHandler.Handle(ctx, msg)
	}))
	gw := New(Config{Bus: b, Dispatcher: d, Logger: testLogger(), ShutdownTimeout: 2 * time.Second})

	ch := &burstChannel{inputs: []string{"a", "b", "c", "d"}, published: make(chan struct{})}
	gw.Register(ch)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- gw.Run(ctx) }()

	<-ch.published
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("gateway did not shut down")
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()
	assert.ElementsMatch(t, []string{"You said: a", "You said: b", "You said: c", "You said: d"}, ch.replies)
	assert.ErrorIs(t, b.Publish(domain.InboundMessage{Channel: "burst"}), domain.ErrBusClosed)
}
