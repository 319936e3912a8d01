package channel

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"echobot/internal/bus"
	"echobot/internal/echo"
	"echobot/internal/gateway"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startEcho runs a dispatcher with the echo handler on a fresh bus until the
// test ends.
func startEcho(t *testing.T) *bus.InMemoryBus {
	t.Helper()
	b := bus.New(16, testLogger())
	runEcho(t, b)
	return b
}

// runEcho starts the echo dispatcher on b until the test ends.
func runEcho(t *testing.T, b *bus.InMemoryBus) {
	t.Helper()
	d := gateway.NewDispatcher(gateway.DispatcherConfig{
		Bus:     b,
		Handler: echo.NewHandler(echo.HandlerConfig{Sender: b, Logger: testLogger()}),
		Logger:  testLogger(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = d.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		b.Close()
	})
}
