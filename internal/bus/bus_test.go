package bus

import (
	"context"
	"errors"
	"testing"
	"time"

	"echobot/internal/domain"
)

func TestInMemoryBus_PublishSubscribe(t *testing.T) {
	b := New(4, testLogger())
	defer b.Close()

	if err := b.Publish(domain.InboundMessage{Channel: "cli", ChatID: "direct", Content: "hi"}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case msg := <-b.Subscribe():
		if msg.Content != "hi" || msg.Channel != "cli" {
			t.Fatalf("unexpected message: %+v", msg)
		}
		if msg.Timestamp.IsZero() {
			t.Error("timestamp should be filled in on publish")
		}
	case <-time.After(time.Second):
		t.Fatal("message not delivered")
	}
}

func TestInMemoryBus_PublishAfterClose(t *testing.T) {
	b := New(1, testLogger())
	b.Close()
	b.Close() // idempotent

	err := b.Publish(domain.InboundMessage{Channel: "cli"})
	if !errors.Is(err, domain.ErrBusClosed) {
		t.Fatalf("expected ErrBusClosed, got %v", err)
	}
}

func TestInMemoryBus_PublishTimesOutWhenFull(t *testing.T) {
	b := New(1, testLogger())
	b.publishTimeout = 20 * time.Millisecond
	defer b.Close()

	if err := b.Publish(domain.InboundMessage{Channel: "cli", Content: "1"}); err != nil {
		t.Fatalf("first publish: %v", err)
	}
	if err := b.Publish(domain.InboundMessage{Channel: "cli", Content: "2"}); err == nil {
		t.Fatal("expected error when bus stays full")
	}
}

func TestInMemoryBus_SendOutboundRoutesByChannel(t *testing.T) {
	b := New(1, testLogger())
	defer b.Close()

	var gotWeb, gotCLI []string
	b.OnOutbound("web", func(ctx context.Context, msg domain.OutboundMessage) error {
		gotWeb = append(gotWeb, msg.Content)
		return nil
	})
	b.OnOutbound("cli", func(ctx context.Context, msg domain.OutboundMessage) error {
		gotCLI = append(gotCLI, msg.Content)
		return nil
	})

	if err := b.SendOutbound(context.Background(), domain.OutboundMessage{Channel: "web", Content: "w"}); err != nil {
		t.Fatal(err)
	}
	if err := b.SendOutbound(context.Background(), domain.OutboundMessage{Channel: "cli", Content: "c"}); err != nil {
		t.Fatal(err)
	}

	if len(gotWeb) != 1 || gotWeb[0] != "w" {
		t.Errorf("web got %v", gotWeb)
	}
	if len(gotCLI) != 1 || gotCLI[0] != "c" {
		t.Errorf("cli got %v", gotCLI)
	}
}

func TestInMemoryBus_SendOutboundUnknownChannel(t *testing.T) {
	b := New(1, testLogger())
	defer b.Close()

	err := b.SendOutbound(context.Background(), domain.OutboundMessage{Channel: "nowhere"})
	if !errors.Is(err, domain.ErrNoOutboundHandler) {
		t.Fatalf("expected ErrNoOutboundHandler, got %v", err)
	}
}

func TestInMemoryBus_SendOutboundReturnsHandlerError(t *testing.T) {
	b := New(1, testLogger())
	defer b.Close()

	want := errors.New("transport down")
	b.OnOutbound("web", func(ctx context.Context, msg domain.OutboundMessage) error { return want })

	if err := b.SendOutbound(context.Background(), domain.OutboundMessage{Channel: "web"}); !errors.Is(err, want) {
		t.Fatalf("expected handler error, got %v", err)
	}
}
