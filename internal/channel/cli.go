package channel

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"echobot/internal/domain"
)

const (
	cliChatID       = "direct"
	cliReplyTimeout = 10 * time.Second
)

// CLI implements domain.Channel for interactive terminal chat.
type CLI struct {
	bus     domain.MessageBus
	logger  *slog.Logger
	in      io.Reader
	out     io.Writer
	outMu   sync.Mutex
	replies chan struct{}
	quiet   bool
}

type CLIConfig struct {
	Logger *slog.Logger
	In     io.Reader
	Out    io.Writer
	// Quiet suppresses the banner and "You> " prompts, for piped input.
	Quiet bool
}

func NewCLI(cfg CLIConfig) *CLI {
	if cfg.In == nil {
		cfg.In = os.Stdin
	}
	if cfg.Out == nil {
		cfg.Out = os.Stdout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &CLI{
		logger:  cfg.Logger,
		in:      cfg.In,
		out:     cfg.Out,
		replies: make(chan struct{}, 1),
		quiet:   cfg.Quiet,
	}
}

func (c *CLI) Name() string { return "cli" }

// Start runs the REPL and blocks until EOF, a quit command, or ctx is
// cancelled. Every line is published verbatim, including empty lines.
func (c *CLI) Start(ctx context.Context, bus domain.MessageBus) error {
	c.bus = bus

	bus.OnOutbound(c.Name(), func(ctx context.Context, msg domain.OutboundMessage) error {
		err := c.Send(ctx, msg.ChatID, msg.Content)
		select {
		case c.replies <- struct{}{}:
		default:
		}
		return err
	})

	if !c.quiet {
		c.write("echobot CLI. Type a message and press Enter. Type /quit to exit.\n")
	}

	scanner := bufio.NewScanner(c.in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for {
		if !c.quiet {
			c.write("You> ")
		}

		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				return fmt.Errorf("read stdin: %w", err)
			}
			return nil
		}

		line := scanner.Text()
		switch line {
		case "/quit", "/exit", "/q":
			c.logger.Info("user requested quit")
			return nil
		}

		if err := c.bus.Publish(domain.InboundMessage{
			Channel:   c.Name(),
			ChatID:    cliChatID,
			SenderID:  "user",
			Content:   line,
			Timestamp: time.Now(),
		}); err != nil {
			return fmt.Errorf("publish: %w", err)
		}

		c.waitReply(ctx)
	}
}

// waitReply keeps the prompt from interleaving with the bot's answer.
func (c *CLI) waitReply(ctx context.Context) {
	timer := time.NewTimer(cliReplyTimeout)
	defer timer.Stop()
	select {
	case <-c.replies:
	case <-timer.C:
		c.logger.Warn("no reply within timeout", "timeout", cliReplyTimeout)
	case <-ctx.Done():
	}
}

func (c *CLI) write(s string) {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	_, _ = io.WriteString(c.out, s)
}

// Stop is a no-op; the REPL exits when Start returns.
func (c *CLI) Stop() error { return nil }

func (c *CLI) Send(ctx context.Context, chatID string, content string) error {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	_, err := fmt.Fprintf(c.out, "Bot> %s\n", content)
	return err
}
