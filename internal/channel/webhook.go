package channel

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"echobot/internal/domain"

	"github.com/google/uuid"
)

const webhookReplyTimeout = 30 * time.Second

var errNoPendingRequest = errors.New("no pending webhook request")

// WebhookConfig configures the webhook channel.
type WebhookConfig struct {
	Host   string
	Port   int
	Path   string // webhook URL path (default: /webhook)
	Secret string // HMAC secret for verifying webhook signatures
	Logger *slog.Logger
}

// Webhook accepts HTTP POST requests and answers each one with the bot's
// reply in the response body.
type Webhook struct {
	host   string
	port   int
	path   string
	secret string
	bus    domain.MessageBus
	logger *slog.Logger

	serverMu sync.Mutex
	server   *http.Server

	// Pending requests keyed by request ID
	pendingMu sync.Mutex
	pending   map[string]*pendingReply
}

// pendingReply is an HTTP request waiting for the reply to its message.
type pendingReply struct {
	chatID string
	reply  chan string
}

// WebhookPayload is the expected JSON body for webhook requests.
type WebhookPayload struct {
	ChatID  string  `json:"chat_id"` // target chat/conversation ID
	UserID  string  `json:"user_id"` // sender identifier
	Content *string `json:"content"` // message content, required
}

// WebhookResponse is the JSON body returned for an accepted request.
type WebhookResponse struct {
	ChatID  string `json:"chat_id"`
	Content string `json:"content"`
}

// NewWebhook creates a new webhook channel handler.
func NewWebhook(cfg WebhookConfig) *Webhook {
	if cfg.Path == "" {
		cfg.Path = "/webhook"
	}
	if cfg.Port == 0 {
		cfg.Port = 9090
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Webhook{
		host:    cfg.Host,
		port:    cfg.Port,
		path:    cfg.Path,
		secret:  cfg.Secret,
		logger:  cfg.Logger,
		pending: make(map[string]*pendingReply),
	}
}

func (w *Webhook) Name() string { return "webhook" }

// SetBus attaches the bus and registers the outbound handler.
func (w *Webhook) SetBus(b domain.MessageBus) {
	w.bus = b
	b.OnOutbound(w.Name(), w.deliver)
}

// deliver hands a reply to the request whose message it answers.
func (w *Webhook) deliver(ctx context.Context, msg domain.OutboundMessage) error {
	w.pendingMu.Lock()
	defer w.pendingMu.Unlock()
	p, ok := w.pending[msg.ReplyTo]
	if !ok || p.chatID != msg.ChatID {
		return fmt.Errorf("%w: %s", errNoPendingRequest, msg.ChatID)
	}
	select {
	case p.reply <- msg.Content:
		return nil
	default:
		return fmt.Errorf("%w: %s already answered", errNoPendingRequest, msg.ChatID)
	}
}

func (w *Webhook) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(w.path, w.handleWebhook)
	return mux
}

// Start begins the webhook HTTP server.
func (w *Webhook) Start(ctx context.Context, b domain.MessageBus) error {
	w.SetBus(b)

	srv := &http.Server{
		Addr:              net.JoinHostPort(w.host, strconv.Itoa(w.port)),
		Handler:           w.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	w.serverMu.Lock()
	w.server = srv
	w.serverMu.Unlock()

	w.logger.Info("webhook server starting", "port", w.port, "path", w.path)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		w.logger.Info("webhook server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return fmt.Errorf("webhook server: %w", err)
	}
}

func (w *Webhook) Stop() error {
	w.serverMu.Lock()
	defer w.serverMu.Unlock()
	if w.server != nil {
		return w.server.Close()
	}
	return nil
}

// Send hands content to the request waiting on chatID. It fails unless
// exactly one request for that chat is waiting.
func (w *Webhook) Send(ctx context.Context, chatID string, content string) error {
	w.pendingMu.Lock()
	var reqID string
	waiting := 0
	for id, p := range w.pending {
		if p.chatID == chatID {
			reqID = id
			waiting++
		}
	}
	w.pendingMu.Unlock()
	if waiting != 1 {
		return fmt.Errorf("%w: %s has %d waiting requests", errNoPendingRequest, chatID, waiting)
	}
	return w.deliver(ctx, domain.OutboundMessage{
		Channel: w.Name(),
		ChatID:  chatID,
		Content: content,
		ReplyTo: reqID,
	})
}

func (w *Webhook) handleWebhook(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(rw, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20)) // 1MB max
	if err != nil {
		http.Error(rw, "Bad Request", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	if w.secret != "" {
		sig := r.Header.Get("X-Signature-256")
		if sig == "" {
			http.Error(rw, "Missing signature", http.StatusUnauthorized)
			return
		}
		if !verifyHMAC(body, w.secret, sig) {
			http.Error(rw, "Invalid signature", http.StatusForbidden)
			return
		}
	}

	var payload WebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		http.Error(rw, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if payload.Content == nil {
		http.Error(rw, "Content is required", http.StatusBadRequest)
		return
	}
	if payload.ChatID == "" {
		payload.ChatID = "webhook-default"
	}
	if payload.UserID == "" {
		payload.UserID = "webhook"
	}

	w.logger.Info("webhook received",
		"chat_id", payload.ChatID,
		"user_id", payload.UserID,
		"content_len", len(*payload.Content),
	)

	reqID := uuid.NewString()
	replyCh := make(chan string, 1)
	w.pendingMu.Lock()
	w.pending[reqID] = &pendingReply{chatID: payload.ChatID, reply: replyCh}
	w.pendingMu.Unlock()
	defer func() {
		w.pendingMu.Lock()
		delete(w.pending, reqID)
		w.pendingMu.Unlock()
	}()

	if err := w.bus.Publish(domain.InboundMessage{
		ID:        reqID,
		Channel:   w.Name(),
		ChatID:    payload.ChatID,
		SenderID:  payload.UserID,
		Content:   *payload.Content,
		Timestamp: time.Now(),
	}); err != nil {
		http.Error(rw, err.Error(), http.StatusServiceUnavailable)
		return
	}

	timer := time.NewTimer(webhookReplyTimeout)
	defer timer.Stop()
	select {
	case reply := <-replyCh:
		writeJSON(rw, http.StatusOK, WebhookResponse{ChatID: payload.ChatID, Content: reply})
	case <-timer.C:
		http.Error(rw, "Timed out waiting for reply", http.StatusGatewayTimeout)
	case <-r.Context().Done():
	}
}

// verifyHMAC verifies the HMAC-SHA256 signature of the body.
func verifyHMAC(body []byte, secret, signature string) bool {
	return hmac.Equal([]byte(SignPayload(body, secret)), []byte(signature))
}

// SignPayload returns the X-Signature-256 header value for body.
func SignPayload(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
