package channel

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"embed"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	htmltemplate "html/template"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"echobot/internal/bus"
	"echobot/internal/domain"
	"echobot/internal/metrics"

	"github.com/google/uuid"
)

const (
	maxFormSize       = 1 << 20
	webReplyTimeout   = 30 * time.Second
	sessionCookieName = "echobot_session"
	sessionMaxAge     = 86400 * 30
)

//go:embed web_templates/*.html
var templateFS embed.FS

// errSessionGone is returned when a reply targets a web session that has
// neither a pending request nor an open event stream.
var errSessionGone = errors.New("web session not connected")

// Web implements domain.Channel for the browser chat UI.
type Web struct {
	host            string
	port            int
	bus             domain.MessageBus
	events          *bus.EventBus
	logger          *slog.Logger
	server          *http.Server
	tmpl            *htmltemplate.Template
	version         string
	metricsEndpoint string

	authEnabled  bool
	authUser     string
	authPassHash string

	// SSE clients keyed by session ID
	sseClients   map[string]chan string
	sseClientsMu sync.RWMutex

	// Pending /chat/send requests keyed by request ID
	pending   map[string]*pendingReply
	pendingMu sync.Mutex

	serverMu sync.Mutex
}

type WebConfig struct {
	Host   string
	Port   int
	Logger *slog.Logger
	// Events is optional; when set /status reports the event history size.
	Events  *bus.EventBus
	Version string
	// MetricsEndpoint mounts the Prometheus handler when non-empty.
	MetricsEndpoint string

	AuthEnabled      bool
	AuthUsername     string
	AuthPasswordHash string // hex SHA-256 of the password
}

func NewWeb(cfg WebConfig) *Web {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Web{
		host:            cfg.Host,
		port:            cfg.Port,
		events:          cfg.Events,
		logger:          cfg.Logger,
		tmpl:            htmltemplate.Must(htmltemplate.ParseFS(templateFS, "web_templates/*.html")),
		version:         cfg.Version,
		metricsEndpoint: cfg.MetricsEndpoint,
		authEnabled:     cfg.AuthEnabled,
		authUser:        cfg.AuthUsername,
		authPassHash:    cfg.AuthPasswordHash,
		sseClients:      make(map[string]chan string),
		pending:         make(map[string]*pendingReply),
	}
}

func (w *Web) Name() string { return "web" }

// SetBus attaches the bus and registers the outbound handler without
// starting the HTTP server.
func (w *Web) SetBus(b domain.MessageBus) {
	w.bus = b
	b.OnOutbound(w.Name(), w.deliver)
}

// deliver routes a reply to the /chat/send request that produced it, or to
// the session's event stream when that request is gone.
func (w *Web) deliver(ctx context.Context, msg domain.OutboundMessage) error {
	w.pendingMu.Lock()
	p, ok := w.pending[msg.ReplyTo]
	if ok && p.chatID == msg.ChatID {
		select {
		case p.reply <- msg.Content:
			w.pendingMu.Unlock()
			return nil
		default:
		}
	}
	w.pendingMu.Unlock()

	if !w.sendSSE(msg.ChatID, msg.Content) {
		return fmt.Errorf("%w: %s", errSessionGone, msg.ChatID)
	}
	return nil
}

// Handler builds the HTTP routes of the chat UI.
func (w *Web) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", w.requireAuth(w.handleChat))
	mux.HandleFunc("POST /chat/send", w.requireAuth(w.handleSend))
	mux.HandleFunc("GET /chat/stream", w.requireAuth(w.handleSSE))
	mux.HandleFunc("POST /chat/clear", w.requireAuth(w.handleClear))
	mux.HandleFunc("GET /status", w.handleStatus)
	if w.metricsEndpoint != "" {
		mux.HandleFunc("GET "+w.metricsEndpoint, w.requireAuth(metrics.Collector.Handler()))
	}
	return mux
}

// Start serves the chat UI until ctx is cancelled.
func (w *Web) Start(ctx context.Context, b domain.MessageBus) error {
	w.SetBus(b)

	addr := net.JoinHostPort(w.host, strconv.Itoa(w.port))
	srv := &http.Server{
		Addr:              addr,
		Handler:           w.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	w.serverMu.Lock()
	w.server = srv
	w.serverMu.Unlock()

	w.logger.Info("web UI started", "addr", "http://"+addr, "auth", w.authEnabled)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("web server: %w", err)
	}
	return nil
}

func (w *Web) Stop() error {
	w.serverMu.Lock()
	defer w.serverMu.Unlock()
	if w.server != nil {
		return w.server.Close()
	}
	return nil
}

func (w *Web) Send(ctx context.Context, chatID string, content string) error {
	if !w.sendSSE(chatID, content) {
		return fmt.Errorf("%w: %s", errSessionGone, chatID)
	}
	return nil
}

// requireAuth wraps a handler with HTTP Basic Auth when auth is enabled.
func (w *Web) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !w.authEnabled {
			next(rw, r)
			return
		}
		user, pass, ok := r.BasicAuth()
		if !ok || !w.checkCredentials(user, pass) {
			rw.Header().Set("WWW-Authenticate", `Basic realm="echobot"`)
			http.Error(rw, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(rw, r)
	}
}

func (w *Web) checkCredentials(user, pass string) bool {
	if subtle.ConstantTimeCompare([]byte(user), []byte(w.authUser)) != 1 {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(HashPassword(pass)), []byte(w.authPassHash)) == 1
}

// HashPassword returns the hex SHA-256 digest stored in channels.web.auth.passwordHash.
func HashPassword(pass string) string {
	sum := sha256.Sum256([]byte(pass))
	return hex.EncodeToString(sum[:])
}

// session returns the session ID from the cookie, creating one if needed.
func (w *Web) session(rw http.ResponseWriter, r *http.Request) string {
	if cookie, err := r.Cookie(sessionCookieName); err == nil && cookie.Value != "" {
		return cookie.Value
	}

	sessionID := "web_" + uuid.NewString()
	http.SetCookie(rw, &http.Cookie{
		Name:     sessionCookieName,
		Value:    sessionID,
		Path:     "/",
		MaxAge:   sessionMaxAge,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	w.logger.Info("new web session created", "session", sessionID)
	return sessionID
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json; charset=utf-8")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(v)
}

func (w *Web) handleChat(rw http.ResponseWriter, r *http.Request) {
	w.session(rw, r)
	rw.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := w.tmpl.ExecuteTemplate(rw, "chat.html", map[string]any{
		"Title":   "echobot",
		"Version": w.version,
	}); err != nil {
		w.logger.Error("template error", "template", "chat", "err", err)
	}
}

// handleSend publishes the "message" form field and waits for the reply.
// The field may be empty but must be present.
func (w *Web) handleSend(rw http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxFormSize); err != nil && !errors.Is(err, http.ErrNotMultipart) {
		writeJSON(rw, http.StatusBadRequest, map[string]string{"error": "invalid form: " + err.Error()})
		return
	}
	values, ok := r.Form["message"]
	if !ok || len(values) == 0 {
		writeJSON(rw, http.StatusBadRequest, map[string]string{"error": "missing message field"})
		return
	}
	message := values[0]

	sessionID := w.session(rw, r)

	reqID := uuid.NewString()
	replyCh := make(chan string, 1)
	w.pendingMu.Lock()
	w.pending[reqID] = &pendingReply{chatID: sessionID, reply: replyCh}
	w.pendingMu.Unlock()
	defer func() {
		w.pendingMu.Lock()
		delete(w.pending, reqID)
		w.pendingMu.Unlock()
	}()

	if err := w.bus.Publish(domain.InboundMessage{
		ID:        reqID,
		Channel:   w.Name(),
		ChatID:    sessionID,
		SenderID:  "web_user",
		Content:   message,
		Timestamp: time.Now(),
	}); err != nil {
		writeJSON(rw, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}

	timer := time.NewTimer(webReplyTimeout)
	defer timer.Stop()
	select {
	case reply := <-replyCh:
		writeJSON(rw, http.StatusOK, map[string]string{"content": reply})
	case <-timer.C:
		writeJSON(rw, http.StatusGatewayTimeout, map[string]string{"error": "request timed out"})
	case <-r.Context().Done():
		w.logger.Info("web client disconnected", "session", sessionID)
	}
}

func (w *Web) handleClear(rw http.ResponseWriter, r *http.Request) {
	http.SetCookie(rw, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
	})
	writeJSON(rw, http.StatusOK, map[string]string{"status": "session cleared"})
}

func (w *Web) handleSSE(rw http.ResponseWriter, r *http.Request) {
	flusher, ok := rw.(http.Flusher)
	if !ok {
		http.Error(rw, "SSE not supported", http.StatusInternalServerError)
		return
	}

	sessionID := w.session(rw, r)

	rw.Header().Set("Content-Type", "text/event-stream")
	rw.Header().Set("Cache-Control", "no-cache")
	rw.Header().Set("Connection", "keep-alive")
	flusher.Flush()

	ch := make(chan string, 10)
	w.sseClientsMu.Lock()
	w.sseClients[sessionID] = ch
	w.sseClientsMu.Unlock()

	defer func() {
		w.sseClientsMu.Lock()
		if existing, ok := w.sseClients[sessionID]; ok && existing == ch {
			delete(w.sseClients, sessionID)
		}
		w.sseClientsMu.Unlock()
	}()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-ch:
			data, _ := json.Marshal(map[string]string{"content": msg})
			fmt.Fprintf(rw, "data: %s\n\n", data)
			flusher.Flush()
		}
	}
}

func (w *Web) handleStatus(rw http.ResponseWriter, r *http.Request) {
	status := map[string]any{
		"status":  "ok",
		"version": w.version,
		"uptime":  int64(metrics.Collector.Uptime().Seconds()),
		"time":    time.Now().Format(time.RFC3339),
	}
	if w.events != nil {
		status["events"] = w.events.HistoryLen()
	}
	writeJSON(rw, http.StatusOK, status)
}

// sendSSE reports whether the session had an open stream to deliver to.
func (w *Web) sendSSE(sessionID string, content string) bool {
	w.sseClientsMu.RLock()
	ch, ok := w.sseClients[sessionID]
	w.sseClientsMu.RUnlock()
	if !ok {
		return false
	}
	select {
	case ch <- content:
		return true
	default:
		return false
	}
}
