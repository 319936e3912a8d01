package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"echobot/internal/domain"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const wsWriteTimeout = 10 * time.Second

// WSConfig configures the WebSocket channel.
type WSConfig struct {
	Host   string
	Port   int
	Path   string // WebSocket endpoint path (default: /ws)
	Logger *slog.Logger
	// AllowedOrigins restricts the Origin header; empty allows all.
	AllowedOrigins []string
}

// WebSocketChannel provides real-time bidirectional communication.
type WebSocketChannel struct {
	host     string
	port     int
	path     string
	bus      domain.MessageBus
	logger   *slog.Logger
	upgrader websocket.Upgrader

	serverMu sync.Mutex
	server   *http.Server

	mu      sync.RWMutex
	clients map[string]*wsClient
}

// wsClient tracks a connected WebSocket client.
type wsClient struct {
	conn   *websocket.Conn
	chatID string
	mu     sync.Mutex
}

// WSMessage is the JSON protocol for WebSocket communication.
// Content is a pointer so a missing field can be told apart from "".
type WSMessage struct {
	Type    string  `json:"type"` // "message" | "status" | "error" | "typing"
	Content *string `json:"content,omitempty"`
	ChatID  string  `json:"chat_id,omitempty"`
	UserID  string  `json:"user_id,omitempty"`
}

var errNoWSClient = errors.New("no websocket client for chat")

// NewWebSocketChannel creates a new WebSocket channel.
func NewWebSocketChannel(cfg WSConfig) *WebSocketChannel {
	if cfg.Path == "" {
		cfg.Path = "/ws"
	}
	if cfg.Port == 0 {
		cfg.Port = 8081
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	ws := &WebSocketChannel{
		host:    cfg.Host,
		port:    cfg.Port,
		path:    cfg.Path,
		logger:  cfg.Logger,
		clients: make(map[string]*wsClient),
	}
	ws.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(cfg.AllowedOrigins),
	}
	return ws
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		_, ok := set[r.Header.Get("Origin")]
		return ok
	}
}

func (ws *WebSocketChannel) Name() string { return "websocket" }

// SetBus attaches the bus and registers the outbound handler.
func (ws *WebSocketChannel) SetBus(b domain.MessageBus) {
	ws.bus = b
	b.OnOutbound(ws.Name(), func(ctx context.Context, msg domain.OutboundMessage) error {
		return ws.Send(ctx, msg.ChatID, msg.Content)
	})
}

// Handler returns the upgrade endpoint mounted at the configured path.
func (ws *WebSocketChannel) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(ws.path, ws.handleUpgrade)
	return mux
}

// Start begins the WebSocket server.
func (ws *WebSocketChannel) Start(ctx context.Context, b domain.MessageBus) error {
	ws.SetBus(b)

	srv := &http.Server{
		Addr:              net.JoinHostPort(ws.host, strconv.Itoa(ws.port)),
		Handler:           ws.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	ws.serverMu.Lock()
	ws.server = srv
	ws.serverMu.Unlock()

	ws.logger.Info("websocket server starting", "port", ws.port, "path", ws.path)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		ws.closeAllClients()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return fmt.Errorf("websocket server: %w", err)
	}
}

func (ws *WebSocketChannel) Stop() error {
	ws.closeAllClients()
	ws.serverMu.Lock()
	defer ws.serverMu.Unlock()
	if ws.server != nil {
		return ws.server.Close()
	}
	return nil
}

// Send writes a reply frame to every client attached to chatID.
func (ws *WebSocketChannel) Send(ctx context.Context, chatID string, content string) error {
	return ws.broadcastToChat(chatID, WSMessage{
		Type:    "message",
		Content: &content,
		ChatID:  chatID,
	})
}

func (ws *WebSocketChannel) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := ws.upgrader.Upgrade(w, r, nil)
	if err != nil {
		ws.logger.Error("websocket upgrade failed", "err", err)
		return
	}

	chatID := r.URL.Query().Get("chat_id")
	if chatID == "" {
		chatID = "ws-" + uuid.NewString()
	}

	client := &wsClient{
		conn:   conn,
		chatID: chatID,
	}

	clientID := uuid.NewString()
	ws.mu.Lock()
	ws.clients[clientID] = client
	ws.mu.Unlock()

	ws.logger.Info("websocket client connected", "client_id", clientID, "chat_id", chatID)

	defer func() {
		ws.mu.Lock()
		delete(ws.clients, clientID)
		ws.mu.Unlock()
		conn.Close()
		ws.logger.Info("websocket client disconnected", "client_id", clientID)
	}()

	if err := client.send(WSMessage{Type: "status", Content: strPtr("connected"), ChatID: chatID}); err != nil {
		return
	}

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				ws.logger.Error("websocket read error", "err", err)
			}
			return
		}

		var wsMsg WSMessage
		if err := json.Unmarshal(raw, &wsMsg); err != nil {
			ws.logger.Warn("invalid websocket message", "err", err)
			_ = client.send(WSMessage{Type: "error", Content: strPtr("invalid JSON frame"), ChatID: chatID})
			continue
		}

		switch wsMsg.Type {
		case "message":
			if wsMsg.Content == nil {
				_ = client.send(WSMessage{Type: "error", Content: strPtr("missing content field"), ChatID: chatID})
				continue
			}
			if err := ws.bus.Publish(domain.InboundMessage{
				Channel:   ws.Name(),
				ChatID:    chatID,
				SenderID:  wsMsg.UserID,
				Content:   *wsMsg.Content,
				Timestamp: time.Now(),
			}); err != nil {
				ws.logger.Warn("websocket publish failed", "chat_id", chatID, "err", err)
				_ = client.send(WSMessage{Type: "error", Content: strPtr(err.Error()), ChatID: chatID})
			}

		case "typing":
			ws.logger.Debug("typing indicator", "chat_id", chatID, "user_id", wsMsg.UserID)

		default:
			_ = client.send(WSMessage{Type: "error", Content: strPtr("unknown frame type: " + wsMsg.Type), ChatID: chatID})
		}
	}
}

func (ws *WebSocketChannel) broadcastToChat(chatID string, msg WSMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}

	ws.mu.RLock()
	defer ws.mu.RUnlock()

	var (
		delivered int
		lastErr   error
	)
	for _, client := range ws.clients {
		if client.chatID != chatID {
			continue
		}
		if err := client.write(data); err != nil {
			ws.logger.Debug("websocket write failed", "chat_id", chatID, "err", err)
			lastErr = err
			continue
		}
		delivered++
	}
	if delivered > 0 {
		return nil
	}
	if lastErr != nil {
		return fmt.Errorf("websocket write: %w", lastErr)
	}
	return fmt.Errorf("%w: %s", errNoWSClient, chatID)
}

func (c *wsClient) send(msg WSMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return c.write(data)
}

func (c *wsClient) write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (ws *WebSocketChannel) closeAllClients() {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	for id, client := range ws.clients {
		client.conn.Close()
		delete(ws.clients, id)
	}
}

func strPtr(s string) *string { return &s }
