package notify

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait    = 10 * time.Second
	clientBuffer = 64
	pingInterval = 30 * time.Second
)

// WSHub broadcasts events as JSON to connected websocket clients. This
// is how confirmation prompts and streaming output reach a browser UI.
type WSHub struct {
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*wsClient]struct{}
}

type wsClient struct {
	conn *websocket.Conn
	send chan Event
}

// NewWSHub creates a websocket hub.
func NewWSHub(logger *slog.Logger) *WSHub {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSHub{
		logger: logger.With("component", "wshub"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients: make(map[*wsClient]struct{}),
	}
}

// ServeHTTP upgrades the request and streams events until the client
// disconnects.
func (h *WSHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan Event, clientBuffer),
	}

	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()
	h.logger.Debug("websocket client connected", "remote", conn.RemoteAddr())

	go h.writeLoop(client)
	h.readLoop(client)
}

// Emit broadcasts the event to every connected client, dropping it for
// clients whose send buffer is full.
func (h *WSHub) Emit(ctx context.Context, e Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		select {
		case client.send <- e:
		default:
			// Slow client - drop rather than block the run loop
		}
	}
}

// Close disconnects all clients.
func (h *WSHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
}

func (h *WSHub) remove(client *wsClient) {
	h.mu.Lock()
	if _, ok := h.clients[client]; ok {
		close(client.send)
		delete(h.clients, client)
	}
	h.mu.Unlock()
	client.conn.Close()
}

func (h *WSHub) writeLoop(client *wsClient) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case e, ok := <-client.send:
			if !ok {
				client.conn.WriteControl(websocket.CloseMessage, nil, time.Now().Add(writeWait))
				return
			}
			client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteJSON(e); err != nil {
				h.logger.Debug("websocket write failed", "error", err)
				return
			}
		case <-ticker.C:
			if err := client.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

// readLoop discards inbound frames; it exists to detect disconnects.
func (h *WSHub) readLoop(client *wsClient) {
	defer h.remove(client)

	client.conn.SetReadLimit(4096)
	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			return
		}
	}
}
