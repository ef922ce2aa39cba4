package toolhost

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// SocketTransport speaks newline-delimited JSON-RPC over a TCP or unix
// socket to an already-running tool server.
type SocketTransport struct {
	config *ServerConfig
	logger *slog.Logger

	conn   net.Conn
	reader *bufio.Scanner
	connMu sync.Mutex // serializes writes

	pending   map[int64]chan *Response
	pendingMu sync.Mutex
	events    chan *Notification
	nextID    atomic.Int64

	connected atomic.Bool
	stopChan  chan struct{}
	wg        sync.WaitGroup
}

// NewSocketTransport creates a new socket transport.
func NewSocketTransport(cfg *ServerConfig) *SocketTransport {
	return &SocketTransport{
		config:   cfg,
		logger:   slog.Default().With("tool_server", cfg.ID, "transport", "socket"),
		pending:  make(map[int64]chan *Response),
		events:   make(chan *Notification, 100),
		stopChan: make(chan struct{}),
	}
}

// Connect dials the configured address.
func (t *SocketTransport) Connect(ctx context.Context) error {
	if t.config.Address == "" {
		return fmt.Errorf("address is required for socket transport")
	}

	network := t.config.Network
	if network == "" {
		network = "tcp"
	}

	dialer := net.Dialer{Timeout: 10 * time.Second}
	conn, err := dialer.DialContext(ctx, network, t.config.Address)
	if err != nil {
		return fmt.Errorf("dial %s %s: %w", network, t.config.Address, err)
	}

	t.conn = conn
	t.reader = bufio.NewScanner(conn)
	t.reader.Buffer(make([]byte, 1024*1024), 1024*1024) // 1MB buffer

	t.connected.Store(true)
	t.logger.Info("connected to tool server socket",
		"network", network,
		"address", t.config.Address)

	t.wg.Add(1)
	go t.readLoop()

	return nil
}

// Close closes the socket.
func (t *SocketTransport) Close() error {
	t.connected.Store(false)
	close(t.stopChan)

	if t.conn != nil {
		t.conn.Close()
	}

	t.wg.Wait()
	return nil
}

// Call sends a request and waits for a response.
func (t *SocketTransport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if !t.connected.Load() {
		return nil, ErrNotConnected
	}

	id := t.nextID.Add(1)

	req := Request{
		JSONRPC: "2.0",
		ID:      id,
		Method:  method,
	}

	if params != nil {
		paramsJSON, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		req.Params = paramsJSON
	}

	respChan := make(chan *Response, 1)
	t.pendingMu.Lock()
	t.pending[id] = respChan
	t.pendingMu.Unlock()

	defer func() {
		t.pendingMu.Lock()
		delete(t.pending, id)
		t.pendingMu.Unlock()
	}()

	data, _ := json.Marshal(req)
	if err := t.write(append(data, '\n')); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}

	timeout := t.config.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	select {
	case resp := <-respChan:
		if resp.Error != nil {
			return nil, &ServerError{Server: t.config.ID, Code: resp.Error.Code, Message: resp.Error.Message}
		}
		return resp.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(timeout):
		return nil, &TimeoutError{Server: t.config.ID, Method: method, Timeout: timeout}
	case <-t.stopChan:
		return nil, fmt.Errorf("transport closed")
	}
}

// Notify sends a notification (no response expected).
func (t *SocketTransport) Notify(ctx context.Context, method string, params any) error {
	if !t.connected.Load() {
		return ErrNotConnected
	}

	notif := Notification{
		JSONRPC: "2.0",
		Method:  method,
	}

	if params != nil {
		paramsJSON, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("marshal params: %w", err)
		}
		notif.Params = paramsJSON
	}

	data, _ := json.Marshal(notif)
	if err := t.write(append(data, '\n')); err != nil {
		return fmt.Errorf("write notification: %w", err)
	}

	return nil
}

func (t *SocketTransport) write(data []byte) error {
	t.connMu.Lock()
	defer t.connMu.Unlock()
	_, err := t.conn.Write(data)
	return err
}

// Events returns the notification channel.
func (t *SocketTransport) Events() <-chan *Notification {
	return t.events
}

// Connected returns whether the transport is connected.
func (t *SocketTransport) Connected() bool {
	return t.connected.Load()
}

// readLoop reads messages from the socket.
func (t *SocketTransport) readLoop() {
	defer t.wg.Done()
	defer t.connected.Store(false)

	for t.reader.Scan() {
		select {
		case <-t.stopChan:
			return
		default:
		}

		line := t.reader.Text()
		if line == "" {
			continue
		}

		dispatchLine(line, t.pending, &t.pendingMu, t.events, t.logger)
	}

	if err := t.reader.Err(); err != nil {
		select {
		case <-t.stopChan:
		default:
			t.logger.Error("socket read error", "error", err)
		}
	}
}
