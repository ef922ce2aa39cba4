package toolhost

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/haasonsaas/parley/internal/metrics"
)

// Manager manages connections to all configured tool servers and exposes
// a single aggregated tool catalog.
type Manager struct {
	config  *Config
	logger  *slog.Logger
	clients map[string]*Client
	lastErr map[string]string // server ID -> last connect failure

	catalog  map[string]*CatalogEntry // tool name -> owning entry
	shadowed []ShadowedTool
	mu       sync.RWMutex
}

// Config holds the tool-server manager configuration.
type Config struct {
	Enabled bool            `yaml:"enabled"`
	Servers []*ServerConfig `yaml:"servers"`
}

// CatalogEntry is a tool in the aggregated catalog together with the
// server that owns it.
type CatalogEntry struct {
	Server string    `json:"server"`
	Tool   *ToolSpec `json:"tool"`
}

// ShadowedTool records a catalog name collision: a tool definition that
// lost to an earlier-configured server's tool of the same name.
type ShadowedTool struct {
	Name       string `json:"name"`
	Server     string `json:"server"`
	ShadowedBy string `json:"shadowed_by"`
}

// NewManager creates a new tool-server manager.
func NewManager(cfg *Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}

	return &Manager{
		config:  cfg,
		logger:  logger.With("component", "toolhost"),
		clients: make(map[string]*Client),
		lastErr: make(map[string]string),
		catalog: make(map[string]*CatalogEntry),
	}
}

// Start connects to all configured servers with auto_connect enabled.
// A single server failing to connect is logged and skipped.
func (m *Manager) Start(ctx context.Context) error {
	if m.config == nil || !m.config.Enabled {
		m.logger.Debug("tool servers disabled")
		return nil
	}

	for _, serverCfg := range m.config.Servers {
		if !serverCfg.AutoConnect {
			continue
		}

		if err := m.Connect(ctx, serverCfg.ID); err != nil {
			m.logger.Error("failed to connect to tool server",
				"server", serverCfg.ID,
				"error", err)
		}
	}

	return nil
}

// Stop disconnects from all servers.
func (m *Manager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, client := range m.clients {
		if err := client.Close(); err != nil {
			m.logger.Error("failed to close tool server client",
				"server", id,
				"error", err)
		}
		delete(m.clients, id)
	}

	m.rebuildCatalogLocked()
	return nil
}

// Connect connects to a specific server by ID.
func (m *Manager) Connect(ctx context.Context, serverID string) error {
	serverCfg := m.findConfig(serverID)
	if serverCfg == nil {
		return fmt.Errorf("%w: %s", ErrServerNotFound, serverID)
	}

	m.mu.RLock()
	if _, exists := m.clients[serverID]; exists {
		m.mu.RUnlock()
		return nil
	}
	m.mu.RUnlock()

	client := NewClient(serverCfg, m.logger)
	if err := client.Connect(ctx); err != nil {
		m.mu.Lock()
		m.lastErr[serverID] = err.Error()
		m.mu.Unlock()
		return err
	}

	m.mu.Lock()
	m.clients[serverID] = client
	delete(m.lastErr, serverID)
	m.rebuildCatalogLocked()
	m.mu.Unlock()

	m.logger.Info("connected to tool server",
		"server", serverID,
		"name", client.ServerInfo().Name)

	return nil
}

// Disconnect disconnects from a specific server.
func (m *Manager) Disconnect(serverID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	client, exists := m.clients[serverID]
	if !exists {
		return nil
	}

	if err := client.Close(); err != nil {
		return err
	}

	delete(m.clients, serverID)
	m.rebuildCatalogLocked()
	m.logger.Info("disconnected from tool server", "server", serverID)

	return nil
}

// Client returns the client for a specific server.
func (m *Manager) Client(serverID string) (*Client, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	client, exists := m.clients[serverID]
	return client, exists
}

// Catalog returns the aggregated tool catalog. Name collisions are
// resolved by config order: the earliest configured server wins.
func (m *Manager) Catalog() []CatalogEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries := make([]CatalogEntry, 0, len(m.catalog))
	for _, cfg := range m.config.Servers {
		for _, entry := range m.orderedToolsLocked(cfg.ID) {
			if owner, ok := m.catalog[entry.Tool.Name]; ok && owner.Server == cfg.ID {
				entries = append(entries, *owner)
			}
		}
	}
	return entries
}

// Shadowed returns the tool definitions that lost a catalog name collision.
func (m *Manager) Shadowed() []ShadowedTool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ShadowedTool, len(m.shadowed))
	copy(out, m.shadowed)
	return out
}

// Resolve returns the catalog entry owning the given tool name.
func (m *Manager) Resolve(name string) (*CatalogEntry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.catalog[name]
	return entry, ok
}

// CallTool resolves a tool by catalog name and dispatches it to the
// owning server.
func (m *Manager) CallTool(ctx context.Context, name string, arguments map[string]any) (*ToolCallResult, error) {
	entry, ok := m.Resolve(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}

	client, exists := m.Client(entry.Server)
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrNotConnected, entry.Server)
	}

	result, err := client.CallTool(ctx, name, arguments)
	if err != nil {
		metrics.ToolCalls.WithLabelValues(entry.Server, "error").Inc()
		return nil, err
	}
	metrics.ToolCalls.WithLabelValues(entry.Server, "ok").Inc()
	return result, nil
}

// ServerStatus represents the status of one configured server.
type ServerStatus struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Connected bool       `json:"connected"`
	Server    ServerInfo `json:"server"`
	Tools     int        `json:"tools"`
	LastError string     `json:"last_error,omitempty"`
}

// Status returns the status of all configured servers.
func (m *Manager) Status() []ServerStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var statuses []ServerStatus
	for _, cfg := range m.config.Servers {
		status := ServerStatus{
			ID:        cfg.ID,
			Name:      cfg.Name,
			LastError: m.lastErr[cfg.ID],
		}

		if client, exists := m.clients[cfg.ID]; exists {
			status.Connected = client.Connected()
			status.Server = client.ServerInfo()
			status.Tools = len(client.Tools())
		}

		statuses = append(statuses, status)
	}

	return statuses
}

// ToolSchema is a catalog entry flattened for LLM tool definitions.
type ToolSchema struct {
	Server      string          `json:"server"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// ToolSchemas returns the catalog in a shape suitable for model requests.
func (m *Manager) ToolSchemas() []ToolSchema {
	var schemas []ToolSchema
	for _, entry := range m.Catalog() {
		schemas = append(schemas, ToolSchema{
			Server:      entry.Server,
			Name:        entry.Tool.Name,
			Description: entry.Tool.Description,
			InputSchema: entry.Tool.InputSchema,
		})
	}
	return schemas
}

// SetServers replaces the configured server list, e.g. after a config
// reload. Connections for servers no longer configured are closed and
// the catalog is rebuilt in the new config order. New servers are not
// connected automatically; callers connect them as needed.
func (m *Manager) SetServers(servers []*ServerConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.config == nil {
		m.config = &Config{Enabled: true}
	}
	m.config.Servers = servers

	keep := make(map[string]bool, len(servers))
	for _, cfg := range servers {
		if cfg != nil {
			keep[cfg.ID] = true
		}
	}
	for id, client := range m.clients {
		if keep[id] {
			continue
		}
		if err := client.Close(); err != nil {
			m.logger.Error("failed to close tool server client",
				"server", id,
				"error", err)
		}
		delete(m.clients, id)
		m.logger.Info("disconnected from removed tool server", "server", id)
	}
	for id := range m.lastErr {
		if !keep[id] {
			delete(m.lastErr, id)
		}
	}

	m.rebuildCatalogLocked()
}

func (m *Manager) findConfig(serverID string) *ServerConfig {
	for _, cfg := range m.config.Servers {
		if cfg.ID == serverID {
			return cfg
		}
	}
	return nil
}

// rebuildCatalogLocked recomputes the aggregated catalog. Servers are
// visited in config order so precedence is deterministic across rebuilds
// regardless of connection order. Callers must hold m.mu.
func (m *Manager) rebuildCatalogLocked() {
	catalog := make(map[string]*CatalogEntry)
	var shadowed []ShadowedTool

	for _, cfg := range m.config.Servers {
		client, ok := m.clients[cfg.ID]
		if !ok {
			continue
		}
		for _, tool := range client.Tools() {
			if owner, exists := catalog[tool.Name]; exists {
				shadowed = append(shadowed, ShadowedTool{
					Name:       tool.Name,
					Server:     cfg.ID,
					ShadowedBy: owner.Server,
				})
				m.logger.Warn("tool name collision, keeping earlier server's definition",
					"tool", tool.Name,
					"kept", owner.Server,
					"shadowed", cfg.ID)
				continue
			}
			catalog[tool.Name] = &CatalogEntry{Server: cfg.ID, Tool: tool}
		}
	}

	m.catalog = catalog
	m.shadowed = shadowed
}

// orderedToolsLocked returns the catalog entries owned by a server,
// preserving the server's own advertised order. Callers must hold m.mu.
func (m *Manager) orderedToolsLocked(serverID string) []CatalogEntry {
	client, ok := m.clients[serverID]
	if !ok {
		return nil
	}
	var entries []CatalogEntry
	for _, tool := range client.Tools() {
		entries = append(entries, CatalogEntry{Server: serverID, Tool: tool})
	}
	return entries
}
