package toolhost

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Client connects to a single tool server.
type Client struct {
	config    *ServerConfig
	transport Transport
	logger    *slog.Logger

	tools   []*ToolSpec
	schemas map[string]*jsonschema.Schema
	mu      sync.RWMutex

	serverInfo ServerInfo
}

// NewClient creates a new client for the given server.
func NewClient(cfg *ServerConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		config:    cfg,
		transport: NewTransport(cfg),
		logger:    logger.With("tool_server", cfg.ID),
		schemas:   make(map[string]*jsonschema.Schema),
	}
}

// Connect establishes the connection and performs the handshake.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.transport.Connect(ctx); err != nil {
		return fmt.Errorf("transport connect: %w", err)
	}

	result, err := c.transport.Call(ctx, "initialize", map[string]any{
		"protocolVersion": ProtocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    "parley",
			"version": "1.0.0",
		},
	})
	if err != nil {
		c.transport.Close()
		return fmt.Errorf("initialize: %w", err)
	}

	var initResult InitializeResult
	if err := json.Unmarshal(result, &initResult); err != nil {
		c.transport.Close()
		return fmt.Errorf("parse initialize result: %w", err)
	}

	c.serverInfo = initResult.ServerInfo
	c.logger.Info("connected to tool server",
		"name", c.serverInfo.Name,
		"version", c.serverInfo.Version,
		"protocol", initResult.ProtocolVersion)

	if err := c.transport.Notify(ctx, "notifications/initialized", nil); err != nil {
		c.logger.Warn("failed to send initialized notification", "error", err)
	}

	if err := c.RefreshTools(ctx); err != nil {
		c.logger.Warn("failed to list tools", "error", err)
	}

	return nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.transport.Close()
}

// Config returns the server configuration.
func (c *Client) Config() *ServerConfig {
	return c.config
}

// ServerInfo returns identity information about the connected server.
func (c *Client) ServerInfo() ServerInfo {
	return c.serverInfo
}

// Connected returns whether the client is connected.
func (c *Client) Connected() bool {
	return c.transport.Connected()
}

// RefreshTools re-fetches the tool list and recompiles argument schemas.
func (c *Client) RefreshTools(ctx context.Context) error {
	result, err := c.transport.Call(ctx, "tools/list", nil)
	if err != nil {
		return err
	}

	var resp ListToolsResult
	if err := json.Unmarshal(result, &resp); err != nil {
		return fmt.Errorf("parse tools/list result: %w", err)
	}

	schemas := make(map[string]*jsonschema.Schema, len(resp.Tools))
	for _, tool := range resp.Tools {
		if len(tool.InputSchema) == 0 {
			continue
		}
		compiled, err := jsonschema.CompileString(tool.Name+".json", string(tool.InputSchema))
		if err != nil {
			c.logger.Warn("tool schema does not compile, skipping validation",
				"tool", tool.Name, "error", err)
			continue
		}
		schemas[tool.Name] = compiled
	}

	c.mu.Lock()
	c.tools = resp.Tools
	c.schemas = schemas
	c.mu.Unlock()

	c.logger.Debug("refreshed tools", "count", len(resp.Tools))
	return nil
}

// Tools returns the cached tool list.
func (c *Client) Tools() []*ToolSpec {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tools
}

// CallTool validates arguments against the advertised schema and calls the tool.
func (c *Client) CallTool(ctx context.Context, name string, arguments map[string]any) (*ToolCallResult, error) {
	c.mu.RLock()
	schema := c.schemas[name]
	c.mu.RUnlock()

	if schema != nil {
		if err := schema.Validate(normalizeForSchema(arguments)); err != nil {
			return nil, &ValidationError{Tool: name, Err: err}
		}
	}

	params := CallToolParams{Name: name}
	if arguments != nil {
		argsJSON, err := json.Marshal(arguments)
		if err != nil {
			return nil, fmt.Errorf("marshal arguments: %w", err)
		}
		params.Arguments = argsJSON
	}

	result, err := c.transport.Call(ctx, "tools/call", params)
	if err != nil {
		return nil, err
	}

	var callResult ToolCallResult
	if err := json.Unmarshal(result, &callResult); err != nil {
		return nil, fmt.Errorf("parse result: %w", err)
	}

	return &callResult, nil
}

// Events returns the notification channel.
func (c *Client) Events() <-chan *Notification {
	return c.transport.Events()
}

// normalizeForSchema round-trips a value through JSON so the validator
// sees the same shapes the wire would carry (e.g. ints become float64).
func normalizeForSchema(v any) any {
	if v == nil {
		return map[string]any{}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return v
	}
	return out
}
