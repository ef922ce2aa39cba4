// Package toolhost provides the client side of the tool-server protocol:
// JSON-RPC 2.0 over a stdio subprocess or a socket, with an aggregated
// tool catalog across all connected servers.
package toolhost

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// TransportKind specifies how a tool server is reached.
type TransportKind string

const (
	TransportStdio  TransportKind = "stdio"
	TransportSocket TransportKind = "socket"
)

// ProtocolVersion is the handshake protocol version sent during initialize.
const ProtocolVersion = "2024-11-05"

// ServerConfig holds configuration for a single tool server.
type ServerConfig struct {
	ID        string        `yaml:"id" json:"id"`
	Name      string        `yaml:"name" json:"name"`
	Transport TransportKind `yaml:"transport" json:"transport"`

	// Stdio transport options
	Command string            `yaml:"command" json:"command,omitempty"`
	Args    []string          `yaml:"args" json:"args,omitempty"`
	Env     map[string]string `yaml:"env" json:"env,omitempty"`
	WorkDir string            `yaml:"workdir" json:"workdir,omitempty"`

	// Socket transport options
	Network string `yaml:"network" json:"network,omitempty"` // tcp | unix, defaults to tcp
	Address string `yaml:"address" json:"address,omitempty"`

	// Common options
	Timeout     time.Duration `yaml:"timeout" json:"timeout,omitempty"`
	AutoConnect bool          `yaml:"auto_connect" json:"auto_connect,omitempty"`
}

// Validate checks the server configuration for security issues.
func (c *ServerConfig) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("server ID is required")
	}

	switch c.Transport {
	case TransportStdio, "":
		if err := c.validateStdioConfig(); err != nil {
			return fmt.Errorf("stdio config for %s: %w", c.ID, err)
		}
	case TransportSocket:
		if err := c.validateSocketConfig(); err != nil {
			return fmt.Errorf("socket config for %s: %w", c.ID, err)
		}
	default:
		return fmt.Errorf("unknown transport %q for %s", c.Transport, c.ID)
	}

	return nil
}

func (c *ServerConfig) validateStdioConfig() error {
	if c.Command == "" {
		return fmt.Errorf("command is required")
	}

	if err := validatePath(c.Command, "command"); err != nil {
		return err
	}

	if c.WorkDir != "" {
		if err := validatePath(c.WorkDir, "workdir"); err != nil {
			return err
		}
	}

	for i, arg := range c.Args {
		if containsShellMetachars(arg) {
			return fmt.Errorf("arg[%d] contains suspicious shell metacharacters: %q", i, arg)
		}
	}

	return nil
}

func (c *ServerConfig) validateSocketConfig() error {
	if c.Address == "" {
		return fmt.Errorf("address is required")
	}
	switch c.Network {
	case "", "tcp", "unix":
	default:
		return fmt.Errorf("network must be tcp or unix, got %q", c.Network)
	}
	return nil
}

// validatePath checks a path for traversal attacks.
func validatePath(path, fieldName string) error {
	if path == "" {
		return nil
	}

	cleaned := filepath.Clean(path)
	if strings.Contains(cleaned, "..") {
		return fmt.Errorf("%s contains path traversal: %q", fieldName, path)
	}

	return nil
}

// containsShellMetachars checks for shell metacharacters that could indicate injection.
func containsShellMetachars(s string) bool {
	// Only flag the most dangerous patterns that suggest command chaining.
	// Spaces, quotes, etc. are common in legitimate args.
	dangerousPatterns := []string{
		"$(", "${",
		"`",
		"&&", "||",
		";",
		"|",
		">", "<",
		"\n", "\r",
	}
	for _, pattern := range dangerousPatterns {
		if strings.Contains(s, pattern) {
			return true
		}
	}
	return false
}

// ToolSpec represents a tool advertised by a tool server.
type ToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// ToolCallResult holds the result of calling a tool.
type ToolCallResult struct {
	Content []ToolResultContent `json:"content"`
	IsError bool                `json:"isError,omitempty"`
}

// ToolResultContent holds a piece of content from a tool result.
type ToolResultContent struct {
	Type     string `json:"type"` // text | image | resource
	Text     string `json:"text,omitempty"`
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// Text flattens the textual parts of a tool result into a single string.
func (r *ToolCallResult) Text() string {
	var parts []string
	for _, c := range r.Content {
		if c.Type == "text" && c.Text != "" {
			parts = append(parts, c.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// JSON-RPC types

// Request is a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// Notification is a JSON-RPC 2.0 notification (no ID).
type Notification struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// RPCError is a JSON-RPC 2.0 error.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Standard JSON-RPC error codes
const (
	ErrCodeParseError     = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
	ErrCodeInternalError  = -32603
)

// ServerInfo holds identity information reported by a server during the handshake.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// InitializeResult holds the result of the initialize method.
type InitializeResult struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ServerInfo      ServerInfo     `json:"serverInfo"`
}

// ListToolsResult holds the result of tools/list.
type ListToolsResult struct {
	Tools []*ToolSpec `json:"tools"`
}

// CallToolParams holds parameters for tools/call.
type CallToolParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}
