package toolhost

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrServerNotFound indicates the named server is not in the configuration.
	ErrServerNotFound = errors.New("tool server not found")

	// ErrToolNotFound indicates no connected server advertises the named tool.
	ErrToolNotFound = errors.New("tool not found")

	// ErrNotConnected indicates the transport is closed or never connected.
	ErrNotConnected = errors.New("not connected")
)

// ServerError wraps a JSON-RPC error returned by a tool server.
type ServerError struct {
	Server  string
	Code    int
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server %s: rpc error %d: %s", e.Server, e.Code, e.Message)
}

// TimeoutError indicates a request exceeded the per-server timeout.
type TimeoutError struct {
	Server  string
	Method  string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("server %s: %s timed out after %v", e.Server, e.Method, e.Timeout)
}

// ValidationError indicates tool arguments failed schema validation
// before being sent to the server.
type ValidationError struct {
	Tool string
	Err  error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid arguments for tool %s: %v", e.Tool, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }
