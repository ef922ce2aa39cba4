// Package runner streams model completions for formatted conversation
// payloads. Each runner wraps one provider SDK and normalizes its
// streaming protocol into a channel of Chunks: text deltas as they
// arrive, complete tool calls once assembled, and a final Done chunk
// carrying token counts.
package runner

import (
	"context"

	"github.com/haasonsaas/parley/internal/adapter"
	"github.com/haasonsaas/parley/internal/toolhost"
	"github.com/haasonsaas/parley/pkg/models"
)

// Request describes one completion turn. Payload must match the
// runner's Dialect; Tools are advertised to the model so it can emit
// tool calls.
type Request struct {
	Model       string
	Payload     *adapter.Payload
	Tools       []toolhost.ToolSchema
	MaxTokens   int
	Temperature float32
}

// Chunk is one streamed event from the model.
//
// Exactly one of Text, ToolCall, Err is set on intermediate chunks.
// The final chunk has Done=true and carries token usage when the
// provider reports it. After a chunk with Err or Done, the channel is
// closed.
type Chunk struct {
	Text     string
	ToolCall *models.ToolCall
	Err      error

	Done         bool
	InputTokens  int
	OutputTokens int
}

// Runner streams completions for one provider.
//
// Stream returns immediately with a channel the caller must drain; the
// runner closes it when the turn completes, fails, or the context is
// cancelled. Stream returns a non-nil error only when the request
// itself cannot be issued — streaming failures arrive as Err chunks.
type Runner interface {
	Name() string
	Dialect() adapter.Dialect
	Stream(ctx context.Context, req *Request) (<-chan *Chunk, error)
}

const (
	defaultMaxRetries = 3
	defaultMaxTokens  = 4096
)
