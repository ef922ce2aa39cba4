package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/haasonsaas/parley/internal/adapter"
	"github.com/haasonsaas/parley/internal/toolhost"
	"github.com/haasonsaas/parley/pkg/models"
)

// maxEmptyStreamEvents bounds consecutive events that produce no
// output before the stream is treated as malformed.
const maxEmptyStreamEvents = 300

// AnthropicRunner streams completions from the Anthropic Messages API.
// Safe for concurrent use; each Stream call gets its own SSE stream and
// goroutine.
type AnthropicRunner struct {
	client     anthropic.Client
	maxRetries int
	retryDelay time.Duration
	logger     *slog.Logger
}

// AnthropicConfig configures an AnthropicRunner. APIKey is required;
// everything else has defaults.
type AnthropicConfig struct {
	APIKey     string
	BaseURL    string
	MaxRetries int
	RetryDelay time.Duration
	Logger     *slog.Logger
}

func NewAnthropicRunner(cfg AnthropicConfig) (*AnthropicRunner, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &AnthropicRunner{
		client:     anthropic.NewClient(opts...),
		maxRetries: cfg.MaxRetries,
		retryDelay: cfg.RetryDelay,
		logger:     cfg.Logger.With("component", "runner.anthropic"),
	}, nil
}

func (r *AnthropicRunner) Name() string { return "anthropic" }

func (r *AnthropicRunner) Dialect() adapter.Dialect { return adapter.DialectAnthropic }

// Stream issues the request and streams the response. Transient
// failures during stream creation are retried with exponential backoff
// (retryDelay * 2^attempt); streaming failures after that arrive as Err
// chunks.
func (r *AnthropicRunner) Stream(ctx context.Context, req *Request) (<-chan *Chunk, error) {
	if req.Payload == nil || req.Payload.Anthropic == nil {
		return nil, errors.New("anthropic: request payload missing anthropic messages")
	}

	params, err := r.buildParams(req)
	if err != nil {
		return nil, err
	}

	chunks := make(chan *Chunk)
	go func() {
		defer close(chunks)

		var stream *ssestream.Stream[anthropic.MessageStreamEventUnion]
		for attempt := 0; attempt <= r.maxRetries; attempt++ {
			stream = r.client.Messages.NewStreaming(ctx, params)
			err := stream.Err()
			if err == nil {
				break
			}

			wrapped := WrapError(err, r.Name(), req.Model)
			if !IsRetryable(wrapped) {
				chunks <- &Chunk{Err: wrapped, Done: true}
				return
			}
			if attempt == r.maxRetries {
				chunks <- &Chunk{Err: fmt.Errorf("anthropic: max retries exceeded: %w", wrapped), Done: true}
				return
			}

			backoff := r.retryDelay * time.Duration(math.Pow(2, float64(attempt)))
			r.logger.Warn("stream create failed, retrying",
				"attempt", attempt+1,
				"backoff", backoff,
				"error", err)
			select {
			case <-ctx.Done():
				chunks <- &Chunk{Err: ctx.Err(), Done: true}
				return
			case <-time.After(backoff):
			}
		}

		r.processStream(stream, chunks, req.Model)
	}()

	return chunks, nil
}

func (r *AnthropicRunner) buildParams(req *Request) (anthropic.MessageNewParams, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		Messages:  req.Payload.Anthropic.Messages,
		MaxTokens: int64(maxTokens),
	}
	if len(req.Payload.Anthropic.System) > 0 {
		params.System = req.Payload.Anthropic.System
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(float64(req.Temperature))
	}

	if len(req.Tools) > 0 {
		tools, err := convertAnthropicTools(req.Tools)
		if err != nil {
			return anthropic.MessageNewParams{}, fmt.Errorf("anthropic: failed to convert tools: %w", err)
		}
		params.Tools = tools
	}

	return params, nil
}

func convertAnthropicTools(tools []toolhost.ToolSchema) ([]anthropic.ToolUnionParam, error) {
	result := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, tool := range tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(tool.InputSchema, &schema); err != nil {
			return nil, fmt.Errorf("invalid schema for tool %s: %w", tool.Name, err)
		}
		param := anthropic.ToolUnionParamOfTool(schema, tool.Name)
		if param.OfTool == nil {
			return nil, fmt.Errorf("invalid schema for tool %s: missing tool definition", tool.Name)
		}
		param.OfTool.Description = anthropic.String(tool.Description)
		result = append(result, param)
	}
	return result, nil
}

// processStream converts SSE events into Chunks. Tool calls arrive in
// pieces: content_block_start carries ID and name, input_json_delta
// events carry argument fragments, content_block_stop finalizes.
func (r *AnthropicRunner) processStream(stream *ssestream.Stream[anthropic.MessageStreamEventUnion], chunks chan<- *Chunk, model string) {
	var currentToolCall *models.ToolCall
	var currentToolInput strings.Builder
	emptyEventCount := 0

	var inputTokens, outputTokens int

	for stream.Next() {
		event := stream.Current()
		eventProcessed := false

		switch event.Type {
		case "message_start":
			messageStart := event.AsMessageStart()
			if messageStart.Message.Usage.InputTokens > 0 {
				inputTokens = int(messageStart.Message.Usage.InputTokens)
			}
			eventProcessed = true

		case "content_block_start":
			contentBlock := event.AsContentBlockStart().ContentBlock
			if contentBlock.Type == "tool_use" {
				toolUse := contentBlock.AsToolUse()
				currentToolCall = &models.ToolCall{
					ID:   toolUse.ID,
					Name: toolUse.Name,
				}
				currentToolInput.Reset()
				eventProcessed = true
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					chunks <- &Chunk{Text: delta.Text}
					eventProcessed = true
				}
			case "input_json_delta":
				if delta.PartialJSON != "" {
					currentToolInput.WriteString(delta.PartialJSON)
					eventProcessed = true
				}
			}

		case "content_block_stop":
			if currentToolCall != nil {
				input := currentToolInput.String()
				if input == "" {
					input = "{}"
				}
				currentToolCall.Input = json.RawMessage(input)
				chunks <- &Chunk{ToolCall: currentToolCall}
				currentToolCall = nil
				eventProcessed = true
			}

		case "message_delta":
			messageDelta := event.AsMessageDelta()
			if messageDelta.Usage.OutputTokens > 0 {
				outputTokens = int(messageDelta.Usage.OutputTokens)
			}
			eventProcessed = true

		case "message_stop":
			chunks <- &Chunk{
				Done:         true,
				InputTokens:  inputTokens,
				OutputTokens: outputTokens,
			}
			return

		case "error":
			chunks <- &Chunk{Err: WrapError(errors.New("anthropic: stream error"), r.Name(), model), Done: true}
			return
		}

		if eventProcessed {
			emptyEventCount = 0
		} else {
			emptyEventCount++
			if emptyEventCount >= maxEmptyStreamEvents {
				chunks <- &Chunk{
					Err:  WrapError(fmt.Errorf("stream appears malformed: %d consecutive empty events", emptyEventCount), r.Name(), model),
					Done: true,
				}
				return
			}
		}
	}

	if err := stream.Err(); err != nil {
		chunks <- &Chunk{Err: WrapError(err, r.Name(), model), Done: true}
		return
	}
	chunks <- &Chunk{Done: true, InputTokens: inputTokens, OutputTokens: outputTokens}
}
