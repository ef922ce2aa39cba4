package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/parley/internal/adapter"
	"github.com/haasonsaas/parley/internal/toolhost"
	"github.com/haasonsaas/parley/pkg/models"
)

// OpenAIRunner streams completions from the OpenAI Chat Completions
// API. Safe for concurrent use.
type OpenAIRunner struct {
	client     *openai.Client
	maxRetries int
	retryDelay time.Duration
	logger     *slog.Logger
}

// OpenAIConfig configures an OpenAIRunner. APIKey is required.
type OpenAIConfig struct {
	APIKey     string
	BaseURL    string
	MaxRetries int
	RetryDelay time.Duration
	Logger     *slog.Logger
}

func NewOpenAIRunner(cfg OpenAIConfig) (*OpenAIRunner, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai: API key is required")
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

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	return &OpenAIRunner{
		client:     openai.NewClientWithConfig(clientCfg),
		maxRetries: cfg.MaxRetries,
		retryDelay: cfg.RetryDelay,
		logger:     cfg.Logger.With("component", "runner.openai"),
	}, nil
}

func (r *OpenAIRunner) Name() string { return "openai" }

func (r *OpenAIRunner) Dialect() adapter.Dialect { return adapter.DialectOpenAI }

// Stream issues the request and streams the response. Stream creation
// retries transient failures with linear backoff (retryDelay *
// attempt); non-retryable errors return immediately.
func (r *OpenAIRunner) Stream(ctx context.Context, req *Request) (<-chan *Chunk, error) {
	if req.Payload == nil || req.Payload.OpenAI == nil {
		return nil, errors.New("openai: request payload missing openai messages")
	}

	chatReq := openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: req.Payload.OpenAI,
		Stream:   true,
		StreamOptions: &openai.StreamOptions{
			IncludeUsage: true,
		},
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if req.Temperature > 0 {
		chatReq.Temperature = req.Temperature
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = convertOpenAITools(req.Tools)
	}

	var stream *openai.ChatCompletionStream
	var lastErr error
	for attempt := 0; attempt < r.maxRetries; attempt++ {
		if attempt > 0 {
			r.logger.Warn("stream create failed, retrying",
				"attempt", attempt,
				"error", lastErr)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(r.retryDelay * time.Duration(attempt)):
			}
		}

		stream, lastErr = r.client.CreateChatCompletionStream(ctx, chatReq)
		if lastErr == nil {
			break
		}
		if !IsRetryable(lastErr) {
			return nil, WrapError(lastErr, r.Name(), req.Model)
		}
	}
	if lastErr != nil {
		return nil, fmt.Errorf("openai: max retries exceeded: %w", WrapError(lastErr, r.Name(), req.Model))
	}

	chunks := make(chan *Chunk)
	go r.processStream(ctx, stream, chunks, req.Model)
	return chunks, nil
}

func convertOpenAITools(tools []toolhost.ToolSchema) []openai.Tool {
	result := make([]openai.Tool, len(tools))
	for i, tool := range tools {
		var schemaMap map[string]any
		if err := json.Unmarshal(tool.InputSchema, &schemaMap); err != nil {
			// A bad schema should not break the other tools.
			schemaMap = map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			}
		}
		result[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  schemaMap,
			},
		}
	}
	return result
}

// processStream converts streamed chat completion deltas into Chunks.
// Tool calls arrive fragmented: the first delta for an index carries ID
// and name, later deltas append argument JSON. They are emitted once
// the finish reason reports tool_calls (or the stream ends).
func (r *OpenAIRunner) processStream(ctx context.Context, stream *openai.ChatCompletionStream, chunks chan<- *Chunk, model string) {
	defer close(chunks)
	defer stream.Close()

	toolCalls := make(map[int]*models.ToolCall)
	var inputTokens, outputTokens int

	flushToolCalls := func() {
		indexes := make([]int, 0, len(toolCalls))
		for i := range toolCalls {
			indexes = append(indexes, i)
		}
		sort.Ints(indexes)
		for _, i := range indexes {
			tc := toolCalls[i]
			if tc.ID != "" && tc.Name != "" {
				if len(tc.Input) == 0 {
					tc.Input = json.RawMessage("{}")
				}
				chunks <- &Chunk{ToolCall: tc}
			}
		}
		toolCalls = make(map[int]*models.ToolCall)
	}

	for {
		select {
		case <-ctx.Done():
			chunks <- &Chunk{Err: ctx.Err(), Done: true}
			return
		default:
		}

		response, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				flushToolCalls()
				chunks <- &Chunk{
					Done:         true,
					InputTokens:  inputTokens,
					OutputTokens: outputTokens,
				}
				return
			}
			chunks <- &Chunk{Err: WrapError(err, r.Name(), model), Done: true}
			return
		}

		if response.Usage != nil {
			inputTokens = response.Usage.PromptTokens
			outputTokens = response.Usage.CompletionTokens
		}
		if len(response.Choices) == 0 {
			continue
		}

		delta := response.Choices[0].Delta

		if delta.Content != "" {
			chunks <- &Chunk{Text: delta.Content}
		}

		for _, tc := range delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			if toolCalls[index] == nil {
				toolCalls[index] = &models.ToolCall{}
			}
			if tc.ID != "" {
				toolCalls[index].ID = tc.ID
			}
			if tc.Function.Name != "" {
				toolCalls[index].Name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				toolCalls[index].Input = append(toolCalls[index].Input, tc.Function.Arguments...)
			}
		}

		if response.Choices[0].FinishReason == openai.FinishReasonToolCalls {
			flushToolCalls()
		}
	}
}
