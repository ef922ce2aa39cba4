// Package chat drives the agentic conversation loop for one session:
// stream a model turn, execute any tool calls it requests (behind the
// confirmation gate), persist the exchange, and continue until the
// model stops asking for tools or the iteration limit is reached.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/parley/internal/adapter"
	"github.com/haasonsaas/parley/internal/gate"
	"github.com/haasonsaas/parley/internal/metrics"
	"github.com/haasonsaas/parley/internal/notify"
	"github.com/haasonsaas/parley/internal/runner"
	"github.com/haasonsaas/parley/internal/storage"
	"github.com/haasonsaas/parley/internal/toolhost"
	"github.com/haasonsaas/parley/pkg/models"
)

// ErrRunInProgress is returned when Run, Reset, or SwitchModel is
// called while another run is active on the same session.
var ErrRunInProgress = errors.New("a run is already in progress for this session")

const (
	// DefaultMaxIterations bounds tool-use round trips per run.
	DefaultMaxIterations = 10

	// historyLimit caps how much history is loaded per model turn.
	historyLimit = 50

	// exhaustedSentinel is appended as the final assistant message when
	// a run hits the iteration limit while the model is still asking
	// for tools.
	exhaustedSentinel = "Stopped: this run reached its tool-iteration limit before the model finished."
)

// Config tunes one session's run loop. Zero values take defaults.
type Config struct {
	MaxIterations int
	MaxTokens     int
	Temperature   float32
	SystemPrompt  string
}

// Session runs conversations for a single persisted session. At most
// one run is active at a time; concurrent Run calls fail with
// ErrRunInProgress.
type Session struct {
	sess   *models.Session
	store  storage.Store
	model  runner.Runner
	format adapter.Adapter
	tools  *toolhost.Manager
	gate   *gate.Gate
	sink   notify.Sink
	logger *slog.Logger
	cfg    Config

	nowFunc func() time.Time

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
}

// NewSession wires a run loop around an existing session record. The
// adapter is chosen from the runner's dialect. tools and g may be nil
// for sessions that never execute tools.
func NewSession(sess *models.Session, store storage.Store, model runner.Runner, tools *toolhost.Manager, g *gate.Gate, sink notify.Sink, cfg Config, logger *slog.Logger) (*Session, error) {
	if sess == nil {
		return nil, errors.New("chat: session record is nil")
	}
	if store == nil {
		return nil, errors.New("chat: store is nil")
	}
	if model == nil {
		return nil, errors.New("chat: runner is nil")
	}
	format, err := adapter.ForDialect(model.Dialect())
	if err != nil {
		return nil, err
	}
	if sink == nil {
		sink = notify.NopSink{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}

	return &Session{
		sess:    sess,
		store:   store,
		model:   model,
		format:  format,
		tools:   tools,
		gate:    g,
		sink:    sink,
		logger:  logger.With("component", "chat", "session", sess.Key),
		cfg:     cfg,
		nowFunc: time.Now,
	}, nil
}

// Key returns the session's routing key.
func (s *Session) Key() string { return s.sess.Key }

// Running reports whether a run is currently active.
func (s *Session) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Model returns the model currently in use.
func (s *Session) Model() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sess.Model
}

// SwitchModel changes the model for subsequent runs and persists the
// session record. Fails while a run is active.
func (s *Session) SwitchModel(ctx context.Context, model string) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrRunInProgress
	}
	s.sess.Model = model
	s.sess.UpdatedAt = s.nowFunc()
	s.mu.Unlock()

	return s.store.Update(ctx, s.sess)
}

// Reset clears the session's message history. Resetting an already
// empty session is a no-op. Fails while a run is active.
func (s *Session) Reset(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrRunInProgress
	}
	s.mu.Unlock()

	if s.gate != nil {
		s.gate.Forget(s.sess.Key)
	}
	return s.store.ClearMessages(ctx, s.sess.ID)
}

// History returns up to limit most recent messages.
func (s *Session) History(ctx context.Context, limit int) ([]*models.Message, error) {
	return s.store.GetHistory(ctx, s.sess.ID, limit)
}

// Cancel aborts the active run, if any. The run returns the context
// error and emits a run.cancelled event.
func (s *Session) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
}

// Run sends one user message through the loop and returns the final
// assistant message. Streaming output and tool lifecycle are reported
// through the notification sink; Run itself blocks until the run
// completes, fails, or is cancelled.
func (s *Session) Run(ctx context.Context, content string) (*models.Message, error) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil, ErrRunInProgress
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.running = true
	s.cancel = cancel
	s.mu.Unlock()

	defer func() {
		cancel()
		s.mu.Lock()
		s.running = false
		s.cancel = nil
		s.mu.Unlock()
	}()

	runID := uuid.NewString()
	s.emit(runCtx, notify.Event{Type: notify.EventRunStarted, RunID: runID})

	msg, exhausted, err := s.run(runCtx, runID, content)
	switch {
	case err == nil && exhausted:
		metrics.Runs.WithLabelValues("exhausted").Inc()
	case err == nil:
		metrics.Runs.WithLabelValues("finished").Inc()
		s.emit(runCtx, notify.Event{Type: notify.EventRunFinished, RunID: runID})
	case errors.Is(err, context.Canceled):
		metrics.Runs.WithLabelValues("cancelled").Inc()
		s.emit(context.WithoutCancel(runCtx), notify.Event{Type: notify.EventRunCancelled, RunID: runID})
	default:
		metrics.Runs.WithLabelValues("error").Inc()
		s.emit(context.WithoutCancel(runCtx), notify.Event{
			Type:  notify.EventRunError,
			RunID: runID,
			Error: &notify.ErrorPayload{Message: err.Error()},
		})
	}
	return msg, err
}

func (s *Session) run(ctx context.Context, runID, content string) (msg *models.Message, exhausted bool, err error) {
	inbound := &models.Message{
		ID:        uuid.NewString(),
		SessionID: s.sess.ID,
		Role:      models.RoleUser,
		Content:   content,
		CreatedAt: s.nowFunc(),
	}
	if err := s.store.AppendMessage(ctx, s.sess.ID, inbound); err != nil {
		return nil, false, fmt.Errorf("persist inbound message: %w", err)
	}

	for iteration := 0; iteration < s.cfg.MaxIterations; iteration++ {
		select {
		case <-ctx.Done():
			return nil, false, ctx.Err()
		default:
		}

		assistant, toolCalls, err := s.streamTurn(ctx, runID)
		if err != nil {
			return nil, false, err
		}
		if err := s.store.AppendMessage(ctx, s.sess.ID, assistant); err != nil {
			return nil, false, fmt.Errorf("persist assistant message: %w", err)
		}

		if len(toolCalls) == 0 {
			return assistant, false, nil
		}

		results := s.executeTools(ctx, runID, toolCalls)
		if err := ctx.Err(); err != nil {
			return nil, false, err
		}

		toolMsg := &models.Message{
			ID:          uuid.NewString(),
			SessionID:   s.sess.ID,
			Role:        models.RoleTool,
			ToolResults: results,
			CreatedAt:   s.nowFunc(),
		}
		if err := s.store.AppendMessage(ctx, s.sess.ID, toolMsg); err != nil {
			return nil, false, fmt.Errorf("persist tool results: %w", err)
		}
	}

	// Iteration limit reached with the model still requesting tools.
	sentinel := &models.Message{
		ID:        uuid.NewString(),
		SessionID: s.sess.ID,
		Role:      models.RoleAssistant,
		Content:   exhaustedSentinel,
		CreatedAt: s.nowFunc(),
	}
	if err := s.store.AppendMessage(ctx, s.sess.ID, sentinel); err != nil {
		return nil, false, fmt.Errorf("persist sentinel message: %w", err)
	}
	s.emit(ctx, notify.Event{Type: notify.EventRunExhausted, RunID: runID})
	s.logger.Warn("run exhausted iteration limit", "run_id", runID, "max_iterations", s.cfg.MaxIterations)
	return sentinel, true, nil
}

// streamTurn formats history, streams one model turn, and collects the
// text and tool calls it produced.
func (s *Session) streamTurn(ctx context.Context, runID string) (*models.Message, []models.ToolCall, error) {
	history, err := s.store.GetHistory(ctx, s.sess.ID, historyLimit)
	if err != nil {
		return nil, nil, fmt.Errorf("load history: %w", err)
	}

	payload, err := s.format.Format(history, s.cfg.SystemPrompt)
	if err != nil {
		return nil, nil, fmt.Errorf("format history: %w", err)
	}
	if payload.Report.OrphanedResults > 0 || payload.Report.DanglingCalls > 0 {
		s.logger.Debug("history repaired during formatting",
			"orphaned_results", payload.Report.OrphanedResults,
			"dangling_calls", payload.Report.DanglingCalls)
	}

	req := &runner.Request{
		Model:       s.Model(),
		Payload:     payload,
		MaxTokens:   s.cfg.MaxTokens,
		Temperature: s.cfg.Temperature,
	}
	if s.tools != nil {
		req.Tools = s.tools.ToolSchemas()
	}

	chunks, err := s.model.Stream(ctx, req)
	if err != nil {
		return nil, nil, err
	}

	var text strings.Builder
	var toolCalls []models.ToolCall
	for chunk := range chunks {
		if chunk.Err != nil {
			return nil, nil, chunk.Err
		}
		if chunk.Text != "" {
			text.WriteString(chunk.Text)
			s.emit(ctx, notify.Event{
				Type:  notify.EventModelDelta,
				RunID: runID,
				Text:  &notify.TextPayload{Delta: chunk.Text},
			})
		}
		if chunk.ToolCall != nil {
			toolCalls = append(toolCalls, *chunk.ToolCall)
		}
	}

	assistant := &models.Message{
		ID:        uuid.NewString(),
		SessionID: s.sess.ID,
		Role:      models.RoleAssistant,
		Content:   text.String(),
		ToolCalls: toolCalls,
		CreatedAt: s.nowFunc(),
	}
	return assistant, toolCalls, nil
}

// executeTools runs each requested tool call through the confirmation
// gate and the tool-server manager, in order. Every call gets a result;
// denials, timeouts, and execution failures become error results so the
// model can see what happened.
func (s *Session) executeTools(ctx context.Context, runID string, calls []models.ToolCall) []models.ToolResult {
	results := make([]models.ToolResult, 0, len(calls))
	for _, call := range calls {
		if ctx.Err() != nil {
			results = append(results, models.ToolResult{
				ToolCallID: call.ID,
				Content:    "run cancelled before tool execution",
				IsError:    true,
			})
			continue
		}

		s.emit(ctx, notify.Event{
			Type:  notify.EventToolStarted,
			RunID: runID,
			Tool:  &notify.ToolPayload{CallID: call.ID, Name: call.Name, Input: call.Input},
		})

		result := s.executeTool(ctx, call)
		results = append(results, result)

		s.emit(ctx, notify.Event{
			Type:  notify.EventToolFinished,
			RunID: runID,
			Tool: &notify.ToolPayload{
				CallID:  call.ID,
				Name:    call.Name,
				Result:  result.Content,
				IsError: result.IsError,
			},
		})
	}
	return results
}

func (s *Session) executeTool(ctx context.Context, call models.ToolCall) models.ToolResult {
	if s.tools == nil {
		return models.ToolResult{
			ToolCallID: call.ID,
			Content:    "no tool servers configured",
			IsError:    true,
		}
	}

	if s.gate != nil {
		outcome, err := s.gate.Request(ctx, s.sess.Key, call)
		if err != nil {
			return models.ToolResult{
				ToolCallID: call.ID,
				Content:    "confirmation aborted: " + err.Error(),
				IsError:    true,
			}
		}
		if !outcome.Approved() {
			content := "tool execution denied by user: " + call.Name
			if outcome == gate.OutcomeTimeout {
				content = "tool execution denied: confirmation timed out for " + call.Name
			}
			return models.ToolResult{ToolCallID: call.ID, Content: content, IsError: true}
		}
	}

	var args map[string]any
	if len(call.Input) > 0 {
		if err := json.Unmarshal(call.Input, &args); err != nil {
			return models.ToolResult{
				ToolCallID: call.ID,
				Content:    "invalid tool arguments: " + err.Error(),
				IsError:    true,
			}
		}
	}

	res, err := s.tools.CallTool(ctx, call.Name, args)
	if err != nil {
		return models.ToolResult{
			ToolCallID: call.ID,
			Content:    "tool execution failed: " + err.Error(),
			IsError:    true,
		}
	}
	return models.ToolResult{
		ToolCallID: call.ID,
		Content:    res.Text(),
		IsError:    res.IsError,
	}
}

func (s *Session) emit(ctx context.Context, ev notify.Event) {
	ev.Time = s.nowFunc()
	ev.SessionKey = s.sess.Key
	s.sink.Emit(ctx, ev)
}
