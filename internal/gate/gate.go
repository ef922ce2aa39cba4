// Package gate implements the tool-confirmation gate: tool calls that are
// not pre-approved block until a user approves or denies them, with a
// timeout that counts as denial.
package gate

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/parley/internal/metrics"
	"github.com/haasonsaas/parley/internal/notify"
	"github.com/haasonsaas/parley/internal/storage"
	"github.com/haasonsaas/parley/pkg/models"
)

// DefaultTimeout is how long a confirmation waits before counting as denied.
const DefaultTimeout = 30 * time.Second

var (
	// ErrUnknownExecution indicates no pending confirmation exists for the ID.
	ErrUnknownExecution = errors.New("unknown execution id")

	// ErrAlreadyResolved indicates the confirmation was already approved,
	// denied, or timed out.
	ErrAlreadyResolved = errors.New("confirmation already resolved")
)

// Outcome is the terminal state of a confirmation.
type Outcome string

const (
	OutcomeApproved Outcome = "approved"
	OutcomeDenied   Outcome = "denied"
	OutcomeTimeout  Outcome = "timeout"
)

// Approved reports whether the outcome permits execution.
func (o Outcome) Approved() bool { return o == OutcomeApproved }

// PendingConfirmation is a tool call waiting for a user decision.
type PendingConfirmation struct {
	ExecutionID string          `json:"execution_id"`
	SessionKey  string          `json:"session_key"`
	ToolName    string          `json:"tool_name"`
	Input       json.RawMessage `json:"input,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`

	resolved bool
	decision chan decision
}

type decision struct {
	approved bool
	remember bool
}

// Gate mediates tool execution through user confirmation, keyed by
// execution ID. Allowed-tools sets are persisted per session and
// short-circuit the prompt.
type Gate struct {
	store   storage.Store
	sink    notify.Sink
	logger  *slog.Logger
	timeout time.Duration

	mu      sync.Mutex
	pending map[string]*PendingConfirmation
	allowed map[string][]string // session key -> cached allowed set

	nowFunc func() time.Time
}

// New creates a confirmation gate. A zero timeout uses DefaultTimeout.
func New(store storage.Store, sink notify.Sink, timeout time.Duration, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	if sink == nil {
		sink = notify.NopSink{}
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Gate{
		store:   store,
		sink:    sink,
		logger:  logger.With("component", "gate"),
		timeout: timeout,
		pending: make(map[string]*PendingConfirmation),
		allowed: make(map[string][]string),
		nowFunc: time.Now,
	}
}

// SetNowFunc overrides the time source for testing.
func (g *Gate) SetNowFunc(fn func() time.Time) {
	g.nowFunc = fn
}

// Request asks for permission to execute a tool call. It returns
// immediately when the session's allowed set covers the tool, otherwise
// it emits a confirmation request and blocks until the call is approved,
// denied, timed out, or the context is cancelled.
func (g *Gate) Request(ctx context.Context, sessionKey string, call models.ToolCall) (Outcome, error) {
	allowed, err := g.allowedSet(ctx, sessionKey)
	if err != nil {
		g.logger.Warn("failed to load allowed tools, prompting", "session", sessionKey, "error", err)
	}
	if matchesPattern(allowed, call.Name) {
		metrics.Confirmations.WithLabelValues(string(OutcomeApproved)).Inc()
		return OutcomeApproved, nil
	}

	p := &PendingConfirmation{
		ExecutionID: uuid.NewString(),
		SessionKey:  sessionKey,
		ToolName:    call.Name,
		Input:       call.Input,
		CreatedAt:   g.nowFunc(),
		decision:    make(chan decision, 1),
	}

	g.mu.Lock()
	g.pending[p.ExecutionID] = p
	g.mu.Unlock()

	g.sink.Emit(ctx, notify.Event{
		Type:       notify.EventConfirmationRequested,
		Time:       p.CreatedAt,
		SessionKey: sessionKey,
		Confirmation: &notify.ConfirmationPayload{
			ExecutionID: p.ExecutionID,
			ToolName:    call.Name,
			Input:       call.Input,
		},
	})
	g.logger.Info("confirmation requested",
		"execution_id", p.ExecutionID,
		"tool", call.Name,
		"session", sessionKey)

	timer := time.NewTimer(g.timeout)
	defer timer.Stop()

	select {
	case d := <-p.decision:
		outcome := OutcomeDenied
		if d.approved {
			outcome = OutcomeApproved
			if d.remember {
				g.remember(ctx, sessionKey, call.Name)
			}
		}
		g.emitResolved(ctx, p, outcome)
		metrics.Confirmations.WithLabelValues(string(outcome)).Inc()
		return outcome, nil

	case <-timer.C:
		if !g.takeover(p.ExecutionID) {
			// Lost the race to a concurrent Resolve; use its decision.
			d := <-p.decision
			outcome := OutcomeDenied
			if d.approved {
				outcome = OutcomeApproved
				if d.remember {
					g.remember(ctx, sessionKey, call.Name)
				}
			}
			g.emitResolved(ctx, p, outcome)
			metrics.Confirmations.WithLabelValues(string(outcome)).Inc()
			return outcome, nil
		}
		// Synthetic denial so UIs can clear the prompt.
		g.emitResolved(ctx, p, OutcomeTimeout)
		g.logger.Info("confirmation timed out",
			"execution_id", p.ExecutionID,
			"tool", call.Name)
		metrics.Confirmations.WithLabelValues(string(OutcomeTimeout)).Inc()
		return OutcomeTimeout, nil

	case <-ctx.Done():
		g.takeover(p.ExecutionID)
		return OutcomeDenied, ctx.Err()
	}
}

// Resolve records a user decision for a pending confirmation. The first
// resolution wins; later calls return ErrAlreadyResolved. With remember
// set, an approval also adds the tool to the session's allowed set.
func (g *Gate) Resolve(executionID string, approved, remember bool) error {
	g.mu.Lock()
	p, ok := g.pending[executionID]
	if !ok {
		g.mu.Unlock()
		return ErrUnknownExecution
	}
	if p.resolved {
		g.mu.Unlock()
		return ErrAlreadyResolved
	}
	p.resolved = true
	delete(g.pending, executionID)
	g.mu.Unlock()

	p.decision <- decision{approved: approved, remember: remember}
	return nil
}

// Pending returns a snapshot of unresolved confirmations.
func (g *Gate) Pending() []*PendingConfirmation {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]*PendingConfirmation, 0, len(g.pending))
	for _, p := range g.pending {
		clone := *p
		out = append(out, &clone)
	}
	return out
}

// AllowedTools returns the session's current allowed set.
func (g *Gate) AllowedTools(ctx context.Context, sessionKey string) ([]string, error) {
	return g.allowedSet(ctx, sessionKey)
}

// Allow adds a tool (or pattern) to a session's allowed set and persists it.
func (g *Gate) Allow(ctx context.Context, sessionKey, pattern string) error {
	set, err := g.allowedSet(ctx, sessionKey)
	if err != nil {
		return err
	}
	for _, existing := range set {
		if existing == pattern {
			return nil
		}
	}
	set = append(set, pattern)

	if err := g.store.SaveAllowedTools(ctx, sessionKey, set); err != nil {
		return err
	}

	g.mu.Lock()
	g.allowed[sessionKey] = set
	g.mu.Unlock()
	return nil
}

// Forget drops the cached allowed set for a session. Called on disposal
// so a rehydrated session reloads from the store.
func (g *Gate) Forget(sessionKey string) {
	g.mu.Lock()
	delete(g.allowed, sessionKey)
	g.mu.Unlock()
}

// takeover marks a pending confirmation resolved from the gate's side
// (timeout, cancellation). Returns false if a Resolve call won the race.
func (g *Gate) takeover(executionID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	p, ok := g.pending[executionID]
	if !ok || p.resolved {
		return false
	}
	p.resolved = true
	delete(g.pending, executionID)
	return true
}

func (g *Gate) remember(ctx context.Context, sessionKey, toolName string) {
	if err := g.Allow(ctx, sessionKey, toolName); err != nil {
		g.logger.Warn("failed to persist allowed tool",
			"session", sessionKey,
			"tool", toolName,
			"error", err)
	}
}

func (g *Gate) emitResolved(ctx context.Context, p *PendingConfirmation, outcome Outcome) {
	g.sink.Emit(ctx, notify.Event{
		Type:       notify.EventConfirmationResolved,
		Time:       g.nowFunc(),
		SessionKey: p.SessionKey,
		Confirmation: &notify.ConfirmationPayload{
			ExecutionID: p.ExecutionID,
			ToolName:    p.ToolName,
			Outcome:     string(outcome),
		},
	})
}

func (g *Gate) allowedSet(ctx context.Context, sessionKey string) ([]string, error) {
	g.mu.Lock()
	set, ok := g.allowed[sessionKey]
	g.mu.Unlock()
	if ok {
		return set, nil
	}

	set, err := g.store.GetAllowedTools(ctx, sessionKey)
	if err != nil {
		return nil, err
	}

	g.mu.Lock()
	g.allowed[sessionKey] = set
	g.mu.Unlock()
	return set, nil
}

// matchesPattern checks if toolName matches any pattern in the list.
// Supports: exact match, prefix* match, *suffix match, and * (all).
// A "server:*" entry therefore allows every tool of that server when
// catalog names are server-qualified.
func matchesPattern(patterns []string, toolName string) bool {
	for _, pattern := range patterns {
		if pattern == "" {
			continue
		}
		if pattern == "*" {
			return true
		}
		if pattern == toolName {
			return true
		}
		if len(pattern) > 1 && pattern[len(pattern)-1] == '*' {
			prefix := pattern[:len(pattern)-1]
			if len(toolName) >= len(prefix) && toolName[:len(prefix)] == prefix {
				return true
			}
		}
		if len(pattern) > 1 && pattern[0] == '*' {
			suffix := pattern[1:]
			if len(toolName) >= len(suffix) && toolName[len(toolName)-len(suffix):] == suffix {
				return true
			}
		}
	}
	return false
}
