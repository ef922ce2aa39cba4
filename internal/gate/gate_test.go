package gate

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/parley/internal/notify"
	"github.com/haasonsaas/parley/internal/storage"
	"github.com/haasonsaas/parley/pkg/models"
)

type eventRecorder struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *eventRecorder) Emit(_ context.Context, e notify.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *eventRecorder) byType(t notify.EventType) []notify.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []notify.Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func newTestGate(t *testing.T, timeout time.Duration) (*Gate, *eventRecorder) {
	t.Helper()
	rec := &eventRecorder{}
	return New(storage.NewMemoryStore(), rec, timeout, nil), rec
}

func testCall(name string) models.ToolCall {
	return models.ToolCall{
		ID:    "call_1",
		Name:  name,
		Input: json.RawMessage(`{"path":"/tmp/x"}`),
	}
}

// waitPending polls until the gate has exactly one pending confirmation
// and returns it.
func waitPending(t *testing.T, g *Gate) *PendingConfirmation {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if pending := g.Pending(); len(pending) == 1 {
			return pending[0]
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("no pending confirmation appeared")
	return nil
}

func TestRequestApproved(t *testing.T) {
	g, rec := newTestGate(t, time.Minute)

	outcomeCh := make(chan Outcome, 1)
	go func() {
		outcome, err := g.Request(context.Background(), "agent:cli", testCall("read_file"))
		if err != nil {
			t.Error(err)
		}
		outcomeCh <- outcome
	}()

	p := waitPending(t, g)
	if p.ToolName != "read_file" || p.SessionKey != "agent:cli" {
		t.Errorf("pending = %+v", p)
	}

	if err := g.Resolve(p.ExecutionID, true, false); err != nil {
		t.Fatal(err)
	}
	if outcome := <-outcomeCh; outcome != OutcomeApproved {
		t.Errorf("outcome = %q, want approved", outcome)
	}

	resolved := rec.byType(notify.EventConfirmationResolved)
	if len(resolved) != 1 || resolved[0].Confirmation.Outcome != "approved" {
		t.Errorf("resolved events = %+v", resolved)
	}
	if len(g.Pending()) != 0 {
		t.Error("confirmation still pending after resolution")
	}
}

func TestRequestDenied(t *testing.T) {
	g, _ := newTestGate(t, time.Minute)

	outcomeCh := make(chan Outcome, 1)
	go func() {
		outcome, _ := g.Request(context.Background(), "agent:cli", testCall("rm"))
		outcomeCh <- outcome
	}()

	p := waitPending(t, g)
	if err := g.Resolve(p.ExecutionID, false, false); err != nil {
		t.Fatal(err)
	}
	if outcome := <-outcomeCh; outcome != OutcomeDenied {
		t.Errorf("outcome = %q, want denied", outcome)
	}
}

func TestResolveExactlyOnce(t *testing.T) {
	g, _ := newTestGate(t, time.Minute)

	go g.Request(context.Background(), "agent:cli", testCall("read_file")) //nolint:errcheck

	p := waitPending(t, g)

	// Many concurrent resolutions: exactly one succeeds.
	const n = 8
	errs := make(chan error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- g.Resolve(p.ExecutionID, true, false)
		}()
	}
	wg.Wait()
	close(errs)

	var ok, already int
	for err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrAlreadyResolved) || errors.Is(err, ErrUnknownExecution):
			already++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if ok != 1 {
		t.Errorf("%d resolutions succeeded, want exactly 1", ok)
	}
	if already != n-1 {
		t.Errorf("%d losers, want %d", already, n-1)
	}
}

func TestResolveUnknownExecution(t *testing.T) {
	g, _ := newTestGate(t, time.Minute)
	if err := g.Resolve("nope", true, false); !errors.Is(err, ErrUnknownExecution) {
		t.Errorf("err = %v, want ErrUnknownExecution", err)
	}
}

func TestRequestTimeout(t *testing.T) {
	g, rec := newTestGate(t, 20*time.Millisecond)

	outcome, err := g.Request(context.Background(), "agent:cli", testCall("deploy"))
	if err != nil {
		t.Fatal(err)
	}
	if outcome != OutcomeTimeout {
		t.Fatalf("outcome = %q, want timeout", outcome)
	}
	if outcome.Approved() {
		t.Error("timeout must not count as approval")
	}

	// A synthetic denial event clears the prompt on the UI side.
	resolved := rec.byType(notify.EventConfirmationResolved)
	if len(resolved) != 1 || resolved[0].Confirmation.Outcome != "timeout" {
		t.Errorf("resolved events = %+v", resolved)
	}

	// Late resolution of the timed-out ID is rejected.
	requested := rec.byType(notify.EventConfirmationRequested)
	if len(requested) != 1 {
		t.Fatalf("requested events = %d, want 1", len(requested))
	}
	id := requested[0].Confirmation.ExecutionID
	if err := g.Resolve(id, true, false); !errors.Is(err, ErrUnknownExecution) {
		t.Errorf("late resolve err = %v, want ErrUnknownExecution", err)
	}
}

func TestRequestContextCancelled(t *testing.T) {
	g, _ := newTestGate(t, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	outcomeCh := make(chan struct {
		outcome Outcome
		err     error
	}, 1)
	go func() {
		outcome, err := g.Request(ctx, "agent:cli", testCall("deploy"))
		outcomeCh <- struct {
			outcome Outcome
			err     error
		}{outcome, err}
	}()

	waitPending(t, g)
	cancel()

	res := <-outcomeCh
	if !errors.Is(res.err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", res.err)
	}
	if res.outcome.Approved() {
		t.Error("cancellation must not count as approval")
	}
	if len(g.Pending()) != 0 {
		t.Error("cancelled confirmation still pending")
	}
}

func TestRememberSkipsFuturePrompts(t *testing.T) {
	store := storage.NewMemoryStore()
	rec := &eventRecorder{}
	g := New(store, rec, time.Minute, nil)

	go g.Request(context.Background(), "agent:cli", testCall("read_file")) //nolint:errcheck
	p := waitPending(t, g)
	if err := g.Resolve(p.ExecutionID, true, true); err != nil {
		t.Fatal(err)
	}

	// Allowed set persists; wait for it to land before the next request.
	deadline := time.Now().Add(2 * time.Second)
	for {
		set, err := store.GetAllowedTools(context.Background(), "agent:cli")
		if err != nil {
			t.Fatal(err)
		}
		if len(set) == 1 && set[0] == "read_file" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("allowed set never persisted: %v", set)
		}
		time.Sleep(time.Millisecond)
	}

	// Second request short-circuits without a prompt.
	outcome, err := g.Request(context.Background(), "agent:cli", testCall("read_file"))
	if err != nil {
		t.Fatal(err)
	}
	if outcome != OutcomeApproved {
		t.Fatalf("outcome = %q, want approved", outcome)
	}
	if got := len(rec.byType(notify.EventConfirmationRequested)); got != 1 {
		t.Errorf("%d prompts emitted, want 1", got)
	}

	// Other sessions still prompt.
	done := make(chan struct{})
	go func() {
		defer close(done)
		g.Request(context.Background(), "other:cli", testCall("read_file")) //nolint:errcheck
	}()
	p = waitPending(t, g)
	if p.SessionKey != "other:cli" {
		t.Errorf("pending session = %q", p.SessionKey)
	}
	g.Resolve(p.ExecutionID, false, false) //nolint:errcheck
	<-done
}

func TestForgetReloadsFromStore(t *testing.T) {
	store := storage.NewMemoryStore()
	g := New(store, notify.NopSink{}, time.Minute, nil)
	ctx := context.Background()

	if err := g.Allow(ctx, "agent:cli", "read_file"); err != nil {
		t.Fatal(err)
	}
	g.Forget("agent:cli")

	// The set survives Forget because it lives in the store.
	set, err := g.AllowedTools(ctx, "agent:cli")
	if err != nil {
		t.Fatal(err)
	}
	if len(set) != 1 || set[0] != "read_file" {
		t.Errorf("set = %v", set)
	}
}

func TestAllowIsIdempotent(t *testing.T) {
	g, _ := newTestGate(t, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := g.Allow(ctx, "agent:cli", "read_file"); err != nil {
			t.Fatal(err)
		}
	}
	set, err := g.AllowedTools(ctx, "agent:cli")
	if err != nil {
		t.Fatal(err)
	}
	if len(set) != 1 {
		t.Errorf("set = %v, want single entry", set)
	}
}

func TestMatchesPattern(t *testing.T) {
	tests := []struct {
		name     string
		patterns []string
		tool     string
		want     bool
	}{
		{"exact", []string{"read_file"}, "read_file", true},
		{"no match", []string{"read_file"}, "write_file", false},
		{"wildcard all", []string{"*"}, "anything", true},
		{"prefix", []string{"fs:*"}, "fs:read", true},
		{"prefix miss", []string{"fs:*"}, "net:fetch", false},
		{"suffix", []string{"*_file"}, "read_file", true},
		{"suffix miss", []string{"*_file"}, "read_dir", false},
		{"empty pattern", []string{""}, "read_file", false},
		{"empty list", nil, "read_file", false},
		{"mixed", []string{"net:fetch", "fs:*"}, "fs:write", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := matchesPattern(tt.patterns, tt.tool); got != tt.want {
				t.Errorf("matchesPattern(%v, %q) = %v, want %v", tt.patterns, tt.tool, got, tt.want)
			}
		})
	}
}
