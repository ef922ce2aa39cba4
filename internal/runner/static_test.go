package runner

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/haasonsaas/parley/internal/adapter"
	"github.com/haasonsaas/parley/pkg/models"
)

func drain(t *testing.T, ch <-chan *Chunk) []*Chunk {
	t.Helper()
	var out []*Chunk
	for c := range ch {
		out = append(out, c)
	}
	return out
}

func TestStaticRunnerReplaysTurns(t *testing.T) {
	r := NewStaticRunner(adapter.DialectGeneric,
		[]*Chunk{
			{Text: "hello "},
			{Text: "world"},
			{Done: true, OutputTokens: 2},
		},
		[]*Chunk{
			{ToolCall: &models.ToolCall{ID: "call_1", Name: "echo", Input: json.RawMessage(`{"s":"x"}`)}},
		},
	)

	req := &Request{Model: "static-1", Payload: &adapter.Payload{Dialect: adapter.DialectGeneric}}

	ch, err := r.Stream(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	first := drain(t, ch)
	if len(first) != 3 {
		t.Fatalf("got %d chunks, want 3", len(first))
	}
	if first[0].Text+first[1].Text != "hello world" {
		t.Errorf("unexpected text %q", first[0].Text+first[1].Text)
	}
	if !first[2].Done || first[2].OutputTokens != 2 {
		t.Errorf("final chunk = %+v", first[2])
	}

	ch, err = r.Stream(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	second := drain(t, ch)
	if len(second) != 2 {
		t.Fatalf("got %d chunks, want tool call plus synthesized done", len(second))
	}
	if second[0].ToolCall == nil || second[0].ToolCall.Name != "echo" {
		t.Errorf("first chunk = %+v, want echo tool call", second[0])
	}
	if !second[1].Done {
		t.Error("turn without explicit Done should get one synthesized")
	}

	if _, err := r.Stream(context.Background(), req); err == nil {
		t.Error("expected error once the script is exhausted")
	}

	if got := len(r.Requests()); got != 3 {
		t.Errorf("recorded %d requests, want 3", got)
	}
}
