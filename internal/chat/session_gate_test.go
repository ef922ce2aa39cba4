package chat

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/parley/internal/adapter"
	"github.com/haasonsaas/parley/internal/gate"
	"github.com/haasonsaas/parley/internal/notify"
	"github.com/haasonsaas/parley/internal/runner"
	"github.com/haasonsaas/parley/internal/storage"
	"github.com/haasonsaas/parley/internal/toolhost"
)

// startToolServer runs a single-tool JSON-RPC server on a local TCP port
// and returns a connected manager for it.
func startToolServer(t *testing.T, toolName, callResult string) *toolhost.Manager {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				scanner := bufio.NewScanner(conn)
				for scanner.Scan() {
					var req toolhostRequest
					if err := json.Unmarshal(scanner.Bytes(), &req); err != nil || req.ID == nil {
						continue
					}
					var result any
					switch req.Method {
					case "initialize":
						result = map[string]any{
							"protocolVersion": "2024-11-05",
							"capabilities":    map[string]any{},
							"serverInfo":      map[string]any{"name": "test server", "version": "0.0.1"},
						}
					case "tools/list":
						result = map[string]any{"tools": []map[string]any{{
							"name":        toolName,
							"inputSchema": map[string]any{"type": "object"},
						}}}
					case "tools/call":
						result = map[string]any{"content": []map[string]any{{
							"type": "text", "text": callResult,
						}}}
					default:
						continue
					}
					raw, _ := json.Marshal(result)
					resp, _ := json.Marshal(map[string]any{
						"jsonrpc": "2.0", "id": req.ID, "result": json.RawMessage(raw),
					})
					conn.Write(append(resp, '\n')) //nolint:errcheck
				}
			}()
		}
	}()

	mgr := toolhost.NewManager(&toolhost.Config{
		Enabled: true,
		Servers: []*toolhost.ServerConfig{{
			ID:          "test",
			Transport:   toolhost.TransportSocket,
			Address:     ln.Addr().String(),
			AutoConnect: true,
		}},
	}, nil)
	if err := mgr.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { mgr.Stop() }) //nolint:errcheck
	return mgr
}

type toolhostRequest struct {
	ID     any             `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

func TestRunToolApprovalFlow(t *testing.T) {
	mgr := startToolServer(t, "lookup", "42 degrees")
	store := storage.NewMemoryStore()
	t.Cleanup(func() { store.Close() })

	events := make(chan notify.Event, 64)
	sink := notify.NewChanSink(events)
	g := gate.New(store, sink, time.Minute, nil)

	rec, err := store.GetOrCreate(context.Background(), "agent-1", "cli")
	if err != nil {
		t.Fatal(err)
	}
	static := runner.NewStaticRunner(adapter.DialectGeneric,
		toolTurn("call_1", "lookup", `{}`),
		textTurn("it is 42 degrees"),
	)
	sess, err := NewSession(rec, store, static, mgr, g, sink, Config{}, nil)
	if err != nil {
		t.Fatal(err)
	}

	// Approve the confirmation as soon as it is requested.
	go func() {
		for ev := range events {
			if ev.Type == notify.EventConfirmationRequested {
				g.Resolve(ev.Confirmation.ExecutionID, true, false) //nolint:errcheck
				return
			}
		}
	}()

	msg, err := sess.Run(context.Background(), "what's the temperature?")
	if err != nil {
		t.Fatal(err)
	}
	if msg.Content != "it is 42 degrees" {
		t.Errorf("final content = %q", msg.Content)
	}

	history, err := store.GetHistory(context.Background(), msg.SessionID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 4 {
		t.Fatalf("history = %d messages, want 4", len(history))
	}
	res := history[2].ToolResults[0]
	if res.IsError || res.Content != "42 degrees" {
		t.Errorf("tool result = %+v, want the server's answer", res)
	}
}

func TestRunConfirmationTimeoutContinues(t *testing.T) {
	mgr := startToolServer(t, "lookup", "never reached")
	store := storage.NewMemoryStore()
	t.Cleanup(func() { store.Close() })

	// Nothing answers the prompt, so the 20ms timeout denies it.
	g := gate.New(store, notify.NopSink{}, 20*time.Millisecond, nil)

	rec, err := store.GetOrCreate(context.Background(), "agent-1", "cli")
	if err != nil {
		t.Fatal(err)
	}
	static := runner.NewStaticRunner(adapter.DialectGeneric,
		toolTurn("call_1", "lookup", `{}`),
		textTurn("understood, skipping that"),
	)
	sess, err := NewSession(rec, store, static, mgr, g, notify.NopSink{}, Config{}, nil)
	if err != nil {
		t.Fatal(err)
	}

	msg, err := sess.Run(context.Background(), "look it up")
	if err != nil {
		t.Fatal(err)
	}
	// The denial becomes an error result and the loop keeps going.
	if msg.Content != "understood, skipping that" {
		t.Errorf("final content = %q", msg.Content)
	}

	history, err := store.GetHistory(context.Background(), msg.SessionID, 10)
	if err != nil {
		t.Fatal(err)
	}
	res := history[2].ToolResults[0]
	if !res.IsError || !strings.Contains(res.Content, "timed out") {
		t.Errorf("tool result = %+v, want a timeout denial", res)
	}
}

func TestRunRememberedToolSkipsPrompt(t *testing.T) {
	mgr := startToolServer(t, "lookup", "cached answer")
	store := storage.NewMemoryStore()
	t.Cleanup(func() { store.Close() })

	recorder := make(chan notify.Event, 64)
	sink := notify.NewChanSink(recorder)
	g := gate.New(store, sink, 20*time.Millisecond, nil)

	rec, err := store.GetOrCreate(context.Background(), "agent-1", "cli")
	if err != nil {
		t.Fatal(err)
	}
	if err := g.Allow(context.Background(), rec.Key, "lookup"); err != nil {
		t.Fatal(err)
	}

	static := runner.NewStaticRunner(adapter.DialectGeneric,
		toolTurn("call_1", "lookup", `{}`),
		textTurn("done"),
	)
	sess, err := NewSession(rec, store, static, mgr, g, sink, Config{}, nil)
	if err != nil {
		t.Fatal(err)
	}

	msg, err := sess.Run(context.Background(), "again please")
	if err != nil {
		t.Fatal(err)
	}
	if msg.Content != "done" {
		t.Errorf("final content = %q", msg.Content)
	}

	// Pre-approved tools never prompt, so the short timeout cannot fire.
	close(recorder)
	for ev := range recorder {
		if ev.Type == notify.EventConfirmationRequested {
			t.Error("allowed tool still prompted for confirmation")
		}
	}
}
