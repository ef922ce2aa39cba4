package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/haasonsaas/parley/pkg/models"
)

// storeUnderTest runs the suite against each Store implementation that
// can be exercised without external services.
func storeUnderTest(t *testing.T, fn func(t *testing.T, store Store)) {
	t.Helper()

	t.Run("memory", func(t *testing.T) {
		store := NewMemoryStore()
		defer store.Close()
		fn(t, store)
	})

	t.Run("sqlite", func(t *testing.T) {
		store, err := NewSQLiteStore(":memory:")
		if err != nil {
			t.Fatal(err)
		}
		defer store.Close()
		fn(t, store)
	})
}

func TestSessionLifecycle(t *testing.T) {
	storeUnderTest(t, func(t *testing.T, store Store) {
		ctx := context.Background()

		session := &models.Session{
			AgentID:   "support",
			ChannelID: "slack",
			Key:       models.SessionKey("support", "slack"),
			Model:     "claude-sonnet-4-20250514",
			Metadata:  map[string]any{"team": "billing"},
		}
		if err := store.Create(ctx, session); err != nil {
			t.Fatal(err)
		}
		if session.ID == "" {
			t.Fatal("Create did not assign an ID")
		}

		got, err := store.Get(ctx, session.ID)
		if err != nil {
			t.Fatal(err)
		}
		if got.Key != "support:slack" || got.Model != session.Model {
			t.Errorf("Get = %+v", got)
		}
		if got.Metadata["team"] != "billing" {
			t.Errorf("metadata = %v", got.Metadata)
		}

		byKey, err := store.GetByKey(ctx, "support:slack")
		if err != nil {
			t.Fatal(err)
		}
		if byKey.ID != session.ID {
			t.Errorf("GetByKey ID = %s, want %s", byKey.ID, session.ID)
		}

		got.Model = "gpt-4o"
		if err := store.Update(ctx, got); err != nil {
			t.Fatal(err)
		}
		updated, err := store.Get(ctx, session.ID)
		if err != nil {
			t.Fatal(err)
		}
		if updated.Model != "gpt-4o" {
			t.Errorf("Model after update = %q", updated.Model)
		}

		if err := store.Delete(ctx, session.ID); err != nil {
			t.Fatal(err)
		}
		if _, err := store.Get(ctx, session.ID); !errors.Is(err, ErrNotFound) {
			t.Errorf("Get after delete = %v, want ErrNotFound", err)
		}
		if _, err := store.GetByKey(ctx, "support:slack"); !errors.Is(err, ErrNotFound) {
			t.Errorf("GetByKey after delete = %v, want ErrNotFound", err)
		}
	})
}

func TestGetOrCreateIsIdempotent(t *testing.T) {
	storeUnderTest(t, func(t *testing.T, store Store) {
		ctx := context.Background()

		first, err := store.GetOrCreate(ctx, "support", "slack")
		if err != nil {
			t.Fatal(err)
		}
		second, err := store.GetOrCreate(ctx, "support", "slack")
		if err != nil {
			t.Fatal(err)
		}
		if first.ID != second.ID {
			t.Errorf("GetOrCreate created a second session: %s vs %s", first.ID, second.ID)
		}
		if first.Key != "support:slack" {
			t.Errorf("Key = %q", first.Key)
		}

		other, err := store.GetOrCreate(ctx, "support", "email")
		if err != nil {
			t.Fatal(err)
		}
		if other.ID == first.ID {
			t.Error("distinct channels share a session")
		}
	})
}

func TestNotFoundErrors(t *testing.T) {
	storeUnderTest(t, func(t *testing.T, store Store) {
		ctx := context.Background()

		if _, err := store.Get(ctx, "ghost"); !errors.Is(err, ErrNotFound) {
			t.Errorf("Get = %v", err)
		}
		if _, err := store.GetByKey(ctx, "ghost:key"); !errors.Is(err, ErrNotFound) {
			t.Errorf("GetByKey = %v", err)
		}
		if err := store.Update(ctx, &models.Session{ID: "ghost"}); !errors.Is(err, ErrNotFound) {
			t.Errorf("Update = %v", err)
		}
		if err := store.Delete(ctx, "ghost"); !errors.Is(err, ErrNotFound) {
			t.Errorf("Delete = %v", err)
		}
		if _, err := store.GetValue(ctx, "ghost"); !errors.Is(err, ErrNotFound) {
			t.Errorf("GetValue = %v", err)
		}
	})
}

func TestMessageHistory(t *testing.T) {
	storeUnderTest(t, func(t *testing.T, store Store) {
		ctx := context.Background()

		session, err := store.GetOrCreate(ctx, "support", "slack")
		if err != nil {
			t.Fatal(err)
		}

		base := time.Now().Add(-time.Minute).Truncate(time.Millisecond)
		msgs := []*models.Message{
			{Role: models.RoleUser, Content: "hello", CreatedAt: base},
			{
				Role:    models.RoleAssistant,
				Content: "checking",
				ToolCalls: []models.ToolCall{
					{ID: "call_1", Name: "lookup", Input: json.RawMessage(`{"q":"order"}`)},
				},
				CreatedAt: base.Add(time.Second),
			},
			{
				Role: models.RoleTool,
				ToolResults: []models.ToolResult{
					{ToolCallID: "call_1", Content: "found it", IsError: false},
				},
				CreatedAt: base.Add(2 * time.Second),
			},
		}
		for _, msg := range msgs {
			if err := store.AppendMessage(ctx, session.ID, msg); err != nil {
				t.Fatal(err)
			}
		}

		history, err := store.GetHistory(ctx, session.ID, 0)
		if err != nil {
			t.Fatal(err)
		}
		if len(history) != 3 {
			t.Fatalf("history = %d messages, want 3", len(history))
		}
		if history[0].Content != "hello" || history[2].Role != models.RoleTool {
			t.Errorf("history out of order: %+v", history)
		}
		if len(history[1].ToolCalls) != 1 || history[1].ToolCalls[0].Name != "lookup" {
			t.Errorf("tool calls lost: %+v", history[1])
		}
		if len(history[2].ToolResults) != 1 || history[2].ToolResults[0].Content != "found it" {
			t.Errorf("tool results lost: %+v", history[2])
		}

		// Limit keeps the most recent messages.
		tail, err := store.GetHistory(ctx, session.ID, 2)
		if err != nil {
			t.Fatal(err)
		}
		if len(tail) != 2 || tail[0].Content != "checking" {
			t.Errorf("limited history = %+v", tail)
		}

		if err := store.ClearMessages(ctx, session.ID); err != nil {
			t.Fatal(err)
		}
		cleared, err := store.GetHistory(ctx, session.ID, 0)
		if err != nil {
			t.Fatal(err)
		}
		if len(cleared) != 0 {
			t.Errorf("history after clear = %d messages", len(cleared))
		}
	})
}

func TestListSessions(t *testing.T) {
	storeUnderTest(t, func(t *testing.T, store Store) {
		ctx := context.Background()

		for _, ch := range []string{"slack", "email", "cli"} {
			if _, err := store.GetOrCreate(ctx, "support", ch); err != nil {
				t.Fatal(err)
			}
		}
		if _, err := store.GetOrCreate(ctx, "sales", "slack"); err != nil {
			t.Fatal(err)
		}

		all, err := store.List(ctx, "", ListOptions{})
		if err != nil {
			t.Fatal(err)
		}
		if len(all) != 4 {
			t.Errorf("List all = %d, want 4", len(all))
		}

		support, err := store.List(ctx, "support", ListOptions{})
		if err != nil {
			t.Fatal(err)
		}
		if len(support) != 3 {
			t.Errorf("List support = %d, want 3", len(support))
		}

		limited, err := store.List(ctx, "support", ListOptions{Limit: 2})
		if err != nil {
			t.Fatal(err)
		}
		if len(limited) != 2 {
			t.Errorf("List limited = %d, want 2", len(limited))
		}
	})
}

func TestAllowedToolsRoundTrip(t *testing.T) {
	storeUnderTest(t, func(t *testing.T, store Store) {
		ctx := context.Background()

		// Missing key is an empty set, not an error.
		set, err := store.GetAllowedTools(ctx, "support:slack")
		if err != nil {
			t.Fatal(err)
		}
		if len(set) != 0 {
			t.Errorf("initial set = %v", set)
		}

		if err := store.SaveAllowedTools(ctx, "support:slack", []string{"read_file", "fs:*"}); err != nil {
			t.Fatal(err)
		}
		set, err = store.GetAllowedTools(ctx, "support:slack")
		if err != nil {
			t.Fatal(err)
		}
		if len(set) != 2 || set[0] != "read_file" || set[1] != "fs:*" {
			t.Errorf("set = %v", set)
		}

		// Save replaces, not merges.
		if err := store.SaveAllowedTools(ctx, "support:slack", []string{"*"}); err != nil {
			t.Fatal(err)
		}
		set, err = store.GetAllowedTools(ctx, "support:slack")
		if err != nil {
			t.Fatal(err)
		}
		if len(set) != 1 || set[0] != "*" {
			t.Errorf("set after overwrite = %v", set)
		}
	})
}

func TestKeyValueRoundTrip(t *testing.T) {
	storeUnderTest(t, func(t *testing.T, store Store) {
		ctx := context.Background()

		if err := store.Put(ctx, "cursor", []byte("42")); err != nil {
			t.Fatal(err)
		}
		value, err := store.GetValue(ctx, "cursor")
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(value, []byte("42")) {
			t.Errorf("value = %q", value)
		}

		if err := store.Put(ctx, "cursor", []byte("43")); err != nil {
			t.Fatal(err)
		}
		value, err = store.GetValue(ctx, "cursor")
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(value, []byte("43")) {
			t.Errorf("value after overwrite = %q", value)
		}

		if err := store.DeleteValue(ctx, "cursor"); err != nil {
			t.Fatal(err)
		}
		if _, err := store.GetValue(ctx, "cursor"); !errors.Is(err, ErrNotFound) {
			t.Errorf("GetValue after delete = %v", err)
		}

		// Deleting a missing key is a no-op.
		if err := store.DeleteValue(ctx, "cursor"); err != nil {
			t.Errorf("second delete = %v", err)
		}
	})
}

func TestDeleteCascades(t *testing.T) {
	storeUnderTest(t, func(t *testing.T, store Store) {
		ctx := context.Background()

		session, err := store.GetOrCreate(ctx, "support", "slack")
		if err != nil {
			t.Fatal(err)
		}
		if err := store.AppendMessage(ctx, session.ID, &models.Message{
			Role: models.RoleUser, Content: "hello",
		}); err != nil {
			t.Fatal(err)
		}
		if err := store.SaveAllowedTools(ctx, session.Key, []string{"read_file"}); err != nil {
			t.Fatal(err)
		}

		if err := store.Delete(ctx, session.ID); err != nil {
			t.Fatal(err)
		}

		history, err := store.GetHistory(ctx, session.ID, 0)
		if err != nil {
			t.Fatal(err)
		}
		if len(history) != 0 {
			t.Errorf("messages survived session delete: %d", len(history))
		}
		set, err := store.GetAllowedTools(ctx, session.Key)
		if err != nil {
			t.Fatal(err)
		}
		if len(set) != 0 {
			t.Errorf("allowed tools survived session delete: %v", set)
		}
	})
}

func TestMemoryStoreClonesOnRead(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	session, err := store.GetOrCreate(ctx, "support", "slack")
	if err != nil {
		t.Fatal(err)
	}
	if err := store.AppendMessage(ctx, session.ID, &models.Message{
		Role: models.RoleUser, Content: "original",
	}); err != nil {
		t.Fatal(err)
	}

	history, err := store.GetHistory(ctx, session.ID, 0)
	if err != nil {
		t.Fatal(err)
	}
	history[0].Content = "mutated"

	again, err := store.GetHistory(ctx, session.ID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if again[0].Content != "original" {
		t.Error("caller mutation leaked into the store")
	}
}

func TestMemoryStoreTrimsHistory(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	session, err := store.GetOrCreate(ctx, "support", "slack")
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < maxMessagesPerSession+10; i++ {
		if err := store.AppendMessage(ctx, session.ID, &models.Message{
			Role: models.RoleUser, Content: "msg",
		}); err != nil {
			t.Fatal(err)
		}
	}

	history, err := store.GetHistory(ctx, session.ID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != maxMessagesPerSession {
		t.Errorf("history = %d messages, want %d", len(history), maxMessagesPerSession)
	}
}
