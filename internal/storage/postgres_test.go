package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/haasonsaas/parley/pkg/models"
)

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
		db.Close()
	})
	return NewPostgresStoreFromDB(db), mock
}

func sessionRows(session *models.Session) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "agent_id", "channel_id", "key", "model", "metadata", "created_at", "updated_at",
	}).AddRow(session.ID, session.AgentID, session.ChannelID, session.Key,
		session.Model, nil, session.CreatedAt, session.UpdatedAt)
}

func TestPostgresGetByKey(t *testing.T) {
	store, mock := newMockStore(t)

	now := time.Now()
	want := &models.Session{
		ID: "sess-1", AgentID: "support", ChannelID: "slack",
		Key: "support:slack", Model: "gpt-4o", CreatedAt: now, UpdatedAt: now,
	}
	mock.ExpectQuery(`SELECT .+ FROM sessions WHERE key = \$1`).
		WithArgs("support:slack").
		WillReturnRows(sessionRows(want))

	got, err := store.GetByKey(context.Background(), "support:slack")
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != "sess-1" || got.Model != "gpt-4o" {
		t.Errorf("got = %+v", got)
	}
}

func TestPostgresGetByKeyNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	// An empty result set maps to ErrNotFound.
	mock.ExpectQuery(`SELECT .+ FROM sessions WHERE key = \$1`).
		WithArgs("ghost:key").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "agent_id", "channel_id", "key", "model", "metadata", "created_at", "updated_at",
		}))

	if _, err := store.GetByKey(context.Background(), "ghost:key"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestPostgresGetOrCreateRace(t *testing.T) {
	store, mock := newMockStore(t)
	emptySession := sqlmock.NewRows([]string{
		"id", "agent_id", "channel_id", "key", "model", "metadata", "created_at", "updated_at",
	})

	// First read misses, the insert loses a unique-key race, and the
	// follow-up read returns the winner's row.
	mock.ExpectQuery(`SELECT .+ FROM sessions WHERE key = \$1`).
		WithArgs("support:slack").
		WillReturnRows(emptySession)
	mock.ExpectExec(`INSERT INTO sessions`).
		WillReturnError(errors.New(`pq: duplicate key value violates unique constraint "sessions_key_key"`))

	now := time.Now()
	winner := &models.Session{
		ID: "winner", AgentID: "support", ChannelID: "slack",
		Key: "support:slack", CreatedAt: now, UpdatedAt: now,
	}
	mock.ExpectQuery(`SELECT .+ FROM sessions WHERE key = \$1`).
		WithArgs("support:slack").
		WillReturnRows(sessionRows(winner))

	got, err := store.GetOrCreate(context.Background(), "support", "slack")
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != "winner" {
		t.Errorf("got.ID = %q, want the race winner", got.ID)
	}
}

func TestPostgresUpdateNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(`UPDATE sessions SET`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.Update(context.Background(), &models.Session{ID: "ghost"})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestPostgresAppendAndHistory(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectExec(`INSERT INTO messages`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	msg := &models.Message{
		Role:    models.RoleAssistant,
		Content: "checking",
		ToolCalls: []models.ToolCall{
			{ID: "call_1", Name: "lookup", Input: []byte(`{"q":"x"}`)},
		},
	}
	if err := store.AppendMessage(ctx, "sess-1", msg); err != nil {
		t.Fatal(err)
	}
	if msg.ID == "" || msg.CreatedAt.IsZero() {
		t.Error("AppendMessage did not assign ID and timestamp")
	}

	now := time.Now()
	mock.ExpectQuery(`SELECT .+ FROM messages WHERE session_id = \$1`).
		WithArgs("sess-1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "session_id", "role", "content", "tool_calls", "tool_results", "metadata", "created_at",
		}).
			AddRow("m1", "sess-1", "user", "hello", nil, nil, nil, now).
			AddRow("m2", "sess-1", "assistant", "checking",
				`[{"id":"call_1","name":"lookup","input":{"q":"x"}}]`, nil, nil, now.Add(time.Second)))

	history, err := store.GetHistory(ctx, "sess-1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 2 {
		t.Fatalf("history = %d messages", len(history))
	}
	if len(history[1].ToolCalls) != 1 || history[1].ToolCalls[0].Name != "lookup" {
		t.Errorf("tool calls = %+v", history[1].ToolCalls)
	}
}

func TestPostgresAllowedToolsUpsert(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectExec(`INSERT INTO allowed_tools .+ ON CONFLICT`).
		WithArgs("support:slack", `["read_file","fs:*"]`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	if err := store.SaveAllowedTools(ctx, "support:slack", []string{"read_file", "fs:*"}); err != nil {
		t.Fatal(err)
	}

	mock.ExpectQuery(`SELECT tools FROM allowed_tools`).
		WithArgs("support:slack").
		WillReturnRows(sqlmock.NewRows([]string{"tools"}).AddRow(`["read_file","fs:*"]`))
	set, err := store.GetAllowedTools(ctx, "support:slack")
	if err != nil {
		t.Fatal(err)
	}
	if len(set) != 2 || set[0] != "read_file" {
		t.Errorf("set = %v", set)
	}

	// Missing key reads back as an empty set.
	mock.ExpectQuery(`SELECT tools FROM allowed_tools`).
		WithArgs("ghost:key").
		WillReturnRows(sqlmock.NewRows([]string{"tools"}))
	set, err = store.GetAllowedTools(ctx, "ghost:key")
	if err != nil {
		t.Fatal(err)
	}
	if len(set) != 0 {
		t.Errorf("set = %v, want empty", set)
	}
}

func TestPostgresDeleteCascades(t *testing.T) {
	store, mock := newMockStore(t)

	now := time.Now()
	session := &models.Session{
		ID: "sess-1", AgentID: "support", ChannelID: "slack",
		Key: "support:slack", CreatedAt: now, UpdatedAt: now,
	}
	mock.ExpectQuery(`SELECT .+ FROM sessions WHERE id = \$1`).
		WithArgs("sess-1").
		WillReturnRows(sessionRows(session))
	mock.ExpectExec(`DELETE FROM sessions WHERE id = \$1`).
		WithArgs("sess-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`DELETE FROM messages WHERE session_id = \$1`).
		WithArgs("sess-1").
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec(`DELETE FROM allowed_tools WHERE session_key = \$1`).
		WithArgs("support:slack").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := store.Delete(context.Background(), "sess-1"); err != nil {
		t.Fatal(err)
	}
}
