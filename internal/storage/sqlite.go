package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver

	"github.com/haasonsaas/parley/pkg/models"
)

// SQLiteStore implements the Store interface on a local SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at the given path
// and runs schema migration. Use ":memory:" for an ephemeral database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		path = ":memory:"
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// The modernc driver is not safe for concurrent writers on one connection pool
	// without WAL; a single connection keeps writes serialized.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *SQLiteStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			channel_id TEXT NOT NULL,
			key TEXT NOT NULL UNIQUE,
			model TEXT,
			metadata TEXT,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT,
			tool_calls TEXT,
			tool_results TEXT,
			metadata TEXT,
			created_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS allowed_tools (
			session_key TEXT PRIMARY KEY,
			tools TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS kv (
			key TEXT PRIMARY KEY,
			value BLOB
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Create(ctx context.Context, session *models.Session) error {
	if session == nil {
		return errors.New("session is required")
	}
	if session.ID == "" {
		session.ID = uuid.NewString()
	}
	now := time.Now()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	session.UpdatedAt = session.CreatedAt

	metadata, err := marshalMeta(session.Metadata)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, agent_id, channel_id, key, model, metadata, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		session.ID, session.AgentID, session.ChannelID, session.Key,
		session.Model, metadata, session.CreatedAt, session.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, agent_id, channel_id, key, model, metadata, created_at, updated_at
		 FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

func (s *SQLiteStore) GetByKey(ctx context.Context, key string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, agent_id, channel_id, key, model, metadata, created_at, updated_at
		 FROM sessions WHERE key = ?`, key)
	return scanSession(row)
}

func (s *SQLiteStore) GetOrCreate(ctx context.Context, agentID, channelID string) (*models.Session, error) {
	key := models.SessionKey(agentID, channelID)

	session, err := s.GetByKey(ctx, key)
	if err == nil {
		return session, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	session = &models.Session{
		AgentID:   agentID,
		ChannelID: channelID,
		Key:       key,
	}
	if err := s.Create(ctx, session); err != nil {
		// Lost a create race; re-read.
		if existing, getErr := s.GetByKey(ctx, key); getErr == nil {
			return existing, nil
		}
		return nil, err
	}
	return session, nil
}

func (s *SQLiteStore) Update(ctx context.Context, session *models.Session) error {
	if session == nil {
		return errors.New("session is required")
	}
	metadata, err := marshalMeta(session.Metadata)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET model = ?, metadata = ?, updated_at = ? WHERE id = ?`,
		session.Model, metadata, time.Now(), session.ID)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	session, err := s.Get(ctx, id)
	if err != nil {
		return err
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, id); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM allowed_tools WHERE session_key = ?`, session.Key); err != nil {
		return fmt.Errorf("delete allowed tools: %w", err)
	}
	return nil
}

func (s *SQLiteStore) List(ctx context.Context, agentID string, opts ListOptions) ([]*models.Session, error) {
	query := `SELECT id, agent_id, channel_id, key, model, metadata, created_at, updated_at
		 FROM sessions`
	var args []any
	if agentID != "" {
		query += ` WHERE agent_id = ?`
		args = append(args, agentID)
	}
	query += ` ORDER BY updated_at DESC`
	if opts.Limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, opts.Limit, opts.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []*models.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, session)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) AppendMessage(ctx context.Context, sessionID string, msg *models.Message) error {
	if msg == nil {
		return errors.New("message is required")
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	toolCalls, err := marshalJSON(msg.ToolCalls)
	if err != nil {
		return err
	}
	toolResults, err := marshalJSON(msg.ToolResults)
	if err != nil {
		return err
	}
	metadata, err := marshalMeta(msg.Metadata)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO messages (id, session_id, role, content, tool_calls, tool_results, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, sessionID, string(msg.Role), msg.Content,
		toolCalls, toolResults, metadata, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetHistory(ctx context.Context, sessionID string, limit int) ([]*models.Message, error) {
	query := `SELECT id, session_id, role, content, tool_calls, tool_results, metadata, created_at
		 FROM messages WHERE session_id = ? ORDER BY created_at ASC`
	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("get history: %w", err)
	}
	defer rows.Close()

	var out []*models.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	if out == nil {
		out = []*models.Message{}
	}
	return out, nil
}

func (s *SQLiteStore) ClearMessages(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("clear messages: %w", err)
	}
	return nil
}

func (s *SQLiteStore) SaveAllowedTools(ctx context.Context, sessionKey string, tools []string) error {
	data, err := json.Marshal(tools)
	if err != nil {
		return fmt.Errorf("marshal tools: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO allowed_tools (session_key, tools) VALUES (?, ?)
		 ON CONFLICT(session_key) DO UPDATE SET tools = excluded.tools`,
		sessionKey, string(data))
	if err != nil {
		return fmt.Errorf("save allowed tools: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetAllowedTools(ctx context.Context, sessionKey string) ([]string, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT tools FROM allowed_tools WHERE session_key = ?`, sessionKey).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return []string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get allowed tools: %w", err)
	}

	var tools []string
	if err := json.Unmarshal([]byte(data), &tools); err != nil {
		return nil, fmt.Errorf("parse allowed tools: %w", err)
	}
	return tools, nil
}

func (s *SQLiteStore) Put(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value)
	if err != nil {
		return fmt.Errorf("put value: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetValue(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get value: %w", err)
	}
	return value, nil
}

func (s *SQLiteStore) DeleteValue(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("delete value: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// scanner abstracts *sql.Row and *sql.Rows for the scan helpers.
type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*models.Session, error) {
	var session models.Session
	var metadata sql.NullString
	var model sql.NullString

	err := row.Scan(&session.ID, &session.AgentID, &session.ChannelID, &session.Key,
		&model, &metadata, &session.CreatedAt, &session.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}

	session.Model = model.String
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &session.Metadata); err != nil {
			return nil, fmt.Errorf("parse session metadata: %w", err)
		}
	}
	return &session, nil
}

func scanMessage(row scanner) (*models.Message, error) {
	var msg models.Message
	var role string
	var content, toolCalls, toolResults, metadata sql.NullString

	err := row.Scan(&msg.ID, &msg.SessionID, &role, &content,
		&toolCalls, &toolResults, &metadata, &msg.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("scan message: %w", err)
	}

	msg.Role = models.Role(role)
	msg.Content = content.String
	if toolCalls.Valid && toolCalls.String != "" {
		if err := json.Unmarshal([]byte(toolCalls.String), &msg.ToolCalls); err != nil {
			return nil, fmt.Errorf("parse tool calls: %w", err)
		}
	}
	if toolResults.Valid && toolResults.String != "" {
		if err := json.Unmarshal([]byte(toolResults.String), &msg.ToolResults); err != nil {
			return nil, fmt.Errorf("parse tool results: %w", err)
		}
	}
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &msg.Metadata); err != nil {
			return nil, fmt.Errorf("parse message metadata: %w", err)
		}
	}
	return &msg, nil
}

func marshalMeta(m map[string]any) (sql.NullString, error) {
	if m == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("marshal metadata: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func marshalJSON(v any) (sql.NullString, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("marshal: %w", err)
	}
	if string(data) == "null" {
		return sql.NullString{}, nil
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}
