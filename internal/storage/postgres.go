package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/haasonsaas/parley/pkg/models"
)

// PostgresStore implements the Store interface using PostgreSQL, for
// deployments where several instances share state.
type PostgresStore struct {
	db *sql.DB
}

// PostgresConfig holds connection pool settings.
type PostgresConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// DefaultPostgresConfig returns default pool settings.
func DefaultPostgresConfig() *PostgresConfig {
	return &PostgresConfig{
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 2 * time.Minute,
	}
}

// NewPostgresStore opens a connection to the given DSN and runs schema migration.
func NewPostgresStore(dsn string, cfg *PostgresConfig) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errors.New("dsn is required")
	}
	if cfg == nil {
		cfg = DefaultPostgresConfig()
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgresStoreFromDB wraps an existing connection without migrating.
// Used by tests with a mock connection.
func NewPostgresStoreFromDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			channel_id TEXT NOT NULL,
			key TEXT NOT NULL UNIQUE,
			model TEXT,
			metadata JSONB,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT,
			tool_calls JSONB,
			tool_results JSONB,
			metadata JSONB,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS allowed_tools (
			session_key TEXT PRIMARY KEY,
			tools JSONB NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS kv (
			key TEXT PRIMARY KEY,
			value BYTEA
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) Create(ctx context.Context, session *models.Session) error {
	if session == nil {
		return errors.New("session is required")
	}
	if session.ID == "" {
		session.ID = uuid.NewString()
	}
	if session.CreatedAt.IsZero() {
		session.CreatedAt = time.Now()
	}
	session.UpdatedAt = session.CreatedAt

	metadata, err := marshalMeta(session.Metadata)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, agent_id, channel_id, key, model, metadata, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		session.ID, session.AgentID, session.ChannelID, session.Key,
		session.Model, metadata, session.CreatedAt, session.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, agent_id, channel_id, key, model, metadata, created_at, updated_at
		 FROM sessions WHERE id = $1`, id)
	return scanSession(row)
}

func (s *PostgresStore) GetByKey(ctx context.Context, key string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, agent_id, channel_id, key, model, metadata, created_at, updated_at
		 FROM sessions WHERE key = $1`, key)
	return scanSession(row)
}

func (s *PostgresStore) GetOrCreate(ctx context.Context, agentID, channelID string) (*models.Session, error) {
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
		if existing, getErr := s.GetByKey(ctx, key); getErr == nil {
			return existing, nil
		}
		return nil, err
	}
	return session, nil
}

func (s *PostgresStore) Update(ctx context.Context, session *models.Session) error {
	if session == nil {
		return errors.New("session is required")
	}
	metadata, err := marshalMeta(session.Metadata)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET model = $1, metadata = $2, updated_at = $3 WHERE id = $4`,
		session.Model, metadata, time.Now(), session.ID)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	session, err := s.Get(ctx, id)
	if err != nil {
		return err
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE session_id = $1`, id); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM allowed_tools WHERE session_key = $1`, session.Key); err != nil {
		return fmt.Errorf("delete allowed tools: %w", err)
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context, agentID string, opts ListOptions) ([]*models.Session, error) {
	query := `SELECT id, agent_id, channel_id, key, model, metadata, created_at, updated_at
		 FROM sessions`
	var args []any
	if agentID != "" {
		query += ` WHERE agent_id = $1`
		args = append(args, agentID)
	}
	query += ` ORDER BY updated_at DESC`
	if opts.Limit > 0 {
		query += fmt.Sprintf(` LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)
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

func (s *PostgresStore) AppendMessage(ctx context.Context, sessionID string, msg *models.Message) error {
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
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		msg.ID, sessionID, string(msg.Role), msg.Content,
		toolCalls, toolResults, metadata, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetHistory(ctx context.Context, sessionID string, limit int) ([]*models.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, role, content, tool_calls, tool_results, metadata, created_at
		 FROM messages WHERE session_id = $1 ORDER BY created_at ASC`, sessionID)
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

func (s *PostgresStore) ClearMessages(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE session_id = $1`, sessionID)
	if err != nil {
		return fmt.Errorf("clear messages: %w", err)
	}
	return nil
}

func (s *PostgresStore) SaveAllowedTools(ctx context.Context, sessionKey string, tools []string) error {
	data, err := json.Marshal(tools)
	if err != nil {
		return fmt.Errorf("marshal tools: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO allowed_tools (session_key, tools) VALUES ($1, $2)
		 ON CONFLICT (session_key) DO UPDATE SET tools = EXCLUDED.tools`,
		sessionKey, string(data))
	if err != nil {
		return fmt.Errorf("save allowed tools: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetAllowedTools(ctx context.Context, sessionKey string) ([]string, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT tools FROM allowed_tools WHERE session_key = $1`, sessionKey).Scan(&data)
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

func (s *PostgresStore) Put(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv (key, value) VALUES ($1, $2)
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`,
		key, value)
	if err != nil {
		return fmt.Errorf("put value: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetValue(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get value: %w", err)
	}
	return value, nil
}

func (s *PostgresStore) DeleteValue(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = $1`, key)
	if err != nil {
		return fmt.Errorf("delete value: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
