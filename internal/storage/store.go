// Package storage provides session, history, and key-value persistence
// behind a single Store interface, with in-memory, SQLite, and Postgres
// implementations.
package storage

import (
	"context"
	"errors"

	"github.com/haasonsaas/parley/pkg/models"
)

// ErrNotFound is returned when a session, key, or record does not exist.
var ErrNotFound = errors.New("not found")

// Store is the interface for agent-core persistence.
type Store interface {
	// Session CRUD
	Create(ctx context.Context, session *models.Session) error
	Get(ctx context.Context, id string) (*models.Session, error)
	GetByKey(ctx context.Context, key string) (*models.Session, error)
	GetOrCreate(ctx context.Context, agentID, channelID string) (*models.Session, error)
	Update(ctx context.Context, session *models.Session) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context, agentID string, opts ListOptions) ([]*models.Session, error)

	// Message history (append-only list per session)
	AppendMessage(ctx context.Context, sessionID string, msg *models.Message) error
	GetHistory(ctx context.Context, sessionID string, limit int) ([]*models.Message, error)
	ClearMessages(ctx context.Context, sessionID string) error

	// Allowed-tools sets, keyed by session key
	SaveAllowedTools(ctx context.Context, sessionKey string, tools []string) error
	GetAllowedTools(ctx context.Context, sessionKey string) ([]string, error)

	// Generic key-value state
	Put(ctx context.Context, key string, value []byte) error
	GetValue(ctx context.Context, key string) ([]byte, error)
	DeleteValue(ctx context.Context, key string) error

	Close() error
}

// ListOptions configures session listing.
type ListOptions struct {
	Limit  int
	Offset int
}
