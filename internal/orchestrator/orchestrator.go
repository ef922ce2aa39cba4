// Package orchestrator owns the pool of live chat sessions. Sessions
// are created on demand from persistence, held in memory up to a
// capacity limit, and disposed when they idle past their TTL or when
// the pool needs room. Disposal drops only the in-memory handle;
// history stays persisted and the session rehydrates on next use.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/haasonsaas/parley/internal/chat"
	"github.com/haasonsaas/parley/internal/gate"
	"github.com/haasonsaas/parley/internal/metrics"
	"github.com/haasonsaas/parley/internal/notify"
	"github.com/haasonsaas/parley/internal/runner"
	"github.com/haasonsaas/parley/internal/storage"
	"github.com/haasonsaas/parley/internal/toolhost"
	"github.com/haasonsaas/parley/pkg/models"
)

const (
	// DefaultMaxLiveSessions caps how many sessions stay resident.
	DefaultMaxLiveSessions = 50

	// DefaultSessionTTL is how long a session may idle before the
	// sweeper disposes it.
	DefaultSessionTTL = time.Hour

	// DefaultSweepSchedule runs the idle sweep every five minutes.
	DefaultSweepSchedule = "@every 5m"
)

// Disposal reasons, used in logs, metrics, and events.
const (
	ReasonCapacity = "capacity"
	ReasonTTL      = "ttl"
	ReasonDeleted  = "deleted"
)

// ErrSessionNotFound is returned by Get for keys with no live session.
var ErrSessionNotFound = errors.New("no live session for key")

// Config tunes the session pool. Zero values take defaults.
type Config struct {
	MaxLiveSessions int
	SessionTTL      time.Duration
	SweepSchedule   string
	DefaultModel    string
	Chat            chat.Config
}

type liveEntry struct {
	session  *chat.Session
	lastUsed time.Time
}

// Orchestrator manages the live session pool over a persistent store.
type Orchestrator struct {
	cfg    Config
	store  storage.Store
	model  runner.Runner
	tools  *toolhost.Manager
	gate   *gate.Gate
	sink   notify.Sink
	logger *slog.Logger

	cron    *cron.Cron
	nowFunc func() time.Time

	mu   sync.Mutex
	live map[string]*liveEntry
}

// New builds an orchestrator. store and model are required; tools,
// g, and sink may be nil.
func New(cfg Config, store storage.Store, model runner.Runner, tools *toolhost.Manager, g *gate.Gate, sink notify.Sink, logger *slog.Logger) (*Orchestrator, error) {
	if store == nil {
		return nil, errors.New("orchestrator: store is nil")
	}
	if model == nil {
		return nil, errors.New("orchestrator: runner is nil")
	}
	if cfg.MaxLiveSessions <= 0 {
		cfg.MaxLiveSessions = DefaultMaxLiveSessions
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = DefaultSessionTTL
	}
	if cfg.SweepSchedule == "" {
		cfg.SweepSchedule = DefaultSweepSchedule
	}
	if sink == nil {
		sink = notify.NopSink{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Orchestrator{
		cfg:     cfg,
		store:   store,
		model:   model,
		tools:   tools,
		gate:    g,
		sink:    sink,
		logger:  logger.With("component", "orchestrator"),
		nowFunc: time.Now,
		live:    make(map[string]*liveEntry),
	}, nil
}

// SetNowFunc overrides the time source for testing.
func (o *Orchestrator) SetNowFunc(fn func() time.Time) {
	o.nowFunc = fn
}

// Start launches the periodic idle sweep.
func (o *Orchestrator) Start() error {
	if o.cron != nil {
		return nil
	}
	c := cron.New()
	if _, err := c.AddFunc(o.cfg.SweepSchedule, func() {
		n := o.ExpireIdle(context.Background())
		if n > 0 {
			o.logger.Info("idle sweep disposed sessions", "count", n)
		}
	}); err != nil {
		return fmt.Errorf("orchestrator: invalid sweep schedule %q: %w", o.cfg.SweepSchedule, err)
	}
	c.Start()
	o.cron = c
	return nil
}

// Stop halts the sweeper and disposes every live session.
func (o *Orchestrator) Stop() {
	if o.cron != nil {
		o.cron.Stop()
		o.cron = nil
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	for key := range o.live {
		o.disposeLocked(key, "shutdown")
	}
}

// CreateOrGet returns the live session for the (agent, channel) pair,
// rehydrating it from persistence when it is not resident. Bringing in
// a new session may dispose the least recently used one to stay within
// capacity.
func (o *Orchestrator) CreateOrGet(ctx context.Context, agentID, channelID string) (*chat.Session, error) {
	key := models.SessionKey(agentID, channelID)

	o.mu.Lock()
	if entry, ok := o.live[key]; ok {
		entry.lastUsed = o.nowFunc()
		o.mu.Unlock()
		return entry.session, nil
	}
	o.mu.Unlock()

	// Rehydrate outside the lock; the store call can be slow.
	rec, err := o.store.GetOrCreate(ctx, agentID, channelID)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: load session %s: %w", key, err)
	}
	if rec.Model == "" {
		rec.Model = o.cfg.DefaultModel
	}

	sess, err := chat.NewSession(rec, o.store, o.model, o.tools, o.gate, o.sink, o.cfg.Chat, o.logger)
	if err != nil {
		return nil, err
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	// Another caller may have rehydrated the same key meanwhile.
	if entry, ok := o.live[key]; ok {
		entry.lastUsed = o.nowFunc()
		return entry.session, nil
	}

	o.evictForCapacityLocked()
	o.live[key] = &liveEntry{session: sess, lastUsed: o.nowFunc()}
	metrics.SessionsLive.Set(float64(len(o.live)))
	o.logger.Debug("session activated", "session", key)
	return sess, nil
}

// Get returns the live session for key without rehydrating.
func (o *Orchestrator) Get(key string) (*chat.Session, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	entry, ok := o.live[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, key)
	}
	entry.lastUsed = o.nowFunc()
	return entry.session, nil
}

// List returns persisted sessions for an agent, live or not, most
// recently active first.
func (o *Orchestrator) List(ctx context.Context, agentID string, opts storage.ListOptions) ([]*models.Session, error) {
	sessions, err := o.store.List(ctx, agentID, opts)
	if err != nil {
		return nil, err
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].UpdatedAt.After(sessions[j].UpdatedAt)
	})
	return sessions, nil
}

// Live returns the keys of currently resident sessions.
func (o *Orchestrator) Live() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	keys := make([]string, 0, len(o.live))
	for key := range o.live {
		keys = append(keys, key)
	}
	return keys
}

// Delete disposes the live session and removes the persisted record
// with its history. Deleting an unknown key only removes persistence
// it finds; missing records are not an error.
func (o *Orchestrator) Delete(ctx context.Context, agentID, channelID string) error {
	key := models.SessionKey(agentID, channelID)

	o.mu.Lock()
	o.disposeLocked(key, ReasonDeleted)
	o.mu.Unlock()

	rec, err := o.store.GetByKey(ctx, key)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return err
	}
	if err := o.store.ClearMessages(ctx, rec.ID); err != nil {
		return err
	}
	return o.store.Delete(ctx, rec.ID)
}

// ExpireIdle disposes live sessions idle for at least the TTL and
// returns how many were disposed. Sessions with an active run are
// skipped and picked up on a later sweep.
func (o *Orchestrator) ExpireIdle(_ context.Context) int {
	now := o.nowFunc()

	o.mu.Lock()
	defer o.mu.Unlock()

	disposed := 0
	for key, entry := range o.live {
		if now.Sub(entry.lastUsed) < o.cfg.SessionTTL {
			continue
		}
		if entry.session.Running() {
			continue
		}
		o.disposeLocked(key, ReasonTTL)
		disposed++
	}
	return disposed
}

// evictForCapacityLocked makes room for one more session by disposing
// the least recently used idle entries. Running sessions are never
// evicted, so the pool can temporarily exceed capacity when every
// resident session is mid-run.
func (o *Orchestrator) evictForCapacityLocked() {
	for len(o.live) >= o.cfg.MaxLiveSessions {
		var oldestKey string
		var oldest time.Time
		for key, entry := range o.live {
			if entry.session.Running() {
				continue
			}
			if oldestKey == "" || entry.lastUsed.Before(oldest) {
				oldestKey = key
				oldest = entry.lastUsed
			}
		}
		if oldestKey == "" {
			o.logger.Warn("session pool over capacity, all sessions running",
				"live", len(o.live), "max", o.cfg.MaxLiveSessions)
			return
		}
		o.disposeLocked(oldestKey, ReasonCapacity)
	}
}

func (o *Orchestrator) disposeLocked(key, reason string) {
	entry, ok := o.live[key]
	if !ok {
		return
	}
	entry.session.Cancel()
	delete(o.live, key)
	if o.gate != nil {
		o.gate.Forget(key)
	}
	metrics.SessionsLive.Set(float64(len(o.live)))
	metrics.SessionsDisposed.WithLabelValues(reason).Inc()
	o.sink.Emit(context.Background(), notify.Event{
		Type:       notify.EventSessionDisposed,
		Time:       o.nowFunc(),
		SessionKey: key,
	})
	o.logger.Info("session disposed", "session", key, "reason", reason)
}
