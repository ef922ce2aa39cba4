package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/parley/internal/adapter"
	"github.com/haasonsaas/parley/internal/runner"
	"github.com/haasonsaas/parley/internal/storage"
	"github.com/haasonsaas/parley/pkg/models"
)

func newTestOrchestrator(t *testing.T, cfg Config) (*Orchestrator, storage.Store, *func() time.Time) {
	t.Helper()
	store := storage.NewMemoryStore()
	t.Cleanup(func() { store.Close() })

	static := runner.NewStaticRunner(adapter.DialectGeneric)
	o, err := New(cfg, store, static, nil, nil, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	o.SetNowFunc(func() time.Time { return clock() })
	return o, store, &clock
}

func TestCreateOrGetReturnsSameSession(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, Config{})

	a, err := o.CreateOrGet(context.Background(), "agent-1", "cli")
	if err != nil {
		t.Fatal(err)
	}
	b, err := o.CreateOrGet(context.Background(), "agent-1", "cli")
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Error("same key should return the same live session")
	}

	c, err := o.CreateOrGet(context.Background(), "agent-1", "slack")
	if err != nil {
		t.Fatal(err)
	}
	if a == c {
		t.Error("different channels must get different sessions")
	}
	if got := len(o.Live()); got != 2 {
		t.Errorf("live count = %d, want 2", got)
	}
}

func TestCapacityEvictsLRU(t *testing.T) {
	o, _, clockp := newTestOrchestrator(t, Config{MaxLiveSessions: 3})
	base := (*clockp)()

	keys := []string{"a", "b", "c"}
	for i, ch := range keys {
		tick := base.Add(time.Duration(i) * time.Minute)
		*clockp = func() time.Time { return tick }
		if _, err := o.CreateOrGet(context.Background(), "agent-1", ch); err != nil {
			t.Fatal(err)
		}
	}

	// Touch "a" so "b" becomes the least recently used.
	touch := base.Add(10 * time.Minute)
	*clockp = func() time.Time { return touch }
	if _, err := o.Get(models.SessionKey("agent-1", "a")); err != nil {
		t.Fatal(err)
	}

	later := base.Add(11 * time.Minute)
	*clockp = func() time.Time { return later }
	if _, err := o.CreateOrGet(context.Background(), "agent-1", "d"); err != nil {
		t.Fatal(err)
	}

	if got := len(o.Live()); got != 3 {
		t.Fatalf("live count = %d, want 3 (capacity)", got)
	}
	if _, err := o.Get(models.SessionKey("agent-1", "b")); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected LRU session b to be evicted, got %v", err)
	}
	for _, ch := range []string{"a", "c", "d"} {
		if _, err := o.Get(models.SessionKey("agent-1", ch)); err != nil {
			t.Errorf("session %s should still be live: %v", ch, err)
		}
	}
}

func TestCapacityHoldsUnderConcurrentCreates(t *testing.T) {
	const max = 5
	o, _, _ := newTestOrchestrator(t, Config{MaxLiveSessions: max})

	var wg sync.WaitGroup
	for i := 0; i < 4*max; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := o.CreateOrGet(context.Background(), "agent-1", fmt.Sprintf("ch-%d", i)); err != nil {
				t.Error(err)
			}
		}(i)
	}
	wg.Wait()

	if got := len(o.Live()); got > max {
		t.Errorf("live count = %d, exceeds capacity %d", got, max)
	}
}

func TestListOrdersByRecentActivity(t *testing.T) {
	o, store, _ := newTestOrchestrator(t, Config{})
	ctx := context.Background()

	for _, ch := range []string{"old", "new"} {
		if _, err := o.CreateOrGet(ctx, "agent-1", ch); err != nil {
			t.Fatal(err)
		}
	}
	// Touch "old" in the store so it becomes the most recent.
	rec, err := store.GetByKey(ctx, models.SessionKey("agent-1", "old"))
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(5 * time.Millisecond)
	if err := store.Update(ctx, rec); err != nil {
		t.Fatal(err)
	}

	sessions, err := o.List(ctx, "agent-1", storage.ListOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(sessions) != 2 || sessions[0].ChannelID != "old" {
		t.Errorf("List order = %v", sessionChannels(sessions))
	}
}

func sessionChannels(sessions []*models.Session) []string {
	out := make([]string, len(sessions))
	for i, s := range sessions {
		out[i] = s.ChannelID
	}
	return out
}

func TestExpireIdle(t *testing.T) {
	o, _, clockp := newTestOrchestrator(t, Config{SessionTTL: time.Hour})
	base := (*clockp)()

	for i := 0; i < 3; i++ {
		if _, err := o.CreateOrGet(context.Background(), "agent-1", fmt.Sprintf("ch-%d", i)); err != nil {
			t.Fatal(err)
		}
	}

	// Keep ch-0 fresh, let the others pass the TTL.
	fresh := base.Add(90 * time.Minute)
	*clockp = func() time.Time { return fresh }
	if _, err := o.Get(models.SessionKey("agent-1", "ch-0")); err != nil {
		t.Fatal(err)
	}

	sweep := base.Add(100 * time.Minute)
	*clockp = func() time.Time { return sweep }
	if got := o.ExpireIdle(context.Background()); got != 2 {
		t.Errorf("disposed %d sessions, want 2", got)
	}
	if _, err := o.Get(models.SessionKey("agent-1", "ch-0")); err != nil {
		t.Errorf("fresh session should survive the sweep: %v", err)
	}

	// A second sweep right away finds nothing.
	if got := o.ExpireIdle(context.Background()); got != 0 {
		t.Errorf("second sweep disposed %d, want 0", got)
	}
}

func TestDisposalKeepsHistory(t *testing.T) {
	o, store, clockp := newTestOrchestrator(t, Config{SessionTTL: time.Minute})
	base := (*clockp)()

	sess, err := o.CreateOrGet(context.Background(), "agent-1", "cli")
	if err != nil {
		t.Fatal(err)
	}
	rec, err := store.GetByKey(context.Background(), sess.Key())
	if err != nil {
		t.Fatal(err)
	}
	msg := &models.Message{ID: "m1", SessionID: rec.ID, Role: models.RoleUser, Content: "remember me"}
	if err := store.AppendMessage(context.Background(), rec.ID, msg); err != nil {
		t.Fatal(err)
	}

	later := base.Add(5 * time.Minute)
	*clockp = func() time.Time { return later }
	if got := o.ExpireIdle(context.Background()); got != 1 {
		t.Fatalf("disposed %d, want 1", got)
	}

	// Rehydration brings back the same persisted session and history.
	revived, err := o.CreateOrGet(context.Background(), "agent-1", "cli")
	if err != nil {
		t.Fatal(err)
	}
	history, err := revived.History(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 1 || history[0].Content != "remember me" {
		t.Errorf("history after rehydration = %+v", history)
	}
}

func TestDeleteRemovesPersistence(t *testing.T) {
	o, store, _ := newTestOrchestrator(t, Config{})

	sess, err := o.CreateOrGet(context.Background(), "agent-1", "cli")
	if err != nil {
		t.Fatal(err)
	}
	key := sess.Key()

	if err := o.Delete(context.Background(), "agent-1", "cli"); err != nil {
		t.Fatal(err)
	}
	if _, err := o.Get(key); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("live session should be gone, got %v", err)
	}
	if _, err := store.GetByKey(context.Background(), key); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("persisted session should be gone, got %v", err)
	}

	// Deleting again is a no-op.
	if err := o.Delete(context.Background(), "agent-1", "cli"); err != nil {
		t.Errorf("second delete: %v", err)
	}
}

func TestDefaultModelApplied(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, Config{DefaultModel: "claude-sonnet-4-20250514"})

	sess, err := o.CreateOrGet(context.Background(), "agent-1", "cli")
	if err != nil {
		t.Fatal(err)
	}
	if got := sess.Model(); got != "claude-sonnet-4-20250514" {
		t.Errorf("model = %q, want default applied", got)
	}
}
