package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"pipeline-board/domain"
)

type countingBackend struct {
	Backend
	loads int
}

func (c *countingBackend) LoadSnapshot(ctx context.Context) (domain.BoardState, error) {
	c.loads++
	return c.Backend.LoadSnapshot(ctx)
}

func TestCacheServesSnapshotUntilPersist(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rc.Close()

	mem, err := NewMemory(domain.BoardState{Stages: []domain.StageItems{{Stage: domain.Stage{ID: "lead", Title: "Lead"}}}})
	if err != nil {
		t.Fatalf("memory: %v", err)
	}
	base := &countingBackend{Backend: mem}
	c := NewCache(base, rc, time.Minute, nil)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		state, err := c.LoadSnapshot(ctx)
		if err != nil {
			t.Fatalf("load: %v", err)
		}
		if len(state.Stages) != 1 || state.Stages[0].ID != "lead" {
			t.Fatalf("unexpected state %+v", state)
		}
	}
	if base.loads != 1 {
		t.Fatalf("base loaded %d times, want 1", base.loads)
	}
	if !mr.Exists(snapshotCacheKey) {
		t.Fatal("expected cached snapshot")
	}
	if ttl := mr.TTL(snapshotCacheKey); ttl != time.Minute {
		t.Fatalf("ttl = %s", ttl)
	}

	stage := domain.Stage{ID: "won", Title: "Won", Position: 1}
	if err := c.Persist(ctx, domain.Event{Epoch: "e1", Seq: 1, Type: domain.StageCreated, Stage: &stage}); err != nil {
		t.Fatalf("persist: %v", err)
	}
	if mr.Exists(snapshotCacheKey) {
		t.Fatal("persist should evict the cached snapshot")
	}
	state, err := c.LoadSnapshot(ctx)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if len(state.Stages) != 2 || base.loads != 2 {
		t.Fatalf("expected fresh load with 2 stages, got %d stages after %d loads", len(state.Stages), base.loads)
	}
}

func TestCacheDropsCorruptEntry(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rc.Close()

	mem, _ := NewMemory(domain.BoardState{})
	base := &countingBackend{Backend: mem}
	mr.Set(snapshotCacheKey, "{not json")

	c := NewCache(base, rc, 0, nil)
	if _, err := c.LoadSnapshot(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}
	if base.loads != 1 {
		t.Fatalf("corrupt entry should fall through to the backend")
	}
	if mr.Exists(snapshotCacheKey) {
		t.Fatal("corrupt entry should be removed, and ttl 0 disables caching")
	}
}

func TestCacheWithoutRedis(t *testing.T) {
	mem, _ := NewMemory(domain.BoardState{})
	c := NewCache(mem, nil, time.Minute, nil)
	if _, err := c.LoadSnapshot(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}
	stage := domain.Stage{ID: "lead", Title: "Lead"}
	if err := c.Persist(context.Background(), domain.Event{Seq: 1, Type: domain.StageCreated, Stage: &stage}); err != nil {
		t.Fatalf("persist: %v", err)
	}
}

func TestCacheLogsRedisFailures(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer rc.Close()
	mr.Close()

	logger, hook := test.NewNullLogger()
	mem, _ := NewMemory(domain.BoardState{})
	c := NewCache(mem, rc, time.Minute, logger)
	ctx := context.Background()

	if _, err := c.LoadSnapshot(ctx); err != nil {
		t.Fatalf("load should fall through to the backend: %v", err)
	}
	stage := domain.Stage{ID: "lead", Title: "Lead"}
	if err := c.Persist(ctx, domain.Event{Epoch: "e1", Seq: 1, Type: domain.StageCreated, Stage: &stage}); err != nil {
		t.Fatalf("persist should not fail on redis errors: %v", err)
	}

	seen := map[string]bool{}
	for _, entry := range hook.AllEntries() {
		if entry.Level != log.WarnLevel {
			t.Fatalf("redis failure logged at %s: %s", entry.Level, entry.Message)
		}
		if entry.Data[log.ErrorKey] == nil {
			t.Fatalf("entry %q carries no error", entry.Message)
		}
		seen[entry.Message] = true
	}
	for _, msg := range []string{"snapshot cache read failed", "snapshot cache write failed", "snapshot cache eviction failed"} {
		if !seen[msg] {
			t.Fatalf("missing warning %q, got %v", msg, seen)
		}
	}
}

func TestCacheReconcileEvicts(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rc.Close()

	mem, _ := NewMemory(domain.BoardState{})
	c := NewCache(mem, rc, time.Minute, nil)
	ctx := context.Background()
	if _, err := c.LoadSnapshot(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}
	snap := domain.Snapshot{Epoch: "e1", Seq: 4, Stages: []domain.StageView{
		{Stage: domain.Stage{ID: "lead", Title: "Lead"}, Items: []domain.ItemView{}},
	}}
	if err := c.Reconcile(ctx, snap); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if mr.Exists(snapshotCacheKey) {
		t.Fatal("reconcile should evict the cached snapshot")
	}
	state, err := c.LoadSnapshot(ctx)
	if err != nil || len(state.Stages) != 1 {
		t.Fatalf("state after reconcile = %+v, %v", state, err)
	}

	plain := NewCache(&countingBackend{Backend: mem}, nil, 0, nil)
	if err := plain.Reconcile(ctx, snap); !errors.Is(err, domain.ErrPreconditionFailed) {
		t.Fatalf("expected precondition failure for a backend without reconcile, got %v", err)
	}
}
