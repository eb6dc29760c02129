package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"pipeline-board/domain"
)

const snapshotCacheKey = "board:state"

// Cache wraps a backend with a Redis copy of the persisted board. The copy
// is evicted whenever an event is persisted. Redis failures never fail the
// backend call; they are logged.
type Cache struct {
	base   Backend
	redis  *redis.Client
	ttl    time.Duration
	logger *log.Logger
}

// NewCache returns a caching backend. A nil client disables caching.
func NewCache(base Backend, client *redis.Client, ttl time.Duration, logger *log.Logger) *Cache {
	if base == nil {
		panic("storage.NewCache: base backend is nil")
	}
	if ttl < 0 {
		ttl = 0
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Cache{base: base, redis: client, ttl: ttl, logger: logger}
}

func (c *Cache) LoadSnapshot(ctx context.Context) (domain.BoardState, error) {
	if state, ok := c.loadFromCache(ctx); ok {
		return state, nil
	}
	state, err := c.base.LoadSnapshot(ctx)
	if err != nil {
		return domain.BoardState{}, err
	}
	c.store(ctx, state)
	return state, nil
}

func (c *Cache) Persist(ctx context.Context, ev domain.Event) error {
	if err := c.base.Persist(ctx, ev); err != nil {
		return err
	}
	c.evict(ctx)
	return nil
}

func (c *Cache) Reconcile(ctx context.Context, snap domain.Snapshot) error {
	rec, ok := c.base.(Reconciler)
	if !ok {
		return fmt.Errorf("%w: backend %T cannot reconcile", domain.ErrPreconditionFailed, c.base)
	}
	if err := rec.Reconcile(ctx, snap); err != nil {
		return err
	}
	c.evict(ctx)
	return nil
}

func (c *Cache) loadFromCache(ctx context.Context) (domain.BoardState, bool) {
	if c.redis == nil {
		return domain.BoardState{}, false
	}
	data, err := c.redis.Get(ctx, snapshotCacheKey).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.WithError(err).Warn("snapshot cache read failed")
			c.evict(ctx)
		}
		return domain.BoardState{}, false
	}
	var state domain.BoardState
	if err := sonic.Unmarshal(data, &state); err != nil {
		c.logger.WithError(err).Warn("dropping undecodable cached snapshot")
		c.evict(ctx)
		return domain.BoardState{}, false
	}
	return state, true
}

func (c *Cache) store(ctx context.Context, state domain.BoardState) {
	if c.redis == nil || c.ttl == 0 {
		return
	}
	data, err := sonic.Marshal(state)
	if err != nil {
		c.logger.WithError(err).Warn("snapshot cache encode failed")
		return
	}
	if err := c.redis.Set(ctx, snapshotCacheKey, data, c.ttl).Err(); err != nil {
		c.logger.WithError(err).Warn("snapshot cache write failed")
	}
}

func (c *Cache) evict(ctx context.Context) {
	if c.redis == nil {
		return
	}
	if err := c.redis.Del(ctx, snapshotCacheKey).Err(); err != nil {
		c.logger.WithError(err).WithField("key", snapshotCacheKey).Warn("snapshot cache eviction failed")
	}
}
