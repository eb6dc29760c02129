package board

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"pipeline-board/domain"
	"pipeline-board/hub"
)

// Operation names a mutation for authorization and logging.
type Operation string

const (
	OpMoveItem      Operation = "move-item"
	OpCreateStage   Operation = "create-stage"
	OpUpdateStage   Operation = "update-stage"
	OpDeleteStage   Operation = "delete-stage"
	OpReorderStages Operation = "reorder-stages"
	OpCreateItem    Operation = "create-item"
	OpUpdateItem    Operation = "update-item"
	OpTouchItem     Operation = "touch-item"
	OpDeleteItem    Operation = "delete-item"
)

// Broadcaster fans events out to viewer sessions.
type Broadcaster interface {
	Publish(ev domain.Event)
	Subscribe(sessionID, actorID string) (*hub.Session, error)
}

// Sink receives every applied event after broadcast. Enqueue runs inside the
// mutation boundary and must not block on network I/O.
type Sink interface {
	Enqueue(ev domain.Event) error
}

// Gate is implemented by sinks that can refuse new work. A saturated gate
// rejects the mutation before anything is applied.
type Gate interface {
	Saturated() bool
}

// Loader returns the persisted board.
type Loader interface {
	LoadSnapshot(ctx context.Context) (domain.BoardState, error)
}

// Authorizer decides whether the caller in ctx may run op.
type Authorizer interface {
	Authorize(ctx context.Context, actorID string, op Operation) error
}

// RoleAuthorizer denies mutations to read-only principals. Calls without a
// principal in the context come from the service itself and are allowed.
type RoleAuthorizer struct{}

func (RoleAuthorizer) Authorize(ctx context.Context, actorID string, op Operation) error {
	p, ok := domain.PrincipalFrom(ctx)
	if !ok {
		return nil
	}
	if p.ReadOnly() {
		return fmt.Errorf("%w: actor %q may not %s", domain.ErrPermissionDenied, actorID, op)
	}
	return nil
}

type Option func(*Engine)

// WithSink adds an event sink, such as the persistence outbox or the relay.
func WithSink(s Sink) Option { return func(e *Engine) { e.sinks = append(e.sinks, s) } }

func WithAuthorizer(a Authorizer) Option { return func(e *Engine) { e.auth = a } }

func WithLogger(l *log.Logger) Option { return func(e *Engine) { e.logger = l } }

// WithMutationTimeout bounds how long a caller waits for the mutation
// boundary before failing with domain.ErrTimeout.
func WithMutationTimeout(d time.Duration) Option { return func(e *Engine) { e.timeout = d } }

func WithFreshnessPolicy(p domain.FreshnessPolicy) Option {
	return func(e *Engine) { e.policy = p }
}

func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// WithIDGenerator overrides the generator for stage, item and intent ids.
func WithIDGenerator(f func() string) Option { return func(e *Engine) { e.newID = f } }

// Engine is the single writer of the board. Every mutation runs inside one
// critical section that applies it, stamps it with the next sequence number,
// broadcasts it and hands it to the sinks.
type Engine struct {
	store   *Store
	hub     Broadcaster
	sinks   []Sink
	auth    Authorizer
	logger  *log.Logger
	policy  domain.FreshnessPolicy
	timeout time.Duration
	now     func() time.Time
	newID   func() string

	// sem serialises mutations including their sink hand-off. view guards
	// apply, sequence stamping and broadcast; readers only take its read side.
	sem   chan struct{}
	view  sync.RWMutex
	epoch string
	seq   atomic.Int64
}

func NewEngine(store *Store, broadcaster Broadcaster, opts ...Option) *Engine {
	e := &Engine{
		store:   store,
		hub:     broadcaster,
		auth:    RoleAuthorizer{},
		logger:  log.StandardLogger(),
		policy:  domain.DefaultFreshnessPolicy,
		timeout: 5 * time.Second,
		now:     func() time.Time { return time.Now().UTC() },
		newID:   uuid.NewString,
		sem:     make(chan struct{}, 1),
		epoch:   uuid.NewString(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Epoch identifies this engine instance. Sequence numbers restart with a new epoch.
func (e *Engine) Epoch() string { return e.epoch }

// Seq returns the sequence number of the last applied event.
func (e *Engine) Seq() int64 { return e.seq.Load() }

// Policy returns the freshness policy used for snapshots.
func (e *Engine) Policy() domain.FreshnessPolicy { return e.policy }

func (e *Engine) acquire(ctx context.Context) (func(), error) {
	select {
	case e.sem <- struct{}{}:
		return func() { <-e.sem }, nil
	default:
	}
	var timeout <-chan time.Time
	if e.timeout > 0 {
		timer := time.NewTimer(e.timeout)
		defer timer.Stop()
		timeout = timer.C
	}
	select {
	case e.sem <- struct{}{}:
		return func() { <-e.sem }, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", domain.ErrTimeout, ctx.Err())
	case <-timeout:
		return nil, fmt.Errorf("%w: board busy for %s", domain.ErrTimeout, e.timeout)
	}
}

// mutate runs apply inside the critical section and publishes its event.
func (e *Engine) mutate(ctx context.Context, op Operation, actorID, intentID string, apply func(at time.Time) (domain.Event, error)) (domain.Event, error) {
	if err := e.auth.Authorize(ctx, actorID, op); err != nil {
		return domain.Event{}, err
	}
	release, err := e.acquire(ctx)
	if err != nil {
		return domain.Event{}, err
	}
	defer release()

	for _, s := range e.sinks {
		if g, ok := s.(Gate); ok && g.Saturated() {
			return domain.Event{}, fmt.Errorf("%w: persistence is unavailable or its backlog is full", domain.ErrTimeout)
		}
	}

	e.view.Lock()
	at := e.now()
	ev, err := apply(at)
	if err != nil {
		e.view.Unlock()
		e.logger.WithFields(log.Fields{"op": op, "actor": actorID, "intent": intentID}).WithError(err).Debug("mutation rejected")
		return domain.Event{}, err
	}
	ev.Epoch = e.epoch
	ev.Seq = e.seq.Add(1)
	ev.ActorID = actorID
	ev.IntentID = intentID
	ev.Timestamp = at
	e.hub.Publish(ev)
	e.view.Unlock()

	for _, s := range e.sinks {
		if err := s.Enqueue(ev); err != nil {
			e.logger.WithFields(log.Fields{"op": op, "seq": ev.Seq}).WithError(err).Error("event sink enqueue failed")
		}
	}
	e.logger.WithFields(log.Fields{"op": op, "actor": actorID, "seq": ev.Seq}).Debug("mutation applied")
	return ev, nil
}

// Move relocates an item on behalf of a viewer.
func (e *Engine) Move(ctx context.Context, intent domain.MoveIntent) (domain.Event, error) {
	if err := intent.Validate(); err != nil {
		return domain.Event{}, err
	}
	if intent.IntentID == "" {
		intent.IntentID = e.newID()
	}
	return e.mutate(ctx, OpMoveItem, intent.ActorID, intent.IntentID, func(at time.Time) (domain.Event, error) {
		mv, err := e.store.MoveItem(intent.ItemID, intent.TargetStageID, intent.TargetPosition, at)
		if err != nil {
			return domain.Event{}, err
		}
		return domain.Event{Type: domain.ItemMoved, Move: &mv}, nil
	})
}

func (e *Engine) CreateStage(ctx context.Context, actorID string, draft domain.StageDraft) (domain.Event, error) {
	if err := draft.Validate(); err != nil {
		return domain.Event{}, err
	}
	if draft.ID == "" {
		draft.ID = e.newID()
	}
	return e.mutate(ctx, OpCreateStage, actorID, "", func(time.Time) (domain.Event, error) {
		st, err := e.store.CreateStage(draft)
		if err != nil {
			return domain.Event{}, err
		}
		return domain.Event{Type: domain.StageCreated, Stage: &st}, nil
	})
}

func (e *Engine) UpdateStage(ctx context.Context, actorID, stageID string, patch domain.StagePatch) (domain.Event, error) {
	if err := patch.Validate(); err != nil {
		return domain.Event{}, err
	}
	return e.mutate(ctx, OpUpdateStage, actorID, "", func(time.Time) (domain.Event, error) {
		st, err := e.store.UpdateStage(stageID, patch)
		if err != nil {
			return domain.Event{}, err
		}
		return domain.Event{Type: domain.StageUpdated, Stage: &st}, nil
	})
}

// DeleteStage removes a stage, appending its items to reassignTo.
func (e *Engine) DeleteStage(ctx context.Context, actorID, stageID, reassignTo string) (domain.Event, error) {
	if stageID == "" {
		return domain.Event{}, fmt.Errorf("%w: stage id is required", domain.ErrInvalidArgument)
	}
	return e.mutate(ctx, OpDeleteStage, actorID, "", func(at time.Time) (domain.Event, error) {
		del, err := e.store.DeleteStage(stageID, reassignTo, at)
		if err != nil {
			return domain.Event{}, err
		}
		return domain.Event{Type: domain.StageDeleted, StageDeletion: &del}, nil
	})
}

func (e *Engine) ReorderStages(ctx context.Context, actorID string, ids []string) (domain.Event, error) {
	return e.mutate(ctx, OpReorderStages, actorID, "", func(time.Time) (domain.Event, error) {
		order, err := e.store.ReorderStages(ids)
		if err != nil {
			return domain.Event{}, err
		}
		return domain.Event{Type: domain.StagesReordered, StageOrder: order}, nil
	})
}

func (e *Engine) CreateItem(ctx context.Context, actorID string, draft domain.ItemDraft) (domain.Event, error) {
	if err := draft.Validate(); err != nil {
		return domain.Event{}, err
	}
	if draft.ID == "" {
		draft.ID = e.newID()
	}
	return e.mutate(ctx, OpCreateItem, actorID, "", func(at time.Time) (domain.Event, error) {
		it, err := e.store.CreateItem(draft, at)
		if err != nil {
			return domain.Event{}, err
		}
		return domain.Event{Type: domain.ItemCreated, Item: &it}, nil
	})
}

func (e *Engine) UpdateItem(ctx context.Context, actorID, itemID string, patch domain.ItemPatch) (domain.Event, error) {
	if err := patch.Validate(); err != nil {
		return domain.Event{}, err
	}
	return e.mutate(ctx, OpUpdateItem, actorID, "", func(at time.Time) (domain.Event, error) {
		it, err := e.store.UpdateItem(itemID, patch, at)
		if err != nil {
			return domain.Event{}, err
		}
		return domain.Event{Type: domain.ItemUpdated, Item: &it}, nil
	})
}

// TouchItem records activity on an item, resetting its freshness.
func (e *Engine) TouchItem(ctx context.Context, actorID, itemID string) (domain.Event, error) {
	return e.mutate(ctx, OpTouchItem, actorID, "", func(at time.Time) (domain.Event, error) {
		it, err := e.store.TouchItem(itemID, at)
		if err != nil {
			return domain.Event{}, err
		}
		return domain.Event{Type: domain.ItemUpdated, Item: &it}, nil
	})
}

func (e *Engine) DeleteItem(ctx context.Context, actorID, itemID string) (domain.Event, error) {
	return e.mutate(ctx, OpDeleteItem, actorID, "", func(time.Time) (domain.Event, error) {
		it, err := e.store.DeleteItem(itemID)
		if err != nil {
			return domain.Event{}, err
		}
		return domain.Event{Type: domain.ItemDeleted, Item: &it}, nil
	})
}

// Snapshot returns the board with freshness evaluated now. It shares the
// read side of the view lock, so it never waits for a sink hand-off.
func (e *Engine) Snapshot(ctx context.Context) (domain.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return domain.Snapshot{}, fmt.Errorf("%w: %v", domain.ErrTimeout, err)
	}
	e.view.RLock()
	defer e.view.RUnlock()
	return NewProjection(e.store, e.policy).Snapshot(e.epoch, e.seq.Load(), e.now()), nil
}

// Connect subscribes a viewer session and returns its initial snapshot. Both
// happen under the write side of the view lock, so the first queued event is
// exactly the one after the snapshot.
func (e *Engine) Connect(ctx context.Context, sessionID, actorID string) (*hub.Session, domain.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, domain.Snapshot{}, fmt.Errorf("%w: %v", domain.ErrTimeout, err)
	}
	e.view.Lock()
	defer e.view.Unlock()
	sess, err := e.hub.Subscribe(sessionID, actorID)
	if err != nil {
		return nil, domain.Snapshot{}, err
	}
	snap := NewProjection(e.store, e.policy).Snapshot(e.epoch, e.seq.Load(), e.now())
	return sess, snap, nil
}

// Bootstrap loads the persisted board. An empty board is seeded with the
// given stages, which are broadcast and persisted like any other mutation.
func (e *Engine) Bootstrap(ctx context.Context, loader Loader, seed []domain.StageDraft) error {
	if loader != nil {
		state, err := loader.LoadSnapshot(ctx)
		if err != nil {
			return fmt.Errorf("load board: %w", err)
		}
		if err := e.store.Load(state); err != nil {
			return fmt.Errorf("load board: %w", err)
		}
	}
	if stages, items := e.store.Len(); stages > 0 || items > 0 {
		e.logger.WithFields(log.Fields{"stages": stages, "items": items, "epoch": e.epoch}).Info("board loaded")
		return nil
	}
	for _, draft := range seed {
		if _, err := e.CreateStage(ctx, domain.SystemActor, draft); err != nil {
			return fmt.Errorf("seed stage %q: %w", draft.Title, err)
		}
	}
	e.logger.WithFields(log.Fields{"stages": len(seed), "epoch": e.epoch}).Info("board seeded")
	return nil
}

func isNotFound(err error) bool { return errors.Is(err, domain.ErrNotFound) }
