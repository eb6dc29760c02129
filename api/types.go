package api

import (
	"context"

	"pipeline-board/domain"
	"pipeline-board/hub"
	"pipeline-board/storage"
)

// Board serves reads and live sessions. Both the primary engine and a
// read-only follower implement it.
type Board interface {
	Snapshot(ctx context.Context) (domain.Snapshot, error)
	Connect(ctx context.Context, sessionID, actorID string) (*hub.Session, domain.Snapshot, error)
}

// Mutator applies board changes. It is nil on read-only nodes.
type Mutator interface {
	Move(ctx context.Context, intent domain.MoveIntent) (domain.Event, error)
	CreateStage(ctx context.Context, actorID string, draft domain.StageDraft) (domain.Event, error)
	UpdateStage(ctx context.Context, actorID, stageID string, patch domain.StagePatch) (domain.Event, error)
	DeleteStage(ctx context.Context, actorID, stageID, reassignTo string) (domain.Event, error)
	ReorderStages(ctx context.Context, actorID string, ids []string) (domain.Event, error)
	CreateItem(ctx context.Context, actorID string, draft domain.ItemDraft) (domain.Event, error)
	UpdateItem(ctx context.Context, actorID, itemID string, patch domain.ItemPatch) (domain.Event, error)
	TouchItem(ctx context.Context, actorID, itemID string) (domain.Event, error)
	DeleteItem(ctx context.Context, actorID, itemID string) (domain.Event, error)
}

// Authenticator resolves the caller from the Authorization header.
type Authenticator interface {
	PrincipalFromAuthHeader(string) (domain.Principal, error)
}

// Deduper prevents the same move intent from being applied twice.
type Deduper interface {
	// Add records the intent id and returns true if it was newly added.
	Add(ctx context.Context, actorID, key string) (bool, error)
	// Remove deletes a previously added key, used when the move was rejected.
	Remove(ctx context.Context, actorID, key string) error
}

// OutboxReporter exposes persistence backlog diagnostics.
type OutboxReporter interface {
	Stats() storage.OutboxStats
}

// SessionLister exposes live viewer sessions.
type SessionLister interface {
	Sessions() []hub.Info
}
