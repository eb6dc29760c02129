package storage

import (
	"context"
	"fmt"

	"pipeline-board/domain"
)

// Loader returns the persisted board at startup.
type Loader interface {
	LoadSnapshot(ctx context.Context) (domain.BoardState, error)
}

// Persister records one applied event. Events arrive in sequence order and
// may be redelivered after a restart, so implementations must tolerate
// duplicates.
type Persister interface {
	Persist(ctx context.Context, ev domain.Event) error
}

// Reconciler replaces the persisted board with snap and records snap's
// epoch and sequence as delivered. The outbox falls back to it when an event
// could not be logged and the backend would otherwise never see it.
type Reconciler interface {
	Reconcile(ctx context.Context, snap domain.Snapshot) error
}

// SnapshotFunc returns the authoritative board.
type SnapshotFunc func(ctx context.Context) (domain.Snapshot, error)

// Backend is a complete persistence boundary.
type Backend interface {
	Loader
	Persister
}

// Kind names a configured backend.
type Kind string

const (
	KindPostgres Kind = "postgres"
	KindAzure    Kind = "azure"
	KindMemory   Kind = "memory"
)

// ParseKind validates a PERSISTENCE_BACKEND value.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case KindPostgres, KindAzure, KindMemory:
		return k, nil
	case "":
		return KindMemory, nil
	}
	return "", fmt.Errorf("%w: unknown persistence backend %q", domain.ErrInvalidArgument, s)
}
