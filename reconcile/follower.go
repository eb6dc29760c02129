package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"

	"pipeline-board/domain"
	"pipeline-board/hub"
)

// FetchFunc returns an authoritative snapshot of the primary board.
type FetchFunc func(ctx context.Context) (domain.Snapshot, error)

// Follower keeps a read-only replica of a remote primary and fans its events
// out to local viewer sessions.
type Follower struct {
	mu      sync.Mutex
	replica *Replica
	fetch   FetchFunc
	hub     *hub.Hub
	logger  *log.Logger
	policy  domain.FreshnessPolicy
}

func NewFollower(fetch FetchFunc, h *hub.Hub, policy domain.FreshnessPolicy, logger *log.Logger) *Follower {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Follower{fetch: fetch, hub: h, logger: logger, policy: policy}
}

// Start loads the first snapshot.
func (f *Follower) Start(ctx context.Context) error {
	snap, err := f.fetch(ctx)
	if err != nil {
		return fmt.Errorf("initial snapshot: %w", err)
	}
	r, err := New(snap, WithFreshnessPolicy(f.policy))
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.replica = r
	f.mu.Unlock()
	f.logger.WithFields(log.Fields{"epoch": snap.Epoch, "seq": snap.Seq}).Info("follower synchronised")
	return nil
}

// Handle applies one relayed event and republishes it locally. A gap or an
// epoch change triggers a resync; local sessions are then closed so viewers
// reconnect and receive the new snapshot.
func (f *Follower) Handle(ctx context.Context, ev domain.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.replica == nil {
		return
	}
	outcome, err := f.replica.Apply(ev)
	if err == nil {
		if outcome != Ignored {
			f.hub.Publish(ev)
		}
		return
	}
	if !errors.Is(err, ErrResyncRequired) {
		f.logger.WithError(err).Error("follower apply failed")
		return
	}
	f.logger.WithError(err).Warn("follower out of sync, reloading snapshot")
	snap, ferr := f.fetch(ctx)
	if ferr != nil {
		f.logger.WithError(ferr).Error("follower resync failed")
		return
	}
	if rerr := f.replica.Resync(snap); rerr != nil {
		f.logger.WithError(rerr).Error("follower resync failed")
		return
	}
	f.hub.Close()
}

// Snapshot returns the replica state with freshness evaluated now.
func (f *Follower) Snapshot(ctx context.Context) (domain.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.replica == nil {
		return domain.Snapshot{}, fmt.Errorf("%w: follower not synchronised", domain.ErrPreconditionFailed)
	}
	return f.replica.Confirmed(), nil
}

// Connect subscribes a session and snapshots the replica without letting an
// event slip between the two.
func (f *Follower) Connect(ctx context.Context, sessionID, actorID string) (*hub.Session, domain.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.replica == nil {
		return nil, domain.Snapshot{}, fmt.Errorf("%w: follower not synchronised", domain.ErrPreconditionFailed)
	}
	sess, err := f.hub.Subscribe(sessionID, actorID)
	if err != nil {
		return nil, domain.Snapshot{}, err
	}
	return sess, f.replica.Confirmed(), nil
}

// Epoch and Seq report the position of the replica in the primary stream.
func (f *Follower) Epoch() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.replica == nil {
		return ""
	}
	return f.replica.Epoch()
}

func (f *Follower) Seq() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.replica == nil {
		return 0
	}
	return f.replica.Seq()
}
