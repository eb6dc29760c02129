package board

import (
	"time"

	"pipeline-board/domain"
)

// Projection renders the store as the snapshot a viewer receives.
type Projection struct {
	store  *Store
	policy domain.FreshnessPolicy
}

func NewProjection(store *Store, policy domain.FreshnessPolicy) *Projection {
	return &Projection{store: store, policy: policy}
}

// Snapshot builds an ordered view under the store read lock with freshness
// computed for now.
func (p *Projection) Snapshot(epoch string, seq int64, now time.Time) domain.Snapshot {
	p.store.mu.RLock()
	defer p.store.mu.RUnlock()
	return Render(p.store.stateLocked(), p.policy, epoch, seq, now)
}

// Render turns a raw board into a snapshot.
func Render(state domain.BoardState, policy domain.FreshnessPolicy, epoch string, seq int64, now time.Time) domain.Snapshot {
	snap := domain.Snapshot{
		Epoch:       epoch,
		Seq:         seq,
		GeneratedAt: now,
		Stages:      make([]domain.StageView, 0, len(state.Stages)),
	}
	for _, st := range state.Stages {
		view := domain.StageView{Stage: st.Stage, Items: make([]domain.ItemView, 0, len(st.Items))}
		for _, it := range st.Items {
			view.Items = append(view.Items, domain.ItemView{
				Item:      it,
				Freshness: policy.Evaluate(it.LastActivity, st.Threshold.Std(), now),
			})
		}
		snap.Stages = append(snap.Stages, view)
	}
	return snap
}
