package reconcile

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"pipeline-board/board"
	"pipeline-board/domain"
)

// ErrResyncRequired means the replica can no longer trust its confirmed
// state and must be reset from a fresh snapshot.
var ErrResyncRequired = errors.New("resync required")

// Outcome classifies what an authoritative event did to the replica.
type Outcome int

const (
	// Ignored events were duplicates or belonged to a retired epoch.
	Ignored Outcome = iota
	// Remote events came from another actor.
	Remote
	// Confirmed events matched the optimistic guess of a pending intent.
	Confirmed
	// Corrected events resolved a pending intent differently than guessed.
	Corrected
)

func (o Outcome) String() string {
	switch o {
	case Remote:
		return "remote"
	case Confirmed:
		return "confirmed"
	case Corrected:
		return "corrected"
	}
	return "ignored"
}

type placement struct {
	stageID  string
	position int
	found    bool
}

type pendingIntent struct {
	intent     domain.MoveIntent
	proposedAt time.Time
}

// Replica is a viewer's copy of the board. The visible state is the
// confirmed state with pending optimistic moves replayed on top; rolling back
// a move is dropping it from the pending list.
type Replica struct {
	mu        sync.Mutex
	epoch     string
	seq       int64
	retired   map[string]struct{}
	confirmed *board.Store
	pending   []pendingIntent
	policy    domain.FreshnessPolicy
	now       func() time.Time
	newID     func() string
}

type Option func(*Replica)

func WithFreshnessPolicy(p domain.FreshnessPolicy) Option {
	return func(r *Replica) { r.policy = p }
}

func WithClock(now func() time.Time) Option { return func(r *Replica) { r.now = now } }

func WithIDGenerator(f func() string) Option { return func(r *Replica) { r.newID = f } }

// New builds a replica from the snapshot a viewer received on connect.
func New(snap domain.Snapshot, opts ...Option) (*Replica, error) {
	r := &Replica{
		retired: make(map[string]struct{}),
		policy:  domain.DefaultFreshnessPolicy,
		now:     func() time.Time { return time.Now().UTC() },
		newID:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.confirmed = board.NewStore(0)
	if err := r.resetLocked(snap); err != nil {
		return nil, err
	}
	return r, nil
}

// Epoch and Seq identify the last authoritative event applied.
func (r *Replica) Epoch() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.epoch
}

func (r *Replica) Seq() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.seq
}

// Propose applies a move optimistically. The returned intent carries the id
// to submit to the server.
func (r *Replica) Propose(intent domain.MoveIntent) (domain.MoveIntent, error) {
	if err := intent.Validate(); err != nil {
		return intent, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if intent.IntentID == "" {
		intent.IntentID = r.newID()
	}
	if r.pendingIndexLocked(intent.IntentID) >= 0 {
		return intent, fmt.Errorf("%w: intent %q already pending", domain.ErrPreconditionFailed, intent.IntentID)
	}
	view := r.viewLocked()
	if _, err := view.MoveItem(intent.ItemID, intent.TargetStageID, intent.TargetPosition, r.now()); err != nil {
		return intent, err
	}
	r.pending = append(r.pending, pendingIntent{intent: intent, proposedAt: r.now()})
	return intent, nil
}

// Apply folds an authoritative event into the confirmed state.
func (r *Replica) Apply(ev domain.Event) (Outcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, old := r.retired[ev.Epoch]; old {
		return Ignored, nil
	}
	if ev.Epoch != r.epoch {
		return Ignored, fmt.Errorf("%w: epoch changed from %s to %s", ErrResyncRequired, r.epoch, ev.Epoch)
	}
	if ev.Seq <= r.seq {
		return Ignored, nil
	}
	if ev.Seq != r.seq+1 {
		return Ignored, fmt.Errorf("%w: expected seq %d, got %d", ErrResyncRequired, r.seq+1, ev.Seq)
	}

	idx := -1
	if ev.IntentID != "" {
		idx = r.pendingIndexLocked(ev.IntentID)
	}
	var guess placement
	if idx >= 0 {
		guess = locate(r.viewLocked(), r.pending[idx].intent.ItemID)
	}

	if err := r.confirmed.ApplyEvent(ev); err != nil {
		return Ignored, fmt.Errorf("%w: apply seq %d: %v", ErrResyncRequired, ev.Seq, err)
	}
	r.seq = ev.Seq

	if idx < 0 {
		return Remote, nil
	}
	return r.resolveLocked(idx, guess), nil
}

// Acknowledge handles the server's direct reply to a submitted intent. If the
// event already reached the replica through the stream, or was folded into
// a resync snapshot, the pending intent is resolved here; otherwise it stays
// pending until the stream delivers the event.
func (r *Replica) Acknowledge(ev domain.Event) Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx := r.pendingIndexLocked(ev.IntentID)
	if idx < 0 || ev.Epoch != r.epoch || ev.Seq > r.seq {
		return Ignored
	}
	guess := locate(r.viewLocked(), r.pending[idx].intent.ItemID)
	return r.resolveLocked(idx, guess)
}

func (r *Replica) resolveLocked(idx int, guess placement) Outcome {
	itemID := r.pending[idx].intent.ItemID
	r.pending = slices.Delete(r.pending, idx, idx+1)
	if locate(r.viewLocked(), itemID) == guess {
		return Confirmed
	}
	return Corrected
}

// Reject drops a pending intent after the server refused it or it timed
// out. The view reverts to the confirmed state plus the remaining intents.
func (r *Replica) Reject(intentID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx := r.pendingIndexLocked(intentID)
	if idx < 0 {
		return false
	}
	r.pending = slices.Delete(r.pending, idx, idx+1)
	return true
}

// Expire rejects intents pending for longer than ttl and returns their ids.
func (r *Replica) Expire(ttl time.Duration) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := r.now().Add(-ttl)
	var expired []string
	kept := r.pending[:0]
	for _, p := range r.pending {
		if p.proposedAt.Before(cutoff) {
			expired = append(expired, p.intent.IntentID)
			continue
		}
		kept = append(kept, p)
	}
	r.pending = kept
	return expired
}

// Resync replaces the confirmed state. Pending intents are kept and replayed
// on top of the new state.
func (r *Replica) Resync(snap domain.Snapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resetLocked(snap)
}

func (r *Replica) resetLocked(snap domain.Snapshot) error {
	if err := r.confirmed.Load(snap.State()); err != nil {
		return err
	}
	if r.epoch != "" && r.epoch != snap.Epoch {
		r.retired[r.epoch] = struct{}{}
	}
	r.epoch = snap.Epoch
	r.seq = snap.Seq
	return nil
}

// Pending returns the unresolved intents in proposal order.
func (r *Replica) Pending() []domain.MoveIntent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.MoveIntent, len(r.pending))
	for i, p := range r.pending {
		out[i] = p.intent
	}
	return out
}

// View renders what the viewer should display now.
func (r *Replica) View() domain.Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return board.NewProjection(r.viewLocked(), r.policy).Snapshot(r.epoch, r.seq, r.now())
}

// Confirmed renders the authoritative state only.
func (r *Replica) Confirmed() domain.Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return board.NewProjection(r.confirmed, r.policy).Snapshot(r.epoch, r.seq, r.now())
}

// viewLocked replays pending intents over a copy of the confirmed state.
// Intents that no longer apply are skipped; the server will reject them.
func (r *Replica) viewLocked() *board.Store {
	view := r.confirmed.Clone()
	for _, p := range r.pending {
		_, _ = view.MoveItem(p.intent.ItemID, p.intent.TargetStageID, p.intent.TargetPosition, p.proposedAt)
	}
	return view
}

func (r *Replica) pendingIndexLocked(intentID string) int {
	return slices.IndexFunc(r.pending, func(p pendingIntent) bool { return p.intent.IntentID == intentID })
}

func locate(st *board.Store, itemID string) placement {
	it, ok := st.Item(itemID)
	if !ok {
		return placement{}
	}
	return placement{stageID: it.StageID, position: it.Position, found: true}
}
