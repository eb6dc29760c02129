package board

import (
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"pipeline-board/domain"
)

type column struct {
	stage domain.Stage
	items []domain.Item
}

// Store holds the authoritative ordered board. Every mutator takes the write
// lock, so a reader never observes a half-applied move.
type Store struct {
	mu               sync.RWMutex
	columns          []*column
	byStage          map[string]*column
	owner            map[string]string
	defaultThreshold domain.Duration
}

// NewStore returns an empty store. Stages created without an explicit
// freshness threshold get defaultThreshold.
func NewStore(defaultThreshold time.Duration) *Store {
	return &Store{
		byStage:          make(map[string]*column),
		owner:            make(map[string]string),
		defaultThreshold: domain.Duration(defaultThreshold),
	}
}

// Load replaces the store contents. Stages and items are ordered by their
// stored positions and renumbered densely.
func (s *Store) Load(state domain.BoardState) error {
	columns := make([]*column, 0, len(state.Stages))
	byStage := make(map[string]*column, len(state.Stages))
	owner := make(map[string]string, state.ItemCount())

	stages := slices.Clone(state.Stages)
	sort.SliceStable(stages, func(i, j int) bool { return stages[i].Position < stages[j].Position })
	for _, si := range stages {
		if si.ID == "" {
			return fmt.Errorf("%w: stage without id", domain.ErrInvalidArgument)
		}
		if _, dup := byStage[si.ID]; dup {
			return fmt.Errorf("%w: duplicate stage %q", domain.ErrInvalidArgument, si.ID)
		}
		col := &column{stage: si.Stage, items: make([]domain.Item, 0, len(si.Items))}
		for _, it := range si.Items {
			if it.ID == "" {
				return fmt.Errorf("%w: item without id in stage %q", domain.ErrInvalidArgument, si.ID)
			}
			if prev, dup := owner[it.ID]; dup {
				return fmt.Errorf("%w: item %q present in stages %q and %q", domain.ErrInvalidArgument, it.ID, prev, si.ID)
			}
			owner[it.ID] = si.ID
			it = it.Clone()
			it.StageID = si.ID
			col.items = append(col.items, it)
		}
		sort.SliceStable(col.items, func(i, j int) bool { return col.items[i].Position < col.items[j].Position })
		col.renumber()
		byStage[si.ID] = col
		columns = append(columns, col)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.columns = columns
	s.byStage = byStage
	s.owner = owner
	s.renumberStagesLocked()
	return nil
}

// Clone returns an independent store with the same board. Unlike a State and
// Load round trip it cannot fail.
func (s *Store) Clone() *Store {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := &Store{
		columns:          make([]*column, 0, len(s.columns)),
		byStage:          make(map[string]*column, len(s.byStage)),
		owner:            make(map[string]string, len(s.owner)),
		defaultThreshold: s.defaultThreshold,
	}
	for _, col := range s.columns {
		cp := &column{stage: col.stage, items: make([]domain.Item, len(col.items))}
		for i, it := range col.items {
			cp.items[i] = it.Clone()
		}
		out.columns = append(out.columns, cp)
		out.byStage[cp.stage.ID] = cp
	}
	for id, stageID := range s.owner {
		out.owner[id] = stageID
	}
	return out
}

// State returns a deep copy of the board at a single point in time.
func (s *Store) State() domain.BoardState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stateLocked()
}

func (s *Store) stateLocked() domain.BoardState {
	out := domain.BoardState{Stages: make([]domain.StageItems, 0, len(s.columns))}
	for _, col := range s.columns {
		items := make([]domain.Item, len(col.items))
		for i, it := range col.items {
			items[i] = it.Clone()
		}
		out.Stages = append(out.Stages, domain.StageItems{Stage: col.stage, Items: items})
	}
	return out
}

// Stage returns the stage with the given id.
func (s *Store) Stage(id string) (domain.Stage, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	col, ok := s.byStage[id]
	if !ok {
		return domain.Stage{}, false
	}
	return col.stage, true
}

// Item returns the item with the given id.
func (s *Store) Item(id string) (domain.Item, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	col, idx, ok := s.locateLocked(id)
	if !ok {
		return domain.Item{}, false
	}
	return col.items[idx].Clone(), true
}

// Len returns the number of stages and items.
func (s *Store) Len() (stages, items int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.columns), len(s.owner)
}

// MoveItem relocates an item. The target position is clamped to the valid
// range of the target stage after the item has been removed from its source,
// so a same-stage reorder and a cross-stage move share one path.
func (s *Store) MoveItem(itemID, targetStageID string, targetPosition int, at time.Time) (domain.MoveEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.moveLocked(itemID, targetStageID, targetPosition, at)
}

func (s *Store) moveLocked(itemID, targetStageID string, targetPosition int, at time.Time) (domain.MoveEvent, error) {
	source, idx, ok := s.locateLocked(itemID)
	if !ok {
		return domain.MoveEvent{}, fmt.Errorf("%w: item %q", domain.ErrNotFound, itemID)
	}
	target, ok := s.byStage[targetStageID]
	if !ok {
		return domain.MoveEvent{}, fmt.Errorf("%w: stage %q", domain.ErrNotFound, targetStageID)
	}

	item := source.items[idx]
	source.items = slices.Delete(source.items, idx, idx+1)
	pos := clamp(targetPosition, 0, len(target.items))
	item.StageID = target.stage.ID
	item.LastActivity = at
	target.items = slices.Insert(target.items, pos, item)

	source.renumber()
	if target != source {
		target.renumber()
	}
	s.owner[itemID] = target.stage.ID

	moved := target.items[pos].Clone()
	return domain.MoveEvent{
		ItemID:         itemID,
		SourceStageID:  source.stage.ID,
		SourcePosition: idx,
		TargetStageID:  target.stage.ID,
		Position:       pos,
		Item:           moved,
		At:             at,
	}, nil
}

// ReorderStages replaces the stage order. ids must be a permutation of the
// current stage ids; otherwise nothing changes.
func (s *Store) ReorderStages(ids []string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reorderLocked(ids)
}

func (s *Store) reorderLocked(ids []string) ([]string, error) {
	if len(ids) != len(s.columns) {
		return nil, fmt.Errorf("%w: stage order lists %d ids, board has %d stages", domain.ErrInvalidArgument, len(ids), len(s.columns))
	}
	seen := make(map[string]struct{}, len(ids))
	ordered := make([]*column, 0, len(ids))
	for _, id := range ids {
		col, ok := s.byStage[id]
		if !ok {
			return nil, fmt.Errorf("%w: unknown stage %q in order", domain.ErrInvalidArgument, id)
		}
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("%w: stage %q repeated in order", domain.ErrInvalidArgument, id)
		}
		seen[id] = struct{}{}
		ordered = append(ordered, col)
	}
	s.columns = ordered
	s.renumberStagesLocked()
	return slices.Clone(ids), nil
}

// CreateStage inserts a stage. The draft must carry an id; a nil position
// appends, other positions are clamped.
func (s *Store) CreateStage(draft domain.StageDraft) (domain.Stage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createStageLocked(draft)
}

func (s *Store) createStageLocked(draft domain.StageDraft) (domain.Stage, error) {
	if draft.ID == "" {
		return domain.Stage{}, fmt.Errorf("%w: stage id is required", domain.ErrInvalidArgument)
	}
	if _, exists := s.byStage[draft.ID]; exists {
		return domain.Stage{}, fmt.Errorf("%w: stage %q already exists", domain.ErrPreconditionFailed, draft.ID)
	}
	stage := domain.Stage{ID: draft.ID, Title: draft.Title, Color: draft.Color, Threshold: s.defaultThreshold}
	if draft.Threshold != nil {
		stage.Threshold = *draft.Threshold
	}
	pos := len(s.columns)
	if draft.Position != nil {
		pos = clamp(*draft.Position, 0, len(s.columns))
	}
	col := &column{stage: stage}
	s.columns = slices.Insert(s.columns, pos, col)
	s.byStage[stage.ID] = col
	s.renumberStagesLocked()
	return col.stage, nil
}

// UpdateStage applies a title, color or threshold change.
func (s *Store) UpdateStage(id string, patch domain.StagePatch) (domain.Stage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	col, ok := s.byStage[id]
	if !ok {
		return domain.Stage{}, fmt.Errorf("%w: stage %q", domain.ErrNotFound, id)
	}
	if patch.Title != nil {
		col.stage.Title = *patch.Title
	}
	if patch.Color != nil {
		col.stage.Color = *patch.Color
	}
	if patch.Threshold != nil {
		col.stage.Threshold = *patch.Threshold
	}
	return col.stage, nil
}

// DeleteStage removes a stage. A non-empty stage needs a reassignment target;
// its items are appended there in their current relative order.
func (s *Store) DeleteStage(id, reassignTo string, at time.Time) (domain.StageDeletion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleteStageLocked(id, reassignTo, at)
}

func (s *Store) deleteStageLocked(id, reassignTo string, at time.Time) (domain.StageDeletion, error) {
	col, ok := s.byStage[id]
	if !ok {
		return domain.StageDeletion{}, fmt.Errorf("%w: stage %q", domain.ErrNotFound, id)
	}
	if reassignTo == id {
		return domain.StageDeletion{}, fmt.Errorf("%w: cannot reassign items of stage %q to itself", domain.ErrInvalidArgument, id)
	}
	if reassignTo != "" {
		if _, ok := s.byStage[reassignTo]; !ok {
			return domain.StageDeletion{}, fmt.Errorf("%w: reassignment stage %q", domain.ErrNotFound, reassignTo)
		}
	}
	if len(col.items) > 0 && reassignTo == "" {
		return domain.StageDeletion{}, fmt.Errorf("%w: stage %q still holds %d items", domain.ErrPreconditionFailed, id, len(col.items))
	}

	out := domain.StageDeletion{StageID: id, ReassignedTo: reassignTo}
	for len(col.items) > 0 {
		itemID := col.items[0].ID
		if _, err := s.moveLocked(itemID, reassignTo, len(s.byStage[reassignTo].items), at); err != nil {
			return out, err
		}
		out.Moved = append(out.Moved, itemID)
	}

	idx := slices.Index(s.columns, col)
	s.columns = slices.Delete(s.columns, idx, idx+1)
	delete(s.byStage, id)
	s.renumberStagesLocked()
	return out, nil
}

// CreateItem inserts an item. The draft must carry an id; LastActivity
// defaults to at.
func (s *Store) CreateItem(draft domain.ItemDraft, at time.Time) (domain.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createItemLocked(draft, at)
}

func (s *Store) createItemLocked(draft domain.ItemDraft, at time.Time) (domain.Item, error) {
	if draft.ID == "" {
		return domain.Item{}, fmt.Errorf("%w: item id is required", domain.ErrInvalidArgument)
	}
	if _, exists := s.owner[draft.ID]; exists {
		return domain.Item{}, fmt.Errorf("%w: item %q already exists", domain.ErrPreconditionFailed, draft.ID)
	}
	col, ok := s.byStage[draft.StageID]
	if !ok {
		return domain.Item{}, fmt.Errorf("%w: stage %q", domain.ErrNotFound, draft.StageID)
	}
	item := domain.Item{
		ID:           draft.ID,
		StageID:      col.stage.ID,
		LastActivity: draft.LastActivity,
		CreatedAt:    at,
		Attributes:   draft.Attributes.Clone(),
	}
	if item.LastActivity.IsZero() {
		item.LastActivity = at
	}
	pos := len(col.items)
	if draft.Position != nil {
		pos = clamp(*draft.Position, 0, len(col.items))
	}
	col.items = slices.Insert(col.items, pos, item)
	col.renumber()
	s.owner[item.ID] = col.stage.ID
	return col.items[pos].Clone(), nil
}

// UpdateItem merges an attribute patch and optionally records activity.
func (s *Store) UpdateItem(id string, patch domain.ItemPatch, at time.Time) (domain.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	col, idx, ok := s.locateLocked(id)
	if !ok {
		return domain.Item{}, fmt.Errorf("%w: item %q", domain.ErrNotFound, id)
	}
	it := &col.items[idx]
	it.Attributes = patch.Attributes.ApplyTo(it.Attributes)
	if patch.Touch {
		it.LastActivity = at
	}
	return it.Clone(), nil
}

// TouchItem records activity on an item, resetting its freshness.
func (s *Store) TouchItem(id string, at time.Time) (domain.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	col, idx, ok := s.locateLocked(id)
	if !ok {
		return domain.Item{}, fmt.Errorf("%w: item %q", domain.ErrNotFound, id)
	}
	col.items[idx].LastActivity = at
	return col.items[idx].Clone(), nil
}

// DeleteItem removes an item and compacts the positions behind it.
func (s *Store) DeleteItem(id string) (domain.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleteItemLocked(id)
}

func (s *Store) deleteItemLocked(id string) (domain.Item, error) {
	col, idx, ok := s.locateLocked(id)
	if !ok {
		return domain.Item{}, fmt.Errorf("%w: item %q", domain.ErrNotFound, id)
	}
	removed := col.items[idx]
	col.items = slices.Delete(col.items, idx, idx+1)
	col.renumber()
	delete(s.owner, id)
	return removed, nil
}

// CheckInvariants verifies dense stage and item positions and that every
// item is owned by exactly one stage.
func (s *Store) CheckInvariants() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]string, len(s.owner))
	for i, col := range s.columns {
		if col.stage.Position != i {
			return fmt.Errorf("stage %q at index %d has position %d", col.stage.ID, i, col.stage.Position)
		}
		if s.byStage[col.stage.ID] != col {
			return fmt.Errorf("stage %q missing from index", col.stage.ID)
		}
		for j, it := range col.items {
			if it.Position != j {
				return fmt.Errorf("item %q at index %d of stage %q has position %d", it.ID, j, col.stage.ID, it.Position)
			}
			if it.StageID != col.stage.ID {
				return fmt.Errorf("item %q in stage %q references stage %q", it.ID, col.stage.ID, it.StageID)
			}
			if prev, dup := seen[it.ID]; dup {
				return fmt.Errorf("item %q present in stages %q and %q", it.ID, prev, col.stage.ID)
			}
			seen[it.ID] = col.stage.ID
		}
	}
	if len(seen) != len(s.owner) || len(s.byStage) != len(s.columns) {
		return fmt.Errorf("index out of sync: %d items indexed, %d on board", len(s.owner), len(seen))
	}
	for id, stageID := range seen {
		if s.owner[id] != stageID {
			return fmt.Errorf("item %q indexed under %q, found in %q", id, s.owner[id], stageID)
		}
	}
	return nil
}

func (s *Store) locateLocked(itemID string) (*column, int, bool) {
	stageID, ok := s.owner[itemID]
	if !ok {
		return nil, 0, false
	}
	col := s.byStage[stageID]
	for i := range col.items {
		if col.items[i].ID == itemID {
			return col, i, true
		}
	}
	return nil, 0, false
}

func (s *Store) renumberStagesLocked() {
	for i, col := range s.columns {
		col.stage.Position = i
	}
}

func (c *column) renumber() {
	for i := range c.items {
		c.items[i].Position = i
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
