package board

import (
	"fmt"
	"slices"

	"pipeline-board/domain"
)

// ApplyEvent replays a broadcast event. Replay converges on the state the
// event describes, so delivering the same event twice has the same effect as
// delivering it once. An event that refers to items or stages removed by a
// later event is skipped, which lets a persister replay a tail it has
// partly seen already.
func (s *Store) ApplyEvent(ev domain.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch ev.Type {
	case domain.ItemMoved:
		if ev.Move == nil {
			return fmt.Errorf("%w: %s event without move payload", domain.ErrInvalidArgument, ev.Type)
		}
		m := ev.Move
		if _, err := s.moveLocked(m.ItemID, m.TargetStageID, m.Position, m.At); err != nil {
			return skipStale(err)
		}
		col, idx, _ := s.locateLocked(m.ItemID)
		col.items[idx].Attributes = m.Item.Attributes.Clone()
		return nil

	case domain.ItemCreated, domain.ItemUpdated:
		if ev.Item == nil {
			return fmt.Errorf("%w: %s event without item payload", domain.ErrInvalidArgument, ev.Type)
		}
		return skipStale(s.upsertItemLocked(*ev.Item))

	case domain.ItemDeleted:
		if ev.Item == nil {
			return fmt.Errorf("%w: %s event without item payload", domain.ErrInvalidArgument, ev.Type)
		}
		if _, err := s.deleteItemLocked(ev.Item.ID); err != nil && !isNotFound(err) {
			return err
		}
		return nil

	case domain.StageCreated, domain.StageUpdated:
		if ev.Stage == nil {
			return fmt.Errorf("%w: %s event without stage payload", domain.ErrInvalidArgument, ev.Type)
		}
		return s.upsertStageLocked(*ev.Stage)

	case domain.StageDeleted:
		if ev.StageDeletion == nil {
			return fmt.Errorf("%w: %s event without deletion payload", domain.ErrInvalidArgument, ev.Type)
		}
		d := ev.StageDeletion
		if _, ok := s.byStage[d.StageID]; !ok {
			return nil
		}
		_, err := s.deleteStageLocked(d.StageID, d.ReassignedTo, ev.Timestamp)
		return skipStale(err)

	case domain.StagesReordered:
		order := s.knownOrderLocked(ev.StageOrder)
		if slices.Equal(s.stageIDsLocked(), order) {
			return nil
		}
		_, err := s.reorderLocked(order)
		return err
	}
	return fmt.Errorf("%w: unknown event type %q", domain.ErrInvalidArgument, ev.Type)
}

// upsertItemLocked places it exactly where the event says, replacing any
// previous copy.
func (s *Store) upsertItemLocked(it domain.Item) error {
	col, ok := s.byStage[it.StageID]
	if !ok {
		return fmt.Errorf("%w: stage %q", domain.ErrNotFound, it.StageID)
	}
	if prev, idx, ok := s.locateLocked(it.ID); ok {
		prev.items = slices.Delete(prev.items, idx, idx+1)
		prev.renumber()
	}
	it = it.Clone()
	pos := clamp(it.Position, 0, len(col.items))
	col.items = slices.Insert(col.items, pos, it)
	col.renumber()
	s.owner[it.ID] = col.stage.ID
	return nil
}

func (s *Store) upsertStageLocked(st domain.Stage) error {
	if col, ok := s.byStage[st.ID]; ok {
		col.stage.Title = st.Title
		col.stage.Color = st.Color
		col.stage.Threshold = st.Threshold
		return nil
	}
	pos := st.Position
	threshold := st.Threshold
	_, err := s.createStageLocked(domain.StageDraft{
		ID:        st.ID,
		Title:     st.Title,
		Color:     st.Color,
		Position:  &pos,
		Threshold: &threshold,
	})
	return err
}

// knownOrderLocked keeps the stages of order that still exist and appends the
// ones it does not mention in their current order.
func (s *Store) knownOrderLocked(order []string) []string {
	out := make([]string, 0, len(s.columns))
	seen := make(map[string]bool, len(order))
	for _, id := range order {
		if _, ok := s.byStage[id]; ok && !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	for _, col := range s.columns {
		if !seen[col.stage.ID] {
			out = append(out, col.stage.ID)
		}
	}
	return out
}

func skipStale(err error) error {
	if isNotFound(err) {
		return nil
	}
	return err
}

func (s *Store) stageIDsLocked() []string {
	ids := make([]string, len(s.columns))
	for i, col := range s.columns {
		ids[i] = col.stage.ID
	}
	return ids
}

// StageIDs returns the stage ids in board order.
func (s *Store) StageIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stageIDsLocked()
}
