package board

import (
	"errors"
	"fmt"
	"math/rand"
	"slices"
	"sync"
	"testing"
	"time"

	"pipeline-board/domain"
)

var t0 = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

func seedStore(t *testing.T, layout map[string][]string, order ...string) *Store {
	t.Helper()
	st := NewStore(24 * time.Hour)
	state := domain.BoardState{}
	for i, id := range order {
		si := domain.StageItems{Stage: domain.Stage{ID: id, Title: id, Position: i}}
		for j, itemID := range layout[id] {
			si.Items = append(si.Items, domain.Item{
				ID:           itemID,
				StageID:      id,
				Position:     j,
				LastActivity: t0,
				CreatedAt:    t0,
				Attributes:   domain.Attributes{Name: itemID},
			})
		}
		state.Stages = append(state.Stages, si)
	}
	if err := st.Load(state); err != nil {
		t.Fatalf("load: %v", err)
	}
	return st
}

func itemIDs(st *Store, stageID string) []string {
	for _, s := range st.State().Stages {
		if s.ID == stageID {
			ids := make([]string, len(s.Items))
			for i, it := range s.Items {
				ids[i] = it.ID
			}
			return ids
		}
	}
	return nil
}

func TestMoveItemAcrossStages(t *testing.T) {
	st := seedStore(t, map[string][]string{"A": {"x", "y", "z"}, "B": {"p", "q"}}, "A", "B")
	at := t0.Add(time.Hour)

	mv, err := st.MoveItem("x", "B", 0, at)
	if err != nil {
		t.Fatalf("move: %v", err)
	}
	if got := itemIDs(st, "A"); !slices.Equal(got, []string{"y", "z"}) {
		t.Fatalf("stage A = %v", got)
	}
	if got := itemIDs(st, "B"); !slices.Equal(got, []string{"x", "p", "q"}) {
		t.Fatalf("stage B = %v", got)
	}
	if mv.SourceStageID != "A" || mv.SourcePosition != 0 || mv.TargetStageID != "B" || mv.Position != 0 {
		t.Fatalf("unexpected move event %+v", mv)
	}
	if !mv.Item.LastActivity.Equal(at) || mv.Item.StageID != "B" {
		t.Fatalf("moved item not updated: %+v", mv.Item)
	}
	if err := st.CheckInvariants(); err != nil {
		t.Fatal(err)
	}
}

func TestMoveItemClampsPosition(t *testing.T) {
	st := seedStore(t, map[string][]string{"A": {"x", "y", "z"}, "B": {"p"}}, "A", "B")

	mv, err := st.MoveItem("x", "B", 99, t0)
	if err != nil {
		t.Fatalf("move: %v", err)
	}
	if mv.Position != 1 {
		t.Fatalf("expected clamped position 1, got %d", mv.Position)
	}

	// Same-stage: the range is computed after removal.
	mv, err = st.MoveItem("y", "A", 5, t0)
	if err != nil {
		t.Fatalf("reorder: %v", err)
	}
	if mv.Position != 1 {
		t.Fatalf("expected same-stage clamp to 1, got %d", mv.Position)
	}
	if got := itemIDs(st, "A"); !slices.Equal(got, []string{"z", "y"}) {
		t.Fatalf("stage A = %v", got)
	}
}

func TestMoveItemWithinStage(t *testing.T) {
	st := seedStore(t, map[string][]string{"A": {"a", "b", "c", "d"}}, "A")
	if _, err := st.MoveItem("d", "A", 1, t0); err != nil {
		t.Fatalf("move: %v", err)
	}
	if got := itemIDs(st, "A"); !slices.Equal(got, []string{"a", "d", "b", "c"}) {
		t.Fatalf("stage A = %v", got)
	}
	if err := st.CheckInvariants(); err != nil {
		t.Fatal(err)
	}
}

func TestMoveItemNotFound(t *testing.T) {
	st := seedStore(t, map[string][]string{"A": {"x"}}, "A")
	if _, err := st.MoveItem("missing", "A", 0, t0); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found for item, got %v", err)
	}
	if _, err := st.MoveItem("x", "nope", 0, t0); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found for stage, got %v", err)
	}
	if got := itemIDs(st, "A"); !slices.Equal(got, []string{"x"}) {
		t.Fatalf("failed move changed the board: %v", got)
	}
}

func TestDeleteStageReassignsItems(t *testing.T) {
	st := seedStore(t, map[string][]string{"A": {"x", "y"}, "B": {"p"}}, "A", "B")

	del, err := st.DeleteStage("A", "B", t0)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if got := itemIDs(st, "B"); !slices.Equal(got, []string{"p", "x", "y"}) {
		t.Fatalf("stage B = %v", got)
	}
	if _, ok := st.Stage("A"); ok {
		t.Fatal("stage A still exists")
	}
	if !slices.Equal(del.Moved, []string{"x", "y"}) {
		t.Fatalf("unexpected moved list %v", del.Moved)
	}
	if _, items := st.Len(); items != 3 {
		t.Fatalf("expected 3 items, got %d", items)
	}
	if err := st.CheckInvariants(); err != nil {
		t.Fatal(err)
	}
}

func TestDeleteStageRejections(t *testing.T) {
	st := seedStore(t, map[string][]string{"A": {"x"}, "B": nil}, "A", "B")

	tests := []struct {
		name       string
		stage      string
		reassignTo string
		want       error
	}{
		{name: "non-empty without target", stage: "A", want: domain.ErrPreconditionFailed},
		{name: "target is self", stage: "A", reassignTo: "A", want: domain.ErrInvalidArgument},
		{name: "missing target", stage: "A", reassignTo: "C", want: domain.ErrNotFound},
		{name: "missing stage", stage: "C", want: domain.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := st.DeleteStage(tt.stage, tt.reassignTo, t0); !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
	if got := st.StageIDs(); !slices.Equal(got, []string{"A", "B"}) {
		t.Fatalf("rejected deletes changed stages: %v", got)
	}

	if _, err := st.DeleteStage("B", "", t0); err != nil {
		t.Fatalf("empty stage delete: %v", err)
	}
	if s, _ := st.Stage("A"); s.Position != 0 {
		t.Fatalf("remaining stage not renumbered: %+v", s)
	}
}

func TestReorderStagesRequiresPermutation(t *testing.T) {
	st := seedStore(t, nil, "A", "B", "C")

	if _, err := st.ReorderStages([]string{"C", "A"}); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("expected invalid argument for missing id, got %v", err)
	}
	if _, err := st.ReorderStages([]string{"C", "A", "A"}); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("expected invalid argument for repeated id, got %v", err)
	}
	if got := st.StageIDs(); !slices.Equal(got, []string{"A", "B", "C"}) {
		t.Fatalf("order changed after rejection: %v", got)
	}

	if _, err := st.ReorderStages([]string{"C", "A", "B"}); err != nil {
		t.Fatalf("reorder: %v", err)
	}
	if got := st.StageIDs(); !slices.Equal(got, []string{"C", "A", "B"}) {
		t.Fatalf("unexpected order %v", got)
	}
	if err := st.CheckInvariants(); err != nil {
		t.Fatal(err)
	}
}

func TestCreateStageAndItemDefaults(t *testing.T) {
	st := seedStore(t, nil, "A")

	pos := 0
	stage, err := st.CreateStage(domain.StageDraft{ID: "N", Title: "New", Position: &pos})
	if err != nil {
		t.Fatalf("create stage: %v", err)
	}
	if stage.Position != 0 || stage.Threshold.Std() != 24*time.Hour {
		t.Fatalf("unexpected stage %+v", stage)
	}
	if _, err := st.CreateStage(domain.StageDraft{ID: "N", Title: "dup"}); !errors.Is(err, domain.ErrPreconditionFailed) {
		t.Fatalf("expected duplicate stage rejection, got %v", err)
	}

	first, err := st.CreateItem(domain.ItemDraft{ID: "i1", StageID: "N", Attributes: domain.Attributes{Name: "one"}}, t0)
	if err != nil {
		t.Fatalf("create item: %v", err)
	}
	if !first.LastActivity.Equal(t0) || !first.CreatedAt.Equal(t0) {
		t.Fatalf("expected activity defaulted to creation time, got %+v", first)
	}
	front := 0
	if _, err := st.CreateItem(domain.ItemDraft{ID: "i2", StageID: "N", Position: &front, Attributes: domain.Attributes{Name: "two"}}, t0); err != nil {
		t.Fatalf("create item: %v", err)
	}
	if got := itemIDs(st, "N"); !slices.Equal(got, []string{"i2", "i1"}) {
		t.Fatalf("stage N = %v", got)
	}
	if _, err := st.CreateItem(domain.ItemDraft{ID: "i3", StageID: "Z", Attributes: domain.Attributes{Name: "x"}}, t0); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found stage, got %v", err)
	}
}

func TestUpdateTouchAndDeleteItem(t *testing.T) {
	st := seedStore(t, map[string][]string{"A": {"x", "y", "z"}}, "A")
	later := t0.Add(48 * time.Hour)

	value := int64(125000)
	it, err := st.UpdateItem("y", domain.ItemPatch{Attributes: domain.AttributesPatch{Value: &value}}, later)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if it.Attributes.Value != value || !it.LastActivity.Equal(t0) {
		t.Fatalf("update without touch changed activity or missed value: %+v", it)
	}

	it, err = st.TouchItem("y", later)
	if err != nil {
		t.Fatalf("touch: %v", err)
	}
	if !it.LastActivity.Equal(later) {
		t.Fatalf("touch did not record activity: %+v", it)
	}

	if _, err := st.DeleteItem("x"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if got := itemIDs(st, "A"); !slices.Equal(got, []string{"y", "z"}) {
		t.Fatalf("stage A = %v", got)
	}
	if _, err := st.DeleteItem("x"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found on second delete, got %v", err)
	}
	if err := st.CheckInvariants(); err != nil {
		t.Fatal(err)
	}
}

func TestLoadNormalisesPositions(t *testing.T) {
	st := NewStore(time.Hour)
	err := st.Load(domain.BoardState{Stages: []domain.StageItems{
		{Stage: domain.Stage{ID: "B", Position: 7}, Items: []domain.Item{{ID: "b2", Position: 9}, {ID: "b1", Position: 3}}},
		{Stage: domain.Stage{ID: "A", Position: 2}},
	}})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := st.StageIDs(); !slices.Equal(got, []string{"A", "B"}) {
		t.Fatalf("unexpected stage order %v", got)
	}
	if got := itemIDs(st, "B"); !slices.Equal(got, []string{"b1", "b2"}) {
		t.Fatalf("unexpected item order %v", got)
	}
	if err := st.CheckInvariants(); err != nil {
		t.Fatal(err)
	}

	dup := domain.BoardState{Stages: []domain.StageItems{
		{Stage: domain.Stage{ID: "A"}, Items: []domain.Item{{ID: "x"}}},
		{Stage: domain.Stage{ID: "B"}, Items: []domain.Item{{ID: "x"}}},
	}}
	if err := st.Load(dup); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("expected duplicate item rejection, got %v", err)
	}
}

func TestStateIsDeepCopy(t *testing.T) {
	st := seedStore(t, map[string][]string{"A": {"x"}}, "A")
	state := st.State()
	state.Stages[0].Items[0].Attributes.Name = "mutated"
	state.Stages[0].Items = nil
	if it, _ := st.Item("x"); it.Attributes.Name != "x" {
		t.Fatalf("store shared state with caller: %+v", it)
	}
}

func TestRandomOperationsKeepInvariants(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	st := seedStore(t, map[string][]string{"A": {"a1", "a2"}, "B": {"b1"}, "C": nil}, "A", "B", "C")
	next := 0

	for step := 0; step < 2000; step++ {
		stages := st.StageIDs()
		state := st.State()
		var items []string
		for _, s := range state.Stages {
			for _, it := range s.Items {
				items = append(items, it.ID)
			}
		}
		switch op := rng.Intn(10); {
		case op < 5 && len(items) > 0:
			id := items[rng.Intn(len(items))]
			_, err := st.MoveItem(id, stages[rng.Intn(len(stages))], rng.Intn(len(items)+2), t0)
			if err != nil {
				t.Fatalf("step %d: move: %v", step, err)
			}
		case op < 7:
			next++
			id := fmt.Sprintf("n%d", next)
			_, err := st.CreateItem(domain.ItemDraft{ID: id, StageID: stages[rng.Intn(len(stages))], Attributes: domain.Attributes{Name: id}}, t0)
			if err != nil {
				t.Fatalf("step %d: create: %v", step, err)
			}
		case op < 8 && len(items) > 0:
			if _, err := st.DeleteItem(items[rng.Intn(len(items))]); err != nil {
				t.Fatalf("step %d: delete: %v", step, err)
			}
		case op < 9:
			perm := slices.Clone(stages)
			rng.Shuffle(len(perm), func(i, j int) { perm[i], perm[j] = perm[j], perm[i] })
			if _, err := st.ReorderStages(perm); err != nil {
				t.Fatalf("step %d: reorder: %v", step, err)
			}
		default:
			if len(stages) > 2 {
				victim := stages[rng.Intn(len(stages))]
				target := stages[0]
				if target == victim {
					target = stages[1]
				}
				if _, err := st.DeleteStage(victim, target, t0); err != nil {
					t.Fatalf("step %d: delete stage: %v", step, err)
				}
			} else {
				next++
				id := fmt.Sprintf("s%d", next)
				if _, err := st.CreateStage(domain.StageDraft{ID: id, Title: id}); err != nil {
					t.Fatalf("step %d: create stage: %v", step, err)
				}
			}
		}
		if err := st.CheckInvariants(); err != nil {
			t.Fatalf("step %d: %v", step, err)
		}
	}
}

func TestConcurrentMovesKeepSingleOwnership(t *testing.T) {
	layout := map[string][]string{"A": nil, "B": nil, "C": nil}
	for i := 0; i < 30; i++ {
		layout["A"] = append(layout["A"], fmt.Sprintf("i%d", i))
	}
	st := seedStore(t, layout, "A", "B", "C")
	stages := []string{"A", "B", "C"}

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			for i := 0; i < 500; i++ {
				id := fmt.Sprintf("i%d", rng.Intn(30))
				if _, err := st.MoveItem(id, stages[rng.Intn(3)], rng.Intn(10), t0); err != nil {
					t.Errorf("move: %v", err)
					return
				}
			}
		}(int64(w))
	}
	wg.Wait()

	if err := st.CheckInvariants(); err != nil {
		t.Fatal(err)
	}
	if _, items := st.Len(); items != 30 {
		t.Fatalf("expected 30 items, got %d", items)
	}
}

func TestCloneIsIndependent(t *testing.T) {
	st := seedStore(t, map[string][]string{"A": {"x", "y"}, "B": {"p"}}, "A", "B")
	cp := st.Clone()

	if _, err := cp.MoveItem("x", "B", 0, t0.Add(time.Hour)); err != nil {
		t.Fatalf("move on clone: %v", err)
	}
	if _, err := cp.CreateStage(domain.StageDraft{ID: "C", Title: "C"}); err != nil {
		t.Fatalf("create stage on clone: %v", err)
	}
	if err := cp.CheckInvariants(); err != nil {
		t.Fatalf("clone invariants: %v", err)
	}

	if it, _ := st.Item("x"); it.StageID != "A" || !it.LastActivity.Equal(t0) {
		t.Fatalf("original item changed: %+v", it)
	}
	if stages, items := st.Len(); stages != 2 || items != 3 {
		t.Fatalf("original has %d stages and %d items", stages, items)
	}
	if it, _ := cp.Item("x"); it.StageID != "B" || it.Position != 0 {
		t.Fatalf("clone item = %+v", it)
	}
	if stage, _ := cp.Stage("C"); stage.Threshold.Std() != 24*time.Hour {
		t.Fatalf("clone lost the default threshold: %v", stage.Threshold.Std())
	}
}
