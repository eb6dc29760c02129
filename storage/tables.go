package storage

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/bytedance/sonic"

	"pipeline-board/board"
	"pipeline-board/domain"
)

const boardPartition = "board"

type entityTable interface {
	NewListEntitiesPager(listOptions *aztables.ListEntitiesOptions) *runtime.Pager[aztables.ListEntitiesResponse]
	UpsertEntity(ctx context.Context, entity []byte, options *aztables.UpsertEntityOptions) (aztables.UpsertEntityResponse, error)
	DeleteEntity(ctx context.Context, partitionKey, rowKey string, options *aztables.DeleteEntityOptions) (aztables.DeleteEntityResponse, error)
}

type messageQueue interface {
	EnqueueMessage(ctx context.Context, content string, o *azqueue.EnqueueMessageOptions) (azqueue.EnqueueMessagesResponse, error)
}

// TableNames configures the Azure resources of the tables backend.
type TableNames struct {
	Stages      string
	Items       string
	EventsQueue string
}

// Tables keeps the board in Azure Table Storage, one entity per stage and
// per item, and forwards every persisted event to a queue for downstream
// consumers. Events are replayed into a shadow board to find the entities
// they touch.
type Tables struct {
	stages entityTable
	items  entityTable
	events messageQueue

	mu        sync.Mutex
	shadow    *board.Store
	loaded    bool
	lastEpoch string
	lastSeq   int64
}

// NewTables connects to the storage account behind connStr.
func NewTables(connStr string, names TableNames) (*Tables, error) {
	tablesClientOptions := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute,
				RetryDelay:    time.Second,
				MaxRetryDelay: 15 * time.Second,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &tablesClientOptions)
	if err != nil {
		return nil, err
	}
	var events messageQueue
	if names.EventsQueue != "" {
		queueClientOptions := azqueue.ClientOptions{
			ClientOptions: azcore.ClientOptions{
				Retry: policy.RetryOptions{
					MaxRetries:    5,
					TryTimeout:    time.Minute,
					RetryDelay:    time.Second,
					MaxRetryDelay: time.Minute,
					StatusCodes:   []int{408, 429, 500, 502, 503, 504},
				},
			},
		}
		q, err := azqueue.NewQueueClientFromConnectionString(connStr, names.EventsQueue, &queueClientOptions)
		if err != nil {
			return nil, err
		}
		events = q
	}
	return newTables(svc.NewClient(names.Stages), svc.NewClient(names.Items), events), nil
}

func newTables(stages, items entityTable, events messageQueue) *Tables {
	return &Tables{stages: stages, items: items, events: events, shadow: board.NewStore(0)}
}

type stageEntity struct {
	aztables.Entity
	Title       string `json:"Title"`
	Color       string `json:"Color"`
	Position    int    `json:"Position"`
	ThresholdMS int64  `json:"ThresholdMs"`
}

type itemEntity struct {
	aztables.Entity
	StageID      string `json:"StageId"`
	Position     int    `json:"Position"`
	LastActivity string `json:"LastActivity"`
	CreatedAt    string `json:"CreatedAt"`
	Attributes   string `json:"Attributes"`
}

func (t *Tables) LoadSnapshot(ctx context.Context) (domain.BoardState, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.loadLocked(ctx); err != nil {
		return domain.BoardState{}, err
	}
	return t.shadow.State(), nil
}

func (t *Tables) loadLocked(ctx context.Context) error {
	state := domain.BoardState{}
	index := map[string]int{}
	err := listEntities(ctx, t.stages, func(data []byte) error {
		var ent stageEntity
		if err := sonic.Unmarshal(data, &ent); err != nil {
			return err
		}
		index[ent.RowKey] = len(state.Stages)
		state.Stages = append(state.Stages, domain.StageItems{Stage: domain.Stage{
			ID:        ent.RowKey,
			Title:     ent.Title,
			Color:     ent.Color,
			Position:  ent.Position,
			Threshold: domain.Duration(time.Duration(ent.ThresholdMS) * time.Millisecond),
		}})
		return nil
	})
	if err != nil {
		return fmt.Errorf("list stages: %w", err)
	}
	err = listEntities(ctx, t.items, func(data []byte) error {
		var ent itemEntity
		if err := sonic.Unmarshal(data, &ent); err != nil {
			return err
		}
		it, err := ent.item()
		if err != nil {
			return err
		}
		i, ok := index[it.StageID]
		if !ok {
			return fmt.Errorf("item %s references unknown stage %s", it.ID, it.StageID)
		}
		state.Stages[i].Items = append(state.Stages[i].Items, it)
		return nil
	})
	if err != nil {
		return fmt.Errorf("list items: %w", err)
	}
	if err := t.shadow.Load(state); err != nil {
		return err
	}
	t.loaded = true
	return nil
}

func (t *Tables) Persist(ctx context.Context, ev domain.Event) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ev.Epoch == t.lastEpoch && ev.Seq <= t.lastSeq {
		return nil
	}
	if !t.loaded {
		if err := t.loadLocked(ctx); err != nil {
			return err
		}
	}

	before := t.shadow.State()
	if err := t.shadow.ApplyEvent(ev); err != nil {
		return fmt.Errorf("replay %s seq %d: %w", ev.Type, ev.Seq, err)
	}
	after := t.shadow.State()

	if err := t.writeDiff(ctx, before, after); err != nil {
		// The shadow is ahead of the tables now; reload before the retry.
		t.loaded = false
		return err
	}
	if t.events != nil {
		payload, err := sonic.MarshalString(ev)
		if err != nil {
			return err
		}
		if _, err := t.events.EnqueueMessage(ctx, payload, nil); err != nil {
			return fmt.Errorf("enqueue event: %w", err)
		}
	}
	t.lastEpoch, t.lastSeq = ev.Epoch, ev.Seq
	return nil
}

// Reconcile writes the difference between the stored board and snap, then
// treats snap's sequence as persisted. The events queue is not told.
func (t *Tables) Reconcile(ctx context.Context, snap domain.Snapshot) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.loadLocked(ctx); err != nil {
		return err
	}
	after := snap.State()
	if err := t.writeDiff(ctx, t.shadow.State(), after); err != nil {
		t.loaded = false
		return err
	}
	if err := t.shadow.Load(after); err != nil {
		t.loaded = false
		return err
	}
	t.lastEpoch, t.lastSeq = snap.Epoch, snap.Seq
	return nil
}

func (t *Tables) writeDiff(ctx context.Context, before, after domain.BoardState) error {
	oldStages, oldItems := flatten(before)
	newStages, newItems := flatten(after)

	for id, st := range newStages {
		if prev, ok := oldStages[id]; ok && prev == st {
			continue
		}
		if err := upsert(ctx, t.stages, newStageEntity(st)); err != nil {
			return fmt.Errorf("upsert stage %s: %w", id, err)
		}
	}
	for id, it := range newItems {
		if prev, ok := oldItems[id]; ok && reflect.DeepEqual(prev, it) {
			continue
		}
		ent, err := newItemEntity(it)
		if err != nil {
			return err
		}
		if err := upsert(ctx, t.items, ent); err != nil {
			return fmt.Errorf("upsert item %s: %w", id, err)
		}
	}
	for id := range oldItems {
		if _, ok := newItems[id]; !ok {
			if err := remove(ctx, t.items, id); err != nil {
				return fmt.Errorf("delete item %s: %w", id, err)
			}
		}
	}
	for id := range oldStages {
		if _, ok := newStages[id]; !ok {
			if err := remove(ctx, t.stages, id); err != nil {
				return fmt.Errorf("delete stage %s: %w", id, err)
			}
		}
	}
	return nil
}

func flatten(state domain.BoardState) (map[string]domain.Stage, map[string]domain.Item) {
	stages := make(map[string]domain.Stage, len(state.Stages))
	items := make(map[string]domain.Item, state.ItemCount())
	for _, st := range state.Stages {
		stages[st.ID] = st.Stage
		for _, it := range st.Items {
			items[it.ID] = it
		}
	}
	return stages, items
}

func newStageEntity(st domain.Stage) stageEntity {
	return stageEntity{
		Entity:      aztables.Entity{PartitionKey: boardPartition, RowKey: st.ID},
		Title:       st.Title,
		Color:       st.Color,
		Position:    st.Position,
		ThresholdMS: st.Threshold.Std().Milliseconds(),
	}
}

func newItemEntity(it domain.Item) (itemEntity, error) {
	attrs, err := sonic.MarshalString(it.Attributes)
	if err != nil {
		return itemEntity{}, err
	}
	return itemEntity{
		Entity:       aztables.Entity{PartitionKey: boardPartition, RowKey: it.ID},
		StageID:      it.StageID,
		Position:     it.Position,
		LastActivity: it.LastActivity.UTC().Format(time.RFC3339Nano),
		CreatedAt:    it.CreatedAt.UTC().Format(time.RFC3339Nano),
		Attributes:   attrs,
	}, nil
}

func (e itemEntity) item() (domain.Item, error) {
	it := domain.Item{ID: e.RowKey, StageID: e.StageID, Position: e.Position}
	var err error
	if it.LastActivity, err = time.Parse(time.RFC3339Nano, e.LastActivity); err != nil {
		return it, fmt.Errorf("item %s last activity: %w", e.RowKey, err)
	}
	if it.CreatedAt, err = time.Parse(time.RFC3339Nano, e.CreatedAt); err != nil {
		return it, fmt.Errorf("item %s created at: %w", e.RowKey, err)
	}
	if e.Attributes != "" {
		if err := sonic.UnmarshalString(e.Attributes, &it.Attributes); err != nil {
			return it, fmt.Errorf("item %s attributes: %w", e.RowKey, err)
		}
	}
	return it, nil
}

func listEntities(ctx context.Context, table entityTable, fn func([]byte) error) error {
	filter := "PartitionKey eq '" + boardPartition + "'"
	pager := table.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return err
		}
		for _, e := range resp.Entities {
			if err := fn(e); err != nil {
				return err
			}
		}
	}
	return nil
}

func upsert(ctx context.Context, table entityTable, entity any) error {
	payload, err := sonic.Marshal(entity)
	if err != nil {
		return err
	}
	_, err = table.UpsertEntity(ctx, payload, nil)
	return err
}

func remove(ctx context.Context, table entityTable, rowKey string) error {
	_, err := table.DeleteEntity(ctx, boardPartition, rowKey, nil)
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) && respErr.StatusCode == http.StatusNotFound {
		return nil
	}
	return err
}
