package storage

import (
	"context"
	"sync"

	"pipeline-board/board"
	"pipeline-board/domain"
)

// Memory keeps the persisted board in process. It replays events into its
// own store, which makes it a faithful stand-in for the durable backends.
type Memory struct {
	store *board.Store

	mu        sync.Mutex
	lastEpoch string
	lastSeq   int64
}

func NewMemory(initial domain.BoardState) (*Memory, error) {
	st := board.NewStore(0)
	if err := st.Load(initial); err != nil {
		return nil, err
	}
	return &Memory{store: st}, nil
}

func (m *Memory) LoadSnapshot(context.Context) (domain.BoardState, error) {
	return m.store.State(), nil
}

func (m *Memory) Persist(_ context.Context, ev domain.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ev.Epoch == m.lastEpoch && ev.Seq <= m.lastSeq {
		return nil
	}
	if err := m.store.ApplyEvent(ev); err != nil {
		return err
	}
	m.lastEpoch, m.lastSeq = ev.Epoch, ev.Seq
	return nil
}

func (m *Memory) Reconcile(_ context.Context, snap domain.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.store.Load(snap.State()); err != nil {
		return err
	}
	m.lastEpoch, m.lastSeq = snap.Epoch, snap.Seq
	return nil
}
