package storage

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"

	"pipeline-board/board"
	"pipeline-board/domain"
)

func testOutboxConfig(dir string) OutboxConfig {
	return OutboxConfig{
		Dir:            dir,
		BufferSize:     64,
		BatchSize:      4,
		PersistTimeout: time.Second,
		RetryInitial:   time.Millisecond,
		RetryMax:       5 * time.Millisecond,
	}
}

func openTestOutbox(t *testing.T, cfg OutboxConfig, p Persister) *Outbox {
	t.Helper()
	logger, _ := test.NewNullLogger()
	o, err := OpenOutbox(cfg, p, logger)
	if err != nil {
		t.Fatalf("open outbox: %v", err)
	}
	return o
}

func enqueueSeqs(t *testing.T, o *Outbox, from, to int64) {
	t.Helper()
	for seq := from; seq <= to; seq++ {
		if err := o.Enqueue(domain.Event{Epoch: "e1", Seq: seq, Type: domain.ItemUpdated}); err != nil {
			t.Fatalf("enqueue %d: %v", seq, err)
		}
	}
}

func drainOutbox(t *testing.T, o *Outbox) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := o.Drain(ctx); err != nil {
		t.Fatalf("drain: %v (stats %+v)", err, o.Stats())
	}
}

func span(from, to int64) []int64 {
	var out []int64
	for i := from; i <= to; i++ {
		out = append(out, i)
	}
	return out
}

func TestOutboxDeliversInOrder(t *testing.T) {
	p := &recordingPersister{}
	o := openTestOutbox(t, testOutboxConfig(t.TempDir()), p)
	defer o.Close()

	enqueueSeqs(t, o, 1, 25)
	drainOutbox(t, o)

	if got := p.seqs(); !slices.Equal(got, span(1, 25)) {
		t.Fatalf("delivered %v", got)
	}
	if st := o.Stats(); st.Delivered != 25 || st.Pending != 0 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestOutboxRetriesHeadOfLine(t *testing.T) {
	p := &recordingPersister{fail: 3}
	o := openTestOutbox(t, testOutboxConfig(t.TempDir()), p)
	defer o.Close()

	enqueueSeqs(t, o, 1, 5)
	drainOutbox(t, o)

	if got := p.seqs(); !slices.Equal(got, span(1, 5)) {
		t.Fatalf("delivered %v", got)
	}
	st := o.Stats()
	if st.Failures != 3 {
		t.Fatalf("failures = %d, want 3", st.Failures)
	}
	if st.LastError != "" {
		t.Fatalf("last error should clear after success, got %q", st.LastError)
	}
}

func TestOutboxRedeliversAfterRestart(t *testing.T) {
	dir := t.TempDir()
	down := &recordingPersister{fail: -1}
	o := openTestOutbox(t, testOutboxConfig(dir), down)
	enqueueSeqs(t, o, 1, 3)
	if err := o.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if len(down.seqs()) != 0 {
		t.Fatalf("nothing should be delivered while backend is down")
	}

	up := &recordingPersister{}
	o = openTestOutbox(t, testOutboxConfig(dir), up)
	defer o.Close()
	drainOutbox(t, o)
	if got := up.seqs(); !slices.Equal(got, span(1, 3)) {
		t.Fatalf("redelivered %v", got)
	}
}

func TestOutboxDoesNotRedeliverCommitted(t *testing.T) {
	dir := t.TempDir()
	p := &recordingPersister{}
	o := openTestOutbox(t, testOutboxConfig(dir), p)
	enqueueSeqs(t, o, 1, 6)
	drainOutbox(t, o)
	if err := o.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	again := &recordingPersister{}
	o = openTestOutbox(t, testOutboxConfig(dir), again)
	defer o.Close()
	enqueueSeqs(t, o, 7, 8)
	drainOutbox(t, o)
	if got := again.seqs(); !slices.Equal(got, span(7, 8)) {
		t.Fatalf("delivered after restart %v", got)
	}
	if st := o.Stats(); st.CommittedUpTo != 8 {
		t.Fatalf("committed = %d, want 8", st.CommittedUpTo)
	}
}

func TestOutboxSaturation(t *testing.T) {
	cfg := testOutboxConfig(t.TempDir())
	cfg.BufferSize = 2
	o := openTestOutbox(t, cfg, &recordingPersister{fail: -1})
	defer o.Close()

	enqueueSeqs(t, o, 1, 2)
	if !o.Saturated() {
		t.Fatal("expected saturated outbox")
	}
	err := o.Enqueue(domain.Event{Epoch: "e1", Seq: 3})
	if !errors.Is(err, errOutboxSaturated) {
		t.Fatalf("expected saturation error, got %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := o.Drain(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("drain should time out while backend is down, got %v", err)
	}
}

func TestOutboxRejectsAfterClose(t *testing.T) {
	o := openTestOutbox(t, testOutboxConfig(t.TempDir()), &recordingPersister{})
	if err := o.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := o.Enqueue(domain.Event{Seq: 1}); !errors.Is(err, errOutboxClosed) {
		t.Fatalf("expected closed error, got %v", err)
	}
}

func TestOutboxReconcilesWhenEventCannotBeLogged(t *testing.T) {
	events, want := scriptedEvents(t)
	mem, err := NewMemory(domain.BoardState{})
	if err != nil {
		t.Fatalf("new memory: %v", err)
	}
	o := openTestOutbox(t, testOutboxConfig(t.TempDir()), mem)
	defer o.Close()

	last := events[len(events)-1]
	primary := board.NewStore(0)
	if err := primary.Load(want); err != nil {
		t.Fatalf("load primary: %v", err)
	}
	o.SetSnapshotSource(func(context.Context) (domain.Snapshot, error) {
		return board.NewProjection(primary, domain.DefaultFreshnessPolicy).Snapshot(last.Epoch, last.Seq, t0), nil
	})

	for _, ev := range events[:len(events)-1] {
		if err := o.Enqueue(ev); err != nil {
			t.Fatalf("enqueue seq %d: %v", ev.Seq, err)
		}
	}
	drainOutbox(t, o)

	// The disk went away: the last event never reaches the log.
	if err := o.log.close(); err != nil {
		t.Fatalf("close log: %v", err)
	}
	if err := o.Enqueue(last); !errors.Is(err, errLogClosed) {
		t.Fatalf("expected log error, got %v", err)
	}
	drainOutbox(t, o)

	st := o.Stats()
	if st.Reconciliations != 1 || st.SweepPending || st.Pending != 0 {
		t.Fatalf("stats = %+v", st)
	}
	got, err := mem.LoadSnapshot(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	assertSameBoard(t, got, want)

	// A late redelivery of a covered event is skipped.
	if err := mem.Persist(context.Background(), last); err != nil {
		t.Fatalf("redeliver: %v", err)
	}
	got, _ = mem.LoadSnapshot(context.Background())
	assertSameBoard(t, got, want)
}

func TestOutboxSweepKeepsEventsNewerThanSnapshot(t *testing.T) {
	mem, err := NewMemory(domain.BoardState{Stages: []domain.StageItems{
		{Stage: domain.Stage{ID: "lead", Title: "Lead"}, Items: []domain.Item{}},
	}})
	if err != nil {
		t.Fatalf("new memory: %v", err)
	}
	o := openTestOutbox(t, testOutboxConfig(t.TempDir()), mem)
	defer o.Close()

	snapshot := domain.Snapshot{Epoch: "e1", Seq: 1, Stages: []domain.StageView{
		{Stage: domain.Stage{ID: "lead", Title: "Lead"}, Items: []domain.ItemView{}},
		{Stage: domain.Stage{ID: "won", Title: "Won", Position: 1}, Items: []domain.ItemView{}},
	}}
	taking := make(chan struct{})
	ready := make(chan struct{})
	o.SetSnapshotSource(func(context.Context) (domain.Snapshot, error) {
		close(taking)
		<-ready
		return snapshot, nil
	})

	o.mu.Lock()
	o.sweep = true
	o.mu.Unlock()
	o.signal()
	<-taking

	// Both events are logged while the sweep reads the board; only the
	// first is part of the snapshot.
	covered := domain.Event{Epoch: "e1", Seq: 1, Type: domain.StageCreated, Stage: &domain.Stage{ID: "won", Title: "Won", Position: 1}}
	newer := domain.Event{Epoch: "e1", Seq: 2, Type: domain.ItemCreated, Item: &domain.Item{ID: "i1", StageID: "won", CreatedAt: t0, LastActivity: t0}}
	for _, ev := range []domain.Event{covered, newer} {
		if err := o.Enqueue(ev); err != nil {
			t.Fatalf("enqueue seq %d: %v", ev.Seq, err)
		}
	}
	close(ready)
	drainOutbox(t, o)

	st := o.Stats()
	if st.Reconciliations != 1 || st.Delivered != 1 {
		t.Fatalf("stats = %+v, want one sweep and the newer event delivered", st)
	}
	got, err := mem.LoadSnapshot(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	l := layout(got)
	if !slices.Equal(l[""], []string{"lead", "won"}) || !slices.Equal(l["won"], []string{"i1"}) {
		t.Fatalf("layout = %v", l)
	}
}

func TestOutboxSweepWaitsForReconciler(t *testing.T) {
	o := openTestOutbox(t, testOutboxConfig(t.TempDir()), &recordingPersister{})
	defer o.Close()

	if err := o.log.close(); err != nil {
		t.Fatalf("close log: %v", err)
	}
	if err := o.Enqueue(domain.Event{Epoch: "e1", Seq: 1}); err == nil {
		t.Fatal("expected enqueue to fail")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if err := o.Drain(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("drain should wait for the sweep, got %v", err)
	}
	st := o.Stats()
	if !st.SweepPending || st.LastError == "" {
		t.Fatalf("stats = %+v", st)
	}
}

func TestOutboxSaturatedWhileClosing(t *testing.T) {
	o := openTestOutbox(t, testOutboxConfig(t.TempDir()), &recordingPersister{})
	if o.Saturated() {
		t.Fatal("fresh outbox reports saturation")
	}
	if err := o.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !o.Saturated() {
		t.Fatal("closed outbox must refuse new mutations")
	}
}

func TestExponentialBackoffIsCapped(t *testing.T) {
	for attempt := 1; attempt < 20; attempt++ {
		d := exponentialBackoff(attempt, 10*time.Millisecond, 80*time.Millisecond)
		if d <= 0 || d > 80*time.Millisecond {
			t.Fatalf("attempt %d backoff %s out of range", attempt, d)
		}
	}
}
