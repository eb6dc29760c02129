package hub

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"

	"pipeline-board/domain"
)

func TestPublishReachesEverySession(t *testing.T) {
	logger, _ := test.NewNullLogger()
	h := New(logger, 4)
	a, _ := h.Subscribe("a", "alice")
	b, _ := h.Subscribe("b", "bob")

	h.Publish(domain.Event{Seq: 1})
	h.Publish(domain.Event{Seq: 2})

	for _, s := range []*Session{a, b} {
		for want := int64(1); want <= 2; want++ {
			select {
			case ev := <-s.Events():
				if ev.Seq != want {
					t.Fatalf("session %s got seq %d, want %d", s.ID, ev.Seq, want)
				}
			case <-time.After(time.Second):
				t.Fatalf("session %s missed seq %d", s.ID, want)
			}
		}
	}
}

func TestSlowConsumerIsDisconnected(t *testing.T) {
	logger, hook := test.NewNullLogger()
	h := New(logger, 1)
	slow, _ := h.Subscribe("slow", "alice")
	fast, _ := h.Subscribe("fast", "bob")

	h.Publish(domain.Event{Seq: 1})
	<-fast.Events()
	h.Publish(domain.Event{Seq: 2})

	if h.Len() != 1 {
		t.Fatalf("expected only the fast session to remain, got %d", h.Len())
	}
	if ev := <-slow.Events(); ev.Seq != 1 {
		t.Fatalf("slow session lost its queued event: %+v", ev)
	}
	if _, ok := <-slow.Events(); ok {
		t.Fatal("slow session queue should be closed")
	}
	if !errors.Is(slow.Err(), ErrSlowConsumer) {
		t.Fatalf("expected slow consumer reason, got %v", slow.Err())
	}
	if ev := <-fast.Events(); ev.Seq != 2 {
		t.Fatalf("fast session got %+v", ev)
	}
	if entry := hook.LastEntry(); entry == nil || entry.Message != "disconnecting slow viewer session" {
		t.Fatalf("expected slow consumer warning, got %+v", entry)
	}
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	logger, _ := test.NewNullLogger()
	h := New(logger, 2)
	s, _ := h.Subscribe("a", "alice")
	h.Unsubscribe("a")
	h.Unsubscribe("a")
	h.Unsubscribe("never")
	if h.Len() != 0 {
		t.Fatalf("expected no sessions, got %d", h.Len())
	}
	if _, ok := <-s.Events(); ok {
		t.Fatal("queue not closed")
	}
	h.Publish(domain.Event{Seq: 1})

	if _, err := h.Subscribe("a", "alice"); err != nil {
		t.Fatalf("resubscribe after unsubscribe: %v", err)
	}
	if _, err := h.Subscribe("a", "alice"); !errors.Is(err, domain.ErrPreconditionFailed) {
		t.Fatalf("expected duplicate session rejection, got %v", err)
	}
	if _, err := h.Subscribe("", "alice"); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}

func TestRunDropsSessionOnSendFailure(t *testing.T) {
	logger, _ := test.NewNullLogger()
	h := New(logger, 4)
	broken, _ := h.Subscribe("broken", "alice")
	healthy, _ := h.Subscribe("healthy", "bob")

	h.Publish(domain.Event{Seq: 1})
	err := broken.Run(context.Background(), SenderFunc(func(context.Context, domain.Event) error {
		return errors.New("connection reset")
	}))
	if !errors.Is(err, domain.ErrTransportFailure) {
		t.Fatalf("expected transport failure, got %v", err)
	}
	if h.Len() != 1 {
		t.Fatalf("broken session still registered")
	}

	h.Publish(domain.Event{Seq: 2})
	var got []int64
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- healthy.Run(ctx, SenderFunc(func(_ context.Context, ev domain.Event) error {
			got = append(got, ev.Seq)
			if len(got) == 2 {
				cancel()
			}
			return nil
		}))
	}()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("unexpected run error %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("healthy session did not drain")
	}
	if len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Fatalf("healthy session received %v", got)
	}
	if h.Len() != 0 {
		t.Fatalf("cancelled session still registered")
	}
}

func TestSessionsAndClose(t *testing.T) {
	logger, _ := test.NewNullLogger()
	h := New(logger, 2)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	h.now = func() time.Time { tick++; return base.Add(time.Duration(tick) * time.Second) }
	h.Subscribe("b", "bob")
	h.Subscribe("a", "alice")
	h.Publish(domain.Event{Seq: 1})

	infos := h.Sessions()
	if len(infos) != 2 || infos[0].ID != "b" || infos[1].ID != "a" || infos[0].Queued != 1 {
		t.Fatalf("unexpected sessions %+v", infos)
	}
	h.Close()
	if h.Len() != 0 {
		t.Fatal("close left sessions behind")
	}
}

func TestShutdownRefusesNewSessions(t *testing.T) {
	logger, _ := test.NewNullLogger()
	h := New(logger, 2)
	s, err := h.Subscribe("a", "alice")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	h.Shutdown()

	if _, open := <-s.Events(); open {
		t.Fatal("shutdown should close live sessions")
	}
	if !errors.Is(s.Err(), ErrClosed) {
		t.Fatalf("session reason = %v", s.Err())
	}
	if _, err := h.Subscribe("b", "bob"); !errors.Is(err, domain.ErrPreconditionFailed) {
		t.Fatalf("subscribe after shutdown: %v", err)
	}
	h.Close()
	if h.Len() != 0 {
		t.Fatal("sessions left after shutdown")
	}
}
