package hub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"pipeline-board/domain"
)

var (
	// ErrSlowConsumer closes a session whose outbound queue overflowed.
	ErrSlowConsumer = errors.New("slow consumer")
	// ErrClosed closes a session that was unsubscribed or replaced.
	ErrClosed = errors.New("session closed")
)

// Sender delivers one event to a viewer connection.
type Sender interface {
	Send(ctx context.Context, ev domain.Event) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, ev domain.Event) error

func (f SenderFunc) Send(ctx context.Context, ev domain.Event) error { return f(ctx, ev) }

// Session is one connected viewer.
type Session struct {
	ID          string
	ActorID     string
	ConnectedAt time.Time

	hub    *Hub
	queue  chan domain.Event
	once   sync.Once
	mu     sync.Mutex
	reason error
}

// Info describes a live session for diagnostics.
type Info struct {
	ID          string    `json:"id"`
	ActorID     string    `json:"actorId"`
	ConnectedAt time.Time `json:"connectedAt"`
	Queued      int       `json:"queued"`
}

// Events returns the outbound queue. It is closed when the session ends.
func (s *Session) Events() <-chan domain.Event { return s.queue }

// Err reports why the session ended, or nil while it is live.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// Run drains the session queue into sender until ctx is done, the session is
// closed, or a send fails. A failed send drops the session.
func (s *Session) Run(ctx context.Context, sender Sender) error {
	for {
		select {
		case <-ctx.Done():
			s.hub.drop(s, ErrClosed)
			return ctx.Err()
		case ev, ok := <-s.queue:
			if !ok {
				return s.Err()
			}
			if err := sender.Send(ctx, ev); err != nil {
				err = fmt.Errorf("%w: session %s: %v", domain.ErrTransportFailure, s.ID, err)
				s.hub.drop(s, err)
				return err
			}
		}
	}
}

// close must be called with the hub lock held; Publish is the only writer.
func (s *Session) close(reason error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.reason = reason
		s.mu.Unlock()
		close(s.queue)
	})
}

func (s *Session) info() Info {
	return Info{ID: s.ID, ActorID: s.ActorID, ConnectedAt: s.ConnectedAt, Queued: len(s.queue)}
}
