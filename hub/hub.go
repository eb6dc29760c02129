package hub

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"pipeline-board/domain"
)

// Hub fans applied events out to every live session. Publish never blocks:
// each session owns a bounded queue and a full queue disconnects that
// session only.
type Hub struct {
	mu       sync.Mutex
	sessions map[string]*Session
	shutdown bool
	buffer   int
	logger   *log.Logger
	now      func() time.Time
}

// New returns a hub whose sessions queue at most buffer events.
func New(logger *log.Logger, buffer int) *Hub {
	if buffer <= 0 {
		buffer = 1
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Hub{
		sessions: make(map[string]*Session),
		buffer:   buffer,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Subscribe registers a session. It receives only events published after
// this call returns.
func (h *Hub) Subscribe(sessionID, actorID string) (*Session, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("%w: session id is required", domain.ErrInvalidArgument)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.shutdown {
		return nil, fmt.Errorf("%w: node is shutting down", domain.ErrPreconditionFailed)
	}
	if _, exists := h.sessions[sessionID]; exists {
		return nil, fmt.Errorf("%w: session %q already connected", domain.ErrPreconditionFailed, sessionID)
	}
	s := &Session{
		ID:          sessionID,
		ActorID:     actorID,
		ConnectedAt: h.now(),
		hub:         h,
		queue:       make(chan domain.Event, h.buffer),
	}
	h.sessions[sessionID] = s
	h.logger.WithFields(log.Fields{"session": sessionID, "actor": actorID}).Debug("viewer session subscribed")
	return s, nil
}

// Publish enqueues ev for every live session in one pass under the hub
// lock, so all sessions observe the same order.
func (h *Hub) Publish(ev domain.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, s := range h.sessions {
		select {
		case s.queue <- ev:
		default:
			delete(h.sessions, id)
			s.close(ErrSlowConsumer)
			h.logger.WithFields(log.Fields{
				"session": id,
				"actor":   s.ActorID,
				"seq":     ev.Seq,
			}).Warn("disconnecting slow viewer session")
		}
	}
}

// Unsubscribe removes a session. Unknown or already removed ids are ignored.
func (h *Hub) Unsubscribe(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.sessions[sessionID]
	if !ok {
		return
	}
	delete(h.sessions, sessionID)
	s.close(ErrClosed)
}

func (h *Hub) drop(s *Session, reason error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cur, ok := h.sessions[s.ID]; ok && cur == s {
		delete(h.sessions, s.ID)
	}
	s.close(reason)
	entry := h.logger.WithFields(log.Fields{"session": s.ID, "actor": s.ActorID})
	if errors.Is(reason, domain.ErrTransportFailure) {
		entry.WithError(reason).Warn("viewer session dropped")
		return
	}
	entry.Debug("viewer session closed")
}

// Len returns the number of live sessions.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// Sessions lists live sessions ordered by connection time.
func (h *Hub) Sessions() []Info {
	h.mu.Lock()
	out := make([]Info, 0, len(h.sessions))
	for _, s := range h.sessions {
		out = append(out, s.info())
	}
	h.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].ConnectedAt.Equal(out[j].ConnectedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].ConnectedAt.Before(out[j].ConnectedAt)
	})
	return out
}

// Close disconnects every session. New sessions may still subscribe.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closeLocked()
}

// Shutdown disconnects every session and refuses new ones. Streaming
// handlers return once their session is closed, which lets the HTTP server
// finish its graceful shutdown.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.shutdown = true
	h.closeLocked()
}

func (h *Hub) closeLocked() {
	for id, s := range h.sessions {
		delete(h.sessions, id)
		s.close(ErrClosed)
	}
}
