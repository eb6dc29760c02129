package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"pipeline-board/domain"
	"pipeline-board/hub"
)

// sseWriter serialises frames from the session pump and the heartbeat.
type sseWriter struct {
	mu      sync.Mutex
	w       io.Writer
	flusher http.Flusher
}

func (s *sseWriter) event(name, id string, v any) error {
	data, err := sonic.Marshal(v)
	if err != nil {
		return err
	}
	frame := make([]byte, 0, len(data)+len(name)+len(id)+24)
	frame = append(frame, "event: "...)
	frame = append(frame, name...)
	if id != "" {
		frame = append(frame, "\nid: "...)
		frame = append(frame, id...)
	}
	frame = append(frame, "\ndata: "...)
	frame = append(frame, data...)
	frame = append(frame, "\n\n"...)
	return s.write(frame)
}

func (s *sseWriter) comment(text string) error {
	return s.write([]byte(": " + text + "\n\n"))
}

func (s *sseWriter) write(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.w.Write(frame); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func frameID(epoch string, seq int64) string {
	return epoch + ":" + strconv.FormatInt(seq, 10)
}

type resyncNotice struct {
	Reason string `json:"reason"`
}

// stream opens a viewer session. The first frame is the snapshot; every
// later frame is an applied event in sequence order. When the node drops
// the session a resync frame tells the viewer to reconnect.
func (h *handlers) stream(c echo.Context) error {
	p, ctx, err := h.authenticate(c, nil, true)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, errorResponse{Error: "unauthenticated", Message: err.Error()})
	}
	flusher, ok := c.Response().Writer.(http.Flusher)
	if !ok {
		return c.String(http.StatusInternalServerError, "stream unsupported")
	}
	sessionID := c.QueryParam("session")
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	sess, snap, err := h.board.Connect(ctx, sessionID, p.ID)
	if err != nil {
		return h.writeError(c, err, "")
	}

	c.Response().Header().Set(echo.HeaderContentType, "text/event-stream")
	c.Response().Header().Set(echo.HeaderCacheControl, "no-cache")
	c.Response().Header().Set(echo.HeaderConnection, "keep-alive")
	c.Response().Header().Set("X-Accel-Buffering", "no")
	c.Response().WriteHeader(http.StatusOK)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	w := &sseWriter{w: c.Response(), flusher: flusher}
	if err := w.event("snapshot", frameID(snap.Epoch, snap.Seq), snap); err != nil {
		cancel()
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(h.heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := w.comment("ping"); err != nil {
					cancel()
					return
				}
			}
		}
	}()

	runErr := sess.Run(ctx, hub.SenderFunc(func(_ context.Context, ev domain.Event) error {
		return w.event(string(ev.Type), frameID(ev.Epoch, ev.Seq), ev)
	}))
	cancel()
	wg.Wait()

	fields := log.Fields{"session": sess.ID, "actor": sess.ActorID}
	switch {
	case runErr == nil, errors.Is(runErr, context.Canceled):
		h.logger.WithFields(fields).Debug("viewer session closed")
	case errors.Is(runErr, domain.ErrTransportFailure):
		h.logger.WithFields(fields).WithError(runErr).Debug("viewer session lost")
	default:
		_ = w.event("resync", "", resyncNotice{Reason: runErr.Error()})
		h.logger.WithFields(fields).WithError(runErr).Info("viewer session dropped")
	}
	return nil
}
