package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"pipeline-board/domain"
)

const idempotencyHeader = "Idempotency-Key"

// Config wires the HTTP surface. Mutator is nil on read-only nodes, which
// then serve only the board, the stream and diagnostics.
type Config struct {
	Board     Board
	Mutator   Mutator
	Auth      Authenticator
	Deduper   Deduper
	Outbox    OutboxReporter
	Sessions  SessionLister
	Heartbeat time.Duration
	Logger    *log.Logger
}

type handlers struct {
	board     Board
	mutator   Mutator
	auth      Authenticator
	deduper   Deduper
	outbox    OutboxReporter
	sessions  SessionLister
	heartbeat time.Duration
	logger    *log.Logger
}

// Register wires up all API routes on the provided Echo instance.
func Register(e *echo.Echo, cfg Config) {
	h := &handlers{
		board:     cfg.Board,
		mutator:   cfg.Mutator,
		auth:      cfg.Auth,
		deduper:   cfg.Deduper,
		outbox:    cfg.Outbox,
		sessions:  cfg.Sessions,
		heartbeat: cfg.Heartbeat,
		logger:    cfg.Logger,
	}
	if h.logger == nil {
		h.logger = log.StandardLogger()
	}
	if h.heartbeat <= 0 {
		h.heartbeat = 15 * time.Second
	}

	e.GET("/healthz", h.healthz)
	e.GET("/api/board", h.getBoard)
	e.GET("/api/stream", h.stream)
	e.GET("/api/sessions", h.getSessions)
	e.GET("/api/outbox", h.getOutbox)
	if h.mutator == nil {
		return
	}
	e.POST("/api/moves", h.postMove)
	e.POST("/api/stages", h.postStage)
	e.PUT("/api/stages/order", h.putStageOrder)
	e.PATCH("/api/stages/:id", h.patchStage)
	e.DELETE("/api/stages/:id", h.deleteStage)
	e.POST("/api/items", h.postItem)
	e.PATCH("/api/items/:id", h.patchItem)
	e.POST("/api/items/:id/activity", h.postActivity)
	e.DELETE("/api/items/:id", h.deleteItem)
}

// sequenced is implemented by the primary engine.
type sequenced interface {
	Epoch() string
	Seq() int64
}

func (h *handlers) healthz(c echo.Context) error {
	resp := healthResponse{Status: "ok", ReadOnly: h.mutator == nil}
	if s, ok := h.board.(sequenced); ok {
		resp.Epoch, resp.Seq = s.Epoch(), s.Seq()
	}
	if h.sessions != nil {
		resp.Sessions = len(h.sessions.Sessions())
	}
	if h.outbox != nil && h.outbox.Stats().LastError != "" {
		resp.Status = "degraded"
	}
	return c.JSON(http.StatusOK, resp)
}

// authenticate resolves the caller and stores it in the request context.
func (h *handlers) authenticate(c echo.Context, m *requestMetrics, allowQuery bool) (domain.Principal, context.Context, error) {
	start := time.Now()
	p, err := h.auth.PrincipalFromAuthHeader(authHeader(c, allowQuery))
	if m != nil {
		m.ObserveAuth(time.Since(start))
	}
	if err != nil {
		return p, nil, err
	}
	if m != nil {
		m.SetActor(p.ID)
	}
	return p, domain.WithPrincipal(c.Request().Context(), p), nil
}

func (h *handlers) getBoard(c echo.Context) error {
	_, ctx, err := h.authenticate(c, nil, false)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, errorResponse{Error: "unauthenticated", Message: err.Error()})
	}
	snap, err := h.board.Snapshot(ctx)
	if err != nil {
		return h.writeError(c, err, "")
	}
	return c.JSON(http.StatusOK, snap)
}

func (h *handlers) getSessions(c echo.Context) error {
	if _, _, err := h.authenticate(c, nil, false); err != nil {
		return c.JSON(http.StatusUnauthorized, errorResponse{Error: "unauthenticated", Message: err.Error()})
	}
	if h.sessions == nil {
		return c.JSON(http.StatusNotFound, errorResponse{Error: "not-found", Message: "sessions are not tracked on this node"})
	}
	return c.JSON(http.StatusOK, h.sessions.Sessions())
}

func (h *handlers) getOutbox(c echo.Context) error {
	if _, _, err := h.authenticate(c, nil, false); err != nil {
		return c.JSON(http.StatusUnauthorized, errorResponse{Error: "unauthenticated", Message: err.Error()})
	}
	if h.outbox == nil {
		return c.JSON(http.StatusNotFound, errorResponse{Error: "not-found", Message: "no outbox on this node"})
	}
	return c.JSON(http.StatusOK, h.outbox.Stats())
}

type applyFunc func(ctx context.Context, p domain.Principal) (domain.Event, error)

// mutate runs the shared request flow: authenticate, decode body (when
// non-nil), apply, and reply with the applied event.
func (h *handlers) mutate(c echo.Context, route string, status int, body any, apply applyFunc) error {
	metrics, spanCtx := newRequestMetrics(c.Request().Context(), h.logger, route)
	c.SetRequest(c.Request().WithContext(spanCtx))
	var failure error
	defer func() {
		metrics.Log(c.Response().Status, failure)
	}()

	p, ctx, authErr := h.authenticate(c, metrics, false)
	if authErr != nil {
		metrics.SetErrorStage("auth")
		return c.JSON(http.StatusUnauthorized, errorResponse{Error: "unauthenticated", Message: authErr.Error()})
	}
	if body != nil {
		if decErr := decodeBody(c.Request().Body, body); decErr != nil {
			metrics.SetErrorStage("decode")
			return c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid-argument", Message: "invalid body"})
		}
	}

	applyStart := time.Now()
	ev, applyErr := apply(ctx, p)
	metrics.ObserveApply(time.Since(applyStart))
	if applyErr != nil {
		metrics.SetErrorStage("apply")
		if !domain.IsRejection(applyErr) && !errors.Is(applyErr, errDuplicateIntent) {
			failure = applyErr
		}
		return h.writeError(c, applyErr, ev.IntentID)
	}
	metrics.SetSeq(ev.Seq)
	metrics.SetIntent(ev.IntentID)
	return c.JSON(status, eventResponse{Event: ev})
}

func (h *handlers) postMove(c echo.Context) error {
	var intent domain.MoveIntent
	return h.mutate(c, "/api/moves", http.StatusOK, &intent, func(ctx context.Context, p domain.Principal) (domain.Event, error) {
		intent.ActorID = p.ID
		if intent.IntentID == "" {
			intent.IntentID = strings.TrimSpace(c.Request().Header.Get(idempotencyHeader))
		}
		if intent.IntentID == "" {
			intent.IntentID = uuid.NewString()
		}
		if err := intent.Validate(); err != nil {
			return domain.Event{IntentID: intent.IntentID}, err
		}

		deduped := false
		if h.deduper != nil && !p.ReadOnly() {
			added, err := h.deduper.Add(ctx, p.ID, intent.IntentID)
			switch {
			case err != nil:
				h.logger.WithError(err).WithField("intent", intent.IntentID).Warn("intent dedupe unavailable")
			case !added:
				return domain.Event{IntentID: intent.IntentID}, errDuplicateIntent
			default:
				deduped = true
			}
		}

		ev, err := h.mutator.Move(ctx, intent)
		if err != nil {
			if deduped {
				if rmErr := h.deduper.Remove(context.WithoutCancel(ctx), p.ID, intent.IntentID); rmErr != nil {
					h.logger.WithError(rmErr).WithField("intent", intent.IntentID).Warn("failed to release intent id")
				}
			}
			return domain.Event{IntentID: intent.IntentID}, err
		}
		return ev, nil
	})
}

func (h *handlers) postStage(c echo.Context) error {
	var draft domain.StageDraft
	return h.mutate(c, "/api/stages", http.StatusCreated, &draft, func(ctx context.Context, p domain.Principal) (domain.Event, error) {
		return h.mutator.CreateStage(ctx, p.ID, draft)
	})
}

func (h *handlers) patchStage(c echo.Context) error {
	var patch domain.StagePatch
	return h.mutate(c, "/api/stages/:id", http.StatusOK, &patch, func(ctx context.Context, p domain.Principal) (domain.Event, error) {
		return h.mutator.UpdateStage(ctx, p.ID, c.Param("id"), patch)
	})
}

func (h *handlers) deleteStage(c echo.Context) error {
	return h.mutate(c, "/api/stages/:id", http.StatusOK, nil, func(ctx context.Context, p domain.Principal) (domain.Event, error) {
		return h.mutator.DeleteStage(ctx, p.ID, c.Param("id"), strings.TrimSpace(c.QueryParam("reassignTo")))
	})
}

func (h *handlers) putStageOrder(c echo.Context) error {
	var req reorderRequest
	return h.mutate(c, "/api/stages/order", http.StatusOK, &req, func(ctx context.Context, p domain.Principal) (domain.Event, error) {
		return h.mutator.ReorderStages(ctx, p.ID, req.StageIDs)
	})
}

func (h *handlers) postItem(c echo.Context) error {
	var draft domain.ItemDraft
	return h.mutate(c, "/api/items", http.StatusCreated, &draft, func(ctx context.Context, p domain.Principal) (domain.Event, error) {
		return h.mutator.CreateItem(ctx, p.ID, draft)
	})
}

func (h *handlers) patchItem(c echo.Context) error {
	var patch domain.ItemPatch
	return h.mutate(c, "/api/items/:id", http.StatusOK, &patch, func(ctx context.Context, p domain.Principal) (domain.Event, error) {
		return h.mutator.UpdateItem(ctx, p.ID, c.Param("id"), patch)
	})
}

func (h *handlers) postActivity(c echo.Context) error {
	return h.mutate(c, "/api/items/:id/activity", http.StatusOK, nil, func(ctx context.Context, p domain.Principal) (domain.Event, error) {
		return h.mutator.TouchItem(ctx, p.ID, c.Param("id"))
	})
}

func (h *handlers) deleteItem(c echo.Context) error {
	return h.mutate(c, "/api/items/:id", http.StatusOK, nil, func(ctx context.Context, p domain.Principal) (domain.Event, error) {
		return h.mutator.DeleteItem(ctx, p.ID, c.Param("id"))
	})
}

var errDuplicateIntent = errors.New("intent already applied")

// statusForError maps the error taxonomy onto HTTP.
func statusForError(err error) (int, string) {
	switch {
	case errors.Is(err, errDuplicateIntent):
		return http.StatusConflict, "duplicate-intent"
	case errors.Is(err, domain.ErrInvalidArgument):
		return http.StatusBadRequest, "invalid-argument"
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, "not-found"
	case errors.Is(err, domain.ErrPreconditionFailed):
		return http.StatusPreconditionFailed, "precondition-failed"
	case errors.Is(err, domain.ErrPermissionDenied):
		return http.StatusForbidden, "permission-denied"
	case errors.Is(err, domain.ErrTimeout):
		return http.StatusGatewayTimeout, "timeout"
	case errors.Is(err, domain.ErrTransportFailure):
		return http.StatusBadGateway, "transport-failure"
	}
	return http.StatusInternalServerError, "internal"
}

func (h *handlers) writeError(c echo.Context, err error, intentID string) error {
	status, code := statusForError(err)
	if status >= http.StatusInternalServerError {
		h.logger.WithError(err).WithField("route", c.Path()).Error("request failed")
	}
	return c.JSON(status, errorResponse{Error: code, Message: err.Error(), IntentID: intentID})
}
