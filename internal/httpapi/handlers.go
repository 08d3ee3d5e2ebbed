package httpapi

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/anousonefs/ticket-gate/internal/channel"
	"github.com/anousonefs/ticket-gate/internal/domain"
	"github.com/anousonefs/ticket-gate/internal/notify"
)

type Waitroom interface {
	Connect(ctx context.Context, userID, eventID string, conn channel.Conn) (*channel.Channel, error)
	EnterPolling(ctx context.Context, userID, eventID string) (*domain.PollStatus, error)
	Status(ctx context.Context, userID, eventID string) (*domain.PollStatus, error)
	Leave(ctx context.Context, userID, eventID string) error
	Complete(ctx context.Context, userID, eventID, token string) error
}

type Admin interface {
	Stats(ctx context.Context, eventID string) (*domain.QueueStats, error)
	Clean(ctx context.Context, eventID string) (int, error)
	SetEventStatus(ctx context.Context, eventID string, status domain.EventStatus) error
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type Handlers struct {
	waitroom Waitroom
	admin    Admin
	mirror   notify.Mirror
	health   Pinger
	// lifetime of push channels; cancelled on shutdown
	baseCtx context.Context
}

func (h *Handlers) Entry(c echo.Context) error {
	userID, eventID := userID(c), c.Param("eventId")

	conn := newSSEConn(c)
	ch, err := h.waitroom.Connect(c.Request().Context(), userID, eventID, conn)
	if err != nil {
		return writeDomainError(c, err)
	}

	ch.Run(h.baseCtx)
	return nil
}

func (h *Handlers) EntryWebSocket(c echo.Context) error {
	userID, eventID := userID(c), c.Param("eventId")

	conn := newWSConn()
	ch, err := h.waitroom.Connect(c.Request().Context(), userID, eventID, conn)
	if err != nil {
		return writeDomainError(c, err)
	}

	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// the upgrader has already answered the client
		slog.Warn("WebSocket upgrade failed", "userID", userID, "error", err)
		ch.Close(channel.ReasonError)
		return nil
	}
	conn.attach(ws)

	ch.Run(h.baseCtx)
	return nil
}

func (h *Handlers) PollEntry(c echo.Context) error {
	status, err := h.waitroom.EnterPolling(c.Request().Context(), userID(c), c.Param("eventId"))
	if err != nil {
		return writeDomainError(c, err)
	}
	return c.JSON(http.StatusOK, status)
}

func (h *Handlers) Status(c echo.Context) error {
	status, err := h.waitroom.Status(c.Request().Context(), userID(c), c.Param("eventId"))
	if err != nil {
		return writeDomainError(c, err)
	}
	return c.JSON(http.StatusOK, status)
}

func (h *Handlers) Leave(c echo.Context) error {
	if err := h.waitroom.Leave(c.Request().Context(), userID(c), c.Param("eventId")); err != nil {
		return writeDomainError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handlers) Complete(c echo.Context) error {
	token := c.Request().Header.Get(HeaderEntryToken)
	if err := h.waitroom.Complete(c.Request().Context(), userID(c), c.Param("eventId"), token); err != nil {
		return writeDomainError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "completed"})
}

func (h *Handlers) PushToken(c echo.Context) error {
	if h.mirror == nil {
		return writeError(c, http.StatusServiceUnavailable, codeUnavailable, "push notifications are not configured")
	}
	grant, err := h.mirror.GrantToken(c.Request().Context(), userID(c))
	if err != nil {
		slog.Error("h.mirror.GrantToken()", "userID", userID(c), "error", err)
		return writeError(c, http.StatusBadGateway, codeUnavailable, "failed to grant push token")
	}
	return c.JSON(http.StatusOK, grant)
}

func (h *Handlers) QueueStats(c echo.Context) error {
	stats, err := h.admin.Stats(c.Request().Context(), c.Param("eventId"))
	if err != nil {
		return writeDomainError(c, err)
	}
	return c.JSON(http.StatusOK, stats)
}

func (h *Handlers) CleanQueue(c echo.Context) error {
	eventID := c.Param("eventId")
	removed, err := h.admin.Clean(c.Request().Context(), eventID)
	if err != nil {
		return writeDomainError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"message":         "Queue cleaned successfully",
		"event_id":        eventID,
		"entries_removed": removed,
	})
}

func (h *Handlers) SetEventStatus(c echo.Context) error {
	var req struct {
		Status domain.EventStatus `json:"status"`
	}
	if err := c.Bind(&req); err != nil || req.Status == "" {
		return writeError(c, http.StatusBadRequest, codeInvalidRequest, "status is required")
	}

	eventID := c.Param("eventId")
	if err := h.admin.SetEventStatus(c.Request().Context(), eventID, req.Status); err != nil {
		return writeDomainError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"event_id": eventID, "status": string(req.Status)})
}

func (h *Handlers) Health(c echo.Context) error {
	if h.health != nil {
		if err := h.health.Ping(c.Request().Context()); err != nil {
			return writeError(c, http.StatusServiceUnavailable, codeUnavailable, err.Error())
		}
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}
