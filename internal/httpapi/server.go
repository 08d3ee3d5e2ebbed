package httpapi

import (
	"context"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/anousonefs/ticket-gate/internal/notify"
)

type Deps struct {
	Waitroom  Waitroom
	Admin     Admin
	Validator Validator
	// Mirror is optional.
	Mirror notify.Mirror
	Health Pinger
	// BaseCtx bounds every push channel; cancel it to close them all.
	BaseCtx context.Context
}

func New(deps Deps) *echo.Echo {
	if deps.BaseCtx == nil {
		deps.BaseCtx = context.Background()
	}
	h := &Handlers{
		waitroom: deps.Waitroom,
		admin:    deps.Admin,
		mirror:   deps.Mirror,
		health:   deps.Health,
		baseCtx:  deps.BaseCtx,
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(requestLogger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowHeaders:  []string{echo.HeaderContentType, HeaderUserID, HeaderEntryToken},
		ExposeHeaders: []string{HeaderEntryToken},
	}))

	setupRoutes(e, h, deps.Validator)
	return e
}

func setupRoutes(e *echo.Echo, h *Handlers, v Validator) {
	e.GET("/healthz", h.Health)

	queue := e.Group("/queue", RequireUser)

	// Push entry
	queue.GET("/:eventId/entry", h.Entry)
	queue.POST("/:eventId/entry", h.Entry)
	queue.GET("/:eventId/entry/ws", h.EntryWebSocket)
	queue.DELETE("/:eventId/entry", h.Leave)

	// Poll entry
	queue.POST("/:eventId/poll-entry", h.PollEntry)
	queue.GET("/:eventId/status", h.Status)

	queue.POST("/:eventId/complete", h.Complete, RequireAdmission(v))
	queue.GET("/push-token", h.PushToken)

	admin := e.Group("/admin/events")
	admin.GET("/:eventId/stats", h.QueueStats)
	admin.DELETE("/:eventId/queue", h.CleanQueue)
	admin.PUT("/:eventId/status", h.SetEventStatus)
}
