package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/anousonefs/ticket-gate/internal/clock"
	"github.com/anousonefs/ticket-gate/internal/notify"
)

type Reaper interface {
	Reap(ctx context.Context) (int, error)
}

type Handlers struct {
	reaper Reaper
	mirror notify.Mirror
	clock  clock.Clock
}

// NewHandlers returns the task handlers. mirror may be nil, in which case
// admission notices are dropped.
func NewHandlers(reaper Reaper, mirror notify.Mirror, clk clock.Clock) *Handlers {
	return &Handlers{reaper: reaper, mirror: mirror, clock: clk}
}

func (h *Handlers) HandleReapEntries(ctx context.Context, t *asynq.Task) error {
	n, err := h.reaper.Reap(ctx)
	if err != nil {
		return err
	}
	slog.Debug("Reaper finished", "reaped", n)
	return nil
}

func (h *Handlers) HandleNotifyAdmitted(ctx context.Context, t *asynq.Task) error {
	var payload NotifyAdmittedPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("json.Unmarshal(): %v: %w", err, asynq.SkipRetry)
	}
	if h.mirror == nil {
		return nil
	}

	notice := notify.NewAdmittedNotice(payload.UserID, payload.EventID, h.clock.Now())
	if err := h.mirror.PublishAdmitted(ctx, notice); err != nil {
		if errors.Is(err, notify.ErrNoUser) {
			return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		}
		slog.Error(fmt.Sprintf("h.mirror.PublishAdmitted(%v)", payload.UserID), "error", err)
		return err
	}
	return nil
}

func (h *Handlers) Mux() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TypeReapEntries, h.HandleReapEntries)
	mux.HandleFunc(TypeNotifyAdmitted, h.HandleNotifyAdmitted)
	return mux
}
