package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/labstack/echo/v4"

	"github.com/anousonefs/ticket-gate/internal/domain"
)

// sseConn streams frames as server-sent events. Headers go out with the
// first write, so a rejected connect can still answer with a JSON error.
type sseConn struct {
	res     *echo.Response
	done    <-chan struct{}
	started sync.Once
}

func newSSEConn(c echo.Context) *sseConn {
	return &sseConn{res: c.Response(), done: c.Request().Context().Done()}
}

func (s *sseConn) start() {
	s.started.Do(func() {
		h := s.res.Header()
		h.Set(echo.HeaderContentType, "text/event-stream")
		h.Set(echo.HeaderCacheControl, "no-cache")
		h.Set(echo.HeaderConnection, "keep-alive")
		h.Set("X-Accel-Buffering", "no")
		s.res.WriteHeader(http.StatusOK)
		s.res.Flush()
	})
}

func (s *sseConn) Send(_ context.Context, f domain.Frame) error {
	s.start()
	payload, err := json.Marshal(f)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.res, "data: %s\n\n", payload); err != nil {
		return err
	}
	s.res.Flush()
	return nil
}

func (s *sseConn) Ping(context.Context) error {
	s.start()
	if _, err := fmt.Fprint(s.res, ": heartbeat\n\n"); err != nil {
		return err
	}
	s.res.Flush()
	return nil
}

func (s *sseConn) Done() <-chan struct{} { return s.done }

// Close is a no-op: the response ends when the handler returns.
func (s *sseConn) Close() error { return nil }
