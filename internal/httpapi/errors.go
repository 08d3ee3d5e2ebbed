package httpapi

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/anousonefs/ticket-gate/internal/domain"
)

const (
	codeInvalidRequest      = "invalid_request"
	codeMissingUser         = "missing_user"
	codeAlreadyQueued       = "already_queued"
	codeDuplicateConnection = "duplicate_connection"
	codeAccessDenied        = "access_denied"
	codeNotQueued           = "not_queued"
	codeEventNotFound       = "event_not_found"
	codeUnavailable         = "unavailable"
	codeInternalError       = "internal_error"
)

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeError(c echo.Context, status int, code, msg string) error {
	return c.JSON(status, errorResponse{Error: msg, Code: code})
}

// writeDomainError maps service errors to responses in one place.
func writeDomainError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, domain.ErrAlreadyQueued):
		return writeError(c, http.StatusConflict, codeAlreadyQueued, err.Error())
	case errors.Is(err, domain.ErrDuplicateConnection):
		return writeError(c, http.StatusConflict, codeDuplicateConnection, err.Error())
	case errors.Is(err, domain.ErrAccessDenied):
		return writeError(c, http.StatusForbidden, codeAccessDenied, err.Error())
	case errors.Is(err, domain.ErrNotQueued):
		return writeError(c, http.StatusNotFound, codeNotQueued, err.Error())
	case errors.Is(err, domain.ErrEventNotFound):
		return writeError(c, http.StatusNotFound, codeEventNotFound, err.Error())
	case errors.Is(err, domain.ErrChannelClosed):
		return writeError(c, http.StatusServiceUnavailable, codeUnavailable, err.Error())
	default:
		slog.Error("Request failed", "path", c.Path(), "error", err)
		return writeError(c, http.StatusInternalServerError, codeInternalError, "internal error")
	}
}
