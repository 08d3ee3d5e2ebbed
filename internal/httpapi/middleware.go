package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/anousonefs/ticket-gate/internal/domain"
)

const (
	// HeaderUserID carries the caller's identity, set by the upstream gateway.
	HeaderUserID = "User-Id"
	// HeaderEntryToken carries the admission credential.
	HeaderEntryToken = "entryAuthToken"

	credentialKey = "credential"
)

type Validator interface {
	ValidateForEvent(ctx context.Context, userID, token, eventID string) (*domain.Credential, error)
}

// RequireUser rejects requests that arrive without a caller identity.
func RequireUser(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if strings.TrimSpace(c.Request().Header.Get(HeaderUserID)) == "" {
			return writeError(c, http.StatusUnauthorized, codeMissingUser, "User-Id header is required")
		}
		return next(c)
	}
}

// RequireAdmission lets a request through only with a valid credential for
// the event in the path.
func RequireAdmission(v Validator) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			userID := userID(c)
			token := c.Request().Header.Get(HeaderEntryToken)

			cred, err := v.ValidateForEvent(c.Request().Context(), userID, token, c.Param("eventId"))
			if err != nil {
				if !errors.Is(err, domain.ErrAccessDenied) {
					slog.Error("Credential validation failed", "userID", userID, "error", err)
				}
				return writeError(c, http.StatusForbidden, codeAccessDenied, domain.ErrAccessDenied.Error())
			}
			c.Set(credentialKey, cred)
			return next(c)
		}
	}
}

func requestLogger() echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:   true,
		LogURI:      true,
		LogMethod:   true,
		LogLatency:  true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []any{"method", v.Method, "uri", v.URI, "status", v.Status, "latency", v.Latency}
			if v.Error != nil {
				slog.Error("Request", append(attrs, "error", v.Error)...)
				return nil
			}
			slog.Info("Request", attrs...)
			return nil
		},
	})
}

func userID(c echo.Context) string {
	return strings.TrimSpace(c.Request().Header.Get(HeaderUserID))
}
