// Package handlers maps HTTP requests onto the control plane services.
package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/swiftgrid/controlplane/cmd/controlplane/service"
	"github.com/swiftgrid/controlplane/common/ratelimit"
	"github.com/swiftgrid/controlplane/common/repository"
)

// respondError translates service and repository errors into API responses.
func respondError(c echo.Context, err error) error {
	if limitErr, ok := ratelimit.IsLimitError(err); ok {
		c.Response().Header().Set("Retry-After", strconv.FormatInt(limitErr.RetryAfterSeconds, 10))
		return c.JSON(http.StatusTooManyRequests, map[string]any{
			"error":      "rate limit exceeded",
			"retryAfter": limitErr.RetryAfterSeconds,
		})
	}

	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, repository.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, repository.ErrConflict), errors.Is(err, repository.ErrAlreadyExists):
		status = http.StatusConflict
	case errors.Is(err, service.ErrInvalid):
		status = http.StatusBadRequest
	case errors.Is(err, service.ErrUnauthorized):
		status = http.StatusUnauthorized
	case errors.Is(err, service.ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, service.ErrGone):
		status = http.StatusGone
	}

	msg := err.Error()
	if status == http.StatusInternalServerError {
		c.Logger().Error(err)
		msg = "internal error"
	}
	return c.JSON(status, map[string]string{"error": msg})
}
