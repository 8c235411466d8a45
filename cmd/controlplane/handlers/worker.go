package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/swiftgrid/controlplane/common/registry"
)

// WorkerHandler serves the worker fleet view.
type WorkerHandler struct {
	registry *registry.Registry
}

// NewWorkerHandler creates a worker handler.
func NewWorkerHandler(reg *registry.Registry) *WorkerHandler {
	return &WorkerHandler{registry: reg}
}

// List handles GET /workers.
func (h *WorkerHandler) List(c echo.Context) error {
	summary, err := h.registry.Summary(c.Request().Context())
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, summary)
}
