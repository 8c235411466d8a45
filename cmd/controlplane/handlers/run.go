package handlers

import (
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/swiftgrid/controlplane/cmd/controlplane/service"
	"github.com/swiftgrid/controlplane/common/models"
)

// RunHandler serves run inspection and control endpoints.
type RunHandler struct {
	runs *service.RunService
}

// NewRunHandler creates a run handler.
func NewRunHandler(runs *service.RunService) *RunHandler {
	return &RunHandler{runs: runs}
}

func runID(c echo.Context) (uuid.UUID, error) {
	return uuid.Parse(c.Param("runId"))
}

// List handles GET /runs with optional filters.
func (h *RunHandler) List(c echo.Context) error {
	var filter models.RunListFilter

	if v := c.QueryParam("workflowId"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid workflowId"})
		}
		filter.WorkflowID = &id
	}
	if v := c.QueryParam("status"); v != "" {
		status := models.RunStatus(v)
		filter.Status = &status
	}
	if v := c.QueryParam("trigger"); v != "" {
		trigger := models.TriggerType(v)
		filter.Trigger = &trigger
	}
	if v := c.QueryParam("pinned"); v != "" {
		pinned := v == "true"
		filter.Pinned = &pinned
	}
	if v := c.QueryParam("cursor"); v != "" {
		cursor, err := uuid.Parse(v)
		if err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid cursor"})
		}
		filter.Cursor = &cursor
	}
	if v := c.QueryParam("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 1 {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid limit"})
		}
		filter.Limit = limit
	}

	runs, err := h.runs.List(c.Request().Context(), filter)
	if err != nil {
		return respondError(c, err)
	}
	if runs == nil {
		runs = []*models.WorkflowRun{}
	}
	return c.JSON(http.StatusOK, map[string]any{"runs": runs})
}

// Get handles GET /runs/{runId}.
func (h *RunHandler) Get(c echo.Context) error {
	id, err := runID(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid run id"})
	}

	detail, err := h.runs.Get(c.Request().Context(), id)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, detail)
}

// Active handles GET /runs/active?workflowId=N.
func (h *RunHandler) Active(c echo.Context) error {
	workflowID, err := strconv.ParseInt(c.QueryParam("workflowId"), 10, 64)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "workflowId required"})
	}

	detail, err := h.runs.Active(c.Request().Context(), workflowID)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, detail)
}

// Cancel handles POST /runs/{runId}/cancel.
func (h *RunHandler) Cancel(c echo.Context) error {
	id, err := runID(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid run id"})
	}

	run, err := h.runs.Cancel(c.Request().Context(), id)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusAccepted, run)
}

// Replay handles POST /runs/{runId}/replay.
func (h *RunHandler) Replay(c echo.Context) error {
	id, err := runID(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid run id"})
	}

	run, err := h.runs.Replay(c.Request().Context(), id)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusCreated, map[string]string{"runId": run.ID.String()})
}

// Patch handles PATCH /runs/{runId}; the only mutable field is pinned.
func (h *RunHandler) Patch(c echo.Context) error {
	id, err := runID(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid run id"})
	}

	var req struct {
		Pinned *bool `json:"pinned"`
	}
	if err := c.Bind(&req); err != nil || req.Pinned == nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "pinned field required"})
	}

	run, err := h.runs.SetPinned(c.Request().Context(), id, *req.Pinned)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, run)
}

// Delete handles DELETE /runs/{runId}.
func (h *RunHandler) Delete(c echo.Context) error {
	id, err := runID(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid run id"})
	}

	if err := h.runs.Delete(c.Request().Context(), id); err != nil {
		return respondError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}
