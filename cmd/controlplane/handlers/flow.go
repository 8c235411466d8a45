package handlers

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/swiftgrid/controlplane/cmd/controlplane/service"
)

// FlowHandler serves workflow definition endpoints.
type FlowHandler struct {
	flows *service.FlowService
}

// NewFlowHandler creates a flow handler.
func NewFlowHandler(flows *service.FlowService) *FlowHandler {
	return &FlowHandler{flows: flows}
}

func flowID(c echo.Context) (int64, error) {
	return strconv.ParseInt(c.Param("id"), 10, 64)
}

// Create handles POST /flows.
func (h *FlowHandler) Create(c echo.Context) error {
	var req service.CreateRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "malformed request body"})
	}

	wf, err := h.flows.Create(c.Request().Context(), &req)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusCreated, wf)
}

// List handles GET /flows.
func (h *FlowHandler) List(c echo.Context) error {
	flows, err := h.flows.List(c.Request().Context())
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"flows": flows})
}

// Get handles GET /flows/{id}.
func (h *FlowHandler) Get(c echo.Context) error {
	id, err := flowID(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid flow id"})
	}

	wf, err := h.flows.Get(c.Request().Context(), id)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, wf)
}

// Update handles PUT /flows/{id}.
func (h *FlowHandler) Update(c echo.Context) error {
	id, err := flowID(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid flow id"})
	}

	var req service.UpdateRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "malformed request body"})
	}

	wf, err := h.flows.Update(c.Request().Context(), id, &req)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, wf)
}

// Patch handles PATCH /flows/{id}: an RFC 6902 document against the draft.
func (h *FlowHandler) Patch(c echo.Context) error {
	id, err := flowID(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid flow id"})
	}

	patchDoc, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "unreadable body"})
	}

	wf, err := h.flows.PatchDraft(c.Request().Context(), id, json.RawMessage(patchDoc))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, wf)
}

// Publish handles POST /flows/{id}/publish.
func (h *FlowHandler) Publish(c echo.Context) error {
	id, err := flowID(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid flow id"})
	}

	version, err := h.flows.Publish(c.Request().Context(), id)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"versionId":     version.ID,
		"versionNumber": version.VersionNumber,
	})
}

// Rollback handles POST /flows/{id}/rollback.
func (h *FlowHandler) Rollback(c echo.Context) error {
	id, err := flowID(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid flow id"})
	}

	var ref service.VersionRef
	if err := c.Bind(&ref); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "malformed request body"})
	}

	version, err := h.flows.Rollback(c.Request().Context(), id, &ref)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"activeVersionId": version.ID,
		"versionNumber":   version.VersionNumber,
	})
}

// Restore handles POST /flows/{id}/restore.
func (h *FlowHandler) Restore(c echo.Context) error {
	id, err := flowID(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid flow id"})
	}

	var ref service.VersionRef
	if err := c.Bind(&ref); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "malformed request body"})
	}

	wf, err := h.flows.Restore(c.Request().Context(), id, &ref)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, wf)
}

// Discard handles POST /flows/{id}/discard.
func (h *FlowHandler) Discard(c echo.Context) error {
	id, err := flowID(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid flow id"})
	}

	wf, err := h.flows.Discard(c.Request().Context(), id)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, wf)
}

// Delete handles DELETE /flows/{id}.
func (h *FlowHandler) Delete(c echo.Context) error {
	id, err := flowID(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid flow id"})
	}

	if err := h.flows.Delete(c.Request().Context(), id); err != nil {
		return respondError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// Versions handles GET /flows/{id}/versions.
func (h *FlowHandler) Versions(c echo.Context) error {
	id, err := flowID(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid flow id"})
	}

	versions, err := h.flows.Versions(c.Request().Context(), id)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"versions": versions})
}

// UpsertSchedule handles POST /flows/{id}/schedule.
func (h *FlowHandler) UpsertSchedule(c echo.Context) error {
	id, err := flowID(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid flow id"})
	}

	var req service.ScheduleRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "malformed request body"})
	}

	wf, err := h.flows.UpsertSchedule(c.Request().Context(), id, &req)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, wf)
}

// GetSchedule handles GET /flows/{id}/schedule.
func (h *FlowHandler) GetSchedule(c echo.Context) error {
	id, err := flowID(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid flow id"})
	}

	wf, err := h.flows.Get(c.Request().Context(), id)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"enabled":     wf.ScheduleEnabled,
		"cron":        wf.ScheduleCron,
		"timezone":    wf.ScheduleTimezone,
		"inputData":   wf.ScheduleInput,
		"overlapMode": wf.OverlapMode,
		"nextRunAt":   wf.NextRunAt,
	})
}
