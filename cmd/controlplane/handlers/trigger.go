package handlers

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/swiftgrid/controlplane/cmd/controlplane/service"
)

// TriggerHandler serves run intake endpoints.
type TriggerHandler struct {
	triggers *service.TriggerService
}

// NewTriggerHandler creates a trigger handler.
func NewTriggerHandler(triggers *service.TriggerService) *TriggerHandler {
	return &TriggerHandler{triggers: triggers}
}

// Manual handles POST /triggers/manual.
func (h *TriggerHandler) Manual(c echo.Context) error {
	var req service.ManualRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "malformed request body"})
	}

	resp, err := h.triggers.Manual(c.Request().Context(), &req)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

// Webhook handles POST /webhooks/{flowId}. The response is whatever the
// trigger service stored for the delivery, replayed byte-for-byte on
// duplicates.
func (h *TriggerHandler) Webhook(c echo.Context) error {
	flowID, err := strconv.ParseInt(c.Param("flowId"), 10, 64)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid flow id"})
	}

	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "unreadable body"})
	}

	status, respBody, err := h.triggers.Webhook(c.Request().Context(), flowID, body,
		c.Request().Header.Get(service.SignatureHeader),
		c.Request().Header.Get(service.IdempotencyHeader))
	if err != nil {
		return respondError(c, err)
	}

	return c.JSONBlob(status, respBody)
}

// Resume handles POST /webhooks/resume/{token}.
func (h *TriggerHandler) Resume(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "unreadable body"})
	}

	if err := h.triggers.Resume(c.Request().Context(), c.Param("token"), json.RawMessage(body)); err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusAccepted, map[string]string{"status": "resumed"})
}
