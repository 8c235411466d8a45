package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/swiftgrid/controlplane/common/secrets"
)

// SecretHandler serves the secrets API. Values are write-only: no endpoint
// ever returns them.
type SecretHandler struct {
	store *secrets.Store
}

// NewSecretHandler creates a secret handler.
func NewSecretHandler(store *secrets.Store) *SecretHandler {
	return &SecretHandler{store: store}
}

// List handles GET /secrets.
func (h *SecretHandler) List(c echo.Context) error {
	keys, err := h.store.Keys(c.Request().Context())
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"secrets": keys})
}

// Put handles PUT /secrets/{key}.
func (h *SecretHandler) Put(c echo.Context) error {
	key := c.Param("key")
	if key == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "key required"})
	}

	var req struct {
		Value string `json:"value"`
	}
	if err := c.Bind(&req); err != nil || req.Value == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "value required"})
	}

	if err := h.store.Set(c.Request().Context(), key, req.Value); err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"key": key})
}

// Delete handles DELETE /secrets/{key}.
func (h *SecretHandler) Delete(c echo.Context) error {
	if err := h.store.Remove(c.Request().Context(), c.Param("key")); err != nil {
		return respondError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}
