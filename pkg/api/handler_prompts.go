package api

import (
	"encoding/json"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/ccpulse/ccpulse/pkg/models"
)

// pendingPromptsHandler handles GET /api/prompts/pending?device_id=…:
// workspace_device links awaiting a git-hooks installation prompt.
func (s *Server) pendingPromptsHandler(c *echo.Context) error {
	deviceID := c.QueryParam("device_id")
	if deviceID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "device_id is required")
	}
	prompts, err := s.identity.PendingPrompts(c.Request().Context(), deviceID)
	if err != nil {
		return mapStoreError(err)
	}
	if prompts == nil {
		prompts = []*models.WorkspaceDevice{}
	}
	return c.JSON(http.StatusOK, map[string]any{"prompts": prompts})
}

type dismissPromptRequest struct {
	WorkspaceID string `json:"workspace_id"`
	DeviceID    string `json:"device_id"`
	Action      string `json:"action"`
}

// dismissPromptHandler handles POST /api/prompts/dismiss. Both actions
// clear the pending flag and mark the link prompted; "accepted" also
// records the hooks as installed.
func (s *Server) dismissPromptHandler(c *echo.Context) error {
	var req dismissPromptRequest
	if err := json.NewDecoder(c.Request().Body).Decode(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed JSON body")
	}
	if req.WorkspaceID == "" || req.DeviceID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "workspace_id and device_id are required")
	}
	if req.Action != "accepted" && req.Action != "declined" {
		return echo.NewHTTPError(http.StatusBadRequest, `action must be "accepted" or "declined"`)
	}

	err := s.identity.DismissPrompt(c.Request().Context(), req.WorkspaceID, req.DeviceID,
		req.Action == "accepted")
	if err != nil {
		return mapStoreError(err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "dismissed"})
}
