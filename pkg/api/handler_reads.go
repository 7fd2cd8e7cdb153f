package api

import (
	"net/http"
	"strings"

	echo "github.com/labstack/echo/v5"

	"github.com/ccpulse/ccpulse/pkg/models"
	"github.com/ccpulse/ccpulse/pkg/store"
)

// listWorkspacesHandler handles GET /api/workspaces.
func (s *Server) listWorkspacesHandler(c *echo.Context) error {
	cursor, err := store.DecodeCursor(c.QueryParam("cursor"))
	if err != nil {
		return mapStoreError(err)
	}
	limit := parseLimit(c.QueryParam("limit"))

	workspaces, hasMore, err := s.identity.ListWorkspaces(c.Request().Context(), cursor, limit)
	if err != nil {
		return mapStoreError(err)
	}
	resp := map[string]any{"workspaces": workspaces, "has_more": hasMore}
	if workspaces == nil {
		resp["workspaces"] = []*models.Workspace{}
	}
	if hasMore && len(workspaces) > 0 {
		last := workspaces[len(workspaces)-1]
		resp["next_cursor"] = store.Cursor{S: last.FirstSeenAt, I: last.ID}.Encode()
	}
	return c.JSON(http.StatusOK, resp)
}

// listDevicesHandler handles GET /api/devices.
func (s *Server) listDevicesHandler(c *echo.Context) error {
	devices, err := s.identity.ListDevices(c.Request().Context())
	if err != nil {
		return mapStoreError(err)
	}
	if devices == nil {
		devices = []*models.Device{}
	}
	return c.JSON(http.StatusOK, map[string]any{"devices": devices})
}

// timelineHandler handles GET /api/events/timeline.
func (s *Server) timelineHandler(c *echo.Context) error {
	filter := store.EventFilter{
		WorkspaceID: c.QueryParam("workspace_id"),
		DeviceID:    c.QueryParam("device_id"),
		SessionID:   c.QueryParam("session_id"),
	}
	if v := c.QueryParam("type"); v != "" {
		for _, raw := range strings.Split(v, ",") {
			t := models.EventType(raw)
			if !t.Valid() {
				return echo.NewHTTPError(http.StatusBadRequest, "invalid event type: "+raw)
			}
			filter.Types = append(filter.Types, t)
		}
	}
	var err error
	if filter.Since, err = parseTimeParam(c.QueryParam("since")); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid since timestamp")
	}
	if filter.Until, err = parseTimeParam(c.QueryParam("until")); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid until timestamp")
	}

	cursor, err := store.DecodeCursor(c.QueryParam("cursor"))
	if err != nil {
		return mapStoreError(err)
	}
	limit := parseLimit(c.QueryParam("limit"))

	evs, hasMore, err := s.eventsDB.ListTimeline(c.Request().Context(), filter, cursor, limit)
	if err != nil {
		return mapStoreError(err)
	}
	resp := map[string]any{"events": evs, "has_more": hasMore}
	if evs == nil {
		resp["events"] = []*models.Event{}
	}
	if hasMore && len(evs) > 0 {
		last := evs[len(evs)-1]
		resp["next_cursor"] = store.Cursor{S: last.Timestamp, I: last.ID}.Encode()
	}
	return c.JSON(http.StatusOK, resp)
}

// gitActivityHandler handles GET /api/git/activity.
func (s *Server) gitActivityHandler(c *echo.Context) error {
	filter := store.GitFilter{
		WorkspaceID: c.QueryParam("workspace_id"),
		DeviceID:    c.QueryParam("device_id"),
		SessionID:   c.QueryParam("session_id"),
	}
	var err error
	if filter.Since, err = parseTimeParam(c.QueryParam("since")); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid since timestamp")
	}
	if filter.Until, err = parseTimeParam(c.QueryParam("until")); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid until timestamp")
	}

	cursor, err := store.DecodeCursor(c.QueryParam("cursor"))
	if err != nil {
		return mapStoreError(err)
	}
	limit := parseLimit(c.QueryParam("limit"))

	activity, hasMore, err := s.git.ListActivity(c.Request().Context(), filter, cursor, limit)
	if err != nil {
		return mapStoreError(err)
	}
	resp := map[string]any{"activity": activity, "has_more": hasMore}
	if activity == nil {
		resp["activity"] = []*models.GitActivity{}
	}
	if hasMore && len(activity) > 0 {
		last := activity[len(activity)-1]
		resp["next_cursor"] = store.Cursor{S: last.Timestamp, I: last.ID}.Encode()
	}
	return c.JSON(http.StatusOK, resp)
}
