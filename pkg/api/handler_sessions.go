package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/ccpulse/ccpulse/pkg/events"
	"github.com/ccpulse/ccpulse/pkg/models"
	"github.com/ccpulse/ccpulse/pkg/store"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

type sessionListResponse struct {
	Sessions   []*models.Session `json:"sessions"`
	HasMore    bool              `json:"has_more"`
	NextCursor string            `json:"next_cursor,omitempty"`
}

// listSessionsHandler handles GET /api/sessions with AND-composed filters
// and keyset pagination.
func (s *Server) listSessionsHandler(c *echo.Context) error {
	filter := store.SessionFilter{
		WorkspaceID: c.QueryParam("workspace_id"),
		DeviceID:    c.QueryParam("device_id"),
		Tag:         c.QueryParam("tag"),
	}
	if v := c.QueryParam("lifecycle"); v != "" {
		for _, raw := range strings.Split(v, ",") {
			l := models.Lifecycle(raw)
			if !l.Valid() {
				return echo.NewHTTPError(http.StatusBadRequest, "invalid lifecycle: "+raw)
			}
			filter.Lifecycles = append(filter.Lifecycles, l)
		}
	}
	var err error
	if filter.Since, err = parseTimeParam(c.QueryParam("since")); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid since timestamp")
	}
	if filter.Until, err = parseTimeParam(c.QueryParam("until")); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid until timestamp")
	}

	limit := parseLimit(c.QueryParam("limit"))
	cursor, err := store.DecodeCursor(c.QueryParam("cursor"))
	if err != nil {
		return mapStoreError(err)
	}

	sessions, hasMore, err := s.sessions.List(c.Request().Context(), filter, cursor, limit)
	if err != nil {
		return mapStoreError(err)
	}

	resp := sessionListResponse{Sessions: sessions, HasMore: hasMore}
	if resp.Sessions == nil {
		resp.Sessions = []*models.Session{}
	}
	if hasMore && len(sessions) > 0 {
		last := sessions[len(sessions)-1]
		resp.NextCursor = store.Cursor{S: last.StartedAt, I: last.ID}.Encode()
	}
	return c.JSON(http.StatusOK, resp)
}

// getSessionHandler handles GET /api/sessions/:id.
func (s *Server) getSessionHandler(c *echo.Context) error {
	sess, err := s.sessions.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return mapStoreError(err)
	}
	return c.JSON(http.StatusOK, sess)
}

type messageWithBlocks struct {
	*models.TranscriptMessage
	Blocks []*models.ContentBlock `json:"blocks"`
}

// sessionMessagesHandler handles GET /api/sessions/:id/messages: the parsed
// transcript with content blocks attached, ordered by ordinal.
func (s *Server) sessionMessagesHandler(c *echo.Context) error {
	sessionID := c.Param("id")
	ctx := c.Request().Context()

	if _, err := s.sessions.Get(ctx, sessionID); err != nil {
		return mapStoreError(err)
	}
	msgs, blocks, err := s.trans.ListMessages(ctx, sessionID)
	if err != nil {
		return mapStoreError(err)
	}

	out := make([]messageWithBlocks, 0, len(msgs))
	for _, m := range msgs {
		bs := blocks[m.ID]
		if bs == nil {
			bs = []*models.ContentBlock{}
		}
		out = append(out, messageWithBlocks{TranscriptMessage: m, Blocks: bs})
	}
	return c.JSON(http.StatusOK, map[string]any{"messages": out})
}

type patchSessionRequest struct {
	Summary    *string  `json:"summary"`
	Tags       []string `json:"tags"`
	AddTags    []string `json:"add_tags"`
	RemoveTags []string `json:"remove_tags"`
}

// patchSessionHandler handles PATCH /api/sessions/:id: summary replacement
// and exactly one of tags (replace), add_tags (union), remove_tags
// (subtract).
func (s *Server) patchSessionHandler(c *echo.Context) error {
	var req patchSessionRequest
	if err := json.NewDecoder(c.Request().Body).Decode(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed JSON body")
	}

	tagOps := 0
	if req.Tags != nil {
		tagOps++
	}
	if req.AddTags != nil {
		tagOps++
	}
	if req.RemoveTags != nil {
		tagOps++
	}
	if tagOps > 1 {
		return echo.NewHTTPError(http.StatusBadRequest,
			"provide at most one of tags, add_tags, remove_tags")
	}
	if req.Summary == nil && tagOps == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "nothing to update")
	}

	sess, err := s.sessions.UpdateSummaryAndTags(c.Request().Context(), c.Param("id"),
		req.Summary, req.Tags, req.AddTags, req.RemoveTags)
	if err != nil {
		return mapStoreError(err)
	}
	if s.manager != nil {
		s.manager.BroadcastSessionUpdate(events.NewSessionUpdate(sess, false))
	}
	return c.JSON(http.StatusOK, sess)
}

// reparseHandler handles POST /api/sessions/:id/reparse: rewinds a failed
// or completed parse and re-runs the pipeline.
func (s *Server) reparseHandler(c *echo.Context) error {
	sessionID := c.Param("id")
	ctx := c.Request().Context()

	sess, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return mapStoreError(err)
	}
	ok, err := s.runner.Reparse(ctx, sessionID)
	if err != nil {
		return mapStoreError(err)
	}
	if !ok {
		return echo.NewHTTPError(http.StatusConflict,
			"session cannot be reparsed in lifecycle "+string(sess.Lifecycle))
	}
	return c.JSON(http.StatusAccepted, map[string]string{"status": "reparse_triggered"})
}

func parseTimeParam(v string) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	ts, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, err
	}
	return &ts, nil
}

func parseLimit(v string) int {
	if v == "" {
		return defaultPageSize
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return defaultPageSize
	}
	return min(n, maxPageSize)
}
