package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/ccpulse/ccpulse/pkg/pipeline"
)

// recoveryHandler handles POST /api/admin/recovery/run: an on-demand
// stuck-session sweep. dry_run=true reports candidates without mutating
// state or triggering pipeline runs.
func (s *Server) recoveryHandler(c *echo.Context) error {
	dryRun := c.QueryParam("dry_run") == "true"

	candidates, err := s.sweeper.Sweep(c.Request().Context(), dryRun)
	if err != nil {
		return mapStoreError(err)
	}
	if candidates == nil {
		candidates = []pipeline.Candidate{}
	}
	return c.JSON(http.StatusOK, map[string]any{
		"candidates": candidates,
		"count":      len(candidates),
		"dry_run":    dryRun,
	})
}
