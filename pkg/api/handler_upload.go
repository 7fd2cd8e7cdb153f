package api

import (
	"bytes"
	"errors"
	"io"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/ccpulse/ccpulse/pkg/blob"
	"github.com/ccpulse/ccpulse/pkg/models"
)

type uploadResponse struct {
	Status            string `json:"status"`
	S3Key             string `json:"s3_key"`
	PipelineTriggered bool   `json:"pipeline_triggered"`
}

// uploadHandler handles POST /api/sessions/:id/transcript/upload. The body
// is the raw transcript blob. The first upload wins: a second call returns
// already_uploaded with the stored key and does not re-trigger the
// pipeline.
func (s *Server) uploadHandler(c *echo.Context) error {
	sessionID := c.Param("id")
	if sessionID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "session id is required")
	}
	ctx := c.Request().Context()

	sess, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return mapStoreError(err)
	}
	if sess.HasTranscript() {
		return c.JSON(http.StatusOK, uploadResponse{
			Status: "already_uploaded",
			S3Key:  *sess.TranscriptS3Key,
		})
	}

	c.Request().Body = http.MaxBytesReader(c.Response(), c.Request().Body, s.cfg.MaxUploadBody)
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "transcript exceeds upload limit")
		}
		return echo.NewHTTPError(http.StatusBadRequest, "failed to read request body")
	}
	if len(body) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "transcript body is empty")
	}

	canonical, err := s.identity.WorkspaceCanonicalID(ctx, sess.WorkspaceID)
	if err != nil {
		return mapStoreError(err)
	}
	key := blob.SessionKey(canonical, sessionID)
	if err := s.blobs.Upload(ctx, key, bytes.NewReader(body), int64(len(body))); err != nil {
		return mapStoreError(err)
	}

	set, err := s.sessions.SetTranscriptKey(ctx, sessionID, key)
	if err != nil {
		return mapStoreError(err)
	}
	if !set {
		// Lost an upload race; report the winner's key.
		sess, err = s.sessions.Get(ctx, sessionID)
		if err != nil {
			return mapStoreError(err)
		}
		return c.JSON(http.StatusOK, uploadResponse{
			Status: "already_uploaded",
			S3Key:  *sess.TranscriptS3Key,
		})
	}

	triggered := false
	if sess.Lifecycle == models.LifecycleEnded {
		s.runner.Trigger(sessionID)
		triggered = true
	}
	return c.JSON(http.StatusAccepted, uploadResponse{
		Status:            "uploaded",
		S3Key:             key,
		PipelineTriggered: triggered,
	})
}
