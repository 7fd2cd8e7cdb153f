package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/ccpulse/ccpulse/pkg/models"
)

// ingestRetryAfterSeconds is the retry hint returned on total stream outage.
const ingestRetryAfterSeconds = 30

// Per-event ingest statuses.
const (
	statusAccepted  = "accepted"
	statusDuplicate = "duplicate"
	statusRejected  = "rejected"
)

type ingestRequest struct {
	Events []*models.Event `json:"events"`
}

type ingestResult struct {
	Index  int    `json:"index"`
	Status string `json:"status"`
}

type ingestError struct {
	Index int    `json:"index"`
	Error string `json:"error"`
}

type ingestResponse struct {
	Ingested   int            `json:"ingested"`
	Duplicates int            `json:"duplicates"`
	Rejected   int            `json:"rejected"`
	Results    []ingestResult `json:"results"`
	Errors     []ingestError  `json:"errors,omitempty"`
}

// ingestHandler handles POST /api/events/ingest. An envelope-validation
// failure rejects the whole batch with 400; a per-event payload failure
// rejects only that event. Accepted events are stamped with ingested_at and
// published to the stream; storage writes happen in the consumer.
func (s *Server) ingestHandler(c *echo.Context) error {
	c.Request().Body = http.MaxBytesReader(c.Response(), c.Request().Body, s.cfg.MaxIngestBody)

	var req ingestRequest
	if err := json.NewDecoder(c.Request().Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "request body exceeds limit")
		}
		return echo.NewHTTPError(http.StatusBadRequest, "malformed JSON body")
	}
	if len(req.Events) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "events must contain at least one event")
	}
	if len(req.Events) > s.cfg.MaxIngestBatch {
		return echo.NewHTTPError(http.StatusBadRequest,
			fmt.Sprintf("batch exceeds maximum of %d events", s.cfg.MaxIngestBatch))
	}

	// Envelope validation is all-or-nothing for the batch.
	for i, e := range req.Events {
		if err := e.ValidateEnvelope(); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest,
				fmt.Sprintf("event %d: %v", i, err))
		}
	}

	ctx := c.Request().Context()
	resp := ingestResponse{Results: make([]ingestResult, len(req.Events))}

	// Payload validation rejects individual events only.
	publishable := make([]*models.Event, 0, len(req.Events))
	publishIdx := make([]int, 0, len(req.Events))
	ids := make([]string, 0, len(req.Events))
	now := time.Now().UTC()
	for i, e := range req.Events {
		if err := models.ValidatePayload(e); err != nil {
			resp.Results[i] = ingestResult{Index: i, Status: statusRejected}
			resp.Errors = append(resp.Errors, ingestError{Index: i, Error: err.Error()})
			resp.Rejected++
			continue
		}
		stamp := now
		e.IngestedAt = &stamp
		ids = append(ids, e.ID)
		publishable = append(publishable, e)
		publishIdx = append(publishIdx, i)
	}

	// Already-persisted ids are reported as duplicates without republishing.
	existing, err := s.eventsDB.ExistingIDs(ctx, ids)
	if err != nil {
		return mapStoreError(err)
	}
	toPublish := publishable[:0]
	toPublishIdx := publishIdx[:0]
	for j, e := range publishable {
		if existing[e.ID] {
			i := publishIdx[j]
			resp.Results[i] = ingestResult{Index: i, Status: statusDuplicate}
			resp.Duplicates++
			continue
		}
		toPublish = append(toPublish, e)
		toPublishIdx = append(toPublishIdx, publishIdx[j])
	}

	if len(toPublish) > 0 {
		results := s.stream.PublishBatch(ctx, toPublish)
		failed := 0
		for j, r := range results {
			i := toPublishIdx[j]
			if r.Err != nil {
				resp.Results[i] = ingestResult{Index: i, Status: statusRejected}
				resp.Errors = append(resp.Errors, ingestError{Index: i, Error: "stream publish failed"})
				resp.Rejected++
				failed++
				continue
			}
			resp.Results[i] = ingestResult{Index: i, Status: statusAccepted}
			resp.Ingested++
		}
		if failed == len(results) {
			// Total outage: tell the client to retry the whole batch.
			return c.JSON(http.StatusServiceUnavailable, map[string]any{
				"error":               "event stream unavailable",
				"retry_after_seconds": ingestRetryAfterSeconds,
			})
		}
	}

	return c.JSON(http.StatusAccepted, resp)
}
