package api

import (
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/ccpulse/ccpulse/pkg/version"
)

// healthResponse is the /api/health body.
type healthResponse struct {
	Status        string            `json:"status"`
	Checks        map[string]string `json:"checks"`
	WSClients     int               `json:"ws_clients"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Version       string            `json:"version"`
}

// healthHandler handles GET /api/health. Storage down means 503; a stream
// outage alone degrades the status but keeps the endpoint at 200, since
// reads still work.
func (s *Server) healthHandler(c *echo.Context) error {
	ctx := c.Request().Context()

	resp := healthResponse{
		Status:        "ok",
		Checks:        map[string]string{"db": "ok", "stream": "ok"},
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Version:       version.Full(),
	}
	if s.manager != nil {
		resp.WSClients = s.manager.ActiveConnections()
	}

	dbDown := false
	if err := s.db.Health(ctx); err != nil {
		resp.Checks["db"] = err.Error()
		dbDown = true
	}
	if err := s.stream.Health(ctx); err != nil {
		resp.Checks["stream"] = err.Error()
	}

	switch {
	case dbDown:
		resp.Status = "unhealthy"
		return c.JSON(http.StatusServiceUnavailable, resp)
	case resp.Checks["stream"] != "ok":
		resp.Status = "degraded"
	}
	return c.JSON(http.StatusOK, resp)
}
