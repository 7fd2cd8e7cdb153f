package api

import (
	"crypto/subtle"

	"github.com/coder/websocket"
	echo "github.com/labstack/echo/v5"
)

// wsCloseUnauthorized is the application close code sent on a bad token.
const wsCloseUnauthorized websocket.StatusCode = 4001

// wsHandler upgrades GET /ws and delegates to the events manager. The
// token query parameter must match the shared API key; on mismatch the
// connection is accepted and immediately closed with 4001 so the client
// sees a WebSocket-level reason rather than a bare HTTP failure.
func (s *Server) wsHandler(c *echo.Context) error {
	conn, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return err
	}

	token := c.QueryParam("token")
	if subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.APIKey)) != 1 {
		_ = conn.Close(wsCloseUnauthorized, "Unauthorized")
		return nil
	}

	// Blocks until the connection closes.
	s.manager.HandleConnection(c.Request().Context(), conn)
	return nil
}
