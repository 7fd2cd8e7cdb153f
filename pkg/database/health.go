package database

import (
	"context"
	"time"
)

// healthPingTimeout bounds the health-check ping so a wedged pool cannot
// stall the health endpoint.
const healthPingTimeout = 3 * time.Second

// Health pings the database with a bounded timeout. Returns nil when the
// pool can reach the server.
func (c *Client) Health(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, healthPingTimeout)
	defer cancel()
	return c.pool.Ping(pingCtx)
}
