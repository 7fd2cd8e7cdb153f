// Package events implements the real-time WebSocket broadcaster: scoped
// subscriptions (all / workspace / session), best-effort fan-out of ingested
// events and session updates, and ping/pong keepalive with dead-connection
// reaping.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/ccpulse/ccpulse/pkg/config"
	"github.com/ccpulse/ccpulse/pkg/models"
)

// ScopeAll subscribes a connection to every broadcast.
const ScopeAll = "all"

// Scope prefixes for the canonical subscription string form.
const (
	scopeWorkspacePrefix = "workspace:"
	scopeSessionPrefix   = "session:"
)

// Manager owns the WebSocket connection map and the scope index. One per
// process.
type Manager struct {
	// Active connections: connection_id → *Connection
	connections map[string]*Connection
	mu          sync.RWMutex

	// Scope index: canonical scope → set of connection_ids
	scopes  map[string]map[string]bool
	scopeMu sync.RWMutex

	cfg    config.WSConfig
	closed atomic.Bool
}

// Connection is a single WebSocket client.
//
// subscriptions is accessed without a lock: all reads and writes happen on
// the goroutine that owns the connection (HandleConnection's read loop and
// its deferred cleanup). Broadcast matching goes through the scope index,
// never through this map.
type Connection struct {
	ID            string
	Conn          *websocket.Conn
	subscriptions map[string]bool
	ctx           context.Context
	cancel        context.CancelFunc

	// lastActive is a unix-nano stamp of the most recent read or pong,
	// compared against ping send times by the keepalive loop.
	lastActive atomic.Int64
}

// NewManager creates a Manager with the given keepalive and write timings.
func NewManager(cfg config.WSConfig) *Manager {
	return &Manager{
		connections: make(map[string]*Connection),
		scopes:      make(map[string]map[string]bool),
		cfg:         cfg,
	}
}

// HandleConnection runs the lifecycle of one accepted WebSocket connection.
// Blocks until the connection closes.
func (m *Manager) HandleConnection(parentCtx context.Context, conn *websocket.Conn) {
	if m.closed.Load() {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}

	ctx, cancel := context.WithCancel(parentCtx)
	c := &Connection{
		ID:            uuid.New().String(),
		Conn:          conn,
		subscriptions: make(map[string]bool),
		ctx:           ctx,
		cancel:        cancel,
	}
	c.lastActive.Store(time.Now().UnixNano())

	m.registerConnection(c)
	defer m.unregisterConnection(c)

	m.sendJSON(c, map[string]string{
		"type":          "connection.established",
		"connection_id": c.ID,
	})

	go m.keepalive(c)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		c.lastActive.Store(time.Now().UnixNano())

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			m.sendJSON(c, map[string]string{"type": "error", "message": "malformed message"})
			continue
		}
		m.handleClientMessage(c, &msg)
	}
}

// keepalive pings the connection every PingInterval and terminates it with
// an abnormal close when no traffic or pong arrives within PongTimeout of
// the ping.
func (m *Manager) keepalive(c *Connection) {
	ticker := time.NewTicker(m.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
		}

		sentAt := time.Now()
		m.sendJSON(c, map[string]string{"type": "ping"})

		select {
		case <-c.ctx.Done():
			return
		case <-time.After(m.cfg.PongTimeout):
		}

		if c.lastActive.Load() < sentAt.UnixNano() {
			slog.Warn("Terminating unresponsive WebSocket connection",
				"connection_id", c.ID)
			c.Conn.CloseNow()
			c.cancel()
			return
		}
	}
}

// handleClientMessage dispatches one client message.
func (m *Manager) handleClientMessage(c *Connection, msg *ClientMessage) {
	switch msg.Type {
	case "subscribe":
		scope, err := canonicalScope(msg)
		if err != nil {
			m.sendJSON(c, map[string]string{"type": "error", "message": err.Error()})
			return
		}
		m.subscribe(c, scope)
		m.sendJSON(c, map[string]string{"type": "subscribed", "subscription": scope})

	case "unsubscribe":
		if msg.Scope == "" && msg.WorkspaceID == "" && msg.SessionID == "" {
			// Bare unsubscribe clears every subscription.
			for scope := range c.subscriptions {
				m.unsubscribe(c, scope)
			}
			m.sendJSON(c, map[string]string{"type": "unsubscribed", "subscription": ScopeAll})
			return
		}
		scope, err := canonicalScope(msg)
		if err != nil {
			m.sendJSON(c, map[string]string{"type": "error", "message": err.Error()})
			return
		}
		m.unsubscribe(c, scope)
		m.sendJSON(c, map[string]string{"type": "unsubscribed", "subscription": scope})

	case "pong":
		// lastActive was already stamped by the read loop.

	default:
		m.sendJSON(c, map[string]string{
			"type":    "error",
			"message": fmt.Sprintf("unknown message type %q", msg.Type),
		})
	}
}

// canonicalScope resolves a client message into its canonical subscription
// string.
func canonicalScope(msg *ClientMessage) (string, error) {
	switch {
	case msg.WorkspaceID != "":
		return scopeWorkspacePrefix + msg.WorkspaceID, nil
	case msg.SessionID != "":
		return scopeSessionPrefix + msg.SessionID, nil
	case msg.Scope == ScopeAll:
		return ScopeAll, nil
	case strings.HasPrefix(msg.Scope, scopeWorkspacePrefix),
		strings.HasPrefix(msg.Scope, scopeSessionPrefix):
		return msg.Scope, nil
	case msg.Scope == "":
		return "", fmt.Errorf("scope is required")
	default:
		return "", fmt.Errorf("unknown scope %q", msg.Scope)
	}
}

// subscribe adds the connection to the scope index.
func (m *Manager) subscribe(c *Connection, scope string) {
	m.scopeMu.Lock()
	if _, exists := m.scopes[scope]; !exists {
		m.scopes[scope] = make(map[string]bool)
	}
	m.scopes[scope][c.ID] = true
	m.scopeMu.Unlock()

	c.subscriptions[scope] = true
}

// unsubscribe removes the connection from the scope index.
func (m *Manager) unsubscribe(c *Connection, scope string) {
	m.scopeMu.Lock()
	if subs, exists := m.scopes[scope]; exists {
		delete(subs, c.ID)
		if len(subs) == 0 {
			delete(m.scopes, scope)
		}
	}
	m.scopeMu.Unlock()

	delete(c.subscriptions, scope)
}

// BroadcastEvent fans an ingested event out to every connection whose
// subscription set matches its workspace or session. Best effort; a failed
// send on one connection never affects the others.
func (m *Manager) BroadcastEvent(e *models.Event) {
	scopes := []string{ScopeAll, scopeWorkspacePrefix + e.WorkspaceID}
	if ref := e.SessionRef(); ref != "" {
		scopes = append(scopes, scopeSessionPrefix+ref)
	}
	m.broadcast(scopes, EventMessage{Type: "event", Event: e})
}

// BroadcastSessionUpdate fans a session.update out to matching connections.
func (m *Manager) BroadcastSessionUpdate(u SessionUpdate) {
	scopes := []string{
		ScopeAll,
		scopeWorkspacePrefix + u.WorkspaceID,
		scopeSessionPrefix + u.SessionID,
	}
	m.broadcast(scopes, u)
}

// broadcast sends one payload to the union of connections subscribed to any
// of the given scopes.
func (m *Manager) broadcast(scopes []string, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		slog.Error("Failed to marshal broadcast payload", "error", err)
		return
	}

	m.scopeMu.RLock()
	ids := make(map[string]bool)
	for _, scope := range scopes {
		for id := range m.scopes[scope] {
			ids[id] = true
		}
	}
	m.scopeMu.RUnlock()
	if len(ids) == 0 {
		return
	}

	// Snapshot connection pointers under the lock, then release before
	// sending: a slow write (up to WriteTimeout per connection) must not
	// stall register/unregister.
	m.mu.RLock()
	conns := make([]*Connection, 0, len(ids))
	for id := range ids {
		if conn, ok := m.connections[id]; ok {
			conns = append(conns, conn)
		}
	}
	m.mu.RUnlock()

	for _, conn := range conns {
		if err := m.sendRaw(conn, payload); err != nil {
			slog.Warn("Failed to send to WebSocket client",
				"connection_id", conn.ID, "error", err)
		}
	}
}

// ActiveConnections returns the number of open connections, reported by the
// health endpoint.
func (m *Manager) ActiveConnections() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.connections)
}

// subscriberCount is used by tests to poll instead of sleeping.
func (m *Manager) subscriberCount(scope string) int {
	m.scopeMu.RLock()
	defer m.scopeMu.RUnlock()
	return len(m.scopes[scope])
}

// Shutdown closes every connection with 1001 (going away) and refuses new
// ones.
func (m *Manager) Shutdown() {
	m.closed.Store(true)

	m.mu.Lock()
	conns := make([]*Connection, 0, len(m.connections))
	for _, c := range m.connections {
		conns = append(conns, c)
	}
	m.connections = make(map[string]*Connection)
	m.mu.Unlock()

	for _, c := range conns {
		_ = c.Conn.Close(websocket.StatusGoingAway, "server shutting down")
		c.cancel()
	}
}

func (m *Manager) registerConnection(c *Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connections[c.ID] = c
}

func (m *Manager) unregisterConnection(c *Connection) {
	for scope := range c.subscriptions {
		m.unsubscribe(c, scope)
	}

	m.mu.Lock()
	delete(m.connections, c.ID)
	m.mu.Unlock()

	c.cancel()
	_ = c.Conn.Close(websocket.StatusNormalClosure, "")
}

// sendJSON marshals and sends one message to a single connection.
func (m *Manager) sendJSON(c *Connection, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Warn("Failed to marshal WebSocket message",
			"connection_id", c.ID, "error", err)
		return
	}
	if err := m.sendRaw(c, data); err != nil {
		slog.Warn("Failed to send WebSocket message",
			"connection_id", c.ID, "error", err)
	}
}

// sendRaw sends raw bytes with a write timeout.
func (m *Manager) sendRaw(c *Connection, data []byte) error {
	writeCtx, cancel := context.WithTimeout(c.ctx, m.cfg.WriteTimeout)
	defer cancel()
	return c.Conn.Write(writeCtx, websocket.MessageText, data)
}
