package events

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ccpulse/ccpulse/pkg/config"
	"github.com/ccpulse/ccpulse/pkg/models"
)

func setupTestManager(t *testing.T) (*Manager, *httptest.Server) {
	t.Helper()

	manager := NewManager(config.WSConfig{
		PingInterval: time.Hour, // keepalive out of the way for these tests
		PongTimeout:  time.Second,
		WriteTimeout: 5 * time.Second,
	})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			t.Logf("WebSocket accept error: %v", err)
			return
		}
		manager.HandleConnection(r.Context(), conn)
	}))

	t.Cleanup(func() { server.Close() })
	return manager, server
}

func connectWS(t *testing.T, server *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + server.URL[len("http"):]
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)

	var msg map[string]any
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	data, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, conn.Write(ctx, websocket.MessageText, data))
}

// waitForSubscribers polls the scope index instead of sleeping.
func waitForSubscribers(t *testing.T, m *Manager, scope string, want int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if m.subscriberCount(scope) == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("scope %s never reached %d subscribers", scope, want)
}

func TestManagerConnectionEstablished(t *testing.T) {
	_, server := setupTestManager(t)
	conn := connectWS(t, server)

	msg := readJSON(t, conn)
	assert.Equal(t, "connection.established", msg["type"])
	assert.NotEmpty(t, msg["connection_id"])
}

func TestManagerSubscribeUnsubscribe(t *testing.T) {
	manager, server := setupTestManager(t)
	conn := connectWS(t, server)
	readJSON(t, conn)

	writeJSON(t, conn, ClientMessage{Type: "subscribe", SessionID: "sess-1"})
	msg := readJSON(t, conn)
	assert.Equal(t, "subscribed", msg["type"])
	assert.Equal(t, "session:sess-1", msg["subscription"])
	waitForSubscribers(t, manager, "session:sess-1", 1)
	assert.Equal(t, 1, manager.ActiveConnections())

	writeJSON(t, conn, ClientMessage{Type: "unsubscribe", SessionID: "sess-1"})
	msg = readJSON(t, conn)
	assert.Equal(t, "unsubscribed", msg["type"])
	waitForSubscribers(t, manager, "session:sess-1", 0)
}

func TestManagerBareUnsubscribeClearsAll(t *testing.T) {
	manager, server := setupTestManager(t)
	conn := connectWS(t, server)
	readJSON(t, conn)

	writeJSON(t, conn, ClientMessage{Type: "subscribe", Scope: ScopeAll})
	readJSON(t, conn)
	writeJSON(t, conn, ClientMessage{Type: "subscribe", WorkspaceID: "w1"})
	readJSON(t, conn)
	waitForSubscribers(t, manager, ScopeAll, 1)
	waitForSubscribers(t, manager, "workspace:w1", 1)

	writeJSON(t, conn, ClientMessage{Type: "unsubscribe"})
	msg := readJSON(t, conn)
	assert.Equal(t, "unsubscribed", msg["type"])
	assert.Equal(t, ScopeAll, msg["subscription"])
	waitForSubscribers(t, manager, ScopeAll, 0)
	waitForSubscribers(t, manager, "workspace:w1", 0)
}

func TestManagerBroadcastEventScoping(t *testing.T) {
	manager, server := setupTestManager(t)

	all := connectWS(t, server)
	readJSON(t, all)
	writeJSON(t, all, ClientMessage{Type: "subscribe", Scope: ScopeAll})
	readJSON(t, all)

	ws := connectWS(t, server)
	readJSON(t, ws)
	writeJSON(t, ws, ClientMessage{Type: "subscribe", WorkspaceID: "w1"})
	readJSON(t, ws)

	other := connectWS(t, server)
	readJSON(t, other)
	writeJSON(t, other, ClientMessage{Type: "subscribe", WorkspaceID: "w2"})
	readJSON(t, other)

	waitForSubscribers(t, manager, ScopeAll, 1)
	waitForSubscribers(t, manager, "workspace:w1", 1)
	waitForSubscribers(t, manager, "workspace:w2", 1)

	sid := "sess-1"
	manager.BroadcastEvent(&models.Event{
		ID:          "evt-1",
		Type:        models.EventSessionStart,
		WorkspaceID: "w1",
		SessionID:   &sid,
		Timestamp:   time.Now(),
	})

	for _, conn := range []*websocket.Conn{all, ws} {
		msg := readJSON(t, conn)
		assert.Equal(t, "event", msg["type"])
		event := msg["event"].(map[string]any)
		assert.Equal(t, "evt-1", event["id"])
	}

	// The w2 subscriber must see nothing; a session.update addressed to w2
	// arriving first proves the event was never queued for it.
	manager.BroadcastSessionUpdate(SessionUpdate{
		Type: "session.update", SessionID: "sess-9", WorkspaceID: "w2", Lifecycle: "ended",
	})
	msg := readJSON(t, other)
	assert.Equal(t, "session.update", msg["type"])
	assert.Equal(t, "sess-9", msg["session_id"])
}

func TestManagerSessionScopeMatch(t *testing.T) {
	manager, server := setupTestManager(t)
	conn := connectWS(t, server)
	readJSON(t, conn)
	writeJSON(t, conn, ClientMessage{Type: "subscribe", Scope: "session:sess-1"})
	readJSON(t, conn)
	waitForSubscribers(t, manager, "session:sess-1", 1)

	manager.BroadcastSessionUpdate(SessionUpdate{
		Type: "session.update", SessionID: "sess-1", WorkspaceID: "w1", Lifecycle: "parsed",
	})
	msg := readJSON(t, conn)
	assert.Equal(t, "session.update", msg["type"])
	assert.Equal(t, "parsed", msg["lifecycle"])
}

func TestManagerDuplicateSendsOnce(t *testing.T) {
	// A connection subscribed to both "all" and the matching workspace gets
	// one copy, not two.
	manager, server := setupTestManager(t)
	conn := connectWS(t, server)
	readJSON(t, conn)
	writeJSON(t, conn, ClientMessage{Type: "subscribe", Scope: ScopeAll})
	readJSON(t, conn)
	writeJSON(t, conn, ClientMessage{Type: "subscribe", WorkspaceID: "w1"})
	readJSON(t, conn)
	waitForSubscribers(t, manager, "workspace:w1", 1)

	manager.BroadcastEvent(&models.Event{
		ID: "evt-1", Type: models.EventSystemHeartbeat, WorkspaceID: "w1", Timestamp: time.Now(),
	})
	manager.BroadcastEvent(&models.Event{
		ID: "evt-2", Type: models.EventSystemHeartbeat, WorkspaceID: "w1", Timestamp: time.Now(),
	})

	first := readJSON(t, conn)
	second := readJSON(t, conn)
	assert.Equal(t, "evt-1", first["event"].(map[string]any)["id"])
	assert.Equal(t, "evt-2", second["event"].(map[string]any)["id"],
		"evt-1 must not be delivered twice")
}

func TestManagerMalformedAndUnknownMessages(t *testing.T) {
	_, server := setupTestManager(t)
	conn := connectWS(t, server)
	readJSON(t, conn)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte("{bad json")))
	msg := readJSON(t, conn)
	assert.Equal(t, "error", msg["type"])

	writeJSON(t, conn, ClientMessage{Type: "resubscribe"})
	msg = readJSON(t, conn)
	assert.Equal(t, "error", msg["type"])

	writeJSON(t, conn, ClientMessage{Type: "subscribe", Scope: "device:d1"})
	msg = readJSON(t, conn)
	assert.Equal(t, "error", msg["type"])
}

func TestManagerShutdownRefusesNewConnections(t *testing.T) {
	manager, server := setupTestManager(t)
	conn := connectWS(t, server)
	readJSON(t, conn)

	manager.Shutdown()
	assert.Equal(t, 0, manager.ActiveConnections())

	late := connectWS(t, server)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err := late.Read(ctx)
	require.Error(t, err)
	assert.Equal(t, websocket.StatusGoingAway, websocket.CloseStatus(err))
}

func TestCanonicalScope(t *testing.T) {
	tests := []struct {
		name    string
		msg     ClientMessage
		want    string
		wantErr bool
	}{
		{"all", ClientMessage{Scope: "all"}, "all", false},
		{"workspace id field", ClientMessage{WorkspaceID: "w1"}, "workspace:w1", false},
		{"session id field", ClientMessage{SessionID: "s1"}, "session:s1", false},
		{"canonical workspace string", ClientMessage{Scope: "workspace:w1"}, "workspace:w1", false},
		{"canonical session string", ClientMessage{Scope: "session:s1"}, "session:s1", false},
		{"empty", ClientMessage{}, "", true},
		{"unknown", ClientMessage{Scope: "device:d1"}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := canonicalScope(&tt.msg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNewSessionUpdate(t *testing.T) {
	summary := "refactored the ticker"
	s := &models.Session{
		ID: "sess-1", WorkspaceID: "w1", Lifecycle: models.LifecycleSummarized,
		Summary: &summary, TotalMessages: 42, CostEstimateUSD: 1.25,
	}

	u := NewSessionUpdate(s, false)
	assert.Equal(t, "session.update", u.Type)
	assert.Equal(t, "summarized", u.Lifecycle)
	assert.Nil(t, u.Stats)

	u = NewSessionUpdate(s, true)
	require.NotNil(t, u.Stats)
	assert.Equal(t, 42, u.Stats.TotalMessages)
	assert.InDelta(t, 1.25, u.Stats.CostEstimateUSD, 1e-9)
}
