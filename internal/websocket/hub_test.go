package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rcourtman/carbscan/internal/notifications"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type received struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func startHub(t *testing.T, getState func() interface{}) (*Hub, *httptest.Server) {
	t.Helper()
	hub := NewHub(getState)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return hub, srv
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readUntil(t *testing.T, conn *websocket.Conn, msgType string) received {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		require.NoError(t, conn.SetReadDeadline(deadline))
		var msg received
		require.NoError(t, conn.ReadJSON(&msg), "waiting for %s", msgType)
		if msg.Type == msgType {
			return msg
		}
	}
}

func waitForClients(t *testing.T, hub *Hub, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return hub.GetClientCount() == n }, 2*time.Second, 10*time.Millisecond)
}

func TestHubSendsWelcomeAndState(t *testing.T) {
	_, srv := startHub(t, func() interface{} {
		return map[string]string{"tier": "trial"}
	})
	conn := dial(t, srv)

	welcome := readUntil(t, conn, TypeWelcome)
	assert.Contains(t, string(welcome.Data), "client_id")

	state := readUntil(t, conn, TypeState)
	assert.JSONEq(t, `{"tier":"trial"}`, string(state.Data))
}

func TestDeliverWithoutShellStaysPendingUntilConnect(t *testing.T) {
	hub, srv := startHub(t, nil)

	require.NoError(t, hub.Deliver(notifications.Request{Identifier: notifications.IDComplete, Title: "Carb estimate ready", BadgeIncrement: 1, CreatedAt: time.Now()}))
	require.Len(t, hub.Pending(), 1)
	assert.Empty(t, hub.Delivered())
	assert.Equal(t, 1, hub.Badge())

	conn := dial(t, srv)
	msg := readUntil(t, conn, TypeNotification)

	var req notifications.Request
	require.NoError(t, json.Unmarshal(msg.Data, &req))
	assert.Equal(t, notifications.IDComplete, req.Identifier)
	assert.Empty(t, hub.Pending())
	require.Len(t, hub.Delivered(), 1)
}

func TestSameIdentifierReplacesPendingCopy(t *testing.T) {
	hub, _ := startHub(t, nil)

	require.NoError(t, hub.Deliver(notifications.Request{Identifier: notifications.IDError, Title: "first"}))
	require.NoError(t, hub.Deliver(notifications.Request{Identifier: notifications.IDError, Title: "second"}))

	pending := hub.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, "second", pending[0].Title)
}

func TestWithdrawDropsPendingAndRecallsDelivered(t *testing.T) {
	hub, srv := startHub(t, nil)
	conn := dial(t, srv)
	readUntil(t, conn, TypeWelcome)
	waitForClients(t, hub, 1)

	require.NoError(t, hub.Deliver(notifications.Request{Identifier: notifications.IDComplete, BadgeIncrement: 1}))
	readUntil(t, conn, TypeNotification)

	require.NoError(t, hub.Withdraw(notifications.IDComplete, notifications.IDPending))
	msg := readUntil(t, conn, TypeNotificationWithdraw)
	assert.JSONEq(t, `{"identifiers":["analysis_complete"]}`, string(msg.Data))
	assert.Empty(t, hub.Delivered())

	require.NoError(t, hub.ClearBadge())
	badge := readUntil(t, conn, TypeBadge)
	assert.JSONEq(t, `{"count":0}`, string(badge.Data))
	assert.Equal(t, 0, hub.Badge())
}

func TestLifecycleMessagesReachHandler(t *testing.T) {
	hub, srv := startHub(t, nil)
	signals := make(chan bool, 4)
	hub.SetLifecycleHandler(func(backgrounded bool) { signals <- backgrounded })

	conn := dial(t, srv)
	readUntil(t, conn, TypeWelcome)

	require.NoError(t, conn.WriteJSON(map[string]interface{}{"type": TypeLifecycle, "data": map[string]bool{"backgrounded": true}}))
	require.NoError(t, conn.WriteJSON(map[string]interface{}{"type": TypeLifecycle, "data": map[string]string{}}))
	require.NoError(t, conn.WriteJSON(map[string]interface{}{"type": TypeLifecycle, "data": map[string]bool{"backgrounded": false}}))

	for _, want := range []bool{true, false} {
		select {
		case got := <-signals:
			assert.Equal(t, want, got)
		case <-time.After(2 * time.Second):
			t.Fatal("lifecycle signal not delivered")
		}
	}
}

func TestDismissedNotificationIsForgotten(t *testing.T) {
	hub, srv := startHub(t, nil)
	conn := dial(t, srv)
	readUntil(t, conn, TypeWelcome)
	waitForClients(t, hub, 1)

	require.NoError(t, hub.Deliver(notifications.Request{Identifier: notifications.IDError}))
	readUntil(t, conn, TypeNotification)

	require.NoError(t, conn.WriteJSON(map[string]interface{}{"type": TypeNotificationDismissed, "data": map[string]string{"identifier": notifications.IDError}}))
	require.Eventually(t, func() bool { return len(hub.Delivered()) == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestPingAndRequestState(t *testing.T) {
	var calls atomic.Int32
	hub, srv := startHub(t, func() interface{} {
		return map[string]int32{"calls": calls.Add(1)}
	})
	conn := dial(t, srv)
	readUntil(t, conn, TypeState)
	waitForClients(t, hub, 1)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": TypePing}))
	readUntil(t, conn, TypePong)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": TypeRequestState}))
	state := readUntil(t, conn, TypeState)
	assert.Contains(t, string(state.Data), "calls")
}

func TestRunStopsOnContextCancel(t *testing.T) {
	hub := NewHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestCheckOrigin(t *testing.T) {
	tests := []struct {
		origin string
		want   bool
	}{
		{"", true},
		{"http://localhost:7655", true},
		{"http://127.0.0.1:7655", true},
		{"http://[::1]:7655", true},
		{"https://evil.example.com", false},
		{"http://192.168.1.20:7655", false},
		{"://bad", false},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		if tt.origin != "" {
			r.Header.Set("Origin", tt.origin)
		}
		assert.Equal(t, tt.want, checkOrigin(r), tt.origin)
	}
}

func TestDeliverKeepsRequestPendingWhenBroadcastIsFull(t *testing.T) {
	hub := NewHub(nil)
	hub.mu.Lock()
	hub.clients[&Client{hub: hub, send: make(chan []byte, 1), id: "stalled"}] = true
	hub.mu.Unlock()
	for i := 0; i < sendBuffer; i++ {
		hub.BroadcastState(map[string]int{"n": i})
	}

	err := hub.Deliver(notifications.Request{Identifier: notifications.IDComplete, BadgeIncrement: 1})
	require.ErrorIs(t, err, ErrBroadcastFull)

	assert.Empty(t, hub.Delivered())
	require.Len(t, hub.Pending(), 1)
	assert.Equal(t, notifications.IDComplete, hub.Pending()[0].Identifier)
}
