package events

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockCatchupQuerier implements CatchupQuerier for tests. It filters by
// sinceID the way the real buffer query does.
type mockCatchupQuerier struct {
	events []CatchupEvent
	err    error
}

func (m *mockCatchupQuerier) GetCatchupEvents(_ context.Context, _ string, sinceID int64, limit int) ([]CatchupEvent, error) {
	if m.err != nil {
		return nil, m.err
	}
	var out []CatchupEvent
	for _, evt := range m.events {
		if evt.ID > sinceID {
			out = append(out, evt)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func setupTestManager(t *testing.T) (*ConnectionManager, *httptest.Server) {
	t.Helper()
	return setupTestManagerWithQuerier(t, &mockCatchupQuerier{})
}

func setupTestManagerWithQuerier(t *testing.T, querier CatchupQuerier) (*ConnectionManager, *httptest.Server) {
	t.Helper()

	manager := NewConnectionManager(querier, 5*time.Second)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			t.Logf("WebSocket accept error: %v", err)
			return
		}
		var channels []string
		if raw := r.URL.Query().Get("channels"); raw != "" {
			channels = strings.Split(raw, ",")
		}
		manager.HandleConnection(r.Context(), conn, channels...)
	}))

	t.Cleanup(func() { server.Close() })
	return manager, server
}

func connectWS(t *testing.T, server *httptest.Server) *websocket.Conn {
	t.Helper()
	return connectWSPath(t, server, "")
}

func connectWSPath(t *testing.T, server *httptest.Server, pathAndQuery string) *websocket.Conn {
	t.Helper()
	url := "ws" + server.URL[len("http"):] + pathAndQuery
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

func TestConnectionManager_ConnectionEstablished(t *testing.T) {
	_, server := setupTestManager(t)
	conn := connectWS(t, server)

	msg := readJSON(t, conn)
	assert.Equal(t, "connection.established", msg["type"])
	assert.NotEmpty(t, msg["connection_id"])
}

func TestConnectionManager_SubscribeUnsubscribe(t *testing.T) {
	manager, server := setupTestManager(t)
	conn := connectWS(t, server)

	// Read connection.established
	readJSON(t, conn)

	ctx := context.Background()
	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	subMsg, _ := json.Marshal(ClientMessage{Action: "subscribe", Channel: "scenario:test-123"})
	err := conn.Write(writeCtx, websocket.MessageText, subMsg)
	require.NoError(t, err)

	msg := readJSON(t, conn)
	assert.Equal(t, "subscription.confirmed", msg["type"])
	assert.Equal(t, "scenario:test-123", msg["channel"])

	assert.Equal(t, 1, manager.ActiveConnections())
	assert.Equal(t, 1, manager.subscriberCount("scenario:test-123"))
}

func TestConnectionManager_InitialChannels(t *testing.T) {
	// Channels passed at connect time (the ?channels= query) are subscribed
	// before the first client message is read.
	manager, server := setupTestManagerWithQuerier(t, &mockCatchupQuerier{})
	conn := connectWSPath(t, server, "?channels=scenarios,scenario:run-1")

	msg := readJSON(t, conn)
	assert.Equal(t, "connection.established", msg["type"])

	first := readJSON(t, conn)
	assert.Equal(t, "subscription.confirmed", first["type"])
	assert.Equal(t, "scenarios", first["channel"])

	second := readJSON(t, conn)
	assert.Equal(t, "subscription.confirmed", second["type"])
	assert.Equal(t, "scenario:run-1", second["channel"])

	// Broadcasts reach the connection without any explicit subscribe.
	payload, _ := json.Marshal(map[string]string{"type": "test", "target": "run-1"})
	manager.Broadcast("scenario:run-1", payload)

	got := readJSON(t, conn)
	assert.Equal(t, "run-1", got["target"])
}

func TestConnectionManager_Broadcast(t *testing.T) {
	manager, server := setupTestManager(t)

	conn1 := connectWS(t, server)
	conn2 := connectWS(t, server)

	readJSON(t, conn1) // connection.established
	readJSON(t, conn2)

	channel := "scenario:broadcast-test"
	subMsg, _ := json.Marshal(ClientMessage{Action: "subscribe", Channel: channel})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, conn1.Write(ctx, websocket.MessageText, subMsg))
	require.NoError(t, conn2.Write(ctx, websocket.MessageText, subMsg))

	readJSON(t, conn1) // subscription.confirmed
	readJSON(t, conn2)

	payload, _ := json.Marshal(map[string]string{"type": "test", "data": "hello"})
	manager.Broadcast(channel, payload)

	msg1 := readJSON(t, conn1)
	msg2 := readJSON(t, conn2)

	assert.Equal(t, "test", msg1["type"])
	assert.Equal(t, "hello", msg1["data"])
	assert.Equal(t, "test", msg2["type"])
	assert.Equal(t, "hello", msg2["data"])
}

func TestConnectionManager_PingPong(t *testing.T) {
	_, server := setupTestManager(t)
	conn := connectWS(t, server)

	readJSON(t, conn) // connection.established

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	pingMsg, _ := json.Marshal(ClientMessage{Action: "ping"})
	require.NoError(t, conn.Write(ctx, websocket.MessageText, pingMsg))

	msg := readJSON(t, conn)
	assert.Equal(t, "pong", msg["type"])
}

func TestConnectionManager_AutoCatchupOnSubscribe(t *testing.T) {
	// A fresh subscription delivers the channel's whole buffer right after
	// the confirmation, with db_event_id injected from the row id.
	events := []CatchupEvent{
		{ID: 10, Payload: map[string]any{"type": "event.enqueued", "seq": float64(1)}},
		{ID: 11, Payload: map[string]any{"type": "turn.advanced", "seq": float64(2)}},
		{ID: 12, Payload: map[string]any{"type": "event.status_changed", "seq": float64(3)}},
	}

	_, server := setupTestManagerWithQuerier(t, &mockCatchupQuerier{events: events})
	conn := connectWS(t, server)
	readJSON(t, conn) // connection.established

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	subMsg, _ := json.Marshal(ClientMessage{Action: "subscribe", Channel: "scenario:catchup-test"})
	require.NoError(t, conn.Write(ctx, websocket.MessageText, subMsg))
	readJSON(t, conn) // subscription.confirmed

	for i := 0; i < 3; i++ {
		msg := readJSON(t, conn)
		assert.Equal(t, float64(i+1), msg["seq"])
		assert.Equal(t, float64(i+10), msg["db_event_id"])
	}

	// No overflow for a buffer under the limit.
	readCtx, readCancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer readCancel()
	_, _, err := conn.Read(readCtx)
	assert.Error(t, err, "should not receive overflow message for small catchup")
}

func TestConnectionManager_CatchupResume(t *testing.T) {
	// An explicit catchup with the last seen db_event_id delivers only the
	// events after it.
	events := []CatchupEvent{
		{ID: 10, Payload: map[string]any{"seq": float64(1)}},
		{ID: 11, Payload: map[string]any{"seq": float64(2)}},
		{ID: 12, Payload: map[string]any{"seq": float64(3)}},
	}

	_, server := setupTestManagerWithQuerier(t, &mockCatchupQuerier{events: events})
	conn := connectWS(t, server)
	readJSON(t, conn) // connection.established

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	subMsg, _ := json.Marshal(ClientMessage{Action: "subscribe", Channel: "scenario:resume-test"})
	require.NoError(t, conn.Write(ctx, websocket.MessageText, subMsg))
	readJSON(t, conn) // subscription.confirmed
	for i := 0; i < 3; i++ {
		readJSON(t, conn) // drain the auto-catchup
	}

	lastEventID := int64(10)
	catchupMsg, _ := json.Marshal(ClientMessage{Action: "catchup", Channel: "scenario:resume-test", LastEventID: &lastEventID})
	require.NoError(t, conn.Write(ctx, websocket.MessageText, catchupMsg))

	msg := readJSON(t, conn)
	assert.Equal(t, float64(11), msg["db_event_id"])
	msg = readJSON(t, conn)
	assert.Equal(t, float64(12), msg["db_event_id"])

	// Resuming from the tail delivers nothing.
	lastEventID = 12
	catchupMsg, _ = json.Marshal(ClientMessage{Action: "catchup", Channel: "scenario:resume-test", LastEventID: &lastEventID})
	require.NoError(t, conn.Write(ctx, websocket.MessageText, catchupMsg))

	readCtx, readCancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer readCancel()
	_, _, err := conn.Read(readCtx)
	assert.Error(t, err, "should not receive events past the buffer tail")
}

func TestConnectionManager_CatchupOverflow(t *testing.T) {
	// More buffered events than the limit: the client gets catchupLimit
	// events and then catchup.overflow telling it to do a full reload.
	manyEvents := make([]CatchupEvent, catchupLimit+5)
	for i := range manyEvents {
		manyEvents[i] = CatchupEvent{
			ID: int64(i + 1),
			Payload: map[string]any{
				"type": "test",
				"seq":  i,
			},
		}
	}

	_, server := setupTestManagerWithQuerier(t, &mockCatchupQuerier{events: manyEvents})
	conn := connectWS(t, server)
	readJSON(t, conn) // connection.established

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	subMsg, _ := json.Marshal(ClientMessage{Action: "subscribe", Channel: "scenario:overflow-test"})
	require.NoError(t, conn.Write(ctx, websocket.MessageText, subMsg))
	readJSON(t, conn) // subscription.confirmed

	var overflowReceived bool
	for i := 0; i < catchupLimit+5; i++ {
		msg := readJSON(t, conn)
		if msg["type"] == "catchup.overflow" {
			overflowReceived = true
			assert.Equal(t, true, msg["has_more"])
			break
		}
	}
	assert.True(t, overflowReceived, "expected catchup.overflow message")
}

func TestConnectionManager_CatchupError(t *testing.T) {
	// A catchup query failure is logged, not fatal: the connection stays
	// usable.
	_, server := setupTestManagerWithQuerier(t, &mockCatchupQuerier{err: fmt.Errorf("database unreachable")})
	conn := connectWS(t, server)
	readJSON(t, conn) // connection.established

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	subMsg, _ := json.Marshal(ClientMessage{Action: "subscribe", Channel: "scenario:err-test"})
	require.NoError(t, conn.Write(ctx, websocket.MessageText, subMsg))
	readJSON(t, conn) // subscription.confirmed

	lastEventID := int64(0)
	catchupMsg, _ := json.Marshal(ClientMessage{Action: "catchup", Channel: "scenario:err-test", LastEventID: &lastEventID})
	require.NoError(t, conn.Write(ctx, websocket.MessageText, catchupMsg))

	pingMsg, _ := json.Marshal(ClientMessage{Action: "ping"})
	require.NoError(t, conn.Write(ctx, websocket.MessageText, pingMsg))
	msg := readJSON(t, conn)
	assert.Equal(t, "pong", msg["type"])
}

func TestConnectionManager_ConcurrentBroadcast(t *testing.T) {
	manager, server := setupTestManager(t)
	conn := connectWS(t, server)
	readJSON(t, conn) // connection.established

	channel := "scenario:concurrent-test"
	subMsg, _ := json.Marshal(ClientMessage{Action: "subscribe", Channel: channel})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, conn.Write(ctx, websocket.MessageText, subMsg))
	readJSON(t, conn) // subscription.confirmed

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			payload, _ := json.Marshal(map[string]any{"type": "concurrent", "idx": idx})
			manager.Broadcast(channel, payload)
		}(i)
	}
	wg.Wait()

	// Order may vary; count that all 20 arrive.
	received := 0
	var firstErr error
	for i := 0; i < 20; i++ {
		readCtx, readCancel := context.WithTimeout(context.Background(), 5*time.Second)
		_, _, err := conn.Read(readCtx)
		readCancel()
		if err != nil {
			firstErr = err
			break
		}
		received++
	}
	assert.Equal(t, 20, received, "should receive all 20 broadcast messages; first error: %v", firstErr)
}

func TestConnectionManager_BroadcastToNonExistentChannel(t *testing.T) {
	manager, _ := setupTestManager(t)

	payload, _ := json.Marshal(map[string]string{"type": "test"})
	assert.NotPanics(t, func() {
		manager.Broadcast("scenario:nonexistent", payload)
	})
}

func TestConnectionManager_MultipleChannels(t *testing.T) {
	manager, server := setupTestManager(t)
	conn := connectWS(t, server)
	readJSON(t, conn) // connection.established

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	subMsg1, _ := json.Marshal(ClientMessage{Action: "subscribe", Channel: "scenario:ch1"})
	require.NoError(t, conn.Write(ctx, websocket.MessageText, subMsg1))
	readJSON(t, conn) // subscription.confirmed

	subMsg2, _ := json.Marshal(ClientMessage{Action: "subscribe", Channel: "scenario:ch2"})
	require.NoError(t, conn.Write(ctx, websocket.MessageText, subMsg2))
	readJSON(t, conn) // subscription.confirmed

	payload, _ := json.Marshal(map[string]string{"type": "test", "channel": "ch1"})
	manager.Broadcast("scenario:ch1", payload)

	msg := readJSON(t, conn)
	assert.Equal(t, "ch1", msg["channel"])

	payload2, _ := json.Marshal(map[string]string{"type": "test", "channel": "ch2"})
	manager.Broadcast("scenario:ch2", payload2)

	msg2 := readJSON(t, conn)
	assert.Equal(t, "ch2", msg2["channel"])
}

func TestConnectionManager_Unsubscribe(t *testing.T) {
	manager, server := setupTestManager(t)
	conn := connectWS(t, server)
	readJSON(t, conn) // connection.established

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	channel := "scenario:unsub-test"

	subMsg, _ := json.Marshal(ClientMessage{Action: "subscribe", Channel: channel})
	require.NoError(t, conn.Write(ctx, websocket.MessageText, subMsg))
	readJSON(t, conn) // subscription.confirmed

	unsubMsg, _ := json.Marshal(ClientMessage{Action: "unsubscribe", Channel: channel})
	require.NoError(t, conn.Write(ctx, websocket.MessageText, unsubMsg))

	require.Eventually(t, func() bool {
		return manager.subscriberCount(channel) == 0
	}, 2*time.Second, 10*time.Millisecond, "unsubscribe should remove the subscriber")

	// Broadcast after unsubscribe must not reach the connection.
	payload, _ := json.Marshal(map[string]string{"type": "should-not-receive"})
	manager.Broadcast(channel, payload)

	readCtx, readCancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer readCancel()

	_, _, err := conn.Read(readCtx)
	assert.Error(t, err, "should not receive message after unsubscribe")
}

func TestConnectionManager_BroadcastIsolation(t *testing.T) {
	// A subscriber on one scenario's channel must not see another run's
	// events.
	manager, server := setupTestManager(t)

	conn1 := connectWS(t, server)
	conn2 := connectWS(t, server)
	readJSON(t, conn1) // connection.established
	readJSON(t, conn2)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sub1, _ := json.Marshal(ClientMessage{Action: "subscribe", Channel: "scenario:run-a"})
	require.NoError(t, conn1.Write(ctx, websocket.MessageText, sub1))
	readJSON(t, conn1) // subscription.confirmed

	sub2, _ := json.Marshal(ClientMessage{Action: "subscribe", Channel: "scenario:run-b"})
	require.NoError(t, conn2.Write(ctx, websocket.MessageText, sub2))
	readJSON(t, conn2) // subscription.confirmed

	payload1, _ := json.Marshal(map[string]string{"type": "test", "target": "run-a"})
	manager.Broadcast("scenario:run-a", payload1)

	msg := readJSON(t, conn1)
	assert.Equal(t, "run-a", msg["target"])

	readCtx, readCancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer readCancel()
	_, _, err := conn2.Read(readCtx)
	assert.Error(t, err, "conn2 should not receive run-a broadcast")
}

func TestConnectionManager_EmptyChannelValidation(t *testing.T) {
	_, server := setupTestManager(t)
	conn := connectWS(t, server)
	readJSON(t, conn) // connection.established

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	subMsg, _ := json.Marshal(ClientMessage{Action: "subscribe", Channel: ""})
	require.NoError(t, conn.Write(ctx, websocket.MessageText, subMsg))
	msg := readJSON(t, conn)
	assert.Equal(t, "error", msg["type"])
	assert.Contains(t, msg["message"], "channel is required")

	unsubMsg, _ := json.Marshal(ClientMessage{Action: "unsubscribe", Channel: ""})
	require.NoError(t, conn.Write(ctx, websocket.MessageText, unsubMsg))
	msg = readJSON(t, conn)
	assert.Equal(t, "error", msg["type"])
	assert.Contains(t, msg["message"], "channel is required")

	lastEventID := int64(0)
	catchupMsg, _ := json.Marshal(ClientMessage{Action: "catchup", Channel: "", LastEventID: &lastEventID})
	require.NoError(t, conn.Write(ctx, websocket.MessageText, catchupMsg))
	msg = readJSON(t, conn)
	assert.Equal(t, "error", msg["type"])
	assert.Contains(t, msg["message"], "channel is required")

	// Connection survives the validation errors.
	pingMsg, _ := json.Marshal(ClientMessage{Action: "ping"})
	require.NoError(t, conn.Write(ctx, websocket.MessageText, pingMsg))
	msg = readJSON(t, conn)
	assert.Equal(t, "pong", msg["type"])
}

func TestConnectionManager_SetListener(t *testing.T) {
	manager := NewConnectionManager(&mockCatchupQuerier{}, 5*time.Second)
	assert.Nil(t, manager.listener)

	listener := NewNotifyListener("host=localhost", manager)
	manager.SetListener(listener)

	manager.listenerMu.RLock()
	assert.Equal(t, listener, manager.listener)
	manager.listenerMu.RUnlock()
}

func TestConnectionManager_CleanupOnDisconnect(t *testing.T) {
	manager, server := setupTestManager(t)

	url := "ws" + server.URL[len("http"):]
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)

	_, _, err = conn.Read(ctx) // connection.established
	require.NoError(t, err)

	subMsg, _ := json.Marshal(ClientMessage{Action: "subscribe", Channel: "scenario:cleanup-test"})
	require.NoError(t, conn.Write(ctx, websocket.MessageText, subMsg))
	_, _, err = conn.Read(ctx) // subscription.confirmed
	require.NoError(t, err)

	assert.Equal(t, 1, manager.ActiveConnections())

	conn.Close(websocket.StatusNormalClosure, "")

	require.Eventually(t, func() bool {
		return manager.ActiveConnections() == 0
	}, 2*time.Second, 10*time.Millisecond, "disconnect should unregister the connection")
	assert.Equal(t, 0, manager.subscriberCount("scenario:cleanup-test"))

	payload, _ := json.Marshal(map[string]string{"type": "test"})
	assert.NotPanics(t, func() {
		manager.Broadcast("scenario:cleanup-test", payload)
	})
}
