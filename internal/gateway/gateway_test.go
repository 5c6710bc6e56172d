package gateway

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"manifold/internal/events"
)

func TestToWire_MapsEventKindsToStableEventTypes(t *testing.T) {
	cases := []struct {
		ev   events.Event
		want int
	}{
		{events.Event{Kind: events.ContentDelta, Delta: "hi"}, TypeMessageContent},
		{events.Event{Kind: events.ThinkingBegin, ThinkingID: "t1"}, TypeThinkingStart},
		{events.Event{Kind: events.ThinkingDelta, ThinkingID: "t1"}, TypeThinkingDelta},
		{events.Event{Kind: events.ThinkingEnd, ThinkingID: "t1"}, TypeThinkingComplete},
		{events.Event{Kind: events.ToolCall, ToolID: "1"}, TypeToolCall},
		{events.Event{Kind: events.ToolResult, ToolID: "1"}, TypeToolResult},
		{events.Event{Kind: events.LLMInvocationComplete, Sequence: 1}, TypeLLMInvocationComplete},
		{events.Event{Kind: events.SessionTitleUpdated, Title: "t"}, TypeSessionTitleUpdated},
		{events.Event{Kind: events.Error, ErrorKind: "x"}, TypeErrorEnvelope},
		{events.Event{Kind: events.Done, MessageID: "m"}, TypeMessageDone},
	}
	for _, tc := range cases {
		gotType, data := toWire(tc.ev)
		assert.Equal(t, tc.want, gotType, "kind %s", tc.ev.Kind)
		assert.NotNil(t, data)
	}
}

func TestGateway_StopFlags_SetCheckAndClear(t *testing.T) {
	g := New(nil, nil)
	userID := int64(7)
	sessionID := uuid.New()

	assert.False(t, g.Cancelled(userID, sessionID))

	g.setStop(userID, sessionID)
	assert.True(t, g.Cancelled(userID, sessionID))

	g.ClearStop(userID, sessionID)
	assert.False(t, g.Cancelled(userID, sessionID))
}

func TestGateway_Broadcast_DeliversToRegisteredConnection(t *testing.T) {
	upgrader := websocket.Upgrader{}
	serverConns := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		serverConns <- ws
		// keep the connection open long enough for the test to read from it
		_, _, _ = ws.ReadMessage()
		ws.Close()
	}))
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	var serverSide *websocket.Conn
	select {
	case serverSide = <-serverConns:
	case <-time.After(2 * time.Second):
		t.Fatal("server never accepted the websocket connection")
	}

	g := New(nil, nil)
	userID := int64(42)
	g.mu.Lock()
	g.conns[userID] = &conn{ws: serverSide, lastType: -1}
	g.mu.Unlock()

	g.Broadcast(userID, events.Event{Kind: events.ContentDelta, Delta: "hello"})

	_ = client.SetReadDeadline(time.Now().Add(time.Second))
	_, data, err := client.ReadMessage()
	require.NoError(t, err)

	var env envelope
	require.NoError(t, json.Unmarshal(data, &env))
	assert.Equal(t, TypeMessageContent, env.EventType)
	assert.Equal(t, "0", env.EventID)
	assert.Contains(t, env.EventData, "hello")
}

func TestGateway_Broadcast_NoActiveConnectionIsANoop(t *testing.T) {
	g := New(nil, nil)
	assert.NotPanics(t, func() {
		g.Broadcast(999, events.Event{Kind: events.ContentDelta, Delta: "nobody listening"})
	})
}
