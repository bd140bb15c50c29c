package bus

import (
	"net/http/httptest"
	"testing"
	"time"

	golog "github.com/bitrise-io/go-utils/v2/log"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

type fakeHandler struct {
	calls chan string
}

func (f *fakeHandler) HandleCommand(clientID, commandType string, raw []byte) {
	f.calls <- commandType
}

func dial(t *testing.T, server *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + server.URL[len("http"):]
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestHubDispatchesCommands(t *testing.T) {
	handler := &fakeHandler{calls: make(chan string, 1)}
	hub := NewHub(golog.NewLogger(), handler)
	server := httptest.NewServer(hub)
	t.Cleanup(server.Close)

	conn := dial(t, server)
	require.NoError(t, conn.WriteJSON(map[string]string{"type": CommandHeartbeat}))

	select {
	case got := <-handler.calls:
		require.Equal(t, CommandHeartbeat, got)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for command dispatch")
	}
}

func TestHubBroadcastsToAllClients(t *testing.T) {
	handler := &fakeHandler{calls: make(chan string, 8)}
	hub := NewHub(golog.NewLogger(), handler)
	server := httptest.NewServer(hub)
	t.Cleanup(server.Close)

	a := dial(t, server)
	b := dial(t, server)

	require.Eventually(t, func() bool { return hub.ClientCount() == 2 }, time.Second, 10*time.Millisecond)

	hub.Broadcast(NewEvent(EventLog, map[string]interface{}{"level": "info", "message": "hello"}))

	for _, conn := range []*websocket.Conn{a, b} {
		var event Event
		require.NoError(t, conn.ReadJSON(&event))
		require.Equal(t, EventLog, event["type"])
	}
}

func TestHubDropsMalformedCommand(t *testing.T) {
	handler := &fakeHandler{calls: make(chan string, 1)}
	hub := NewHub(golog.NewLogger(), handler)
	server := httptest.NewServer(hub)
	t.Cleanup(server.Close)

	conn := dial(t, server)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))

	var event Event
	require.NoError(t, conn.ReadJSON(&event))
	require.Equal(t, EventLog, event["type"])
	require.Equal(t, "error", event["level"])
}
