package ws

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/copyarena-server/internal/events"
	"github.com/copyarena-server/internal/models"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// dial spins up a test server that attaches every incoming connection to the
// hub under the given account, and returns a connected client.
func dial(t *testing.T, h *Hub, accountID uint) *websocket.Conn {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		h.Attach(accountID, conn)
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func readEnvelope(t *testing.T, client *websocket.Conn) events.Envelope {
	t.Helper()
	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := client.ReadMessage()
	require.NoError(t, err)
	var env events.Envelope
	require.NoError(t, json.Unmarshal(raw, &env))
	return env
}

func TestStateTransitionsAreOneWay(t *testing.T) {
	c := &Connection{state: StateConnecting}

	assert.True(t, c.advance(StateOpen))
	assert.Equal(t, StateOpen, c.State())

	assert.False(t, c.advance(StateConnecting))
	assert.Equal(t, StateOpen, c.State())

	assert.True(t, c.advance(StateClosing))
	assert.True(t, c.advance(StateClosed))
	assert.False(t, c.advance(StateOpen))
	assert.Equal(t, StateClosed, c.State())
}

func TestStateStrings(t *testing.T) {
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "closing", StateClosing.String())
	assert.Equal(t, "closed", StateClosed.String())
}

func TestEnqueueNeverBlocks(t *testing.T) {
	c := &Connection{send: make(chan []byte, 1)}

	assert.True(t, c.enqueue([]byte("one")))
	assert.False(t, c.enqueue([]byte("two")))
}

func TestAttachSendsConnectionStatus(t *testing.T) {
	h := NewHub(nil, time.Second, 2, 16)
	client := dial(t, h, 7)

	env := readEnvelope(t, client)
	assert.Equal(t, events.EventConnectionStatus, env.Type)

	payload, err := env.Decode()
	require.NoError(t, err)
	status := payload.(*events.ConnectionStatusPayload)
	assert.Equal(t, "viewer", status.Source)
	assert.True(t, status.Connected)

	assert.Equal(t, 1, h.ConnectionCount(7))
	assert.Equal(t, 1, h.TotalConnections())
}

func TestBroadcastReachesViewer(t *testing.T) {
	h := NewHub(nil, time.Second, 2, 16)
	client := dial(t, h, 7)
	readEnvelope(t, client) // connection_status

	h.Broadcast(7, events.MustNew(events.EventTradeNew, events.TradePayload{
		Trade: models.Trade{Ticket: 100, Symbol: "EURUSD", Status: models.TradeStatusOpen},
	}))

	env := readEnvelope(t, client)
	assert.Equal(t, events.EventTradeNew, env.Type)
}

func TestBroadcastIsScopedToAccount(t *testing.T) {
	h := NewHub(nil, time.Second, 2, 16)
	client := dial(t, h, 7)
	readEnvelope(t, client)

	// event for a different account must not arrive
	h.Broadcast(8, events.MustNew(events.EventTradesSynced, events.SyncSummaryPayload{}))
	h.Broadcast(7, events.MustNew(events.EventTradesSynced, events.SyncSummaryPayload{Opened: 1}))

	env := readEnvelope(t, client)
	assert.Equal(t, events.EventTradesSynced, env.Type)
	payload, err := env.Decode()
	require.NoError(t, err)
	assert.Equal(t, 1, payload.(*events.SyncSummaryPayload).Opened)
}

func TestJSONPingGetsPongReply(t *testing.T) {
	h := NewHub(nil, time.Second, 2, 16)
	client := dial(t, h, 7)
	readEnvelope(t, client)

	ping, err := json.Marshal(events.MustNew(events.EventPing, nil))
	require.NoError(t, err)
	require.NoError(t, client.WriteMessage(websocket.TextMessage, ping))

	env := readEnvelope(t, client)
	assert.Equal(t, events.EventPong, env.Type)
}

func TestSlowViewerIsDropped(t *testing.T) {
	h := NewHub(nil, time.Minute, 2, 1)

	// register a connection whose pumps never run, so its one-slot buffer
	// fills on the first broadcast and overflows on the second
	serverConns := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		serverConns <- conn
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	c := newConnection(h, 7, <-serverConns)
	h.mu.Lock()
	h.accounts[7] = map[*Connection]struct{}{c: {}}
	h.mu.Unlock()
	c.advance(StateOpen)

	env := events.MustNew(events.EventTradesSynced, events.SyncSummaryPayload{})
	h.Broadcast(7, env)
	require.Equal(t, 1, h.ConnectionCount(7))

	h.Broadcast(7, env)

	assert.Eventually(t, func() bool {
		return h.ConnectionCount(7) == 0 && c.State() == StateClosed
	}, 2*time.Second, 10*time.Millisecond)
}

func TestViewerDisconnectUnregisters(t *testing.T) {
	h := NewHub(nil, time.Second, 2, 16)
	client := dial(t, h, 7)
	readEnvelope(t, client)

	require.NoError(t, client.Close())

	assert.Eventually(t, func() bool {
		return h.ConnectionCount(7) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestShutdownClosesAllViewers(t *testing.T) {
	h := NewHub(nil, time.Second, 2, 16)
	a := dial(t, h, 7)
	b := dial(t, h, 8)
	readEnvelope(t, a)
	readEnvelope(t, b)
	require.Equal(t, 2, h.TotalConnections())

	h.Shutdown()

	assert.Eventually(t, func() bool {
		return h.TotalConnections() == 0
	}, 2*time.Second, 10*time.Millisecond)
}
