package ws

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crmchat/internal/domain"
	"crmchat/internal/event"
	"crmchat/internal/security"
)

// serverConn returns the server side of a fresh websocket connection.
func serverConn(t *testing.T) *websocket.Conn {
	t.Helper()
	conns := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := (&websocket.Upgrader{}).Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conns <- conn
	}))
	t.Cleanup(srv.Close)

	peer, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { peer.Close() })

	select {
	case conn := <-conns:
		return conn
	case <-time.After(2 * time.Second):
		t.Fatal("no server connection")
		return nil
	}
}

func TestClient_DeadSocketStopsAcceptingFrames(t *testing.T) {
	conn := serverConn(t)
	c := newClient("conn-1", security.Identity{UserID: "bob"}, conn)
	c.identified.Store(true)
	hub := NewHub(nil)
	hub.add(c)
	t.Cleanup(func() { hub.remove(c) })

	// writes fail once the socket underneath is gone
	require.NoError(t, conn.UnderlyingConn().Close())
	go c.writeLoop()

	assert.Eventually(t, func() bool {
		return errors.Is(c.enqueue([]byte(`{"type":"noop"}`)), domain.ErrConnectionClosed)
	}, 2*time.Second, 10*time.Millisecond)

	delivered := hub.Push([]string{"conn-1"}, event.Outbound{Type: event.ChatMessage, Data: map[string]string{"body": "hi"}})
	assert.Zero(t, delivered)
	c.close()
}

func TestReadLimitFor(t *testing.T) {
	assert.EqualValues(t, minReadLimit, readLimitFor(0))
	assert.EqualValues(t, minReadLimit, readLimitFor(100))
	assert.Greater(t, readLimitFor(5000), int64(len(strings.Repeat("😀", 5000))+1024))
}
