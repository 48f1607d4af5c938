package broadcast

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func dialTestServer(t *testing.T, b *Broadcaster) *websocket.Conn {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(b.HandleConnection))
	t.Cleanup(server.Close)

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/observe"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestWelcomeSentOnConnect(t *testing.T) {
	b := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b.Start(ctx)

	conn := dialTestServer(t, b)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Contains(t, string(msg), `"type":"welcome"`)
}

func TestPublishFansOutToAllObservers(t *testing.T) {
	b := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b.Start(ctx)

	connA := dialTestServer(t, b)
	connB := dialTestServer(t, b)

	// drain welcome messages
	for _, c := range []*websocket.Conn{connA, connB} {
		c.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, _, err := c.ReadMessage()
		require.NoError(t, err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && b.ObserverCount() < 2 {
		time.Sleep(10 * time.Millisecond)
	}
	require.Equal(t, 2, b.ObserverCount())

	b.Publish(TypeAlert, map[string]string{"validatorId": "validator-1"})

	for _, c := range []*websocket.Conn{connA, connB} {
		c.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, msg, err := c.ReadMessage()
		require.NoError(t, err)
		require.Contains(t, string(msg), `"type":"alert"`)
		require.Contains(t, string(msg), "validator-1")
	}
}
