package signal

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitMessage(t *testing.T, msgs <-chan Message) Message {
	t.Helper()
	select {
	case m, ok := <-msgs:
		require.True(t, ok, "message stream closed")
		return m
	case <-time.After(3 * time.Second):
		t.Fatal("expected envelope never arrived")
		return nil
	}
}

// startFlakyRelay upgrades every dial, greets it with a Welcome carrying the
// dial count, and kills the first connection immediately.
func startFlakyRelay(t *testing.T, dials *atomic.Int32) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		n := dials.Add(1)
		data, _ := Encode(NewWelcome(int(n)))
		_ = conn.WriteMessage(websocket.TextMessage, data)
		if n == 1 {
			_ = conn.Close()
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestClientRedialsAfterRelayDrop(t *testing.T) {
	var dials atomic.Int32
	url := startFlakyRelay(t, &dials)

	c := NewClient(url)
	c.reconnectDelay = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Run(ctx) }()

	first := waitMessage(t, c.Messages())
	require.Equal(t, NewWelcome(1), first)

	// the relay dropped the first connection; the stream must stay open and
	// deliver from the redialed connection
	second := waitMessage(t, c.Messages())
	assert.Equal(t, NewWelcome(2), second)
	assert.GreaterOrEqual(t, dials.Load(), int32(2))
}

func TestClientSendAfterShutdown(t *testing.T) {
	var dials atomic.Int32
	url := startFlakyRelay(t, &dials)

	c := NewClient(url)
	c.reconnectDelay = 20 * time.Millisecond

	// queueing works before any connection exists
	require.NoError(t, c.Send(NewConnectionRequest(1, 2)))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = c.Run(ctx)
		close(done)
	}()

	waitMessage(t, c.Messages())
	cancel()
	<-done

	assert.ErrorIs(t, c.Send(NewConnectionRequest(1, 2)), ErrClientClosed)
}
