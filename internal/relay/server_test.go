package relay

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"decay-call/internal/signal"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startRelay(t *testing.T) (*Server, string) {
	t.Helper()
	s := NewServer(nil)
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.HandleWS)
	mux.HandleFunc("/api/turn-credentials", s.HandleTurnCredentials)

	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return s, ts.URL
}

func dialRelay(t *testing.T, baseURL string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(baseURL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// readUntil decodes envelopes until one matches or the deadline expires.
func readUntil(t *testing.T, conn *websocket.Conn, match func(signal.Message) bool) signal.Message {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err, "expected envelope never arrived")
		msg, err := signal.Decode(data)
		if err != nil {
			continue
		}
		if match(msg) {
			return msg
		}
	}
}

func readWelcome(t *testing.T, conn *websocket.Conn) signal.Welcome {
	t.Helper()
	msg := readUntil(t, conn, func(m signal.Message) bool {
		return m.Kind() == signal.KindWelcome
	})
	return msg.(signal.Welcome)
}

func sendMsg(t *testing.T, conn *websocket.Conn, m signal.Message) {
	t.Helper()
	data, err := signal.Encode(m)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func TestWelcomeAssignsSequentialIDs(t *testing.T) {
	_, url := startRelay(t)

	conn1 := dialRelay(t, url)
	w1 := readWelcome(t, conn1)
	conn2 := dialRelay(t, url)
	w2 := readWelcome(t, conn2)

	assert.Equal(t, 1, w1.UserID)
	assert.Equal(t, 2, w2.UserID)
}

func TestUserListBroadcastOnJoin(t *testing.T) {
	_, url := startRelay(t)

	conn1 := dialRelay(t, url)
	readWelcome(t, conn1)

	conn2 := dialRelay(t, url)
	readWelcome(t, conn2)

	// the first client sees the roster grow to two
	msg := readUntil(t, conn1, func(m signal.Message) bool {
		ul, ok := m.(signal.UserList)
		return ok && len(ul.Users) == 2
	})
	ul := msg.(signal.UserList)
	assert.Equal(t, 1, ul.Users[0].ID)
	assert.Equal(t, 2, ul.Users[1].ID)
}

func TestEnvelopeForwarding(t *testing.T) {
	_, url := startRelay(t)

	conn1 := dialRelay(t, url)
	readWelcome(t, conn1)
	conn2 := dialRelay(t, url)
	readWelcome(t, conn2)

	sendMsg(t, conn1, signal.NewOffer(1, 2, "offer-sdp"))

	msg := readUntil(t, conn2, func(m signal.Message) bool {
		return m.Kind() == signal.KindOffer
	})
	offer := msg.(signal.Offer)
	assert.Equal(t, 1, offer.From)
	assert.Equal(t, "offer-sdp", offer.Offer)
}

func TestConnectionResponseRoutedToRequester(t *testing.T) {
	_, url := startRelay(t)

	conn1 := dialRelay(t, url)
	readWelcome(t, conn1)
	conn2 := dialRelay(t, url)
	readWelcome(t, conn2)

	sendMsg(t, conn1, signal.NewConnectionRequest(1, 2))
	readUntil(t, conn2, func(m signal.Message) bool {
		return m.Kind() == signal.KindConnectionRequest
	})

	// from_id names the requester, so the answer must land on conn1
	sendMsg(t, conn2, signal.NewConnectionResponse(1, true))
	msg := readUntil(t, conn1, func(m signal.Message) bool {
		return m.Kind() == signal.KindConnectionResponse
	})
	assert.True(t, msg.(signal.ConnectionResponse).Accepted)
}

func TestPartnerNotifiedOnDisconnect(t *testing.T) {
	_, url := startRelay(t)

	conn1 := dialRelay(t, url)
	readWelcome(t, conn1)
	conn2 := dialRelay(t, url)
	readWelcome(t, conn2)

	// mark the pair as in a call, then drop one side
	sendMsg(t, conn1, signal.NewPeerStateChange(1, 2, "connected"))
	readUntil(t, conn2, func(m signal.Message) bool {
		return m.Kind() == signal.KindPeerStateChange
	})
	require.NoError(t, conn1.Close())

	msg := readUntil(t, conn2, func(m signal.Message) bool {
		psc, ok := m.(signal.PeerStateChange)
		return ok && psc.State == "disconnected"
	})
	assert.Equal(t, 1, msg.(signal.PeerStateChange).From)
}

func TestUnknownTargetDropped(t *testing.T) {
	s, url := startRelay(t)

	conn1 := dialRelay(t, url)
	readWelcome(t, conn1)

	sendMsg(t, conn1, signal.NewOffer(1, 42, "sdp"))

	// no crash, envelope counted as dropped
	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return len(s.clients) == 1
	}, time.Second, 10*time.Millisecond)
}

// Forwarders snapshot the destination client under the server lock but
// enqueue after releasing it, so enqueue must stay safe against a concurrent
// unregister closing the send channel.
func TestEnqueueDuringDisconnectNeverPanics(t *testing.T) {
	c := &client{id: 7, send: make(chan []byte, 4)}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				c.enqueue([]byte(`{"type":"RTCCandidate"}`))
			}
		}()
	}
	c.closeSend()
	wg.Wait()

	c.closeSend() // second close is a no-op
	assert.False(t, c.enqueue([]byte("late")), "closed client must drop envelopes")
}

func TestTurnCredentialsEndpoint(t *testing.T) {
	t.Setenv("TURN_SERVERS", "turn:turn.example.com:3478, turn:turn2.example.com:3478")
	t.Setenv("TURN_USERNAME", "user")
	t.Setenv("TURN_CREDENTIAL", "pass")

	_, url := startRelay(t)
	resp, err := http.Get(url + "/api/turn-credentials")
	require.NoError(t, err)
	defer resp.Body.Close()

	var creds struct {
		URLs       []string `json:"urls"`
		Username   string   `json:"username"`
		Credential string   `json:"credential"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&creds))
	assert.Equal(t, []string{"turn:turn.example.com:3478", "turn:turn2.example.com:3478"}, creds.URLs)
	assert.Equal(t, "user", creds.Username)
	assert.Equal(t, "pass", creds.Credential)
}
