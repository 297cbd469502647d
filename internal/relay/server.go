// Package relay implements the signaling server. It assigns user ids,
// broadcasts the roster, forwards negotiation envelopes between peers and
// notifies a peer when its partner drops off.
package relay

import (
	"encoding/json"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"decay-call/internal/signal"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	// pingInterval keeps NAT bindings and proxies alive.
	pingInterval = 30 * time.Second
	// idleTimeout drops clients that stop answering pings.
	idleTimeout = 60 * time.Second

	writeWait     = 10 * time.Second
	sendQueueSize = 64
)

type client struct {
	id   int
	conn *websocket.Conn

	// mu serializes enqueue against closeSend: a forwarder holding a stale
	// client pointer must never send on a channel unregister already closed
	mu     sync.Mutex
	send   chan []byte
	closed bool
}

// enqueue hands an already-encoded envelope to the client's writer. A full
// queue means the client is too slow to matter; the envelope is dropped.
func (c *client) enqueue(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// Server is the relay. One goroutine per client direction; shared state is
// the client table and the connected-pairs map.
type Server struct {
	metrics  *Metrics
	upgrader websocket.Upgrader

	nextID atomic.Int64

	mu      sync.Mutex
	clients map[int]*client
	pairs   map[int]int // user id -> connected partner id
}

func NewServer(metrics *Metrics) *Server {
	if metrics == nil {
		metrics = NewMetrics()
	}
	return &Server{
		metrics: metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients: make(map[int]*client),
		pairs:   make(map[int]int),
	}
}

func (s *Server) Metrics() *Metrics { return s.metrics }

// HandleWS upgrades the connection, registers the user and serves it until
// the socket dies or goes idle.
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	c := &client{
		id:   int(s.nextID.Add(1)),
		conn: conn,
		send: make(chan []byte, sendQueueSize),
	}
	s.register(c)
	log.Info().Int("user_id", c.id).Str("remote", r.RemoteAddr).Msg("User connected")

	go s.writeLoop(c)

	welcome, _ := signal.Encode(signal.NewWelcome(c.id))
	c.enqueue(welcome)
	s.broadcastUserList()

	s.readLoop(c)

	s.unregister(c)
	log.Info().Int("user_id", c.id).Msg("User disconnected")
}

// HandleTurnCredentials serves the TURN configuration so clients behind
// symmetric NAT can escalate. Responds with an empty list when unset.
func (s *Server) HandleTurnCredentials(w http.ResponseWriter, _ *http.Request) {
	type turnCredentials struct {
		URLs       []string `json:"urls"`
		Username   string   `json:"username,omitempty"`
		Credential string   `json:"credential,omitempty"`
	}

	creds := turnCredentials{URLs: []string{}}
	if servers := os.Getenv("TURN_SERVERS"); servers != "" {
		creds.URLs = splitAndTrim(servers)
		creds.Username = os.Getenv("TURN_USERNAME")
		creds.Credential = os.Getenv("TURN_CREDENTIAL")
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(creds); err != nil {
		log.Warn().Err(err).Msg("Failed to write TURN credentials")
	}
}

func (s *Server) readLoop(c *client) {
	c.conn.SetReadLimit(1 << 20)
	_ = c.conn.SetReadDeadline(time.Now().Add(idleTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(idleTimeout))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug().Err(err).Int("user_id", c.id).Msg("Read failed")
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(idleTimeout))
		s.route(c, data)
	}
}

func (s *Server) writeLoop(c *client) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// route decodes one inbound envelope, stamps the sender id and forwards it
// to its target. Call state changes additionally update the pair map.
func (s *Server) route(c *client, data []byte) {
	msg, err := signal.Decode(data)
	if err != nil {
		log.Warn().Err(err).Int("user_id", c.id).Msg("Dropping malformed envelope")
		return
	}

	if psc, ok := msg.(signal.PeerStateChange); ok {
		s.trackCallState(c.id, psc)
	}

	target, ok := signal.Target(msg)
	if !ok {
		log.Warn().Str("type", string(msg.Kind())).Int("user_id", c.id).
			Msg("Envelope type not forwardable")
		return
	}

	s.mu.Lock()
	dst := s.clients[target]
	s.mu.Unlock()
	if dst == nil {
		log.Debug().Int("user_id", c.id).Int("target", target).Msg("Target not connected")
		s.metrics.DroppedEnvelopes.Inc()
		return
	}

	if dst.enqueue(data) {
		s.metrics.ForwardedEnvelopes.WithLabelValues(string(msg.Kind())).Inc()
	} else {
		log.Warn().Int("target", target).Msg("Target send queue full, dropping envelope")
		s.metrics.DroppedEnvelopes.Inc()
	}
}

func (s *Server) trackCallState(from int, psc signal.PeerStateChange) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch psc.State {
	case "connected":
		s.pairs[from] = psc.To
		s.pairs[psc.To] = from
	case "disconnected":
		delete(s.pairs, from)
		delete(s.pairs, psc.To)
	}
	s.metrics.ActiveCalls.Set(float64(len(s.pairs) / 2))
}

func (s *Server) register(c *client) {
	s.mu.Lock()
	s.clients[c.id] = c
	s.metrics.ConnectedUsers.Set(float64(len(s.clients)))
	s.mu.Unlock()
}

// unregister removes the client, tells its call partner it is gone and
// re-broadcasts the roster.
func (s *Server) unregister(c *client) {
	s.mu.Lock()
	delete(s.clients, c.id)
	partnerID, inCall := s.pairs[c.id]
	if inCall {
		delete(s.pairs, c.id)
		delete(s.pairs, partnerID)
	}
	partner := s.clients[partnerID]
	s.metrics.ConnectedUsers.Set(float64(len(s.clients)))
	s.metrics.ActiveCalls.Set(float64(len(s.pairs) / 2))
	s.mu.Unlock()

	if inCall && partner != nil {
		notice, _ := signal.Encode(signal.NewPeerStateChange(c.id, partnerID, "disconnected"))
		partner.enqueue(notice)
	}
	c.closeSend()
	s.broadcastUserList()
}

func (s *Server) broadcastUserList() {
	s.mu.Lock()
	users := make([]signal.User, 0, len(s.clients))
	targets := make([]*client, 0, len(s.clients))
	for id, c := range s.clients {
		users = append(users, signal.User{ID: id})
		targets = append(targets, c)
	}
	s.mu.Unlock()

	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })
	data, err := signal.Encode(signal.NewUserList(users))
	if err != nil {
		return
	}
	for _, c := range targets {
		c.enqueue(data)
	}
}

func splitAndTrim(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
