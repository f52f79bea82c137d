// Package server is the crew hub: it holds one websocket per crew member,
// routes their commands to the vessel and fans replicated changes out to
// everyone.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/example/bridge-crew/internal/auth"
	"github.com/example/bridge-crew/internal/logging"
	"github.com/example/bridge-crew/internal/mirror"
	"github.com/example/bridge-crew/internal/observability"
	"github.com/example/bridge-crew/internal/station"
	"github.com/example/bridge-crew/internal/vessel"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = (pongWait * 9) / 10
	readLimit    = 4096
	sendBuffer   = 256
)

// Message is an inbound crew command.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// WSOut is every outbound frame.
type WSOut struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
}

// Client is one connected crew member.
type Client struct {
	ID   station.ClientID
	Name string

	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	limiter   *rate.Limiter
	closeOnce sync.Once
}

// enqueue hands msg to the writer without blocking. It reports false when
// the client is gone or too slow to keep up.
func (c *Client) enqueue(msg []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// kick drops the connection; the read loop notices and cleans up.
func (c *Client) kick() {
	c.closeOnce.Do(func() { c.conn.Close() })
}

// Options configures New. Zero values fall back to sensible defaults; a nil
// Verifier accepts every connection as an anonymous cadet.
type Options struct {
	Verifier     *auth.Verifier
	Metrics      *observability.Collector
	Mirror       *mirror.Mirror
	CommandRate  float64
	CommandBurst int
}

// CrewServer is the websocket hub for one vessel.
type CrewServer struct {
	vessel   *vessel.Vessel
	verifier *auth.Verifier
	metrics  *observability.Collector
	mirror   *mirror.Mirror
	log      logging.Logger
	upgrader websocket.Upgrader
	limit    rate.Limit
	burst    int

	// mu guards clients. Broadcasts hold it for reading so that a client
	// registering under the write lock gets its initial state before any
	// change that happened after that state was read.
	mu      sync.RWMutex
	clients map[station.ClientID]*Client

	unsubs []func()
}

func NewCrewServer(v *vessel.Vessel, opts Options, log logging.Logger) *CrewServer {
	if log == nil {
		log = logging.Noop()
	}
	if opts.CommandRate <= 0 {
		opts.CommandRate = 20
	}
	if opts.CommandBurst <= 0 {
		opts.CommandBurst = 40
	}
	s := &CrewServer{
		vessel:   v,
		verifier: opts.Verifier,
		metrics:  opts.Metrics,
		mirror:   opts.Mirror,
		log:      log.With(logging.String("component", "crew-server")),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		limit:   rate.Limit(opts.CommandRate),
		burst:   opts.CommandBurst,
		clients: make(map[station.ClientID]*Client),
	}
	s.watch()
	return s
}

// HandleWS upgrades an authenticated request into a crew session.
func (s *CrewServer) HandleWS(w http.ResponseWriter, r *http.Request) {
	claims := &auth.CrewClaims{Name: "cadet"}
	if s.verifier != nil {
		c, err := s.verifier.Authenticate(r)
		if err != nil {
			s.log.Debug(r.Context(), "websocket auth rejected", logging.Err(err))
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		claims = c
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn(r.Context(), "websocket upgrade failed", logging.Err(err))
		return
	}
	c := &Client{
		ID:      station.ClientID(uuid.NewString()),
		Name:    claims.DisplayName(),
		conn:    conn,
		send:    make(chan []byte, sendBuffer),
		done:    make(chan struct{}),
		limiter: rate.NewLimiter(s.limit, s.burst),
	}
	s.register(c)
	go s.writeLoop(c)
	go s.readLoop(c)
}

// register adds c and queues its welcome frame under the write lock.
func (s *CrewServer) register(c *Client) {
	s.mu.Lock()
	s.clients[c.ID] = c
	welcome, err := json.Marshal(WSOut{Type: "welcome", Payload: Welcome{
		ClientID: c.ID,
		Name:     c.Name,
		State:    s.shipState(),
	}})
	if err == nil {
		c.enqueue(welcome)
	}
	n := len(s.clients)
	s.mu.Unlock()

	if err != nil {
		s.log.Error(context.Background(), "welcome not encodable", logging.Err(err))
	}
	s.metrics.CrewConnected()
	s.log.Info(context.Background(), "crew member connected", logging.String("client", string(c.ID)),
		logging.String("name", c.Name), logging.Int("crew", n))
}

func (s *CrewServer) unregister(c *Client) {
	s.mu.Lock()
	_, ok := s.clients[c.ID]
	delete(s.clients, c.ID)
	n := len(s.clients)
	s.mu.Unlock()
	if !ok {
		return
	}
	close(c.done)
	c.kick()
	released := s.vessel.Authority.ReleaseAll(c.ID)
	s.metrics.CrewDisconnected()
	s.log.Info(context.Background(), "crew member disconnected", logging.String("client", string(c.ID)),
		logging.Int("released", len(released)), logging.Int("crew", n))
}

// WebSocket read loop
func (s *CrewServer) readLoop(c *Client) {
	defer s.unregister(c)

	c.conn.SetReadLimit(readLimit)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Warn(context.Background(), "websocket read failed",
					logging.String("client", string(c.ID)), logging.Err(err))
			}
			return
		}
		if !c.limiter.Allow() {
			s.reply(c, msg.Type, nil, errRateLimited)
			continue
		}
		data, err := s.dispatch(c, msg)
		s.reply(c, msg.Type, data, err)
	}
}

func (s *CrewServer) writeLoop(c *Client) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.kick()
	}()
	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// sendTo encodes out and queues it for one client.
func (s *CrewServer) sendTo(c *Client, out WSOut) {
	raw, err := json.Marshal(out)
	if err != nil {
		s.log.Error(context.Background(), "frame not encodable", logging.String("type", out.Type), logging.Err(err))
		return
	}
	if !c.enqueue(raw) {
		s.log.Warn(context.Background(), "dropping slow crew client", logging.String("client", string(c.ID)))
		c.kick()
	}
}

// broadcast encodes out once and queues it for every client. Clients whose
// buffer is full are disconnected.
func (s *CrewServer) broadcast(out WSOut) {
	raw, err := json.Marshal(out)
	if err != nil {
		s.log.Error(context.Background(), "frame not encodable", logging.String("type", out.Type), logging.Err(err))
		return
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.clients {
		if !c.enqueue(raw) {
			s.log.Warn(context.Background(), "dropping slow crew client", logging.String("client", string(c.ID)))
			c.kick()
		}
	}
}

// Crew lists the connected clients.
func (s *CrewServer) Crew() []CrewMember {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]CrewMember, 0, len(s.clients))
	for _, c := range s.clients {
		out = append(out, CrewMember{ID: c.ID, Name: c.Name})
	}
	return out
}

// Close detaches from the vessel and disconnects every client.
func (s *CrewServer) Close() {
	for _, unsub := range s.unsubs {
		unsub()
	}
	s.unsubs = nil
	s.mu.RLock()
	clients := make([]*Client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.RUnlock()
	for _, c := range clients {
		c.kick()
	}
}
