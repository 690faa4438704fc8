package signal

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxFrameSize   = 64 << 10
	sendBufferSize = 64
)

// relayFrame is the unit exchanged with the relay. Clients fill To; the
// relay overwrites Msg.From with the identity the sender registered as.
type relayFrame struct {
	To  string  `json:"to"`
	Msg Message `json:"msg"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// RelayServer is a websocket hub that forwards signaling frames between
// connected identities. A frame for an identity that is not connected is
// dropped.
type RelayServer struct {
	register   chan *relayConn
	unregister chan *relayConn
	done       chan struct{}

	mu    sync.RWMutex
	conns map[string]map[*relayConn]bool
}

type relayConn struct {
	srv      *RelayServer
	conn     *websocket.Conn
	identity string
	send     chan []byte
}

// NewRelayServer creates a hub. Call Run before serving connections.
func NewRelayServer() *RelayServer {
	return &RelayServer{
		register:   make(chan *relayConn),
		unregister: make(chan *relayConn),
		done:       make(chan struct{}),
		conns:      make(map[string]map[*relayConn]bool),
	}
}

// Run is the hub loop. It returns when ctx is done.
func (s *RelayServer) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(s.done)
			s.mu.Lock()
			for id, set := range s.conns {
				for c := range set {
					close(c.send)
				}
				delete(s.conns, id)
			}
			s.mu.Unlock()
			return
		case c := <-s.register:
			s.mu.Lock()
			if _, ok := s.conns[c.identity]; !ok {
				s.conns[c.identity] = make(map[*relayConn]bool)
			}
			s.conns[c.identity][c] = true
			n := len(s.conns[c.identity])
			s.mu.Unlock()
			log.Infof("relay: %s connected (%d connections)", shortID(c.identity), n)
		case c := <-s.unregister:
			s.remove(c)
		}
	}
}

func (s *RelayServer) remove(c *relayConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.conns[c.identity]
	if !ok || !set[c] {
		return
	}
	delete(set, c)
	close(c.send)
	if len(set) == 0 {
		delete(s.conns, c.identity)
		log.Infof("relay: %s disconnected", shortID(c.identity))
	}
}

// Online reports whether identity has at least one live connection.
func (s *RelayServer) Online(identity string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns[identity]) > 0
}

// Identities returns the number of identities currently connected.
func (s *RelayServer) Identities() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

func (s *RelayServer) forward(from string, f relayFrame) {
	f.Msg.From = from
	data, err := json.Marshal(f)
	if err != nil {
		return
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	set := s.conns[f.To]
	if len(set) == 0 {
		log.Debugw("relay: target offline, dropping", "to", f.To, "type", f.Msg.Type)
		return
	}
	for c := range set {
		select {
		case c.send <- data:
		default:
			log.Warnf("relay: send buffer full for %s, dropping %s", shortID(f.To), f.Msg.Type)
		}
	}
}

// ServeHTTP upgrades /signal?identity=<id> and pumps frames until the
// connection closes.
func (s *RelayServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	identity := strings.TrimSpace(r.URL.Query().Get("identity"))
	if identity == "" {
		http.Error(w, "missing identity", http.StatusBadRequest)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warnf("relay: upgrade failed for %s: %v", shortID(identity), err)
		return
	}
	c := &relayConn{srv: s, conn: conn, identity: identity, send: make(chan []byte, sendBufferSize)}
	select {
	case s.register <- c:
	case <-s.done:
		conn.Close()
		return
	}

	go c.writePump()
	c.readPump()
}

func (c *relayConn) readPump() {
	defer func() {
		select {
		case c.srv.unregister <- c:
		case <-c.srv.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxFrameSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warnf("relay: unexpected close for %s: %v", shortID(c.identity), err)
			}
			return
		}
		var f relayFrame
		if err := json.Unmarshal(raw, &f); err != nil || f.To == "" {
			log.Warnf("relay: bad frame from %s", shortID(c.identity))
			continue
		}
		c.srv.forward(c.identity, f)
	}
}

func (c *relayConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
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
