package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	relayMinBackoff = 250 * time.Millisecond
	relayMaxBackoff = 5 * time.Second
)

// ErrRelayDown is returned by Send while the relay connection is being
// re-established.
var ErrRelayDown = errors.New("signal: relay not connected")

// Relay is a Channel that talks to a RelayServer over one websocket. It is
// useful when peers cannot reach each other directly. A dropped socket is
// redialed with backoff; subscribers survive the reconnect.
type Relay struct {
	identity string
	url      string
	host     string

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	writeMu sync.Mutex

	mu     sync.RWMutex
	conn   *websocket.Conn
	subs   handlerSet
	closed bool
}

// DialRelay connects to the relay at rawURL as identity. rawURL points at
// the relay's /signal endpoint. The first dial must succeed; later drops
// are retried until Close.
func DialRelay(ctx context.Context, rawURL, identity string) (*Relay, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("signal: relay url: %w", err)
	}
	q := u.Query()
	q.Set("identity", identity)
	u.RawQuery = q.Encode()

	runCtx, cancel := context.WithCancel(context.Background())
	r := &Relay{
		identity: identity,
		url:      u.String(),
		host:     u.Host,
		ctx:      runCtx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	conn, err := r.dial(ctx)
	if err != nil {
		cancel()
		return nil, err
	}
	go r.run(conn)
	log.Infof("relay: connected to %s as %s", r.host, shortID(identity))
	return r, nil
}

func (r *Relay) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, r.url, nil)
	if err != nil {
		return nil, fmt.Errorf("signal: dial relay %s: %w", r.host, err)
	}
	return conn, nil
}

// run owns the connection: it reads until the socket fails, then redials.
func (r *Relay) run(conn *websocket.Conn) {
	defer close(r.done)
	for conn != nil {
		if !r.setConn(conn) {
			_ = conn.Close()
			return
		}
		err := r.readLoop(conn)
		r.clearConn()
		_ = conn.Close()
		if r.ctx.Err() != nil {
			return
		}
		log.Warnf("relay: connection lost: %v", err)
		conn = r.redial()
	}
}

// redial retries until a connection is up or the relay is closed.
func (r *Relay) redial() *websocket.Conn {
	backoff := relayMinBackoff
	for {
		select {
		case <-r.ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		conn, err := r.dial(r.ctx)
		if err == nil {
			log.Infof("relay: reconnected to %s", r.host)
			return conn
		}
		log.Debugw("relay: redial failed", "err", err, "backoff", backoff)
		if backoff < relayMaxBackoff {
			backoff *= 2
		}
	}
}

// setConn publishes conn for Send. It refuses once Close has started, so a
// socket dialed during shutdown is never left unread.
func (r *Relay) setConn(conn *websocket.Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	r.conn = conn
	return true
}

func (r *Relay) clearConn() {
	r.mu.Lock()
	r.conn = nil
	r.mu.Unlock()
}

func (r *Relay) readLoop(conn *websocket.Conn) error {
	conn.SetReadLimit(maxFrameSize)
	conn.SetPingHandler(func(data string) error {
		r.writeMu.Lock()
		defer r.writeMu.Unlock()
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
	})
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var f relayFrame
		if err := json.Unmarshal(raw, &f); err != nil {
			log.Warnf("relay: bad frame: %v", err)
			continue
		}
		if err := f.Msg.Validate(); err != nil {
			log.Warnf("relay: dropping frame from %s: %v", shortID(f.Msg.From), err)
			continue
		}
		r.mu.RLock()
		handlers := r.subs.snapshot()
		r.mu.RUnlock()
		for _, h := range handlers {
			h(f.Msg)
		}
	}
}

// Connected reports whether a websocket is currently up.
func (r *Relay) Connected() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.conn != nil
}

func (r *Relay) Send(ctx context.Context, to string, msg Message) error {
	if to == "" {
		return fmt.Errorf("%w: empty target", ErrUnknownTarget)
	}
	r.mu.RLock()
	conn, closed := r.conn, r.closed
	r.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	if conn == nil {
		return ErrRelayDown
	}
	if msg.ID == "" {
		if _, err := Encode(&msg); err != nil {
			return err
		}
	}
	data, err := json.Marshal(relayFrame{To: to, Msg: msg})
	if err != nil {
		return fmt.Errorf("signal: encode: %w", err)
	}

	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("signal: relay write: %w", err)
	}
	return nil
}

// Subscribe registers h. self must be the identity the relay was dialed as.
func (r *Relay) Subscribe(self string, h Handler) (func(), error) {
	if self != r.identity {
		return nil, fmt.Errorf("%w: relay connection belongs to %s", ErrUnknownTarget, shortID(r.identity))
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	id := r.subs.add(h)
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			r.subs.remove(id)
			r.mu.Unlock()
		})
	}, nil
}

// Close stops reconnecting, shuts the websocket and waits for the reader
// to exit.
func (r *Relay) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	conn := r.conn
	r.mu.Unlock()

	r.cancel()
	if conn != nil {
		r.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		r.writeMu.Unlock()
		_ = conn.Close()
	}
	<-r.done
	return nil
}
