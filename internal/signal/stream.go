package signal

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"

	"github.com/petervdpas/goopcall/internal/proto"
)

const (
	// DefaultAckTimeout is how long Send waits for the remote transport ACK.
	DefaultAckTimeout = 10 * time.Second

	streamReadTimeout = 30 * time.Second
)

// streamAck is written back by the receiver once the message is decoded.
type streamAck struct {
	Type string `json:"type"` // "ack"
	ID   string `json:"id"`
}

// Stream is a Channel over a libp2p stream protocol. Identities are peer IDs.
// Each message uses its own stream on the shared muxed connection: one line
// of JSON out, one ack line back.
type Stream struct {
	host       host.Host
	ackTimeout time.Duration

	mu   sync.RWMutex
	subs handlerSet
}

// NewStream registers the signaling stream handler on h.
func NewStream(h host.Host, ackTimeout time.Duration) *Stream {
	if ackTimeout <= 0 {
		ackTimeout = DefaultAckTimeout
	}
	s := &Stream{host: h, ackTimeout: ackTimeout}
	h.SetStreamHandler(protocol.ID(proto.SignalProtoID), s.handleIncoming)
	log.Infof("registered handler for %s", proto.SignalProtoID)
	return s
}

// Close removes the stream handler.
func (s *Stream) Close() error {
	s.host.RemoveStreamHandler(protocol.ID(proto.SignalProtoID))
	return nil
}

func (s *Stream) Send(ctx context.Context, to string, msg Message) error {
	pid, err := peer.Decode(to)
	if err != nil {
		return fmt.Errorf("%w: %q: %v", ErrUnknownTarget, to, err)
	}

	line, err := Encode(&msg)
	if err != nil {
		return fmt.Errorf("signal: encode: %w", err)
	}

	dialCtx, cancel := context.WithTimeout(ctx, s.ackTimeout)
	defer cancel()

	stream, err := s.host.NewStream(dialCtx, pid, protocol.ID(proto.SignalProtoID))
	if err != nil {
		return fmt.Errorf("signal: open stream to %s: %w", shortID(to), err)
	}
	defer stream.Close()

	_ = stream.SetWriteDeadline(time.Now().Add(s.ackTimeout))
	if _, err := stream.Write(append(line, '\n')); err != nil {
		_ = stream.Reset()
		return fmt.Errorf("signal: write to %s: %w", shortID(to), err)
	}

	var ack streamAck
	_ = stream.SetReadDeadline(time.Now().Add(s.ackTimeout))
	if err := json.NewDecoder(bufio.NewReader(stream)).Decode(&ack); err != nil {
		return fmt.Errorf("signal: waiting for ack from %s: %w", shortID(to), err)
	}
	if ack.ID != msg.ID {
		return fmt.Errorf("signal: ack id mismatch (got %s, want %s)", ack.ID, msg.ID)
	}

	log.Debugw("sent", "type", msg.Type, "id", msg.ID, "to", shortID(to))
	return nil
}

// handleIncoming reads one message, acks it, then dispatches. The sender
// identity is always the authenticated remote peer, never the payload.
func (s *Stream) handleIncoming(stream network.Stream) {
	defer stream.Close()

	remote := stream.Conn().RemotePeer().String()
	_ = stream.SetReadDeadline(time.Now().Add(streamReadTimeout))

	line, err := bufio.NewReader(stream).ReadBytes('\n')
	if err != nil && len(line) == 0 {
		log.Warnf("read error from %s: %v", shortID(remote), err)
		return
	}
	msg, err := Decode(line)
	if err != nil {
		log.Warnf("dropping message from %s: %v", shortID(remote), err)
		return
	}
	msg.From = remote

	_ = stream.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := json.NewEncoder(stream).Encode(streamAck{Type: "ack", ID: msg.ID}); err != nil {
		log.Warnf("ack write error to %s: %v", shortID(remote), err)
	}

	s.dispatch(stream.Conn().LocalPeer().String(), msg)
}

func (s *Stream) dispatch(self string, msg Message) {
	if self != s.host.ID().String() {
		return
	}
	s.mu.RLock()
	handlers := s.subs.snapshot()
	s.mu.RUnlock()
	for _, h := range handlers {
		h(msg)
	}
}

// Subscribe registers h. A libp2p host has exactly one identity, so self
// must be the host's peer ID.
func (s *Stream) Subscribe(self string, h Handler) (func(), error) {
	if self != s.host.ID().String() {
		return nil, fmt.Errorf("%w: %s is not this host", ErrUnknownTarget, shortID(self))
	}
	s.mu.Lock()
	id := s.subs.add(h)
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			s.subs.remove(id)
			s.mu.Unlock()
		})
	}, nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[len(id)-8:]
	}
	return id
}
