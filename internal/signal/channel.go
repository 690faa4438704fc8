package signal

import (
	"context"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("signal")

// Handler is invoked once per inbound message. It must not block; callers
// that need to do work hand the message off to their own queue.
type Handler func(Message)

// Channel is the only surface the call engine needs from a transport.
type Channel interface {
	// Send delivers msg to the identity "to". A nil error means the
	// transport accepted the message, not that the peer processed it.
	Send(ctx context.Context, to string, msg Message) error

	// Subscribe registers h for messages addressed to self.
	Subscribe(self string, h Handler) (cancel func(), err error)
}

// handlerSet is the fan-out list shared by the transports.
type handlerSet struct {
	next int
	m    map[int]Handler
}

func (s *handlerSet) add(h Handler) int {
	if s.m == nil {
		s.m = make(map[int]Handler)
	}
	id := s.next
	s.next++
	s.m[id] = h
	return id
}

func (s *handlerSet) remove(id int) {
	delete(s.m, id)
}

func (s *handlerSet) snapshot() []Handler {
	out := make([]Handler, 0, len(s.m))
	for _, h := range s.m {
		out = append(out, h)
	}
	return out
}
