package signal

import (
	"context"
	"fmt"
	"sync"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/petervdpas/goopcall/internal/proto"
)

// PubSub is a Channel over gossipsub. Every identity listens on its own
// topic; Send publishes to the target's topic. Gossip can duplicate, so
// callers normally wrap this in Dedupe.
type PubSub struct {
	ps   *pubsub.PubSub
	self peer.ID

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
}

// NewPubSub uses an existing gossipsub router. self is the local host ID.
func NewPubSub(ps *pubsub.PubSub, self peer.ID) *PubSub {
	return &PubSub{ps: ps, self: self, topics: make(map[string]*pubsub.Topic)}
}

func (p *PubSub) topic(name string) (*pubsub.Topic, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if t, ok := p.topics[name]; ok {
		return t, nil
	}
	t, err := p.ps.Join(name)
	if err != nil {
		return nil, err
	}
	p.topics[name] = t
	return t, nil
}

func (p *PubSub) Send(ctx context.Context, to string, msg Message) error {
	if _, err := peer.Decode(to); err != nil {
		return fmt.Errorf("%w: %q: %v", ErrUnknownTarget, to, err)
	}
	t, err := p.topic(proto.SignalTopic(to))
	if err != nil {
		return fmt.Errorf("signal: join topic: %w", err)
	}
	data, err := Encode(&msg)
	if err != nil {
		return fmt.Errorf("signal: encode: %w", err)
	}
	if err := t.Publish(ctx, data); err != nil {
		return fmt.Errorf("signal: publish to %s: %w", shortID(to), err)
	}
	return nil
}

// Subscribe joins the topic for self and runs a reader goroutine until the
// returned cancel is called.
func (p *PubSub) Subscribe(self string, h Handler) (func(), error) {
	if self != p.self.String() {
		return nil, fmt.Errorf("%w: %s is not this host", ErrUnknownTarget, shortID(self))
	}
	t, err := p.topic(proto.SignalTopic(self))
	if err != nil {
		return nil, fmt.Errorf("signal: join topic: %w", err)
	}
	sub, err := t.Subscribe()
	if err != nil {
		return nil, fmt.Errorf("signal: subscribe: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		for {
			m, err := sub.Next(ctx)
			if err != nil {
				return
			}
			if m.GetFrom() == p.self {
				continue
			}
			msg, err := Decode(m.Data)
			if err != nil {
				log.Warnf("dropping pubsub message from %s: %v", shortID(m.GetFrom().String()), err)
				continue
			}
			msg.From = m.GetFrom().String()
			h(msg)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			sub.Cancel()
		})
	}, nil
}

// Close leaves every joined topic.
func (p *PubSub) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for name, t := range p.topics {
		_ = t.Close()
		delete(p.topics, name)
	}
	return nil
}
