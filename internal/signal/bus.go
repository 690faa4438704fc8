package signal

import (
	"context"
	"sync"
)

// Bus is an in-process Channel. Every identity that subscribes gets its
// own handler set; Send delivers synchronously to the target's handlers.
//
// A filter can be installed to drop messages, which is how tests simulate
// a lossy transport.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]*handlerSet
	filter func(to string, m Message) bool
	closed bool
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[string]*handlerSet)}
}

// SetFilter installs fn; messages for which fn returns false are dropped.
// A nil fn delivers everything.
func (b *Bus) SetFilter(fn func(to string, m Message) bool) {
	b.mu.Lock()
	b.filter = fn
	b.mu.Unlock()
}

// Send delivers msg to every handler subscribed as "to". Sending to an
// identity nobody listens on is a silent loss, like the real transports.
func (b *Bus) Send(ctx context.Context, to string, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	filter := b.filter
	b.mu.RUnlock()

	if msg.ID == "" {
		if _, err := Encode(&msg); err != nil {
			return err
		}
	}
	if filter != nil && !filter(to, msg) {
		log.Debugw("bus dropped message", "to", to, "type", msg.Type)
		return nil
	}
	b.Inject(to, msg)
	return nil
}

// Inject delivers msg to "to" bypassing the filter. Tests use it to replay
// duplicates or deliver messages out of order.
func (b *Bus) Inject(to string, msg Message) {
	b.mu.RLock()
	set, ok := b.subs[to]
	var handlers []Handler
	if ok {
		handlers = set.snapshot()
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(msg)
	}
}

// Subscribe registers h for messages sent to self.
func (b *Bus) Subscribe(self string, h Handler) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	set, ok := b.subs[self]
	if !ok {
		set = &handlerSet{}
		b.subs[self] = set
	}
	id := set.add(h)

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			set.remove(id)
			b.mu.Unlock()
		})
	}, nil
}

// Close makes every further Send and Subscribe fail.
func (b *Bus) Close() error {
	b.mu.Lock()
	b.closed = true
	b.subs = make(map[string]*handlerSet)
	b.mu.Unlock()
	return nil
}
