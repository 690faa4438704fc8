package signal

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultDedupeSize is the number of recent message IDs remembered.
const DefaultDedupeSize = 1024

type dedupe struct {
	inner Channel
	seen  *lru.Cache[string, struct{}]
}

// Dedupe wraps ch so that each message ID is handed to subscribers at most
// once. Messages without an ID pass through untouched.
func Dedupe(ch Channel, size int) Channel {
	if size <= 0 {
		size = DefaultDedupeSize
	}
	seen, err := lru.New[string, struct{}](size)
	if err != nil {
		// Only fails for size <= 0, which is excluded above.
		panic(err)
	}
	return &dedupe{inner: ch, seen: seen}
}

func (d *dedupe) Send(ctx context.Context, to string, msg Message) error {
	return d.inner.Send(ctx, to, msg)
}

func (d *dedupe) Subscribe(self string, h Handler) (func(), error) {
	return d.inner.Subscribe(self, func(m Message) {
		if m.ID != "" {
			if dup, _ := d.seen.ContainsOrAdd(m.From+"/"+m.ID, struct{}{}); dup {
				log.Debugw("duplicate message dropped", "from", m.From, "id", m.ID, "type", m.Type)
				return
			}
		}
		h(m)
	})
}
