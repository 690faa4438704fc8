package signal

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type collector struct {
	mu  sync.Mutex
	got []Message
}

func (c *collector) handle(m Message) {
	c.mu.Lock()
	c.got = append(c.got, m)
	c.mu.Unlock()
}

func (c *collector) messages() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Message(nil), c.got...)
}

func TestBusDeliversToTargetOnly(t *testing.T) {
	bus := NewBus()
	var alice, bob collector
	_, err := bus.Subscribe("alice", alice.handle)
	require.NoError(t, err)
	_, err = bus.Subscribe("bob", bob.handle)
	require.NoError(t, err)

	require.NoError(t, bus.Send(context.Background(), "bob", NewDecline("alice", "c1")))

	assert.Empty(t, alice.messages())
	require.Len(t, bob.messages(), 1)
	assert.Equal(t, TypeDecline, bob.messages()[0].Type)
}

func TestBusUnknownTargetIsSilentLoss(t *testing.T) {
	bus := NewBus()
	assert.NoError(t, bus.Send(context.Background(), "nobody", NewEndCall("alice", "")))
}

func TestBusFilterDrops(t *testing.T) {
	bus := NewBus()
	var bob collector
	_, err := bus.Subscribe("bob", bob.handle)
	require.NoError(t, err)

	bus.SetFilter(func(to string, m Message) bool { return m.Type != TypeICECandidate })
	require.NoError(t, bus.Send(context.Background(), "bob", NewCandidate("alice", "c1", ICECandidate{Candidate: "x"})))
	require.NoError(t, bus.Send(context.Background(), "bob", NewEndCall("alice", "c1")))

	got := bob.messages()
	require.Len(t, got, 1)
	assert.Equal(t, TypeEndCall, got[0].Type)
}

func TestBusCancelStopsDelivery(t *testing.T) {
	bus := NewBus()
	var bob collector
	cancel, err := bus.Subscribe("bob", bob.handle)
	require.NoError(t, err)
	cancel()
	cancel()

	require.NoError(t, bus.Send(context.Background(), "bob", NewEndCall("alice", "")))
	assert.Empty(t, bob.messages())
}

func TestBusClosed(t *testing.T) {
	bus := NewBus()
	require.NoError(t, bus.Close())
	assert.ErrorIs(t, bus.Send(context.Background(), "bob", NewEndCall("alice", "")), ErrClosed)
	_, err := bus.Subscribe("bob", func(Message) {})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestDedupeDropsRepeatedIDs(t *testing.T) {
	bus := NewBus()
	ch := Dedupe(bus, 16)
	var bob collector
	_, err := ch.Subscribe("bob", bob.handle)
	require.NoError(t, err)

	m := NewEndCall("alice", "c1")
	bus.Inject("bob", m)
	bus.Inject("bob", m)

	// Same ID from a different sender is a different message.
	other := m
	other.From = "carol"
	bus.Inject("bob", other)

	// No ID means no dedupe.
	bare := Message{Type: TypeDecline, From: "alice"}
	bus.Inject("bob", bare)
	bus.Inject("bob", bare)

	assert.Len(t, bob.messages(), 4)
}
