package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/goopcall/internal/call"
	"github.com/petervdpas/goopcall/internal/signal"
)

func TestCollectorFollowsCall(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New(reg)
	var _ call.Observer = c
	var _ call.SignalObserver = c

	snap := call.Snapshot{Direction: call.Outgoing}
	path := []call.State{
		call.StateIdle, call.StateDialing, call.StateRingingRemote, call.StateConnecting,
		call.StateActive, call.StateTerminating, call.StateTerminated,
	}
	for i := 1; i < len(path); i++ {
		c.OnTransition(path[i-1], path[i], snap)
		if path[i] == call.StateActive {
			assert.Equal(t, 1.0, testutil.ToFloat64(c.active))
		}
	}
	now := time.Now()
	c.OnCallEnded(call.Record{
		Direction: call.Outgoing, Outcome: call.OutcomeCompleted,
		ConnectedAt: now.Add(-42 * time.Second), EndedAt: now, DurationSeconds: 42,
	})

	assert.Equal(t, 1.0, testutil.ToFloat64(c.started.WithLabelValues("outgoing")))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.active))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.ended.WithLabelValues("outgoing", "completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.transitions.WithLabelValues("connecting", "active")))
	assert.Equal(t, 1, testutil.CollectAndCount(c.duration))
}

func TestCollectorCountsSignals(t *testing.T) {
	c := New(prometheus.NewRegistry())
	c.OnSignal(true, signal.TypeOffer)
	c.OnSignal(false, signal.TypeICECandidate)
	c.OnSignal(false, signal.TypeICECandidate)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.signals.WithLabelValues("out", "offer")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.signals.WithLabelValues("in", string(signal.TypeICECandidate))))
}

func TestRegisterRelay(t *testing.T) {
	reg := prometheus.NewRegistry()
	RegisterRelay(reg, signal.NewRelayServer())
	n, err := testutil.GatherAndCount(reg, "goopcall_relay_identities")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
