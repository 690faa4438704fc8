// Package metrics exports call engine counters to Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/petervdpas/goopcall/internal/call"
	"github.com/petervdpas/goopcall/internal/signal"
)

const namespace = "goopcall"

// Collector observes a call.Manager. It implements call.Observer and
// call.SignalObserver.
type Collector struct {
	started     *prometheus.CounterVec
	ended       *prometheus.CounterVec
	active      prometheus.Gauge
	duration    prometheus.Histogram
	transitions *prometheus.CounterVec
	signals     *prometheus.CounterVec
}

// New registers the call metrics on reg.
func New(reg prometheus.Registerer) *Collector {
	f := promauto.With(reg)
	return &Collector{
		started: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "call",
			Name:      "started_total",
			Help:      "Calls started, by direction.",
		}, []string{"direction"}),
		ended: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "call",
			Name:      "ended_total",
			Help:      "Calls ended, by direction and outcome.",
		}, []string{"direction", "outcome"}),
		active: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "call",
			Name:      "active",
			Help:      "1 while a call is connected.",
		}),
		duration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "call",
			Name:      "duration_seconds",
			Help:      "Connected time of ended calls.",
			Buckets:   []float64{5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		}),
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "call",
			Name:      "state_transitions_total",
			Help:      "State machine transitions.",
		}, []string{"from", "to"}),
		signals: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "signal",
			Name:      "messages_total",
			Help:      "Signaling messages, by direction (in|out) and type.",
		}, []string{"direction", "type"}),
	}
}

func (c *Collector) OnTransition(from, to call.State, snap call.Snapshot) {
	c.transitions.WithLabelValues(string(from), string(to)).Inc()
	if from == call.StateIdle {
		c.started.WithLabelValues(string(snap.Direction)).Inc()
	}
	switch {
	case to == call.StateActive:
		c.active.Inc()
	case from == call.StateActive:
		c.active.Dec()
	}
}

func (c *Collector) OnCallEnded(rec call.Record) {
	c.ended.WithLabelValues(string(rec.Direction), string(rec.Outcome)).Inc()
	if !rec.ConnectedAt.IsZero() {
		c.duration.Observe(float64(rec.DurationSeconds))
	}
}

func (c *Collector) OnSignal(outbound bool, t signal.Type) {
	dir := "in"
	if outbound {
		dir = "out"
	}
	c.signals.WithLabelValues(dir, string(t)).Inc()
}

// RegisterRelay exports the number of identities connected to srv.
func RegisterRelay(reg prometheus.Registerer, srv *signal.RelayServer) {
	promauto.With(reg).NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "relay",
		Name:      "identities",
		Help:      "Identities connected to the relay.",
	}, func() float64 { return float64(srv.Identities()) })
}
