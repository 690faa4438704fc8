package app

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/petervdpas/goopcall/internal/call"
)

type canceller interface {
	Cancel(ctx context.Context) error
	Snapshot() call.Snapshot
}

// ringWatchdog cancels an outgoing call that is still not connected after
// timeout. It is a call.Observer.
type ringWatchdog struct {
	clk     clock.Clock
	timeout time.Duration
	calls   canceller

	mu     sync.Mutex
	timer  *clock.Timer
	callID string
}

func newRingWatchdog(clk clock.Clock, timeout time.Duration, calls canceller) *ringWatchdog {
	return &ringWatchdog{clk: clk, timeout: timeout, calls: calls}
}

func (d *ringWatchdog) OnTransition(_, to call.State, snap call.Snapshot) {
	switch to {
	case call.StateDialing:
		if snap.Direction == call.Outgoing {
			d.arm(snap.CallID)
		}
	case call.StateActive, call.StateTerminating:
		d.disarm()
	}
}

func (d *ringWatchdog) OnCallEnded(call.Record) { d.disarm() }

func (d *ringWatchdog) arm(callID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
	d.callID = callID
	d.timer = d.clk.AfterFunc(d.timeout, func() { d.fire(callID) })
}

func (d *ringWatchdog) disarm() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.callID = ""
}

func (d *ringWatchdog) fire(callID string) {
	d.mu.Lock()
	armed := d.callID == callID
	d.mu.Unlock()
	if !armed {
		return
	}
	snap := d.calls.Snapshot()
	if snap.CallID != callID || !snap.State.Live() || snap.State == call.StateActive {
		return
	}
	log.Infow("ring timeout, cancelling call", "call", callID, "peer", snap.Peer, "after", d.timeout)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.calls.Cancel(ctx); err != nil {
		log.Debugw("ring timeout cancel", "call", callID, "err", err)
	}
}
