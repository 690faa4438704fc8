package call

import (
	"time"

	"github.com/benbjohnson/clock"
)

// durationTicker counts whole seconds of an active call. It is started on
// entering Active and stopped on the way to Terminated; ticks are posted
// to the manager loop tagged with the call id so a late tick for an ended
// call is dropped.
type durationTicker struct {
	t    *clock.Ticker
	stop chan struct{}
}

func startDurationTicker(clk clock.Clock, callID string, post func(event) bool) *durationTicker {
	dt := &durationTicker{t: clk.Ticker(time.Second), stop: make(chan struct{})}
	go func() {
		for {
			select {
			case <-dt.stop:
				return
			case <-dt.t.C:
				if !post(tickEvent{callID: callID}) {
					return
				}
			}
		}
	}()
	return dt
}

func (dt *durationTicker) Stop() {
	if dt == nil {
		return
	}
	dt.t.Stop()
	select {
	case <-dt.stop:
	default:
		close(dt.stop)
	}
}
