package call

import (
	"context"
	"time"

	"github.com/petervdpas/goopcall/internal/signal"
)

// callSession is one call attempt. It is owned by the manager loop and
// never touched from any other goroutine.
type callSession struct {
	id        string
	direction Direction
	peer      string
	kind      MediaKind
	fsm       *machine

	media       LocalMedia
	sess        MediaSession
	remoteOffer *signal.SessionDescription
	candidates  *candidateQueue
	remote      []RemoteTrack
	earlyTracks []RemoteTrack

	muted    bool
	videoOff bool

	// advertised is set once the peer may know about this call, so
	// teardown has to tell it.
	advertised bool

	startedAt   time.Time
	connectedAt time.Time
	seconds     int
	ticker      *durationTicker

	ctx    context.Context
	cancel context.CancelFunc

	released bool
	outcome  Outcome
	err      error
}

func (cs *callSession) state() State { return cs.fsm.current() }

// release stops local media and closes the transport, once.
func (cs *callSession) release() {
	if cs.released {
		return
	}
	cs.released = true
	cs.ticker.Stop()
	cs.cancel()
	if cs.media != nil {
		cs.media.Stop()
	}
	if cs.sess != nil {
		if err := cs.sess.Close(); err != nil {
			log.Debugw("session close", "call", cs.id, "err", err)
		}
	}
}

// matches reports whether msg belongs to this call.
func (cs *callSession) matches(msg signal.Message) bool {
	if msg.From != cs.peer {
		return false
	}
	return msg.CallID == "" || msg.CallID == cs.id
}

func (cs *callSession) setTrackState(kind TrackKind, enabled bool) {
	if cs.media == nil {
		return
	}
	for _, t := range cs.media.Tracks() {
		if t.Kind() == kind {
			t.SetEnabled(enabled)
		}
	}
}

func (cs *callSession) hasTrack(kind TrackKind) bool {
	if cs.media == nil {
		return false
	}
	for _, t := range cs.media.Tracks() {
		if t.Kind() == kind {
			return true
		}
	}
	return false
}
