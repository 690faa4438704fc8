package call

import "github.com/petervdpas/goopcall/internal/signal"

// event is anything the manager loop handles. Every input, whether a user
// action, an inbound message, a transport callback, a timer tick or the
// completion of async work, is one of the types below.
type event interface{}

type dialEvent struct {
	peer  string
	video bool
	reply chan error
}

type answerEvent struct{ reply chan error }

type declineEvent struct{ reply chan error }

type hangupEvent struct {
	cancelOnly bool
	reply      chan error
}

type toggleEvent struct {
	kind  TrackKind
	reply chan toggleResult
}

type toggleResult struct {
	on  bool
	err error
}

type signalEvent struct{ msg signal.Message }

type mediaReadyEvent struct {
	callID string
	media  LocalMedia
	err    error
}

type localCandidateEvent struct {
	callID string
	c      signal.ICECandidate
}

type remoteTrackEvent struct {
	callID string
	track  RemoteTrack
}

type connStateEvent struct {
	callID string
	state  ConnectionState
}

type tickEvent struct{ callID string }

type sendResultEvent struct {
	callID string
	typ    signal.Type
	err    error
}
