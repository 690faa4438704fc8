// Package call negotiates one-to-one audio/video calls over a signal.Channel.
//
// A Manager owns at most one live call per identity. All call state is
// mutated on a single event loop; media acquisition and network sends run
// off-loop and re-enter it as events.
package call

import "time"

// State is a call lifecycle state.
type State string

const (
	StateIdle          State = "idle"
	StateDialing       State = "dialing"
	StateRingingRemote State = "ringing-remote"
	StateRingingLocal  State = "ringing-local"
	StateConnecting    State = "connecting"
	StateActive        State = "active"
	StateTerminating   State = "terminating"
	StateTerminated    State = "terminated"
)

// Live reports whether s belongs to a call that is still in progress.
func (s State) Live() bool {
	switch s {
	case StateIdle, StateTerminated:
		return false
	}
	return true
}

type Direction string

const (
	Outgoing Direction = "outgoing"
	Incoming Direction = "incoming"
)

type MediaKind string

const (
	AudioOnly  MediaKind = "audio"
	AudioVideo MediaKind = "video"
)

// KindFor maps a "wants video" flag to a MediaKind.
func KindFor(video bool) MediaKind {
	if video {
		return AudioVideo
	}
	return AudioOnly
}

func (k MediaKind) Video() bool { return k == AudioVideo }

// Outcome says how a call ended.
type Outcome string

const (
	OutcomeCompleted    Outcome = "completed"     // we hung up an active call
	OutcomeRemoteHangup Outcome = "remote-hangup" // peer ended the call
	OutcomeDeclined     Outcome = "declined"      // peer declined our call
	OutcomeRejected     Outcome = "rejected"      // we declined an incoming call
	OutcomeCancelled    Outcome = "cancelled"     // we gave up before connecting
	OutcomeMissed       Outcome = "missed"        // caller hung up while we were ringing
	OutcomeFailed       Outcome = "failed"
)

// Snapshot is the observable projection of the current call. When no call
// is live, State is idle and Outcome/Error describe the last one.
type Snapshot struct {
	CallID          string    `json:"callId,omitempty"`
	Direction       Direction `json:"direction,omitempty"`
	Peer            string    `json:"peer,omitempty"`
	State           State     `json:"state"`
	MediaKind       MediaKind `json:"mediaKind,omitempty"`
	Muted           bool      `json:"muted"`
	VideoEnabled    bool      `json:"videoEnabled"`
	DurationSeconds int       `json:"durationSeconds"`
	StartedAt       time.Time `json:"startedAt,omitzero"`
	ConnectedAt     time.Time `json:"connectedAt,omitzero"`
	Outcome         Outcome   `json:"outcome,omitempty"`
	Error           string    `json:"error,omitempty"`

	Local  LocalMedia    `json:"-"`
	Remote []RemoteTrack `json:"-"`
}

// IncomingCall is announced while a call is ringing locally.
type IncomingCall struct {
	CallID    string    `json:"callId"`
	From      string    `json:"from"`
	MediaKind MediaKind `json:"mediaKind"`
}

// Record summarises an ended call.
type Record struct {
	CallID          string    `json:"callId"`
	Peer            string    `json:"peer"`
	Direction       Direction `json:"direction"`
	MediaKind       MediaKind `json:"mediaKind"`
	Outcome         Outcome   `json:"outcome"`
	Error           string    `json:"error,omitempty"`
	StartedAt       time.Time `json:"startedAt"`
	ConnectedAt     time.Time `json:"connectedAt,omitzero"`
	EndedAt         time.Time `json:"endedAt"`
	DurationSeconds int       `json:"durationSeconds"`
}

// Transition is one entry of the manager's debug ring.
type Transition struct {
	At     time.Time `json:"at"`
	CallID string    `json:"callId"`
	From   State     `json:"from"`
	To     State     `json:"to"`
	Event  string    `json:"event"`
}

// Observer is notified from the manager loop. Implementations must not
// block and must not call back into the Manager synchronously.
type Observer interface {
	OnTransition(from, to State, snap Snapshot)
	OnCallEnded(rec Record)
}
