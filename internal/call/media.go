package call

import (
	"context"

	"github.com/petervdpas/goopcall/internal/signal"
)

type TrackKind string

const (
	TrackAudio TrackKind = "audio"
	TrackVideo TrackKind = "video"
)

// LocalTrack is one captured track. SetEnabled(false) mutes it without
// renegotiating.
type LocalTrack interface {
	ID() string
	Kind() TrackKind
	Enabled() bool
	SetEnabled(bool)
	Stop()
}

// LocalMedia is an acquired set of local tracks. Stop releases the devices
// behind every track and is safe to call more than once.
type LocalMedia interface {
	Tracks() []LocalTrack
	Stop()
}

// MediaSource acquires local capture. Failures must be built with
// PermissionDenied or DeviceUnavailable (or wrap the matching sentinel).
type MediaSource interface {
	Acquire(ctx context.Context, audio, video bool) (LocalMedia, error)
}

// RemoteTrack describes a track received from the peer. The call engine
// only keeps it for rendering.
type RemoteTrack struct {
	ID       string    `json:"id"`
	StreamID string    `json:"streamId"`
	Kind     TrackKind `json:"kind"`
}

// SignalingState mirrors RTCSignalingState.
type SignalingState string

const (
	SignalingStable             SignalingState = "stable"
	SignalingHaveLocalOffer     SignalingState = "have-local-offer"
	SignalingHaveRemoteOffer    SignalingState = "have-remote-offer"
	SignalingHaveLocalPranswer  SignalingState = "have-local-pranswer"
	SignalingHaveRemotePranswer SignalingState = "have-remote-pranswer"
	SignalingClosed             SignalingState = "closed"
)

// ConnectionState mirrors RTCPeerConnectionState.
type ConnectionState string

const (
	ConnectionNew          ConnectionState = "new"
	ConnectionConnecting   ConnectionState = "connecting"
	ConnectionConnected    ConnectionState = "connected"
	ConnectionDisconnected ConnectionState = "disconnected"
	ConnectionFailed       ConnectionState = "failed"
	ConnectionClosed       ConnectionState = "closed"
)

// SessionHooks receive transport events. They may fire from any goroutine,
// in any relative order, and must not block.
type SessionHooks struct {
	OnICECandidate    func(signal.ICECandidate)
	OnTrack           func(RemoteTrack)
	OnConnectionState func(ConnectionState)
}

// MediaSession wraps one negotiated transport session.
type MediaSession interface {
	// AttachLocal adds the local tracks. Call before CreateOffer or
	// CreateAnswer.
	AttachLocal(LocalMedia) error

	// CreateOffer generates and applies the local offer. Only once per
	// session.
	CreateOffer(wantsVideo bool) (signal.SessionDescription, error)

	// ApplyRemoteDescription is a no-op for an unchanged description and
	// returns a *NegotiationError if the session cannot take it now.
	ApplyRemoteDescription(signal.SessionDescription) error

	// CreateAnswer is only valid after a remote offer has been applied.
	CreateAnswer() (signal.SessionDescription, error)

	// AddICECandidate returns nil on a closed session.
	AddICECandidate(signal.ICECandidate) error

	SignalingState() SignalingState
	HasRemoteDescription() bool

	// Close is idempotent.
	Close() error
}

// SessionFactory creates a MediaSession per call attempt.
type SessionFactory interface {
	NewSession(hooks SessionHooks) (MediaSession, error)
}
