package call

import (
	"errors"
	"fmt"

	"github.com/petervdpas/goopcall/internal/signal"
)

var (
	ErrSelfCall     = errors.New("call: cannot call yourself")
	ErrInvalidPeer  = errors.New("call: invalid peer identity")
	ErrBusy         = errors.New("call: another call is in progress")
	ErrNoCall       = errors.New("call: no call in progress")
	ErrInvalidState = errors.New("call: operation not valid in current state")
	ErrClosed       = errors.New("call: manager closed")

	// ErrStaleSession marks a signal for a call that no longer exists.
	// It is only ever logged.
	ErrStaleSession = errors.New("call: stale session signal")

	ErrPermissionDenied  = errors.New("permission denied")
	ErrDeviceUnavailable = errors.New("device unavailable")
)

// MediaAcquisitionError is fatal for the call attempt that hit it.
type MediaAcquisitionError struct {
	Reason string // "permission-denied" | "device-unavailable"
	Err    error
}

func (e *MediaAcquisitionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("media acquisition failed (%s): %v", e.Reason, e.Err)
	}
	return "media acquisition failed (" + e.Reason + ")"
}

func (e *MediaAcquisitionError) Unwrap() error { return e.Err }

// asMediaError normalises whatever a MediaSource returned.
func asMediaError(err error) *MediaAcquisitionError {
	var me *MediaAcquisitionError
	if errors.As(err, &me) {
		return me
	}
	if errors.Is(err, ErrPermissionDenied) {
		return &MediaAcquisitionError{Reason: "permission-denied", Err: err}
	}
	return &MediaAcquisitionError{Reason: "device-unavailable", Err: err}
}

// PermissionDenied builds the error a MediaSource returns when the user or
// platform refuses access.
func PermissionDenied(detail error) error {
	return &MediaAcquisitionError{Reason: "permission-denied", Err: wrapDetail(ErrPermissionDenied, detail)}
}

// DeviceUnavailable builds the error a MediaSource returns when no usable
// device exists or it is busy.
func DeviceUnavailable(detail error) error {
	return &MediaAcquisitionError{Reason: "device-unavailable", Err: wrapDetail(ErrDeviceUnavailable, detail)}
}

func wrapDetail(sentinel, detail error) error {
	if detail == nil {
		return sentinel
	}
	return fmt.Errorf("%w: %v", sentinel, detail)
}

// NegotiationError is returned by a MediaSession that rejects an operation
// in its current signaling state.
type NegotiationError struct {
	Op  string
	Err error
}

func (e *NegotiationError) Error() string {
	return "negotiation: " + e.Op + ": " + e.Err.Error()
}

func (e *NegotiationError) Unwrap() error { return e.Err }

// SignalDeliveryError reports that the initial offer or answer could not be
// handed to the signal channel.
type SignalDeliveryError struct {
	Type signal.Type
	Err  error
}

func (e *SignalDeliveryError) Error() string {
	return fmt.Sprintf("send %s: %v", e.Type, e.Err)
}

func (e *SignalDeliveryError) Unwrap() error { return e.Err }
