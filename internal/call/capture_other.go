//go:build !linux

package call

import (
	"context"
	"errors"

	"github.com/pion/webrtc/v4"
)

// DeviceSource has no capture drivers outside Linux; use SilentSource or a
// browser front end there.
type DeviceSource struct{}

func NewDeviceSource() (*DeviceSource, error) { return &DeviceSource{}, nil }

func (d *DeviceSource) RegisterCodecs(m *webrtc.MediaEngine) error {
	return m.RegisterDefaultCodecs()
}

func (d *DeviceSource) Acquire(context.Context, bool, bool) (LocalMedia, error) {
	return nil, DeviceUnavailable(errors.New("device capture is only supported on linux"))
}
