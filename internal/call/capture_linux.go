//go:build linux

package call

import (
	"context"
	"errors"
	"strings"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

// DeviceSource captures camera and microphone through pion/mediadevices
// (V4L2 + malgo) and encodes VP8/Opus.
type DeviceSource struct {
	selector *mediadevices.CodecSelector
}

func NewDeviceSource() (*DeviceSource, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vpxParams.BitRate = 1_500_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}
	return &DeviceSource{selector: mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)}, nil
}

// RegisterCodecs makes the session's media engine match the encoders.
func (d *DeviceSource) RegisterCodecs(m *webrtc.MediaEngine) error {
	d.selector.Populate(m)
	return nil
}

func (d *DeviceSource) Acquire(ctx context.Context, audio, video bool) (LocalMedia, error) {
	if err := ctx.Err(); err != nil {
		return nil, DeviceUnavailable(err)
	}
	devices := mediadevices.EnumerateDevices()
	if len(devices) == 0 {
		return nil, DeviceUnavailable(errors.New("no media devices found"))
	}
	for _, dev := range devices {
		log.Debugw("media device", "kind", dev.Kind, "label", dev.Label)
	}

	// GetUserMedia fails as a unit. A missing camera should not cost the
	// caller their microphone, so retry audio-only before giving up.
	type attempt struct {
		audio, video bool
		label        string
	}
	attempts := []attempt{{audio, video, "requested"}}
	if audio && video {
		attempts = append(attempts, attempt{true, false, "audio-only"})
	}

	var lastErr error
	for _, a := range attempts {
		stream, err := mediadevices.GetUserMedia(d.constraints(a.audio, a.video))
		if err != nil {
			log.Warnw("GetUserMedia failed", "attempt", a.label, "err", err)
			lastErr = err
			continue
		}
		set := &trackSet{}
		for _, tr := range stream.GetTracks() {
			tr.OnEnded(func(err error) {
				if err != nil {
					log.Warnw("local track ended", "id", tr.ID(), "err", err)
				}
			})
			set.tracks = append(set.tracks, newLocalTrack(tr, func() { _ = tr.Close() }))
		}
		log.Infow("local media captured", "attempt", a.label, "tracks", len(set.tracks))
		return set, nil
	}
	if lastErr != nil && strings.Contains(strings.ToLower(lastErr.Error()), "permission") {
		return nil, PermissionDenied(lastErr)
	}
	return nil, DeviceUnavailable(lastErr)
}

func (d *DeviceSource) constraints(audio, video bool) mediadevices.MediaStreamConstraints {
	c := mediadevices.MediaStreamConstraints{Codec: d.selector}
	if video {
		c.Video = func(tc *mediadevices.MediaTrackConstraints) {
			// Raw formats only: some cameras expose an MJPEG node whose
			// malformed frames break the VP8 encoder.
			tc.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			tc.Width = prop.IntRanged{Max: 640}
			tc.Height = prop.IntRanged{Max: 480}
		}
	}
	if audio {
		c.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
	}
	return c
}
