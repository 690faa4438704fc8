package call

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

// opusSilence is one 20ms Opus frame of digital silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

const silenceFrame = 20 * time.Millisecond

// SilentSource is a MediaSource without devices. Audio tracks carry Opus
// silence so the peer sees RTP and the call can reach Active; video tracks
// are negotiated but send nothing. Headless peers and tests use it.
type SilentSource struct{}

func (SilentSource) Acquire(ctx context.Context, audio, video bool) (LocalMedia, error) {
	if err := ctx.Err(); err != nil {
		return nil, DeviceUnavailable(err)
	}
	streamID := "goopcall-" + uuid.NewString()[:8]
	stop := make(chan struct{})
	var stopOnce sync.Once
	set := &trackSet{onStop: func() { stopOnce.Do(func() { close(stop) }) }}

	if audio {
		t, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
			"audio", streamID)
		if err != nil {
			return nil, DeviceUnavailable(err)
		}
		set.tracks = append(set.tracks, newLocalTrack(t, nil))
		go writeSilence(t, stop)
	}
	if video {
		t, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
			"video", streamID)
		if err != nil {
			set.Stop()
			return nil, DeviceUnavailable(err)
		}
		set.tracks = append(set.tracks, newLocalTrack(t, nil))
	}
	return set, nil
}

func writeSilence(t *webrtc.TrackLocalStaticSample, stop <-chan struct{}) {
	tick := time.NewTicker(silenceFrame)
	defer tick.Stop()
	for {
		select {
		case <-stop:
			return
		case <-tick.C:
			if err := t.WriteSample(media.Sample{Data: opusSilence, Duration: silenceFrame}); err != nil {
				return
			}
		}
	}
}
