package negotiation

import (
	"context"
	"sync"
	"time"

	"github.com/Wyydra/securecall/internal/core/domain"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

const (
	streamID      = "securecall"
	audioInterval = 20 * time.Millisecond
)

// opusSilence is a single 20ms Opus frame of silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// SyntheticMedia is a MediaSource without capture devices. The audio track
// plays silence; the video track is negotiated but carries no frames.
type SyntheticMedia struct {
	tracks []webrtc.TrackLocal
	audio  *webrtc.TrackLocalStaticSample

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// AcquireSynthetic is an AcquireFunc returning a SyntheticMedia.
func AcquireSynthetic(_ context.Context, kind domain.MediaKind) (MediaSource, error) {
	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio", streamID,
	)
	if err != nil {
		return nil, err
	}
	m := &SyntheticMedia{
		tracks: []webrtc.TrackLocal{audio},
		audio:  audio,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	if kind == domain.MediaVideo {
		video, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
			"video", streamID,
		)
		if err != nil {
			return nil, err
		}
		m.tracks = append(m.tracks, video)
	}
	go m.run()
	return m, nil
}

func (m *SyntheticMedia) Tracks() []webrtc.TrackLocal {
	return m.tracks
}

func (m *SyntheticMedia) run() {
	defer close(m.done)
	ticker := time.NewTicker(audioInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			// Unbound tracks drop samples silently.
			_ = m.audio.WriteSample(media.Sample{Data: opusSilence, Duration: audioInterval})
		}
	}
}

// Close stops the sample loop and waits for it.
func (m *SyntheticMedia) Close() error {
	m.once.Do(func() { close(m.stop) })
	<-m.done
	return nil
}
