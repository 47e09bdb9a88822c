package peer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

// Constraints describes the capture settings requested from a MediaSource.
type Constraints struct {
	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
	Width            int
	Height           int
	FrameRate        int
}

// DefaultConstraints matches what a lesson room asks for: a cleaned-up
// voice channel and 720p video.
func DefaultConstraints() Constraints {
	return Constraints{
		EchoCancellation: true,
		NoiseSuppression: true,
		AutoGainControl:  true,
		Width:            1280,
		Height:           720,
		FrameRate:        30,
	}
}

// MediaSource produces the local tracks published to every peer.
type MediaSource interface {
	Acquire(ctx context.Context, c Constraints) ([]*LocalTrack, error)
}

// SourceFunc adapts a function to MediaSource.
type SourceFunc func(ctx context.Context, c Constraints) ([]*LocalTrack, error)

func (f SourceFunc) Acquire(ctx context.Context, c Constraints) ([]*LocalTrack, error) {
	return f(ctx, c)
}

var errTrackStopped = errors.New("local track stopped")

// LocalTrack is a sample-fed outbound track with an enabled switch.
// Samples written while disabled are discarded, so muting needs no
// renegotiation.
type LocalTrack struct {
	track   *webrtc.TrackLocalStaticSample
	enabled atomic.Bool
	stopped atomic.Bool
	onStop  func()
}

// NewLocalTrack creates an Opus audio or VP8 video track.
func NewLocalTrack(kind webrtc.RTPCodecType, id, streamID string) (*LocalTrack, error) {
	var codec webrtc.RTPCodecCapability
	switch kind {
	case webrtc.RTPCodecTypeAudio:
		codec = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
	case webrtc.RTPCodecTypeVideo:
		codec = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
	default:
		return nil, errors.New("unsupported track kind")
	}
	tr, err := webrtc.NewTrackLocalStaticSample(codec, id, streamID)
	if err != nil {
		return nil, err
	}
	t := &LocalTrack{track: tr}
	t.enabled.Store(true)
	return t, nil
}

func (t *LocalTrack) ID() string                { return t.track.ID() }
func (t *LocalTrack) Kind() webrtc.RTPCodecType { return t.track.Kind() }
func (t *LocalTrack) Enabled() bool             { return t.enabled.Load() }
func (t *LocalTrack) SetEnabled(on bool)        { t.enabled.Store(on) }
func (t *LocalTrack) Stopped() bool             { return t.stopped.Load() }

// WriteSample forwards s to every bound peer connection.
func (t *LocalTrack) WriteSample(s media.Sample) error {
	if t.stopped.Load() {
		return errTrackStopped
	}
	if !t.enabled.Load() {
		return nil
	}
	return t.track.WriteSample(s)
}

// Stop ends the track.  It runs the source's cleanup once.
func (t *LocalTrack) Stop() {
	if t.stopped.CompareAndSwap(false, true) && t.onStop != nil {
		t.onStop()
	}
}

// opusSilence is a single 20ms Opus frame of silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// SyntheticSource generates a silent Opus track and, optionally, a VP8
// track with no frames.  It stands in for a capture device on servers and
// in tests.
type SyntheticSource struct {
	Video bool
}

func (s SyntheticSource) Acquire(ctx context.Context, _ Constraints) ([]*LocalTrack, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	stream := "synthetic-" + uuid.NewString()[:8]
	audio, err := NewLocalTrack(webrtc.RTPCodecTypeAudio, "audio", stream)
	if err != nil {
		return nil, err
	}

	stop := make(chan struct{})
	var once sync.Once
	audio.onStop = func() { once.Do(func() { close(stop) }) }
	go func() {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				_ = audio.WriteSample(media.Sample{Data: opusSilence, Duration: 20 * time.Millisecond})
			}
		}
	}()

	tracks := []*LocalTrack{audio}
	if s.Video {
		video, err := NewLocalTrack(webrtc.RTPCodecTypeVideo, "video", stream)
		if err != nil {
			audio.Stop()
			return nil, err
		}
		tracks = append(tracks, video)
	}
	return tracks, nil
}
