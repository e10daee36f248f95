package webrtcpeer

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

const (
	KindAudio = "audio"
	KindVideo = "video"
)

// ErrPermissionDenied is returned by a MediaSource when the user or platform
// refuses access to capture devices.
var ErrPermissionDenied = errors.New("media permission denied")

type MediaConstraints struct {
	Audio bool
	Video bool
}

// LocalTrack is one captured track. A disabled track stays attached to the
// peer connection and sends nothing, so toggling never renegotiates.
type LocalTrack interface {
	Kind() string
	Enabled() bool
	SetEnabled(on bool)
	TrackLocal() webrtc.TrackLocal
}

// MediaSource acquires local capture tracks.
type MediaSource interface {
	Acquire(ctx context.Context, c MediaConstraints) (*LocalStream, error)
}

// LocalStream groups the tracks of one acquisition and releases them together.
type LocalStream struct {
	tracks []LocalTrack
	stop   func()
	once   sync.Once
}

func NewLocalStream(tracks []LocalTrack, stop func()) *LocalStream {
	return &LocalStream{tracks: tracks, stop: stop}
}

func (s *LocalStream) Tracks() []LocalTrack {
	return append([]LocalTrack(nil), s.tracks...)
}

// SetEnabled toggles every track of kind and reports how many there were.
func (s *LocalStream) SetEnabled(kind string, on bool) int {
	n := 0
	for _, t := range s.tracks {
		if t.Kind() == kind {
			t.SetEnabled(on)
			n++
		}
	}
	return n
}

// Close releases the capture. Safe to call more than once.
func (s *LocalStream) Close() {
	s.once.Do(func() {
		if s.stop != nil {
			s.stop()
		}
	})
}

// SyntheticSource produces placeholder Opus and VP8 streams for headless
// peers. Frames carry no real media; they keep RTP flowing so the remote side
// sees live tracks.
type SyntheticSource struct{}

func (SyntheticSource) Acquire(ctx context.Context, c MediaConstraints) (*LocalStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	streamID := "peerlink-" + uuid.NewString()
	var tracks []*sampleTrack
	if c.Audio {
		t, err := newSampleTrack(KindAudio, streamID,
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
			// Opus DTX silence frame.
			[]byte{0xf8, 0xff, 0xfe}, 20*time.Millisecond)
		if err != nil {
			return nil, err
		}
		tracks = append(tracks, t)
	}
	if c.Video {
		t, err := newSampleTrack(KindVideo, streamID,
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
			make([]byte, 64), 33*time.Millisecond)
		if err != nil {
			return nil, err
		}
		tracks = append(tracks, t)
	}

	pumpCtx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	out := make([]LocalTrack, 0, len(tracks))
	for _, t := range tracks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			t.pump(pumpCtx)
		}()
		out = append(out, t)
	}
	return NewLocalStream(out, func() {
		cancel()
		wg.Wait()
	}), nil
}

type sampleTrack struct {
	kind     string
	track    *webrtc.TrackLocalStaticSample
	frame    []byte
	interval time.Duration
	enabled  atomic.Bool
	written  atomic.Uint64
}

func newSampleTrack(kind, streamID string, codec webrtc.RTPCodecCapability, frame []byte, interval time.Duration) (*sampleTrack, error) {
	track, err := webrtc.NewTrackLocalStaticSample(codec, kind, streamID)
	if err != nil {
		return nil, err
	}
	t := &sampleTrack{kind: kind, track: track, frame: frame, interval: interval}
	t.enabled.Store(true)
	return t, nil
}

func (t *sampleTrack) Kind() string                  { return t.kind }
func (t *sampleTrack) Enabled() bool                 { return t.enabled.Load() }
func (t *sampleTrack) SetEnabled(on bool)            { t.enabled.Store(on) }
func (t *sampleTrack) TrackLocal() webrtc.TrackLocal { return t.track }

func (t *sampleTrack) pump(ctx context.Context) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if !t.enabled.Load() {
			continue
		}
		// WriteSample is a no-op until the track is bound to a sender.
		if err := t.track.WriteSample(media.Sample{Data: t.frame, Duration: t.interval}); err == nil {
			t.written.Add(1)
		}
	}
}
