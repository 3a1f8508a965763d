// Package media adapts local capture devices (microphone, cameras) into
// webrtc local tracks. The engine talks to the Source interface; the
// platform-specific device implementation lives behind build tags.
package media

import (
	"context"
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"
)

var (
	// ErrPermissionDenied means the platform refused access to a device.
	ErrPermissionDenied = errors.New("media: permission denied")
	// ErrDeviceUnavailable means no usable device was found or capture is not
	// supported on this platform.
	ErrDeviceUnavailable = errors.New("media: device unavailable")
	// ErrNoVideo is returned by video operations on an audio-only stream.
	ErrNoVideo = errors.New("media: stream has no video")

	ErrStreamClosed = errors.New("media: stream closed")
)

// Facing identifies which camera a video capture should use.
type Facing string

const (
	FacingFront Facing = "front"
	FacingBack  Facing = "back"
)

func (f Facing) Flip() Facing {
	if f == FacingBack {
		return FacingFront
	}
	return FacingBack
}

// Source acquires local media. Acquire blocks until capture is ready or ctx
// is cancelled; a stream that finishes acquiring after cancellation is
// released before Acquire returns.
type Source interface {
	Acquire(ctx context.Context, video bool, facing Facing) (*Stream, error)
}

// videoAcquirer captures a replacement video track for a camera switch.
// The returned func stops the new capture.
type videoAcquirer func(ctx context.Context, facing Facing) (webrtc.TrackLocal, func(), error)

// Stream holds at most one audio and one video track from a single Acquire.
type Stream struct {
	mu     sync.Mutex
	audio  webrtc.TrackLocal
	video  webrtc.TrackLocal
	facing Facing

	stopAudio    func()
	stopVideo    func()
	acquireVideo videoAcquirer

	closed bool
}

// StreamOption configures optional Stream behavior.
type StreamOption func(*Stream)

// WithAudioStop registers the teardown for the audio track.
func WithAudioStop(stop func()) StreamOption {
	return func(s *Stream) { s.stopAudio = stop }
}

// WithVideoStop registers the teardown for the video track.
func WithVideoStop(stop func()) StreamOption {
	return func(s *Stream) { s.stopVideo = stop }
}

// WithVideoAcquirer enables SwitchCamera by supplying the capture hook used
// to open the other camera.
func WithVideoAcquirer(fn func(ctx context.Context, facing Facing) (webrtc.TrackLocal, func(), error)) StreamOption {
	return func(s *Stream) { s.acquireVideo = fn }
}

// NewStream builds a stream around already-captured tracks. video may be nil
// for audio-only streams.
func NewStream(audio, video webrtc.TrackLocal, facing Facing, opts ...StreamOption) *Stream {
	s := &Stream{audio: audio, video: video, facing: facing}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Stream) Audio() webrtc.TrackLocal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.audio
}

func (s *Stream) Video() webrtc.TrackLocal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.video
}

func (s *Stream) HasVideo() bool {
	return s.Video() != nil
}

func (s *Stream) Facing() Facing {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.facing
}

// ReplaceVideo swaps the video track in place, stopping the previous capture.
// The caller is responsible for pushing the new track into the sender.
func (s *Stream) ReplaceVideo(track webrtc.TrackLocal, stop func(), facing Facing) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		if stop != nil {
			stop()
		}
		return ErrStreamClosed
	}
	if s.stopVideo != nil {
		s.stopVideo()
	}
	s.video = track
	s.stopVideo = stop
	s.facing = facing
	return nil
}

// SwitchCamera opens the opposite camera, installs its track in place of the
// current one, and returns the new track so the caller can replace it on the
// RTP sender. The old capture stops only after the new one is up, so a failed
// switch leaves the current camera running.
func (s *Stream) SwitchCamera(ctx context.Context) (webrtc.TrackLocal, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrStreamClosed
	}
	if s.video == nil {
		s.mu.Unlock()
		return nil, ErrNoVideo
	}
	acquire := s.acquireVideo
	target := s.facing.Flip()
	s.mu.Unlock()

	if acquire == nil {
		return nil, ErrDeviceUnavailable
	}

	track, stop, err := acquire(ctx, target)
	if err != nil {
		return nil, err
	}
	if err := s.ReplaceVideo(track, stop, target); err != nil {
		return nil, err
	}
	return track, nil
}

// Close stops every capture. Idempotent.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.stopAudio != nil {
		s.stopAudio()
		s.stopAudio = nil
	}
	if s.stopVideo != nil {
		s.stopVideo()
		s.stopVideo = nil
	}
	return nil
}
