//go:build linux

package media

import (
	"context"
	"fmt"
	"log/slog"
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

const videoBitrate = 1_500_000

// DeviceSource captures camera and microphone via pion/mediadevices
// (V4L2 + malgo).
type DeviceSource struct {
	logger   *slog.Logger
	selector *mediadevices.CodecSelector
}

func NewDeviceSource(logger *slog.Logger) (*DeviceSource, error) {
	if logger == nil {
		logger = slog.Default()
	}

	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("vp8 params: %w", err)
	}
	vpxParams.BitRate = videoBitrate

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("opus params: %w", err)
	}

	return &DeviceSource{
		logger: logger.With("component", "media"),
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
	}, nil
}

type acquireResult struct {
	stream mediadevices.MediaStream
	err    error
}

// Acquire opens the microphone and, when video is requested, the camera for
// the given facing. GetUserMedia itself is not cancellable, so it runs on a
// helper goroutine; when ctx wins the race the late stream is stopped before
// returning.
func (d *DeviceSource) Acquire(ctx context.Context, video bool, facing Facing) (*Stream, error) {
	constraints := mediadevices.MediaStreamConstraints{
		Codec: d.selector,
		Audio: func(_ *mediadevices.MediaTrackConstraints) {},
	}
	if video {
		deviceID := d.cameraForFacing(facing)
		constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
			videoConstraints(c, deviceID)
		}
	}

	stream, err := d.getUserMedia(ctx, constraints)
	if err != nil {
		return nil, err
	}

	var (
		audioTrack, videoTrack webrtc.TrackLocal
		stopAudio, stopVideo   func()
	)
	for _, track := range stream.GetTracks() {
		track := track
		track.OnEnded(func(err error) {
			if err != nil {
				d.logger.Warn("local track ended", "kind", track.Kind(), "err", err)
			}
		})
		switch track.Kind() {
		case webrtc.RTPCodecTypeAudio:
			audioTrack = track
			stopAudio = func() { _ = track.Close() }
		case webrtc.RTPCodecTypeVideo:
			videoTrack = track
			stopVideo = func() { _ = track.Close() }
		}
	}

	if video && videoTrack == nil {
		if stopAudio != nil {
			stopAudio()
		}
		return nil, fmt.Errorf("%w: camera produced no track", ErrDeviceUnavailable)
	}

	opts := []StreamOption{WithVideoAcquirer(d.acquireVideoTrack)}
	if stopAudio != nil {
		opts = append(opts, WithAudioStop(stopAudio))
	}
	if stopVideo != nil {
		opts = append(opts, WithVideoStop(stopVideo))
	}
	d.logger.Info("local media captured", "video", videoTrack != nil, "facing", facing)
	return NewStream(audioTrack, videoTrack, facing, opts...), nil
}

// acquireVideoTrack opens just a camera, used by Stream.SwitchCamera.
func (d *DeviceSource) acquireVideoTrack(ctx context.Context, facing Facing) (webrtc.TrackLocal, func(), error) {
	deviceID := d.cameraForFacing(facing)
	stream, err := d.getUserMedia(ctx, mediadevices.MediaStreamConstraints{
		Codec: d.selector,
		Video: func(c *mediadevices.MediaTrackConstraints) {
			videoConstraints(c, deviceID)
		},
	})
	if err != nil {
		return nil, nil, err
	}

	tracks := stream.GetVideoTracks()
	if len(tracks) == 0 {
		return nil, nil, fmt.Errorf("%w: camera produced no track", ErrDeviceUnavailable)
	}
	track := tracks[0]
	return track, func() { _ = track.Close() }, nil
}

func (d *DeviceSource) getUserMedia(ctx context.Context, constraints mediadevices.MediaStreamConstraints) (mediadevices.MediaStream, error) {
	done := make(chan acquireResult, 1)
	go func() {
		stream, err := mediadevices.GetUserMedia(constraints)
		done <- acquireResult{stream: stream, err: err}
	}()

	select {
	case <-ctx.Done():
		go func() {
			if res := <-done; res.stream != nil {
				for _, t := range res.stream.GetTracks() {
					_ = t.Close()
				}
			}
		}()
		return nil, ctx.Err()
	case res := <-done:
		if res.err != nil {
			return nil, classifyCaptureError(res.err)
		}
		return res.stream, nil
	}
}

// cameraForFacing maps facing onto the enumerated V4L2 cameras. Desktops
// rarely report facing, so front is the first camera and back is the second
// when one exists.
func (d *DeviceSource) cameraForFacing(facing Facing) string {
	var cameras []mediadevices.MediaDeviceInfo
	for _, dev := range mediadevices.EnumerateDevices() {
		if dev.Kind == mediadevices.VideoInput {
			cameras = append(cameras, dev)
		}
	}
	if len(cameras) == 0 {
		return ""
	}
	if facing == FacingBack && len(cameras) > 1 {
		return cameras[1].DeviceID
	}
	return cameras[0].DeviceID
}

// videoConstraints applies the capture limits that keep the VP8 encoder
// healthy. MJPEG camera nodes can emit malformed JPEG frames that poison the
// encoder, so only raw formats are allowed, and resolution is capped to keep
// encoding latency down.
func videoConstraints(c *mediadevices.MediaTrackConstraints, deviceID string) {
	if deviceID != "" {
		c.DeviceID = prop.String(deviceID)
	}
	c.FrameFormat = prop.FrameFormatOneOf{
		frame.FormatYUYV,
		frame.FormatI420,
		frame.FormatI444,
		frame.FormatRGBA,
	}
	c.Width = prop.IntRanged{Max: 640}
	c.Height = prop.IntRanged{Max: 480}
}

func classifyCaptureError(err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "permission denied") || strings.Contains(msg, "operation not permitted") {
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	}
	return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
}
