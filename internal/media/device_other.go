//go:build !linux

package media

import (
	"context"
	"fmt"
	"log/slog"
)

// DeviceSource is a stub on non-Linux platforms. Camera/mic capture via
// pion/mediadevices needs platform drivers (V4L2 and malgo on Linux); other
// platforms run receive-only.
type DeviceSource struct {
	logger *slog.Logger
}

func NewDeviceSource(logger *slog.Logger) (*DeviceSource, error) {
	if logger == nil {
		logger = slog.Default()
	}
	return &DeviceSource{logger: logger.With("component", "media")}, nil
}

func (d *DeviceSource) Acquire(_ context.Context, _ bool, _ Facing) (*Stream, error) {
	return nil, fmt.Errorf("%w: capture not supported on this platform", ErrDeviceUnavailable)
}
