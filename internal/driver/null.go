package driver

import (
	"fmt"

	"github.com/decred/slog"

	"github.com/btlink/btaudio/internal/audioerr"
)

func init() {
	register("null", newNullDriver)
}

// nullDriver is the backend used in cgo-less and noaudio builds. It
// enumerates no devices and refuses to open streams, so callers see a
// clean ErrDeviceUnavailable instead of a link failure.
type nullDriver struct{}

func newNullDriver(log slog.Logger) (Driver, error) {
	return nullDriver{}, nil
}

func (nullDriver) Name() string { return "null" }

func (nullDriver) Free() error { return nil }

func (nullDriver) Devices() (Devices, error) {
	return Devices{}, nil
}

func (nullDriver) InitCapture(cfg StreamConfig, cb DataProc) (Device, error) {
	return nil, fmt.Errorf("%w: audio disabled at compile time", audioerr.ErrDeviceUnavailable)
}

func (nullDriver) InitPlayback(cfg StreamConfig, cb DataProc) (Device, error) {
	return nil, fmt.Errorf("%w: audio disabled at compile time", audioerr.ErrDeviceUnavailable)
}
