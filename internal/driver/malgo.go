//go:build cgo && !noaudio

package driver

import (
	"fmt"

	"github.com/decred/slog"
	"github.com/gen2brain/malgo"

	"github.com/btlink/btaudio/internal/audioerr"
)

// rawFormat must match SampleSize.
var rawFormat = malgo.FormatS16

func init() {
	register("malgo", newMalgoDriver)
}

// malgoDriver implements Driver on top of the miniaudio bindings.
type malgoDriver struct {
	ctx *malgo.AllocatedContext
	log slog.Logger
}

func newMalgoDriver(log slog.Logger) (Driver, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(msg string) {
		log.Tracef("malgo: %s", msg)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: init malgo context: %v", audioerr.ErrDeviceUnavailable, err)
	}
	return &malgoDriver{ctx: ctx, log: log}, nil
}

func (d *malgoDriver) Name() string { return "malgo" }

func (d *malgoDriver) Free() error {
	if err := d.ctx.Uninit(); err != nil {
		return err
	}
	d.ctx.Free()
	return nil
}

// toMalgoDeviceID converts an opaque DeviceID back into malgo's binary
// device id.
func toMalgoDeviceID(id DeviceID) malgo.DeviceID {
	var res malgo.DeviceID
	copy(res[:], id)
	return res
}

var emptyMalgoDeviceID malgo.DeviceID

func (d *malgoDriver) listDevices(typ malgo.DeviceType) ([]DeviceInfo, error) {
	devices, err := d.ctx.Devices(typ)
	if err != nil {
		return nil, err
	}

	res := make([]DeviceInfo, 0, len(devices))
	seen := make(map[DeviceID]struct{}, len(devices))
	for _, dev := range devices {
		full, err := d.ctx.DeviceInfo(typ, dev.ID, malgo.Shared)
		if err != nil {
			d.log.Warnf("Unable to get audio device info: %v", err)
			continue
		}

		// Avoid duplicate device IDs.
		id := DeviceID(append([]byte(nil), full.ID[:]...))
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}

		res = append(res, DeviceInfo{
			ID:        id,
			Name:      full.Name(),
			IsDefault: full.IsDefault == 1,
			Native:    "miniaudio",
		})
	}
	return res, nil
}

func (d *malgoDriver) Devices() (Devices, error) {
	playback, err := d.listDevices(malgo.Playback)
	if err != nil {
		return Devices{}, fmt.Errorf("%w: list playback devices: %v", audioerr.ErrDeviceUnavailable, err)
	}
	capture, err := d.listDevices(malgo.Capture)
	if err != nil {
		return Devices{}, fmt.Errorf("%w: list capture devices: %v", audioerr.ErrDeviceUnavailable, err)
	}
	return Devices{Capture: capture, Playback: playback}, nil
}

func (d *malgoDriver) InitCapture(cfg StreamConfig, cb DataProc) (Device, error) {
	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.SampleRate = uint32(cfg.SampleRate)
	deviceConfig.PeriodSizeInMilliseconds = uint32(cfg.periodMS())
	if id := toMalgoDeviceID(cfg.DeviceID); id != emptyMalgoDeviceID {
		deviceConfig.Capture.DeviceID = id.Pointer()
	}
	deviceConfig.Capture.Format = rawFormat
	deviceConfig.Capture.Channels = uint32(cfg.Channels)
	deviceConfig.Alsa.NoMMap = 1

	dev, err := malgo.InitDevice(d.ctx.Context, deviceConfig, malgo.DeviceCallbacks{
		Data: malgo.DataProc(cb),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: init capture device: %v", audioerr.ErrDeviceUnavailable, err)
	}
	return dev, nil
}

func (d *malgoDriver) InitPlayback(cfg StreamConfig, cb DataProc) (Device, error) {
	deviceConfig := malgo.DefaultDeviceConfig(malgo.Playback)
	deviceConfig.SampleRate = uint32(cfg.SampleRate)
	deviceConfig.PeriodSizeInMilliseconds = uint32(cfg.periodMS())
	if id := toMalgoDeviceID(cfg.DeviceID); id != emptyMalgoDeviceID {
		deviceConfig.Playback.DeviceID = id.Pointer()
	}
	deviceConfig.Playback.Format = rawFormat
	deviceConfig.Playback.Channels = uint32(cfg.Channels)
	deviceConfig.Alsa.NoMMap = 1

	dev, err := malgo.InitDevice(d.ctx.Context, deviceConfig, malgo.DeviceCallbacks{
		Data: malgo.DataProc(cb),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: init playback device: %v", audioerr.ErrDeviceUnavailable, err)
	}
	return dev, nil
}
