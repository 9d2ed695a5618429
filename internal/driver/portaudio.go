//go:build cgo && !noaudio

package driver

import (
	"fmt"
	"strconv"

	"github.com/decred/slog"
	"github.com/gordonklaus/portaudio"

	"github.com/btlink/btaudio/internal/audioerr"
)

func init() {
	register("portaudio", newPortAudioDriver)
}

// portAudioDriver implements Driver on top of PortAudio. Device IDs are
// the decimal PortAudio device indexes.
type portAudioDriver struct {
	log slog.Logger
}

func newPortAudioDriver(log slog.Logger) (Driver, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("%w: initialize portaudio: %v", audioerr.ErrDeviceUnavailable, err)
	}
	return &portAudioDriver{log: log}, nil
}

func (d *portAudioDriver) Name() string { return "portaudio" }

func (d *portAudioDriver) Free() error {
	if err := portaudio.Terminate(); err != nil {
		return fmt.Errorf("terminate portaudio: %w", err)
	}
	return nil
}

func (d *portAudioDriver) Devices() (Devices, error) {
	devices, err := portaudio.Devices()
	if err != nil {
		return Devices{}, fmt.Errorf("%w: list devices: %v", audioerr.ErrDeviceUnavailable, err)
	}

	defaultIn, err := portaudio.DefaultInputDevice()
	if err != nil {
		defaultIn = nil
	}
	defaultOut, err := portaudio.DefaultOutputDevice()
	if err != nil {
		defaultOut = nil
	}

	var res Devices
	for i, dev := range devices {
		info := DeviceInfo{
			ID:   DeviceID(strconv.Itoa(i)),
			Name: dev.Name,
		}
		if dev.HostApi != nil {
			info.Native = dev.HostApi.Name
		}
		if dev.MaxInputChannels > 0 {
			info.IsDefault = defaultIn != nil && dev.Name == defaultIn.Name
			res.Capture = append(res.Capture, info)
		}
		if dev.MaxOutputChannels > 0 {
			info.IsDefault = defaultOut != nil && dev.Name == defaultOut.Name
			res.Playback = append(res.Playback, info)
		}
	}
	return res, nil
}

// resolveDevice maps a DeviceID to a PortAudio device, using the system
// default when the ID is empty.
func (d *portAudioDriver) resolveDevice(id DeviceID, capture bool) (*portaudio.DeviceInfo, error) {
	if id == "" {
		if capture {
			return portaudio.DefaultInputDevice()
		}
		return portaudio.DefaultOutputDevice()
	}

	idx, err := strconv.Atoi(string(id))
	if err != nil {
		return nil, fmt.Errorf("invalid device ID %q", id)
	}
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, err
	}
	if idx < 0 || idx >= len(devices) {
		return nil, fmt.Errorf("device index %d out of range", idx)
	}
	return devices[idx], nil
}

// paStream adapts *portaudio.Stream to the Device interface.
type paStream struct {
	stream *portaudio.Stream
	log    slog.Logger
}

func (s *paStream) Start() error { return s.stream.Start() }
func (s *paStream) Stop() error  { return s.stream.Stop() }
func (s *paStream) Uninit() {
	if err := s.stream.Close(); err != nil {
		s.log.Warnf("Closing portaudio stream: %v", err)
	}
}

func (d *portAudioDriver) InitCapture(cfg StreamConfig, cb DataProc) (Device, error) {
	dev, err := d.resolveDevice(cfg.DeviceID, true)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve capture device: %v", audioerr.ErrDeviceUnavailable, err)
	}
	if dev.MaxInputChannels < cfg.Channels {
		return nil, fmt.Errorf("%w: device %q has %d input channels, want %d",
			audioerr.ErrDeviceUnavailable, dev.Name, dev.MaxInputChannels, cfg.Channels)
	}

	framesPerBuffer := cfg.SampleRate * cfg.periodMS() / 1000
	byteBuf := make([]byte, 0, framesPerBuffer*cfg.Channels*SampleSize)

	params := portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   dev,
			Channels: cfg.Channels,
			Latency:  dev.DefaultHighInputLatency,
		},
		SampleRate:      float64(cfg.SampleRate),
		FramesPerBuffer: framesPerBuffer,
	}

	stream, err := portaudio.OpenStream(params, func(in []int16) {
		need := len(in) * SampleSize
		if cap(byteBuf) < need {
			byteBuf = make([]byte, 0, need)
		}
		byteBuf = byteBuf[:need]
		for i, sample := range in {
			byteBuf[i*2] = byte(sample)
			byteBuf[i*2+1] = byte(sample >> 8)
		}
		cb(nil, byteBuf, uint32(len(in)/cfg.Channels))
	})
	if err != nil {
		return nil, fmt.Errorf("%w: open capture stream: %v", audioerr.ErrDeviceUnavailable, err)
	}
	return &paStream{stream: stream, log: d.log}, nil
}

func (d *portAudioDriver) InitPlayback(cfg StreamConfig, cb DataProc) (Device, error) {
	dev, err := d.resolveDevice(cfg.DeviceID, false)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve playback device: %v", audioerr.ErrDeviceUnavailable, err)
	}
	if dev.MaxOutputChannels < cfg.Channels {
		return nil, fmt.Errorf("%w: device %q has %d output channels, want %d",
			audioerr.ErrDeviceUnavailable, dev.Name, dev.MaxOutputChannels, cfg.Channels)
	}

	framesPerBuffer := cfg.SampleRate * cfg.periodMS() / 1000
	byteBuf := make([]byte, framesPerBuffer*cfg.Channels*SampleSize)

	params := portaudio.StreamParameters{
		Output: portaudio.StreamDeviceParameters{
			Device:   dev,
			Channels: cfg.Channels,
			Latency:  dev.DefaultHighOutputLatency,
		},
		SampleRate:      float64(cfg.SampleRate),
		FramesPerBuffer: framesPerBuffer,
	}

	stream, err := portaudio.OpenStream(params, func(out []int16) {
		need := len(out) * SampleSize
		if cap(byteBuf) < need {
			byteBuf = make([]byte, need)
		}
		buf := byteBuf[:need]
		for i := range buf {
			buf[i] = 0
		}
		cb(buf, nil, uint32(len(out)/cfg.Channels))
		for i := range out {
			out[i] = int16(buf[i*2]) | int16(buf[i*2+1])<<8
		}
	})
	if err != nil {
		return nil, fmt.Errorf("%w: open playback stream: %v", audioerr.ErrDeviceUnavailable, err)
	}
	return &paStream{stream: stream, log: d.log}, nil
}
