// Package driver abstracts the audio backends behind a small interface
// so the rest of the subsystem can treat device I/O as a synchronous
// state machine with a single asynchronous boundary: the data callback
// invoked from the backend's own thread.
//
// Two real backends are provided (malgo and portaudio, both cgo) plus a
// null backend for cgo-less and noaudio builds.
package driver

import (
	"fmt"
	"sort"
	"sync"

	"github.com/decred/slog"

	"github.com/btlink/btaudio/internal/audioerr"
)

// SampleSize is the size in bytes of one sample. All backends exchange
// interleaved signed 16-bit little-endian PCM.
const SampleSize = 2

// DefaultPeriodMS is the capture/playback period used when a
// StreamConfig does not specify one.
const DefaultPeriodMS = 20

// DeviceID is an opaque backend-specific device identifier. Empty means
// the system default device.
type DeviceID string

// DataProc is invoked by the backend for every period. For capture
// streams in holds the recorded PCM bytes; for playback streams the
// callback must fill out. frames is the period length in frames.
type DataProc func(out, in []byte, frames uint32)

// DeviceInfo describes one physical device as reported by a backend.
type DeviceInfo struct {
	ID        DeviceID
	Name      string
	IsDefault bool
	// Native carries the backend's raw device-type or host-API label
	// for diagnostics and route classification.
	Native string
}

// Devices holds the device lists of both directions.
type Devices struct {
	Capture  []DeviceInfo
	Playback []DeviceInfo
}

// StreamConfig describes the format of a capture or playback stream.
type StreamConfig struct {
	DeviceID   DeviceID
	SampleRate int
	Channels   int
	PeriodMS   int
}

func (c StreamConfig) periodMS() int {
	if c.PeriodMS <= 0 {
		return DefaultPeriodMS
	}
	return c.PeriodMS
}

// Device is a running or stopped stream on one physical device.
type Device interface {
	Start() error
	Stop() error
	Uninit()
}

// Driver is one audio backend.
type Driver interface {
	Name() string
	Devices() (Devices, error)
	InitCapture(cfg StreamConfig, cb DataProc) (Device, error)
	InitPlayback(cfg StreamConfig, cb DataProc) (Device, error)
	Free() error
}

var (
	registryMtx sync.Mutex
	registry    = make(map[string]func(log slog.Logger) (Driver, error))
)

// defaultOrder is the preference order used by Default.
var defaultOrder = []string{"malgo", "portaudio", "null"}

func register(name string, fn func(log slog.Logger) (Driver, error)) {
	registryMtx.Lock()
	registry[name] = fn
	registryMtx.Unlock()
}

// Names returns the names of the compiled-in backends.
func Names() []string {
	registryMtx.Lock()
	defer registryMtx.Unlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Open initializes the named backend.
func Open(name string, log slog.Logger) (Driver, error) {
	if log == nil {
		log = slog.Disabled
	}
	registryMtx.Lock()
	fn := registry[name]
	registryMtx.Unlock()
	if fn == nil {
		return nil, fmt.Errorf("%w: unknown audio backend %q (have %v)",
			audioerr.ErrDeviceUnavailable, name, Names())
	}
	return fn(log)
}

// Default initializes the preferred compiled-in backend.
func Default(log slog.Logger) (Driver, error) {
	for _, name := range defaultOrder {
		registryMtx.Lock()
		fn := registry[name]
		registryMtx.Unlock()
		if fn == nil {
			continue
		}
		return fn(log)
	}
	return nil, fmt.Errorf("%w: no audio backend compiled in", audioerr.ErrDeviceUnavailable)
}
