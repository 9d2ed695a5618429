// Package audioerr defines the error kinds surfaced by the audio
// subsystem. Callers branch on these with errors.Is; raw backend and
// filesystem errors are always wrapped in one of them before they cross
// a package boundary.
package audioerr

import "errors"

// ErrDeviceUnavailable indicates the requested capture or playback
// device could not be opened.
var ErrDeviceUnavailable = errors.New("audio device unavailable")

// ErrSessionActive indicates a second session was started while one
// was already running.
var ErrSessionActive = errors.New("session already active")

// ErrUnsupportedFormat indicates a container holds audio the subsystem
// cannot play (non-PCM encoding, unsupported channel count or depth).
var ErrUnsupportedFormat = errors.New("unsupported audio format")

// ErrCorruptContainer indicates a container is structurally invalid.
var ErrCorruptContainer = errors.New("corrupt audio container")

// ErrTimeout indicates a watchdog fired before the underlying operation
// completed.
var ErrTimeout = errors.New("audio operation timed out")

// ErrIO indicates a filesystem failure while reading or writing a
// container.
var ErrIO = errors.New("audio file i/o failed")
