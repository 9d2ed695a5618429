package route

import (
	"context"
	"fmt"

	"github.com/decred/slog"

	"github.com/btlink/btaudio/internal/audioerr"
)

// HandsFreeState describes the Bluetooth voice link. Available means a
// hands-free capable device is connected; Active means the voice link
// itself (the SCO-equivalent channel) is currently engaged. A connected
// media-only (A2DP) output does not make the link available.
type HandsFreeState struct {
	Available bool
	Active    bool
}

// HandsFree observes and controls the Bluetooth hands-free link. The
// session coordinator is the sole caller of Engage and Release.
type HandsFree interface {
	// State queries the current link state.
	State(ctx context.Context) (HandsFreeState, error)

	// Engage switches the connected hands-free device onto the voice
	// link, enabling simultaneous microphone capture and playback.
	Engage(ctx context.Context) error

	// Release returns the device to its default (media) audio mode.
	// Safe to call when the link is not engaged.
	Release(ctx context.Context) error

	// Subscribe registers wake for a best-effort nudge whenever the
	// underlying platform reports a Bluetooth change. The returned
	// stop function unregisters it.
	Subscribe(wake chan<- struct{}) (stop func(), err error)
}

// NewHandsFree returns the platform hands-free controller, or the inert
// one when the platform has no usable Bluetooth stack.
func NewHandsFree(log slog.Logger) HandsFree {
	if log == nil {
		log = slog.Disabled
	}
	hf, err := newPlatformHandsFree(log)
	if err != nil {
		log.Infof("Bluetooth hands-free control unavailable: %v", err)
		return NewNullHandsFree()
	}
	return hf
}

// nullHandsFree is the inert controller used where no Bluetooth stack
// is reachable. The link is never available and Engage always fails.
type nullHandsFree struct{}

// NewNullHandsFree returns a controller for platforms or builds without
// hands-free support.
func NewNullHandsFree() HandsFree {
	return nullHandsFree{}
}

func (nullHandsFree) State(ctx context.Context) (HandsFreeState, error) {
	return HandsFreeState{}, nil
}

func (nullHandsFree) Engage(ctx context.Context) error {
	return fmt.Errorf("%w: no hands-free link present", audioerr.ErrDeviceUnavailable)
}

func (nullHandsFree) Release(ctx context.Context) error { return nil }

func (nullHandsFree) Subscribe(wake chan<- struct{}) (func(), error) {
	return func() {}, nil
}
