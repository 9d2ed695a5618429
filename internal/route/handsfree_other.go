//go:build !linux

package route

import (
	"errors"

	"github.com/decred/slog"
)

func newPlatformHandsFree(log slog.Logger) (HandsFree, error) {
	return nil, errors.New("no hands-free backend for this platform")
}
