// Package player plays WAV containers through the active output
// device. Parsing is chunk-driven and tolerant of foreign encoders;
// playback is asynchronous with a completion signal that fires exactly
// once per session, whether it ends naturally, by Stop or by error.
package player

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/decred/slog"

	"github.com/btlink/btaudio/internal/audioerr"
	"github.com/btlink/btaudio/internal/driver"
	"github.com/btlink/btaudio/internal/wav"
)

// Status is the terminal state of a playback session.
type Status int

const (
	// StatusUnknown means the session has not finished yet.
	StatusUnknown Status = iota
	// StatusCompleted means the whole payload was played.
	StatusCompleted
	// StatusStopped means Stop ended the session early.
	StatusStopped
	// StatusFailed means an error ended the session.
	StatusFailed
)

// String returns the string representation of the status.
func (s Status) String() string {
	switch s {
	case StatusCompleted:
		return "Completed"
	case StatusStopped:
		return "Stopped"
	case StatusFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// Options configures one playback session.
type Options struct {
	// DeviceID selects the output device; empty uses the default.
	DeviceID driver.DeviceID
	PeriodMS int
}

// Session is the transient state of one active playback.
type Session struct {
	path string
	info wav.Info
	f    *os.File
	log  slog.Logger
	dev  driver.Device

	mtx sync.Mutex
	pos int64

	drainedOnce sync.Once
	drainedChan chan struct{}
	stopOnce    sync.Once
	stopChan    chan struct{}
	failChan    chan error

	finishOnce sync.Once
	doneChan   chan struct{}
	status     Status
	err        error
}

// Done is closed when the session has terminated, its status resolved.
func (s *Session) Done() <-chan struct{} {
	return s.doneChan
}

// Status returns the terminal status, or StatusUnknown while the
// session is still running.
func (s *Session) Status() Status {
	select {
	case <-s.doneChan:
		return s.status
	default:
		return StatusUnknown
	}
}

// Err returns the terminal error, if any. Only set once Done is closed.
func (s *Session) Err() error {
	select {
	case <-s.doneChan:
		return s.err
	default:
		return nil
	}
}

// Wait blocks until the session terminates or ctx is canceled.
func (s *Session) Wait(ctx context.Context) (Status, error) {
	select {
	case <-s.doneChan:
		return s.status, s.err
	case <-ctx.Done():
		return StatusUnknown, ctx.Err()
	}
}

// finish resolves the session exactly once.
func (s *Session) finish(status Status, err error) {
	s.finishOnce.Do(func() {
		s.status = status
		s.err = err
		close(s.doneChan)
	})
}

// onFrames is invoked from the backend's audio thread. It fills out
// with the next slice of the payload, zero-padding past the end, and
// signals drain when the payload is exhausted. Reads are clamped to the
// parsed (already file-length-clamped) data size.
func (s *Session) onFrames(out, _ []byte, frames uint32) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	remaining := s.info.DataSize - s.pos
	if remaining <= 0 {
		s.signalDrained()
		return
	}

	n := int64(len(out))
	if n > remaining {
		n = remaining
	}
	read, err := s.f.ReadAt(out[:n], s.info.DataOffset+s.pos)
	s.pos += int64(read)
	if err != nil && read == 0 {
		select {
		case s.failChan <- fmt.Errorf("%w: read pcm at %d: %v", audioerr.ErrIO, s.pos, err):
		default:
		}
		s.signalDrained()
		return
	}
	if s.pos >= s.info.DataSize {
		s.signalDrained()
	}
}

func (s *Session) signalDrained() {
	s.drainedOnce.Do(func() { close(s.drainedChan) })
}

// stop requests early termination. Idempotent.
func (s *Session) stop() {
	s.stopOnce.Do(func() { close(s.stopChan) })
}

// Player owns at most one active playback session.
type Player struct {
	drv driver.Driver
	log slog.Logger

	mtx  sync.Mutex
	sess *Session
}

// New creates a player over the given backend.
func New(drv driver.Driver, log slog.Logger) *Player {
	if log == nil {
		log = slog.Disabled
	}
	return &Player{drv: drv, log: log}
}

// Playing reports whether a session is active.
func (p *Player) Playing() bool {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return p.sess != nil
}

// Play parses source and starts asynchronous playback. Parse failures
// return before any device resource is acquired. The returned session
// resolves exactly once via Done/Wait.
func (p *Player) Play(source string, opts Options) (*Session, error) {
	info, err := wav.ReadInfoFile(source)
	if err != nil {
		return nil, err
	}

	p.mtx.Lock()
	defer p.mtx.Unlock()
	if p.sess != nil {
		return nil, fmt.Errorf("%w: playback in progress", audioerr.ErrSessionActive)
	}

	f, err := os.Open(source)
	if err != nil {
		return nil, fmt.Errorf("%w: open %q: %v", audioerr.ErrIO, source, err)
	}

	sess := &Session{
		path:        source,
		info:        info,
		f:           f,
		log:         p.log,
		drainedChan: make(chan struct{}),
		stopChan:    make(chan struct{}),
		failChan:    make(chan error, 1),
		doneChan:    make(chan struct{}),
	}

	cfg := driver.StreamConfig{
		DeviceID:   opts.DeviceID,
		SampleRate: info.SampleRate,
		Channels:   info.Channels,
		PeriodMS:   opts.PeriodMS,
	}
	dev, err := p.drv.InitPlayback(cfg, sess.onFrames)
	if err != nil {
		f.Close()
		return nil, err
	}
	sess.dev = dev

	if err := dev.Start(); err != nil {
		dev.Uninit()
		f.Close()
		return nil, fmt.Errorf("%w: start playback: %v", audioerr.ErrDeviceUnavailable, err)
	}

	p.sess = sess
	go p.monitor(sess, cfg.PeriodMS)

	p.log.Infof("Playing %s (%dHz %dch %dbit, %d bytes)",
		source, info.SampleRate, info.Channels, info.BitsPerSample, info.DataSize)
	return sess, nil
}

// monitor waits for the session to drain, stop or fail, then releases
// the device and resolves the session. Drain detection is driven by the
// device callback observing payload exhaustion, not by a fixed sleep.
func (p *Player) monitor(sess *Session, periodMS int) {
	if periodMS <= 0 {
		periodMS = driver.DefaultPeriodMS
	}

	var status Status
	var err error
	select {
	case <-sess.drainedChan:
		// Let the final buffered period reach the speaker.
		time.Sleep(2 * time.Duration(periodMS) * time.Millisecond)
		select {
		case err = <-sess.failChan:
			status = StatusFailed
		default:
			status = StatusCompleted
		}
	case <-sess.stopChan:
		status = StatusStopped
	}

	if devErr := sess.dev.Stop(); devErr != nil {
		// Device may have been unplugged mid-playback; the session
		// still resolves normally.
		p.log.Warnf("Stopping playback device: %v", devErr)
	}
	sess.dev.Uninit()
	sess.f.Close()

	p.mtx.Lock()
	if p.sess == sess {
		p.sess = nil
	}
	p.mtx.Unlock()

	sess.finish(status, err)
	p.log.Infof("Playback of %s finished: %s", sess.path, status)
}

// Stop ends the active playback immediately and resolves its session
// with StatusStopped. It is a no-op when nothing is playing.
func (p *Player) Stop() {
	p.mtx.Lock()
	sess := p.sess
	p.mtx.Unlock()

	if sess == nil {
		return
	}
	sess.stop()
	<-sess.doneChan
}
