// Package recorder captures microphone audio into a WAV container on
// disk. One recording session may run at a time; the capture loop runs
// on its own goroutine and a stopped session always reports whatever it
// managed to write, even after a device teardown mid-capture.
package recorder

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/decred/slog"
	"golang.org/x/sync/errgroup"

	"github.com/btlink/btaudio/internal/audioerr"
	"github.com/btlink/btaudio/internal/driver"
	"github.com/btlink/btaudio/internal/route"
	"github.com/btlink/btaudio/internal/wav"
)

// Source selects which microphone a recording uses.
type Source int

const (
	// SourceDefault uses the system default input device.
	SourceDefault Source = iota
	// SourcePhoneMic prefers the built-in microphone.
	SourcePhoneMic
	// SourceHandsFreeMic requires the Bluetooth hands-free microphone.
	SourceHandsFreeMic
)

// String returns the string representation of the source.
func (s Source) String() string {
	switch s {
	case SourcePhoneMic:
		return "PhoneMic"
	case SourceHandsFreeMic:
		return "HandsFreeMic"
	default:
		return "Default"
	}
}

// Options holds the capture format and stop behavior of one session.
type Options struct {
	Source        Source
	SampleRate    int
	Channels      int
	BitsPerSample int
	PeriodMS      int
	// StopFlushTimeout bounds how long Stop waits for the capture
	// loop to flush before force-closing the file.
	StopFlushTimeout time.Duration
}

// DefaultOptions returns the default capture format: 16kHz mono 16-bit,
// the format speech consumers expect.
func DefaultOptions() Options {
	return Options{
		Source:           SourceDefault,
		SampleRate:       16000,
		Channels:         1,
		BitsPerSample:    16,
		StopFlushTimeout: 3 * time.Second,
	}
}

// Result describes a finished recording.
type Result struct {
	Path            string
	DurationSeconds int
	SizeBytes       int64
}

// maxConsecutiveWriteErrors is how many back-to-back file write
// failures the capture loop tolerates before declaring the session
// unrecoverable.
const maxConsecutiveWriteErrors = 50

// Recorder owns at most one active recording session.
type Recorder struct {
	drv driver.Driver
	log slog.Logger

	mtx  sync.Mutex
	sess *session
}

// New creates a recorder over the given backend.
func New(drv driver.Driver, log slog.Logger) *Recorder {
	if log == nil {
		log = slog.Disabled
	}
	return &Recorder{drv: drv, log: log}
}

// Recording reports whether a session is active.
func (r *Recorder) Recording() bool {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return r.sess != nil
}

// pickDevice resolves a Source to a concrete capture device ID.
func pickDevice(drv driver.Driver, source Source) (driver.DeviceID, error) {
	if source == SourceDefault {
		return "", nil
	}

	devices, err := drv.Devices()
	if err != nil {
		return "", fmt.Errorf("enumerate capture devices: %w", err)
	}

	var want route.DeviceKind
	switch source {
	case SourcePhoneMic:
		want = route.KindBuiltInMic
	case SourceHandsFreeMic:
		want = route.KindBluetoothSCO
	}

	for _, info := range devices.Capture {
		if route.Classify(info, true).Kind == want {
			return info.ID, nil
		}
	}
	if source == SourcePhoneMic {
		// Fall back to the default device; a machine without a
		// device named like a built-in mic still has a working
		// default input.
		return "", nil
	}
	return "", fmt.Errorf("%w: no %s capture device present", audioerr.ErrDeviceUnavailable, source)
}

// Start begins capturing into dest. It fails fast with ErrSessionActive
// when a recording is already running and with ErrDeviceUnavailable
// when the requested source cannot be opened. The destination receives
// a provisional container header before any audio is written.
func (r *Recorder) Start(dest string, opts Options) error {
	if opts.SampleRate <= 0 || opts.Channels <= 0 || opts.BitsPerSample <= 0 {
		def := DefaultOptions()
		if opts.SampleRate <= 0 {
			opts.SampleRate = def.SampleRate
		}
		if opts.Channels <= 0 {
			opts.Channels = def.Channels
		}
		if opts.BitsPerSample <= 0 {
			opts.BitsPerSample = def.BitsPerSample
		}
	}
	if opts.StopFlushTimeout <= 0 {
		opts.StopFlushTimeout = DefaultOptions().StopFlushTimeout
	}

	r.mtx.Lock()
	defer r.mtx.Unlock()
	if r.sess != nil {
		return fmt.Errorf("%w: recording in progress", audioerr.ErrSessionActive)
	}

	deviceID, err := pickDevice(r.drv, opts.Source)
	if err != nil {
		return err
	}

	w, err := wav.Create(dest, opts.SampleRate, opts.Channels, opts.BitsPerSample)
	if err != nil {
		return err
	}

	sess := &session{
		path:      dest,
		w:         w,
		opts:      opts,
		log:       r.log,
		dataChan:  make(chan []byte, 64),
		stopChan:  make(chan struct{}),
		flushChan: make(chan struct{}),
		doneChan:  make(chan struct{}),
		startedAt: time.Now(),
	}

	cfg := driver.StreamConfig{
		DeviceID:   deviceID,
		SampleRate: opts.SampleRate,
		Channels:   opts.Channels,
		PeriodMS:   opts.PeriodMS,
	}
	dev, err := r.drv.InitCapture(cfg, sess.onFrames)
	if err != nil {
		w.Finalize()
		return err
	}
	sess.dev = dev

	if err := dev.Start(); err != nil {
		dev.Uninit()
		w.Finalize()
		return fmt.Errorf("%w: start capture: %v", audioerr.ErrDeviceUnavailable, err)
	}

	r.sess = sess
	go sess.run()

	r.log.Infof("Recording %s (source %s, %dHz %dch %dbit)",
		dest, opts.Source, opts.SampleRate, opts.Channels, opts.BitsPerSample)
	return nil
}

// Stop ends the active session and returns its result. With no active
// session it returns a zero result and no error, so callers can always
// stop defensively.
func (r *Recorder) Stop() (Result, error) {
	r.mtx.Lock()
	sess := r.sess
	r.sess = nil
	r.mtx.Unlock()

	if sess == nil {
		return Result{}, nil
	}
	return sess.stop()
}

// session is the transient state of one active recording.
type session struct {
	path string
	w    *wav.Writer
	opts Options
	log  slog.Logger
	dev  driver.Device

	dataChan  chan []byte
	stopChan  chan struct{}
	flushChan chan struct{}
	doneChan  chan struct{}
	stopOnce  sync.Once
	stopping  atomic.Bool
	startedAt time.Time
	runErr    error
}

// onFrames is invoked from the backend's audio thread. It must never
// block: a full queue drops the period rather than stalling the device.
func (s *session) onFrames(_, in []byte, frames uint32) {
	if s.stopping.Load() || len(in) == 0 {
		return
	}
	buf := make([]byte, len(in))
	copy(buf, in)
	select {
	case s.dataChan <- buf:
	default:
		s.log.Warnf("Capture queue full, dropping %d frames", frames)
	}
}

// run drives the session's two loops: the file writer and the stop
// watcher that tears the device down.
func (s *session) run() {
	var g errgroup.Group
	g.Go(s.writeLoop)
	g.Go(s.stopWatcher)
	s.runErr = g.Wait()

	if err := s.w.Finalize(); err != nil {
		s.log.Errorf("Finalizing %s: %v", s.path, err)
		if s.runErr == nil {
			s.runErr = err
		}
	}
	close(s.doneChan)
}

// writeLoop appends captured PCM to the container in arrival order.
// Individual write failures are logged and skipped; only a sustained
// failure streak ends the session early, keeping the partial capture.
func (s *session) writeLoop() error {
	consecutiveErrs := 0
	write := func(buf []byte) error {
		if _, err := s.w.Write(buf); err != nil {
			consecutiveErrs++
			s.log.Warnf("Capture write failed (%d consecutive): %v", consecutiveErrs, err)
			if consecutiveErrs >= maxConsecutiveWriteErrors {
				return fmt.Errorf("capture writes failing persistently: %w", err)
			}
			return nil
		}
		consecutiveErrs = 0
		return nil
	}

	for {
		select {
		case buf := <-s.dataChan:
			if err := write(buf); err != nil {
				return err
			}
		case <-s.flushChan:
			// Device is stopped; drain whatever is queued.
			for {
				select {
				case buf := <-s.dataChan:
					if err := write(buf); err != nil {
						return err
					}
				default:
					return nil
				}
			}
		}
	}
}

// stopWatcher waits for the stop signal, halts the device and lets any
// in-flight callback land before telling the writer to flush.
func (s *session) stopWatcher() error {
	<-s.stopChan

	s.stopping.Store(true)
	if err := s.dev.Stop(); err != nil {
		// The device may already be gone (unplugged, link dropped);
		// the partial capture is still valid.
		s.log.Warnf("Stopping capture device: %v", err)
	}
	s.dev.Uninit()

	period := s.opts.PeriodMS
	if period <= 0 {
		period = driver.DefaultPeriodMS
	}
	time.Sleep(2 * time.Duration(period) * time.Millisecond)

	close(s.flushChan)
	return nil
}

// stop signals termination, waits a bounded time for the flush and
// builds the result. Duration comes from the byte count; an empty
// capture falls back to wall-clock elapsed time.
func (s *session) stop() (Result, error) {
	s.stopOnce.Do(func() { close(s.stopChan) })

	var runErr error
	select {
	case <-s.doneChan:
		runErr = s.runErr
	case <-time.After(s.opts.StopFlushTimeout):
		s.log.Errorf("Capture loop did not flush within %s, force-closing %s",
			s.opts.StopFlushTimeout, s.path)
		s.w.Finalize()
	}

	bytes := s.w.BytesWritten()
	res := Result{
		Path:      s.path,
		SizeBytes: bytes + wav.HeaderSize,
	}
	byteRate := s.opts.SampleRate * s.opts.Channels * s.opts.BitsPerSample / 8
	if bytes > 0 && byteRate > 0 {
		res.DurationSeconds = int(bytes / int64(byteRate))
	} else {
		res.DurationSeconds = int(time.Since(s.startedAt).Seconds())
	}

	s.log.Infof("Recorded %s: %ds, %d bytes", s.path, res.DurationSeconds, res.SizeBytes)
	return res, runErr
}
