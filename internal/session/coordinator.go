// Package session arbitrates exclusive use of the audio subsystem. The
// Coordinator owns the "is a session active" state for recording and
// playback independently, is the sole mutator of the Bluetooth
// hands-free link, and wraps every asynchronous operation in a
// watchdog so a stuck backend callback can never leak a pending call.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/decred/slog"

	"github.com/btlink/btaudio/internal/audioerr"
	"github.com/btlink/btaudio/internal/player"
	"github.com/btlink/btaudio/internal/recorder"
	"github.com/btlink/btaudio/internal/route"
)

// DefaultWatchdogTimeout bounds how long an operation may stay pending
// before it is force-stopped and resolved with ErrTimeout.
const DefaultWatchdogTimeout = 5 * time.Minute

// hfOpTimeout bounds individual hands-free engage/release calls.
const hfOpTimeout = 5 * time.Second

// Config holds coordinator tunables.
type Config struct {
	WatchdogTimeout time.Duration
}

// Coordinator composes the recorder, player and hands-free controller
// behind a thread-safe start/stop surface.
type Coordinator struct {
	rec *recorder.Recorder
	ply *player.Player
	hf  route.HandsFree
	log slog.Logger

	watchdogTimeout time.Duration

	recMtx    sync.Mutex
	recActive *recordingState

	plyMtx    sync.Mutex
	plyActive *playbackState

	hfMtx  sync.Mutex
	hfRefs int
}

// New creates a coordinator. hf may be nil when the platform has no
// hands-free stack.
func New(rec *recorder.Recorder, ply *player.Player, hf route.HandsFree,
	log slog.Logger, cfg Config) *Coordinator {

	if log == nil {
		log = slog.Disabled
	}
	if hf == nil {
		hf = route.NewNullHandsFree()
	}
	if cfg.WatchdogTimeout <= 0 {
		cfg.WatchdogTimeout = DefaultWatchdogTimeout
	}
	return &Coordinator{
		rec:             rec,
		ply:             ply,
		hf:              hf,
		log:             log,
		watchdogTimeout: cfg.WatchdogTimeout,
	}
}

// acquireHandsFree engages the voice link, refcounted so concurrent
// recording and playback share one engagement.
func (c *Coordinator) acquireHandsFree(ctx context.Context) error {
	c.hfMtx.Lock()
	defer c.hfMtx.Unlock()
	if c.hfRefs == 0 {
		if err := c.hf.Engage(ctx); err != nil {
			return err
		}
	}
	c.hfRefs++
	return nil
}

// releaseHandsFree drops one reference, restoring the default audio
// mode when the last one goes.
func (c *Coordinator) releaseHandsFree() {
	c.hfMtx.Lock()
	defer c.hfMtx.Unlock()
	if c.hfRefs == 0 {
		return
	}
	c.hfRefs--
	if c.hfRefs > 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), hfOpTimeout)
	defer cancel()
	if err := c.hf.Release(ctx); err != nil {
		c.log.Warnf("Releasing hands-free link: %v", err)
	}
}

// RecordOptions extends the recorder options with coordinator-level
// behavior.
type RecordOptions struct {
	recorder.Options
	// Duration schedules an automatic stop; zero records until
	// StopRecording is called (bounded by the watchdog).
	Duration time.Duration
	// HandsFree engages the Bluetooth voice link around the
	// operation.
	HandsFree bool
}

// RecordingHandle resolves exactly once with the recording's result.
type RecordingHandle struct {
	once sync.Once
	done chan struct{}
	res  recorder.Result
	err  error
}

func (h *RecordingHandle) resolve(res recorder.Result, err error) bool {
	resolved := false
	h.once.Do(func() {
		h.res = res
		h.err = err
		close(h.done)
		resolved = true
	})
	return resolved
}

// Done is closed when the recording has fully resolved.
func (h *RecordingHandle) Done() <-chan struct{} { return h.done }

// Wait blocks until the recording resolves or ctx is canceled.
func (h *RecordingHandle) Wait(ctx context.Context) (recorder.Result, error) {
	select {
	case <-h.done:
		return h.res, h.err
	case <-ctx.Done():
		return recorder.Result{}, ctx.Err()
	}
}

// recordingState tracks one in-flight recording and its timers.
type recordingState struct {
	handle    *RecordingHandle
	handsFree bool
	autoStop  *time.Timer
	watchdog  *time.Timer
}

// StartRecording engages the hands-free link if requested, starts the
// capture and arms the auto-stop and watchdog timers. The returned
// handle resolves on natural completion, explicit stop, or timeout.
func (c *Coordinator) StartRecording(ctx context.Context, dest string, opts RecordOptions) (*RecordingHandle, error) {
	c.recMtx.Lock()
	defer c.recMtx.Unlock()
	if c.recActive != nil {
		return nil, fmt.Errorf("%w: recording in progress", audioerr.ErrSessionActive)
	}

	useHandsFree := opts.HandsFree || opts.Source == recorder.SourceHandsFreeMic
	if useHandsFree {
		if err := c.acquireHandsFree(ctx); err != nil {
			return nil, err
		}
	}

	if err := c.rec.Start(dest, opts.Options); err != nil {
		if useHandsFree {
			c.releaseHandsFree()
		}
		return nil, err
	}

	st := &recordingState{
		handle:    &RecordingHandle{done: make(chan struct{})},
		handsFree: useHandsFree,
	}

	if opts.Duration > 0 {
		st.autoStop = time.AfterFunc(opts.Duration, func() {
			if _, err := c.StopRecording(); err != nil {
				c.log.Warnf("Auto-stop recording: %v", err)
			}
		})
	}
	watchdogAfter := c.watchdogTimeout
	if opts.Duration > 0 {
		watchdogAfter += opts.Duration
	}
	st.watchdog = time.AfterFunc(watchdogAfter, func() {
		c.timeoutRecording(st)
	})

	c.recActive = st
	return st.handle, nil
}

// StopRecording ends the active recording and resolves its handle. It
// cancels the auto-stop timer, so an explicit stop racing the timer
// never double-fires the completion. With no active recording it
// returns a zero result.
func (c *Coordinator) StopRecording() (recorder.Result, error) {
	c.recMtx.Lock()
	st := c.recActive
	c.recActive = nil
	c.recMtx.Unlock()

	if st == nil {
		// Defensive stops are always safe.
		return recorder.Result{}, nil
	}
	st.cancelTimers()

	res, err := c.rec.Stop()
	if st.handsFree {
		c.releaseHandsFree()
	}
	st.handle.resolve(res, err)
	return res, err
}

// timeoutRecording is the recording watchdog: it resolves the handle
// with ErrTimeout, then tears the session down.
func (c *Coordinator) timeoutRecording(st *recordingState) {
	c.recMtx.Lock()
	if c.recActive != st {
		// Already stopped; the watchdog lost the race.
		c.recMtx.Unlock()
		return
	}
	c.recActive = nil
	c.recMtx.Unlock()

	c.log.Errorf("Recording watchdog fired after %s, force-stopping", c.watchdogTimeout)
	st.cancelTimers()

	res, _ := c.rec.Stop()
	if st.handsFree {
		c.releaseHandsFree()
	}
	st.handle.resolve(res, fmt.Errorf("%w: recording did not complete", audioerr.ErrTimeout))
}

func (st *recordingState) cancelTimers() {
	if st.autoStop != nil {
		st.autoStop.Stop()
	}
	if st.watchdog != nil {
		st.watchdog.Stop()
	}
}

// PlayOptions extends the player options with coordinator-level
// behavior.
type PlayOptions struct {
	player.Options
	// HandsFree engages the Bluetooth voice link around the
	// operation.
	HandsFree bool
}

// PlaybackHandle resolves exactly once with the playback's terminal
// status.
type PlaybackHandle struct {
	once   sync.Once
	done   chan struct{}
	status player.Status
	err    error
}

func (h *PlaybackHandle) resolve(status player.Status, err error) {
	h.once.Do(func() {
		h.status = status
		h.err = err
		close(h.done)
	})
}

// Done is closed when the playback has fully resolved.
func (h *PlaybackHandle) Done() <-chan struct{} { return h.done }

// Wait blocks until the playback resolves or ctx is canceled.
func (h *PlaybackHandle) Wait(ctx context.Context) (player.Status, error) {
	select {
	case <-h.done:
		return h.status, h.err
	case <-ctx.Done():
		return player.StatusUnknown, ctx.Err()
	}
}

// playbackState tracks one in-flight playback and its watchdog.
type playbackState struct {
	handle    *PlaybackHandle
	sess      *player.Session
	handsFree bool
	watchdog  *time.Timer
}

// Play engages the hands-free link if requested and starts playback.
// The handle resolves on natural completion, explicit stop, or timeout.
func (c *Coordinator) Play(ctx context.Context, source string, opts PlayOptions) (*PlaybackHandle, error) {
	c.plyMtx.Lock()
	defer c.plyMtx.Unlock()
	if c.plyActive != nil {
		return nil, fmt.Errorf("%w: playback in progress", audioerr.ErrSessionActive)
	}

	if opts.HandsFree {
		if err := c.acquireHandsFree(ctx); err != nil {
			return nil, err
		}
	}

	sess, err := c.ply.Play(source, opts.Options)
	if err != nil {
		if opts.HandsFree {
			c.releaseHandsFree()
		}
		return nil, err
	}

	st := &playbackState{
		handle:    &PlaybackHandle{done: make(chan struct{})},
		sess:      sess,
		handsFree: opts.HandsFree,
	}
	st.watchdog = time.AfterFunc(c.watchdogTimeout, func() {
		c.timeoutPlayback(st)
	})
	c.plyActive = st

	go c.watchPlayback(st)
	return st.handle, nil
}

// watchPlayback bridges the player's native completion into the
// caller's handle and cancels the watchdog so it cannot fire late
// after a successful run.
func (c *Coordinator) watchPlayback(st *playbackState) {
	<-st.sess.Done()
	st.watchdog.Stop()

	c.plyMtx.Lock()
	if c.plyActive == st {
		c.plyActive = nil
	}
	c.plyMtx.Unlock()

	if st.handsFree {
		c.releaseHandsFree()
	}
	status := st.sess.Status()
	if err := st.sess.Err(); err != nil {
		st.handle.resolve(status, err)
		return
	}
	st.handle.resolve(status, nil)
}

// timeoutPlayback is the playback watchdog: it resolves the handle
// with ErrTimeout first, then force-stops the session. The later
// natural resolution from watchPlayback becomes a no-op.
func (c *Coordinator) timeoutPlayback(st *playbackState) {
	c.plyMtx.Lock()
	stillActive := c.plyActive == st
	c.plyMtx.Unlock()
	if !stillActive {
		return
	}

	c.log.Errorf("Playback watchdog fired after %s, force-stopping", c.watchdogTimeout)
	st.handle.resolve(player.StatusFailed, fmt.Errorf("%w: playback did not complete", audioerr.ErrTimeout))
	c.ply.Stop()
}

// StopPlayback ends the active playback immediately. The handle
// resolves with StatusStopped. No-op when nothing is playing.
func (c *Coordinator) StopPlayback() {
	c.plyMtx.Lock()
	st := c.plyActive
	c.plyMtx.Unlock()

	if st == nil {
		return
	}
	// The player resolves the session, watchPlayback does the rest.
	c.ply.Stop()
	<-st.handle.Done()
}

// Busy reports the coordinator's session state.
func (c *Coordinator) Busy() (recording, playing bool) {
	c.recMtx.Lock()
	recording = c.recActive != nil
	c.recMtx.Unlock()
	c.plyMtx.Lock()
	playing = c.plyActive != nil
	c.plyMtx.Unlock()
	return
}
