// Command btaudio is a command line front end for the audio subsystem:
// it lists devices, shows and watches the active route, and records or
// plays WAV files with optional Bluetooth hands-free routing.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/decred/slog"

	"github.com/btlink/btaudio/internal/config"
	"github.com/btlink/btaudio/internal/driver"
	"github.com/btlink/btaudio/internal/permissions"
	"github.com/btlink/btaudio/internal/player"
	"github.com/btlink/btaudio/internal/recorder"
	"github.com/btlink/btaudio/internal/route"
	"github.com/btlink/btaudio/internal/session"
)

const version = "0.1.0"

// App holds all application state.
type App struct {
	cfg     *config.Config
	backend *slog.Backend
	drv     driver.Driver
	hf      route.HandsFree
	monitor *route.Monitor
	coord   *session.Coordinator

	logDRVR slog.Logger
	logRTMN slog.Logger
	logRCRD slog.Logger
	logPLAY slog.Logger
	logSESS slog.Logger
}

func usage() {
	fmt.Fprintf(os.Stderr, `btaudio v%s

Usage: btaudio [flags] <command> [args]

Commands:
  devices            list capture and playback devices
  route              show the current audio route
  watch              watch the route for changes until interrupted
  record <file.wav>  record until interrupted (or -duration elapses)
  play <file.wav>    play a WAV file

Flags:
`, version)
	flag.PrintDefaults()
}

func main() {
	var (
		configPath = flag.String("config", config.GetConfigPath(), "configuration file path")
		driverName = flag.String("driver", "", "audio backend name (overrides config)")
		deviceID   = flag.String("device", "", "playback device ID (default: system default)")
		source     = flag.String("source", "default", "record source: default, phone, handsfree")
		duration   = flag.Duration("duration", 0, "record duration (0 records until interrupted)")
		handsFree  = flag.Bool("handsfree", false, "engage the Bluetooth voice link for the operation")
		logLevel   = flag.String("loglevel", "", "log level (overrides config)")
	)
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
		os.Exit(2)
	}

	app, err := newApp(*configPath, *driverName, *logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "btaudio: %v\n", err)
		os.Exit(1)
	}
	defer app.close()

	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch cmd := flag.Arg(0); cmd {
	case "devices":
		err = app.cmdDevices()
	case "route":
		err = app.cmdRoute()
	case "watch":
		err = app.cmdWatch(ctx)
	case "record":
		if flag.NArg() < 2 {
			err = fmt.Errorf("record needs a destination file")
			break
		}
		err = app.cmdRecord(ctx, flag.Arg(1), *source, *duration, *handsFree)
	case "play":
		if flag.NArg() < 2 {
			err = fmt.Errorf("play needs a source file")
			break
		}
		err = app.cmdPlay(ctx, flag.Arg(1), *deviceID, *handsFree)
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "btaudio: %v\n", err)
		os.Exit(1)
	}
}

// newApp loads the configuration and wires the subsystems together.
func newApp(configPath, driverName, logLevel string) (*App, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if driverName != "" {
		cfg.Driver = driverName
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	app := &App{cfg: cfg}
	backend := slog.NewBackend(os.Stderr)
	app.backend = backend

	level, _ := slog.LevelFromString(cfg.LogLevel)
	mkLog := func(tag string) slog.Logger {
		l := backend.Logger(tag)
		l.SetLevel(level)
		return l
	}
	app.logDRVR = mkLog("DRVR")
	app.logRTMN = mkLog("RTMN")
	app.logRCRD = mkLog("RCRD")
	app.logPLAY = mkLog("PLAY")
	app.logSESS = mkLog("SESS")

	if cfg.Driver != "" {
		app.drv, err = driver.Open(cfg.Driver, app.logDRVR)
	} else {
		app.drv, err = driver.Default(app.logDRVR)
	}
	if err != nil {
		return nil, err
	}

	app.hf = route.NewHandsFree(app.logRTMN)
	app.monitor = route.NewMonitor(app.drv, app.hf, app.logRTMN,
		route.WithPollInterval(cfg.PollInterval()))

	rec := recorder.New(app.drv, app.logRCRD)
	ply := player.New(app.drv, app.logPLAY)
	app.coord = session.New(rec, ply, app.hf, app.logSESS, session.Config{
		WatchdogTimeout: cfg.WatchdogDuration(),
	})

	return app, nil
}

func (a *App) close() {
	if a.drv != nil {
		a.drv.Free()
	}
}

func (a *App) cmdDevices() error {
	devices, err := a.drv.Devices()
	if err != nil {
		return err
	}

	fmt.Printf("Backend: %s\n\nCapture devices:\n", a.drv.Name())
	for _, info := range devices.Capture {
		printDevice(info, route.Classify(info, true))
	}
	fmt.Println("\nPlayback devices:")
	for _, info := range devices.Playback {
		printDevice(info, route.Classify(info, false))
	}
	return nil
}

func printDevice(info driver.DeviceInfo, dev route.Device) {
	def := ""
	if info.IsDefault {
		def = " (default)"
	}
	addr := ""
	if dev.Address != "" {
		addr = " [" + dev.Address + "]"
	}
	fmt.Printf("  %-14s %s%s%s\n", dev.Kind, info.Name, addr, def)
}

func (a *App) cmdRoute() error {
	snap, err := a.monitor.CurrentRoute()
	if err != nil {
		return err
	}
	printSnapshot(snap)
	return nil
}

func printSnapshot(snap route.Snapshot) {
	fmt.Printf("Route at %s:\n", snap.CapturedAt.Format(time.TimeOnly))
	fmt.Printf("  hands-free available: %v, active: %v\n",
		snap.HandsFreeAvailable, snap.HandsFreeActive)
	fmt.Println("  inputs:")
	for _, dev := range snap.Inputs {
		fmt.Printf("    %-14s %s\n", dev.Kind, dev.Name)
	}
	fmt.Println("  outputs:")
	for _, dev := range snap.Outputs {
		fmt.Printf("    %-14s %s\n", dev.Kind, dev.Name)
	}
}

func (a *App) cmdWatch(ctx context.Context) error {
	err := a.monitor.StartWatching(func(snap route.Snapshot) {
		printSnapshot(snap)
	})
	if err != nil {
		return err
	}
	defer a.monitor.StopWatching()

	fmt.Println("Watching for route changes, Ctrl-C to stop.")
	<-ctx.Done()
	return nil
}

// parseSource maps the -source flag to a recorder source.
func parseSource(s string) (recorder.Source, error) {
	switch strings.ToLower(s) {
	case "", "default":
		return recorder.SourceDefault, nil
	case "phone", "builtin":
		return recorder.SourcePhoneMic, nil
	case "handsfree", "bluetooth":
		return recorder.SourceHandsFreeMic, nil
	default:
		return 0, fmt.Errorf("unknown source %q (want default, phone or handsfree)", s)
	}
}

func (a *App) cmdRecord(ctx context.Context, dest, source string, duration time.Duration, handsFree bool) error {
	src, err := parseSource(source)
	if err != nil {
		return err
	}

	pc := permissions.NewPermissionChecker()
	if !pc.IsMicrophoneAuthorized() {
		return fmt.Errorf("microphone permission %s; grant it in system settings",
			pc.CheckMicrophonePermission())
	}

	if dir := filepath.Dir(dest); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}

	opts := session.RecordOptions{
		Options:   a.cfg.RecorderOptions(),
		Duration:  duration,
		HandsFree: handsFree,
	}
	opts.Source = src
	if opts.Duration == 0 {
		opts.Duration = a.cfg.MaxRecordDuration()
	}

	handle, err := a.coord.StartRecording(ctx, dest, opts)
	if err != nil {
		return err
	}
	fmt.Printf("Recording to %s, Ctrl-C to stop.\n", dest)

	select {
	case <-ctx.Done():
		res, err := a.coord.StopRecording()
		if err != nil {
			return err
		}
		fmt.Printf("Recorded %s: %ds, %d bytes\n", res.Path, res.DurationSeconds, res.SizeBytes)
		return nil
	case <-handle.Done():
	}

	res, err := handle.Wait(context.Background())
	if err != nil {
		return err
	}
	fmt.Printf("Recorded %s: %ds, %d bytes\n", res.Path, res.DurationSeconds, res.SizeBytes)
	return nil
}

func (a *App) cmdPlay(ctx context.Context, source, deviceID string, handsFree bool) error {
	opts := session.PlayOptions{HandsFree: handsFree}
	opts.DeviceID = driver.DeviceID(deviceID)
	opts.PeriodMS = a.cfg.PeriodMS

	handle, err := a.coord.Play(ctx, source, opts)
	if err != nil {
		return err
	}
	fmt.Printf("Playing %s, Ctrl-C to stop.\n", source)

	select {
	case <-ctx.Done():
		a.coord.StopPlayback()
	case <-handle.Done():
	}

	status, err := handle.Wait(context.Background())
	if err != nil {
		return err
	}
	fmt.Printf("Playback %s.\n", strings.ToLower(status.String()))
	return nil
}
