// Package route discovers and monitors the active audio route: which
// input and output devices are present, which kind each one is, and
// whether a Bluetooth hands-free (voice) link is available or engaged.
//
// Snapshots are immutable values produced fresh on every query;
// consumers detect transitions by comparing successive snapshots.
package route

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/decred/slog"

	"github.com/btlink/btaudio/internal/driver"
)

// DeviceKind classifies a device into the closed set the rest of the
// system reasons about.
type DeviceKind int

const (
	KindOther DeviceKind = iota
	KindBuiltInMic
	KindBuiltInSpeaker
	KindWiredHeadset
	KindBluetoothSCO
	KindBluetoothA2DP
	KindUSB
)

// String returns the string representation of the kind.
func (k DeviceKind) String() string {
	switch k {
	case KindBuiltInMic:
		return "BuiltInMic"
	case KindBuiltInSpeaker:
		return "BuiltInSpeaker"
	case KindWiredHeadset:
		return "WiredHeadset"
	case KindBluetoothSCO:
		return "BluetoothSCO"
	case KindBluetoothA2DP:
		return "BluetoothA2DP"
	case KindUSB:
		return "USB"
	default:
		return "Other"
	}
}

// Device is an immutable snapshot of one audio device.
type Device struct {
	ID   driver.DeviceID
	Kind DeviceKind
	Name string
	// Address is the Bluetooth address when one could be derived from
	// the device name, empty otherwise.
	Address string
	// Native preserves the backend's raw device-type label for
	// diagnostics, most useful when Kind is Other.
	Native string
}

// Snapshot is the audio route at one point in time.
type Snapshot struct {
	Inputs             []Device
	Outputs            []Device
	HandsFreeActive    bool
	HandsFreeAvailable bool
	CapturedAt         time.Time
}

// Equal reports whether two snapshots describe the same physical
// route. CapturedAt is ignored.
func (s Snapshot) Equal(o Snapshot) bool {
	if s.HandsFreeActive != o.HandsFreeActive ||
		s.HandsFreeAvailable != o.HandsFreeAvailable ||
		len(s.Inputs) != len(o.Inputs) ||
		len(s.Outputs) != len(o.Outputs) {
		return false
	}
	for i := range s.Inputs {
		if s.Inputs[i] != o.Inputs[i] {
			return false
		}
	}
	for i := range s.Outputs {
		if s.Outputs[i] != o.Outputs[i] {
			return false
		}
	}
	return true
}

// btAddrRE matches a Bluetooth address embedded in a backend device
// name, either colon- or underscore-separated (bluez card names use
// underscores).
var btAddrRE = regexp.MustCompile(`(?i)([0-9A-F]{2}[:_]){5}[0-9A-F]{2}`)

// Classify maps a backend device into the closed DeviceKind set.
// Unrecognized devices fall through to KindOther with the backend's
// native label preserved; classification never fails.
func Classify(info driver.DeviceInfo, capture bool) Device {
	dev := Device{
		ID:     info.ID,
		Name:   info.Name,
		Native: info.Native,
		Kind:   KindOther,
	}

	name := strings.ToLower(info.Name + " " + info.Native)

	if addr := btAddrRE.FindString(name); addr != "" {
		dev.Address = strings.ToUpper(strings.ReplaceAll(addr, "_", ":"))
	}

	switch {
	case strings.Contains(name, "bluetooth") || strings.Contains(name, "bluez") ||
		dev.Address != "":
		// Distinguish the voice link from the media link: A2DP has no
		// microphone path, so Bluetooth capture devices are always the
		// SCO/HFP side.
		switch {
		case strings.Contains(name, "a2dp"):
			dev.Kind = KindBluetoothA2DP
		case strings.Contains(name, "sco") || strings.Contains(name, "hfp") ||
			strings.Contains(name, "hsp") || strings.Contains(name, "headset") ||
			strings.Contains(name, "hands-free") || strings.Contains(name, "handsfree"):
			dev.Kind = KindBluetoothSCO
		case capture:
			dev.Kind = KindBluetoothSCO
		default:
			dev.Kind = KindBluetoothA2DP
		}
	case strings.Contains(name, "usb"):
		dev.Kind = KindUSB
	case strings.Contains(name, "headset") || strings.Contains(name, "headphone") ||
		strings.Contains(name, "line in") || strings.Contains(name, "line-in"):
		dev.Kind = KindWiredHeadset
	case capture && (strings.Contains(name, "built-in") || strings.Contains(name, "builtin") ||
		strings.Contains(name, "internal") || strings.Contains(name, "mic")):
		dev.Kind = KindBuiltInMic
	case !capture && (strings.Contains(name, "built-in") || strings.Contains(name, "builtin") ||
		strings.Contains(name, "internal") || strings.Contains(name, "speaker")):
		dev.Kind = KindBuiltInSpeaker
	}

	return dev
}

// Monitor queries and watches the audio route.
type Monitor struct {
	drv driver.Driver
	hf  HandsFree
	log slog.Logger

	pollInterval time.Duration

	mtx      sync.Mutex
	watching bool
	stopChan chan struct{}
	wg       sync.WaitGroup
	hfStop   func()
}

// MonitorOption configures a Monitor.
type MonitorOption func(*Monitor)

// WithPollInterval overrides the route poll interval used while
// watching.
func WithPollInterval(d time.Duration) MonitorOption {
	return func(m *Monitor) { m.pollInterval = d }
}

// NewMonitor creates a route monitor over the given backend. hf may be
// nil, in which case hands-free state is reported as never available.
func NewMonitor(drv driver.Driver, hf HandsFree, log slog.Logger, opts ...MonitorOption) *Monitor {
	if log == nil {
		log = slog.Disabled
	}
	if hf == nil {
		hf = NewNullHandsFree()
	}
	m := &Monitor{
		drv:          drv,
		hf:           hf,
		log:          log,
		pollInterval: time.Second,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// HandsFreeControl returns the hands-free controller behind this
// monitor. The session coordinator is its sole mutator.
func (m *Monitor) HandsFreeControl() HandsFree {
	return m.hf
}

// CurrentRoute returns a fresh snapshot of the audio route. It is
// side-effect free and bounded by the backend's enumeration call.
func (m *Monitor) CurrentRoute() (Snapshot, error) {
	devices, err := m.drv.Devices()
	if err != nil {
		return Snapshot{}, fmt.Errorf("enumerate devices: %w", err)
	}

	snap := Snapshot{
		Inputs:     make([]Device, 0, len(devices.Capture)),
		Outputs:    make([]Device, 0, len(devices.Playback)),
		CapturedAt: time.Now(),
	}
	for _, info := range devices.Capture {
		snap.Inputs = append(snap.Inputs, Classify(info, true))
	}
	for _, info := range devices.Playback {
		snap.Outputs = append(snap.Outputs, Classify(info, false))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	state, err := m.hf.State(ctx)
	if err != nil {
		// Hands-free state is best effort; the device lists are still
		// valid without it.
		m.log.Debugf("Hands-free state query failed: %v", err)
	}
	snap.HandsFreeAvailable = state.Available
	snap.HandsFreeActive = state.Active

	return snap, nil
}

// StartWatching begins delivering route-change callbacks. It is
// idempotent: a second call while watching is a no-op and never
// double-registers.
func (m *Monitor) StartWatching(onChange func(Snapshot)) error {
	if onChange == nil {
		return errors.New("nil onChange callback")
	}

	m.mtx.Lock()
	defer m.mtx.Unlock()
	if m.watching {
		return nil
	}

	last, err := m.CurrentRoute()
	if err != nil {
		return err
	}

	wake := make(chan struct{}, 1)
	hfStop, err := m.hf.Subscribe(wake)
	if err != nil {
		m.log.Warnf("Hands-free notifications unavailable, polling only: %v", err)
		hfStop = func() {}
	}

	m.watching = true
	m.stopChan = make(chan struct{})
	m.hfStop = hfStop
	stopChan := m.stopChan

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.watchLoop(stopChan, wake, last, onChange)
	}()

	m.log.Debugf("Started watching audio route (poll interval %s)", m.pollInterval)
	return nil
}

// watchLoop polls the route and reports changes. Comparing successive
// snapshots debounces bursts of backend events into one callback per
// observed change; the final state is never dropped because polling
// converges on it.
func (m *Monitor) watchLoop(stopChan <-chan struct{}, wake <-chan struct{},
	last Snapshot, onChange func(Snapshot)) {

	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stopChan:
			return
		case <-ticker.C:
		case <-wake:
		}

		cur, err := m.CurrentRoute()
		if err != nil {
			m.log.Warnf("Route query failed while watching: %v", err)
			continue
		}
		if cur.Equal(last) {
			continue
		}
		m.log.Debugf("Route changed: %d inputs, %d outputs, hands-free available=%v active=%v",
			len(cur.Inputs), len(cur.Outputs), cur.HandsFreeAvailable, cur.HandsFreeActive)
		last = cur
		onChange(cur)
	}
}

// StopWatching unsubscribes and joins the watch goroutine. It is safe
// to call when not watching.
func (m *Monitor) StopWatching() {
	m.mtx.Lock()
	if !m.watching {
		m.mtx.Unlock()
		return
	}
	m.watching = false
	close(m.stopChan)
	hfStop := m.hfStop
	m.hfStop = nil
	m.mtx.Unlock()

	if hfStop != nil {
		hfStop()
	}
	m.wg.Wait()
	m.log.Debugf("Stopped watching audio route")
}
