package route

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/btlink/btaudio/internal/driver"
)

// fakeDriver serves a mutable device list for monitor tests.
type fakeDriver struct {
	mtx     sync.Mutex
	devices driver.Devices
}

func (f *fakeDriver) Name() string { return "fake" }

func (f *fakeDriver) Devices() (driver.Devices, error) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	return f.devices, nil
}

func (f *fakeDriver) setDevices(d driver.Devices) {
	f.mtx.Lock()
	f.devices = d
	f.mtx.Unlock()
}

func (f *fakeDriver) InitCapture(driver.StreamConfig, driver.DataProc) (driver.Device, error) {
	panic("not used")
}

func (f *fakeDriver) InitPlayback(driver.StreamConfig, driver.DataProc) (driver.Device, error) {
	panic("not used")
}

func (f *fakeDriver) Free() error { return nil }

// fakeHandsFree is a HandsFree with settable state.
type fakeHandsFree struct {
	mtx   sync.Mutex
	state HandsFreeState
	wake  chan<- struct{}
}

func (f *fakeHandsFree) State(context.Context) (HandsFreeState, error) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	return f.state, nil
}

func (f *fakeHandsFree) Engage(context.Context) error {
	f.setActive(true)
	return nil
}

func (f *fakeHandsFree) Release(context.Context) error {
	f.setActive(false)
	return nil
}

func (f *fakeHandsFree) setActive(active bool) {
	f.mtx.Lock()
	f.state.Active = active
	wake := f.wake
	f.mtx.Unlock()
	f.nudge(wake)
}

func (f *fakeHandsFree) setAvailable(available bool) {
	f.mtx.Lock()
	f.state.Available = available
	wake := f.wake
	f.mtx.Unlock()
	f.nudge(wake)
}

func (f *fakeHandsFree) nudge(wake chan<- struct{}) {
	if wake != nil {
		select {
		case wake <- struct{}{}:
		default:
		}
	}
}

func (f *fakeHandsFree) Subscribe(wake chan<- struct{}) (func(), error) {
	f.mtx.Lock()
	f.wake = wake
	f.mtx.Unlock()
	return func() {}, nil
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		info     driver.DeviceInfo
		capture  bool
		wantKind DeviceKind
		wantAddr string
	}{
		{
			name:     "builtin mic",
			info:     driver.DeviceInfo{Name: "Built-in Microphone"},
			capture:  true,
			wantKind: KindBuiltInMic,
		},
		{
			name:     "builtin speaker",
			info:     driver.DeviceInfo{Name: "Internal Speakers"},
			capture:  false,
			wantKind: KindBuiltInSpeaker,
		},
		{
			name:     "wired headphones",
			info:     driver.DeviceInfo{Name: "Headphones"},
			capture:  false,
			wantKind: KindWiredHeadset,
		},
		{
			name:     "usb interface",
			info:     driver.DeviceInfo{Name: "USB Audio CODEC"},
			capture:  false,
			wantKind: KindUSB,
		},
		{
			name:     "bluez a2dp sink",
			info:     driver.DeviceInfo{Name: "bluez_sink.AA_BB_CC_DD_EE_FF.a2dp_sink"},
			capture:  false,
			wantKind: KindBluetoothA2DP,
			wantAddr: "AA:BB:CC:DD:EE:FF",
		},
		{
			name:     "bluez headset unit",
			info:     driver.DeviceInfo{Name: "bluez_sink.AA_BB_CC_DD_EE_FF.headset_head_unit"},
			capture:  false,
			wantKind: KindBluetoothSCO,
			wantAddr: "AA:BB:CC:DD:EE:FF",
		},
		{
			name:     "bluetooth capture defaults to voice link",
			info:     driver.DeviceInfo{Name: "WH-1000XM4", Native: "Bluetooth"},
			capture:  true,
			wantKind: KindBluetoothSCO,
		},
		{
			name:     "bluetooth playback defaults to media link",
			info:     driver.DeviceInfo{Name: "WH-1000XM4", Native: "Bluetooth"},
			capture:  false,
			wantKind: KindBluetoothA2DP,
		},
		{
			name:     "unknown stays other",
			info:     driver.DeviceInfo{Name: "Loopback Device", Native: "virtual"},
			capture:  false,
			wantKind: KindOther,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			dev := Classify(tc.info, tc.capture)
			if dev.Kind != tc.wantKind {
				t.Errorf("Expected kind %s, got %s", tc.wantKind, dev.Kind)
			}
			if dev.Address != tc.wantAddr {
				t.Errorf("Expected address %q, got %q", tc.wantAddr, dev.Address)
			}
			if dev.Name != tc.info.Name {
				t.Errorf("Name not preserved: %q", dev.Name)
			}
		})
	}
}

func TestSnapshotEqual(t *testing.T) {
	base := Snapshot{
		Inputs:     []Device{{ID: "1", Kind: KindBuiltInMic, Name: "Mic"}},
		Outputs:    []Device{{ID: "2", Kind: KindBuiltInSpeaker, Name: "Speaker"}},
		CapturedAt: time.Now(),
	}

	same := base
	same.CapturedAt = base.CapturedAt.Add(time.Hour)
	if !base.Equal(same) {
		t.Error("Snapshots differing only in CapturedAt should be equal")
	}

	flipped := base
	flipped.HandsFreeAvailable = true
	if base.Equal(flipped) {
		t.Error("Hands-free change should make snapshots unequal")
	}

	extra := base
	extra.Inputs = append([]Device{}, base.Inputs...)
	extra.Inputs = append(extra.Inputs, Device{ID: "3", Kind: KindUSB})
	if base.Equal(extra) {
		t.Error("Device list change should make snapshots unequal")
	}
}

func TestCurrentRoute(t *testing.T) {
	drv := &fakeDriver{devices: driver.Devices{
		Capture:  []driver.DeviceInfo{{ID: "in0", Name: "Built-in Microphone", IsDefault: true}},
		Playback: []driver.DeviceInfo{{ID: "out0", Name: "Internal Speakers", IsDefault: true}},
	}}
	hf := &fakeHandsFree{state: HandsFreeState{Available: true}}
	m := NewMonitor(drv, hf, nil)

	snap, err := m.CurrentRoute()
	if err != nil {
		t.Fatalf("CurrentRoute failed: %v", err)
	}
	if len(snap.Inputs) != 1 || snap.Inputs[0].Kind != KindBuiltInMic {
		t.Errorf("Unexpected inputs: %+v", snap.Inputs)
	}
	if len(snap.Outputs) != 1 || snap.Outputs[0].Kind != KindBuiltInSpeaker {
		t.Errorf("Unexpected outputs: %+v", snap.Outputs)
	}
	if !snap.HandsFreeAvailable || snap.HandsFreeActive {
		t.Errorf("Unexpected hands-free state: %+v", snap)
	}
	if snap.CapturedAt.IsZero() {
		t.Error("CapturedAt not set")
	}
}

func TestWatchReportsChangeOnce(t *testing.T) {
	drv := &fakeDriver{devices: driver.Devices{
		Capture: []driver.DeviceInfo{{ID: "in0", Name: "Built-in Microphone"}},
	}}
	hf := &fakeHandsFree{state: HandsFreeState{Available: true}}
	m := NewMonitor(drv, hf, nil, WithPollInterval(10*time.Millisecond))

	changes := make(chan Snapshot, 16)
	err := m.StartWatching(func(s Snapshot) { changes <- s })
	if err != nil {
		t.Fatalf("StartWatching failed: %v", err)
	}
	defer m.StopWatching()

	// A second start while watching is a no-op.
	if err := m.StartWatching(func(Snapshot) {}); err != nil {
		t.Fatalf("Second StartWatching failed: %v", err)
	}

	// No change yet: no callback.
	select {
	case s := <-changes:
		t.Fatalf("Unexpected change callback: %+v", s)
	case <-time.After(50 * time.Millisecond):
	}

	// Engage the voice link; exactly one callback for the transition.
	hf.setActive(true)

	select {
	case s := <-changes:
		if !s.HandsFreeActive {
			t.Errorf("Expected hands-free active in change snapshot: %+v", s)
		}
	case <-time.After(time.Second):
		t.Fatal("Timed out waiting for change callback")
	}

	select {
	case s := <-changes:
		t.Fatalf("Duplicate change callback: %+v", s)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestWatchHandsFreeBecomesAvailable(t *testing.T) {
	drv := &fakeDriver{}
	hf := &fakeHandsFree{}
	m := NewMonitor(drv, hf, nil, WithPollInterval(10*time.Millisecond))

	changes := make(chan Snapshot, 16)
	if err := m.StartWatching(func(s Snapshot) { changes <- s }); err != nil {
		t.Fatalf("StartWatching failed: %v", err)
	}
	defer m.StopWatching()

	// A headset connects: availability flips false to true with exactly
	// one callback.
	hf.setAvailable(true)

	select {
	case s := <-changes:
		if !s.HandsFreeAvailable {
			t.Errorf("Expected hands-free available: %+v", s)
		}
		if s.HandsFreeActive {
			t.Errorf("Connect alone must not engage the link: %+v", s)
		}
	case <-time.After(time.Second):
		t.Fatal("Timed out waiting for availability callback")
	}

	select {
	case s := <-changes:
		t.Fatalf("Duplicate change callback: %+v", s)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestWatchDeviceListChange(t *testing.T) {
	drv := &fakeDriver{devices: driver.Devices{
		Playback: []driver.DeviceInfo{{ID: "out0", Name: "Internal Speakers"}},
	}}
	m := NewMonitor(drv, nil, nil, WithPollInterval(10*time.Millisecond))

	changes := make(chan Snapshot, 16)
	if err := m.StartWatching(func(s Snapshot) { changes <- s }); err != nil {
		t.Fatalf("StartWatching failed: %v", err)
	}
	defer m.StopWatching()

	drv.setDevices(driver.Devices{
		Playback: []driver.DeviceInfo{
			{ID: "out0", Name: "Internal Speakers"},
			{ID: "out1", Name: "bluez_sink.AA_BB_CC_DD_EE_FF.a2dp_sink"},
		},
	})

	select {
	case s := <-changes:
		if len(s.Outputs) != 2 {
			t.Errorf("Expected 2 outputs in change snapshot, got %d", len(s.Outputs))
		}
		if s.Outputs[1].Kind != KindBluetoothA2DP {
			t.Errorf("Expected Bluetooth output, got %s", s.Outputs[1].Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("Timed out waiting for device change callback")
	}
}

func TestStartWatchingNilCallback(t *testing.T) {
	m := NewMonitor(&fakeDriver{}, nil, nil)
	if err := m.StartWatching(nil); err == nil {
		t.Error("Expected error for nil callback")
	}
}

func TestStopWatchingIdempotent(t *testing.T) {
	m := NewMonitor(&fakeDriver{}, nil, nil, WithPollInterval(10*time.Millisecond))

	// Stop before start is safe.
	m.StopWatching()

	if err := m.StartWatching(func(Snapshot) {}); err != nil {
		t.Fatalf("StartWatching failed: %v", err)
	}
	m.StopWatching()
	m.StopWatching()
}

func TestNullHandsFree(t *testing.T) {
	hf := NewNullHandsFree()
	ctx := context.Background()

	state, err := hf.State(ctx)
	if err != nil {
		t.Fatalf("State failed: %v", err)
	}
	if state.Available || state.Active {
		t.Errorf("Null hands-free should report nothing available: %+v", state)
	}

	if err := hf.Engage(ctx); err == nil {
		t.Error("Expected Engage to fail with no hands-free stack")
	}
	if err := hf.Release(ctx); err != nil {
		t.Errorf("Release should be a no-op, got: %v", err)
	}

	stop, err := hf.Subscribe(make(chan struct{}, 1))
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	stop()
}
