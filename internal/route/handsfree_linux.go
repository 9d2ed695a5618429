//go:build linux

package route

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	"github.com/decred/slog"
	"github.com/godbus/dbus/v5"

	"github.com/btlink/btaudio/internal/audioerr"
)

// Hands-free and headset profile UUIDs advertised by BlueZ devices.
var handsFreeUUIDPrefixes = []string{
	"0000111e", // HFP hands-free
	"0000111f", // HFP audio gateway
	"00001108", // HSP headset
	"00001112", // HSP audio gateway
}

// Profile names understood by PulseAudio and PipeWire for the voice and
// media modes of a Bluetooth card.
var (
	voiceProfiles = []string{"headset_head_unit", "headset-head-unit"}
	mediaProfiles = []string{"a2dp_sink", "a2dp-sink"}
)

// commandRunner runs an external command and returns its stdout. It is
// injectable so tests never touch pactl.
type commandRunner interface {
	output(ctx context.Context, name string, args ...string) (string, error)
}

type execRunner struct{}

func (execRunner) output(ctx context.Context, name string, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, name, args...).Output()
	return string(out), err
}

// blueZHandsFree observes hands-free availability through BlueZ on the
// system D-Bus and toggles the voice link by switching the sound
// server's Bluetooth card profile.
type blueZHandsFree struct {
	conn *dbus.Conn
	run  commandRunner
	log  slog.Logger

	mtx     sync.Mutex
	engaged bool
}

func newPlatformHandsFree(log slog.Logger) (HandsFree, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("connect system bus: %w", err)
	}
	return &blueZHandsFree{
		conn: conn,
		run:  execRunner{},
		log:  log,
	}, nil
}

// managedObjects fetches the BlueZ object tree.
func (b *blueZHandsFree) managedObjects(ctx context.Context) (map[dbus.ObjectPath]map[string]map[string]dbus.Variant, error) {
	var objs map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	obj := b.conn.Object("org.bluez", dbus.ObjectPath("/"))
	err := obj.CallWithContext(ctx, "org.freedesktop.DBus.ObjectManager.GetManagedObjects", 0).Store(&objs)
	if err != nil {
		return nil, fmt.Errorf("GetManagedObjects: %w", err)
	}
	return objs, nil
}

// handsFreeDeviceConnected reports whether any connected BlueZ device
// advertises a hands-free or headset profile.
func (b *blueZHandsFree) handsFreeDeviceConnected(ctx context.Context) (bool, error) {
	objs, err := b.managedObjects(ctx)
	if err != nil {
		return false, err
	}

	for _, ifaces := range objs {
		props, ok := ifaces["org.bluez.Device1"]
		if !ok {
			continue
		}
		connected, _ := props["Connected"].Value().(bool)
		if !connected {
			continue
		}
		uuids, _ := props["UUIDs"].Value().([]string)
		for _, uuid := range uuids {
			for _, prefix := range handsFreeUUIDPrefixes {
				if strings.HasPrefix(strings.ToLower(uuid), prefix) {
					return true, nil
				}
			}
		}
	}
	return false, nil
}

// bluezCard returns the sound server card backing the Bluetooth device,
// or "" when none is registered.
func (b *blueZHandsFree) bluezCard(ctx context.Context) (string, error) {
	out, err := b.run.output(ctx, "pactl", "list", "cards", "short")
	if err != nil {
		return "", fmt.Errorf("pactl list cards: %w", err)
	}
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		for _, f := range fields {
			if strings.HasPrefix(f, "bluez_card.") {
				return f, nil
			}
		}
	}
	return "", nil
}

// activeVoiceProfile reports whether the Bluetooth card currently runs
// a headset/hands-free profile.
func (b *blueZHandsFree) activeVoiceProfile(ctx context.Context) (bool, error) {
	out, err := b.run.output(ctx, "pactl", "list", "cards")
	if err != nil {
		return false, fmt.Errorf("pactl list cards: %w", err)
	}

	inBluezCard := false
	for _, line := range strings.Split(out, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "Name:") {
			inBluezCard = strings.Contains(trimmed, "bluez_card.")
			continue
		}
		if inBluezCard && strings.HasPrefix(trimmed, "Active Profile:") {
			profile := strings.TrimSpace(strings.TrimPrefix(trimmed, "Active Profile:"))
			return strings.Contains(profile, "headset") ||
				strings.Contains(profile, "handsfree"), nil
		}
	}
	return false, nil
}

func (b *blueZHandsFree) State(ctx context.Context) (HandsFreeState, error) {
	available, err := b.handsFreeDeviceConnected(ctx)
	if err != nil {
		return HandsFreeState{}, err
	}
	if !available {
		return HandsFreeState{}, nil
	}

	active, err := b.activeVoiceProfile(ctx)
	if err != nil {
		// The sound server may not expose the card; fall back to the
		// engagement state this controller tracks itself.
		b.mtx.Lock()
		active = b.engaged
		b.mtx.Unlock()
		b.log.Debugf("Profile query failed, using tracked state: %v", err)
	}
	return HandsFreeState{Available: true, Active: active}, nil
}

// setProfile tries each candidate profile name until one sticks.
func (b *blueZHandsFree) setProfile(ctx context.Context, card string, profiles []string) error {
	var lastErr error
	for _, profile := range profiles {
		_, lastErr = b.run.output(ctx, "pactl", "set-card-profile", card, profile)
		if lastErr == nil {
			b.log.Debugf("Switched %s to profile %s", card, profile)
			return nil
		}
	}
	return lastErr
}

func (b *blueZHandsFree) Engage(ctx context.Context) error {
	available, err := b.handsFreeDeviceConnected(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", audioerr.ErrDeviceUnavailable, err)
	}
	if !available {
		return fmt.Errorf("%w: no hands-free device connected", audioerr.ErrDeviceUnavailable)
	}

	card, err := b.bluezCard(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", audioerr.ErrDeviceUnavailable, err)
	}
	if card == "" {
		return fmt.Errorf("%w: bluetooth device has no sound card", audioerr.ErrDeviceUnavailable)
	}
	if err := b.setProfile(ctx, card, voiceProfiles); err != nil {
		return fmt.Errorf("%w: engage voice profile: %v", audioerr.ErrDeviceUnavailable, err)
	}

	b.mtx.Lock()
	b.engaged = true
	b.mtx.Unlock()
	b.log.Infof("Engaged Bluetooth hands-free link on %s", card)
	return nil
}

func (b *blueZHandsFree) Release(ctx context.Context) error {
	b.mtx.Lock()
	wasEngaged := b.engaged
	b.engaged = false
	b.mtx.Unlock()
	if !wasEngaged {
		return nil
	}

	card, err := b.bluezCard(ctx)
	if err != nil || card == "" {
		// Device may have disconnected while engaged; nothing to
		// restore.
		b.log.Debugf("No Bluetooth card to release: %v", err)
		return nil
	}
	if err := b.setProfile(ctx, card, mediaProfiles); err != nil {
		return fmt.Errorf("restore media profile: %w", err)
	}
	b.log.Infof("Released Bluetooth hands-free link on %s", card)
	return nil
}

// Subscribe forwards BlueZ property and object changes as wake nudges.
func (b *blueZHandsFree) Subscribe(wake chan<- struct{}) (func(), error) {
	matchOpts := [][]dbus.MatchOption{
		{
			dbus.WithMatchSender("org.bluez"),
			dbus.WithMatchInterface("org.freedesktop.DBus.Properties"),
			dbus.WithMatchMember("PropertiesChanged"),
		},
		{
			dbus.WithMatchSender("org.bluez"),
			dbus.WithMatchInterface("org.freedesktop.DBus.ObjectManager"),
		},
	}
	for _, opts := range matchOpts {
		if err := b.conn.AddMatchSignal(opts...); err != nil {
			return nil, fmt.Errorf("add signal match: %w", err)
		}
	}

	sigCh := make(chan *dbus.Signal, 16)
	b.conn.Signal(sigCh)

	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case _, ok := <-sigCh:
				if !ok {
					return
				}
				select {
				case wake <- struct{}{}:
				default:
				}
			}
		}
	}()

	stop := func() {
		close(done)
		b.conn.RemoveSignal(sigCh)
		for _, opts := range matchOpts {
			if err := b.conn.RemoveMatchSignal(opts...); err != nil {
				b.log.Debugf("Remove signal match: %v", err)
			}
		}
	}
	return stop, nil
}
