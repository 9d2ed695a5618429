//go:build linux

package route

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/decred/slog"
)

// fakeRunner replays canned pactl output and records the commands run.
type fakeRunner struct {
	outputs map[string]string
	errs    map[string]error
	calls   []string
}

func (f *fakeRunner) output(ctx context.Context, name string, args ...string) (string, error) {
	key := name
	for _, a := range args {
		key += " " + a
	}
	f.calls = append(f.calls, key)
	if err, ok := f.errs[key]; ok {
		return "", err
	}
	return f.outputs[key], nil
}

const cardsShort = `0	alsa_card.pci-0000_00_1f.3	module-alsa-card.c
1	bluez_card.AA_BB_CC_DD_EE_FF	module-bluez5-device.c
`

const cardsFullVoice = `Card #0
	Name: alsa_card.pci-0000_00_1f.3
	Active Profile: output:analog-stereo+input:analog-stereo
Card #1
	Name: bluez_card.AA_BB_CC_DD_EE_FF
	Active Profile: headset_head_unit
`

const cardsFullMedia = `Card #0
	Name: alsa_card.pci-0000_00_1f.3
	Active Profile: output:analog-stereo+input:analog-stereo
Card #1
	Name: bluez_card.AA_BB_CC_DD_EE_FF
	Active Profile: a2dp_sink
`

func TestBluezCard(t *testing.T) {
	run := &fakeRunner{outputs: map[string]string{
		"pactl list cards short": cardsShort,
	}}
	b := &blueZHandsFree{run: run, log: slog.Disabled}

	card, err := b.bluezCard(context.Background())
	if err != nil {
		t.Fatalf("bluezCard failed: %v", err)
	}
	if card != "bluez_card.AA_BB_CC_DD_EE_FF" {
		t.Errorf("Expected bluez card, got %q", card)
	}
}

func TestBluezCardAbsent(t *testing.T) {
	run := &fakeRunner{outputs: map[string]string{
		"pactl list cards short": "0\talsa_card.pci-0000_00_1f.3\tmodule-alsa-card.c\n",
	}}
	b := &blueZHandsFree{run: run, log: slog.Disabled}

	card, err := b.bluezCard(context.Background())
	if err != nil {
		t.Fatalf("bluezCard failed: %v", err)
	}
	if card != "" {
		t.Errorf("Expected no card, got %q", card)
	}
}

func TestActiveVoiceProfile(t *testing.T) {
	tests := []struct {
		name   string
		output string
		want   bool
	}{
		{"voice profile active", cardsFullVoice, true},
		{"media profile active", cardsFullMedia, false},
		{"no bluetooth card", "Card #0\n\tName: alsa_card.x\n\tActive Profile: analog\n", false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			run := &fakeRunner{outputs: map[string]string{
				"pactl list cards": tc.output,
			}}
			b := &blueZHandsFree{run: run, log: slog.Disabled}

			active, err := b.activeVoiceProfile(context.Background())
			if err != nil {
				t.Fatalf("activeVoiceProfile failed: %v", err)
			}
			if active != tc.want {
				t.Errorf("Expected active=%v, got %v", tc.want, active)
			}
		})
	}
}

func TestSetProfileFallsBack(t *testing.T) {
	// PipeWire spells the profile with dashes; the underscore variant
	// fails and the dashed one succeeds.
	card := "bluez_card.AA_BB_CC_DD_EE_FF"
	run := &fakeRunner{
		outputs: map[string]string{},
		errs: map[string]error{
			"pactl set-card-profile " + card + " headset_head_unit": fmt.Errorf("no such profile"),
		},
	}
	b := &blueZHandsFree{run: run, log: slog.Disabled}

	if err := b.setProfile(context.Background(), card, voiceProfiles); err != nil {
		t.Fatalf("setProfile failed: %v", err)
	}

	want := "pactl set-card-profile " + card + " headset-head-unit"
	found := false
	for _, call := range run.calls {
		if call == want {
			found = true
		}
	}
	if !found {
		t.Errorf("Expected fallback call %q, got %v", want, run.calls)
	}
}

func TestSetProfileAllFail(t *testing.T) {
	card := "bluez_card.AA_BB_CC_DD_EE_FF"
	wantErr := errors.New("no such profile")
	run := &fakeRunner{
		errs: map[string]error{
			"pactl set-card-profile " + card + " headset_head_unit": wantErr,
			"pactl set-card-profile " + card + " headset-head-unit": wantErr,
		},
	}
	b := &blueZHandsFree{run: run, log: slog.Disabled}

	if err := b.setProfile(context.Background(), card, voiceProfiles); !errors.Is(err, wantErr) {
		t.Errorf("Expected profile error, got %v", err)
	}
}

func TestReleaseWithoutEngage(t *testing.T) {
	// Release must not touch the sound server when nothing was
	// engaged.
	run := &fakeRunner{}
	b := &blueZHandsFree{run: run, log: slog.Disabled}

	if err := b.Release(context.Background()); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if len(run.calls) != 0 {
		t.Errorf("Expected no commands, got %v", run.calls)
	}
}

func TestReleaseRestoresMediaProfile(t *testing.T) {
	run := &fakeRunner{outputs: map[string]string{
		"pactl list cards short": cardsShort,
	}}
	b := &blueZHandsFree{run: run, log: slog.Disabled}
	b.engaged = true

	if err := b.Release(context.Background()); err != nil {
		t.Fatalf("Release failed: %v", err)
	}

	want := "pactl set-card-profile bluez_card.AA_BB_CC_DD_EE_FF a2dp_sink"
	found := false
	for _, call := range run.calls {
		if call == want {
			found = true
		}
	}
	if !found {
		t.Errorf("Expected %q, got %v", want, run.calls)
	}
}
