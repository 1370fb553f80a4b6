package entities

import "testing"

func TestFilterPhysicalDevices(t *testing.T) {
	devices := []AudioDevice{
		{ID: "1", Label: "MacBook Pro Microphone"},
		{ID: "2", Label: "BlackHole 2ch"},
		{ID: "3", Label: "Monitor of Built-in Audio"},
		{ID: "4", Label: "USB Headset"},
		{ID: "5", Label: "CABLE Output (VB-Audio Virtual Cable)"},
		{ID: "6", Label: "Stereo Mix (Realtek)"},
	}

	got := FilterPhysicalDevices(devices)
	if len(got) != 2 {
		t.Fatalf("Expected 2 physical devices, got %d: %+v", len(got), got)
	}
	if got[0].ID != "1" || got[1].ID != "4" {
		t.Errorf("Expected devices 1 and 4 in order, got %+v", got)
	}
}

func TestAudioDeviceIsVirtual(t *testing.T) {
	if (AudioDevice{Label: ""}).IsVirtual() {
		t.Error("Unlabelled device should not be treated as virtual")
	}
	if !(AudioDevice{Label: "Loopback Audio"}).IsVirtual() {
		t.Error("Loopback device should be treated as virtual")
	}
}
