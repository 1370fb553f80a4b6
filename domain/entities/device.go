package entities

import "strings"

// AudioDevice represents an audio input device as listed by the platform
type AudioDevice struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

// virtualDeviceMarkers are label fragments of loopback and virtual inputs.
// Those devices capture system output instead of the speakerphone.
var virtualDeviceMarkers = []string{
	"virtual",
	"loopback",
	"blackhole",
	"soundflower",
	"stereo mix",
	"monitor of",
}

// IsVirtual reports whether the device looks like a virtual or loopback input
func (d AudioDevice) IsVirtual() bool {
	label := strings.ToLower(d.Label)
	for _, marker := range virtualDeviceMarkers {
		if strings.Contains(label, marker) {
			return true
		}
	}
	return false
}

// FilterPhysicalDevices drops virtual and loopback devices, keeping order
func FilterPhysicalDevices(devices []AudioDevice) []AudioDevice {
	filtered := make([]AudioDevice, 0, len(devices))
	for _, d := range devices {
		if d.IsVirtual() {
			continue
		}
		filtered = append(filtered, d)
	}
	return filtered
}
