package repositories

import (
	"context"

	"github.com/Aayaan-Sahu/kova/domain/entities"
)

// CaptureConstraints are the processing options requested from the platform
type CaptureConstraints struct {
	EchoCancellation bool
	NoiseSuppression bool
}

// AudioInput abstracts the platform's microphone access
type AudioInput interface {
	// RequestPermission asks the user/OS for microphone access. Refusal is
	// reported as domain.ErrPermissionDenied.
	RequestPermission(ctx context.Context) error
	// Devices lists the input devices currently known to the platform
	Devices(ctx context.Context) ([]entities.AudioDevice, error)
	// Open starts capture on a device. An empty deviceID selects the system
	// default; an unknown one fails with domain.ErrDeviceUnavailable.
	Open(ctx context.Context, deviceID string, constraints CaptureConstraints) (AudioStream, error)
}

// AudioStream is a live capture of mono float samples in [-1, 1]
type AudioStream interface {
	SampleRate() int
	// Read blocks until len(buf) samples are available or the stream ends
	Read(buf []float32) (int, error)
	// Close stops the underlying hardware capture
	Close() error
}
