package audio

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/Aayaan-Sahu/kova/domain"
	"github.com/Aayaan-Sahu/kova/domain/entities"
	"github.com/Aayaan-Sahu/kova/domain/repositories"
)

// MockAudioInput is an in-memory microphone for tests and demos. Blocks are
// pushed into the opened streams by the caller.
type MockAudioInput struct {
	mu            sync.Mutex
	rate          int
	devices       []entities.AudioDevice
	permissionErr error
	openErr       error
	openGate      chan struct{}

	permissionRequests int
	streams            []*MockStream
}

var _ repositories.AudioInput = (*MockAudioInput)(nil)

// NewMockAudioInput creates a mock input with the given native sample rate
func NewMockAudioInput(sampleRate int, devices ...entities.AudioDevice) *MockAudioInput {
	return &MockAudioInput{
		rate:    sampleRate,
		devices: devices,
	}
}

// SetPermissionError makes RequestPermission fail with err
func (m *MockAudioInput) SetPermissionError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.permissionErr = err
}

// SetOpenError makes Open fail with err
func (m *MockAudioInput) SetOpenError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.openErr = err
}

// SetDevices replaces the device list
func (m *MockAudioInput) SetDevices(devices ...entities.AudioDevice) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.devices = devices
}

// HoldOpen makes the next Open calls block until the returned func is called
func (m *MockAudioInput) HoldOpen() (release func()) {
	gate := make(chan struct{})
	m.mu.Lock()
	m.openGate = gate
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			if m.openGate == gate {
				m.openGate = nil
			}
			m.mu.Unlock()
			close(gate)
		})
	}
}

// RequestPermission implements repositories.AudioInput
func (m *MockAudioInput) RequestPermission(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.permissionRequests++
	return m.permissionErr
}

// Devices implements repositories.AudioInput
func (m *MockAudioInput) Devices(ctx context.Context) ([]entities.AudioDevice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	devices := make([]entities.AudioDevice, len(m.devices))
	copy(devices, m.devices)
	return devices, nil
}

// Open implements repositories.AudioInput
func (m *MockAudioInput) Open(ctx context.Context, deviceID string, constraints repositories.CaptureConstraints) (repositories.AudioStream, error) {
	m.mu.Lock()
	gate := m.openGate
	m.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.openErr != nil {
		return nil, m.openErr
	}
	if deviceID != "" {
		found := false
		for _, d := range m.devices {
			if d.ID == deviceID {
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("%w: %s", domain.ErrDeviceUnavailable, deviceID)
		}
	}

	stream := &MockStream{
		rate:        m.rate,
		deviceID:    deviceID,
		constraints: constraints,
		blocks:      make(chan []float32, 64),
		closed:      make(chan struct{}),
	}
	m.streams = append(m.streams, stream)
	return stream, nil
}

// PermissionRequests returns how many times permission was requested
func (m *MockAudioInput) PermissionRequests() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.permissionRequests
}

// Streams returns every stream opened so far
func (m *MockAudioInput) Streams() []*MockStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	streams := make([]*MockStream, len(m.streams))
	copy(streams, m.streams)
	return streams
}

// LastStream returns the most recently opened stream, or nil
func (m *MockAudioInput) LastStream() *MockStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.streams) == 0 {
		return nil
	}
	return m.streams[len(m.streams)-1]
}

// MockStream is a capture fed by Push
type MockStream struct {
	rate        int
	deviceID    string
	constraints repositories.CaptureConstraints
	blocks      chan []float32
	closed      chan struct{}
	closeOnce   sync.Once
}

// SampleRate implements repositories.AudioStream
func (s *MockStream) SampleRate() int {
	return s.rate
}

// Constraints returns what the stream was opened with
func (s *MockStream) Constraints() repositories.CaptureConstraints {
	return s.constraints
}

// Push queues one block of samples. It returns false once the stream is closed.
func (s *MockStream) Push(block []float32) bool {
	select {
	case <-s.closed:
		return false
	default:
	}
	select {
	case s.blocks <- block:
		return true
	case <-s.closed:
		return false
	}
}

// Read implements repositories.AudioStream
func (s *MockStream) Read(buf []float32) (int, error) {
	select {
	case <-s.closed:
		return 0, io.EOF
	default:
	}
	select {
	case block := <-s.blocks:
		return copy(buf, block), nil
	case <-s.closed:
		return 0, io.EOF
	}
}

// Close implements repositories.AudioStream
func (s *MockStream) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

// Closed reports whether the stream was closed
func (s *MockStream) Closed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}
