// Package capture turns a platform microphone into a sequence of fixed-size
// sample blocks, one exclusive capture graph at a time.
package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"

	"github.com/Aayaan-Sahu/kova/domain"
	"github.com/Aayaan-Sahu/kova/domain/entities"
	"github.com/Aayaan-Sahu/kova/domain/repositories"
	"github.com/Aayaan-Sahu/kova/internal/mic"
	"github.com/Aayaan-Sahu/kova/internal/pcm"
)

// DefaultConstraints asks the platform for speakerphone friendly processing
var DefaultConstraints = repositories.CaptureConstraints{
	EchoCancellation: true,
	NoiseSuppression: true,
}

// Source hands out captures of the platform microphone
type Source struct {
	input       repositories.AudioInput
	token       *mic.Token
	constraints repositories.CaptureConstraints
	logger      *zap.Logger

	mu        sync.Mutex
	permitted bool
	devices   []entities.AudioDevice
}

// NewSource creates a capture source guarded by token
func NewSource(input repositories.AudioInput, token *mic.Token, logger *zap.Logger) *Source {
	return &Source{
		input:       input,
		token:       token,
		constraints: DefaultConstraints,
		logger:      logger.Named("capture"),
	}
}

// Devices lists physical input devices. Before the first permission grant the
// platform may return empty labels; the list is refreshed once permission is
// granted.
func (s *Source) Devices(ctx context.Context) ([]entities.AudioDevice, error) {
	devices, err := s.input.Devices(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate devices: %w", err)
	}
	devices = entities.FilterPhysicalDevices(devices)

	s.mu.Lock()
	s.devices = devices
	s.mu.Unlock()

	return devices, nil
}

// Acquire opens the device for owner. It fails with domain.ErrResourceBusy if
// another owner holds the microphone, domain.ErrPermissionDenied if access is
// refused, and domain.ErrDeviceUnavailable if the device disappeared.
func (s *Source) Acquire(ctx context.Context, owner, deviceID string) (*Capture, error) {
	lease, err := s.token.Acquire(owner)
	if err != nil {
		return nil, err
	}

	if err := s.ensurePermission(ctx, deviceID); err != nil {
		lease.Release()
		return nil, err
	}

	stream, err := s.input.Open(ctx, deviceID, s.constraints)
	if err != nil {
		lease.Release()
		return nil, fmt.Errorf("failed to open audio device: %w", err)
	}

	s.logger.Info("Audio capture acquired",
		zap.String("owner", owner),
		zap.String("deviceID", deviceID),
		zap.Int("sampleRate", stream.SampleRate()))

	return &Capture{
		stream: stream,
		lease:  lease,
		logger: s.logger.With(zap.String("owner", owner)),
		done:   make(chan struct{}),
	}, nil
}

func (s *Source) ensurePermission(ctx context.Context, deviceID string) error {
	s.mu.Lock()
	permitted := s.permitted
	s.mu.Unlock()
	if permitted {
		return nil
	}

	if err := s.input.RequestPermission(ctx); err != nil {
		if errors.Is(err, domain.ErrPermissionDenied) {
			return err
		}
		return fmt.Errorf("%w: %v", domain.ErrPermissionDenied, err)
	}

	s.mu.Lock()
	s.permitted = true
	s.mu.Unlock()

	// labels are only populated after the first grant
	devices, err := s.Devices(ctx)
	if err != nil {
		s.logger.Warn("Failed to refresh devices after permission grant", zap.Error(err))
		return nil
	}
	if deviceID == "" {
		return nil
	}
	for _, d := range devices {
		if d.ID == deviceID {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", domain.ErrDeviceUnavailable, deviceID)
}

// Capture is one open capture graph. onBlock deliveries happen on a single
// goroutine in capture order.
type Capture struct {
	stream repositories.AudioStream
	lease  *mic.Lease
	logger *zap.Logger

	mu      sync.Mutex
	started bool
	done    chan struct{}

	deliverMu    sync.Mutex
	disconnected bool
	onBlock      func([]float32)

	releaseOnce sync.Once
	releaseErr  error
}

// SampleRate is the native rate of the device
func (c *Capture) SampleRate() int {
	return c.stream.SampleRate()
}

// Start begins delivering pcm.BlockSize sample blocks to onBlock. onBlock
// must not call Disconnect or Release. Later calls are no-ops.
func (c *Capture) Start(onBlock func([]float32)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return
	}
	c.started = true
	c.onBlock = onBlock
	go c.pump()
}

func (c *Capture) pump() {
	defer close(c.done)

	blocks := 0
	for {
		buf := make([]float32, pcm.BlockSize)
		n, err := c.stream.Read(buf)
		if n == len(buf) {
			if !c.deliver(buf) {
				return
			}
			blocks++
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !c.isDisconnected() {
				c.logger.Error("Audio capture stopped", zap.Error(err))
			}
			c.logger.Debug("Capture pump finished", zap.Int("blocks", blocks))
			return
		}
	}
}

func (c *Capture) deliver(block []float32) bool {
	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()
	if c.disconnected {
		return false
	}
	c.onBlock(block)
	return true
}

func (c *Capture) isDisconnected() bool {
	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()
	return c.disconnected
}

// Disconnect detaches the processing node. No block is delivered after it
// returns. Safe to call repeatedly.
func (c *Capture) Disconnect() {
	c.deliverMu.Lock()
	c.disconnected = true
	c.deliverMu.Unlock()
}

// Release stops the hardware capture and gives the microphone back. It
// disconnects first if that has not happened yet. Safe to call repeatedly.
func (c *Capture) Release() error {
	c.releaseOnce.Do(func() {
		c.Disconnect()
		if err := c.stream.Close(); err != nil {
			c.releaseErr = fmt.Errorf("failed to close audio stream: %w", err)
		}

		c.mu.Lock()
		started := c.started
		c.mu.Unlock()
		if started {
			<-c.done
		}

		c.lease.Release()
		c.logger.Info("Audio capture released")
	})
	return c.releaseErr
}
