package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gopxl/beep"
	"github.com/gopxl/beep/wav"
	"go.uber.org/zap"

	"github.com/Aayaan-Sahu/kova/domain"
	"github.com/Aayaan-Sahu/kova/domain/entities"
	"github.com/Aayaan-Sahu/kova/domain/repositories"
)

// WavDirConfig configures the file-backed microphone
type WavDirConfig struct {
	Dir string
	// Loop restarts a file when it ends instead of ending the stream
	Loop bool
	// Realtime paces reads to the file's sample rate
	Realtime bool
}

// WavDirInput exposes every *.wav file in a directory as an input device.
// The device ID is the file name and the label is derived from it.
type WavDirInput struct {
	config WavDirConfig
	logger *zap.Logger
}

var _ repositories.AudioInput = (*WavDirInput)(nil)

// NewWavDirInput creates a file-backed audio input
func NewWavDirInput(config WavDirConfig, logger *zap.Logger) *WavDirInput {
	return &WavDirInput{
		config: config,
		logger: logger.Named("wavdir"),
	}
}

// RequestPermission checks the directory is readable
func (w *WavDirInput) RequestPermission(ctx context.Context) error {
	if _, err := os.ReadDir(w.config.Dir); err != nil {
		if errors.Is(err, fs.ErrPermission) {
			return fmt.Errorf("%w: %v", domain.ErrPermissionDenied, err)
		}
		return fmt.Errorf("%w: %v", domain.ErrDeviceUnavailable, err)
	}
	return nil
}

// Devices lists the wav files in the directory, sorted by name
func (w *WavDirInput) Devices(ctx context.Context) ([]entities.AudioDevice, error) {
	entries, err := os.ReadDir(w.config.Dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read audio directory: %w", err)
	}

	var devices []entities.AudioDevice
	for _, entry := range entries {
		if entry.IsDir() || !strings.EqualFold(filepath.Ext(entry.Name()), ".wav") {
			continue
		}
		devices = append(devices, entities.AudioDevice{
			ID:    entry.Name(),
			Label: deviceLabel(entry.Name()),
		})
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].ID < devices[j].ID })
	return devices, nil
}

func deviceLabel(name string) string {
	label := strings.TrimSuffix(name, filepath.Ext(name))
	return strings.NewReplacer("_", " ", "-", " ").Replace(label)
}

// Open decodes the selected file. Constraints are accepted but the file is
// played back unprocessed.
func (w *WavDirInput) Open(ctx context.Context, deviceID string, constraints repositories.CaptureConstraints) (repositories.AudioStream, error) {
	if deviceID == "" {
		devices, err := w.Devices(ctx)
		if err != nil {
			return nil, err
		}
		physical := entities.FilterPhysicalDevices(devices)
		if len(physical) == 0 {
			return nil, fmt.Errorf("%w: no wav files in %s", domain.ErrDeviceUnavailable, w.config.Dir)
		}
		deviceID = physical[0].ID
	}

	path := filepath.Join(w.config.Dir, filepath.Base(deviceID))
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrPermission) {
			return nil, fmt.Errorf("%w: %v", domain.ErrPermissionDenied, err)
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrDeviceUnavailable, err)
	}

	streamer, format, err := wav.Decode(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to decode wav file %s: %w", deviceID, err)
	}

	w.logger.Info("Opened wav device",
		zap.String("deviceID", deviceID),
		zap.Int("sampleRate", int(format.SampleRate)),
		zap.Int("channels", format.NumChannels),
		zap.Bool("loop", w.config.Loop))

	return &wavStream{
		streamer: streamer,
		format:   format,
		loop:     w.config.Loop,
		realtime: w.config.Realtime,
		closed:   make(chan struct{}),
	}, nil
}

type wavStream struct {
	mu       sync.Mutex
	streamer beep.StreamSeekCloser
	format   beep.Format
	loop     bool
	realtime bool
	scratch  [][2]float64

	closeOnce sync.Once
	closed    chan struct{}
}

func (s *wavStream) SampleRate() int {
	return int(s.format.SampleRate)
}

// Read fills buf with mono samples, mixing stereo down
func (s *wavStream) Read(buf []float32) (int, error) {
	if s.realtime {
		select {
		case <-time.After(s.format.SampleRate.D(len(buf))):
		case <-s.closed:
			return 0, io.EOF
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-s.closed:
		return 0, io.EOF
	default:
	}

	if cap(s.scratch) < len(buf) {
		s.scratch = make([][2]float64, len(buf))
	}
	samples := s.scratch[:len(buf)]

	filled := 0
	rewound := false
	for filled < len(buf) {
		n, ok := s.streamer.Stream(samples[filled:])
		for i := filled; i < filled+n; i++ {
			buf[i] = float32((samples[i][0] + samples[i][1]) / 2)
		}
		filled += n
		if ok && n > 0 {
			rewound = false
			continue
		}
		if err := s.streamer.Err(); err != nil {
			return filled, fmt.Errorf("failed to read wav stream: %w", err)
		}
		// an empty file must not spin forever
		if !s.loop || rewound {
			return filled, io.EOF
		}
		if err := s.streamer.Seek(0); err != nil {
			return filled, fmt.Errorf("failed to rewind wav stream: %w", err)
		}
		rewound = true
	}
	return filled, nil
}

func (s *wavStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		s.mu.Lock()
		defer s.mu.Unlock()
		err = s.streamer.Close()
	})
	return err
}
