package audio

import (
	"context"
	"errors"
	"io"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/gopxl/beep"
	"github.com/gopxl/beep/wav"
	"go.uber.org/zap/zaptest"

	"github.com/Aayaan-Sahu/kova/domain"
	"github.com/Aayaan-Sahu/kova/domain/repositories"
)

func writeConstantWav(t *testing.T, path string, value float64, samples, channels int) {
	t.Helper()

	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("Failed to create wav file: %v", err)
	}
	defer f.Close()

	constant := beep.StreamerFunc(func(buf [][2]float64) (int, bool) {
		for i := range buf {
			buf[i] = [2]float64{value, value}
		}
		return len(buf), true
	})
	format := beep.Format{SampleRate: 16000, NumChannels: channels, Precision: 2}
	if err := wav.Encode(f, beep.Take(samples, constant), format); err != nil {
		t.Fatalf("Failed to encode wav file: %v", err)
	}
}

func TestWavDirDevices(t *testing.T) {
	dir := t.TempDir()
	writeConstantWav(t, filepath.Join(dir, "usb_headset.wav"), 0.1, 100, 1)
	writeConstantWav(t, filepath.Join(dir, "built-in.wav"), 0.1, 100, 1)
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	input := NewWavDirInput(WavDirConfig{Dir: dir}, zaptest.NewLogger(t))
	devices, err := input.Devices(context.Background())
	if err != nil {
		t.Fatalf("Devices returned error: %v", err)
	}

	if len(devices) != 2 {
		t.Fatalf("Expected 2 devices, got %d", len(devices))
	}
	if devices[0].ID != "built-in.wav" || devices[0].Label != "built in" {
		t.Errorf("Unexpected first device: %+v", devices[0])
	}
	if devices[1].ID != "usb_headset.wav" || devices[1].Label != "usb headset" {
		t.Errorf("Unexpected second device: %+v", devices[1])
	}
}

func TestWavDirReadMixesToMono(t *testing.T) {
	dir := t.TempDir()
	writeConstantWav(t, filepath.Join(dir, "stereo.wav"), 0.5, 1000, 2)

	input := NewWavDirInput(WavDirConfig{Dir: dir}, zaptest.NewLogger(t))
	stream, err := input.Open(context.Background(), "", repositories.CaptureConstraints{})
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}
	defer stream.Close()

	if stream.SampleRate() != 16000 {
		t.Errorf("Expected sample rate 16000, got %d", stream.SampleRate())
	}

	buf := make([]float32, 400)
	n, err := stream.Read(buf)
	if err != nil {
		t.Fatalf("Read returned error: %v", err)
	}
	if n != len(buf) {
		t.Fatalf("Expected %d samples, got %d", len(buf), n)
	}
	for i, v := range buf {
		if math.Abs(float64(v)-0.5) > 0.001 {
			t.Fatalf("Sample %d: expected ~0.5, got %v", i, v)
		}
	}
}

func TestWavDirEndOfFile(t *testing.T) {
	dir := t.TempDir()
	writeConstantWav(t, filepath.Join(dir, "short.wav"), 0.2, 300, 1)

	input := NewWavDirInput(WavDirConfig{Dir: dir}, zaptest.NewLogger(t))
	stream, err := input.Open(context.Background(), "short.wav", repositories.CaptureConstraints{})
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}
	defer stream.Close()

	buf := make([]float32, 500)
	n, err := stream.Read(buf)
	if !errors.Is(err, io.EOF) {
		t.Fatalf("Expected io.EOF, got %v", err)
	}
	if n != 300 {
		t.Errorf("Expected 300 samples before EOF, got %d", n)
	}
}

func TestWavDirLoop(t *testing.T) {
	dir := t.TempDir()
	writeConstantWav(t, filepath.Join(dir, "short.wav"), 0.2, 300, 1)

	input := NewWavDirInput(WavDirConfig{Dir: dir, Loop: true}, zaptest.NewLogger(t))
	stream, err := input.Open(context.Background(), "short.wav", repositories.CaptureConstraints{})
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}
	defer stream.Close()

	buf := make([]float32, 1000)
	n, err := stream.Read(buf)
	if err != nil {
		t.Fatalf("Read returned error: %v", err)
	}
	if n != len(buf) {
		t.Errorf("Expected %d samples, got %d", len(buf), n)
	}
}

func TestWavDirErrors(t *testing.T) {
	dir := t.TempDir()
	input := NewWavDirInput(WavDirConfig{Dir: dir}, zaptest.NewLogger(t))

	if _, err := input.Open(context.Background(), "", repositories.CaptureConstraints{}); !errors.Is(err, domain.ErrDeviceUnavailable) {
		t.Errorf("Expected ErrDeviceUnavailable for empty directory, got %v", err)
	}
	if _, err := input.Open(context.Background(), "missing.wav", repositories.CaptureConstraints{}); !errors.Is(err, domain.ErrDeviceUnavailable) {
		t.Errorf("Expected ErrDeviceUnavailable for missing file, got %v", err)
	}

	missing := NewWavDirInput(WavDirConfig{Dir: filepath.Join(dir, "nope")}, zaptest.NewLogger(t))
	if err := missing.RequestPermission(context.Background()); !errors.Is(err, domain.ErrDeviceUnavailable) {
		t.Errorf("Expected ErrDeviceUnavailable for missing directory, got %v", err)
	}
}

func TestWavDirReadAfterClose(t *testing.T) {
	dir := t.TempDir()
	writeConstantWav(t, filepath.Join(dir, "a.wav"), 0.2, 300, 1)

	input := NewWavDirInput(WavDirConfig{Dir: dir, Loop: true}, zaptest.NewLogger(t))
	stream, err := input.Open(context.Background(), "a.wav", repositories.CaptureConstraints{})
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}
	if err := stream.Close(); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}
	if err := stream.Close(); err != nil {
		t.Fatalf("Second close returned error: %v", err)
	}

	if _, err := stream.Read(make([]float32, 10)); !errors.Is(err, io.EOF) {
		t.Errorf("Expected io.EOF after close, got %v", err)
	}
}
