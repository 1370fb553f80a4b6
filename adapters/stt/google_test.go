package stt_test

import (
	"context"
	"os"
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/Aayaan-Sahu/kova/adapters/stt"
	"github.com/Aayaan-Sahu/kova/domain/repositories"
)

var _ repositories.SpeechRecognizer = &stt.GoogleSpeechRecognizer{}

func TestGoogleSpeechRecognizerOpenStream(t *testing.T) {
	if os.Getenv("GOOGLE_APPLICATION_CREDENTIALS") == "" {
		t.Skip("GOOGLE_APPLICATION_CREDENTIALS not set, skipping Google Speech integration test")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	recognizer, err := stt.NewGoogleSpeechRecognizer(ctx, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("Failed to create recognizer: %v", err)
	}
	defer recognizer.Close()

	stream, err := recognizer.OpenStream(ctx, repositories.AudioConfig{
		SampleRate: 16000,
		Encoding:   "LINEAR16",
		Language:   "en-US",
	})
	if err != nil {
		t.Fatalf("Failed to open stream: %v", err)
	}
	// one second of silence
	if err := stream.Send(make([]byte, 32000)); err != nil {
		t.Fatalf("Failed to send audio: %v", err)
	}
	if err := stream.Close(); err != nil {
		t.Fatalf("Failed to close stream: %v", err)
	}
}

func TestGoogleSpeechRecognizerRejectsEncoding(t *testing.T) {
	recognizer := &stt.GoogleSpeechRecognizer{}
	if _, err := recognizer.OpenStream(context.Background(), repositories.AudioConfig{Encoding: "MP3"}); err == nil {
		t.Fatal("Expected error for unsupported encoding")
	}
}

func TestMockSpeechRecognizerScript(t *testing.T) {
	recognizer := stt.NewMockSpeechRecognizer(zaptest.NewLogger(t))
	recognizer.Script("Kova, activate", 100)

	stream, err := recognizer.OpenStream(context.Background(), repositories.AudioConfig{SampleRate: 16000})
	if err != nil {
		t.Fatalf("OpenStream returned error: %v", err)
	}
	defer stream.Close()

	if err := stream.Send(make([]byte, 60)); err != nil {
		t.Fatalf("Send returned error: %v", err)
	}
	if err := stream.Send(make([]byte, 60)); err != nil {
		t.Fatalf("Send returned error: %v", err)
	}

	interim, err := stream.Recv()
	if err != nil || interim.IsFinal || interim.Transcript != "Kova," {
		t.Errorf("Unexpected interim result %+v (err %v)", interim, err)
	}
	final, err := stream.Recv()
	if err != nil || !final.IsFinal || final.Transcript != "Kova, activate" {
		t.Errorf("Unexpected final result %+v (err %v)", final, err)
	}
}
