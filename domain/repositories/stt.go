package repositories

import "context"

// SpeechRecognizer abstracts streaming speech recognition services
type SpeechRecognizer interface {
	// OpenStream starts a streaming recognition session
	OpenStream(ctx context.Context, config AudioConfig) (RecognitionStream, error)
}

// AudioConfig represents audio configuration for speech recognition
type AudioConfig struct {
	SampleRate int    `json:"sample_rate"`
	Encoding   string `json:"encoding"`
	Language   string `json:"language"`
}

// RecognitionResult is one interim or final hypothesis
type RecognitionResult struct {
	Transcript string
	IsFinal    bool
}

type RecognitionStream interface {
	Send(data []byte) error
	// Recv blocks for the next result; io.EOF when the service ends the stream
	Recv() (RecognitionResult, error)
	Close() error
}
