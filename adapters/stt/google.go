package stt

import (
	"context"
	"fmt"
	"io"
	"sync"

	speech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"
	"go.uber.org/zap"

	"github.com/Aayaan-Sahu/kova/domain/repositories"
)

// GoogleSpeechRecognizer implements SpeechRecognizer for Google Cloud. One
// client is shared by every stream.
type GoogleSpeechRecognizer struct {
	client *speech.Client
	logger *zap.Logger
}

var _ repositories.SpeechRecognizer = (*GoogleSpeechRecognizer)(nil)

// NewGoogleSpeechRecognizer creates a client using application default
// credentials
func NewGoogleSpeechRecognizer(ctx context.Context, logger *zap.Logger) (*GoogleSpeechRecognizer, error) {
	client, err := speech.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create speech client: %w", err)
	}
	return &GoogleSpeechRecognizer{
		client: client,
		logger: logger.Named("stt"),
	}, nil
}

// Close releases the client
func (g *GoogleSpeechRecognizer) Close() error {
	return g.client.Close()
}

// OpenStream starts a continuous recognition stream with interim results, so
// a short phrase is reported while it is still being spoken
func (g *GoogleSpeechRecognizer) OpenStream(ctx context.Context, config repositories.AudioConfig) (repositories.RecognitionStream, error) {
	encoding, err := getAudioEncoding(config.Encoding)
	if err != nil {
		return nil, err
	}

	stream, err := g.client.StreamingRecognize(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create streaming recognize: %w", err)
	}

	if err := stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
			StreamingConfig: &speechpb.StreamingRecognitionConfig{
				Config: &speechpb.RecognitionConfig{
					Encoding:        encoding,
					SampleRateHertz: int32(config.SampleRate),
					LanguageCode:    config.Language,
				},
				InterimResults:  true,
				SingleUtterance: false,
			},
		},
	}); err != nil {
		stream.CloseSend()
		return nil, fmt.Errorf("failed to send streaming config: %w", err)
	}

	g.logger.Info("Streaming recognition started",
		zap.Int("sampleRate", config.SampleRate),
		zap.String("language", config.Language))

	return &googleRecognitionStream{stream: stream}, nil
}

type googleRecognitionStream struct {
	stream speechpb.Speech_StreamingRecognizeClient

	sendMu    sync.Mutex
	closed    bool
	pending   []repositories.RecognitionResult
	closeOnce sync.Once
}

func (s *googleRecognitionStream) Send(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.closed {
		return io.ErrClosedPipe
	}
	if err := s.stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_AudioContent{
			AudioContent: data,
		},
	}); err != nil {
		return fmt.Errorf("failed to send audio data: %w", err)
	}
	return nil
}

// Recv returns results one at a time; a response can carry several
func (s *googleRecognitionStream) Recv() (repositories.RecognitionResult, error) {
	for len(s.pending) == 0 {
		resp, err := s.stream.Recv()
		if err != nil {
			return repositories.RecognitionResult{}, err
		}
		if resp.Error != nil {
			return repositories.RecognitionResult{}, fmt.Errorf("failed to recognize speech: %s", resp.Error.GetMessage())
		}
		for _, result := range resp.Results {
			if len(result.Alternatives) == 0 {
				continue
			}
			s.pending = append(s.pending, repositories.RecognitionResult{
				Transcript: result.Alternatives[0].Transcript,
				IsFinal:    result.IsFinal,
			})
		}
	}
	result := s.pending[0]
	s.pending = s.pending[1:]
	return result, nil
}

func (s *googleRecognitionStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.sendMu.Lock()
		s.closed = true
		err = s.stream.CloseSend()
		s.sendMu.Unlock()
	})
	return err
}

// getAudioEncoding converts string encoding to Google Speech API enum
func getAudioEncoding(encoding string) (speechpb.RecognitionConfig_AudioEncoding, error) {
	switch encoding {
	case "WAV", "LINEAR16":
		return speechpb.RecognitionConfig_LINEAR16, nil
	case "FLAC":
		return speechpb.RecognitionConfig_FLAC, nil
	case "MULAW":
		return speechpb.RecognitionConfig_MULAW, nil
	case "OGG_OPUS":
		return speechpb.RecognitionConfig_OGG_OPUS, nil
	case "WEBM_OPUS":
		return speechpb.RecognitionConfig_WEBM_OPUS, nil
	default:
		return speechpb.RecognitionConfig_ENCODING_UNSPECIFIED, fmt.Errorf("unsupported encoding: %s", encoding)
	}
}
