package stt

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Aayaan-Sahu/kova/domain/repositories"
)

// MockSpeechRecognizer is a scripted recognizer for tests and offline runs
type MockSpeechRecognizer struct {
	logger *zap.Logger

	mu           sync.Mutex
	script       string
	triggerBytes int
	openErrs     []error
	streams      []*MockRecognitionStream
	opened       chan *MockRecognitionStream
}

var _ repositories.SpeechRecognizer = (*MockSpeechRecognizer)(nil)

// NewMockSpeechRecognizer creates a recognizer that hears nothing until
// scripted
func NewMockSpeechRecognizer(logger *zap.Logger) *MockSpeechRecognizer {
	return &MockSpeechRecognizer{
		logger: logger,
		opened: make(chan *MockRecognitionStream, 32),
	}
}

// Script makes every stream hear transcript once afterBytes of audio were sent
func (m *MockSpeechRecognizer) Script(transcript string, afterBytes int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script = transcript
	m.triggerBytes = afterBytes
}

// FailNextOpens makes the next len(errs) OpenStream calls fail in order
func (m *MockSpeechRecognizer) FailNextOpens(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.openErrs = append(m.openErrs, errs...)
}

// OpenStream implements repositories.SpeechRecognizer
func (m *MockSpeechRecognizer) OpenStream(ctx context.Context, config repositories.AudioConfig) (repositories.RecognitionStream, error) {
	m.mu.Lock()
	if len(m.openErrs) > 0 {
		err := m.openErrs[0]
		m.openErrs = m.openErrs[1:]
		m.mu.Unlock()
		return nil, err
	}

	m.logger.Info("Initializing mock streaming recognition",
		zap.Int("sampleRate", config.SampleRate),
		zap.String("encoding", config.Encoding),
		zap.String("language", config.Language))

	stream := &MockRecognitionStream{
		ctx:          ctx,
		config:       config,
		script:       m.script,
		triggerBytes: m.triggerBytes,
		results:      make(chan repositories.RecognitionResult, 16),
		ended:        make(chan struct{}),
		closed:       make(chan struct{}),
	}
	m.streams = append(m.streams, stream)
	m.mu.Unlock()

	select {
	case m.opened <- stream:
	default:
	}
	return stream, nil
}

// Opens returns how many streams were opened successfully
func (m *MockSpeechRecognizer) Opens() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.streams)
}

// NextStream waits for the next opened stream
func (m *MockSpeechRecognizer) NextStream(timeout time.Duration) (*MockRecognitionStream, bool) {
	select {
	case s := <-m.opened:
		return s, true
	case <-time.After(timeout):
		return nil, false
	}
}

// MockRecognitionStream is one scripted recognition stream
type MockRecognitionStream struct {
	ctx          context.Context
	config       repositories.AudioConfig
	script       string
	triggerBytes int
	results      chan repositories.RecognitionResult

	mu       sync.Mutex
	received int
	emitted  bool

	endOnce   sync.Once
	ended     chan struct{}
	closeOnce sync.Once
	closed    chan struct{}
}

// Config returns the audio configuration the stream was opened with
func (s *MockRecognitionStream) Config() repositories.AudioConfig {
	return s.config
}

// Send implements repositories.RecognitionStream
func (s *MockRecognitionStream) Send(data []byte) error {
	select {
	case <-s.closed:
		return io.ErrClosedPipe
	default:
	}

	s.mu.Lock()
	s.received += len(data)
	fire := s.script != "" && !s.emitted && s.received >= s.triggerBytes
	if fire {
		s.emitted = true
	}
	s.mu.Unlock()

	if fire {
		// interim first, like a real recognizer
		words := strings.Fields(s.script)
		s.Emit(repositories.RecognitionResult{Transcript: words[0]})
		s.Emit(repositories.RecognitionResult{Transcript: s.script, IsFinal: true})
	}
	return nil
}

// Emit queues a result as if the service recognised it
func (s *MockRecognitionStream) Emit(result repositories.RecognitionResult) {
	select {
	case s.results <- result:
	case <-s.closed:
	}
}

// End finishes the stream from the service side, like a no-speech timeout
func (s *MockRecognitionStream) End() {
	s.endOnce.Do(func() { close(s.ended) })
}

// Recv implements repositories.RecognitionStream
func (s *MockRecognitionStream) Recv() (repositories.RecognitionResult, error) {
	select {
	case r := <-s.results:
		return r, nil
	default:
	}
	select {
	case r := <-s.results:
		return r, nil
	case <-s.ended:
		return repositories.RecognitionResult{}, io.EOF
	case <-s.closed:
		return repositories.RecognitionResult{}, errors.New("recognition stream closed")
	case <-s.ctx.Done():
		return repositories.RecognitionResult{}, s.ctx.Err()
	}
}

// Close implements repositories.RecognitionStream
func (s *MockRecognitionStream) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

// Closed reports whether the client closed the stream
func (s *MockRecognitionStream) Closed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// Received returns the number of audio bytes sent so far
func (s *MockRecognitionStream) Received() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.received
}
