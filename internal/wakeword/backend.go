package wakeword

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"

	"go.uber.org/zap"

	"github.com/Aayaan-Sahu/kova/domain"
	"github.com/Aayaan-Sahu/kova/domain/repositories"
)

// Endpoint is the backend path of the wake-word channel
const Endpoint = "/ws/wakeword"

// Backend opens detection channels for an acquired microphone
type Backend interface {
	Name() string
	// Open is called once the microphone is held. The returned channel must
	// outlive ctx, which only bounds the handshake.
	Open(ctx context.Context, sampleRate int) (Channel, error)
}

// Channel is one open detection connection
type Channel interface {
	// Send delivers one block of 16-bit PCM
	Send(frame []byte) error
	// Next blocks until the phrase is detected or the channel fails. Any
	// error means the channel is gone.
	Next() (bool, error)
	Close() error
}

// TransportBackend asks the analysis backend to spot the phrase
type TransportBackend struct {
	transport repositories.Transport
	phrase    string
	logger    *zap.Logger
}

var _ Backend = (*TransportBackend)(nil)

// NewTransportBackend creates the websocket detection backend
func NewTransportBackend(transport repositories.Transport, phrase string, logger *zap.Logger) *TransportBackend {
	if phrase == "" {
		phrase = DefaultPhrase
	}
	return &TransportBackend{
		transport: transport,
		phrase:    phrase,
		logger:    logger,
	}
}

// Name implements Backend
func (b *TransportBackend) Name() string {
	return "transport"
}

// Open implements Backend
func (b *TransportBackend) Open(ctx context.Context, sampleRate int) (Channel, error) {
	params := url.Values{}
	params.Set("sample_rate", strconv.Itoa(sampleRate))
	params.Set("wake_word", b.phrase)

	conn, err := b.transport.Dial(ctx, Endpoint, params)
	if err != nil {
		return nil, err
	}
	return &transportChannel{conn: conn, logger: b.logger}, nil
}

type transportChannel struct {
	conn   repositories.TransportConn
	logger *zap.Logger
}

func (c *transportChannel) Send(frame []byte) error {
	return c.conn.WriteBinary(frame)
}

func (c *transportChannel) Next() (bool, error) {
	for {
		data, err := c.conn.ReadMessage()
		if err != nil {
			return false, err
		}
		msg, err := domain.DecodeWakeWordMessage(data)
		if err != nil {
			c.logger.Warn("Dropping malformed wake word message", zap.Error(err))
			continue
		}
		if msg.Detected {
			c.logger.Info("Wake phrase detected by backend", zap.String("transcript", msg.Transcript))
			return true, nil
		}
	}
}

func (c *transportChannel) Close() error {
	return c.conn.Close()
}

// SpeechBackend streams to a speech recognizer and matches the phrase
// locally, including interim hypotheses.
type SpeechBackend struct {
	recognizer repositories.SpeechRecognizer
	matcher    *Matcher
	language   string
	logger     *zap.Logger
}

var _ Backend = (*SpeechBackend)(nil)

// NewSpeechBackend creates the speech-API detection backend
func NewSpeechBackend(recognizer repositories.SpeechRecognizer, phrase, language string, logger *zap.Logger) *SpeechBackend {
	if language == "" {
		language = "en-US"
	}
	return &SpeechBackend{
		recognizer: recognizer,
		matcher:    NewMatcher(phrase),
		language:   language,
		logger:     logger,
	}
}

// Name implements Backend
func (b *SpeechBackend) Name() string {
	return "speech"
}

// Open implements Backend
func (b *SpeechBackend) Open(ctx context.Context, sampleRate int) (Channel, error) {
	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stream, err := b.recognizer.OpenStream(streamCtx, repositories.AudioConfig{
		SampleRate: sampleRate,
		Encoding:   "LINEAR16",
		Language:   b.language,
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: %v", domain.ErrTransportOpen, err)
	}
	return &speechChannel{
		stream:  stream,
		cancel:  cancel,
		matcher: b.matcher,
		logger:  b.logger,
	}, nil
}

type speechChannel struct {
	stream  repositories.RecognitionStream
	cancel  context.CancelFunc
	matcher *Matcher
	logger  *zap.Logger
}

func (c *speechChannel) Send(frame []byte) error {
	return c.stream.Send(frame)
}

func (c *speechChannel) Next() (bool, error) {
	for {
		result, err := c.stream.Recv()
		if err != nil {
			return false, err
		}
		c.logger.Debug("Heard",
			zap.String("transcript", result.Transcript),
			zap.Bool("final", result.IsFinal))
		if c.matcher.Match(result.Transcript) {
			c.logger.Info("Wake phrase detected", zap.String("transcript", result.Transcript))
			return true, nil
		}
	}
}

func (c *speechChannel) Close() error {
	err := c.stream.Close()
	c.cancel()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
