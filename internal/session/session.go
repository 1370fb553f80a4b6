// Package session runs the call-audio streaming session: one capture, one
// backend connection and the risk view of the call they produce.
package session

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/Aayaan-Sahu/kova/domain"
	"github.com/Aayaan-Sahu/kova/domain/entities"
	"github.com/Aayaan-Sahu/kova/domain/repositories"
	"github.com/Aayaan-Sahu/kova/internal/capture"
	"github.com/Aayaan-Sahu/kova/internal/pcm"
	"github.com/Aayaan-Sahu/kova/internal/risk"
	"github.com/Aayaan-Sahu/kova/internal/voicecmd"
)

const (
	// Endpoint is the backend path of the call-audio channel
	Endpoint = "/ws/audio"

	// Owner is the microphone owner name of call sessions
	Owner = "call"

	defaultConnectTimeout = 10 * time.Second

	// inbound events buffered per connection
	eventBufferSize = 64

	// about a second and a half of 48 kHz audio
	outboundBufferSize = 16
)

// EndReason says why a session ended without the owner calling Stop
type EndReason int

const (
	EndReasonVoiceCommand EndReason = iota
	EndReasonDropped
)

func (r EndReason) String() string {
	switch r {
	case EndReasonVoiceCommand:
		return "voice_command"
	case EndReasonDropped:
		return "dropped"
	default:
		return "unknown"
	}
}

// Config configures a call session
type Config struct {
	SessionID      string
	UserID         string
	ConnectTimeout time.Duration
}

// Snapshot is a consistent copy of the session state
type Snapshot struct {
	Call       entities.CallSession `json:"call"`
	Connecting bool                 `json:"connecting"`
	Error      string               `json:"error,omitempty"`
	StartedAt  time.Time            `json:"started_at"`
	Risk       risk.State           `json:"-"`
}

// Session is the call-audio streaming session. Start and Stop may be called
// from any goroutine.
type Session struct {
	config    Config
	source    *capture.Source
	transport repositories.Transport
	machine   *risk.Machine
	logger    *zap.Logger

	mu            sync.Mutex
	wantListening bool
	connecting    bool
	conn          *connection
	callerPhone   string
	errText       string
	startedAt     time.Time

	observerMu sync.RWMutex
	onChange   func(Snapshot)
	onEnded    func(EndReason, error)
}

// NewSession creates an idle call session
func NewSession(config Config, source *capture.Source, transport repositories.Transport, logger *zap.Logger) *Session {
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = defaultConnectTimeout
	}
	return &Session{
		config:    config,
		source:    source,
		transport: transport,
		machine:   risk.NewMachine(),
		logger:    logger.Named("session").With(zap.String("sessionID", config.SessionID)),
	}
}

// OnChange registers the observer of every state change
func (s *Session) OnChange(fn func(Snapshot)) {
	s.observerMu.Lock()
	defer s.observerMu.Unlock()
	s.onChange = fn
}

// OnEnded registers the observer of endings the owner did not ask for
func (s *Session) OnEnded(fn func(EndReason, error)) {
	s.observerMu.Lock()
	defer s.observerMu.Unlock()
	s.onEnded = fn
}

// Start opens the session for callerPhone. It returns nil without doing
// anything when the session is already listening or connecting. If Stop is
// called while Start is in flight, Start releases what it acquired and
// returns nil.
func (s *Session) Start(ctx context.Context, callerPhone, deviceID string) error {
	s.mu.Lock()
	if s.conn != nil {
		s.mu.Unlock()
		return nil
	}
	s.wantListening = true
	if s.connecting {
		s.mu.Unlock()
		return nil
	}
	s.connecting = true
	s.callerPhone = callerPhone
	s.errText = ""
	s.mu.Unlock()
	s.notify()

	ctx, cancel := context.WithTimeout(ctx, s.config.ConnectTimeout)
	defer cancel()

	capt, err := s.source.Acquire(ctx, Owner, deviceID)
	if err != nil {
		s.fail(err)
		return err
	}
	if !s.stillWanted() {
		return s.abort(capt, nil)
	}

	params := url.Values{}
	params.Set("sample_rate", strconv.Itoa(capt.SampleRate()))
	params.Set("caller_phone_number", callerPhone)
	params.Set("session_id", s.config.SessionID)
	params.Set("user_id", s.config.UserID)

	tc, err := s.transport.Dial(ctx, Endpoint, params)
	if err != nil {
		if releaseErr := capt.Release(); releaseErr != nil {
			s.logger.Warn("Failed to release capture after dial failure", zap.Error(releaseErr))
		}
		s.fail(err)
		return err
	}

	c := &connection{
		capture:  capt,
		conn:     tc,
		events:   make(chan event, eventBufferSize),
		outbound: make(chan []byte, outboundBufferSize),
		stop:     make(chan struct{}),
	}
	c.bridge = voicecmd.NewBridge(func() { s.endBy(c, EndReasonVoiceCommand, nil) }, s.logger)

	s.mu.Lock()
	if !s.wantListening {
		s.mu.Unlock()
		return s.abort(capt, tc)
	}
	s.conn = c
	s.connecting = false
	s.errText = ""
	s.startedAt = time.Now()
	c.open.Store(true)
	s.machine.Apply(risk.SessionOpened{})
	s.mu.Unlock()

	go c.readLoop()
	go s.dispatch(c)
	go s.writeLoop(c)
	capt.Start(func(block []float32) { s.sendBlock(c, block) })

	s.logger.Info("Call session listening",
		zap.String("callerPhoneNumber", callerPhone),
		zap.Int("sampleRate", capt.SampleRate()))
	s.notify()
	return nil
}

// Stop tears the session down. It is safe to call at any time and more than
// once; only the call that actually closes a connection can return an error.
func (s *Session) Stop() error {
	s.mu.Lock()
	s.wantListening = false
	c := s.detachLocked(nil)
	s.mu.Unlock()

	if c == nil {
		return nil
	}
	err := c.teardown()
	if err != nil {
		s.logger.Warn("Call session teardown finished with errors", zap.Error(err))
	}
	s.logger.Info("Call session stopped")
	s.notify()
	return err
}

// Clear empties the transcript, scores and questions without closing
func (s *Session) Clear() {
	s.machine.Apply(risk.Cleared{})
	s.notify()
}

// DismissQuestion removes one suggested question
func (s *Session) DismissQuestion(question string) {
	s.machine.Apply(risk.QuestionDismissed{Question: question})
	s.notify()
}

// Snapshot returns the current state
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() Snapshot {
	state := s.machine.State()
	return Snapshot{
		Call: entities.CallSession{
			SessionID:         s.config.SessionID,
			CallerPhoneNumber: s.callerPhone,
			Status:            state.Status(),
			IsListening:       s.conn != nil,
		},
		Connecting: s.connecting,
		Error:      s.errText,
		StartedAt:  s.startedAt,
		Risk:       state,
	}
}

func (s *Session) stillWanted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wantListening
}

// fail records a failed open. Errors surface as state, and are also
// returned to the caller of Start.
func (s *Session) fail(err error) {
	s.mu.Lock()
	s.connecting = false
	s.wantListening = false
	s.errText = describe(err)
	s.mu.Unlock()

	s.logger.Error("Failed to start call session", zap.Error(err))
	s.notify()
}

// abort unwinds an open that lost its intent half way
func (s *Session) abort(capt *capture.Capture, tc repositories.TransportConn) error {
	var err error
	if capt != nil {
		err = multierr.Append(err, capt.Release())
	}
	if tc != nil {
		err = multierr.Append(err, tc.Close())
	}

	s.mu.Lock()
	s.connecting = false
	s.mu.Unlock()

	s.logger.Info("Call session start abandoned after stop", zap.NamedError("cleanupError", err))
	s.notify()
	return nil
}

// detachLocked removes the active connection. With want set it only detaches
// if want is still the active one.
func (s *Session) detachLocked(want *connection) *connection {
	c := s.conn
	if c == nil || (want != nil && c != want) {
		return nil
	}
	s.conn = nil
	c.open.Store(false)
	s.machine.Apply(risk.SessionClosed{})
	return c
}

// sendBlock runs on the capture pump and never blocks on the network
func (s *Session) sendBlock(c *connection, block []float32) {
	// blocks produced while the transport is not open are dropped
	if !c.open.Load() {
		c.dropped.Add(1)
		return
	}
	select {
	case c.outbound <- pcm.Encode(block):
	default:
		c.dropped.Add(1)
	}
}

// writeLoop sends queued frames in capture order. A failed write means the
// socket is dead, so the call ends as dropped.
func (s *Session) writeLoop(c *connection) {
	for {
		select {
		case <-c.stop:
			return
		case frame := <-c.outbound:
			if err := c.conn.WriteBinary(frame); err != nil {
				s.endBy(c, EndReasonDropped, fmt.Errorf("failed to send audio: %w", err))
				return
			}
		}
	}
}

func (s *Session) dispatch(c *connection) {
	for ev := range c.events {
		if ev.err != nil {
			s.endBy(c, EndReasonDropped, ev.err)
			return
		}

		msg, err := domain.DecodeAnalysisMessage(ev.data)
		if err != nil {
			s.logger.Warn("Dropping malformed message", zap.Error(err))
			continue
		}
		if c.bridge.Fired() || c.bridge.Inspect(msg) {
			continue
		}
		s.apply(c, risk.TranscriptReceived{Message: msg})
	}
}

// apply feeds ev to the machine if c is still the active connection
func (s *Session) apply(c *connection, ev risk.Event) {
	s.mu.Lock()
	if s.conn != c {
		s.mu.Unlock()
		return
	}
	s.machine.Apply(ev)
	s.mu.Unlock()
	s.notify()
}

// endBy ends the session on behalf of the backend or the network
func (s *Session) endBy(c *connection, reason EndReason, cause error) {
	s.mu.Lock()
	if s.detachLocked(c) == nil {
		s.mu.Unlock()
		return
	}
	s.wantListening = false
	var endErr error
	if reason == EndReasonDropped {
		endErr = fmt.Errorf("%w: %v", domain.ErrUnsolicitedClose, cause)
		s.errText = describe(endErr)
	}
	s.mu.Unlock()

	if err := c.teardown(); err != nil {
		s.logger.Warn("Call session teardown finished with errors", zap.Error(err))
	}
	if reason == EndReasonDropped {
		s.logger.Warn("Call session closed by remote", zap.Error(cause))
	} else {
		s.logger.Info("Call session ended", zap.Stringer("reason", reason))
	}
	s.notify()

	s.observerMu.RLock()
	onEnded := s.onEnded
	s.observerMu.RUnlock()
	if onEnded != nil {
		onEnded(reason, endErr)
	}
}

func (s *Session) notify() {
	s.observerMu.RLock()
	onChange := s.onChange
	s.observerMu.RUnlock()
	if onChange != nil {
		onChange(s.Snapshot())
	}
}

// describe turns an error into user-facing state text
func describe(err error) string {
	switch {
	case errors.Is(err, domain.ErrPermissionDenied):
		return "Microphone access denied. Please allow microphone access to use call protection."
	case errors.Is(err, domain.ErrDeviceUnavailable):
		return "The selected microphone is not available. Please choose another device."
	case errors.Is(err, domain.ErrResourceBusy):
		return "The microphone is in use by another session. Please try again."
	case errors.Is(err, domain.ErrTransportOpen):
		return "Could not connect to the analysis service."
	case errors.Is(err, domain.ErrUnsolicitedClose):
		return "Connection lost. Press start to resume protection."
	case errors.Is(err, context.DeadlineExceeded):
		return "Timed out while starting call protection."
	default:
		return err.Error()
	}
}

type event struct {
	data []byte
	err  error
}

// connection is one open capture and transport pair
type connection struct {
	capture  *capture.Capture
	conn     repositories.TransportConn
	events   chan event
	outbound chan []byte
	stop     chan struct{}
	bridge   *voicecmd.Bridge

	open    atomic.Bool
	dropped atomic.Int64

	teardownOnce sync.Once
	teardownErr  error
}

// readLoop feeds the inbound event channel until the connection fails. The
// final event always carries an error.
func (c *connection) readLoop() {
	for {
		data, err := c.conn.ReadMessage()
		if err != nil {
			c.events <- event{err: err}
			close(c.events)
			return
		}
		c.events <- event{data: data}
	}
}

// teardown disconnects the processing node, releases the device and closes
// the transport. Every step runs even if an earlier one failed.
func (c *connection) teardown() error {
	c.teardownOnce.Do(func() {
		c.open.Store(false)
		close(c.stop)
		c.capture.Disconnect()
		c.teardownErr = multierr.Combine(
			c.capture.Release(),
			c.conn.Close(),
		)
	})
	return c.teardownErr
}
