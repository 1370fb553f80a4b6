// Package wakeword keeps a low-cost listener open between calls and fires an
// activation callback when the wake phrase is heard.
package wakeword

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/Aayaan-Sahu/kova/domain"
	"github.com/Aayaan-Sahu/kova/domain/entities"
	"github.com/Aayaan-Sahu/kova/internal/capture"
	"github.com/Aayaan-Sahu/kova/internal/pcm"
)

// Owner is the microphone owner name of the detector
const Owner = "wakeword"

const defaultConnectTimeout = 10 * time.Second

const outboundBufferSize = 16

// Config configures a Detector
type Config struct {
	Backend        Backend
	Policy         ReconnectPolicy
	ConnectTimeout time.Duration
	DeviceID       string
}

// Detector holds the wake-word connection open while enabled. Enabled is
// what the user asked for; Connected is what the socket is doing.
type Detector struct {
	backend        Backend
	policy         ReconnectPolicy
	source         *capture.Source
	connectTimeout time.Duration
	logger         *zap.Logger

	mu            sync.Mutex
	enabled       bool
	connecting    bool
	connectCancel context.CancelFunc
	connectDone   chan struct{}
	active        *listener
	retryTimer    *time.Timer
	retryCount    int
	errText       string
	deviceID      string

	observerMu sync.RWMutex
	onActivate func()
	onChange   func(entities.WakeWordListenerState)
}

// NewDetector creates a disabled detector
func NewDetector(config Config, source *capture.Source, logger *zap.Logger) *Detector {
	if config.Policy == nil {
		config.Policy = FixedDelay{Interval: DefaultFixedDelay}
	}
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = defaultConnectTimeout
	}
	return &Detector{
		backend:        config.Backend,
		policy:         config.Policy,
		source:         source,
		connectTimeout: config.ConnectTimeout,
		deviceID:       config.DeviceID,
		logger:         logger.Named("wakeword").With(zap.String("backend", config.Backend.Name())),
	}
}

// OnActivate registers the activation callback. It runs after the detector
// has released the microphone.
func (d *Detector) OnActivate(fn func()) {
	d.observerMu.Lock()
	defer d.observerMu.Unlock()
	d.onActivate = fn
}

// OnChange registers the observer of listener state changes
func (d *Detector) OnChange(fn func(entities.WakeWordListenerState)) {
	d.observerMu.Lock()
	defer d.observerMu.Unlock()
	d.onChange = fn
}

// SetDevice selects the device used from the next connect on
func (d *Detector) SetDevice(deviceID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.deviceID = deviceID
}

// Start enables listening. It is a no-op while connected, connecting or
// waiting to reconnect. An explicit Start clears a terminal error.
func (d *Detector) Start() {
	d.mu.Lock()
	d.enabled = true
	if d.active != nil || d.connecting || d.retryTimer != nil {
		d.mu.Unlock()
		return
	}
	d.retryCount = 0
	d.errText = ""
	d.beginConnectLocked()
	d.mu.Unlock()

	d.logger.Info("Voice activation enabled")
	d.notify()
}

// Stop disables listening and releases the microphone before returning
func (d *Detector) Stop() error {
	d.mu.Lock()
	d.enabled = false
	d.stopRetryLocked()
	cancel, done := d.connectCancel, d.connectDone
	l := d.active
	d.active = nil
	d.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	var err error
	if l != nil {
		err = l.teardown()
	}
	// an in-flight connect observes the intent and unwinds
	if done != nil {
		<-done
	}

	d.logger.Info("Voice activation disabled")
	d.notify()
	return err
}

// State returns the listener state
func (d *Detector) State() entities.WakeWordListenerState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return entities.WakeWordListenerState{
		Enabled:    d.enabled,
		Connected:  d.active != nil,
		RetryCount: d.retryCount,
		Error:      d.errText,
	}
}

func (d *Detector) beginConnectLocked() {
	ctx, cancel := context.WithTimeout(context.Background(), d.connectTimeout)
	done := make(chan struct{})
	d.connecting = true
	d.connectCancel = cancel
	d.connectDone = done
	deviceID := d.deviceID

	go func() {
		defer close(done)
		defer cancel()
		d.connect(ctx, done, deviceID)
	}()
}

func (d *Detector) connect(ctx context.Context, done chan struct{}, deviceID string) {
	capt, err := d.source.Acquire(ctx, Owner, deviceID)
	if err != nil {
		d.connectFailed(done, err)
		return
	}
	if !d.isEnabled() {
		d.abandon(done, capt, nil)
		return
	}

	ch, err := d.backend.Open(ctx, capt.SampleRate())
	if err != nil {
		if releaseErr := capt.Release(); releaseErr != nil {
			d.logger.Warn("Failed to release capture after open failure", zap.Error(releaseErr))
		}
		d.connectFailed(done, err)
		return
	}

	l := &listener{
		capture:  capt,
		channel:  ch,
		outbound: make(chan []byte, outboundBufferSize),
		stop:     make(chan struct{}),
	}

	d.mu.Lock()
	if !d.enabled {
		d.mu.Unlock()
		d.abandon(done, capt, ch)
		return
	}
	d.finishConnectLocked(done)
	d.active = l
	d.retryCount = 0
	d.errText = ""
	l.open.Store(true)
	d.mu.Unlock()

	go d.listen(l)
	go d.writeLoop(l)
	capt.Start(func(block []float32) { d.send(l, block) })

	d.logger.Info("Voice activation listening", zap.Int("sampleRate", capt.SampleRate()))
	d.notify()
}

// finishConnectLocked clears the in-flight markers if they still belong to done
func (d *Detector) finishConnectLocked(done chan struct{}) {
	if d.connectDone == done {
		d.connecting = false
		d.connectCancel = nil
		d.connectDone = nil
	}
}

func (d *Detector) abandon(done chan struct{}, capt *capture.Capture, ch Channel) {
	err := capt.Release()
	if ch != nil {
		err = multierr.Append(err, ch.Close())
	}

	d.mu.Lock()
	d.finishConnectLocked(done)
	d.mu.Unlock()

	d.logger.Info("Voice activation connect abandoned after disable", zap.NamedError("cleanupError", err))
	d.notify()
}

func (d *Detector) connectFailed(done chan struct{}, err error) {
	d.mu.Lock()
	d.finishConnectLocked(done)
	if !d.enabled {
		d.mu.Unlock()
		d.notify()
		return
	}

	switch {
	case errors.Is(err, domain.ErrPermissionDenied), errors.Is(err, domain.ErrDeviceUnavailable):
		// needs the user, retrying cannot help
		d.enabled = false
		d.errText = describe(err)
		d.mu.Unlock()
		d.logger.Error("Voice activation stopped", zap.Error(err))
	default:
		d.logger.Warn("Voice activation connect failed",
			zap.Int("retryCount", d.retryCount),
			zap.Error(err))
		d.scheduleRetryLocked(err)
		d.mu.Unlock()
	}
	d.notify()
}

func (d *Detector) scheduleRetryLocked(cause error) {
	delay, err := d.policy.Delay(d.retryCount)
	if err != nil {
		d.enabled = false
		d.errText = describe(err)
		d.logger.Error("Voice activation gave up reconnecting",
			zap.Int("retryCount", d.retryCount),
			zap.Error(err))
		return
	}

	d.retryCount++
	d.errText = describe(cause)
	d.stopRetryLocked()
	d.retryTimer = time.AfterFunc(delay, d.retry)
	d.logger.Info("Voice activation reconnect scheduled",
		zap.Int("retryCount", d.retryCount),
		zap.Duration("delay", delay))
}

func (d *Detector) stopRetryLocked() {
	if d.retryTimer != nil {
		d.retryTimer.Stop()
		d.retryTimer = nil
	}
}

func (d *Detector) retry() {
	d.mu.Lock()
	d.retryTimer = nil
	if !d.enabled || d.active != nil || d.connecting {
		d.mu.Unlock()
		return
	}
	d.beginConnectLocked()
	d.mu.Unlock()
	d.notify()
}

func (d *Detector) listen(l *listener) {
	for {
		detected, err := l.channel.Next()
		if err != nil {
			d.closed(l, err)
			return
		}
		if detected {
			d.activate(l)
			return
		}
	}
}

// activate tears down before calling back, so the callback can take the
// microphone straight away
func (d *Detector) activate(l *listener) {
	d.mu.Lock()
	if d.active != l {
		d.mu.Unlock()
		return
	}
	d.enabled = false
	d.active = nil
	d.stopRetryLocked()
	d.mu.Unlock()

	if err := l.teardown(); err != nil {
		d.logger.Warn("Voice activation teardown finished with errors", zap.Error(err))
	}
	d.logger.Info("Wake phrase activated")
	d.notify()

	d.observerMu.RLock()
	onActivate := d.onActivate
	d.observerMu.RUnlock()
	if onActivate != nil {
		onActivate()
	}
}

func (d *Detector) closed(l *listener, cause error) {
	d.mu.Lock()
	if d.active != l {
		d.mu.Unlock()
		return
	}
	d.active = nil
	d.mu.Unlock()

	if err := l.teardown(); err != nil {
		d.logger.Warn("Voice activation teardown finished with errors", zap.Error(err))
	}

	d.mu.Lock()
	if d.enabled && d.active == nil && !d.connecting {
		d.logger.Warn("Voice activation connection closed", zap.Error(cause))
		d.scheduleRetryLocked(fmt.Errorf("%w: %v", domain.ErrUnsolicitedClose, cause))
	}
	d.mu.Unlock()
	d.notify()
}

// send runs on the capture pump and never blocks on the network
func (d *Detector) send(l *listener, block []float32) {
	if !l.open.Load() {
		return
	}
	select {
	case l.outbound <- pcm.Encode(block):
	default:
		d.logger.Debug("Dropped wake word audio block")
	}
}

// writeLoop forwards queued frames. A failed send means the channel is gone
// and is handled like any other unsolicited close.
func (d *Detector) writeLoop(l *listener) {
	for {
		select {
		case <-l.stop:
			return
		case frame := <-l.outbound:
			if err := l.channel.Send(frame); err != nil {
				d.closed(l, fmt.Errorf("failed to send audio: %w", err))
				return
			}
		}
	}
}

func (d *Detector) isEnabled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.enabled
}

func (d *Detector) notify() {
	d.observerMu.RLock()
	onChange := d.onChange
	d.observerMu.RUnlock()
	if onChange != nil {
		onChange(d.State())
	}
}

func describe(err error) string {
	switch {
	case errors.Is(err, domain.ErrMaxRetriesExceeded):
		return "Voice activation stopped after repeated connection failures. Turn it back on to retry."
	case errors.Is(err, domain.ErrPermissionDenied):
		return "Microphone permission denied"
	case errors.Is(err, domain.ErrDeviceUnavailable):
		return "The selected microphone is not available"
	case errors.Is(err, domain.ErrResourceBusy):
		return "Microphone is busy, retrying"
	case errors.Is(err, domain.ErrUnsolicitedClose):
		return "Connection lost, reconnecting"
	default:
		return "Could not connect to voice activation, retrying"
	}
}

// listener is one open capture and channel pair
type listener struct {
	capture  *capture.Capture
	channel  Channel
	outbound chan []byte
	stop     chan struct{}
	open     atomic.Bool

	teardownOnce sync.Once
	teardownErr  error
}

func (l *listener) teardown() error {
	l.teardownOnce.Do(func() {
		l.open.Store(false)
		close(l.stop)
		l.capture.Disconnect()
		l.teardownErr = multierr.Combine(
			l.capture.Release(),
			l.channel.Close(),
		)
	})
	return l.teardownErr
}
