package wakeword

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/Aayaan-Sahu/kova/adapters/audio"
	"github.com/Aayaan-Sahu/kova/adapters/stt"
	"github.com/Aayaan-Sahu/kova/adapters/transport"
	"github.com/Aayaan-Sahu/kova/domain"
	"github.com/Aayaan-Sahu/kova/domain/entities"
	"github.com/Aayaan-Sahu/kova/internal/capture"
	"github.com/Aayaan-Sahu/kova/internal/mic"
	"github.com/Aayaan-Sahu/kova/internal/pcm"
)

const waitTimeout = 2 * time.Second

type detectorHarness struct {
	detector   *Detector
	input      *audio.MockAudioInput
	token      *mic.Token
	transport  *transport.MockTransport
	recognizer *stt.MockSpeechRecognizer

	activations    atomic.Int32
	heldAtActivate atomic.Value
}

func newDetectorHarness(t *testing.T, useSpeech bool, policy ReconnectPolicy) *detectorHarness {
	t.Helper()
	logger := zaptest.NewLogger(t)

	h := &detectorHarness{
		input:      audio.NewMockAudioInput(48000, entities.AudioDevice{ID: "builtin", Label: "Built-in Microphone"}),
		transport:  transport.NewMockTransport(),
		recognizer: stt.NewMockSpeechRecognizer(logger),
	}
	h.token = mic.NewToken(logger)

	var backend Backend = NewTransportBackend(h.transport, "kova activate", logger)
	if useSpeech {
		backend = NewSpeechBackend(h.recognizer, "kova activate", "en-US", logger)
	}

	h.detector = NewDetector(Config{
		Backend:        backend,
		Policy:         policy,
		ConnectTimeout: time.Second,
	}, capture.NewSource(h.input, h.token, logger), logger)

	h.detector.OnActivate(func() {
		h.heldAtActivate.Store(h.token.Holder())
		h.activations.Add(1)
	})
	t.Cleanup(func() { h.detector.Stop() })
	return h
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

func (h *detectorHarness) connected() bool {
	return h.detector.State().Connected
}

func TestDetectorActivatesExactlyOnce(t *testing.T) {
	h := newDetectorHarness(t, false, FixedDelay{Interval: 10 * time.Millisecond})
	h.detector.Start()

	conn, ok := h.transport.NextConn(waitTimeout)
	if !ok {
		t.Fatal("Expected a wake word connection")
	}
	eventually(t, "connected", h.connected)

	dial := h.transport.Dials()[0]
	if dial.Endpoint != Endpoint {
		t.Errorf("Expected endpoint %s, got %s", Endpoint, dial.Endpoint)
	}
	if dial.Params.Get("sample_rate") != "48000" || dial.Params.Get("wake_word") != "kova activate" {
		t.Errorf("Unexpected dial params %v", dial.Params)
	}

	h.input.LastStream().Push(make([]float32, pcm.BlockSize))
	eventually(t, "audio frame", func() bool { return len(conn.Written()) == 1 })

	conn.Send([]byte(`{"detected":false,"transcript":"hello"}`))
	conn.Send([]byte(`garbage`))
	conn.Send([]byte(`{"detected":true,"transcript":"kova activate"}`))
	conn.Send([]byte(`{"detected":true,"transcript":"kova activate"}`))

	eventually(t, "activation", func() bool { return h.activations.Load() == 1 })
	time.Sleep(50 * time.Millisecond)

	if n := h.activations.Load(); n != 1 {
		t.Errorf("Expected exactly one activation, got %d", n)
	}
	if held := h.heldAtActivate.Load(); held != "" {
		t.Errorf("Microphone must be released before the callback, held by %q", held)
	}

	state := h.detector.State()
	if state.Enabled || state.Connected {
		t.Errorf("Expected detector to be disabled after activation, got %+v", state)
	}
	if !conn.ClosedByClient() {
		t.Error("Expected the wake word connection to be closed")
	}
	if dials := len(h.transport.Dials()); dials != 1 {
		t.Errorf("Activation must not reconnect, saw %d dials", dials)
	}
}

func TestScenarioFixedDelayReconnectsForever(t *testing.T) {
	delay := 20 * time.Millisecond
	h := newDetectorHarness(t, false, FixedDelay{Interval: delay})
	h.detector.Start()

	first, ok := h.transport.NextConn(waitTimeout)
	if !ok {
		t.Fatal("Expected first connection")
	}
	eventually(t, "connected", h.connected)

	dropped := time.Now()
	first.Drop()
	second, ok := h.transport.NextConn(waitTimeout)
	if !ok {
		t.Fatal("Expected a reconnect after an unsolicited close")
	}
	if elapsed := time.Since(dropped); elapsed < delay {
		t.Errorf("Reconnected after %v, before the %v delay", elapsed, delay)
	}
	eventually(t, "reconnected with reset retry count", func() bool {
		s := h.detector.State()
		return s.Connected && s.RetryCount == 0 && s.Error == ""
	})

	// well past the speech detector's cap
	failures := make([]error, 8)
	for i := range failures {
		failures[i] = errors.New("connection refused")
	}
	h.transport.FailNextDials(failures...)
	second.Drop()

	if _, ok := h.transport.NextConn(waitTimeout); !ok {
		t.Fatal("Expected the detector to keep retrying")
	}
	eventually(t, "connected after failures", h.connected)

	state := h.detector.State()
	if !state.Enabled || state.RetryCount != 0 {
		t.Errorf("Expected enabled detector with reset retries, got %+v", state)
	}
	if dials := len(h.transport.Dials()); dials != 2+len(failures)+1 {
		t.Errorf("Expected %d dials, got %d", 2+len(failures)+1, dials)
	}
}

func TestScenarioBackoffGivesUpAfterFiveAttempts(t *testing.T) {
	policy := ExponentialBackoff{Base: 2 * time.Millisecond, Factor: 1.5, MaxAttempts: 5}
	h := newDetectorHarness(t, true, policy)
	h.detector.Start()

	stream, ok := h.recognizer.NextStream(waitTimeout)
	if !ok {
		t.Fatal("Expected a recognition stream")
	}
	eventually(t, "connected", h.connected)

	failures := make([]error, 5)
	for i := range failures {
		failures[i] = errors.New("quota exceeded")
	}
	h.recognizer.FailNextOpens(failures...)
	stream.End()

	eventually(t, "terminal error", func() bool {
		s := h.detector.State()
		return !s.Enabled && s.Error != ""
	})

	state := h.detector.State()
	if state.Connected {
		t.Error("Expected detector to be disconnected")
	}
	if state.RetryCount != 5 {
		t.Errorf("Expected 5 retries before giving up, got %d", state.RetryCount)
	}
	if h.token.Holder() != "" {
		t.Errorf("Expected microphone to be free, held by %q", h.token.Holder())
	}

	time.Sleep(30 * time.Millisecond)
	if opens := h.recognizer.Opens(); opens != 1 {
		t.Errorf("Expected no more streams after giving up, got %d", opens)
	}

	// a manual restart recovers
	h.detector.Start()
	if _, ok := h.recognizer.NextStream(waitTimeout); !ok {
		t.Fatal("Expected explicit start to reconnect")
	}
	eventually(t, "recovered", func() bool {
		s := h.detector.State()
		return s.Connected && s.Enabled && s.Error == "" && s.RetryCount == 0
	})
}

func TestSpeechBackendActivation(t *testing.T) {
	h := newDetectorHarness(t, true, NewExponentialBackoff(10*time.Millisecond))
	h.recognizer.Script("Kova, activate", 1)
	h.detector.Start()

	stream, ok := h.recognizer.NextStream(waitTimeout)
	if !ok {
		t.Fatal("Expected a recognition stream")
	}
	eventually(t, "connected", h.connected)

	config := stream.Config()
	if config.SampleRate != 48000 || config.Encoding != "LINEAR16" || config.Language != "en-US" {
		t.Errorf("Unexpected recognition config %+v", config)
	}

	h.input.LastStream().Push(make([]float32, pcm.BlockSize))
	eventually(t, "activation", func() bool { return h.activations.Load() == 1 })

	if stream.Received() != 2*pcm.BlockSize {
		t.Errorf("Expected one encoded block, got %d bytes", stream.Received())
	}
	if !stream.Closed() {
		t.Error("Expected recognition stream to be closed")
	}
}

func TestDetectorStartIsIdempotent(t *testing.T) {
	h := newDetectorHarness(t, false, FixedDelay{Interval: 10 * time.Millisecond})

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.detector.Start()
		}()
	}
	wg.Wait()
	eventually(t, "connected", h.connected)
	h.detector.Start()

	if dials := len(h.transport.Dials()); dials != 1 {
		t.Errorf("Expected 1 dial, got %d", dials)
	}
	if streams := len(h.input.Streams()); streams != 1 {
		t.Errorf("Expected 1 capture, got %d", streams)
	}
}

func TestDetectorStopDuringAcquisition(t *testing.T) {
	h := newDetectorHarness(t, false, FixedDelay{Interval: 10 * time.Millisecond})
	release := h.input.HoldOpen()
	defer release()

	h.detector.Start()
	eventually(t, "permission request", func() bool { return h.input.PermissionRequests() == 1 })

	if err := h.detector.Stop(); err != nil {
		t.Fatalf("Stop returned error: %v", err)
	}
	if h.token.Holder() != "" {
		t.Errorf("Expected microphone to be free after Stop, held by %q", h.token.Holder())
	}

	release()
	time.Sleep(30 * time.Millisecond)
	if dials := len(h.transport.Dials()); dials != 0 {
		t.Errorf("Expected no transport after disable, got %d dials", dials)
	}
	if state := h.detector.State(); state.Enabled || state.Connected {
		t.Errorf("Expected disabled detector, got %+v", state)
	}
}

func TestDetectorStopDuringDial(t *testing.T) {
	h := newDetectorHarness(t, false, FixedDelay{Interval: 10 * time.Millisecond})
	release := h.transport.HoldDials()
	defer release()

	h.detector.Start()
	eventually(t, "dial in flight", func() bool { return len(h.transport.Dials()) == 1 })

	if err := h.detector.Stop(); err != nil {
		t.Fatalf("Stop returned error: %v", err)
	}
	if h.token.Holder() != "" {
		t.Errorf("Expected microphone to be free after Stop, held by %q", h.token.Holder())
	}
	if !h.input.LastStream().Closed() {
		t.Error("Expected capture to be released")
	}

	release()
	time.Sleep(30 * time.Millisecond)
	if conns := len(h.transport.Conns()); conns != 0 {
		t.Errorf("Expected no open connection after disable, got %d", conns)
	}
	if len(h.transport.Dials()) != 1 {
		t.Errorf("Expected no retry after disable, got %d dials", len(h.transport.Dials()))
	}
}

func TestDetectorStopReleasesEverything(t *testing.T) {
	h := newDetectorHarness(t, false, FixedDelay{Interval: 10 * time.Millisecond})
	h.detector.Start()

	conn, ok := h.transport.NextConn(waitTimeout)
	if !ok {
		t.Fatal("Expected a connection")
	}
	eventually(t, "connected", h.connected)

	if err := h.detector.Stop(); err != nil {
		t.Fatalf("Stop returned error: %v", err)
	}
	if err := h.detector.Stop(); err != nil {
		t.Fatalf("Second Stop returned error: %v", err)
	}

	if !conn.ClosedByClient() {
		t.Error("Expected connection to be closed by the client")
	}
	if !h.input.LastStream().Closed() {
		t.Error("Expected capture to be released")
	}
	if h.token.Holder() != "" {
		t.Errorf("Expected microphone to be free, held by %q", h.token.Holder())
	}

	time.Sleep(50 * time.Millisecond)
	if dials := len(h.transport.Dials()); dials != 1 {
		t.Errorf("Disabled detector must not reconnect, saw %d dials", dials)
	}
}

func TestDetectorPermissionDeniedIsTerminal(t *testing.T) {
	h := newDetectorHarness(t, false, FixedDelay{Interval: 5 * time.Millisecond})
	h.input.SetPermissionError(domain.ErrPermissionDenied)
	h.detector.Start()

	eventually(t, "terminal error", func() bool {
		s := h.detector.State()
		return !s.Enabled && s.Error != ""
	})

	time.Sleep(30 * time.Millisecond)
	if requests := h.input.PermissionRequests(); requests != 1 {
		t.Errorf("Permission refusal must not be retried, saw %d requests", requests)
	}
	if dials := len(h.transport.Dials()); dials != 0 {
		t.Errorf("Expected no dials, got %d", dials)
	}
}

func TestDetectorRetriesWhileMicrophoneBusy(t *testing.T) {
	h := newDetectorHarness(t, false, FixedDelay{Interval: 5 * time.Millisecond})
	lease, err := h.token.Acquire("call")
	if err != nil {
		t.Fatalf("Failed to take the microphone: %v", err)
	}

	h.detector.Start()
	eventually(t, "retry while busy", func() bool {
		s := h.detector.State()
		return s.Enabled && s.RetryCount >= 1 && s.Error != ""
	})

	lease.Release()
	eventually(t, "connected once free", func() bool {
		s := h.detector.State()
		return s.Connected && s.Error == ""
	})
}

func TestDetectorNotifiesObserver(t *testing.T) {
	h := newDetectorHarness(t, false, FixedDelay{Interval: 10 * time.Millisecond})

	var mu sync.Mutex
	var states []entities.WakeWordListenerState
	h.detector.OnChange(func(s entities.WakeWordListenerState) {
		mu.Lock()
		defer mu.Unlock()
		states = append(states, s)
	})

	h.detector.Start()
	eventually(t, "connected", h.connected)
	h.detector.Stop()

	mu.Lock()
	defer mu.Unlock()
	if len(states) < 3 {
		t.Fatalf("Expected at least 3 notifications, got %d", len(states))
	}
	if !states[0].Enabled || states[0].Connected {
		t.Errorf("Expected first notification to be enabled and connecting, got %+v", states[0])
	}
	last := states[len(states)-1]
	if last.Enabled || last.Connected {
		t.Errorf("Expected final notification to be disabled, got %+v", last)
	}
}

func TestDetectorReconnectsAfterSendFailure(t *testing.T) {
	h := newDetectorHarness(t, false, FixedDelay{Interval: 10 * time.Millisecond})
	var states []entities.WakeWordListenerState
	var mu sync.Mutex
	h.detector.OnChange(func(s entities.WakeWordListenerState) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})
	h.detector.Start()

	first, ok := h.transport.NextConn(waitTimeout)
	if !ok {
		t.Fatal("Expected first connection")
	}
	eventually(t, "connected", h.connected)

	first.FailWrites(errors.New("broken pipe"))
	h.input.LastStream().Push(make([]float32, pcm.BlockSize))

	if _, ok := h.transport.NextConn(waitTimeout); !ok {
		t.Fatal("Expected a reconnect after a failed send")
	}
	eventually(t, "reconnected", h.connected)

	mu.Lock()
	defer mu.Unlock()
	sawLost := false
	for _, s := range states {
		if s.Error == describe(domain.ErrUnsolicitedClose) && s.RetryCount == 1 {
			sawLost = true
		}
	}
	if !sawLost {
		t.Errorf("Expected a lost-connection state before reconnecting, got %+v", states)
	}
	if h.activations.Load() != 0 {
		t.Error("A failed send must not activate")
	}
}

func TestDetectorStopDoesNotWaitForStuckSend(t *testing.T) {
	h := newDetectorHarness(t, false, FixedDelay{Interval: 10 * time.Millisecond})
	h.detector.Start()

	conn, ok := h.transport.NextConn(waitTimeout)
	if !ok {
		t.Fatal("Expected a wake word connection")
	}
	eventually(t, "connected", h.connected)

	conn.BlockWrites()
	stream := h.input.LastStream()
	for i := 0; i < outboundBufferSize+4; i++ {
		stream.Push(make([]float32, pcm.BlockSize))
	}

	stopped := make(chan error, 1)
	go func() { stopped <- h.detector.Stop() }()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop blocked behind a send to an unresponsive peer")
	}
	if h.token.Holder() != "" {
		t.Errorf("Expected microphone to be free, held by %q", h.token.Holder())
	}
}
