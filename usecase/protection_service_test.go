package usecase

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/Aayaan-Sahu/kova/adapters/audio"
	"github.com/Aayaan-Sahu/kova/adapters/llm"
	"github.com/Aayaan-Sahu/kova/adapters/memory"
	"github.com/Aayaan-Sahu/kova/adapters/transport"
	"github.com/Aayaan-Sahu/kova/domain"
	"github.com/Aayaan-Sahu/kova/domain/entities"
	"github.com/Aayaan-Sahu/kova/internal/capture"
	"github.com/Aayaan-Sahu/kova/internal/mic"
	"github.com/Aayaan-Sahu/kova/internal/session"
	"github.com/Aayaan-Sahu/kova/internal/wakeword"
)

const (
	testSessionID = "session-1"
	testUserID    = "user-1"
)

type fakeReputation struct {
	reports map[string]int
}

func (f *fakeReputation) CheckNumber(ctx context.Context, phone string) (entities.NumberReputation, error) {
	if n, ok := f.reports[phone]; ok {
		return entities.NumberReputation{Found: true, ReportCount: n}, nil
	}
	return entities.NumberReputation{}, nil
}

type serviceHarness struct {
	service   *ProtectionService
	input     *audio.MockAudioInput
	transport *transport.MockTransport
	token     *mic.Token
	records   *memory.CallRecordRepository
	companion *llm.MockCompanion

	mu    sync.Mutex
	ended []CallEnded
}

func newServiceHarness(t *testing.T) *serviceHarness {
	t.Helper()
	logger := zaptest.NewLogger(t)

	h := &serviceHarness{
		input: audio.NewMockAudioInput(48000,
			entities.AudioDevice{ID: "builtin", Label: "Built-in Microphone"},
			entities.AudioDevice{ID: "usb", Label: "USB Headset"},
		),
		transport: transport.NewMockTransport(),
		records:   memory.NewCallRecordRepository(),
		companion: llm.NewMockCompanion(),
	}
	h.token = mic.NewToken(logger)
	source := capture.NewSource(h.input, h.token, logger)

	sess := session.NewSession(session.Config{
		SessionID:      testSessionID,
		UserID:         testUserID,
		ConnectTimeout: time.Second,
	}, source, h.transport, logger)

	detector := wakeword.NewDetector(wakeword.Config{
		Backend:        wakeword.NewTransportBackend(h.transport, wakeword.DefaultPhrase, logger),
		Policy:         wakeword.FixedDelay{Interval: 10 * time.Millisecond},
		ConnectTimeout: time.Second,
	}, source, logger)

	h.service = NewProtectionService(ProtectionDeps{
		Session:    sess,
		Detector:   detector,
		Source:     source,
		Reputation: &fakeReputation{reports: map[string]int{"+15550001111": 3}},
		Chat:       NewChatService(h.companion, logger),
		Records:    h.records,
	}, testSessionID, testUserID, "", logger)

	h.service.OnCallEnded(func(ev CallEnded) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.ended = append(h.ended, ev)
	})
	t.Cleanup(func() { h.service.Close(context.Background()) })
	return h
}

func (h *serviceHarness) endings() []CallEnded {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]CallEnded(nil), h.ended...)
}

// openConn returns the newest open connection on endpoint
func (h *serviceHarness) openConn(endpoint string) *transport.MockConn {
	conns := h.transport.Conns()
	for i := len(conns) - 1; i >= 0; i-- {
		if conns[i].Endpoint() == endpoint && !conns[i].Closed() {
			return conns[i]
		}
	}
	return nil
}

func (h *serviceHarness) dialCount(endpoint string) int {
	n := 0
	for _, d := range h.transport.Dials() {
		if d.Endpoint == endpoint {
			n++
		}
	}
	return n
}

func (h *serviceHarness) savedRecords(t *testing.T) []*entities.CallRecord {
	t.Helper()
	records, err := h.records.GetBySessionID(context.Background(), testSessionID)
	if err != nil {
		t.Fatalf("GetBySessionID() error = %v", err)
	}
	return records
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

func (h *serviceHarness) enableWakeWord(t *testing.T) *transport.MockConn {
	t.Helper()
	if err := h.service.EnableWakeWord(); err != nil {
		t.Fatalf("EnableWakeWord() error = %v", err)
	}
	eventually(t, "wake-word connection", func() bool { return h.service.Snapshot().WakeWord.Connected })
	return h.openConn(wakeword.Endpoint)
}

const transcriptMessage = `{"type":"transcript","segments":[{"speaker":"caller","text":"This is your bank, we need your PIN."}],"risk_score":82,"confidence_score":0.9,"reasoning":"Asks for PIN","suggested_question":"Which branch are you calling from?","alert_sent":true}`

func TestProtectionService_WakeWordStartsCall(t *testing.T) {
	h := newServiceHarness(t)
	wake := h.enableWakeWord(t)

	wake.Send([]byte(`{"detected":true,"transcript":"kova activate"}`))

	eventually(t, "call listening", func() bool { return h.service.Snapshot().Call.IsListening })

	snap := h.service.Snapshot()
	if snap.WakeWord.Enabled || snap.WakeWord.Connected {
		t.Errorf("Expected voice activation paused during the call, got %+v", snap.WakeWord)
	}
	if h.token.Holder() != session.Owner {
		t.Errorf("Expected call to hold the microphone, holder is %q", h.token.Holder())
	}
	call := h.openConn(session.Endpoint)
	if call == nil {
		t.Fatal("Expected an open call connection")
	}
	if got := h.transport.Dials()[len(h.transport.Dials())-1].Params.Get("caller_phone_number"); got != "" {
		t.Errorf("Expected empty caller number for voice activation, got %q", got)
	}

	call.Send([]byte(transcriptMessage))
	eventually(t, "transcript", func() bool { return len(h.service.Snapshot().Call.Transcript) == 1 })

	if err := h.service.EndCall(context.Background()); err != nil {
		t.Fatalf("EndCall() error = %v", err)
	}

	eventually(t, "voice activation back on", func() bool { return h.service.Snapshot().WakeWord.Connected })
	if records := h.savedRecords(t); len(records) != 1 {
		t.Fatalf("Expected 1 call record, got %d", len(records))
	}
}

func TestProtectionService_StartAndEndCall(t *testing.T) {
	h := newServiceHarness(t)
	h.enableWakeWord(t)

	if err := h.service.StartCall(context.Background(), "+15551234567"); err != nil {
		t.Fatalf("StartCall() error = %v", err)
	}
	snap := h.service.Snapshot()
	if !snap.Call.IsListening || snap.Call.CallerPhoneNumber != "+15551234567" {
		t.Errorf("Unexpected call view %+v", snap.Call.CallSession)
	}
	if snap.Call.SessionID != testSessionID {
		t.Errorf("Expected session id %q, got %q", testSessionID, snap.Call.SessionID)
	}
	if snap.WakeWord.Enabled {
		t.Error("Expected voice activation disabled during the call")
	}

	call := h.openConn(session.Endpoint)
	call.Send([]byte(transcriptMessage))
	eventually(t, "transcript", func() bool { return h.service.Snapshot().Call.RiskScore == 82 })

	snap = h.service.Snapshot()
	if snap.Call.Status != entities.RiskStatusDanger {
		t.Errorf("Expected danger status, got %s", snap.Call.Status)
	}
	if len(snap.Call.SuggestedQuestions) != 1 || !snap.Call.AlertSent {
		t.Errorf("Unexpected call view %+v", snap.Call)
	}

	if err := h.service.EndCall(context.Background()); err != nil {
		t.Fatalf("EndCall() error = %v", err)
	}
	if !call.ClosedByClient() {
		t.Error("Expected the call connection to be closed by the client")
	}

	records := h.savedRecords(t)
	if len(records) != 1 {
		t.Fatalf("Expected 1 call record, got %d", len(records))
	}
	rec := records[0]
	if rec.UserID != testUserID || rec.CallerPhoneNumber != "+15551234567" {
		t.Errorf("Unexpected record identity %+v", rec)
	}
	if rec.PeakRiskScore != 82 || rec.Status != entities.RiskStatusDanger || !rec.AlertSent {
		t.Errorf("Unexpected record risk %+v", rec)
	}
	eventually(t, "voice activation back on", func() bool { return h.service.Snapshot().WakeWord.Connected })

	// ending twice stores nothing more
	if err := h.service.EndCall(context.Background()); err != nil {
		t.Fatalf("Second EndCall() error = %v", err)
	}
	if records := h.savedRecords(t); len(records) != 1 {
		t.Errorf("Expected still 1 record, got %d", len(records))
	}
}

func TestProtectionService_NoRecordWithoutTranscript(t *testing.T) {
	h := newServiceHarness(t)

	if err := h.service.StartCall(context.Background(), ""); err != nil {
		t.Fatalf("StartCall() error = %v", err)
	}
	if err := h.service.EndCall(context.Background()); err != nil {
		t.Fatalf("EndCall() error = %v", err)
	}
	if records := h.savedRecords(t); len(records) != 0 {
		t.Errorf("Expected no record, got %d", len(records))
	}
	if h.service.Snapshot().WakeWord.Enabled {
		t.Error("Expected voice activation to stay off when it was off before the call")
	}
}

func TestProtectionService_VoiceStopCommand(t *testing.T) {
	h := newServiceHarness(t)
	h.enableWakeWord(t)

	if err := h.service.StartCall(context.Background(), "+15551234567"); err != nil {
		t.Fatalf("StartCall() error = %v", err)
	}
	call := h.openConn(session.Endpoint)
	call.Send([]byte(transcriptMessage))
	call.Send([]byte(`{"type":"stop_call"}`))

	eventually(t, "call ended", func() bool { return len(h.endings()) == 1 })

	ev := h.endings()[0]
	if ev.Reason != session.EndReasonVoiceCommand || ev.Err != nil {
		t.Errorf("Unexpected ending %+v", ev)
	}
	if h.service.Snapshot().Call.IsListening {
		t.Error("Expected the call to stop listening")
	}
	if records := h.savedRecords(t); len(records) != 1 {
		t.Errorf("Expected the call to be recorded, got %d records", len(records))
	}
	eventually(t, "voice activation back on", func() bool { return h.service.Snapshot().WakeWord.Connected })
}

func TestProtectionService_DroppedCallIsNotRestarted(t *testing.T) {
	h := newServiceHarness(t)

	if err := h.service.StartCall(context.Background(), ""); err != nil {
		t.Fatalf("StartCall() error = %v", err)
	}
	h.openConn(session.Endpoint).Drop()

	eventually(t, "call ended", func() bool { return len(h.endings()) == 1 })

	ev := h.endings()[0]
	if ev.Reason != session.EndReasonDropped || !errors.Is(ev.Err, domain.ErrUnsolicitedClose) {
		t.Errorf("Unexpected ending %+v", ev)
	}
	snap := h.service.Snapshot()
	if snap.Call.IsListening || snap.Call.Error == "" {
		t.Errorf("Expected a stopped call with an error, got %+v", snap.Call)
	}

	time.Sleep(50 * time.Millisecond)
	if n := h.dialCount(session.Endpoint); n != 1 {
		t.Errorf("Expected no reconnect, got %d dials", n)
	}
}

func TestProtectionService_StartFailureRestoresWakeWord(t *testing.T) {
	h := newServiceHarness(t)
	h.enableWakeWord(t)

	h.transport.FailNextDials(errors.New("connection refused"))
	err := h.service.StartCall(context.Background(), "")
	if !errors.Is(err, domain.ErrTransportOpen) {
		t.Fatalf("Expected ErrTransportOpen, got %v", err)
	}

	eventually(t, "voice activation back on", func() bool { return h.service.Snapshot().WakeWord.Connected })
	if h.service.Snapshot().Call.Error == "" {
		t.Error("Expected the failure to surface in the call view")
	}

	// the failed start does not block the next one
	if err := h.service.StartCall(context.Background(), ""); err != nil {
		t.Fatalf("StartCall() after failure error = %v", err)
	}
}

func TestProtectionService_EnableWakeWordDuringCall(t *testing.T) {
	h := newServiceHarness(t)

	if err := h.service.StartCall(context.Background(), ""); err != nil {
		t.Fatalf("StartCall() error = %v", err)
	}
	if err := h.service.EnableWakeWord(); err != nil {
		t.Fatalf("EnableWakeWord() error = %v", err)
	}
	if h.dialCount(wakeword.Endpoint) != 0 {
		t.Error("Expected no wake-word connection while the call owns the microphone")
	}

	if err := h.service.EndCall(context.Background()); err != nil {
		t.Fatalf("EndCall() error = %v", err)
	}
	eventually(t, "voice activation on", func() bool { return h.service.Snapshot().WakeWord.Connected })

	if err := h.service.DisableWakeWord(); err != nil {
		t.Fatalf("DisableWakeWord() error = %v", err)
	}
	if h.token.Holder() != "" {
		t.Errorf("Expected free microphone, holder is %q", h.token.Holder())
	}
}

func TestProtectionService_Ask(t *testing.T) {
	h := newServiceHarness(t)
	ctx := context.Background()

	if _, err := h.service.Ask(ctx, "Is this a scam?"); !errors.Is(err, domain.ErrNoActiveSession) {
		t.Fatalf("Expected ErrNoActiveSession before any call, got %v", err)
	}
	if len(h.companion.Requests()) != 0 {
		t.Error("Expected the companion not to be asked without a session")
	}
	msgs := h.service.ChatMessages()
	if len(msgs) != 2 || !msgs[1].IsError {
		t.Fatalf("Expected the refusal in the chat log, got %+v", msgs)
	}

	if err := h.service.StartCall(ctx, "+15551234567"); err != nil {
		t.Fatalf("StartCall() error = %v", err)
	}
	h.openConn(session.Endpoint).Send([]byte(transcriptMessage))
	eventually(t, "transcript", func() bool { return len(h.service.Snapshot().Call.Transcript) == 1 })

	reply, err := h.service.Ask(ctx, "Should I tell them my PIN?")
	if err != nil {
		t.Fatalf("Ask() error = %v", err)
	}
	if reply.Role != ChatRoleAssistant || reply.Content == "" {
		t.Errorf("Unexpected reply %+v", reply)
	}

	reqs := h.companion.Requests()
	if len(reqs) != 1 {
		t.Fatalf("Expected 1 companion request, got %d", len(reqs))
	}
	if reqs[0].SessionID != testSessionID || reqs[0].Call.Status != entities.RiskStatusDanger {
		t.Errorf("Unexpected companion request %+v", reqs[0])
	}

	// the session id outlives the call
	if err := h.service.EndCall(ctx); err != nil {
		t.Fatalf("EndCall() error = %v", err)
	}
	if _, err := h.service.Ask(ctx, "What now?"); err != nil {
		t.Errorf("Expected Ask to work after the call ended, got %v", err)
	}
}

func TestProtectionService_SelectDevice(t *testing.T) {
	h := newServiceHarness(t)
	ctx := context.Background()

	err := h.service.SelectDevice(ctx, "bluetooth")
	if !errors.Is(err, domain.ErrDeviceUnavailable) {
		t.Fatalf("Expected ErrDeviceUnavailable, got %v", err)
	}

	if err := h.service.SelectDevice(ctx, "usb"); err != nil {
		t.Fatalf("SelectDevice() error = %v", err)
	}
	if got := h.service.Snapshot().DeviceSelected; got != "usb" {
		t.Errorf("Expected selected device 'usb', got %q", got)
	}

	h.enableWakeWord(t)
	first := h.openConn(wakeword.Endpoint)

	if err := h.service.SelectDevice(ctx, "builtin"); err != nil {
		t.Fatalf("SelectDevice() error = %v", err)
	}
	eventually(t, "listener reconnected", func() bool {
		c := h.openConn(wakeword.Endpoint)
		return c != nil && c != first
	})

	devices, err := h.service.Devices(ctx)
	if err != nil {
		t.Fatalf("Devices() error = %v", err)
	}
	if len(devices) != 2 {
		t.Errorf("Expected 2 devices, got %d", len(devices))
	}
}

func TestProtectionService_CheckNumber(t *testing.T) {
	h := newServiceHarness(t)

	rep, err := h.service.CheckNumber(context.Background(), "+15550001111")
	if err != nil {
		t.Fatalf("CheckNumber() error = %v", err)
	}
	if !rep.Found || rep.ReportCount != 3 {
		t.Errorf("Unexpected reputation %+v", rep)
	}
}

func TestProtectionService_SubscribeClearAndDismiss(t *testing.T) {
	h := newServiceHarness(t)

	var mu sync.Mutex
	var snaps []Snapshot
	unsubscribe := h.service.Subscribe(func(s Snapshot) {
		mu.Lock()
		defer mu.Unlock()
		snaps = append(snaps, s)
	})
	count := func() int {
		mu.Lock()
		defer mu.Unlock()
		return len(snaps)
	}

	if err := h.service.StartCall(context.Background(), ""); err != nil {
		t.Fatalf("StartCall() error = %v", err)
	}
	h.openConn(session.Endpoint).Send([]byte(transcriptMessage))
	eventually(t, "question", func() bool { return len(h.service.Snapshot().Call.SuggestedQuestions) == 1 })

	h.service.DismissQuestion("Which branch are you calling from?")
	if q := h.service.Snapshot().Call.SuggestedQuestions; len(q) != 0 {
		t.Errorf("Expected question dismissed, got %v", q)
	}

	h.service.Clear()
	snap := h.service.Snapshot()
	if len(snap.Call.Transcript) != 0 || snap.Call.RiskScore != 0 {
		t.Errorf("Expected cleared view, got %+v", snap.Call)
	}
	if !snap.Call.IsListening {
		t.Error("Expected clear to keep the call open")
	}
	if count() == 0 {
		t.Fatal("Expected snapshots to be published")
	}

	unsubscribe()
	before := count()
	h.service.Clear()
	if count() != before {
		t.Error("Expected no snapshots after unsubscribe")
	}
}

func TestProtectionService_History(t *testing.T) {
	h := newServiceHarness(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := h.service.StartCall(ctx, "+15551234567"); err != nil {
			t.Fatalf("StartCall() error = %v", err)
		}
		h.openConn(session.Endpoint).Send([]byte(transcriptMessage))
		eventually(t, "transcript", func() bool { return len(h.service.Snapshot().Call.Transcript) == 1 })
		if err := h.service.EndCall(ctx); err != nil {
			t.Fatalf("EndCall() error = %v", err)
		}
	}

	history, err := h.service.History(ctx, 10)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 2 {
		t.Errorf("Expected 2 records, got %d", len(history))
	}
}

func TestProtectionService_Stats(t *testing.T) {
	h := newServiceHarness(t)
	ctx := context.Background()

	if stats, err := h.service.Stats(ctx); err != nil || stats.TotalCalls != 0 || stats.SafeRate != 0 {
		t.Fatalf("Expected empty stats, got %+v, %v", stats, err)
	}

	for i := 0; i < 2; i++ {
		if err := h.service.StartCall(ctx, "+15551234567"); err != nil {
			t.Fatalf("StartCall() error = %v", err)
		}
		h.openConn(session.Endpoint).Send([]byte(transcriptMessage))
		eventually(t, "transcript", func() bool { return len(h.service.Snapshot().Call.Transcript) == 1 })
		if err := h.service.EndCall(ctx); err != nil {
			t.Fatalf("EndCall() error = %v", err)
		}
	}

	history, err := h.service.History(ctx, 1)
	if err != nil || len(history) != 1 {
		t.Fatalf("History() = %v, %v", history, err)
	}
	if history[0].QuestionsGenerated != 1 {
		t.Errorf("Expected the record to count 1 question, got %d", history[0].QuestionsGenerated)
	}

	stats, err := h.service.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	expected := entities.CallStats{
		TotalCalls:           2,
		TotalDurationSeconds: stats.TotalDurationSeconds,
		SuspiciousCalls:      2,
		AlertsSent:           2,
		UniqueCallers:        1,
		QuestionsGenerated:   2,
	}
	if stats != expected {
		t.Errorf("Expected %+v, got %+v", expected, stats)
	}
}
