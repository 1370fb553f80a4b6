package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/Aayaan-Sahu/kova/domain"
	"github.com/Aayaan-Sahu/kova/domain/entities"
	"github.com/Aayaan-Sahu/kova/domain/repositories"
	"github.com/Aayaan-Sahu/kova/internal/capture"
	"github.com/Aayaan-Sahu/kova/internal/session"
	"github.com/Aayaan-Sahu/kova/internal/wakeword"
)

const saveRecordTimeout = 10 * time.Second

// CallView is the call half of a Snapshot
type CallView struct {
	entities.CallSession
	Connecting         bool                         `json:"connecting"`
	Error              string                       `json:"error,omitempty"`
	StartedAt          *time.Time                   `json:"started_at,omitempty"`
	RiskScore          float64                      `json:"risk_score"`
	ConfidenceScore    float64                      `json:"confidence_score"`
	PeakRiskScore      float64                      `json:"peak_risk_score"`
	Reasoning          string                       `json:"reasoning,omitempty"`
	SuggestedQuestions []string                     `json:"suggested_questions"`
	AlertSent          bool                         `json:"alert_sent"`
	Transcript         []entities.TranscriptSegment `json:"transcript"`
}

// Snapshot is everything a viewer shows
type Snapshot struct {
	Call           CallView                       `json:"call"`
	WakeWord       entities.WakeWordListenerState `json:"wake_word"`
	DeviceSelected string                         `json:"devices_selected"`
}

// CallEnded describes a call that ended without EndCall
type CallEnded struct {
	SessionID string
	Reason    session.EndReason
	Err       error
}

// ProtectionDeps are the collaborators of the ProtectionService
type ProtectionDeps struct {
	Session    *session.Session
	Detector   *wakeword.Detector
	Source     *capture.Source
	Reputation repositories.NumberReputation
	Chat       *ChatService
	Records    repositories.CallRecordRepository
}

// ProtectionService coordinates the call session with the wake-word
// detector. Only one of them owns the microphone at a time: starting a call
// disables voice activation and ending it restores what was there before.
type ProtectionService struct {
	session    *session.Session
	detector   *wakeword.Detector
	source     *capture.Source
	reputation repositories.NumberReputation
	chat       *ChatService
	records    repositories.CallRecordRepository
	sessionID  string
	userID     string
	logger     *zap.Logger

	mu          sync.Mutex
	callActive  bool
	everStarted bool
	wakeResume  bool
	deviceID    string

	subMu       sync.RWMutex
	subscribers map[int]func(Snapshot)
	enders      map[int]func(CallEnded)
	nextSubID   int
}

// NewProtectionService wires the session and detector callbacks. sessionID
// and userID must match the ones the session was built with.
func NewProtectionService(deps ProtectionDeps, sessionID, userID, deviceID string, logger *zap.Logger) *ProtectionService {
	s := &ProtectionService{
		session:     deps.Session,
		detector:    deps.Detector,
		source:      deps.Source,
		reputation:  deps.Reputation,
		chat:        deps.Chat,
		records:     deps.Records,
		sessionID:   sessionID,
		userID:      userID,
		deviceID:    deviceID,
		logger:      logger.Named("protection").With(zap.String("sessionID", sessionID)),
		subscribers: make(map[int]func(Snapshot)),
		enders:      make(map[int]func(CallEnded)),
	}

	s.session.OnChange(func(session.Snapshot) { s.publish() })
	s.session.OnEnded(s.handleEnded)
	if s.detector != nil {
		s.detector.SetDevice(deviceID)
		s.detector.OnChange(func(entities.WakeWordListenerState) { s.publish() })
		s.detector.OnActivate(s.handleActivation)
	}
	return s
}

// StartCall starts protecting a call with callerPhone, which may be empty.
// Voice activation is paused for the duration of the call.
func (s *ProtectionService) StartCall(ctx context.Context, callerPhone string) error {
	s.mu.Lock()
	if s.callActive {
		s.mu.Unlock()
		return nil
	}
	s.callActive = true
	s.everStarted = true
	if s.detector != nil && s.detector.State().Enabled {
		s.wakeResume = true
	}
	deviceID := s.deviceID
	s.mu.Unlock()

	// the detector must hand the microphone back before the call takes it
	if s.detector != nil {
		if err := s.detector.Stop(); err != nil {
			s.logger.Warn("Voice activation teardown finished with errors", zap.Error(err))
		}
	}

	s.logger.Info("Starting call protection", zap.String("callerPhoneNumber", callerPhone))
	if err := s.session.Start(ctx, callerPhone, deviceID); err != nil {
		s.finishCall(false)
		return fmt.Errorf("failed to start call protection: %w", err)
	}

	// EndCall may have run while Start was in flight
	s.mu.Lock()
	ended := !s.callActive
	s.mu.Unlock()
	if ended {
		return s.session.Stop()
	}
	return nil
}

// EndCall stops protecting the call, stores its record and restores voice
// activation. It is a no-op without an active call.
func (s *ProtectionService) EndCall(ctx context.Context) error {
	err := s.session.Stop()
	s.finishCall(true)
	return err
}

// finishCall closes the bookkeeping of the active call exactly once
func (s *ProtectionService) finishCall(persist bool) {
	s.mu.Lock()
	if !s.callActive {
		s.mu.Unlock()
		return
	}
	s.callActive = false
	resume := s.wakeResume
	s.wakeResume = false
	s.mu.Unlock()

	if persist {
		s.saveRecord(s.session.Snapshot())
	}
	if resume && s.detector != nil {
		s.detector.Start()
	}
	s.publish()
}

func (s *ProtectionService) saveRecord(snap session.Snapshot) {
	if s.records == nil || len(snap.Risk.Transcript) == 0 || snap.StartedAt.IsZero() {
		return
	}

	record := &entities.CallRecord{
		SessionID:          s.sessionID,
		UserID:             s.userID,
		CallerPhoneNumber:  snap.Call.CallerPhoneNumber,
		StartedAt:          snap.StartedAt,
		EndedAt:            time.Now(),
		RiskScore:          snap.Risk.RiskScore,
		PeakRiskScore:      snap.Risk.PeakRisk,
		Status:             snap.Risk.Status(),
		AlertSent:          snap.Risk.AlertSent,
		QuestionsGenerated: snap.Risk.QuestionsGenerated,
		Transcript:         snap.Risk.Transcript,
	}

	ctx, cancel := context.WithTimeout(context.Background(), saveRecordTimeout)
	defer cancel()
	if err := s.records.Save(ctx, record); err != nil {
		s.logger.Error("Failed to save call record", zap.Error(err))
		return
	}
	s.logger.Info("Call record saved",
		zap.String("status", string(record.Status)),
		zap.Float64("peakRiskScore", record.PeakRiskScore),
		zap.Duration("duration", record.Duration()))
}

// handleEnded covers the stop_call voice command and unsolicited closes.
// Neither restarts the call.
func (s *ProtectionService) handleEnded(reason session.EndReason, err error) {
	s.logger.Info("Call ended by remote", zap.Stringer("reason", reason), zap.NamedError("cause", err))
	s.finishCall(true)

	s.subMu.RLock()
	enders := make([]func(CallEnded), 0, len(s.enders))
	for _, fn := range s.enders {
		enders = append(enders, fn)
	}
	s.subMu.RUnlock()

	ev := CallEnded{SessionID: s.sessionID, Reason: reason, Err: err}
	for _, fn := range enders {
		fn(ev)
	}
}

// handleActivation runs on the detector's goroutine after it released the
// microphone. Voice activation was on, so it comes back after the call.
func (s *ProtectionService) handleActivation() {
	s.mu.Lock()
	if !s.callActive {
		s.wakeResume = true
	}
	s.mu.Unlock()

	go func() {
		if err := s.StartCall(context.Background(), ""); err != nil {
			s.logger.Error("Failed to start call from voice activation", zap.Error(err))
		}
	}()
}

// EnableWakeWord turns voice activation on. During a call it is only
// remembered and starts when the call ends.
func (s *ProtectionService) EnableWakeWord() error {
	if s.detector == nil {
		return errors.New("voice activation is not configured")
	}
	s.mu.Lock()
	if s.callActive {
		s.wakeResume = true
		s.mu.Unlock()
		s.publish()
		return nil
	}
	s.mu.Unlock()

	s.detector.Start()
	return nil
}

// DisableWakeWord turns voice activation off, also for after the call
func (s *ProtectionService) DisableWakeWord() error {
	if s.detector == nil {
		return nil
	}
	s.mu.Lock()
	s.wakeResume = false
	s.mu.Unlock()
	return s.detector.Stop()
}

// Ask forwards a question to the chat companion. It needs a session that has
// been started at least once.
func (s *ProtectionService) Ask(ctx context.Context, query string) (ChatMessage, error) {
	s.mu.Lock()
	started := s.everStarted
	s.mu.Unlock()

	req := repositories.ChatRequest{Query: query}
	if started {
		req.SessionID = s.sessionID
	}
	snap := s.session.Snapshot()
	req.Call = repositories.CallContext{
		CallerPhoneNumber: snap.Call.CallerPhoneNumber,
		RiskScore:         snap.Risk.RiskScore,
		ConfidenceScore:   snap.Risk.ConfidenceScore,
		Status:            snap.Risk.Status(),
		Reasoning:         snap.Risk.Reasoning,
		Transcript:        snap.Risk.Transcript,
	}
	return s.chat.Ask(ctx, req)
}

// ChatMessages returns the companion chat log
func (s *ProtectionService) ChatMessages() []ChatMessage {
	return s.chat.Messages()
}

// CheckNumber looks up whether the number was reported as a scam
func (s *ProtectionService) CheckNumber(ctx context.Context, phone string) (entities.NumberReputation, error) {
	if s.reputation == nil {
		return entities.NumberReputation{}, errors.New("number reputation is not configured")
	}
	return s.reputation.CheckNumber(ctx, phone)
}

// Devices lists the physical capture devices
func (s *ProtectionService) Devices(ctx context.Context) ([]entities.AudioDevice, error) {
	return s.source.Devices(ctx)
}

// SelectDevice picks the capture device for the next call and for voice
// activation. An empty id selects the system default. A running listener is
// reconnected on the new device.
func (s *ProtectionService) SelectDevice(ctx context.Context, deviceID string) error {
	if deviceID != "" {
		devices, err := s.source.Devices(ctx)
		if err != nil {
			return err
		}
		found := false
		for _, d := range devices {
			if d.ID == deviceID {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("%w: %s", domain.ErrDeviceUnavailable, deviceID)
		}
	}

	s.mu.Lock()
	changed := s.deviceID != deviceID
	s.deviceID = deviceID
	inCall := s.callActive
	s.mu.Unlock()

	if !changed {
		return nil
	}
	s.logger.Info("Capture device selected", zap.String("deviceID", deviceID))

	if s.detector != nil {
		s.detector.SetDevice(deviceID)
		if !inCall && s.detector.State().Enabled {
			if err := s.detector.Stop(); err != nil {
				s.logger.Warn("Voice activation teardown finished with errors", zap.Error(err))
			}
			s.detector.Start()
		}
	}
	s.publish()
	return nil
}

// Clear empties the live call view
func (s *ProtectionService) Clear() {
	s.session.Clear()
}

// DismissQuestion removes one suggested question
func (s *ProtectionService) DismissQuestion(question string) {
	s.session.DismissQuestion(question)
}

// History returns the user's most recent call records
func (s *ProtectionService) History(ctx context.Context, limit int) ([]*entities.CallRecord, error) {
	if s.records == nil {
		return nil, nil
	}
	return s.records.ListByUserID(ctx, s.userID, limit)
}

// Stats totals every stored call of the user
func (s *ProtectionService) Stats(ctx context.Context) (entities.CallStats, error) {
	if s.records == nil {
		return entities.CallStats{}, nil
	}
	records, err := s.records.ListByUserID(ctx, s.userID, 0)
	if err != nil {
		return entities.CallStats{}, fmt.Errorf("failed to list call records: %w", err)
	}
	return entities.SummarizeCalls(records), nil
}

// Snapshot returns the current state of the agent
func (s *ProtectionService) Snapshot() Snapshot {
	snap := s.session.Snapshot()

	call := CallView{
		CallSession:        snap.Call,
		Connecting:         snap.Connecting,
		Error:              snap.Error,
		RiskScore:          snap.Risk.RiskScore,
		ConfidenceScore:    snap.Risk.ConfidenceScore,
		PeakRiskScore:      snap.Risk.PeakRisk,
		Reasoning:          snap.Risk.Reasoning,
		SuggestedQuestions: snap.Risk.Questions,
		AlertSent:          snap.Risk.AlertSent,
		Transcript:         snap.Risk.Transcript,
	}
	if !snap.StartedAt.IsZero() {
		startedAt := snap.StartedAt
		call.StartedAt = &startedAt
	}
	if call.SuggestedQuestions == nil {
		call.SuggestedQuestions = []string{}
	}
	if call.Transcript == nil {
		call.Transcript = []entities.TranscriptSegment{}
	}

	out := Snapshot{Call: call}
	if s.detector != nil {
		out.WakeWord = s.detector.State()
	}

	s.mu.Lock()
	out.DeviceSelected = s.deviceID
	s.mu.Unlock()
	return out
}

// Subscribe registers fn for every state change and returns the function
// that removes it
func (s *ProtectionService) Subscribe(fn func(Snapshot)) func() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	id := s.nextSubID
	s.nextSubID++
	s.subscribers[id] = fn
	return func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		delete(s.subscribers, id)
	}
}

// OnCallEnded registers fn for calls ended by the voice command or by the
// connection dropping
func (s *ProtectionService) OnCallEnded(fn func(CallEnded)) func() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	id := s.nextSubID
	s.nextSubID++
	s.enders[id] = fn
	return func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		delete(s.enders, id)
	}
}

// Close ends any call and turns voice activation off
func (s *ProtectionService) Close(ctx context.Context) error {
	var err error
	s.mu.Lock()
	s.wakeResume = false
	s.mu.Unlock()

	err = multierr.Append(err, s.EndCall(ctx))
	if s.detector != nil {
		err = multierr.Append(err, s.detector.Stop())
	}
	return err
}

func (s *ProtectionService) publish() {
	s.subMu.RLock()
	if len(s.subscribers) == 0 {
		s.subMu.RUnlock()
		return
	}
	subs := make([]func(Snapshot), 0, len(s.subscribers))
	for _, fn := range s.subscribers {
		subs = append(subs, fn)
	}
	s.subMu.RUnlock()

	snap := s.Snapshot()
	for _, fn := range subs {
		fn(snap)
	}
}
