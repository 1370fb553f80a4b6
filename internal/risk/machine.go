// Package risk folds backend analysis messages into the live view of a call.
//
// Transitions are a pure function of the current state and one event, so the
// rules can be tested without a transport. Machine wraps Reduce for callers
// that share the state across goroutines.
package risk

import (
	"sync"

	"github.com/Aayaan-Sahu/kova/domain"
	"github.com/Aayaan-Sahu/kova/domain/entities"
)

// MaxQuestions is the size of the suggested question list
const MaxQuestions = 3

// Phase is the coarse state of the call
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseListening
)

func (p Phase) String() string {
	switch p {
	case PhaseListening:
		return "listening"
	default:
		return "idle"
	}
}

// State is the live view of one call. Slices are never mutated in place, so
// a State value can be handed to other goroutines as is.
type State struct {
	Phase           Phase
	Transcript      []entities.TranscriptSegment
	RiskScore       float64
	ConfidenceScore float64
	Reasoning       string
	Questions       []string
	AlertSent       bool
	// PeakRisk is the highest score seen since the session opened
	PeakRisk float64
	// QuestionsGenerated counts questions added to the list during the call
	QuestionsGenerated int
}

// Status is the display tier of the latest score
func (s State) Status() entities.RiskStatus {
	return entities.StatusForScore(s.RiskScore)
}

// Listening reports whether the call session is open
func (s State) Listening() bool {
	return s.Phase == PhaseListening
}

// Event is an input to Reduce
type Event interface {
	isEvent()
}

// SessionOpened marks the transport as confirmed open. It starts a fresh call.
type SessionOpened struct{}

// SessionClosed marks the session as over, explicit or not. The last view of
// the call stays readable.
type SessionClosed struct{}

// TranscriptReceived carries one backend analysis message
type TranscriptReceived struct {
	Message domain.AnalysisMessage
}

// Cleared resets the call view without closing the session
type Cleared struct{}

// QuestionDismissed removes one suggested question
type QuestionDismissed struct {
	Question string
}

func (SessionOpened) isEvent()      {}
func (SessionClosed) isEvent()      {}
func (TranscriptReceived) isEvent() {}
func (Cleared) isEvent()            {}
func (QuestionDismissed) isEvent()  {}

// Reduce returns the state after ev. Unknown or out-of-phase events leave the
// state unchanged.
func Reduce(s State, ev Event) State {
	switch e := ev.(type) {
	case SessionOpened:
		return State{Phase: PhaseListening}

	case SessionClosed:
		s.Phase = PhaseIdle
		return s

	case TranscriptReceived:
		if s.Phase != PhaseListening || e.Message.Type != domain.MessageTypeTranscript {
			return s
		}
		return applyTranscript(s, e.Message)

	case Cleared:
		// the alert, the peak and the question count belong to the call, not the view
		return State{
			Phase:              s.Phase,
			AlertSent:          s.AlertSent,
			PeakRisk:           s.PeakRisk,
			QuestionsGenerated: s.QuestionsGenerated,
		}

	case QuestionDismissed:
		idx := indexOf(s.Questions, e.Question)
		if idx < 0 {
			return s
		}
		questions := make([]string, 0, len(s.Questions)-1)
		questions = append(questions, s.Questions[:idx]...)
		questions = append(questions, s.Questions[idx+1:]...)
		s.Questions = questions
		return s
	}
	return s
}

func applyTranscript(s State, msg domain.AnalysisMessage) State {
	if len(msg.Segments) > 0 {
		transcript := make([]entities.TranscriptSegment, 0, len(s.Transcript)+len(msg.Segments))
		transcript = append(transcript, s.Transcript...)
		transcript = append(transcript, msg.Segments...)
		s.Transcript = transcript
	}

	// absolute values, never accumulated
	if msg.RiskScore != nil {
		s.RiskScore = *msg.RiskScore
		if s.RiskScore > s.PeakRisk {
			s.PeakRisk = s.RiskScore
		}
	}
	if msg.ConfidenceScore != nil {
		s.ConfidenceScore = *msg.ConfidenceScore
	}
	if msg.Reasoning != "" {
		s.Reasoning = msg.Reasoning
	}

	if msg.SuggestedQuestion != nil && *msg.SuggestedQuestion != "" &&
		indexOf(s.Questions, *msg.SuggestedQuestion) < 0 {
		questions := make([]string, 0, MaxQuestions)
		questions = append(questions, *msg.SuggestedQuestion)
		questions = append(questions, s.Questions...)
		if len(questions) > MaxQuestions {
			questions = questions[:MaxQuestions]
		}
		s.Questions = questions
		s.QuestionsGenerated++
	}

	if msg.AlertSent {
		s.AlertSent = true
	}
	return s
}

func indexOf(list []string, v string) int {
	for i, item := range list {
		if item == v {
			return i
		}
	}
	return -1
}

// Machine is a goroutine safe holder of a State
type Machine struct {
	mu    sync.RWMutex
	state State
}

// NewMachine creates an idle machine
func NewMachine() *Machine {
	return &Machine{}
}

// Apply reduces ev into the current state and returns the result
func (m *Machine) Apply(ev Event) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = Reduce(m.state, ev)
	return m.state
}

// State returns the current state
func (m *Machine) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}
