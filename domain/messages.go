package domain

import (
	"encoding/json"
	"fmt"

	"github.com/Aayaan-Sahu/kova/domain/entities"
)

// MessageType is the discriminator of an inbound analysis message
type MessageType string

// Inbound message types on the call channel
const (
	MessageTypeTranscript MessageType = "transcript"
	MessageTypeStopCall   MessageType = "stop_call"
)

// AnalysisMessage is one backend emission on the call channel. Scores are
// absolute values for the whole call, never deltas.
type AnalysisMessage struct {
	Type              MessageType                  `json:"type"`
	Segments          []entities.TranscriptSegment `json:"segments,omitempty"`
	RiskScore         *float64                     `json:"risk_score,omitempty"`
	ConfidenceScore   *float64                     `json:"confidence_score,omitempty"`
	Reasoning         string                       `json:"reasoning,omitempty"`
	SuggestedQuestion *string                      `json:"suggested_question,omitempty"`
	AlertSent         bool                         `json:"alert_sent,omitempty"`
}

// WakeWordMessage is one backend emission on the wake-word channel
type WakeWordMessage struct {
	Detected   bool   `json:"detected"`
	Transcript string `json:"transcript,omitempty"`
}

// DecodeAnalysisMessage parses an inbound call message. Anything that is not
// a JSON object with a type tag is reported as ErrMalformedMessage.
func DecodeAnalysisMessage(data []byte) (AnalysisMessage, error) {
	var msg AnalysisMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return AnalysisMessage{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if msg.Type == "" {
		return AnalysisMessage{}, fmt.Errorf("%w: missing type field", ErrMalformedMessage)
	}
	return msg, nil
}

// DecodeWakeWordMessage parses an inbound wake-word message
func DecodeWakeWordMessage(data []byte) (WakeWordMessage, error) {
	var msg WakeWordMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return WakeWordMessage{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	return msg, nil
}
