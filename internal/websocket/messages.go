package websocket

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType defines the type of live feed message
type MessageType string

// Supported message types
const (
	// MessageTypeState carries a full snapshot of the agent
	MessageTypeState MessageType = "state"
	// MessageTypeCallEnded reports a call that ended without a stop request
	MessageTypeCallEnded MessageType = "call_ended"
	// MessageTypeError reports a failure on the viewer's connection
	MessageTypeError MessageType = "error"
)

// Message is the envelope of every live feed message
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp string          `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// CallEndedData is the payload of a call_ended message
type CallEndedData struct {
	SessionID string `json:"session_id"`
	Reason    string `json:"reason"`
	Error     string `json:"error,omitempty"`
}

// ErrorData is the payload of an error message
type ErrorData struct {
	Code    string `json:"error_code"`
	Message string `json:"message"`
}

// NewMessage marshals data into a typed envelope
func NewMessage(msgType MessageType, data interface{}) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", msgType, err)
	}
	return json.Marshal(Message{
		Type:      msgType,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Data:      raw,
	})
}

// DecodeMessage parses an envelope. Data is left raw for the caller.
func DecodeMessage(payload []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return msg, fmt.Errorf("failed to parse live message: %w", err)
	}
	if msg.Type == "" {
		return msg, fmt.Errorf("live message missing type field")
	}
	return msg, nil
}
