package api

import (
	"time"

	"github.com/Aayaan-Sahu/kova/domain/entities"
)

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// DevicesResponse lists the capture devices and the selected one
type DevicesResponse struct {
	Devices  []entities.AudioDevice `json:"devices"`
	Selected string                 `json:"selected"`
}

// SelectDeviceRequest selects a capture device. An empty id selects the
// system default.
type SelectDeviceRequest struct {
	DeviceID string `json:"device_id"`
}

// StartCallRequest starts call protection
type StartCallRequest struct {
	CallerPhoneNumber string `json:"caller_phone_number"`
	SkipCheck         bool   `json:"skip_check"`
}

// ReportedNumberResponse is returned with 409 when the caller number has
// been reported before
type ReportedNumberResponse struct {
	ErrorResponse
	CallerPhoneNumber string `json:"caller_phone_number"`
	ReportCount       int    `json:"report_count"`
}

// DismissQuestionRequest removes one suggested question
type DismissQuestionRequest struct {
	Question string `json:"question"`
}

// ChatRequest is a question for the companion
type ChatRequest struct {
	Query string `json:"query"`
}

// TokenResponse is a freshly minted viewer token
type TokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}
