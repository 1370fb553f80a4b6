package repositories

import (
	"context"

	"github.com/Aayaan-Sahu/kova/domain/entities"
)

// ChatCompanion answers user questions about the call in progress
type ChatCompanion interface {
	Ask(ctx context.Context, req ChatRequest) (string, error)
}

// ChatRequest carries the query plus the local view of the call, for
// companions that do not share the backend's session state
type ChatRequest struct {
	SessionID string
	Query     string
	Call      CallContext
}

// CallContext is a read-only snapshot of the call used as chat context
type CallContext struct {
	CallerPhoneNumber string
	RiskScore         float64
	ConfidenceScore   float64
	Status            entities.RiskStatus
	Reasoning         string
	Transcript        []entities.TranscriptSegment
}

// NumberReputation looks up whether a phone number was reported before
type NumberReputation interface {
	CheckNumber(ctx context.Context, phone string) (entities.NumberReputation, error)
}
