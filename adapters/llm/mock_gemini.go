package llm

import (
	"context"
	"fmt"
	"sync"

	"github.com/Aayaan-Sahu/kova/domain/entities"
	"github.com/Aayaan-Sahu/kova/domain/repositories"
)

// MockCompanion answers from the call status without calling a model
type MockCompanion struct {
	mu       sync.Mutex
	requests []repositories.ChatRequest
}

var _ repositories.ChatCompanion = (*MockCompanion)(nil)

// NewMockCompanion creates a new mock companion
func NewMockCompanion() *MockCompanion {
	return &MockCompanion{}
}

// Ask implements repositories.ChatCompanion
func (m *MockCompanion) Ask(ctx context.Context, req repositories.ChatRequest) (string, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	m.mu.Unlock()

	switch req.Call.Status {
	case entities.RiskStatusDanger:
		return "This looks like a scam. Please hang up now and don't share any codes or payment details.", nil
	case entities.RiskStatusWarning:
		return fmt.Sprintf("Be careful. Ask the caller to verify who they are before answering %q.", req.Query), nil
	default:
		return "Nothing suspicious so far, but never share passwords or codes with a caller.", nil
	}
}

// Requests returns every request received
func (m *MockCompanion) Requests() []repositories.ChatRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]repositories.ChatRequest(nil), m.requests...)
}
