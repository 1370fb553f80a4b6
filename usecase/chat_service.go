package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Aayaan-Sahu/kova/domain"
	"github.com/Aayaan-Sahu/kova/domain/repositories"
)

// maxChatMessages bounds the log kept for viewers
const maxChatMessages = 100

// ChatRole says who wrote a chat message
type ChatRole string

const (
	ChatRoleUser      ChatRole = "user"
	ChatRoleAssistant ChatRole = "assistant"
)

// ChatMessage is one entry of the companion chat log
type ChatMessage struct {
	Role      ChatRole  `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	IsError   bool      `json:"is_error,omitempty"`
}

// ChatService handles the companion conversation and keeps its log
type ChatService struct {
	companion repositories.ChatCompanion
	logger    *zap.Logger

	mu       sync.RWMutex
	messages []ChatMessage
}

// NewChatService creates a new chat service
func NewChatService(companion repositories.ChatCompanion, logger *zap.Logger) *ChatService {
	return &ChatService{
		companion: companion,
		logger:    logger.Named("chat"),
	}
}

// Ask sends the query to the companion. A request without a session id is
// refused. Failures are logged as error entries and returned.
func (s *ChatService) Ask(ctx context.Context, req repositories.ChatRequest) (ChatMessage, error) {
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return ChatMessage{}, fmt.Errorf("query cannot be empty")
	}
	req.Query = query

	s.append(ChatMessage{Role: ChatRoleUser, Content: query, Timestamp: time.Now()})

	var answer string
	var err error
	if req.SessionID == "" {
		err = domain.ErrNoActiveSession
	} else {
		answer, err = s.companion.Ask(ctx, req)
	}
	if err != nil {
		s.logger.Error("Chat companion failed", zap.String("sessionID", req.SessionID), zap.Error(err))
		s.append(ChatMessage{
			Role:      ChatRoleAssistant,
			Content:   chatErrorText(err),
			Timestamp: time.Now(),
			IsError:   true,
		})
		return ChatMessage{}, err
	}

	reply := ChatMessage{Role: ChatRoleAssistant, Content: answer, Timestamp: time.Now()}
	s.append(reply)
	return reply, nil
}

// Messages returns a copy of the chat log, oldest first
func (s *ChatService) Messages() []ChatMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]ChatMessage(nil), s.messages...)
}

func (s *ChatService) append(msg ChatMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, msg)
	if len(s.messages) > maxChatMessages {
		s.messages = append([]ChatMessage(nil), s.messages[len(s.messages)-maxChatMessages:]...)
	}
}

func chatErrorText(err error) string {
	if errors.Is(err, domain.ErrNoActiveSession) {
		return "No active call session. Please start listening first."
	}
	return "Failed to get response from chatbot"
}
