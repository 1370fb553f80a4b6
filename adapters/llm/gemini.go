package llm

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/Aayaan-Sahu/kova/domain/repositories"
)

// GeminiCompanion answers questions about the live call with Gemini. Chat
// turns are remembered per session id.
type GeminiCompanion struct {
	client          *genai.Client
	logger          *zap.Logger
	model           string
	temperature     float32
	topP            float32
	topK            float32
	maxOutputTokens int
	timeout         time.Duration

	mu       sync.Mutex
	sessions map[string][]*genai.Content
}

var _ repositories.ChatCompanion = (*GeminiCompanion)(nil)

// NewGeminiCompanion creates a new Gemini chat companion
func NewGeminiCompanion(ctx context.Context, config GeminiConfig, logger *zap.Logger) (*GeminiCompanion, error) {
	if err := ValidateGeminiConfig(config); err != nil {
		return nil, err
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  config.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	logger = logger.Named("gemini")
	config = applyGeminiDefaults(config, logger)

	return &GeminiCompanion{
		client:          client,
		logger:          logger,
		model:           config.Model,
		temperature:     config.Temperature,
		topP:            config.TopP,
		topK:            config.TopK,
		maxOutputTokens: config.MaxOutputTokens,
		timeout:         time.Duration(config.TimeoutSeconds) * time.Second,
		sessions:        make(map[string][]*genai.Content),
	}, nil
}

func applyGeminiDefaults(config GeminiConfig, logger *zap.Logger) GeminiConfig {
	if config.Model == "" {
		config.Model = defaultModel
		logger.Info("Using default model", zap.String("model", config.Model))
	}
	if config.Temperature == 0 {
		config.Temperature = defaultTemperature
		logger.Info("Using default temperature", zap.Float32("temperature", config.Temperature))
	}
	if config.TopP == 0 {
		config.TopP = defaultTopP
	}
	if config.TopK == 0 {
		config.TopK = defaultTopK
	}
	if config.MaxOutputTokens == 0 {
		config.MaxOutputTokens = defaultMaxTokens
	}
	if config.TimeoutSeconds == 0 {
		config.TimeoutSeconds = defaultTimeoutSeconds
		logger.Info("Using default timeoutSeconds", zap.Int("timeoutSeconds", config.TimeoutSeconds))
	}
	return config
}

// Ask implements repositories.ChatCompanion. Generation failures are
// answered with a safe fallback rather than an error.
func (g *GeminiCompanion) Ask(ctx context.Context, req repositories.ChatRequest) (string, error) {
	g.mu.Lock()
	history := append([]*genai.Content(nil), g.sessions[req.SessionID]...)
	g.mu.Unlock()

	prompt := BuildCompanionPrompt(req, convertGeminiHistory(history))
	contents := []*genai.Content{
		genai.NewContentFromText(prompt, genai.RoleUser),
		genai.NewContentFromText(req.Query, genai.RoleUser),
	}

	config := &genai.GenerateContentConfig{
		SafetySettings:  companionSafetySettings,
		Temperature:     genai.Ptr(g.temperature),
		TopP:            genai.Ptr(g.topP),
		TopK:            genai.Ptr(g.topK),
		MaxOutputTokens: int32(g.maxOutputTokens),
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	var response *genai.GenerateContentResponse
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		response, err = g.client.Models.GenerateContent(ctx, g.model, contents, config)
		if err == nil {
			break
		}

		g.logger.Warn("Failed to generate content, retrying",
			zap.Int("attempt", attempt+1),
			zap.Error(err))

		if attempt < 2 {
			select {
			case <-time.After(time.Duration(attempt+1) * time.Second):
			case <-ctx.Done():
				g.logger.Error("Chat query timed out", zap.Error(ctx.Err()))
				return fallbackAnswer(), nil
			}
		}
	}

	if err != nil {
		g.logger.Error("Failed to answer chat query", zap.Error(err))
		return fallbackAnswer(), nil
	}

	answer := strings.TrimSpace(response.Text())
	if answer == "" {
		g.logger.Warn("Empty response from companion")
		return fallbackAnswer(), nil
	}

	g.mu.Lock()
	g.sessions[req.SessionID] = append(g.sessions[req.SessionID],
		genai.NewContentFromText(req.Query, genai.RoleUser),
		genai.NewContentFromText(answer, genai.RoleModel))
	g.mu.Unlock()

	g.logger.Info("Chat query answered",
		zap.String("sessionID", req.SessionID),
		zap.String("queryPreview", preview(req.Query)),
		zap.String("answerPreview", preview(answer)))

	return answer, nil
}

// Forget drops the chat history of a session
func (g *GeminiCompanion) Forget(sessionID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.sessions, sessionID)
}

// ChatTurn is one remembered exchange line
type ChatTurn struct {
	Role string
	Text string
}

// BuildCompanionPrompt renders the system prompt for a chat request
func BuildCompanionPrompt(req repositories.ChatRequest, previous []ChatTurn) string {
	risk := fmt.Sprintf("Current Risk Score: %.0f/100 (%s)\nConfidence Score: %.0f/100",
		req.Call.RiskScore, req.Call.Status, req.Call.ConfidenceScore)
	if req.Call.CallerPhoneNumber != "" {
		risk += "\nCaller number: " + req.Call.CallerPhoneNumber
	}
	if req.Call.Reasoning != "" {
		risk += "\nAnalysis: " + req.Call.Reasoning
	}

	transcript := "(No conversation history yet)"
	if segments := req.Call.Transcript; len(segments) > 0 {
		if len(segments) > defaultHistoryTurns {
			segments = segments[len(segments)-defaultHistoryTurns:]
		}
		lines := make([]string, 0, len(segments))
		for _, seg := range segments {
			lines = append(lines, strings.ToUpper(string(seg.Speaker))+": "+seg.Text)
		}
		transcript = strings.Join(lines, "\n")
	}

	chat := "(No previous questions)"
	if len(previous) > 0 {
		lines := make([]string, 0, len(previous))
		for _, turn := range previous {
			lines = append(lines, turn.Role+": "+turn.Text)
		}
		chat = strings.Join(lines, "\n")
	}

	return fmt.Sprintf(companionSystemPrompt, risk, transcript, chat)
}

func convertGeminiHistory(contents []*genai.Content) []ChatTurn {
	var turns []ChatTurn
	for _, content := range contents {
		role := "USER"
		if content.Role == genai.RoleModel {
			role = "YOU"
		}
		var text string
		for _, part := range content.Parts {
			if part.Text != "" {
				text += part.Text
			}
		}
		if text != "" {
			turns = append(turns, ChatTurn{Role: role, Text: text})
		}
	}
	return turns
}

func fallbackAnswer() string {
	return companionFallbacks[int(time.Now().UnixNano())%len(companionFallbacks)]
}

func preview(s string) string {
	if len(s) > 50 {
		return s[:50]
	}
	return s
}
