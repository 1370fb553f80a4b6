package llm

import (
	"fmt"
	"os"
	"strconv"

	"google.golang.org/genai"
)

const (
	defaultModel          = "gemini-2.0-flash"
	defaultTemperature    = 0.3
	defaultTopP           = 0.9
	defaultTopK           = 40
	defaultMaxTokens      = 300
	defaultTimeoutSeconds = 20
	defaultHistoryTurns   = 20
)

// GeminiConfig holds the Gemini companion configuration
type GeminiConfig struct {
	APIKey          string
	Model           string
	Temperature     float32
	TopP            float32
	TopK            float32
	MaxOutputTokens int
	TimeoutSeconds  int
}

// NewGeminiConfigFromEnv reads GEMINI_API_KEY, GEMINI_MODEL and
// GEMINI_TEMPERATURE
func NewGeminiConfigFromEnv() GeminiConfig {
	config := GeminiConfig{
		APIKey: os.Getenv("GEMINI_API_KEY"),
		Model:  os.Getenv("GEMINI_MODEL"),
	}
	if raw := os.Getenv("GEMINI_TEMPERATURE"); raw != "" {
		if v, err := strconv.ParseFloat(raw, 32); err == nil {
			config.Temperature = float32(v)
		}
	}
	return config
}

// ValidateGeminiConfig validates the GeminiConfig
func ValidateGeminiConfig(config GeminiConfig) error {
	if config.APIKey == "" {
		return fmt.Errorf("GEMINI_API_KEY is required")
	}

	if config.Temperature != 0 && (config.Temperature < 0 || config.Temperature > 1) {
		return fmt.Errorf("temperature must be between 0 and 1, got %f", config.Temperature)
	}

	if config.TopP != 0 && (config.TopP < 0 || config.TopP > 1) {
		return fmt.Errorf("topP must be between 0 and 1, got %f", config.TopP)
	}

	if config.TopK < 0 {
		return fmt.Errorf("topK must be positive, got %f", config.TopK)
	}

	if config.TimeoutSeconds < 0 {
		return fmt.Errorf("timeout must be positive, got %d", config.TimeoutSeconds)
	}

	return nil
}

// companionSystemPrompt is filled with the risk line, the recent transcript
// and the previous chat turns
const companionSystemPrompt = `You are a trusted, protective family companion. You are monitoring a live phone call to help protect the user, often an elderly person, from scams.

CONTEXT FROM LIVE CALL:
%s

RECENT TRANSCRIPT:
%s

PREVIOUS CHAT WITH USER:
%s

YOUR ROLE:
Answer the user's question directly and compassionately, like a knowledgeable grandchild.
- If the risk is high, be firm but calm and warn them clearly.
- If the risk is low, be reassuring but cautious.
- Do not cite scores. Point at specific things the caller said instead.
- If they ask a specific question, answer that question rather than giving a generic scam lecture.
- Keep answers to 1-2 sentences so they can read them while on the phone.`

var companionFallbacks = []string{
	"I'm having trouble analyzing the call right now. Please hang up if you feel unsafe.",
	"I can't check the call at the moment. Never share codes, passwords or payment details with a caller.",
	"Something went wrong on my side. If the caller is pressuring you, it's okay to hang up and call back on a number you trust.",
}

var companionSafetySettings = []*genai.SafetySetting{
	{
		Category:  genai.HarmCategoryHarassment,
		Threshold: genai.HarmBlockThresholdBlockMediumAndAbove,
	},
	{
		Category:  genai.HarmCategoryHateSpeech,
		Threshold: genai.HarmBlockThresholdBlockMediumAndAbove,
	},
	{
		Category:  genai.HarmCategorySexuallyExplicit,
		Threshold: genai.HarmBlockThresholdBlockMediumAndAbove,
	},
	{
		Category:  genai.HarmCategoryDangerousContent,
		Threshold: genai.HarmBlockThresholdBlockMediumAndAbove,
	},
}
