// Package config loads the agent settings from the environment.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

const (
	defaultBackendURL     = "http://localhost:8000"
	defaultUserID         = "local"
	defaultAudioDir       = "./audio"
	defaultWakePhrase     = "kova activate"
	defaultReconnectDelay = 1500 * time.Millisecond
	defaultBackoffBase    = time.Second
	defaultConnectTimeout = 10 * time.Second
	defaultPort           = "8080"
	defaultLanguage       = "en-US"
)

// WakeWordMode selects the wake-word recognizer
type WakeWordMode string

const (
	// WakeWordModeTransport streams to the backend /ws/wakeword endpoint
	WakeWordModeTransport WakeWordMode = "transport"
	// WakeWordModeSpeech recognizes locally with the speech API
	WakeWordModeSpeech WakeWordMode = "speech"
)

// ChatMode selects the chat companion
type ChatMode string

const (
	ChatModeBackend ChatMode = "backend"
	ChatModeGemini  ChatMode = "gemini"
)

// Config holds the agent settings. Zero values are replaced by defaults in
// WithDefaults.
type Config struct {
	Env               string
	BackendURL        string
	UserID            string
	AudioDir          string
	AudioDevice       string
	AudioLoop         bool
	AudioRealtime     bool
	WakePhrase        string
	WakeWordMode      WakeWordMode
	WakeWordAutostart bool
	ReconnectDelay    time.Duration
	BackoffBase       time.Duration
	ConnectTimeout    time.Duration
	ChatMode          ChatMode
	MongoURI          string
	JWTSecret         string
	Port              string
	Language          string
}

// LoadDotEnv loads variables from the given .env files into the process
// environment. Missing files are not an error. Existing variables win.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("failed to load %s: %w", p, err)
		}
	}
	return nil
}

// NewConfigFromEnv reads the KOVA_* variables. Values that do not parse are
// left at their zero value.
func NewConfigFromEnv() Config {
	config := Config{
		Env:               os.Getenv("KOVA_ENV"),
		BackendURL:        os.Getenv("KOVA_BACKEND_URL"),
		UserID:            os.Getenv("KOVA_USER_ID"),
		AudioDir:          os.Getenv("KOVA_AUDIO_DIR"),
		AudioDevice:       os.Getenv("KOVA_AUDIO_DEVICE"),
		AudioLoop:         boolEnv("KOVA_AUDIO_LOOP", true),
		AudioRealtime:     boolEnv("KOVA_AUDIO_REALTIME", true),
		WakePhrase:        os.Getenv("KOVA_WAKE_PHRASE"),
		WakeWordMode:      WakeWordMode(strings.ToLower(os.Getenv("KOVA_WAKEWORD_MODE"))),
		WakeWordAutostart: boolEnv("KOVA_WAKEWORD_AUTOSTART", true),
		ReconnectDelay:    millisEnv("KOVA_RECONNECT_DELAY_MS"),
		BackoffBase:       millisEnv("KOVA_BACKOFF_BASE_MS"),
		ConnectTimeout:    millisEnv("KOVA_CONNECT_TIMEOUT_MS"),
		ChatMode:          ChatMode(strings.ToLower(os.Getenv("KOVA_CHAT_MODE"))),
		MongoURI:          os.Getenv("MONGODB_URI"),
		JWTSecret:         os.Getenv("KOVA_JWT_SECRET"),
		Port:              os.Getenv("PORT"),
		Language:          os.Getenv("KOVA_LANGUAGE"),
	}
	return config
}

// ValidateConfig validates the Config
func ValidateConfig(config Config) error {
	if config.BackendURL != "" {
		u, err := url.Parse(config.BackendURL)
		if err != nil {
			return fmt.Errorf("invalid KOVA_BACKEND_URL: %w", err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("KOVA_BACKEND_URL must be http or https, got %q", u.Scheme)
		}
	}

	switch config.WakeWordMode {
	case "", WakeWordModeTransport, WakeWordModeSpeech:
	default:
		return fmt.Errorf("KOVA_WAKEWORD_MODE must be transport or speech, got %q", config.WakeWordMode)
	}

	switch config.ChatMode {
	case "", ChatModeBackend, ChatModeGemini:
	default:
		return fmt.Errorf("KOVA_CHAT_MODE must be backend or gemini, got %q", config.ChatMode)
	}

	if config.ReconnectDelay < 0 {
		return fmt.Errorf("reconnect delay must be positive, got %s", config.ReconnectDelay)
	}
	if config.BackoffBase < 0 {
		return fmt.Errorf("backoff base must be positive, got %s", config.BackoffBase)
	}
	if config.ConnectTimeout < 0 {
		return fmt.Errorf("connect timeout must be positive, got %s", config.ConnectTimeout)
	}

	if config.Port != "" {
		if port, err := strconv.Atoi(config.Port); err != nil || port <= 0 || port > 65535 {
			return fmt.Errorf("PORT must be a valid port number, got %q", config.Port)
		}
	}

	return nil
}

// WithDefaults returns a copy of config with every unset value defaulted.
// Each default applied is logged.
func (config Config) WithDefaults(logger *zap.Logger) Config {
	if config.BackendURL == "" {
		config.BackendURL = defaultBackendURL
		logger.Info("Using default backend URL", zap.String("backendURL", config.BackendURL))
	}
	if config.UserID == "" {
		config.UserID = defaultUserID
		logger.Info("Using default user id", zap.String("userID", config.UserID))
	}
	if config.AudioDir == "" {
		config.AudioDir = defaultAudioDir
		logger.Info("Using default audio directory", zap.String("audioDir", config.AudioDir))
	}
	if config.WakePhrase == "" {
		config.WakePhrase = defaultWakePhrase
		logger.Info("Using default wake phrase", zap.String("wakePhrase", config.WakePhrase))
	}
	if config.WakeWordMode == "" {
		config.WakeWordMode = WakeWordModeTransport
		logger.Info("Using default wake-word mode", zap.String("wakeWordMode", string(config.WakeWordMode)))
	}
	if config.ReconnectDelay == 0 {
		config.ReconnectDelay = defaultReconnectDelay
		logger.Info("Using default reconnect delay", zap.Duration("reconnectDelay", config.ReconnectDelay))
	}
	if config.BackoffBase == 0 {
		config.BackoffBase = defaultBackoffBase
		logger.Info("Using default backoff base", zap.Duration("backoffBase", config.BackoffBase))
	}
	if config.ConnectTimeout == 0 {
		config.ConnectTimeout = defaultConnectTimeout
		logger.Info("Using default connect timeout", zap.Duration("connectTimeout", config.ConnectTimeout))
	}
	if config.ChatMode == "" {
		config.ChatMode = ChatModeBackend
		logger.Info("Using default chat mode", zap.String("chatMode", string(config.ChatMode)))
	}
	if config.Port == "" {
		config.Port = defaultPort
		logger.Info("Using default port", zap.String("port", config.Port))
	}
	if config.Language == "" {
		config.Language = defaultLanguage
		logger.Info("Using default language", zap.String("language", config.Language))
	}
	return config
}

// Development reports whether KOVA_ENV selects the development logger
func (config Config) Development() bool {
	return strings.EqualFold(config.Env, "development")
}

// NewLogger builds the process logger for the environment
func NewLogger(development bool) (*zap.Logger, error) {
	if development {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func boolEnv(key string, def bool) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return def
	}
	return v
}

func millisEnv(key string) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return 0
	}
	ms, err := strconv.Atoi(raw)
	if err != nil || ms < 0 {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}
