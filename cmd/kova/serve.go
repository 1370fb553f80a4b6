package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Aayaan-Sahu/kova/adapters/audio"
	"github.com/Aayaan-Sahu/kova/adapters/backend"
	"github.com/Aayaan-Sahu/kova/adapters/llm"
	"github.com/Aayaan-Sahu/kova/adapters/memory"
	"github.com/Aayaan-Sahu/kova/adapters/mongo"
	"github.com/Aayaan-Sahu/kova/adapters/stt"
	"github.com/Aayaan-Sahu/kova/adapters/transport"
	"github.com/Aayaan-Sahu/kova/domain/repositories"
	"github.com/Aayaan-Sahu/kova/internal/api"
	"github.com/Aayaan-Sahu/kova/internal/auth"
	"github.com/Aayaan-Sahu/kova/internal/capture"
	"github.com/Aayaan-Sahu/kova/internal/config"
	"github.com/Aayaan-Sahu/kova/internal/mic"
	"github.com/Aayaan-Sahu/kova/internal/session"
	"github.com/Aayaan-Sahu/kova/internal/wakeword"
	"github.com/Aayaan-Sahu/kova/internal/websocket"
	"github.com/Aayaan-Sahu/kova/usecase"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the protection agent and its control API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			defer logger.Sync()
			return serve(cmd.Context(), cfg, logger)
		},
	}
}

func serve(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	issuer, err := auth.NewIssuer(cfg.JWTSecret)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize adapters
	input := audio.NewWavDirInput(audio.WavDirConfig{
		Dir:      cfg.AudioDir,
		Loop:     cfg.AudioLoop,
		Realtime: cfg.AudioRealtime,
	}, logger)
	source := capture.NewSource(input, mic.NewToken(logger), logger)

	wsTransport, err := transport.NewWebsocketTransport(cfg.BackendURL, cfg.ConnectTimeout, logger)
	if err != nil {
		return fmt.Errorf("failed to create transport: %w", err)
	}

	backendClient, err := backend.NewClient(backend.ClientConfig{BaseURL: cfg.BackendURL}, logger)
	if err != nil {
		return fmt.Errorf("failed to create backend client: %w", err)
	}

	companion, err := newCompanion(ctx, cfg, backendClient, logger)
	if err != nil {
		return err
	}

	records, closeRecords, err := newRecordStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeRecords()

	wake, closeWake, err := newWakeWordBackend(ctx, cfg, wsTransport, logger)
	if err != nil {
		return err
	}
	defer closeWake()

	// One session id per agent run, shared by every call it protects
	sessionID := uuid.NewString()
	callSession := session.NewSession(session.Config{
		SessionID:      sessionID,
		UserID:         cfg.UserID,
		ConnectTimeout: cfg.ConnectTimeout,
	}, source, wsTransport, logger)

	detector := wakeword.NewDetector(wakeword.Config{
		Backend:        wake.backend,
		Policy:         wake.policy,
		ConnectTimeout: cfg.ConnectTimeout,
		DeviceID:       cfg.AudioDevice,
	}, source, logger)

	// Initialize usecase services
	chatService := usecase.NewChatService(companion, logger)
	protection := usecase.NewProtectionService(usecase.ProtectionDeps{
		Session:    callSession,
		Detector:   detector,
		Source:     source,
		Reputation: backendClient,
		Chat:       chatService,
		Records:    records,
	}, sessionID, cfg.UserID, cfg.AudioDevice, logger)

	// Initialize live hub
	hub := websocket.NewHub(logger)
	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	go hub.Run(hubCtx)

	unsubscribe := protection.Subscribe(func(snap usecase.Snapshot) {
		if err := hub.Publish(websocket.MessageTypeState, snap); err != nil {
			logger.Debug("Live state not published", zap.Error(err))
		}
	})
	defer unsubscribe()
	if err := hub.Publish(websocket.MessageTypeState, protection.Snapshot()); err != nil {
		logger.Debug("Initial live state not published", zap.Error(err))
	}
	unsubscribeEnded := protection.OnCallEnded(func(ended usecase.CallEnded) {
		data := websocket.CallEndedData{SessionID: ended.SessionID, Reason: ended.Reason.String()}
		if ended.Err != nil {
			data.Error = ended.Err.Error()
		}
		if err := hub.Publish(websocket.MessageTypeCallEnded, data); err != nil {
			logger.Debug("Call end not published", zap.Error(err))
		}
	})
	defer unsubscribeEnded()

	// Create Echo instance
	e := echo.New()
	e.HideBanner = true

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	// Initialize API routes
	api.InitRoutes(e, api.NewHandler(protection, hub, issuer, logger))

	if cfg.WakeWordAutostart {
		if err := protection.EnableWakeWord(); err != nil {
			logger.Warn("Voice activation did not start", zap.Error(err))
		}
	}

	serverErr := make(chan error, 1)
	go func() {
		if err := e.Start(":" + cfg.Port); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	logger.Info("Kova agent started",
		zap.String("port", cfg.Port),
		zap.String("sessionID", sessionID),
		zap.String("backendURL", cfg.BackendURL),
		zap.String("wakeWordMode", string(cfg.WakeWordMode)))

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		logger.Error("Server stopped unexpectedly", zap.Error(err))
	}

	logger.Info("Kova agent is shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := protection.Close(shutdownCtx); err != nil {
		logger.Warn("Protection stopped with errors", zap.Error(err))
	}
	stopHub()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
		return err
	}

	logger.Info("Kova agent exited")
	return nil
}

func newCompanion(ctx context.Context, cfg config.Config, backendClient *backend.Client, logger *zap.Logger) (repositories.ChatCompanion, error) {
	if cfg.ChatMode != config.ChatModeGemini {
		return backendClient, nil
	}
	companion, err := llm.NewGeminiCompanion(ctx, llm.NewGeminiConfigFromEnv(), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini companion: %w", err)
	}
	return companion, nil
}

// newRecordStore uses MongoDB when MONGODB_URI is set and keeps call records
// in memory otherwise
func newRecordStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (repositories.CallRecordRepository, func(), error) {
	if cfg.MongoURI == "" {
		logger.Info("MONGODB_URI not set, keeping call records in memory")
		return memory.NewCallRecordRepository(), func() {}, nil
	}

	client, err := mongo.NewClient(ctx, mongo.NewConfigFromEnv(), logger)
	if err != nil {
		return nil, nil, err
	}
	closeFn := func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := client.Close(ctx); err != nil {
			logger.Warn("Failed to disconnect from MongoDB", zap.Error(err))
		}
	}
	return mongo.NewCallRecordRepository(client.Database, logger), closeFn, nil
}

type wakeWordSetup struct {
	backend wakeword.Backend
	policy  wakeword.ReconnectPolicy
}

func newWakeWordBackend(ctx context.Context, cfg config.Config, t repositories.Transport, logger *zap.Logger) (wakeWordSetup, func(), error) {
	if cfg.WakeWordMode != config.WakeWordModeSpeech {
		return wakeWordSetup{
			backend: wakeword.NewTransportBackend(t, cfg.WakePhrase, logger),
			policy:  wakeword.FixedDelay{Interval: cfg.ReconnectDelay},
		}, func() {}, nil
	}

	recognizer, err := stt.NewGoogleSpeechRecognizer(ctx, logger)
	if err != nil {
		return wakeWordSetup{}, nil, fmt.Errorf("failed to create speech recognizer: %w", err)
	}
	closeFn := func() {
		if err := recognizer.Close(); err != nil {
			logger.Warn("Failed to close speech recognizer", zap.Error(err))
		}
	}
	return wakeWordSetup{
		backend: wakeword.NewSpeechBackend(recognizer, cfg.WakePhrase, cfg.Language, logger),
		policy:  wakeword.NewExponentialBackoff(cfg.BackoffBase),
	}, closeFn, nil
}
