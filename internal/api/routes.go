package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/Aayaan-Sahu/kova/domain"
	"github.com/Aayaan-Sahu/kova/domain/entities"
	"github.com/Aayaan-Sahu/kova/internal/auth"
	"github.com/Aayaan-Sahu/kova/usecase"
)

const claimsKey = "claims"

// Protection is the part of the protection service the API drives
type Protection interface {
	StartCall(ctx context.Context, callerPhone string) error
	EndCall(ctx context.Context) error
	Clear()
	DismissQuestion(question string)
	Snapshot() usecase.Snapshot
	Devices(ctx context.Context) ([]entities.AudioDevice, error)
	SelectDevice(ctx context.Context, deviceID string) error
	CheckNumber(ctx context.Context, phone string) (entities.NumberReputation, error)
	EnableWakeWord() error
	DisableWakeWord() error
	Ask(ctx context.Context, query string) (usecase.ChatMessage, error)
	ChatMessages() []usecase.ChatMessage
	History(ctx context.Context, limit int) ([]*entities.CallRecord, error)
	Stats(ctx context.Context) (entities.CallStats, error)
}

// LiveFeed attaches authenticated viewers to the live state stream
type LiveFeed interface {
	ServeLive(c echo.Context, viewerID string) error
}

// Handler serves the control API
type Handler struct {
	protection Protection
	live       LiveFeed
	issuer     *auth.Issuer
	logger     *zap.Logger
}

// NewHandler creates the control API handler
func NewHandler(protection Protection, live LiveFeed, issuer *auth.Issuer, logger *zap.Logger) *Handler {
	return &Handler{
		protection: protection,
		live:       live,
		issuer:     issuer,
		logger:     logger.Named("api"),
	}
}

// InitRoutes initializes all API routes
func InitRoutes(e *echo.Echo, h *Handler) {
	// Health check
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"service": "kova-agent",
		})
	})

	// Live state feed
	e.GET("/ws/live", h.liveFeed, h.requireViewer)

	// API v1 routes
	v1 := e.Group("/api/v1", h.requireViewer)

	v1.GET("/devices", h.getDevices)
	v1.PUT("/devices/selected", h.selectDevice)

	v1.GET("/check-number", h.checkNumber)

	v1.GET("/call", h.getCall)
	v1.POST("/call/start", h.startCall)
	v1.POST("/call/stop", h.stopCall)
	v1.POST("/call/clear", h.clearCall)
	v1.POST("/call/questions/dismiss", h.dismissQuestion)
	v1.GET("/calls", h.getCallHistory)
	v1.GET("/calls/stats", h.getCallStats)

	v1.GET("/wakeword", h.getWakeWord)
	v1.POST("/wakeword/enable", h.enableWakeWord)
	v1.POST("/wakeword/disable", h.disableWakeWord)

	v1.GET("/chat", h.getChat)
	v1.POST("/chat", h.postChat)
}

// requireViewer validates the bearer token. Browsers cannot set headers on
// websocket requests, so the access_token query parameter is accepted too.
func (h *Handler) requireViewer(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		var token string
		authHeader := c.Request().Header.Get("Authorization")
		if strings.HasPrefix(authHeader, "Bearer ") {
			token = strings.TrimPrefix(authHeader, "Bearer ")
		}
		if token == "" {
			token = c.QueryParam("access_token")
		}

		if token == "" {
			h.logger.Warn("Request rejected: missing token", zap.String("path", c.Path()))
			return c.JSON(http.StatusUnauthorized, ErrorResponse{
				Error:   "missing_token",
				Message: "JWT token is required in Authorization header",
			})
		}

		claims, err := h.issuer.ValidateToken(token)
		if err != nil {
			if errors.Is(err, auth.ErrInvalidRole) {
				h.logger.Warn("Request rejected: invalid role", zap.String("path", c.Path()))
				return c.JSON(http.StatusForbidden, ErrorResponse{
					Error:   "invalid_role",
					Message: "Only viewer tokens are allowed",
				})
			}
			h.logger.Warn("Request rejected: invalid token", zap.String("path", c.Path()), zap.Error(err))
			return c.JSON(http.StatusUnauthorized, ErrorResponse{
				Error:   "invalid_token",
				Message: "Invalid or expired JWT token",
			})
		}

		c.Set(claimsKey, claims)
		return next(c)
	}
}

func (h *Handler) liveFeed(c echo.Context) error {
	claims, _ := c.Get(claimsKey).(*auth.JWTClaims)
	viewerID := ""
	if claims != nil {
		viewerID = claims.Subject
	}
	return h.live.ServeLive(c, viewerID)
}

func (h *Handler) getDevices(c echo.Context) error {
	devices, err := h.protection.Devices(c.Request().Context())
	if err != nil {
		return h.domainError(c, err)
	}
	if devices == nil {
		devices = []entities.AudioDevice{}
	}
	return c.JSON(http.StatusOK, DevicesResponse{
		Devices:  devices,
		Selected: h.protection.Snapshot().DeviceSelected,
	})
}

func (h *Handler) selectDevice(c echo.Context) error {
	var req SelectDeviceRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c)
	}
	if err := h.protection.SelectDevice(c.Request().Context(), req.DeviceID); err != nil {
		return h.domainError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) checkNumber(c echo.Context) error {
	phone := strings.TrimSpace(c.QueryParam("phone"))
	if phone == "" {
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "missing_fields",
			Message: "phone is required",
		})
	}
	rep, err := h.protection.CheckNumber(c.Request().Context(), phone)
	if err != nil {
		h.logger.Error("Failed to check number", zap.Error(err))
		return c.JSON(http.StatusBadGateway, ErrorResponse{
			Error:   "lookup_failed",
			Message: "Could not check the number right now",
		})
	}
	return c.JSON(http.StatusOK, rep)
}

func (h *Handler) getCall(c echo.Context) error {
	return c.JSON(http.StatusOK, h.protection.Snapshot().Call)
}

// startCall warns before protecting a call from a reported number unless
// the client already confirmed with skip_check. A failed lookup does not
// block protection.
func (h *Handler) startCall(c echo.Context) error {
	var req StartCallRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c)
	}
	phone := strings.TrimSpace(req.CallerPhoneNumber)
	ctx := c.Request().Context()

	if phone != "" && !req.SkipCheck {
		rep, err := h.protection.CheckNumber(ctx, phone)
		switch {
		case err != nil:
			h.logger.Warn("Number check failed, starting protection anyway", zap.Error(err))
		case rep.Found:
			return c.JSON(http.StatusConflict, ReportedNumberResponse{
				ErrorResponse: ErrorResponse{
					Error:   "number_reported",
					Message: "This number has been reported as a scam. Start protection with skip_check to continue.",
				},
				CallerPhoneNumber: phone,
				ReportCount:       rep.ReportCount,
			})
		}
	}

	// the call outlives the request
	if err := h.protection.StartCall(context.WithoutCancel(ctx), phone); err != nil {
		return h.domainError(c, err)
	}
	return c.JSON(http.StatusOK, h.protection.Snapshot().Call)
}

func (h *Handler) stopCall(c echo.Context) error {
	if err := h.protection.EndCall(c.Request().Context()); err != nil {
		h.logger.Warn("Call stopped with teardown errors", zap.Error(err))
	}
	return c.JSON(http.StatusOK, h.protection.Snapshot().Call)
}

func (h *Handler) clearCall(c echo.Context) error {
	h.protection.Clear()
	return c.JSON(http.StatusOK, h.protection.Snapshot().Call)
}

func (h *Handler) dismissQuestion(c echo.Context) error {
	var req DismissQuestionRequest
	if err := c.Bind(&req); err != nil || req.Question == "" {
		return badRequest(c)
	}
	h.protection.DismissQuestion(req.Question)
	return c.JSON(http.StatusOK, h.protection.Snapshot().Call)
}

func (h *Handler) getCallHistory(c echo.Context) error {
	limit := 20
	if raw := c.QueryParam("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			return c.JSON(http.StatusBadRequest, ErrorResponse{
				Error:   "invalid_limit",
				Message: "limit must be a positive integer",
			})
		}
		limit = v
	}
	records, err := h.protection.History(c.Request().Context(), limit)
	if err != nil {
		h.logger.Error("Failed to load call history", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "internal_error",
			Message: "Failed to load call history",
		})
	}
	if records == nil {
		records = []*entities.CallRecord{}
	}
	return c.JSON(http.StatusOK, records)
}

func (h *Handler) getCallStats(c echo.Context) error {
	stats, err := h.protection.Stats(c.Request().Context())
	if err != nil {
		h.logger.Error("Failed to load call stats", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "internal_error",
			Message: "Failed to load call stats",
		})
	}
	return c.JSON(http.StatusOK, stats)
}

func (h *Handler) getWakeWord(c echo.Context) error {
	return c.JSON(http.StatusOK, h.protection.Snapshot().WakeWord)
}

func (h *Handler) enableWakeWord(c echo.Context) error {
	if err := h.protection.EnableWakeWord(); err != nil {
		return h.domainError(c, err)
	}
	return c.JSON(http.StatusOK, h.protection.Snapshot().WakeWord)
}

func (h *Handler) disableWakeWord(c echo.Context) error {
	if err := h.protection.DisableWakeWord(); err != nil {
		h.logger.Warn("Voice activation stopped with teardown errors", zap.Error(err))
	}
	return c.JSON(http.StatusOK, h.protection.Snapshot().WakeWord)
}

func (h *Handler) getChat(c echo.Context) error {
	return c.JSON(http.StatusOK, h.protection.ChatMessages())
}

func (h *Handler) postChat(c echo.Context) error {
	var req ChatRequest
	if err := c.Bind(&req); err != nil || strings.TrimSpace(req.Query) == "" {
		return badRequest(c)
	}
	reply, err := h.protection.Ask(c.Request().Context(), req.Query)
	if err != nil {
		if errors.Is(err, domain.ErrNoActiveSession) {
			return c.JSON(http.StatusConflict, ErrorResponse{
				Error:   "no_active_session",
				Message: "No active call session. Please start listening first.",
			})
		}
		h.logger.Error("Chat request failed", zap.Error(err))
		return c.JSON(http.StatusBadGateway, ErrorResponse{
			Error:   "chat_failed",
			Message: "Failed to get response from chatbot",
		})
	}
	return c.JSON(http.StatusOK, reply)
}

func badRequest(c echo.Context) error {
	return c.JSON(http.StatusBadRequest, ErrorResponse{
		Error:   "invalid_request",
		Message: "Invalid request format",
	})
}

// domainError maps capture and transport failures to responses
func (h *Handler) domainError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, domain.ErrPermissionDenied):
		return c.JSON(http.StatusForbidden, ErrorResponse{Error: "permission_denied", Message: "Microphone access denied"})
	case errors.Is(err, domain.ErrDeviceUnavailable):
		return c.JSON(http.StatusNotFound, ErrorResponse{Error: "device_unavailable", Message: "The selected microphone is not available"})
	case errors.Is(err, domain.ErrResourceBusy):
		return c.JSON(http.StatusConflict, ErrorResponse{Error: "microphone_busy", Message: "The microphone is in use by another session"})
	case errors.Is(err, domain.ErrTransportOpen):
		return c.JSON(http.StatusBadGateway, ErrorResponse{Error: "backend_unavailable", Message: "Could not connect to the analysis service"})
	default:
		h.logger.Error("Request failed", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal_error", Message: err.Error()})
	}
}
