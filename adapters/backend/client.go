package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Aayaan-Sahu/kova/domain"
	"github.com/Aayaan-Sahu/kova/domain/entities"
	"github.com/Aayaan-Sahu/kova/domain/repositories"
)

const (
	defaultRequestTimeout = 15 * time.Second
	maxErrorBodyBytes     = 4096
	checkNumberPath       = "/api/check-number"
	chatPath              = "/chat"
)

// ClientConfig configures the HTTP client for the analysis backend
// Required fields:
// - BaseURL: http(s) root of the backend, the same host the audio sockets use
// Optional fields with defaults:
// - RequestTimeout: per request deadline (default: 15s)
type ClientConfig struct {
	BaseURL        string
	RequestTimeout time.Duration
}

// Client talks to the backend REST surface: reported-number lookups and the
// session-aware chat companion.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

var (
	_ repositories.NumberReputation = (*Client)(nil)
	_ repositories.ChatCompanion    = (*Client)(nil)
)

type chatRequest struct {
	SessionID string `json:"session_id"`
	Query     string `json:"query"`
}

type chatResponse struct {
	Response string `json:"response"`
}

// ValidateClientConfig validates the ClientConfig
func ValidateClientConfig(config ClientConfig) error {
	if config.BaseURL == "" {
		return fmt.Errorf("backend base URL is required")
	}
	u, err := url.Parse(config.BaseURL)
	if err != nil {
		return fmt.Errorf("invalid backend base URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("backend base URL must be http or https, got %q", u.Scheme)
	}
	if config.RequestTimeout < 0 {
		return fmt.Errorf("request timeout must be positive, got %s", config.RequestTimeout)
	}
	return nil
}

// NewClient creates a backend client
func NewClient(config ClientConfig, logger *zap.Logger) (*Client, error) {
	if err := ValidateClientConfig(config); err != nil {
		return nil, err
	}

	timeout := config.RequestTimeout
	if timeout == 0 {
		timeout = defaultRequestTimeout
		logger.Info("Using default backend request timeout", zap.Duration("requestTimeout", timeout))
	}

	return &Client{
		baseURL:    strings.TrimRight(config.BaseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.Named("backend"),
	}, nil
}

// CheckNumber asks the backend whether the number has been reported as a scam
func (c *Client) CheckNumber(ctx context.Context, phone string) (entities.NumberReputation, error) {
	var result entities.NumberReputation

	phone = strings.TrimSpace(phone)
	if phone == "" {
		return result, fmt.Errorf("phone number cannot be empty")
	}

	endpoint := c.baseURL + checkNumberPath + "?" + url.Values{"phone": {phone}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return result, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return result, fmt.Errorf("failed to check number: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return result, statusError(resp, "check number")
	}

	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return result, fmt.Errorf("failed to decode number reputation: %w", err)
	}

	c.logger.Debug("Checked caller number",
		zap.Bool("found", result.Found),
		zap.Int("reportCount", result.ReportCount))
	return result, nil
}

// Ask forwards the query to the backend, which answers from its own view of
// the session. Only SessionID and Query are sent.
func (c *Client) Ask(ctx context.Context, req repositories.ChatRequest) (string, error) {
	if req.SessionID == "" {
		return "", domain.ErrNoActiveSession
	}
	if strings.TrimSpace(req.Query) == "" {
		return "", fmt.Errorf("query cannot be empty")
	}

	body, err := json.Marshal(chatRequest{SessionID: req.SessionID, Query: req.Query})
	if err != nil {
		return "", fmt.Errorf("failed to marshal chat request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+chatPath, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	c.logger.Info("Sending chat query", zap.String("sessionID", req.SessionID))

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("failed to send chat query: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", domain.ErrNoActiveSession
	}
	if resp.StatusCode != http.StatusOK {
		return "", statusError(resp, "chat")
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode chat response: %w", err)
	}
	return out.Response, nil
}

func statusError(resp *http.Response, op string) error {
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	if err != nil {
		return fmt.Errorf("%s failed with status %d", op, resp.StatusCode)
	}
	return fmt.Errorf("%s failed with status %d: %s", op, resp.StatusCode, strings.TrimSpace(string(body)))
}
