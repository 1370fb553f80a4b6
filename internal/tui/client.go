package tui

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Aayaan-Sahu/kova/internal/api"
	livews "github.com/Aayaan-Sahu/kova/internal/websocket"
	"github.com/Aayaan-Sahu/kova/usecase"
)

const (
	dialTimeout    = 5 * time.Second
	requestTimeout = 10 * time.Second
)

// Agent is the address of a running agent and the viewer token for it
type Agent struct {
	BaseURL string
	Token   string
}

// Feed is an open live feed connection
type Feed struct {
	conn *websocket.Conn
}

// DialFeed opens the live feed of the agent
func DialFeed(ctx context.Context, agent Agent) (*Feed, error) {
	feedURL, err := liveURL(agent)
	if err != nil {
		return nil, err
	}
	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	conn, resp, err := dialer.DialContext(ctx, feedURL, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to open live feed: %s", resp.Status)
		}
		return nil, fmt.Errorf("failed to open live feed: %w", err)
	}
	return &Feed{conn: conn}, nil
}

// Next blocks for the next live message and converts it to a tea message.
// Unknown message types are skipped.
func (f *Feed) Next() (interface{}, error) {
	for {
		_, payload, err := f.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		msg, err := livews.DecodeMessage(payload)
		if err != nil {
			return nil, err
		}
		switch msg.Type {
		case livews.MessageTypeState:
			var snap usecase.Snapshot
			if err := json.Unmarshal(msg.Data, &snap); err != nil {
				return nil, fmt.Errorf("failed to parse state: %w", err)
			}
			return StateMsg{Snapshot: snap}, nil
		case livews.MessageTypeCallEnded:
			var data livews.CallEndedData
			if err := json.Unmarshal(msg.Data, &data); err != nil {
				return nil, fmt.Errorf("failed to parse call_ended: %w", err)
			}
			return CallEndedMsg{SessionID: data.SessionID, Reason: data.Reason, Error: data.Error}, nil
		}
	}
}

// Close closes the connection
func (f *Feed) Close() error {
	return f.conn.Close()
}

func liveURL(agent Agent) (string, error) {
	u, err := url.Parse(strings.TrimRight(agent.BaseURL, "/"))
	if err != nil {
		return "", fmt.Errorf("invalid agent url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported agent url scheme %q", u.Scheme)
	}
	u.Path += "/ws/live"
	q := u.Query()
	q.Set("access_token", agent.Token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// post sends a control request to /api/v1 and fails on any non-2xx status
func post(ctx context.Context, client *http.Client, agent Agent, path string, body interface{}) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	endpoint := strings.TrimRight(agent.BaseURL, "/") + "/api/v1" + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+agent.Token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	var apiErr api.ErrorResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&apiErr); err == nil && apiErr.Message != "" {
		return errors.New(apiErr.Message)
	}
	return fmt.Errorf("agent returned %s", resp.Status)
}
