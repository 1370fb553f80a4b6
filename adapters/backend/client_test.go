package backend

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/Aayaan-Sahu/kova/domain"
	"github.com/Aayaan-Sahu/kova/domain/repositories"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := NewClient(ClientConfig{BaseURL: server.URL + "/"}, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}
	return client
}

func TestValidateClientConfig(t *testing.T) {
	tests := []struct {
		name    string
		config  ClientConfig
		wantErr bool
	}{
		{name: "http", config: ClientConfig{BaseURL: "http://localhost:8000"}},
		{name: "https", config: ClientConfig{BaseURL: "https://kova.example.com"}},
		{name: "missing", config: ClientConfig{}, wantErr: true},
		{name: "websocket scheme", config: ClientConfig{BaseURL: "ws://localhost:8000"}, wantErr: true},
		{name: "negative timeout", config: ClientConfig{BaseURL: "http://localhost", RequestTimeout: -1}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateClientConfig(tt.config)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateClientConfig() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestClient_CheckNumber(t *testing.T) {
	var gotPhone string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/check-number" {
			http.NotFound(w, r)
			return
		}
		gotPhone = r.URL.Query().Get("phone")
		w.Header().Set("Content-Type", "application/json")
		if gotPhone == "+15550001111" {
			w.Write([]byte(`{"found": true, "report_count": 4}`))
			return
		}
		w.Write([]byte(`{"found": false}`))
	})

	rep, err := client.CheckNumber(context.Background(), " +15550001111 ")
	if err != nil {
		t.Fatalf("CheckNumber() error = %v", err)
	}
	if gotPhone != "+15550001111" {
		t.Errorf("Expected phone query '+15550001111', got %q", gotPhone)
	}
	if !rep.Found || rep.ReportCount != 4 {
		t.Errorf("Expected found with 4 reports, got %+v", rep)
	}

	rep, err = client.CheckNumber(context.Background(), "+15559999999")
	if err != nil {
		t.Fatalf("CheckNumber() error = %v", err)
	}
	if rep.Found || rep.ReportCount != 0 {
		t.Errorf("Expected not found, got %+v", rep)
	}
}

func TestClient_CheckNumberErrors(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "database unavailable", http.StatusInternalServerError)
	})

	if _, err := client.CheckNumber(context.Background(), ""); err == nil {
		t.Error("Expected error for empty phone number")
	}

	_, err := client.CheckNumber(context.Background(), "+15550001111")
	if err == nil {
		t.Fatal("Expected error for 500 response")
	}
	if !strings.Contains(err.Error(), "database unavailable") {
		t.Errorf("Expected error to carry response body, got %v", err)
	}
}

func TestClient_Ask(t *testing.T) {
	var got chatRequest
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/chat" {
			http.NotFound(w, r)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if got.SessionID != "sess-1" {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(chatResponse{Response: "Hang up and call your bank directly."})
	})

	answer, err := client.Ask(context.Background(), repositories.ChatRequest{
		SessionID: "sess-1",
		Query:     "Should I give them my PIN?",
	})
	if err != nil {
		t.Fatalf("Ask() error = %v", err)
	}
	if answer != "Hang up and call your bank directly." {
		t.Errorf("Unexpected answer %q", answer)
	}
	if got.Query != "Should I give them my PIN?" {
		t.Errorf("Expected query to be forwarded, got %q", got.Query)
	}

	_, err = client.Ask(context.Background(), repositories.ChatRequest{SessionID: "gone", Query: "hello"})
	if !errors.Is(err, domain.ErrNoActiveSession) {
		t.Errorf("Expected ErrNoActiveSession for unknown session, got %v", err)
	}
}

func TestClient_AskWithoutSession(t *testing.T) {
	called := false
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		called = true
	})

	_, err := client.Ask(context.Background(), repositories.ChatRequest{Query: "hello"})
	if !errors.Is(err, domain.ErrNoActiveSession) {
		t.Errorf("Expected ErrNoActiveSession, got %v", err)
	}
	if called {
		t.Error("Expected no request without a session id")
	}
}
