package httputil

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/af-corp/copilot-bridge/internal/credential"
	"github.com/af-corp/copilot-bridge/internal/upstream"
)

func TestWriteError(t *testing.T) {
	w := httptest.NewRecorder()
	WriteError(w, "req_123", http.StatusBadRequest, TypeInvalidRequest, "test message")

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", w.Code)
	}

	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected Content-Type application/json, got %s", ct)
	}

	if rid := w.Header().Get("X-Request-ID"); rid != "req_123" {
		t.Errorf("expected X-Request-ID req_123, got %s", rid)
	}

	var resp APIError
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}

	if resp.Type != "error" {
		t.Errorf("expected envelope type 'error', got %q", resp.Type)
	}
	if resp.Error.Message != "test message" {
		t.Errorf("expected message 'test message', got %q", resp.Error.Message)
	}
	if resp.Error.Type != TypeInvalidRequest {
		t.Errorf("expected type %q, got %q", TypeInvalidRequest, resp.Error.Type)
	}
}

func TestWriteAuthError(t *testing.T) {
	w := httptest.NewRecorder()
	WriteAuthError(w, "req_456", "Invalid key")

	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected status 401, got %d", w.Code)
	}

	var resp APIError
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Error.Type != TypeAuthentication {
		t.Errorf("expected type %q, got %q", TypeAuthentication, resp.Error.Type)
	}
}

func TestWriteFromError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantType   string
		wantMsg    string
	}{
		{
			name:       "upstream status kept",
			err:        fmt.Errorf("dispatch: %w", &upstream.Error{Status: 429, Body: []byte(`{"error":{"message":"slow down"}}`)}),
			wantStatus: 429,
			wantType:   TypeRateLimit,
			wantMsg:    "slow down",
		},
		{
			name:       "upstream server error",
			err:        &upstream.Error{Status: 502, Body: []byte(`bad gateway`)},
			wantStatus: 502,
			wantType:   TypeAPI,
			wantMsg:    "bad gateway",
		},
		{
			name:       "token unavailable",
			err:        fmt.Errorf("get token: %w", credential.ErrTokenUnavailable),
			wantStatus: http.StatusServiceUnavailable,
			wantType:   TypeOverloaded,
		},
		{
			name:       "anything else",
			err:        errors.New("boom"),
			wantStatus: http.StatusInternalServerError,
			wantType:   TypeAPI,
			wantMsg:    "boom",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			WriteFromError(w, "req", tt.err)
			if w.Code != tt.wantStatus {
				t.Errorf("expected status %d, got %d", tt.wantStatus, w.Code)
			}
			var resp APIError
			if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
				t.Fatalf("failed to unmarshal response: %v", err)
			}
			if resp.Error.Type != tt.wantType {
				t.Errorf("expected type %q, got %q", tt.wantType, resp.Error.Type)
			}
			if tt.wantMsg != "" && resp.Error.Message != tt.wantMsg {
				t.Errorf("expected message %q, got %q", tt.wantMsg, resp.Error.Message)
			}
		})
	}
}

func TestWriteAdminError(t *testing.T) {
	w := httptest.NewRecorder()
	WriteAdminError(w, http.StatusUnauthorized, "Unauthorized")

	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected status 401, got %d", w.Code)
	}
	if got := w.Body.String(); got != "{\"ok\":false,\"error\":\"Unauthorized\"}\n" {
		t.Errorf("unexpected body %q", got)
	}
}
