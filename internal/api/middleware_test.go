package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

const testAPIKey = "test-secret-key-12345"

// mockNext is a simple handler that records if it was called
func mockNext() (http.Handler, *bool) {
	called := false
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}), &called
}

func TestAuthMiddleware_ValidToken(t *testing.T) {
	next, called := mockNext()
	handler := AuthMiddleware(testAPIKey)(next)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/sync", nil)
	req.Header.Set("Authorization", "Bearer "+testAPIKey)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if !*called {
		t.Error("handler was not called for valid token")
	}
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}
}

func TestAuthMiddleware_MissingHeader(t *testing.T) {
	next, called := mockNext()
	handler := AuthMiddleware(testAPIKey)(next)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/sync", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if *called {
		t.Error("handler should not be called for missing header")
	}
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}

	var p Problem
	if err := json.NewDecoder(w.Body).Decode(&p); err != nil {
		t.Fatalf("decode problem: %v", err)
	}
	if p.Status != http.StatusUnauthorized {
		t.Errorf("problem status = %d, want %d", p.Status, http.StatusUnauthorized)
	}
}

func TestAuthMiddleware_WrongToken(t *testing.T) {
	next, called := mockNext()
	handler := AuthMiddleware(testAPIKey)(next)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/sync", nil)
	req.Header.Set("Authorization", "Bearer not-the-key")
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if *called {
		t.Error("handler should not be called for wrong token")
	}
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
}

func TestExtractBearerToken(t *testing.T) {
	tests := []struct {
		name   string
		header string
		want   string
	}{
		{"valid bearer", "Bearer abc123", "abc123"},
		{"missing header", "", ""},
		{"wrong scheme", "Basic abc123", ""},
		{"lowercase scheme", "bearer abc123", ""},
		{"bare token", "abc123", ""},
		{"trailing whitespace", "Bearer abc123  ", "abc123"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			if got := extractBearerToken(req); got != tt.want {
				t.Errorf("extractBearerToken() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestConstantTimeEqual(t *testing.T) {
	if !constantTimeEqual("secret", "secret") {
		t.Error("equal strings compared unequal")
	}
	if constantTimeEqual("secret", "Secret") {
		t.Error("different strings compared equal")
	}
	if constantTimeEqual("secret", "secret-longer") {
		t.Error("different-length strings compared equal")
	}
	if constantTimeEqual("secret", "") {
		t.Error("empty string compared equal to non-empty")
	}
}
