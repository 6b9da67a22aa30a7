package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

type testTokenValidator struct {
	expectedToken string
	storeID       string
	err           error
	called        bool
	gotToken      string
}

func (v *testTokenValidator) ValidateToken(_ context.Context, token string) (string, error) {
	v.called = true
	v.gotToken = token
	if v.err != nil {
		return "", v.err
	}
	if v.expectedToken != "" && token != v.expectedToken {
		return "", errors.New("invalid token")
	}
	return v.storeID, nil
}

func serveAuth(t *testing.T, validator TokenValidator, header string, opts ...AuthOption) (*httptest.ResponseRecorder, *http.Request) {
	t.Helper()
	var seen *http.Request
	handler := HTTPBearerAuthMiddleware(validator, opts...)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodPost, "/v1/sessions", nil)
	req.RemoteAddr = "203.0.113.7:5123"
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec, seen
}

func TestHTTPBearerAuthMiddleware(t *testing.T) {
	t.Run("missing token", func(t *testing.T) {
		validator := &testTokenValidator{}
		rec, seen := serveAuth(t, validator, "")

		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("expected %d, got %d", http.StatusUnauthorized, rec.Code)
		}
		if seen != nil {
			t.Fatal("expected next handler not to be called")
		}
		if validator.called {
			t.Fatal("expected validator not to be called")
		}
		if got := rec.Header().Get("WWW-Authenticate"); got != "Bearer" {
			t.Fatalf("expected WWW-Authenticate header to be Bearer, got %q", got)
		}
	})

	t.Run("invalid token", func(t *testing.T) {
		validator := &testTokenValidator{expectedToken: "expected"}
		rec, seen := serveAuth(t, validator, "Bearer bad")

		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("expected %d, got %d", http.StatusUnauthorized, rec.Code)
		}
		if seen != nil {
			t.Fatal("expected next handler not to be called")
		}
		if !validator.called {
			t.Fatal("expected validator to be called")
		}
	})

	t.Run("non-bearer scheme", func(t *testing.T) {
		validator := &testTokenValidator{}
		rec, _ := serveAuth(t, validator, "Basic abc")

		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("expected %d, got %d", http.StatusUnauthorized, rec.Code)
		}
		if validator.called {
			t.Fatal("expected validator not to be called")
		}
	})

	t.Run("empty store id is rejected", func(t *testing.T) {
		validator := &testTokenValidator{expectedToken: "k1.secret"}
		rec, _ := serveAuth(t, validator, "Bearer k1.secret")

		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("expected %d, got %d", http.StatusUnauthorized, rec.Code)
		}
	})

	t.Run("valid token sets store and key id", func(t *testing.T) {
		validator := &testTokenValidator{expectedToken: "k1.secret", storeID: "store-1"}
		rec, seen := serveAuth(t, validator, "bearer k1.secret")

		if rec.Code != http.StatusNoContent {
			t.Fatalf("expected %d, got %d", http.StatusNoContent, rec.Code)
		}
		if seen == nil {
			t.Fatal("expected next handler to be called")
		}
		if got, ok := StoreIDFromContext(seen.Context()); !ok || got != "store-1" {
			t.Fatalf("StoreIDFromContext() = %q, %v; want store-1, true", got, ok)
		}
		if got, ok := APIKeyIDFromContext(seen.Context()); !ok || got != "k1" {
			t.Fatalf("APIKeyIDFromContext() = %q, %v; want k1, true", got, ok)
		}
	})

	t.Run("failure callback", func(t *testing.T) {
		failures := 0
		validator := &testTokenValidator{expectedToken: "expected"}
		serveAuth(t, validator, "Bearer bad", WithOnAuthFailure(func() { failures++ }))
		serveAuth(t, validator, "", WithOnAuthFailure(func() { failures++ }))

		if failures != 2 {
			t.Fatalf("expected 2 failures, got %d", failures)
		}
	})

	t.Run("rate limited after repeated failures", func(t *testing.T) {
		rl := newTestRateLimiter(t, 2)
		validator := &testTokenValidator{expectedToken: "k1.secret", storeID: "store-1"}

		codes := make([]int, 0, 3)
		for i := 0; i < 3; i++ {
			rec, _ := serveAuth(t, validator, "Bearer bad", WithRateLimiter(rl))
			codes = append(codes, rec.Code)
		}
		want := []int{http.StatusUnauthorized, http.StatusUnauthorized, http.StatusTooManyRequests}
		for i := range want {
			if codes[i] != want[i] {
				t.Fatalf("attempt %d: got %d, want %d", i, codes[i], want[i])
			}
		}

		validator.called = false
		rec, _ := serveAuth(t, validator, "Bearer k1.secret", WithRateLimiter(rl))
		if rec.Code != http.StatusTooManyRequests {
			t.Fatalf("blocked IP should be throttled before validation, got %d", rec.Code)
		}
		if validator.called {
			t.Fatal("validator should not be called for a blocked IP")
		}
	})
}

func TestParseBearerToken(t *testing.T) {
	tests := []struct {
		header  string
		want    string
		wantErr bool
	}{
		{header: "Bearer abc", want: "abc"},
		{header: "BEARER abc", want: "abc"},
		{header: "Bearer", wantErr: true},
		{header: "Bearer a b", wantErr: true},
		{header: "Token abc", wantErr: true},
	}
	for _, tt := range tests {
		got, err := parseBearerToken(tt.header)
		if (err != nil) != tt.wantErr {
			t.Fatalf("parseBearerToken(%q) error = %v, wantErr %v", tt.header, err, tt.wantErr)
		}
		if got != tt.want {
			t.Fatalf("parseBearerToken(%q) = %q, want %q", tt.header, got, tt.want)
		}
	}
}

func TestAPIKeyIDFromBearer(t *testing.T) {
	if got := apiKeyIDFromBearer("Bearer key1.secret"); got != "key1" {
		t.Fatalf("apiKeyIDFromBearer() = %q, want key1", got)
	}
	if got := apiKeyIDFromBearer("Bearer nodot"); got != "" {
		t.Fatalf("apiKeyIDFromBearer() = %q, want empty", got)
	}
	if got := apiKeyIDFromBearer("Bearer .secret"); got != "" {
		t.Fatalf("apiKeyIDFromBearer() = %q, want empty", got)
	}
}
