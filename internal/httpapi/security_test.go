package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestMiddlewareSetsSecurityHeaders(t *testing.T) {
	env := newTestAPI(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	res := httptest.NewRecorder()

	env.handler.ServeHTTP(res, req)

	if got := res.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Fatalf("expected X-Content-Type-Options nosniff, got %q", got)
	}
	if got := res.Header().Get("X-Frame-Options"); got != "DENY" {
		t.Fatalf("expected X-Frame-Options DENY, got %q", got)
	}
	if got := res.Header().Get("Referrer-Policy"); got == "" {
		t.Fatalf("expected Referrer-Policy to be set")
	}
}

func TestPreflightShortCircuits(t *testing.T) {
	env := newTestAPI(t)
	req := httptest.NewRequest(http.MethodOptions, "/api/v1/sales", nil)
	res := httptest.NewRecorder()

	env.handler.ServeHTTP(res, req)

	if res.Code != http.StatusNoContent {
		t.Fatalf("expected 204 for preflight, got %d", res.Code)
	}
	if got := res.Header().Get("Access-Control-Allow-Headers"); !strings.Contains(got, "Idempotency-Key") {
		t.Fatalf("expected Idempotency-Key in allowed headers, got %q", got)
	}
}

func TestTokenRateLimitReturns429(t *testing.T) {
	env := newTestAPI(t)
	body, _ := json.Marshal(tokenRequest{ClientID: "till-1", ClientSecret: "wrong"})

	for i := 0; i < 6; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/token", bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		req.RemoteAddr = "127.0.0.1:5000"
		res := httptest.NewRecorder()

		env.handler.ServeHTTP(res, req)

		if i < 5 && res.Code != http.StatusUnauthorized {
			t.Fatalf("attempt %d expected 401 before limit, got %d", i+1, res.Code)
		}
		if i == 5 && res.Code != http.StatusTooManyRequests {
			t.Fatalf("attempt 6 expected 429, got %d", res.Code)
		}
	}

	// Another client is not affected.
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/token", bytes.NewReader(body))
	req.RemoteAddr = "10.0.0.9:5000"
	res := httptest.NewRecorder()
	env.handler.ServeHTTP(res, req)
	if res.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a fresh client, got %d", res.Code)
	}
}

func TestOversizedBodyIsRejected(t *testing.T) {
	env := newTestAPI(t)
	payload := `{"identifier":"` + strings.Repeat("9", 2<<20) + `"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/terminals/till-1/scan", strings.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	res := httptest.NewRecorder()

	env.handler.ServeHTTP(res, req)

	if res.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for oversized body, got %d", res.Code)
	}
}

func TestServerErrorsHideDetails(t *testing.T) {
	res := httptest.NewRecorder()
	writeError(res, http.StatusInternalServerError, errTest("pq: relation \"sales\" does not exist"))

	var body map[string]string
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["error"] != "internal server error" {
		t.Fatalf("expected generic message, got %q", body["error"])
	}
}

func TestClientKeyStripsPort(t *testing.T) {
	cases := map[string]string{
		"127.0.0.1:5000": "127.0.0.1",
		"[::1]:8080":     "::1",
		"":               "unknown",
		"host-only":      "host-only",
	}
	for remote, want := range cases {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = remote
		if got := clientKey(req); got != want {
			t.Fatalf("clientKey(%q) = %q, want %q", remote, got, want)
		}
	}
}

type errTest string

func (e errTest) Error() string { return string(e) }
