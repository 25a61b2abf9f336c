package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func serve(allowed []string, method, origin string) *httptest.ResponseRecorder {
	h := CORS(allowed)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	req := httptest.NewRequest(method, "/api/cases", nil)
	if origin != "" {
		req.Header.Set("Origin", origin)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestCORSExplicitOrigin(t *testing.T) {
	rec := serve([]string{"http://localhost:5173"}, http.MethodGet, "http://localhost:5173")
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:5173" {
		t.Fatalf("unexpected allow origin %q", got)
	}
	if rec.Header().Get("Access-Control-Allow-Credentials") != "true" {
		t.Fatalf("explicit origins may send credentials")
	}
	if rec.Code != http.StatusTeapot {
		t.Fatalf("request should reach the next handler, got %d", rec.Code)
	}
}

func TestCORSWildcardWithoutCredentials(t *testing.T) {
	rec := serve([]string{"*"}, http.MethodGet, "http://evil.example")
	if rec.Header().Get("Access-Control-Allow-Origin") != "http://evil.example" {
		t.Fatalf("wildcard should echo the origin")
	}
	if rec.Header().Get("Access-Control-Allow-Credentials") != "" {
		t.Fatalf("wildcard must not allow credentials")
	}
}

func TestCORSRejectsUnknownOrigin(t *testing.T) {
	rec := serve([]string{"http://localhost:5173"}, http.MethodGet, "http://other.example")
	if rec.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Fatalf("unknown origin must not be allowed")
	}
}

func TestCORSPreflight(t *testing.T) {
	rec := serve([]string{"*"}, http.MethodOptions, "http://localhost:5173")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204 for preflight, got %d", rec.Code)
	}
}
