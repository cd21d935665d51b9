package backend

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/klauspost/compress/gzip"

	"github.com/rushsync/rush/internal/config"
)

func TestSecurityHeadersMiddlewareSetsFixedHeaders(t *testing.T) {
	h := securityHeadersMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	rw := httptest.NewRecorder()
	h.ServeHTTP(rw, httptest.NewRequest(http.MethodGet, "/", nil))

	if rw.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Fatalf("expected nosniff header")
	}
	if rw.Header().Get("X-Frame-Options") != "SAMEORIGIN" {
		t.Fatalf("expected SAMEORIGIN header")
	}
}

func TestCompressionMiddlewareGzipsWhenAccepted(t *testing.T) {
	h := compressionMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("hello world"))
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	rw := httptest.NewRecorder()
	h.ServeHTTP(rw, req)

	if rw.Header().Get("Content-Encoding") != "gzip" {
		t.Fatalf("expected gzip content-encoding header")
	}
	gr, err := gzip.NewReader(rw.Body)
	if err != nil {
		t.Fatalf("new gzip reader: %v", err)
	}
	defer gr.Close()
	buf := make([]byte, 64)
	n, _ := gr.Read(buf)
	if string(buf[:n]) != "hello world" {
		t.Fatalf("unexpected decompressed body: %q", buf[:n])
	}
}

func TestCompressionMiddlewareSkipsWithoutAcceptEncoding(t *testing.T) {
	h := compressionMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("plain"))
	}))
	rw := httptest.NewRecorder()
	h.ServeHTTP(rw, httptest.NewRequest(http.MethodGet, "/", nil))

	if rw.Header().Get("Content-Encoding") == "gzip" {
		t.Fatalf("expected no gzip encoding without Accept-Encoding")
	}
	if rw.Body.String() != "plain" {
		t.Fatalf("unexpected body: %q", rw.Body.String())
	}
}

func TestCompressionMiddlewareSkipsWebSocketPath(t *testing.T) {
	h := compressionMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ws"))
	}))
	req := httptest.NewRequest(http.MethodGet, "/ws/hot-reload", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	rw := httptest.NewRecorder()
	h.ServeHTTP(rw, req)

	if rw.Header().Get("Content-Encoding") == "gzip" {
		t.Fatalf("expected the websocket upgrade path to bypass compression")
	}
}

func TestOriginAllowedForLoopback(t *testing.T) {
	cases := []struct {
		origin, domain string
		want           bool
	}{
		{"http://127.0.0.1:3000", "localhost", true},
		{"http://localhost:3000", "localhost", true},
		{"https://evil.example", "localhost", false},
		{"https://app.rush.example", "rush.example", true},
	}
	for _, c := range cases {
		if got := originAllowed(c.origin, c.domain); got != c.want {
			t.Errorf("originAllowed(%q,%q) = %v, want %v", c.origin, c.domain, got, c.want)
		}
	}
}

func TestCORSMiddlewareAnswersPreflight(t *testing.T) {
	b, _ := newTestBackend(t, nil)
	h := b.corsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("expected OPTIONS preflight to short-circuit before reaching next handler")
	}))
	req := httptest.NewRequest(http.MethodOptions, "/api/status", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rw := httptest.NewRecorder()
	h.ServeHTTP(rw, req)

	if rw.Code != http.StatusNoContent {
		t.Fatalf("expected 204 for preflight, got %d", rw.Code)
	}
	if rw.Header().Get("Access-Control-Allow-Origin") != "http://localhost:3000" {
		t.Fatalf("expected origin to be echoed back")
	}
}

func TestAPIKeyMiddlewareAllowsPublicPaths(t *testing.T) {
	b, _ := newTestBackend(t, func(cfg *config.Config) { cfg.Server.APIKey = "secret" })
	h := b.apiKeyMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	rw := httptest.NewRecorder()
	h.ServeHTTP(rw, httptest.NewRequest(http.MethodGet, "/", nil))

	if rw.Code != http.StatusOK {
		t.Fatalf("expected public path to bypass the api key gate, got %d", rw.Code)
	}
}

func TestAPIKeyMiddlewareRejectsMissingKeyOnAPIPath(t *testing.T) {
	b, _ := newTestBackend(t, func(cfg *config.Config) { cfg.Server.APIKey = "secret" })
	h := b.apiKeyMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	rw := httptest.NewRecorder()
	h.ServeHTTP(rw, httptest.NewRequest(http.MethodGet, "/api/status", nil))

	if rw.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without a key, got %d", rw.Code)
	}
}

func TestAPIKeyMiddlewareAcceptsCorrectKeyViaHeaderOrBearer(t *testing.T) {
	b, _ := newTestBackend(t, func(cfg *config.Config) { cfg.Server.APIKey = "secret" })
	h := b.apiKeyMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	req.Header.Set("X-API-Key", "secret")
	rw := httptest.NewRecorder()
	h.ServeHTTP(rw, req)
	if rw.Code != http.StatusOK {
		t.Fatalf("expected 200 with correct X-API-Key, got %d", rw.Code)
	}

	req2 := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	req2.Header.Set("Authorization", "Bearer secret")
	rw2 := httptest.NewRecorder()
	h.ServeHTTP(rw2, req2)
	if rw2.Code != http.StatusOK {
		t.Fatalf("expected 200 with correct bearer token, got %d", rw2.Code)
	}
}

func TestAPIKeyMiddlewareAcceptsPrehashedConfiguredValue(t *testing.T) {
	want := expectedMAC("secret")
	b, _ := newTestBackend(t, func(cfg *config.Config) { cfg.Server.APIKey = prehashedPrefix + want })
	h := b.apiKeyMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	req.Header.Set("X-API-Key", "secret")
	rw := httptest.NewRecorder()
	h.ServeHTTP(rw, req)
	if rw.Code != http.StatusOK {
		t.Fatalf("expected 200 against a prehashed configured key, got %d", rw.Code)
	}
}

func TestRateLimitMiddlewareRejectsOverBurst(t *testing.T) {
	b, _ := newTestBackend(t, func(cfg *config.Config) {
		cfg.Server.RateLimitEnabled = true
		cfg.Server.RateLimitRPS = 1
	})
	h := b.rateLimitMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rw1 := httptest.NewRecorder()
	h.ServeHTTP(rw1, httptest.NewRequest(http.MethodGet, "/", nil))
	if rw1.Code != http.StatusOK {
		t.Fatalf("expected first request to pass, got %d", rw1.Code)
	}

	rw2 := httptest.NewRecorder()
	h.ServeHTTP(rw2, httptest.NewRequest(http.MethodGet, "/", nil))
	if rw2.Code != http.StatusTooManyRequests {
		t.Fatalf("expected the immediate second request to be rate limited, got %d", rw2.Code)
	}
}

func TestLoggingMiddlewareAppendsAccessEntry(t *testing.T) {
	b, _ := newTestBackend(t, nil)
	h := b.loggingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	rw := httptest.NewRecorder()
	h.ServeHTTP(rw, httptest.NewRequest(http.MethodGet, "/anything", nil))

	entries, err := b.slog.Tail(10)
	if err != nil {
		t.Fatalf("tail: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected exactly one access log entry, got %d", len(entries))
	}
	if entries[0].StatusCode != http.StatusTeapot {
		t.Fatalf("expected logged status %d, got %d", http.StatusTeapot, entries[0].StatusCode)
	}
}
