package backend

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rushsync/rush/internal/acme"
	"github.com/rushsync/rush/internal/config"
	"github.com/rushsync/rush/internal/model"
	"github.com/rushsync/rush/internal/watch"
)

func newTestBackend(t *testing.T, mutate func(*config.Config)) (*Backend, string) {
	t.Helper()
	base := t.TempDir()
	cfg := config.Default()
	cfg.Server.RateLimitEnabled = false
	if mutate != nil {
		mutate(cfg)
	}
	info := model.ServerInfo{ID: "srv1", Name: "blog", Port: 9001, Status: model.StatusRunning}

	b, err := New(info, cfg, base, watch.NewHub(nil), acme.NewChallengeStore(), nil, nil)
	if err != nil {
		t.Fatalf("new backend: %v", err)
	}
	if err := os.MkdirAll(b.docRoot, 0o755); err != nil {
		t.Fatalf("mkdir docroot: %v", err)
	}
	return b, b.docRoot
}

func TestServeStaticServesFileFromDocRoot(t *testing.T) {
	b, docRoot := newTestBackend(t, nil)
	if err := os.WriteFile(filepath.Join(docRoot, "hello.txt"), []byte("hi there"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	rw := httptest.NewRecorder()
	b.buildHandler().ServeHTTP(rw, httptest.NewRequest(http.MethodGet, "/hello.txt", nil))

	if rw.Code != http.StatusOK || rw.Body.String() != "hi there" {
		t.Fatalf("unexpected response: %d %q", rw.Code, rw.Body.String())
	}
}

func TestServeStaticRejectsPathTraversal(t *testing.T) {
	b, _ := newTestBackend(t, nil)

	rw := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/../../../../etc/passwd", nil)
	b.serveStatic(rw, req)

	if rw.Code == http.StatusOK {
		t.Fatalf("expected traversal attempt to be rejected, got 200")
	}
}

func TestServeStaticFallsBackToDashboardOnRoot(t *testing.T) {
	b, _ := newTestBackend(t, nil)

	rw := httptest.NewRecorder()
	b.serveStatic(rw, httptest.NewRequest(http.MethodGet, "/", nil))

	if rw.Code != http.StatusOK {
		t.Fatalf("expected dashboard fallback to render 200, got %d", rw.Code)
	}
	if rw.Body.Len() == 0 {
		t.Fatalf("expected non-empty dashboard body")
	}
}

func TestServeStatic404sUnknownPath(t *testing.T) {
	b, _ := newTestBackend(t, nil)

	rw := httptest.NewRecorder()
	b.serveStatic(rw, httptest.NewRequest(http.MethodGet, "/nope.txt", nil))

	if rw.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rw.Code)
	}
}

func TestHandleStatusReportsServerIdentity(t *testing.T) {
	b, _ := newTestBackend(t, nil)

	rw := httptest.NewRecorder()
	b.handleStatus(rw, httptest.NewRequest(http.MethodGet, "/api/status", nil))

	if rw.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rw.Code)
	}
	if ct := rw.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("expected json content type, got %q", ct)
	}
}

func TestHandlePingRejectsGet(t *testing.T) {
	b, _ := newTestBackend(t, nil)

	rw := httptest.NewRecorder()
	b.handlePing(rw, httptest.NewRequest(http.MethodGet, "/api/ping", nil))

	if rw.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405 for GET, got %d", rw.Code)
	}
}

func TestMessagePostThenGetRoundTrips(t *testing.T) {
	b, _ := newTestBackend(t, nil)

	postBody := `{"message":"hi","from":"tester","timestamp":"2026-01-01T00:00:00Z"}`
	rw := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/message", strings.NewReader(postBody))
	b.handleMessagePost(rw, req)
	if rw.Code != http.StatusOK {
		t.Fatalf("expected 200 from post, got %d", rw.Code)
	}

	rw2 := httptest.NewRecorder()
	b.handleMessagesGet(rw2, httptest.NewRequest(http.MethodGet, "/api/messages", nil))
	if rw2.Code != http.StatusOK {
		t.Fatalf("expected 200 from get, got %d", rw2.Code)
	}
	if !strings.Contains(rw2.Body.String(), "hi") {
		t.Fatalf("expected posted message to round-trip, got %q", rw2.Body.String())
	}
}

func TestACMEChallengeHandlerAnswersSeededToken(t *testing.T) {
	b, _ := newTestBackend(t, nil)
	b.challenges.Set("tok", "tok.thumb")

	rw := httptest.NewRecorder()
	b.handleACMEChallenge(rw, httptest.NewRequest(http.MethodGet, "/.well-known/acme-challenge/tok", nil))

	if rw.Code != http.StatusOK || rw.Body.String() != "tok.thumb" {
		t.Fatalf("unexpected response: %d %q", rw.Code, rw.Body.String())
	}
}

func TestACMEChallengeHandler404sUnknownToken(t *testing.T) {
	b, _ := newTestBackend(t, nil)

	rw := httptest.NewRecorder()
	b.handleACMEChallenge(rw, httptest.NewRequest(http.MethodGet, "/.well-known/acme-challenge/missing", nil))

	if rw.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rw.Code)
	}
}
