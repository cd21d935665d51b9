package proxy

import (
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/rushsync/rush/internal/acme"
)

func TestSplitHost(t *testing.T) {
	cases := []struct {
		in, host, suffix string
	}{
		{"Blog.Localhost", "blog.localhost", ""},
		{"blog.localhost:3000", "blog.localhost", ":3000"},
		{"localhost", "localhost", ""},
	}
	for _, c := range cases {
		host, suffix := splitHost(c.in)
		if host != c.host || suffix != c.suffix {
			t.Errorf("splitHost(%q) = (%q,%q), want (%q,%q)", c.in, host, suffix, c.host, c.suffix)
		}
	}
}

func TestSubdomainFor(t *testing.T) {
	cases := []struct {
		host, domain, want string
	}{
		{"example.com", "example.com", ""},
		{"www.example.com", "example.com", ""},
		{"localhost", "example.com", ""},
		{"blog.example.com", "example.com", "blog"},
		{"blog.localhost", "example.com", "blog"},
		{"blog", "example.com", "blog"},
	}
	for _, c := range cases {
		if got := subdomainFor(c.host, c.domain); got != c.want {
			t.Errorf("subdomainFor(%q,%q) = %q, want %q", c.host, c.domain, got, c.want)
		}
	}
}

func TestServeHTTPAnswersACMEChallenge(t *testing.T) {
	challenges := acme.NewChallengeStore()
	challenges.Set("tok123", "tok123.thumbprint")
	p := New(NewManager(), challenges, nil, "localhost", nil)

	req := httptest.NewRequest(http.MethodGet, "http://blog.localhost/.well-known/acme-challenge/tok123", nil)
	rw := httptest.NewRecorder()
	p.ServeHTTP(rw, req)

	if rw.Code != http.StatusOK || rw.Body.String() != "tok123.thumbprint" {
		t.Fatalf("unexpected response: %d %q", rw.Code, rw.Body.String())
	}
}

func TestServeHTTPBareDomainRendersWelcome(t *testing.T) {
	p := New(NewManager(), acme.NewChallengeStore(), nil, "localhost", nil)
	req := httptest.NewRequest(http.MethodGet, "http://localhost/", nil)
	rw := httptest.NewRecorder()
	p.ServeHTTP(rw, req)

	if rw.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rw.Code)
	}
}

func TestServeHTTPUnknownSubdomainRendersShowroom(t *testing.T) {
	p := New(NewManager(), acme.NewChallengeStore(), nil, "localhost", nil)
	req := httptest.NewRequest(http.MethodGet, "http://ghost.localhost/", nil)
	rw := httptest.NewRecorder()
	p.ServeHTTP(rw, req)

	if rw.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unrouted subdomain, got %d", rw.Code)
	}
}

func TestServeHTTPForwardsToRoutedBackend(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("hello from backend"))
	}))
	defer backend.Close()

	_, portStr, err := net.SplitHostPort(backend.Listener.Addr().String())
	if err != nil {
		t.Fatalf("split host port: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parse port: %v", err)
	}

	m := NewManager()
	m.AddRoute("blog", port)

	p := New(m, acme.NewChallengeStore(), nil, "localhost", nil)
	req := httptest.NewRequest(http.MethodGet, "http://blog.localhost/", nil)
	rw := httptest.NewRecorder()
	p.ServeHTTP(rw, req)

	if rw.Code != http.StatusOK || rw.Body.String() != "hello from backend" {
		t.Fatalf("unexpected response: %d %q", rw.Code, rw.Body.String())
	}
}
