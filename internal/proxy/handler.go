package proxy

import (
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/rushsync/rush/internal/acme"
	"github.com/rushsync/rush/internal/analytics"
)

// Proxy is the process-wide Host-header router of §4.8.
type Proxy struct {
	manager    *Manager
	challenges *acme.ChallengeStore
	tracker    *analytics.Tracker
	domain     string
	log        *zap.Logger
}

func New(manager *Manager, challenges *acme.ChallengeStore, tracker *analytics.Tracker, domain string, log *zap.Logger) *Proxy {
	return &Proxy{manager: manager, challenges: challenges, tracker: tracker, domain: domain, log: log}
}

// splitHost lowercases the Host header and separates an externally
// observed ":port" suffix from the bare hostname (§4.8 step 1).
func splitHost(host string) (hostNoPort, externalPortSuffix string) {
	host = strings.ToLower(host)
	if i := strings.LastIndex(host, ":"); i >= 0 {
		if _, err := strconv.Atoi(host[i+1:]); err == nil {
			return host[:i], host[i:]
		}
	}
	return host, ""
}

// subdomainFor computes the routing key per §4.8 step 3: strip
// ".<domain>", fall back to ".localhost", treat bare domain/www/localhost
// as empty.
func subdomainFor(hostNoPort, domain string) string {
	switch hostNoPort {
	case domain, "www." + domain, "localhost":
		return ""
	}
	if s, ok := strings.CutSuffix(hostNoPort, "."+domain); ok {
		return s
	}
	if s, ok := strings.CutSuffix(hostNoPort, ".localhost"); ok {
		return s
	}
	if i := strings.Index(hostNoPort, "."); i >= 0 {
		return hostNoPort[:i]
	}
	return hostNoPort
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	hostNoPort, portSuffix := splitHost(r.Host)
	subdomain := subdomainFor(hostNoPort, p.domain)

	defer p.recordAnalytics(subdomain, r)

	// ACME shortcut precedes all routing and redirects (§4.8 step 2).
	const challengePrefix = "/.well-known/acme-challenge/"
	if strings.HasPrefix(r.URL.Path, challengePrefix) {
		token := strings.TrimPrefix(r.URL.Path, challengePrefix)
		if keyAuth, ok := p.challenges.Get(token); ok {
			w.Header().Set("Content-Type", "text/plain")
			w.Write([]byte(keyAuth))
			return
		}
	}

	if r.URL.Path == "/__rush/healthz" {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("ok"))
		return
	}

	if subdomain == "" {
		p.serveBareDomain(w, portSuffix)
		return
	}

	if subdomain == "blog" {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte(renderBlog(p.domain, portSuffix)))
		return
	}

	targetPort, ok := p.manager.TargetPort(subdomain)
	if !ok {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(renderShowroom(subdomain, p.domain, portSuffix, p.manager.Routes())))
		return
	}

	p.forward(w, r, subdomain, targetPort)
}

func (p *Proxy) serveBareDomain(w http.ResponseWriter, portSuffix string) {
	if _, ok := p.manager.TargetPort("default"); ok {
		location := fmt.Sprintf("http://default.%s%s/", p.domain, portSuffix)
		w.Header().Set("Location", location)
		w.WriteHeader(http.StatusFound)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte(renderWelcome(p.manager.Routes(), p.domain, portSuffix)))
}

// forward proxies to 127.0.0.1:targetPort, preserving method/headers/body
// and rewriting Host, per §4.8 step 6.
func (p *Proxy) forward(w http.ResponseWriter, r *http.Request, subdomain string, targetPort int) {
	target := &url.URL{Scheme: "http", Host: fmt.Sprintf("127.0.0.1:%d", targetPort)}
	rp := httputil.NewSingleHostReverseProxy(target)
	rp.Director = func(req *http.Request) {
		req.URL.Scheme = target.Scheme
		req.URL.Host = target.Host
		req.Host = target.Host
	}
	rp.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		if p.log != nil {
			p.log.Warn("backend unreachable", zap.String("subdomain", subdomain), zap.Error(err))
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte(renderBadGateway(subdomain, p.domain, targetPort)))
	}
	rp.ServeHTTP(w, r)
}

func (p *Proxy) recordAnalytics(subdomain string, r *http.Request) {
	if p.tracker == nil {
		return
	}
	clientIP := r.Header.Get("X-Forwarded-For")
	if clientIP == "" {
		clientIP = r.Header.Get("X-Real-Ip")
	}
	if clientIP == "" {
		clientIP = r.RemoteAddr
	} else if i := strings.Index(clientIP, ","); i >= 0 {
		clientIP = strings.TrimSpace(clientIP[:i])
	}
	p.tracker.Record(subdomain, r.URL.Path, clientIP, r.Header.Get("User-Agent"))
}
