package backend

import (
	"bufio"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/rushsync/rush/internal/model"
)

// respWriter captures the status code and byte count for the access log,
// following the teacher's internal/httpx.respWriter (same Hijack/Flush/
// Push/ReadFrom pass-throughs so WebSocket upgrades keep working through
// the chain).
type respWriter struct {
	http.ResponseWriter
	code  int
	bytes int64
}

func (w *respWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *respWriter) Write(b []byte) (int, error) {
	if w.code == 0 {
		w.code = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += int64(n)
	return n, err
}

func (w *respWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *respWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hj, ok := w.ResponseWriter.(http.Hijacker); ok {
		return hj.Hijack()
	}
	return nil, nil, http.ErrNotSupported
}

func (w *respWriter) ReadFrom(r io.Reader) (int64, error) {
	if rf, ok := w.ResponseWriter.(io.ReaderFrom); ok {
		return rf.ReadFrom(r)
	}
	return io.Copy(w.ResponseWriter, r)
}

// loggingMiddleware writes one structured log entry per request to the
// server's own serverlog.Logger (§4.5/§4.7), the outermost layer of the
// chain so timing includes every inner middleware.
func (b *Backend) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &respWriter{ResponseWriter: w}
		next.ServeHTTP(rw, r)

		entry := model.NewLogEntry(start)
		entry.EventType = model.EventRequest
		entry.IPAddress = clientIP(r)
		entry.UserAgent = r.Header.Get("User-Agent")
		entry.Method = r.Method
		entry.Path = r.URL.Path
		entry.QueryString = r.URL.RawQuery
		entry.Referer = r.Header.Get("Referer")
		entry.StatusCode = rw.code
		entry.ResponseTimeMS = time.Since(start).Milliseconds()
		entry.BytesSent = rw.bytes
		if rw.code >= 500 {
			entry.EventType = model.EventServerError
		}
		if err := b.slog.Append(entry); err != nil && b.zlog != nil {
			b.zlog.Warn("failed to append access log entry", zap.Error(err))
		}
	})
}

func clientIP(r *http.Request) string {
	if h, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return h
	}
	return r.RemoteAddr
}

// rateLimitMiddleware enforces a single process-wide token bucket per
// backend (§4.7: "rate limiter, token bucket, rps from config").
func (b *Backend) rateLimitMiddleware(next http.Handler) http.Handler {
	if b.limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !b.limiter.Allow() {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

const apiKeyHMACKey = "rush-sync-api-key-v1"

const prehashedPrefix = "$hmac-sha256$"

func hmacHex(key, message string) string {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write([]byte(message))
	return hex.EncodeToString(mac.Sum(nil))
}

// expectedMAC returns the hex HMAC that a correctly-presented secret must
// produce, whether the configured value is a raw secret or an
// already-hashed "$hmac-sha256$<hex>" value (§4.7).
func expectedMAC(configured string) string {
	if strings.HasPrefix(configured, prehashedPrefix) {
		return strings.TrimPrefix(configured, prehashedPrefix)
	}
	return hmacHex(apiKeyHMACKey, configured)
}

// apiKeyMiddleware gates access when cfg.Server.APIKey is set, comparing
// in constant time against an HMAC-SHA256 of the presented secret (§4.7).
func (b *Backend) apiKeyMiddleware(next http.Handler) http.Handler {
	configured := b.cfg.Server.APIKey
	if configured == "" {
		return next
	}
	want := []byte(expectedMAC(configured))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		presented := r.Header.Get("X-API-Key")
		if presented == "" {
			if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
				presented = strings.TrimPrefix(auth, "Bearer ")
			}
		}
		got := []byte(hmacHex(apiKeyHMACKey, presented))
		if subtle.ConstantTimeCompare(got, want) != 1 {
			entry := model.NewLogEntry(time.Now())
			entry.EventType = model.EventSecurityAlert
			entry.IPAddress = clientIP(r)
			entry.Method = r.Method
			entry.Path = r.URL.Path
			entry.StatusCode = http.StatusUnauthorized
			_ = b.slog.Append(entry)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// isPublicPath exempts static assets, the ACME challenge, and the
// WebSocket endpoint from the API key gate: only /api/* is protected.
func isPublicPath(path string) bool {
	return !strings.HasPrefix(path, "/api/")
}

type gzipResponseWriter struct {
	http.ResponseWriter
	gw *gzip.Writer
}

func (w *gzipResponseWriter) Write(b []byte) (int, error) { return w.gw.Write(b) }

// compressionMiddleware gzips responses for clients that advertise
// support, skipping the WebSocket upgrade path.
func compressionMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/ws/hot-reload" || !strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
			next.ServeHTTP(w, r)
			return
		}
		w.Header().Set("Content-Encoding", "gzip")
		w.Header().Add("Vary", "Accept-Encoding")
		gw := gzip.NewWriter(w)
		defer gw.Close()
		next.ServeHTTP(&gzipResponseWriter{ResponseWriter: w, gw: gw}, r)
	})
}

// corsMiddleware allows loopback origins unconditionally and the
// configured production domain, mirroring original_source's
// allowed_origin_fn (§4.7).
func (b *Backend) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && originAllowed(origin, b.cfg.Server.ProductionDomain) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "*")
			w.Header().Set("Access-Control-Allow-Headers", "*")
			w.Header().Set("Access-Control-Max-Age", "3600")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func originAllowed(origin, productionDomain string) bool {
	lower := strings.ToLower(origin)
	if strings.Contains(lower, "127.0.0.1") || strings.Contains(lower, "localhost") || strings.Contains(lower, "[::1]") {
		return true
	}
	return productionDomain != "localhost" && productionDomain != "" && strings.Contains(lower, productionDomain)
}

// securityHeadersMiddleware applies the fixed, non-configurable header
// pair from SPEC_FULL.md §2.1.
func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "SAMEORIGIN")
		next.ServeHTTP(w, r)
	})
}

func newLimiter(rps float64, enabled bool) *rate.Limiter {
	if !enabled || rps <= 0 {
		return nil
	}
	burst := int(rps)
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(rps), burst)
}
