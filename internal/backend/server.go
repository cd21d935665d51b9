// Package backend is the per-server HTTP(S) app (§4.7): the static-file
// and templated-asset server that each declared "rush" server becomes
// once started, fronted by the reverse proxy (internal/proxy) and backed
// by a document root under <base>/www/<name>-[<port>]. Route wiring and
// middleware order follow the teacher's internal/httpx middleware style,
// generalised with a rate limiter, HMAC API-key gate, and gzip
// compression, grounded on original_source's actix App builder in
// server/handlers/web/mod.rs::create_web_server.
package backend

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/rushsync/rush/internal/acme"
	"github.com/rushsync/rush/internal/certs"
	"github.com/rushsync/rush/internal/config"
	"github.com/rushsync/rush/internal/model"
	"github.com/rushsync/rush/internal/serverlog"
	"github.com/rushsync/rush/internal/watch"
)

const version = "0.1.0"

// Backend is one running (or about to run) server instance.
type Backend struct {
	info    model.ServerInfo
	cfg     *config.Config
	docRoot string

	slog       *serverlog.Logger
	hub        *watch.Hub
	challenges *acme.ChallengeStore
	certs      *certs.Provider
	zlog       *zap.Logger

	limiter  *rate.Limiter
	messages *messageQueue

	httpSrv  *http.Server
	httpsSrv *http.Server

	startedAt time.Time
}

// New constructs a Backend for info, rooted at <baseDir>/www/<dirname>.
func New(info model.ServerInfo, cfg *config.Config, baseDir string, hub *watch.Hub, challenges *acme.ChallengeStore, certProvider *certs.Provider, zlog *zap.Logger) (*Backend, error) {
	docRoot := filepath.Join(baseDir, "www", info.DirName())
	logOpts := serverlog.Options{
		LogRequests:       cfg.Logging.LogRequests,
		LogSecurityAlerts: cfg.Logging.LogSecurityAlerts,
		LogPerformance:    cfg.Logging.LogPerformance,
		MaxFileSizeBytes:  int64(cfg.Logging.MaxFileSizeMB) * 1024 * 1024,
		MaxArchiveFiles:   cfg.Logging.MaxArchiveFiles,
		CompressArchives:  cfg.Logging.CompressArchives,
	}
	slog := serverlog.New(filepath.Join(baseDir, ".rss", "servers"), info.Name, info.Port, logOpts)

	return &Backend{
		info:       info,
		cfg:        cfg,
		docRoot:    docRoot,
		slog:       slog,
		hub:        hub,
		challenges: challenges,
		certs:      certProvider,
		zlog:       zlog,
		messages:   newMessageQueue(),
		limiter:    newLimiter(cfg.Server.RateLimitRPS, cfg.Server.RateLimitEnabled),
	}, nil
}

func (b *Backend) templateVars() templateVars {
	return templateVars{
		ServerName:     b.info.Name,
		Port:           b.info.Port,
		ProxyPort:      b.cfg.Proxy.Port,
		ProxyHTTPSPort: b.cfg.Proxy.Port + b.cfg.Proxy.HTTPSPortOffset,
		Version:        version,
		CreationTime:   b.info.CreatedAt,
	}
}

func (b *Backend) buildHandler() http.Handler {
	mux := b.routes()
	var h http.Handler = mux
	h = b.corsMiddleware(h)
	h = compressionMiddleware(h)
	h = b.apiKeyMiddleware(h)
	h = b.rateLimitMiddleware(h)
	h = securityHeadersMiddleware(h)
	h = b.loggingMiddleware(h)
	return h
}

// onExit is invoked from a goroutine when the HTTP or HTTPS listener
// returns, so the caller (command plane / bootstrap) can flip the
// server's status to Failed (§4.7 state machine).
type onExitFunc func(error)

// Start binds the HTTP listener (and HTTPS, if enabled) and begins
// serving in background goroutines. It returns once both listeners are
// bound or an error occurs; exit is called asynchronously if a listener
// later stops on its own.
func (b *Backend) Start(ctx context.Context, exit onExitFunc) error {
	b.startedAt = time.Now()
	handler := b.buildHandler()

	httpLn, err := net.Listen("tcp", fmt.Sprintf("%s:%d", b.cfg.Server.BindAddress, b.info.Port))
	if err != nil {
		return fmt.Errorf("http bind: %w", err)
	}
	b.httpSrv = &http.Server{Handler: handler}

	if err := b.hub.Watch(b.info.Name, b.info.Port, b.docRoot); err != nil && b.zlog != nil {
		b.zlog.Warn("failed to start file watcher", zap.String("server", b.info.Name), zap.Error(err))
	}

	startEntry := model.NewLogEntry(time.Now())
	startEntry.EventType = model.EventServerStart
	_ = b.slog.Append(startEntry)

	go func() {
		err := b.httpSrv.Serve(httpLn)
		if err != nil && err != http.ErrServerClosed && exit != nil {
			exit(err)
		}
	}()

	if b.cfg.Server.EnableHTTPS {
		httpsPort := b.info.Port + b.cfg.Server.HTTPSPortOffset
		cert, err := b.certs.EnsureSelfSigned(b.info.Name, b.info.Port)
		if err != nil {
			if b.zlog != nil {
				b.zlog.Warn("https disabled: self-signed cert failed", zap.Error(err))
			}
		} else {
			httpsLn, err := net.Listen("tcp", fmt.Sprintf("%s:%d", b.cfg.Server.BindAddress, httpsPort))
			if err != nil {
				if b.zlog != nil {
					b.zlog.Warn("https bind failed, continuing http-only", zap.Int("port", httpsPort), zap.Error(err))
				}
			} else {
				b.httpsSrv = &http.Server{
					Handler:   handler,
					TLSConfig: &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12},
				}
				go func() {
					err := b.httpsSrv.ServeTLS(httpsLn, "", "")
					if err != nil && err != http.ErrServerClosed && exit != nil {
						exit(err)
					}
				}()
			}
		}
	}

	time.Sleep(time.Duration(b.cfg.Server.StartupDelayMS) * time.Millisecond)
	return nil
}

// Stop gracefully shuts down both listeners within the configured
// deadline and unwatches the document root (§4.7 state machine).
func (b *Backend) Stop(ctx context.Context) error {
	deadline := time.Duration(b.cfg.Server.ShutdownTimeoutSecs) * time.Second
	sctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	var firstErr error
	if b.httpSrv != nil {
		if err := b.httpSrv.Shutdown(sctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if b.httpsSrv != nil {
		if err := b.httpsSrv.Shutdown(sctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	b.hub.Unwatch(b.info.Name, b.info.Port)

	stopEntry := model.NewLogEntry(time.Now())
	stopEntry.EventType = model.EventServerStop
	_ = b.slog.Append(stopEntry)
	return firstErr
}

// Logger exposes the per-server structured logger for the /api/logs*
// and /api/stats handlers.
func (b *Backend) Logger() *serverlog.Logger { return b.slog }
