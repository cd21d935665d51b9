package proxy

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/rushsync/rush/internal/certs"
)

// Listeners owns the proxy's bound HTTP and (optional) HTTPS servers.
type Listeners struct {
	http  *http.Server
	https *http.Server
	log   *zap.Logger
}

// Start binds cfg.bind_address:port for HTTP and, when acceptor is
// non-nil, port+httpsOffset for HTTPS using the shared hot-reloadable
// acceptor cell (§4.2, §4.8).
func Start(bindAddr string, port, httpsPort int, handler http.Handler, acceptor *certs.Acceptor, log *zap.Logger) (*Listeners, error) {
	httpLn, err := net.Listen("tcp", fmt.Sprintf("%s:%d", bindAddr, port))
	if err != nil {
		return nil, fmt.Errorf("proxy http bind: %w", err)
	}
	l := &Listeners{http: &http.Server{Handler: handler}, log: log}
	go func() {
		if err := l.http.Serve(httpLn); err != nil && err != http.ErrServerClosed && log != nil {
			log.Error("proxy http listener ended", zap.Error(err))
		}
	}()

	if acceptor != nil {
		httpsLn, err := net.Listen("tcp", fmt.Sprintf("%s:%d", bindAddr, httpsPort))
		if err != nil {
			if log != nil {
				log.Warn("proxy https bind failed, continuing http-only", zap.Int("port", httpsPort), zap.Error(err))
			}
		} else {
			tlsLn := tls.NewListener(httpsLn, acceptor.TLSConfig())
			l.https = &http.Server{Handler: handler}
			go func() {
				if err := l.https.Serve(tlsLn); err != nil && err != http.ErrServerClosed && log != nil {
					log.Error("proxy https listener ended", zap.Error(err))
				}
			}()
		}
	}
	return l, nil
}

// Stop gracefully shuts down both listeners within deadline.
func (l *Listeners) Stop(ctx context.Context, deadline time.Duration) {
	sctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()
	if l.http != nil {
		_ = l.http.Shutdown(sctx)
	}
	if l.https != nil {
		_ = l.https.Shutdown(sctx)
	}
}
