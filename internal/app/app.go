// Package app is the shared bootstrap (§4.11): it owns the process-wide
// singletons (ServerContext, the persistent registry, the proxy's
// routing table, the watch hub, the ACME challenge store) and the
// startup/shutdown sequence that wires C1-C9 into a running process.
// Command/handler operations (§4.10: create/start/stop/list/cleanup/
// recover) live alongside it in commands.go since they all close over
// the same singletons. Grounded on the teacher's cmd/hostapp/main.go
// wiring order (load config, build dependencies bottom-up, start
// listeners, install signal-driven shutdown).
package app

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rushsync/rush/internal/acme"
	"github.com/rushsync/rush/internal/analytics"
	"github.com/rushsync/rush/internal/backend"
	"github.com/rushsync/rush/internal/certs"
	"github.com/rushsync/rush/internal/config"
	"github.com/rushsync/rush/internal/model"
	"github.com/rushsync/rush/internal/proxy"
	"github.com/rushsync/rush/internal/registry"
	"github.com/rushsync/rush/internal/servers"
	"github.com/rushsync/rush/internal/watch"
)

// App holds the singletons described in §4.11 plus the runtime backend
// instances (one per started server) that the command plane manages.
type App struct {
	cfg     *config.Config
	baseDir string
	log     *zap.Logger

	ctx      *servers.Context
	registry *registry.Registry
	proxyMgr *proxy.Manager
	hub      *watch.Hub

	challenges *acme.ChallengeStore
	certs      *certs.Provider
	acceptor   *certs.Acceptor
	acmeMgr    *acme.Manager
	acmeStop   chan struct{}

	tracker        *analytics.Tracker
	proxyListeners *proxy.Listeners

	beMu     sync.Mutex
	backends map[string]*backend.Backend
}

// New wires the singletons without starting any network listener; call
// Start to bring the process up.
func New(cfg *config.Config, baseDir string, log *zap.Logger) (*App, error) {
	certDir := filepath.Join(baseDir, cfg.Server.CertDir)
	certProvider := certs.NewProvider(certDir, cfg.Server.CertValidityDays, log)

	initial, err := certProvider.ProductionCert(cfg.Proxy.ProductionDomain)
	if err != nil {
		return nil, fmt.Errorf("initial certificate: %w", err)
	}

	a := &App{
		cfg:        cfg,
		baseDir:    baseDir,
		log:        log,
		ctx:        servers.New(),
		registry:   registry.Open(filepath.Join(baseDir, ".rss", "servers.list"), log),
		proxyMgr:   proxy.NewManager(),
		hub:        watch.NewHub(log),
		challenges: acme.NewChallengeStore(),
		certs:      certProvider,
		acceptor:   certs.NewAcceptor(initial),
		tracker:    analytics.New(filepath.Join(baseDir, ".rss", "analytics.json")),
		backends:   map[string]*backend.Backend{},
	}
	return a, nil
}

// LoadState restores persisted servers into ServerContext, forcing
// status to Stopped unless auto_start is set (§4.11), and returns the
// subset flagged auto_start. It performs no network I/O, so one-shot
// command-plane invocations (create/list/cleanup/recover/stop) can call
// it without binding the proxy or enrolling ACME.
func (a *App) LoadState() ([]model.ServerInfo, error) {
	persisted, err := a.registry.Load()
	if err != nil {
		return nil, fmt.Errorf("load registry: %w", err)
	}
	var toAutoStart []model.ServerInfo
	for _, info := range persisted {
		if !info.AutoStart {
			info.Status = model.StatusStopped
		}
		if err := a.ctx.Put(info); err != nil {
			return nil, err
		}
		if info.AutoStart {
			toAutoStart = append(toAutoStart, info)
		}
	}
	return toAutoStart, nil
}

// Start performs the §4.11 startup sequence: restore persisted servers
// (forced to Stopped unless auto_start), spawn the proxy, optionally
// enroll ACME, start the analytics flusher, then start every server
// flagged auto_start.
func (a *App) Start(ctx context.Context) error {
	toAutoStart, err := a.LoadState()
	if err != nil {
		return err
	}

	proxyHandler := proxy.New(a.proxyMgr, a.challenges, a.tracker, a.cfg.Proxy.ProductionDomain, a.log)
	listeners, err := proxy.Start(
		a.cfg.Proxy.BindAddress,
		a.cfg.Proxy.Port,
		a.cfg.Proxy.Port+a.cfg.Proxy.HTTPSPortOffset,
		proxyHandler,
		a.acceptor,
		a.log,
	)
	if err != nil {
		return fmt.Errorf("start proxy: %w", err)
	}
	a.proxyListeners = listeners

	if a.cfg.Proxy.ProductionDomain != "localhost" && a.cfg.Proxy.UseLetsEncrypt {
		if err := a.startACME(); err != nil && a.log != nil {
			a.log.Warn("acme enrollment failed, continuing with self-signed certificate", zap.Error(err))
		}
	}

	go a.tracker.Run(5 * time.Minute)

	for _, info := range toAutoStart {
		if err := a.startOne(info); err != nil && a.log != nil {
			a.log.Warn("auto_start failed", zap.String("server", info.Name), zap.Error(err))
		}
	}
	return nil
}

// startACME builds the account/client and runs an initial enrollment
// synchronously so the proxy acceptor already has a production chain by
// the time Start returns; renewal then continues on Manager.Run's 24h
// ticker (§4.9).
func (a *App) startACME() error {
	acmeDir := filepath.Join(a.baseDir, ".rss", "acme")
	directoryURL := acme.LetsEncryptDirectory
	client, err := acme.NewClient(directoryURL, acmeDir, a.challenges, a.log)
	if err != nil {
		return err
	}
	certDir := filepath.Join(a.baseDir, a.cfg.Server.CertDir)
	a.acmeMgr = acme.NewManager(client, a.acceptor, certDir, a.cfg.Proxy.ProductionDomain, "", a.log)
	if err := a.acmeMgr.EnsureCertificate(); err != nil {
		return err
	}
	a.acmeStop = make(chan struct{})
	go a.acmeMgr.Run(a.acmeStop)
	return nil
}

// Shutdown performs the §4.11 shutdown sequence: stop the analytics
// flusher (final flush), stop every running backend with a 5s graceful
// deadline then force, persist outstanding status changes, stop the
// proxy and the registry actor.
func (a *App) Shutdown(ctx context.Context) error {
	a.tracker.Stop()
	if a.acmeStop != nil {
		close(a.acmeStop)
	}

	list, err := a.ctx.List()
	if err == nil {
		for _, info := range list {
			if info.Status == model.StatusRunning {
				if err := a.stopOne(info); err != nil && a.log != nil {
					a.log.Warn("shutdown: stop failed", zap.String("server", info.Name), zap.Error(err))
				}
			}
		}
	}

	if a.proxyListeners != nil {
		a.proxyListeners.Stop(ctx, 5*time.Second)
	}
	a.registry.Close()
	return nil
}
