// Package certs is the TLS provider (§4.2): it lazily materialises
// self-signed leaves per (name,port), prefers an ACME-issued chain for
// the production domain when present, and holds the proxy's single
// hot-reloadable TLS acceptor cell. The self-signed generation is
// grounded on the teacher's cmd/hostapp/main.go ensureSelfSigned helper,
// generalised from a single dev cert to per-(name,port) SAN lists.
package certs

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/rushsync/rush/internal/rerr"
)

// Provider materialises and caches self-signed leaves and knows how to
// prefer an ACME chain for the production domain.
type Provider struct {
	dir           string
	validityDays  int
	log           *zap.Logger
}

func NewProvider(dir string, validityDays int, log *zap.Logger) *Provider {
	return &Provider{dir: dir, validityDays: validityDays, log: log}
}

// sanFor returns the SAN DNS/IP entries for a given server name and port,
// per §4.2 (the "proxy" name gets a fixed wildcard-ish list).
func sanFor(name string, port int) (dns []string, ips []net.IP) {
	if name == "proxy" {
		return []string{"localhost", "*.localhost", "proxy.localhost"}, []net.IP{net.ParseIP("127.0.0.1")}
	}
	return []string{"localhost", fmt.Sprintf("%s.localhost", name), fmt.Sprintf("%s:%d", name, port)},
		[]net.IP{net.ParseIP("127.0.0.1")}
}

// CertPaths returns the on-disk cert/key path pair for (name,port).
func (p *Provider) CertPaths(name string, port int) (cert, key string) {
	base := filepath.Join(p.dir, fmt.Sprintf("%s-%d", name, port))
	return base + ".cert", base + ".key"
}

// EnsureSelfSigned generates a self-signed leaf for (name,port) if one
// does not already exist on disk, and returns a loaded tls.Certificate.
func (p *Provider) EnsureSelfSigned(name string, port int) (tls.Certificate, error) {
	certPath, keyPath := p.CertPaths(name, port)
	if _, err := os.Stat(certPath); err == nil {
		if _, err2 := os.Stat(keyPath); err2 == nil {
			if cert, err3 := tls.LoadX509KeyPair(certPath, keyPath); err3 == nil {
				return cert, nil
			}
		}
	}
	if err := os.MkdirAll(p.dir, 0o755); err != nil {
		return tls.Certificate{}, rerr.Wrap(rerr.KindIO, "create cert dir", err)
	}
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, rerr.Wrap(rerr.KindTLS, "generate key", err)
	}
	dnsNames, ipAddrs := sanFor(name, port)
	serial, _ := rand.Int(rand.Reader, big.NewInt(1<<62))
	tmpl := x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: fmt.Sprintf("%s.localhost", name)},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Duration(p.validityDays) * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     dnsNames,
		IPAddresses:  ipAddrs,
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, rerr.Wrap(rerr.KindTLS, "create certificate", err)
	}
	certOut, err := os.Create(certPath)
	if err != nil {
		return tls.Certificate{}, rerr.Wrap(rerr.KindIO, "write cert", err)
	}
	defer certOut.Close()
	if err := pem.Encode(certOut, &pem.Block{Type: "CERTIFICATE", Bytes: der}); err != nil {
		return tls.Certificate{}, rerr.Wrap(rerr.KindTLS, "pem encode cert", err)
	}
	keyBytes, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		return tls.Certificate{}, rerr.Wrap(rerr.KindTLS, "marshal key", err)
	}
	keyOut, err := os.OpenFile(keyPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return tls.Certificate{}, rerr.Wrap(rerr.KindIO, "write key", err)
	}
	defer keyOut.Close()
	if err := pem.Encode(keyOut, &pem.Block{Type: "EC PRIVATE KEY", Bytes: keyBytes}); err != nil {
		return tls.Certificate{}, rerr.Wrap(rerr.KindTLS, "pem encode key", err)
	}
	return tls.LoadX509KeyPair(certPath, keyPath)
}

// ProductionCert prefers the ACME-issued chain at
// <dir>/<domain>.fullchain.pem + <domain>.privkey.pem; falls back to a
// self-signed leaf for the domain, logging a warning (non-fatal for the
// proxy per §4.2/§7).
func (p *Provider) ProductionCert(domain string) (tls.Certificate, error) {
	fullchain := filepath.Join(p.dir, domain+".fullchain.pem")
	privkey := filepath.Join(p.dir, domain+".privkey.pem")
	if _, err := os.Stat(fullchain); err == nil {
		if _, err2 := os.Stat(privkey); err2 == nil {
			cert, err3 := tls.LoadX509KeyPair(fullchain, privkey)
			if err3 == nil {
				return cert, nil
			}
			if p.log != nil {
				p.log.Warn("acme chain parse failed, falling back to self-signed", zap.Error(err3))
			}
		}
	}
	if p.log != nil {
		p.log.Warn("no acme chain on disk, using self-signed for production domain", zap.String("domain", domain))
	}
	return p.EnsureSelfSigned(domain, 0)
}

// Acceptor is the single piece of shared mutable TLS state in the proxy
// (§9): a single writer (the ACME client after a successful order) and
// many readers (the accept loop, once per connection).
type Acceptor struct {
	cur atomic.Pointer[tls.Certificate]
}

func NewAcceptor(initial tls.Certificate) *Acceptor {
	a := &Acceptor{}
	a.cur.Store(&initial)
	return a
}

// Replace atomically swaps the certificate used by subsequent accepts.
// In-flight TLS sessions are unaffected.
func (a *Acceptor) Replace(cert tls.Certificate) { a.cur.Store(&cert) }

// TLSConfig returns a *tls.Config whose GetCertificate always reads the
// latest stored certificate.
func (a *Acceptor) TLSConfig() *tls.Config {
	return &tls.Config{
		GetCertificate: func(_ *tls.ClientHelloInfo) (*tls.Certificate, error) {
			return a.cur.Load(), nil
		},
		MinVersion: tls.VersionTLS12,
	}
}
