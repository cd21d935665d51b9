package certs

import (
	"crypto/tls"
	"testing"
)

func TestEnsureSelfSignedGeneratesLoadableCert(t *testing.T) {
	p := NewProvider(t.TempDir(), 30, nil)
	cert, err := p.EnsureSelfSigned("blog", 8080)
	if err != nil {
		t.Fatalf("ensure self signed: %v", err)
	}
	if len(cert.Certificate) == 0 {
		t.Fatalf("expected non-empty certificate chain")
	}
}

func TestEnsureSelfSignedReusesCachedFiles(t *testing.T) {
	p := NewProvider(t.TempDir(), 30, nil)
	first, err := p.EnsureSelfSigned("blog", 8080)
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	second, err := p.EnsureSelfSigned("blog", 8080)
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if string(first.Certificate[0]) != string(second.Certificate[0]) {
		t.Fatalf("expected cached certificate to be reused")
	}
}

func TestEnsureSelfSignedIsolatesDifferentServers(t *testing.T) {
	p := NewProvider(t.TempDir(), 30, nil)
	a, err := p.EnsureSelfSigned("blog", 8080)
	if err != nil {
		t.Fatalf("a: %v", err)
	}
	b, err := p.EnsureSelfSigned("shop", 9090)
	if err != nil {
		t.Fatalf("b: %v", err)
	}
	if string(a.Certificate[0]) == string(b.Certificate[0]) {
		t.Fatalf("expected distinct certificates for distinct servers")
	}
}

func TestProductionCertFallsBackToSelfSignedWithoutACMEChain(t *testing.T) {
	p := NewProvider(t.TempDir(), 30, nil)
	cert, err := p.ProductionCert("localhost")
	if err != nil {
		t.Fatalf("production cert: %v", err)
	}
	if len(cert.Certificate) == 0 {
		t.Fatalf("expected fallback self-signed certificate")
	}
}

func TestAcceptorReplaceIsVisibleToTLSConfig(t *testing.T) {
	first, err := NewProvider(t.TempDir(), 30, nil).EnsureSelfSigned("a", 1)
	if err != nil {
		t.Fatalf("first cert: %v", err)
	}
	second, err := NewProvider(t.TempDir(), 30, nil).EnsureSelfSigned("b", 2)
	if err != nil {
		t.Fatalf("second cert: %v", err)
	}

	acc := NewAcceptor(first)
	cfg := acc.TLSConfig()
	got, err := cfg.GetCertificate(&tls.ClientHelloInfo{})
	if err != nil {
		t.Fatalf("get certificate: %v", err)
	}
	if string(got.Certificate[0]) != string(first.Certificate[0]) {
		t.Fatalf("expected initial certificate before replace")
	}

	acc.Replace(second)
	got, err = cfg.GetCertificate(&tls.ClientHelloInfo{})
	if err != nil {
		t.Fatalf("get certificate after replace: %v", err)
	}
	if string(got.Certificate[0]) != string(second.Certificate[0]) {
		t.Fatalf("expected replaced certificate to be visible")
	}
}
