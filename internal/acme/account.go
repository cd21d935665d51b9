package acme

import (
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"

	"github.com/rushsync/rush/internal/rerr"
)

// loadOrCreateAccountKey reuses the persisted account key at
// <dir>/account.key across renewals rather than registering a fresh ACME
// account on every run (SPEC_FULL.md §4.1.1, recovered from
// original_source's acme module which persists the account key alongside
// the issued chain).
func loadOrCreateAccountKey(dir string) (*ecdsa.PrivateKey, error) {
	path := filepath.Join(dir, "account.key")
	if b, err := os.ReadFile(path); err == nil {
		block, _ := pem.Decode(b)
		if block != nil {
			if key, err := x509.ParseECPrivateKey(block.Bytes); err == nil {
				return key, nil
			}
		}
	}
	key, err := generateAccountKey()
	if err != nil {
		return nil, rerr.Wrap(rerr.KindACME, "generate account key", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, rerr.Wrap(rerr.KindIO, "create acme dir", err)
	}
	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, rerr.Wrap(rerr.KindACME, "marshal account key", err)
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, rerr.Wrap(rerr.KindIO, "write account key", err)
	}
	if err := pem.Encode(f, &pem.Block{Type: "EC PRIVATE KEY", Bytes: der}); err != nil {
		f.Close()
		return nil, rerr.Wrap(rerr.KindACME, "pem encode account key", err)
	}
	if err := f.Close(); err != nil {
		return nil, rerr.Wrap(rerr.KindIO, "close account key", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return nil, rerr.Wrap(rerr.KindIO, "rename account key", err)
	}
	return key, nil
}
