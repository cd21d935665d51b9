package acme

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/rushsync/rush/internal/certs"
	"github.com/rushsync/rush/internal/rerr"
)

// LetsEncryptDirectory is the production ACME directory URL.
const LetsEncryptDirectory = "https://acme-v02.api.letsencrypt.org/directory"

// LetsEncryptStagingDirectory is used for local/dev testing to avoid
// production rate limits.
const LetsEncryptStagingDirectory = "https://acme-staging-v02.api.letsencrypt.org/directory"

type directory struct {
	NewNonce   string `json:"newNonce"`
	NewAccount string `json:"newAccount"`
	NewOrder   string `json:"newOrder"`
}

type acmeIdentifier struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

type orderReq struct {
	Identifiers []acmeIdentifier `json:"identifiers"`
}

type orderResp struct {
	Status         string   `json:"status"`
	Authorizations []string `json:"authorizations"`
	Finalize       string   `json:"finalize"`
	Certificate    string   `json:"certificate"`
}

type authorizationResp struct {
	Status     string      `json:"status"`
	Challenges []challenge `json:"challenges"`
}

type challenge struct {
	Type   string `json:"type"`
	URL    string `json:"url"`
	Token  string `json:"token"`
	Status string `json:"status"`
}

type finalizeReq struct {
	CSR string `json:"csr"`
}

// Client drives one RFC 8555 HTTP-01 enrollment at a time for a single
// production domain. It hand-rolls the protocol (directory, nonce, JWS,
// order, authorize, finalize, download) against the standard library's
// crypto/x509 and net/http rather than a wrapper library, because every
// step needs to hand tokens to the shared ChallengeStore and the final
// chain to the proxy's certs.Acceptor — see SPEC_FULL.md §2.1.
type Client struct {
	dirURL     string
	httpc      *http.Client
	log        *zap.Logger
	challenges *ChallengeStore

	accountKey *ecdsa.PrivateKey
	kid        string
	dir        directory
	nonce      string
}

func NewClient(directoryURL, dataDir string, challenges *ChallengeStore, log *zap.Logger) (*Client, error) {
	key, err := loadOrCreateAccountKey(filepath.Join(dataDir, "acme"))
	if err != nil {
		return nil, err
	}
	return &Client{
		dirURL:     directoryURL,
		httpc:      &http.Client{Timeout: 30 * time.Second},
		log:        log,
		challenges: challenges,
		accountKey: key,
	}, nil
}

func (c *Client) fetchDirectory() error {
	resp, err := c.httpc.Get(c.dirURL)
	if err != nil {
		return rerr.Wrap(rerr.KindACME, "fetch acme directory", err)
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(&c.dir); err != nil {
		return rerr.Wrap(rerr.KindACME, "decode acme directory", err)
	}
	return nil
}

func (c *Client) refreshNonce() error {
	resp, err := c.httpc.Head(c.dir.NewNonce)
	if err != nil {
		return rerr.Wrap(rerr.KindACME, "fetch nonce", err)
	}
	defer resp.Body.Close()
	c.nonce = resp.Header.Get("Replay-Nonce")
	if c.nonce == "" {
		return rerr.New(rerr.KindACME, "acme server returned no Replay-Nonce")
	}
	return nil
}

// post sends a JWS-signed POST and captures the next nonce from the
// response for the following call.
func (c *Client) post(url string, payload []byte) (*http.Response, []byte, error) {
	body, err := signJWS(c.accountKey, c.kid, c.nonce, url, payload)
	if err != nil {
		return nil, nil, rerr.Wrap(rerr.KindACME, "sign jws", err)
	}
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Content-Type", "application/jose+json")
	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, nil, rerr.Wrap(rerr.KindACME, "acme request", err)
	}
	defer resp.Body.Close()
	if n := resp.Header.Get("Replay-Nonce"); n != "" {
		c.nonce = n
	}
	b, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 400 {
		return resp, b, rerr.New(rerr.KindACME, fmt.Sprintf("acme %s: %s", url, string(b)))
	}
	return resp, b, nil
}

func (c *Client) newAccount(contactEmail string) error {
	payload := map[string]any{"termsOfServiceAgreed": true}
	if contactEmail != "" {
		payload["contact"] = []string{"mailto:" + contactEmail}
	}
	b, _ := json.Marshal(payload)
	resp, _, err := c.post(c.dir.NewAccount, b)
	if err != nil {
		return err
	}
	c.kid = resp.Header.Get("Location")
	if c.kid == "" {
		return rerr.New(rerr.KindACME, "acme newAccount returned no kid Location")
	}
	return nil
}

// IssueResult carries the issued chain, ready to be written and fed to a
// certs.Acceptor.
type IssueResult struct {
	FullchainPEM []byte
	PrivkeyPEM   []byte
}

// Issue runs the full order lifecycle for domain and returns the issued
// chain. contactEmail may be empty. It is a single-shot blocking call;
// callers are expected to invoke it from a background goroutine and retry
// with backoff on failure (§4.9).
func (c *Client) Issue(domain, contactEmail string) (*IssueResult, error) {
	if err := c.fetchDirectory(); err != nil {
		return nil, err
	}
	if err := c.refreshNonce(); err != nil {
		return nil, err
	}
	if err := c.newAccount(contactEmail); err != nil {
		return nil, err
	}

	order, orderURL, err := c.newOrder(domain)
	if err != nil {
		return nil, err
	}
	for _, authzURL := range order.Authorizations {
		if err := c.completeAuthorization(authzURL); err != nil {
			return nil, err
		}
	}
	leafKey, csrDER, err := buildCSR(domain)
	if err != nil {
		return nil, err
	}
	order, err = c.finalize(order.Finalize, csrDER)
	if err != nil {
		return nil, err
	}
	order, err = c.pollOrder(orderURL)
	if err != nil {
		return nil, err
	}
	chainPEM, err := c.downloadCertificate(order.Certificate)
	if err != nil {
		return nil, err
	}
	keyDER, err := x509.MarshalECPrivateKey(leafKey)
	if err != nil {
		return nil, rerr.Wrap(rerr.KindACME, "marshal leaf key", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	return &IssueResult{FullchainPEM: chainPEM, PrivkeyPEM: keyPEM}, nil
}

func (c *Client) newOrder(domain string) (orderResp, string, error) {
	req := orderReq{Identifiers: []acmeIdentifier{{Type: "dns", Value: domain}}}
	b, _ := json.Marshal(&req)
	resp, body, err := c.post(c.dir.NewOrder, b)
	if err != nil {
		return orderResp{}, "", err
	}
	var out orderResp
	if err := json.Unmarshal(body, &out); err != nil {
		return orderResp{}, "", rerr.Wrap(rerr.KindACME, "decode order", err)
	}
	return out, resp.Header.Get("Location"), nil
}

func (c *Client) completeAuthorization(authzURL string) error {
	_, body, err := c.post(authzURL, nil)
	if err != nil {
		return err
	}
	var authz authorizationResp
	if err := json.Unmarshal(body, &authz); err != nil {
		return rerr.Wrap(rerr.KindACME, "decode authorization", err)
	}
	if authz.Status == "valid" {
		return nil
	}
	var http01 *challenge
	for i := range authz.Challenges {
		if authz.Challenges[i].Type == "http-01" {
			http01 = &authz.Challenges[i]
			break
		}
	}
	if http01 == nil {
		return rerr.New(rerr.KindACME, "no http-01 challenge offered")
	}
	thumb, err := thumbprint(&c.accountKey.PublicKey)
	if err != nil {
		return rerr.Wrap(rerr.KindACME, "compute jwk thumbprint", err)
	}
	keyAuth := http01.Token + "." + thumb
	c.challenges.Set(http01.Token, keyAuth)
	defer c.challenges.Remove(http01.Token)

	if _, _, err := c.post(http01.URL, []byte("{}")); err != nil {
		return err
	}
	return c.pollAuthorization(authzURL)
}

func (c *Client) pollAuthorization(authzURL string) error {
	for i := 0; i < 20; i++ {
		time.Sleep(2 * time.Second)
		_, body, err := c.post(authzURL, nil)
		if err != nil {
			return err
		}
		var authz authorizationResp
		if err := json.Unmarshal(body, &authz); err != nil {
			return rerr.Wrap(rerr.KindACME, "decode authorization poll", err)
		}
		switch authz.Status {
		case "valid":
			return nil
		case "invalid":
			return rerr.New(rerr.KindACME, "authorization failed validation")
		}
	}
	return rerr.New(rerr.KindACME, "authorization validation timed out")
}

func (c *Client) finalize(finalizeURL string, csrDER []byte) (orderResp, error) {
	req := finalizeReq{CSR: b64(csrDER)}
	b, _ := json.Marshal(&req)
	_, body, err := c.post(finalizeURL, b)
	if err != nil {
		return orderResp{}, err
	}
	var out orderResp
	if err := json.Unmarshal(body, &out); err != nil {
		return orderResp{}, rerr.Wrap(rerr.KindACME, "decode finalize response", err)
	}
	return out, nil
}

func (c *Client) pollOrder(orderURL string) (orderResp, error) {
	for i := 0; i < 20; i++ {
		_, body, err := c.post(orderURL, nil)
		if err != nil {
			return orderResp{}, err
		}
		var out orderResp
		if err := json.Unmarshal(body, &out); err != nil {
			return orderResp{}, rerr.Wrap(rerr.KindACME, "decode order poll", err)
		}
		if out.Status == "valid" && out.Certificate != "" {
			return out, nil
		}
		if out.Status == "invalid" {
			return orderResp{}, rerr.New(rerr.KindACME, "order failed")
		}
		time.Sleep(2 * time.Second)
	}
	return orderResp{}, rerr.New(rerr.KindACME, "order finalization timed out")
}

func (c *Client) downloadCertificate(url string) ([]byte, error) {
	_, body, err := c.post(url, nil)
	if err != nil {
		return nil, err
	}
	return body, nil
}

func buildCSR(domain string) (*ecdsa.PrivateKey, []byte, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, rerr.Wrap(rerr.KindACME, "generate leaf key", err)
	}
	tmpl := x509.CertificateRequest{
		Subject:  pkix.Name{CommonName: domain},
		DNSNames: []string{domain},
	}
	csr, err := x509.CreateCertificateRequest(rand.Reader, &tmpl, key)
	if err != nil {
		return nil, nil, rerr.Wrap(rerr.KindACME, "create csr", err)
	}
	return key, csr, nil
}

// PersistAndLoad writes the issued chain to <dir>/<domain>.fullchain.pem
// and .privkey.pem and returns the parsed tls.Certificate ready for an
// Acceptor.Replace call (§4.2, §4.9).
func PersistAndLoad(dir, domain string, res *IssueResult) (tls.Certificate, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return tls.Certificate{}, rerr.Wrap(rerr.KindIO, "create cert dir", err)
	}
	fullchain := filepath.Join(dir, domain+".fullchain.pem")
	privkey := filepath.Join(dir, domain+".privkey.pem")
	if err := writeAtomic(fullchain, res.FullchainPEM, 0o644); err != nil {
		return tls.Certificate{}, err
	}
	if err := writeAtomic(privkey, res.PrivkeyPEM, 0o600); err != nil {
		return tls.Certificate{}, err
	}
	return tls.LoadX509KeyPair(fullchain, privkey)
}

func writeAtomic(path string, b []byte, mode os.FileMode) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, mode); err != nil {
		return rerr.Wrap(rerr.KindIO, "write "+path, err)
	}
	return os.Rename(tmp, path)
}

// RenewalDue reports whether the certificate at <dir>/<domain>.fullchain.pem
// is within renewBefore of expiry, or does not exist (§4.9: "renew when
// <30 days remain").
func RenewalDue(dir, domain string, renewBefore time.Duration) bool {
	fullchain := filepath.Join(dir, domain+".fullchain.pem")
	b, err := os.ReadFile(fullchain)
	if err != nil {
		return true
	}
	block, _ := pem.Decode(b)
	if block == nil {
		return true
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return true
	}
	return time.Until(cert.NotAfter) < renewBefore
}

// Manager owns the periodic issue/renew loop for one production domain,
// pushing freshly issued certificates into a certs.Acceptor.
type Manager struct {
	client       *Client
	acceptor     *certs.Acceptor
	certDir      string
	domain       string
	contactEmail string
	log          *zap.Logger
}

func NewManager(client *Client, acceptor *certs.Acceptor, certDir, domain, contactEmail string, log *zap.Logger) *Manager {
	return &Manager{client: client, acceptor: acceptor, certDir: certDir, domain: domain, contactEmail: contactEmail, log: log}
}

// EnsureCertificate issues immediately if none is on disk or renewal is
// due, then installs the result into the acceptor.
func (m *Manager) EnsureCertificate() error {
	if !RenewalDue(m.certDir, m.domain, 30*24*time.Hour) {
		return nil
	}
	res, err := m.client.Issue(m.domain, m.contactEmail)
	if err != nil {
		return err
	}
	cert, err := PersistAndLoad(m.certDir, m.domain, res)
	if err != nil {
		return err
	}
	m.acceptor.Replace(cert)
	if m.log != nil {
		m.log.Info("acme certificate installed", zap.String("domain", m.domain))
	}
	return nil
}

// Run checks for renewal once per day until stopped; failures are logged
// and retried on the next tick rather than fatal (§4.9, §7).
func (m *Manager) Run(stop <-chan struct{}) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := m.EnsureCertificate(); err != nil && m.log != nil {
				m.log.Warn("acme renewal failed, will retry next tick", zap.Error(err))
			}
		}
	}
}
