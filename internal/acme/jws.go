package acme

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"math/big"
)

func b64(b []byte) string { return base64.RawURLEncoding.EncodeToString(b) }

// jwk is the JSON Web Key representation of an ECDSA P-256 public key, in
// the exact field order RFC 7638 thumbprinting requires.
type jwk struct {
	Crv string `json:"crv"`
	Kty string `json:"kty"`
	X   string `json:"x"`
	Y   string `json:"y"`
}

func publicJWK(pub *ecdsa.PublicKey) jwk {
	size := (pub.Curve.Params().BitSize + 7) / 8
	return jwk{
		Crv: "P-256",
		Kty: "EC",
		X:   b64(pub.X.FillBytes(make([]byte, size))),
		Y:   b64(pub.Y.FillBytes(make([]byte, size))),
	}
}

// thumbprint computes the RFC 7638 JWK thumbprint used to build a
// key-authorization string for HTTP-01 validation.
func thumbprint(pub *ecdsa.PublicKey) (string, error) {
	j := publicJWK(pub)
	// RFC 7638 mandates this exact lexicographic field order.
	ordered := struct {
		Crv string `json:"crv"`
		Kty string `json:"kty"`
		X   string `json:"x"`
		Y   string `json:"y"`
	}{j.Crv, j.Kty, j.X, j.Y}
	b, err := json.Marshal(&ordered)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return b64(sum[:]), nil
}

type jwsProtected struct {
	Alg   string `json:"alg"`
	Nonce string `json:"nonce"`
	URL   string `json:"url"`
	JWK   *jwk   `json:"jwk,omitempty"`
	Kid   string `json:"kid,omitempty"`
}

type jwsMessage struct {
	Protected string `json:"protected"`
	Payload   string `json:"payload"`
	Signature string `json:"signature"`
}

// signJWS produces a flattened JWS body per RFC 8555 §6.2. When kid is
// empty the request is "JWK-authenticated" (new-account); otherwise it is
// "kid-authenticated" (every subsequent request).
func signJWS(key *ecdsa.PrivateKey, kid, nonce, url string, payload []byte) ([]byte, error) {
	prot := jwsProtected{Alg: "ES256", Nonce: nonce, URL: url}
	if kid == "" {
		j := publicJWK(&key.PublicKey)
		prot.JWK = &j
	} else {
		prot.Kid = kid
	}
	protB, err := json.Marshal(&prot)
	if err != nil {
		return nil, err
	}
	protB64 := b64(protB)
	var payloadB64 string
	if payload == nil {
		payloadB64 = "" // POST-as-GET per RFC 8555 §6.3
	} else {
		payloadB64 = b64(payload)
	}
	signingInput := protB64 + "." + payloadB64
	sum := sha256.Sum256([]byte(signingInput))
	r, s, err := ecdsa.Sign(rand.Reader, key, sum[:])
	if err != nil {
		return nil, err
	}
	sig := append(leftPad(r, 32), leftPad(s, 32)...)
	msg := jwsMessage{Protected: protB64, Payload: payloadB64, Signature: b64(sig)}
	return json.Marshal(&msg)
}

func leftPad(n *big.Int, size int) []byte {
	b := n.Bytes()
	if len(b) >= size {
		return b
	}
	out := make([]byte, size)
	copy(out[size-len(b):], b)
	return out
}

func generateAccountKey() (*ecdsa.PrivateKey, error) {
	return ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
}
