package truelayer

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha512"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"strings"
)

// Header is a (name, value) pair included in the signed content.
type Header struct {
	Name  string
	Value string
}

// Signer produces detached ES512 signatures over mutating gateway requests,
// in the gateway's Tl-Signature format: a JWS compact serialization with a
// detached payload built from method, path, a fixed header subset and the
// exact body bytes.
type Signer struct {
	keyID string
	key   *ecdsa.PrivateKey
}

// NewSigner parses a PEM-encoded EC private key. The key must be on the
// P-521 curve; anything else is a configuration defect and fails here so a
// misconfigured service never becomes ready.
func NewSigner(keyID string, pemBytes []byte) (*Signer, error) {
	if keyID == "" {
		return nil, fmt.Errorf("signing key id is required")
	}

	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, fmt.Errorf("signing key: no PEM block found")
	}

	var key *ecdsa.PrivateKey
	switch block.Type {
	case "EC PRIVATE KEY":
		k, err := x509.ParseECPrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parsing EC private key: %w", err)
		}
		key = k
	case "PRIVATE KEY":
		k, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parsing PKCS8 private key: %w", err)
		}
		ec, ok := k.(*ecdsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("signing key: not an EC key")
		}
		key = ec
	default:
		return nil, fmt.Errorf("signing key: unsupported PEM type %q", block.Type)
	}

	if key.Curve != elliptic.P521() {
		return nil, fmt.Errorf("signing key: ES512 requires a P-521 key, got %s", key.Curve.Params().Name)
	}

	return &Signer{keyID: keyID, key: key}, nil
}

// NewSignerFromFile loads the signing key from disk.
func NewSignerFromFile(keyID, path string) (*Signer, error) {
	pemBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading signing key %s: %w", path, err)
	}
	return NewSigner(keyID, pemBytes)
}

// KeyID returns the key identifier sent in the signature header.
func (s *Signer) KeyID() string {
	return s.keyID
}

// Sign returns the detached JWS for the request. The signed content is
// canonical: exact method casing, exact path, headers in the given order,
// body bytes untouched. Identical inputs always produce byte-identical
// signed content; only the ECDSA signature bytes vary per call.
func (s *Signer) Sign(method, path string, headers []Header, body []byte) (string, error) {
	protected, err := s.protectedHeader(headers)
	if err != nil {
		return "", fmt.Errorf("building protected header: %w", err)
	}

	payload := signingPayload(method, path, headers, body)
	signingInput := protected + "." + base64.RawURLEncoding.EncodeToString(payload)

	digest := sha512.Sum512([]byte(signingInput))
	r, sv, err := ecdsa.Sign(rand.Reader, s.key, digest[:])
	if err != nil {
		return "", fmt.Errorf("signing request: %w", err)
	}

	// ES512 signatures are r||s with each integer left-padded to 66 bytes.
	sig := make([]byte, 132)
	writePadded(sig[:66], r)
	writePadded(sig[66:], sv)

	return protected + ".." + base64.RawURLEncoding.EncodeToString(sig), nil
}

// Verify checks a detached signature produced by Sign against the same
// canonical content. Used by tests and by sandbox self-checks.
func (s *Signer) Verify(signature, method, path string, headers []Header, body []byte) error {
	parts := strings.Split(signature, ".")
	if len(parts) != 3 || parts[1] != "" {
		return fmt.Errorf("malformed detached signature")
	}

	sigBytes, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return fmt.Errorf("decoding signature: %w", err)
	}
	if len(sigBytes) != 132 {
		return fmt.Errorf("unexpected signature length %d", len(sigBytes))
	}

	payload := signingPayload(method, path, headers, body)
	signingInput := parts[0] + "." + base64.RawURLEncoding.EncodeToString(payload)
	digest := sha512.Sum512([]byte(signingInput))

	r := new(big.Int).SetBytes(sigBytes[:66])
	sv := new(big.Int).SetBytes(sigBytes[66:])
	if !ecdsa.Verify(&s.key.PublicKey, digest[:], r, sv) {
		return fmt.Errorf("signature verification failed")
	}
	return nil
}

// protectedHeader builds the base64url-encoded JWS protected header with
// the key id and the ordered list of signed header names.
func (s *Signer) protectedHeader(headers []Header) (string, error) {
	names := make([]string, len(headers))
	for i, h := range headers {
		names[i] = h.Name
	}

	hdr := map[string]string{
		"alg":        "ES512",
		"kid":        s.keyID,
		"tl_version": "2",
		"tl_headers": strings.Join(names, ","),
	}
	raw, err := json.Marshal(hdr)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// signingPayload is the canonical signed content:
//
//	METHOD /path
//	Header-Name: value
//	<body bytes>
func signingPayload(method, path string, headers []Header, body []byte) []byte {
	var b strings.Builder
	b.WriteString(strings.ToUpper(method))
	b.WriteString(" ")
	b.WriteString(path)
	b.WriteString("\n")
	for _, h := range headers {
		b.WriteString(h.Name)
		b.WriteString(": ")
		b.WriteString(h.Value)
		b.WriteString("\n")
	}
	out := []byte(b.String())
	return append(out, body...)
}

func writePadded(dst []byte, n *big.Int) {
	raw := n.Bytes()
	copy(dst[len(dst)-len(raw):], raw)
}
