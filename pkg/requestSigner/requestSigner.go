// Package requestSigner authenticates calls to the custodial signing service.
//
// Every request is signed over the canonical string "path|timestamp|body"
// where path is the exact request path, timestamp is milliseconds since the
// Unix epoch and body is the exact transmitted body ("" for bodyless
// requests). The signature is SHA-256 digested, signed with the API signer
// key (RSA PKCS#1 v1.5 or ECDSA ASN.1) and base64 encoded.
package requestSigner

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"time"

	"github.com/Layr-Labs/custody-tx-go/pkg/txErrors"
)

// SigningPayload is the exact data covered by a request signature
type SigningPayload struct {
	Path            string
	TimestampMillis int64
	Body            string
}

// NewSigningPayload stamps a payload with the given time
func NewSigningPayload(path string, at time.Time, body string) SigningPayload {
	return SigningPayload{Path: path, TimestampMillis: at.UnixMilli(), Body: body}
}

// Canonical returns the string that is signed
func (p SigningPayload) Canonical() string {
	return p.Path + "|" + strconv.FormatInt(p.TimestampMillis, 10) + "|" + p.Body
}

// Timestamp returns the header form of the payload timestamp
func (p SigningPayload) Timestamp() string {
	return strconv.FormatInt(p.TimestampMillis, 10)
}

// IRequestSigner signs custodial API request payloads
type IRequestSigner interface {
	// Sign returns the base64 signature over payload.Canonical()
	Sign(ctx context.Context, payload SigningPayload) (string, error)
	// PublicKey returns the key the custodian verifies against
	PublicKey() crypto.PublicKey
}

// ContextSigner is implemented by remote signers that can honor a context
type ContextSigner interface {
	SignContext(ctx context.Context, digest []byte, opts crypto.SignerOpts) ([]byte, error)
}

// CryptoRequestSigner signs with any RSA or ECDSA crypto.Signer
type CryptoRequestSigner struct {
	signer crypto.Signer
}

var _ IRequestSigner = (*CryptoRequestSigner)(nil)

// NewCryptoRequestSigner wraps a crypto.Signer holding an RSA or ECDSA key
func NewCryptoRequestSigner(signer crypto.Signer) (*CryptoRequestSigner, error) {
	if signer == nil {
		return nil, txErrors.New(txErrors.KindKeyError, "requestSigner.New", "signer is required")
	}
	switch signer.Public().(type) {
	case *rsa.PublicKey, *ecdsa.PublicKey:
	default:
		return nil, txErrors.New(txErrors.KindKeyError, "requestSigner.New", "unsupported public key type %T", signer.Public())
	}
	return &CryptoRequestSigner{signer: signer}, nil
}

// NewFromPEM parses privateKeyPEM and returns a signer for it
func NewFromPEM(privateKeyPEM []byte) (*CryptoRequestSigner, error) {
	key, err := ParsePrivateKeyPEM(privateKeyPEM)
	if err != nil {
		return nil, err
	}
	return NewCryptoRequestSigner(key)
}

// NewFromFile loads the PEM key at path and returns a signer for it
func NewFromFile(path string) (*CryptoRequestSigner, error) {
	key, err := LoadPrivateKeyFile(path)
	if err != nil {
		return nil, err
	}
	return NewCryptoRequestSigner(key)
}

func (s *CryptoRequestSigner) PublicKey() crypto.PublicKey {
	return s.signer.Public()
}

func (s *CryptoRequestSigner) Sign(ctx context.Context, payload SigningPayload) (string, error) {
	digest := sha256.Sum256([]byte(payload.Canonical()))

	var (
		sig []byte
		err error
	)
	if cs, ok := s.signer.(ContextSigner); ok {
		sig, err = cs.SignContext(ctx, digest[:], crypto.SHA256)
	} else {
		sig, err = s.signer.Sign(rand.Reader, digest[:], crypto.SHA256)
	}
	if err != nil {
		return "", txErrors.Wrap(txErrors.KindSigningError, "requestSigner.Sign", err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// Sign signs the canonical form of (path, timestampMillis, body) with the PEM key
func Sign(path string, timestampMillis int64, body string, privateKeyPEM []byte) (string, error) {
	s, err := NewFromPEM(privateKeyPEM)
	if err != nil {
		return "", err
	}
	return s.Sign(context.Background(), SigningPayload{Path: path, TimestampMillis: timestampMillis, Body: body})
}

// Verify checks a base64 signature over payload.Canonical() against pub
func Verify(payload SigningPayload, signature string, pub crypto.PublicKey) error {
	raw, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return fmt.Errorf("signature is not valid base64: %w", err)
	}
	digest := sha256.Sum256([]byte(payload.Canonical()))

	switch k := pub.(type) {
	case *rsa.PublicKey:
		if err := rsa.VerifyPKCS1v15(k, crypto.SHA256, digest[:], raw); err != nil {
			return fmt.Errorf("signature verification failed: %w", err)
		}
		return nil
	case *ecdsa.PublicKey:
		if !ecdsa.VerifyASN1(k, digest[:], raw) {
			return fmt.Errorf("signature verification failed")
		}
		return nil
	default:
		return fmt.Errorf("unsupported public key type %T", pub)
	}
}
