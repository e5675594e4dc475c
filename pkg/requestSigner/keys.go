package requestSigner

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"

	"github.com/Layr-Labs/custody-tx-go/pkg/txErrors"
	"golang.org/x/crypto/ssh"
)

// MinRSAKeyBits is the smallest RSA modulus accepted for request signing
const MinRSAKeyBits = 2048

// ParsePrivateKeyPEM parses an RSA or ECDSA P-256 private key in PKCS#1, SEC 1,
// PKCS#8 or OpenSSH PEM form
func ParsePrivateKeyPEM(data []byte) (crypto.Signer, error) {
	const op = "requestSigner.ParsePrivateKeyPEM"

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, txErrors.New(txErrors.KindKeyError, op, "failed to decode PEM block")
	}

	var (
		key interface{}
		err error
	)
	switch block.Type {
	case "OPENSSH PRIVATE KEY":
		key, err = ssh.ParseRawPrivateKey(data)
		var missing *ssh.PassphraseMissingError
		if errors.As(err, &missing) {
			return nil, txErrors.New(txErrors.KindKeyError, op, "key is passphrase protected")
		}
	case "EC PRIVATE KEY":
		key, err = x509.ParseECPrivateKey(block.Bytes)
	default:
		key, err = x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			// Try PKCS8 format
			key, err = x509.ParsePKCS8PrivateKey(block.Bytes)
		}
	}
	if err != nil {
		return nil, txErrors.Wrap(txErrors.KindKeyError, op, fmt.Errorf("failed to parse private key: %w", err))
	}

	switch k := key.(type) {
	case *rsa.PrivateKey:
		if k.N.BitLen() < MinRSAKeyBits {
			return nil, txErrors.New(txErrors.KindKeyError, op, "RSA key is %d bits, minimum is %d", k.N.BitLen(), MinRSAKeyBits)
		}
		return k, nil
	case *ecdsa.PrivateKey:
		if k.Curve != elliptic.P256() {
			return nil, txErrors.New(txErrors.KindKeyError, op, "unsupported ECDSA curve %s", k.Curve.Params().Name)
		}
		return k, nil
	default:
		return nil, txErrors.New(txErrors.KindKeyError, op, "unsupported private key type %T", key)
	}
}

// ParsePublicKeyPEM parses a PKIX "PUBLIC KEY" or PKCS#1 "RSA PUBLIC KEY" block
func ParsePublicKeyPEM(data []byte) (crypto.PublicKey, error) {
	const op = "requestSigner.ParsePublicKeyPEM"

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, txErrors.New(txErrors.KindKeyError, op, "failed to decode PEM block")
	}
	if block.Type == "RSA PUBLIC KEY" {
		pub, err := x509.ParsePKCS1PublicKey(block.Bytes)
		if err != nil {
			return nil, txErrors.Wrap(txErrors.KindKeyError, op, err)
		}
		return pub, nil
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, txErrors.Wrap(txErrors.KindKeyError, op, fmt.Errorf("failed to parse public key: %w", err))
	}
	return pub, nil
}

// LoadPrivateKeyFile reads and parses a PEM private key from disk
func LoadPrivateKeyFile(path string) (crypto.Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, txErrors.Wrap(txErrors.KindKeyError, "requestSigner.LoadPrivateKeyFile", fmt.Errorf("failed to read key file %s: %w", path, err))
	}
	return ParsePrivateKeyPEM(data)
}

// EncodePublicKeyPEM encodes a public key as a PKIX "PUBLIC KEY" block, the form
// registered with the custodian
func EncodePublicKeyPEM(pub crypto.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal public key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

// GenerateKeyPair generates a new RSA key pair
func GenerateKeyPair(bits int) (privateKeyPEM, publicKeyPEM []byte, err error) {
	privateKey, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate key: %w", err)
	}

	privKeyPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(privateKey),
	})

	pubKeyPEM, err := EncodePublicKeyPEM(&privateKey.PublicKey)
	if err != nil {
		return nil, nil, err
	}

	return privKeyPEM, pubKeyPEM, nil
}

// GenerateECDSAKeyPair generates a new P-256 key pair in PKCS#8 / PKIX form
func GenerateECDSAKeyPair() (privateKeyPEM, publicKeyPEM []byte, err error) {
	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate key: %w", err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(privateKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal private key: %w", err)
	}
	pubKeyPEM, err := EncodePublicKeyPEM(&privateKey.PublicKey)
	if err != nil {
		return nil, nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), pubKeyPEM, nil
}
