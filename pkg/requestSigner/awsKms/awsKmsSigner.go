package awsKms

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"fmt"
	"io"

	"github.com/Layr-Labs/custody-tx-go/pkg/requestSigner"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// KMSAPI is the subset of the KMS client used for request signing
type KMSAPI interface {
	Sign(ctx context.Context, params *kms.SignInput, optFns ...func(*kms.Options)) (*kms.SignOutput, error)
	GetPublicKey(ctx context.Context, params *kms.GetPublicKeyInput, optFns ...func(*kms.Options)) (*kms.GetPublicKeyOutput, error)
}

// KMSSigner is a crypto.Signer whose private key never leaves AWS KMS. It
// supports RSA keys (RSASSA_PKCS1_V1_5_SHA_256) and P-256 keys (ECDSA_SHA_256).
type KMSSigner struct {
	logger    *zap.Logger
	client    KMSAPI
	keyId     string
	publicKey crypto.PublicKey
	algorithm types.SigningAlgorithmSpec
}

var _ crypto.Signer = (*KMSSigner)(nil)
var _ requestSigner.ContextSigner = (*KMSSigner)(nil)

// NewKMSSignerFromConfig builds a KMS client from awsCfg and loads keyId
func NewKMSSignerFromConfig(ctx context.Context, awsCfg aws.Config, keyId string, logger *zap.Logger) (*KMSSigner, error) {
	return NewKMSSigner(ctx, kms.NewFromConfig(awsCfg), keyId, logger)
}

// NewKMSSigner fetches the public half of keyId and picks the signing algorithm from it
func NewKMSSigner(ctx context.Context, client KMSAPI, keyId string, logger *zap.Logger) (*KMSSigner, error) {
	if keyId == "" {
		return nil, fmt.Errorf("kms key id is required")
	}

	out, err := client.GetPublicKey(ctx, &kms.GetPublicKeyInput{KeyId: aws.String(keyId)})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get public key for key %s", keyId)
	}

	pub, err := x509.ParsePKIXPublicKey(out.PublicKey)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse public key for key %s", keyId)
	}

	var algorithm types.SigningAlgorithmSpec
	switch pub.(type) {
	case *rsa.PublicKey:
		algorithm = types.SigningAlgorithmSpecRsassaPkcs1V15Sha256
	case *ecdsa.PublicKey:
		algorithm = types.SigningAlgorithmSpecEcdsaSha256
	default:
		return nil, fmt.Errorf("key %s has unsupported public key type %T", keyId, pub)
	}

	logger.Sugar().Infow("Loaded KMS request signing key",
		"keyId", keyId,
		"algorithm", string(algorithm),
	)

	return &KMSSigner{
		logger:    logger,
		client:    client,
		keyId:     keyId,
		publicKey: pub,
		algorithm: algorithm,
	}, nil
}

func (k *KMSSigner) Public() crypto.PublicKey {
	return k.publicKey
}

// Sign implements crypto.Signer without a deadline. Prefer SignContext.
func (k *KMSSigner) Sign(_ io.Reader, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	return k.SignContext(context.Background(), digest, opts)
}

// SignContext asks KMS to sign a SHA-256 digest
func (k *KMSSigner) SignContext(ctx context.Context, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	if opts != nil && opts.HashFunc() != crypto.SHA256 {
		return nil, fmt.Errorf("unsupported hash %v, only SHA-256 is supported", opts.HashFunc())
	}
	if len(digest) != 32 {
		return nil, fmt.Errorf("digest must be exactly 32 bytes, got %d", len(digest))
	}

	out, err := k.client.Sign(ctx, &kms.SignInput{
		KeyId:            aws.String(k.keyId),
		Message:          digest,
		MessageType:      types.MessageTypeDigest,
		SigningAlgorithm: k.algorithm,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to sign with key %s", k.keyId)
	}

	k.logger.Debug("Signed request digest with KMS", zap.String("keyId", k.keyId))
	return out.Signature, nil
}
