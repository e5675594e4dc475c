package aws

import (
	"context"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"go.uber.org/zap"
)

const serviceAccountTokenPath = "/var/run/secrets/kubernetes.io/serviceaccount/token"

// LoadAWSConfig loads the default credential chain. Outside Kubernetes the
// shared profile from AWS_PROFILE (or "default") is used.
func LoadAWSConfig(ctx context.Context, regionOverride string) (aws.Config, error) {
	var options []func(*config.LoadOptions) error

	if !isInKubernetes() {
		options = append(options, config.WithSharedConfigProfile(getProfile()))
	}
	if regionOverride != "" {
		options = append(options, config.WithRegion(regionOverride))
	}

	cfg, err := config.LoadDefaultConfig(ctx, options...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return cfg, nil
}

func isInKubernetes() bool {
	_, err := os.Stat(serviceAccountTokenPath)
	return err == nil
}

func getProfile() string {
	if profile := os.Getenv("AWS_PROFILE"); profile != "" {
		return profile
	}
	return "default"
}

// GetCallerIdentity returns the principal the credentials in cfg resolve to
func GetCallerIdentity(ctx context.Context, cfg aws.Config) (*sts.GetCallerIdentityOutput, error) {
	return sts.NewFromConfig(cfg).GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
}

// LogCallerIdentity logs which principal will call KMS for the API signer
// key. A failed lookup is logged and otherwise ignored; the KMS call reports
// the real error.
func LogCallerIdentity(ctx context.Context, cfg aws.Config, keyID string, logger *zap.Logger) {
	identity, err := GetCallerIdentity(ctx, cfg)
	if err != nil {
		logger.Sugar().Warnw("Failed to resolve AWS caller identity", "kms_key_id", keyID, "error", err)
		return
	}
	logger.Sugar().Infow("Using AWS KMS request signer",
		"kms_key_id", keyID,
		"region", cfg.Region,
		"account", aws.ToString(identity.Account),
		"arn", aws.ToString(identity.Arn),
	)
}
