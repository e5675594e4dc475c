package main

import (
	"context"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	internalAws "github.com/Layr-Labs/custody-tx-go/internal/aws"
	"github.com/Layr-Labs/custody-tx-go/pkg/adapters"
	"github.com/Layr-Labs/custody-tx-go/pkg/clients/broadcaster"
	"github.com/Layr-Labs/custody-tx-go/pkg/clients/custodyClient"
	"github.com/Layr-Labs/custody-tx-go/pkg/clients/jupiterClient"
	"github.com/Layr-Labs/custody-tx-go/pkg/clients/ledgerClient"
	"github.com/Layr-Labs/custody-tx-go/pkg/config"
	"github.com/Layr-Labs/custody-tx-go/pkg/logger"
	"github.com/Layr-Labs/custody-tx-go/pkg/persistence"
	"github.com/Layr-Labs/custody-tx-go/pkg/persistence/badger"
	"github.com/Layr-Labs/custody-tx-go/pkg/persistence/memory"
	"github.com/Layr-Labs/custody-tx-go/pkg/persistence/redis"
	"github.com/Layr-Labs/custody-tx-go/pkg/requestSigner"
	"github.com/Layr-Labs/custody-tx-go/pkg/requestSigner/awsKms"
	"github.com/Layr-Labs/custody-tx-go/pkg/submission"
	"github.com/Layr-Labs/custody-tx-go/pkg/txBuilder"
	"github.com/Layr-Labs/custody-tx-go/pkg/types"
)

// parseConfig maps flags and their environment variables onto a validated
// pipeline config
func parseConfig(c *cli.Context) (*config.PipelineConfig, error) {
	cfg := config.DefaultPipelineConfig()

	cfg.Custody.BaseURL = c.String("api-url")
	cfg.Custody.AccessToken = c.String("access-token")
	cfg.Custody.VaultID = c.String("vault-id")
	cfg.Custody.VaultAddress = c.String("vault-address")
	cfg.Custody.SignerKeyPath = c.String("signer-key")
	cfg.Custody.SignerKMSKeyID = c.String("signer-kms-key-id")
	cfg.Custody.AWSRegion = c.String("aws-region")
	cfg.Custody.PushMode = types.PushMode(c.String("push-mode"))
	cfg.Custody.CreateAndWait = c.Bool("create-and-wait")
	cfg.Custody.PollTimeout = c.Duration("poll-timeout")

	cfg.Ledger.Chain = config.ChainName(c.String("chain"))
	cfg.Ledger.RPCURL = c.String("rpc-url")
	if cfg.Ledger.RPCURL == "" {
		cfg.Ledger.RPCURL = config.DefaultRPCURLs[cfg.Ledger.Chain]
	}

	cfg.Relay.Region = config.RelayRegion(c.String("relay-region"))
	cfg.Relay.URL = c.String("relay-url")
	cfg.Relay.TipLamports = c.Uint64("tip-lamports")
	cfg.Relay.TipAccount = c.String("tip-account")
	cfg.Relay.FallbackToDirect = c.Bool("fallback-to-direct")
	cfg.BroadcastPath = types.BroadcastPath(c.String("broadcast-path"))

	cfg.Fees.ComputeUnitPrice = c.Uint64("cu-price")
	cfg.Fees.ComputeUnitLimit = uint32(c.Uint("cu-limit"))

	cfg.Persistence.Type = c.String("persistence")
	cfg.Persistence.BadgerDir = c.String("badger-dir")
	cfg.Persistence.Redis.Address = c.String("redis-address")
	cfg.Persistence.Redis.Password = c.String("redis-password")
	cfg.Persistence.Redis.DB = c.Int("redis-db")

	cfg.JupiterAPIURL = c.String("jupiter-url")
	cfg.Debug = c.Bool("verbose")

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// runtime holds the clients one command invocation needs
type runtime struct {
	cfg      *config.PipelineConfig
	logger   *zap.Logger
	custody  *custodyClient.Client
	ledger   *ledgerClient.Client
	jupiter  *jupiterClient.Client
	tips     *broadcaster.TipAccountClient
	relay    *broadcaster.Broadcaster
	direct   *broadcaster.Broadcaster
	store    persistence.ISubmissionStore
	pipeline *submission.Pipeline
}

func newRuntime(c *cli.Context) (*runtime, error) {
	cfg, err := parseConfig(c)
	if err != nil {
		return nil, err
	}

	l, err := logger.NewLogger(&logger.LoggerConfig{Debug: cfg.Debug})
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	rt := &runtime{cfg: cfg, logger: l}
	if err := rt.init(c.Context); err != nil {
		rt.Close()
		return nil, err
	}
	return rt, nil
}

func (rt *runtime) init(ctx context.Context) error {
	cfg := rt.cfg

	signer, err := rt.newRequestSigner(ctx)
	if err != nil {
		return err
	}

	rt.custody, err = custodyClient.NewClient(&custodyClient.ClientConfig{
		BaseURL:        cfg.Custody.BaseURL,
		AccessToken:    cfg.Custody.AccessToken,
		Signer:         signer,
		Logger:         rt.logger,
		CreateAndWait:  cfg.Custody.CreateAndWait,
		RequestTimeout: cfg.Custody.RequestTimeout,
		PollInterval:   cfg.Custody.PollInterval,
		PollTimeout:    cfg.Custody.PollTimeout,
		RateLimit:      cfg.Custody.RateLimit,
		RateBurst:      cfg.Custody.RateBurst,
		Retry:          cfg.Retry,
	})
	if err != nil {
		return fmt.Errorf("failed to create custody client: %w", err)
	}
	if exp := rt.custody.TokenExpiry(); !exp.IsZero() {
		rt.logger.Sugar().Debugw("Access token expiry", "expires_at", exp)
	}

	rt.ledger, err = ledgerClient.NewClient(&ledgerClient.ClientConfig{
		RPCURL:         cfg.Ledger.RPCURL,
		Logger:         rt.logger,
		RequestTimeout: cfg.Ledger.RequestTimeout,
		Retry:          cfg.Retry,
	})
	if err != nil {
		return fmt.Errorf("failed to create ledger client: %w", err)
	}

	rt.jupiter, err = jupiterClient.NewClient(&jupiterClient.ClientConfig{
		BaseURL: cfg.JupiterAPIURL,
		Logger:  rt.logger,
		Retry:   cfg.Retry,
	})
	if err != nil {
		return fmt.Errorf("failed to create jupiter client: %w", err)
	}

	rt.direct, err = broadcaster.NewDirect(ctx, cfg.Ledger.RPCURL, rt.logger, cfg.Ledger.RequestTimeout)
	if err != nil {
		return fmt.Errorf("failed to create direct broadcaster: %w", err)
	}
	rt.relay, err = broadcaster.NewRelay(ctx, cfg.Relay.BaseURL(), rt.logger, cfg.Relay.RequestTimeout)
	if err != nil {
		return fmt.Errorf("failed to create relay broadcaster: %w", err)
	}
	rt.tips, err = broadcaster.NewTipAccountClient(ctx, cfg.Relay.BaseURL(), rt.logger, cfg.Relay.RequestTimeout)
	if err != nil {
		return fmt.Errorf("failed to create tip account client: %w", err)
	}

	rt.store, err = newStore(&cfg.Persistence, rt.logger)
	if err != nil {
		return err
	}

	rt.pipeline, err = submission.NewPipeline(&submission.Config{
		Custody:          rt.custody,
		Ledger:           rt.ledger,
		Broadcasters:     []broadcaster.IBroadcaster{rt.relay, rt.direct},
		Store:            rt.store,
		Logger:           rt.logger,
		FallbackToDirect: cfg.Relay.FallbackToDirect,
	})
	if err != nil {
		return fmt.Errorf("failed to create pipeline: %w", err)
	}
	return nil
}

func (rt *runtime) newRequestSigner(ctx context.Context) (requestSigner.IRequestSigner, error) {
	cc := rt.cfg.Custody
	if cc.SignerKMSKeyID == "" {
		s, err := requestSigner.NewFromFile(cc.SignerKeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load API signer key: %w", err)
		}
		return s, nil
	}

	awsCfg, err := internalAws.LoadAWSConfig(ctx, cc.AWSRegion)
	if err != nil {
		return nil, err
	}
	internalAws.LogCallerIdentity(ctx, awsCfg, cc.SignerKMSKeyID, rt.logger)

	kmsSigner, err := awsKms.NewKMSSignerFromConfig(ctx, awsCfg, cc.SignerKMSKeyID, rt.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create KMS signer: %w", err)
	}
	s, err := requestSigner.NewCryptoRequestSigner(kmsSigner)
	if err != nil {
		return nil, fmt.Errorf("failed to create KMS request signer: %w", err)
	}
	return s, nil
}

func newStore(cfg *config.PersistenceConfig, l *zap.Logger) (persistence.ISubmissionStore, error) {
	switch cfg.Type {
	case config.PersistenceTypeBadger:
		store, err := badger.NewBadgerPersistence(cfg.BadgerDir, l)
		if err != nil {
			return nil, fmt.Errorf("failed to open badger store: %w", err)
		}
		return store, nil
	case config.PersistenceTypeRedis:
		store, err := redis.NewRedisPersistence(&redis.RedisConfig{
			Address:   cfg.Redis.Address,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
		}, l)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to redis store: %w", err)
		}
		return store, nil
	default:
		return memory.NewMemoryPersistence(l), nil
	}
}

// newBuilder returns a builder paying fees from the vault address
func (rt *runtime) newBuilder() (*txBuilder.Builder, error) {
	if rt.cfg.Custody.VaultAddress == "" {
		return nil, fmt.Errorf("--vault-address is required to build transactions")
	}
	feePayer, err := solana.PublicKeyFromBase58(rt.cfg.Custody.VaultAddress)
	if err != nil {
		return nil, fmt.Errorf("invalid vault address: %w", err)
	}
	return txBuilder.NewBuilder(&txBuilder.Config{
		VaultID:  rt.cfg.Custody.VaultID,
		Chain:    string(rt.cfg.Ledger.Chain),
		FeePayer: feePayer,
		PushMode: rt.cfg.Custody.PushMode,
		Ledger:   rt.ledger,
		Logger:   rt.logger,
	})
}

// tipSource returns the relay tip, or nil on the direct path
func (rt *runtime) tipSource(payer solana.PublicKey) (adapters.ISource, error) {
	if rt.cfg.BroadcastPath != types.BroadcastPathRelay || rt.cfg.Custody.PushMode == types.PushModeAuto {
		return nil, nil
	}
	src := &adapters.TipSource{Payer: payer, Lamports: rt.cfg.Relay.TipLamports, Provider: rt.tips}
	if rt.cfg.Relay.TipAccount != "" {
		account, err := solana.PublicKeyFromBase58(rt.cfg.Relay.TipAccount)
		if err != nil {
			return nil, fmt.Errorf("invalid tip account: %w", err)
		}
		src.Account = account
	}
	return src, nil
}

// computeBudgetSource prices the transaction from config, estimating the
// unit price from recent fees when none is set
func (rt *runtime) computeBudgetSource(payer solana.PublicKey) adapters.ISource {
	return &adapters.ComputeBudgetSource{
		UnitPrice:        rt.cfg.Fees.ComputeUnitPrice,
		UnitLimit:        rt.cfg.Fees.ComputeUnitLimit,
		Estimator:        rt.ledger,
		EstimateAccounts: []solana.PublicKey{payer},
	}
}

func (rt *runtime) Close() {
	if rt.relay != nil {
		rt.relay.Close()
	}
	if rt.direct != nil {
		rt.direct.Close()
	}
	if rt.tips != nil {
		rt.tips.Close()
	}
	if rt.store != nil {
		if err := rt.store.Close(); err != nil {
			rt.logger.Sugar().Warnw("Failed to close submission store", "error", err)
		}
	}
	_ = rt.logger.Sync()
}
