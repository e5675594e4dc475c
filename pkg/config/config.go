package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/Layr-Labs/custody-tx-go/pkg/retry"
	"github.com/Layr-Labs/custody-tx-go/pkg/types"
	"github.com/gagliardetto/solana-go"
	"k8s.io/apimachinery/pkg/util/validation/field"
)

// Environment variable names for pipeline configuration
const (
	EnvCustodyAPIURL       = "CUSTODY_API_URL"
	EnvCustodyAccessToken  = "CUSTODY_ACCESS_TOKEN"
	EnvCustodyVaultID      = "CUSTODY_VAULT_ID"
	EnvCustodyVaultAddress = "CUSTODY_VAULT_ADDRESS"
	EnvSignerKeyPath       = "CUSTODY_SIGNER_KEY_PATH"
	EnvSignerKMSKeyID      = "CUSTODY_SIGNER_KMS_KEY_ID"
	EnvAWSRegion           = "AWS_REGION"
	EnvPushMode            = "CUSTODY_PUSH_MODE"

	EnvLedgerRPCURL = "SOLANA_RPC_URL"
	EnvLedgerChain  = "SOLANA_CHAIN"

	EnvRelayRegion      = "RELAY_REGION"
	EnvRelayURL         = "RELAY_URL"
	EnvRelayTipLamports = "RELAY_TIP_LAMPORTS"
	EnvRelayTipAccount  = "RELAY_TIP_ACCOUNT"
	EnvRelayFallback    = "RELAY_FALLBACK_TO_DIRECT"
	EnvBroadcastPath    = "BROADCAST_PATH"

	EnvComputeUnitPrice = "COMPUTE_UNIT_PRICE"
	EnvComputeUnitLimit = "COMPUTE_UNIT_LIMIT"

	EnvPersistenceType = "PERSISTENCE_TYPE"
	EnvBadgerDir       = "BADGER_DIR"
	EnvRedisAddress    = "REDIS_ADDRESS"
	EnvRedisPassword   = "REDIS_PASSWORD"
	EnvRedisDB         = "REDIS_DB"

	EnvJupiterAPIURL = "JUPITER_API_URL"
	EnvDebug         = "CUSTODY_TX_DEBUG"
)

// Variable names used by existing Fordefi operator scripts, accepted as fallbacks
const (
	EnvFordefiAPIToken      = "FORDEFI_API_TOKEN"
	EnvFordefiVaultID       = "VAULT_ID"
	EnvFordefiSolanaAddress = "FORDEFI_SOLANA_ADDRESS"
)

type ChainName string

const (
	ChainName_SolanaMainnet ChainName = "solana_mainnet"
	ChainName_SolanaDevnet  ChainName = "solana_devnet"
)

// DefaultRPCURLs are the public endpoints used when no RPC URL is configured
var DefaultRPCURLs = map[ChainName]string{
	ChainName_SolanaMainnet: "https://api.mainnet-beta.solana.com",
	ChainName_SolanaDevnet:  "https://api.devnet.solana.com",
}

// RelayRegion names a block engine deployment
type RelayRegion string

const (
	RelayRegion_Mainnet   RelayRegion = "mainnet"
	RelayRegion_Amsterdam RelayRegion = "amsterdam"
	RelayRegion_Frankfurt RelayRegion = "frankfurt"
	RelayRegion_NewYork   RelayRegion = "ny"
	RelayRegion_Tokyo     RelayRegion = "tokyo"
	RelayRegion_SaltLake  RelayRegion = "slc"
)

var RelayRegionHosts = map[RelayRegion]string{
	RelayRegion_Mainnet:   "mainnet.block-engine.jito.wtf",
	RelayRegion_Amsterdam: "amsterdam.mainnet.block-engine.jito.wtf",
	RelayRegion_Frankfurt: "frankfurt.mainnet.block-engine.jito.wtf",
	RelayRegion_NewYork:   "ny.mainnet.block-engine.jito.wtf",
	RelayRegion_Tokyo:     "tokyo.mainnet.block-engine.jito.wtf",
	RelayRegion_SaltLake:  "slc.mainnet.block-engine.jito.wtf",
}

const (
	PersistenceTypeMemory = "memory"
	PersistenceTypeBadger = "badger"
	PersistenceTypeRedis  = "redis"
)

const (
	DefaultCustodyAPIURL = "https://api.fordefi.com"
	DefaultJupiterAPIURL = "https://api.jup.ag"
	DefaultTipLamports   = 1000
)

// CustodyConfig configures the custodial signing service client
type CustodyConfig struct {
	BaseURL     string `json:"base_url"`
	AccessToken string `json:"-"`
	VaultID     string `json:"vault_id"`
	// VaultAddress is the vault's Solana address, used as fee payer
	VaultAddress string `json:"vault_address"`

	// Exactly one of SignerKeyPath and SignerKMSKeyID must be set
	SignerKeyPath  string `json:"signer_key_path"`
	SignerKMSKeyID string `json:"signer_kms_key_id"`
	AWSRegion      string `json:"aws_region"`

	PushMode types.PushMode `json:"push_mode"`
	// CreateAndWait uses the blocking create endpoint instead of create then poll
	CreateAndWait bool `json:"create_and_wait"`

	RequestTimeout time.Duration `json:"request_timeout"`
	PollInterval   time.Duration `json:"poll_interval"`
	PollTimeout    time.Duration `json:"poll_timeout"`

	// RateLimit is requests per second, RateBurst the bucket size
	RateLimit float64 `json:"rate_limit"`
	RateBurst int     `json:"rate_burst"`
}

// LedgerConfig configures ledger reads and the direct broadcast path
type LedgerConfig struct {
	RPCURL         string        `json:"rpc_url"`
	Chain          ChainName     `json:"chain"`
	RequestTimeout time.Duration `json:"request_timeout"`
}

// RelayConfig configures the block engine relay path
type RelayConfig struct {
	Region RelayRegion `json:"region"`
	// URL overrides the region's host, e.g. for tests
	URL         string `json:"url"`
	TipLamports uint64 `json:"tip_lamports"`
	// TipAccount pins the tip recipient instead of discovering one
	TipAccount       string        `json:"tip_account"`
	FallbackToDirect bool          `json:"fallback_to_direct"`
	RequestTimeout   time.Duration `json:"request_timeout"`
}

// BaseURL returns the relay endpoint root
func (r *RelayConfig) BaseURL() string {
	if r.URL != "" {
		return r.URL
	}
	return "https://" + RelayRegionHosts[r.Region]
}

// FeeConfig configures the compute budget instructions
type FeeConfig struct {
	// ComputeUnitPrice in micro-lamports; 0 estimates from recent fees
	ComputeUnitPrice uint64 `json:"compute_unit_price"`
	// ComputeUnitLimit of 0 omits the limit instruction
	ComputeUnitLimit uint32 `json:"compute_unit_limit"`
}

type RedisConfig struct {
	Address   string `json:"address"`
	Password  string `json:"-"`
	DB        int    `json:"db"`
	KeyPrefix string `json:"key_prefix"`
}

// PersistenceConfig selects the local submission record cache
type PersistenceConfig struct {
	Type      string      `json:"type"`
	BadgerDir string      `json:"badger_dir"`
	Redis     RedisConfig `json:"redis"`
}

// PipelineConfig is built once at startup and shared read-only
type PipelineConfig struct {
	Custody       CustodyConfig       `json:"custody"`
	Ledger        LedgerConfig        `json:"ledger"`
	Relay         RelayConfig         `json:"relay"`
	Fees          FeeConfig           `json:"fees"`
	Persistence   PersistenceConfig   `json:"persistence"`
	BroadcastPath types.BroadcastPath `json:"broadcast_path"`
	JupiterAPIURL string              `json:"jupiter_api_url"`
	Retry         retry.RetryConfig   `json:"retry"`
	Debug         bool                `json:"debug"`
}

// DefaultPipelineConfig returns a config with every optional field defaulted
func DefaultPipelineConfig() *PipelineConfig {
	return &PipelineConfig{
		Custody: CustodyConfig{
			BaseURL:        DefaultCustodyAPIURL,
			PushMode:       types.PushModeManual,
			CreateAndWait:  true,
			RequestTimeout: 60 * time.Second,
			PollInterval:   2 * time.Second,
			PollTimeout:    2 * time.Minute,
			RateLimit:      5,
			RateBurst:      5,
		},
		Ledger: LedgerConfig{
			RPCURL:         DefaultRPCURLs[ChainName_SolanaMainnet],
			Chain:          ChainName_SolanaMainnet,
			RequestTimeout: 30 * time.Second,
		},
		Relay: RelayConfig{
			Region:           RelayRegion_Mainnet,
			TipLamports:      DefaultTipLamports,
			FallbackToDirect: true,
			RequestTimeout:   30 * time.Second,
		},
		Persistence: PersistenceConfig{
			Type: PersistenceTypeMemory,
			Redis: RedisConfig{
				KeyPrefix: "custody-tx:",
			},
		},
		BroadcastPath: types.BroadcastPathRelay,
		JupiterAPIURL: DefaultJupiterAPIURL,
		Retry:         retry.DefaultRetryConfig,
	}
}

// Validate validates the pipeline configuration
func (c *PipelineConfig) Validate() error {
	var allErrors field.ErrorList

	allErrors = append(allErrors, c.Custody.validate(field.NewPath("custody"))...)
	allErrors = append(allErrors, c.Ledger.validate(field.NewPath("ledger"))...)

	relayPath := field.NewPath("relay")
	if c.Relay.URL != "" {
		allErrors = append(allErrors, validateURL(relayPath.Child("url"), c.Relay.URL)...)
	} else if _, ok := RelayRegionHosts[c.Relay.Region]; !ok {
		allErrors = append(allErrors, field.NotSupported(relayPath.Child("region"), c.Relay.Region, supportedRegions()))
	}
	if c.Relay.TipAccount != "" {
		if _, err := solana.PublicKeyFromBase58(c.Relay.TipAccount); err != nil {
			allErrors = append(allErrors, field.Invalid(relayPath.Child("tipAccount"), c.Relay.TipAccount, err.Error()))
		}
	}
	if c.Relay.RequestTimeout <= 0 {
		allErrors = append(allErrors, field.Invalid(relayPath.Child("requestTimeout"), c.Relay.RequestTimeout.String(), "must be positive"))
	}

	bpPath := field.NewPath("broadcastPath")
	switch c.BroadcastPath {
	case types.BroadcastPathDirect:
	case types.BroadcastPathRelay:
		if c.Relay.TipLamports == 0 {
			allErrors = append(allErrors, field.Invalid(relayPath.Child("tipLamports"), c.Relay.TipLamports, "relay path requires a tip"))
		}
	default:
		allErrors = append(allErrors, field.NotSupported(bpPath, c.BroadcastPath, []types.BroadcastPath{types.BroadcastPathDirect, types.BroadcastPathRelay}))
	}

	persistPath := field.NewPath("persistence")
	switch c.Persistence.Type {
	case PersistenceTypeMemory:
	case PersistenceTypeBadger:
		if c.Persistence.BadgerDir == "" {
			allErrors = append(allErrors, field.Required(persistPath.Child("badgerDir"), "badgerDir is required for badger persistence"))
		}
	case PersistenceTypeRedis:
		if c.Persistence.Redis.Address == "" {
			allErrors = append(allErrors, field.Required(persistPath.Child("redis", "address"), "address is required for redis persistence"))
		}
	default:
		allErrors = append(allErrors, field.NotSupported(persistPath.Child("type"), c.Persistence.Type,
			[]string{PersistenceTypeMemory, PersistenceTypeBadger, PersistenceTypeRedis}))
	}

	if c.JupiterAPIURL != "" {
		allErrors = append(allErrors, validateURL(field.NewPath("jupiterApiUrl"), c.JupiterAPIURL)...)
	}

	if c.Retry.MaxAttempts < 1 {
		allErrors = append(allErrors, field.Invalid(field.NewPath("retry", "maxAttempts"), c.Retry.MaxAttempts, "must be at least 1"))
	}

	if len(allErrors) > 0 {
		return allErrors.ToAggregate()
	}
	return nil
}

func (cc *CustodyConfig) validate(path *field.Path) field.ErrorList {
	var allErrors field.ErrorList

	if cc.BaseURL == "" {
		allErrors = append(allErrors, field.Required(path.Child("baseUrl"), "baseUrl is required"))
	} else {
		allErrors = append(allErrors, validateURL(path.Child("baseUrl"), cc.BaseURL)...)
	}
	if cc.AccessToken == "" {
		allErrors = append(allErrors, field.Required(path.Child("accessToken"), "accessToken is required"))
	}
	if cc.VaultID == "" {
		allErrors = append(allErrors, field.Required(path.Child("vaultId"), "vaultId is required"))
	}
	if cc.VaultAddress != "" {
		if _, err := solana.PublicKeyFromBase58(cc.VaultAddress); err != nil {
			allErrors = append(allErrors, field.Invalid(path.Child("vaultAddress"), cc.VaultAddress, err.Error()))
		}
	}

	switch {
	case cc.SignerKeyPath == "" && cc.SignerKMSKeyID == "":
		allErrors = append(allErrors, field.Required(path.Child("signerKeyPath"), "one of signerKeyPath or signerKmsKeyId is required"))
	case cc.SignerKeyPath != "" && cc.SignerKMSKeyID != "":
		allErrors = append(allErrors, field.Invalid(path.Child("signerKmsKeyId"), cc.SignerKMSKeyID, "cannot be combined with signerKeyPath"))
	}

	switch cc.PushMode {
	case types.PushModeManual, types.PushModeAuto:
	default:
		allErrors = append(allErrors, field.NotSupported(path.Child("pushMode"), cc.PushMode, []types.PushMode{types.PushModeManual, types.PushModeAuto}))
	}

	if cc.RequestTimeout <= 0 {
		allErrors = append(allErrors, field.Invalid(path.Child("requestTimeout"), cc.RequestTimeout.String(), "must be positive"))
	}
	if cc.PollInterval <= 0 {
		allErrors = append(allErrors, field.Invalid(path.Child("pollInterval"), cc.PollInterval.String(), "must be positive"))
	}
	if cc.PollTimeout < cc.PollInterval {
		allErrors = append(allErrors, field.Invalid(path.Child("pollTimeout"), cc.PollTimeout.String(), "must be at least pollInterval"))
	}
	if cc.RateLimit <= 0 {
		allErrors = append(allErrors, field.Invalid(path.Child("rateLimit"), cc.RateLimit, "must be positive"))
	}
	if cc.RateBurst < 1 {
		allErrors = append(allErrors, field.Invalid(path.Child("rateBurst"), cc.RateBurst, "must be at least 1"))
	}
	return allErrors
}

func (lc *LedgerConfig) validate(path *field.Path) field.ErrorList {
	var allErrors field.ErrorList
	if _, ok := DefaultRPCURLs[lc.Chain]; !ok {
		allErrors = append(allErrors, field.NotSupported(path.Child("chain"), lc.Chain, GetSupportedChains()))
	}
	if lc.RPCURL == "" {
		allErrors = append(allErrors, field.Required(path.Child("rpcUrl"), "rpcUrl is required"))
	} else {
		allErrors = append(allErrors, validateURL(path.Child("rpcUrl"), lc.RPCURL)...)
	}
	if lc.RequestTimeout <= 0 {
		allErrors = append(allErrors, field.Invalid(path.Child("requestTimeout"), lc.RequestTimeout.String(), "must be positive"))
	}
	return allErrors
}

func validateURL(path *field.Path, raw string) field.ErrorList {
	u, err := url.Parse(raw)
	if err != nil {
		return field.ErrorList{field.Invalid(path, raw, err.Error())}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return field.ErrorList{field.Invalid(path, raw, "scheme must be http or https")}
	}
	if u.Host == "" {
		return field.ErrorList{field.Invalid(path, raw, "host is required")}
	}
	return nil
}

// GetSupportedChains returns all supported chain names
func GetSupportedChains() []ChainName {
	return []ChainName{ChainName_SolanaMainnet, ChainName_SolanaDevnet}
}

func supportedRegions() []RelayRegion {
	return []RelayRegion{
		RelayRegion_Mainnet,
		RelayRegion_Amsterdam,
		RelayRegion_Frankfurt,
		RelayRegion_NewYork,
		RelayRegion_Tokyo,
		RelayRegion_SaltLake,
	}
}

// GetSupportedRegionsString returns supported relay regions for CLI help
func GetSupportedRegionsString() string {
	return fmt.Sprintf("%v", supportedRegions())
}
