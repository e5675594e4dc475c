package main

import (
	"fmt"
	"log"
	"os"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"

	"github.com/Layr-Labs/custody-tx-go/pkg/config"
)

// EnvFile names an env file loaded before flags are parsed
const EnvFile = "CUSTODY_TX_ENV_FILE"

func main() {
	if err := loadEnvFile(); err != nil {
		log.Fatalf("Failed to load env file: %v", err)
	}

	app := &cli.App{
		Name:  "custody-tx",
		Usage: "Build Solana transactions, sign them through a custodial API signer and broadcast them",
		Description: `custody-tx assembles a transaction from instruction sources, asks the
custodial signing service to sign it with the vault key and sends the signed
transaction directly to a ledger node or through a block engine relay.

Commands that build a transaction accept --out to write the custodial request
to a file instead of submitting it; "sign" and "push" then run the remaining
steps separately.`,
		Version:  "0.1.0",
		Flags:    globalFlags(),
		Commands: commands(),
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatalf("Application error: %v", err)
	}
}

// loadEnvFile loads .env, or the file named by CUSTODY_TX_ENV_FILE, without
// overriding variables already set
func loadEnvFile() error {
	path := os.Getenv(EnvFile)
	if path == "" {
		if _, err := os.Stat(".env"); err != nil {
			return nil
		}
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

func globalFlags() []cli.Flag {
	defaults := config.DefaultPipelineConfig()
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "api-url",
			Usage:   "Custodial signing API base URL",
			Value:   defaults.Custody.BaseURL,
			EnvVars: []string{config.EnvCustodyAPIURL},
		},
		&cli.StringFlag{
			Name:    "access-token",
			Usage:   "Bearer access token of the API user",
			EnvVars: []string{config.EnvCustodyAccessToken, config.EnvFordefiAPIToken},
		},
		&cli.StringFlag{
			Name:    "vault-id",
			Usage:   "Custodial vault holding the signing key",
			EnvVars: []string{config.EnvCustodyVaultID, config.EnvFordefiVaultID},
		},
		&cli.StringFlag{
			Name:    "vault-address",
			Usage:   "Solana address of the vault, used as fee payer",
			EnvVars: []string{config.EnvCustodyVaultAddress, config.EnvFordefiSolanaAddress},
		},
		&cli.StringFlag{
			Name:    "signer-key",
			Usage:   "PEM private key of the API signer",
			EnvVars: []string{config.EnvSignerKeyPath},
		},
		&cli.StringFlag{
			Name:    "signer-kms-key-id",
			Usage:   "AWS KMS key holding the API signer key, instead of --signer-key",
			EnvVars: []string{config.EnvSignerKMSKeyID},
		},
		&cli.StringFlag{
			Name:    "aws-region",
			Usage:   "AWS region of the KMS key",
			EnvVars: []string{config.EnvAWSRegion},
		},
		&cli.StringFlag{
			Name:    "push-mode",
			Usage:   "manual returns the signed transaction for broadcast, auto has the custodian broadcast it",
			Value:   string(defaults.Custody.PushMode),
			EnvVars: []string{config.EnvPushMode},
		},
		&cli.BoolFlag{
			Name:  "create-and-wait",
			Usage: "Use the blocking create endpoint instead of create then poll",
			Value: defaults.Custody.CreateAndWait,
		},
		&cli.DurationFlag{
			Name:  "poll-timeout",
			Usage: "How long to wait for the custodian to sign",
			Value: defaults.Custody.PollTimeout,
		},
		&cli.StringFlag{
			Name:    "rpc-url",
			Aliases: []string{"rpc"},
			Usage:   "Solana JSON-RPC endpoint for reads and direct broadcast (default: public endpoint of --chain)",
			EnvVars: []string{config.EnvLedgerRPCURL},
		},
		&cli.StringFlag{
			Name:    "chain",
			Usage:   fmt.Sprintf("Chain name: %v", config.GetSupportedChains()),
			Value:   string(defaults.Ledger.Chain),
			EnvVars: []string{config.EnvLedgerChain},
		},
		&cli.StringFlag{
			Name:    "relay-region",
			Usage:   fmt.Sprintf("Block engine region: %s", config.GetSupportedRegionsString()),
			Value:   string(defaults.Relay.Region),
			EnvVars: []string{config.EnvRelayRegion},
		},
		&cli.StringFlag{
			Name:    "relay-url",
			Usage:   "Block engine base URL, overrides --relay-region",
			EnvVars: []string{config.EnvRelayURL},
		},
		&cli.Uint64Flag{
			Name:    "tip-lamports",
			Usage:   "Relay tip in lamports",
			Value:   defaults.Relay.TipLamports,
			EnvVars: []string{config.EnvRelayTipLamports},
		},
		&cli.StringFlag{
			Name:    "tip-account",
			Usage:   "Relay tip account, discovered from the relay when empty",
			EnvVars: []string{config.EnvRelayTipAccount},
		},
		&cli.BoolFlag{
			Name:    "fallback-to-direct",
			Usage:   "Send directly to the ledger node when the relay rejects a transaction",
			Value:   defaults.Relay.FallbackToDirect,
			EnvVars: []string{config.EnvRelayFallback},
		},
		&cli.StringFlag{
			Name:    "broadcast-path",
			Aliases: []string{"path"},
			Usage:   "direct or relay",
			Value:   string(defaults.BroadcastPath),
			EnvVars: []string{config.EnvBroadcastPath},
		},
		&cli.Uint64Flag{
			Name:    "cu-price",
			Usage:   "Compute unit price in micro-lamports, 0 estimates it from recent fees",
			EnvVars: []string{config.EnvComputeUnitPrice},
		},
		&cli.UintFlag{
			Name:    "cu-limit",
			Usage:   "Compute unit limit, 0 leaves the limit to the runtime",
			EnvVars: []string{config.EnvComputeUnitLimit},
		},
		&cli.StringFlag{
			Name:    "persistence",
			Usage:   "Submission record store: memory, badger or redis",
			Value:   defaults.Persistence.Type,
			EnvVars: []string{config.EnvPersistenceType},
		},
		&cli.StringFlag{
			Name:    "badger-dir",
			Usage:   "Badger data directory",
			EnvVars: []string{config.EnvBadgerDir},
		},
		&cli.StringFlag{
			Name:    "redis-address",
			Usage:   "Redis address (host:port)",
			EnvVars: []string{config.EnvRedisAddress},
		},
		&cli.StringFlag{
			Name:    "redis-password",
			Usage:   "Redis password",
			EnvVars: []string{config.EnvRedisPassword},
		},
		&cli.IntFlag{
			Name:    "redis-db",
			Usage:   "Redis database number",
			EnvVars: []string{config.EnvRedisDB},
		},
		&cli.StringFlag{
			Name:    "jupiter-url",
			Usage:   "Jupiter API base URL",
			Value:   defaults.JupiterAPIURL,
			EnvVars: []string{config.EnvJupiterAPIURL},
		},
		&cli.BoolFlag{
			Name:    "verbose",
			Aliases: []string{"v"},
			Usage:   "Enable debug logging",
			EnvVars: []string{config.EnvDebug},
		},
	}
}

func commands() []*cli.Command {
	return []*cli.Command{
		{
			Name:  "transfer",
			Usage: "Transfer SOL from the vault",
			Flags: append([]cli.Flag{
				&cli.StringFlag{Name: "to", Usage: "Recipient address", Required: true},
				&cli.Uint64Flag{Name: "lamports", Usage: "Amount in lamports", Required: true},
				&cli.BoolFlag{Name: "native", Usage: "Let the custodian build and broadcast the transfer"},
			}, buildFlags()...),
			Action: transferCommand,
		},
		{
			Name:  "swap",
			Usage: "Swap tokens through Jupiter",
			Flags: append([]cli.Flag{
				&cli.StringFlag{Name: "input-mint", Usage: "Mint to sell", Required: true},
				&cli.StringFlag{Name: "output-mint", Usage: "Mint to buy", Required: true},
				&cli.Uint64Flag{Name: "amount", Usage: "Input amount in base units", Required: true},
				&cli.UintFlag{Name: "slippage-bps", Usage: "Slippage tolerance in basis points", Value: 50},
				&cli.IntFlag{Name: "max-accounts", Usage: "Account limit for the route", Value: 32},
				&cli.BoolFlag{Name: "direct-routes", Usage: "Only quote single-hop routes"},
			}, buildFlags()...),
			Action: swapCommand,
		},
		{
			Name:  "liquidity",
			Usage: "Submit liquidity venue instructions staged by the venue SDK",
			Flags: append([]cli.Flag{
				&cli.StringSliceFlag{Name: "instructions", Usage: "Staged instruction file, repeatable", Required: true},
				&cli.BoolFlag{Name: "venue-compute-budget", Usage: "Keep only the venue's compute budget instructions"},
			}, buildFlags()...),
			Action: liquidityCommand,
		},
		{
			Name:  "rebalance",
			Usage: "Swap a two-token portfolio back to its target weight",
			Flags: append([]cli.Flag{
				&cli.StringFlag{Name: "base-mint", Usage: "Token whose weight is managed", Required: true},
				&cli.StringFlag{Name: "quote-mint", Usage: "Token the base is priced in", Required: true},
				&cli.Float64Flag{Name: "target", Usage: "Target share of value in the base token", Value: 0.5},
				&cli.Float64Flag{Name: "tolerance", Usage: "Allowed drift before trading", Value: 0.05},
				&cli.UintFlag{Name: "base-decimals", Usage: "Base token decimals", Value: 6},
				&cli.UintFlag{Name: "quote-decimals", Usage: "Quote token decimals", Value: 6},
				&cli.Float64Flag{Name: "min-delta", Usage: "Smallest base token change worth trading"},
				&cli.UintFlag{Name: "slippage-bps", Usage: "Slippage tolerance in basis points", Value: 500},
				&cli.BoolFlag{Name: "dry-run", Usage: "Print the trade without building it"},
			}, buildFlags()...),
			Action: rebalanceCommand,
		},
		{
			Name:  "sign",
			Usage: "Send a saved request to the custodian and wait for the signature",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "request", Usage: "Request file written with --out", Value: "serialized_tx.json"},
				&cli.StringFlag{Name: "out", Usage: "File for the signed submission", Value: "tx_to_broadcast.json"},
				&cli.BoolFlag{Name: "broadcast", Usage: "Broadcast right after signing"},
			},
			Action: signCommand,
		},
		{
			Name:  "push",
			Usage: "Broadcast a transaction the custodian already signed",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "tx-id", Usage: "Custodial transaction id"},
				&cli.StringFlag{Name: "submission-id", Usage: "Stored submission to rebroadcast"},
			},
			Action: pushCommand,
		},
		{
			Name:  "status",
			Usage: "Show a custodial transaction and its ledger status, or list stored submissions",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "tx-id", Usage: "Custodial transaction id"},
				&cli.StringSliceFlag{Name: "state", Usage: "List stored submissions in these states"},
			},
			Action: statusCommand,
		},
		{
			Name:  "batch",
			Usage: "Sign and broadcast several saved requests concurrently",
			Flags: []cli.Flag{
				&cli.StringSliceFlag{Name: "request", Usage: "Request file, repeatable", Required: true},
				&cli.IntFlag{Name: "concurrency", Usage: "Submissions in flight", Value: 4},
			},
			Action: batchCommand,
		},
	}
}

func buildFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "note", Usage: "Note attached to the custodial request"},
		&cli.StringFlag{Name: "out", Usage: "Write the custodial request to this file instead of submitting it"},
	}
}
