package main

import (
	"flag"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"

	"github.com/Layr-Labs/custody-tx-go/pkg/config"
	"github.com/Layr-Labs/custody-tx-go/pkg/types"
)

func newTestContext(t *testing.T, flags []cli.Flag, args ...string) *cli.Context {
	t.Helper()
	set := flag.NewFlagSet("test", flag.ContinueOnError)
	for _, f := range flags {
		require.NoError(t, f.Apply(set))
	}
	require.NoError(t, set.Parse(args))
	return cli.NewContext(&cli.App{Name: "custody-tx"}, set, nil)
}

func requiredArgs(extra ...string) []string {
	return append([]string{
		"--access-token", "token",
		"--vault-id", "vault-1",
		"--signer-key", "/keys/api-signer.pem",
	}, extra...)
}

func TestParseConfigDefaults(t *testing.T) {
	cfg, err := parseConfig(newTestContext(t, globalFlags(), requiredArgs()...))
	require.NoError(t, err)

	assert.Equal(t, config.DefaultCustodyAPIURL, cfg.Custody.BaseURL)
	assert.Equal(t, types.PushModeManual, cfg.Custody.PushMode)
	assert.Equal(t, types.BroadcastPathRelay, cfg.BroadcastPath)
	assert.Equal(t, config.DefaultRPCURLs[config.ChainName_SolanaMainnet], cfg.Ledger.RPCURL)
	assert.Equal(t, config.PersistenceTypeMemory, cfg.Persistence.Type)
	assert.True(t, cfg.Relay.FallbackToDirect)
}

func TestParseConfigChainSelectsRPC(t *testing.T) {
	cfg, err := parseConfig(newTestContext(t, globalFlags(), requiredArgs("--chain", "solana_devnet")...))
	require.NoError(t, err)
	assert.Equal(t, config.DefaultRPCURLs[config.ChainName_SolanaDevnet], cfg.Ledger.RPCURL)

	cfg, err = parseConfig(newTestContext(t, globalFlags(), requiredArgs("--chain", "solana_devnet", "--rpc-url", "http://localhost:8899")...))
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8899", cfg.Ledger.RPCURL)
}

func TestParseConfigOverrides(t *testing.T) {
	cfg, err := parseConfig(newTestContext(t, globalFlags(), requiredArgs(
		"--push-mode", "auto",
		"--broadcast-path", "direct",
		"--cu-price", "5000",
		"--cu-limit", "200000",
		"--persistence", "badger",
		"--badger-dir", t.TempDir(),
		"--verbose",
	)...))
	require.NoError(t, err)

	assert.Equal(t, types.PushModeAuto, cfg.Custody.PushMode)
	assert.Equal(t, types.BroadcastPathDirect, cfg.BroadcastPath)
	assert.Equal(t, uint64(5000), cfg.Fees.ComputeUnitPrice)
	assert.Equal(t, uint32(200000), cfg.Fees.ComputeUnitLimit)
	assert.Equal(t, config.PersistenceTypeBadger, cfg.Persistence.Type)
	assert.True(t, cfg.Debug)
}

func TestParseConfigInvalid(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{name: "missing credentials", args: nil},
		{name: "both signer sources", args: requiredArgs("--signer-kms-key-id", "alias/api-signer")},
		{name: "unknown chain", args: requiredArgs("--chain", "solana_testnet")},
		{name: "unknown path", args: requiredArgs("--broadcast-path", "carrier-pigeon")},
		{name: "badger without dir", args: requiredArgs("--persistence", "badger")},
		{name: "bad vault address", args: requiredArgs("--vault-address", "not-base58!")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseConfig(newTestContext(t, globalFlags(), tt.args...))
			assert.ErrorContains(t, err, "invalid configuration")
		})
	}
}

func TestPushRequiresExactlyOneTarget(t *testing.T) {
	pushFlags := []cli.Flag{
		&cli.StringFlag{Name: "tx-id"},
		&cli.StringFlag{Name: "submission-id"},
	}

	err := pushCommand(newTestContext(t, pushFlags))
	assert.ErrorContains(t, err, "exactly one")

	err = pushCommand(newTestContext(t, pushFlags, "--tx-id", "a", "--submission-id", "b"))
	assert.ErrorContains(t, err, "exactly one")
}

func TestBatchRejectsMissingRequestFile(t *testing.T) {
	batchFlags := []cli.Flag{
		&cli.StringSliceFlag{Name: "request"},
		&cli.IntFlag{Name: "concurrency", Value: 4},
	}
	missing := filepath.Join(t.TempDir(), "missing.json")

	err := batchCommand(newTestContext(t, batchFlags, "--request", missing))
	assert.ErrorContains(t, err, missing)
}
