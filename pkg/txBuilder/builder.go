// Package txBuilder drives instruction sources through the assembler and
// compiler and wraps the result in a custodial signing request.
package txBuilder

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/gagliardetto/solana-go"
	"go.uber.org/zap"

	"github.com/Layr-Labs/custody-tx-go/pkg/adapters"
	"github.com/Layr-Labs/custody-tx-go/pkg/assembler"
	"github.com/Layr-Labs/custody-tx-go/pkg/compiler"
	"github.com/Layr-Labs/custody-tx-go/pkg/txErrors"
	"github.com/Layr-Labs/custody-tx-go/pkg/types"
)

// LedgerReader is the slice of the ledger client the builder needs
type LedgerReader interface {
	LatestBlockhash(ctx context.Context) (solana.Hash, error)
	GetLookupTables(ctx context.Context, addresses []solana.PublicKey) ([]types.AddressLookupTable, error)
}

// Config configures a Builder
type Config struct {
	VaultID  string
	Chain    string
	FeePayer solana.PublicKey
	PushMode types.PushMode
	Ledger   LedgerReader
	Logger   *zap.Logger

	// Version forces a message version; empty picks legacy or v0 from the tables
	Version compiler.Version
}

// Builder produces SubmissionRequests from instruction sources
type Builder struct {
	vaultID  string
	chain    string
	feePayer solana.PublicKey
	pushMode types.PushMode
	ledger   LedgerReader
	logger   *zap.Logger
	version  compiler.Version
}

// Built is the output of one build
type Built struct {
	Request      *types.SubmissionRequest
	Message      *compiler.Message
	Assembled    *types.AssembledInstructions
	LookupTables []types.AddressLookupTable
}

// NewBuilder creates a builder
func NewBuilder(config *Config) (*Builder, error) {
	if config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if config.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if config.Ledger == nil {
		return nil, fmt.Errorf("ledger reader is required")
	}
	if config.VaultID == "" {
		return nil, fmt.Errorf("vault id is required")
	}
	if config.FeePayer.IsZero() {
		return nil, fmt.Errorf("fee payer is required")
	}
	pushMode := config.PushMode
	if pushMode == "" {
		pushMode = types.PushModeManual
	}
	chain := config.Chain
	if chain == "" {
		chain = "solana_mainnet"
	}
	return &Builder{
		vaultID:  config.VaultID,
		chain:    chain,
		feePayer: config.FeePayer,
		pushMode: pushMode,
		ledger:   config.Ledger,
		logger:   config.Logger,
		version:  config.Version,
	}, nil
}

// FeePayer returns the account paying for built transactions
func (b *Builder) FeePayer() solana.PublicKey { return b.feePayer }

// Build collects the sources, assembles and compiles them against a freshly
// fetched blockhash and returns the serialized message request.
func (b *Builder) Build(ctx context.Context, note string, sources []adapters.ISource, opts ...assembler.Option) (*Built, error) {
	sets, err := adapters.Collect(ctx, sources...)
	if err != nil {
		return nil, err
	}

	assembled, err := assembler.Assemble(sets, opts...)
	if err != nil {
		return nil, err
	}
	if err := checkTipPayer(assembled, b.feePayer); err != nil {
		return nil, err
	}

	var tables []types.AddressLookupTable
	if len(assembled.LookupTableAddresses) > 0 {
		if tables, err = b.ledger.GetLookupTables(ctx, assembled.LookupTableAddresses); err != nil {
			return nil, err
		}
	}

	// fetched last so the hash is as fresh as possible when the custodian signs
	blockhash, err := b.ledger.LatestBlockhash(ctx)
	if err != nil {
		return nil, err
	}

	var compileOpts []compiler.CompileOption
	if b.version != "" {
		compileOpts = append(compileOpts, compiler.WithVersion(b.version))
	}
	msg, err := compiler.Compile(b.feePayer, assembled, blockhash, tables, compileOpts...)
	if err != nil {
		return nil, err
	}
	data, err := compiler.Serialize(msg)
	if err != nil {
		return nil, err
	}

	b.logger.Sugar().Infow("Built transaction message",
		"version", msg.Version,
		"instructions", len(assembled.Entries),
		"roles", assembled.Roles(),
		"lookupTables", len(msg.AddressTableLookups),
		"blockhash", blockhash.String(),
	)

	return &Built{
		Request:      NewSerializedMessageRequest(b.vaultID, note, b.chain, b.pushMode, data),
		Message:      msg,
		Assembled:    assembled,
		LookupTables: tables,
	}, nil
}

// checkTipPayer requires every tip instruction to be funded by the fee
// payer, i.e. its first account is the fee payer as a signer
func checkTipPayer(assembled *types.AssembledInstructions, feePayer solana.PublicKey) error {
	for _, e := range assembled.Entries {
		if e.Role != types.RoleTip {
			continue
		}
		accounts := e.Instruction.Accounts
		if len(accounts) == 0 || accounts[0].PublicKey != feePayer || !accounts[0].IsSigner {
			return txErrors.New(txErrors.KindInvalidInput, "txBuilder.Build", "tip from %s is not funded by fee payer %s", e.Source, feePayer)
		}
	}
	return nil
}

// BuildTransfer returns a native transfer request that the custodian builds
// and signs itself
func (b *Builder) BuildTransfer(note string, to solana.PublicKey, lamports uint64) (*types.SubmissionRequest, error) {
	if to.IsZero() {
		return nil, txErrors.New(txErrors.KindInvalidInput, "txBuilder.BuildTransfer", "recipient is required")
	}
	if lamports == 0 {
		return nil, txErrors.New(txErrors.KindInvalidInput, "txBuilder.BuildTransfer", "amount must be positive")
	}
	return NewTransferRequest(b.vaultID, note, b.chain, b.pushMode, to, lamports), nil
}

// NewSerializedMessageRequest wraps a base64 message in a signing request
func NewSerializedMessageRequest(vaultID, note, chain string, pushMode types.PushMode, data string) *types.SubmissionRequest {
	return &types.SubmissionRequest{
		VaultID:    vaultID,
		Note:       note,
		SignerType: types.SignerTypeAPISigner,
		SignMode:   types.SignModeAuto,
		Type:       types.RequestTypeSolanaTransaction,
		Details: types.RequestDetails{
			Type:     types.DetailsTypeSerializedMessage,
			PushMode: pushMode,
			Data:     data,
			Chain:    chain,
		},
		WaitForState: types.WaitForStateSigned,
	}
}

// NewTransferRequest builds a native lamport transfer request
func NewTransferRequest(vaultID, note, chain string, pushMode types.PushMode, to solana.PublicKey, lamports uint64) *types.SubmissionRequest {
	return &types.SubmissionRequest{
		VaultID:    vaultID,
		Note:       note,
		SignerType: types.SignerTypeAPISigner,
		SignMode:   types.SignModeAuto,
		Type:       types.RequestTypeSolanaTransaction,
		Details: types.RequestDetails{
			Type:     types.DetailsTypeTransfer,
			PushMode: pushMode,
			To:       to.String(),
			Value: &types.TransferValue{
				Type:  "value",
				Value: strconv.FormatUint(lamports, 10),
			},
			AssetIdentifier: &types.AssetIdentifier{
				Type: "solana",
				Details: types.AssetDetails{
					Type:  "native",
					Chain: chain,
				},
			},
		},
		WaitForState: types.WaitForStateSigned,
	}
}

// SaveRequest writes req as indented JSON so it can be signed later
func SaveRequest(path string, req *types.SubmissionRequest) error {
	data, err := json.MarshalIndent(req, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write request file: %w", err)
	}
	return nil
}

// LoadRequest reads a request written by SaveRequest
func LoadRequest(path string) (*types.SubmissionRequest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, txErrors.Wrap(txErrors.KindInvalidInput, "txBuilder.LoadRequest", err)
	}
	var req types.SubmissionRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, txErrors.Wrap(txErrors.KindInvalidInput, "txBuilder.LoadRequest", fmt.Errorf("invalid request file: %w", err))
	}
	if req.VaultID == "" || req.Details.Type == "" {
		return nil, txErrors.New(txErrors.KindInvalidInput, "txBuilder.LoadRequest", "request file %s is missing vault_id or details.type", path)
	}
	return &req, nil
}
