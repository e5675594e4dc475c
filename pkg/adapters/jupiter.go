package adapters

import (
	"context"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"go.uber.org/zap"

	"github.com/Layr-Labs/custody-tx-go/pkg/clients/jupiterClient"
	"github.com/Layr-Labs/custody-tx-go/pkg/txErrors"
	"github.com/Layr-Labs/custody-tx-go/pkg/types"
)

// JupiterSwapSource quotes a route and converts the aggregator's instruction
// groups into role tagged sets. The swap and any other instructions form the
// core set.
type JupiterSwapSource struct {
	Client jupiterClient.IJupiterClient
	Logger *zap.Logger

	Quote *jupiterClient.QuoteRequest
	User  solana.PublicKey

	// SkipComputeBudget drops the aggregator's compute budget instructions so
	// a separate compute budget source can own the role
	SkipComputeBudget bool

	lastQuote *jupiterClient.Quote
}

func (s *JupiterSwapSource) Name() string { return "jupiter" }

// LastQuote returns the quote used by the most recent successful Build
func (s *JupiterSwapSource) LastQuote() *jupiterClient.Quote { return s.lastQuote }

func (s *JupiterSwapSource) Build(ctx context.Context) ([]types.InstructionSet, error) {
	if s.Client == nil || s.Quote == nil {
		return nil, txErrors.New(txErrors.KindInvalidInput, "jupiter", "client and quote request are required")
	}
	if s.User.IsZero() {
		return nil, txErrors.New(txErrors.KindInvalidInput, "jupiter", "user is required")
	}

	quote, err := s.Client.GetQuote(ctx, s.Quote)
	if err != nil {
		return nil, err
	}
	if s.Logger != nil {
		s.Logger.Sugar().Infow("Received swap quote",
			"inputMint", quote.InputMint,
			"outputMint", quote.OutputMint,
			"inAmount", quote.InAmount,
			"outAmount", quote.OutAmount,
			"priceImpactPct", quote.PriceImpactPct,
		)
	}

	ixs, err := s.Client.GetSwapInstructions(ctx, quote, s.User)
	if err != nil {
		return nil, err
	}
	if ixs.SwapInstruction == nil {
		return nil, txErrors.New(txErrors.KindMissingCoreInstruction, "jupiter", "no swap instruction returned")
	}

	tables := make([]solana.PublicKey, 0, len(ixs.AddressLookupTableAddresses))
	for _, addr := range ixs.AddressLookupTableAddresses {
		key, err := solana.PublicKeyFromBase58(addr)
		if err != nil {
			return nil, txErrors.Wrap(txErrors.KindInvalidInput, "jupiter", fmt.Errorf("invalid lookup table %q: %w", addr, err))
		}
		tables = append(tables, key)
	}

	var sets []types.InstructionSet
	add := func(role types.Role, wire []types.WireInstruction) error {
		decoded, err := decodeWire(wire)
		if err != nil {
			return err
		}
		sets = append(sets, types.InstructionSet{Role: role, Source: s.Name(), Instructions: decoded})
		return nil
	}

	if !s.SkipComputeBudget {
		if err := add(types.RoleComputeBudget, ixs.ComputeBudgetInstructions); err != nil {
			return nil, err
		}
	}
	if err := add(types.RoleSetup, ixs.SetupInstructions); err != nil {
		return nil, err
	}
	core := append([]types.WireInstruction{*ixs.SwapInstruction}, ixs.OtherInstructions...)
	if err := add(types.RoleCore, core); err != nil {
		return nil, err
	}
	if ixs.CleanupInstruction != nil {
		if err := add(types.RoleCleanup, []types.WireInstruction{*ixs.CleanupInstruction}); err != nil {
			return nil, err
		}
	}

	// the core set carries the tables so they survive even if other roles are empty
	for i := range sets {
		if sets[i].Role == types.RoleCore {
			sets[i].LookupTableAddresses = tables
		}
	}

	s.lastQuote = quote
	return sets, nil
}

func decodeWire(wire []types.WireInstruction) ([]types.Instruction, error) {
	out := make([]types.Instruction, 0, len(wire))
	for i := range wire {
		ix, err := wire[i].ToInstruction()
		if err != nil {
			return nil, txErrors.Wrap(txErrors.KindInvalidInput, "adapters.decode", fmt.Errorf("instruction %d: %w", i, err))
		}
		out = append(out, ix)
	}
	return out, nil
}
