package adapters

import (
	"context"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"

	"github.com/Layr-Labs/custody-tx-go/pkg/txErrors"
	"github.com/Layr-Labs/custody-tx-go/pkg/types"
)

// TipAccountProvider picks a relay tip account
type TipAccountProvider interface {
	RandomTipAccount(ctx context.Context) (solana.PublicKey, error)
}

// TipSource pays the relay tip as a system transfer from Payer. When Account
// is zero a tip account is requested from Provider.
type TipSource struct {
	Payer    solana.PublicKey
	Lamports uint64
	Account  solana.PublicKey
	Provider TipAccountProvider
}

func (s *TipSource) Name() string { return "tip" }

func (s *TipSource) Build(ctx context.Context) ([]types.InstructionSet, error) {
	if s.Payer.IsZero() {
		return nil, txErrors.New(txErrors.KindInvalidInput, "tip", "payer is required")
	}
	if s.Lamports == 0 {
		return nil, txErrors.New(txErrors.KindInvalidInput, "tip", "tip amount must be positive")
	}

	account := s.Account
	if account.IsZero() {
		if s.Provider == nil {
			return nil, txErrors.New(txErrors.KindInvalidInput, "tip", "no tip account and no provider")
		}
		var err error
		if account, err = s.Provider.RandomTipAccount(ctx); err != nil {
			return nil, err
		}
	}

	ix, err := types.NewInstruction(system.NewTransferInstruction(s.Lamports, s.Payer, account).Build())
	if err != nil {
		return nil, err
	}
	return single(types.RoleTip, s.Name(), ix), nil
}
