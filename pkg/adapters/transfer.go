package adapters

import (
	"context"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"

	"github.com/Layr-Labs/custody-tx-go/pkg/txErrors"
	"github.com/Layr-Labs/custody-tx-go/pkg/types"
)

// TransferSource moves native lamports as the core instruction
type TransferSource struct {
	From     solana.PublicKey
	To       solana.PublicKey
	Lamports uint64
}

func (s *TransferSource) Name() string { return "transfer" }

func (s *TransferSource) Build(context.Context) ([]types.InstructionSet, error) {
	if s.From.IsZero() || s.To.IsZero() {
		return nil, txErrors.New(txErrors.KindInvalidInput, "transfer", "sender and recipient are required")
	}
	if s.Lamports == 0 {
		return nil, txErrors.New(txErrors.KindInvalidInput, "transfer", "amount must be positive")
	}
	ix, err := types.NewInstruction(system.NewTransferInstruction(s.Lamports, s.From, s.To).Build())
	if err != nil {
		return nil, err
	}
	return single(types.RoleCore, s.Name(), ix), nil
}
