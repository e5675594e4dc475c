package adapters

import (
	"context"

	"github.com/gagliardetto/solana-go"
	computebudget "github.com/gagliardetto/solana-go/programs/compute-budget"

	"github.com/Layr-Labs/custody-tx-go/pkg/types"
)

// DefaultComputeUnitLimit is the limit used by the transfer command
const DefaultComputeUnitLimit uint32 = 100_000

// ComputeBudgetProgramID owns the compute unit price and limit instructions
var ComputeBudgetProgramID = solana.MustPublicKeyFromBase58("ComputeBudget111111111111111111111111111111")

// PriorityFeeEstimator suggests a compute unit price in micro-lamports
type PriorityFeeEstimator interface {
	EstimatePriorityFee(ctx context.Context, writableAccounts []solana.PublicKey) (uint64, error)
}

// ComputeBudgetSource sets the compute unit price followed by the compute
// unit limit. A zero UnitPrice is estimated with Estimator when one is set and
// a zero UnitLimit omits the limit instruction.
type ComputeBudgetSource struct {
	UnitPrice uint64
	UnitLimit uint32

	Estimator        PriorityFeeEstimator
	EstimateAccounts []solana.PublicKey
}

func (s *ComputeBudgetSource) Name() string { return "computeBudget" }

func (s *ComputeBudgetSource) Build(ctx context.Context) ([]types.InstructionSet, error) {
	price := s.UnitPrice
	if price == 0 && s.Estimator != nil {
		estimate, err := s.Estimator.EstimatePriorityFee(ctx, s.EstimateAccounts)
		if err != nil {
			return nil, err
		}
		price = estimate
	}

	priceIx, err := types.NewInstruction(computebudget.NewSetComputeUnitPriceInstruction(price).Build())
	if err != nil {
		return nil, err
	}
	if s.UnitLimit == 0 {
		return single(types.RoleComputeBudget, s.Name(), priceIx), nil
	}
	limitIx, err := types.NewInstruction(computebudget.NewSetComputeUnitLimitInstruction(s.UnitLimit).Build())
	if err != nil {
		return nil, err
	}
	return single(types.RoleComputeBudget, s.Name(), priceIx, limitIx), nil
}

// IsComputeBudget reports whether ix belongs to the compute budget program
func IsComputeBudget(ix types.Instruction) bool {
	return ix.ProgramID == ComputeBudgetProgramID
}
