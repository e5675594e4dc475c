// Package rebalance decides the swap that brings a two-token portfolio back
// to a target weight.
package rebalance

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/gagliardetto/solana-go"
	"golang.org/x/sync/errgroup"

	"github.com/Layr-Labs/custody-tx-go/pkg/clients/jupiterClient"
	"github.com/Layr-Labs/custody-tx-go/pkg/clients/ledgerClient"
	"github.com/Layr-Labs/custody-tx-go/pkg/txErrors"
)

const (
	DefaultSlippageBps  = 500
	DefaultMaxAccounts  = 32
	DefaultMinBaseDelta = 0.000001
)

// ErrEmptyPortfolio is returned when neither token has any value
var ErrEmptyPortfolio = errors.New("portfolio has no value to rebalance")

// Side is the direction of a rebalancing trade relative to the base token
type Side string

const (
	SideSellBase Side = "sell_base"
	SideBuyBase  Side = "buy_base"
)

// Policy describes the target allocation. Balances and prices are in UI
// units; the price is quote tokens per base token.
type Policy struct {
	BaseMint  solana.PublicKey
	QuoteMint solana.PublicKey

	// TargetFraction is the desired share of total value held in the base token
	TargetFraction float64
	// Tolerance is the absolute drift from TargetFraction left alone
	Tolerance float64

	BaseDecimals  uint8
	QuoteDecimals uint8

	// MinBaseDelta skips trades smaller than this many base tokens
	MinBaseDelta float64

	SlippageBps uint16
	MaxAccounts int
}

// Holdings is a portfolio snapshot
type Holdings struct {
	BaseBalance  float64
	BasePrice    float64
	QuoteBalance float64
}

// Trade is the swap Evaluate decided on
type Trade struct {
	Side       Side
	InputMint  solana.PublicKey
	OutputMint solana.PublicKey
	// Amount is in input mint base units
	Amount uint64

	// BaseDelta is the signed change in base tokens the trade aims for
	BaseDelta       float64
	CurrentFraction float64
	TotalValue      float64

	SlippageBps uint16
	MaxAccounts int
}

// Validate checks the policy bounds
func (p *Policy) Validate() error {
	op := "rebalance policy"
	switch {
	case p.TargetFraction < 0 || p.TargetFraction > 1:
		return txErrors.New(txErrors.KindInvalidInput, op, "target fraction %v must be within [0, 1]", p.TargetFraction)
	case p.Tolerance < 0 || p.Tolerance >= 1:
		return txErrors.New(txErrors.KindInvalidInput, op, "tolerance %v must be within [0, 1)", p.Tolerance)
	case p.MinBaseDelta < 0:
		return txErrors.New(txErrors.KindInvalidInput, op, "minimum base delta must not be negative")
	case p.BaseDecimals > 18 || p.QuoteDecimals > 18:
		return txErrors.New(txErrors.KindInvalidInput, op, "token decimals above 18 are not supported")
	case !p.BaseMint.IsZero() && p.BaseMint == p.QuoteMint:
		return txErrors.New(txErrors.KindInvalidInput, op, "base and quote mint are the same")
	}
	return nil
}

// Evaluate returns the trade that restores the target fraction, or nil when
// the portfolio is within tolerance or the trade is below MinBaseDelta
func (p *Policy) Evaluate(h Holdings) (*Trade, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if h.BaseBalance < 0 || h.QuoteBalance < 0 || h.BasePrice < 0 {
		return nil, txErrors.New(txErrors.KindInvalidInput, "rebalance", "balances and price must not be negative")
	}
	if h.BaseBalance > 0 && h.BasePrice == 0 {
		return nil, txErrors.New(txErrors.KindInvalidInput, "rebalance", "base price is required to value a base balance")
	}

	baseValue := h.BaseBalance * h.BasePrice
	total := baseValue + h.QuoteBalance
	if total == 0 {
		return nil, ErrEmptyPortfolio
	}
	if h.BasePrice == 0 {
		return nil, txErrors.New(txErrors.KindInvalidInput, "rebalance", "base price is required to size a trade")
	}

	ratio := baseValue / total
	if math.Abs(ratio-p.TargetFraction) < p.Tolerance {
		return nil, nil
	}

	desired := total * p.TargetFraction / h.BasePrice
	delta := desired - h.BaseBalance
	minDelta := p.MinBaseDelta
	if minDelta == 0 {
		minDelta = DefaultMinBaseDelta
	}
	if math.Abs(delta) < minDelta {
		return nil, nil
	}

	t := &Trade{
		BaseDelta:       delta,
		CurrentFraction: ratio,
		TotalValue:      total,
		SlippageBps:     p.SlippageBps,
		MaxAccounts:     p.MaxAccounts,
	}
	if t.SlippageBps == 0 {
		t.SlippageBps = DefaultSlippageBps
	}
	if t.MaxAccounts == 0 {
		t.MaxAccounts = DefaultMaxAccounts
	}

	if delta < 0 {
		t.Side = SideSellBase
		t.InputMint, t.OutputMint = p.BaseMint, p.QuoteMint
		t.Amount = toBaseUnits(-delta, p.BaseDecimals)
	} else {
		t.Side = SideBuyBase
		t.InputMint, t.OutputMint = p.QuoteMint, p.BaseMint
		t.Amount = toBaseUnits(delta*h.BasePrice, p.QuoteDecimals)
	}
	if t.Amount == 0 {
		return nil, nil
	}
	return t, nil
}

// QuoteRequest returns the swap quote request for the trade
func (t *Trade) QuoteRequest() *jupiterClient.QuoteRequest {
	return &jupiterClient.QuoteRequest{
		InputMint:   t.InputMint,
		OutputMint:  t.OutputMint,
		Amount:      t.Amount,
		SlippageBps: t.SlippageBps,
		MaxAccounts: t.MaxAccounts,
	}
}

func (t *Trade) String() string {
	return fmt.Sprintf("%s %d units of %s for %s (base delta %.6f, current fraction %.4f)",
		t.Side, t.Amount, t.InputMint, t.OutputMint, t.BaseDelta, t.CurrentFraction)
}

// toBaseUnits truncates amount to whole base units. The small bias absorbs
// float error below one unit, e.g. 0.3 * 1e6.
func toBaseUnits(amount float64, decimals uint8) uint64 {
	scaled := amount * math.Pow10(int(decimals))
	if scaled <= 0 {
		return 0
	}
	return uint64(math.Floor(scaled + 1e-6))
}

// BalanceReader reads token balances
type BalanceReader interface {
	GetTokenBalance(ctx context.Context, owner, mint solana.PublicKey) (*ledgerClient.TokenBalance, error)
}

// PriceReader reads a token price in the quote token
type PriceReader interface {
	GetPrice(ctx context.Context, mint solana.PublicKey) (float64, error)
}

// FetchHoldings reads owner's base and quote balances and the base price
// concurrently
func FetchHoldings(ctx context.Context, balances BalanceReader, prices PriceReader, owner solana.PublicKey, p *Policy) (*Holdings, error) {
	var h Holdings
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		b, err := balances.GetTokenBalance(gctx, owner, p.BaseMint)
		if err != nil {
			return fmt.Errorf("failed to read base balance: %w", err)
		}
		h.BaseBalance = b.UIAmount()
		return nil
	})
	g.Go(func() error {
		b, err := balances.GetTokenBalance(gctx, owner, p.QuoteMint)
		if err != nil {
			return fmt.Errorf("failed to read quote balance: %w", err)
		}
		h.QuoteBalance = b.UIAmount()
		return nil
	})
	g.Go(func() error {
		price, err := prices.GetPrice(gctx, p.BaseMint)
		if err != nil {
			return fmt.Errorf("failed to read base price: %w", err)
		}
		h.BasePrice = price
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return &h, nil
}
