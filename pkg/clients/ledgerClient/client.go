// Package ledgerClient reads chain state the pipeline needs: the recent
// blockhash, address lookup tables, signature statuses, priority fees and
// token balances.
package ledgerClient

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/gagliardetto/solana-go"
	addresslookuptable "github.com/gagliardetto/solana-go/programs/address-lookup-table"
	"github.com/gagliardetto/solana-go/rpc"
	"go.uber.org/zap"

	"github.com/Layr-Labs/custody-tx-go/pkg/retry"
	"github.com/Layr-Labs/custody-tx-go/pkg/txErrors"
	"github.com/Layr-Labs/custody-tx-go/pkg/types"
)

// DefaultFeePercentile is the percentile of recent prioritization fees used
// as the compute unit price estimate
const DefaultFeePercentile = 75

// ILedgerClient is the ledger read surface used by the builder and pipeline
type ILedgerClient interface {
	LatestBlockhash(ctx context.Context) (solana.Hash, error)
	GetLookupTables(ctx context.Context, addresses []solana.PublicKey) ([]types.AddressLookupTable, error)
	GetSignatureStatus(ctx context.Context, signature solana.Signature) (*SignatureStatus, error)
	EstimatePriorityFee(ctx context.Context, writableAccounts []solana.PublicKey) (uint64, error)
	GetTokenBalance(ctx context.Context, owner, mint solana.PublicKey) (*TokenBalance, error)
}

// SignatureStatus is the ledger's view of one transaction signature
type SignatureStatus struct {
	Found              bool
	Slot               uint64
	ConfirmationStatus string
	Err                interface{}
}

// Landed reports whether the transaction was included without error
func (s *SignatureStatus) Landed() bool {
	return s != nil && s.Found && s.Err == nil
}

// TokenBalance is an SPL token balance in base units
type TokenBalance struct {
	Account  solana.PublicKey
	Amount   uint64
	Decimals uint8
}

// UIAmount returns the balance scaled by the mint decimals
func (b *TokenBalance) UIAmount() float64 {
	if b == nil {
		return 0
	}
	v := float64(b.Amount)
	for i := uint8(0); i < b.Decimals; i++ {
		v /= 10
	}
	return v
}

// ClientConfig holds the configuration for the ledger client
type ClientConfig struct {
	RPCURL         string
	Logger         *zap.Logger
	RequestTimeout time.Duration
	Retry          retry.RetryConfig
	Commitment     rpc.CommitmentType
	FeePercentile  int
}

// Client reads from a Solana JSON-RPC endpoint
type Client struct {
	rpc            *rpc.Client
	logger         *zap.Logger
	requestTimeout time.Duration
	retry          retry.RetryConfig
	commitment     rpc.CommitmentType
	feePercentile  int
}

var _ ILedgerClient = (*Client)(nil)

// RecentPrioritizationFee is one getRecentPrioritizationFees sample
type RecentPrioritizationFee struct {
	Slot              uint64 `json:"slot"`
	PrioritizationFee uint64 `json:"prioritizationFee"`
}

// NewClient creates a new ledger client
func NewClient(config *ClientConfig) (*Client, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if config.RPCURL == "" {
		return nil, fmt.Errorf("RPC URL is required")
	}
	if config.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	c := &Client{
		rpc:            rpc.New(config.RPCURL),
		logger:         config.Logger,
		requestTimeout: config.RequestTimeout,
		retry:          config.Retry,
		commitment:     config.Commitment,
		feePercentile:  config.FeePercentile,
	}
	if c.requestTimeout <= 0 {
		c.requestTimeout = 15 * time.Second
	}
	if c.retry.MaxAttempts == 0 {
		c.retry = retry.DefaultRetryConfig
	}
	if c.commitment == "" {
		c.commitment = rpc.CommitmentFinalized
	}
	if c.feePercentile <= 0 || c.feePercentile > 100 {
		c.feePercentile = DefaultFeePercentile
	}
	return c, nil
}

func (c *Client) read(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	return retry.Do(ctx, c.retry, retry.StageReadOnly, func(ctx context.Context, attempt int) error {
		callCtx, cancel := context.WithTimeout(ctx, c.requestTimeout)
		defer cancel()

		if err := fn(callCtx); err != nil {
			var txErr *txErrors.Error
			if errors.As(err, &txErr) {
				return err
			}
			c.logger.Sugar().Debugw("Ledger read failed", "op", op, "attempt", attempt, "error", err)
			return txErrors.Wrap(txErrors.KindNetwork, op, err)
		}
		return nil
	})
}

// LatestBlockhash fetches the most recent blockhash. Callers compile
// immediately after this returns.
func (c *Client) LatestBlockhash(ctx context.Context) (solana.Hash, error) {
	var hash solana.Hash
	err := c.read(ctx, "get latest blockhash", func(ctx context.Context) error {
		res, err := c.rpc.GetLatestBlockhash(ctx, c.commitment)
		if err != nil {
			return err
		}
		if res == nil || res.Value == nil {
			return fmt.Errorf("empty blockhash response")
		}
		hash = res.Value.Blockhash
		return nil
	})
	if err != nil {
		return solana.Hash{}, err
	}
	c.logger.Sugar().Debugw("Fetched latest blockhash", "blockhash", hash.String())
	return hash, nil
}

// GetLookupTables fetches and decodes each address lookup table. A table that
// does not exist is an UnresolvedAddress error.
func (c *Client) GetLookupTables(ctx context.Context, addresses []solana.PublicKey) ([]types.AddressLookupTable, error) {
	tables := make([]types.AddressLookupTable, 0, len(addresses))
	for _, addr := range addresses {
		op := "get lookup table " + addr.String()
		var table types.AddressLookupTable
		err := c.read(ctx, op, func(ctx context.Context) error {
			res, err := c.rpc.GetAccountInfo(ctx, addr)
			if errors.Is(err, rpc.ErrNotFound) || (err == nil && (res == nil || res.Value == nil)) {
				return txErrors.New(txErrors.KindUnresolvedAddress, op, "lookup table account not found")
			}
			if err != nil {
				return err
			}
			state, err := addresslookuptable.DecodeAddressLookupTableState(res.GetBinary())
			if err != nil {
				return txErrors.Wrap(txErrors.KindUnresolvedAddress, op, err)
			}
			table = types.AddressLookupTable{Key: addr, Addresses: append([]solana.PublicKey(nil), state.Addresses...)}
			return nil
		})
		if err != nil {
			return nil, err
		}
		c.logger.Sugar().Debugw("Fetched lookup table", "table", addr.String(), "addresses", len(table.Addresses))
		tables = append(tables, table)
	}
	return tables, nil
}

// GetSignatureStatus looks the signature up including transaction history
func (c *Client) GetSignatureStatus(ctx context.Context, signature solana.Signature) (*SignatureStatus, error) {
	status := &SignatureStatus{}
	err := c.read(ctx, "get signature status", func(ctx context.Context) error {
		res, err := c.rpc.GetSignatureStatuses(ctx, true, signature)
		if err != nil {
			return err
		}
		if res == nil || len(res.Value) == 0 || res.Value[0] == nil {
			status = &SignatureStatus{}
			return nil
		}
		v := res.Value[0]
		status = &SignatureStatus{
			Found:              true,
			Slot:               v.Slot,
			ConfirmationStatus: string(v.ConfirmationStatus),
			Err:                v.Err,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return status, nil
}

// EstimatePriorityFee returns a compute unit price in micro-lamports from the
// configured percentile of recent prioritization fees paid by transactions
// that locked the given accounts
func (c *Client) EstimatePriorityFee(ctx context.Context, writableAccounts []solana.PublicKey) (uint64, error) {
	accounts := make([]string, 0, len(writableAccounts))
	for _, a := range writableAccounts {
		accounts = append(accounts, a.String())
	}

	var fees []RecentPrioritizationFee
	err := c.read(ctx, "get recent prioritization fees", func(ctx context.Context) error {
		fees = nil
		return c.rpc.RPCCallForInto(ctx, &fees, "getRecentPrioritizationFees", []interface{}{accounts})
	})
	if err != nil {
		return 0, err
	}

	estimate := PercentileFee(fees, c.feePercentile)
	c.logger.Sugar().Infow("Estimated priority fee",
		"samples", len(fees),
		"percentile", c.feePercentile,
		"micro_lamports", estimate,
	)
	return estimate, nil
}

// PercentileFee returns the p-th percentile of the fees, 0 for no samples
func PercentileFee(fees []RecentPrioritizationFee, p int) uint64 {
	if len(fees) == 0 {
		return 0
	}
	values := make([]uint64, 0, len(fees))
	for _, f := range fees {
		values = append(values, f.PrioritizationFee)
	}
	sort.Slice(values, func(i, j int) bool { return values[i] < values[j] })

	idx := (len(values)*p + 99) / 100
	if idx > 0 {
		idx--
	}
	if idx >= len(values) {
		idx = len(values) - 1
	}
	return values[idx]
}

// GetTokenBalance returns owner's balance of mint from its first token
// account. An owner with no token account has a zero balance.
func (c *Client) GetTokenBalance(ctx context.Context, owner, mint solana.PublicKey) (*TokenBalance, error) {
	op := "get token balance"
	var account solana.PublicKey
	found := false
	err := c.read(ctx, op, func(ctx context.Context) error {
		res, err := c.rpc.GetTokenAccountsByOwner(ctx, owner,
			&rpc.GetTokenAccountsConfig{Mint: &mint},
			&rpc.GetTokenAccountsOpts{Encoding: solana.EncodingBase64},
		)
		if err != nil {
			return err
		}
		found = res != nil && len(res.Value) > 0
		if found {
			account = res.Value[0].Pubkey
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return &TokenBalance{}, nil
	}

	balance := &TokenBalance{Account: account}
	err = c.read(ctx, op, func(ctx context.Context) error {
		res, err := c.rpc.GetTokenAccountBalance(ctx, account, c.commitment)
		if err != nil {
			return err
		}
		if res == nil || res.Value == nil {
			return fmt.Errorf("empty token balance response")
		}
		amount, err := strconv.ParseUint(res.Value.Amount, 10, 64)
		if err != nil {
			return txErrors.Wrap(txErrors.KindInvalidInput, op, err)
		}
		balance.Amount = amount
		balance.Decimals = res.Value.Decimals
		return nil
	})
	if err != nil {
		return nil, err
	}
	return balance, nil
}
