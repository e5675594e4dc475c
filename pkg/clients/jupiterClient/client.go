// Package jupiterClient fetches swap quotes, swap instructions and token
// prices from the Jupiter aggregator API.
package jupiterClient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	"go.uber.org/zap"

	"github.com/Layr-Labs/custody-tx-go/pkg/retry"
	"github.com/Layr-Labs/custody-tx-go/pkg/txErrors"
	"github.com/Layr-Labs/custody-tx-go/pkg/types"
)

const (
	PathQuote            = "/swap/v1/quote"
	PathSwapInstructions = "/swap/v1/swap-instructions"
	PathPrice            = "/price/v2"

	DefaultMaxAccounts = 32

	maxResponseBody = 4 << 20
)

// IJupiterClient is the aggregator surface used by the swap adapter and rebalancer
type IJupiterClient interface {
	GetQuote(ctx context.Context, req *QuoteRequest) (*Quote, error)
	GetSwapInstructions(ctx context.Context, quote *Quote, user solana.PublicKey) (*SwapInstructions, error)
	GetPrice(ctx context.Context, mint solana.PublicKey) (float64, error)
}

// QuoteRequest selects the swap to quote. Amount is in input mint base units.
type QuoteRequest struct {
	InputMint                  solana.PublicKey
	OutputMint                 solana.PublicKey
	Amount                     uint64
	SlippageBps                uint16
	MaxAccounts                int
	RestrictIntermediateTokens bool
	OnlyDirectRoutes           bool
}

// Quote is a route quote. Raw is sent back verbatim when requesting
// instructions.
type Quote struct {
	Raw                  json.RawMessage `json:"-"`
	InputMint            string          `json:"inputMint"`
	OutputMint           string          `json:"outputMint"`
	InAmount             string          `json:"inAmount"`
	OutAmount            string          `json:"outAmount"`
	OtherAmountThreshold string          `json:"otherAmountThreshold"`
	SlippageBps          int             `json:"slippageBps"`
	PriceImpactPct       string          `json:"priceImpactPct"`
}

// SwapInstructions is the swap-instructions response
type SwapInstructions struct {
	ComputeBudgetInstructions   []types.WireInstruction `json:"computeBudgetInstructions"`
	SetupInstructions           []types.WireInstruction `json:"setupInstructions"`
	SwapInstruction             *types.WireInstruction  `json:"swapInstruction"`
	CleanupInstruction          *types.WireInstruction  `json:"cleanupInstruction"`
	OtherInstructions           []types.WireInstruction `json:"otherInstructions"`
	AddressLookupTableAddresses []string                `json:"addressLookupTableAddresses"`
}

type swapInstructionsRequest struct {
	QuoteResponse json.RawMessage `json:"quoteResponse"`
	UserPublicKey string          `json:"userPublicKey"`
	MinimizeSteps bool            `json:"minimizeSteps"`
}

type priceResponse struct {
	Data map[string]*struct {
		ID    string      `json:"id"`
		Price json.Number `json:"price"`
	} `json:"data"`
}

// ClientConfig holds the configuration for the Jupiter client
type ClientConfig struct {
	BaseURL        string
	Logger         *zap.Logger
	HTTPClient     *http.Client
	RequestTimeout time.Duration
	Retry          retry.RetryConfig
}

// Client is a Jupiter API client
type Client struct {
	baseURL        string
	logger         *zap.Logger
	httpClient     *http.Client
	requestTimeout time.Duration
	retry          retry.RetryConfig
}

var _ IJupiterClient = (*Client)(nil)

// NewClient creates a new Jupiter client
func NewClient(config *ClientConfig) (*Client, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if config.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	base := strings.TrimRight(strings.TrimSpace(config.BaseURL), "/")
	u, err := url.Parse(base)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, fmt.Errorf("jupiter URL must be http(s), got %q", config.BaseURL)
	}

	c := &Client{
		baseURL:        base,
		logger:         config.Logger,
		httpClient:     config.HTTPClient,
		requestTimeout: config.RequestTimeout,
		retry:          config.Retry,
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{}
	}
	if c.requestTimeout <= 0 {
		c.requestTimeout = 15 * time.Second
	}
	if c.retry.MaxAttempts == 0 {
		c.retry = retry.DefaultRetryConfig
	}
	return c, nil
}

// GetQuote requests the best route for req
func (c *Client) GetQuote(ctx context.Context, req *QuoteRequest) (*Quote, error) {
	if req == nil || req.Amount == 0 {
		return nil, txErrors.New(txErrors.KindInvalidInput, "get quote", "amount must be positive")
	}
	if req.InputMint == req.OutputMint {
		return nil, txErrors.New(txErrors.KindInvalidInput, "get quote", "input and output mint are the same")
	}
	maxAccounts := req.MaxAccounts
	if maxAccounts <= 0 {
		maxAccounts = DefaultMaxAccounts
	}

	q := url.Values{}
	q.Set("inputMint", req.InputMint.String())
	q.Set("outputMint", req.OutputMint.String())
	q.Set("amount", strconv.FormatUint(req.Amount, 10))
	q.Set("slippageBps", strconv.FormatUint(uint64(req.SlippageBps), 10))
	q.Set("maxAccounts", strconv.Itoa(maxAccounts))
	q.Set("restrictIntermediateTokens", strconv.FormatBool(req.RestrictIntermediateTokens))
	q.Set("onlyDirectRoutes", strconv.FormatBool(req.OnlyDirectRoutes))

	raw, err := c.do(ctx, http.MethodGet, PathQuote+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	quote := &Quote{}
	if err := json.Unmarshal(raw, quote); err != nil {
		return nil, txErrors.Wrap(txErrors.KindInvalidInput, "decode quote", err)
	}
	quote.Raw = raw

	c.logger.Sugar().Infow("Received swap quote",
		"input_mint", quote.InputMint,
		"output_mint", quote.OutputMint,
		"in_amount", quote.InAmount,
		"out_amount", quote.OutAmount,
		"price_impact_pct", quote.PriceImpactPct,
	)
	return quote, nil
}

// GetSwapInstructions turns a quote into instructions for user
func (c *Client) GetSwapInstructions(ctx context.Context, quote *Quote, user solana.PublicKey) (*SwapInstructions, error) {
	if quote == nil || len(quote.Raw) == 0 {
		return nil, txErrors.New(txErrors.KindInvalidInput, "get swap instructions", "quote is required")
	}
	body, err := json.Marshal(swapInstructionsRequest{
		QuoteResponse: quote.Raw,
		UserPublicKey: user.String(),
		MinimizeSteps: true,
	})
	if err != nil {
		return nil, txErrors.Wrap(txErrors.KindInvalidInput, "get swap instructions", err)
	}

	raw, err := c.do(ctx, http.MethodPost, PathSwapInstructions, body)
	if err != nil {
		return nil, err
	}
	out := &SwapInstructions{}
	if err := json.Unmarshal(raw, out); err != nil {
		return nil, txErrors.Wrap(txErrors.KindInvalidInput, "decode swap instructions", err)
	}
	if out.SwapInstruction == nil {
		return nil, txErrors.New(txErrors.KindMissingCoreInstruction, "get swap instructions", "response has no swap instruction")
	}
	return out, nil
}

// GetPrice returns the USD price of mint
func (c *Client) GetPrice(ctx context.Context, mint solana.PublicKey) (float64, error) {
	q := url.Values{}
	q.Set("ids", mint.String())
	q.Set("showExtraInfo", "false")

	raw, err := c.do(ctx, http.MethodGet, PathPrice+"?"+q.Encode(), nil)
	if err != nil {
		return 0, err
	}
	var resp priceResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return 0, txErrors.Wrap(txErrors.KindInvalidInput, "decode price", err)
	}
	entry, ok := resp.Data[mint.String()]
	if !ok || entry == nil || entry.Price == "" {
		return 0, txErrors.New(txErrors.KindInvalidInput, "get price", "no price data for %s", mint)
	}
	price, err := entry.Price.Float64()
	if err != nil || price <= 0 {
		return 0, txErrors.New(txErrors.KindInvalidInput, "get price", "invalid price %q for %s", entry.Price, mint)
	}
	return price, nil
}

func (c *Client) do(ctx context.Context, method, pathAndQuery string, body []byte) ([]byte, error) {
	op := method + " " + strings.SplitN(pathAndQuery, "?", 2)[0]
	var out []byte
	err := retry.Do(ctx, c.retry, retry.StageReadOnly, func(ctx context.Context, attempt int) error {
		reqCtx, cancel := context.WithTimeout(ctx, c.requestTimeout)
		defer cancel()

		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(reqCtx, method, c.baseURL+pathAndQuery, reader)
		if err != nil {
			return txErrors.Wrap(txErrors.KindInvalidInput, op, err)
		}
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			c.logger.Sugar().Debugw("Jupiter request failed", "op", op, "attempt", attempt, "error", err)
			return txErrors.Wrap(txErrors.KindNetwork, op, err)
		}
		defer func() { _ = resp.Body.Close() }()

		respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
		if err != nil {
			return txErrors.Wrap(txErrors.KindNetwork, op, err)
		}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError {
			return txErrors.HTTP(txErrors.KindNetwork, op, resp.StatusCode, string(respBody))
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return txErrors.HTTP(txErrors.KindInvalidInput, op, resp.StatusCode, string(respBody))
		}
		out = respBody
		return nil
	})
	return out, err
}
