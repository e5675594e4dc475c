// Package broadcaster sends signed transactions to the ledger, either directly
// to an RPC node or through a block-engine relay. Both paths send the same
// JSON-RPC sendTransaction payload.
package broadcaster

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/rpc"
	"github.com/gagliardetto/solana-go"
	"go.uber.org/zap"

	"github.com/Layr-Labs/custody-tx-go/pkg/compiler"
	"github.com/Layr-Labs/custody-tx-go/pkg/txErrors"
	"github.com/Layr-Labs/custody-tx-go/pkg/types"
)

const (
	MethodSendTransaction = "sendTransaction"
	MethodGetTipAccounts  = "getTipAccounts"

	RelayTransactionsPath = "/api/v1/transactions"
	RelayBundlesPath      = "/api/v1/bundles"
)

var staleReferenceMessages = []string{
	"blockhash not found",
	"block height exceeded",
	"transaction expired",
}

var alreadyProcessedMessages = []string{
	"already been processed",
	"already processed",
}

// IBroadcaster sends a base64 signed transaction and returns its signature
type IBroadcaster interface {
	Name() string
	Path() types.BroadcastPath
	SendTransaction(ctx context.Context, rawTransaction string) (solana.Signature, error)
}

// Config holds the configuration for one broadcaster
type Config struct {
	Name           string
	URL            string
	Path           types.BroadcastPath
	Logger         *zap.Logger
	RequestTimeout time.Duration
	HTTPClient     *http.Client
}

// Broadcaster is a JSON-RPC sendTransaction client
type Broadcaster struct {
	name           string
	url            string
	path           types.BroadcastPath
	client         *rpc.Client
	logger         *zap.Logger
	requestTimeout time.Duration
}

var _ IBroadcaster = (*Broadcaster)(nil)

// NewBroadcaster dials the JSON-RPC endpoint at config.URL
func NewBroadcaster(ctx context.Context, config *Config) (*Broadcaster, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if config.URL == "" {
		return nil, fmt.Errorf("URL is required")
	}
	if config.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if config.Path != types.BroadcastPathDirect && config.Path != types.BroadcastPathRelay {
		return nil, fmt.Errorf("unsupported broadcast path %q", config.Path)
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	client, err := rpc.DialOptions(ctx, config.URL, rpc.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", config.URL, err)
	}

	b := &Broadcaster{
		name:           config.Name,
		url:            config.URL,
		path:           config.Path,
		client:         client,
		logger:         config.Logger,
		requestTimeout: config.RequestTimeout,
	}
	if b.name == "" {
		b.name = string(config.Path)
	}
	if b.requestTimeout <= 0 {
		b.requestTimeout = 30 * time.Second
	}
	return b, nil
}

// NewDirect returns a broadcaster that sends to a ledger RPC node
func NewDirect(ctx context.Context, rpcURL string, logger *zap.Logger, timeout time.Duration) (*Broadcaster, error) {
	return NewBroadcaster(ctx, &Config{
		Name:           "direct",
		URL:            rpcURL,
		Path:           types.BroadcastPathDirect,
		Logger:         logger,
		RequestTimeout: timeout,
	})
}

// NewRelay returns a broadcaster that sends through the relay at baseURL
func NewRelay(ctx context.Context, baseURL string, logger *zap.Logger, timeout time.Duration) (*Broadcaster, error) {
	return NewBroadcaster(ctx, &Config{
		Name:           "relay",
		URL:            strings.TrimRight(baseURL, "/") + RelayTransactionsPath,
		Path:           types.BroadcastPathRelay,
		Logger:         logger,
		RequestTimeout: timeout,
	})
}

func (b *Broadcaster) Name() string { return b.name }

func (b *Broadcaster) Path() types.BroadcastPath { return b.path }

// Close releases the underlying RPC client
func (b *Broadcaster) Close() {
	b.client.Close()
}

// SendTransaction submits rawTransaction once. It never retries: callers
// reconcile ambiguous failures against the ledger before sending again.
func (b *Broadcaster) SendTransaction(ctx context.Context, rawTransaction string) (solana.Signature, error) {
	op := "broadcast via " + b.name

	signed, err := compiler.DecodeSignedTransactionBase64(rawTransaction)
	if err != nil {
		return solana.Signature{}, txErrors.Wrap(txErrors.KindInvalidInput, op, err)
	}
	expected := signed.ID()

	callCtx, cancel := context.WithTimeout(ctx, b.requestTimeout)
	defer cancel()

	b.logger.Sugar().Infow("Sending transaction",
		"broadcaster", b.name,
		"path", b.path,
		"signature", expected.String(),
	)

	var result string
	err = b.client.CallContext(callCtx, &result, MethodSendTransaction, rawTransaction, map[string]string{"encoding": "base64"})
	if err != nil {
		if isAlreadyProcessed(err) {
			b.logger.Sugar().Infow("Transaction already processed", "broadcaster", b.name, "signature", expected.String())
			return expected, nil
		}
		return solana.Signature{}, classifySendError(op, err)
	}

	got, err := solana.SignatureFromBase58(result)
	if err != nil {
		b.logger.Sugar().Warnw("Broadcaster returned an unparseable signature",
			"broadcaster", b.name,
			"result", result,
			"error", err,
		)
		return expected, nil
	}
	if got != expected {
		b.logger.Sugar().Warnw("Broadcaster returned a different signature",
			"broadcaster", b.name,
			"expected", expected.String(),
			"got", got.String(),
		)
	}
	return expected, nil
}

func classifySendError(op string, err error) error {
	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) {
		e := txErrors.HTTP(txErrors.KindBroadcastFailed, op, httpErr.StatusCode, string(httpErr.Body))
		// a 5xx after the request was delivered may still have been forwarded
		e.Ambiguous = httpErr.StatusCode >= http.StatusInternalServerError
		e.Err = err
		return e
	}

	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		msg := strings.ToLower(rpcErr.Error())
		for _, m := range staleReferenceMessages {
			if strings.Contains(msg, m) {
				return &txErrors.Error{Kind: txErrors.KindStaleReference, Op: op, Detail: rpcErr.Error(), Err: err}
			}
		}
		return &txErrors.Error{
			Kind:   txErrors.KindBroadcastFailed,
			Op:     op,
			Detail: fmt.Sprintf("rpc error %d: %s", rpcErr.ErrorCode(), rpcErr.Error()),
			Err:    err,
		}
	}

	// timeouts and connection failures: the payload may or may not have left
	return &txErrors.Error{Kind: txErrors.KindNetwork, Op: op, Ambiguous: true, Err: err}
}

func isAlreadyProcessed(err error) bool {
	var rpcErr rpc.Error
	if !errors.As(err, &rpcErr) {
		return false
	}
	msg := strings.ToLower(rpcErr.Error())
	for _, m := range alreadyProcessedMessages {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// TipAccountClient discovers the relay's tip accounts
type TipAccountClient struct {
	client         *rpc.Client
	logger         *zap.Logger
	requestTimeout time.Duration
}

// NewTipAccountClient dials the bundles endpoint of the relay at baseURL
func NewTipAccountClient(ctx context.Context, baseURL string, logger *zap.Logger, timeout time.Duration) (*TipAccountClient, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("relay URL is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	client, err := rpc.DialOptions(ctx, strings.TrimRight(baseURL, "/")+RelayBundlesPath, rpc.WithHTTPClient(&http.Client{}))
	if err != nil {
		return nil, fmt.Errorf("failed to dial relay bundles endpoint: %w", err)
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &TipAccountClient{client: client, logger: logger, requestTimeout: timeout}, nil
}

// GetTipAccounts returns every tip account the relay accepts
func (c *TipAccountClient) GetTipAccounts(ctx context.Context) ([]solana.PublicKey, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	var result []string
	if err := c.client.CallContext(callCtx, &result, MethodGetTipAccounts); err != nil {
		return nil, txErrors.Wrap(txErrors.KindNetwork, "get tip accounts", err)
	}
	if len(result) == 0 {
		return nil, txErrors.New(txErrors.KindUnresolvedAddress, "get tip accounts", "relay returned no tip accounts")
	}

	accounts := make([]solana.PublicKey, 0, len(result))
	for _, r := range result {
		pk, err := solana.PublicKeyFromBase58(r)
		if err != nil {
			return nil, txErrors.Wrap(txErrors.KindInvalidInput, "get tip accounts", fmt.Errorf("invalid tip account %q: %w", r, err))
		}
		accounts = append(accounts, pk)
	}
	return accounts, nil
}

// RandomTipAccount picks one of the relay's tip accounts at random
func (c *TipAccountClient) RandomTipAccount(ctx context.Context) (solana.PublicKey, error) {
	accounts, err := c.GetTipAccounts(ctx)
	if err != nil {
		return solana.PublicKey{}, err
	}
	pick := accounts[rand.IntN(len(accounts))]
	c.logger.Sugar().Debugw("Selected relay tip account", "account", pick.String())
	return pick, nil
}

// Close releases the underlying RPC client
func (c *TipAccountClient) Close() {
	c.client.Close()
}
