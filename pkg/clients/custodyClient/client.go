// Package custodyClient talks to the custodial signing service. Every call is
// authenticated with a bearer token plus a request signature that is
// recomputed for each attempt.
package custodyClient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v3/jwt"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/Layr-Labs/custody-tx-go/pkg/requestSigner"
	"github.com/Layr-Labs/custody-tx-go/pkg/retry"
	"github.com/Layr-Labs/custody-tx-go/pkg/txErrors"
	"github.com/Layr-Labs/custody-tx-go/pkg/types"
)

const (
	PathCreateTransaction = "/api/v1/transactions"
	PathCreateAndWait     = "/api/v1/transactions/create-and-wait"
	PathTransaction       = "/api/v1/transactions/"

	HeaderSignature   = "x-signature"
	HeaderTimestamp   = "x-timestamp"
	HeaderIdempotence = "x-idempotence-id"

	maxResponseBody = 1 << 20
)

// ICustodyClient is the subset of the custodial API the pipeline needs
type ICustodyClient interface {
	CreateTransaction(ctx context.Context, req *types.SubmissionRequest, idempotencyKey string) (*types.CustodyTransaction, error)
	GetTransaction(ctx context.Context, id string) (*types.CustodyTransaction, error)
	WaitForSignature(ctx context.Context, id string) (*types.CustodyTransaction, error)
	Wait(ctx context.Context, id string, done func(*types.CustodyTransaction) bool) (*types.CustodyTransaction, error)
}

// ClientConfig holds the configuration for the custody client
type ClientConfig struct {
	BaseURL     string
	AccessToken string
	Signer      requestSigner.IRequestSigner
	Logger      *zap.Logger

	// CreateAndWait posts to the create-and-wait endpoint so the custodian
	// holds the response until the transaction is signed
	CreateAndWait bool

	HTTPClient     *http.Client
	RequestTimeout time.Duration
	PollInterval   time.Duration
	PollTimeout    time.Duration
	RateLimit      float64
	RateBurst      int
	Retry          retry.RetryConfig

	// Now is the clock used for request timestamps and token expiry
	Now func() time.Time
}

// Client is an authenticated custodial API client
type Client struct {
	baseURL        string
	accessToken    string
	tokenExpiry    time.Time
	signer         requestSigner.IRequestSigner
	logger         *zap.Logger
	createAndWait  bool
	httpClient     *http.Client
	requestTimeout time.Duration
	pollInterval   time.Duration
	pollTimeout    time.Duration
	limiter        *rate.Limiter
	retry          retry.RetryConfig
	now            func() time.Time
}

var _ ICustodyClient = (*Client)(nil)

// NewClient creates a new custody client
func NewClient(config *ClientConfig) (*Client, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if config.BaseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	if _, err := url.ParseRequestURI(config.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	if config.AccessToken == "" {
		return nil, fmt.Errorf("access token is required")
	}
	if config.Signer == nil {
		return nil, fmt.Errorf("request signer is required")
	}
	if config.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	c := &Client{
		baseURL:        strings.TrimRight(config.BaseURL, "/"),
		accessToken:    config.AccessToken,
		signer:         config.Signer,
		logger:         config.Logger,
		createAndWait:  config.CreateAndWait,
		httpClient:     config.HTTPClient,
		requestTimeout: config.RequestTimeout,
		pollInterval:   config.PollInterval,
		pollTimeout:    config.PollTimeout,
		retry:          config.Retry,
		now:            config.Now,
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{}
	}
	if c.requestTimeout <= 0 {
		c.requestTimeout = 30 * time.Second
	}
	if c.pollInterval <= 0 {
		c.pollInterval = 2 * time.Second
	}
	if c.pollTimeout <= 0 {
		c.pollTimeout = 2 * time.Minute
	}
	if c.retry.MaxAttempts == 0 {
		c.retry = retry.DefaultRetryConfig
	}
	if c.now == nil {
		c.now = time.Now
	}

	limit := rate.Inf
	if config.RateLimit > 0 {
		limit = rate.Limit(config.RateLimit)
	}
	burst := config.RateBurst
	if burst < 1 {
		burst = 1
	}
	c.limiter = rate.NewLimiter(limit, burst)

	// Opaque tokens carry no expiry and are left to the server to reject
	if tok, err := jwt.ParseInsecure([]byte(config.AccessToken)); err == nil {
		if exp, ok := tok.Expiration(); ok {
			c.tokenExpiry = exp
		}
	}

	return c, nil
}

// TokenExpiry returns the access token expiry, zero when unknown
func (c *Client) TokenExpiry() time.Time {
	return c.tokenExpiry
}

// CreateTransaction submits req for signing. The idempotency key is sent on
// every attempt so a repeated create never produces a second transaction; an
// empty key is replaced by a random one.
func (c *Client) CreateTransaction(ctx context.Context, req *types.SubmissionRequest, idempotencyKey string) (*types.CustodyTransaction, error) {
	if req == nil {
		return nil, txErrors.New(txErrors.KindInvalidInput, "create transaction", "request is nil")
	}
	if idempotencyKey == "" {
		idempotencyKey = uuid.NewString()
	}

	body := *req
	path := PathCreateTransaction
	if c.createAndWait {
		path = PathCreateAndWait
		if body.WaitForState == "" {
			body.WaitForState = types.WaitForStateSigned
		}
	} else {
		body.WaitForState = ""
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return nil, txErrors.Wrap(txErrors.KindInvalidInput, "create transaction", err)
	}

	c.logger.Sugar().Infow("Creating custodial transaction",
		"path", path,
		"vault_id", body.VaultID,
		"details_type", body.Details.Type,
		"push_mode", body.Details.PushMode,
		"idempotency_key", idempotencyKey,
	)

	var tx types.CustodyTransaction
	if err := c.do(ctx, retry.StageSigning, http.MethodPost, path, string(raw), idempotencyKey, &tx); err != nil {
		return nil, err
	}

	c.logger.Sugar().Infow("Custodial transaction created",
		"custody_tx_id", tx.ID,
		"state", tx.State,
		"has_raw_transaction", tx.RawTransaction != "",
	)
	return &tx, nil
}

// GetTransaction reads a transaction's current state. The request is signed
// over an empty body.
func (c *Client) GetTransaction(ctx context.Context, id string) (*types.CustodyTransaction, error) {
	if id == "" {
		return nil, txErrors.New(txErrors.KindInvalidInput, "get transaction", "transaction id is empty")
	}
	path := PathTransaction + url.PathEscape(id)

	var tx types.CustodyTransaction
	if err := c.do(ctx, retry.StageReadOnly, http.MethodGet, path, "", "", &tx); err != nil {
		return nil, err
	}
	return &tx, nil
}

// WaitForSignature polls until the transaction carries a signed payload or
// the custodian has pushed it itself
func (c *Client) WaitForSignature(ctx context.Context, id string) (*types.CustodyTransaction, error) {
	return c.Wait(ctx, id, HasSignedPayload)
}

// HasSignedPayload reports whether tx no longer needs polling for a signature
func HasSignedPayload(tx *types.CustodyTransaction) bool {
	if !tx.State.IsSigned() {
		return false
	}
	return tx.RawTransaction != "" || tx.State.IsBroadcast()
}

// Wait polls the status endpoint until done returns true, the custodian
// reports a failed state or the poll timeout elapses. A poll timeout is an
// ambiguous SignFailed error: the transaction may still be signed later.
func (c *Client) Wait(ctx context.Context, id string, done func(*types.CustodyTransaction) bool) (*types.CustodyTransaction, error) {
	op := "wait for transaction " + id
	pollCtx, cancel := context.WithTimeout(ctx, c.pollTimeout)
	defer cancel()

	for polls := 1; ; polls++ {
		tx, err := c.GetTransaction(pollCtx, id)
		if err != nil {
			if ctx.Err() == nil && pollCtx.Err() != nil {
				return nil, c.pollTimeoutError(op, err)
			}
			return nil, err
		}
		if tx.State.IsFailed() {
			return tx, txErrors.New(txErrors.KindSignFailed, op, "custodian reported state %s", tx.State)
		}
		if done(tx) {
			return tx, nil
		}

		c.logger.Sugar().Debugw("Waiting for custodial transaction",
			"custody_tx_id", id,
			"state", tx.State,
			"poll", polls,
		)

		timer := time.NewTimer(c.pollInterval)
		select {
		case <-pollCtx.Done():
			timer.Stop()
			if ctx.Err() != nil {
				return nil, txErrors.Wrap(txErrors.KindNetwork, op, ctx.Err())
			}
			return nil, c.pollTimeoutError(op, pollCtx.Err())
		case <-timer.C:
		}
	}
}

func (c *Client) pollTimeoutError(op string, cause error) error {
	return &txErrors.Error{
		Kind:      txErrors.KindSignFailed,
		Op:        op,
		Detail:    fmt.Sprintf("no signature after %s", c.pollTimeout),
		Ambiguous: true,
		Err:       cause,
	}
}

func (c *Client) do(ctx context.Context, stage retry.Stage, method, path, body, idempotencyKey string, out interface{}) error {
	op := method + " " + path
	return retry.Do(ctx, c.retry, stage, func(ctx context.Context, attempt int) error {
		err := c.attempt(ctx, op, method, path, body, idempotencyKey, out)
		if err != nil {
			c.logger.Sugar().Warnw("Custodial request failed",
				"op", op,
				"attempt", attempt,
				"kind", txErrors.KindOf(err),
				"status", txErrors.StatusCodeOf(err),
				"error", err,
			)
		}
		return err
	})
}

func (c *Client) attempt(ctx context.Context, op, method, path, body, idempotencyKey string, out interface{}) error {
	if !c.tokenExpiry.IsZero() && !c.now().Before(c.tokenExpiry) {
		return txErrors.New(txErrors.KindAuthExpired, op, "access token expired at %s", c.tokenExpiry.UTC().Format(time.RFC3339))
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return txErrors.Wrap(txErrors.KindNetwork, op, err)
	}

	// fresh timestamp and signature on every attempt
	payload := requestSigner.NewSigningPayload(path, c.now(), body)
	signature, err := c.signer.Sign(ctx, payload)
	if err != nil {
		return err
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequestWithContext(reqCtx, method, c.baseURL+path, reader)
	if err != nil {
		return txErrors.Wrap(txErrors.KindInvalidInput, op, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.accessToken)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderSignature, signature)
	req.Header.Set(HeaderTimestamp, payload.Timestamp())
	if idempotencyKey != "" {
		req.Header.Set(HeaderIdempotence, idempotencyKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// the custodian may have received a POST that timed out in flight
		return &txErrors.Error{
			Kind:      txErrors.KindNetwork,
			Op:        op,
			Ambiguous: method == http.MethodPost,
			Err:       err,
		}
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return &txErrors.Error{Kind: txErrors.KindNetwork, Op: op, Ambiguous: method == http.MethodPost, Err: err}
	}

	if resp.StatusCode == http.StatusUnauthorized {
		return txErrors.HTTP(txErrors.KindAuthExpired, op, resp.StatusCode, string(respBody))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		e := txErrors.HTTP(txErrors.KindSignFailed, op, resp.StatusCode, string(respBody))
		e.Ambiguous = method == http.MethodPost && resp.StatusCode >= http.StatusInternalServerError
		return e
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return &txErrors.Error{
			Kind:       txErrors.KindSignFailed,
			Op:         op,
			StatusCode: resp.StatusCode,
			Body:       string(respBody),
			Detail:     "failed to decode response",
			Err:        err,
		}
	}
	return nil
}

// IsNotFound reports whether err is a 404 from the custodian
func IsNotFound(err error) bool {
	var e *txErrors.Error
	return errors.As(err, &e) && e.StatusCode == http.StatusNotFound
}
