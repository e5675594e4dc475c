package jupiterClient

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Layr-Labs/custody-tx-go/pkg/retry"
	"github.com/Layr-Labs/custody-tx-go/pkg/testutil"
	"github.com/Layr-Labs/custody-tx-go/pkg/txErrors"
)

func newTestClient(t *testing.T, url string) *Client {
	t.Helper()
	c, err := NewClient(&ClientConfig{
		BaseURL: url,
		Logger:  zaptest.NewLogger(t),
		Retry: retry.RetryConfig{
			MaxAttempts:     3,
			InitialBackoff:  time.Millisecond,
			MaxBackoff:      time.Millisecond,
			BackoffMultiple: 1,
		},
	})
	require.NoError(t, err)
	return c
}

func TestNewClientValidation(t *testing.T) {
	_, err := NewClient(nil)
	assert.Error(t, err)
	_, err = NewClient(&ClientConfig{BaseURL: "https://api.jup.ag"})
	assert.Error(t, err)
	_, err = NewClient(&ClientConfig{BaseURL: "ftp://api.jup.ag", Logger: zaptest.NewLogger(t)})
	assert.Error(t, err)
}

func TestGetQuote(t *testing.T) {
	in := testutil.CreateTestPublicKey(1)
	out := testutil.CreateTestPublicKey(2)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != PathQuote {
			http.NotFound(w, r)
			return
		}
		q := r.URL.Query()
		assert.Equal(t, in.String(), q.Get("inputMint"))
		assert.Equal(t, out.String(), q.Get("outputMint"))
		assert.Equal(t, "1000000", q.Get("amount"))
		assert.Equal(t, "500", q.Get("slippageBps"))
		assert.Equal(t, "32", q.Get("maxAccounts"))
		assert.Equal(t, "false", q.Get("restrictIntermediateTokens"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"inputMint":"` + in.String() + `","outputMint":"` + out.String() + `","inAmount":"1000000","outAmount":"250000","slippageBps":500,"routePlan":[{"percent":100}]}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	quote, err := c.GetQuote(context.Background(), &QuoteRequest{
		InputMint:   in,
		OutputMint:  out,
		Amount:      1000000,
		SlippageBps: 500,
	})
	require.NoError(t, err)
	assert.Equal(t, "250000", quote.OutAmount)
	assert.Contains(t, string(quote.Raw), "routePlan")
}

func TestGetQuoteValidation(t *testing.T) {
	c := newTestClient(t, "http://127.0.0.1:1")
	_, err := c.GetQuote(context.Background(), &QuoteRequest{InputMint: testutil.CreateTestPublicKey(1), OutputMint: testutil.CreateTestPublicKey(2)})
	assert.ErrorIs(t, err, txErrors.ErrInvalidInput)
	_, err = c.GetQuote(context.Background(), &QuoteRequest{InputMint: testutil.CreateTestPublicKey(1), OutputMint: testutil.CreateTestPublicKey(1), Amount: 1})
	assert.ErrorIs(t, err, txErrors.ErrInvalidInput)
}

func TestGetSwapInstructionsSendsQuoteVerbatim(t *testing.T) {
	user := testutil.CreateTestPublicKey(9)
	rawQuote := json.RawMessage(`{"inAmount":"5","routePlan":[{"swapInfo":{"label":"x"}}]}`)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, PathSwapInstructions, r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		body, _ := io.ReadAll(r.Body)

		var req map[string]json.RawMessage
		assert.NoError(t, json.Unmarshal(body, &req))
		assert.JSONEq(t, string(rawQuote), string(req["quoteResponse"]))
		assert.JSONEq(t, `"`+user.String()+`"`, string(req["userPublicKey"]))
		assert.JSONEq(t, `true`, string(req["minimizeSteps"]))

		program := testutil.CreateTestPublicKey(40).String()
		_, _ = w.Write([]byte(`{
  "computeBudgetInstructions": [{"programId":"` + program + `","accounts":[],"data":"AwQ="}],
  "setupInstructions": [],
  "swapInstruction": {"programId":"` + program + `","accounts":[{"pubkey":"` + user.String() + `","isSigner":true,"isWritable":true}],"data":"AQID"},
  "cleanupInstruction": null,
  "addressLookupTableAddresses": ["` + testutil.CreateTestPublicKey(50).String() + `"]
}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	ixs, err := c.GetSwapInstructions(context.Background(), &Quote{Raw: rawQuote}, user)
	require.NoError(t, err)
	require.NotNil(t, ixs.SwapInstruction)
	assert.Len(t, ixs.ComputeBudgetInstructions, 1)
	assert.Nil(t, ixs.CleanupInstruction)
	assert.Equal(t, []string{testutil.CreateTestPublicKey(50).String()}, ixs.AddressLookupTableAddresses)
}

func TestGetSwapInstructionsMissingSwap(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"setupInstructions":[]}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	_, err := c.GetSwapInstructions(context.Background(), &Quote{Raw: json.RawMessage(`{}`)}, testutil.CreateTestPublicKey(9))
	assert.ErrorIs(t, err, txErrors.ErrMissingCoreInstruction)
}

func TestGetPrice(t *testing.T) {
	mint := testutil.CreateTestPublicKey(3)

	t.Run("string price", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, mint.String(), r.URL.Query().Get("ids"))
			_, _ = w.Write([]byte(`{"data":{"` + mint.String() + `":{"id":"` + mint.String() + `","type":"derivedPrice","price":"12.5"}}}`))
		}))
		defer srv.Close()

		price, err := newTestClient(t, srv.URL).GetPrice(context.Background(), mint)
		require.NoError(t, err)
		assert.InDelta(t, 12.5, price, 1e-12)
	})

	t.Run("missing price", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"data":{}}`))
		}))
		defer srv.Close()

		_, err := newTestClient(t, srv.URL).GetPrice(context.Background(), mint)
		assert.ErrorIs(t, err, txErrors.ErrInvalidInput)
	})
}

func TestRetriesServerErrorsButNotClientErrors(t *testing.T) {
	mint := testutil.CreateTestPublicKey(3)

	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"data":{"` + mint.String() + `":{"price":3}}}`))
	}))
	defer srv.Close()

	price, err := newTestClient(t, srv.URL).GetPrice(context.Background(), mint)
	require.NoError(t, err)
	assert.InDelta(t, 3.0, price, 1e-12)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))

	var badCalls int32
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&badCalls, 1)
		http.Error(w, `{"error":"invalid mint"}`, http.StatusBadRequest)
	}))
	defer bad.Close()

	_, err = newTestClient(t, bad.URL).GetPrice(context.Background(), mint)
	require.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, txErrors.StatusCodeOf(err))
	assert.Contains(t, err.Error(), "invalid mint")
	assert.Equal(t, int32(1), atomic.LoadInt32(&badCalls))
}
