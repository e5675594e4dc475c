package ledgerClient

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Layr-Labs/custody-tx-go/pkg/retry"
	"github.com/Layr-Labs/custody-tx-go/pkg/testutil"
	"github.com/Layr-Labs/custody-tx-go/pkg/txErrors"
)

func newTestClient(t *testing.T, server *testutil.FakeRPC) *Client {
	t.Helper()
	c, err := NewClient(&ClientConfig{
		RPCURL:         server.URL(),
		Logger:         zaptest.NewLogger(t),
		RequestTimeout: time.Second,
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

func withContext(value interface{}) map[string]interface{} {
	return map[string]interface{}{
		"context": map[string]interface{}{"slot": 100},
		"value":   value,
	}
}

// lookupTableData encodes an active lookup table account holding addrs
func lookupTableData(addrs ...solana.PublicKey) []byte {
	data := make([]byte, 56, 56+32*len(addrs))
	binary.LittleEndian.PutUint32(data[0:4], 1)
	binary.LittleEndian.PutUint64(data[4:12], ^uint64(0))
	binary.LittleEndian.PutUint64(data[12:20], 10)
	data[20] = 0
	data[21] = 1
	authority := testutil.CreateTestPublicKey(99)
	copy(data[22:54], authority[:])
	for _, a := range addrs {
		data = append(data, a[:]...)
	}
	return data
}

func accountValue(data []byte, owner solana.PublicKey) map[string]interface{} {
	return map[string]interface{}{
		"data":       []string{base64.StdEncoding.EncodeToString(data), "base64"},
		"executable": false,
		"lamports":   1000000,
		"owner":      owner.String(),
		"rentEpoch":  0,
	}
}

func TestNewClientValidation(t *testing.T) {
	_, err := NewClient(nil)
	assert.Error(t, err)
	_, err = NewClient(&ClientConfig{Logger: zaptest.NewLogger(t)})
	assert.Error(t, err)
	_, err = NewClient(&ClientConfig{RPCURL: "http://localhost:8899"})
	assert.Error(t, err)
}

func TestLatestBlockhash(t *testing.T) {
	server := testutil.NewFakeRPC(t)
	hash := testutil.CreateTestBlockhash()
	server.HandleResult("getLatestBlockhash", withContext(map[string]interface{}{
		"blockhash":            hash.String(),
		"lastValidBlockHeight": 1234,
	}))

	c := newTestClient(t, server)
	got, err := c.LatestBlockhash(context.Background())
	require.NoError(t, err)
	assert.Equal(t, hash, got)
}

func TestLatestBlockhashRetriesTransportFailures(t *testing.T) {
	server := testutil.NewFakeRPC(t)
	hash := testutil.CreateTestBlockhash()
	server.HandleResult("getLatestBlockhash", withContext(map[string]interface{}{
		"blockhash":            hash.String(),
		"lastValidBlockHeight": 1234,
	}))
	server.FailNext(http.StatusBadGateway)

	c := newTestClient(t, server)
	got, err := c.LatestBlockhash(context.Background())
	require.NoError(t, err)
	assert.Equal(t, hash, got)
	assert.Len(t, server.CallsTo("getLatestBlockhash"), 2)
}

func TestLatestBlockhashNetworkError(t *testing.T) {
	server := testutil.NewFakeRPC(t)
	server.FailNext(http.StatusBadGateway, http.StatusBadGateway, http.StatusBadGateway)

	c := newTestClient(t, server)
	_, err := c.LatestBlockhash(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, txErrors.ErrNetwork)
}

func TestGetLookupTables(t *testing.T) {
	server := testutil.NewFakeRPC(t)
	tableKey := testutil.CreateTestPublicKey(50)
	addrs := []solana.PublicKey{testutil.CreateTestPublicKey(10), testutil.CreateTestPublicKey(11)}
	server.HandleResult("getAccountInfo", withContext(accountValue(lookupTableData(addrs...), testutil.CreateTestPublicKey(98))))

	c := newTestClient(t, server)
	tables, err := c.GetLookupTables(context.Background(), []solana.PublicKey{tableKey})
	require.NoError(t, err)
	require.Len(t, tables, 1)
	assert.Equal(t, tableKey, tables[0].Key)
	assert.Equal(t, addrs, tables[0].Addresses)
}

func TestGetLookupTablesMissingAccount(t *testing.T) {
	server := testutil.NewFakeRPC(t)
	server.HandleResult("getAccountInfo", withContext(nil))

	c := newTestClient(t, server)
	_, err := c.GetLookupTables(context.Background(), []solana.PublicKey{testutil.CreateTestPublicKey(50)})
	require.Error(t, err)
	assert.ErrorIs(t, err, txErrors.ErrUnresolvedAddress)
	assert.Len(t, server.CallsTo("getAccountInfo"), 1)
}

func TestGetSignatureStatus(t *testing.T) {
	sig := solana.Signature{1, 2, 3}

	t.Run("found", func(t *testing.T) {
		server := testutil.NewFakeRPC(t)
		server.HandleResult("getSignatureStatuses", withContext([]interface{}{
			map[string]interface{}{
				"slot":               777,
				"confirmations":      nil,
				"err":                nil,
				"confirmationStatus": "confirmed",
			},
		}))
		c := newTestClient(t, server)
		status, err := c.GetSignatureStatus(context.Background(), sig)
		require.NoError(t, err)
		assert.True(t, status.Found)
		assert.True(t, status.Landed())
		assert.Equal(t, uint64(777), status.Slot)
		assert.Equal(t, "confirmed", status.ConfirmationStatus)

		var params []json.RawMessage
		require.NoError(t, json.Unmarshal(server.CallsTo("getSignatureStatuses")[0].Params, &params))
		assert.Contains(t, string(params[0]), sig.String())
	})

	t.Run("not found", func(t *testing.T) {
		server := testutil.NewFakeRPC(t)
		server.HandleResult("getSignatureStatuses", withContext([]interface{}{nil}))
		c := newTestClient(t, server)
		status, err := c.GetSignatureStatus(context.Background(), sig)
		require.NoError(t, err)
		assert.False(t, status.Found)
		assert.False(t, status.Landed())
	})
}

func TestEstimatePriorityFee(t *testing.T) {
	server := testutil.NewFakeRPC(t)
	server.HandleResult("getRecentPrioritizationFees", []RecentPrioritizationFee{
		{Slot: 1, PrioritizationFee: 0},
		{Slot: 2, PrioritizationFee: 100},
		{Slot: 3, PrioritizationFee: 5000},
		{Slot: 4, PrioritizationFee: 200},
	})

	c := newTestClient(t, server)
	fee, err := c.EstimatePriorityFee(context.Background(), []solana.PublicKey{testutil.CreateTestPublicKey(7)})
	require.NoError(t, err)
	assert.Equal(t, uint64(200), fee)

	var params []json.RawMessage
	require.NoError(t, json.Unmarshal(server.CallsTo("getRecentPrioritizationFees")[0].Params, &params))
	assert.Contains(t, string(params[0]), testutil.CreateTestPublicKey(7).String())
}

func TestPercentileFee(t *testing.T) {
	fees := func(vs ...uint64) []RecentPrioritizationFee {
		out := make([]RecentPrioritizationFee, 0, len(vs))
		for i, v := range vs {
			out = append(out, RecentPrioritizationFee{Slot: uint64(i), PrioritizationFee: v})
		}
		return out
	}
	assert.Equal(t, uint64(0), PercentileFee(nil, 75))
	assert.Equal(t, uint64(9), PercentileFee(fees(9), 75))
	assert.Equal(t, uint64(3), PercentileFee(fees(4, 1, 3, 2), 75))
	assert.Equal(t, uint64(4), PercentileFee(fees(4, 1, 3, 2), 100))
	assert.Equal(t, uint64(2), PercentileFee(fees(4, 1, 3, 2), 50))
}

func TestGetTokenBalance(t *testing.T) {
	owner := testutil.CreateTestPublicKey(1)
	mint := testutil.CreateTestPublicKey(2)
	tokenAccount := testutil.CreateTestPublicKey(3)

	server := testutil.NewFakeRPC(t)
	server.HandleResult("getTokenAccountsByOwner", withContext([]interface{}{
		map[string]interface{}{
			"pubkey":  tokenAccount.String(),
			"account": accountValue(make([]byte, 165), solana.TokenProgramID),
		},
	}))
	server.HandleResult("getTokenAccountBalance", withContext(map[string]interface{}{
		"amount":         "800000000",
		"decimals":       6,
		"uiAmount":       800.0,
		"uiAmountString": "800",
	}))

	c := newTestClient(t, server)
	balance, err := c.GetTokenBalance(context.Background(), owner, mint)
	require.NoError(t, err)
	assert.Equal(t, tokenAccount, balance.Account)
	assert.Equal(t, uint64(800000000), balance.Amount)
	assert.Equal(t, uint8(6), balance.Decimals)
	assert.InDelta(t, 800.0, balance.UIAmount(), 1e-9)
}

func TestGetTokenBalanceNoAccount(t *testing.T) {
	server := testutil.NewFakeRPC(t)
	server.HandleResult("getTokenAccountsByOwner", withContext([]interface{}{}))

	c := newTestClient(t, server)
	balance, err := c.GetTokenBalance(context.Background(), testutil.CreateTestPublicKey(1), testutil.CreateTestPublicKey(2))
	require.NoError(t, err)
	assert.Zero(t, balance.Amount)
	assert.Empty(t, server.CallsTo("getTokenAccountBalance"))
}
