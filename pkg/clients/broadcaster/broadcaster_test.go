package broadcaster

import (
	"context"
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
	"github.com/Layr-Labs/custody-tx-go/pkg/types"
)

func TestNewBroadcasterValidation(t *testing.T) {
	logger := zaptest.NewLogger(t)
	ctx := context.Background()

	_, err := NewBroadcaster(ctx, nil)
	assert.Error(t, err)
	_, err = NewBroadcaster(ctx, &Config{Logger: logger, Path: types.BroadcastPathDirect})
	assert.Error(t, err)
	_, err = NewBroadcaster(ctx, &Config{URL: "http://localhost:1", Path: types.BroadcastPathDirect})
	assert.Error(t, err)
	_, err = NewBroadcaster(ctx, &Config{URL: "http://localhost:1", Logger: logger, Path: types.BroadcastPathCustodian})
	assert.Error(t, err)
}

func TestDirectSendTransaction(t *testing.T) {
	server := testutil.NewFakeRPC(t)
	raw, sig := testutil.CreateTestSignedTransaction(t, 7)
	server.HandleResult(MethodSendTransaction, sig.String())

	b, err := NewDirect(context.Background(), server.URL(), zaptest.NewLogger(t), time.Second)
	require.NoError(t, err)
	defer b.Close()
	assert.Equal(t, types.BroadcastPathDirect, b.Path())

	got, err := b.SendTransaction(context.Background(), raw)
	require.NoError(t, err)
	assert.Equal(t, sig, got)

	calls := server.CallsTo(MethodSendTransaction)
	require.Len(t, calls, 1)
	var params []json.RawMessage
	require.NoError(t, json.Unmarshal(calls[0].Params, &params))
	require.Len(t, params, 2)
	assert.JSONEq(t, `"`+raw+`"`, string(params[0]))
	assert.JSONEq(t, `{"encoding":"base64"}`, string(params[1]))
}

func TestRelaySendsSamePayloadToTransactionsPath(t *testing.T) {
	server := testutil.NewFakeRPC(t)
	raw, sig := testutil.CreateTestSignedTransaction(t, 8)
	server.HandleResult(MethodSendTransaction, sig.String())

	b, err := NewRelay(context.Background(), server.URL()+"/", zaptest.NewLogger(t), time.Second)
	require.NoError(t, err)
	defer b.Close()
	assert.Equal(t, types.BroadcastPathRelay, b.Path())

	got, err := b.SendTransaction(context.Background(), raw)
	require.NoError(t, err)
	assert.Equal(t, sig, got)

	calls := server.CallsTo(MethodSendTransaction)
	require.Len(t, calls, 1)
	assert.Equal(t, RelayTransactionsPath, calls[0].Path)
}

func TestSendTransactionErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		setup     func(*testutil.FakeRPC)
		kind      txErrors.Kind
		ambiguous bool
		decision  retry.Decision
	}{
		{
			name: "stale blockhash",
			setup: func(s *testutil.FakeRPC) {
				s.HandleError(MethodSendTransaction, -32002, "Transaction simulation failed: Blockhash not found")
			},
			kind:     txErrors.KindStaleReference,
			decision: retry.DecisionRebuild,
		},
		{
			name: "rejected",
			setup: func(s *testutil.FakeRPC) {
				s.HandleError(MethodSendTransaction, -32002, "Transaction simulation failed: insufficient funds for fee")
			},
			kind:     txErrors.KindBroadcastFailed,
			decision: retry.DecisionFail,
		},
		{
			name: "server error after send",
			setup: func(s *testutil.FakeRPC) {
				s.FailNext(http.StatusServiceUnavailable)
			},
			kind:      txErrors.KindBroadcastFailed,
			ambiguous: true,
			decision:  retry.DecisionReconcile,
		},
		{
			name: "rate limited",
			setup: func(s *testutil.FakeRPC) {
				s.FailNext(http.StatusTooManyRequests)
			},
			kind:     txErrors.KindBroadcastFailed,
			decision: retry.DecisionFail,
		},
		{
			name: "timeout",
			setup: func(s *testutil.FakeRPC) {
				s.Handle(MethodSendTransaction, func(json.RawMessage) (interface{}, *testutil.RPCError) {
					time.Sleep(300 * time.Millisecond)
					return "late", nil
				})
			},
			kind:      txErrors.KindNetwork,
			ambiguous: true,
			decision:  retry.DecisionReconcile,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := testutil.NewFakeRPC(t)
			tt.setup(server)
			raw, _ := testutil.CreateTestSignedTransaction(t, 9)

			b, err := NewDirect(context.Background(), server.URL(), zaptest.NewLogger(t), 50*time.Millisecond)
			require.NoError(t, err)
			defer b.Close()

			_, err = b.SendTransaction(context.Background(), raw)
			require.Error(t, err)
			assert.Equal(t, tt.kind, txErrors.KindOf(err))
			assert.Equal(t, tt.ambiguous, txErrors.IsAmbiguous(err))
			assert.Equal(t, tt.decision, retry.Classify(retry.StageBroadcast, err))
		})
	}
}

func TestSendTransactionAlreadyProcessedIsSuccess(t *testing.T) {
	server := testutil.NewFakeRPC(t)
	server.HandleError(MethodSendTransaction, -32002, "Transaction simulation failed: This transaction has already been processed")
	raw, sig := testutil.CreateTestSignedTransaction(t, 10)

	b, err := NewDirect(context.Background(), server.URL(), zaptest.NewLogger(t), time.Second)
	require.NoError(t, err)
	defer b.Close()

	got, err := b.SendTransaction(context.Background(), raw)
	require.NoError(t, err)
	assert.Equal(t, sig, got)
}

func TestSendTransactionRejectsMalformedPayload(t *testing.T) {
	server := testutil.NewFakeRPC(t)
	b, err := NewDirect(context.Background(), server.URL(), zaptest.NewLogger(t), time.Second)
	require.NoError(t, err)
	defer b.Close()

	_, err = b.SendTransaction(context.Background(), "not base64 at all")
	require.Error(t, err)
	assert.ErrorIs(t, err, txErrors.ErrInvalidInput)
	assert.Empty(t, server.Calls())
}

func TestTipAccounts(t *testing.T) {
	accounts := []solana.PublicKey{testutil.CreateTestPublicKey(30), testutil.CreateTestPublicKey(31)}
	server := testutil.NewFakeRPC(t)
	server.HandleResult(MethodGetTipAccounts, []string{accounts[0].String(), accounts[1].String()})

	c, err := NewTipAccountClient(context.Background(), server.URL(), zaptest.NewLogger(t), time.Second)
	require.NoError(t, err)
	defer c.Close()

	got, err := c.GetTipAccounts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, accounts, got)

	pick, err := c.RandomTipAccount(context.Background())
	require.NoError(t, err)
	assert.Contains(t, accounts, pick)

	calls := server.CallsTo(MethodGetTipAccounts)
	require.NotEmpty(t, calls)
	assert.Equal(t, RelayBundlesPath, calls[0].Path)
}

func TestTipAccountsEmpty(t *testing.T) {
	server := testutil.NewFakeRPC(t)
	server.HandleResult(MethodGetTipAccounts, []string{})

	c, err := NewTipAccountClient(context.Background(), server.URL(), zaptest.NewLogger(t), time.Second)
	require.NoError(t, err)
	defer c.Close()

	_, err = c.GetTipAccounts(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, txErrors.ErrUnresolvedAddress)
}
