package submission

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Layr-Labs/custody-tx-go/pkg/clients/broadcaster"
	"github.com/Layr-Labs/custody-tx-go/pkg/clients/custodyClient"
	"github.com/Layr-Labs/custody-tx-go/pkg/clients/ledgerClient"
	"github.com/Layr-Labs/custody-tx-go/pkg/compiler"
	"github.com/Layr-Labs/custody-tx-go/pkg/persistence/memory"
	"github.com/Layr-Labs/custody-tx-go/pkg/retry"
	"github.com/Layr-Labs/custody-tx-go/pkg/testutil"
	"github.com/Layr-Labs/custody-tx-go/pkg/txErrors"
	"github.com/Layr-Labs/custody-tx-go/pkg/types"
)

const testToken = "opaque-test-token"

type fakeStatuses struct {
	mu     sync.Mutex
	landed map[solana.Signature]bool
	err    error
	calls  int
}

func (f *fakeStatuses) GetSignatureStatus(_ context.Context, sig solana.Signature) (*ledgerClient.SignatureStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if f.landed[sig] {
		return &ledgerClient.SignatureStatus{Found: true, Slot: 42, ConfirmationStatus: "confirmed"}, nil
	}
	return &ledgerClient.SignatureStatus{}, nil
}

func (f *fakeStatuses) markLanded(sig string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.landed == nil {
		f.landed = make(map[solana.Signature]bool)
	}
	parsed, err := solana.SignatureFromBase58(sig)
	if err == nil {
		f.landed[parsed] = true
	}
}

type harness struct {
	custodian *testutil.FakeCustodian
	custody   *custodyClient.Client
	relay     *testutil.FakeRPC
	direct    *testutil.FakeRPC
	statuses  *fakeStatuses
	pipeline  *Pipeline
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t)
	ctx := context.Background()

	h := &harness{
		custodian: testutil.NewFakeCustodian(t, testToken, testutil.CreateTestRequestSigner(t).PublicKey()),
		relay:     testutil.NewFakeRPC(t),
		direct:    testutil.NewFakeRPC(t),
		statuses:  &fakeStatuses{},
	}

	var err error
	h.custody, err = custodyClient.NewClient(&custodyClient.ClientConfig{
		BaseURL:      h.custodian.URL(),
		AccessToken:  testToken,
		Signer:       testutil.CreateTestRequestSigner(t),
		Logger:       logger,
		PollInterval: time.Millisecond,
		PollTimeout:  2 * time.Second,
		Retry: retry.RetryConfig{
			MaxAttempts:     3,
			InitialBackoff:  time.Millisecond,
			MaxBackoff:      5 * time.Millisecond,
			BackoffMultiple: 2,
		},
	})
	require.NoError(t, err)

	relay, err := broadcaster.NewRelay(ctx, h.relay.URL(), logger, time.Second)
	require.NoError(t, err)
	t.Cleanup(relay.Close)
	direct, err := broadcaster.NewDirect(ctx, h.direct.URL(), logger, time.Second)
	require.NoError(t, err)
	t.Cleanup(direct.Close)

	cfg := &Config{
		Custody:           h.custody,
		Ledger:            h.statuses,
		Broadcasters:      []broadcaster.IBroadcaster{relay, direct},
		Logger:            logger,
		ReconcileAttempts: 2,
		ReconcileInterval: time.Millisecond,
	}
	if mutate != nil {
		mutate(cfg)
	}
	h.pipeline, err = NewPipeline(cfg)
	require.NoError(t, err)
	return h
}

// acceptAll makes server answer sendTransaction with the submitted signature
func acceptAll(server *testutil.FakeRPC) {
	server.Handle(broadcaster.MethodSendTransaction, echoSignature)
}

func echoSignature(params json.RawMessage) (interface{}, *testutil.RPCError) {
	var args []json.RawMessage
	if err := json.Unmarshal(params, &args); err != nil || len(args) == 0 {
		return nil, &testutil.RPCError{Code: -32602, Message: "invalid params"}
	}
	var raw string
	if err := json.Unmarshal(args[0], &raw); err != nil {
		return nil, &testutil.RPCError{Code: -32602, Message: "invalid params"}
	}
	tx, err := compiler.DecodeSignedTransactionBase64(raw)
	if err != nil {
		return nil, &testutil.RPCError{Code: -32602, Message: err.Error()}
	}
	return tx.ID().String(), nil
}

func serializedRequest(t *testing.T, pushMode types.PushMode, lamports uint64) *types.SubmissionRequest {
	t.Helper()
	data, err := compiler.Serialize(testutil.CreateTestMessage(t, testutil.CreateTestPublicKey(1), lamports))
	require.NoError(t, err)
	return &types.SubmissionRequest{
		VaultID:    "vault-1",
		SignerType: types.SignerTypeAPISigner,
		SignMode:   types.SignModeAuto,
		Type:       types.RequestTypeSolanaTransaction,
		Details: types.RequestDetails{
			Type:     types.DetailsTypeSerializedMessage,
			PushMode: pushMode,
			Data:     data,
			Chain:    "solana_mainnet",
		},
	}
}

func statesOf(s *Submission) []types.SubmissionState {
	out := make([]types.SubmissionState, 0, len(s.History))
	for _, c := range s.History {
		out = append(out, c.To)
	}
	return out
}

func TestNewPipelineValidation(t *testing.T) {
	_, err := NewPipeline(nil)
	assert.Error(t, err)
	_, err = NewPipeline(&Config{Logger: zaptest.NewLogger(t)})
	assert.Error(t, err)

	h := newHarness(t, nil)
	relay, err := broadcaster.NewRelay(context.Background(), h.relay.URL(), zaptest.NewLogger(t), time.Second)
	require.NoError(t, err)
	defer relay.Close()
	_, err = NewPipeline(&Config{
		Custody:      h.custody,
		Logger:       zaptest.NewLogger(t),
		Broadcasters: []broadcaster.IBroadcaster{relay, relay},
	})
	assert.Error(t, err)
}

func TestRunDirect(t *testing.T) {
	h := newHarness(t, nil)
	h.custodian.PendingPolls = 2
	acceptAll(h.direct)

	s, err := h.pipeline.Run(context.Background(), serializedRequest(t, types.PushModeManual, 1000), types.BroadcastPathDirect)
	require.NoError(t, err)

	assert.Equal(t, types.StateSubmitted, s.State)
	assert.Equal(t, []types.SubmissionState{
		types.StateAwaitingSignature,
		types.StateSigned,
		types.StateBroadcasting,
		types.StateSubmitted,
	}, statesOf(s))
	assert.Equal(t, types.BroadcastPathDirect, s.BroadcastPath)
	assert.Equal(t, "direct", s.Broadcaster)
	assert.NotEmpty(t, s.CustodyTransactionID)
	assert.Empty(t, s.LastError)

	tx, err := h.custody.GetTransaction(context.Background(), s.CustodyTransactionID)
	require.NoError(t, err)
	assert.Equal(t, tx.Hash, s.Signature)

	assert.Len(t, h.direct.CallsTo(broadcaster.MethodSendTransaction), 1)
	assert.Empty(t, h.relay.Calls())

	stored, err := h.pipeline.Load(s.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, types.StateSubmitted, stored.State)
	assert.Equal(t, s.Signature, stored.Signature)
}

func TestSignFailureNeverBroadcasts(t *testing.T) {
	h := newHarness(t, nil)
	acceptAll(h.relay)
	h.custodian.FailNextCreates(http.StatusInternalServerError, http.StatusInternalServerError, http.StatusInternalServerError)

	s, err := h.pipeline.Run(context.Background(), serializedRequest(t, types.PushModeManual, 1000), types.BroadcastPathRelay)
	require.Error(t, err)
	assert.ErrorIs(t, err, txErrors.ErrSignFailed)
	assert.Equal(t, types.StateSignFailed, s.State)
	assert.Equal(t, string(txErrors.KindSignFailed), s.LastErrorKind)
	assert.NotContains(t, statesOf(s), types.StateBroadcasting)
	assert.Empty(t, h.relay.Calls())

	keys := map[string]bool{}
	for _, r := range h.custodian.Requests() {
		keys[r.IdempotencyKey] = true
	}
	assert.Equal(t, map[string]bool{s.IdempotencyKey: true}, keys)

	err = h.pipeline.Broadcast(context.Background(), s, types.BroadcastPathRelay)
	assert.ErrorIs(t, err, txErrors.ErrInvalidTransition)

	// reset keeps the key so the custodian can deduplicate
	key := s.IdempotencyKey
	require.NoError(t, h.pipeline.Reset(s))
	assert.Equal(t, types.StateBuilt, s.State)
	assert.Empty(t, s.LastError)

	require.NoError(t, h.pipeline.Authorize(context.Background(), s))
	assert.Equal(t, types.StateSigned, s.State)
	assert.Equal(t, key, s.IdempotencyKey)
	assert.Equal(t, 1, h.custodian.CreateCount())

	require.NoError(t, h.pipeline.Broadcast(context.Background(), s, types.BroadcastPathRelay))
	assert.Equal(t, types.StateSubmitted, s.State)
}

func TestCustodianRejectsTransaction(t *testing.T) {
	h := newHarness(t, nil)
	h.custodian.FailState = types.CustodyStateAborted

	s, err := h.pipeline.Run(context.Background(), serializedRequest(t, types.PushModeManual, 1000), types.BroadcastPathDirect)
	require.Error(t, err)
	assert.ErrorIs(t, err, txErrors.ErrSignFailed)
	assert.Equal(t, types.StateSignFailed, s.State)
	assert.Equal(t, types.CustodyStateAborted, s.CustodyState)
	assert.Empty(t, h.direct.Calls())
}

func TestAuthorizeRequiresBuilt(t *testing.T) {
	h := newHarness(t, nil)
	s, err := h.pipeline.NewSubmission(serializedRequest(t, types.PushModeManual, 1000))
	require.NoError(t, err)
	require.NoError(t, h.pipeline.Authorize(context.Background(), s))

	err = h.pipeline.Authorize(context.Background(), s)
	assert.ErrorIs(t, err, txErrors.ErrInvalidTransition)
	assert.Equal(t, types.StateSigned, s.State)
	assert.Equal(t, 1, h.custodian.CreateCount())

	err = h.pipeline.Rebroadcast(context.Background(), s, types.BroadcastPathDirect)
	assert.ErrorIs(t, err, txErrors.ErrInvalidTransition)
	err = h.pipeline.Reset(s)
	assert.ErrorIs(t, err, txErrors.ErrInvalidTransition)
}

func TestBroadcastUnknownPath(t *testing.T) {
	h := newHarness(t, nil)
	s, err := h.pipeline.NewSubmission(serializedRequest(t, types.PushModeManual, 1000))
	require.NoError(t, err)
	require.NoError(t, h.pipeline.Authorize(context.Background(), s))

	err = h.pipeline.Broadcast(context.Background(), s, types.BroadcastPath("carrier-pigeon"))
	assert.ErrorIs(t, err, txErrors.ErrInvalidInput)
	assert.Equal(t, types.StateSigned, s.State)
}

func TestRelayFailureFallsBackToDirect(t *testing.T) {
	h := newHarness(t, func(cfg *Config) { cfg.FallbackToDirect = true })
	h.relay.HandleError(broadcaster.MethodSendTransaction, -32603, "bundle rejected by relay")
	acceptAll(h.direct)

	s, err := h.pipeline.Run(context.Background(), serializedRequest(t, types.PushModeManual, 1000), types.BroadcastPathRelay)
	require.NoError(t, err)
	assert.Equal(t, types.StateSubmitted, s.State)
	assert.Equal(t, types.BroadcastPathDirect, s.BroadcastPath)
	assert.Equal(t, "direct", s.Broadcaster)
	assert.Len(t, h.relay.CallsTo(broadcaster.MethodSendTransaction), 1)
	assert.Len(t, h.direct.CallsTo(broadcaster.MethodSendTransaction), 1)
	assert.Zero(t, h.statuses.calls)
}

func TestRelayFailureWithoutFallback(t *testing.T) {
	h := newHarness(t, nil)
	h.relay.HandleError(broadcaster.MethodSendTransaction, -32603, "bundle rejected by relay")
	acceptAll(h.direct)

	s, err := h.pipeline.Run(context.Background(), serializedRequest(t, types.PushModeManual, 1000), types.BroadcastPathRelay)
	require.Error(t, err)
	assert.ErrorIs(t, err, txErrors.ErrBroadcastFailed)
	assert.Equal(t, types.StateBroadcastFailed, s.State)
	assert.Equal(t, string(txErrors.KindBroadcastFailed), s.LastErrorKind)
	assert.Empty(t, h.direct.Calls())
}

func TestAmbiguousBroadcastReconcilesBeforeFallback(t *testing.T) {
	h := newHarness(t, func(cfg *Config) { cfg.FallbackToDirect = true })
	acceptAll(h.relay)
	acceptAll(h.direct)
	h.relay.FailNext(http.StatusServiceUnavailable)

	s, err := h.pipeline.NewSubmission(serializedRequest(t, types.PushModeManual, 1000))
	require.NoError(t, err)
	require.NoError(t, h.pipeline.Authorize(context.Background(), s))
	h.statuses.markLanded(s.Signature)

	require.NoError(t, h.pipeline.Broadcast(context.Background(), s, types.BroadcastPathRelay))
	assert.Equal(t, types.StateSubmitted, s.State)
	assert.Equal(t, types.BroadcastPathRelay, s.BroadcastPath)
	assert.Equal(t, 1, h.statuses.calls)
	assert.Empty(t, h.direct.Calls())
}

func TestAmbiguousBroadcastNotLandedThenRebroadcast(t *testing.T) {
	h := newHarness(t, nil)
	acceptAll(h.relay)
	acceptAll(h.direct)
	h.relay.FailNext(http.StatusBadGateway)

	s, err := h.pipeline.Run(context.Background(), serializedRequest(t, types.PushModeManual, 1000), types.BroadcastPathRelay)
	require.Error(t, err)
	assert.True(t, txErrors.IsAmbiguous(err))
	assert.Equal(t, types.StateBroadcastFailed, s.State)
	assert.Equal(t, 2, h.statuses.calls)
	assert.Empty(t, h.direct.Calls())

	require.NoError(t, h.pipeline.Rebroadcast(context.Background(), s, types.BroadcastPathDirect))
	assert.Equal(t, types.StateSubmitted, s.State)
	assert.Equal(t, types.BroadcastPathDirect, s.BroadcastPath)
	assert.Len(t, h.direct.CallsTo(broadcaster.MethodSendTransaction), 1)
}

func TestAmbiguousBroadcastWithFailingLedgerIsNotResent(t *testing.T) {
	h := newHarness(t, func(cfg *Config) { cfg.FallbackToDirect = true })
	h.statuses.err = txErrors.New(txErrors.KindNetwork, "ledger.GetSignatureStatus", "connection refused")
	acceptAll(h.relay)
	acceptAll(h.direct)
	h.relay.FailNext(http.StatusServiceUnavailable)

	s, err := h.pipeline.Run(context.Background(), serializedRequest(t, types.PushModeManual, 1000), types.BroadcastPathRelay)
	require.Error(t, err)
	assert.True(t, txErrors.IsAmbiguous(err))
	assert.Equal(t, types.StateBroadcastFailed, s.State)
	assert.Equal(t, 2, h.statuses.calls)
	assert.Empty(t, h.direct.CallsTo(broadcaster.MethodSendTransaction))

	err = h.pipeline.Rebroadcast(context.Background(), s, types.BroadcastPathDirect)
	require.Error(t, err)
	assert.True(t, txErrors.IsAmbiguous(err))
	assert.Equal(t, types.StateBroadcastFailed, s.State)
	assert.Empty(t, h.direct.CallsTo(broadcaster.MethodSendTransaction))

	// once the ledger answers, the resend goes through
	h.statuses.err = nil
	require.NoError(t, h.pipeline.Rebroadcast(context.Background(), s, types.BroadcastPathDirect))
	assert.Equal(t, types.StateSubmitted, s.State)
	assert.Len(t, h.direct.CallsTo(broadcaster.MethodSendTransaction), 1)
}

func TestAmbiguousBroadcastWithoutLedgerIsNotResent(t *testing.T) {
	h := newHarness(t, func(cfg *Config) {
		cfg.FallbackToDirect = true
		cfg.Ledger = nil
	})
	acceptAll(h.relay)
	acceptAll(h.direct)
	h.relay.FailNext(http.StatusServiceUnavailable)

	s, err := h.pipeline.Run(context.Background(), serializedRequest(t, types.PushModeManual, 1000), types.BroadcastPathRelay)
	require.Error(t, err)
	assert.True(t, txErrors.IsAmbiguous(err))
	assert.Equal(t, types.StateBroadcastFailed, s.State)
	assert.Empty(t, h.direct.CallsTo(broadcaster.MethodSendTransaction))

	err = h.pipeline.Rebroadcast(context.Background(), s, types.BroadcastPathRelay)
	require.Error(t, err)
	assert.Equal(t, types.StateBroadcastFailed, s.State)
	assert.Len(t, h.relay.CallsTo(broadcaster.MethodSendTransaction), 1)
}

func TestDefinitiveRelayFailureFallsBackWithoutLedger(t *testing.T) {
	h := newHarness(t, func(cfg *Config) {
		cfg.FallbackToDirect = true
		cfg.Ledger = nil
	})
	h.relay.HandleError(broadcaster.MethodSendTransaction, -32603, "bundle rejected by relay")
	acceptAll(h.direct)

	s, err := h.pipeline.Run(context.Background(), serializedRequest(t, types.PushModeManual, 1000), types.BroadcastPathRelay)
	require.NoError(t, err)
	assert.Equal(t, types.StateSubmitted, s.State)
	assert.Equal(t, types.BroadcastPathDirect, s.BroadcastPath)
}

func TestRebroadcastSkipsSendWhenLanded(t *testing.T) {
	h := newHarness(t, nil)
	h.direct.HandleError(broadcaster.MethodSendTransaction, -32603, "node is behind")

	s, err := h.pipeline.Run(context.Background(), serializedRequest(t, types.PushModeManual, 1000), types.BroadcastPathDirect)
	require.Error(t, err)
	require.Equal(t, types.StateBroadcastFailed, s.State)

	h.statuses.markLanded(s.Signature)
	require.NoError(t, h.pipeline.Rebroadcast(context.Background(), s, types.BroadcastPathDirect))
	assert.Equal(t, types.StateSubmitted, s.State)
	assert.Len(t, h.direct.CallsTo(broadcaster.MethodSendTransaction), 1)
}

func TestStaleBlockhashRebuilds(t *testing.T) {
	h := newHarness(t, func(cfg *Config) { cfg.FallbackToDirect = true })
	acceptAll(h.direct)

	var mu sync.Mutex
	sends := 0
	h.relay.Handle(broadcaster.MethodSendTransaction, func(params json.RawMessage) (interface{}, *testutil.RPCError) {
		mu.Lock()
		sends++
		first := sends == 1
		mu.Unlock()
		if first {
			return nil, &testutil.RPCError{Code: -32002, Message: "Transaction simulation failed: Blockhash not found"}
		}
		return echoSignature(params)
	})

	builds := 0
	build := func(context.Context) (*types.SubmissionRequest, error) {
		builds++
		return serializedRequest(t, types.PushModeManual, uint64(1000*builds)), nil
	}

	s, err := h.pipeline.RunWithRebuild(context.Background(), build, types.BroadcastPathRelay)
	require.NoError(t, err)
	assert.Equal(t, 2, builds)
	assert.Equal(t, types.StateSubmitted, s.State)
	assert.Equal(t, types.BroadcastPathRelay, s.BroadcastPath)
	assert.Equal(t, 2, h.custodian.CreateCount())
	assert.Empty(t, h.direct.Calls())

	failed, err := h.pipeline.List(types.StateBroadcastFailed)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, string(txErrors.KindStaleReference), failed[0].LastErrorKind)
}

func TestStaleBlockhashRebuildLimit(t *testing.T) {
	h := newHarness(t, nil)
	h.relay.HandleError(broadcaster.MethodSendTransaction, -32002, "Transaction simulation failed: Blockhash not found")

	builds := 0
	build := func(context.Context) (*types.SubmissionRequest, error) {
		builds++
		return serializedRequest(t, types.PushModeManual, uint64(1000*builds)), nil
	}

	s, err := h.pipeline.RunWithRebuild(context.Background(), build, types.BroadcastPathRelay)
	require.Error(t, err)
	assert.ErrorIs(t, err, txErrors.ErrStaleReference)
	assert.Equal(t, 1+DefaultMaxRebuilds, builds)
	assert.Equal(t, types.StateBroadcastFailed, s.State)
}

func TestStaleBlockhashRebuildDisabled(t *testing.T) {
	h := newHarness(t, func(cfg *Config) { cfg.DisableRebuild = true })
	h.relay.HandleError(broadcaster.MethodSendTransaction, -32002, "Transaction simulation failed: Blockhash not found")

	builds := 0
	build := func(context.Context) (*types.SubmissionRequest, error) {
		builds++
		return serializedRequest(t, types.PushModeManual, uint64(1000*builds)), nil
	}

	_, err := h.pipeline.RunWithRebuild(context.Background(), build, types.BroadcastPathRelay)
	assert.ErrorIs(t, err, txErrors.ErrStaleReference)
	assert.Equal(t, 1, builds)
}

func TestAutoPushIsBroadcastByCustodian(t *testing.T) {
	h := newHarness(t, nil)

	s, err := h.pipeline.Run(context.Background(), serializedRequest(t, types.PushModeAuto, 1000), types.BroadcastPathRelay)
	require.NoError(t, err)
	assert.Equal(t, types.StateSubmitted, s.State)
	assert.Equal(t, types.BroadcastPathCustodian, s.BroadcastPath)
	assert.Equal(t, types.CustodyStatePushed, s.CustodyState)
	assert.NotEmpty(t, s.Signature)
	assert.Empty(t, h.relay.Calls())
	assert.Empty(t, h.direct.Calls())
}

func TestNativeTransferIsBroadcastByCustodian(t *testing.T) {
	h := newHarness(t, nil)
	req := &types.SubmissionRequest{
		VaultID:    "vault-1",
		SignerType: types.SignerTypeAPISigner,
		SignMode:   types.SignModeAuto,
		Type:       types.RequestTypeSolanaTransaction,
		Details: types.RequestDetails{
			Type:     types.DetailsTypeTransfer,
			PushMode: types.PushModeManual,
			To:       testutil.CreateTestPublicKey(2).String(),
			Value:    &types.TransferValue{Type: "value", Value: "1000000"},
			AssetIdentifier: &types.AssetIdentifier{
				Type:    "solana",
				Details: types.AssetDetails{Type: "native", Chain: "solana_mainnet"},
			},
		},
		WaitForState: types.WaitForStateSigned,
	}

	s, err := h.pipeline.Run(context.Background(), req, types.BroadcastPathDirect)
	require.NoError(t, err)
	assert.Equal(t, types.StateSubmitted, s.State)
	assert.Equal(t, types.BroadcastPathCustodian, s.BroadcastPath)
	assert.Empty(t, s.RawTransaction)
	assert.NotEmpty(t, s.Signature)
	assert.Empty(t, h.direct.Calls())
}

func TestResumeSignedTransaction(t *testing.T) {
	h := newHarness(t, nil)
	acceptAll(h.direct)

	tx, err := h.custody.CreateTransaction(context.Background(), serializedRequest(t, types.PushModeManual, 1000), "external-key")
	require.NoError(t, err)

	s, err := h.pipeline.Resume(context.Background(), tx.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StateSigned, s.State)
	assert.Equal(t, tx.ID, s.CustodyTransactionID)
	assert.Equal(t, tx.Hash, s.Signature)
	assert.Equal(t, tx.RawTransaction, s.RawTransaction)

	require.NoError(t, h.pipeline.Broadcast(context.Background(), s, types.BroadcastPathDirect))
	assert.Equal(t, types.StateSubmitted, s.State)

	again, err := h.pipeline.Resume(context.Background(), tx.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StateSubmitted, again.State)
	assert.Equal(t, s.ID, again.ID)
	assert.Len(t, h.direct.CallsTo(broadcaster.MethodSendTransaction), 1)
}

func TestResumeInterruptedBroadcast(t *testing.T) {
	logger := zaptest.NewLogger(t)
	store := memory.NewMemoryPersistence(logger)
	h := newHarness(t, func(cfg *Config) { cfg.Store = store })
	acceptAll(h.direct)

	req := serializedRequest(t, types.PushModeManual, 1000)
	tx, err := h.custody.CreateTransaction(context.Background(), req, "interrupted-key")
	require.NoError(t, err)

	now := time.Now().UTC()
	require.NoError(t, store.SaveSubmission(&types.SubmissionRecord{
		ID:                   "local-1",
		IdempotencyKey:       "interrupted-key",
		CustodyTransactionID: tx.ID,
		State:                types.StateBroadcasting,
		Request:              req,
		CreatedAt:            now,
		UpdatedAt:            now,
	}))

	s, err := h.pipeline.Resume(context.Background(), tx.ID)
	require.NoError(t, err)
	assert.Equal(t, "local-1", s.ID)
	assert.Equal(t, types.StateBroadcastFailed, s.State)

	require.NoError(t, h.pipeline.Rebroadcast(context.Background(), s, types.BroadcastPathDirect))
	assert.Equal(t, types.StateSubmitted, s.State)

	stored, err := store.LoadSubmission("local-1")
	require.NoError(t, err)
	assert.Equal(t, types.StateSubmitted, stored.State)
}

func TestResumeErrors(t *testing.T) {
	h := newHarness(t, nil)

	_, err := h.pipeline.Resume(context.Background(), "")
	assert.ErrorIs(t, err, txErrors.ErrInvalidInput)

	_, err = h.pipeline.Resume(context.Background(), "tx-9999")
	require.Error(t, err)
	assert.True(t, custodyClient.IsNotFound(err))

	tx, err := h.custody.CreateTransaction(context.Background(), serializedRequest(t, types.PushModeManual, 1000), "k")
	require.NoError(t, err)
	h.custodian.SetState(tx.ID, types.CustodyStateErrorSigning)
	_, err = h.pipeline.Resume(context.Background(), tx.ID)
	assert.ErrorIs(t, err, txErrors.ErrSignFailed)
}
