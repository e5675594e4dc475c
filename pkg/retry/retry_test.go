package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Layr-Labs/custody-tx-go/pkg/txErrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fastConfig = RetryConfig{
	MaxAttempts:     4,
	InitialBackoff:  time.Millisecond,
	MaxBackoff:      2 * time.Millisecond,
	BackoffMultiple: 2,
}

func TestClassify(t *testing.T) {
	network := txErrors.Wrap(txErrors.KindNetwork, "op", errors.New("reset"))
	tests := []struct {
		name  string
		stage Stage
		err   error
		want  Decision
	}{
		{"network signing", StageSigning, network, DecisionRetry},
		{"network read", StageReadOnly, network, DecisionRetry},
		{"network broadcast never blind", StageBroadcast, network, DecisionReconcile},
		{"sign 500", StageSigning, txErrors.HTTP(txErrors.KindSignFailed, "op", 500, ""), DecisionRetry},
		{"sign 503", StageSigning, txErrors.HTTP(txErrors.KindSignFailed, "op", 503, ""), DecisionRetry},
		{"sign 429", StageSigning, txErrors.HTTP(txErrors.KindSignFailed, "op", 429, ""), DecisionRetry},
		{"sign 408", StageReadOnly, txErrors.HTTP(txErrors.KindSignFailed, "op", 408, ""), DecisionRetry},
		{"sign 400", StageSigning, txErrors.HTTP(txErrors.KindSignFailed, "op", 400, "bad vault"), DecisionFail},
		{"sign 403", StageSigning, txErrors.HTTP(txErrors.KindSignFailed, "op", 403, ""), DecisionFail},
		{"remote 401", StageSigning, txErrors.HTTP(txErrors.KindAuthExpired, "op", 401, ""), DecisionRetry},
		{"local token expiry", StageSigning, txErrors.New(txErrors.KindAuthExpired, "op", "token expired"), DecisionFail},
		{"stale blockhash", StageBroadcast, txErrors.New(txErrors.KindStaleReference, "op", "Blockhash not found"), DecisionRebuild},
		{"definitive broadcast", StageBroadcast, txErrors.HTTP(txErrors.KindBroadcastFailed, "op", 400, ""), DecisionFail},
		{"ambiguous broadcast", StageBroadcast, &txErrors.Error{Kind: txErrors.KindBroadcastFailed, StatusCode: 502, Ambiguous: true}, DecisionReconcile},
		{"key error", StageSigning, txErrors.New(txErrors.KindKeyError, "op", "bad pem"), DecisionFail},
		{"unclassified", StageSigning, errors.New("boom"), DecisionFail},
		{"nil", StageSigning, nil, DecisionFail},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.stage, tt.err), "got %s", Classify(tt.stage, tt.err))
		})
	}
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig, StageSigning, func(ctx context.Context, attempt int) error {
		calls++
		assert.Equal(t, calls, attempt)
		if attempt < 3 {
			return txErrors.HTTP(txErrors.KindSignFailed, "op", 502, "")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoStopsOnNonRetryable(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig, StageSigning, func(ctx context.Context, attempt int) error {
		calls++
		return txErrors.HTTP(txErrors.KindSignFailed, "op", 400, "invalid request")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.True(t, errors.Is(err, txErrors.ErrSignFailed))
}

func TestDoNeverRetriesBroadcastBlindly(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig, StageBroadcast, func(ctx context.Context, attempt int) error {
		calls++
		return txErrors.Wrap(txErrors.KindNetwork, "op", errors.New("timeout"))
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoExhaustsAttempts(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig, StageReadOnly, func(ctx context.Context, attempt int) error {
		calls++
		return txErrors.Wrap(txErrors.KindNetwork, "op", errors.New("refused"))
	})
	require.Error(t, err)
	assert.Equal(t, fastConfig.MaxAttempts, calls)
}

func TestDoHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := fastConfig
	cfg.InitialBackoff = time.Hour
	cfg.MaxBackoff = time.Hour

	calls := 0
	done := make(chan error, 1)
	go func() {
		done <- Do(ctx, cfg, StageReadOnly, func(ctx context.Context, attempt int) error {
			calls++
			return txErrors.Wrap(txErrors.KindNetwork, "op", errors.New("refused"))
		})
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.Equal(t, 1, calls)
	case <-time.After(5 * time.Second):
		t.Fatal("Do did not return after cancel")
	}
}
