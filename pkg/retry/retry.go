// Package retry holds the pipeline's retry policy table and a backoff loop
// that consults it.
package retry

import (
	"context"
	"net/http"
	"time"

	"github.com/Layr-Labs/custody-tx-go/pkg/txErrors"
)

// Stage is the pipeline step an operation belongs to
type Stage string

const (
	// StageSigning covers authenticated writes to the custodian, made safe to
	// repeat by the idempotency key
	StageSigning Stage = "signing"
	// StageReadOnly covers status queries and ledger reads
	StageReadOnly Stage = "read_only"
	// StageBroadcast covers sending a signed transaction
	StageBroadcast Stage = "broadcast"
)

// Decision is what the pipeline should do after a failure
type Decision int

const (
	// DecisionFail surfaces the error
	DecisionFail Decision = iota
	// DecisionRetry repeats the same operation after a backoff
	DecisionRetry
	// DecisionReconcile queries the ledger for the transaction before doing anything else
	DecisionReconcile
	// DecisionRebuild fetches a fresh blockhash, recompiles and re-signs
	DecisionRebuild
)

func (d Decision) String() string {
	switch d {
	case DecisionRetry:
		return "retry"
	case DecisionReconcile:
		return "reconcile"
	case DecisionRebuild:
		return "rebuild"
	default:
		return "fail"
	}
}

// RetryConfig configures retry behavior
type RetryConfig struct {
	MaxAttempts     int
	InitialBackoff  time.Duration
	MaxBackoff      time.Duration
	BackoffMultiple float64
}

// DefaultRetryConfig provides default retry settings
var DefaultRetryConfig = RetryConfig{
	MaxAttempts:     5,
	InitialBackoff:  250 * time.Millisecond,
	MaxBackoff:      5 * time.Second,
	BackoffMultiple: 2.0,
}

// Classify maps a failure at stage to a decision
func Classify(stage Stage, err error) Decision {
	if err == nil {
		return DecisionFail
	}

	switch txErrors.KindOf(err) {
	case txErrors.KindNetwork:
		if stage == StageBroadcast {
			return DecisionReconcile
		}
		return DecisionRetry

	case txErrors.KindSignFailed:
		if stage == StageBroadcast {
			return DecisionFail
		}
		if retryableStatus(txErrors.StatusCodeOf(err)) {
			return DecisionRetry
		}
		return DecisionFail

	case txErrors.KindAuthExpired:
		// a remote 401 may be timestamp skew and is retried with a fresh
		// signature; a locally expired token is not
		if stage != StageBroadcast && txErrors.StatusCodeOf(err) == http.StatusUnauthorized {
			return DecisionRetry
		}
		return DecisionFail

	case txErrors.KindStaleReference:
		if stage == StageBroadcast {
			return DecisionRebuild
		}
		return DecisionFail

	case txErrors.KindBroadcastFailed:
		if stage == StageBroadcast && txErrors.IsAmbiguous(err) {
			return DecisionReconcile
		}
		return DecisionFail
	}

	return DecisionFail
}

func retryableStatus(code int) bool {
	return code == 0 ||
		code == http.StatusRequestTimeout ||
		code == http.StatusTooManyRequests ||
		code >= http.StatusInternalServerError
}

// Do runs fn until it succeeds, Classify says anything other than retry, the
// attempts are exhausted or ctx is done. fn receives the 1-based attempt.
func Do(ctx context.Context, cfg RetryConfig, stage Stage, fn func(ctx context.Context, attempt int) error) error {
	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	backoff := cfg.InitialBackoff

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = fn(ctx, attempt); err == nil {
			return nil
		}
		if Classify(stage, err) != DecisionRetry || attempt == attempts {
			return err
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}

		backoff = time.Duration(float64(backoff) * cfg.BackoffMultiple)
		if backoff > cfg.MaxBackoff {
			backoff = cfg.MaxBackoff
		}
	}
	return err
}
