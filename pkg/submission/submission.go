// Package submission drives a transaction from a built request through
// custodial signing to broadcast.
//
//	BUILT -> AWAITING_SIGNATURE -> SIGNED | SIGN_FAILED
//	SIGNED -> BROADCASTING -> SUBMITTED | BROADCAST_FAILED
//
// SIGN_FAILED may be reset to BUILT with the same idempotency key. A
// BROADCAST_FAILED submission is only sent again through Rebroadcast, which
// checks the ledger first.
package submission

import (
	"time"

	"github.com/google/uuid"

	"github.com/Layr-Labs/custody-tx-go/pkg/txErrors"
	"github.com/Layr-Labs/custody-tx-go/pkg/types"
)

// transitions lists the states reachable from each state
var transitions = map[types.SubmissionState][]types.SubmissionState{
	types.StateBuilt:             {types.StateAwaitingSignature},
	types.StateAwaitingSignature: {types.StateSigned, types.StateSignFailed},
	types.StateSignFailed:        {types.StateBuilt},
	types.StateSigned:            {types.StateBroadcasting},
	types.StateBroadcasting:      {types.StateSubmitted, types.StateBroadcastFailed},
	types.StateBroadcastFailed:   {types.StateBroadcasting, types.StateSubmitted},
}

// CanTransition reports whether from -> to is a legal move
func CanTransition(from, to types.SubmissionState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Submission is one transaction's pass through the pipeline. It is not safe
// for concurrent use; independent submissions may run in parallel.
type Submission struct {
	types.SubmissionRecord
}

// NewSubmission wraps req in a BUILT submission with a fresh idempotency key
func NewSubmission(req *types.SubmissionRequest, now time.Time) *Submission {
	return &Submission{SubmissionRecord: types.SubmissionRecord{
		ID:             uuid.NewString(),
		IdempotencyKey: uuid.NewString(),
		State:          types.StateBuilt,
		Request:        req,
		CreatedAt:      now,
		UpdatedAt:      now,
	}}
}

// FromRecord wraps a record loaded from the store
func FromRecord(record *types.SubmissionRecord) *Submission {
	return &Submission{SubmissionRecord: *record.Clone()}
}

// Record returns a copy of the submission's record
func (s *Submission) Record() *types.SubmissionRecord {
	return s.SubmissionRecord.Clone()
}

// PushMode returns the push mode of the request, manual when unknown
func (s *Submission) PushMode() types.PushMode {
	if s.Request == nil || s.Request.Details.PushMode == "" {
		return types.PushModeManual
	}
	return s.Request.Details.PushMode
}

func (s *Submission) moveTo(to types.SubmissionState, reason string, at time.Time) error {
	if !CanTransition(s.State, to) {
		return txErrors.New(txErrors.KindInvalidTransition, "submission "+s.ID, "cannot move from %s to %s", s.State, to)
	}
	s.History = append(s.History, types.StateChange{From: s.State, To: to, At: at, Reason: reason})
	s.State = to
	s.UpdatedAt = at
	return nil
}

func (s *Submission) recordError(err error) {
	if err == nil {
		s.LastErrorKind = ""
		s.LastError = ""
		return
	}
	s.LastErrorKind = string(txErrors.KindOf(err))
	s.LastError = err.Error()
}
