package types

import "time"

// SubmissionState is the local pipeline state of a submission
type SubmissionState string

const (
	StateBuilt             SubmissionState = "BUILT"
	StateAwaitingSignature SubmissionState = "AWAITING_SIGNATURE"
	StateSigned            SubmissionState = "SIGNED"
	StateSignFailed        SubmissionState = "SIGN_FAILED"
	StateBroadcasting      SubmissionState = "BROADCASTING"
	StateSubmitted         SubmissionState = "SUBMITTED"
	StateBroadcastFailed   SubmissionState = "BROADCAST_FAILED"
)

// IsTerminal reports whether no further transition is expected without operator action
func (s SubmissionState) IsTerminal() bool {
	return s == StateSubmitted || s == StateSignFailed || s == StateBroadcastFailed
}

// BroadcastPath selects where a signed transaction is sent
type BroadcastPath string

const (
	BroadcastPathDirect BroadcastPath = "direct"
	BroadcastPathRelay  BroadcastPath = "relay"
	// BroadcastPathCustodian is recorded when the custodian pushed the transaction itself
	BroadcastPathCustodian BroadcastPath = "custodian"
)

// StateChange is one entry in a submission's transition history
type StateChange struct {
	From   SubmissionState `json:"from"`
	To     SubmissionState `json:"to"`
	At     time.Time       `json:"at"`
	Reason string          `json:"reason,omitempty"`
}

// SubmissionRecord is the local cache entry for a submission. The custodian
// holds the canonical copy.
type SubmissionRecord struct {
	ID                   string             `json:"id"`
	IdempotencyKey       string             `json:"idempotency_key"`
	CustodyTransactionID string             `json:"custody_transaction_id,omitempty"`
	State                SubmissionState    `json:"state"`
	CustodyState         CustodyState       `json:"custody_state,omitempty"`
	Request              *SubmissionRequest `json:"request,omitempty"`
	RawTransaction       string             `json:"raw_transaction,omitempty"`
	Signature            string             `json:"signature,omitempty"`
	BroadcastPath        BroadcastPath      `json:"broadcast_path,omitempty"`
	Broadcaster          string             `json:"broadcaster,omitempty"`
	LastErrorKind        string             `json:"last_error_kind,omitempty"`
	LastError            string             `json:"last_error,omitempty"`
	CreatedAt            time.Time          `json:"created_at"`
	UpdatedAt            time.Time          `json:"updated_at"`
	History              []StateChange      `json:"history,omitempty"`
}

// Clone returns a deep copy
func (r *SubmissionRecord) Clone() *SubmissionRecord {
	if r == nil {
		return nil
	}
	out := *r
	if r.Request != nil {
		req := *r.Request
		if r.Request.Details.Value != nil {
			v := *r.Request.Details.Value
			req.Details.Value = &v
		}
		if r.Request.Details.AssetIdentifier != nil {
			a := *r.Request.Details.AssetIdentifier
			req.Details.AssetIdentifier = &a
		}
		out.Request = &req
	}
	if r.History != nil {
		out.History = append([]StateChange(nil), r.History...)
	}
	return &out
}
