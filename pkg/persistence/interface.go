package persistence

import "github.com/Layr-Labs/custody-tx-go/pkg/types"

// ISubmissionStore is the local cache of submission records. The custodian
// holds the canonical copy of every transaction; this store lets an operator
// find, resume and audit submissions across process restarts.
// All implementations must be thread-safe.
type ISubmissionStore interface {
	// SaveSubmission upserts a record keyed by its ID and refreshes the
	// idempotency key and custody id indexes.
	SaveSubmission(record *types.SubmissionRecord) error

	// LoadSubmission returns nil if the record doesn't exist, error only on storage failure.
	LoadSubmission(id string) (*types.SubmissionRecord, error)

	// LoadByIdempotencyKey returns the record created with key, or nil.
	LoadByIdempotencyKey(key string) (*types.SubmissionRecord, error)

	// LoadByCustodyID returns the record for a custodial transaction id, or nil.
	LoadByCustodyID(custodyID string) (*types.SubmissionRecord, error)

	// ListSubmissions returns records sorted by creation time (ascending).
	// When states is non-empty only records in one of those states are returned.
	ListSubmissions(states ...types.SubmissionState) ([]*types.SubmissionRecord, error)

	// DeleteSubmission removes a record and its indexes.
	// Idempotent - returns nil if the record doesn't exist.
	DeleteSubmission(id string) error

	// Close cleanly shuts down the store. Idempotent.
	// After Close(), all other operations return errors.
	Close() error

	// HealthCheck returns nil if the store is operational.
	HealthCheck() error
}
