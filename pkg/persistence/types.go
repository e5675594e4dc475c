package persistence

import (
	"errors"
	"sort"

	"github.com/Layr-Labs/custody-tx-go/pkg/types"
)

// ErrClosed is returned by every operation on a closed store
var ErrClosed = errors.New("persistence layer is closed")

// SortByCreation orders records by creation time, then id
func SortByCreation(records []*types.SubmissionRecord) {
	sort.Slice(records, func(i, j int) bool {
		if records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].ID < records[j].ID
		}
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
}

// MatchesStates reports whether record is in one of states. An empty states
// list matches everything.
func MatchesStates(record *types.SubmissionRecord, states []types.SubmissionState) bool {
	if len(states) == 0 {
		return true
	}
	for _, s := range states {
		if record.State == s {
			return true
		}
	}
	return false
}

// ValidateRecord checks the fields every store indexes on
func ValidateRecord(record *types.SubmissionRecord) error {
	if record == nil {
		return errors.New("cannot save nil SubmissionRecord")
	}
	if record.ID == "" {
		return errors.New("submission record id is required")
	}
	if record.IdempotencyKey == "" {
		return errors.New("submission record idempotency key is required")
	}
	return nil
}
