package persistence

import (
	"encoding/json"
	"fmt"

	"github.com/Layr-Labs/custody-tx-go/pkg/types"
)

// MarshalSubmissionRecord serializes a SubmissionRecord to JSON bytes.
func MarshalSubmissionRecord(record *types.SubmissionRecord) ([]byte, error) {
	if record == nil {
		return nil, fmt.Errorf("cannot marshal nil SubmissionRecord")
	}

	data, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal SubmissionRecord to JSON: %w", err)
	}

	return data, nil
}

// UnmarshalSubmissionRecord deserializes a SubmissionRecord from JSON bytes.
func UnmarshalSubmissionRecord(data []byte) (*types.SubmissionRecord, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("cannot unmarshal empty data")
	}

	var record types.SubmissionRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal JSON to SubmissionRecord: %w", err)
	}

	return &record, nil
}
