package persistence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Layr-Labs/custody-tx-go/pkg/types"
)

func TestMarshalSubmissionRecord_PreservesHistory(t *testing.T) {
	created := time.Date(2024, 11, 3, 12, 0, 0, 0, time.UTC)
	original := &types.SubmissionRecord{
		ID:                   "sub-1",
		IdempotencyKey:       "idem-1",
		CustodyTransactionID: "tx-0001",
		State:                types.StateSubmitted,
		CustodyState:         types.CustodyStateSigned,
		BroadcastPath:        types.BroadcastPathRelay,
		CreatedAt:            created,
		UpdatedAt:            created.Add(time.Second),
		History: []types.StateChange{
			{From: types.StateBuilt, To: types.StateAwaitingSignature, At: created},
			{From: types.StateAwaitingSignature, To: types.StateSigned, At: created.Add(time.Second), Reason: "signed"},
		},
	}

	data, err := MarshalSubmissionRecord(original)
	require.NoError(t, err)

	restored, err := UnmarshalSubmissionRecord(data)
	require.NoError(t, err)
	assert.Equal(t, original.History, restored.History)
	assert.True(t, original.CreatedAt.Equal(restored.CreatedAt))
	assert.Equal(t, types.BroadcastPathRelay, restored.BroadcastPath)
}

func TestMarshalSubmissionRecord_InvalidInput(t *testing.T) {
	_, err := MarshalSubmissionRecord(nil)
	require.Error(t, err)

	_, err = UnmarshalSubmissionRecord(nil)
	require.Error(t, err)

	_, err = UnmarshalSubmissionRecord([]byte("{not json"))
	require.Error(t, err)
}

func TestSortByCreation(t *testing.T) {
	base := time.Now()
	records := []*types.SubmissionRecord{
		{ID: "c", CreatedAt: base.Add(2 * time.Second)},
		{ID: "b", CreatedAt: base},
		{ID: "a", CreatedAt: base},
	}
	SortByCreation(records)
	assert.Equal(t, "a", records[0].ID)
	assert.Equal(t, "b", records[1].ID)
	assert.Equal(t, "c", records[2].ID)
}

func TestValidateRecord(t *testing.T) {
	assert.Error(t, ValidateRecord(nil))
	assert.Error(t, ValidateRecord(&types.SubmissionRecord{IdempotencyKey: "k"}))
	assert.Error(t, ValidateRecord(&types.SubmissionRecord{ID: "x"}))
	assert.NoError(t, ValidateRecord(&types.SubmissionRecord{ID: "x", IdempotencyKey: "k"}))
}
