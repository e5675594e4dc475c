// Package persistencetest holds the behavior every ISubmissionStore
// implementation must share.
package persistencetest

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Layr-Labs/custody-tx-go/pkg/persistence"
	"github.com/Layr-Labs/custody-tx-go/pkg/types"
)

// NewRecord returns a BUILT record with unique ids
func NewRecord(createdAt time.Time) *types.SubmissionRecord {
	return &types.SubmissionRecord{
		ID:             uuid.NewString(),
		IdempotencyKey: uuid.NewString(),
		State:          types.StateBuilt,
		Request: &types.SubmissionRequest{
			VaultID: "vault-1",
			Details: types.RequestDetails{Type: types.DetailsTypeSerializedMessage, Data: "AQID"},
		},
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}
}

// RunStoreTests exercises store. newStore must return an empty, open store.
func RunStoreTests(t *testing.T, newStore func(t *testing.T) persistence.ISubmissionStore) {
	t.Run("save and load", func(t *testing.T) {
		store := newStore(t)
		defer func() { _ = store.Close() }()

		record := NewRecord(time.Now().UTC())
		require.NoError(t, store.SaveSubmission(record))

		loaded, err := store.LoadSubmission(record.ID)
		require.NoError(t, err)
		require.NotNil(t, loaded)
		assert.Equal(t, record.IdempotencyKey, loaded.IdempotencyKey)
		assert.Equal(t, record.Request.Details.Data, loaded.Request.Details.Data)

		byKey, err := store.LoadByIdempotencyKey(record.IdempotencyKey)
		require.NoError(t, err)
		require.NotNil(t, byKey)
		assert.Equal(t, record.ID, byKey.ID)
	})

	t.Run("not found", func(t *testing.T) {
		store := newStore(t)
		defer func() { _ = store.Close() }()

		loaded, err := store.LoadSubmission("missing")
		require.NoError(t, err)
		assert.Nil(t, loaded)

		loaded, err = store.LoadByIdempotencyKey("missing")
		require.NoError(t, err)
		assert.Nil(t, loaded)

		loaded, err = store.LoadByCustodyID("missing")
		require.NoError(t, err)
		assert.Nil(t, loaded)
	})

	t.Run("invalid record", func(t *testing.T) {
		store := newStore(t)
		defer func() { _ = store.Close() }()

		assert.Error(t, store.SaveSubmission(nil))
		assert.Error(t, store.SaveSubmission(&types.SubmissionRecord{ID: "x"}))
	})

	t.Run("update indexes custody id", func(t *testing.T) {
		store := newStore(t)
		defer func() { _ = store.Close() }()

		record := NewRecord(time.Now().UTC())
		require.NoError(t, store.SaveSubmission(record))

		record.CustodyTransactionID = "tx-" + record.ID
		record.State = types.StateSigned
		require.NoError(t, store.SaveSubmission(record))

		loaded, err := store.LoadByCustodyID(record.CustodyTransactionID)
		require.NoError(t, err)
		require.NotNil(t, loaded)
		assert.Equal(t, types.StateSigned, loaded.State)
	})

	t.Run("returned records are copies", func(t *testing.T) {
		store := newStore(t)
		defer func() { _ = store.Close() }()

		record := NewRecord(time.Now().UTC())
		require.NoError(t, store.SaveSubmission(record))
		record.State = types.StateSubmitted

		loaded, err := store.LoadSubmission(record.ID)
		require.NoError(t, err)
		assert.Equal(t, types.StateBuilt, loaded.State)

		loaded.State = types.StateSignFailed
		again, err := store.LoadSubmission(record.ID)
		require.NoError(t, err)
		assert.Equal(t, types.StateBuilt, again.State)
	})

	t.Run("list sorted and filtered", func(t *testing.T) {
		store := newStore(t)
		defer func() { _ = store.Close() }()

		base := time.Now().UTC().Truncate(time.Millisecond)
		first := NewRecord(base)
		second := NewRecord(base.Add(time.Second))
		second.State = types.StateSigned
		third := NewRecord(base.Add(2 * time.Second))
		third.State = types.StateSubmitted
		for _, r := range []*types.SubmissionRecord{third, first, second} {
			require.NoError(t, store.SaveSubmission(r))
		}

		all, err := store.ListSubmissions()
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, []string{first.ID, second.ID, third.ID}, []string{all[0].ID, all[1].ID, all[2].ID})

		open, err := store.ListSubmissions(types.StateBuilt, types.StateSigned)
		require.NoError(t, err)
		require.Len(t, open, 2)
		assert.Equal(t, first.ID, open[0].ID)
		assert.Equal(t, second.ID, open[1].ID)
	})

	t.Run("delete is idempotent and drops indexes", func(t *testing.T) {
		store := newStore(t)
		defer func() { _ = store.Close() }()

		record := NewRecord(time.Now().UTC())
		record.CustodyTransactionID = "tx-" + record.ID
		require.NoError(t, store.SaveSubmission(record))

		require.NoError(t, store.DeleteSubmission(record.ID))
		require.NoError(t, store.DeleteSubmission(record.ID))

		loaded, err := store.LoadByIdempotencyKey(record.IdempotencyKey)
		require.NoError(t, err)
		assert.Nil(t, loaded)
		loaded, err = store.LoadByCustodyID(record.CustodyTransactionID)
		require.NoError(t, err)
		assert.Nil(t, loaded)

		all, err := store.ListSubmissions()
		require.NoError(t, err)
		assert.Empty(t, all)
	})

	t.Run("close", func(t *testing.T) {
		store := newStore(t)
		require.NoError(t, store.HealthCheck())
		require.NoError(t, store.Close())
		require.NoError(t, store.Close())

		assert.Error(t, store.HealthCheck())
		assert.Error(t, store.SaveSubmission(NewRecord(time.Now())))
		_, err := store.LoadSubmission("x")
		assert.Error(t, err)
		_, err = store.ListSubmissions()
		assert.Error(t, err)
	})

	t.Run("concurrent saves", func(t *testing.T) {
		store := newStore(t)
		defer func() { _ = store.Close() }()

		base := time.Now().UTC()
		var wg sync.WaitGroup
		errs := make(chan error, 20)
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				r := NewRecord(base.Add(time.Duration(i) * time.Millisecond))
				r.Request.Note = fmt.Sprintf("record %d", i)
				errs <- store.SaveSubmission(r)
			}(i)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}

		all, err := store.ListSubmissions()
		require.NoError(t, err)
		assert.Len(t, all, 20)
	})
}
