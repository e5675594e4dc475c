package memory

import (
	"sync"

	"github.com/Layr-Labs/custody-tx-go/pkg/persistence"
	"github.com/Layr-Labs/custody-tx-go/pkg/types"
	"go.uber.org/zap"
)

// MemoryPersistence is an in-memory implementation of ISubmissionStore.
//
// All data is lost when the process exits, so a submission left in
// AWAITING_SIGNATURE can only be found again through the custodian.
// Thread-safe using sync.RWMutex. Deep copies records to prevent external
// mutation.
type MemoryPersistence struct {
	mu sync.RWMutex

	// id -> record
	records map[string]*types.SubmissionRecord
	// idempotency key -> id
	byIdempotencyKey map[string]string
	// custody transaction id -> id
	byCustodyID map[string]string

	closed bool
}

var _ persistence.ISubmissionStore = (*MemoryPersistence)(nil)

// NewMemoryPersistence creates a new in-memory store
func NewMemoryPersistence(logger *zap.Logger) *MemoryPersistence {
	if logger != nil {
		logger.Sugar().Warnw("Using in-memory persistence, submission records will be lost on restart",
			"hint", "set PERSISTENCE_TYPE=badger to keep them")
	}

	return &MemoryPersistence{
		records:          make(map[string]*types.SubmissionRecord),
		byIdempotencyKey: make(map[string]string),
		byCustodyID:      make(map[string]string),
	}
}

// SaveSubmission upserts a record
func (m *MemoryPersistence) SaveSubmission(record *types.SubmissionRecord) error {
	if err := persistence.ValidateRecord(record); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return persistence.ErrClosed
	}

	if prev, ok := m.records[record.ID]; ok {
		m.dropIndexes(prev)
	}
	m.records[record.ID] = record.Clone()
	m.byIdempotencyKey[record.IdempotencyKey] = record.ID
	if record.CustodyTransactionID != "" {
		m.byCustodyID[record.CustodyTransactionID] = record.ID
	}

	return nil
}

// LoadSubmission retrieves a record by id
func (m *MemoryPersistence) LoadSubmission(id string) (*types.SubmissionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, persistence.ErrClosed
	}

	return m.records[id].Clone(), nil
}

// LoadByIdempotencyKey retrieves a record by idempotency key
func (m *MemoryPersistence) LoadByIdempotencyKey(key string) (*types.SubmissionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, persistence.ErrClosed
	}

	id, ok := m.byIdempotencyKey[key]
	if !ok {
		return nil, nil
	}
	return m.records[id].Clone(), nil
}

// LoadByCustodyID retrieves a record by custodial transaction id
func (m *MemoryPersistence) LoadByCustodyID(custodyID string) (*types.SubmissionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, persistence.ErrClosed
	}

	id, ok := m.byCustodyID[custodyID]
	if !ok {
		return nil, nil
	}
	return m.records[id].Clone(), nil
}

// ListSubmissions returns records sorted by creation time
func (m *MemoryPersistence) ListSubmissions(states ...types.SubmissionState) ([]*types.SubmissionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, persistence.ErrClosed
	}

	result := make([]*types.SubmissionRecord, 0, len(m.records))
	for _, r := range m.records {
		if persistence.MatchesStates(r, states) {
			result = append(result, r.Clone())
		}
	}
	persistence.SortByCreation(result)

	return result, nil
}

// DeleteSubmission removes a record
func (m *MemoryPersistence) DeleteSubmission(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return persistence.ErrClosed
	}

	if prev, ok := m.records[id]; ok {
		m.dropIndexes(prev)
		delete(m.records, id)
	}
	return nil
}

func (m *MemoryPersistence) dropIndexes(r *types.SubmissionRecord) {
	delete(m.byIdempotencyKey, r.IdempotencyKey)
	if r.CustodyTransactionID != "" {
		delete(m.byCustodyID, r.CustodyTransactionID)
	}
}

// Close marks the store closed
func (m *MemoryPersistence) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	return nil
}

// HealthCheck verifies the store is open
func (m *MemoryPersistence) HealthCheck() error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return persistence.ErrClosed
	}
	return nil
}
