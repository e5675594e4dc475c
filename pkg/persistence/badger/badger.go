package badger

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/Layr-Labs/custody-tx-go/pkg/persistence"
	"github.com/Layr-Labs/custody-tx-go/pkg/types"
	badgerdb "github.com/dgraph-io/badger/v3"
	"go.uber.org/zap"
)

// Key prefixes for namespacing
const (
	keyPrefixRecord         = "submission:"
	keyPrefixIdempotencyKey = "idx:idempotency:"
	keyPrefixCustodyID      = "idx:custody:"
	keySchemaVersion        = "metadata:schema_version"
	currentSchemaVersion    = "v1"
)

// BadgerPersistence is a durable, disk-based submission store
type BadgerPersistence struct {
	db       *badgerdb.DB
	logger   *zap.Logger
	gcCancel context.CancelFunc
	gcWg     sync.WaitGroup
	mu       sync.RWMutex
	closed   bool
}

var _ persistence.ISubmissionStore = (*BadgerPersistence)(nil)

// NewBadgerPersistence opens (or creates) a store at dataPath with SyncWrites
// enabled and starts background value log GC.
func NewBadgerPersistence(dataPath string, logger *zap.Logger) (*BadgerPersistence, error) {
	absPath, err := filepath.Abs(dataPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path: %w", err)
	}

	opts := badgerdb.DefaultOptions(absPath)
	opts.Logger = &badgerLoggerAdapter{logger: logger}
	opts.SyncWrites = true
	opts.CompactL0OnClose = true
	opts.NumVersionsToKeep = 1

	db, err := badgerdb.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database at %s: %w", absPath, err)
	}

	bp := &BadgerPersistence{
		db:     db,
		logger: logger,
	}

	if err := bp.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	bp.gcCancel = cancel
	bp.gcWg.Add(1)
	go bp.runGC(ctx)

	logger.Sugar().Infow("Badger persistence initialized", "path", absPath)

	return bp, nil
}

func (b *BadgerPersistence) initSchema() error {
	return b.db.Update(func(txn *badgerdb.Txn) error {
		item, err := txn.Get([]byte(keySchemaVersion))
		if errors.Is(err, badgerdb.ErrKeyNotFound) {
			return txn.Set([]byte(keySchemaVersion), []byte(currentSchemaVersion))
		}
		if err != nil {
			return fmt.Errorf("failed to read schema version: %w", err)
		}

		var existingVersion string
		if err := item.Value(func(val []byte) error {
			existingVersion = string(val)
			return nil
		}); err != nil {
			return fmt.Errorf("failed to read schema version value: %w", err)
		}

		if existingVersion != currentSchemaVersion {
			return fmt.Errorf("unsupported schema version: %s (expected: %s)", existingVersion, currentSchemaVersion)
		}
		return nil
	})
}

func (b *BadgerPersistence) runGC(ctx context.Context) {
	defer b.gcWg.Done()

	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			err := b.db.RunValueLogGC(0.5)
			if err != nil && !errors.Is(err, badgerdb.ErrNoRewrite) {
				b.logger.Sugar().Warnw("Badger GC error", "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

func recordKey(id string) []byte { return []byte(keyPrefixRecord + id) }

// getValue copies the value at key, returning nil when absent
func getValue(txn *badgerdb.Txn, key []byte) ([]byte, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badgerdb.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return item.ValueCopy(nil)
}

func loadRecord(txn *badgerdb.Txn, id string) (*types.SubmissionRecord, error) {
	data, err := getValue(txn, recordKey(id))
	if err != nil || data == nil {
		return nil, err
	}
	return persistence.UnmarshalSubmissionRecord(data)
}

func deleteIndexes(txn *badgerdb.Txn, r *types.SubmissionRecord) error {
	if err := txn.Delete([]byte(keyPrefixIdempotencyKey + r.IdempotencyKey)); err != nil {
		return err
	}
	if r.CustodyTransactionID != "" {
		return txn.Delete([]byte(keyPrefixCustodyID + r.CustodyTransactionID))
	}
	return nil
}

// SaveSubmission upserts a record and its indexes in one transaction
func (b *BadgerPersistence) SaveSubmission(record *types.SubmissionRecord) error {
	if err := persistence.ValidateRecord(record); err != nil {
		return err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return persistence.ErrClosed
	}

	data, err := persistence.MarshalSubmissionRecord(record)
	if err != nil {
		return fmt.Errorf("failed to marshal SubmissionRecord: %w", err)
	}

	err = b.db.Update(func(txn *badgerdb.Txn) error {
		prev, err := loadRecord(txn, record.ID)
		if err != nil {
			return err
		}
		if prev != nil {
			if err := deleteIndexes(txn, prev); err != nil {
				return err
			}
		}
		if err := txn.Set(recordKey(record.ID), data); err != nil {
			return err
		}
		if err := txn.Set([]byte(keyPrefixIdempotencyKey+record.IdempotencyKey), []byte(record.ID)); err != nil {
			return err
		}
		if record.CustodyTransactionID != "" {
			return txn.Set([]byte(keyPrefixCustodyID+record.CustodyTransactionID), []byte(record.ID))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save SubmissionRecord: %w", err)
	}
	return nil
}

// LoadSubmission retrieves a record by id
func (b *BadgerPersistence) LoadSubmission(id string) (*types.SubmissionRecord, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil, persistence.ErrClosed
	}

	var record *types.SubmissionRecord
	err := b.db.View(func(txn *badgerdb.Txn) error {
		var err error
		record, err = loadRecord(txn, id)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load SubmissionRecord: %w", err)
	}
	return record, nil
}

func (b *BadgerPersistence) loadByIndex(prefix, value string) (*types.SubmissionRecord, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil, persistence.ErrClosed
	}

	var record *types.SubmissionRecord
	err := b.db.View(func(txn *badgerdb.Txn) error {
		id, err := getValue(txn, []byte(prefix+value))
		if err != nil || id == nil {
			return err
		}
		record, err = loadRecord(txn, string(id))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load SubmissionRecord by index: %w", err)
	}
	return record, nil
}

// LoadByIdempotencyKey retrieves a record by idempotency key
func (b *BadgerPersistence) LoadByIdempotencyKey(key string) (*types.SubmissionRecord, error) {
	return b.loadByIndex(keyPrefixIdempotencyKey, key)
}

// LoadByCustodyID retrieves a record by custodial transaction id
func (b *BadgerPersistence) LoadByCustodyID(custodyID string) (*types.SubmissionRecord, error) {
	return b.loadByIndex(keyPrefixCustodyID, custodyID)
}

// ListSubmissions returns records sorted by creation time
func (b *BadgerPersistence) ListSubmissions(states ...types.SubmissionState) ([]*types.SubmissionRecord, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil, persistence.ErrClosed
	}

	records := []*types.SubmissionRecord{}
	err := b.db.View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.Prefix = []byte(keyPrefixRecord)

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			data, err := item.ValueCopy(nil)
			if err != nil {
				return fmt.Errorf("failed to read value: %w", err)
			}

			record, err := persistence.UnmarshalSubmissionRecord(data)
			if err != nil {
				b.logger.Sugar().Warnw("Failed to unmarshal SubmissionRecord, skipping",
					"key", string(item.Key()), "error", err)
				continue
			}
			if persistence.MatchesStates(record, states) {
				records = append(records, record)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list SubmissionRecords: %w", err)
	}

	persistence.SortByCreation(records)
	return records, nil
}

// DeleteSubmission removes a record and its indexes
func (b *BadgerPersistence) DeleteSubmission(id string) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return persistence.ErrClosed
	}

	return b.db.Update(func(txn *badgerdb.Txn) error {
		prev, err := loadRecord(txn, id)
		if err != nil || prev == nil {
			return err
		}
		if err := deleteIndexes(txn, prev); err != nil {
			return err
		}
		return txn.Delete(recordKey(id))
	})
}

// Close shuts down the store
func (b *BadgerPersistence) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	if b.gcCancel != nil {
		b.gcCancel()
	}
	b.gcWg.Wait()

	if err := b.db.Close(); err != nil {
		return fmt.Errorf("failed to close badger database: %w", err)
	}

	b.logger.Sugar().Info("Badger persistence closed")
	return nil
}

// HealthCheck verifies the database is readable and initialized
func (b *BadgerPersistence) HealthCheck() error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return persistence.ErrClosed
	}

	return b.db.View(func(txn *badgerdb.Txn) error {
		_, err := txn.Get([]byte(keySchemaVersion))
		if errors.Is(err, badgerdb.ErrKeyNotFound) {
			return fmt.Errorf("schema version not found - database may be corrupted")
		}
		return err
	})
}
