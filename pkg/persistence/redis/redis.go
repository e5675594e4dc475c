package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Layr-Labs/custody-tx-go/pkg/persistence"
	"github.com/Layr-Labs/custody-tx-go/pkg/types"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Key prefixes for namespacing in Redis
const (
	keyPrefixRecord         = "submission:"
	keyPrefixIdempotencyKey = "idx:idempotency:"
	keyPrefixCustodyID      = "idx:custody:"
	keySchemaVersion        = "metadata:schema_version"
	currentSchemaVersion    = "v1"

	// Redis has no prefix iteration, so record ids are tracked in a set
	keySetRecords = "submissions:index"

	opTimeout = 5 * time.Second
)

// RedisPersistence is a submission store shared by every operator host
// pointing at the same Redis
type RedisPersistence struct {
	client    *redis.Client
	logger    *zap.Logger
	keyPrefix string
	mu        sync.RWMutex
	closed    bool
}

var _ persistence.ISubmissionStore = (*RedisPersistence)(nil)

// RedisConfig holds the configuration for connecting to Redis
type RedisConfig struct {
	// Address is the Redis server address (host:port)
	Address  string
	Password string
	// DB is the Redis database number (0-15)
	DB int
	// KeyPrefix is prepended to every key, e.g. "custody-tx:"
	KeyPrefix string
}

// NewRedisPersistence connects to Redis and initializes the schema marker
func NewRedisPersistence(cfg *RedisConfig, logger *zap.Logger) (*RedisPersistence, error) {
	if cfg == nil {
		return nil, fmt.Errorf("redis config cannot be nil")
	}
	if cfg.Address == "" {
		return nil, fmt.Errorf("redis address cannot be empty")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", cfg.Address, err)
	}

	rp := &RedisPersistence{
		client:    client,
		logger:    logger,
		keyPrefix: cfg.KeyPrefix,
	}

	if err := rp.initSchema(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Sugar().Infow("Redis persistence initialized", "address", cfg.Address, "db", cfg.DB, "key_prefix", cfg.KeyPrefix)

	return rp, nil
}

func (r *RedisPersistence) prefixKey(key string) string {
	return r.keyPrefix + key
}

func (r *RedisPersistence) initSchema(ctx context.Context) error {
	schemaKey := r.prefixKey(keySchemaVersion)

	existingVersion, err := r.client.Get(ctx, schemaKey).Result()
	if errors.Is(err, redis.Nil) {
		return r.client.Set(ctx, schemaKey, currentSchemaVersion, 0).Err()
	}
	if err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}

	if existingVersion != currentSchemaVersion {
		return fmt.Errorf("unsupported schema version: %s (expected: %s)", existingVersion, currentSchemaVersion)
	}
	return nil
}

func (r *RedisPersistence) load(ctx context.Context, id string) (*types.SubmissionRecord, error) {
	data, err := r.client.Get(ctx, r.prefixKey(keyPrefixRecord+id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return persistence.UnmarshalSubmissionRecord(data)
}

func (r *RedisPersistence) dropIndexes(ctx context.Context, pipe redis.Pipeliner, prev *types.SubmissionRecord) {
	pipe.Del(ctx, r.prefixKey(keyPrefixIdempotencyKey+prev.IdempotencyKey))
	if prev.CustodyTransactionID != "" {
		pipe.Del(ctx, r.prefixKey(keyPrefixCustodyID+prev.CustodyTransactionID))
	}
}

// SaveSubmission upserts a record and its indexes in one MULTI/EXEC
func (r *RedisPersistence) SaveSubmission(record *types.SubmissionRecord) error {
	if err := persistence.ValidateRecord(record); err != nil {
		return err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return persistence.ErrClosed
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	data, err := persistence.MarshalSubmissionRecord(record)
	if err != nil {
		return fmt.Errorf("failed to marshal SubmissionRecord: %w", err)
	}

	prev, err := r.load(ctx, record.ID)
	if err != nil {
		return fmt.Errorf("failed to read previous SubmissionRecord: %w", err)
	}

	pipe := r.client.TxPipeline()
	if prev != nil {
		r.dropIndexes(ctx, pipe, prev)
	}
	pipe.Set(ctx, r.prefixKey(keyPrefixRecord+record.ID), data, 0)
	pipe.Set(ctx, r.prefixKey(keyPrefixIdempotencyKey+record.IdempotencyKey), record.ID, 0)
	if record.CustodyTransactionID != "" {
		pipe.Set(ctx, r.prefixKey(keyPrefixCustodyID+record.CustodyTransactionID), record.ID, 0)
	}
	pipe.SAdd(ctx, r.prefixKey(keySetRecords), record.ID)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save SubmissionRecord: %w", err)
	}
	return nil
}

// LoadSubmission retrieves a record by id
func (r *RedisPersistence) LoadSubmission(id string) (*types.SubmissionRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return nil, persistence.ErrClosed
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	record, err := r.load(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load SubmissionRecord: %w", err)
	}
	return record, nil
}

func (r *RedisPersistence) loadByIndex(prefix, value string) (*types.SubmissionRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return nil, persistence.ErrClosed
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	id, err := r.client.Get(ctx, r.prefixKey(prefix+value)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read index: %w", err)
	}

	record, err := r.load(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load SubmissionRecord: %w", err)
	}
	return record, nil
}

// LoadByIdempotencyKey retrieves a record by idempotency key
func (r *RedisPersistence) LoadByIdempotencyKey(key string) (*types.SubmissionRecord, error) {
	return r.loadByIndex(keyPrefixIdempotencyKey, key)
}

// LoadByCustodyID retrieves a record by custodial transaction id
func (r *RedisPersistence) LoadByCustodyID(custodyID string) (*types.SubmissionRecord, error) {
	return r.loadByIndex(keyPrefixCustodyID, custodyID)
}

// ListSubmissions returns records sorted by creation time
func (r *RedisPersistence) ListSubmissions(states ...types.SubmissionState) ([]*types.SubmissionRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return nil, persistence.ErrClosed
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	indexKey := r.prefixKey(keySetRecords)
	ids, err := r.client.SMembers(ctx, indexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list SubmissionRecord ids: %w", err)
	}

	records := []*types.SubmissionRecord{}
	if len(ids) == 0 {
		return records, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.prefixKey(keyPrefixRecord + id)
	}

	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to fetch SubmissionRecords: %w", err)
	}

	for i, val := range values {
		if val == nil {
			// in the index but gone; clean up the index
			r.client.SRem(ctx, indexKey, ids[i])
			continue
		}

		data, ok := val.(string)
		if !ok {
			r.logger.Sugar().Warnw("Unexpected value type for SubmissionRecord", "key", keys[i])
			continue
		}

		record, err := persistence.UnmarshalSubmissionRecord([]byte(data))
		if err != nil {
			r.logger.Sugar().Warnw("Failed to unmarshal SubmissionRecord, skipping", "key", keys[i], "error", err)
			continue
		}
		if persistence.MatchesStates(record, states) {
			records = append(records, record)
		}
	}

	persistence.SortByCreation(records)
	return records, nil
}

// DeleteSubmission removes a record and its indexes
func (r *RedisPersistence) DeleteSubmission(id string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return persistence.ErrClosed
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	prev, err := r.load(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to read SubmissionRecord: %w", err)
	}

	pipe := r.client.TxPipeline()
	if prev != nil {
		r.dropIndexes(ctx, pipe, prev)
	}
	pipe.Del(ctx, r.prefixKey(keyPrefixRecord+id))
	pipe.SRem(ctx, r.prefixKey(keySetRecords), id)

	_, err = pipe.Exec(ctx)
	return err
}

// Close shuts down the client
func (r *RedisPersistence) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	if err := r.client.Close(); err != nil {
		return fmt.Errorf("failed to close Redis client: %w", err)
	}

	r.logger.Sugar().Info("Redis persistence closed")
	return nil
}

// HealthCheck pings Redis and checks the schema marker
func (r *RedisPersistence) HealthCheck() error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return persistence.ErrClosed
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis health check failed: %w", err)
	}

	_, err := r.client.Get(ctx, r.prefixKey(keySchemaVersion)).Result()
	if errors.Is(err, redis.Nil) {
		return fmt.Errorf("schema version not found - database may not be properly initialized")
	}
	if err != nil {
		return fmt.Errorf("failed to verify schema version: %w", err)
	}
	return nil
}
