// Package storage is the durable persistence collaborator for the sync
// engine. Sessions load prior state from it on start and save converged
// snapshots on a cadence; the per-record delta log backs full resync when
// incremental state has to be discarded.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"

	"github.com/elementalcollision/GraphMemory-IDE-sub005/pkg/collaboration"
	"github.com/elementalcollision/GraphMemory-IDE-sub005/pkg/crdt"
	"github.com/elementalcollision/GraphMemory-IDE-sub005/pkg/models"
	"github.com/elementalcollision/GraphMemory-IDE-sub005/pkg/observability"
)

// ErrNotFound is returned when no snapshot exists for a record
var ErrNotFound = errors.New("record not found")

// Store persists converged record state and the per-record delta log
type Store interface {
	SaveSnapshot(ctx context.Context, record models.MemoryRecord) error
	LoadSnapshot(ctx context.Context, recordID string) (models.MemoryRecord, error)
	AppendDelta(ctx context.Context, delta *collaboration.Delta) error
	DeltasSince(ctx context.Context, recordID string, since crdt.VectorClock) ([]*collaboration.Delta, error)
	Close() error
}

// Config holds Redis connection settings
type Config struct {
	Address     string
	Password    string
	Database    int
	DialTimeout time.Duration
}

// RedisStore implements Store on Redis. Snapshots are JSON values keyed
// by record id; the delta log is an append-only list per record.
type RedisStore struct {
	client *redis.Client
	logger observability.Logger
}

// NewRedisStore connects to Redis and verifies the connection
func NewRedisStore(cfg Config, logger observability.Logger) (*RedisStore, error) {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}

	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Address,
		Password:    cfg.Password,
		DB:          cfg.Database,
		DialTimeout: cfg.DialTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, errors.Wrap(err, "connecting to redis")
	}

	return &RedisStore{
		client: client,
		logger: logger.WithPrefix("redis-store"),
	}, nil
}

func snapshotKey(recordID string) string { return fmt.Sprintf("memory:snapshot:%s", recordID) }
func deltaKey(recordID string) string    { return fmt.Sprintf("memory:deltas:%s", recordID) }

// SaveSnapshot stores the converged record state
func (s *RedisStore) SaveSnapshot(ctx context.Context, record models.MemoryRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return errors.Wrap(err, "marshaling snapshot")
	}
	if err := s.client.Set(ctx, snapshotKey(record.ID), data, 0).Err(); err != nil {
		return errors.Wrapf(err, "saving snapshot for %q", record.ID)
	}
	return nil
}

// LoadSnapshot retrieves the last saved record state
func (s *RedisStore) LoadSnapshot(ctx context.Context, recordID string) (models.MemoryRecord, error) {
	data, err := s.client.Get(ctx, snapshotKey(recordID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return models.MemoryRecord{}, errors.Wrapf(ErrNotFound, "%q", recordID)
		}
		return models.MemoryRecord{}, errors.Wrapf(err, "loading snapshot for %q", recordID)
	}

	var record models.MemoryRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return models.MemoryRecord{}, errors.Wrap(err, "unmarshaling snapshot")
	}
	return record, nil
}

// AppendDelta appends one delta to the record's log
func (s *RedisStore) AppendDelta(ctx context.Context, delta *collaboration.Delta) error {
	data, err := json.Marshal(delta)
	if err != nil {
		return errors.Wrap(err, "marshaling delta")
	}
	if err := s.client.RPush(ctx, deltaKey(delta.RecordID), data).Err(); err != nil {
		return errors.Wrapf(err, "appending delta for %q", delta.RecordID)
	}
	return nil
}

// DeltasSince returns every logged delta the given version vector has not
// seen, in log order.
func (s *RedisStore) DeltasSince(ctx context.Context, recordID string, since crdt.VectorClock) ([]*collaboration.Delta, error) {
	raw, err := s.client.LRange(ctx, deltaKey(recordID), 0, -1).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "reading delta log for %q", recordID)
	}

	var out []*collaboration.Delta
	for _, item := range raw {
		var delta collaboration.Delta
		if err := json.Unmarshal([]byte(item), &delta); err != nil {
			// A corrupt log entry is skipped rather than wedging resync.
			s.logger.Error("dropping unreadable delta log entry", map[string]interface{}{
				"record_id": recordID,
				"error":     err.Error(),
			})
			continue
		}
		if delta.Seq > since[delta.Origin] {
			out = append(out, &delta)
		}
	}
	return out, nil
}

// Close releases the Redis connection
func (s *RedisStore) Close() error {
	return s.client.Close()
}
