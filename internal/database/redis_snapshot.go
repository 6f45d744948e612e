package database

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"bybit-position-bot/config"
	"bybit-position-bot/internal/position"
)

const (
	// snapshotKey holds the single open position snapshot
	snapshotKey = "posbot:position:current"

	// snapshotTTL keeps stale snapshots from outliving a crashed bot forever
	snapshotTTL = 7 * 24 * time.Hour
)

// RedisSnapshotStore persists the open position in Redis so a restart can
// resume supervising it. When Redis is unavailable it falls back to an
// in-memory copy so trading continues uninterrupted.
type RedisSnapshotStore struct {
	client    *redis.Client
	logger    zerolog.Logger
	available atomic.Bool

	mu       sync.RWMutex
	fallback *position.Position
}

// NewRedisClient creates a Redis client from configuration, nil when
// Redis is not configured.
func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	if !cfg.Enabled || cfg.Address == "" {
		return nil
	}
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
}

// NewRedisSnapshotStore creates a snapshot store. A nil client means
// memory-only operation.
func NewRedisSnapshotStore(client *redis.Client, logger zerolog.Logger) *RedisSnapshotStore {
	store := &RedisSnapshotStore{
		client: client,
		logger: logger.With().Str("component", "snapshot_store").Logger(),
	}

	if client != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			store.logger.Warn().Err(err).Msg("Redis unavailable at startup, using in-memory snapshots")
		} else {
			store.logger.Info().Msg("Redis connected for position snapshots")
			store.available.Store(true)
		}
	} else {
		store.logger.Info().Msg("No Redis configured, using in-memory snapshots only")
	}
	return store
}

// Save persists the position snapshot. The in-memory fallback is always
// updated first, so a Redis outage never loses the current snapshot.
func (s *RedisSnapshotStore) Save(ctx context.Context, pos *position.Position) error {
	if pos == nil {
		return fmt.Errorf("cannot save nil position snapshot")
	}

	copied := *pos
	s.mu.Lock()
	s.fallback = &copied
	s.mu.Unlock()

	if s.client == nil {
		return nil
	}

	data, err := json.Marshal(pos)
	if err != nil {
		return fmt.Errorf("failed to marshal position snapshot: %w", err)
	}
	if err := s.client.Set(ctx, snapshotKey, data, snapshotTTL).Err(); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to save snapshot to Redis, in-memory copy kept")
		s.available.Store(false)
		return nil
	}
	s.available.Store(true)
	return nil
}

// Load returns the persisted snapshot, nil when none exists
func (s *RedisSnapshotStore) Load(ctx context.Context) (*position.Position, error) {
	if s.client != nil {
		data, err := s.client.Get(ctx, snapshotKey).Bytes()
		switch {
		case err == redis.Nil:
			return nil, nil
		case err != nil:
			s.logger.Warn().Err(err).Msg("Failed to load snapshot from Redis, trying in-memory copy")
		default:
			var pos position.Position
			if err := json.Unmarshal(data, &pos); err != nil {
				return nil, fmt.Errorf("failed to unmarshal position snapshot: %w", err)
			}
			s.available.Store(true)
			return &pos, nil
		}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.fallback == nil {
		return nil, nil
	}
	copied := *s.fallback
	return &copied, nil
}

// Delete removes the snapshot after a position closes
func (s *RedisSnapshotStore) Delete(ctx context.Context, positionID string) error {
	s.mu.Lock()
	if s.fallback != nil && (positionID == "" || s.fallback.ID == positionID) {
		s.fallback = nil
	}
	s.mu.Unlock()

	if s.client == nil {
		return nil
	}
	if err := s.client.Del(ctx, snapshotKey).Err(); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to delete snapshot from Redis")
		s.available.Store(false)
	}
	return nil
}

// Available reports whether Redis was reachable on the last operation
func (s *RedisSnapshotStore) Available() bool {
	return s.available.Load()
}
