// Package store provides session storage backends for RefillPipe.
//
// This file implements the Redis-backed session store. Sessions are stored
// as JSON strings under a configurable key prefix; the updated timestamp is
// mirrored into a sorted set so the idle sweep is a range query instead of
// a full scan.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/RefillPipe/internal/models"
	"github.com/redis/go-redis/v9"
)

// DefaultRedisKeyPrefix namespaces RefillPipe keys in a shared Redis.
const DefaultRedisKeyPrefix = "refillpipe:session:"

// redisIdleIndexSuffix is the sorted-set key (under the prefix) that maps
// session IDs to their last-update Unix time.
const redisIdleIndexSuffix = "_idle_index"

// RedisStore persists sessions in Redis.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisStore creates a Redis session store. The DSN is either a plain
// host:port address or a redis:// URL.
func NewRedisStore(opts ...Option) (*RedisStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewRedisStore invoked", "DSN_set", cfg.DSN != "")

	if cfg.DSN == "" {
		slog.Error("RedisStore DSN not set")
		return nil, fmt.Errorf("redis DSN not set")
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = DefaultRedisKeyPrefix
	}

	var client *redis.Client
	if ropts, err := redis.ParseURL(cfg.DSN); err == nil {
		client = redis.NewClient(ropts)
	} else {
		client = redis.NewClient(&redis.Options{Addr: cfg.DSN})
	}

	if err := client.Ping(context.Background()).Err(); err != nil {
		slog.Error("Redis ping failed", "error", err)
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	slog.Debug("Redis session store ready", "prefix", cfg.KeyPrefix)

	return &RedisStore{client: client, keyPrefix: cfg.KeyPrefix}, nil
}

func (s *RedisStore) sessionKey(id string) string { return s.keyPrefix + id }

func (s *RedisStore) idleIndexKey() string { return s.keyPrefix + redisIdleIndexSuffix }

// GetSession loads a session by ID, or returns (nil, nil) if absent.
func (s *RedisStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	data, err := s.client.Get(ctx, s.sessionKey(id)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		slog.Error("RedisStore.GetSession failed", "error", err, "sessionID", id)
		return nil, fmt.Errorf("failed to get session %s: %w", id, err)
	}
	return unmarshalSession(data)
}

// SaveSession stores the session and refreshes its idle-index score.
func (s *RedisStore) SaveSession(ctx context.Context, sess *models.Session) error {
	data, err := marshalSession(sess)
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.sessionKey(sess.ID), data, 0)
	pipe.ZAdd(ctx, s.idleIndexKey(), redis.Z{
		Score:  float64(sess.UpdatedAt.Unix()),
		Member: sess.ID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		slog.Error("RedisStore.SaveSession failed", "error", err, "sessionID", sess.ID)
		return fmt.Errorf("failed to save session %s: %w", sess.ID, err)
	}
	slog.Debug("RedisStore.SaveSession succeeded", "sessionID", sess.ID, "state", sess.State)
	return nil
}

// DeleteSession removes the session and its idle-index entry.
func (s *RedisStore) DeleteSession(ctx context.Context, id string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.sessionKey(id))
	pipe.ZRem(ctx, s.idleIndexKey(), id)
	if _, err := pipe.Exec(ctx); err != nil {
		slog.Error("RedisStore.DeleteSession failed", "error", err, "sessionID", id)
		return fmt.Errorf("failed to delete session %s: %w", id, err)
	}
	return nil
}

// IdleSessionIDs returns IDs whose last update is older than the cutoff.
func (s *RedisStore) IdleSessionIDs(ctx context.Context, cutoff time.Time) ([]string, error) {
	ids, err := s.client.ZRangeByScore(ctx, s.idleIndexKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("(%d", cutoff.Unix()),
	}).Result()
	if err != nil {
		slog.Error("RedisStore.IdleSessionIDs failed", "error", err)
		return nil, fmt.Errorf("failed to query idle sessions: %w", err)
	}
	return ids, nil
}

// Close closes the Redis client.
func (s *RedisStore) Close() error { return s.client.Close() }
