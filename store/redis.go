package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/quorumkit/quorum/memory"
)

// RedisStore persists sessions as JSON values in redis. A non-zero TTL
// expires records after inactivity.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
}

// NewRedisStore connects to redis and verifies the connection.
func NewRedisStore(config Config) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     config.Redis.Addr,
		Password: config.Redis.Password,
		DB:       config.Redis.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	keyPrefix := config.Redis.KeyPrefix
	if keyPrefix == "" {
		keyPrefix = "quorum:"
	}
	return &RedisStore{client: client, keyPrefix: keyPrefix, ttl: config.Redis.TTL}, nil
}

func (s *RedisStore) sessionKey(sessionID string) string {
	return s.keyPrefix + "session:" + sessionID
}

func (s *RedisStore) snapshotKey(sessionID string) string {
	return s.keyPrefix + "snapshot:" + sessionID
}

func (s *RedisStore) indexKey() string {
	return s.keyPrefix + "sessions"
}

func (s *RedisStore) SaveSession(ctx context.Context, record SessionRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode session record: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.sessionKey(record.Session.ID), data, s.ttl)
	pipe.SAdd(ctx, s.indexKey(), record.Session.ID)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) LoadSession(ctx context.Context, sessionID string) (SessionRecord, error) {
	data, err := s.client.Get(ctx, s.sessionKey(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return SessionRecord{}, ErrNotFound
	}
	if err != nil {
		return SessionRecord{}, err
	}
	var record SessionRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return SessionRecord{}, fmt.Errorf("decode session record: %w", err)
	}
	return record, nil
}

func (s *RedisStore) ListSessions(ctx context.Context) ([]SessionRecord, error) {
	ids, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, err
	}
	var records []SessionRecord
	for _, id := range ids {
		record, err := s.LoadSession(ctx, id)
		if errors.Is(err, ErrNotFound) {
			// Expired by TTL; drop the stale index entry.
			s.client.SRem(ctx, s.indexKey(), id)
			continue
		}
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, nil
}

func (s *RedisStore) SaveSnapshot(ctx context.Context, sessionID string, snap memory.Snapshot) error {
	data, err := memory.EncodeSnapshot(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	return s.client.Set(ctx, s.snapshotKey(sessionID), data, s.ttl).Err()
}

func (s *RedisStore) LoadSnapshot(ctx context.Context, sessionID string) (memory.Snapshot, error) {
	data, err := s.client.Get(ctx, s.snapshotKey(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return memory.Snapshot{}, ErrNotFound
	}
	if err != nil {
		return memory.Snapshot{}, err
	}
	return memory.DecodeSnapshot(data)
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
