// Package store persists session records and memory snapshots so an
// external caller can write transcripts and reload a prior session's
// memory verbatim.
//
// Backends:
//   - memory: for tests and throwaway sessions (default)
//   - sqlite: single-node deployments
//   - redis: shared deployments, optionally with TTL
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/quorumkit/quorum/memory"
	"github.com/quorumkit/quorum/orchestrator"
	"github.com/quorumkit/quorum/types"
)

// Common errors.
var (
	ErrNotFound    = errors.New("not found")
	ErrStoreClosed = errors.New("store is closed")
)

// StoreType selects the storage backend.
type StoreType string

const (
	StoreTypeMemory StoreType = "memory"
	StoreTypeSQLite StoreType = "sqlite"
	StoreTypeRedis  StoreType = "redis"
)

// RedisConfig configures the redis backend.
type RedisConfig struct {
	Addr      string        `json:"addr" yaml:"addr"`
	Password  string        `json:"password" yaml:"password"`
	DB        int           `json:"db" yaml:"db"`
	KeyPrefix string        `json:"key_prefix" yaml:"key_prefix"`
	TTL       time.Duration `json:"ttl" yaml:"ttl"`
}

// Config is the store configuration.
type Config struct {
	Type StoreType `json:"type" yaml:"type"`
	// Path is the SQLite database file.
	Path  string      `json:"path" yaml:"path"`
	Redis RedisConfig `json:"redis" yaml:"redis"`
}

// DefaultConfig returns the in-memory backend.
func DefaultConfig() Config {
	return Config{Type: StoreTypeMemory}
}

// SessionRecord is the persisted unit: the session header plus its
// retained transcript.
type SessionRecord struct {
	Session    orchestrator.Session `json:"session"`
	Transcript []types.Message      `json:"transcript"`
	SavedAt    time.Time            `json:"saved_at"`
}

// SessionStore persists sessions and memory snapshots.
type SessionStore interface {
	SaveSession(ctx context.Context, record SessionRecord) error
	LoadSession(ctx context.Context, sessionID string) (SessionRecord, error)
	ListSessions(ctx context.Context) ([]SessionRecord, error)
	SaveSnapshot(ctx context.Context, sessionID string, snap memory.Snapshot) error
	LoadSnapshot(ctx context.Context, sessionID string) (memory.Snapshot, error)
	Close() error
}

// New creates a SessionStore for the configured backend.
func New(config Config) (SessionStore, error) {
	switch config.Type {
	case StoreTypeMemory, "":
		return NewMemoryStore(), nil
	case StoreTypeSQLite:
		return NewSQLiteStore(config)
	case StoreTypeRedis:
		return NewRedisStore(config)
	default:
		return nil, fmt.Errorf("unsupported store type: %s", config.Type)
	}
}
