package store

import (
	"context"
	"sort"
	"sync"

	"github.com/quorumkit/quorum/memory"
)

// MemoryStore keeps everything in process memory.
type MemoryStore struct {
	mu        sync.RWMutex
	sessions  map[string]SessionRecord
	snapshots map[string]memory.Snapshot
	closed    bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:  make(map[string]SessionRecord),
		snapshots: make(map[string]memory.Snapshot),
	}
}

func (s *MemoryStore) SaveSession(ctx context.Context, record SessionRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	s.sessions[record.Session.ID] = record
	return nil
}

func (s *MemoryStore) LoadSession(ctx context.Context, sessionID string) (SessionRecord, error) {
	if err := ctx.Err(); err != nil {
		return SessionRecord{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return SessionRecord{}, ErrStoreClosed
	}
	record, ok := s.sessions[sessionID]
	if !ok {
		return SessionRecord{}, ErrNotFound
	}
	return record, nil
}

func (s *MemoryStore) ListSessions(ctx context.Context) ([]SessionRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	records := make([]SessionRecord, 0, len(s.sessions))
	for _, r := range s.sessions {
		records = append(records, r)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].Session.StartedAt.Before(records[j].Session.StartedAt)
	})
	return records, nil
}

func (s *MemoryStore) SaveSnapshot(ctx context.Context, sessionID string, snap memory.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	s.snapshots[sessionID] = snap
	return nil
}

func (s *MemoryStore) LoadSnapshot(ctx context.Context, sessionID string) (memory.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return memory.Snapshot{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return memory.Snapshot{}, ErrStoreClosed
	}
	snap, ok := s.snapshots[sessionID]
	if !ok {
		return memory.Snapshot{}, ErrNotFound
	}
	return snap, nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
