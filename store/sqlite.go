package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/quorumkit/quorum/memory"
)

// sessionRow is the gorm model for session records. The record itself
// is stored as a JSON blob; only the lookup keys are columns.
type sessionRow struct {
	SessionID string `gorm:"primaryKey;size:64"`
	Data      []byte
	StartedAt time.Time `gorm:"index"`
	UpdatedAt time.Time
}

func (sessionRow) TableName() string { return "sessions" }

type snapshotRow struct {
	SessionID string `gorm:"primaryKey;size:64"`
	Data      []byte
	UpdatedAt time.Time
}

func (snapshotRow) TableName() string { return "memory_snapshots" }

// SQLiteStore persists sessions in a local SQLite database.
type SQLiteStore struct {
	db *gorm.DB
}

// NewSQLiteStore opens (or creates) the database file and migrates the
// schema.
func NewSQLiteStore(config Config) (*SQLiteStore, error) {
	if config.Path == "" {
		return nil, fmt.Errorf("sqlite store requires a path")
	}
	db, err := gorm.Open(sqlite.Open(config.Path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	if err := db.AutoMigrate(&sessionRow{}, &snapshotRow{}); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) SaveSession(ctx context.Context, record SessionRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode session record: %w", err)
	}
	row := sessionRow{
		SessionID: record.Session.ID,
		Data:      data,
		StartedAt: record.Session.StartedAt,
		UpdatedAt: time.Now(),
	}
	return s.db.WithContext(ctx).Save(&row).Error
}

func (s *SQLiteStore) LoadSession(ctx context.Context, sessionID string) (SessionRecord, error) {
	var row sessionRow
	err := s.db.WithContext(ctx).First(&row, "session_id = ?", sessionID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return SessionRecord{}, ErrNotFound
	}
	if err != nil {
		return SessionRecord{}, err
	}
	var record SessionRecord
	if err := json.Unmarshal(row.Data, &record); err != nil {
		return SessionRecord{}, fmt.Errorf("decode session record: %w", err)
	}
	return record, nil
}

func (s *SQLiteStore) ListSessions(ctx context.Context) ([]SessionRecord, error) {
	var rows []sessionRow
	if err := s.db.WithContext(ctx).Order("started_at ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	records := make([]SessionRecord, 0, len(rows))
	for _, row := range rows {
		var record SessionRecord
		if err := json.Unmarshal(row.Data, &record); err != nil {
			return nil, fmt.Errorf("decode session record %s: %w", row.SessionID, err)
		}
		records = append(records, record)
	}
	return records, nil
}

func (s *SQLiteStore) SaveSnapshot(ctx context.Context, sessionID string, snap memory.Snapshot) error {
	data, err := memory.EncodeSnapshot(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	row := snapshotRow{SessionID: sessionID, Data: data, UpdatedAt: time.Now()}
	return s.db.WithContext(ctx).Save(&row).Error
}

func (s *SQLiteStore) LoadSnapshot(ctx context.Context, sessionID string) (memory.Snapshot, error) {
	var row snapshotRow
	err := s.db.WithContext(ctx).First(&row, "session_id = ?", sessionID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return memory.Snapshot{}, ErrNotFound
	}
	if err != nil {
		return memory.Snapshot{}, err
	}
	return memory.DecodeSnapshot(row.Data)
}

func (s *SQLiteStore) Close() error {
	db, err := s.db.DB()
	if err != nil {
		return err
	}
	return db.Close()
}
