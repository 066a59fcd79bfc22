package rollout

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// IndexEntry is one row of the fork index: where a conversation's
// rollout file lives, plus enough header data to list conversations
// without opening every NDJSON file.
type IndexEntry struct {
	ConversationID string `gorm:"primaryKey;size:64"`
	Path           string `gorm:"size:512;not null"`
	Model          string `gorm:"size:128"`
	Workspace      string `gorm:"size:512"`
	ParentID       string `gorm:"size:64;index"` // set when this conversation was forked from another
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// TableName pins the table name independent of Go naming conventions,
// same as the teacher's persistence models.
func (IndexEntry) TableName() string { return "rollout_index" }

// Index is a SQLite-backed lookup from conversation_id to rollout file
// path (spec §6: "a SQLite fork index" is the one [NEW] external
// interface this spec adds over the wire protocols it otherwise
// preserves unchanged).
type Index struct {
	db *gorm.DB
}

// NewIndex opens (or creates) the SQLite database at dsn and migrates
// the rollout_index table.
func NewIndex(dsn string) (*Index, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		return nil, fmt.Errorf("rollout index: open %s: %w", dsn, err)
	}
	if err := db.AutoMigrate(&IndexEntry{}); err != nil {
		return nil, fmt.Errorf("rollout index: migrate: %w", err)
	}
	return &Index{db: db}, nil
}

// Put records (or updates) a conversation's rollout file location.
func (x *Index) Put(entry IndexEntry) error {
	entry.UpdatedAt = time.Now().UTC()
	if err := x.db.Save(&entry).Error; err != nil {
		return fmt.Errorf("rollout index: save %s: %w", entry.ConversationID, err)
	}
	return nil
}

// Get looks up a conversation's rollout file path.
func (x *Index) Get(conversationID string) (*IndexEntry, error) {
	var entry IndexEntry
	if err := x.db.First(&entry, "conversation_id = ?", conversationID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("rollout index: conversation %s not found", conversationID)
		}
		return nil, fmt.Errorf("rollout index: get %s: %w", conversationID, err)
	}
	return &entry, nil
}

// ListRecent returns the most recently updated conversations, newest
// first, for a resume-picker UI.
func (x *Index) ListRecent(limit int) ([]IndexEntry, error) {
	var entries []IndexEntry
	err := x.db.Order("updated_at desc").Limit(limit).Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("rollout index: list recent: %w", err)
	}
	return entries, nil
}

// ListChildren returns every conversation forked from parentID.
func (x *Index) ListChildren(parentID string) ([]IndexEntry, error) {
	var entries []IndexEntry
	err := x.db.Where("parent_id = ?", parentID).Order("created_at asc").Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("rollout index: list children of %s: %w", parentID, err)
	}
	return entries, nil
}

// Close releases the underlying database connection.
func (x *Index) Close() error {
	sqlDB, err := x.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
