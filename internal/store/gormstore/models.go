package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const indexUploadIdempotency = "uniq_quota_uploads_user_idem"

// Account represents the quota_accounts table.
type Account struct {
	UserID    string    `gorm:"primaryKey;size:256"`
	Total     int64     `gorm:"not null;default:0"`
	Spent     int64     `gorm:"not null;default:0"`
	Balance   int64     `gorm:"not null;default:0"`
	Reserved  int64     `gorm:"not null;default:0"`
	CreatedAt time.Time `gorm:"not null;autoCreateTime:false"`
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime:false"`
}

func (Account) TableName() string { return "quota_accounts" }

// Upload mirrors the quota_uploads table. A NULL idempotency key never collides.
type Upload struct {
	UploadID       string     `gorm:"primaryKey;size:64"`
	UserID         string     `gorm:"size:256;not null;index:uniq_quota_uploads_user_idem,unique,priority:1"`
	IdempotencyKey *string    `gorm:"size:256;index:uniq_quota_uploads_user_idem,unique,priority:2"`
	ByteSize       int64      `gorm:"not null"`
	RequiredUnits  int64      `gorm:"not null"`
	MediaType      string     `gorm:"size:128;not null"`
	Status         string     `gorm:"size:16;not null;index:idx_quota_uploads_status_created_id,priority:1"`
	ContentID      *string    `gorm:"size:256"`
	MediaPostID    *string    `gorm:"size:256"`
	FailureReason  string     `gorm:"size:512;not null;default:''"`
	CreatedAt      time.Time  `gorm:"not null;autoCreateTime:false;index:idx_quota_uploads_status_created_id,priority:2"`
	CompletedAt    *time.Time `gorm:""`
}

func (Upload) TableName() string { return "quota_uploads" }

// LedgerEntry mirrors the quota_ledger_entries table. Rows are never updated.
type LedgerEntry struct {
	EntryID           string         `gorm:"size:36;primaryKey;index:idx_quota_ledger_user_created_entry,priority:3"`
	UserID            string         `gorm:"size:256;not null;index:idx_quota_ledger_user_created_entry,priority:1"`
	Type              string         `gorm:"size:32;not null;index:uniq_quota_ledger_type_reference,unique,priority:1;index:uniq_quota_ledger_upload_type,unique,priority:2"`
	Delta             int64          `gorm:"not null"`
	UploadID          *string        `gorm:"size:64;index:uniq_quota_ledger_upload_type,unique,priority:1"`
	ExternalReference *string        `gorm:"size:256;index:uniq_quota_ledger_type_reference,unique,priority:2"`
	Metadata          datatypes.JSON `gorm:"not null"`
	CreatedAt         time.Time      `gorm:"not null;autoCreateTime:false;index:idx_quota_ledger_user_created_entry,priority:2"`
}

func (LedgerEntry) TableName() string { return "quota_ledger_entries" }

func (entry *LedgerEntry) BeforeCreate(tx *gorm.DB) error {
	if entry.EntryID != "" {
		return nil
	}
	// Version 7 ids sort by creation time, which keeps same-second entries
	// in insertion order under the (created_at, entry_id) page key.
	entryID, err := uuid.NewV7()
	if err != nil {
		return err
	}
	entry.EntryID = entryID.String()
	return nil
}

// AutoMigrate creates or updates the quota tables and indexes.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&Account{}, &Upload{}, &LedgerEntry{})
}
