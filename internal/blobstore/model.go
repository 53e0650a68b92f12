package blobstore

import "time"

// ChangeEntry is one append-only change log row of an account.
type ChangeEntry struct {
	Sequence       int64  `gorm:"column:sequence;primaryKey;autoIncrement"`
	AccountID      string `gorm:"column:account_id;size:190;not null;index:idx_change_entries_account_time,priority:1"`
	Key            string `gorm:"column:blob_key;size:512;not null"`
	Kind           string `gorm:"column:kind;size:64;not null;default:''"`
	UpdatedAtNanos int64  `gorm:"column:updated_at_ns;not null;index:idx_change_entries_account_time,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (ChangeEntry) TableName() string {
	return "change_entries"
}

// UpdatedAt returns the write timestamp.
func (e ChangeEntry) UpdatedAt() time.Time {
	return time.Unix(0, e.UpdatedAtNanos).UTC()
}

// BlobRecord stores one blob in the sqlite backend.
type BlobRecord struct {
	AccountID      string `gorm:"column:account_id;primaryKey;size:190;not null"`
	Key            string `gorm:"column:blob_key;primaryKey;size:512;not null"`
	Data           []byte `gorm:"column:data;type:blob;not null"`
	UpdatedAtNanos int64  `gorm:"column:updated_at_ns;not null"`
}

// TableName provides the explicit table binding for GORM.
func (BlobRecord) TableName() string {
	return "blobs"
}
